package patch

import (
	"github.com/wippyai/wasm-influence/errors"
	"github.com/wippyai/wasm-influence/identity"
	"github.com/wippyai/wasm-influence/image"
)

// Spec describes one constructor splice.
type Spec struct {
	// Type is the fully-qualified name of the type whose first declared
	// constructor is patched.
	Type string
	// Namespace and Method name the imported routine. It must have the
	// signature () -> ().
	Namespace string
	Method    string
}

// externalType is the signature of every spliced routine.
var externalType = image.FuncType{}

type spliced struct {
	identity    identity.Identity
	hasIdentity bool
	constructor string
	importIdx   uint32
	reused      bool
}

// Splice returns a copy of src whose constructor of spec.Type starts with
// a call to the imported routine (spec.Namespace, spec.Method).
//
// Everything else is preserved: sections without function references are
// copied byte-for-byte and the remaining ones are re-encoded with defined
// function indices shifted past the new import.
func Splice(src []byte, spec Spec) ([]byte, error) {
	out, _, err := splice(src, spec)
	return out, err
}

func splice(src []byte, spec Spec) ([]byte, spliced, error) {
	var info spliced
	if spec.Type == "" || spec.Namespace == "" || spec.Method == "" {
		return nil, info, errors.InvalidInput(errors.PhasePatch, "type, namespace and method are required")
	}

	m, err := image.Parse(src)
	if err != nil {
		return nil, info, err
	}
	info.identity, info.hasIdentity = m.Identity()
	moduleName := ""
	if info.hasIdentity {
		moduleName = info.identity.String()
	}

	typ, ok := m.LookupType(spec.Type)
	if !ok {
		return nil, info, errors.TypeNotFound(errors.PhasePatch, moduleName, spec.Type)
	}
	ctor, ok := typ.Constructor()
	if !ok {
		return nil, info, errors.ConstructorNotFound(moduleName, spec.Type)
	}
	info.constructor = ctor.Name

	e := image.NewEditor(m)
	if info.importIdx, info.reused, err = e.ImportFunc(spec.Namespace, spec.Method, externalType); err != nil {
		return nil, info, err
	}
	if err := e.PrependCall(ctor.FuncIdx, info.importIdx); err != nil {
		return nil, info, err
	}
	out, err := e.Bytes()
	if err != nil {
		return nil, info, err
	}
	return out, info, nil
}
