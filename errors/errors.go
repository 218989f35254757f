package errors

import (
	"fmt"
	"strings"
)

// Phase indicates where in processing the error occurred
type Phase string

const (
	PhaseDecode      Phase = "decode"      // image parsing
	PhaseEncode      Phase = "encode"      // image re-serialization
	PhasePatch       Phase = "patch"       // constructor splicing
	PhaseResolve     Phase = "resolve"     // identity to image lookup
	PhaseLoad        Phase = "load"        // reading and compiling images
	PhaseInstantiate Phase = "instantiate" // module and object instantiation
	PhaseHost        Phase = "host"        // host receiver binding
	PhaseIdentity    Phase = "identity"    // identity parsing
)

// Kind categorizes the error
type Kind string

const (
	KindTypeNotFound        Kind = "type_not_found"
	KindConstructorNotFound Kind = "constructor_not_found"
	KindMethodNotFound      Kind = "method_not_found"
	KindSignature           Kind = "signature"
	KindNotFound            Kind = "not_found"
	KindInvalidData         Kind = "invalid_data"
	KindInvalidInput        Kind = "invalid_input"
	KindUnsupported         Kind = "unsupported"
	KindMissingImport       Kind = "missing_import"
	KindCycle               Kind = "cycle"
	KindInstantiation       Kind = "instantiation"
	KindIO                  Kind = "io"
	KindClosed              Kind = "closed"
)

// Error is the structured error type used throughout the module
type Error struct {
	Cause  error
	Phase  Phase
	Kind   Kind
	Module string
	Type   string
	Member string
	Path   string
	Detail string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Type != "" {
		b.WriteString(" type ")
		b.WriteString(e.Type)
		if e.Member != "" {
			b.WriteString("::")
			b.WriteString(e.Member)
		}
	} else if e.Member != "" {
		b.WriteString(" member ")
		b.WriteString(e.Member)
	}

	if e.Module != "" {
		b.WriteString(" in {")
		b.WriteString(e.Module)
		b.WriteByte('}')
	}

	if e.Path != "" {
		b.WriteString(" (")
		b.WriteString(e.Path)
		b.WriteByte(')')
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error.
// A target with an empty Phase matches on Kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Phase != "" && t.Phase != e.Phase {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinels for errors.Is checks that only care about the kind.
var (
	ErrTypeNotFound        = &Error{Kind: KindTypeNotFound}
	ErrConstructorNotFound = &Error{Kind: KindConstructorNotFound}
	ErrMethodNotFound      = &Error{Kind: KindMethodNotFound}
	ErrNotFound            = &Error{Kind: KindNotFound}
)

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Module sets the module identity
func (b *Builder) Module(identity string) *Builder {
	b.err.Module = identity
	return b
}

// Type sets the type name
func (b *Builder) Type(name string) *Builder {
	b.err.Type = name
	return b
}

// Member sets the member name
func (b *Builder) Member(name string) *Builder {
	b.err.Member = name
	return b
}

// Path sets the file path
func (b *Builder) Path(path string) *Builder {
	b.err.Path = path
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for common error patterns

// TypeNotFound creates an error for a type absent from a module image
func TypeNotFound(phase Phase, module, typeName string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindTypeNotFound,
		Module: module,
		Type:   typeName,
		Detail: fmt.Sprintf("type %s not found in the module", typeName),
	}
}

// ConstructorNotFound creates an error for a type without a patchable constructor
func ConstructorNotFound(module, typeName string) *Error {
	return &Error{
		Phase:  PhasePatch,
		Kind:   KindConstructorNotFound,
		Module: module,
		Type:   typeName,
		Detail: fmt.Sprintf("constructor for type %s not found", typeName),
	}
}

// MethodNotFound creates an error for a missing external method
func MethodNotFound(goType, method string) *Error {
	return &Error{
		Phase:  PhaseHost,
		Kind:   KindMethodNotFound,
		Type:   goType,
		Member: method,
		Detail: fmt.Sprintf("method %s not found on %s", method, goType),
	}
}

// Signature creates an error for an external method that cannot be called without arguments
func Signature(goType, method, got string) *Error {
	return &Error{
		Phase:  PhaseHost,
		Kind:   KindSignature,
		Type:   goType,
		Member: method,
		Detail: fmt.Sprintf("want func() or func(context.Context), got %s", got),
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// InvalidData creates an error for a malformed image
func InvalidData(phase Phase, detail string, args ...any) *Error {
	if len(args) > 0 {
		detail = fmt.Sprintf(detail, args...)
	}
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidData,
		Detail: detail,
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// Unsupported creates an unsupported operation error
func Unsupported(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindUnsupported,
		Detail: what,
	}
}

// IO wraps a filesystem failure
func IO(phase Phase, path string, cause error) *Error {
	return &Error{
		Phase: phase,
		Kind:  KindIO,
		Path:  path,
		Cause: cause,
	}
}

// Cycle creates an error for a circular module dependency
func Cycle(chain []string) *Error {
	return &Error{
		Phase:  PhaseResolve,
		Kind:   KindCycle,
		Detail: strings.Join(chain, " -> "),
	}
}

// Instantiation creates an instantiation error
func Instantiation(module string, cause error) *Error {
	return &Error{
		Phase:  PhaseInstantiate,
		Kind:   KindInstantiation,
		Module: module,
		Detail: "instantiate module",
		Cause:  cause,
	}
}

// Closed creates an error for use of a disposed resource
func Closed(what string) *Error {
	return &Error{
		Phase:  PhaseResolve,
		Kind:   KindClosed,
		Detail: fmt.Sprintf("%s is closed", what),
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// MissingImport represents a single unresolved import
type MissingImport struct {
	Namespace string // host namespace or module identity
	Function  string // e.g. "AddCounter"
}

// MissingImportsError is returned when a module imports functions nobody provides
type MissingImportsError struct {
	Module  string
	Imports []MissingImport
}

// NewMissingImportsError creates an error from a list of "namespace#function" strings
func NewMissingImportsError(module string, imports []string) *MissingImportsError {
	result := &MissingImportsError{
		Module:  module,
		Imports: make([]MissingImport, 0, len(imports)),
	}
	for _, imp := range imports {
		ns, fn := parseImportKey(imp)
		result.Imports = append(result.Imports, MissingImport{
			Namespace: ns,
			Function:  fn,
		})
	}
	return result
}

func parseImportKey(key string) (namespace, function string) {
	ns, fn, found := strings.Cut(key, "#")
	if found {
		return ns, fn
	}
	return key, ""
}

func (e *MissingImportsError) Error() string {
	if len(e.Imports) == 0 {
		return "[load] missing_import: no imports specified"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "missing %d import(s)", len(e.Imports))
	if e.Module != "" {
		fmt.Fprintf(&b, " for {%s}", e.Module)
	}
	b.WriteByte(':')

	// Group by namespace for cleaner output
	byNS := make(map[string][]string)
	var nsOrder []string
	for _, imp := range e.Imports {
		if _, exists := byNS[imp.Namespace]; !exists {
			nsOrder = append(nsOrder, imp.Namespace)
		}
		byNS[imp.Namespace] = append(byNS[imp.Namespace], imp.Function)
	}

	for _, ns := range nsOrder {
		b.WriteString("\n  ")
		b.WriteString(ns)
		b.WriteString(":")
		for _, fn := range byNS[ns] {
			b.WriteString("\n    - ")
			b.WriteString(fn)
		}
	}

	return b.String()
}

// Is reports whether target matches this error type
func (e *MissingImportsError) Is(target error) bool {
	_, ok := target.(*MissingImportsError)
	return ok
}
