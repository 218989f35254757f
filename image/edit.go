package image

import (
	"github.com/wippyai/wasm-influence/errors"
)

// Editor stages changes to a parsed image and re-encodes it.
//
// New function imports are appended after the existing ones, so every
// defined function moves up by the number of staged imports. Bytes rewrites
// each function index reference accordingly; sections without function
// references are copied byte-for-byte.
type Editor struct {
	m        *Module
	types    []FuncType
	imports  []Import
	prepends map[uint32][]byte
}

// NewEditor returns an editor for m. m itself is never modified.
func NewEditor(m *Module) *Editor {
	return &Editor{m: m, prepends: make(map[uint32][]byte)}
}

// TypeIndex returns the index of a signature, staging it when absent.
func (e *Editor) TypeIndex(ft FuncType) uint32 {
	for i, t := range e.m.Types {
		if t.Equal(ft) {
			return uint32(i)
		}
	}
	for i, t := range e.types {
		if t.Equal(ft) {
			return uint32(len(e.m.Types) + i)
		}
	}
	e.types = append(e.types, FuncType{Params: ft.Params, Results: ft.Results})
	return uint32(len(e.m.Types) + len(e.types) - 1)
}

// ImportFunc returns the function index, in the edited index space, of the
// function import (module, name). An identical existing import is reused.
func (e *Editor) ImportFunc(module, name string, ft FuncType) (idx uint32, reused bool, err error) {
	if idx, imp, ok := e.m.FuncImport(module, name); ok {
		if imp.TypeIdx < uint32(len(e.m.Types)) && e.m.Types[imp.TypeIdx].Equal(ft) {
			return idx, true, nil
		}
		return 0, false, errors.InvalidData(errors.PhasePatch,
			"import %s#%s already declared with a different signature", module, name)
	}
	for i, imp := range e.imports {
		if imp.Module == module && imp.Name == name {
			return e.m.numImported + uint32(i), true, nil
		}
	}
	e.imports = append(e.imports, Import{
		Module:  module,
		Name:    name,
		Kind:    KindFunc,
		TypeIdx: e.TypeIndex(ft),
	})
	return e.m.numImported + uint32(len(e.imports)-1), false, nil
}

// Shift returns the amount defined function indices move by.
func (e *Editor) Shift() uint32 {
	return uint32(len(e.imports))
}

// Remap translates a function index of the original image into the edited
// index space.
func (e *Editor) Remap(idx uint32) uint32 {
	if idx >= e.m.numImported {
		return idx + e.Shift()
	}
	return idx
}

// PrependCall stages "call target" as the first instruction of the defined
// function fn. fn is an index of the original image, target one of the
// edited index space. target must take and return nothing.
func (e *Editor) PrependCall(fn, target uint32) error {
	if fn < e.m.numImported || fn >= e.m.NumFuncs() {
		return errors.InvalidInput(errors.PhasePatch, "call can only be prepended to a defined function")
	}
	ft, ok := e.targetType(target)
	if !ok {
		return errors.InvalidInput(errors.PhasePatch, "call target out of range")
	}
	if len(ft.Params) != 0 || len(ft.Results) != 0 {
		return errors.InvalidInput(errors.PhasePatch, "prepended call target must have signature () -> ()")
	}
	code := AppendU32([]byte{opCall}, target)
	e.prepends[fn] = append(code, e.prepends[fn]...)
	return nil
}

func (e *Editor) targetType(target uint32) (FuncType, bool) {
	n := e.m.numImported
	switch {
	case target < n:
		return e.m.FuncType(target)
	case target < n+e.Shift():
		typeIdx := e.imports[target-n].TypeIdx
		if typeIdx < uint32(len(e.m.Types)) {
			return e.m.Types[typeIdx], true
		}
		return e.types[typeIdx-uint32(len(e.m.Types))], true
	default:
		return e.m.FuncType(target - e.Shift())
	}
}

// Bytes encodes the edited image.
func (e *Editor) Bytes() ([]byte, error) {
	out := make([]byte, 0, len(e.m.raw)+64)
	out = append(out, Magic...)

	pendingTypes := len(e.types) > 0 && e.m.section(SectionType) == nil
	pendingImports := len(e.imports) > 0 && e.m.section(SectionImport) == nil

	emitPending := func(before int) {
		if pendingTypes && before > sectionOrder(SectionType) {
			out = appendSection(out, SectionType, e.encodeTypes(nil))
			pendingTypes = false
		}
		if pendingImports && before > sectionOrder(SectionImport) {
			out = appendSection(out, SectionImport, e.encodeImports(nil))
			pendingImports = false
		}
	}

	for _, s := range e.m.Sections {
		if s.ID != SectionCustom {
			emitPending(sectionOrder(s.ID))
		}
		payload, changed, err := e.rewriteSection(s)
		if err != nil {
			return nil, errors.Wrap(errors.PhaseEncode, errors.KindInvalidData, err, "rewrite "+sectionName(s.ID))
		}
		if changed {
			out = appendSection(out, s.ID, payload)
		} else {
			out = append(out, s.Raw...)
		}
	}
	emitPending(sectionOrder(SectionData) + 1)

	return out, nil
}

func (e *Editor) rewriteSection(s *Section) ([]byte, bool, error) {
	shifted := e.Shift() > 0
	switch s.ID {
	case SectionType:
		if len(e.types) == 0 {
			return nil, false, nil
		}
		return e.encodeTypes(s), true, nil
	case SectionImport:
		if len(e.imports) == 0 {
			return nil, false, nil
		}
		return e.encodeImports(s), true, nil
	case SectionCode:
		if !shifted && len(e.prepends) == 0 {
			return nil, false, nil
		}
		p, err := e.rewriteCode(s)
		return p, true, err
	case SectionCustom:
		if !shifted || s.Name != NameSectionName {
			return nil, false, nil
		}
		p, ok := e.rewriteNames(s)
		return p, ok, nil
	}
	if !shifted {
		return nil, false, nil
	}

	var p []byte
	var err error
	switch s.ID {
	case SectionExport:
		p, err = e.rewriteExports(s)
	case SectionStart:
		p, err = e.rewriteStart(s)
	case SectionElement:
		p, err = e.rewriteElements(s)
	case SectionGlobal:
		p, err = e.rewriteGlobals(s)
	case SectionTable:
		p, err = e.rewriteTables(s)
	default:
		return nil, false, nil
	}
	return p, true, err
}

// vecTail splits a vector payload into its count and the raw entries.
func vecTail(s *Section) (uint32, []byte) {
	if s == nil {
		return 0, nil
	}
	count, n := DecodeU32(s.Payload)
	return count, s.Payload[n:]
}

func (e *Editor) encodeTypes(s *Section) []byte {
	count, tail := vecTail(s)
	p := AppendU32(nil, count+uint32(len(e.types)))
	p = append(p, tail...)
	for _, t := range e.types {
		p = t.encode(p)
	}
	return p
}

func (e *Editor) encodeImports(s *Section) []byte {
	count, tail := vecTail(s)
	p := AppendU32(nil, count+uint32(len(e.imports)))
	p = append(p, tail...)
	for _, imp := range e.imports {
		p = AppendName(p, imp.Module)
		p = AppendName(p, imp.Name)
		p = append(p, KindFunc)
		p = AppendU32(p, imp.TypeIdx)
	}
	return p
}

func (e *Editor) rewriteExports(s *Section) ([]byte, error) {
	p := AppendU32(nil, uint32(len(e.m.Exports)))
	for _, exp := range e.m.Exports {
		p = AppendName(p, exp.Name)
		p = append(p, exp.Kind)
		idx := exp.Index
		if exp.Kind == KindFunc {
			idx = e.Remap(idx)
		}
		p = AppendU32(p, idx)
	}
	return p, nil
}

func (e *Editor) rewriteStart(s *Section) ([]byte, error) {
	if e.m.Start == nil {
		return nil, errors.InvalidData(errors.PhaseEncode, "start section without function")
	}
	return AppendU32(nil, e.Remap(*e.m.Start)), nil
}

// constExpr copies one constant expression starting at r's position.
func (e *Editor) constExpr(r *reader, out []byte) ([]byte, error) {
	w := newExprWalker(r.data[r.pos:], r.base+r.pos, out, e.Remap)
	if err := w.constExpr(); err != nil {
		return nil, err
	}
	r.pos += w.r.pos
	return w.flush(), nil
}

// copyFrom appends r.data[from:r.pos].
func copyFrom(out []byte, r *reader, from int) []byte {
	return append(out, r.data[from:r.pos]...)
}

func (e *Editor) rewriteElements(s *Section) ([]byte, error) {
	r := newReader(s.Payload, s.offset)
	count, err := r.u32()
	if err != nil {
		return nil, r.wrap("element section", err)
	}
	out := AppendU32(nil, count)
	for i := uint32(0); i < count; i++ {
		if out, err = e.rewriteElement(r, out); err != nil {
			return nil, r.wrap("element section", err)
		}
	}
	return out, nil
}

func (e *Editor) rewriteElement(r *reader, out []byte) ([]byte, error) {
	flags, err := r.u32()
	if err != nil {
		return nil, err
	}
	if flags > 7 {
		return nil, errors.InvalidData(errors.PhaseEncode, "invalid element segment flags %d", flags)
	}
	out = AppendU32(out, flags)

	passiveOrDeclarative := flags&0x01 != 0
	explicitTable := flags&0x02 != 0
	usesExprs := flags&0x04 != 0

	if explicitTable && !passiveOrDeclarative {
		mark := r.pos
		if _, err := r.u32(); err != nil {
			return nil, err
		}
		out = copyFrom(out, r, mark)
	}
	if !passiveOrDeclarative {
		if out, err = e.constExpr(r, out); err != nil {
			return nil, err
		}
	}
	if passiveOrDeclarative || explicitTable {
		// elemkind or reftype
		mark := r.pos
		if usesExprs {
			_, _, err = readValType(r)
		} else {
			_, err = r.readByte()
		}
		if err != nil {
			return nil, err
		}
		out = copyFrom(out, r, mark)
	}

	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	out = AppendU32(out, n)
	for j := uint32(0); j < n; j++ {
		if usesExprs {
			if out, err = e.constExpr(r, out); err != nil {
				return nil, err
			}
			continue
		}
		idx, err := r.u32()
		if err != nil {
			return nil, err
		}
		out = AppendU32(out, e.Remap(idx))
	}
	return out, nil
}

func (e *Editor) rewriteGlobals(s *Section) ([]byte, error) {
	r := newReader(s.Payload, s.offset)
	count, err := r.u32()
	if err != nil {
		return nil, r.wrap("global section", err)
	}
	out := AppendU32(nil, count)
	for i := uint32(0); i < count; i++ {
		mark := r.pos
		if err := skipGlobalType(r); err != nil {
			return nil, r.wrap("global section", err)
		}
		out = copyFrom(out, r, mark)
		if out, err = e.constExpr(r, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (e *Editor) rewriteTables(s *Section) ([]byte, error) {
	r := newReader(s.Payload, s.offset)
	count, err := r.u32()
	if err != nil {
		return nil, r.wrap("table section", err)
	}
	out := AppendU32(nil, count)
	for i := uint32(0); i < count; i++ {
		mark := r.pos
		b, err := r.peek()
		if err != nil {
			return nil, r.wrap("table section", err)
		}
		if b != 0x40 {
			if err := skipTableType(r); err != nil {
				return nil, r.wrap("table section", err)
			}
			out = copyFrom(out, r, mark)
			continue
		}
		// 0x40 0x00 tabletype expr
		if err := r.skip(2); err != nil {
			return nil, r.wrap("table section", err)
		}
		if err := skipTableType(r); err != nil {
			return nil, r.wrap("table section", err)
		}
		out = copyFrom(out, r, mark)
		if out, err = e.constExpr(r, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (e *Editor) rewriteCode(s *Section) ([]byte, error) {
	r := newReader(s.Payload, s.offset)
	count, err := r.u32()
	if err != nil {
		return nil, r.wrap("code section", err)
	}
	out := AppendU32(nil, count)
	var body []byte
	for i := uint32(0); i < count; i++ {
		size, err := r.u32()
		if err != nil {
			return nil, r.wrap("code section", err)
		}
		start := r.pos
		raw, err := r.bytes(int(size))
		if err != nil {
			return nil, r.wrap("code section", err)
		}

		body = body[:0]
		if e.Shift() > 0 {
			if body, err = rewriteBody(body, raw, s.offset+start, e.Remap); err != nil {
				return nil, err
			}
		} else {
			body = append(body, raw...)
		}

		if code, ok := e.prepends[e.m.numImported+i]; ok {
			lr := newReader(body, 0)
			if err := skipLocals(lr); err != nil {
				return nil, r.wrap("code section", err)
			}
			spliced := make([]byte, 0, len(body)+len(code))
			spliced = append(spliced, body[:lr.pos]...)
			spliced = append(spliced, code...)
			spliced = append(spliced, body[lr.pos:]...)
			body = spliced
		}

		out = AppendU32(out, uint32(len(body)))
		out = append(out, body...)
	}
	return out, nil
}

// rewriteNames remaps the function, local and label subsections. A name
// section that does not decode is left untouched.
func (e *Editor) rewriteNames(s *Section) ([]byte, bool) {
	r := newReader(s.Payload, s.offset)
	if _, err := r.name(); err != nil {
		return nil, false
	}
	out := append([]byte(nil), s.Payload[:r.pos]...)
	for !r.eof() {
		id, err := r.readByte()
		if err != nil {
			return nil, false
		}
		size, err := r.u32()
		if err != nil {
			return nil, false
		}
		sub, err := r.bytes(int(size))
		if err != nil {
			return nil, false
		}
		switch id {
		case nameSubFunctions, nameSubLocals, nameSubLabels:
			if sub, err = e.remapNameMap(sub, id != nameSubFunctions); err != nil {
				return nil, false
			}
		}
		out = append(out, id)
		out = AppendU32(out, uint32(len(sub)))
		out = append(out, sub...)
	}
	return out, true
}

// remapNameMap remaps the outer indices of a name map or indirect name map.
func (e *Editor) remapNameMap(sub []byte, indirect bool) ([]byte, error) {
	r := newReader(sub, 0)
	count, err := r.u32()
	if err != nil {
		return nil, err
	}
	out := AppendU32(nil, count)
	for i := uint32(0); i < count; i++ {
		idx, err := r.u32()
		if err != nil {
			return nil, err
		}
		out = AppendU32(out, e.Remap(idx))
		mark := r.pos
		if indirect {
			n, err := r.u32()
			if err != nil {
				return nil, err
			}
			for j := uint32(0); j < n; j++ {
				if _, err := r.u32(); err != nil {
					return nil, err
				}
				if _, err := r.name(); err != nil {
					return nil, err
				}
			}
		} else if _, err := r.name(); err != nil {
			return nil, err
		}
		out = copyFrom(out, r, mark)
	}
	return out, nil
}
