package image

import (
	"sort"
	"strconv"

	"github.com/wippyai/wasm-influence/identity"
)

// Builder assembles small images. It backs the bundled fixtures and tests
// and emits the same identity and name sections the rest of the package
// reads.
//
// Function imports must be declared before any defined function so the
// indices returned by Func stay valid.
type Builder struct {
	identity   *identity.Identity
	moduleName string
	types      []FuncType
	imports    []Import
	funcs      []builtFunc
	exports    []Export
	memory     *uint32
	globals    []builtGlobal
	table      []uint32
	start      *uint32
}

type builtFunc struct {
	typeIdx uint32
	name    string
	params  int
	locals  []ValType
	code    []byte
}

type builtGlobal struct {
	typ     ValType
	mutable bool
	init    int64
}

// NewBuilder creates an empty builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// SetIdentity records id in the identity section and as the module name.
func (b *Builder) SetIdentity(id identity.Identity) *Builder {
	b.identity = &id
	if b.moduleName == "" {
		b.moduleName = id.Name
	}
	return b
}

// SetModuleName sets the name section module name.
func (b *Builder) SetModuleName(name string) *Builder {
	b.moduleName = name
	return b
}

// TypeIndex returns the index of a signature, adding it when absent.
func (b *Builder) TypeIndex(params, results []ValType) uint32 {
	ft := FuncType{Params: params, Results: results}
	for i, t := range b.types {
		if t.Equal(ft) {
			return uint32(i)
		}
	}
	b.types = append(b.types, ft)
	return uint32(len(b.types) - 1)
}

// ImportFunc declares a function import and returns its index.
func (b *Builder) ImportFunc(module, name string, params, results []ValType) uint32 {
	if len(b.funcs) > 0 {
		panic("image: function imports must be declared before defined functions")
	}
	b.imports = append(b.imports, Import{
		Module:  module,
		Name:    name,
		Kind:    KindFunc,
		TypeIdx: b.TypeIndex(params, results),
	})
	return uint32(len(b.imports) - 1)
}

// NextFunc returns the index the next defined function will get.
func (b *Builder) NextFunc() uint32 {
	return uint32(len(b.imports) + len(b.funcs))
}

// Func defines a function and returns its index. name goes to the name
// section; an empty name leaves the function unnamed. The final end is
// appended automatically.
func (b *Builder) Func(name string, params, results, locals []ValType, code *Code) uint32 {
	f := builtFunc{
		typeIdx: b.TypeIndex(params, results),
		name:    name,
		params:  len(params),
		locals:  locals,
	}
	if code != nil {
		f.code = code.buf
	}
	b.funcs = append(b.funcs, f)
	return b.NextFunc() - 1
}

// Export exports the function at idx.
func (b *Builder) Export(name string, idx uint32) *Builder {
	b.exports = append(b.exports, Export{Name: name, Kind: KindFunc, Index: idx})
	return b
}

// ExportMember exports idx as typeName::member.
func (b *Builder) ExportMember(typeName, member string, idx uint32) *Builder {
	return b.Export(QualifiedName(typeName, member), idx)
}

// Memory declares memory 0 with minPages pages and exports it when export
// is not empty.
func (b *Builder) Memory(minPages uint32, export string) *Builder {
	b.memory = &minPages
	if export != "" {
		b.exports = append(b.exports, Export{Name: export, Kind: KindMemory})
	}
	return b
}

// Global declares a global and returns its index.
func (b *Builder) Global(typ ValType, mutable bool, init int64) uint32 {
	b.globals = append(b.globals, builtGlobal{typ: typ, mutable: mutable, init: init})
	return uint32(len(b.globals) - 1)
}

// Table declares funcref table 0 initialized with funcs from offset 0.
func (b *Builder) Table(funcs ...uint32) *Builder {
	b.table = funcs
	return b
}

// Start sets the start function.
func (b *Builder) Start(idx uint32) *Builder {
	b.start = &idx
	return b
}

// Bytes encodes the image.
func (b *Builder) Bytes() []byte {
	out := append([]byte(nil), Magic...)

	if len(b.types) > 0 {
		p := AppendU32(nil, uint32(len(b.types)))
		for _, t := range b.types {
			p = t.encode(p)
		}
		out = appendSection(out, SectionType, p)
	}

	if len(b.imports) > 0 {
		p := AppendU32(nil, uint32(len(b.imports)))
		for _, imp := range b.imports {
			p = AppendName(p, imp.Module)
			p = AppendName(p, imp.Name)
			p = append(p, KindFunc)
			p = AppendU32(p, imp.TypeIdx)
		}
		out = appendSection(out, SectionImport, p)
	}

	if len(b.funcs) > 0 {
		p := AppendU32(nil, uint32(len(b.funcs)))
		for _, f := range b.funcs {
			p = AppendU32(p, f.typeIdx)
		}
		out = appendSection(out, SectionFunction, p)
	}

	if b.table != nil {
		p := AppendU32(nil, 1)
		p = append(p, byte(FuncRef), 0x00)
		p = AppendU32(p, uint32(len(b.table)))
		out = appendSection(out, SectionTable, p)
	}

	if b.memory != nil {
		p := AppendU32(nil, 1)
		p = append(p, 0x00)
		p = AppendU32(p, *b.memory)
		out = appendSection(out, SectionMemory, p)
	}

	if len(b.globals) > 0 {
		p := AppendU32(nil, uint32(len(b.globals)))
		for _, g := range b.globals {
			p = append(p, byte(g.typ))
			if g.mutable {
				p = append(p, 0x01)
			} else {
				p = append(p, 0x00)
			}
			if g.typ == I64 {
				p = append(p, opI64Const)
			} else {
				p = append(p, opI32Const)
			}
			p = AppendS64(p, g.init)
			p = append(p, opEnd)
		}
		out = appendSection(out, SectionGlobal, p)
	}

	if len(b.exports) > 0 {
		p := AppendU32(nil, uint32(len(b.exports)))
		for _, e := range b.exports {
			p = AppendName(p, e.Name)
			p = append(p, e.Kind)
			p = AppendU32(p, e.Index)
		}
		out = appendSection(out, SectionExport, p)
	}

	if b.start != nil {
		out = appendSection(out, SectionStart, AppendU32(nil, *b.start))
	}

	if b.table != nil {
		p := AppendU32(nil, 1)
		p = append(p, 0x00, opI32Const, 0x00, opEnd)
		p = AppendU32(p, uint32(len(b.table)))
		for _, idx := range b.table {
			p = AppendU32(p, idx)
		}
		out = appendSection(out, SectionElement, p)
	}

	if len(b.funcs) > 0 {
		p := AppendU32(nil, uint32(len(b.funcs)))
		for _, f := range b.funcs {
			body := encodeLocals(nil, f.locals)
			body = append(body, f.code...)
			body = append(body, opEnd)
			p = AppendU32(p, uint32(len(body)))
			p = append(p, body...)
		}
		out = appendSection(out, SectionCode, p)
	}

	out = appendSection(out, SectionCustom, b.nameSection())

	if b.identity != nil {
		p := AppendName(nil, IdentitySectionName)
		p = append(p, b.identity.String()...)
		out = appendSection(out, SectionCustom, p)
	}

	return out
}

// encodeLocals groups consecutive locals of the same type.
func encodeLocals(dst []byte, locals []ValType) []byte {
	type group struct {
		n uint32
		t ValType
	}
	var groups []group
	for _, t := range locals {
		if len(groups) > 0 && groups[len(groups)-1].t == t {
			groups[len(groups)-1].n++
			continue
		}
		groups = append(groups, group{1, t})
	}
	dst = AppendU32(dst, uint32(len(groups)))
	for _, g := range groups {
		dst = AppendU32(dst, g.n)
		dst = append(dst, byte(g.t))
	}
	return dst
}

func (b *Builder) nameSection() []byte {
	p := AppendName(nil, NameSectionName)

	if b.moduleName != "" {
		sub := AppendName(nil, b.moduleName)
		p = append(p, nameSubModule)
		p = AppendU32(p, uint32(len(sub)))
		p = append(p, sub...)
	}

	type named struct {
		idx  uint32
		name string
		n    int
	}
	var funcs []named
	base := uint32(len(b.imports))
	for i, f := range b.funcs {
		if f.name != "" {
			funcs = append(funcs, named{base + uint32(i), f.name, f.params + len(f.locals)})
		}
	}
	sort.Slice(funcs, func(i, j int) bool { return funcs[i].idx < funcs[j].idx })

	if len(funcs) > 0 {
		sub := AppendU32(nil, uint32(len(funcs)))
		for _, f := range funcs {
			sub = AppendU32(sub, f.idx)
			sub = AppendName(sub, f.name)
		}
		p = append(p, nameSubFunctions)
		p = AppendU32(p, uint32(len(sub)))
		p = append(p, sub...)

		var locals []byte
		var count uint32
		for _, f := range funcs {
			if f.n == 0 {
				continue
			}
			count++
			locals = AppendU32(locals, f.idx)
			locals = AppendU32(locals, uint32(f.n))
			for l := 0; l < f.n; l++ {
				locals = AppendU32(locals, uint32(l))
				locals = AppendName(locals, localName(l))
			}
		}
		if count > 0 {
			sub = AppendU32(nil, count)
			sub = append(sub, locals...)
			p = append(p, nameSubLocals)
			p = AppendU32(p, uint32(len(sub)))
			p = append(p, sub...)
		}
	}

	return p
}

func localName(i int) string {
	return "l" + strconv.Itoa(i)
}

// Code is a function body under construction.
type Code struct {
	buf []byte
}

// NewCode returns an empty body.
func NewCode() *Code {
	return &Code{}
}

// Bytes returns the encoded instructions without the final end.
func (c *Code) Bytes() []byte {
	return c.buf
}

func (c *Code) op(op byte, imms ...uint32) *Code {
	c.buf = append(c.buf, op)
	for _, imm := range imms {
		c.buf = AppendU32(c.buf, imm)
	}
	return c
}

func (c *Code) I32Const(v int32) *Code {
	c.buf = AppendS32(append(c.buf, opI32Const), v)
	return c
}

func (c *Code) I64Const(v int64) *Code {
	c.buf = AppendS64(append(c.buf, opI64Const), v)
	return c
}

func (c *Code) Call(idx uint32) *Code { return c.op(opCall, idx) }
func (c *Code) ReturnCall(idx uint32) *Code { return c.op(opReturnCall, idx) }
func (c *Code) CallIndirect(typeIdx uint32) *Code { return c.op(opCallIndirect, typeIdx, 0) }
func (c *Code) RefFunc(idx uint32) *Code { return c.op(opRefFunc, idx) }
func (c *Code) LocalGet(idx uint32) *Code { return c.op(opLocalGet, idx) }
func (c *Code) LocalSet(idx uint32) *Code { return c.op(opLocalSet, idx) }
func (c *Code) LocalTee(idx uint32) *Code { return c.op(opLocalTee, idx) }
func (c *Code) GlobalGet(idx uint32) *Code { return c.op(opGlobalGet, idx) }
func (c *Code) GlobalSet(idx uint32) *Code { return c.op(opGlobalSet, idx) }
func (c *Code) I32Add() *Code { return c.op(opI32Add) }
func (c *Code) I32Sub() *Code { return c.op(opI32Sub) }
func (c *Code) I32Mul() *Code { return c.op(opI32Mul) }
func (c *Code) I32RemU() *Code { return c.op(opI32RemU) }
func (c *Code) Drop() *Code { return c.op(opDrop) }
func (c *Code) Return() *Code { return c.op(opReturn) }

// I32Load loads from memory 0 with natural alignment.
func (c *Code) I32Load(offset uint32) *Code { return c.op(opI32Load, 2, offset) }

// I32Store stores to memory 0 with natural alignment.
func (c *Code) I32Store(offset uint32) *Code { return c.op(opI32Store, 2, offset) }

// Raw appends pre-encoded instructions.
func (c *Code) Raw(b ...byte) *Code {
	c.buf = append(c.buf, b...)
	return c
}
