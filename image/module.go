package image

import (
	"bytes"
	"sort"

	"github.com/wippyai/wasm-influence/errors"
	"github.com/wippyai/wasm-influence/identity"
)

// Section is one section of an image. Raw holds the bytes exactly as read
// (id, size and payload) so untouched sections re-encode byte-for-byte.
type Section struct {
	ID      byte
	Name    string // custom sections only
	Payload []byte // contents after the size, custom name included
	Raw     []byte
	offset  int // payload offset in the image
}

// Module is a parsed image. Only the sections needed to find types and
// rewrite function indices are decoded; everything else stays raw.
type Module struct {
	raw        []byte
	Sections   []*Section
	Types      []FuncType
	Imports    []Import
	Funcs      []uint32 // type indices of defined functions
	Exports    []Export
	Start      *uint32
	FuncNames  map[uint32]string
	ModuleName string

	identity    identity.Identity
	hasIdentity bool
	numImported uint32
}

// Parse decodes an image.
func Parse(data []byte) (*Module, error) {
	if len(data) < len(Magic) || !bytes.Equal(data[:len(Magic)], Magic) {
		return nil, errors.InvalidData(errors.PhaseDecode, "not a WebAssembly core module")
	}

	m := &Module{raw: data, FuncNames: make(map[uint32]string)}
	r := newReader(data, 0)
	r.pos = len(Magic)

	lastOrder := 0
	for !r.eof() {
		start := r.pos
		id, err := r.readByte()
		if err != nil {
			return nil, decodeError(r.wrap("section header", err))
		}
		size, err := r.u32()
		if err != nil {
			return nil, decodeError(r.wrap(sectionName(id), err))
		}
		payloadStart := r.pos
		payload, err := r.bytes(int(size))
		if err != nil {
			return nil, decodeError(r.wrap(sectionName(id), err))
		}

		s := &Section{ID: id, Payload: payload, Raw: data[start:r.pos], offset: payloadStart}
		if id == SectionCustom {
			pr := newReader(payload, payloadStart)
			if s.Name, err = pr.name(); err != nil {
				return nil, decodeError(pr.wrap("custom section name", err))
			}
		} else {
			order := sectionOrder(id)
			if order == 0 {
				return nil, errors.InvalidData(errors.PhaseDecode, "unknown section id %d at position %d", id, start)
			}
			if order <= lastOrder {
				return nil, errors.InvalidData(errors.PhaseDecode, "%s out of order at position %d", sectionName(id), start)
			}
			lastOrder = order
		}
		m.Sections = append(m.Sections, s)
	}

	for _, s := range m.Sections {
		if err := m.decodeSection(s); err != nil {
			return nil, decodeError(err)
		}
	}

	if len(m.Funcs) != m.codeCount() {
		return nil, errors.InvalidData(errors.PhaseDecode, "function and code section counts differ (%d != %d)", len(m.Funcs), m.codeCount())
	}

	return m, nil
}

func decodeError(err error) error {
	return errors.Wrap(errors.PhaseDecode, errors.KindInvalidData, err, "malformed image")
}

func (m *Module) decodeSection(s *Section) error {
	r := newReader(s.Payload, s.offset)
	var err error
	switch s.ID {
	case SectionType:
		err = m.decodeTypes(r)
	case SectionImport:
		err = m.decodeImports(r)
	case SectionFunction:
		err = m.decodeFunctions(r)
	case SectionExport:
		err = m.decodeExports(r)
	case SectionStart:
		var idx uint32
		if idx, err = r.u32(); err == nil {
			m.Start = &idx
		}
	case SectionCustom:
		switch s.Name {
		case NameSectionName:
			// Malformed name sections are ignored, as engines do.
			_ = m.decodeNames(r)
		case IdentitySectionName:
			err = m.decodeIdentity(r)
		}
	}
	if err != nil {
		return r.wrap(sectionName(s.ID), err)
	}
	return nil
}

func (m *Module) decodeTypes(r *reader) error {
	count, err := r.vecLen()
	if err != nil {
		return err
	}
	m.Types = make([]FuncType, 0, count)
	for i := uint32(0); i < count; i++ {
		form, err := r.readByte()
		if err != nil {
			return err
		}
		switch form {
		case formFunc:
		case formRec, formSub, formSubFinal, formStruct, formArray:
			return errors.Unsupported(errors.PhaseDecode, "GC type definitions")
		default:
			return errors.InvalidData(errors.PhaseDecode, "invalid type form 0x%02x", form)
		}
		var ft FuncType
		if ft.Params, ft.typed, err = readValTypes(r, ft.typed); err != nil {
			return err
		}
		if ft.Results, ft.typed, err = readValTypes(r, ft.typed); err != nil {
			return err
		}
		m.Types = append(m.Types, ft)
	}
	return nil
}

func readValTypes(r *reader, typed bool) ([]ValType, bool, error) {
	n, err := r.u32()
	if err != nil {
		return nil, typed, err
	}
	types := make([]ValType, 0, n)
	for i := uint32(0); i < n; i++ {
		t, isTyped, err := readValType(r)
		if err != nil {
			return nil, typed, err
		}
		types = append(types, t)
		typed = typed || isTyped
	}
	return types, typed, nil
}

// readValType reads a value type, consuming the heap type of typed references.
func readValType(r *reader) (ValType, bool, error) {
	b, err := r.readByte()
	if err != nil {
		return 0, false, err
	}
	t := ValType(b)
	if t == RefNull || t == Ref {
		if _, err := r.s64(); err != nil {
			return 0, false, err
		}
		return t, true, nil
	}
	return t, false, nil
}

func skipLimits(r *reader) error {
	flags, err := r.readByte()
	if err != nil {
		return err
	}
	if _, err := r.u64(); err != nil {
		return err
	}
	if flags&0x01 != 0 {
		if _, err := r.u64(); err != nil {
			return err
		}
	}
	if flags&0x08 != 0 {
		// custom page size
		if _, err := r.u32(); err != nil {
			return err
		}
	}
	return nil
}

func skipTableType(r *reader) error {
	if _, _, err := readValType(r); err != nil {
		return err
	}
	return skipLimits(r)
}

func skipGlobalType(r *reader) error {
	if _, _, err := readValType(r); err != nil {
		return err
	}
	_, err := r.readByte()
	return err
}

func (m *Module) decodeImports(r *reader) error {
	count, err := r.vecLen()
	if err != nil {
		return err
	}
	m.Imports = make([]Import, 0, count)
	for i := uint32(0); i < count; i++ {
		var imp Import
		if imp.Module, err = r.name(); err != nil {
			return err
		}
		if imp.Name, err = r.name(); err != nil {
			return err
		}
		if imp.Kind, err = r.readByte(); err != nil {
			return err
		}
		switch imp.Kind {
		case KindFunc:
			if imp.TypeIdx, err = r.u32(); err != nil {
				return err
			}
			m.numImported++
		case KindTable:
			err = skipTableType(r)
		case KindMemory:
			err = skipLimits(r)
		case KindGlobal:
			err = skipGlobalType(r)
		case KindTag:
			if _, err = r.readByte(); err == nil {
				imp.TypeIdx, err = r.u32()
			}
		default:
			return errors.InvalidData(errors.PhaseDecode, "invalid import kind 0x%02x", imp.Kind)
		}
		if err != nil {
			return err
		}
		m.Imports = append(m.Imports, imp)
	}
	return nil
}

func (m *Module) decodeFunctions(r *reader) error {
	count, err := r.vecLen()
	if err != nil {
		return err
	}
	m.Funcs = make([]uint32, count)
	for i := range m.Funcs {
		if m.Funcs[i], err = r.u32(); err != nil {
			return err
		}
	}
	return nil
}

func (m *Module) decodeExports(r *reader) error {
	count, err := r.vecLen()
	if err != nil {
		return err
	}
	m.Exports = make([]Export, 0, count)
	for i := uint32(0); i < count; i++ {
		var e Export
		if e.Name, err = r.name(); err != nil {
			return err
		}
		if e.Kind, err = r.readByte(); err != nil {
			return err
		}
		if e.Index, err = r.u32(); err != nil {
			return err
		}
		m.Exports = append(m.Exports, e)
	}
	return nil
}

func (m *Module) decodeNames(r *reader) error {
	if _, err := r.name(); err != nil {
		return err
	}
	for !r.eof() {
		id, err := r.readByte()
		if err != nil {
			return err
		}
		size, err := r.u32()
		if err != nil {
			return err
		}
		body, err := r.bytes(int(size))
		if err != nil {
			return err
		}
		sr := newReader(body, 0)
		switch id {
		case nameSubModule:
			if m.ModuleName, err = sr.name(); err != nil {
				return err
			}
		case nameSubFunctions:
			count, err := sr.u32()
			if err != nil {
				return err
			}
			for i := uint32(0); i < count; i++ {
				idx, err := sr.u32()
				if err != nil {
					return err
				}
				name, err := sr.name()
				if err != nil {
					return err
				}
				m.FuncNames[idx] = name
			}
		}
	}
	return nil
}

func (m *Module) decodeIdentity(r *reader) error {
	if _, err := r.name(); err != nil {
		return err
	}
	id, err := identity.Parse(string(r.data[r.pos:]))
	if err != nil {
		return err
	}
	m.identity = id
	m.hasIdentity = true
	return nil
}

func (m *Module) codeCount() int {
	s := m.section(SectionCode)
	if s == nil {
		return 0
	}
	count, n := DecodeU32(s.Payload)
	if n == 0 {
		return -1
	}
	return int(count)
}

func (m *Module) section(id byte) *Section {
	for _, s := range m.Sections {
		if s.ID == id {
			return s
		}
	}
	return nil
}

func (m *Module) customSection(name string) *Section {
	for _, s := range m.Sections {
		if s.ID == SectionCustom && s.Name == name {
			return s
		}
	}
	return nil
}

// Bytes returns the image the module was parsed from.
func (m *Module) Bytes() []byte {
	return m.raw
}

// NumImportedFuncs returns the number of imported functions, which is also
// the index of the first defined function.
func (m *Module) NumImportedFuncs() uint32 {
	return m.numImported
}

// NumFuncs returns the size of the function index space.
func (m *Module) NumFuncs() uint32 {
	return m.numImported + uint32(len(m.Funcs))
}

// FuncType returns the signature of the function at idx.
func (m *Module) FuncType(idx uint32) (FuncType, bool) {
	var typeIdx uint32
	if idx < m.numImported {
		var n uint32
		found := false
		for _, imp := range m.Imports {
			if imp.Kind != KindFunc {
				continue
			}
			if n == idx {
				typeIdx, found = imp.TypeIdx, true
				break
			}
			n++
		}
		if !found {
			return FuncType{}, false
		}
	} else {
		local := idx - m.numImported
		if local >= uint32(len(m.Funcs)) {
			return FuncType{}, false
		}
		typeIdx = m.Funcs[local]
	}
	if typeIdx >= uint32(len(m.Types)) {
		return FuncType{}, false
	}
	return m.Types[typeIdx], true
}

// FuncImport returns the function index of the function import
// (module, name).
func (m *Module) FuncImport(module, name string) (uint32, Import, bool) {
	var idx uint32
	for _, imp := range m.Imports {
		if imp.Kind != KindFunc {
			continue
		}
		if imp.Module == module && imp.Name == name {
			return idx, imp, true
		}
		idx++
	}
	return 0, Import{}, false
}

// ImportedModules returns the distinct module names of all imports in
// declaration order.
func (m *Module) ImportedModules() []string {
	seen := make(map[string]bool)
	var mods []string
	for _, imp := range m.Imports {
		if !seen[imp.Module] {
			seen[imp.Module] = true
			mods = append(mods, imp.Module)
		}
	}
	return mods
}

// Identity returns the identity recorded in the image. Images without an
// identity section fall back to their name-section module name.
func (m *Module) Identity() (identity.Identity, bool) {
	if m.hasIdentity {
		return m.identity, true
	}
	if m.ModuleName != "" {
		id, err := identity.New(m.ModuleName, "")
		if err == nil {
			return id, true
		}
	}
	return identity.Identity{}, false
}

// TypeInfos returns every type declared in the image, sorted by name.
func (m *Module) TypeInfos() []TypeInfo {
	byName := make(map[string]map[uint32]*Member)

	add := func(idx uint32, fullName string, export string) {
		typeName, member, ok := SplitMember(fullName)
		if !ok {
			return
		}
		members := byName[typeName]
		if members == nil {
			members = make(map[uint32]*Member)
			byName[typeName] = members
		}
		mem := members[idx]
		if mem == nil {
			mem = &Member{Name: member, FuncIdx: idx, Imported: idx < m.numImported}
			members[idx] = mem
		}
		if export != "" && mem.Export == "" {
			mem.Export = export
		}
	}

	for idx, name := range m.FuncNames {
		add(idx, name, "")
	}
	for _, e := range m.Exports {
		if e.Kind != KindFunc {
			continue
		}
		if debugName, ok := m.FuncNames[e.Index]; ok {
			if _, _, isMember := SplitMember(debugName); isMember {
				add(e.Index, debugName, e.Name)
				continue
			}
		}
		add(e.Index, e.Name, e.Name)
	}

	infos := make([]TypeInfo, 0, len(byName))
	for name, members := range byName {
		info := TypeInfo{Name: name, Members: make([]Member, 0, len(members))}
		for _, mem := range members {
			info.Members = append(info.Members, *mem)
		}
		sortMembers(info.Members)
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// LookupType finds a type by fully-qualified name.
func (m *Module) LookupType(name string) (*TypeInfo, bool) {
	for _, info := range m.TypeInfos() {
		if info.Name == name {
			return &info, true
		}
	}
	return nil, false
}

// FuncCode returns the local declarations and the instructions of the
// defined function at idx.
func (m *Module) FuncCode(idx uint32) (locals, code []byte, ok bool) {
	if idx < m.numImported || idx >= m.NumFuncs() {
		return nil, nil, false
	}
	s := m.section(SectionCode)
	if s == nil {
		return nil, nil, false
	}
	r := newReader(s.Payload, s.offset)
	if _, err := r.u32(); err != nil {
		return nil, nil, false
	}
	target := idx - m.numImported
	for i := uint32(0); ; i++ {
		size, err := r.u32()
		if err != nil {
			return nil, nil, false
		}
		body, err := r.bytes(int(size))
		if err != nil {
			return nil, nil, false
		}
		if i != target {
			continue
		}
		br := newReader(body, 0)
		if err := skipLocals(br); err != nil {
			return nil, nil, false
		}
		return body[:br.pos], body[br.pos:], true
	}
}
