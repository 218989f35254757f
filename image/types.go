package image

import (
	"sort"
	"strings"

	"github.com/wippyai/wasm-influence/identity"
)

// ValType is a WebAssembly value type.
type ValType byte

const (
	I32       ValType = 0x7F
	I64       ValType = 0x7E
	F32       ValType = 0x7D
	F64       ValType = 0x7C
	V128      ValType = 0x7B
	FuncRef   ValType = 0x70
	ExternRef ValType = 0x6F
	RefNull   ValType = 0x63 // followed by a heap type
	Ref       ValType = 0x64 // followed by a heap type
)

func (v ValType) String() string {
	switch v {
	case I32:
		return "i32"
	case I64:
		return "i64"
	case F32:
		return "f32"
	case F64:
		return "f64"
	case V128:
		return "v128"
	case FuncRef:
		return "funcref"
	case ExternRef:
		return "externref"
	case RefNull:
		return "ref null"
	case Ref:
		return "ref"
	default:
		return "unknown"
	}
}

// FuncType is a function signature. Typed references keep only their
// kind; such signatures never compare equal to another.
type FuncType struct {
	Params  []ValType
	Results []ValType
	typed   bool
}

// Equal reports whether two signatures are structurally identical.
func (f FuncType) Equal(o FuncType) bool {
	if f.typed || o.typed || len(f.Params) != len(o.Params) || len(f.Results) != len(o.Results) {
		return false
	}
	for i := range f.Params {
		if f.Params[i] != o.Params[i] {
			return false
		}
	}
	for i := range f.Results {
		if f.Results[i] != o.Results[i] {
			return false
		}
	}
	return true
}

func (f FuncType) String() string {
	var b strings.Builder
	b.WriteByte('(')
	for i, p := range f.Params {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(p.String())
	}
	b.WriteString(") -> (")
	for i, r := range f.Results {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(r.String())
	}
	b.WriteByte(')')
	return b.String()
}

func (f FuncType) encode(dst []byte) []byte {
	dst = append(dst, formFunc)
	dst = AppendU32(dst, uint32(len(f.Params)))
	for _, p := range f.Params {
		dst = append(dst, byte(p))
	}
	dst = AppendU32(dst, uint32(len(f.Results)))
	for _, r := range f.Results {
		dst = append(dst, byte(r))
	}
	return dst
}

// Import is an imported definition. TypeIdx is set for functions only.
type Import struct {
	Module  string
	Name    string
	Kind    byte
	TypeIdx uint32
}

// Export is an exported definition.
type Export struct {
	Name  string
	Kind  byte
	Index uint32
}

// MemberSeparator joins a type name and a member name in function names.
const MemberSeparator = "::"

// ConstructorName is the member name of instance constructors.
const ConstructorName = ".ctor"

// TypeRef names a type inside the module with the given identity.
type TypeRef struct {
	Module identity.Identity
	Name   string
}

// SimpleName returns the type name without its namespace.
func (t TypeRef) SimpleName() string {
	return SimpleName(t.Name)
}

func (t TypeRef) String() string {
	return t.Name + ", " + t.Module.String()
}

// SimpleName strips everything up to the last '.' of a type name.
func SimpleName(typeName string) string {
	if i := strings.LastIndexByte(typeName, '.'); i >= 0 {
		return typeName[i+1:]
	}
	return typeName
}

// QualifiedName joins a type and member name.
func QualifiedName(typeName, member string) string {
	return typeName + MemberSeparator + member
}

// SplitMember splits "Type::member" at the last separator.
func SplitMember(name string) (typeName, member string, ok bool) {
	i := strings.LastIndex(name, MemberSeparator)
	if i <= 0 || i+len(MemberSeparator) >= len(name) {
		return "", "", false
	}
	return name[:i], name[i+len(MemberSeparator):], true
}

// Member is a function belonging to a type.
type Member struct {
	Name     string
	Export   string // first export name, empty when not exported
	FuncIdx  uint32
	Imported bool
}

// IsConstructor reports whether the member is an instance constructor.
func (m Member) IsConstructor() bool {
	return m.Name == ConstructorName || strings.HasPrefix(m.Name, ConstructorName+"(")
}

// TypeInfo is a type and its members ordered by function index.
type TypeInfo struct {
	Name    string
	Members []Member
}

// Constructors returns the defined constructors in declaration order.
func (t *TypeInfo) Constructors() []Member {
	var ctors []Member
	for _, m := range t.Members {
		if m.IsConstructor() && !m.Imported {
			ctors = append(ctors, m)
		}
	}
	return ctors
}

// Constructor returns the first declared constructor.
func (t *TypeInfo) Constructor() (Member, bool) {
	ctors := t.Constructors()
	if len(ctors) == 0 {
		return Member{}, false
	}
	return ctors[0], true
}

// Member returns the member with the given name.
func (t *TypeInfo) Member(name string) (Member, bool) {
	for _, m := range t.Members {
		if m.Name == name {
			return m, true
		}
	}
	return Member{}, false
}

func sortMembers(members []Member) {
	sort.Slice(members, func(i, j int) bool { return members[i].FuncIdx < members[j].FuncIdx })
}
