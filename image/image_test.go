package image

import (
	"bytes"
	"context"
	stderrors "errors"
	"testing"

	"github.com/tetratelabs/wazero"
	"pgregory.net/rapid"

	"github.com/wippyai/wasm-influence/errors"
	"github.com/wippyai/wasm-influence/identity"
)

const widget = "Sample.Widget"

// buildWidget builds a module exercising every place a function index can
// appear: exports, start, element segments, ref.func, call and the name
// section.
func buildWidget(t *testing.T, imports bool) []byte {
	t.Helper()
	b := NewBuilder().SetIdentity(identity.MustNew("Sample", "1.2.3"))
	if imports {
		b.ImportFunc("env", "Noop", nil, nil)
	}
	b.Memory(1, "memory")
	allocs := b.Global(I32, true, 0)

	i32 := []ValType{I32}

	value := b.Func(QualifiedName(widget, "Value"), i32, i32, nil,
		NewCode().LocalGet(0).I32Const(10).I32Mul())

	describe := b.Func(QualifiedName(widget, "Describe"), i32, i32, nil,
		NewCode().LocalGet(0).I32Const(0).CallIndirect(b.TypeIndex(i32, i32)))

	ref := b.Func("", nil, nil, nil, NewCode().RefFunc(value).Drop())

	ctor := b.Func(QualifiedName(widget, ".ctor"), nil, i32, []ValType{I32},
		NewCode().
			Call(ref).
			GlobalGet(allocs).I32Const(1).I32Add().LocalTee(0).GlobalSet(allocs).
			I32Const(0).LocalGet(0).I32Store(0).
			LocalGet(0))

	start := b.Func("init", nil, nil, nil, NewCode())

	b.Table(value)
	b.Start(start)
	b.ExportMember(widget, ".ctor", ctor)
	b.ExportMember(widget, "Value", value)
	b.ExportMember(widget, "Describe", describe)
	return b.Bytes()
}

func TestParse_Identity(t *testing.T) {
	m, err := Parse(buildWidget(t, false))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	id, ok := m.Identity()
	if !ok {
		t.Fatal("expected identity")
	}
	if got := id.String(); got != "Sample, Version=1.2.3, Culture=neutral, PublicKeyToken=null" {
		t.Errorf("identity = %q", got)
	}
}

func TestParse_IdentityFallsBackToModuleName(t *testing.T) {
	b := NewBuilder().SetModuleName("Plain")
	b.Func("f", nil, nil, nil, NewCode())
	m, err := Parse(b.Bytes())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	id, ok := m.Identity()
	if !ok {
		t.Fatal("expected identity from module name")
	}
	if id.Name != "Plain" || id.Version != identity.DefaultVersion {
		t.Errorf("identity = %+v", id)
	}
}

func TestParse_NoIdentity(t *testing.T) {
	m, err := Parse(Magic)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, ok := m.Identity(); ok {
		t.Error("empty module should have no identity")
	}
}

func TestParse_Types(t *testing.T) {
	m, err := Parse(buildWidget(t, true))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if m.NumImportedFuncs() != 1 {
		t.Errorf("NumImportedFuncs = %d, want 1", m.NumImportedFuncs())
	}

	infos := m.TypeInfos()
	if len(infos) != 1 || infos[0].Name != widget {
		t.Fatalf("types = %+v", infos)
	}

	info, ok := m.LookupType(widget)
	if !ok {
		t.Fatal("LookupType failed")
	}
	ctor, ok := info.Constructor()
	if !ok {
		t.Fatal("no constructor")
	}
	if ctor.Export != "Sample.Widget::.ctor" {
		t.Errorf("ctor export = %q", ctor.Export)
	}
	ft, ok := m.FuncType(ctor.FuncIdx)
	if !ok || len(ft.Params) != 0 || len(ft.Results) != 1 {
		t.Errorf("ctor type = %v", ft)
	}
	if _, ok := info.Member("Describe"); !ok {
		t.Error("Describe member missing")
	}
	if _, ok := m.LookupType("Sample.Missing"); ok {
		t.Error("unexpected type")
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"bad magic", []byte{0x00, 0x61, 0x73, 0x6d, 0x02, 0x00, 0x00, 0x00}},
		{"truncated section", append(append([]byte{}, Magic...), SectionType, 0x05, 0x01)},
		{"out of order", append(append([]byte{}, Magic...), SectionFunction, 0x01, 0x00, SectionType, 0x01, 0x00)},
		{"unknown section", append(append([]byte{}, Magic...), 0x42, 0x00)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.data)
			if err == nil {
				t.Fatal("expected error")
			}
			if !stderrors.Is(err, &errors.Error{Kind: errors.KindInvalidData}) {
				t.Errorf("expected invalid data, got %v", err)
			}
		})
	}
}

func TestMember_IsConstructor(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{".ctor", true},
		{".ctor(i32)", true},
		{".ctorx", false},
		{".cctor", false},
		{"ctor", false},
	}
	for _, tt := range tests {
		if got := (Member{Name: tt.name}).IsConstructor(); got != tt.want {
			t.Errorf("IsConstructor(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestSplitMember(t *testing.T) {
	tests := []struct {
		in, typ, member string
		ok              bool
	}{
		{"A.B::m", "A.B", "m", true},
		{"A::B::m", "A::B", "m", true},
		{"A.B::.ctor", "A.B", ".ctor", true},
		{"::m", "", "", false},
		{"A::", "", "", false},
		{"plain", "", "", false},
	}
	for _, tt := range tests {
		typ, member, ok := SplitMember(tt.in)
		if typ != tt.typ || member != tt.member || ok != tt.ok {
			t.Errorf("SplitMember(%q) = %q, %q, %v", tt.in, typ, member, ok)
		}
	}
}

func TestEditor_NoChangesIsIdentity(t *testing.T) {
	data := buildWidget(t, true)
	m, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	out, err := NewEditor(m).Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Error("unedited image changed")
	}
}

func TestEditor_ImportShiftsIndices(t *testing.T) {
	for _, withImports := range []bool{false, true} {
		data := buildWidget(t, withImports)
		m, err := Parse(data)
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		info, _ := m.LookupType(widget)
		ctor, _ := info.Constructor()

		e := NewEditor(m)
		idx, reused, err := e.ImportFunc("host", "Hit", FuncType{})
		if err != nil {
			t.Fatalf("ImportFunc: %v", err)
		}
		if reused {
			t.Error("new import reported as reused")
		}
		if idx != m.NumImportedFuncs() {
			t.Errorf("import index = %d, want %d", idx, m.NumImportedFuncs())
		}
		if err := e.PrependCall(ctor.FuncIdx, idx); err != nil {
			t.Fatalf("PrependCall: %v", err)
		}
		out, err := e.Bytes()
		if err != nil {
			t.Fatalf("Bytes: %v", err)
		}

		patched, err := Parse(out)
		if err != nil {
			t.Fatalf("Parse patched: %v", err)
		}
		if patched.NumImportedFuncs() != m.NumImportedFuncs()+1 {
			t.Errorf("imported funcs = %d", patched.NumImportedFuncs())
		}
		pinfo, ok := patched.LookupType(widget)
		if !ok {
			t.Fatal("type lost after patch")
		}
		pctor, _ := pinfo.Constructor()
		if pctor.FuncIdx != ctor.FuncIdx+1 {
			t.Errorf("ctor index = %d, want %d", pctor.FuncIdx, ctor.FuncIdx+1)
		}
		if *patched.Start != *m.Start+1 {
			t.Errorf("start = %d, want %d", *patched.Start, *m.Start+1)
		}
		if id, _ := patched.Identity(); id.Name != "Sample" {
			t.Errorf("identity lost: %+v", id)
		}

		hits, handles := runWidget(t, out)
		if hits != 2 {
			t.Errorf("host calls = %d, want 2", hits)
		}
		if handles[0] != 1 || handles[1] != 2 {
			t.Errorf("handles = %v", handles)
		}
	}
}

// runWidget instantiates a widget image, constructs two instances and checks
// the table still dispatches to Value.
func runWidget(t *testing.T, data []byte) (int, []uint64) {
	t.Helper()
	ctx := context.Background()
	r := wazero.NewRuntime(ctx)
	defer r.Close(ctx)

	hits := 0
	_, err := r.NewHostModuleBuilder("host").
		NewFunctionBuilder().WithFunc(func(context.Context) { hits++ }).Export("Hit").
		Instantiate(ctx)
	if err != nil {
		t.Fatalf("host module: %v", err)
	}
	_, err = r.NewHostModuleBuilder("env").
		NewFunctionBuilder().WithFunc(func(context.Context) {}).Export("Noop").
		Instantiate(ctx)
	if err != nil {
		t.Fatalf("env module: %v", err)
	}

	mod, err := r.Instantiate(ctx, data)
	if err != nil {
		t.Fatalf("instantiate: %v", err)
	}
	var handles []uint64
	for i := 0; i < 2; i++ {
		res, err := mod.ExportedFunction("Sample.Widget::.ctor").Call(ctx)
		if err != nil {
			t.Fatalf("ctor: %v", err)
		}
		handles = append(handles, res[0])
	}
	res, err := mod.ExportedFunction("Sample.Widget::Describe").Call(ctx, handles[1])
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if res[0] != 20 {
		t.Errorf("Describe = %d, want 20", res[0])
	}
	return hits, handles
}

func TestEditor_ReusesIdenticalImport(t *testing.T) {
	b := NewBuilder()
	hit := b.ImportFunc("host", "Hit", nil, nil)
	b.Func("T::.ctor", nil, nil, nil, NewCode())
	m, err := Parse(b.Bytes())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	e := NewEditor(m)
	idx, reused, err := e.ImportFunc("host", "Hit", FuncType{})
	if err != nil {
		t.Fatalf("ImportFunc: %v", err)
	}
	if !reused || idx != hit {
		t.Errorf("idx = %d reused = %v", idx, reused)
	}
	if e.Shift() != 0 {
		t.Errorf("shift = %d, want 0", e.Shift())
	}

	_, _, err = e.ImportFunc("host", "Hit", FuncType{Params: []ValType{I32}})
	if err == nil {
		t.Error("expected signature conflict")
	}
}

func TestEditor_PrependCallValidation(t *testing.T) {
	b := NewBuilder()
	imp := b.ImportFunc("host", "Take", []ValType{I32}, nil)
	fn := b.Func("T::.ctor", nil, nil, nil, NewCode())
	m, err := Parse(b.Bytes())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	e := NewEditor(m)

	if err := e.PrependCall(imp, fn); err == nil {
		t.Error("prepending to an import should fail")
	}
	if err := e.PrependCall(fn, imp); err == nil {
		t.Error("target with parameters should fail")
	}
	if err := e.PrependCall(fn, 99); err == nil {
		t.Error("out of range target should fail")
	}
}

func TestRewriteBody_GCUnsupported(t *testing.T) {
	body := []byte{0x00, opPrefixGC, 0x00, opEnd}
	_, err := rewriteBody(nil, body, 0, func(i uint32) uint32 { return i + 1 })
	if !stderrors.Is(err, &errors.Error{Kind: errors.KindUnsupported}) {
		t.Errorf("expected unsupported, got %v", err)
	}
}

func TestRewriteBody_RemapsCalls(t *testing.T) {
	code := NewCode().
		Call(3).
		ReturnCall(200).
		RefFunc(1).Drop().
		I32Const(-1).Drop().
		Raw(opPrefixMisc, 0x0B, 0x00). // memory.fill 0
		Raw(opEnd)
	body := append(encodeLocals(nil, []ValType{I32, I32, I64}), code.Bytes()...)

	out, err := rewriteBody(nil, body, 0, func(i uint32) uint32 { return i + 1000 })
	if err != nil {
		t.Fatalf("rewriteBody: %v", err)
	}
	want := append(encodeLocals(nil, []ValType{I32, I32, I64}),
		NewCode().Call(1003).ReturnCall(1200).RefFunc(1001).Drop().
			I32Const(-1).Drop().Raw(opPrefixMisc, 0x0B, 0x00).Raw(opEnd).Bytes()...)
	if !bytes.Equal(out, want) {
		t.Errorf("got  %x\nwant %x", out, want)
	}
}

func TestRewriteBody_IdentityRemapProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		c := NewCode()
		n := rapid.IntRange(0, 40).Draw(t, "n")
		for i := 0; i < n; i++ {
			switch rapid.IntRange(0, 7).Draw(t, "op") {
			case 0:
				c.Call(rapid.Uint32().Draw(t, "call"))
			case 1:
				c.I32Const(rapid.Int32().Draw(t, "i32"))
			case 2:
				c.I64Const(rapid.Int64().Draw(t, "i64"))
			case 3:
				c.LocalGet(rapid.Uint32Range(0, 1000).Draw(t, "local"))
			case 4:
				c.I32Load(rapid.Uint32().Draw(t, "offset"))
			case 5:
				c.RefFunc(rapid.Uint32().Draw(t, "ref"))
			case 6:
				c.CallIndirect(rapid.Uint32Range(0, 10).Draw(t, "type"))
			case 7:
				c.I32Add()
			}
		}
		body := append(encodeLocals(nil, nil), c.Raw(opEnd).Bytes()...)
		out, err := rewriteBody(nil, body, 0, func(i uint32) uint32 { return i })
		if err != nil {
			t.Fatalf("rewriteBody: %v", err)
		}
		if !bytes.Equal(out, body) {
			t.Fatalf("identity remap changed body:\n%x\n%x", body, out)
		}
	})
}

func TestLEB128_RoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		v := rapid.Uint32().Draw(t, "v")
		enc := AppendU32(nil, v)
		got, n := DecodeU32(enc)
		if n != len(enc) || got != v {
			t.Fatalf("DecodeU32(%x) = %d, %d", enc, got, n)
		}
	})
}
