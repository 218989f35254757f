package patch

import (
	"bytes"
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tetratelabs/wazero"

	"github.com/wippyai/wasm-influence/errors"
	"github.com/wippyai/wasm-influence/fixture"
	"github.com/wippyai/wasm-influence/host"
	"github.com/wippyai/wasm-influence/image"
	"github.com/wippyai/wasm-influence/registry"
	"github.com/wippyai/wasm-influence/resolve"
)

func TestSplice_Errors(t *testing.T) {
	lib := fixture.LibraryImage()
	tests := []struct {
		name string
		src  []byte
		spec Spec
		kind errors.Kind
	}{
		{"type not found", lib, Spec{Type: "TestLibrary.Missing", Namespace: "ns", Method: "M"}, errors.KindTypeNotFound},
		{"constructor not found", lib, Spec{Type: fixture.HelpersType, Namespace: "ns", Method: "M"}, errors.KindConstructorNotFound},
		{"missing method", lib, Spec{Type: fixture.LibraryType, Namespace: "ns"}, errors.KindInvalidInput},
		{"not an image", []byte("MZ"), Spec{Type: fixture.LibraryType, Namespace: "ns", Method: "M"}, errors.KindInvalidData},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Splice(tt.src, tt.spec)
			if !stderrors.Is(err, &errors.Error{Kind: tt.kind}) {
				t.Errorf("expected %s, got %v", tt.kind, err)
			}
		})
	}
}

func TestSplice_TypeNotFoundNamesType(t *testing.T) {
	_, err := Splice(fixture.LibraryImage(), Spec{Type: "TestLibrary.Missing", Namespace: "ns", Method: "M"})
	var e *errors.Error
	if !stderrors.As(err, &e) {
		t.Fatalf("expected *errors.Error, got %T", err)
	}
	if e.Type != "TestLibrary.Missing" {
		t.Errorf("error type = %q", e.Type)
	}
	if e.Module != fixture.LibraryIdentity.String() {
		t.Errorf("error module = %q", e.Module)
	}
}

func TestSplice_CallIsFirstInstruction(t *testing.T) {
	src := fixture.LibraryImage()
	orig, err := image.Parse(src)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	out, info, err := splice(src, Spec{Type: fixture.LibraryType, Namespace: "test", Method: "Hit"})
	if err != nil {
		t.Fatalf("splice: %v", err)
	}
	if info.constructor != ".ctor" {
		t.Errorf("constructor = %q, want .ctor", info.constructor)
	}
	if info.importIdx != orig.NumImportedFuncs() {
		t.Errorf("import index = %d", info.importIdx)
	}

	m, err := image.Parse(out)
	if err != nil {
		t.Fatalf("Parse patched: %v", err)
	}
	typ, _ := m.LookupType(fixture.LibraryType)
	ctor, _ := typ.Constructor()
	_, code, ok := m.FuncCode(ctor.FuncIdx)
	if !ok {
		t.Fatal("constructor body missing")
	}
	want := image.AppendU32([]byte{0x10}, info.importIdx)
	if !bytes.HasPrefix(code, want) {
		t.Errorf("constructor starts with %x, want %x", code[:len(want)], want)
	}

	// Only the first declared constructor is instrumented.
	overload, _ := typ.Member(".ctor(i32)")
	_, code, _ = m.FuncCode(overload.FuncIdx)
	if bytes.HasPrefix(code, want) {
		t.Error("overload was patched too")
	}
}

func TestSplice_ReusesImport(t *testing.T) {
	spec := Spec{Type: fixture.LibraryType, Namespace: "test", Method: "Hit"}
	once, err := Splice(fixture.LibraryImage(), spec)
	if err != nil {
		t.Fatalf("first splice: %v", err)
	}
	twice, info, err := splice(once, spec)
	if err != nil {
		t.Fatalf("second splice: %v", err)
	}
	if !info.reused {
		t.Error("second splice should reuse the import")
	}
	m1, _ := image.Parse(once)
	m2, _ := image.Parse(twice)
	if m1.NumImportedFuncs() != m2.NumImportedFuncs() {
		t.Errorf("imports grew from %d to %d", m1.NumImportedFuncs(), m2.NumImportedFuncs())
	}

	if hits := constructTwice(t, twice); hits != 4 {
		t.Errorf("host calls = %d, want 4", hits)
	}
}

// constructTwice runs a spliced library image against a counting host and
// returns the number of host calls.
func constructTwice(t *testing.T, data []byte) int {
	t.Helper()
	ctx := context.Background()
	r := wazero.NewRuntime(ctx)
	defer r.Close(ctx)

	hits := 0
	_, err := r.NewHostModuleBuilder("test").
		NewFunctionBuilder().WithFunc(func(context.Context) { hits++ }).Export("Hit").
		Instantiate(ctx)
	if err != nil {
		t.Fatalf("host module: %v", err)
	}
	mod, err := r.Instantiate(ctx, data)
	if err != nil {
		t.Fatalf("instantiate: %v", err)
	}
	for i := 0; i < 2; i++ {
		res, err := mod.ExportedFunction(image.QualifiedName(fixture.LibraryType, ".ctor")).Call(ctx)
		if err != nil {
			t.Fatalf("ctor: %v", err)
		}
		val, err := mod.ExportedFunction(image.QualifiedName(fixture.LibraryType, "Describe")).Call(ctx, res[0])
		if err != nil {
			t.Fatalf("Describe: %v", err)
		}
		if val[0] != 42 {
			t.Errorf("Describe = %d, want 42", val[0])
		}
	}
	return hits
}

type env struct {
	patcher  *Patcher
	registry *registry.Registry
	scratch  string
	paths    fixture.Paths
}

func newEnv(t *testing.T) env {
	t.Helper()
	paths, err := fixture.WriteImages(t.TempDir())
	if err != nil {
		t.Fatalf("WriteImages: %v", err)
	}
	catalog := resolve.NewCatalog()
	if _, err := catalog.Add(paths.Library); err != nil {
		t.Fatalf("catalog: %v", err)
	}
	reg := registry.New()
	scratch := t.TempDir()
	return env{
		patcher: New(&Config{
			ScratchDir: scratch,
			Registry:   reg,
			Locator:    catalog,
			Hosts:      host.NewTable(nil),
		}),
		registry: reg,
		scratch:  scratch,
		paths:    paths,
	}
}

// construct loads the library from path in an isolated resolver and runs
// its constructor once.
func (e env) construct(t *testing.T, path string) {
	t.Helper()
	ctx := context.Background()
	reg := registry.New()
	reg.Set(fixture.LibraryIdentity.String(), path)
	iso := resolve.NewIsolated(ctx, reg, &resolve.Options{Locator: e.patcher.locator, Hosts: e.patcher.hosts})
	defer iso.Close(ctx)

	m, err := iso.Load(ctx, fixture.LibraryIdentity)
	if err != nil {
		t.Fatalf("Load %s: %v", path, err)
	}
	if _, err := m.Instance.ExportedFunction(image.QualifiedName(fixture.LibraryType, ".ctor")).Call(ctx); err != nil {
		t.Fatalf("ctor: %v", err)
	}
}

func TestPatcher_Patch(t *testing.T) {
	e := newEnv(t)
	before, _ := os.ReadFile(e.paths.Library)
	counter := &fixture.Counter{}

	res, err := e.patcher.Patch(context.Background(), fixture.LibraryToBeModified{}.TypeRef(), counter, "AddCounter")
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}

	if res.Source != e.paths.Library {
		t.Errorf("source = %q, want %q", res.Source, e.paths.Library)
	}
	if filepath.Dir(res.Output) != e.scratch {
		t.Errorf("output %q not in scratch dir", res.Output)
	}
	base := filepath.Base(res.Output)
	if !strings.HasPrefix(base, "LibraryToBeModified_") || !strings.HasSuffix(base, ".wasm") {
		t.Errorf("output name = %q", base)
	}
	if got, ok := e.registry.Lookup(fixture.LibraryIdentity.String()); !ok || got != res.Output {
		t.Errorf("registry = %q, %v", got, ok)
	}

	after, _ := os.ReadFile(e.paths.Library)
	if !bytes.Equal(before, after) {
		t.Error("original image was modified")
	}
	if !e.patcher.hosts.Has(host.TypeName(counter)) {
		t.Error("counter not bound")
	}
}

func TestPatcher_RepeatedPatchesChain(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ref := fixture.LibraryToBeModified{}.TypeRef()
	counter := &fixture.Counter{}

	first, err := e.patcher.Patch(ctx, ref, counter, "AddCounter")
	if err != nil {
		t.Fatalf("first Patch: %v", err)
	}
	second, err := e.patcher.Patch(ctx, ref, counter, "AddCounter")
	if err != nil {
		t.Fatalf("second Patch: %v", err)
	}

	if first.Output == second.Output {
		t.Error("patches share an output path")
	}
	if second.Source != first.Output {
		t.Errorf("second patch read %q, want %q", second.Source, first.Output)
	}
	if !second.ImportReused {
		t.Error("second patch should reuse the import")
	}
	if got, _ := e.registry.Lookup(fixture.LibraryIdentity.String()); got != second.Output {
		t.Errorf("registry = %q, want latest image", got)
	}

	// Both images stay loadable; the second carries both spliced calls.
	tests := []struct {
		path string
		want int64
	}{
		{first.Output, 1},
		{second.Output, 2},
		{first.Output, 1},
	}
	for _, tt := range tests {
		counter.Reset()
		e.construct(t, tt.path)
		if counter.Count() != tt.want {
			t.Errorf("%s: count = %d, want %d", filepath.Base(tt.path), counter.Count(), tt.want)
		}
	}
}

// tally is a second external routine with its own namespace.
type tally struct{ n int }

func (c *tally) Namespace() string { return "test.tally" }
func (c *tally) Bump() { c.n++ }

func TestPatcher_CumulativeExternals(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ref := fixture.LibraryToBeModified{}.TypeRef()
	counter, other := &fixture.Counter{}, &tally{}

	if _, err := e.patcher.Patch(ctx, ref, counter, "AddCounter"); err != nil {
		t.Fatalf("Patch counter: %v", err)
	}
	res, err := e.patcher.Patch(ctx, ref, other, "Bump")
	if err != nil {
		t.Fatalf("Patch tally: %v", err)
	}
	if res.ImportReused {
		t.Error("a new namespace should add an import")
	}

	e.construct(t, res.Output)
	if counter.Count() != 1 || other.n != 1 {
		t.Errorf("counter = %d, tally = %d, want 1 and 1", counter.Count(), other.n)
	}
}

func TestPatcher_RelativeScratchDir(t *testing.T) {
	paths, err := fixture.WriteImages(t.TempDir())
	if err != nil {
		t.Fatalf("WriteImages: %v", err)
	}
	catalog := resolve.NewCatalog()
	if _, err := catalog.Add(paths.Library); err != nil {
		t.Fatalf("catalog: %v", err)
	}
	t.Chdir(t.TempDir())

	reg := registry.New()
	p := New(&Config{ScratchDir: "scratch", Registry: reg, Locator: catalog, Hosts: host.NewTable(nil)})
	if !filepath.IsAbs(p.ScratchDir()) {
		t.Fatalf("scratch dir %q is relative", p.ScratchDir())
	}
	res, err := p.Patch(context.Background(), fixture.LibraryToBeModified{}.TypeRef(), &fixture.Counter{}, "AddCounter")
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}
	got, _ := reg.Lookup(fixture.LibraryIdentity.String())
	if !filepath.IsAbs(got) || got != res.Output {
		t.Errorf("registry path = %q, want absolute %q", got, res.Output)
	}
}

func TestPatcher_FailureLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name     string
		ref      image.TypeRef
		external any
		method   string
		kind     errors.Kind
	}{
		{"type not found", image.TypeRef{Module: fixture.LibraryIdentity, Name: "TestLibrary.Nope"}, &fixture.Counter{}, "AddCounter", errors.KindTypeNotFound},
		{"constructor not found", fixture.Helpers{}.TypeRef(), &fixture.Counter{}, "AddCounter", errors.KindConstructorNotFound},
		{"method not found", fixture.LibraryToBeModified{}.TypeRef(), &fixture.Counter{}, "Nope", errors.KindMethodNotFound},
		{"bad signature", fixture.LibraryToBeModified{}.TypeRef(), &fixture.Counter{}, "Count", errors.KindSignature},
		{"module not found", fixture.UserOfTheLibrary{}.TypeRef(), &fixture.Counter{}, "AddCounter", errors.KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			_, err := e.patcher.Patch(ctx, tt.ref, tt.external, tt.method)
			if !stderrors.Is(err, &errors.Error{Kind: tt.kind}) {
				t.Fatalf("expected %s, got %v", tt.kind, err)
			}
			if e.registry.Len() != 0 {
				t.Error("registry changed")
			}
			entries, _ := os.ReadDir(e.scratch)
			if len(entries) != 0 {
				t.Errorf("scratch dir has %d files", len(entries))
			}
			if len(e.patcher.hosts.Namespaces()) != 0 {
				t.Error("host table changed")
			}
		})
	}
}

func TestPatcher_CanceledContext(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.patcher.Patch(ctx, fixture.LibraryToBeModified{}.TypeRef(), &fixture.Counter{}, "AddCounter")
	if !stderrors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
