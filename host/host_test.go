package host

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/tetratelabs/wazero"

	"github.com/wippyai/wasm-influence/errors"
	"github.com/wippyai/wasm-influence/image"
)

type counter struct{ n int }

func (c *counter) Increment() { c.n++ }
func (c *counter) IncrementCtx(context.Context) { c.n += 10 }
func (c *counter) Add(int) {}
func (c *counter) Value() int { return c.n }

type named struct{ hits int }

func (n *named) Namespace() string { return "test:named" }
func (n *named) Hit() { n.hits++ }

type emptyNamespace struct{}

func (emptyNamespace) Namespace() string { return "" }
func (emptyNamespace) Hit() {}

func TestNamespace(t *testing.T) {
	tests := []struct {
		name     string
		external any
		want     string
	}{
		{"pointer type path", &counter{}, "github.com/wippyai/wasm-influence/host.counter"},
		{"value type path", counter{}, "github.com/wippyai/wasm-influence/host.counter"},
		{"explicit namespace", &named{}, "test:named"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Namespace(tt.external)
			if err != nil {
				t.Fatalf("Namespace: %v", err)
			}
			if got != tt.want {
				t.Errorf("Namespace = %q, want %q", got, tt.want)
			}
		})
	}

	if _, err := Namespace(nil); err == nil {
		t.Error("nil external should fail")
	}
	if _, err := Namespace(emptyNamespace{}); err == nil {
		t.Error("empty namespace should fail")
	}
}

func TestTable_Validate(t *testing.T) {
	tbl := NewTable(nil)
	tests := []struct {
		method string
		kind   errors.Kind
	}{
		{"Increment", ""},
		{"IncrementCtx", ""},
		{"Missing", errors.KindMethodNotFound},
		{"Add", errors.KindSignature},
		{"Value", errors.KindSignature},
		{"", errors.KindInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			_, err := tbl.Validate(&counter{}, tt.method)
			if tt.kind == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if !stderrors.Is(err, &errors.Error{Kind: tt.kind}) {
				t.Errorf("expected %s, got %v", tt.kind, err)
			}
		})
	}
	if len(tbl.Namespaces()) != 0 {
		t.Error("Validate must not record bindings")
	}
}

// runGuest instantiates a guest module named name whose "run" export calls
// the given methods of namespace in order, and calls it.
func runGuest(t *testing.T, ctx context.Context, r wazero.Runtime, name, namespace string, methods ...string) {
	t.Helper()
	b := image.NewBuilder().SetModuleName(name)
	code := image.NewCode()
	for _, m := range methods {
		code.Call(b.ImportFunc(namespace, m, nil, nil))
	}
	b.Export("run", b.Func("run", nil, nil, nil, code))

	mod, err := r.InstantiateWithConfig(ctx, b.Bytes(), wazero.NewModuleConfig().WithName(name))
	if err != nil {
		t.Fatalf("instantiate guest: %v", err)
	}
	defer mod.Close(ctx)
	if _, err := mod.ExportedFunction("run").Call(ctx); err != nil {
		t.Fatalf("run guest: %v", err)
	}
}

func TestTable_BindAndInstantiate(t *testing.T) {
	ctx := context.Background()
	tbl := NewTable(nil)
	c := &counter{}

	ns, err := tbl.Bind(c, "Increment")
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if _, err := tbl.Bind(c, "IncrementCtx"); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if !tbl.Has(ns) {
		t.Fatal("namespace not recorded")
	}
	if got := tbl.Methods(ns); len(got) != 2 || got[0] != "Increment" || got[1] != "IncrementCtx" {
		t.Errorf("Methods = %v", got)
	}

	r := wazero.NewRuntime(ctx)
	defer r.Close(ctx)

	mod, err := tbl.Instantiate(ctx, r, ns)
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	again, err := tbl.Instantiate(ctx, r, ns)
	if err != nil {
		t.Fatalf("second Instantiate: %v", err)
	}
	if again != mod {
		t.Error("Instantiate should be idempotent per runtime")
	}
	defs := mod.ExportedFunctionDefinitions()
	for _, name := range []string{"Increment", "IncrementCtx"} {
		if _, ok := defs[name]; !ok {
			t.Errorf("%s not exported", name)
		}
	}

	runGuest(t, ctx, r, "guest", ns, "Increment", "IncrementCtx")
	if c.n != 11 {
		t.Errorf("counter = %d, want 11", c.n)
	}
}

func TestTable_RebindReplacesReceiver(t *testing.T) {
	ctx := context.Background()
	tbl := NewTable(nil)
	first, second := &named{}, &named{}

	if _, err := tbl.Bind(first, "Hit"); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	r := wazero.NewRuntime(ctx)
	defer r.Close(ctx)
	if _, err := tbl.Instantiate(ctx, r, "test:named"); err != nil {
		t.Fatalf("Instantiate: %v", err)
	}

	if _, err := tbl.Bind(second, "Hit"); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	runGuest(t, ctx, r, "guest", "test:named", "Hit")
	if first.hits != 0 || second.hits != 1 {
		t.Errorf("hits = %d/%d, want 0/1", first.hits, second.hits)
	}
}

func TestTable_MethodsBoundAfterInstantiate(t *testing.T) {
	ctx := context.Background()
	tbl := NewTable(nil)
	c := &counter{}

	ns, err := tbl.Bind(c, "Increment")
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	stale := wazero.NewRuntime(ctx)
	defer stale.Close(ctx)
	if _, err := tbl.Instantiate(ctx, stale, ns); err != nil {
		t.Fatalf("Instantiate: %v", err)
	}

	if _, err := tbl.Bind(c, "IncrementCtx"); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	mod, err := tbl.Instantiate(ctx, stale, ns)
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	if _, ok := mod.ExportedFunctionDefinitions()["IncrementCtx"]; ok {
		t.Error("existing host module gained a method")
	}

	fresh := wazero.NewRuntime(ctx)
	defer fresh.Close(ctx)
	if _, err := tbl.Instantiate(ctx, fresh, ns); err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	runGuest(t, ctx, fresh, "guest", ns, "IncrementCtx")
	if c.n != 10 {
		t.Errorf("counter = %d, want 10", c.n)
	}
}

func TestTable_InstantiateUnknownNamespace(t *testing.T) {
	ctx := context.Background()
	r := wazero.NewRuntime(ctx)
	defer r.Close(ctx)

	_, err := NewTable(nil).Instantiate(ctx, r, "nobody")
	if !stderrors.Is(err, errors.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}
