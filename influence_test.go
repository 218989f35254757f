package influence

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/wippyai/wasm-influence/errors"
	"github.com/wippyai/wasm-influence/fixture"
)

func newEnvironment(t *testing.T) *Environment {
	t.Helper()
	dir := t.TempDir()
	if _, err := fixture.WriteImages(dir); err != nil {
		t.Fatalf("WriteImages: %v", err)
	}
	env, err := New(context.Background(), &Config{
		ScratchDir:  t.TempDir(),
		SearchPaths: []string{dir},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = env.Close(context.Background()) })
	return env
}

func TestEnvironment_PatchInstantiateClear(t *testing.T) {
	ctx := context.Background()
	env := newEnvironment(t)
	counter := &fixture.Counter{}

	res, err := ModifyTypeConstructor[fixture.LibraryToBeModified](ctx, env, counter, "AddCounter")
	if err != nil {
		t.Fatalf("ModifyTypeConstructor: %v", err)
	}
	if _, err := os.Stat(res.Output); err != nil {
		t.Fatalf("patched image missing: %v", err)
	}

	for i := 0; i < 2; i++ {
		obj, err := Instantiate[fixture.LibraryToBeModified](ctx, env)
		if err != nil {
			t.Fatalf("Instantiate: %v", err)
		}
		if err := obj.Close(ctx); err != nil {
			t.Errorf("Close: %v", err)
		}
	}
	if counter.Count() != 2 {
		t.Fatalf("count = %d, want 2", counter.Count())
	}

	env.Clear()
	if env.Registry().Len() != 0 {
		t.Error("registry not cleared")
	}

	obj, err := env.Construct(ctx, fixture.LibraryToBeModified{}.TypeRef())
	if err != nil {
		t.Fatalf("Construct: %v", err)
	}
	if obj.Substituted() {
		t.Error("ordinary construction used a substitute")
	}
	obj, err = Instantiate[fixture.LibraryToBeModified](ctx, env)
	if err != nil {
		t.Fatalf("Instantiate after Clear: %v", err)
	}
	defer obj.Close(ctx)
	if obj.Substituted() {
		t.Error("instantiation after Clear used a substitute")
	}
	if counter.Count() != 2 {
		t.Errorf("count = %d after Clear, want 2", counter.Count())
	}
}

func TestEnvironment_ConstructIgnoresPatches(t *testing.T) {
	ctx := context.Background()
	env := newEnvironment(t)
	counter := &fixture.Counter{}

	if _, err := ModifyTypeConstructor[fixture.LibraryToBeModified](ctx, env, counter, "AddCounter"); err != nil {
		t.Fatalf("ModifyTypeConstructor: %v", err)
	}
	obj, err := env.Construct(ctx, fixture.UserOfTheLibrary{}.TypeRef())
	if err != nil {
		t.Fatalf("Construct: %v", err)
	}
	defer obj.Close(ctx)
	if counter.Count() != 0 {
		t.Errorf("count = %d, want 0", counter.Count())
	}

	user, err := Instantiate[fixture.UserOfTheLibrary](ctx, env)
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	defer user.Close(ctx)
	if counter.Count() != 2 {
		t.Errorf("count = %d, want 2", counter.Count())
	}
}

type visits struct{ n int }

func (v *visits) Namespace() string { return "test.visits" }
func (v *visits) Visit() { v.n++ }

func TestEnvironment_PatchesAccumulate(t *testing.T) {
	ctx := context.Background()
	env := newEnvironment(t)
	counter, seen := &fixture.Counter{}, &visits{}

	if _, err := ModifyTypeConstructor[fixture.LibraryToBeModified](ctx, env, counter, "AddCounter"); err != nil {
		t.Fatalf("ModifyTypeConstructor counter: %v", err)
	}
	if _, err := ModifyTypeConstructor[fixture.LibraryToBeModified](ctx, env, seen, "Visit"); err != nil {
		t.Fatalf("ModifyTypeConstructor visits: %v", err)
	}

	obj, err := Instantiate[fixture.LibraryToBeModified](ctx, env)
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	defer obj.Close(ctx)
	if counter.Count() != 1 || seen.n != 1 {
		t.Errorf("counter = %d, visits = %d, want 1 and 1", counter.Count(), seen.n)
	}
}

func TestEnvironment_SharedRegistry(t *testing.T) {
	ctx := context.Background()
	a := newEnvironment(t)
	counter := &fixture.Counter{}
	if _, err := ModifyTypeConstructor[fixture.LibraryToBeModified](ctx, a, counter, "AddCounter"); err != nil {
		t.Fatalf("ModifyTypeConstructor: %v", err)
	}

	b, err := New(ctx, &Config{
		SearchPaths: []string{filepath.Dir(a.Catalog().Entries()[0].Path)},
		Registry:    a.Registry(),
		Hosts:       a.Hosts(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Close(ctx)

	obj, err := Instantiate[fixture.LibraryToBeModified](ctx, b)
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	defer obj.Close(ctx)
	if counter.Count() != 1 {
		t.Errorf("count = %d, want 1", counter.Count())
	}
}

func TestNew_BadSearchPath(t *testing.T) {
	_, err := New(context.Background(), &Config{SearchPaths: []string{filepath.Join(t.TempDir(), "missing")}})
	if !stderrors.Is(err, &errors.Error{Kind: errors.KindIO}) {
		t.Errorf("expected io error, got %v", err)
	}
}
