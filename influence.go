package influence

import (
	"context"
	"os"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-influence/errors"
	"github.com/wippyai/wasm-influence/factory"
	"github.com/wippyai/wasm-influence/host"
	"github.com/wippyai/wasm-influence/image"
	"github.com/wippyai/wasm-influence/patch"
	"github.com/wippyai/wasm-influence/registry"
	"github.com/wippyai/wasm-influence/resolve"
)

// Config configures an Environment. The zero value is usable.
type Config struct {
	// ScratchDir receives patched images. Defaults to os.TempDir().
	ScratchDir string
	// SearchPaths are directories or single images to catalog as
	// installed modules.
	SearchPaths []string
	// MemoryLimitPages caps linear memory per module. Zero keeps the
	// wazero default.
	MemoryLimitPages uint32
	Logger           *zap.Logger
	// Registry and Hosts are shared with other environments when set.
	// Patched images import host routines, so an environment reading
	// another's registry needs its host table too.
	Registry *registry.Registry
	Hosts    *host.Table
}

// Environment wires the registry, catalog, host table, ambient pipeline,
// patcher and factory together.
type Environment struct {
	registry *registry.Registry
	catalog  *resolve.Catalog
	hosts    *host.Table
	pipeline *resolve.Pipeline
	patcher  *patch.Patcher
	factory  *factory.Factory
	logger   *zap.Logger
}

// New creates an Environment and catalogs cfg.SearchPaths.
func New(ctx context.Context, cfg *Config) (*Environment, error) {
	var c Config
	if cfg != nil {
		c = *cfg
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Registry == nil {
		c.Registry = registry.New()
	}
	if c.Hosts == nil {
		c.Hosts = host.NewTable(c.Logger)
	}

	catalog := resolve.NewCatalog()
	for _, p := range c.SearchPaths {
		if err := catalogPath(catalog, p); err != nil {
			return nil, err
		}
	}

	opts := &resolve.Options{
		Locator:          catalog,
		Hosts:            c.Hosts,
		Logger:           c.Logger,
		MemoryLimitPages: c.MemoryLimitPages,
	}
	env := &Environment{
		registry: c.Registry,
		catalog:  catalog,
		hosts:    c.Hosts,
		pipeline: resolve.NewPipeline(ctx, opts),
		patcher: patch.New(&patch.Config{
			ScratchDir: c.ScratchDir,
			Registry:   c.Registry,
			Locator:    catalog,
			Hosts:      c.Hosts,
			Logger:     c.Logger,
		}),
		factory: factory.New(&factory.Config{Registry: c.Registry, Options: opts}),
		logger:  c.Logger,
	}

	env.logger.Debug("environment ready",
		zap.Int("catalogued", len(catalog.Entries())),
		zap.String("scratch_dir", env.patcher.ScratchDir()))
	return env, nil
}

func catalogPath(c *resolve.Catalog, path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return errors.IO(errors.PhaseResolve, path, err)
	}
	if fi.IsDir() {
		_, err = c.AddDir(path)
	} else {
		_, err = c.Add(path)
	}
	return err
}

// Registry returns the identity registry.
func (e *Environment) Registry() *registry.Registry { return e.registry }

// Catalog returns the catalog of installed images.
func (e *Environment) Catalog() *resolve.Catalog { return e.catalog }

// Hosts returns the host table.
func (e *Environment) Hosts() *host.Table { return e.hosts }

// Pipeline returns the ambient pipeline. It never consults the registry.
func (e *Environment) Pipeline() *resolve.Pipeline { return e.pipeline }

// Patch makes the first declared constructor of target call method on
// external. See patch.Patcher.Patch.
func (e *Environment) Patch(ctx context.Context, target image.TypeRef, external any, method string) (*patch.Result, error) {
	return e.patcher.Patch(ctx, target, external, method)
}

// Instantiate constructs ref in a fresh isolated context, using patched
// images wherever the registry has them.
func (e *Environment) Instantiate(ctx context.Context, ref image.TypeRef) (factory.Object, error) {
	return e.factory.Instantiate(ctx, ref)
}

// Construct constructs ref through the ambient pipeline. Patches have no
// effect here.
func (e *Environment) Construct(ctx context.Context, ref image.TypeRef) (factory.Object, error) {
	m, err := e.pipeline.Load(ctx, ref.Module)
	if err != nil {
		return nil, err
	}
	return factory.Construct(ctx, m, ref.Name)
}

// Clear forgets every patch. Written images stay on disk.
func (e *Environment) Clear() {
	e.registry.Clear()
}

// Close releases the ambient pipeline. Objects from Instantiate own their
// contexts and are closed separately.
func (e *Environment) Close(ctx context.Context) error {
	return e.pipeline.Close(ctx)
}

// Declared is implemented by Go types that stand for a module type.
type Declared interface {
	TypeRef() image.TypeRef
}

// ModifyTypeConstructor patches the constructor of the module type T
// declares.
func ModifyTypeConstructor[T Declared](ctx context.Context, env *Environment, external any, method string) (*patch.Result, error) {
	var t T
	return env.Patch(ctx, t.TypeRef(), external, method)
}

// Instantiate constructs the module type T declares in an isolated
// context.
func Instantiate[T Declared](ctx context.Context, env *Environment) (factory.Object, error) {
	var t T
	return env.Instantiate(ctx, t.TypeRef())
}
