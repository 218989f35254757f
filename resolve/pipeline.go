package resolve

import (
	"context"
	"sync"

	"github.com/tetratelabs/wazero"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-influence/errors"
	"github.com/wippyai/wasm-influence/identity"
	"github.com/wippyai/wasm-influence/registry"
)

// Pipeline is the ambient resolution pipeline: one shared runtime, modules
// cached by identity, the default Locator, then Resolving hooks.
//
// Hooks only run for identities that neither the cache nor the Locator
// can satisfy, so attaching one never changes how installed modules load.
type Pipeline struct {
	loader  loader
	locator Locator
	cache   map[string]*Module
	hooks   []Hook
	closed  bool
	mu      sync.Mutex
}

var (
	defaultPipeline     *Pipeline
	defaultPipelineOnce sync.Once
)

// Default returns the process-wide pipeline. It uses DefaultCatalog and
// host.Default and lives for the rest of the process.
func Default() *Pipeline {
	defaultPipelineOnce.Do(func() {
		defaultPipeline = NewPipeline(context.Background(), nil)
	})
	return defaultPipeline
}

// NewPipeline creates a pipeline with its own runtime.
func NewPipeline(ctx context.Context, opts *Options) *Pipeline {
	o := opts.withDefaults()
	return &Pipeline{
		loader: loader{
			rt:     wazero.NewRuntimeWithConfig(ctx, o.runtimeConfig()),
			hosts:  o.Hosts,
			logger: o.Logger,
		},
		locator: o.Locator,
		cache:   make(map[string]*Module),
	}
}

// Resolving appends a hook. Hooks run in registration order; the first
// one reporting ok wins.
func (p *Pipeline) Resolving(h Hook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hooks = append(p.hooks, h)
}

// AttachRegistry makes p fall back to reg for identities it cannot find.
func AttachRegistry(p *Pipeline, reg *registry.Registry) {
	p.Resolving(RegistryHook(reg, p.loader.logger))
}

// Runtime returns the shared runtime.
func (p *Pipeline) Runtime() wazero.Runtime {
	return p.loader.rt
}

// Load resolves id, loading and instantiating it on first use.
func (p *Pipeline) Load(ctx context.Context, id identity.Identity) (*Module, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.Closed("pipeline")
	}
	return p.resolve(ctx, id, nil)
}

// Cached returns the module already loaded for id.
func (p *Pipeline) Cached(id identity.Identity) (*Module, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.cache[id.String()]
	return m, ok
}

func (p *Pipeline) resolve(ctx context.Context, id identity.Identity, chain []string) (*Module, error) {
	key := id.String()
	if m, ok := p.cache[key]; ok {
		return m, nil
	}

	path, ok := p.locator.Locate(id)
	substituted := false
	if !ok {
		for _, h := range p.hooks {
			if path, ok = h(id); ok {
				substituted = true
				break
			}
		}
	}
	if !ok {
		return nil, errors.NotFound(errors.PhaseResolve, "module", key)
	}

	m, err := p.loader.load(ctx, id, path, substituted, chain, p.resolve)
	if err != nil {
		return nil, err
	}
	p.cache[key] = m
	return m, nil
}

// Close closes every loaded module and the runtime.
func (p *Pipeline) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	var err error
	for key, m := range p.cache {
		if cerr := m.Instance.Close(ctx); cerr != nil {
			p.loader.logger.Warn("failed to close module", zap.String("identity", key), zap.Error(cerr))
			err = multierr.Append(err, cerr)
		}
	}
	p.cache = nil
	return multierr.Append(err, p.loader.rt.Close(ctx))
}
