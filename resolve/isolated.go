package resolve

import (
	"context"

	"github.com/tetratelabs/wazero"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-influence/errors"
	"github.com/wippyai/wasm-influence/identity"
	"github.com/wippyai/wasm-influence/registry"
)

// Isolated is a self-contained resolution context with its own runtime.
// Every module it loads, dependencies included, is looked up in the
// registry first; a miss falls back to the Locator.
//
// An Isolated is not safe for concurrent use. Close releases the runtime
// and every module loaded into it.
type Isolated struct {
	loader  loader
	lookup  Hook
	locator Locator
	modules map[string]*Module
	order   []string
	closed  bool
}

// NewIsolated creates an isolated resolver reading reg.
func NewIsolated(ctx context.Context, reg *registry.Registry, opts *Options) *Isolated {
	o := opts.withDefaults()
	return &Isolated{
		loader: loader{
			rt:     wazero.NewRuntimeWithConfig(ctx, o.runtimeConfig()),
			hosts:  o.Hosts,
			logger: o.Logger,
		},
		lookup:  RegistryHook(reg, o.Logger),
		locator: o.Locator,
		modules: make(map[string]*Module),
	}
}

// Load resolves id inside this context.
func (i *Isolated) Load(ctx context.Context, id identity.Identity) (*Module, error) {
	if i.closed {
		return nil, errors.Closed("isolated resolver")
	}
	return i.resolve(ctx, id, nil)
}

// Runtime returns the runtime owned by this context.
func (i *Isolated) Runtime() wazero.Runtime {
	return i.loader.rt
}

func (i *Isolated) resolve(ctx context.Context, id identity.Identity, chain []string) (*Module, error) {
	key := id.String()
	if m, ok := i.modules[key]; ok {
		return m, nil
	}

	path, substituted := i.lookup(id)
	if !substituted {
		var ok bool
		if path, ok = i.locator.Locate(id); !ok {
			return nil, errors.NotFound(errors.PhaseResolve, "module", key)
		}
	}

	m, err := i.loader.load(ctx, id, path, substituted, chain, i.resolve)
	if err != nil {
		return nil, err
	}
	i.modules[key] = m
	i.order = append(i.order, key)
	return m, nil
}

// Close closes the loaded modules in reverse load order, then the runtime.
func (i *Isolated) Close(ctx context.Context) error {
	if i.closed {
		return nil
	}
	i.closed = true

	var err error
	for j := len(i.order) - 1; j >= 0; j-- {
		key := i.order[j]
		if cerr := i.modules[key].Instance.Close(ctx); cerr != nil {
			i.loader.logger.Warn("failed to close module", zap.String("identity", key), zap.Error(cerr))
			err = multierr.Append(err, cerr)
		}
	}
	i.modules = nil
	i.order = nil
	return multierr.Append(err, i.loader.rt.Close(ctx))
}
