package resolve

import (
	"context"
	stderrors "errors"
	"os"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-influence/errors"
	"github.com/wippyai/wasm-influence/host"
	"github.com/wippyai/wasm-influence/identity"
	"github.com/wippyai/wasm-influence/image"
)

// resolveFunc resolves a dependency through the resolver that owns the
// loader. chain holds the identities currently being loaded.
type resolveFunc func(ctx context.Context, id identity.Identity, chain []string) (*Module, error)

// loader reads images, links their imports and instantiates them in one
// wazero runtime. Both resolver variants share it.
type loader struct {
	rt     wazero.Runtime
	hosts  *host.Table
	logger *zap.Logger
}

func (l *loader) load(ctx context.Context, id identity.Identity, path string, substituted bool, chain []string, resolve resolveFunc) (*Module, error) {
	key := id.String()
	for _, c := range chain {
		if c == key {
			return nil, errors.Cycle(append(append([]string(nil), chain...), key))
		}
	}
	chain = append(append([]string(nil), chain...), key)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.IO(errors.PhaseLoad, path, err)
	}
	img, err := image.Parse(data)
	if err != nil {
		return nil, errors.New(errors.PhaseLoad, errors.KindInvalidData).
			Module(key).
			Path(path).
			Cause(err).
			Detail("parse image").
			Build()
	}
	if actual, ok := img.Identity(); ok && !actual.Equal(id) {
		l.logger.Warn("image identity differs from requested identity",
			zap.String("requested", key),
			zap.Stringer("image", actual),
			zap.String("path", path))
	}

	if err := l.link(ctx, img, key, chain, resolve); err != nil {
		return nil, err
	}

	compiled, err := l.rt.CompileModule(ctx, data)
	if err != nil {
		return nil, errors.New(errors.PhaseLoad, errors.KindInvalidData).
			Module(key).
			Path(path).
			Cause(err).
			Detail("compile image").
			Build()
	}
	inst, err := l.rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(key))
	if err != nil {
		_ = compiled.Close(ctx)
		return nil, errors.Instantiation(key, err)
	}

	l.logger.Debug("loaded module",
		zap.String("identity", key),
		zap.String("path", path),
		zap.Bool("substituted", substituted))

	return &Module{
		Identity:    id,
		Path:        path,
		Image:       img,
		Instance:    inst,
		Substituted: substituted,
	}, nil
}

// link makes every import module of img available in the runtime: host
// namespaces through the host table, everything else as a module identity
// resolved through resolve.
func (l *loader) link(ctx context.Context, img *image.Module, key string, chain []string, resolve resolveFunc) error {
	var missing []string
	for _, name := range img.ImportedModules() {
		mod, err := l.provider(ctx, name, chain, resolve)
		if err != nil {
			return err
		}
		// Host modules forbid ExportedFunction; definitions work for both.
		var defs map[string]api.FunctionDefinition
		if mod != nil {
			defs = mod.ExportedFunctionDefinitions()
		}
		for _, imp := range img.Imports {
			if imp.Module != name || imp.Kind != image.KindFunc {
				continue
			}
			if _, ok := defs[imp.Name]; !ok {
				missing = append(missing, name+"#"+imp.Name)
			}
		}
	}
	if len(missing) > 0 {
		return errors.NewMissingImportsError(key, missing)
	}
	return nil
}

// provider returns the module satisfying imports from name, or nil when
// nothing provides it.
func (l *loader) provider(ctx context.Context, name string, chain []string, resolve resolveFunc) (api.Module, error) {
	if mod := l.rt.Module(name); mod != nil {
		return mod, nil
	}
	if l.hosts.Has(name) {
		return l.hosts.Instantiate(ctx, l.rt, name)
	}

	dep, err := identity.Parse(name)
	if err != nil || dep.String() != name {
		l.logger.Debug("import module is neither a host namespace nor a canonical identity",
			zap.String("module", name))
		return nil, nil
	}
	m, err := resolve(ctx, dep, chain)
	if stderrors.Is(err, errors.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m.Instance, nil
}
