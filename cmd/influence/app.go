package main

import (
	"context"
	"os"
	"sync/atomic"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	influence "github.com/wippyai/wasm-influence"
	"github.com/wippyai/wasm-influence/errors"
	"github.com/wippyai/wasm-influence/host"
	"github.com/wippyai/wasm-influence/identity"
	"github.com/wippyai/wasm-influence/image"
	"github.com/wippyai/wasm-influence/patch"
	"github.com/wippyai/wasm-influence/resolve"
)

// probe is the host routine the CLI splices into constructors. It counts
// and logs every constructor run.
type probe struct {
	hits   atomic.Int64
	logger *zap.Logger
}

func (p *probe) Namespace() string { return "influence.probe" }

func (p *probe) Hit(ctx context.Context) {
	n := p.hits.Add(1)
	p.logger.Info("constructor hit", zap.Int64("count", n))
}

func (p *probe) Count() int64 { return p.hits.Load() }

const probeMethod = "Hit"

type app struct {
	cfg    *config
	logger *zap.Logger
	env    *influence.Environment
	probe  *probe
}

// newApp loads the configuration from flags and builds an environment.
// searchPaths replaces the configured search paths when non-nil.
func newApp(ctx context.Context, flags *pflag.FlagSet, searchPaths []string) (*app, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}
	if searchPaths != nil {
		cfg.SearchPaths = searchPaths
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	host.SetLogger(logger.Named("host"))
	patch.SetLogger(logger.Named("patch"))
	resolve.SetLogger(logger.Named("resolve"))

	env, err := influence.New(ctx, &influence.Config{
		ScratchDir:       cfg.ScratchDir,
		SearchPaths:      cfg.SearchPaths,
		MemoryLimitPages: cfg.MemoryLimitPages,
		Logger:           logger,
	})
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	return &app{
		cfg:    cfg,
		logger: logger,
		env:    env,
		probe:  &probe{logger: logger},
	}, nil
}

func (a *app) close(ctx context.Context) {
	if err := a.env.Close(ctx); err != nil {
		a.logger.Warn("failed to close environment", zap.Error(err))
	}
	_ = a.logger.Sync()
}

// findType returns the catalogued module declaring typeName. module narrows
// the search to one identity when set.
func (a *app) findType(typeName, module string) (image.TypeRef, error) {
	var want identity.Identity
	if module != "" {
		id, err := identity.Parse(module)
		if err != nil {
			return image.TypeRef{}, err
		}
		want = id
	}

	for _, e := range a.env.Catalog().Entries() {
		if !want.IsZero() && e.Identity != want.String() {
			continue
		}
		m, err := readImage(e.Path)
		if err != nil {
			a.logger.Debug("skipping unreadable image", zap.String("path", e.Path), zap.Error(err))
			continue
		}
		if _, ok := m.LookupType(typeName); !ok {
			continue
		}
		id, _ := m.Identity()
		return image.TypeRef{Module: id, Name: typeName}, nil
	}
	return image.TypeRef{}, errors.TypeNotFound(errors.PhaseResolve, module, typeName)
}

func readImage(path string) (*image.Module, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.IO(errors.PhaseDecode, path, err)
	}
	return image.Parse(data)
}
