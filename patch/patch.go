package patch

import (
	"context"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-influence/errors"
	"github.com/wippyai/wasm-influence/host"
	"github.com/wippyai/wasm-influence/identity"
	"github.com/wippyai/wasm-influence/image"
	"github.com/wippyai/wasm-influence/registry"
	"github.com/wippyai/wasm-influence/resolve"
)

// Config configures a Patcher. Nil fields use the process-wide defaults.
type Config struct {
	// ScratchDir receives patched images. Defaults to os.TempDir().
	ScratchDir string
	Registry   *registry.Registry
	Locator    resolve.Locator
	Hosts      *host.Table
	Logger     *zap.Logger
}

// Result describes a written patched image.
type Result struct {
	Source       string
	Output       string
	Identity     identity.Identity
	Type         string
	Constructor  string
	ImportIndex  uint32
	ImportReused bool
}

// Patcher splices calls into constructors, writes the patched images and
// registers them as substitutes.
type Patcher struct {
	scratch  string
	registry *registry.Registry
	locator  resolve.Locator
	hosts    *host.Table
	logger   *zap.Logger
}

// New creates a Patcher.
func New(cfg *Config) *Patcher {
	var c Config
	if cfg != nil {
		c = *cfg
	}
	if c.ScratchDir == "" {
		c.ScratchDir = os.TempDir()
	}
	// Registry paths must survive a change of working directory.
	if abs, err := filepath.Abs(c.ScratchDir); err == nil {
		c.ScratchDir = abs
	}
	if c.Registry == nil {
		c.Registry = registry.Default()
	}
	if c.Locator == nil {
		c.Locator = resolve.DefaultCatalog()
	}
	if c.Hosts == nil {
		c.Hosts = host.Default()
	}
	if c.Logger == nil {
		c.Logger = Logger()
	}
	return &Patcher{
		scratch:  c.ScratchDir,
		registry: c.Registry,
		locator:  c.Locator,
		hosts:    c.Hosts,
		logger:   c.Logger,
	}
}

// ScratchDir returns the directory patched images are written to.
func (p *Patcher) ScratchDir() string {
	return p.scratch
}

// Source returns the image a patch of module id would start from: the
// registered substitute when there is one, the installed image otherwise.
func (p *Patcher) Source(id identity.Identity) (string, error) {
	key := id.String()
	if path, ok := p.registry.Lookup(key); ok {
		return path, nil
	}
	if path, ok := p.locator.Locate(id); ok {
		return path, nil
	}
	return "", errors.NotFound(errors.PhaseResolve, "module", key)
}

// Patch makes the first declared constructor of target call method on
// external before anything else.
//
// On success exactly one new image exists in the scratch directory and the
// registry maps the module identity to it. On failure neither the
// filesystem nor the registry is changed. The source image is never
// modified.
func (p *Patcher) Patch(ctx context.Context, target image.TypeRef, external any, method string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	src, err := p.Source(target.Module)
	if err != nil {
		return nil, err
	}

	ns, err := p.hosts.Validate(external, method)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(src)
	if err != nil {
		return nil, errors.IO(errors.PhasePatch, src, err)
	}

	out, info, err := splice(data, Spec{Type: target.Name, Namespace: ns, Method: method})
	if err != nil {
		return nil, err
	}

	id := target.Module
	if info.hasIdentity {
		id = info.identity
	}

	path, err := p.write(target.SimpleName(), out)
	if err != nil {
		return nil, err
	}

	if _, err := p.hosts.Bind(external, method); err != nil {
		_ = os.Remove(path)
		return nil, err
	}
	p.registry.Set(id.String(), path)

	p.logger.Info("patched constructor",
		zap.String("type", target.Name),
		zap.String("constructor", info.constructor),
		zap.String("call", ns+"#"+method),
		zap.String("source", src),
		zap.String("output", path),
		zap.Bool("import_reused", info.reused))

	return &Result{
		Source:       src,
		Output:       path,
		Identity:     id,
		Type:         target.Name,
		Constructor:  info.constructor,
		ImportIndex:  info.importIdx,
		ImportReused: info.reused,
	}, nil
}

// write creates <scratch>/<name>_<uuid>.wasm. A partial file is removed.
func (p *Patcher) write(name string, data []byte) (string, error) {
	if err := os.MkdirAll(p.scratch, 0o755); err != nil {
		return "", errors.IO(errors.PhasePatch, p.scratch, err)
	}
	path := filepath.Join(p.scratch, name+"_"+uuid.NewString()+".wasm")

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", errors.IO(errors.PhasePatch, path, err)
	}
	_, werr := f.Write(data)
	cerr := f.Close()
	if werr != nil || cerr != nil {
		_ = os.Remove(path)
		if werr == nil {
			werr = cerr
		}
		return "", errors.IO(errors.PhasePatch, path, werr)
	}
	return path, nil
}
