package resolve

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-influence/errors"
	"github.com/wippyai/wasm-influence/identity"
	"github.com/wippyai/wasm-influence/image"
	"github.com/wippyai/wasm-influence/registry"
)

// Locator finds the installed image of a module. It is the normal
// resolution path that runs without any patching involved.
type Locator interface {
	Locate(id identity.Identity) (path string, ok bool)
}

// Catalog is a Locator backed by a table of known images.
type Catalog struct {
	paths map[string]string
	mu    sync.RWMutex
}

var (
	defaultCatalog     *Catalog
	defaultCatalogOnce sync.Once
)

// DefaultCatalog returns the process-wide catalog used by Default.
func DefaultCatalog() *Catalog {
	defaultCatalogOnce.Do(func() {
		defaultCatalog = NewCatalog()
	})
	return defaultCatalog
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{paths: make(map[string]string)}
}

// Add reads the identity of the image at path and records it.
func (c *Catalog) Add(path string) (identity.Identity, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return identity.Identity{}, errors.IO(errors.PhaseResolve, path, err)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return identity.Identity{}, errors.IO(errors.PhaseResolve, abs, err)
	}
	m, err := image.Parse(data)
	if err != nil {
		return identity.Identity{}, errors.New(errors.PhaseResolve, errors.KindInvalidData).
			Path(abs).
			Cause(err).
			Detail("catalog image").
			Build()
	}
	id, ok := m.Identity()
	if !ok {
		return identity.Identity{}, errors.New(errors.PhaseResolve, errors.KindInvalidData).
			Path(abs).
			Detail("image has no identity").
			Build()
	}
	c.Set(id, abs)
	Logger().Debug("catalogued image", zap.Stringer("identity", id), zap.String("path", abs))
	return id, nil
}

// AddDir adds every *.wasm file in dir. Files without an identity are
// skipped.
func (c *Catalog) AddDir(dir string) ([]identity.Identity, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.IO(errors.PhaseResolve, dir, err)
	}
	var ids []identity.Identity
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".wasm") {
			continue
		}
		id, err := c.Add(filepath.Join(dir, e.Name()))
		if err != nil {
			Logger().Debug("skipping image", zap.String("file", e.Name()), zap.Error(err))
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Set records path as the installed image of id.
func (c *Catalog) Set(id identity.Identity, path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paths[id.String()] = path
}

// Locate implements Locator.
func (c *Catalog) Locate(id identity.Identity) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.paths[id.String()]
	return p, ok
}

// Entries returns a sorted snapshot of the catalog.
func (c *Catalog) Entries() []registry.Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]registry.Entry, 0, len(c.paths))
	for id, p := range c.paths {
		out = append(out, registry.Entry{Identity: id, Path: p})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}
