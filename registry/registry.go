// Package registry maps module identities to substitute images.
//
// A Registry entry says "whenever the module with this identity is
// requested, load the image at this path instead". Entries are written by
// the patcher and read by the resolvers. Clearing the registry forgets the
// mappings but never touches the image files.
package registry

import (
	"sort"
	"sync"
)

// Entry is a single (identity, path) association in a Registry snapshot.
type Entry struct {
	Identity string
	Path     string
}

// Registry is the identity to substitute-image mapping.
// The zero value is not usable; call New.
type Registry struct {
	paths map[string]string
	mu    sync.RWMutex
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// Default returns the process-wide registry.
func Default() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = New()
	})
	return defaultRegistry
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{paths: make(map[string]string)}
}

// Set inserts or overwrites the path for identity. The path is not checked.
func (r *Registry) Set(identity, path string) {
	r.mu.Lock()
	r.paths[identity] = path
	r.mu.Unlock()
}

// Lookup returns the substitute path for identity. A miss is not an error.
func (r *Registry) Lookup(identity string) (string, bool) {
	r.mu.RLock()
	path, ok := r.paths[identity]
	r.mu.RUnlock()
	return path, ok
}

// Clear forgets all entries.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.paths = make(map[string]string)
	r.mu.Unlock()
}

// Len returns the number of active entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.paths)
}

// Entries returns a snapshot sorted by identity.
func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	entries := make([]Entry, 0, len(r.paths))
	for id, path := range r.paths {
		entries = append(entries, Entry{Identity: id, Path: path})
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].Identity < entries[j].Identity })
	return entries
}
