package scope

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/BurntSushi/toml"
)

// Registry is the set of configured contexts, persisted as a TOML file.
// Mutations rewrite the whole file atomically.
type Registry struct {
	mu       sync.RWMutex
	path     string
	contexts map[string]*Context
}

type registryFile struct {
	Contexts map[string]*Context `toml:"contexts"`
}

// LoadRegistry reads the registry at path, creating an empty one if the
// file does not exist. Unknown keys in the file are rejected so a typoed
// option cannot silently widen a context.
func LoadRegistry(path string) (*Registry, error) {
	r := &Registry{path: path, contexts: make(map[string]*Context)}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return r, nil
	}
	var file registryFile
	md, err := toml.DecodeFile(path, &file)
	if err != nil {
		return nil, fmt.Errorf("decode contexts: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("decode contexts: unknown key %q", undecoded[0].String())
	}
	for key, ctx := range file.Contexts {
		ctx.Key = key
		if err := ctx.Validate(); err != nil {
			return nil, err
		}
		r.contexts[key] = ctx
	}
	return r, nil
}

// Get returns the context for key, or nil if it does not exist.
func (r *Registry) Get(key string) *Context {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.contexts[key]
}

// List returns all contexts sorted by key.
func (r *Registry) List() []*Context {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Context, 0, len(r.contexts))
	for _, ctx := range r.contexts {
		out = append(out, ctx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Create validates and adds a new context, then persists the registry.
func (r *Registry) Create(ctx *Context) error {
	if err := ctx.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.contexts[ctx.Key]; exists {
		return fmt.Errorf("context %q already exists", ctx.Key)
	}
	r.contexts[ctx.Key] = ctx
	return r.saveLocked()
}

// Update validates and replaces an existing context, then persists the
// registry.
func (r *Registry) Update(ctx *Context) error {
	if err := ctx.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.contexts[ctx.Key]; !exists {
		return fmt.Errorf("context %q does not exist", ctx.Key)
	}
	r.contexts[ctx.Key] = ctx
	return r.saveLocked()
}

// saveLocked writes the registry to a temp file and renames it into place.
func (r *Registry) saveLocked() error {
	if r.path == "" {
		return nil
	}
	tmp, err := os.CreateTemp(filepath.Dir(r.path), ".contexts-*.toml")
	if err != nil {
		return fmt.Errorf("save contexts: %w", err)
	}
	defer os.Remove(tmp.Name())

	file := registryFile{Contexts: r.contexts}
	if err := toml.NewEncoder(tmp).Encode(file); err != nil {
		tmp.Close()
		return fmt.Errorf("save contexts: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save contexts: %w", err)
	}
	if err := os.Rename(tmp.Name(), r.path); err != nil {
		return fmt.Errorf("save contexts: %w", err)
	}
	return nil
}
