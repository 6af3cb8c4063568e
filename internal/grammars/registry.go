package grammars

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// Entry is one language offered to NewRegistry.
type Entry struct {
	Grammar    *Grammar
	Aliases    []string
	Extensions []string // with the leading dot, e.g. ".go"
}

// Registry maps language names to grammars.  It is immutable after
// construction and safe for concurrent use.
type Registry struct {
	byID    map[string]*Grammar
	aliases map[string]string
	exts    map[string]string
}

// NewRegistry builds a registry from entries.  Names, aliases and
// extensions are case-insensitive and must be unique.
func NewRegistry(entries ...Entry) (*Registry, error) {
	r := &Registry{
		byID:    make(map[string]*Grammar, len(entries)),
		aliases: make(map[string]string),
		exts:    make(map[string]string),
	}
	for _, e := range entries {
		id := strings.ToLower(e.Grammar.ID)
		if _, dup := r.byID[id]; dup {
			return nil, fmt.Errorf("language %q registered twice", id)
		}
		r.byID[id] = e.Grammar
		for _, a := range e.Aliases {
			a = strings.ToLower(a)
			if prev, dup := r.aliases[a]; dup {
				return nil, fmt.Errorf("alias %q used by %s and %s", a, prev, id)
			}
			r.aliases[a] = id
		}
		for _, x := range e.Extensions {
			x = strings.ToLower(x)
			if !strings.HasPrefix(x, ".") {
				x = "." + x
			}
			if prev, dup := r.exts[x]; dup {
				return nil, fmt.Errorf("extension %q used by %s and %s", x, prev, id)
			}
			r.exts[x] = id
		}
	}
	return r, nil
}

// Lookup returns the grammar registered under name or one of its aliases.
func (r *Registry) Lookup(name string) (*Grammar, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if g, ok := r.byID[name]; ok {
		return g, nil
	}
	if id, ok := r.aliases[name]; ok {
		return r.byID[id], nil
	}
	return nil, fmt.Errorf("%q: %w", name, ErrUnknownLanguage)
}

// ForFile returns the grammar for a file name by its extension.
func (r *Registry) ForFile(name string) (*Grammar, error) {
	ext := strings.ToLower(filepath.Ext(name))
	if id, ok := r.exts[ext]; ok {
		return r.byID[id], nil
	}
	return nil, fmt.Errorf("file %q: %w", name, ErrUnknownLanguage)
}

// Languages returns the registered language names in sorted order.
func (r *Registry) Languages() []string {
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close releases every grammar's queries.
func (r *Registry) Close() {
	for _, g := range r.byID {
		g.Close()
	}
}
