// Package scope implements search contexts: named visibility boundaries
// that confine every query, tag listing and message fetch to the slice of
// the archive the context is allowed to see.
package scope

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/mailscope/mailscope/internal/search"
	"github.com/mailscope/mailscope/internal/termdict"
)

// StandardContainerTags are seeded into a new context's namespace when it
// is created with standard tags enabled.
var StandardContainerTags = []string{"inbox", "drafts", "outbox", "sent", "spam", "trash"}

// CatchAllTag is attached to every message tagged within a namespace so
// that "everything in this namespace" stays a single posting lookup.
const CatchAllTag = "all"

// Context is one visibility boundary. The zero Namespace means the global
// namespace; RequiredTags are ANDed into every scoped query and
// ForbiddenTerms are negated out of it. VisibleTags, when non-empty, is an
// allowlist limiting which tags the context exposes.
type Context struct {
	Key            string   `toml:"-"`
	Name           string   `toml:"name"`
	Description    string   `toml:"description,omitempty"`
	Namespace      string   `toml:"namespace,omitempty"`
	ScopeSearch    string   `toml:"scope_search,omitempty"`
	RequiredTags   []string `toml:"require,omitempty"`
	ForbiddenTerms []string `toml:"forbid,omitempty"`
	VisibleTags    []string `toml:"tags,omitempty"`
}

var keyRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Validate checks the context for internal consistency and normalizes tag
// casing in place.
func (c *Context) Validate() error {
	if !keyRe.MatchString(c.Key) {
		return fmt.Errorf("context key %q: must be lowercase alphanumeric", c.Key)
	}
	if c.Name == "" {
		return fmt.Errorf("context %q: name is required", c.Key)
	}
	if strings.ContainsAny(c.Namespace, "@ \t") {
		return fmt.Errorf("context %q: invalid namespace %q", c.Key, c.Namespace)
	}
	c.Namespace = strings.ToLower(c.Namespace)
	lower(c.RequiredTags)
	lower(c.VisibleTags)
	if c.ScopeSearch != "" {
		if _, err := search.Parse(c.ScopeSearch); err != nil {
			return fmt.Errorf("context %q: scope search: %w", c.Key, err)
		}
	}
	for _, f := range c.ForbiddenTerms {
		if _, err := search.Parse(f); err != nil {
			return fmt.Errorf("context %q: forbidden term %q: %w", c.Key, f, err)
		}
	}
	return nil
}

func lower(ss []string) {
	for i, s := range ss {
		ss[i] = strings.ToLower(s)
	}
}

// Scope composes a user query into the context's boundary. Bare tag
// references in the query are rewritten into the context namespace, then
// the scope search, required tags and negated forbidden terms are ANDed
// on. The result never matches a message the context cannot see,
// regardless of how the inner query negates.
func (c *Context) Scope(p *search.Parser, query search.Node) (search.Node, error) {
	children := []search.Node{c.remap(query)}

	if c.ScopeSearch != "" {
		node, err := p.Parse(c.ScopeSearch)
		if err != nil {
			return nil, fmt.Errorf("scope search: %w", err)
		}
		children = append(children, c.remap(node))
	}
	for _, tag := range c.RequiredTags {
		children = append(children, c.tagTerm(tag))
	}
	if c.Namespace != "" {
		children = append(children, c.tagTerm(CatchAllTag))
	}

	if len(c.ForbiddenTerms) > 0 {
		var forbidden []search.Node
		for _, f := range c.ForbiddenTerms {
			node, err := p.Parse(f)
			if err != nil {
				return nil, fmt.Errorf("forbidden term %q: %w", f, err)
			}
			forbidden = append(forbidden, c.remap(node))
		}
		var inner search.Node = forbidden[0]
		if len(forbidden) > 1 {
			inner = search.Or{Children: forbidden}
		}
		children = append(children, search.Not{Child: inner})
	}

	if len(children) == 1 {
		return children[0], nil
	}
	return search.And{Children: children}, nil
}

// remap pushes bare tag references into the context namespace. Tags that
// name a namespace explicitly are left alone so cross-namespace queries
// still fail closed at the posting lookup, not silently rewrite.
func (c *Context) remap(node search.Node) search.Node {
	if c.Namespace == "" {
		return node
	}
	return search.MapTerms(node, func(t search.Term) search.Node {
		if t.Field == "tag" && t.Namespace == "" {
			t.Namespace = c.Namespace
		}
		return t
	})
}

func (c *Context) tagTerm(tag string) search.Term {
	return search.Term{Field: "tag", Value: tag, Namespace: c.Namespace}
}

// Visible reports whether the context exposes the given tag entry.
func (c *Context) Visible(e termdict.Entry) bool {
	if e.Namespace != c.Namespace {
		return false
	}
	if len(c.VisibleTags) == 0 {
		return true
	}
	for _, t := range c.VisibleTags {
		if t == e.Text {
			return true
		}
	}
	return false
}

// ListVisibleTags returns the tags of the context's namespace that it
// exposes, in dictionary insertion order.
func (c *Context) ListVisibleTags(dict *termdict.Dict) []termdict.Entry {
	var out []termdict.Entry
	for _, e := range dict.Tags(c.Namespace) {
		if c.Visible(e) {
			out = append(out, e)
		}
	}
	return out
}

// SeedStandardTags interns the standard container tags plus the catch-all
// tag in the context's namespace, returning the entries created or found.
func (c *Context) SeedStandardTags(dict *termdict.Dict) ([]termdict.Entry, error) {
	names := append([]string{CatchAllTag}, StandardContainerTags...)
	out := make([]termdict.Entry, 0, len(names))
	for _, name := range names {
		id, err := dict.Intern(name, c.Namespace, termdict.KindTag)
		if err != nil {
			return nil, fmt.Errorf("seed tag %s: %w", name, err)
		}
		ent, err := dict.Resolve(id)
		if err != nil {
			return nil, err
		}
		out = append(out, ent)
	}
	return out, nil
}
