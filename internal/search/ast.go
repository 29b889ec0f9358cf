// Package search provides the query language parser and the inverted-index
// search engine: boolean queries over tag and term postings maintained from
// the metadata store.
package search

import (
	"fmt"
	"strings"
)

// Node is a node of the parsed query tree.
type Node interface {
	node()
	String() string
}

// All matches every known message. Written as `all` or `*` in queries.
type All struct{}

// Term is a leaf matching one dictionary entry.
//
// Field is "term" for free-text terms, "tag" for tag filters, or a
// structural prefix such as "from" or "to". Namespace is set on tag terms,
// either written explicitly or filled in by the context engine when it
// rewrites bare tag references into a context's tag namespace.
type Term struct {
	Field     string
	Value     string
	Namespace string
}

// DateRange matches messages whose date falls within [Start, End],
// inclusive. It evaluates as a disjunction over date-bucket terms.
type DateRange struct {
	Start, End Date
}

// And matches messages matched by every child.
type And struct {
	Children []Node
}

// Or matches messages matched by at least one child.
type Or struct {
	Children []Node
}

// Not matches the complement of its child relative to the universe of all
// known messages at evaluation time.
type Not struct {
	Child Node
}

func (All) node()       {}
func (Term) node()      {}
func (DateRange) node() {}
func (And) node()       {}
func (Or) node()        {}
func (Not) node()       {}

func (All) String() string { return "ALL" }

func (t Term) String() string {
	s := t.Value
	if t.Field != "" {
		s = t.Field + ":" + s
	}
	if t.Namespace != "" {
		s += "@" + t.Namespace
	}
	return s
}

func (d DateRange) String() string {
	return fmt.Sprintf("date:%s..%s", d.Start, d.End)
}

func (a And) String() string { return joinNodes(a.Children, " AND ") }
func (o Or) String() string  { return joinNodes(o.Children, " OR ") }

func (n Not) String() string { return "NOT " + n.Child.String() }

func joinNodes(nodes []Node, sep string) string {
	parts := make([]string, len(nodes))
	for i, n := range nodes {
		parts[i] = n.String()
	}
	return "(" + strings.Join(parts, sep) + ")"
}

// ParseError reports a malformed query. Position is a byte offset into the
// original query text.
type ParseError struct {
	Position int
	Reason   string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at %d: %s", e.Position, e.Reason)
}

// MapTerms returns a copy of the tree with fn applied to every Term leaf.
// Used by the context engine for namespace remapping.
func MapTerms(n Node, fn func(Term) Node) Node {
	switch v := n.(type) {
	case Term:
		return fn(v)
	case And:
		return And{Children: mapAll(v.Children, fn)}
	case Or:
		return Or{Children: mapAll(v.Children, fn)}
	case Not:
		return Not{Child: MapTerms(v.Child, fn)}
	default:
		return n
	}
}

func mapAll(nodes []Node, fn func(Term) Node) []Node {
	out := make([]Node, len(nodes))
	for i, n := range nodes {
		out[i] = MapTerms(n, fn)
	}
	return out
}
