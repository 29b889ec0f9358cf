package search

import (
	"strings"
	"time"
	"unicode"
)

// Parser turns query strings into evaluation trees. Now is consulted when
// expanding relative date expressions; tests pin it to a fixed instant.
type Parser struct {
	Now func() time.Time
}

// NewParser creates a Parser with default settings.
func NewParser() *Parser {
	return &Parser{Now: func() time.Time { return time.Now().UTC() }}
}

// Fields that resolve to interned terms. Anything else written as
// "word:value" falls back to a free-text search for the whole token.
var knownFields = map[string]string{
	"tag":     "tag",
	"in":      "tag",
	"from":    "from",
	"to":      "to",
	"subject": "subject",
	"has":     "has",
	"is":      "is",
}

// Parse builds the evaluation tree for a query.
//
// Supported syntax:
//   - bare words and "quoted phrases" - free-text terms
//   - tag:, in:, from:, to:, subject:, has:, is: - field terms
//   - date:, dates:, year: - date expressions, including A..B ranges and
//     relative forms like 7d, 2w, 1m, 1q, 1y, today, yesterday
//   - and, or, not (case-insensitive), parentheses; adjacency implies AND
//   - -term and +term as shorthand for NOT term / AND term
//   - all, all:mail or * - match everything
func (p *Parser) Parse(query string) (Node, error) {
	toks := tokenize(query)
	if len(toks) == 0 {
		return All{}, nil
	}
	ps := &parseState{p: p, toks: toks}
	node, err := ps.parseOr()
	if err != nil {
		return nil, err
	}
	if tok, ok := ps.peek(); ok {
		return nil, &ParseError{Position: tok.pos, Reason: "unmatched )"}
	}
	return node, nil
}

// Parse is a convenience function that parses using default settings.
func Parse(query string) (Node, error) {
	return NewParser().Parse(query)
}

type token struct {
	text string
	pos  int
}

// tokenize splits a query on whitespace and parentheses, keeping quoted
// phrases together. An unterminated quote runs to the end of the query.
func tokenize(query string) []token {
	var toks []token
	i := 0
	for i < len(query) {
		switch c := query[i]; {
		case unicode.IsSpace(rune(c)):
			i++
		case c == '(' || c == ')':
			toks = append(toks, token{string(c), i})
			i++
		default:
			start := i
			var b strings.Builder
			for i < len(query) {
				c := query[i]
				if c == '"' {
					j := strings.IndexByte(query[i+1:], '"')
					if j < 0 {
						b.WriteString(query[i+1:])
						i = len(query)
					} else {
						b.WriteString(query[i+1 : i+1+j])
						i += j + 2
					}
					continue
				}
				if c == '(' || c == ')' || unicode.IsSpace(rune(c)) {
					break
				}
				b.WriteByte(c)
				i++
			}
			toks = append(toks, token{b.String(), start})
		}
	}
	return toks
}

type parseState struct {
	p    *Parser
	toks []token
	pos  int
}

func (ps *parseState) peek() (token, bool) {
	if ps.pos >= len(ps.toks) {
		return token{}, false
	}
	return ps.toks[ps.pos], true
}

func (ps *parseState) endPos() int {
	if len(ps.toks) == 0 {
		return 0
	}
	last := ps.toks[len(ps.toks)-1]
	return last.pos + len(last.text)
}

// parseOr handles the loosest binding level: AND-groups joined by "or".
func (ps *parseState) parseOr() (Node, error) {
	left, err := ps.parseAnd()
	if err != nil {
		return nil, err
	}
	children := []Node{left}
	for {
		tok, ok := ps.peek()
		if !ok || !strings.EqualFold(tok.text, "or") {
			break
		}
		ps.pos++
		right, err := ps.parseAnd()
		if err != nil {
			return nil, err
		}
		children = append(children, right)
	}
	if len(children) == 1 {
		return children[0], nil
	}
	return Or{Children: children}, nil
}

// parseAnd collects adjacent units, treating "and" as noise between them.
func (ps *parseState) parseAnd() (Node, error) {
	var children []Node
	for {
		tok, ok := ps.peek()
		if !ok || tok.text == ")" || strings.EqualFold(tok.text, "or") {
			break
		}
		if strings.EqualFold(tok.text, "and") {
			ps.pos++
			continue
		}
		unit, err := ps.parseUnit()
		if err != nil {
			return nil, err
		}
		children = append(children, unit)
	}
	switch len(children) {
	case 0:
		pos := ps.endPos()
		if tok, ok := ps.peek(); ok {
			pos = tok.pos
		}
		return nil, &ParseError{Position: pos, Reason: "missing operand"}
	case 1:
		return children[0], nil
	}
	return And{Children: children}, nil
}

func (ps *parseState) parseUnit() (Node, error) {
	tok, ok := ps.peek()
	if !ok {
		return nil, &ParseError{Position: ps.endPos(), Reason: "missing operand"}
	}
	switch {
	case tok.text == "(":
		ps.pos++
		inner, err := ps.parseOr()
		if err != nil {
			return nil, err
		}
		next, ok := ps.peek()
		if !ok || next.text != ")" {
			return nil, &ParseError{Position: tok.pos, Reason: "unmatched ("}
		}
		ps.pos++
		return inner, nil
	case strings.EqualFold(tok.text, "not"):
		ps.pos++
		child, err := ps.parseUnit()
		if err != nil {
			return nil, err
		}
		return Not{Child: child}, nil
	case len(tok.text) > 1 && tok.text[0] == '-':
		ps.pos++
		return Not{Child: ps.p.leaf(tok.text[1:])}, nil
	case len(tok.text) > 1 && tok.text[0] == '+':
		ps.pos++
		return ps.p.leaf(tok.text[1:]), nil
	default:
		ps.pos++
		return ps.p.leaf(tok.text), nil
	}
}

// leaf interprets a single bare token: the match-all markers, date
// expressions, known field prefixes, or free text.
func (p *Parser) leaf(text string) Node {
	if text == "all" || text == "*" || text == "all:mail" {
		return All{}
	}

	if field, value, hasField := strings.Cut(text, ":"); hasField {
		lf := strings.ToLower(field)
		switch lf {
		case "date", "dates", "year":
			if r, ok := parseDateExpr(value, p.now()); ok {
				return r
			}
			return Term{Field: "term", Value: strings.ToLower(text)}
		}
		if canon, ok := knownFields[lf]; ok {
			if canon == "tag" {
				// Only tags live in namespaces; an address like
				// from:alice@example.com keeps its @ intact.
				val, ns := splitNamespace(strings.ToLower(value))
				if val == "" && ns != "" {
					// "in:@ns" selects everything visible in the namespace.
					return Term{Field: "tag", Value: "all", Namespace: ns}
				}
				return Term{Field: "tag", Value: val, Namespace: ns}
			}
			return Term{Field: canon, Value: strings.ToLower(value)}
		}
		return Term{Field: "term", Value: strings.ToLower(text)}
	}
	return Term{Field: "term", Value: strings.ToLower(text)}
}

func (p *Parser) now() time.Time {
	if p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

func splitNamespace(s string) (value, ns string) {
	if i := strings.LastIndexByte(s, '@'); i >= 0 {
		return s[:i], s[i+1:]
	}
	return s, ""
}
