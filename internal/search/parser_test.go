package search

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func fixedParser() *Parser {
	return &Parser{Now: func() time.Time {
		return time.Date(2023, 5, 10, 12, 0, 0, 0, time.UTC)
	}}
}

func TestParse(t *testing.T) {
	p := fixedParser()

	tests := []struct {
		name  string
		query string
		want  Node
	}{
		{"empty matches all", "", All{}},
		{"star matches all", "*", All{}},
		{"all matches all", "all", All{}},
		{"bare word", "hello", Term{Field: "term", Value: "hello"}},
		{"bare word lowercased", "HELLO", Term{Field: "term", Value: "hello"}},
		{"quoted phrase", `"hello world"`, Term{Field: "term", Value: "hello world"}},
		{
			"adjacency is and",
			"alpha beta",
			And{Children: []Node{
				Term{Field: "term", Value: "alpha"},
				Term{Field: "term", Value: "beta"},
			}},
		},
		{
			"explicit and is noise",
			"alpha AND beta",
			And{Children: []Node{
				Term{Field: "term", Value: "alpha"},
				Term{Field: "term", Value: "beta"},
			}},
		},
		{
			"or binds looser than and",
			"alpha beta or gamma",
			Or{Children: []Node{
				And{Children: []Node{
					Term{Field: "term", Value: "alpha"},
					Term{Field: "term", Value: "beta"},
				}},
				Term{Field: "term", Value: "gamma"},
			}},
		},
		{
			"parens group",
			"(alpha or beta) gamma",
			And{Children: []Node{
				Or{Children: []Node{
					Term{Field: "term", Value: "alpha"},
					Term{Field: "term", Value: "beta"},
				}},
				Term{Field: "term", Value: "gamma"},
			}},
		},
		{"tag field", "tag:inbox", Term{Field: "tag", Value: "inbox"}},
		{"in is tag alias", "in:inbox", Term{Field: "tag", Value: "inbox"}},
		{
			"tag with namespace",
			"in:inbox@work",
			Term{Field: "tag", Value: "inbox", Namespace: "work"},
		},
		{
			"bare namespace is its catch-all",
			"in:@work",
			Term{Field: "tag", Value: "all", Namespace: "work"},
		},
		{"from field", "from:alice@example.com", Term{Field: "from", Value: "alice@example.com"}},
		{"not operator", "not tag:spam", Not{Child: Term{Field: "tag", Value: "spam"}}},
		{"minus is not", "-tag:spam", Not{Child: Term{Field: "tag", Value: "spam"}}},
		{"plus is plain", "+urgent", Term{Field: "term", Value: "urgent"}},
		{
			"double negation preserved",
			"not not urgent",
			Not{Child: Not{Child: Term{Field: "term", Value: "urgent"}}},
		},
		{
			"unknown field is free text",
			"x-mailer:mutt",
			Term{Field: "term", Value: "x-mailer:mutt"},
		},
		{
			"unparseable date is free text",
			"date:someday",
			Term{Field: "term", Value: "date:someday"},
		},
		{
			"date point",
			"date:2023-5-1",
			DateRange{Start: Date{2023, 5, 1}, End: Date{2023, 5, 1}},
		},
		{
			"year bucket",
			"year:2022",
			DateRange{Start: Date{Year: 2022}, End: Date{Year: 2022}},
		},
		{
			"relative date",
			"date:7d",
			DateRange{Start: Date{2023, 5, 3}, End: Date{2023, 5, 3}},
		},
		{
			"date range",
			"date:2022..2023-2",
			DateRange{Start: Date{Year: 2022}, End: Date{Year: 2023, Month: 2}},
		},
		{
			"open-ended range stops today",
			"date:2023-5-1..",
			DateRange{Start: Date{2023, 5, 1}, End: Date{2023, 5, 10}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.Parse(tt.query)
			if err != nil {
				t.Fatalf("Parse(%q): %v", tt.query, err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Parse(%q) mismatch (-want +got):\n%s", tt.query, diff)
			}
		})
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name  string
		query string
	}{
		{"unmatched open paren", "(alpha"},
		{"unmatched close paren", "alpha )"},
		{"bare close paren", ")"},
		{"trailing or", "alpha or"},
		{"leading or", "or alpha"},
		{"dangling not", "tag:inbox not"},
		{"empty group", "()"},
	}
	p := fixedParser()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Parse(tt.query)
			var perr *ParseError
			if !errors.As(err, &perr) {
				t.Fatalf("Parse(%q) err = %v, want *ParseError", tt.query, err)
			}
			if perr.Position < 0 || perr.Reason == "" {
				t.Errorf("Parse(%q) returned bare error %+v", tt.query, perr)
			}
		})
	}
}

func TestParseIsDeterministic(t *testing.T) {
	p := fixedParser()
	const q = "tag:inbox from:alice (urgent or -tag:spam@work) date:2022..2023"
	first, err := p.Parse(q)
	if err != nil {
		t.Fatal(err)
	}
	second, err := p.Parse(q)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("repeated parses differ (-first +second):\n%s", diff)
	}
}
