package scope

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/mailscope/mailscope/internal/metastore"
	"github.com/mailscope/mailscope/internal/search"
	"github.com/mailscope/mailscope/internal/termdict"
)

func fixedParser() *search.Parser {
	return &search.Parser{Now: func() time.Time {
		return time.Date(2023, 5, 10, 12, 0, 0, 0, time.UTC)
	}}
}

func TestContextValidate(t *testing.T) {
	tests := []struct {
		name    string
		ctx     Context
		wantErr bool
	}{
		{"minimal", Context{Key: "work", Name: "Work"}, false},
		{"with namespace", Context{Key: "work", Name: "Work", Namespace: "work"}, false},
		{"missing name", Context{Key: "work"}, true},
		{"bad key", Context{Key: "Work Stuff", Name: "Work"}, true},
		{"namespace with at sign", Context{Key: "w", Name: "W", Namespace: "a@b"}, true},
		{"bad scope search", Context{Key: "w", Name: "W", ScopeSearch: "(oops"}, true},
		{"bad forbidden term", Context{Key: "w", Name: "W", ForbiddenTerms: []string{")"}}, true},
		{
			"valid full",
			Context{
				Key: "w", Name: "W", Namespace: "work",
				ScopeSearch:    "tag:inbox or tag:sent",
				RequiredTags:   []string{"Mail"},
				ForbiddenTerms: []string{"tag:secret"},
			},
			false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ctx.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateLowercasesTags(t *testing.T) {
	ctx := Context{Key: "w", Name: "W", RequiredTags: []string{"Mail"}, VisibleTags: []string{"INBOX"}}
	if err := ctx.Validate(); err != nil {
		t.Fatal(err)
	}
	if ctx.RequiredTags[0] != "mail" || ctx.VisibleTags[0] != "inbox" {
		t.Errorf("tags not lowercased: %v %v", ctx.RequiredTags, ctx.VisibleTags)
	}
}

func TestScopeComposition(t *testing.T) {
	p := fixedParser()
	ctx := Context{
		Key: "work", Name: "Work", Namespace: "work",
		RequiredTags:   []string{"mail"},
		ForbiddenTerms: []string{"tag:secret"},
	}
	if err := ctx.Validate(); err != nil {
		t.Fatal(err)
	}
	query, err := p.Parse("tag:inbox urgent")
	if err != nil {
		t.Fatal(err)
	}
	got, err := ctx.Scope(p, query)
	if err != nil {
		t.Fatal(err)
	}
	want := search.And{Children: []search.Node{
		search.And{Children: []search.Node{
			search.Term{Field: "tag", Value: "inbox", Namespace: "work"},
			search.Term{Field: "term", Value: "urgent"},
		}},
		search.Term{Field: "tag", Value: "mail", Namespace: "work"},
		search.Term{Field: "tag", Value: "all", Namespace: "work"},
		search.Not{Child: search.Term{Field: "tag", Value: "secret", Namespace: "work"}},
	}}
	if diff := cmp.Diff(search.Node(want), got); diff != "" {
		t.Errorf("Scope mismatch (-want +got):\n%s", diff)
	}
}

func TestScopeKeepsExplicitNamespace(t *testing.T) {
	p := fixedParser()
	ctx := Context{Key: "work", Name: "Work", Namespace: "work"}
	if err := ctx.Validate(); err != nil {
		t.Fatal(err)
	}
	query, err := p.Parse("in:inbox@home")
	if err != nil {
		t.Fatal(err)
	}
	got, err := ctx.Scope(p, query)
	if err != nil {
		t.Fatal(err)
	}
	// The explicit @home reference survives; the catch-all AND still
	// confines the result to the work namespace.
	want := search.And{Children: []search.Node{
		search.Term{Field: "tag", Value: "inbox", Namespace: "home"},
		search.Term{Field: "tag", Value: "all", Namespace: "work"},
	}}
	if diff := cmp.Diff(search.Node(want), got); diff != "" {
		t.Errorf("Scope mismatch (-want +got):\n%s", diff)
	}
}

// Two contexts with separate namespaces must never see each other's
// messages, even through pure-negative queries.
func TestNamespaceIsolation(t *testing.T) {
	store, err := metastore.Open(filepath.Join(t.TempDir(), "meta.log"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	dict := termdict.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := search.NewEngine(dict, store, logger)

	work := &Context{Key: "work", Name: "Work", Namespace: "work"}
	home := &Context{Key: "home", Name: "Home", Namespace: "home"}
	for _, c := range []*Context{work, home} {
		if err := c.Validate(); err != nil {
			t.Fatal(err)
		}
		if _, err := c.SeedStandardTags(dict); err != nil {
			t.Fatal(err)
		}
	}

	add := func(ns string, ts time.Time) uint32 {
		t.Helper()
		inbox, _ := dict.Lookup("inbox", ns)
		all, _ := dict.Lookup(CatchAllTag, ns)
		rec := &metastore.Record{Timestamp: ts.Unix(), Locator: "x", TagIDs: []uint32{inbox, all}}
		if _, err := store.Append(rec); err != nil {
			t.Fatal(err)
		}
		if err := engine.Index(rec); err != nil {
			t.Fatal(err)
		}
		return rec.ID
	}
	day := time.Date(2023, 5, 1, 0, 0, 0, 0, time.UTC)
	workMsg := add("work", day)
	homeMsg := add("home", day.Add(time.Hour))

	p := fixedParser()
	eval := func(c *Context, q string) []uint32 {
		t.Helper()
		node, err := p.Parse(q)
		if err != nil {
			t.Fatal(err)
		}
		scoped, err := c.Scope(p, node)
		if err != nil {
			t.Fatal(err)
		}
		set, err := engine.Evaluate(context.Background(), scoped)
		if err != nil {
			t.Fatal(err)
		}
		return set.IDs()
	}

	tests := []struct {
		name  string
		ctx   *Context
		query string
		want  []uint32
	}{
		{"work sees its inbox", work, "tag:inbox", []uint32{workMsg}},
		{"home sees its inbox", home, "tag:inbox", []uint32{homeMsg}},
		{"match-all stays scoped", work, "all", []uint32{workMsg}},
		{"negation stays scoped", work, "-tag:spam", []uint32{workMsg}},
		{"pure negation cannot escape", home, "not tag:inbox", nil},
		{"cross-namespace reference fails closed", work, "in:inbox@home", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := eval(tt.ctx, tt.query)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("query %q in %s mismatch (-want +got):\n%s", tt.query, tt.ctx.Key, diff)
			}
		})
	}
}

func TestListVisibleTags(t *testing.T) {
	dict := termdict.New()
	ctx := &Context{Key: "w", Name: "W", Namespace: "work", VisibleTags: []string{"inbox", "sent"}}
	if err := ctx.Validate(); err != nil {
		t.Fatal(err)
	}
	if _, err := ctx.SeedStandardTags(dict); err != nil {
		t.Fatal(err)
	}
	// A tag outside the allowlist and one outside the namespace.
	dict.Intern("secret", "work", termdict.KindTag)
	dict.Intern("inbox", "home", termdict.KindTag)

	var names []string
	for _, e := range ctx.ListVisibleTags(dict) {
		names = append(names, e.Text)
	}
	want := []string{"inbox", "sent"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("visible tags mismatch (-want +got):\n%s", diff)
	}

	// Empty allowlist exposes the whole namespace.
	open := &Context{Key: "o", Name: "O", Namespace: "work"}
	if err := open.Validate(); err != nil {
		t.Fatal(err)
	}
	if got := len(open.ListVisibleTags(dict)); got != len(StandardContainerTags)+2 {
		t.Errorf("open context sees %d tags, want %d", got, len(StandardContainerTags)+2)
	}
}

func TestRegistryRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "contexts.toml")
	reg, err := LoadRegistry(path)
	if err != nil {
		t.Fatal(err)
	}
	ctx := &Context{
		Key: "work", Name: "Work", Namespace: "work",
		ScopeSearch: "tag:mail", VisibleTags: []string{"inbox"},
	}
	if err := reg.Create(ctx); err != nil {
		t.Fatal(err)
	}
	if err := reg.Create(&Context{Key: "work", Name: "Again"}); err == nil {
		t.Error("duplicate Create did not fail")
	}

	loaded, err := LoadRegistry(path)
	if err != nil {
		t.Fatal(err)
	}
	got := loaded.Get("work")
	if got == nil {
		t.Fatal("context lost on reload")
	}
	if diff := cmp.Diff(ctx, got); diff != "" {
		t.Errorf("reloaded context mismatch (-want +got):\n%s", diff)
	}

	ctx.Description = "updated"
	if err := loaded.Update(ctx); err != nil {
		t.Fatal(err)
	}
	if err := loaded.Update(&Context{Key: "ghost", Name: "G"}); err == nil {
		t.Error("Update of missing context did not fail")
	}
}

func TestRegistryRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "contexts.toml")
	content := "[contexts.work]\nname = \"Work\"\nnamespaec = \"work\"\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadRegistry(path); err == nil {
		t.Error("unknown key accepted")
	}
}
