package search

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/mailscope/mailscope/internal/metastore"
	"github.com/mailscope/mailscope/internal/termdict"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	store, err := metastore.Open(filepath.Join(t.TempDir(), "meta.log"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewEngine(termdict.New(), store, logger)
}

// addMsg stores and indexes one message with the given tag names,
// returning its id.
func addMsg(t *testing.T, e *Engine, ts time.Time, tags []string, keywords ...string) uint32 {
	t.Helper()
	var tagIDs []uint32
	for _, name := range tags {
		name, ns := splitNamespace(name)
		id, err := e.dict.Intern(name, ns, termdict.KindTag)
		if err != nil {
			t.Fatal(err)
		}
		tagIDs = append(tagIDs, id)
	}
	termIDs, err := e.InternKeywords(keywords)
	if err != nil {
		t.Fatal(err)
	}
	rec := &metastore.Record{
		Timestamp: ts.Unix(),
		Size:      1024,
		Locator:   "mbox:test:0",
		TagIDs:    tagIDs,
		TermIDs:   termIDs,
	}
	if _, err := e.store.Append(rec); err != nil {
		t.Fatal(err)
	}
	if err := e.Index(rec); err != nil {
		t.Fatal(err)
	}
	return rec.ID
}

func day(d int) time.Time {
	return time.Date(2023, 5, d, 12, 0, 0, 0, time.UTC)
}

func search(t *testing.T, e *Engine, query string) []uint32 {
	t.Helper()
	p := fixedParser()
	node, err := p.Parse(query)
	if err != nil {
		t.Fatalf("Parse(%q): %v", query, err)
	}
	set, err := e.Evaluate(context.Background(), node)
	if err != nil {
		t.Fatalf("Evaluate(%q): %v", query, err)
	}
	return set.IDs()
}

func TestEngineEvaluate(t *testing.T) {
	e := newTestEngine(t)
	inboxed := addMsg(t, e, day(1), []string{"inbox"}, "budget", "report")
	spammed := addMsg(t, e, day(2), []string{"spam"}, "budget")
	both := addMsg(t, e, day(3), []string{"inbox", "spam"}, "hello")

	tests := []struct {
		query string
		want  []uint32
	}{
		{"tag:inbox", []uint32{inboxed, both}},
		{"tag:spam", []uint32{spammed, both}},
		{"budget", []uint32{inboxed, spammed}},
		{"tag:inbox budget", []uint32{inboxed}},
		{"tag:inbox or tag:spam", []uint32{inboxed, spammed, both}},
		{"tag:inbox -tag:spam", []uint32{inboxed}},
		{"not tag:inbox", []uint32{spammed}},
		{"all", []uint32{inboxed, spammed, both}},
		{"date:2023-5-2", []uint32{spammed}},
		{"date:2023-5-1..2023-5-2", []uint32{inboxed, spammed}},
		{"year:2023", []uint32{inboxed, spammed, both}},
		{"year:2019", nil},
		{"tag:nosuchtag", nil},
		{"nosuchword", nil},
		{"nosuchword or tag:inbox", []uint32{inboxed, both}},
		{"nosuchword tag:inbox", nil},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			got := search(t, e, tt.query)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("query %q mismatch (-want +got):\n%s", tt.query, diff)
			}
		})
	}
}

func TestEngineNamespaces(t *testing.T) {
	e := newTestEngine(t)
	personal := addMsg(t, e, day(1), []string{"inbox", "all"})
	work := addMsg(t, e, day(2), []string{"inbox@work", "all@work"})

	tests := []struct {
		query string
		want  []uint32
	}{
		{"tag:inbox", []uint32{personal}},
		{"in:inbox@work", []uint32{work}},
		{"in:@work", []uint32{work}},
		{"in:inbox or in:inbox@work", []uint32{personal, work}},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			got := search(t, e, tt.query)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("query %q mismatch (-want +got):\n%s", tt.query, diff)
			}
		})
	}
}

func TestEngineComplementLaws(t *testing.T) {
	e := newTestEngine(t)
	addMsg(t, e, day(1), []string{"inbox"})
	addMsg(t, e, day(2), []string{"spam"})
	addMsg(t, e, day(3), []string{"inbox", "urgent"})

	// NOT NOT x == x.
	direct := search(t, e, "tag:inbox")
	doubled := search(t, e, "not not tag:inbox")
	if diff := cmp.Diff(direct, doubled); diff != "" {
		t.Errorf("double negation changed the result (-direct +doubled):\n%s", diff)
	}

	// NOT (a OR b) == (NOT a) AND (NOT b).
	deMorgan := search(t, e, "not (tag:inbox or tag:spam)")
	expanded := search(t, e, "-tag:inbox -tag:spam")
	if diff := cmp.Diff(deMorgan, expanded); diff != "" {
		t.Errorf("De Morgan mismatch (-grouped +expanded):\n%s", diff)
	}

	// x OR NOT x covers every message.
	everything := search(t, e, "tag:inbox or not tag:inbox")
	if diff := cmp.Diff(e.Universe().IDs(), everything); diff != "" {
		t.Errorf("x or not x is not the universe (-universe +got):\n%s", diff)
	}
}

func TestEngineUpdateTags(t *testing.T) {
	e := newTestEngine(t)
	id := addMsg(t, e, day(1), []string{"inbox"})

	spam, err := e.dict.Intern("spam", "", termdict.KindTag)
	if err != nil {
		t.Fatal(err)
	}
	inbox, _ := e.dict.Lookup("inbox", "")

	oldTags, newTags, err := e.UpdateTags(id, []uint32{spam}, []uint32{inbox})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]uint32{inbox}, oldTags); diff != "" {
		t.Errorf("old tags mismatch:\n%s", diff)
	}
	if diff := cmp.Diff([]uint32{spam}, newTags); diff != "" {
		t.Errorf("new tags mismatch:\n%s", diff)
	}

	if got := search(t, e, "tag:inbox"); len(got) != 0 {
		t.Errorf("tag:inbox still matches %v after retag", got)
	}
	if got := search(t, e, "tag:spam"); len(got) != 1 || got[0] != id {
		t.Errorf("tag:spam = %v, want [%d]", got, id)
	}
}

func TestEngineRebuild(t *testing.T) {
	e := newTestEngine(t)
	a := addMsg(t, e, day(1), []string{"inbox"}, "budget", "report")
	b := addMsg(t, e, day(2), []string{"spam"}, "report")

	if err := e.Rebuild(context.Background()); err != nil {
		t.Fatal(err)
	}

	if got := search(t, e, "tag:inbox"); len(got) != 1 || got[0] != a {
		t.Errorf("tag:inbox = %v, want [%d]", got, a)
	}
	if got := search(t, e, "date:2023-5-2"); len(got) != 1 || got[0] != b {
		t.Errorf("date:2023-5-2 = %v, want [%d]", got, b)
	}
	// Free-text postings come back too: they replay from the stored
	// term ids, not from ingest-time state.
	if got := search(t, e, "budget"); len(got) != 1 || got[0] != a {
		t.Errorf("budget after rebuild = %v, want [%d]", got, a)
	}
	if diff := cmp.Diff([]uint32{a, b}, search(t, e, "report")); diff != "" {
		t.Errorf("report after rebuild (-want +got):\n%s", diff)
	}
}

func TestEngineRebuildFromReopenedStore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meta.log")
	store, err := metastore.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	dict := termdict.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := NewEngine(dict, store, logger)
	id := addMsg(t, e, day(1), []string{"inbox"}, "budget")
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := metastore.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	fresh := NewEngine(dict, reopened, logger)
	if err := fresh.Rebuild(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := search(t, fresh, "budget"); len(got) != 1 || got[0] != id {
		t.Errorf("budget after reopen = %v, want [%d]", got, id)
	}
}

func TestEngineEvaluateCancellation(t *testing.T) {
	e := newTestEngine(t)
	addMsg(t, e, day(1), []string{"inbox"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	node, err := fixedParser().Parse("tag:inbox")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Evaluate(ctx, node); err == nil {
		t.Error("Evaluate with canceled context returned nil error")
	}
}

func TestEngineSearchOrdering(t *testing.T) {
	e := newTestEngine(t)
	oldest := addMsg(t, e, day(1), []string{"inbox"})
	newest := addMsg(t, e, day(3), []string{"inbox"})
	middle := addMsg(t, e, day(2), []string{"inbox"})

	node, err := fixedParser().Parse("tag:inbox")
	if err != nil {
		t.Fatal(err)
	}
	results, err := e.Search(context.Background(), node)
	if err != nil {
		t.Fatal(err)
	}
	var got []uint32
	for _, r := range results {
		got = append(got, r.ID)
	}
	want := []uint32{newest, middle, oldest}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("result order mismatch (-want +got):\n%s", diff)
	}
	if results[0].Tags[0] != "inbox" {
		t.Errorf("tags not resolved, got %v", results[0].Tags)
	}
}

func TestThreadForest(t *testing.T) {
	e := newTestEngine(t)
	root := addMsg(t, e, day(1), []string{"inbox"})

	reply := &metastore.Record{
		ThreadID:  root,
		Timestamp: day(2).Unix(),
		Size:      512,
		Locator:   "mbox:test:1",
	}
	if _, err := e.store.Append(reply); err != nil {
		t.Fatal(err)
	}
	if err := e.Index(reply); err != nil {
		t.Fatal(err)
	}
	lone := addMsg(t, e, day(3), []string{"inbox"})

	node, err := fixedParser().Parse("all")
	if err != nil {
		t.Fatal(err)
	}
	results, err := e.Search(context.Background(), node)
	if err != nil {
		t.Fatal(err)
	}
	forest := ThreadForest(results)
	if len(forest) != 2 {
		t.Fatalf("forest has %d conversations, want 2", len(forest))
	}
	// The lone message is the newest conversation.
	if forest[0].ID != lone {
		t.Errorf("first conversation is %d, want %d", forest[0].ID, lone)
	}
	if forest[1].ID != root || len(forest[1].Replies) != 1 {
		t.Errorf("thread root %d with %d replies, want root %d with 1 reply",
			forest[1].ID, len(forest[1].Replies), root)
	}
	if forest[1].Replies[0].ID != reply.ID {
		t.Errorf("reply id = %d, want %d", forest[1].Replies[0].ID, reply.ID)
	}
}
