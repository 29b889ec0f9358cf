package api

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/mailscope/mailscope/internal/config"
	"github.com/mailscope/mailscope/internal/grant"
	"github.com/mailscope/mailscope/internal/metastore"
	"github.com/mailscope/mailscope/internal/scope"
	"github.com/mailscope/mailscope/internal/search"
	"github.com/mailscope/mailscope/internal/termdict"
)

// testLogger returns a logger for tests that discards all but errors.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type harness struct {
	t      *testing.T
	srv    *Server
	dict   *termdict.Dict
	store  *metastore.Store
	engine *search.Engine
	grants *grant.Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()

	dict, err := termdict.Open(filepath.Join(dir, "terms.log"))
	if err != nil {
		t.Fatalf("open dict: %v", err)
	}
	t.Cleanup(func() { dict.Close() })

	store, err := metastore.Open(filepath.Join(dir, "meta.log"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	engine := search.NewEngine(dict, store, testLogger())

	grants, err := grant.Open(filepath.Join(dir, "grants.toml"))
	if err != nil {
		t.Fatalf("open grants: %v", err)
	}
	contexts, err := scope.LoadRegistry(filepath.Join(dir, "contexts.toml"))
	if err != nil {
		t.Fatalf("load registry: %v", err)
	}

	work := &scope.Context{Key: "work", Name: "Work", Namespace: "work"}
	if err := contexts.Create(work); err != nil {
		t.Fatalf("create context: %v", err)
	}
	if _, err := work.SeedStandardTags(dict); err != nil {
		t.Fatalf("seed tags: %v", err)
	}
	if _, err := grants.Create("alice", grant.RoleUser, "work", "s3cret"); err != nil {
		t.Fatalf("create grant: %v", err)
	}
	if _, err := grants.Create("bob", grant.RoleGuest, "work", "hunter2"); err != nil {
		t.Fatalf("create grant: %v", err)
	}

	cfg := &config.Config{
		Server: config.ServerConfig{
			APIPort:      8080,
			AdminKey:     "adminkey",
			RateLimitRPS: 1000,
			SessionTTL:   "1h",
			RefTTL:       "10m",
		},
	}
	srv := NewServer(cfg, Deps{
		Engine:   engine,
		Store:    store,
		Dict:     dict,
		Grants:   grants,
		Contexts: contexts,
	}, testLogger())
	t.Cleanup(func() { srv.rateLimiter.Close() })

	return &harness{t: t, srv: srv, dict: dict, store: store, engine: engine, grants: grants}
}

// addMsg indexes a message with the given tags inside a namespace. The
// namespace catch-all tag is attached the way the importer does.
func (h *harness) addMsg(ts int64, ns string, tags ...string) uint32 {
	h.t.Helper()
	if ns != "" {
		tags = append(tags, scope.CatchAllTag)
	}
	var tagIDs []uint32
	for _, tag := range tags {
		id, err := h.dict.Intern(tag, ns, termdict.KindTag)
		if err != nil {
			h.t.Fatalf("intern %s: %v", tag, err)
		}
		tagIDs = append(tagIDs, id)
	}
	rec := &metastore.Record{
		Timestamp: ts,
		Size:      512,
		Locator:   "mbox:test.mbox:0",
		TagIDs:    tagIDs,
	}
	if _, err := h.store.Append(rec); err != nil {
		h.t.Fatalf("append: %v", err)
	}
	if err := h.engine.Index(rec); err != nil {
		h.t.Fatalf("index: %v", err)
	}
	return rec.ID
}

func (h *harness) do(method, path, token string, body interface{}) *httptest.ResponseRecorder {
	h.t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.srv.Router().ServeHTTP(rec, req)
	return rec
}

func (h *harness) login(principal, credential string) string {
	h.t.Helper()
	rec := h.do("POST", "/api/v1/session", "", LoginRequest{Principal: principal, Credential: credential})
	if rec.Code != http.StatusOK {
		h.t.Fatalf("login %s: status %d: %s", principal, rec.Code, rec.Body.String())
	}
	var resp LoginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		h.t.Fatalf("decode login response: %v", err)
	}
	return resp.Token
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHealth(t *testing.T) {
	h := newHarness(t)

	rec := h.do("GET", "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestLoginResponseReflectsGrant(t *testing.T) {
	h := newHarness(t)

	rec := h.do("POST", "/api/v1/session", "", LoginRequest{Principal: "alice", Credential: "s3cret"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode[LoginResponse](t, rec)
	if resp.Token == "" {
		t.Error("token missing")
	}
	if resp.Role != "user" || resp.Context != "work" {
		t.Errorf("role/context = %s/%s, want user/work", resp.Role, resp.Context)
	}
}

func TestLoginRejectsBadCredential(t *testing.T) {
	h := newHarness(t)

	rec := h.do("POST", "/api/v1/session", "", LoginRequest{Principal: "alice", Credential: "wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestSearchRequiresAuth(t *testing.T) {
	h := newHarness(t)

	if rec := h.do("GET", "/api/v1/search?q=in:inbox", "", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", rec.Code)
	}
	if rec := h.do("GET", "/api/v1/search?q=in:inbox", "bogus.token", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("bad token: status = %d, want 401", rec.Code)
	}
}

func TestSearchScopedToContext(t *testing.T) {
	h := newHarness(t)
	inWork := h.addMsg(1000, "work", "inbox")
	h.addMsg(2000, "", "inbox") // global, outside the work context

	token := h.login("alice", "s3cret")
	rec := h.do("GET", "/api/v1/search?q=in:inbox", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode[SearchResponse](t, rec)
	if resp.Total != 1 || len(resp.Messages) != 1 || resp.Messages[0].ID != inWork {
		t.Errorf("got %+v, want only message %d", resp, inWork)
	}

	// Empty query matches everything inside the boundary, still one message.
	rec = h.do("GET", "/api/v1/search", token, nil)
	resp = decode[SearchResponse](t, rec)
	if resp.Total != 1 {
		t.Errorf("empty query total = %d, want 1", resp.Total)
	}
}

func TestSearchBadQuery(t *testing.T) {
	h := newHarness(t)
	token := h.login("alice", "s3cret")

	rec := h.do("GET", "/api/v1/search?q="+`%28in%3Ainbox`, token, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400: %s", rec.Code, rec.Body.String())
	}
}

func TestSearchThreads(t *testing.T) {
	h := newHarness(t)
	root := h.addMsg(1000, "work", "inbox")
	reply := &metastore.Record{ThreadID: root, Timestamp: 2000, Size: 256, Locator: "mbox:test.mbox:512"}
	id, err := h.dict.Intern("inbox", "work", termdict.KindTag)
	if err != nil {
		t.Fatal(err)
	}
	all, err := h.dict.Intern(scope.CatchAllTag, "work", termdict.KindTag)
	if err != nil {
		t.Fatal(err)
	}
	reply.TagIDs = []uint32{id, all}
	if _, err := h.store.Append(reply); err != nil {
		t.Fatal(err)
	}
	if err := h.engine.Index(reply); err != nil {
		t.Fatal(err)
	}

	token := h.login("alice", "s3cret")
	rec := h.do("GET", "/api/v1/search?q=in:inbox&threads=1", token, nil)
	resp := decode[ThreadsResponse](t, rec)
	if resp.Total != 2 {
		t.Fatalf("total = %d, want 2", resp.Total)
	}
	if len(resp.Threads) != 1 {
		t.Fatalf("threads = %d, want 1", len(resp.Threads))
	}
	if resp.Threads[0].ID != root || len(resp.Threads[0].Replies) != 1 {
		t.Errorf("thread root = %d with %d replies, want root %d with 1 reply",
			resp.Threads[0].ID, len(resp.Threads[0].Replies), root)
	}
}

func TestGetMessage(t *testing.T) {
	h := newHarness(t)
	inWork := h.addMsg(1000, "work", "inbox")
	outside := h.addMsg(2000, "", "inbox")

	token := h.login("alice", "s3cret")

	rec := h.do("GET", "/api/v1/messages/"+itoa(inWork), token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	detail := decode[MessageDetail](t, rec)
	if detail.ID != inWork || detail.Locator == "" {
		t.Errorf("detail = %+v", detail)
	}

	// A message outside the context boundary reads as missing.
	if rec := h.do("GET", "/api/v1/messages/"+itoa(outside), token, nil); rec.Code != http.StatusNotFound {
		t.Errorf("out-of-scope message: status = %d, want 404", rec.Code)
	}
	if rec := h.do("GET", "/api/v1/messages/999", token, nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown message: status = %d, want 404", rec.Code)
	}
	if rec := h.do("GET", "/api/v1/messages/abc", token, nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad id: status = %d, want 400", rec.Code)
	}
}

func TestUpdateTags(t *testing.T) {
	h := newHarness(t)
	id := h.addMsg(1000, "work", "inbox")

	token := h.login("alice", "s3cret")
	rec := h.do("POST", "/api/v1/messages/"+itoa(id)+"/tags", token,
		TagUpdateRequest{Add: []string{"Sent"}, Remove: []string{"inbox"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	// The move is visible to search.
	if resp := decode[SearchResponse](t, h.do("GET", "/api/v1/search?q=in:sent", token, nil)); resp.Total != 1 {
		t.Errorf("in:sent total = %d, want 1", resp.Total)
	}
	if resp := decode[SearchResponse](t, h.do("GET", "/api/v1/search?q=in:inbox", token, nil)); resp.Total != 0 {
		t.Errorf("in:inbox total = %d, want 0", resp.Total)
	}
}

func TestUpdateTagsRequiresWriteRole(t *testing.T) {
	h := newHarness(t)
	id := h.addMsg(1000, "work", "inbox")

	token := h.login("bob", "hunter2")
	rec := h.do("POST", "/api/v1/messages/"+itoa(id)+"/tags", token,
		TagUpdateRequest{Add: []string{"sent"}})
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestSignedRef(t *testing.T) {
	h := newHarness(t)
	id := h.addMsg(1000, "work", "inbox")

	token := h.login("alice", "s3cret")
	rec := h.do("POST", "/api/v1/messages/"+itoa(id)+"/ref", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("mint: status = %d: %s", rec.Code, rec.Body.String())
	}
	ref := decode[RefResponse](t, rec)

	// The reference resolves without any session.
	rec = h.do("GET", ref.URL, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("fetch ref: status = %d: %s", rec.Code, rec.Body.String())
	}
	detail := decode[MessageDetail](t, rec)
	if detail.ID != id {
		t.Errorf("ref resolved to %d, want %d", detail.ID, id)
	}

	// Garbage refs read as missing.
	if rec := h.do("GET", "/m/garbage", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("garbage ref: status = %d, want 404", rec.Code)
	}

	// Logout revokes outstanding references.
	if rec := h.do("DELETE", "/api/v1/session", token, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("logout: status = %d", rec.Code)
	}
	if rec := h.do("GET", ref.URL, "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("ref after logout: status = %d, want 404", rec.Code)
	}
}

func TestLogoutInvalidatesToken(t *testing.T) {
	h := newHarness(t)
	token := h.login("alice", "s3cret")

	if rec := h.do("DELETE", "/api/v1/session", token, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("logout: status = %d", rec.Code)
	}
	if rec := h.do("GET", "/api/v1/search", token, nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("search after logout: status = %d, want 401", rec.Code)
	}
}

func TestListTags(t *testing.T) {
	h := newHarness(t)
	token := h.login("alice", "s3cret")

	rec := h.do("GET", "/api/v1/tags", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decode[map[string][]TagInfo](t, rec)
	names := make(map[string]bool)
	for _, tag := range resp["tags"] {
		names[tag.Name] = true
	}
	for _, want := range []string{"all", "inbox", "sent", "trash"} {
		if !names[want] {
			t.Errorf("missing tag %q in %v", want, resp["tags"])
		}
	}
}

func itoa(id uint32) string {
	return strconv.FormatUint(uint64(id), 10)
}
