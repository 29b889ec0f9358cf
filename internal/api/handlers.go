package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mailscope/mailscope/internal/grant"
	"github.com/mailscope/mailscope/internal/metastore"
	"github.com/mailscope/mailscope/internal/scheduler"
	"github.com/mailscope/mailscope/internal/scope"
	"github.com/mailscope/mailscope/internal/search"
	"github.com/mailscope/mailscope/internal/termdict"
)

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, err string, message string) {
	writeJSON(w, status, ErrorResponse{Error: err, Message: message})
}

// scopeFor resolves the session's context. Every grant names a context;
// a dangling reference means the registry and grant table disagree.
func (s *Server) scopeFor(sess *grant.Session) *scope.Context {
	return s.deps.Contexts.Get(sess.Context)
}

// visibleTo reports whether a message is inside the named context's
// boundary. Used by signed reference verification.
func (s *Server) visibleTo(contextKey string, msgID uint32) (bool, error) {
	sctx := s.deps.Contexts.Get(contextKey)
	if sctx == nil {
		return false, nil
	}
	node, err := sctx.Scope(s.parser, search.All{})
	if err != nil {
		return false, err
	}
	set, err := s.deps.Engine.Evaluate(context.Background(), node)
	if err != nil {
		return false, err
	}
	return set.Contains(msgID), nil
}

// LoginRequest is the session creation body.
type LoginRequest struct {
	Principal  string `json:"principal"`
	Credential string `json:"credential"`
}

// LoginResponse carries a fresh bearer token.
type LoginResponse struct {
	Token     string `json:"token"`
	Role      string `json:"role"`
	Context   string `json:"context"`
	ExpiresAt string `json:"expires_at"`
}

// handleLogin exchanges a credential for a bearer token.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "Request body must be JSON")
		return
	}

	ttl := s.cfg.Server.SessionDuration()
	token, err := s.deps.Grants.Login(req.Principal, req.Credential, ttl)
	if err != nil {
		s.logger.Warn("login failed", "principal", req.Principal, "remote_addr", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid principal or credential")
		return
	}

	// Read the role and context back through Verify rather than a second
	// Get, which returns nil if the grant is removed concurrently.
	sess, err := s.deps.Grants.Verify(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid principal or credential")
		return
	}
	writeJSON(w, http.StatusOK, LoginResponse{
		Token:     token,
		Role:      string(sess.Role),
		Context:   sess.Context,
		ExpiresAt: time.Now().Add(ttl).UTC().Format(time.RFC3339),
	})
}

// handleLogout revokes every token of the session's grant.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)
	if err := s.deps.Grants.Logout(sess.Principal); err != nil {
		s.logger.Error("logout failed", "principal", sess.Principal, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Logout failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SearchResponse is a paginated flat search result.
type SearchResponse struct {
	Query    string          `json:"query"`
	Total    int             `json:"total"`
	Page     int             `json:"page"`
	PageSize int             `json:"page_size"`
	Messages []search.Result `json:"messages"`
}

// ThreadsResponse is a search result grouped into conversations.
type ThreadsResponse struct {
	Query   string               `json:"query"`
	Total   int                  `json:"total"`
	Threads []*search.ThreadNode `json:"threads"`
}

// handleSearch runs a query confined to the session's context.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)
	sctx := s.scopeFor(sess)
	if sctx == nil {
		writeError(w, http.StatusForbidden, "unknown_context", "Session context no longer exists")
		return
	}

	query := r.URL.Query().Get("q")
	node, err := s.parser.Parse(query)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_query", err.Error())
		return
	}
	scoped, err := sctx.Scope(s.parser, node)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_query", err.Error())
		return
	}

	results, err := s.deps.Engine.Search(r.Context(), scoped)
	if err != nil {
		s.logger.Error("search failed", "query", query, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Search failed")
		return
	}

	if r.URL.Query().Get("threads") == "1" {
		writeJSON(w, http.StatusOK, ThreadsResponse{
			Query:   query,
			Total:   len(results),
			Threads: search.ThreadForest(results),
		})
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	total := len(results)
	offset := (page - 1) * pageSize
	if offset > total {
		offset = total
	}
	end := offset + pageSize
	if end > total {
		end = total
	}

	writeJSON(w, http.StatusOK, SearchResponse{
		Query:    query,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
		Messages: results[offset:end],
	})
}

// MessageDetail is the full metadata view of one message.
type MessageDetail struct {
	ID             uint32   `json:"id"`
	Thread         uint32   `json:"thread"`
	Timestamp      string   `json:"timestamp"`
	Size           uint32   `json:"size_bytes"`
	Locator        string   `json:"locator"`
	Tags           []string `json:"tags"`
	HasAttachments bool     `json:"has_attachments"`
	Encrypted      bool     `json:"encrypted"`
	Signed         bool     `json:"signed"`
	Draft          bool     `json:"draft"`
}

func (s *Server) messageDetail(rec *metastore.Record, sctx *scope.Context) (*MessageDetail, error) {
	detail := &MessageDetail{
		ID:             rec.ID,
		Thread:         rec.Thread(),
		Timestamp:      time.Unix(rec.Timestamp, 0).UTC().Format(time.RFC3339),
		Size:           rec.Size,
		Locator:        rec.Locator,
		HasAttachments: rec.Flags&metastore.FlagHasAttachments != 0,
		Encrypted:      rec.Flags&metastore.FlagEncrypted != 0,
		Signed:         rec.Flags&metastore.FlagSigned != 0,
		Draft:          rec.Flags&metastore.FlagDraft != 0,
	}
	for _, tid := range rec.TagIDs {
		ent, err := s.deps.Dict.Resolve(tid)
		if err != nil {
			return nil, err
		}
		if sctx != nil && !sctx.Visible(ent) {
			continue
		}
		detail.Tags = append(detail.Tags, ent.Key())
	}
	return detail, nil
}

// messageInScope fetches a record after checking it is inside the
// session's boundary. A message outside the boundary reads as missing.
func (s *Server) messageInScope(r *http.Request, sctx *scope.Context, id uint32) (*metastore.Record, int, string) {
	node, err := sctx.Scope(s.parser, search.All{})
	if err != nil {
		return nil, http.StatusInternalServerError, "Scope resolution failed"
	}
	set, err := s.deps.Engine.Evaluate(r.Context(), node)
	if err != nil {
		return nil, http.StatusInternalServerError, "Scope resolution failed"
	}
	if !set.Contains(id) {
		return nil, http.StatusNotFound, "Message not found"
	}
	rec, err := s.deps.Store.Get(id)
	if err != nil {
		return nil, http.StatusNotFound, "Message not found"
	}
	return rec, 0, ""
}

func parseMessageID(r *http.Request) (uint32, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	return uint32(id), err == nil && id != 0
}

// handleGetMessage returns one message's metadata, tags filtered to the
// session context.
func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)
	sctx := s.scopeFor(sess)
	if sctx == nil {
		writeError(w, http.StatusForbidden, "unknown_context", "Session context no longer exists")
		return
	}
	id, ok := parseMessageID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_id", "Message ID must be a positive number")
		return
	}

	rec, status, msg := s.messageInScope(r, sctx, id)
	if rec == nil {
		writeError(w, status, "not_found", msg)
		return
	}

	detail, err := s.messageDetail(rec, sctx)
	if err != nil {
		s.logger.Error("failed to resolve tags", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to retrieve message")
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// RefResponse carries a signed message reference.
type RefResponse struct {
	Ref       string `json:"ref"`
	URL       string `json:"url"`
	ExpiresAt string `json:"expires_at"`
}

// handleMintRef issues a signed, expiring reference to one message.
func (s *Server) handleMintRef(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)
	sctx := s.scopeFor(sess)
	if sctx == nil {
		writeError(w, http.StatusForbidden, "unknown_context", "Session context no longer exists")
		return
	}
	id, ok := parseMessageID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_id", "Message ID must be a positive number")
		return
	}

	if rec, status, msg := s.messageInScope(r, sctx, id); rec == nil {
		writeError(w, status, "not_found", msg)
		return
	}

	ttl := s.cfg.Server.RefDuration()
	ref, err := s.deps.Grants.SignMessageRef(sess, id, ttl)
	if err != nil {
		s.logger.Error("failed to sign ref", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to sign reference")
		return
	}

	writeJSON(w, http.StatusOK, RefResponse{
		Ref:       ref,
		URL:       "/m/" + ref,
		ExpiresAt: time.Now().Add(ttl).UTC().Format(time.RFC3339),
	})
}

// handleMessageRef resolves a signed reference without a session. Any
// failure reads as not found so the route leaks nothing about why.
func (s *Server) handleMessageRef(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")

	id, err := s.deps.Grants.VerifyMessageRef(ref, s.visibleTo)
	if err != nil {
		if !errors.Is(err, grant.ErrUnauthorized) && !errors.Is(err, grant.ErrExpired) &&
			!errors.Is(err, grant.ErrScopeViolation) {
			s.logger.Error("ref verification failed", "error", err)
		}
		writeError(w, http.StatusNotFound, "not_found", "Message not found")
		return
	}

	rec, err := s.deps.Store.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "Message not found")
		return
	}
	detail, err := s.messageDetail(rec, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to retrieve message")
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// TagUpdateRequest names tags to add and remove, bare, in the session
// context's namespace.
type TagUpdateRequest struct {
	Add    []string `json:"add"`
	Remove []string `json:"remove"`
}

// handleUpdateTags mutates a message's tags. Requires a writing role and
// only touches tags the context exposes.
func (s *Server) handleUpdateTags(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)
	if !sess.Role.CanWrite() {
		writeError(w, http.StatusForbidden, "forbidden", "Role does not allow tag changes")
		return
	}
	sctx := s.scopeFor(sess)
	if sctx == nil {
		writeError(w, http.StatusForbidden, "unknown_context", "Session context no longer exists")
		return
	}
	id, ok := parseMessageID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_id", "Message ID must be a positive number")
		return
	}
	var req TagUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "Request body must be JSON")
		return
	}

	if rec, status, msg := s.messageInScope(r, sctx, id); rec == nil {
		writeError(w, status, "not_found", msg)
		return
	}

	add, err := s.resolveTags(sctx, req.Add, true)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_tag", err.Error())
		return
	}
	remove, err := s.resolveTags(sctx, req.Remove, false)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_tag", err.Error())
		return
	}

	_, newTags, err := s.deps.Engine.UpdateTags(id, add, remove)
	if err != nil {
		s.logger.Error("tag update failed", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Tag update failed")
		return
	}

	names := make([]string, 0, len(newTags))
	for _, tid := range newTags {
		ent, err := s.deps.Dict.Resolve(tid)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", "Tag update failed")
			return
		}
		if sctx.Visible(ent) {
			names = append(names, ent.Text)
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "tags": names})
}

// resolveTags maps bare tag names to dictionary ids in the context's
// namespace. Additions intern missing tags; removals of unknown tags are
// dropped.
func (s *Server) resolveTags(sctx *scope.Context, names []string, intern bool) ([]uint32, error) {
	var ids []uint32
	for _, name := range names {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" || strings.ContainsAny(name, "@ \t") {
			return nil, fmt.Errorf("invalid tag name %q", name)
		}
		if !sctx.Visible(termdict.Entry{Text: name, Namespace: sctx.Namespace}) {
			return nil, fmt.Errorf("tag %q is not visible in this context", name)
		}
		if intern {
			id, err := s.deps.Dict.Intern(name, sctx.Namespace, termdict.KindTag)
			if err != nil {
				return nil, err
			}
			ids = append(ids, id)
			continue
		}
		if id, ok := s.deps.Dict.Lookup(name, sctx.Namespace); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// TagInfo is one visible tag.
type TagInfo struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace,omitempty"`
}

// handleListTags lists the tags the session's context exposes.
func (s *Server) handleListTags(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)
	sctx := s.scopeFor(sess)
	if sctx == nil {
		writeError(w, http.StatusForbidden, "unknown_context", "Session context no longer exists")
		return
	}

	tags := []TagInfo{}
	for _, ent := range sctx.ListVisibleTags(s.deps.Dict) {
		tags = append(tags, TagInfo{Name: ent.Text, Namespace: ent.Namespace})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tags": tags})
}

// StatsResponse summarizes the archive.
type StatsResponse struct {
	Messages int `json:"messages"`
	Indexed  int `json:"indexed"`
	Terms    int `json:"terms"`
	Contexts int `json:"contexts"`
	Grants   int `json:"grants"`
}

// handleStats returns archive statistics.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatsResponse{
		Messages: s.deps.Store.Count(),
		Indexed:  s.deps.Engine.Universe().Len(),
		Terms:    s.deps.Dict.Len(),
		Contexts: len(s.deps.Contexts.List()),
		Grants:   len(s.deps.Grants.List()),
	})
}

// GrantInfo is the external view of a grant. Credentials never leave the
// grant engine.
type GrantInfo struct {
	Principal string `json:"principal"`
	Role      string `json:"role"`
	Context   string `json:"context"`
	Epoch     uint32 `json:"epoch"`
}

func grantInfo(g *grant.Grant) GrantInfo {
	return GrantInfo{
		Principal: g.Principal,
		Role:      string(g.Role),
		Context:   g.Context,
		Epoch:     g.Epoch,
	}
}

// handleListGrants returns all grants.
func (s *Server) handleListGrants(w http.ResponseWriter, r *http.Request) {
	grants := []GrantInfo{}
	for _, g := range s.deps.Grants.List() {
		grants = append(grants, grantInfo(g))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"grants": grants})
}

// GrantRequest creates or updates a grant.
type GrantRequest struct {
	Principal  string `json:"principal"`
	Role       string `json:"role"`
	Context    string `json:"context"`
	Credential string `json:"credential,omitempty"`
}

// handleCreateGrant creates a new grant.
func (s *Server) handleCreateGrant(w http.ResponseWriter, r *http.Request) {
	var req GrantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "Request body must be JSON")
		return
	}
	if s.deps.Contexts.Get(req.Context) == nil {
		writeError(w, http.StatusBadRequest, "unknown_context", "Context does not exist")
		return
	}

	g, err := s.deps.Grants.Create(req.Principal, grant.Role(req.Role), req.Context, req.Credential)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_grant", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, grantInfo(g))
}

// handleUpdateGrant changes a grant's role or context.
func (s *Server) handleUpdateGrant(w http.ResponseWriter, r *http.Request) {
	principal := chi.URLParam(r, "principal")
	var req GrantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "Request body must be JSON")
		return
	}
	if req.Context != "" && s.deps.Contexts.Get(req.Context) == nil {
		writeError(w, http.StatusBadRequest, "unknown_context", "Context does not exist")
		return
	}

	g, err := s.deps.Grants.Update(principal, grant.Role(req.Role), req.Context)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_grant", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, grantInfo(g))
}

// handleRemoveGrant deletes a grant.
func (s *Server) handleRemoveGrant(w http.ResponseWriter, r *http.Request) {
	principal := chi.URLParam(r, "principal")
	if err := s.deps.Grants.Remove(principal); err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ContextRequest creates or updates a search context.
type ContextRequest struct {
	Key              string   `json:"key"`
	Name             string   `json:"name"`
	Description      string   `json:"description,omitempty"`
	Namespace        string   `json:"namespace,omitempty"`
	ScopeSearch      string   `json:"scope_search,omitempty"`
	RequiredTags     []string `json:"require,omitempty"`
	ForbiddenTerms   []string `json:"forbid,omitempty"`
	VisibleTags      []string `json:"tags,omitempty"`
	WithStandardTags bool     `json:"with_standard_tags,omitempty"`
}

func (req *ContextRequest) context() *scope.Context {
	return &scope.Context{
		Key:            req.Key,
		Name:           req.Name,
		Description:    req.Description,
		Namespace:      req.Namespace,
		ScopeSearch:    req.ScopeSearch,
		RequiredTags:   req.RequiredTags,
		ForbiddenTerms: req.ForbiddenTerms,
		VisibleTags:    req.VisibleTags,
	}
}

// handleListContexts returns all contexts.
func (s *Server) handleListContexts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"contexts": s.deps.Contexts.List()})
}

// handleCreateContext creates a new context, optionally seeding the
// standard container tags into its namespace.
func (s *Server) handleCreateContext(w http.ResponseWriter, r *http.Request) {
	var req ContextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "Request body must be JSON")
		return
	}

	sctx := req.context()
	if err := s.deps.Contexts.Create(sctx); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_context", err.Error())
		return
	}
	if req.WithStandardTags {
		if _, err := sctx.SeedStandardTags(s.deps.Dict); err != nil {
			s.logger.Error("failed to seed tags", "context", sctx.Key, "error", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "Failed to seed standard tags")
			return
		}
	}
	writeJSON(w, http.StatusCreated, sctx)
}

// handleUpdateContext updates a context in place.
func (s *Server) handleUpdateContext(w http.ResponseWriter, r *http.Request) {
	var req ContextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "Request body must be JSON")
		return
	}
	req.Key = chi.URLParam(r, "key")

	sctx := req.context()
	if err := s.deps.Contexts.Update(sctx); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_context", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sctx)
}

// SchedulerStatusResponse represents scheduler status.
type SchedulerStatusResponse struct {
	Running bool                  `json:"running"`
	Jobs    []scheduler.JobStatus `json:"jobs"`
}

// handleSchedulerStatus returns the scheduler status.
func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sched == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler_unavailable", "Scheduler not running")
		return
	}
	writeJSON(w, http.StatusOK, SchedulerStatusResponse{
		Running: s.deps.Sched.IsRunning(),
		Jobs:    s.deps.Sched.Status(),
	})
}

// handleTriggerJob manually runs a maintenance job.
func (s *Server) handleTriggerJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sched == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler_unavailable", "Scheduler not running")
		return
	}
	name := chi.URLParam(r, "name")
	if err := s.deps.Sched.Trigger(name); err != nil {
		writeError(w, http.StatusConflict, "job_error", err.Error())
		return
	}
	s.logger.Info("job triggered via API", "job", name)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":  "accepted",
		"message": "Job started: " + name,
	})
}
