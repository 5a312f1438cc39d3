package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorillabuilder-code/Gorilla-builder/internal/commitlock"
	"github.com/gorillabuilder-code/Gorilla-builder/internal/domain"
	"github.com/gorillabuilder-code/Gorilla-builder/internal/repository"
	"github.com/gorillabuilder-code/Gorilla-builder/internal/service/changelog"
	"github.com/gorillabuilder-code/Gorilla-builder/internal/service/export"
	"github.com/gorillabuilder-code/Gorilla-builder/internal/service/logs"
	"github.com/gorillabuilder-code/Gorilla-builder/internal/service/preview"
	"github.com/gorillabuilder-code/Gorilla-builder/internal/service/project"
	"github.com/gorillabuilder-code/Gorilla-builder/internal/service/snapshot"
	"github.com/gorillabuilder-code/Gorilla-builder/internal/ws"
)

type storeStub struct {
	mu       sync.Mutex
	projects map[string]domain.Project
	files    map[string]string
	entries  map[string]*domain.ChangeEntry
	logLines []domain.ProjectLog
}

func newStoreStub() *storeStub {
	return &storeStub{
		projects: make(map[string]domain.Project),
		files:    make(map[string]string),
		entries:  make(map[string]*domain.ChangeEntry),
	}
}

func (s *storeStub) CreateProject(_ context.Context, p *domain.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[p.ID] = *p
	return nil
}

func (s *storeStub) GetProjectByID(_ context.Context, id string) (*domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &p, nil
}

func (s *storeStub) ListProjectsByOwner(_ context.Context, ownerID string) ([]domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Project
	for _, p := range s.projects {
		if p.OwnerID == ownerID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *storeStub) DeleteProject(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[id]; !ok {
		return repository.ErrNotFound
	}
	delete(s.projects, id)
	return nil
}

func (s *storeStub) ListProjectFiles(_ context.Context, _ string) ([]domain.ProjectFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ProjectFile
	for path, content := range s.files {
		out = append(out, domain.ProjectFile{Path: path, Content: content})
	}
	return out, nil
}

func (s *storeStub) GetProjectFile(_ context.Context, _, path string) (*domain.ProjectFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	content, ok := s.files[path]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &domain.ProjectFile{Path: path, Content: content}, nil
}

func (s *storeStub) AppendChangeEntry(_ context.Context, entry *domain.ChangeEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *entry
	s.entries[entry.ID] = &copied
	return nil
}

func (s *storeStub) GetChangeEntry(_ context.Context, id string) (*domain.ChangeEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *entry
	return &copied, nil
}

func (s *storeStub) ListChangeEntries(_ context.Context, _ string, _, _ int) ([]domain.ChangeEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ChangeEntry
	for _, entry := range s.entries {
		out = append(out, *entry)
	}
	return out, nil
}

func (s *storeStub) CountUnapplied(_ context.Context, _ string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, entry := range s.entries {
		if !entry.Applied {
			count++
		}
	}
	return count, nil
}

func (s *storeStub) ApplyChangeEntry(_ context.Context, entry *domain.ChangeEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.entries[entry.ID]
	if !ok {
		return repository.ErrNotFound
	}
	for _, op := range entry.Operations {
		switch op.Kind {
		case domain.OpCreate:
			if _, exists := s.files[op.Path]; exists {
				return repository.ErrConflict
			}
			s.files[op.Path] = op.Content
		case domain.OpUpdate:
			if _, exists := s.files[op.Path]; !exists {
				return repository.ErrConflict
			}
			s.files[op.Path] = op.Content
		case domain.OpDelete:
			if _, exists := s.files[op.Path]; !exists {
				return repository.ErrConflict
			}
			delete(s.files, op.Path)
		}
	}
	stored.Applied = true
	return nil
}

func (s *storeStub) CreateSnapshot(_ context.Context, _ *domain.Snapshot) error { return nil }

func (s *storeStub) GetSnapshotByID(_ context.Context, _ string) (*domain.Snapshot, error) {
	return nil, repository.ErrNotFound
}

func (s *storeStub) ListSnapshotsByProject(_ context.Context, _ string) ([]domain.SnapshotInfo, error) {
	return nil, nil
}

func (s *storeStub) ReplaceProjectFiles(_ context.Context, _ string, _ []domain.ProjectFile) error {
	return nil
}

func (s *storeStub) AppendLog(_ context.Context, entry domain.ProjectLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logLines = append(s.logLines, entry)
	return nil
}

func (s *storeStub) ListLogsByProject(_ context.Context, _ string, _, _ int) ([]domain.ProjectLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ProjectLog(nil), s.logLines...), nil
}

type rateLimiterStub struct {
	mu      sync.Mutex
	calls   []string
	allowFn func(key string, limit int, window time.Duration) rateDecision
}

func (rl *rateLimiterStub) Allow(key string, limit int, window time.Duration) rateDecision {
	rl.mu.Lock()
	rl.calls = append(rl.calls, key)
	rl.mu.Unlock()
	if rl.allowFn != nil {
		return rl.allowFn(key, limit, window)
	}
	return rateDecision{allowed: true, count: 1}
}

func (rl *rateLimiterStub) Close() {}

func setupRouter(t *testing.T, store *storeStub, limiter RateLimiter) *Router {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := ws.NewHub()
	t.Cleanup(hub.Shutdown)
	logSvc := logs.New(store, hub, logger)
	locks := commitlock.NewRegistry()
	router := NewRouter(
		logger,
		project.New(store, store, logger),
		changelog.New(store, locks, logger),
		snapshot.New(store, store, locks, logger),
		export.New(store, store, store, store, logger),
		preview.NewManager(nil, store, logSvc, logger, preview.Options{}),
		logSvc,
		limiter,
		nil,
	)
	t.Cleanup(router.Close)
	return router
}

func postJSON(t *testing.T, router *Router, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestProjectLifecycleOverHTTP(t *testing.T) {
	store := newStoreStub()
	router := setupRouter(t, store, &rateLimiterStub{})

	rr := postJSON(t, router, "/projects", map[string]string{
		"owner_id": "owner-1",
		"name":     "todo app",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var created domain.Project
	if err := json.NewDecoder(rr.Body).Decode(&created); err != nil {
		t.Fatalf("decode project: %v", err)
	}
	if created.ID == "" || created.Name != "todo app" {
		t.Fatalf("unexpected project payload: %+v", created)
	}

	req := httptest.NewRequest(http.MethodGet, "/projects/"+created.ID, nil)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 on get, got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodDelete, "/projects/"+created.ID, nil)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 on delete, got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/projects/"+created.ID, nil)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rr.Code)
	}
}

func TestAppendAndApplyChangeOverHTTP(t *testing.T) {
	store := newStoreStub()
	router := setupRouter(t, store, &rateLimiterStub{})

	rr := postJSON(t, router, "/projects/proj-1/changes", map[string]any{
		"operations": []map[string]string{
			{"kind": "create", "path": "main.py", "content": "print('hi')"},
		},
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201 on append, got %d: %s", rr.Code, rr.Body.String())
	}
	var entry domain.ChangeEntry
	if err := json.NewDecoder(rr.Body).Decode(&entry); err != nil {
		t.Fatalf("decode entry: %v", err)
	}
	if entry.Applied {
		t.Fatalf("entry must start unapplied")
	}

	rr = postJSON(t, router, "/projects/proj-1/changes/"+entry.ID+"/apply", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 on apply, got %d: %s", rr.Code, rr.Body.String())
	}
	var applied domain.ChangeEntry
	if err := json.NewDecoder(rr.Body).Decode(&applied); err != nil {
		t.Fatalf("decode applied entry: %v", err)
	}
	if !applied.Applied {
		t.Fatalf("expected applied flag set")
	}
	if store.files["main.py"] != "print('hi')" {
		t.Fatalf("expected file written, got %q", store.files["main.py"])
	}
}

func TestAppendRejectsTraversalPath(t *testing.T) {
	store := newStoreStub()
	router := setupRouter(t, store, &rateLimiterStub{})

	rr := postJSON(t, router, "/projects/proj-1/changes", map[string]any{
		"operations": []map[string]string{
			{"kind": "create", "path": "../escape.py", "content": "x"},
		},
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if len(store.entries) != 0 {
		t.Fatalf("nothing should be persisted for a rejected batch")
	}
}

func TestApplyConflictReturns409(t *testing.T) {
	store := newStoreStub()
	store.files["main.py"] = "original"
	router := setupRouter(t, store, &rateLimiterStub{})

	rr := postJSON(t, router, "/projects/proj-1/changes", map[string]any{
		"operations": []map[string]string{
			{"kind": "create", "path": "main.py", "content": "clobber"},
		},
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("append failed: %d", rr.Code)
	}
	var entry domain.ChangeEntry
	if err := json.NewDecoder(rr.Body).Decode(&entry); err != nil {
		t.Fatalf("decode entry: %v", err)
	}

	rr = postJSON(t, router, "/projects/proj-1/changes/"+entry.ID+"/apply", nil)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rr.Code, rr.Body.String())
	}
	if store.files["main.py"] != "original" {
		t.Fatalf("existing file must survive a conflicting apply")
	}
}

func TestExportBlockedUntilChangesApplied(t *testing.T) {
	store := newStoreStub()
	router := setupRouter(t, store, &rateLimiterStub{})

	rr := postJSON(t, router, "/projects", map[string]string{"owner_id": "owner-1", "name": "shop"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create project failed: %d", rr.Code)
	}
	var proj domain.Project
	if err := json.NewDecoder(rr.Body).Decode(&proj); err != nil {
		t.Fatalf("decode project: %v", err)
	}

	rr = postJSON(t, router, "/projects/"+proj.ID+"/changes", map[string]any{
		"operations": []map[string]string{
			{"kind": "create", "path": "main.py", "content": "print('hi')"},
		},
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("append failed: %d", rr.Code)
	}
	var entry domain.ChangeEntry
	if err := json.NewDecoder(rr.Body).Decode(&entry); err != nil {
		t.Fatalf("decode entry: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/projects/"+proj.ID+"/export", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 while a change is pending, got %d: %s", rec.Code, rec.Body.String())
	}

	rr = postJSON(t, router, "/projects/"+proj.ID+"/changes/"+entry.ID+"/apply", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("apply failed: %d: %s", rr.Code, rr.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/projects/"+proj.ID+"/export", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 after apply, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/zip" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, ".zip") {
		t.Fatalf("unexpected content disposition %q", cd)
	}
	if rec.Body.Len() == 0 {
		t.Fatalf("expected archive bytes in response")
	}
}

func TestRateLimitedRequestGets429(t *testing.T) {
	store := newStoreStub()
	reset := time.Unix(1_950_000_000, 0)
	limiter := &rateLimiterStub{
		allowFn: func(string, int, time.Duration) rateDecision {
			return rateDecision{allowed: false, count: rateLimitWrite, windowEnd: reset}
		},
	}
	router := setupRouter(t, store, limiter)

	rr := postJSON(t, router, "/projects", map[string]string{"owner_id": "o", "name": "n"})
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if got := rr.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Fatalf("unexpected remaining header: %q", got)
	}
	if got := rr.Header().Get("X-RateLimit-Reset"); got != "1950000000" {
		t.Fatalf("unexpected reset header: %q", got)
	}
	if len(store.projects) != 0 {
		t.Fatalf("limited request must not reach the service")
	}
}

func TestPreviewStatusDefaultsToIdle(t *testing.T) {
	store := newStoreStub()
	router := setupRouter(t, store, &rateLimiterStub{})

	req := httptest.NewRequest(http.MethodGet, "/projects/proj-1/preview", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var payload struct {
		State string `json:"state"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if payload.State != "idle" {
		t.Fatalf("expected idle state, got %q", payload.State)
	}
}

func TestPreviewHotWriteWithoutSessionConflicts(t *testing.T) {
	store := newStoreStub()
	router := setupRouter(t, store, &rateLimiterStub{})

	rr := postJSON(t, router, "/projects/proj-1/preview/write", map[string]string{
		"path":    "main.py",
		"content": "print('patched')",
	})
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 without a live session, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestHealthzReportsDegradedDatabase(t *testing.T) {
	store := newStoreStub()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := ws.NewHub()
	t.Cleanup(hub.Shutdown)
	logSvc := logs.New(store, hub, logger)
	locks := commitlock.NewRegistry()
	router := NewRouter(
		logger,
		project.New(store, store, logger),
		changelog.New(store, locks, logger),
		snapshot.New(store, store, locks, logger),
		export.New(store, store, store, store, logger),
		preview.NewManager(nil, store, logSvc, logger, preview.Options{}),
		logSvc,
		&rateLimiterStub{},
		func(context.Context) error { return errors.New("connection refused") },
	)
	t.Cleanup(router.Close)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	var payload struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode health payload: %v", err)
	}
	if payload.Status != "degraded" {
		t.Fatalf("expected degraded status, got %q", payload.Status)
	}
}
