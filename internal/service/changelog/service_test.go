package changelog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/gorillabuilder-code/Gorilla-builder/internal/commitlock"
	"github.com/gorillabuilder-code/Gorilla-builder/internal/domain"
	"github.com/gorillabuilder-code/Gorilla-builder/internal/repository"
)

// fakeChangeLogRepo keeps entries and a file map in memory, applying entries
// with the same all-or-nothing semantics the database transaction provides.
type fakeChangeLogRepo struct {
	mu      sync.Mutex
	entries map[string]*domain.ChangeEntry
	order   []string
	files   map[string]string
	applies int
}

func newFakeChangeLogRepo() *fakeChangeLogRepo {
	return &fakeChangeLogRepo{
		entries: map[string]*domain.ChangeEntry{},
		files:   map[string]string{},
	}
}

func (f *fakeChangeLogRepo) AppendChangeEntry(_ context.Context, entry *domain.ChangeEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *entry
	f.entries[entry.ID] = &clone
	f.order = append(f.order, entry.ID)
	return nil
}

func (f *fakeChangeLogRepo) GetChangeEntry(_ context.Context, entryID string) (*domain.ChangeEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.entries[entryID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	clone := *entry
	return &clone, nil
}

func (f *fakeChangeLogRepo) ListChangeEntries(_ context.Context, projectID string, limit, offset int) ([]domain.ChangeEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries := make([]domain.ChangeEntry, 0)
	for _, id := range f.order {
		if entry := f.entries[id]; entry.ProjectID == projectID {
			entries = append(entries, *entry)
		}
	}
	return entries, nil
}

func (f *fakeChangeLogRepo) CountUnapplied(_ context.Context, projectID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, entry := range f.entries {
		if entry.ProjectID == projectID && !entry.Applied {
			count++
		}
	}
	return count, nil
}

func (f *fakeChangeLogRepo) ApplyChangeEntry(_ context.Context, entry *domain.ChangeEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applies++

	stored, ok := f.entries[entry.ID]
	if !ok {
		return repository.ErrNotFound
	}
	if stored.Applied {
		return repository.ErrConflict
	}

	staged := make(map[string]string, len(f.files))
	for path, content := range f.files {
		staged[path] = content
	}
	for _, op := range entry.Operations {
		switch op.Kind {
		case domain.OpCreate:
			if _, exists := staged[op.Path]; exists {
				return fmt.Errorf("create %s: %w", op.Path, repository.ErrConflict)
			}
			staged[op.Path] = op.Content
		case domain.OpUpdate:
			if _, exists := staged[op.Path]; !exists {
				return fmt.Errorf("update %s: %w", op.Path, repository.ErrConflict)
			}
			staged[op.Path] = op.Content
		case domain.OpDelete:
			if _, exists := staged[op.Path]; !exists {
				return fmt.Errorf("delete %s: %w", op.Path, repository.ErrConflict)
			}
			delete(staged, op.Path)
		default:
			return repository.ErrInvalidArgument
		}
	}

	f.files = staged
	stored.Applied = true
	return nil
}

func newTestService(repo *fakeChangeLogRepo) Service {
	svc := New(repo, commitlock.NewRegistry(), nil)
	counter := 0
	svc.newID = func() string {
		counter++
		return fmt.Sprintf("entry-%d", counter)
	}
	return svc
}

func TestAppendRejectsTraversalPaths(t *testing.T) {
	repo := newFakeChangeLogRepo()
	svc := newTestService(repo)

	cases := []string{
		"/etc/passwd",
		"../outside.py",
		"app/../../escape.py",
		"app//double.py",
		"",
		"  ",
	}
	for _, path := range cases {
		_, err := svc.Append(context.Background(), "proj-1", []domain.FileOperation{
			{Kind: domain.OpCreate, Path: path, Content: "x"},
		})
		if !errors.Is(err, ErrInvalidOperation) {
			t.Fatalf("path %q: expected ErrInvalidOperation, got %v", path, err)
		}
	}
	if len(repo.order) != 0 {
		t.Fatalf("rejected operations were persisted")
	}
}

func TestAppendRejectsWholeBatchOnOneBadOperation(t *testing.T) {
	repo := newFakeChangeLogRepo()
	svc := newTestService(repo)

	_, err := svc.Append(context.Background(), "proj-1", []domain.FileOperation{
		{Kind: domain.OpCreate, Path: "main.py", Content: "print()"},
		{Kind: domain.OpCreate, Path: "../evil.py", Content: "x"},
	})
	if !errors.Is(err, ErrInvalidOperation) {
		t.Fatalf("expected ErrInvalidOperation, got %v", err)
	}
	if len(repo.order) != 0 {
		t.Fatalf("partial batch was persisted")
	}
}

func TestAppendRejectsMissingContentAndUnknownKind(t *testing.T) {
	repo := newFakeChangeLogRepo()
	svc := newTestService(repo)

	_, err := svc.Append(context.Background(), "proj-1", []domain.FileOperation{
		{Kind: domain.OpCreate, Path: "main.py"},
	})
	if !errors.Is(err, ErrInvalidOperation) {
		t.Fatalf("expected content error, got %v", err)
	}

	_, err = svc.Append(context.Background(), "proj-1", []domain.FileOperation{
		{Kind: "rename", Path: "main.py", Content: "x"},
	})
	if !errors.Is(err, ErrInvalidOperation) {
		t.Fatalf("expected kind error, got %v", err)
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	repo := newFakeChangeLogRepo()
	svc := newTestService(repo)

	entry, err := svc.Append(context.Background(), "proj-1", []domain.FileOperation{
		{Kind: domain.OpCreate, Path: "main.py", Content: "print('v1')"},
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	first, err := svc.Apply(context.Background(), entry.ID)
	if err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if !first.Applied {
		t.Fatalf("expected applied flag set")
	}

	second, err := svc.Apply(context.Background(), entry.ID)
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if !second.Applied {
		t.Fatalf("expected recorded success on re-apply")
	}
	if repo.applies != 1 {
		t.Fatalf("expected operations executed once, got %d", repo.applies)
	}
	if repo.files["main.py"] != "print('v1')" {
		t.Fatalf("unexpected file state %v", repo.files)
	}
}

func TestApplyRollsBackWholeEntryOnConflict(t *testing.T) {
	repo := newFakeChangeLogRepo()
	repo.files["existing.py"] = "old"
	svc := newTestService(repo)

	entry, err := svc.Append(context.Background(), "proj-1", []domain.FileOperation{
		{Kind: domain.OpUpdate, Path: "existing.py", Content: "new"},
		{Kind: domain.OpDelete, Path: "missing.py"},
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	_, err = svc.Apply(context.Background(), entry.ID)
	if !errors.Is(err, ErrApplyConflict) {
		t.Fatalf("expected ErrApplyConflict, got %v", err)
	}

	if repo.files["existing.py"] != "old" {
		t.Fatalf("partial apply leaked: %v", repo.files)
	}
	stored, _ := repo.GetChangeEntry(context.Background(), entry.ID)
	if stored.Applied {
		t.Fatalf("conflicted entry marked applied")
	}
}

func TestPendingCountTracksUnappliedEntries(t *testing.T) {
	repo := newFakeChangeLogRepo()
	svc := newTestService(repo)

	first, _ := svc.Append(context.Background(), "proj-1", []domain.FileOperation{
		{Kind: domain.OpCreate, Path: "a.py", Content: "a"},
	})
	svc.Append(context.Background(), "proj-1", []domain.FileOperation{
		{Kind: domain.OpCreate, Path: "b.py", Content: "b"},
	})

	count, err := svc.PendingCount(context.Background(), "proj-1")
	if err != nil || count != 2 {
		t.Fatalf("expected 2 pending, got %d err=%v", count, err)
	}

	if _, err := svc.Apply(context.Background(), first.ID); err != nil {
		t.Fatalf("apply: %v", err)
	}
	count, _ = svc.PendingCount(context.Background(), "proj-1")
	if count != 1 {
		t.Fatalf("expected 1 pending after apply, got %d", count)
	}
}
