// Package changelog maintains the per-project write-ahead log of file
// operations. Appending records intent; applying executes an entry's
// operations atomically against the virtual file system.
package changelog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gorillabuilder-code/Gorilla-builder/internal/commitlock"
	"github.com/gorillabuilder-code/Gorilla-builder/internal/domain"
	"github.com/gorillabuilder-code/Gorilla-builder/internal/repository"
)

// ErrInvalidOperation indicates an append was rejected by validation.
// Nothing is persisted for the offending request.
var ErrInvalidOperation = errors.New("changelog: invalid operation")

// ErrApplyConflict indicates an apply found live state that no longer
// matches an operation's precondition. The entry stays unapplied.
var ErrApplyConflict = errors.New("changelog: apply conflict")

// Service exposes change log operations.
type Service struct {
	entries repository.ChangeLogRepository
	locks   *commitlock.Registry
	logger  *slog.Logger
	now     func() time.Time
	newID   func() string
}

// New returns a change log service.
func New(entries repository.ChangeLogRepository, locks *commitlock.Registry, logger *slog.Logger) Service {
	if logger == nil {
		logger = slog.Default()
	}
	return Service{
		entries: entries,
		locks:   locks,
		logger:  logger.With("component", "changelog"),
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// Append validates and records a new change entry. Validation covers every
// operation before anything is written: one bad operation rejects the whole
// batch.
func (s Service) Append(ctx context.Context, projectID string, ops []domain.FileOperation) (*domain.ChangeEntry, error) {
	if len(ops) == 0 {
		return nil, fmt.Errorf("empty operation list: %w", ErrInvalidOperation)
	}
	normalized := make([]domain.FileOperation, 0, len(ops))
	for i, op := range ops {
		valid, err := normalizeOperation(op)
		if err != nil {
			return nil, fmt.Errorf("operation %d: %w", i, err)
		}
		normalized = append(normalized, valid)
	}

	entry := &domain.ChangeEntry{
		ID:         s.newID(),
		ProjectID:  projectID,
		Operations: normalized,
		Applied:    false,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.entries.AppendChangeEntry(ctx, entry); err != nil {
		return nil, err
	}
	s.logger.Info("change entry appended", "project_id", projectID, "entry_id", entry.ID, "ops", len(normalized))
	return entry, nil
}

// Apply executes a change entry under the project's commit lock. Applying an
// already-applied entry is a no-op that reports the recorded success; it
// never re-executes operations. On any precondition or write failure the
// whole entry rolls back and the applied flag stays false.
func (s Service) Apply(ctx context.Context, entryID string) (*domain.ChangeEntry, error) {
	entry, err := s.entries.GetChangeEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(entry.ProjectID)
	defer unlock()

	// Re-read under the lock; a concurrent apply may have won.
	entry, err = s.entries.GetChangeEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if entry.Applied {
		return entry, nil
	}

	if err := s.entries.ApplyChangeEntry(ctx, entry); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			s.logger.Warn("change entry conflicted", "entry_id", entryID, "error", err)
			return nil, fmt.Errorf("apply %s: %w", entryID, ErrApplyConflict)
		}
		return nil, err
	}
	entry.Applied = true
	s.logger.Info("change entry applied", "project_id", entry.ProjectID, "entry_id", entryID)
	return entry, nil
}

// Get returns one entry.
func (s Service) Get(ctx context.Context, entryID string) (*domain.ChangeEntry, error) {
	return s.entries.GetChangeEntry(ctx, entryID)
}

// List returns a project's entries in creation order.
func (s Service) List(ctx context.Context, projectID string, limit, offset int) ([]domain.ChangeEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return s.entries.ListChangeEntries(ctx, projectID, limit, offset)
}

// PendingCount reports how many of a project's entries are still unapplied.
func (s Service) PendingCount(ctx context.Context, projectID string) (int, error) {
	return s.entries.CountUnapplied(ctx, projectID)
}

func normalizeOperation(op domain.FileOperation) (domain.FileOperation, error) {
	switch op.Kind {
	case domain.OpCreate, domain.OpUpdate:
		if op.Content == "" {
			return op, fmt.Errorf("%s %s: content required: %w", op.Kind, op.Path, ErrInvalidOperation)
		}
	case domain.OpDelete:
		op.Content = ""
	default:
		return op, fmt.Errorf("kind %q: %w", op.Kind, ErrInvalidOperation)
	}

	path, err := normalizePath(op.Path)
	if err != nil {
		return op, err
	}
	op.Path = path
	return op, nil
}

// normalizePath enforces the stored-path invariant: forward slashes, no
// leading slash, no empty or dot segments. Traversal attempts are rejected
// rather than resolved.
func normalizePath(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", fmt.Errorf("empty path: %w", ErrInvalidOperation)
	}
	if strings.ContainsRune(raw, '\\') {
		return "", fmt.Errorf("path %q: backslashes not allowed: %w", raw, ErrInvalidOperation)
	}
	if strings.HasPrefix(raw, "/") {
		return "", fmt.Errorf("path %q: absolute paths not allowed: %w", raw, ErrInvalidOperation)
	}
	for _, segment := range strings.Split(raw, "/") {
		switch segment {
		case "":
			return "", fmt.Errorf("path %q: empty segment: %w", raw, ErrInvalidOperation)
		case ".", "..":
			return "", fmt.Errorf("path %q: dot segments not allowed: %w", raw, ErrInvalidOperation)
		}
	}
	return raw, nil
}
