package repository

import (
	"context"

	"github.com/gorillabuilder-code/Gorilla-builder/internal/domain"
)

// ProjectRepository persists projects.
type ProjectRepository interface {
	CreateProject(ctx context.Context, project *domain.Project) error
	GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error)
	ListProjectsByOwner(ctx context.Context, ownerID string) ([]domain.Project, error)
	DeleteProject(ctx context.Context, projectID string) error
}

// FileRepository reads the virtual file system. Writes go through
// ChangeLogRepository.ApplyChangeEntry or SnapshotRepository.ReplaceProjectFiles
// so that every mutation is either a committed change entry or a restore.
type FileRepository interface {
	ListProjectFiles(ctx context.Context, projectID string) ([]domain.ProjectFile, error)
	GetProjectFile(ctx context.Context, projectID, path string) (*domain.ProjectFile, error)
}

// ChangeLogRepository persists the project change log.
type ChangeLogRepository interface {
	AppendChangeEntry(ctx context.Context, entry *domain.ChangeEntry) error
	GetChangeEntry(ctx context.Context, entryID string) (*domain.ChangeEntry, error)
	ListChangeEntries(ctx context.Context, projectID string, limit, offset int) ([]domain.ChangeEntry, error)
	CountUnapplied(ctx context.Context, projectID string) (int, error)
	// ApplyChangeEntry executes every operation of the entry and flips its
	// applied flag in a single transaction. Preconditions that fail inside
	// the transaction surface as ErrConflict and leave nothing written.
	ApplyChangeEntry(ctx context.Context, entry *domain.ChangeEntry) error
}

// SnapshotRepository persists project snapshots.
type SnapshotRepository interface {
	CreateSnapshot(ctx context.Context, snapshot *domain.Snapshot) error
	GetSnapshotByID(ctx context.Context, snapshotID string) (*domain.Snapshot, error)
	ListSnapshotsByProject(ctx context.Context, projectID string) ([]domain.SnapshotInfo, error)
	// ReplaceProjectFiles swaps the project's entire file set in one
	// transaction: all existing rows are removed and the given files
	// inserted in their place.
	ReplaceProjectFiles(ctx context.Context, projectID string, files []domain.ProjectFile) error
}

// LogRepository handles log persistence and retrieval.
type LogRepository interface {
	AppendLog(ctx context.Context, log domain.ProjectLog) error
	ListLogsByProject(ctx context.Context, projectID string, limit, offset int) ([]domain.ProjectLog, error)
}
