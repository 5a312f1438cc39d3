// Package snapshot checkpoints and restores a project's full file set. A
// snapshot is self-contained: restoring replaces the live files wholesale
// and never replays the change log.
package snapshot

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/gorillabuilder-code/Gorilla-builder/internal/commitlock"
	"github.com/gorillabuilder-code/Gorilla-builder/internal/domain"
	"github.com/gorillabuilder-code/Gorilla-builder/internal/repository"
)

// snapshotFile is the stored form of one file inside the blob.
type snapshotFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Service exposes snapshot operations.
type Service struct {
	snapshots repository.SnapshotRepository
	files     repository.FileRepository
	locks     *commitlock.Registry
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
}

// New returns a snapshot service.
func New(snapshots repository.SnapshotRepository, files repository.FileRepository, locks *commitlock.Registry, logger *slog.Logger) Service {
	if logger == nil {
		logger = slog.Default()
	}
	return Service{
		snapshots: snapshots,
		files:     files,
		locks:     locks,
		logger:    logger.With("component", "snapshot"),
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// Create captures the project's current file set as a compressed blob.
func (s Service) Create(ctx context.Context, projectID, label string) (*domain.SnapshotInfo, error) {
	files, err := s.files.ListProjectFiles(ctx, projectID)
	if err != nil {
		return nil, err
	}

	data, err := encodeFileSet(files)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}

	snapshot := &domain.Snapshot{
		ID:        s.newID(),
		ProjectID: projectID,
		Label:     label,
		Data:      data,
		CreatedAt: s.now().UTC(),
	}
	if err := s.snapshots.CreateSnapshot(ctx, snapshot); err != nil {
		return nil, err
	}
	s.logger.Info("snapshot created", "project_id", projectID, "snapshot_id", snapshot.ID, "files", len(files), "bytes", len(data))
	return &domain.SnapshotInfo{
		ID:        snapshot.ID,
		ProjectID: snapshot.ProjectID,
		Label:     snapshot.Label,
		SizeBytes: int64(len(data)),
		CreatedAt: snapshot.CreatedAt,
	}, nil
}

// Restore replaces the project's live file set with the snapshot's content,
// byte for byte, under the project commit lock. Change log entries are left
// untouched; entries appended before the snapshot stay in whatever applied
// state they were in.
func (s Service) Restore(ctx context.Context, snapshotID string) (int, error) {
	snapshot, err := s.snapshots.GetSnapshotByID(ctx, snapshotID)
	if err != nil {
		return 0, err
	}

	files, err := decodeFileSet(snapshot.Data)
	if err != nil {
		return 0, fmt.Errorf("decode snapshot %s: %w", snapshotID, err)
	}

	unlock := s.locks.Lock(snapshot.ProjectID)
	defer unlock()

	restored := make([]domain.ProjectFile, 0, len(files))
	for _, file := range files {
		restored = append(restored, domain.ProjectFile{
			ProjectID: snapshot.ProjectID,
			Path:      file.Path,
			Content:   file.Content,
		})
	}
	if err := s.snapshots.ReplaceProjectFiles(ctx, snapshot.ProjectID, restored); err != nil {
		return 0, err
	}
	s.logger.Info("snapshot restored", "project_id", snapshot.ProjectID, "snapshot_id", snapshotID, "files", len(restored))
	return len(restored), nil
}

// List returns snapshot metadata for a project.
func (s Service) List(ctx context.Context, projectID string) ([]domain.SnapshotInfo, error) {
	return s.snapshots.ListSnapshotsByProject(ctx, projectID)
}

func encodeFileSet(files []domain.ProjectFile) ([]byte, error) {
	entries := make([]snapshotFile, 0, len(files))
	for _, file := range files {
		entries = append(entries, snapshotFile{Path: file.Path, Content: file.Content})
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if err := json.NewEncoder(gz).Encode(entries); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeFileSet(data []byte) ([]snapshotFile, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer gz.Close()

	var entries []snapshotFile
	if err := json.NewDecoder(gz).Decode(&entries); err != nil && err != io.EOF {
		return nil, err
	}
	return entries, nil
}
