// Package export packages a project's file set into a downloadable zip
// archive. Export refuses to run while unapplied change entries exist, so
// the archive always reflects a fully committed state.
package export

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorillabuilder-code/Gorilla-builder/internal/repository"
)

// ErrPendingChanges indicates unapplied change entries block the export.
var ErrPendingChanges = errors.New("export: unapplied change entries pending, apply or revert first")

const (
	manifestPath      = "project.manifest.json"
	snapshotIndexPath = "snapshots/index.json"
	archiveFormat     = "gorilla-export-v1"
)

// Archive is a packaged project ready for download.
type Archive struct {
	Filename string
	Content  []byte
}

type manifest struct {
	ProjectID     string `json:"project_id"`
	ExportedAt    string `json:"exported_at"`
	FileCount     int    `json:"file_count"`
	SnapshotCount int    `json:"snapshot_count"`
	Format        string `json:"format"`
}

type snapshotIndex struct {
	Snapshots []snapshotMarker `json:"snapshots"`
}

// snapshotMarker records that a snapshot existed at export time. The blob
// itself stays in the database; the archive only carries the marker.
type snapshotMarker struct {
	ID        string    `json:"id"`
	Label     string    `json:"label"`
	CreatedAt time.Time `json:"created_at"`
}

// Service exposes the project export operation.
type Service struct {
	projects  repository.ProjectRepository
	files     repository.FileRepository
	changes   repository.ChangeLogRepository
	snapshots repository.SnapshotRepository
	logger    *slog.Logger
	now       func() time.Time
}

// New returns an export service.
func New(projects repository.ProjectRepository, files repository.FileRepository, changes repository.ChangeLogRepository, snapshots repository.SnapshotRepository, logger *slog.Logger) Service {
	if logger == nil {
		logger = slog.Default()
	}
	return Service{
		projects:  projects,
		files:     files,
		changes:   changes,
		snapshots: snapshots,
		logger:    logger.With("component", "export"),
		now:       time.Now,
	}
}

// Package bundles the project's committed file set, a manifest, and the
// snapshot index into a zip archive. Unapplied change entries abort the
// export with ErrPendingChanges.
func (s Service) Package(ctx context.Context, projectID string) (*Archive, error) {
	if _, err := s.projects.GetProjectByID(ctx, projectID); err != nil {
		return nil, err
	}

	pending, err := s.changes.CountUnapplied(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if pending > 0 {
		return nil, fmt.Errorf("%w (%d pending)", ErrPendingChanges, pending)
	}

	files, err := s.files.ListProjectFiles(ctx, projectID)
	if err != nil {
		return nil, err
	}
	snapshots, err := s.snapshots.ListSnapshotsByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	exportedAt := s.now().UTC()
	var buf bytes.Buffer
	archive := zip.NewWriter(&buf)

	for _, file := range files {
		entry, err := archive.Create(file.Path)
		if err != nil {
			return nil, fmt.Errorf("archive %s: %w", file.Path, err)
		}
		if _, err := entry.Write([]byte(file.Content)); err != nil {
			return nil, fmt.Errorf("archive %s: %w", file.Path, err)
		}
	}

	if err := writeJSONEntry(archive, manifestPath, manifest{
		ProjectID:     projectID,
		ExportedAt:    exportedAt.Format("20060102-150405"),
		FileCount:     len(files),
		SnapshotCount: len(snapshots),
		Format:        archiveFormat,
	}); err != nil {
		return nil, err
	}

	index := snapshotIndex{Snapshots: make([]snapshotMarker, 0, len(snapshots))}
	for _, snap := range snapshots {
		index.Snapshots = append(index.Snapshots, snapshotMarker{
			ID:        snap.ID,
			Label:     snap.Label,
			CreatedAt: snap.CreatedAt,
		})
	}
	if err := writeJSONEntry(archive, snapshotIndexPath, index); err != nil {
		return nil, err
	}

	if err := archive.Close(); err != nil {
		return nil, fmt.Errorf("finalize archive: %w", err)
	}

	s.logger.Info("project exported", "project_id", projectID, "files", len(files), "bytes", buf.Len())
	return &Archive{
		Filename: fmt.Sprintf("gorilla_app_%s_%s.zip", projectID, exportedAt.Format("20060102-150405")),
		Content:  buf.Bytes(),
	}, nil
}

func writeJSONEntry(archive *zip.Writer, path string, payload any) error {
	entry, err := archive.Create(path)
	if err != nil {
		return fmt.Errorf("archive %s: %w", path, err)
	}
	if err := json.NewEncoder(entry).Encode(payload); err != nil {
		return fmt.Errorf("archive %s: %w", path, err)
	}
	return nil
}
