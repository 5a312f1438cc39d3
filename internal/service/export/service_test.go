package export

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/gorillabuilder-code/Gorilla-builder/internal/domain"
	"github.com/gorillabuilder-code/Gorilla-builder/internal/repository"
)

type fakeStore struct {
	project   *domain.Project
	files     []domain.ProjectFile
	unapplied int
	snapshots []domain.SnapshotInfo
}

func (f *fakeStore) CreateProject(context.Context, *domain.Project) error { return nil }

func (f *fakeStore) GetProjectByID(_ context.Context, projectID string) (*domain.Project, error) {
	if f.project == nil || f.project.ID != projectID {
		return nil, repository.ErrNotFound
	}
	clone := *f.project
	return &clone, nil
}

func (f *fakeStore) ListProjectsByOwner(context.Context, string) ([]domain.Project, error) {
	return nil, nil
}

func (f *fakeStore) DeleteProject(context.Context, string) error { return nil }

func (f *fakeStore) ListProjectFiles(context.Context, string) ([]domain.ProjectFile, error) {
	return f.files, nil
}

func (f *fakeStore) GetProjectFile(context.Context, string, string) (*domain.ProjectFile, error) {
	return nil, repository.ErrNotFound
}

func (f *fakeStore) AppendChangeEntry(context.Context, *domain.ChangeEntry) error { return nil }

func (f *fakeStore) GetChangeEntry(context.Context, string) (*domain.ChangeEntry, error) {
	return nil, repository.ErrNotFound
}

func (f *fakeStore) ListChangeEntries(context.Context, string, int, int) ([]domain.ChangeEntry, error) {
	return nil, nil
}

func (f *fakeStore) CountUnapplied(context.Context, string) (int, error) {
	return f.unapplied, nil
}

func (f *fakeStore) ApplyChangeEntry(context.Context, *domain.ChangeEntry) error { return nil }

func (f *fakeStore) CreateSnapshot(context.Context, *domain.Snapshot) error { return nil }

func (f *fakeStore) GetSnapshotByID(context.Context, string) (*domain.Snapshot, error) {
	return nil, repository.ErrNotFound
}

func (f *fakeStore) ListSnapshotsByProject(context.Context, string) ([]domain.SnapshotInfo, error) {
	return f.snapshots, nil
}

func (f *fakeStore) ReplaceProjectFiles(context.Context, string, []domain.ProjectFile) error {
	return nil
}

func newTestService(store *fakeStore) Service {
	svc := New(store, store, store, store, nil)
	svc.now = func() time.Time { return time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC) }
	return svc
}

func readArchive(t *testing.T, content []byte) map[string]string {
	t.Helper()
	reader, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	entries := map[string]string{}
	for _, file := range reader.File {
		rc, err := file.Open()
		if err != nil {
			t.Fatalf("open %s: %v", file.Name, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatalf("read %s: %v", file.Name, err)
		}
		entries[file.Name] = string(data)
	}
	return entries
}

func TestPackageBundlesFilesManifestAndSnapshotIndex(t *testing.T) {
	store := &fakeStore{
		project: &domain.Project{ID: "proj-1", OwnerID: "owner-1", Name: "shop"},
		files: []domain.ProjectFile{
			{ProjectID: "proj-1", Path: "main.py", Content: "print('hi')"},
			{ProjectID: "proj-1", Path: "app/routes.py", Content: "routes = []"},
		},
		snapshots: []domain.SnapshotInfo{
			{ID: "snap-1", ProjectID: "proj-1", Label: "before refactor", CreatedAt: time.Date(2026, 3, 13, 12, 0, 0, 0, time.UTC)},
		},
	}
	svc := newTestService(store)

	archive, err := svc.Package(context.Background(), "proj-1")
	if err != nil {
		t.Fatalf("package: %v", err)
	}
	if archive.Filename != "gorilla_app_proj-1_20260314-093000.zip" {
		t.Fatalf("unexpected filename %q", archive.Filename)
	}

	entries := readArchive(t, archive.Content)
	if len(entries) != 4 {
		t.Fatalf("expected 4 archive entries, got %d", len(entries))
	}
	if entries["main.py"] != "print('hi')" {
		t.Fatalf("unexpected main.py content %q", entries["main.py"])
	}
	if entries["app/routes.py"] != "routes = []" {
		t.Fatalf("unexpected routes.py content %q", entries["app/routes.py"])
	}

	var m manifest
	if err := json.Unmarshal([]byte(entries["project.manifest.json"]), &m); err != nil {
		t.Fatalf("decode manifest: %v", err)
	}
	if m.ProjectID != "proj-1" || m.FileCount != 2 || m.SnapshotCount != 1 || m.Format != archiveFormat {
		t.Fatalf("unexpected manifest %+v", m)
	}

	var index snapshotIndex
	if err := json.Unmarshal([]byte(entries["snapshots/index.json"]), &index); err != nil {
		t.Fatalf("decode snapshot index: %v", err)
	}
	if len(index.Snapshots) != 1 || index.Snapshots[0].ID != "snap-1" || index.Snapshots[0].Label != "before refactor" {
		t.Fatalf("unexpected snapshot index %+v", index)
	}
}

func TestPackageRefusesWithPendingChanges(t *testing.T) {
	store := &fakeStore{
		project:   &domain.Project{ID: "proj-1"},
		unapplied: 2,
	}
	svc := newTestService(store)

	_, err := svc.Package(context.Background(), "proj-1")
	if !errors.Is(err, ErrPendingChanges) {
		t.Fatalf("expected ErrPendingChanges, got %v", err)
	}
}

func TestPackageUnknownProjectNotFound(t *testing.T) {
	svc := newTestService(&fakeStore{})

	_, err := svc.Package(context.Background(), "missing")
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
