package postgres

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gorillabuilder-code/Gorilla-builder/internal/domain"
	"github.com/gorillabuilder-code/Gorilla-builder/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.ProjectRepository   = (*Repository)(nil)
	_ repository.FileRepository      = (*Repository)(nil)
	_ repository.ChangeLogRepository = (*Repository)(nil)
	_ repository.SnapshotRepository  = (*Repository)(nil)
	_ repository.LogRepository       = (*Repository)(nil)
)

// CreateProject inserts a project.
func (r *Repository) CreateProject(ctx context.Context, project *domain.Project) error {
	const query = `INSERT INTO projects (id, owner_id, name, description, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)`
	_, err := r.pool.Exec(ctx, query, project.ID, project.OwnerID, project.Name, project.Description, project.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23505", "22P02", "23514":
				return repository.ErrInvalidArgument
			}
		}
		return err
	}
	return nil
}

// GetProjectByID fetches project details.
func (r *Repository) GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error) {
	const query = `SELECT id, owner_id, name, description, created_at, updated_at
		FROM projects WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, projectID)
	var project domain.Project
	if err := row.Scan(&project.ID, &project.OwnerID, &project.Name, &project.Description, &project.CreatedAt, &project.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &project, nil
}

// ListProjectsByOwner returns projects owned by the user, newest first.
func (r *Repository) ListProjectsByOwner(ctx context.Context, ownerID string) ([]domain.Project, error) {
	const query = `SELECT id, owner_id, name, description, created_at, updated_at
		FROM projects WHERE owner_id = $1 ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, query, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	projects := make([]domain.Project, 0)
	for rows.Next() {
		var project domain.Project
		if err := rows.Scan(&project.ID, &project.OwnerID, &project.Name, &project.Description, &project.CreatedAt, &project.UpdatedAt); err != nil {
			return nil, err
		}
		projects = append(projects, project)
	}
	return projects, rows.Err()
}

// DeleteProject removes a project; files, change log, snapshots and logs
// cascade at the schema level.
func (r *Repository) DeleteProject(ctx context.Context, projectID string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM projects WHERE id = $1`, projectID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListProjectFiles returns the project's full file set ordered by path.
func (r *Repository) ListProjectFiles(ctx context.Context, projectID string) ([]domain.ProjectFile, error) {
	const query = `SELECT project_id, path, content, content_hash, updated_at
		FROM project_files WHERE project_id = $1 ORDER BY path`
	rows, err := r.pool.Query(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	files := make([]domain.ProjectFile, 0)
	for rows.Next() {
		var file domain.ProjectFile
		if err := rows.Scan(&file.ProjectID, &file.Path, &file.Content, &file.ContentHash, &file.UpdatedAt); err != nil {
			return nil, err
		}
		files = append(files, file)
	}
	return files, rows.Err()
}

// GetProjectFile fetches a single file by path.
func (r *Repository) GetProjectFile(ctx context.Context, projectID, path string) (*domain.ProjectFile, error) {
	const query = `SELECT project_id, path, content, content_hash, updated_at
		FROM project_files WHERE project_id = $1 AND path = $2`
	row := r.pool.QueryRow(ctx, query, projectID, path)
	var file domain.ProjectFile
	if err := row.Scan(&file.ProjectID, &file.Path, &file.Content, &file.ContentHash, &file.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &file, nil
}

// AppendLog stores a log line.
func (r *Repository) AppendLog(ctx context.Context, log domain.ProjectLog) error {
	const query = `INSERT INTO project_logs (project_id, channel, message, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := r.pool.Exec(ctx, query, log.ProjectID, log.Channel, log.Message, bytesToNil(log.Metadata), log.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return repository.ErrNotFound
		}
		return err
	}
	return nil
}

// ListLogsByProject returns persisted logs for a project, oldest first.
func (r *Repository) ListLogsByProject(ctx context.Context, projectID string, limit, offset int) ([]domain.ProjectLog, error) {
	const query = `SELECT id, project_id, channel, message, COALESCE(metadata, 'null'::jsonb), created_at
		FROM project_logs WHERE project_id = $1 ORDER BY id ASC LIMIT $2 OFFSET $3`
	rows, err := r.pool.Query(ctx, query, projectID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.ProjectLog, 0)
	for rows.Next() {
		var log domain.ProjectLog
		if err := rows.Scan(&log.ID, &log.ProjectID, &log.Channel, &log.Message, &log.Metadata, &log.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, log)
	}
	return logs, rows.Err()
}

func hashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func bytesToNil(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
