package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/gorillabuilder-code/Gorilla-builder/internal/domain"
	"github.com/gorillabuilder-code/Gorilla-builder/internal/repository"
)

// CreateSnapshot stores a snapshot blob.
func (r *Repository) CreateSnapshot(ctx context.Context, snapshot *domain.Snapshot) error {
	const query = `INSERT INTO snapshots (id, project_id, label, data, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	if _, err := r.pool.Exec(ctx, query, snapshot.ID, snapshot.ProjectID, snapshot.Label, snapshot.Data, snapshot.CreatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return repository.ErrNotFound
		}
		return err
	}
	return nil
}

// GetSnapshotByID fetches a snapshot including its payload.
func (r *Repository) GetSnapshotByID(ctx context.Context, snapshotID string) (*domain.Snapshot, error) {
	const query = `SELECT id, project_id, label, data, created_at FROM snapshots WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, snapshotID)
	var snapshot domain.Snapshot
	if err := row.Scan(&snapshot.ID, &snapshot.ProjectID, &snapshot.Label, &snapshot.Data, &snapshot.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &snapshot, nil
}

// ListSnapshotsByProject returns snapshot metadata, newest first.
func (r *Repository) ListSnapshotsByProject(ctx context.Context, projectID string) ([]domain.SnapshotInfo, error) {
	const query = `SELECT id, project_id, label, length(data), created_at
		FROM snapshots WHERE project_id = $1 ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	infos := make([]domain.SnapshotInfo, 0)
	for rows.Next() {
		var info domain.SnapshotInfo
		if err := rows.Scan(&info.ID, &info.ProjectID, &info.Label, &info.SizeBytes, &info.CreatedAt); err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

// ReplaceProjectFiles swaps the project's entire file set in one transaction.
func (r *Repository) ReplaceProjectFiles(ctx context.Context, projectID string, files []domain.ProjectFile) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM project_files WHERE project_id = $1`, projectID); err != nil {
		return err
	}

	if len(files) > 0 {
		batch := &pgx.Batch{}
		const insert = `INSERT INTO project_files (project_id, path, content, content_hash, updated_at)
			VALUES ($1, $2, $3, $4, NOW())`
		for _, file := range files {
			batch.Queue(insert, projectID, file.Path, file.Content, hashContent(file.Content))
		}
		br := tx.SendBatch(ctx, batch)
		for range files {
			if _, err := br.Exec(); err != nil {
				br.Close()
				var pgErr *pgconn.PgError
				if errors.As(err, &pgErr) && pgErr.Code == "23503" {
					return repository.ErrNotFound
				}
				return err
			}
		}
		if err := br.Close(); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(ctx, `UPDATE projects SET updated_at = NOW() WHERE id = $1`, projectID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
