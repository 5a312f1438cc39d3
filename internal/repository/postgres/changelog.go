package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/gorillabuilder-code/Gorilla-builder/internal/domain"
	"github.com/gorillabuilder-code/Gorilla-builder/internal/repository"
)

// AppendChangeEntry records a new unapplied change entry.
func (r *Repository) AppendChangeEntry(ctx context.Context, entry *domain.ChangeEntry) error {
	payload, err := json.Marshal(entry.Operations)
	if err != nil {
		return fmt.Errorf("encode operations: %w", err)
	}
	const query = `INSERT INTO change_log (id, project_id, operation, applied, created_at)
		VALUES ($1, $2, $3, FALSE, $4)`
	if _, err := r.pool.Exec(ctx, query, entry.ID, entry.ProjectID, payload, entry.CreatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23503":
				return repository.ErrNotFound
			case "23505", "22P02":
				return repository.ErrInvalidArgument
			}
		}
		return err
	}
	return nil
}

// GetChangeEntry fetches a change entry by identifier.
func (r *Repository) GetChangeEntry(ctx context.Context, entryID string) (*domain.ChangeEntry, error) {
	const query = `SELECT id, project_id, operation, applied, created_at
		FROM change_log WHERE id = $1`
	return scanChangeEntry(r.pool.QueryRow(ctx, query, entryID))
}

// ListChangeEntries returns entries for a project in creation order.
func (r *Repository) ListChangeEntries(ctx context.Context, projectID string, limit, offset int) ([]domain.ChangeEntry, error) {
	const query = `SELECT id, project_id, operation, applied, created_at
		FROM change_log WHERE project_id = $1 ORDER BY created_at ASC, id ASC LIMIT $2 OFFSET $3`
	rows, err := r.pool.Query(ctx, query, projectID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.ChangeEntry, 0)
	for rows.Next() {
		entry, err := scanChangeEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

// CountUnapplied counts entries whose applied flag is still false.
func (r *Repository) CountUnapplied(ctx context.Context, projectID string) (int, error) {
	const query = `SELECT COUNT(1) FROM change_log WHERE project_id = $1 AND applied = FALSE`
	var count int
	if err := r.pool.QueryRow(ctx, query, projectID).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// ApplyChangeEntry executes the entry's operations and marks it applied in a
// single transaction. Every operation's precondition is checked against live
// state: create fails on an existing path, update and delete fail on a
// missing one. Any failure rolls the whole transaction back and surfaces as
// ErrConflict, leaving the applied flag false.
func (r *Repository) ApplyChangeEntry(ctx context.Context, entry *domain.ChangeEntry) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, op := range entry.Operations {
		switch op.Kind {
		case domain.OpCreate:
			const insert = `INSERT INTO project_files (project_id, path, content, content_hash, updated_at)
				VALUES ($1, $2, $3, $4, NOW())`
			if _, err := tx.Exec(ctx, insert, entry.ProjectID, op.Path, op.Content, hashContent(op.Content)); err != nil {
				var pgErr *pgconn.PgError
				if errors.As(err, &pgErr) {
					switch pgErr.Code {
					case "23505":
						return fmt.Errorf("create %s: %w", op.Path, repository.ErrConflict)
					case "23503":
						return repository.ErrNotFound
					}
				}
				return err
			}
		case domain.OpUpdate:
			const update = `UPDATE project_files SET content = $3, content_hash = $4, updated_at = NOW()
				WHERE project_id = $1 AND path = $2`
			tag, err := tx.Exec(ctx, update, entry.ProjectID, op.Path, op.Content, hashContent(op.Content))
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("update %s: %w", op.Path, repository.ErrConflict)
			}
		case domain.OpDelete:
			tag, err := tx.Exec(ctx, `DELETE FROM project_files WHERE project_id = $1 AND path = $2`, entry.ProjectID, op.Path)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("delete %s: %w", op.Path, repository.ErrConflict)
			}
		default:
			return fmt.Errorf("operation kind %q: %w", op.Kind, repository.ErrInvalidArgument)
		}
	}

	tag, err := tx.Exec(ctx, `UPDATE change_log SET applied = TRUE WHERE id = $1 AND applied = FALSE`, entry.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// A concurrent apply won the flip; nothing from this attempt commits.
		return repository.ErrConflict
	}

	if _, err := tx.Exec(ctx, `UPDATE projects SET updated_at = NOW() WHERE id = $1`, entry.ProjectID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChangeEntry(row rowScanner) (*domain.ChangeEntry, error) {
	var entry domain.ChangeEntry
	var payload []byte
	if err := row.Scan(&entry.ID, &entry.ProjectID, &payload, &entry.Applied, &entry.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(payload, &entry.Operations); err != nil {
		return nil, fmt.Errorf("decode operations: %w", err)
	}
	return &entry, nil
}
