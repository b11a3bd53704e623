// Package repository wraps all SQL used throughout the API and reaper.
// Every mutation is a single guarded statement so concurrent requests for
// the same transfer never need an application-level lock.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/droppointhq/droppoint/internal/apperr"
	"github.com/droppointhq/droppoint/internal/model"
)

const uniqueViolationCode = "23505"

// TransferRepository persists transfer records keyed by record key.
type TransferRepository struct {
	pool *pgxpool.Pool
}

// NewTransferRepository constructs a repository.
func NewTransferRepository(pool *pgxpool.Pool) *TransferRepository {
	return &TransferRepository{pool: pool}
}

// Insert stores a freshly created transfer. A record-key collision
// surfaces as apperr.ErrDuplicateRecord so the engine can retry with a new
// public code.
func (r *TransferRepository) Insert(ctx context.Context, t *model.Transfer) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO transfers
			(record_key, salt, status, title, message, created_at, expire_in_ms,
			 views, max_views, downloads, max_downloads, allow_delete,
			 object_size, object_hash, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`, t.RecordKey, t.Salt, t.Status, t.Title, t.Message, t.CreatedAt, t.ExpireInMs,
		t.Views, t.MaxViews, t.Downloads, t.MaxDownloads, t.AllowDelete,
		t.Object.Size, t.Object.ContentHash, time.Now().UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.ErrDuplicateRecord
		}
		return fmt.Errorf("insert transfer: %w", err)
	}
	return nil
}

// GetByRecordKey returns the transfer for the derived lookup key.
func (r *TransferRepository) GetByRecordKey(ctx context.Context, recordKey string) (*model.Transfer, error) {
	var t model.Transfer
	row := r.pool.QueryRow(ctx, `
		SELECT record_key, salt, status, title, message, created_at, expire_in_ms,
		       views, max_views, downloads, max_downloads, allow_delete,
		       object_size, object_hash
		FROM transfers WHERE record_key=$1
	`, recordKey)
	if err := row.Scan(&t.RecordKey, &t.Salt, &t.Status, &t.Title, &t.Message,
		&t.CreatedAt, &t.ExpireInMs, &t.Views, &t.MaxViews, &t.Downloads,
		&t.MaxDownloads, &t.AllowDelete, &t.Object.Size, &t.Object.ContentHash); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.ErrRecordMissing
		}
		return nil, fmt.Errorf("select transfer: %w", err)
	}
	return &t, nil
}

// CountByRecordKey is the pre-insert existence probe of the uniqueness
// check. The insert itself still tolerates the check-then-insert race.
func (r *TransferRepository) CountByRecordKey(ctx context.Context, recordKey string) (int, error) {
	var n int
	if err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM transfers WHERE record_key=$1`, recordKey).Scan(&n); err != nil {
		return 0, fmt.Errorf("count transfers: %w", err)
	}
	return n, nil
}

// SetStatusFrom writes a status transition guarded by the expected prior
// status. It reports whether this call performed the transition, which
// keeps terminal states write-once under concurrency.
func (r *TransferRepository) SetStatusFrom(ctx context.Context, recordKey string, from, to model.Status) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE transfers SET status=$3, updated_at=$4
		WHERE record_key=$1 AND status=$2
	`, recordKey, from, to, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("update status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// IncrementViews bumps the view counter atomically; the guard makes the
// increment a no-op once another request has settled the record.
func (r *TransferRepository) IncrementViews(ctx context.Context, recordKey string) (int, error) {
	return r.increment(ctx, recordKey, "views")
}

// IncrementDownloads bumps the download counter atomically.
func (r *TransferRepository) IncrementDownloads(ctx context.Context, recordKey string) (int, error) {
	return r.increment(ctx, recordKey, "downloads")
}

func (r *TransferRepository) increment(ctx context.Context, recordKey, column string) (int, error) {
	var n int
	// column is one of two compile-time constants, never user input.
	query := fmt.Sprintf(`
		UPDATE transfers SET %s = %s + 1, updated_at=$2
		WHERE record_key=$1 AND status='active'
		RETURNING %s
	`, column, column, column)
	err := r.pool.QueryRow(ctx, query, recordKey, time.Now().UTC()).Scan(&n)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// The record was settled between reconciliation and the
			// increment; the counter no longer matters.
			return 0, nil
		}
		return 0, fmt.Errorf("increment %s: %w", column, err)
	}
	return n, nil
}

// ListRecent returns the newest transfers for the admin surface.
func (r *TransferRepository) ListRecent(ctx context.Context, limit int) ([]*model.Transfer, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT record_key, salt, status, title, message, created_at, expire_in_ms,
		       views, max_views, downloads, max_downloads, allow_delete,
		       object_size, object_hash
		FROM transfers ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	var out []*model.Transfer
	for rows.Next() {
		var t model.Transfer
		if err := rows.Scan(&t.RecordKey, &t.Salt, &t.Status, &t.Title, &t.Message,
			&t.CreatedAt, &t.ExpireInMs, &t.Views, &t.MaxViews, &t.Downloads,
			&t.MaxDownloads, &t.AllowDelete, &t.Object.Size, &t.Object.ContentHash); err != nil {
			return nil, fmt.Errorf("scan transfer: %w", err)
		}
		out = append(out, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfers: %w", err)
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}
