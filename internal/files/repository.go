package files

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"dropcode-go/internal/codes"
	"dropcode-go/internal/database"
	"dropcode-go/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const codeConstraint = "files_code_key"

// Repository persists FileRecords. Lookups return rows regardless of their
// lifecycle state; visibility is decided by the caller.
type Repository interface {
	// Create inserts the record. A taken code yields codes.ErrCodeConflict.
	Create(ctx context.Context, rec *models.FileRecord) error
	CodeExists(ctx context.Context, code string) (bool, error)
	GetByCode(ctx context.Context, code string) (*models.FileRecord, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.FileRecord, error)

	// IncrementDownloadCount bumps the counter in place.
	IncrementDownloadCount(ctx context.Context, id uuid.UUID, at time.Time) error
	SetCompressedVariant(ctx context.Context, id uuid.UUID, key string, size int64) error
	ClearCompressedVariant(ctx context.Context, id uuid.UUID) error
	SetQRKey(ctx context.Context, id uuid.UUID, key string) error

	// Update writes the editable fields (code, password, expiry, qr key) of a
	// record that is not deleted.
	Update(ctx context.Context, rec *models.FileRecord) error

	// MarkDeleted soft deletes a non-permanent record and reports whether it did.
	MarkDeleted(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	// MarkExpiredDeleted soft deletes every expired non-permanent record.
	MarkExpiredDeleted(ctx context.Context, now time.Time) ([]*models.FileRecord, error)

	ListAll(ctx context.Context) ([]*models.FileRecord, error)
	// HardDeleteBatch removes rows inside one transaction. Rows that fail are
	// rolled back individually and reported; the others are committed.
	HardDeleteBatch(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]error, error)

	// ListBySession returns a session's records still visible at now, newest
	// first, optionally filtered by a code or filename fragment.
	ListBySession(ctx context.Context, sessionID, query string, limit int, now time.Time) ([]*models.FileRecord, error)
	Stats(ctx context.Context, now time.Time) (*models.FileStats, error)
	ListPDFsForCompaction(ctx context.Context, force bool) ([]*models.FileRecord, error)
}

type postgresRepository struct {
	db *database.DB
}

func NewPostgresRepository(db *database.DB) Repository {
	return &postgresRepository{db: db}
}

func (r *postgresRepository) Create(ctx context.Context, rec *models.FileRecord) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO files (
			id, code, filename, size_bytes, mime_type, storage_key, password_hash, is_protected,
			session_id, created_at, expires_at, is_permanent, is_deleted, deleted_at,
			download_count, last_downloaded_at, qr_key, compressed_key, compressed_size
		) VALUES (
			:id, :code, :filename, :size_bytes, :mime_type, :storage_key, :password_hash, :is_protected,
			:session_id, :created_at, :expires_at, :is_permanent, :is_deleted, :deleted_at,
			:download_count, :last_downloaded_at, :qr_key, :compressed_key, :compressed_size
		)`, rec)
	if database.IsUniqueViolation(err, codeConstraint) {
		return fmt.Errorf("%w: %s", codes.ErrCodeConflict, rec.Code)
	}
	if err != nil {
		return fmt.Errorf("inserting file: %w", err)
	}
	return nil
}

func (r *postgresRepository) CodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM files WHERE code = $1)`, code)
	if err != nil {
		return false, fmt.Errorf("checking code: %w", err)
	}
	return exists, nil
}

func (r *postgresRepository) GetByCode(ctx context.Context, code string) (*models.FileRecord, error) {
	return r.getOne(ctx, `SELECT * FROM files WHERE code = $1`, code)
}

func (r *postgresRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.FileRecord, error) {
	return r.getOne(ctx, `SELECT * FROM files WHERE id = $1`, id)
}

func (r *postgresRepository) getOne(ctx context.Context, query string, arg interface{}) (*models.FileRecord, error) {
	var rec models.FileRecord
	if err := r.db.GetContext(ctx, &rec, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting file: %w", err)
	}
	return &rec, nil
}

func (r *postgresRepository) IncrementDownloadCount(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.execOne(ctx, `
		UPDATE files
		SET download_count = download_count + 1, last_downloaded_at = $2
		WHERE id = $1`, id, at)
}

func (r *postgresRepository) SetCompressedVariant(ctx context.Context, id uuid.UUID, key string, size int64) error {
	return r.execOne(ctx, `
		UPDATE files SET compressed_key = $2, compressed_size = $3
		WHERE id = $1 AND $3 < size_bytes`, id, key, size)
}

func (r *postgresRepository) ClearCompressedVariant(ctx context.Context, id uuid.UUID) error {
	return r.execOne(ctx, `UPDATE files SET compressed_key = NULL, compressed_size = NULL WHERE id = $1`, id)
}

func (r *postgresRepository) SetQRKey(ctx context.Context, id uuid.UUID, key string) error {
	return r.execOne(ctx, `UPDATE files SET qr_key = $2 WHERE id = $1`, id, key)
}

func (r *postgresRepository) Update(ctx context.Context, rec *models.FileRecord) error {
	res, err := r.db.NamedExecContext(ctx, `
		UPDATE files
		SET code = :code, password_hash = :password_hash, is_protected = :is_protected,
			expires_at = :expires_at, qr_key = :qr_key
		WHERE id = :id AND NOT is_deleted`, rec)
	if database.IsUniqueViolation(err, codeConstraint) {
		return fmt.Errorf("%w: %s", codes.ErrCodeConflict, rec.Code)
	}
	if err != nil {
		return fmt.Errorf("updating file: %w", err)
	}
	return expectOne(res)
}

func (r *postgresRepository) MarkDeleted(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE files SET is_deleted = TRUE, deleted_at = $2
		WHERE id = $1 AND NOT is_deleted AND NOT is_permanent`, id, at)
	if err != nil {
		return false, fmt.Errorf("marking file deleted: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("marking file deleted: %w", err)
	}
	return n == 1, nil
}

func (r *postgresRepository) MarkExpiredDeleted(ctx context.Context, now time.Time) ([]*models.FileRecord, error) {
	var recs []*models.FileRecord
	err := r.db.SelectContext(ctx, &recs, `
		UPDATE files SET is_deleted = TRUE, deleted_at = $1
		WHERE NOT is_deleted AND NOT is_permanent AND expires_at < $1
		RETURNING *`, now)
	if err != nil {
		return nil, fmt.Errorf("expiring files: %w", err)
	}
	return recs, nil
}

func (r *postgresRepository) ListAll(ctx context.Context) ([]*models.FileRecord, error) {
	var recs []*models.FileRecord
	if err := r.db.SelectContext(ctx, &recs, `SELECT * FROM files ORDER BY created_at`); err != nil {
		return nil, fmt.Errorf("listing files: %w", err)
	}
	return recs, nil
}

func (r *postgresRepository) HardDeleteBatch(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]error, error) {
	failed := make(map[uuid.UUID]error)

	err := r.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		for i, id := range ids {
			sp := fmt.Sprintf("purge_row_%d", i)
			if _, err := tx.ExecContext(ctx, "SAVEPOINT "+sp); err != nil {
				return fmt.Errorf("creating savepoint: %w", err)
			}

			res, err := tx.ExecContext(ctx, `DELETE FROM files WHERE id = $1`, id)
			if err == nil {
				err = expectOne(res)
			}
			if err != nil {
				failed[id] = err
				if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+sp); rbErr != nil {
					return fmt.Errorf("rolling back savepoint: %w", rbErr)
				}
				continue
			}

			if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT "+sp); err != nil {
				return fmt.Errorf("releasing savepoint: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return failed, nil
}

func (r *postgresRepository) ListBySession(ctx context.Context, sessionID, query string, limit int, now time.Time) ([]*models.FileRecord, error) {
	var recs []*models.FileRecord
	err := r.db.SelectContext(ctx, &recs, `
		SELECT * FROM files
		WHERE session_id = $1 AND NOT is_deleted
			AND (is_permanent OR expires_at >= $4)
			AND ($2 = '' OR code ILIKE '%' || $2 || '%' OR filename ILIKE '%' || $2 || '%')
		ORDER BY created_at DESC
		LIMIT $3`, sessionID, query, limit, now)
	if err != nil {
		return nil, fmt.Errorf("listing session files: %w", err)
	}
	return recs, nil
}

func (r *postgresRepository) Stats(ctx context.Context, now time.Time) (*models.FileStats, error) {
	var stats models.FileStats
	err := r.db.GetContext(ctx, &stats, `
		SELECT
			COUNT(*) AS total_files,
			COALESCE(SUM(download_count), 0) AS total_downloads,
			COUNT(*) FILTER (WHERE NOT is_deleted AND (is_permanent OR expires_at >= $1::timestamptz)) AS active_files,
			COUNT(*) FILTER (WHERE NOT is_deleted AND is_protected) AS protected_files,
			COUNT(*) FILTER (WHERE created_at >= date_trunc('day', $1::timestamptz)) AS files_today
		FROM files`, now)
	if err != nil {
		return nil, fmt.Errorf("getting stats: %w", err)
	}
	return &stats, nil
}

func (r *postgresRepository) ListPDFsForCompaction(ctx context.Context, force bool) ([]*models.FileRecord, error) {
	var recs []*models.FileRecord
	err := r.db.SelectContext(ctx, &recs, `
		SELECT * FROM files
		WHERE NOT is_deleted
			AND (lower(filename) LIKE '%.pdf' OR mime_type = 'application/pdf')
			AND ($1 OR compressed_key IS NULL)
		ORDER BY created_at`, force)
	if err != nil {
		return nil, fmt.Errorf("listing pdf files: %w", err)
	}
	return recs, nil
}

func (r *postgresRepository) execOne(ctx context.Context, query string, args ...interface{}) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating file: %w", err)
	}
	return expectOne(res)
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
