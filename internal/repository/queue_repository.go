package repository

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/lib/pq"
	"github.com/maheshrc27/postflow/internal/models"
)

// QueueRepository stores per-platform delivery items. Every state change is a
// conditional update so concurrent workers cannot both win the same item.
type QueueRepository interface {
	Promote(ctx context.Context, postID int64, items []*models.QueueItem, now time.Time) (bool, error)
	ListReady(ctx context.Context, now time.Time, limit int) ([]*models.QueueItem, error)
	GetByID(ctx context.Context, id int64) (*models.QueueItem, error)
	ListByPostID(ctx context.Context, postID int64) ([]*models.QueueItem, error)
	MarkProcessing(ctx context.Context, id int64, now time.Time) (bool, error)
	Finish(ctx context.Context, id int64, outcome models.QueueOutcome, now time.Time) (bool, error)
	CancelPost(ctx context.Context, postID int64, now time.Time) (bool, error)
	RequeuePost(ctx context.Context, postID int64, now time.Time) (bool, error)
	ReleaseStale(ctx context.Context, startedBefore, now time.Time) (int64, error)
	Stats(ctx context.Context) (models.QueueStats, error)
	DeleteFinished(ctx context.Context, statuses []models.QueueStatus, before time.Time, limit int) (int64, error)
}

type queueRepository struct {
	db *sql.DB
}

func NewQueueRepository(db *sql.DB) QueueRepository {
	return &queueRepository{db: db}
}

const queueColumns = `id, scheduled_post_id, platform_slug, priority, status, attempts, max_attempts,
	error_code, error_message, next_attempt_at, processing_started_at, processed_at, created_at, updated_at`

func scanQueueItem(row rowScanner) (*models.QueueItem, error) {
	var item models.QueueItem
	err := row.Scan(&item.ID, &item.PostID, &item.PlatformSlug, &item.Priority, &item.Status,
		&item.Attempts, &item.MaxAttempts, &item.ErrorCode, &item.ErrorMessage, &item.NextAttemptAt,
		&item.ProcessingStartedAt, &item.ProcessedAt, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func scanQueueItems(rows *sql.Rows) ([]*models.QueueItem, error) {
	defer rows.Close()

	var items []*models.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			slog.Info(err.Error())
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	return items, nil
}

// Promote moves a post from scheduled to publishing and inserts its items in
// one transaction. Only the caller that wins the status change inserts
// anything; platforms that already hold a completed or active item are skipped.
func (r *queueRepository) Promote(ctx context.Context, postID int64, items []*models.QueueItem, now time.Time) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Info(err.Error())
		return false, err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE posts
		SET status = 'publishing',
			updated_at = $1
		WHERE id = $2 AND status = 'scheduled'
	`, now, postID)
	if err != nil {
		slog.Info(err.Error())
		return false, err
	}
	won, err := affectedOne(result)
	if err != nil || !won {
		return false, err
	}

	insertQuery := `
		INSERT INTO queue_items (scheduled_post_id, platform_slug, priority, status, attempts, max_attempts,
			next_attempt_at, created_at, updated_at)
		SELECT $1::bigint, $2::text, $3::integer, 'pending', 0, $4::integer, $5::timestamptz, $5, $5
		WHERE NOT EXISTS (
			SELECT 1 FROM queue_items
			WHERE scheduled_post_id = $1 AND platform_slug = $2 AND status = 'completed'
		)
		ON CONFLICT (scheduled_post_id, platform_slug) WHERE status IN ('pending', 'processing', 'retry')
		DO NOTHING
		RETURNING id
	`
	for _, item := range items {
		err := tx.QueryRowContext(ctx, insertQuery, postID, item.PlatformSlug, item.Priority,
			item.MaxAttempts, now).Scan(&item.ID)
		if err != nil && err != sql.ErrNoRows {
			slog.Info(err.Error())
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		slog.Info(err.Error())
		return false, err
	}
	return true, nil
}

func (r *queueRepository) ListReady(ctx context.Context, now time.Time, limit int) ([]*models.QueueItem, error) {
	query := `SELECT q.id, q.scheduled_post_id, q.platform_slug, q.priority, q.status, q.attempts, q.max_attempts,
			q.error_code, q.error_message, q.next_attempt_at, q.processing_started_at, q.processed_at,
			q.created_at, q.updated_at
		FROM queue_items q
		JOIN posts p ON p.id = q.scheduled_post_id
		WHERE q.status IN ('pending', 'retry')
		AND q.next_attempt_at <= $1
		AND p.status = 'publishing'
		ORDER BY q.priority DESC, q.next_attempt_at ASC, q.id ASC
		LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, now, limit)
	if err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	return scanQueueItems(rows)
}

func (r *queueRepository) GetByID(ctx context.Context, id int64) (*models.QueueItem, error) {
	query := `SELECT ` + queueColumns + ` FROM queue_items WHERE id = $1`

	item, err := scanQueueItem(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		slog.Info(err.Error())
		return nil, err
	}
	return item, nil
}

func (r *queueRepository) ListByPostID(ctx context.Context, postID int64) ([]*models.QueueItem, error) {
	query := `SELECT ` + queueColumns + ` FROM queue_items WHERE scheduled_post_id = $1 ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query, postID)
	if err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	return scanQueueItems(rows)
}

func (r *queueRepository) MarkProcessing(ctx context.Context, id int64, now time.Time) (bool, error) {
	query := `
		UPDATE queue_items
		SET status = 'processing',
			processing_started_at = $1,
			updated_at = $1
		WHERE id = $2 AND status IN ('pending', 'retry')
	`
	result, err := r.db.ExecContext(ctx, query, now, id)
	if err != nil {
		slog.Info(err.Error())
		return false, err
	}
	return affectedOne(result)
}

func (r *queueRepository) Finish(ctx context.Context, id int64, outcome models.QueueOutcome, now time.Time) (bool, error) {
	query := `
		UPDATE queue_items
		SET status = $1,
			attempts = $2,
			error_code = $3,
			error_message = NULLIF($4, ''),
			next_attempt_at = $5,
			processed_at = $6,
			processing_started_at = NULL,
			updated_at = $7
		WHERE id = $8 AND status = 'processing'
	`

	var processedAt *time.Time
	if outcome.Status.Terminal() {
		processedAt = &now
	}
	next := outcome.NextAttemptAt
	if next.IsZero() {
		next = now
	}

	result, err := r.db.ExecContext(ctx, query, outcome.Status, outcome.Attempts, outcome.ErrorCode,
		outcome.ErrorMessage, next, processedAt, now, id)
	if err != nil {
		slog.Info(err.Error())
		return false, err
	}
	return affectedOne(result)
}

// CancelPost cancels a scheduled or publishing post together with its
// waiting items. Items already processing are left to finish.
func (r *queueRepository) CancelPost(ctx context.Context, postID int64, now time.Time) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Info(err.Error())
		return false, err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE posts
		SET status = 'cancelled',
			updated_at = $1
		WHERE id = $2 AND status IN ('scheduled', 'publishing')
	`, now, postID)
	if err != nil {
		slog.Info(err.Error())
		return false, err
	}
	won, err := affectedOne(result)
	if err != nil || !won {
		return false, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE queue_items
		SET status = 'cancelled',
			processed_at = $1,
			updated_at = $1
		WHERE scheduled_post_id = $2 AND status IN ('pending', 'retry')
	`, now, postID)
	if err != nil {
		slog.Info(err.Error())
		return false, err
	}

	if err := tx.Commit(); err != nil {
		slog.Info(err.Error())
		return false, err
	}
	return true, nil
}

// RequeuePost moves a failed post back to scheduled and resets its failed
// items. Completed items are kept so their platforms are not posted twice.
func (r *queueRepository) RequeuePost(ctx context.Context, postID int64, now time.Time) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Info(err.Error())
		return false, err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE posts
		SET status = 'scheduled',
			updated_at = $1
		WHERE id = $2 AND status = 'failed'
	`, now, postID)
	if err != nil {
		slog.Info(err.Error())
		return false, err
	}
	won, err := affectedOne(result)
	if err != nil || !won {
		return false, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE queue_items
		SET status = 'pending',
			attempts = 0,
			error_code = '',
			error_message = NULL,
			next_attempt_at = $1,
			processing_started_at = NULL,
			processed_at = NULL,
			updated_at = $1
		WHERE scheduled_post_id = $2 AND status IN ('failed', 'cancelled')
	`, now, postID)
	if err != nil {
		slog.Info(err.Error())
		return false, err
	}

	if err := tx.Commit(); err != nil {
		slog.Info(err.Error())
		return false, err
	}
	return true, nil
}

// ReleaseStale returns items stuck in processing to retry. Items whose post
// left publishing while they were held (a cancel) become cancelled instead
// so they reach a terminal state and age out with the rest.
func (r *queueRepository) ReleaseStale(ctx context.Context, startedBefore, now time.Time) (int64, error) {
	query := `
		UPDATE queue_items q
		SET status = CASE WHEN p.status = 'publishing' THEN 'retry' ELSE 'cancelled' END,
			next_attempt_at = $1,
			processing_started_at = NULL,
			processed_at = CASE WHEN p.status = 'publishing' THEN NULL ELSE $1 END,
			updated_at = $1
		FROM posts p
		WHERE p.id = q.scheduled_post_id
		AND q.status = 'processing' AND q.processing_started_at < $2
	`
	result, err := r.db.ExecContext(ctx, query, now, startedBefore)
	if err != nil {
		slog.Info(err.Error())
		return 0, err
	}
	return result.RowsAffected()
}

func (r *queueRepository) Stats(ctx context.Context) (models.QueueStats, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM queue_items GROUP BY status`)
	if err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	defer rows.Close()

	stats := make(models.QueueStats)
	for rows.Next() {
		var (
			status models.QueueStatus
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			slog.Info(err.Error())
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

func (r *queueRepository) DeleteFinished(ctx context.Context, statuses []models.QueueStatus, before time.Time, limit int) (int64, error) {
	query := `
		DELETE FROM queue_items
		WHERE id IN (
			SELECT id FROM queue_items
			WHERE status = ANY($1) AND updated_at < $2
			ORDER BY updated_at
			LIMIT $3
		)
	`

	states := make([]string, len(statuses))
	for i, s := range statuses {
		states[i] = string(s)
	}

	result, err := r.db.ExecContext(ctx, query, pq.Array(states), before, limit)
	if err != nil {
		slog.Info(err.Error())
		return 0, err
	}
	return result.RowsAffected()
}
