package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
	"github.com/maheshrc27/postflow/internal/models"
)

type PostRepository interface {
	Create(ctx context.Context, post *models.Post) (int64, error)
	GetByID(ctx context.Context, id int64) (*models.Post, error)
	List(ctx context.Context, filter models.PostFilter) ([]*models.Post, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]*models.Post, error)
	UpdateStatus(ctx context.Context, id int64, from []models.PostStatus, to models.PostStatus, now time.Time) (bool, error)
	ScheduleDraft(ctx context.Context, id int64, at, now time.Time) (bool, error)
	SetPlatformResult(ctx context.Context, id int64, platform string, result models.PlatformResult, now time.Time) error
	ListArchivable(ctx context.Context, before time.Time, limit int) ([]*models.Post, error)
	Remove(ctx context.Context, id int64) error
}

type postRepository struct {
	db *sql.DB
}

func NewPostRepository(db *sql.DB) PostRepository {
	return &postRepository{db: db}
}

const postColumns = `id, title, body, media, platforms, scheduled_time, priority, status, platform_results, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPost(row rowScanner) (*models.Post, error) {
	var (
		post      models.Post
		media     []byte
		results   []byte
		platforms pq.StringArray
	)
	err := row.Scan(&post.ID, &post.Title, &post.Body, &media, &platforms, &post.ScheduledTime,
		&post.Priority, &post.Status, &results, &post.CreatedAt, &post.UpdatedAt)
	if err != nil {
		return nil, err
	}
	post.Platforms = platforms
	if len(media) > 0 {
		if err := json.Unmarshal(media, &post.Media); err != nil {
			return nil, err
		}
	}
	if len(results) > 0 {
		if err := json.Unmarshal(results, &post.PlatformResults); err != nil {
			return nil, err
		}
	}
	return &post, nil
}

func scanPosts(rows *sql.Rows) ([]*models.Post, error) {
	defer rows.Close()

	var posts []*models.Post
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			slog.Info(err.Error())
			return nil, err
		}
		posts = append(posts, post)
	}
	if err := rows.Err(); err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	return posts, nil
}

func (r *postRepository) Create(ctx context.Context, post *models.Post) (int64, error) {
	query := `
		INSERT INTO posts (title, body, media, platforms, scheduled_time, priority, status, platform_results, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, '{}', $8, $8)
		RETURNING id
	`

	media, err := json.Marshal(post.Media)
	if err != nil {
		return 0, err
	}
	if post.Media == nil {
		media = []byte("[]")
	}

	var id int64
	err = r.db.QueryRowContext(ctx, query, post.Title, post.Body, media, pq.Array(post.Platforms),
		post.ScheduledTime, post.Priority, post.Status, post.CreatedAt).Scan(&id)
	if err != nil {
		slog.Info(err.Error())
		return 0, err
	}
	return id, nil
}

func (r *postRepository) GetByID(ctx context.Context, id int64) (*models.Post, error) {
	query := `SELECT ` + postColumns + ` FROM posts WHERE id = $1`

	post, err := scanPost(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		slog.Info(err.Error())
		return nil, err
	}
	return post, nil
}

func (r *postRepository) List(ctx context.Context, filter models.PostFilter) ([]*models.Post, error) {
	query := `SELECT ` + postColumns + ` FROM posts
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, query, string(filter.Status), limit, filter.Offset)
	if err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	return scanPosts(rows)
}

func (r *postRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*models.Post, error) {
	query := `SELECT ` + postColumns + ` FROM posts
		WHERE status = 'scheduled' AND scheduled_time <= $1
		ORDER BY priority DESC, scheduled_time ASC
		LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, now, limit)
	if err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	return scanPosts(rows)
}

// UpdateStatus moves the post to status to when it is currently in one of
// from. Every from -> to pair must be a legal post transition.
func (r *postRepository) UpdateStatus(ctx context.Context, id int64, from []models.PostStatus, to models.PostStatus, now time.Time) (bool, error) {
	if err := CheckTransitions(from, to); err != nil {
		return false, err
	}

	query := `
		UPDATE posts
		SET status = $1,
			updated_at = $2
		WHERE id = $3 AND status = ANY($4)
	`

	states := make([]string, len(from))
	for i, s := range from {
		states[i] = string(s)
	}

	result, err := r.db.ExecContext(ctx, query, to, now, id, pq.Array(states))
	if err != nil {
		slog.Info(err.Error())
		return false, err
	}
	return affectedOne(result)
}

func (r *postRepository) ScheduleDraft(ctx context.Context, id int64, at, now time.Time) (bool, error) {
	query := `
		UPDATE posts
		SET status = 'scheduled',
			scheduled_time = $1,
			updated_at = $2
		WHERE id = $3 AND status = 'draft'
	`
	result, err := r.db.ExecContext(ctx, query, at, now, id)
	if err != nil {
		slog.Info(err.Error())
		return false, err
	}
	return affectedOne(result)
}

func (r *postRepository) SetPlatformResult(ctx context.Context, id int64, platform string, result models.PlatformResult, now time.Time) error {
	query := `
		UPDATE posts
		SET platform_results = platform_results || jsonb_build_object($1::text, $2::jsonb),
			updated_at = $3
		WHERE id = $4
	`

	payload, err := json.Marshal(result)
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, query, platform, string(payload), now, id); err != nil {
		slog.Info(err.Error())
		return err
	}
	return nil
}

func (r *postRepository) ListArchivable(ctx context.Context, before time.Time, limit int) ([]*models.Post, error) {
	query := `SELECT ` + postColumns + ` FROM posts p
		WHERE p.status IN ('published', 'failed', 'cancelled')
		AND p.updated_at < $1
		AND NOT EXISTS (
			SELECT 1 FROM queue_items q
			WHERE q.scheduled_post_id = p.id
			AND q.status IN ('pending', 'processing', 'retry')
		)
		ORDER BY p.updated_at ASC
		LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, before, limit)
	if err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	return scanPosts(rows)
}

func (r *postRepository) Remove(ctx context.Context, id int64) error {
	query := `DELETE FROM posts WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		slog.Info(err.Error())
		return err
	}
	return nil
}

func affectedOne(result sql.Result) (bool, error) {
	affected, err := result.RowsAffected()
	if err != nil {
		slog.Info(err.Error())
		return false, err
	}
	return affected == 1, nil
}

// CheckTransitions rejects status changes the post lifecycle does not allow.
func CheckTransitions(from []models.PostStatus, to models.PostStatus) error {
	for _, f := range from {
		if !f.CanTransition(to) {
			return fmt.Errorf("illegal post transition %s -> %s", f, to)
		}
	}
	return nil
}
