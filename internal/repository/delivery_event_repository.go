package repository

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/maheshrc27/postflow/internal/models"
)

type DeliveryEventRepository interface {
	Create(ctx context.Context, ev *models.DeliveryEvent) (int64, error)
	ListByPostID(ctx context.Context, postID int64) ([]*models.DeliveryEvent, error)
}

type deliveryEventRepository struct {
	db *sql.DB
}

func NewDeliveryEventRepository(db *sql.DB) DeliveryEventRepository {
	return &deliveryEventRepository{db: db}
}

func (r *deliveryEventRepository) Create(ctx context.Context, ev *models.DeliveryEvent) (int64, error) {
	query := `
		INSERT INTO delivery_events (post_id, platform_slug, status, error_code, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`

	var id int64
	err := r.db.QueryRowContext(ctx, query, ev.PostID, ev.PlatformSlug, ev.Status, ev.ErrorCode,
		ev.Error, ev.Timestamp).Scan(&id)
	if err != nil {
		slog.Info(err.Error())
		return 0, err
	}
	return id, nil
}

func (r *deliveryEventRepository) ListByPostID(ctx context.Context, postID int64) ([]*models.DeliveryEvent, error) {
	query := `SELECT id, post_id, platform_slug, status, error_code, error_message, created_at
		FROM delivery_events WHERE post_id = $1 ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query, postID)
	if err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	defer rows.Close()

	var events []*models.DeliveryEvent
	for rows.Next() {
		var ev models.DeliveryEvent
		err := rows.Scan(&ev.ID, &ev.PostID, &ev.PlatformSlug, &ev.Status, &ev.ErrorCode, &ev.Error, &ev.Timestamp)
		if err != nil {
			slog.Info(err.Error())
			return nil, err
		}
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	return events, nil
}
