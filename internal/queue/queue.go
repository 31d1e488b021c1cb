package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/maheshrc27/postflow/internal/apperrors"
	"github.com/maheshrc27/postflow/internal/models"
)

// EnqueuePost promotes a scheduled post to publishing and creates one pending
// item per target platform not yet published. It reports false when another
// caller already promoted the post.
func (m *Manager) EnqueuePost(ctx context.Context, post *models.Post) (bool, error) {
	now := m.clock.Now()
	items := make([]*models.QueueItem, 0, len(post.Platforms))
	for _, slug := range post.Platforms {
		if post.PlatformResults[slug].Status == models.ResultPublished {
			continue
		}
		items = append(items, &models.QueueItem{
			PostID:        post.ID,
			PlatformSlug:  slug,
			Priority:      post.Priority,
			Status:        models.QueueStatusPending,
			MaxAttempts:   m.policy.WithMaxAttempts(m.budgets[slug]).Max(),
			NextAttemptAt: now,
		})
	}

	won, err := m.items.Promote(ctx, post.ID, items, now)
	if err != nil {
		return false, err
	}
	if !won {
		return false, nil
	}
	slog.Info("post promoted", "post_id", post.ID, "platforms", len(items))
	return true, m.Reconcile(ctx, post.ID)
}

// GetPendingItems returns up to limit items ready to run now, highest
// priority first.
func (m *Manager) GetPendingItems(ctx context.Context, limit int) ([]*models.QueueItem, error) {
	return m.items.ListReady(ctx, m.clock.Now(), limit)
}

// MarkProcessing claims an item. Exactly one of several concurrent callers
// gets true.
func (m *Manager) MarkProcessing(ctx context.Context, id int64) (bool, error) {
	return m.items.MarkProcessing(ctx, id, m.clock.Now())
}

// Claim marks an item processing and returns the claimed row. It returns
// nil when another caller claimed the item first.
func (m *Manager) Claim(ctx context.Context, id int64) (*models.QueueItem, error) {
	won, err := m.MarkProcessing(ctx, id)
	if err != nil || !won {
		return nil, err
	}
	item, err := m.items.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, fmt.Errorf("queue item %d: %w", id, apperrors.ErrNotFound)
	}
	return item, nil
}

// CancelForPost cancels a scheduled or publishing post and its waiting
// items. It reports false when the post is in any other state.
func (m *Manager) CancelForPost(ctx context.Context, postID int64) (bool, error) {
	ok, err := m.items.CancelPost(ctx, postID, m.clock.Now())
	if err != nil || !ok {
		return false, err
	}
	m.emit(ctx, models.DeliveryEvent{PostID: postID, Status: string(models.PostStatusCancelled)})
	return true, nil
}

// ResetForPost moves a failed post back to scheduled. Failed and cancelled
// items restart with a fresh attempt budget; completed items are kept.
func (m *Manager) ResetForPost(ctx context.Context, postID int64) (bool, error) {
	return m.items.RequeuePost(ctx, postID, m.clock.Now())
}

// SweepStale returns items stuck in processing for longer than olderThan to
// retry. The attempt they were on is not counted.
func (m *Manager) SweepStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	now := m.clock.Now()
	n, err := m.items.ReleaseStale(ctx, now.Add(-olderThan), now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Warn("released stale queue items", "count", n, "older_than", olderThan)
	}
	return n, nil
}

func (m *Manager) ListForPost(ctx context.Context, postID int64) ([]*models.QueueItem, error) {
	return m.items.ListByPostID(ctx, postID)
}

// Stats counts items per status and refreshes the queue gauge.
func (m *Manager) Stats(ctx context.Context) (models.QueueStats, error) {
	stats, err := m.items.Stats(ctx)
	if err != nil {
		return nil, err
	}
	gauge := make(map[string]int64, len(stats))
	for status, n := range stats {
		gauge[string(status)] = n
	}
	m.metrics.SetQueueItems(gauge)
	return stats, nil
}

// DeleteFinished removes completed items last touched before completedBefore
// and failed or cancelled items last touched before failedBefore.
func (m *Manager) DeleteFinished(ctx context.Context, completedBefore, failedBefore time.Time, limit int) (int64, error) {
	done, err := m.items.DeleteFinished(ctx, []models.QueueStatus{models.QueueStatusCompleted}, completedBefore, limit)
	if err != nil {
		return 0, err
	}
	dead, err := m.items.DeleteFinished(ctx,
		[]models.QueueStatus{models.QueueStatusFailed, models.QueueStatusCancelled}, failedBefore, limit)
	if err != nil {
		return done, err
	}
	return done + dead, nil
}

func (m *Manager) emit(ctx context.Context, ev models.DeliveryEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = m.clock.Now()
	}
	m.sink.Emit(ctx, ev)
}
