package memory

import (
	"context"
	"sort"
	"time"

	"github.com/maheshrc27/postflow/internal/models"
)

type queueView struct{ s *Store }

func (v queueView) Promote(_ context.Context, postID int64, items []*models.QueueItem, now time.Time) (bool, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	p, ok := v.s.posts[postID]
	if !ok || p.Status != models.PostStatusScheduled {
		return false, nil
	}
	p.Status = models.PostStatusPublishing
	p.UpdatedAt = now

	for _, item := range items {
		if v.s.platformTakenLocked(postID, item.PlatformSlug) {
			continue
		}
		v.s.nextItemID++
		item.ID = v.s.nextItemID
		v.s.items[item.ID] = &models.QueueItem{
			ID:            item.ID,
			PostID:        postID,
			PlatformSlug:  item.PlatformSlug,
			Priority:      item.Priority,
			Status:        models.QueueStatusPending,
			MaxAttempts:   item.MaxAttempts,
			NextAttemptAt: now,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
	}
	return true, nil
}

// platformTakenLocked mirrors the partial unique index plus the completed
// check of the Postgres insert.
func (s *Store) platformTakenLocked(postID int64, platform string) bool {
	for _, item := range s.items {
		if item.PostID != postID || item.PlatformSlug != platform {
			continue
		}
		if !item.Status.Terminal() || item.Status == models.QueueStatusCompleted {
			return true
		}
	}
	return false
}

func (v queueView) ListReady(_ context.Context, now time.Time, limit int) ([]*models.QueueItem, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	var out []*models.QueueItem
	for _, item := range v.s.items {
		if !item.Status.Ready() || item.NextAttemptAt.After(now) {
			continue
		}
		if p, ok := v.s.posts[item.PostID]; !ok || p.Status != models.PostStatusPublishing {
			continue
		}
		out = append(out, copyItem(item))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		if !out[i].NextAttemptAt.Equal(out[j].NextAttemptAt) {
			return out[i].NextAttemptAt.Before(out[j].NextAttemptAt)
		}
		return out[i].ID < out[j].ID
	})
	return page(out, 0, limit), nil
}

func (v queueView) GetByID(_ context.Context, id int64) (*models.QueueItem, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	item, ok := v.s.items[id]
	if !ok {
		return nil, nil
	}
	return copyItem(item), nil
}

func (v queueView) ListByPostID(_ context.Context, postID int64) ([]*models.QueueItem, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	var out []*models.QueueItem
	for _, item := range v.s.items {
		if item.PostID == postID {
			out = append(out, copyItem(item))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (v queueView) MarkProcessing(_ context.Context, id int64, now time.Time) (bool, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	item, ok := v.s.items[id]
	if !ok || !item.Status.Ready() {
		return false, nil
	}
	item.Status = models.QueueStatusProcessing
	item.ProcessingStartedAt = &now
	item.UpdatedAt = now
	return true, nil
}

func (v queueView) Finish(_ context.Context, id int64, outcome models.QueueOutcome, now time.Time) (bool, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	item, ok := v.s.items[id]
	if !ok || item.Status != models.QueueStatusProcessing {
		return false, nil
	}
	item.Status = outcome.Status
	item.Attempts = outcome.Attempts
	item.ErrorCode = outcome.ErrorCode
	item.ErrorMessage = nil
	if outcome.ErrorMessage != "" {
		msg := outcome.ErrorMessage
		item.ErrorMessage = &msg
	}
	item.NextAttemptAt = outcome.NextAttemptAt
	if item.NextAttemptAt.IsZero() {
		item.NextAttemptAt = now
	}
	item.ProcessingStartedAt = nil
	item.ProcessedAt = nil
	if outcome.Status.Terminal() {
		item.ProcessedAt = &now
	}
	item.UpdatedAt = now
	return true, nil
}

func (v queueView) CancelPost(_ context.Context, postID int64, now time.Time) (bool, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	p, ok := v.s.posts[postID]
	if !ok || (p.Status != models.PostStatusScheduled && p.Status != models.PostStatusPublishing) {
		return false, nil
	}
	p.Status = models.PostStatusCancelled
	p.UpdatedAt = now

	for _, item := range v.s.items {
		if item.PostID == postID && item.Status.Ready() {
			item.Status = models.QueueStatusCancelled
			item.ProcessedAt = &now
			item.UpdatedAt = now
		}
	}
	return true, nil
}

func (v queueView) RequeuePost(_ context.Context, postID int64, now time.Time) (bool, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	p, ok := v.s.posts[postID]
	if !ok || p.Status != models.PostStatusFailed {
		return false, nil
	}
	p.Status = models.PostStatusScheduled
	p.UpdatedAt = now

	for _, item := range v.s.items {
		if item.PostID != postID {
			continue
		}
		if item.Status == models.QueueStatusFailed || item.Status == models.QueueStatusCancelled {
			item.Status = models.QueueStatusPending
			item.Attempts = 0
			item.ErrorCode = ""
			item.ErrorMessage = nil
			item.NextAttemptAt = now
			item.ProcessingStartedAt = nil
			item.ProcessedAt = nil
			item.UpdatedAt = now
		}
	}
	return true, nil
}

func (v queueView) ReleaseStale(_ context.Context, startedBefore, now time.Time) (int64, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	var n int64
	for _, item := range v.s.items {
		if item.Status != models.QueueStatusProcessing || item.ProcessingStartedAt == nil ||
			!item.ProcessingStartedAt.Before(startedBefore) {
			continue
		}
		item.Status = models.QueueStatusRetry
		item.NextAttemptAt = now
		item.ProcessingStartedAt = nil
		item.UpdatedAt = now
		if p, ok := v.s.posts[item.PostID]; !ok || p.Status != models.PostStatusPublishing {
			item.Status = models.QueueStatusCancelled
			item.ProcessedAt = &now
		}
		n++
	}
	return n, nil
}

func (v queueView) Stats(_ context.Context) (models.QueueStats, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	stats := make(models.QueueStats)
	for _, item := range v.s.items {
		stats[item.Status]++
	}
	return stats, nil
}

func (v queueView) DeleteFinished(_ context.Context, statuses []models.QueueStatus, before time.Time, limit int) (int64, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	want := make(map[models.QueueStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	var victims []*models.QueueItem
	for _, item := range v.s.items {
		if want[item.Status] && item.UpdatedAt.Before(before) {
			victims = append(victims, item)
		}
	}
	sort.Slice(victims, func(i, j int) bool { return victims[i].UpdatedAt.Before(victims[j].UpdatedAt) })
	victims = page(victims, 0, limit)

	for _, item := range victims {
		delete(v.s.items, item.ID)
	}
	return int64(len(victims)), nil
}
