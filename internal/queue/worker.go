package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/maheshrc27/postflow/internal/apperrors"
	"github.com/maheshrc27/postflow/internal/models"
)

// Outcome labels used for metrics.
const (
	OutcomeCompleted = "completed"
	OutcomeRetry     = "retry"
	OutcomeFailed    = "failed"
	OutcomeDiscarded = "discarded"
)

// MarkCompleted records a successful publish for a processing item. When the
// owning post was cancelled meanwhile the result is discarded and the item is
// cancelled instead. It returns the outcome label.
func (m *Manager) MarkCompleted(ctx context.Context, item *models.QueueItem, result *models.NormalizedResult) (string, error) {
	post, discard, err := m.owner(ctx, item)
	if err != nil {
		return "", err
	}
	if discard {
		return m.discard(ctx, item, post)
	}

	now := m.clock.Now()
	ok, err := m.items.Finish(ctx, item.ID, models.QueueOutcome{
		Status:   models.QueueStatusCompleted,
		Attempts: item.Attempts + 1,
	}, now)
	if err != nil {
		return "", err
	}
	if !ok {
		slog.Warn("queue item no longer processing, dropping result", "item_id", item.ID, "post_id", item.PostID)
		return OutcomeDiscarded, nil
	}

	if err := m.posts.SetPlatformResult(ctx, item.PostID, item.PlatformSlug, result.AsPlatformResult(), now); err != nil {
		slog.Error("storing platform result", "post_id", item.PostID, "platform", item.PlatformSlug, "error", err)
	}
	m.emit(ctx, models.DeliveryEvent{
		PostID:       item.PostID,
		PlatformSlug: item.PlatformSlug,
		Status:       string(models.QueueStatusCompleted),
		Timestamp:    now,
	})
	return OutcomeCompleted, m.Reconcile(ctx, item.PostID)
}

// MarkFailedOrRetry records a failed attempt. Validation and auth failures
// are final. A rate-limited attempt is pushed back without consuming an
// attempt while the wait stays within the backoff schedule. Anything else
// consumes an attempt and retries with backoff until the budget is spent.
func (m *Manager) MarkFailedOrRetry(ctx context.Context, item *models.QueueItem, cause error) (string, error) {
	post, discard, err := m.owner(ctx, item)
	if err != nil {
		return "", err
	}
	if discard {
		return m.discard(ctx, item, post)
	}

	now := m.clock.Now()
	outcome := m.classify(item, cause, now)

	ok, err := m.items.Finish(ctx, item.ID, outcome, now)
	if err != nil {
		return "", err
	}
	if !ok {
		slog.Warn("queue item no longer processing, dropping failure", "item_id", item.ID, "post_id", item.PostID)
		return OutcomeDiscarded, nil
	}

	if outcome.Status == models.QueueStatusRetry {
		slog.Info("queue item scheduled for retry",
			"item_id", item.ID, "platform", item.PlatformSlug, "attempts", outcome.Attempts,
			"next_attempt_at", outcome.NextAttemptAt, "error_code", outcome.ErrorCode)
		return OutcomeRetry, nil
	}

	slog.Warn("queue item failed",
		"item_id", item.ID, "platform", item.PlatformSlug, "attempts", outcome.Attempts,
		"error_code", outcome.ErrorCode, "error", outcome.ErrorMessage)
	err = m.posts.SetPlatformResult(ctx, item.PostID, item.PlatformSlug, models.PlatformResult{
		Status: models.ResultFailed,
		Error:  outcome.ErrorMessage,
	}, now)
	if err != nil {
		slog.Error("storing platform result", "post_id", item.PostID, "platform", item.PlatformSlug, "error", err)
	}
	m.emit(ctx, models.DeliveryEvent{
		PostID:       item.PostID,
		PlatformSlug: item.PlatformSlug,
		Status:       string(models.QueueStatusFailed),
		ErrorCode:    outcome.ErrorCode,
		Error:        outcome.ErrorMessage,
		Timestamp:    now,
	})
	return OutcomeFailed, m.Reconcile(ctx, item.PostID)
}

func (m *Manager) classify(item *models.QueueItem, cause error, now time.Time) models.QueueOutcome {
	policy := m.policy.WithMaxAttempts(item.MaxAttempts)
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	outcome := models.QueueOutcome{
		ErrorCode:    string(apperrors.CodeOf(cause)),
		ErrorMessage: msg,
	}
	if outcome.ErrorCode == "" {
		outcome.ErrorCode = string(apperrors.CodeInternal)
	}

	if !apperrors.Retryable(cause) {
		outcome.Status = models.QueueStatusFailed
		outcome.Attempts = min(item.Attempts+1, policy.Max())
		return outcome
	}

	retryAfter, limited := apperrors.RetryAfter(cause)
	if limited && policy.DeferRateLimit(item.Attempts, retryAfter) {
		outcome.Status = models.QueueStatusRetry
		outcome.Attempts = item.Attempts
		outcome.NextAttemptAt = now.Add(retryAfter)
		return outcome
	}

	outcome.Attempts = item.Attempts + 1
	if policy.Exhausted(outcome.Attempts) {
		outcome.Status = models.QueueStatusFailed
		return outcome
	}
	outcome.Status = models.QueueStatusRetry
	outcome.NextAttemptAt = now.Add(max(policy.Backoff(outcome.Attempts), retryAfter))
	return outcome
}

// owner loads the item's post and reports whether the item's result must be
// discarded because the post left publishing.
func (m *Manager) owner(ctx context.Context, item *models.QueueItem) (*models.Post, bool, error) {
	post, err := m.posts.GetByID(ctx, item.PostID)
	if err != nil {
		return nil, false, err
	}
	if post == nil {
		return nil, false, fmt.Errorf("post %d of queue item %d: %w", item.PostID, item.ID, apperrors.ErrNotFound)
	}
	return post, post.Status != models.PostStatusPublishing, nil
}

func (m *Manager) discard(ctx context.Context, item *models.QueueItem, post *models.Post) (string, error) {
	now := m.clock.Now()
	_, err := m.items.Finish(ctx, item.ID, models.QueueOutcome{
		Status:       models.QueueStatusCancelled,
		Attempts:     item.Attempts,
		ErrorMessage: fmt.Sprintf("post %s while publishing", post.Status),
	}, now)
	if err != nil {
		return "", err
	}
	slog.Info("discarding queue item result", "item_id", item.ID, "post_id", post.ID, "post_status", post.Status)
	return OutcomeDiscarded, nil
}

// Reconcile rolls item states up into the post once every item is terminal:
// all completed means published, any failed means failed. Only the caller
// that wins the post transition emits the post-level event.
func (m *Manager) Reconcile(ctx context.Context, postID int64) error {
	items, err := m.items.ListByPostID(ctx, postID)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	var (
		failed    *models.QueueItem
		completed int
	)
	for _, item := range items {
		switch item.Status {
		case models.QueueStatusCompleted:
			completed++
		case models.QueueStatusFailed:
			if failed == nil {
				failed = item
			}
		case models.QueueStatusCancelled:
		default:
			return nil
		}
	}

	var to models.PostStatus
	switch {
	case failed != nil:
		to = models.PostStatusFailed
	case completed == len(items):
		to = models.PostStatusPublished
	default:
		return nil
	}

	now := m.clock.Now()
	won, err := m.posts.UpdateStatus(ctx, postID, []models.PostStatus{models.PostStatusPublishing}, to, now)
	if err != nil || !won {
		return err
	}

	ev := models.DeliveryEvent{PostID: postID, Status: string(to), Timestamp: now}
	if failed != nil {
		ev.ErrorCode = failed.ErrorCode
		if failed.ErrorMessage != nil {
			ev.Error = *failed.ErrorMessage
		}
	}
	slog.Info("post finished", "post_id", postID, "status", to)
	m.emit(ctx, ev)
	return nil
}
