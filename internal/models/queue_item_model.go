package models

import "time"

type QueueStatus string

const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusCompleted  QueueStatus = "completed"
	QueueStatusFailed     QueueStatus = "failed"
	QueueStatusRetry      QueueStatus = "retry"
	QueueStatusCancelled  QueueStatus = "cancelled"
)

const DefaultMaxAttempts = 3

func (s QueueStatus) Terminal() bool {
	return s == QueueStatusCompleted || s == QueueStatusFailed || s == QueueStatusCancelled
}

// Ready reports whether an item in this status may be picked up by a drainer.
func (s QueueStatus) Ready() bool {
	return s == QueueStatusPending || s == QueueStatusRetry
}

// QueueItem is one delivery unit for a (post, platform) pair.
type QueueItem struct {
	ID                  int64       `db:"id" json:"id"`
	PostID              int64       `db:"scheduled_post_id" json:"scheduled_post_id"`
	PlatformSlug        string      `db:"platform_slug" json:"platform_slug"`
	Priority            int         `db:"priority" json:"priority"`
	Status              QueueStatus `db:"status" json:"status"`
	Attempts            int         `db:"attempts" json:"attempts"`
	MaxAttempts         int         `db:"max_attempts" json:"max_attempts"`
	ErrorCode           string      `db:"error_code" json:"error_code,omitempty"`
	ErrorMessage        *string     `db:"error_message" json:"error_message,omitempty"`
	NextAttemptAt       time.Time   `db:"next_attempt_at" json:"next_attempt_at"`
	ProcessingStartedAt *time.Time  `db:"processing_started_at" json:"processing_started_at,omitempty"`
	ProcessedAt         *time.Time  `db:"processed_at" json:"processed_at,omitempty"`
	CreatedAt           time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time   `db:"updated_at" json:"updated_at"`
}

// QueueOutcome describes a processing -> {retry, failed} transition.
type QueueOutcome struct {
	Status        QueueStatus
	Attempts      int
	ErrorCode     string
	ErrorMessage  string
	NextAttemptAt time.Time
}

type QueueStats map[QueueStatus]int64
