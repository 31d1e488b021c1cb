package models

import "time"

// DeliveryEvent is emitted on every terminal transition. PlatformSlug is
// empty for post-level events.
type DeliveryEvent struct {
	ID           int64     `db:"id" json:"id"`
	PostID       int64     `db:"post_id" json:"post_id"`
	PlatformSlug string    `db:"platform_slug" json:"platform_slug,omitempty"`
	Status       string    `db:"status" json:"status"`
	ErrorCode    string    `db:"error_code" json:"error_code,omitempty"`
	Error        string    `db:"error_message" json:"error,omitempty"`
	Timestamp    time.Time `db:"created_at" json:"timestamp"`
}
