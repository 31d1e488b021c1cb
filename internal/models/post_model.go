package models

import "time"

type PostStatus string

const (
	PostStatusDraft      PostStatus = "draft"
	PostStatusScheduled  PostStatus = "scheduled"
	PostStatusPublishing PostStatus = "publishing"
	PostStatusPublished  PostStatus = "published"
	PostStatusFailed     PostStatus = "failed"
	PostStatusCancelled  PostStatus = "cancelled"
)

// postTransitions lists the legal next states for each post status.
// failed -> scheduled is only reachable through an explicit retry.
var postTransitions = map[PostStatus][]PostStatus{
	PostStatusDraft:      {PostStatusScheduled},
	PostStatusScheduled:  {PostStatusPublishing, PostStatusCancelled},
	PostStatusPublishing: {PostStatusPublished, PostStatusFailed, PostStatusCancelled},
	PostStatusFailed:     {PostStatusScheduled},
}

func (s PostStatus) Valid() bool {
	switch s {
	case PostStatusDraft, PostStatusScheduled, PostStatusPublishing,
		PostStatusPublished, PostStatusFailed, PostStatusCancelled:
		return true
	}
	return false
}

func (s PostStatus) Terminal() bool {
	return s == PostStatusPublished || s == PostStatusFailed || s == PostStatusCancelled
}

func (s PostStatus) CanTransition(to PostStatus) bool {
	for _, next := range postTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

type MediaType string

const (
	MediaTypeImage MediaType = "image"
	MediaTypeVideo MediaType = "video"
)

type MediaRef struct {
	Type MediaType `json:"type"`
	URL  string    `json:"url"`
}

type Post struct {
	ID              int64                     `db:"id" json:"id"`
	Title           string                    `db:"title" json:"title"`
	Body            string                    `db:"body" json:"body"`
	Media           []MediaRef                `db:"media" json:"media"`
	Platforms       []string                  `db:"platforms" json:"platforms"`
	ScheduledTime   *time.Time                `db:"scheduled_time" json:"scheduled_time,omitempty"`
	Priority        int                       `db:"priority" json:"priority"`
	Status          PostStatus                `db:"status" json:"status"`
	PlatformResults map[string]PlatformResult `db:"platform_results" json:"platform_results"`
	CreatedAt       time.Time                 `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time                 `db:"updated_at" json:"updated_at"`
}

const (
	ResultPublished = "published"
	ResultFailed    = "failed"
)

// PlatformResult is the last outcome recorded for one target platform.
type PlatformResult struct {
	Status      string    `json:"status"`
	PlatformID  string    `json:"platform_id,omitempty"`
	PostID      string    `json:"post_id,omitempty"`
	URL         string    `json:"url,omitempty"`
	Error       string    `json:"error,omitempty"`
	PublishedAt time.Time `json:"published_at,omitempty"`
	RawResponse string    `json:"raw_response,omitempty"`
}

// NormalizedResult is what every platform driver returns on success.
type NormalizedResult struct {
	PlatformID  string    `json:"platform_id"`
	PostID      string    `json:"post_id"`
	URL         string    `json:"url"`
	Status      string    `json:"status"`
	PublishedAt time.Time `json:"published_at"`
	RawResponse string    `json:"raw_response"`
}

func (r *NormalizedResult) AsPlatformResult() PlatformResult {
	return PlatformResult{
		Status:      r.Status,
		PlatformID:  r.PlatformID,
		PostID:      r.PostID,
		URL:         r.URL,
		PublishedAt: r.PublishedAt,
		RawResponse: r.RawResponse,
	}
}

type PostFilter struct {
	Status PostStatus
	Limit  int
	Offset int
}
