package transfer

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type ServiceClaims struct {
	Service string `json:"service"`
	jwt.RegisteredClaims
}

type MediaSpec struct {
	Type string `json:"type" validate:"omitempty,oneof=image video"`
	URL  string `json:"url" validate:"required,url"`
}

// PostSpec is the input of schedule_post and save_draft.
type PostSpec struct {
	Title         string      `json:"title" validate:"max=300"`
	Body          string      `json:"body" validate:"required"`
	Media         []MediaSpec `json:"media" validate:"omitempty,dive"`
	Platforms     []string    `json:"platforms" validate:"required,min=1,dive,required"`
	ScheduledTime *time.Time  `json:"scheduled_time"`
	Priority      int         `json:"priority" validate:"gte=0,lte=100"`
}

type ScheduleDraftRequest struct {
	ScheduledTime time.Time `json:"scheduled_time" validate:"required"`
}

type BulkScheduleRequest struct {
	Posts []PostSpec `json:"posts" validate:"required,min=1"`
}

type BulkResult struct {
	Index  int    `json:"index"`
	PostID int64  `json:"post_id,omitempty"`
	Code   string `json:"code,omitempty"`
	Error  string `json:"error,omitempty"`
}

type CredentialRequest struct {
	AccessToken  string            `json:"access_token" validate:"required"`
	RefreshToken string            `json:"refresh_token"`
	TokenType    string            `json:"token_type"`
	ExpiresAt    *time.Time        `json:"expires_at"`
	Extra        map[string]string `json:"extra"`
}

// TickReport summarizes one scheduler tick.
type TickReport struct {
	RunID     string        `json:"run_id"`
	Promoted  int           `json:"promoted"`
	Claimed   int           `json:"claimed"`
	Completed int           `json:"completed"`
	Retried   int           `json:"retried"`
	Failed    int           `json:"failed"`
	Discarded int           `json:"discarded"`
	Released  int64         `json:"released"`
	Archived  int           `json:"archived"`
	Purged    int64         `json:"purged"`
	Duration  time.Duration `json:"duration"`
}
