package models

import (
	"fmt"
	"time"
)

type AuthType string

const (
	AuthTypeOAuth2 AuthType = "oauth2"
	AuthTypeAPIKey AuthType = "api-key"
	AuthTypeBearer AuthType = "bearer"
)

// PlatformCredential holds per-platform secret material. Repositories only
// ever store the encrypted form of AccessToken and RefreshToken.
type PlatformCredential struct {
	PlatformSlug string            `db:"platform_slug" json:"platform_slug"`
	AccessToken  string            `db:"access_token" json:"-"`
	RefreshToken string            `db:"refresh_token" json:"-"`
	TokenType    string            `db:"token_type" json:"token_type"`
	ExpiresAt    *time.Time        `db:"expires_at" json:"expires_at,omitempty"`
	Extra        map[string]string `db:"extra" json:"extra,omitempty"`
	CreatedAt    time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time         `db:"updated_at" json:"updated_at"`
}

func (c *PlatformCredential) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !c.ExpiresAt.After(now)
}

// String never includes token material.
func (c *PlatformCredential) String() string {
	exp := "never"
	if c.ExpiresAt != nil {
		exp = c.ExpiresAt.Format(time.RFC3339)
	}
	return fmt.Sprintf("credential{platform=%s type=%s expires=%s}", c.PlatformSlug, c.TokenType, exp)
}
