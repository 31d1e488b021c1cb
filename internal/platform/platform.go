// Package platform talks to the social networks. A Driver owns the parts
// every network shares (endpoint fallback, token refresh, rate limiting,
// timeouts) and delegates payload shapes to a per-network Platform.
package platform

import (
	"context"
	"net/http"
	"net/url"

	config "github.com/maheshrc27/postflow/configs"
	"github.com/maheshrc27/postflow/internal/models"
)

// Content is a post as it will be sent to one platform. Text is the body
// already rendered for the platform's content format.
type Content struct {
	PostID int64
	Title  string
	Body   string
	Text   string
	Media  []models.MediaRef
}

// Account is provider data stored next to a credential, such as account or
// page identifiers used in endpoint paths.
type Account map[string]string

// Request is one call to a platform, described by its logical operation.
// URL, when set, replaces the endpoint table and disables fallback.
type Request struct {
	Operation string
	Method    string
	URL       string
	Query     url.Values
	Header    http.Header
	Body      any
	Form      url.Values
	// SourceURL streams the referenced media as the raw request body.
	SourceURL string
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	URL        string
	Fallback   bool
}

// Platform adapts content to one social network's API.
type Platform interface {
	Slug() string
	Format(c Content, a Account) (*Request, error)
	Normalize(resp *Response, a Account) (postID string, postURL string, err error)
	HealthCheckEndpoints() []string
}

// FollowUpper is implemented by platforms that publish in more than one
// call. FollowUp returns nil when the previous response finished the publish.
type FollowUpper interface {
	FollowUp(prev *Response, c Content, a Account) (*Request, error)
}

// ContentValidator adds platform specific checks on top of the limits in the
// platform config.
type ContentValidator interface {
	ValidateContent(c Content) error
}

// Credentials supplies authentication for outbound calls.
type Credentials interface {
	AuthHeaders(ctx context.Context, platform string) (http.Header, error)
	StoredHeaders(ctx context.Context, platform string) (http.Header, error)
	Refresh(ctx context.Context, platform string) error
	Account(ctx context.Context, platform string) (Account, error)
}

// Builder constructs the Platform for a config record.
type Builder func(cfg config.PlatformConfig) Platform

var builders = map[string]Builder{
	"twitter":   newTwitter,
	"facebook":  newFacebook,
	"linkedin":  newLinkedIn,
	"instagram": newInstagram,
	"tiktok":    newTiktok,
	"youtube":   newYoutube,
	"mastodon":  newMastodon,
	"tumblr":    newTumblr,
}

func builderFor(slug string) Builder {
	if b, ok := builders[slug]; ok {
		return b
	}
	return newGeneric
}

type base struct {
	cfg config.PlatformConfig
}

func (b base) Slug() string { return b.cfg.Slug }

func (b base) HealthCheckEndpoints() []string { return []string{OpMe} }
