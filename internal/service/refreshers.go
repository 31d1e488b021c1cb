package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	config "github.com/maheshrc27/postflow/configs"
	"github.com/maheshrc27/postflow/internal/apperrors"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/platform"
	"github.com/maheshrc27/postflow/internal/transfer"
	"github.com/maheshrc27/postflow/pkg/clock"
	"golang.org/x/oauth2"
)

// Refresher exchanges a credential for a fresh one. Both sides hold plaintext
// tokens. An AuthRequiredError means the provider rejected the grant; any
// other error is transient and leaves the stored credential alone.
type Refresher interface {
	Refresh(ctx context.Context, cred *models.PlatformCredential) (*models.PlatformCredential, error)
}

// NewRefreshers builds one Refresher per platform whose refresh_style allows
// it. OAuth2 and TikTok platforms without client credentials are skipped.
func NewRefreshers(platforms []config.PlatformConfig, clients map[string]config.OAuthClient, httpClient *http.Client, clk clock.Clock) map[string]Refresher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if clk == nil {
		clk = clock.Real()
	}
	refreshers := make(map[string]Refresher)
	for _, cfg := range platforms {
		tokenURL := platform.BuildEndpoints(cfg)[platform.OpToken].Primary
		client := clients[cfg.Slug]
		switch cfg.RefreshStyle {
		case "oauth2":
			if client.ClientID == "" {
				slog.Warn("no oauth client configured, tokens will not be refreshed", "platform", cfg.Slug)
				continue
			}
			refreshers[cfg.Slug] = &oauth2Refresher{
				platform: cfg.Slug,
				conf: &oauth2.Config{
					ClientID:     client.ClientID,
					ClientSecret: client.ClientSecret,
					Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
				},
				client: httpClient,
			}
		case "tiktok":
			if client.ClientID == "" {
				slog.Warn("no oauth client configured, tokens will not be refreshed", "platform", cfg.Slug)
				continue
			}
			refreshers[cfg.Slug] = &tiktokRefresher{
				platform:     cfg.Slug,
				tokenURL:     tokenURL,
				clientKey:    client.ClientID,
				clientSecret: client.ClientSecret,
				client:       httpClient,
				clock:        clk,
			}
		case "instagram":
			refreshers[cfg.Slug] = &instagramRefresher{
				platform: cfg.Slug,
				tokenURL: tokenURL,
				client:   httpClient,
				clock:    clk,
			}
		}
	}
	return refreshers
}

type oauth2Refresher struct {
	platform string
	conf     *oauth2.Config
	client   *http.Client
}

func (r *oauth2Refresher) Refresh(ctx context.Context, cred *models.PlatformCredential) (*models.PlatformCredential, error) {
	if cred.RefreshToken == "" {
		return nil, &apperrors.AuthRequiredError{Platform: r.platform, Reason: "no refresh token stored"}
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.client)
	token, err := r.conf.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken}).Token()
	if err != nil {
		return nil, r.classify(err)
	}

	fresh := *cred
	fresh.AccessToken = token.AccessToken
	if token.RefreshToken != "" {
		fresh.RefreshToken = token.RefreshToken
	}
	fresh.TokenType = token.Type()
	fresh.ExpiresAt = nil
	if !token.Expiry.IsZero() {
		exp := token.Expiry
		fresh.ExpiresAt = &exp
	}
	return &fresh, nil
}

func (r *oauth2Refresher) classify(err error) error {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return &apperrors.TransportError{URL: r.conf.Endpoint.TokenURL, Err: err}
	}
	status := 0
	if re.Response != nil {
		status = re.Response.StatusCode
	}
	if status >= 400 && status < 500 {
		reason := re.ErrorCode
		if reason == "" {
			reason = "refresh rejected"
		}
		return &apperrors.AuthRequiredError{Platform: r.platform, Reason: reason}
	}
	return &apperrors.HTTPError{URL: r.conf.Endpoint.TokenURL, StatusCode: status, Body: string(re.Body)}
}

type tiktokRefresher struct {
	platform     string
	tokenURL     string
	clientKey    string
	clientSecret string
	client       *http.Client
	clock        clock.Clock
}

func (r *tiktokRefresher) Refresh(ctx context.Context, cred *models.PlatformCredential) (*models.PlatformCredential, error) {
	if cred.RefreshToken == "" {
		return nil, &apperrors.AuthRequiredError{Platform: r.platform, Reason: "no refresh token stored"}
	}

	data := url.Values{}
	data.Set("client_key", r.clientKey)
	data.Set("client_secret", r.clientSecret)
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", cred.RefreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.tokenURL, bytes.NewBufferString(data.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var tokenResponse transfer.TiktokTokenResponse
	if err := fetchToken(r.client, req, r.platform, &tokenResponse); err != nil {
		return nil, err
	}
	if tokenResponse.Error != "" || tokenResponse.AccessToken == "" {
		reason := tokenResponse.ErrorDescription
		if reason == "" {
			reason = tokenResponse.Error
		}
		return nil, &apperrors.AuthRequiredError{Platform: r.platform, Reason: reason}
	}

	fresh := *cred
	fresh.AccessToken = tokenResponse.AccessToken
	if tokenResponse.RefreshToken != "" {
		fresh.RefreshToken = tokenResponse.RefreshToken
	}
	fresh.TokenType = "Bearer"
	fresh.ExpiresAt = expiresAt(r.clock, tokenResponse.ExpiresIn)
	if tokenResponse.OpenID != "" {
		fresh.Extra = withExtra(cred.Extra, "open_id", tokenResponse.OpenID)
	}
	return &fresh, nil
}

// instagramRefresher extends a long-lived token. Instagram has no separate
// refresh token; the access token itself is exchanged.
type instagramRefresher struct {
	platform string
	tokenURL string
	client   *http.Client
	clock    clock.Clock
}

func (r *instagramRefresher) Refresh(ctx context.Context, cred *models.PlatformCredential) (*models.PlatformCredential, error) {
	query := url.Values{}
	query.Set("grant_type", "ig_refresh_token")
	query.Set("access_token", cred.AccessToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.tokenURL+"?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}

	var result transfer.InstagramRefreshResponse
	if err := fetchToken(r.client, req, r.platform, &result); err != nil {
		return nil, err
	}
	if result.AccessToken == "" {
		return nil, &apperrors.AuthRequiredError{Platform: r.platform, Reason: "empty token in refresh response"}
	}

	fresh := *cred
	fresh.AccessToken = result.AccessToken
	fresh.RefreshToken = result.AccessToken
	fresh.TokenType = "Bearer"
	fresh.ExpiresAt = expiresAt(r.clock, result.ExpiresIn)
	return &fresh, nil
}

// fetchToken performs a token request and decodes a 2xx body into out. 4xx
// answers are rejections; 5xx and transport failures are transient.
func fetchToken(client *http.Client, req *http.Request, platformSlug string, out any) error {
	endpoint := req.URL.Scheme + "://" + req.URL.Host + req.URL.Path
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return &apperrors.TransportError{URL: endpoint, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return &apperrors.TransportError{URL: endpoint, Err: err}
	}

	switch {
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		slog.Info("token refresh rejected", "platform", platformSlug, "status", resp.StatusCode)
		return &apperrors.AuthRequiredError{Platform: platformSlug, Reason: fmt.Sprintf("refresh rejected with status %d", resp.StatusCode)}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return &apperrors.HTTPError{URL: endpoint, StatusCode: resp.StatusCode, Body: string(body)}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding %s token response: %w", platformSlug, err)
	}
	return nil
}

func expiresAt(clk clock.Clock, expiresIn int) *time.Time {
	if expiresIn <= 0 {
		return nil
	}
	t := clk.Now().Add(time.Duration(expiresIn) * time.Second)
	return &t
}

func withExtra(extra map[string]string, key, value string) map[string]string {
	out := make(map[string]string, len(extra)+1)
	for k, v := range extra {
		out[k] = v
	}
	out[key] = value
	return out
}
