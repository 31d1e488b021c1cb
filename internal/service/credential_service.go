package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	config "github.com/maheshrc27/postflow/configs"
	"github.com/maheshrc27/postflow/internal/apperrors"
	"github.com/maheshrc27/postflow/internal/metrics"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/platform"
	"github.com/maheshrc27/postflow/internal/repository"
	"github.com/maheshrc27/postflow/pkg/clock"
	"github.com/maheshrc27/postflow/pkg/utils"
	"golang.org/x/sync/singleflight"
)

// RefreshWindow is how close to expiry a token must be before it is refreshed.
const RefreshWindow = 5 * time.Minute

// CredentialService owns platform secrets. Tokens are encrypted before they
// reach the repository and decrypted only for the duration of a call.
type CredentialService interface {
	platform.Credentials
	Get(ctx context.Context, platform string) (*models.PlatformCredential, error)
	Store(ctx context.Context, cred *models.PlatformCredential) error
	Delete(ctx context.Context, platform string) error
	NeedsRefresh(cred *models.PlatformCredential) bool
	ListExpiring(ctx context.Context, within time.Duration) ([]*models.PlatformCredential, error)
}

type credentialService struct {
	repo       repository.CredentialRepository
	cipher     *utils.Cipher
	platforms  map[string]config.PlatformConfig
	refreshers map[string]Refresher
	clock      clock.Clock
	metrics    *metrics.Pipeline
	group      singleflight.Group
}

func NewCredentialService(repo repository.CredentialRepository, cipher *utils.Cipher, platforms []config.PlatformConfig, refreshers map[string]Refresher, clk clock.Clock, m *metrics.Pipeline) CredentialService {
	if clk == nil {
		clk = clock.Real()
	}
	byslug := make(map[string]config.PlatformConfig, len(platforms))
	for _, p := range platforms {
		byslug[p.Slug] = p
	}
	return &credentialService{
		repo:       repo,
		cipher:     cipher,
		platforms:  byslug,
		refreshers: refreshers,
		clock:      clk,
		metrics:    m,
	}
}

// Get returns the decrypted credential or apperrors.ErrNotFound.
func (s *credentialService) Get(ctx context.Context, platform string) (*models.PlatformCredential, error) {
	cred, err := s.load(ctx, platform)
	if err != nil {
		return nil, err
	}
	if cred == nil {
		return nil, fmt.Errorf("credential for %s: %w", platform, apperrors.ErrNotFound)
	}
	return cred, nil
}

func (s *credentialService) Store(ctx context.Context, cred *models.PlatformCredential) error {
	if _, ok := s.platforms[cred.PlatformSlug]; !ok {
		return apperrors.Validation("platform", "unknown platform %q", cred.PlatformSlug)
	}
	if cred.AccessToken == "" {
		return apperrors.Validation("access_token", "must not be empty")
	}
	sealed, err := s.seal(cred)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	sealed.CreatedAt = now
	sealed.UpdatedAt = now
	return s.repo.Upsert(ctx, sealed)
}

func (s *credentialService) Delete(ctx context.Context, platform string) error {
	return s.repo.Remove(ctx, platform)
}

func (s *credentialService) NeedsRefresh(cred *models.PlatformCredential) bool {
	return cred != nil && cred.ExpiresAt != nil && cred.ExpiresAt.Before(s.clock.Now().Add(RefreshWindow))
}

// ListExpiring returns credentials expiring within the horizon. Token fields
// are cleared.
func (s *credentialService) ListExpiring(ctx context.Context, within time.Duration) ([]*models.PlatformCredential, error) {
	creds, err := s.repo.ListExpiring(ctx, s.clock.Now().Add(within))
	if err != nil {
		return nil, err
	}
	for _, c := range creds {
		c.AccessToken = ""
		c.RefreshToken = ""
	}
	return creds, nil
}

// AuthHeaders returns ready-to-send auth headers, refreshing first when the
// token is close to expiry. A failed refresh is tolerated while the current
// token is still valid.
func (s *credentialService) AuthHeaders(ctx context.Context, platform string) (http.Header, error) {
	cred, err := s.load(ctx, platform)
	if err != nil {
		return nil, err
	}
	if cred == nil {
		return nil, &apperrors.AuthRequiredError{Platform: platform, Reason: "no credential stored"}
	}

	if s.NeedsRefresh(cred) && s.refreshers[platform] != nil {
		if err := s.Refresh(ctx, platform); err != nil {
			if apperrors.CodeOf(err) == apperrors.CodeAuthRequired || cred.Expired(s.clock.Now()) {
				return nil, err
			}
			slog.Warn("token refresh failed, using current token", "platform", platform, "error", err)
		} else if cred, err = s.load(ctx, platform); err != nil {
			return nil, err
		} else if cred == nil {
			return nil, &apperrors.AuthRequiredError{Platform: platform, Reason: "credential removed during refresh"}
		}
	}

	return s.headersFor(platform, cred)
}

// StoredHeaders is AuthHeaders without any refresh attempt.
func (s *credentialService) StoredHeaders(ctx context.Context, platform string) (http.Header, error) {
	cred, err := s.load(ctx, platform)
	if err != nil {
		return nil, err
	}
	if cred == nil {
		return nil, &apperrors.AuthRequiredError{Platform: platform, Reason: "no credential stored"}
	}
	return s.headersFor(platform, cred)
}

func (s *credentialService) Account(ctx context.Context, slug string) (platform.Account, error) {
	cred, err := s.repo.Get(ctx, slug)
	if err != nil {
		return nil, err
	}
	if cred == nil {
		return nil, &apperrors.AuthRequiredError{Platform: slug, Reason: "no credential stored"}
	}
	account := make(map[string]string, len(cred.Extra))
	for k, v := range cred.Extra {
		account[k] = v
	}
	return account, nil
}

// Refresh exchanges the stored credential for a new one. Concurrent calls for
// the same platform share a single exchange. When the provider rejects the
// grant the credential is deleted.
func (s *credentialService) Refresh(ctx context.Context, platform string) error {
	_, err, _ := s.group.Do(platform, func() (interface{}, error) {
		err := s.refresh(ctx, platform)
		s.metrics.ObserveRefresh(platform, err)
		return nil, err
	})
	return err
}

func (s *credentialService) refresh(ctx context.Context, platform string) error {
	refresher := s.refreshers[platform]
	if refresher == nil {
		return &apperrors.AuthRequiredError{Platform: platform, Reason: "token cannot be refreshed"}
	}

	stored, err := s.repo.Get(ctx, platform)
	if err != nil {
		return err
	}
	if stored == nil {
		return &apperrors.AuthRequiredError{Platform: platform, Reason: "no credential stored"}
	}
	cred, err := s.open(stored)
	if err != nil {
		return err
	}

	fresh, err := refresher.Refresh(ctx, cred)
	if err != nil {
		var authErr *apperrors.AuthRequiredError
		if errors.As(err, &authErr) {
			slog.Warn("refresh rejected, removing credential", "platform", platform, "reason", authErr.Reason)
			if rmErr := s.repo.Remove(ctx, platform); rmErr != nil {
				slog.Error("removing rejected credential", "platform", platform, "error", rmErr)
			}
			return err
		}
		slog.Warn("token refresh failed", "platform", platform, "error", err)
		return err
	}

	sealed, err := s.seal(fresh)
	if err != nil {
		return err
	}
	sealed.UpdatedAt = s.clock.Now()

	ok, err := s.repo.SetToken(ctx, stored.AccessToken, sealed)
	if err != nil {
		return err
	}
	if !ok {
		slog.Info("credential changed during refresh, keeping newer token", "platform", platform)
		return nil
	}
	slog.Info("token refreshed", "platform", platform, "credential", fresh.String())
	return nil
}

func (s *credentialService) headersFor(slug string, cred *models.PlatformCredential) (http.Header, error) {
	if cred.Expired(s.clock.Now()) {
		return nil, &apperrors.AuthRequiredError{Platform: slug, Reason: "token expired"}
	}
	header := make(http.Header)
	cfg := s.platforms[slug]
	if models.AuthType(cfg.AuthType) == models.AuthTypeAPIKey {
		header.Set(cfg.APIKeyHeader, cred.AccessToken)
		return header, nil
	}
	header.Set("Authorization", tokenType(cred.TokenType)+" "+cred.AccessToken)
	return header, nil
}

func tokenType(t string) string {
	if t == "" || strings.EqualFold(t, "bearer") {
		return "Bearer"
	}
	return t
}

// load returns the decrypted credential, or nil when none is stored.
func (s *credentialService) load(ctx context.Context, platform string) (*models.PlatformCredential, error) {
	stored, err := s.repo.Get(ctx, platform)
	if err != nil || stored == nil {
		return nil, err
	}
	return s.open(stored)
}

func (s *credentialService) open(stored *models.PlatformCredential) (*models.PlatformCredential, error) {
	cred := *stored
	var err error
	if cred.AccessToken, err = s.cipher.Decrypt(stored.AccessToken); err != nil {
		return nil, fmt.Errorf("decrypting access token for %s: %w", stored.PlatformSlug, err)
	}
	if cred.RefreshToken, err = s.cipher.Decrypt(stored.RefreshToken); err != nil {
		return nil, fmt.Errorf("decrypting refresh token for %s: %w", stored.PlatformSlug, err)
	}
	return &cred, nil
}

func (s *credentialService) seal(cred *models.PlatformCredential) (*models.PlatformCredential, error) {
	sealed := *cred
	var err error
	if sealed.AccessToken, err = s.cipher.Encrypt(cred.AccessToken); err != nil {
		return nil, err
	}
	if sealed.RefreshToken, err = s.cipher.Encrypt(cred.RefreshToken); err != nil {
		return nil, err
	}
	return &sealed, nil
}
