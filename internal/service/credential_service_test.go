package service

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	config "github.com/maheshrc27/postflow/configs"
	"github.com/maheshrc27/postflow/internal/apperrors"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/repository/memory"
	"github.com/maheshrc27/postflow/pkg/clock"
	"github.com/maheshrc27/postflow/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tokenServer struct {
	*httptest.Server
	hits    atomic.Int32
	status  atomic.Int32
	release chan struct{}
	mu      sync.Mutex
	forms   []map[string]string
}

func newTokenServer(t *testing.T, body string) *tokenServer {
	t.Helper()
	ts := &tokenServer{}
	ts.status.Store(http.StatusOK)
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.hits.Add(1)
		if ts.release != nil {
			<-ts.release
		}
		_ = r.ParseForm()
		form := map[string]string{}
		for k := range r.Form {
			form[k] = r.Form.Get(k)
		}
		ts.mu.Lock()
		ts.forms = append(ts.forms, form)
		ts.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		status := int(ts.status.Load())
		w.WriteHeader(status)
		if status >= 400 {
			_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"token revoked"}`))
			return
		}
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *tokenServer) lastForm() map[string]string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.forms) == 0 {
		return nil
	}
	return ts.forms[len(ts.forms)-1]
}

func testCipher(t *testing.T) *utils.Cipher {
	t.Helper()
	c, err := utils.NewCipher([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	return c
}

type credFixture struct {
	store *memory.Store
	svc   CredentialService
	clock *clock.Fake
}

func newCredFixture(t *testing.T, platforms []config.PlatformConfig, clients map[string]config.OAuthClient) *credFixture {
	t.Helper()
	clk := clock.NewFake(time.Now())
	store := memory.New()
	refreshers := NewRefreshers(platforms, clients, nil, clk)
	svc := NewCredentialService(store.Credentials(), testCipher(t), platforms, refreshers, clk, nil)
	return &credFixture{store: store, svc: svc, clock: clk}
}

func oauthPlatform(base string) config.PlatformConfig {
	return config.PlatformConfig{
		Slug:         "acme",
		APIBase:      base,
		AuthType:     "oauth2",
		RefreshStyle: "oauth2",
	}
}

var acmeClient = map[string]config.OAuthClient{"acme": {ClientID: "id", ClientSecret: "secret"}}

func expiringIn(f *credFixture, d time.Duration) *time.Time {
	t := f.clock.Now().Add(d)
	return &t
}

func TestStoreEncryptsTokens(t *testing.T) {
	f := newCredFixture(t, []config.PlatformConfig{oauthPlatform("https://api.example.com")}, nil)
	ctx := context.Background()

	require.NoError(t, f.svc.Store(ctx, &models.PlatformCredential{
		PlatformSlug: "acme",
		AccessToken:  "plain-access",
		RefreshToken: "plain-refresh",
		Extra:        map[string]string{"page_id": "42"},
	}))

	raw, err := f.store.Credentials().Get(ctx, "acme")
	require.NoError(t, err)
	assert.NotEqual(t, "plain-access", raw.AccessToken)
	assert.NotEqual(t, "plain-refresh", raw.RefreshToken)
	assert.NotContains(t, raw.String(), "plain")

	cred, err := f.svc.Get(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "plain-access", cred.AccessToken)
	assert.Equal(t, "plain-refresh", cred.RefreshToken)

	account, err := f.svc.Account(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "42", account["page_id"])
}

func TestStoreValidation(t *testing.T) {
	f := newCredFixture(t, []config.PlatformConfig{oauthPlatform("https://api.example.com")}, nil)
	ctx := context.Background()

	err := f.svc.Store(ctx, &models.PlatformCredential{PlatformSlug: "nope", AccessToken: "x"})
	assert.Equal(t, apperrors.CodeValidation, apperrors.CodeOf(err))

	err = f.svc.Store(ctx, &models.PlatformCredential{PlatformSlug: "acme"})
	assert.Equal(t, apperrors.CodeValidation, apperrors.CodeOf(err))

	_, err = f.svc.Get(ctx, "acme")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestNeedsRefresh(t *testing.T) {
	f := newCredFixture(t, nil, nil)

	assert.True(t, f.svc.NeedsRefresh(&models.PlatformCredential{ExpiresAt: expiringIn(f, 60*time.Second)}))
	assert.True(t, f.svc.NeedsRefresh(&models.PlatformCredential{ExpiresAt: expiringIn(f, -time.Minute)}))
	assert.False(t, f.svc.NeedsRefresh(&models.PlatformCredential{ExpiresAt: expiringIn(f, time.Hour)}))
	assert.False(t, f.svc.NeedsRefresh(&models.PlatformCredential{}))
	assert.False(t, f.svc.NeedsRefresh(nil))
}

func TestAuthHeadersRefreshesExpiringToken(t *testing.T) {
	ts := newTokenServer(t, `{"access_token":"fresh","token_type":"bearer","expires_in":3600,"refresh_token":"r2"}`)
	f := newCredFixture(t, []config.PlatformConfig{oauthPlatform(ts.URL)}, acmeClient)
	ctx := context.Background()

	require.NoError(t, f.svc.Store(ctx, &models.PlatformCredential{
		PlatformSlug: "acme",
		AccessToken:  "stale",
		RefreshToken: "r1",
		TokenType:    "Bearer",
		ExpiresAt:    expiringIn(f, 60*time.Second),
	}))

	header, err := f.svc.AuthHeaders(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "Bearer fresh", header.Get("Authorization"))
	assert.Equal(t, "r1", ts.lastForm()["refresh_token"])
	assert.Equal(t, "refresh_token", ts.lastForm()["grant_type"])

	cred, err := f.svc.Get(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "fresh", cred.AccessToken)
	assert.Equal(t, "r2", cred.RefreshToken)
	require.NotNil(t, cred.ExpiresAt)
	assert.False(t, f.svc.NeedsRefresh(cred))

	hits := ts.hits.Load()
	_, err = f.svc.AuthHeaders(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, hits, ts.hits.Load(), "fresh token must not trigger another refresh")
}

func TestConcurrentRefreshCollapses(t *testing.T) {
	ts := newTokenServer(t, `{"access_token":"fresh","token_type":"bearer","expires_in":3600}`)
	ts.release = make(chan struct{})
	f := newCredFixture(t, []config.PlatformConfig{oauthPlatform(ts.URL)}, acmeClient)
	ctx := context.Background()

	require.NoError(t, f.svc.Store(ctx, &models.PlatformCredential{
		PlatformSlug: "acme",
		AccessToken:  "stale",
		RefreshToken: "r1",
		ExpiresAt:    expiringIn(f, time.Minute),
	}))

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- f.svc.Refresh(ctx, "acme")
		}()
	}
	require.Eventually(t, func() bool { return ts.hits.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	close(ts.release)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), ts.hits.Load())
}

func TestRejectedRefreshDeletesCredential(t *testing.T) {
	ts := newTokenServer(t, "")
	ts.status.Store(http.StatusBadRequest)
	f := newCredFixture(t, []config.PlatformConfig{oauthPlatform(ts.URL)}, acmeClient)
	ctx := context.Background()

	require.NoError(t, f.svc.Store(ctx, &models.PlatformCredential{
		PlatformSlug: "acme",
		AccessToken:  "stale",
		RefreshToken: "revoked",
		ExpiresAt:    expiringIn(f, time.Minute),
	}))

	err := f.svc.Refresh(ctx, "acme")
	var authErr *apperrors.AuthRequiredError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, "acme", authErr.Platform)

	_, err = f.svc.Get(ctx, "acme")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	_, err = f.svc.AuthHeaders(ctx, "acme")
	assert.Equal(t, apperrors.CodeAuthRequired, apperrors.CodeOf(err))
}

func TestTransientRefreshFailureKeepsValidToken(t *testing.T) {
	ts := newTokenServer(t, "")
	ts.status.Store(http.StatusBadGateway)
	f := newCredFixture(t, []config.PlatformConfig{oauthPlatform(ts.URL)}, acmeClient)
	ctx := context.Background()

	require.NoError(t, f.svc.Store(ctx, &models.PlatformCredential{
		PlatformSlug: "acme",
		AccessToken:  "still-good",
		RefreshToken: "r1",
		ExpiresAt:    expiringIn(f, 2*time.Minute),
	}))

	header, err := f.svc.AuthHeaders(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "Bearer still-good", header.Get("Authorization"))

	_, err = f.svc.Get(ctx, "acme")
	require.NoError(t, err, "transient failures keep the credential")

	f.clock.Advance(5 * time.Minute)
	_, err = f.svc.AuthHeaders(ctx, "acme")
	require.Error(t, err)
	assert.NotEqual(t, apperrors.CodeAuthRequired, apperrors.CodeOf(err))
}

func TestExpiredWithoutRefresher(t *testing.T) {
	cfg := config.PlatformConfig{Slug: "social", AuthType: "bearer", RefreshStyle: "none"}
	f := newCredFixture(t, []config.PlatformConfig{cfg}, nil)
	ctx := context.Background()

	require.NoError(t, f.svc.Store(ctx, &models.PlatformCredential{
		PlatformSlug: "social",
		AccessToken:  "tok",
		ExpiresAt:    expiringIn(f, -time.Second),
	}))

	_, err := f.svc.AuthHeaders(ctx, "social")
	var authErr *apperrors.AuthRequiredError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, "token expired", authErr.Reason)

	err = f.svc.Refresh(ctx, "social")
	assert.Equal(t, apperrors.CodeAuthRequired, apperrors.CodeOf(err))
	_, err = f.svc.Get(ctx, "social")
	assert.NoError(t, err, "platforms without a refresher keep their credential")
}

func TestAPIKeyHeaders(t *testing.T) {
	cfg := config.PlatformConfig{Slug: "keyed", AuthType: "api-key", APIKeyHeader: "X-Api-Token", RefreshStyle: "none"}
	f := newCredFixture(t, []config.PlatformConfig{cfg}, nil)
	ctx := context.Background()

	require.NoError(t, f.svc.Store(ctx, &models.PlatformCredential{PlatformSlug: "keyed", AccessToken: "k-123"}))

	header, err := f.svc.StoredHeaders(ctx, "keyed")
	require.NoError(t, err)
	assert.Equal(t, "k-123", header.Get("X-Api-Token"))
	assert.Empty(t, header.Get("Authorization"))
}

func TestStoredHeadersNeverRefresh(t *testing.T) {
	ts := newTokenServer(t, `{"access_token":"fresh","token_type":"bearer","expires_in":3600}`)
	f := newCredFixture(t, []config.PlatformConfig{oauthPlatform(ts.URL)}, acmeClient)
	ctx := context.Background()

	require.NoError(t, f.svc.Store(ctx, &models.PlatformCredential{
		PlatformSlug: "acme",
		AccessToken:  "stale",
		RefreshToken: "r1",
		TokenType:    "token",
		ExpiresAt:    expiringIn(f, time.Minute),
	}))

	header, err := f.svc.StoredHeaders(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "token stale", header.Get("Authorization"))
	assert.Equal(t, int32(0), ts.hits.Load())
}

func TestListExpiringRedactsTokens(t *testing.T) {
	f := newCredFixture(t, []config.PlatformConfig{
		{Slug: "a", AuthType: "oauth2", RefreshStyle: "oauth2"},
		{Slug: "b", AuthType: "oauth2", RefreshStyle: "oauth2"},
	}, nil)
	ctx := context.Background()

	require.NoError(t, f.svc.Store(ctx, &models.PlatformCredential{PlatformSlug: "a", AccessToken: "x", ExpiresAt: expiringIn(f, 10*time.Minute)}))
	require.NoError(t, f.svc.Store(ctx, &models.PlatformCredential{PlatformSlug: "b", AccessToken: "y", ExpiresAt: expiringIn(f, 3*time.Hour)}))

	creds, err := f.svc.ListExpiring(ctx, 30*time.Minute)
	require.NoError(t, err)
	require.Len(t, creds, 1)
	assert.Equal(t, "a", creds[0].PlatformSlug)
	assert.Empty(t, creds[0].AccessToken)
}

func TestTiktokRefresher(t *testing.T) {
	ts := newTokenServer(t, `{"access_token":"tt-new","refresh_token":"tt-r2","expires_in":86400,"open_id":"open-1","token_type":"Bearer"}`)
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	cfg := config.PlatformConfig{Slug: "tiktok", APIBase: ts.URL, AuthType: "oauth2", RefreshStyle: "tiktok",
		EndpointOverrides: map[string]string{"token": "/v2/oauth/token/"}}

	refreshers := NewRefreshers([]config.PlatformConfig{cfg},
		map[string]config.OAuthClient{"tiktok": {ClientID: "ck", ClientSecret: "cs"}}, nil, clk)
	require.Contains(t, refreshers, "tiktok")

	fresh, err := refreshers["tiktok"].Refresh(context.Background(), &models.PlatformCredential{
		PlatformSlug: "tiktok", AccessToken: "tt-old", RefreshToken: "tt-r1",
	})
	require.NoError(t, err)
	assert.Equal(t, "tt-new", fresh.AccessToken)
	assert.Equal(t, "tt-r2", fresh.RefreshToken)
	assert.Equal(t, "open-1", fresh.Extra["open_id"])
	assert.Equal(t, clk.Now().Add(24*time.Hour), *fresh.ExpiresAt)

	form := ts.lastForm()
	assert.Equal(t, "ck", form["client_key"])
	assert.Equal(t, "cs", form["client_secret"])
	assert.Equal(t, "tt-r1", form["refresh_token"])
}

func TestTiktokRefresherErrorBody(t *testing.T) {
	ts := newTokenServer(t, `{"error":"invalid_grant","error_description":"refresh token expired"}`)
	cfg := config.PlatformConfig{Slug: "tiktok", APIBase: ts.URL, AuthType: "oauth2", RefreshStyle: "tiktok"}
	refreshers := NewRefreshers([]config.PlatformConfig{cfg},
		map[string]config.OAuthClient{"tiktok": {ClientID: "ck", ClientSecret: "cs"}}, nil, clock.Real())

	_, err := refreshers["tiktok"].Refresh(context.Background(), &models.PlatformCredential{RefreshToken: "r"})
	var authErr *apperrors.AuthRequiredError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, "refresh token expired", authErr.Reason)
}

func TestInstagramRefresher(t *testing.T) {
	ts := newTokenServer(t, `{"access_token":"ig-new","token_type":"bearer","expires_in":5184000}`)
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	cfg := config.PlatformConfig{Slug: "instagram", APIBase: ts.URL, AuthType: "oauth2", RefreshStyle: "instagram",
		EndpointOverrides: map[string]string{"token": "/refresh_access_token"}}

	refreshers := NewRefreshers([]config.PlatformConfig{cfg}, nil, nil, clk)
	fresh, err := refreshers["instagram"].Refresh(context.Background(), &models.PlatformCredential{
		PlatformSlug: "instagram", AccessToken: "ig-old",
	})
	require.NoError(t, err)
	assert.Equal(t, "ig-new", fresh.AccessToken)
	assert.Equal(t, "ig-new", fresh.RefreshToken)
	assert.Equal(t, clk.Now().Add(60*24*time.Hour), *fresh.ExpiresAt)

	form := ts.lastForm()
	assert.Equal(t, "ig_refresh_token", form["grant_type"])
	assert.Equal(t, "ig-old", form["access_token"])
}

func TestNewRefreshersSkipsUnconfigured(t *testing.T) {
	refreshers := NewRefreshers([]config.PlatformConfig{
		{Slug: "twitter", AuthType: "oauth2", RefreshStyle: "oauth2"},
		{Slug: "mastodon", AuthType: "bearer", RefreshStyle: "none"},
	}, map[string]config.OAuthClient{}, nil, nil)
	assert.Empty(t, refreshers)
}
