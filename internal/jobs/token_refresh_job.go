package job

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/service"
)

const refreshConcurrency = 10

// TokenRefreshJob refreshes credentials ahead of their expiry so publishing
// rarely has to do it inline.
type TokenRefreshJob struct {
	cs      service.CredentialService
	horizon time.Duration
}

func NewTokenRefreshJob(cs service.CredentialService, horizon time.Duration) *TokenRefreshJob {
	if horizon <= 0 {
		horizon = 30 * time.Minute
	}
	return &TokenRefreshJob{cs: cs, horizon: horizon}
}

// RefreshTokens is the cron entry point.
func (c *TokenRefreshJob) RefreshTokens() {
	c.Run(context.Background())
}

// Run refreshes every credential expiring within the horizon and returns how
// many refreshes succeeded.
func (c *TokenRefreshJob) Run(ctx context.Context) int {
	creds, err := c.cs.ListExpiring(ctx, c.horizon)
	if err != nil {
		slog.Info(err.Error())
		return 0
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		refreshed int
	)
	semaphore := make(chan struct{}, refreshConcurrency)

	for _, cred := range creds {
		wg.Add(1)
		semaphore <- struct{}{}

		go func(cred *models.PlatformCredential) {
			defer wg.Done()
			defer func() { <-semaphore }()

			if err := c.cs.Refresh(ctx, cred.PlatformSlug); err != nil {
				slog.Warn("unable to refresh token", "platform", cred.PlatformSlug, "error", err)
				return
			}
			mu.Lock()
			refreshed++
			mu.Unlock()
		}(cred)
	}
	wg.Wait()

	if len(creds) > 0 {
		slog.Info("token refresh finished", "expiring", len(creds), "refreshed", refreshed)
	}
	return refreshed
}
