package platform

import (
	"context"
	"sort"

	config "github.com/maheshrc27/postflow/configs"
	"github.com/maheshrc27/postflow/internal/ratelimit"
	"golang.org/x/sync/errgroup"
)

// Registry holds one Driver per configured platform.
type Registry struct {
	drivers map[string]*Driver
}

func NewRegistry(platforms []config.PlatformConfig, creds Credentials, gate *ratelimit.Gate, opts Options) *Registry {
	r := &Registry{drivers: make(map[string]*Driver, len(platforms))}
	for _, cfg := range platforms {
		r.drivers[cfg.Slug] = NewDriver(cfg, creds, gate, opts)
	}
	return r
}

func (r *Registry) Get(slug string) (*Driver, bool) {
	d, ok := r.drivers[slug]
	return d, ok
}

func (r *Registry) Slugs() []string {
	slugs := make([]string, 0, len(r.drivers))
	for slug := range r.drivers {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)
	return slugs
}

// Budgets derives rate limit budgets from the platform configs.
func Budgets(platforms []config.PlatformConfig) map[string]ratelimit.Budget {
	budgets := make(map[string]ratelimit.Budget, len(platforms))
	for _, p := range platforms {
		budgets[p.Slug] = ratelimit.Budget{Limit: int64(p.RateLimit), Window: p.RateWindow}
	}
	return budgets
}

// CheckAll probes every platform concurrently.
func (r *Registry) CheckAll(ctx context.Context) []HealthReport {
	slugs := r.Slugs()
	reports := make([]HealthReport, len(slugs))

	var g errgroup.Group
	g.SetLimit(8)
	for i, slug := range slugs {
		i, slug := i, slug
		g.Go(func() error {
			reports[i] = r.drivers[slug].CheckHealth(ctx)
			return nil
		})
	}
	_ = g.Wait()
	return reports
}
