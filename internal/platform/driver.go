package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	config "github.com/maheshrc27/postflow/configs"
	"github.com/maheshrc27/postflow/internal/apperrors"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/ratelimit"
	"github.com/maheshrc27/postflow/pkg/clock"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"golang.org/x/time/rate"
)

const (
	DefaultTimeout   = 30 * time.Second
	DefaultSlowAfter = 2 * time.Second
	maxFollowUps     = 3
)

type Options struct {
	Client    *http.Client
	Timeout   time.Duration
	SlowAfter time.Duration
	Clock     clock.Clock
}

// Driver publishes to one platform.
type Driver struct {
	cfg       config.PlatformConfig
	platform  Platform
	endpoints EndpointTable
	creds     Credentials
	gate      *ratelimit.Gate
	limiter   *rate.Limiter
	client    *http.Client
	timeout   time.Duration
	slowAfter time.Duration
	clock     clock.Clock
}

func NewDriver(cfg config.PlatformConfig, creds Credentials, gate *ratelimit.Gate, opts Options) *Driver {
	d := &Driver{
		cfg:       cfg,
		platform:  builderFor(cfg.Slug)(cfg),
		endpoints: BuildEndpoints(cfg),
		creds:     creds,
		gate:      gate,
		client:    opts.Client,
		timeout:   opts.Timeout,
		slowAfter: opts.SlowAfter,
		clock:     opts.Clock,
	}
	if d.client == nil {
		d.client = &http.Client{}
	}
	if d.timeout <= 0 {
		d.timeout = DefaultTimeout
	}
	if d.slowAfter <= 0 {
		d.slowAfter = DefaultSlowAfter
	}
	if d.clock == nil {
		d.clock = clock.Real()
	}
	if cfg.RequestsPerSecond > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return d
}

func (d *Driver) Slug() string                  { return d.cfg.Slug }
func (d *Driver) Config() config.PlatformConfig { return d.cfg }
func (d *Driver) Endpoints() EndpointTable      { return d.endpoints }

func (d *Driver) prepare(c Content) (Content, error) {
	text, err := Render(d.cfg.ContentFormat, c.Body)
	if err != nil {
		return c, apperrors.Validation("body", "cannot render for %s: %v", d.cfg.Slug, err)
	}
	if d.cfg.Truncate {
		text = Truncate(text, d.cfg.MaxChars)
	}
	c.Text = text
	return c, nil
}

// Validate checks content against the platform limits without any network call.
func (d *Driver) Validate(c Content) error {
	c, err := d.prepare(c)
	if err != nil {
		return err
	}
	return d.validatePrepared(c)
}

func (d *Driver) validatePrepared(c Content) error {
	if err := validateLimits(d.cfg, c); err != nil {
		return err
	}
	if v, ok := d.platform.(ContentValidator); ok {
		return v.ValidateContent(c)
	}
	return nil
}

// Publish sends content to the platform. Validation and rate limiting happen
// before any network call.
func (d *Driver) Publish(ctx context.Context, c Content) (*models.NormalizedResult, error) {
	c, err := d.prepare(c)
	if err != nil {
		return nil, err
	}
	if err := d.validatePrepared(c); err != nil {
		return nil, err
	}

	if d.gate != nil {
		if err := d.gate.Acquire(ctx, d.cfg.Slug); err != nil {
			return nil, err
		}
	}

	account, err := d.creds.Account(ctx, d.cfg.Slug)
	if err != nil {
		return nil, err
	}
	headers, err := d.creds.AuthHeaders(ctx, d.cfg.Slug)
	if err != nil {
		return nil, err
	}

	req, err := d.platform.Format(c, account)
	if err != nil {
		return nil, err
	}

	idempotencyKey, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("generating idempotency key: %w", err)
	}

	resp, headers, err := d.execute(ctx, req, account, headers, idempotencyKey)
	if err != nil {
		return nil, err
	}

	if fu, ok := d.platform.(FollowUpper); ok {
		for i := 0; i < maxFollowUps; i++ {
			next, err := fu.FollowUp(resp, c, account)
			if err != nil {
				return nil, err
			}
			if next == nil {
				break
			}
			resp, headers, err = d.execute(ctx, next, account, headers, fmt.Sprintf("%s-%d", idempotencyKey, i+1))
			if err != nil {
				return nil, err
			}
		}
	}

	postID, postURL, err := d.platform.Normalize(resp, account)
	if err != nil {
		return nil, err
	}

	return &models.NormalizedResult{
		PlatformID:  d.cfg.Slug,
		PostID:      postID,
		URL:         postURL,
		Status:      models.ResultPublished,
		PublishedAt: d.clock.Now(),
		RawResponse: string(resp.Body),
	}, nil
}

// execute runs a request against the primary endpoint. A 401 triggers one
// credential refresh and one retry of the same endpoint; any other failure
// gets one try on the fallback endpoint. When a rate-limited primary is
// followed by a failed fallback the rate limit is reported so its
// retry-after is honoured.
func (d *Driver) execute(ctx context.Context, req *Request, account Account, headers http.Header, idempotencyKey string) (*Response, http.Header, error) {
	primary, fallback := req.URL, ""
	if primary == "" {
		ep, ok := d.endpoints[req.Operation]
		if !ok {
			return nil, headers, fmt.Errorf("%s has no %q endpoint", d.cfg.Slug, req.Operation)
		}
		primary, fallback = ep.Primary, ep.Fallback
	}

	primary, missing := expand(primary, account)
	if missing != "" {
		return nil, headers, &apperrors.AuthRequiredError{Platform: d.cfg.Slug, Reason: "credential has no " + missing}
	}
	if fallback != "" {
		fallback, _ = expand(fallback, account)
	}

	callHeaders := withIdempotency(headers, idempotencyKey)
	resp, err := d.call(ctx, primary, req, callHeaders)
	if err == nil {
		return resp, headers, nil
	}

	if statusOf(err) == http.StatusUnauthorized {
		slog.Info("platform rejected token, refreshing", "platform", d.cfg.Slug)
		if rerr := d.creds.Refresh(ctx, d.cfg.Slug); rerr != nil {
			return nil, headers, rerr
		}
		headers, err = d.creds.AuthHeaders(ctx, d.cfg.Slug)
		if err != nil {
			return nil, headers, err
		}
		resp, err = d.call(ctx, primary, req, withIdempotency(headers, idempotencyKey))
		return resp, headers, err
	}

	if fallback == "" {
		return nil, headers, err
	}

	slog.Info("primary endpoint failed, trying fallback", "platform", d.cfg.Slug, "error", err.Error())
	primaryErr := err
	resp, err = d.call(ctx, fallback, req, callHeaders)
	if err != nil {
		var rle *apperrors.RateLimitError
		if errors.As(primaryErr, &rle) && !errors.As(err, &rle) {
			return nil, headers, primaryErr
		}
		return nil, headers, err
	}
	resp.Fallback = true
	return resp, headers, nil
}

func withIdempotency(h http.Header, key string) http.Header {
	out := h.Clone()
	if out == nil {
		out = http.Header{}
	}
	out.Set("Idempotency-Key", key)
	return out
}

type HealthStatus string

const (
	Healthy   HealthStatus = "healthy"
	Degraded  HealthStatus = "degraded"
	Unhealthy HealthStatus = "unhealthy"
)

type HealthReport struct {
	Platform  string        `json:"platform"`
	Status    HealthStatus  `json:"status"`
	Latency   time.Duration `json:"latency"`
	Fallback  bool          `json:"fallback,omitempty"`
	Error     string        `json:"error,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
}

// CheckHealth probes the platform with authenticated GETs. It never refreshes
// credentials and never touches queue or post state.
func (d *Driver) CheckHealth(ctx context.Context) HealthReport {
	report := HealthReport{Platform: d.cfg.Slug, Status: Healthy, CheckedAt: d.clock.Now()}
	start := time.Now()

	headers, err := d.creds.StoredHeaders(ctx, d.cfg.Slug)
	if err != nil {
		report.Status = Unhealthy
		report.Error = err.Error()
		return report
	}
	account, err := d.creds.Account(ctx, d.cfg.Slug)
	if err != nil {
		report.Status = Unhealthy
		report.Error = err.Error()
		return report
	}

	for _, op := range d.platform.HealthCheckEndpoints() {
		ep, ok := d.endpoints[op]
		if !ok {
			continue
		}
		primary, missing := expand(ep.Primary, account)
		if missing != "" {
			report.Status = Unhealthy
			report.Error = "credential has no " + missing
			return report
		}

		probe := &Request{Operation: op, Method: http.MethodGet}
		if _, err := d.call(ctx, primary, probe, headers); err != nil {
			if ep.Fallback == "" {
				report.Status = Unhealthy
				report.Error = err.Error()
				return report
			}
			fallback, _ := expand(ep.Fallback, account)
			if _, ferr := d.call(ctx, fallback, probe, headers); ferr != nil {
				report.Status = Unhealthy
				report.Error = ferr.Error()
				return report
			}
			report.Fallback = true
			report.Status = Degraded
			report.Error = err.Error()
		}
	}

	report.Latency = time.Since(start)
	if report.Status == Healthy && report.Latency > d.slowAfter {
		report.Status = Degraded
	}
	return report
}
