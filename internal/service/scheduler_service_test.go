package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	config "github.com/maheshrc27/postflow/configs"
	"github.com/maheshrc27/postflow/internal/apperrors"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/platform"
	"github.com/maheshrc27/postflow/internal/queue"
	"github.com/maheshrc27/postflow/internal/ratelimit"
	"github.com/maheshrc27/postflow/internal/repository"
	"github.com/maheshrc27/postflow/internal/repository/memory"
	"github.com/maheshrc27/postflow/internal/retry"
	"github.com/maheshrc27/postflow/internal/transfer"
	"github.com/maheshrc27/postflow/pkg/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// networks fakes every platform behind one server. Paths look like
// /<slug>/v2/posts and /<slug>/oauth/token.
type networks struct {
	*httptest.Server
	mu           sync.Mutex
	status       map[string]int
	posts        map[string]int
	tokens       map[string]int
	unauthorized int
	auth         map[string]string
	delay        map[string]time.Duration
}

func newNetworks(t *testing.T) *networks {
	t.Helper()
	n := &networks{
		status: map[string]int{},
		posts:  map[string]int{},
		tokens: map[string]int{},
		auth:   map[string]string{},
		delay:  map[string]time.Duration{},
	}
	n.Server = httptest.NewServer(http.HandlerFunc(n.handle))
	t.Cleanup(n.Close)
	return n
}

func (n *networks) handle(w http.ResponseWriter, r *http.Request) {
	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 2)
	slug, rest := parts[0], ""
	if len(parts) == 2 {
		rest = parts[1]
	}
	_, _ = io.Copy(io.Discard, r.Body)

	n.mu.Lock()
	delay := n.delay[slug]
	n.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if rest == "oauth/token" {
		n.tokens[slug]++
		_, _ = w.Write([]byte(`{"access_token":"fresh","token_type":"bearer","expires_in":3600}`))
		return
	}

	auth := r.Header.Get("Authorization")
	n.auth[slug] = auth
	if auth == "Bearer stale" {
		n.unauthorized++
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"expired token"}`))
		return
	}
	if status := n.status[slug]; status >= 400 {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error":"boom"}`))
		return
	}
	n.posts[slug]++
	id := fmt.Sprintf("%s-%d", slug, n.posts[slug])
	_ = json.NewEncoder(w).Encode(map[string]string{"id": id, "url": "https://" + slug + ".example/p/" + id})
}

func (n *networks) fail(slug string, status int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.status[slug] = status
}

func (n *networks) slow(slug string, d time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.delay[slug] = d
}

func (n *networks) postCount(slug string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.posts[slug]
}

func (n *networks) tokenCount(slug string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.tokens[slug]
}

func (n *networks) lastAuth(slug string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.auth[slug]
}

type fakeBucket struct {
	mu   sync.Mutex
	keys []string
	body [][]byte
}

func (b *fakeBucket) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.keys = append(b.keys, *in.Key)
	b.body = append(b.body, data)
	return &s3.PutObjectOutput{}, nil
}

type schedFixture struct {
	net    *networks
	store  *memory.Store
	clock  *clock.Fake
	creds  CredentialService
	gate   *ratelimit.Gate
	bucket *fakeBucket
	svc    SchedulerService
}

func netPlatform(base, slug string) config.PlatformConfig {
	return config.PlatformConfig{
		Slug:              slug,
		Name:              strings.ToUpper(slug),
		APIBase:           base + "/" + slug,
		AuthType:          "oauth2",
		RefreshStyle:      "oauth2",
		MaxChars:          50,
		MaxMedia:          2,
		SupportsImages:    true,
		ContentFormat:     "plain",
		EndpointOverrides: map[string]string{platform.OpPost: "/v2/posts", platform.OpMe: "/v2/me"},
	}
}

// ctxPosts and ctxQueue fail like a database would once the caller's
// context is done.
type ctxPosts struct{ repository.PostRepository }

func (r ctxPosts) GetByID(ctx context.Context, id int64) (*models.Post, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.PostRepository.GetByID(ctx, id)
}

func (r ctxPosts) UpdateStatus(ctx context.Context, id int64, from []models.PostStatus, to models.PostStatus, now time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return r.PostRepository.UpdateStatus(ctx, id, from, to, now)
}

type ctxQueue struct{ repository.QueueRepository }

func (r ctxQueue) Finish(ctx context.Context, id int64, outcome models.QueueOutcome, now time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return r.QueueRepository.Finish(ctx, id, outcome, now)
}

func (r ctxQueue) ListByPostID(ctx context.Context, postID int64) ([]*models.QueueItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.QueueRepository.ListByPostID(ctx, postID)
}

func newSchedFixture(t *testing.T, pipeline config.Pipeline) *schedFixture {
	t.Helper()
	return newSchedFixtureWith(t, pipeline, false)
}

func newSchedFixtureWith(t *testing.T, pipeline config.Pipeline, ctxAware bool) *schedFixture {
	t.Helper()
	net := newNetworks(t)
	clk := clock.NewFake(time.Now().UTC().Truncate(time.Second))
	store := memory.New()

	platforms := []config.PlatformConfig{netPlatform(net.URL, "a"), netPlatform(net.URL, "b"), netPlatform(net.URL, "c")}
	platforms[2].RateLimit = 2
	platforms[2].RateWindow = time.Hour

	clients := map[string]config.OAuthClient{"a": {ClientID: "id-a", ClientSecret: "s"}}
	creds := NewCredentialService(store.Credentials(), testCipher(t), platforms,
		NewRefreshers(platforms, clients, nil, clk), clk, nil)

	gate := ratelimit.NewGate(ratelimit.NewMemoryCounter(clk), platform.Budgets(platforms))
	drivers := platform.NewRegistry(platforms, creds, gate, platform.Options{Clock: clk, Timeout: 2 * time.Second})
	var (
		posts repository.PostRepository  = store.Posts()
		items repository.QueueRepository = store.Queue()
	)
	if ctxAware {
		posts, items = ctxPosts{posts}, ctxQueue{items}
	}
	qm := queue.NewManager(posts, items, nil, queue.Options{Policy: retry.DefaultPolicy(), Clock: clk})
	bucket := &fakeBucket{}

	svc := NewSchedulerService(posts, qm, drivers, gate, NewR2Archiver(bucket, "archive"), pipeline, clk, nil)

	f := &schedFixture{net: net, store: store, clock: clk, creds: creds, gate: gate, bucket: bucket, svc: svc}
	for _, slug := range []string{"a", "b", "c"} {
		f.storeToken(t, slug, "good-"+slug, f.clock.Now().Add(24*time.Hour))
	}
	return f
}

func (f *schedFixture) storeToken(t *testing.T, slug, token string, expires time.Time) {
	t.Helper()
	require.NoError(t, f.creds.Store(context.Background(), &models.PlatformCredential{
		PlatformSlug: slug,
		AccessToken:  token,
		RefreshToken: "refresh-" + slug,
		TokenType:    "Bearer",
		ExpiresAt:    &expires,
	}))
}

func (f *schedFixture) spec(platforms ...string) transfer.PostSpec {
	at := f.clock.Now().Add(time.Minute)
	return transfer.PostSpec{Title: "Launch", Body: "We shipped **it**", Platforms: platforms, ScheduledTime: &at}
}

func (f *schedFixture) tick(t *testing.T) *transfer.TickReport {
	t.Helper()
	report, err := f.svc.Tick(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, report.RunID)
	return report
}

func (f *schedFixture) item(t *testing.T, postID int64, slug string) *models.QueueItem {
	t.Helper()
	items, err := f.svc.ListQueueItems(context.Background(), postID)
	require.NoError(t, err)
	for _, it := range items {
		if it.PlatformSlug == slug {
			return it
		}
	}
	t.Fatalf("no queue item for %s", slug)
	return nil
}

func (f *schedFixture) postCount(t *testing.T) int {
	t.Helper()
	posts, err := f.svc.ListPosts(context.Background(), models.PostFilter{})
	require.NoError(t, err)
	return len(posts)
}

func TestTickPublishesEveryPlatform(t *testing.T) {
	f := newSchedFixture(t, config.Pipeline{})
	ctx := context.Background()

	post, err := f.svc.SchedulePost(ctx, f.spec("a", "b"))
	require.NoError(t, err)
	assert.Equal(t, models.PostStatusScheduled, post.Status)

	report := f.tick(t)
	assert.Zero(t, report.Promoted, "not due yet")
	assert.Zero(t, f.net.postCount("a"))

	f.clock.Advance(time.Minute)
	report = f.tick(t)
	assert.Equal(t, 1, report.Promoted)
	assert.Equal(t, 2, report.Completed)

	got, err := f.svc.GetPost(ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PostStatusPublished, got.Status)
	assert.Equal(t, "a-1", got.PlatformResults["a"].PostID)
	assert.Equal(t, "https://b.example/p/b-1", got.PlatformResults["b"].URL)
	assert.Equal(t, "Bearer good-a", f.net.lastAuth("a"))

	report = f.tick(t)
	assert.Zero(t, report.Claimed)
	assert.Equal(t, 1, f.net.postCount("a"))
}

func TestOutcomeRecordedAfterTickDeadline(t *testing.T) {
	f := newSchedFixtureWith(t, config.Pipeline{TickTimeout: 300 * time.Millisecond}, true)
	ctx := context.Background()

	post, err := f.svc.SchedulePost(ctx, f.spec("a"))
	require.NoError(t, err)
	f.net.slow("a", 5*time.Second)
	f.clock.Advance(time.Minute)

	report := f.tick(t)
	assert.Equal(t, 1, report.Promoted)
	assert.Equal(t, 1, report.Claimed)
	assert.Equal(t, 1, report.Retried)

	item := f.item(t, post.ID, "a")
	assert.Equal(t, models.QueueStatusRetry, item.Status)
	assert.Equal(t, 1, item.Attempts)
	assert.Nil(t, item.ProcessingStartedAt)
	assert.Equal(t, string(apperrors.CodeTransport), item.ErrorCode)

	got, err := f.svc.GetPost(ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PostStatusPublishing, got.Status)
}

func TestConcurrentTicksPublishOnce(t *testing.T) {
	f := newSchedFixture(t, config.Pipeline{DrainConcurrency: 4})
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 5; i++ {
		post, err := f.svc.SchedulePost(ctx, f.spec("a", "b"))
		require.NoError(t, err)
		ids = append(ids, post.ID)
	}
	f.clock.Advance(2 * time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Tick(ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	f.tick(t)

	assert.Equal(t, 5, f.net.postCount("a"))
	assert.Equal(t, 5, f.net.postCount("b"))
	for _, id := range ids {
		items, err := f.svc.ListQueueItems(ctx, id)
		require.NoError(t, err)
		assert.Len(t, items, 2)
		got, err := f.svc.GetPost(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.PostStatusPublished, got.Status)
	}
}

func TestPartialFailureExhaustsRetries(t *testing.T) {
	f := newSchedFixture(t, config.Pipeline{})
	ctx := context.Background()
	f.net.fail("b", http.StatusInternalServerError)

	post, err := f.svc.SchedulePost(ctx, f.spec("a", "b"))
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	report := f.tick(t)
	assert.Equal(t, 1, report.Completed)
	assert.Equal(t, 1, report.Retried)

	f.clock.Advance(retry.DefaultBase)
	report = f.tick(t)
	assert.Equal(t, 1, report.Retried)

	f.clock.Advance(2 * retry.DefaultBase)
	report = f.tick(t)
	assert.Equal(t, 1, report.Failed)

	got, err := f.svc.GetPost(ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PostStatusFailed, got.Status)

	a := f.item(t, post.ID, "a")
	assert.Equal(t, models.QueueStatusCompleted, a.Status)
	b := f.item(t, post.ID, "b")
	assert.Equal(t, models.QueueStatusFailed, b.Status)
	assert.Equal(t, 3, b.Attempts)
	assert.Equal(t, string(apperrors.CodeHTTP), b.ErrorCode)
	require.NotNil(t, b.ErrorMessage)
	assert.NotEmpty(t, *b.ErrorMessage)
	assert.Equal(t, 1, f.net.postCount("a"))

	// A retry after the platform recovers only republishes b.
	f.net.fail("b", 0)
	require.NoError(t, f.svc.Retry(ctx, post.ID))
	f.tick(t)

	got, err = f.svc.GetPost(ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PostStatusPublished, got.Status)
	assert.Equal(t, 1, f.net.postCount("a"))
	assert.Equal(t, 1, f.net.postCount("b"))
}

func TestCancelScheduledPostMakesNoCalls(t *testing.T) {
	f := newSchedFixture(t, config.Pipeline{})
	ctx := context.Background()

	post, err := f.svc.SchedulePost(ctx, f.spec("a", "b"))
	require.NoError(t, err)
	require.NoError(t, f.svc.Cancel(ctx, post.ID))

	f.clock.Advance(time.Hour)
	report := f.tick(t)
	assert.Zero(t, report.Promoted)
	assert.Zero(t, f.net.postCount("a"))
	assert.Zero(t, f.net.postCount("b"))

	got, err := f.svc.GetPost(ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PostStatusCancelled, got.Status)

	items, err := f.svc.ListQueueItems(ctx, post.ID)
	require.NoError(t, err)
	for _, it := range items {
		assert.Equal(t, models.QueueStatusCancelled, it.Status)
	}
}

func TestRetryCancelledPostIsInvalid(t *testing.T) {
	f := newSchedFixture(t, config.Pipeline{})
	ctx := context.Background()

	post, err := f.svc.SchedulePost(ctx, f.spec("a"))
	require.NoError(t, err)
	require.NoError(t, f.svc.Cancel(ctx, post.ID))

	err = f.svc.Retry(ctx, post.ID)
	var stateErr *apperrors.InvalidStateError
	require.True(t, errors.As(err, &stateErr))
	assert.Equal(t, "cancelled", stateErr.State)
	assert.Equal(t, "retry", stateErr.Op)

	err = f.svc.Cancel(ctx, post.ID)
	assert.Equal(t, apperrors.CodeInvalidState, apperrors.CodeOf(err))

	err = f.svc.Cancel(ctx, 999)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestExpiringCredentialRefreshedBeforePublish(t *testing.T) {
	f := newSchedFixture(t, config.Pipeline{})
	ctx := context.Background()
	f.storeToken(t, "a", "stale", f.clock.Now().Add(60*time.Second))

	cred, err := f.creds.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, f.creds.NeedsRefresh(cred))

	post, err := f.svc.SchedulePost(ctx, f.spec("a"))
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	f.tick(t)

	assert.Equal(t, 1, f.net.tokenCount("a"))
	assert.Zero(t, f.net.unauthorized, "no 401 round trip")
	assert.Equal(t, "Bearer fresh", f.net.lastAuth("a"))

	cred, err = f.creds.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, cred.ExpiresAt.After(time.Now().Add(50*time.Minute)))

	got, err := f.svc.GetPost(ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PostStatusPublished, got.Status)
}

func TestExhaustedRateBudgetRejectsSchedule(t *testing.T) {
	f := newSchedFixture(t, config.Pipeline{})
	ctx := context.Background()
	require.NoError(t, f.gate.Acquire(ctx, "c"))
	require.NoError(t, f.gate.Acquire(ctx, "c"))

	_, err := f.svc.SchedulePost(ctx, f.spec("a", "c"))
	var rl *apperrors.RateLimitError
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, "c", rl.Platform)
	assert.Positive(t, rl.RetryAfter)
	assert.Zero(t, f.postCount(t))
}

func TestScheduleValidation(t *testing.T) {
	f := newSchedFixture(t, config.Pipeline{})
	ctx := context.Background()
	past := f.clock.Now().Add(-time.Second)
	now := f.clock.Now()

	tests := []struct {
		name  string
		spec  transfer.PostSpec
		field string
	}{
		{"empty body", transfer.PostSpec{Body: "   ", Platforms: []string{"a"}, ScheduledTime: f.spec().ScheduledTime}, "body"},
		{"no platforms", transfer.PostSpec{Body: "x", ScheduledTime: f.spec().ScheduledTime}, "platforms"},
		{"unknown platform", transfer.PostSpec{Body: "x", Platforms: []string{"zzz"}, ScheduledTime: f.spec().ScheduledTime}, "platforms"},
		{"past time", transfer.PostSpec{Body: "x", Platforms: []string{"a"}, ScheduledTime: &past}, "scheduled_time"},
		{"now", transfer.PostSpec{Body: "x", Platforms: []string{"a"}, ScheduledTime: &now}, "scheduled_time"},
		{"missing time", transfer.PostSpec{Body: "x", Platforms: []string{"a"}}, "scheduled_time"},
		{"too long", transfer.PostSpec{Body: strings.Repeat("x", 51), Platforms: []string{"a"}, ScheduledTime: f.spec().ScheduledTime}, "body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.SchedulePost(ctx, tt.spec)
			var ve *apperrors.ValidationError
			require.True(t, errors.As(err, &ve), "got %v", err)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
	assert.Zero(t, f.postCount(t))
}

func TestDuplicatePlatformsCollapse(t *testing.T) {
	f := newSchedFixture(t, config.Pipeline{})
	ctx := context.Background()

	post, err := f.svc.SchedulePost(ctx, f.spec("a", "b", "a"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, post.Platforms)

	f.clock.Advance(time.Minute)
	f.tick(t)
	items, err := f.svc.ListQueueItems(ctx, post.ID)
	require.NoError(t, err)
	assert.Len(t, items, 2)
	assert.Equal(t, 1, f.net.postCount("a"))
}

func TestDraftLifecycle(t *testing.T) {
	f := newSchedFixture(t, config.Pipeline{})
	ctx := context.Background()

	spec := f.spec("a")
	spec.ScheduledTime = nil
	draft, err := f.svc.SaveDraft(ctx, spec)
	require.NoError(t, err)
	assert.Equal(t, models.PostStatusDraft, draft.Status)

	f.clock.Advance(time.Hour)
	assert.Zero(t, f.tick(t).Promoted)

	_, err = f.svc.ScheduleDraft(ctx, draft.ID, f.clock.Now().Add(-time.Minute))
	assert.Equal(t, apperrors.CodeValidation, apperrors.CodeOf(err))

	scheduled, err := f.svc.ScheduleDraft(ctx, draft.ID, f.clock.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, models.PostStatusScheduled, scheduled.Status)

	_, err = f.svc.ScheduleDraft(ctx, draft.ID, f.clock.Now().Add(time.Minute))
	assert.Equal(t, apperrors.CodeInvalidState, apperrors.CodeOf(err))

	f.clock.Advance(time.Minute)
	assert.Equal(t, 1, f.tick(t).Promoted)
}

func TestBulkSchedule(t *testing.T) {
	f := newSchedFixture(t, config.Pipeline{})
	ctx := context.Background()

	results := f.svc.BulkSchedule(ctx, []transfer.PostSpec{
		f.spec("a"),
		{Body: "x", Platforms: []string{"nope"}, ScheduledTime: f.spec().ScheduledTime},
		f.spec("b"),
	})
	require.Len(t, results, 3)
	assert.NotZero(t, results[0].PostID)
	assert.Equal(t, "validation", results[1].Code)
	assert.Zero(t, results[1].PostID)
	assert.Equal(t, 2, results[2].Index)
	assert.NotZero(t, results[2].PostID)
	assert.Equal(t, 2, f.postCount(t))
}

func TestRetentionArchivesOldPosts(t *testing.T) {
	f := newSchedFixture(t, config.Pipeline{
		PostRetention:          30 * 24 * time.Hour,
		CompletedItemRetention: 7 * 24 * time.Hour,
		FailedItemRetention:    30 * 24 * time.Hour,
	})
	ctx := context.Background()
	f.storeToken(t, "a", "good-a", f.clock.Now().Add(90*24*time.Hour))

	post, err := f.svc.SchedulePost(ctx, f.spec("a"))
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	f.tick(t)

	f.clock.Advance(31 * 24 * time.Hour)
	report := f.tick(t)
	assert.Equal(t, 1, report.Archived)

	require.Len(t, f.bucket.keys, 1)
	assert.Contains(t, f.bucket.keys[0], fmt.Sprintf("/%d.json", post.ID))
	var archived struct {
		Post       models.Post         `json:"post"`
		QueueItems []*models.QueueItem `json:"queue_items"`
	}
	require.NoError(t, json.Unmarshal(f.bucket.body[0], &archived))
	assert.Equal(t, models.PostStatusPublished, archived.Post.Status)
	assert.Len(t, archived.QueueItems, 1)

	_, err = f.svc.GetPost(ctx, post.ID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestListPostsRejectsUnknownStatus(t *testing.T) {
	f := newSchedFixture(t, config.Pipeline{})
	_, err := f.svc.ListPosts(context.Background(), models.PostFilter{Status: "bogus"})
	assert.Equal(t, apperrors.CodeValidation, apperrors.CodeOf(err))
}
