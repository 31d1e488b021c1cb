package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	config "github.com/maheshrc27/postflow/configs"
	"github.com/maheshrc27/postflow/internal/apperrors"
	"github.com/maheshrc27/postflow/internal/metrics"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/platform"
	"github.com/maheshrc27/postflow/internal/queue"
	"github.com/maheshrc27/postflow/internal/ratelimit"
	"github.com/maheshrc27/postflow/internal/repository"
	"github.com/maheshrc27/postflow/internal/transfer"
	"github.com/maheshrc27/postflow/pkg/clock"
	"golang.org/x/sync/errgroup"
)

type SchedulerService interface {
	SchedulePost(ctx context.Context, spec transfer.PostSpec) (*models.Post, error)
	SaveDraft(ctx context.Context, spec transfer.PostSpec) (*models.Post, error)
	BulkSchedule(ctx context.Context, specs []transfer.PostSpec) []transfer.BulkResult
	ScheduleDraft(ctx context.Context, postID int64, at time.Time) (*models.Post, error)
	Tick(ctx context.Context) (*transfer.TickReport, error)
	Cancel(ctx context.Context, postID int64) error
	Retry(ctx context.Context, postID int64) error
	GetPost(ctx context.Context, postID int64) (*models.Post, error)
	ListPosts(ctx context.Context, filter models.PostFilter) ([]*models.Post, error)
	ListQueueItems(ctx context.Context, postID int64) ([]*models.QueueItem, error)
	QueueStats(ctx context.Context) (models.QueueStats, error)
}

type schedulerService struct {
	posts    repository.PostRepository
	queue    *queue.Manager
	drivers  *platform.Registry
	gate     *ratelimit.Gate
	archiver Archiver
	cfg      config.Pipeline
	clock    clock.Clock
	metrics  *metrics.Pipeline
}

func NewSchedulerService(
	posts repository.PostRepository,
	qm *queue.Manager,
	drivers *platform.Registry,
	gate *ratelimit.Gate,
	archiver Archiver,
	cfg config.Pipeline,
	clk clock.Clock,
	m *metrics.Pipeline) SchedulerService {
	if clk == nil {
		clk = clock.Real()
	}
	if cfg.PromoteBatch <= 0 {
		cfg.PromoteBatch = 100
	}
	if cfg.DrainBatch <= 0 {
		cfg.DrainBatch = 50
	}
	if cfg.DrainConcurrency <= 0 {
		cfg.DrainConcurrency = 10
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 30 * time.Minute
	}
	if cfg.RetentionBatch <= 0 {
		cfg.RetentionBatch = 200
	}
	return &schedulerService{
		posts:    posts,
		queue:    qm,
		drivers:  drivers,
		gate:     gate,
		archiver: archiver,
		cfg:      cfg,
		clock:    clk,
		metrics:  m,
	}
}

// SchedulePost validates spec and stores it as a scheduled post. Nothing is
// stored when validation or the rate budget check fails.
func (s *schedulerService) SchedulePost(ctx context.Context, spec transfer.PostSpec) (*models.Post, error) {
	post, err := s.buildPost(spec)
	if err != nil {
		return nil, err
	}
	if err := s.checkSchedule(ctx, post, post.ScheduledTime); err != nil {
		return nil, err
	}
	post.Status = models.PostStatusScheduled
	return s.create(ctx, post)
}

// SaveDraft stores a post without scheduling it. Content is still checked
// against every target platform.
func (s *schedulerService) SaveDraft(ctx context.Context, spec transfer.PostSpec) (*models.Post, error) {
	post, err := s.buildPost(spec)
	if err != nil {
		return nil, err
	}
	if err := s.checkContent(post); err != nil {
		return nil, err
	}
	post.Status = models.PostStatusDraft
	return s.create(ctx, post)
}

func (s *schedulerService) BulkSchedule(ctx context.Context, specs []transfer.PostSpec) []transfer.BulkResult {
	results := make([]transfer.BulkResult, len(specs))
	for i, spec := range specs {
		results[i].Index = i
		post, err := s.SchedulePost(ctx, spec)
		if err != nil {
			results[i].Code = string(apperrors.CodeOf(err))
			results[i].Error = err.Error()
			continue
		}
		results[i].PostID = post.ID
	}
	return results
}

// ScheduleDraft moves a draft to scheduled at the given time.
func (s *schedulerService) ScheduleDraft(ctx context.Context, postID int64, at time.Time) (*models.Post, error) {
	post, err := s.GetPost(ctx, postID)
	if err != nil {
		return nil, err
	}
	if post.Status != models.PostStatusDraft {
		return nil, &apperrors.InvalidStateError{Entity: "post", ID: postID, State: string(post.Status), Op: "schedule"}
	}
	if err := s.checkSchedule(ctx, post, &at); err != nil {
		return nil, err
	}

	ok, err := s.posts.ScheduleDraft(ctx, postID, at, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, s.invalidState(ctx, postID, "schedule")
	}
	return s.GetPost(ctx, postID)
}

func (s *schedulerService) Cancel(ctx context.Context, postID int64) error {
	ok, err := s.queue.CancelForPost(ctx, postID)
	if err != nil {
		return err
	}
	if !ok {
		return s.invalidState(ctx, postID, "cancel")
	}
	slog.Info("post cancelled", "post_id", postID)
	return nil
}

func (s *schedulerService) Retry(ctx context.Context, postID int64) error {
	ok, err := s.queue.ResetForPost(ctx, postID)
	if err != nil {
		return err
	}
	if !ok {
		return s.invalidState(ctx, postID, "retry")
	}
	slog.Info("post requeued", "post_id", postID)
	return nil
}

func (s *schedulerService) GetPost(ctx context.Context, postID int64) (*models.Post, error) {
	post, err := s.posts.GetByID(ctx, postID)
	if err != nil {
		return nil, err
	}
	if post == nil {
		return nil, fmt.Errorf("post %d: %w", postID, apperrors.ErrNotFound)
	}
	return post, nil
}

func (s *schedulerService) ListPosts(ctx context.Context, filter models.PostFilter) ([]*models.Post, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, apperrors.Validation("status", "unknown status %q", filter.Status)
	}
	return s.posts.List(ctx, filter)
}

func (s *schedulerService) ListQueueItems(ctx context.Context, postID int64) ([]*models.QueueItem, error) {
	if _, err := s.GetPost(ctx, postID); err != nil {
		return nil, err
	}
	return s.queue.ListForPost(ctx, postID)
}

func (s *schedulerService) QueueStats(ctx context.Context) (models.QueueStats, error) {
	return s.queue.Stats(ctx)
}

// invalidState builds the error for a lost conditional transition.
func (s *schedulerService) invalidState(ctx context.Context, postID int64, op string) error {
	post, err := s.GetPost(ctx, postID)
	if err != nil {
		return err
	}
	return &apperrors.InvalidStateError{Entity: "post", ID: postID, State: string(post.Status), Op: op}
}

func (s *schedulerService) buildPost(spec transfer.PostSpec) (*models.Post, error) {
	if err := transfer.Validate(&spec); err != nil {
		return nil, err
	}
	if strings.TrimSpace(spec.Body) == "" {
		return nil, apperrors.Validation("body", "is required")
	}

	seen := make(map[string]bool, len(spec.Platforms))
	platforms := make([]string, 0, len(spec.Platforms))
	for _, slug := range spec.Platforms {
		if seen[slug] {
			continue
		}
		seen[slug] = true
		if _, ok := s.drivers.Get(slug); !ok {
			return nil, apperrors.Validation("platforms", "unknown platform %q", slug)
		}
		platforms = append(platforms, slug)
	}

	media := make([]models.MediaRef, 0, len(spec.Media))
	for _, m := range spec.Media {
		ref := models.MediaRef{Type: models.MediaType(m.Type), URL: m.URL}
		ref.Type = platform.MediaTypeOf(ref)
		media = append(media, ref)
	}

	now := s.clock.Now()
	return &models.Post{
		Title:           spec.Title,
		Body:            spec.Body,
		Media:           media,
		Platforms:       platforms,
		ScheduledTime:   spec.ScheduledTime,
		Priority:        spec.Priority,
		PlatformResults: map[string]models.PlatformResult{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

func (s *schedulerService) checkContent(post *models.Post) error {
	content := contentOf(post)
	for _, slug := range post.Platforms {
		driver, ok := s.drivers.Get(slug)
		if !ok {
			return apperrors.Validation("platforms", "unknown platform %q", slug)
		}
		if err := driver.Validate(content); err != nil {
			return err
		}
	}
	return nil
}

// checkSchedule runs every check a post must pass before it may become
// scheduled for at.
func (s *schedulerService) checkSchedule(ctx context.Context, post *models.Post, at *time.Time) error {
	if at == nil {
		return apperrors.Validation("scheduled_time", "is required")
	}
	if !at.After(s.clock.Now()) {
		return apperrors.Validation("scheduled_time", "must be in the future")
	}
	if err := s.checkContent(post); err != nil {
		return err
	}
	if s.gate == nil {
		return nil
	}
	for _, slug := range post.Platforms {
		if err := s.gate.Check(ctx, slug); err != nil {
			return err
		}
	}
	return nil
}

func (s *schedulerService) create(ctx context.Context, post *models.Post) (*models.Post, error) {
	id, err := s.posts.Create(ctx, post)
	if err != nil {
		return nil, err
	}
	post.ID = id
	slog.Info("post stored", "post_id", id, "status", post.Status, "platforms", post.Platforms)
	return post, nil
}

func contentOf(post *models.Post) platform.Content {
	return platform.Content{
		PostID: post.ID,
		Title:  post.Title,
		Body:   post.Body,
		Media:  post.Media,
	}
}

// Tick runs one scheduler pass: promote due posts, drain ready items, release
// stale claims and apply retention. Failures of single posts or items are
// logged and counted, never returned.
func (s *schedulerService) Tick(ctx context.Context) (*transfer.TickReport, error) {
	start := time.Now()
	report := &transfer.TickReport{RunID: uuid.NewString()}
	log := slog.With("run_id", report.RunID)

	if s.cfg.TickTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.TickTimeout)
		defer cancel()
	}

	if err := s.promote(ctx, log, report); err != nil {
		return report, err
	}
	if err := s.drain(ctx, log, report); err != nil {
		return report, err
	}

	released, err := s.queue.SweepStale(ctx, s.cfg.StaleAfter)
	if err != nil {
		log.Error("stale sweep failed", "error", err)
	}
	report.Released = released

	s.retain(ctx, log, report)

	if _, err := s.queue.Stats(ctx); err != nil {
		log.Error("reading queue stats", "error", err)
	}

	report.Duration = time.Since(start)
	s.metrics.ObserveTick(report.Duration, report.Promoted)
	log.Info("tick finished",
		"promoted", report.Promoted, "claimed", report.Claimed, "completed", report.Completed,
		"retried", report.Retried, "failed", report.Failed, "released", report.Released,
		"archived", report.Archived, "purged", report.Purged, "duration", report.Duration)
	return report, nil
}

func (s *schedulerService) promote(ctx context.Context, log *slog.Logger, report *transfer.TickReport) error {
	due, err := s.posts.ListDue(ctx, s.clock.Now(), s.cfg.PromoteBatch)
	if err != nil {
		return fmt.Errorf("listing due posts: %w", err)
	}
	for _, post := range due {
		won, err := s.queue.EnqueuePost(ctx, post)
		if err != nil {
			log.Error("promoting post", "post_id", post.ID, "error", err)
			continue
		}
		if won {
			report.Promoted++
		}
	}
	return nil
}

func (s *schedulerService) drain(ctx context.Context, log *slog.Logger, report *transfer.TickReport) error {
	items, err := s.queue.GetPendingItems(ctx, s.cfg.DrainBatch)
	if err != nil {
		return fmt.Errorf("listing ready items: %w", err)
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.cfg.DrainConcurrency)
	for _, item := range items {
		item := item
		g.Go(func() error {
			outcome := s.process(ctx, log, item)
			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case "":
				return nil
			case queue.OutcomeCompleted:
				report.Completed++
			case queue.OutcomeRetry:
				report.Retried++
			case queue.OutcomeFailed:
				report.Failed++
			case queue.OutcomeDiscarded:
				report.Discarded++
			}
			report.Claimed++
			return nil
		})
	}
	return g.Wait()
}

// outcomeTimeout bounds recording one publish outcome. It is detached from
// the tick deadline so a claim is never left processing because the tick ran
// out of time mid-publish.
const outcomeTimeout = 30 * time.Second

// process claims one item and publishes it. It returns "" when another
// drainer claimed the item first or the outcome could not be recorded.
func (s *schedulerService) process(ctx context.Context, log *slog.Logger, ready *models.QueueItem) string {
	item, err := s.queue.Claim(ctx, ready.ID)
	if err != nil {
		log.Error("claiming queue item", "item_id", ready.ID, "error", err)
		return ""
	}
	if item == nil {
		return ""
	}

	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), outcomeTimeout)
	defer cancel()

	var (
		result  *models.NormalizedResult
		elapsed time.Duration
	)
	post, err := s.GetPost(recordCtx, item.PostID)
	if err == nil {
		driver, ok := s.drivers.Get(item.PlatformSlug)
		if !ok {
			err = apperrors.Validation("platform", "platform %q is no longer configured", item.PlatformSlug)
		} else {
			started := time.Now()
			result, err = driver.Publish(ctx, contentOf(post))
			elapsed = time.Since(started)
		}
	}

	var outcome string
	if err == nil {
		outcome, err = s.queue.MarkCompleted(recordCtx, item, result)
	} else {
		log.Info("publish attempt failed", "item_id", item.ID, "post_id", item.PostID,
			"platform", item.PlatformSlug, "error_code", apperrors.CodeOf(err), "error", err)
		outcome, err = s.queue.MarkFailedOrRetry(recordCtx, item, err)
	}
	if err != nil {
		log.Error("recording queue item outcome", "item_id", item.ID, "error", err)
		return ""
	}
	s.metrics.ObserveDelivery(item.PlatformSlug, outcome, elapsed)
	return outcome
}

// retain archives and removes old terminal posts, then purges old finished
// items.
func (s *schedulerService) retain(ctx context.Context, log *slog.Logger, report *transfer.TickReport) {
	now := s.clock.Now()

	if s.cfg.PostRetention > 0 {
		posts, err := s.posts.ListArchivable(ctx, now.Add(-s.cfg.PostRetention), s.cfg.RetentionBatch)
		if err != nil {
			log.Error("listing archivable posts", "error", err)
		}
		for _, post := range posts {
			if s.archiver != nil {
				items, err := s.queue.ListForPost(ctx, post.ID)
				if err != nil {
					log.Error("loading items for archive", "post_id", post.ID, "error", err)
					continue
				}
				if err := s.archiver.Archive(ctx, post, items); err != nil {
					log.Error("archiving post", "post_id", post.ID, "error", err)
					continue
				}
			}
			if err := s.posts.Remove(ctx, post.ID); err != nil {
				log.Error("removing archived post", "post_id", post.ID, "error", err)
				continue
			}
			report.Archived++
		}
	}

	if s.cfg.CompletedItemRetention > 0 && s.cfg.FailedItemRetention > 0 {
		purged, err := s.queue.DeleteFinished(ctx,
			now.Add(-s.cfg.CompletedItemRetention), now.Add(-s.cfg.FailedItemRetention), s.cfg.RetentionBatch)
		if err != nil {
			log.Error("purging finished items", "error", err)
		}
		report.Purged = purged
	}
}
