// Package memory implements the repository interfaces in process memory. It
// backs the tests and single-process local runs; all views of one Store share
// a lock, so multi-row operations are atomic the same way the Postgres
// transactions are.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/repository"
)

type Store struct {
	mu          sync.Mutex
	nextPostID  int64
	nextItemID  int64
	nextEventID int64
	posts       map[int64]*models.Post
	items       map[int64]*models.QueueItem
	credentials map[string]*models.PlatformCredential
	events      []*models.DeliveryEvent
}

func New() *Store {
	return &Store{
		posts:       make(map[int64]*models.Post),
		items:       make(map[int64]*models.QueueItem),
		credentials: make(map[string]*models.PlatformCredential),
	}
}

func (s *Store) Posts() repository.PostRepository                  { return postView{s} }
func (s *Store) Queue() repository.QueueRepository                  { return queueView{s} }
func (s *Store) Credentials() repository.CredentialRepository       { return credentialView{s} }
func (s *Store) DeliveryEvents() repository.DeliveryEventRepository { return eventView{s} }

func copyPost(p *models.Post) *models.Post {
	c := *p
	c.Media = append([]models.MediaRef(nil), p.Media...)
	c.Platforms = append([]string(nil), p.Platforms...)
	if p.ScheduledTime != nil {
		t := *p.ScheduledTime
		c.ScheduledTime = &t
	}
	c.PlatformResults = make(map[string]models.PlatformResult, len(p.PlatformResults))
	for k, v := range p.PlatformResults {
		c.PlatformResults[k] = v
	}
	return &c
}

func copyItem(i *models.QueueItem) *models.QueueItem {
	c := *i
	if i.ErrorMessage != nil {
		m := *i.ErrorMessage
		c.ErrorMessage = &m
	}
	if i.ProcessingStartedAt != nil {
		t := *i.ProcessingStartedAt
		c.ProcessingStartedAt = &t
	}
	if i.ProcessedAt != nil {
		t := *i.ProcessedAt
		c.ProcessedAt = &t
	}
	return &c
}

func copyCredential(c *models.PlatformCredential) *models.PlatformCredential {
	out := *c
	if c.ExpiresAt != nil {
		t := *c.ExpiresAt
		out.ExpiresAt = &t
	}
	if c.Extra != nil {
		out.Extra = make(map[string]string, len(c.Extra))
		for k, v := range c.Extra {
			out.Extra[k] = v
		}
	}
	return &out
}

type postView struct{ s *Store }

func (v postView) Create(_ context.Context, post *models.Post) (int64, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	v.s.nextPostID++
	c := copyPost(post)
	c.ID = v.s.nextPostID
	c.UpdatedAt = c.CreatedAt
	v.s.posts[c.ID] = c
	return c.ID, nil
}

func (v postView) GetByID(_ context.Context, id int64) (*models.Post, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	p, ok := v.s.posts[id]
	if !ok {
		return nil, nil
	}
	return copyPost(p), nil
}

func (v postView) List(_ context.Context, filter models.PostFilter) ([]*models.Post, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	var out []*models.Post
	for _, p := range v.s.posts {
		if filter.Status != "" && p.Status != filter.Status {
			continue
		}
		out = append(out, copyPost(p))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	return page(out, filter.Offset, limit), nil
}

func page[T any](in []T, offset, limit int) []T {
	if offset >= len(in) {
		return nil
	}
	in = in[offset:]
	if len(in) > limit {
		in = in[:limit]
	}
	return in
}

func (v postView) ListDue(_ context.Context, now time.Time, limit int) ([]*models.Post, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	var out []*models.Post
	for _, p := range v.s.posts {
		if p.Status == models.PostStatusScheduled && p.ScheduledTime != nil && !p.ScheduledTime.After(now) {
			out = append(out, copyPost(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		if !out[i].ScheduledTime.Equal(*out[j].ScheduledTime) {
			return out[i].ScheduledTime.Before(*out[j].ScheduledTime)
		}
		return out[i].ID < out[j].ID
	})
	return page(out, 0, limit), nil
}

func (v postView) UpdateStatus(_ context.Context, id int64, from []models.PostStatus, to models.PostStatus, now time.Time) (bool, error) {
	if err := repository.CheckTransitions(from, to); err != nil {
		return false, err
	}
	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	p, ok := v.s.posts[id]
	if !ok {
		return false, nil
	}
	for _, f := range from {
		if p.Status == f {
			p.Status = to
			p.UpdatedAt = now
			return true, nil
		}
	}
	return false, nil
}

func (v postView) ScheduleDraft(_ context.Context, id int64, at, now time.Time) (bool, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	p, ok := v.s.posts[id]
	if !ok || p.Status != models.PostStatusDraft {
		return false, nil
	}
	p.Status = models.PostStatusScheduled
	p.ScheduledTime = &at
	p.UpdatedAt = now
	return true, nil
}

func (v postView) SetPlatformResult(_ context.Context, id int64, platform string, result models.PlatformResult, now time.Time) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	p, ok := v.s.posts[id]
	if !ok {
		return nil
	}
	if p.PlatformResults == nil {
		p.PlatformResults = make(map[string]models.PlatformResult)
	}
	p.PlatformResults[platform] = result
	p.UpdatedAt = now
	return nil
}

func (v postView) ListArchivable(_ context.Context, before time.Time, limit int) ([]*models.Post, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	var out []*models.Post
	for _, p := range v.s.posts {
		if !p.Status.Terminal() || !p.UpdatedAt.Before(before) || v.s.hasActiveItemLocked(p.ID) {
			continue
		}
		out = append(out, copyPost(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return page(out, 0, limit), nil
}

func (v postView) Remove(_ context.Context, id int64) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	delete(v.s.posts, id)
	for itemID, item := range v.s.items {
		if item.PostID == id {
			delete(v.s.items, itemID)
		}
	}
	return nil
}

func (s *Store) hasActiveItemLocked(postID int64) bool {
	for _, item := range s.items {
		if item.PostID == postID && !item.Status.Terminal() {
			return true
		}
	}
	return false
}
