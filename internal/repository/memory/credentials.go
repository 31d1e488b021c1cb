package memory

import (
	"context"
	"sort"
	"time"

	"github.com/maheshrc27/postflow/internal/models"
)

type credentialView struct{ s *Store }

func (v credentialView) Get(_ context.Context, platform string) (*models.PlatformCredential, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	c, ok := v.s.credentials[platform]
	if !ok {
		return nil, nil
	}
	return copyCredential(c), nil
}

func (v credentialView) Upsert(_ context.Context, cred *models.PlatformCredential) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	c := copyCredential(cred)
	if existing, ok := v.s.credentials[cred.PlatformSlug]; ok {
		c.CreatedAt = existing.CreatedAt
	} else {
		c.CreatedAt = c.UpdatedAt
	}
	v.s.credentials[cred.PlatformSlug] = c
	return nil
}

func (v credentialView) SetToken(_ context.Context, oldAccessToken string, cred *models.PlatformCredential) (bool, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	c, ok := v.s.credentials[cred.PlatformSlug]
	if !ok || c.AccessToken != oldAccessToken {
		return false, nil
	}
	c.AccessToken = cred.AccessToken
	if cred.RefreshToken != "" {
		c.RefreshToken = cred.RefreshToken
	}
	if cred.TokenType != "" {
		c.TokenType = cred.TokenType
	}
	c.ExpiresAt = nil
	if cred.ExpiresAt != nil {
		t := *cred.ExpiresAt
		c.ExpiresAt = &t
	}
	c.UpdatedAt = cred.UpdatedAt
	return true, nil
}

func (v credentialView) ListExpiring(_ context.Context, before time.Time) ([]*models.PlatformCredential, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	var out []*models.PlatformCredential
	for _, c := range v.s.credentials {
		if c.ExpiresAt != nil && c.ExpiresAt.Before(before) {
			out = append(out, copyCredential(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })
	return out, nil
}

func (v credentialView) Remove(_ context.Context, platform string) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	delete(v.s.credentials, platform)
	return nil
}

type eventView struct{ s *Store }

func (v eventView) Create(_ context.Context, ev *models.DeliveryEvent) (int64, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	v.s.nextEventID++
	c := *ev
	c.ID = v.s.nextEventID
	v.s.events = append(v.s.events, &c)
	return c.ID, nil
}

func (v eventView) ListByPostID(_ context.Context, postID int64) ([]*models.DeliveryEvent, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	var out []*models.DeliveryEvent
	for _, ev := range v.s.events {
		if ev.PostID == postID {
			c := *ev
			out = append(out, &c)
		}
	}
	return out, nil
}
