package platform

import (
	"strings"

	config "github.com/maheshrc27/postflow/configs"
	"github.com/maheshrc27/postflow/internal/apperrors"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/transfer"
)

// instagram publishes in two calls: create a media container, then publish it.
type instagram struct{ base }

func newInstagram(cfg config.PlatformConfig) Platform { return &instagram{base{cfg}} }

func (ig *instagram) ValidateContent(c Content) error {
	if len(c.Media) != 1 {
		return apperrors.Validation("media", "instagram posts need exactly one image or video")
	}
	return nil
}

func (ig *instagram) Format(c Content, _ Account) (*Request, error) {
	container := transfer.InstagramContainerRequest{Caption: c.Text}
	m := c.Media[0]
	if MediaTypeOf(m) == models.MediaTypeVideo {
		container.VideoURL = m.URL
		container.MediaType = "REELS"
	} else {
		container.ImageURL = m.URL
	}
	return &Request{Operation: OpMedia, Body: container}, nil
}

func (ig *instagram) FollowUp(prev *Response, _ Content, _ Account) (*Request, error) {
	if !strings.HasSuffix(prev.URL, "/media") {
		return nil, nil
	}
	var container transfer.InstagramIDResponse
	if err := decode(prev, &container); err != nil {
		return nil, err
	}
	if container.ID == "" {
		return nil, missingID(ig.cfg.Slug)
	}
	return &Request{
		Operation: OpPost,
		Body:      transfer.InstagramPublishRequest{CreationID: container.ID},
	}, nil
}

func (ig *instagram) Normalize(resp *Response, _ Account) (string, string, error) {
	var out transfer.InstagramIDResponse
	if err := decode(resp, &out); err != nil {
		return "", "", err
	}
	if out.ID == "" {
		return "", "", missingID(ig.cfg.Slug)
	}
	return out.ID, "", nil
}
