package platform

import (
	"net/http"

	config "github.com/maheshrc27/postflow/configs"
	"github.com/maheshrc27/postflow/internal/apperrors"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/transfer"
)

const tiktokDefaultPrivacy = "SELF_ONLY"

// tiktok posts through the PULL_FROM_URL flow: one video, or a photo set.
type tiktok struct{ base }

func newTiktok(cfg config.PlatformConfig) Platform { return &tiktok{base{cfg}} }

func (t *tiktok) ValidateContent(c Content) error {
	if len(c.Media) == 0 {
		return apperrors.Validation("media", "tiktok posts need a video or photos")
	}
	var images, videos int
	for _, m := range c.Media {
		if MediaTypeOf(m) == models.MediaTypeVideo {
			videos++
		} else {
			images++
		}
	}
	if videos > 0 && (images > 0 || videos > 1) {
		return apperrors.Validation("media", "tiktok posts are a single video or a set of photos")
	}
	return nil
}

func (t *tiktok) Format(c Content, a Account) (*Request, error) {
	privacy := a["privacy_level"]
	if privacy == "" {
		privacy = tiktokDefaultPrivacy
	}

	if MediaTypeOf(c.Media[0]) == models.MediaTypeVideo {
		return &Request{
			Operation: OpPost,
			Body: transfer.VideoUploadRequest{
				PostInfo: transfer.VideoPostInfo{
					Title:        c.Text,
					PrivacyLevel: privacy,
				},
				SourceInfo: transfer.VideoSourceInfo{
					Source:   "PULL_FROM_URL",
					VideoURL: c.Media[0].URL,
				},
			},
		}, nil
	}

	images := make([]string, 0, len(c.Media))
	for _, m := range c.Media {
		images = append(images, m.URL)
	}
	return &Request{
		Operation: OpMedia,
		Body: transfer.PhotoUploadRequest{
			PostInfo: transfer.PhotoPostInfo{
				Title:        c.Title,
				Description:  c.Text,
				PrivacyLevel: privacy,
			},
			SourceInfo: transfer.PhotoSourceInfo{
				Source:      "PULL_FROM_URL",
				PhotoImages: images,
			},
			PostMode:  "DIRECT_POST",
			MediaType: "PHOTO",
		},
	}, nil
}

func (t *tiktok) Normalize(resp *Response, _ Account) (string, string, error) {
	var out transfer.TikTokUploadResponse
	if err := decode(resp, &out); err != nil {
		return "", "", err
	}
	if out.Error.Code != "" && out.Error.Code != "ok" {
		return "", "", &apperrors.HTTPError{
			URL:        resp.URL,
			StatusCode: http.StatusBadGateway,
			Body:       out.Error.Code + ": " + out.Error.Message,
		}
	}
	if out.Data.PublishID == "" {
		return "", "", missingID(t.cfg.Slug)
	}
	return out.Data.PublishID, "", nil
}
