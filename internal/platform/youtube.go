package platform

import (
	"net/http"
	"net/url"

	config "github.com/maheshrc27/postflow/configs"
	"github.com/maheshrc27/postflow/internal/apperrors"
	"github.com/maheshrc27/postflow/internal/models"
	"google.golang.org/api/youtube/v3"
)

// youtube uses the resumable upload protocol: the first call sends the video
// metadata and returns an upload session URL, the second streams the file.
type youtubePlatform struct{ base }

func newYoutube(cfg config.PlatformConfig) Platform { return &youtubePlatform{base{cfg}} }

func (y *youtubePlatform) ValidateContent(c Content) error {
	if len(c.Media) != 1 || MediaTypeOf(c.Media[0]) != models.MediaTypeVideo {
		return apperrors.Validation("media", "youtube posts need exactly one video")
	}
	return nil
}

func (y *youtubePlatform) Format(c Content, a Account) (*Request, error) {
	title := c.Title
	if title == "" {
		title = Truncate(c.Text, 100)
	}
	privacy := a["privacy_status"]
	if privacy == "" {
		privacy = "public"
	}

	video := &youtube.Video{
		Snippet: &youtube.VideoSnippet{
			Title:       title,
			Description: c.Text,
			CategoryId:  "22",
		},
		Status: &youtube.VideoStatus{PrivacyStatus: privacy},
	}

	return &Request{
		Operation: OpMedia,
		Query:     url.Values{"uploadType": {"resumable"}, "part": {"snippet,status"}},
		Header:    http.Header{"X-Upload-Content-Type": {"video/*"}},
		Body:      video,
	}, nil
}

func (y *youtubePlatform) FollowUp(prev *Response, c Content, _ Account) (*Request, error) {
	if len(prev.Body) > 0 {
		var video youtube.Video
		if err := decode(prev, &video); err == nil && video.Id != "" {
			return nil, nil
		}
	}
	session := prev.Header.Get("Location")
	if session == "" {
		return nil, &apperrors.HTTPError{URL: prev.URL, StatusCode: prev.StatusCode, Body: "no upload session returned"}
	}
	return &Request{
		Method:    http.MethodPut,
		URL:       session,
		SourceURL: c.Media[0].URL,
	}, nil
}

func (y *youtubePlatform) Normalize(resp *Response, _ Account) (string, string, error) {
	var video youtube.Video
	if err := decode(resp, &video); err != nil {
		return "", "", err
	}
	if video.Id == "" {
		return "", "", missingID(y.cfg.Slug)
	}
	return video.Id, "https://www.youtube.com/watch?v=" + video.Id, nil
}
