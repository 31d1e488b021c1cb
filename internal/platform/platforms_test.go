package platform

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	config "github.com/maheshrc27/postflow/configs"
	"github.com/maheshrc27/postflow/internal/apperrors"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadPlatform(t *testing.T, slug, base string) config.PlatformConfig {
	t.Helper()
	platforms, err := config.LoadPlatforms("../../configs/platforms.yaml")
	require.NoError(t, err)
	for _, p := range platforms {
		if p.Slug == slug {
			p.APIBase = base
			for op, path := range p.EndpointOverrides {
				if strings.HasPrefix(path, "https://") {
					p.EndpointOverrides[op] = base + "/token"
				}
			}
			return p
		}
	}
	t.Fatalf("platform %s not configured", slug)
	return config.PlatformConfig{}
}

func TestRender(t *testing.T) {
	text, err := Render("plain", "<p>Fish &amp; <em>chips</em></p><script>x()</script>")
	require.NoError(t, err)
	assert.Equal(t, "Fish & chips", text)

	html, err := Render("html", "# Title\n\nSome **bold** text <script>alert(1)</script>")
	require.NoError(t, err)
	assert.Contains(t, html, "<h1>Title</h1>")
	assert.Contains(t, html, "<strong>bold</strong>")
	assert.NotContains(t, html, "<script>")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "héllo…", Truncate("héllo wörld", 6))
	assert.Equal(t, "…", Truncate("abc", 1))
	assert.Equal(t, "abc", Truncate("abc", 0))
}

func TestMediaTypeOf(t *testing.T) {
	assert.Equal(t, models.MediaTypeImage, MediaTypeOf(models.MediaRef{URL: "https://cdn.example/a.JPG?w=200"}))
	assert.Equal(t, models.MediaTypeVideo, MediaTypeOf(models.MediaRef{URL: "https://cdn.example/b.mp4"}))
	assert.Equal(t, models.MediaTypeVideo, MediaTypeOf(models.MediaRef{Type: models.MediaTypeVideo, URL: "https://cdn.example/c"}))
	assert.Equal(t, models.MediaType(""), MediaTypeOf(models.MediaRef{URL: "https://cdn.example/d.txt"}))
}

func TestTwitterTruncatesInsteadOfRejecting(t *testing.T) {
	var got map[string]string
	fp := newFakePlatform(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, map[string]any{"data": map[string]string{"id": "1790"}})
	})
	cfg := loadPlatform(t, "twitter", fp.URL)
	d := newTestDriver(cfg, &fakeCreds{token: "tok"}, nil)

	res, err := d.Publish(context.Background(), Content{Body: strings.Repeat("a", 400)})
	require.NoError(t, err)
	assert.Equal(t, "1790", res.PostID)
	assert.Equal(t, "https://x.com/i/web/status/1790", res.URL)

	calls := fp.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "/2/tweets", calls[0].Path)
	require.NoError(t, json.Unmarshal([]byte(calls[0].Body), &got))
	assert.Equal(t, 280, len([]rune(got["text"])))
}

func TestInstagramPublishesInTwoSteps(t *testing.T) {
	fp := newFakePlatform(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/media"):
			writeJSON(w, http.StatusOK, map[string]string{"id": "container-1"})
		case strings.HasSuffix(r.URL.Path, "/media_publish"):
			writeJSON(w, http.StatusOK, map[string]string{"id": "ig-77"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	cfg := loadPlatform(t, "instagram", fp.URL)
	d := newTestDriver(cfg, &fakeCreds{token: "tok", account: Account{"account_id": "1784"}}, nil)

	res, err := d.Publish(context.Background(), Content{
		Body:  "sunset",
		Media: []models.MediaRef{{URL: "https://cdn.example/sunset.jpg"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "ig-77", res.PostID)

	calls := fp.calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "/v21.0/1784/media", calls[0].Path)
	assert.JSONEq(t, `{"image_url":"https://cdn.example/sunset.jpg","caption":"sunset"}`, calls[0].Body)
	assert.Equal(t, "/v21.0/1784/media_publish", calls[1].Path)
	assert.JSONEq(t, `{"creation_id":"container-1"}`, calls[1].Body)
}

func TestInstagramRequiresMedia(t *testing.T) {
	cfg := loadPlatform(t, "instagram", "https://graph.example")
	d := newTestDriver(cfg, &fakeCreds{token: "tok"}, nil)
	err := d.Validate(Content{Body: "no picture"})
	assert.Equal(t, apperrors.CodeValidation, apperrors.CodeOf(err))
}

func TestTiktokPhotoPayloadAndErrorEnvelope(t *testing.T) {
	var fail atomic.Bool
	fp := newFakePlatform(t, func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			writeJSON(w, http.StatusOK, map[string]any{"error": map[string]string{"code": "spam_risk_too_many_posts", "message": "slow down"}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"data":  map[string]string{"publish_id": "v_pub_1"},
			"error": map[string]string{"code": "ok"},
		})
	})
	cfg := loadPlatform(t, "tiktok", fp.URL)
	d := newTestDriver(cfg, &fakeCreds{token: "tok"}, nil)
	content := Content{
		Title: "trip",
		Body:  "day one",
		Media: []models.MediaRef{{URL: "https://cdn.example/1.png"}, {URL: "https://cdn.example/2.png"}},
	}

	res, err := d.Publish(context.Background(), content)
	require.NoError(t, err)
	assert.Equal(t, "v_pub_1", res.PostID)

	calls := fp.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "/v2/post/publish/content/init/", calls[0].Path)
	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(calls[0].Body), &body))
	assert.Equal(t, "PHOTO", body["media_type"])
	assert.Equal(t, "DIRECT_POST", body["post_mode"])

	fail.Store(true)
	_, err = d.Publish(context.Background(), content)
	assert.Equal(t, apperrors.CodeHTTP, apperrors.CodeOf(err))

	err = d.Validate(Content{Body: "x", Media: []models.MediaRef{{URL: "https://cdn.example/1.mp4"}, {URL: "https://cdn.example/2.png"}}})
	assert.Equal(t, apperrors.CodeValidation, apperrors.CodeOf(err))
}

func TestYoutubeResumableUpload(t *testing.T) {
	media := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		_, _ = io.WriteString(w, "VIDEO-BYTES")
	}))
	defer media.Close()

	var fp *fakePlatform
	fp = newFakePlatform(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			assert.Equal(t, "resumable", r.URL.Query().Get("uploadType"))
			w.Header().Set("Location", fp.URL+"/session/abc")
			w.WriteHeader(http.StatusOK)
		case http.MethodPut:
			writeJSON(w, http.StatusOK, map[string]any{"id": "yt-9", "kind": "youtube#video"})
		}
	})
	cfg := loadPlatform(t, "youtube", fp.URL)
	d := newTestDriver(cfg, &fakeCreds{token: "tok"}, nil)

	res, err := d.Publish(context.Background(), Content{
		Title: "Launch",
		Body:  "watch this",
		Media: []models.MediaRef{{URL: media.URL + "/clip.mp4"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "yt-9", res.PostID)
	assert.Equal(t, "https://www.youtube.com/watch?v=yt-9", res.URL)

	calls := fp.calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "/upload/youtube/v3/videos", calls[0].Path)
	assert.Contains(t, calls[0].Body, `"title":"Launch"`)
	assert.Equal(t, "/session/abc", calls[1].Path)
	assert.Equal(t, "VIDEO-BYTES", calls[1].Body)
}

func TestTumblrSendsHTML(t *testing.T) {
	fp := newFakePlatform(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, map[string]any{"meta": map[string]int{"status": 201}, "response": map[string]any{"id": 123456}})
	})
	cfg := loadPlatform(t, "tumblr", fp.URL)
	d := newTestDriver(cfg, &fakeCreds{token: "tok", account: Account{"blog_identifier": "notes"}}, nil)

	res, err := d.Publish(context.Background(), Content{Title: "T", Body: "hello *world*"})
	require.NoError(t, err)
	assert.Equal(t, "123456", res.PostID)
	assert.Equal(t, "https://notes.tumblr.com/post/123456", res.URL)

	calls := fp.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "/v2/blog/notes/post", calls[0].Path)
	var body map[string]string
	require.NoError(t, json.Unmarshal([]byte(calls[0].Body), &body))
	assert.Equal(t, "<p>hello <em>world</em></p>", body["body"])
	assert.Equal(t, "html", body["format"])
}

func TestLinkedInShare(t *testing.T) {
	fp := newFakePlatform(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2.0.0", r.Header.Get("X-Restli-Protocol-Version"))
		w.Header().Set("X-RestLi-Id", "urn:li:share:42")
		w.WriteHeader(http.StatusCreated)
	})
	cfg := loadPlatform(t, "linkedin", fp.URL)

	d := newTestDriver(cfg, &fakeCreds{token: "tok"}, nil)
	_, err := d.Publish(context.Background(), Content{Body: "hello"})
	assert.Equal(t, apperrors.CodeAuthRequired, apperrors.CodeOf(err))

	d = newTestDriver(cfg, &fakeCreds{token: "tok", account: Account{"person_id": "abc"}}, nil)
	res, err := d.Publish(context.Background(), Content{Body: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "urn:li:share:42", res.PostID)
	assert.Equal(t, "https://www.linkedin.com/feed/update/urn:li:share:42", res.URL)

	calls := fp.calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].Body, `"author":"urn:li:person:abc"`)
	assert.Contains(t, calls[0].Body, `"shareMediaCategory":"NONE"`)
}

func TestFacebookAndMastodonFormats(t *testing.T) {
	fp := newFakePlatform(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "statuses") {
			writeJSON(w, http.StatusOK, map[string]string{"id": "m1", "url": "https://mastodon.example/@me/m1"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": "page_post"})
	})

	fb := newTestDriver(loadPlatform(t, "facebook", fp.URL), &fakeCreds{token: "tok", account: Account{"page_id": "p9"}}, nil)
	res, err := fb.Publish(context.Background(), Content{Body: "news", Media: []models.MediaRef{{URL: "https://cdn.example/n.png"}}})
	require.NoError(t, err)
	assert.Equal(t, "https://www.facebook.com/page_post", res.URL)

	md := newTestDriver(loadPlatform(t, "mastodon", fp.URL), &fakeCreds{token: "tok"}, nil)
	res, err = md.Publish(context.Background(), Content{Body: "toot"})
	require.NoError(t, err)
	assert.Equal(t, "m1", res.PostID)

	calls := fp.calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "/v19.0/p9/feed", calls[0].Path)
	assert.JSONEq(t, `{"message":"news","link":"https://cdn.example/n.png"}`, calls[0].Body)
	assert.Equal(t, "/api/v1/statuses", calls[1].Path)
	assert.JSONEq(t, `{"status":"toot","visibility":"public"}`, calls[1].Body)
}
