package platform

import (
	"bytes"
	"html"
	"path"
	"strings"
	"unicode/utf8"

	"github.com/h2non/filetype"
	config "github.com/maheshrc27/postflow/configs"
	"github.com/maheshrc27/postflow/internal/apperrors"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
)

var (
	stripPolicy = bluemonday.StrictPolicy()
	htmlPolicy  = bluemonday.UGCPolicy()
	markdown    = goldmark.New()
)

// Render converts a post body to the text a platform receives: HTML for
// html platforms, tag-free text for everyone else.
func Render(format, body string) (string, error) {
	if format == "html" {
		var buf bytes.Buffer
		if err := markdown.Convert([]byte(body), &buf); err != nil {
			return "", err
		}
		return strings.TrimSpace(htmlPolicy.Sanitize(buf.String())), nil
	}
	return strings.TrimSpace(html.UnescapeString(stripPolicy.Sanitize(body))), nil
}

// Truncate shortens s to at most n runes, marking the cut with an ellipsis.
func Truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	if n == 1 {
		return "…"
	}
	return strings.TrimRight(string(runes[:n-1]), " ") + "…"
}

// MediaTypeOf returns the declared type of a media reference, falling back to
// the type implied by the URL's file extension.
func MediaTypeOf(m models.MediaRef) models.MediaType {
	if m.Type != "" {
		return m.Type
	}
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(urlPath(m.URL))), ".")
	if ext == "" {
		return ""
	}
	kind := filetype.GetType(ext)
	if kind == filetype.Unknown {
		return ""
	}
	switch kind.MIME.Type {
	case "image":
		return models.MediaTypeImage
	case "video":
		return models.MediaTypeVideo
	}
	return ""
}

func urlPath(raw string) string {
	if i := strings.IndexAny(raw, "?#"); i >= 0 {
		raw = raw[:i]
	}
	return raw
}

func validateLimits(cfg config.PlatformConfig, c Content) error {
	if strings.TrimSpace(c.Text) == "" {
		return apperrors.Validation("body", "empty after formatting for %s", cfg.Slug)
	}
	if n := utf8.RuneCountInString(c.Text); cfg.MaxChars > 0 && n > cfg.MaxChars && !cfg.Truncate {
		return apperrors.Validation("body", "%d characters exceeds the %s limit of %d", n, cfg.Slug, cfg.MaxChars)
	}
	if cfg.RequiresMedia && len(c.Media) == 0 {
		return apperrors.Validation("media", "%s requires at least one image or video", cfg.Slug)
	}
	if cfg.MaxMedia > 0 && len(c.Media) > cfg.MaxMedia {
		return apperrors.Validation("media", "%d attachments exceeds the %s limit of %d", len(c.Media), cfg.Slug, cfg.MaxMedia)
	}
	for i, m := range c.Media {
		switch MediaTypeOf(m) {
		case models.MediaTypeImage:
			if !cfg.SupportsImages {
				return apperrors.Validation("media", "%s does not accept images", cfg.Slug)
			}
		case models.MediaTypeVideo:
			if !cfg.SupportsVideos {
				return apperrors.Validation("media", "%s does not accept videos", cfg.Slug)
			}
		default:
			return apperrors.Validation("media", "attachment %d has an unknown media type", i)
		}
	}
	return nil
}
