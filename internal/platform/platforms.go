package platform

import (
	"encoding/json"
	"fmt"
	"strings"

	config "github.com/maheshrc27/postflow/configs"
	"github.com/maheshrc27/postflow/internal/apperrors"
)

func decode(resp *Response, v any) error {
	if err := json.Unmarshal(resp.Body, v); err != nil {
		return fmt.Errorf("decoding response from %s: %w", resp.URL, err)
	}
	return nil
}

// flexibleID accepts ids sent as JSON strings or numbers.
type flexibleID string

func (f *flexibleID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexibleID(n.String())
	return nil
}

func missingID(slug string) error {
	return fmt.Errorf("%s response has no post id", slug)
}

func missingAccount(slug, field string) error {
	return &apperrors.AuthRequiredError{Platform: slug, Reason: "credential has no " + field}
}

// generic speaks a plain JSON API: {"text", "title", "media"} in, {"id", "url"} out.
type generic struct{ base }

func newGeneric(cfg config.PlatformConfig) Platform { return &generic{base{cfg}} }

type genericMedia struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

type genericPost struct {
	Text  string         `json:"text"`
	Title string         `json:"title,omitempty"`
	Media []genericMedia `json:"media,omitempty"`
}

func (g *generic) Format(c Content, _ Account) (*Request, error) {
	body := genericPost{Text: c.Text, Title: c.Title}
	for _, m := range c.Media {
		body.Media = append(body.Media, genericMedia{Type: string(MediaTypeOf(m)), URL: m.URL})
	}
	return &Request{Operation: OpPost, Body: body}, nil
}

func (g *generic) Normalize(resp *Response, _ Account) (string, string, error) {
	var out struct {
		ID  flexibleID `json:"id"`
		URL string     `json:"url"`
	}
	if err := decode(resp, &out); err != nil {
		return "", "", err
	}
	if out.ID == "" {
		return "", "", missingID(g.cfg.Slug)
	}
	return string(out.ID), out.URL, nil
}

type twitter struct{ base }

func newTwitter(cfg config.PlatformConfig) Platform { return &twitter{base{cfg}} }

func (t *twitter) Format(c Content, _ Account) (*Request, error) {
	return &Request{Operation: OpPost, Body: map[string]string{"text": c.Text}}, nil
}

func (t *twitter) Normalize(resp *Response, _ Account) (string, string, error) {
	var out struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := decode(resp, &out); err != nil {
		return "", "", err
	}
	if out.Data.ID == "" {
		return "", "", missingID(t.cfg.Slug)
	}
	return out.Data.ID, "https://x.com/i/web/status/" + out.Data.ID, nil
}

type facebook struct{ base }

func newFacebook(cfg config.PlatformConfig) Platform { return &facebook{base{cfg}} }

func (f *facebook) Format(c Content, _ Account) (*Request, error) {
	body := map[string]string{"message": c.Text}
	if len(c.Media) > 0 {
		body["link"] = c.Media[0].URL
	}
	return &Request{Operation: OpPost, Body: body}, nil
}

func (f *facebook) Normalize(resp *Response, _ Account) (string, string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := decode(resp, &out); err != nil {
		return "", "", err
	}
	if out.ID == "" {
		return "", "", missingID(f.cfg.Slug)
	}
	return out.ID, "https://www.facebook.com/" + out.ID, nil
}

type mastodon struct{ base }

func newMastodon(cfg config.PlatformConfig) Platform { return &mastodon{base{cfg}} }

func (m *mastodon) Format(c Content, _ Account) (*Request, error) {
	return &Request{
		Operation: OpPost,
		Body:      map[string]string{"status": c.Text, "visibility": "public"},
	}, nil
}

func (m *mastodon) Normalize(resp *Response, _ Account) (string, string, error) {
	var out struct {
		ID  string `json:"id"`
		URL string `json:"url"`
	}
	if err := decode(resp, &out); err != nil {
		return "", "", err
	}
	if out.ID == "" {
		return "", "", missingID(m.cfg.Slug)
	}
	return out.ID, out.URL, nil
}

type tumblr struct{ base }

func newTumblr(cfg config.PlatformConfig) Platform { return &tumblr{base{cfg}} }

func (t *tumblr) Format(c Content, _ Account) (*Request, error) {
	body := map[string]string{
		"type":   "text",
		"format": "html",
		"body":   c.Text,
	}
	if c.Title != "" {
		body["title"] = c.Title
	}
	return &Request{Operation: OpPost, Body: body}, nil
}

func (t *tumblr) Normalize(resp *Response, a Account) (string, string, error) {
	var out struct {
		Response struct {
			ID       flexibleID `json:"id"`
			IDString string     `json:"id_string"`
		} `json:"response"`
	}
	if err := decode(resp, &out); err != nil {
		return "", "", err
	}
	id := out.Response.IDString
	if id == "" {
		id = string(out.Response.ID)
	}
	if id == "" {
		return "", "", missingID(t.cfg.Slug)
	}
	blog := a["blog_identifier"]
	if blog != "" && !strings.Contains(blog, ".") {
		blog += ".tumblr.com"
	}
	return id, "https://" + blog + "/post/" + id, nil
}

type linkedin struct{ base }

func newLinkedIn(cfg config.PlatformConfig) Platform { return &linkedin{base{cfg}} }

type linkedinShare struct {
	Author          string                     `json:"author"`
	LifecycleState  string                     `json:"lifecycleState"`
	SpecificContent map[string]linkedinContent `json:"specificContent"`
	Visibility      map[string]string          `json:"visibility"`
}

type linkedinContent struct {
	ShareCommentary    linkedinText    `json:"shareCommentary"`
	ShareMediaCategory string          `json:"shareMediaCategory"`
	Media              []linkedinMedia `json:"media,omitempty"`
}

type linkedinText struct {
	Text string `json:"text"`
}

type linkedinMedia struct {
	Status      string        `json:"status"`
	OriginalURL string        `json:"originalUrl"`
	Title       *linkedinText `json:"title,omitempty"`
}

func (l *linkedin) Format(c Content, a Account) (*Request, error) {
	author := a["author_urn"]
	if author == "" && a["person_id"] != "" {
		author = "urn:li:person:" + a["person_id"]
	}
	if author == "" {
		return nil, missingAccount(l.cfg.Slug, "author_urn")
	}

	content := linkedinContent{
		ShareCommentary:    linkedinText{Text: c.Text},
		ShareMediaCategory: "NONE",
	}
	for _, m := range c.Media {
		content.ShareMediaCategory = "IMAGE"
		media := linkedinMedia{Status: "READY", OriginalURL: m.URL}
		if c.Title != "" {
			media.Title = &linkedinText{Text: c.Title}
		}
		content.Media = append(content.Media, media)
	}

	return &Request{
		Operation: OpPost,
		Header:    map[string][]string{"X-Restli-Protocol-Version": {"2.0.0"}},
		Body: linkedinShare{
			Author:          author,
			LifecycleState:  "PUBLISHED",
			SpecificContent: map[string]linkedinContent{"com.linkedin.ugc.ShareContent": content},
			Visibility:      map[string]string{"com.linkedin.ugc.MemberNetworkVisibility": "PUBLIC"},
		},
	}, nil
}

func (l *linkedin) Normalize(resp *Response, _ Account) (string, string, error) {
	id := resp.Header.Get("X-RestLi-Id")
	if id == "" {
		var out struct {
			ID string `json:"id"`
		}
		if len(resp.Body) > 0 {
			if err := decode(resp, &out); err != nil {
				return "", "", err
			}
		}
		id = out.ID
	}
	if id == "" {
		return "", "", missingID(l.cfg.Slug)
	}
	return id, "https://www.linkedin.com/feed/update/" + id, nil
}
