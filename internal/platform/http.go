package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/maheshrc27/postflow/internal/apperrors"
)

const (
	maxResponseBody  = 1 << 20
	maxErrorBody     = 512
	defaultRetryWait = time.Minute
	userAgent        = "postflow/1.0"
)

// call performs one HTTP exchange. Non-2xx responses come back as typed
// errors: 429 as RateLimitError, everything else as HTTPError.
func (d *Driver) call(ctx context.Context, endpoint string, req *Request, header http.Header) (*Response, error) {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return nil, &apperrors.TransportError{URL: endpoint, Err: err}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	target := endpoint
	if len(req.Query) > 0 {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + req.Query.Encode()
	}

	body, contentType, err := d.requestBody(ctx, req)
	if err != nil {
		return nil, err
	}
	if body != nil {
		defer body.Close()
	}

	method := req.Method
	if method == "" {
		method = http.MethodPost
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", endpoint, err)
	}
	for k, vs := range header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	for k, vs := range req.Header {
		httpReq.Header.Del(k)
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", userAgent)

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, &apperrors.TransportError{URL: endpoint, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, &apperrors.TransportError{URL: endpoint, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &apperrors.RateLimitError{
			Platform:   d.cfg.Slug,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), d.clock.Now()),
		}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &apperrors.HTTPError{URL: endpoint, StatusCode: resp.StatusCode, Body: snippet(data)}
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
		URL:        endpoint,
	}, nil
}

func (d *Driver) requestBody(ctx context.Context, req *Request) (io.ReadCloser, string, error) {
	switch {
	case req.SourceURL != "":
		src, err := http.NewRequestWithContext(ctx, http.MethodGet, req.SourceURL, nil)
		if err != nil {
			return nil, "", fmt.Errorf("building media request: %w", err)
		}
		resp, err := d.client.Do(src)
		if err != nil {
			return nil, "", &apperrors.TransportError{URL: req.SourceURL, Err: err}
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, "", &apperrors.HTTPError{URL: req.SourceURL, StatusCode: resp.StatusCode}
		}
		return resp.Body, resp.Header.Get("Content-Type"), nil
	case req.Form != nil:
		return io.NopCloser(strings.NewReader(req.Form.Encode())), "application/x-www-form-urlencoded", nil
	case req.Body != nil:
		data, err := json.Marshal(req.Body)
		if err != nil {
			return nil, "", fmt.Errorf("encoding %s payload: %w", d.cfg.Slug, err)
		}
		return io.NopCloser(bytes.NewReader(data)), "application/json", nil
	}
	return nil, "", nil
}

// parseRetryAfter accepts both forms of the Retry-After header.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return defaultRetryWait
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return defaultRetryWait
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
		return 0
	}
	return defaultRetryWait
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > maxErrorBody {
		s = s[:maxErrorBody]
	}
	return s
}

func statusOf(err error) int {
	var he *apperrors.HTTPError
	if errors.As(err, &he) {
		return he.StatusCode
	}
	return 0
}
