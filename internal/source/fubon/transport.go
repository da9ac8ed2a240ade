// Package fubon fetches and parses daily broker-branch trading pages from
// the Fubon e-broker site.
package fubon

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"

	"tsfetch/internal/domain"
	"tsfetch/internal/pipeline"
)

// DefaultBaseURL is the branch trading summary page.
const DefaultBaseURL = "https://fubon-ebrokerdj.fbs.com.tw/z/zg/zgb/zgb0.djhtm"

// Compile-time interface check.
var _ pipeline.Transport = (*Transport)(nil)

// Transport downloads pages over HTTP.
type Transport struct {
	client *resty.Client
}

// NewTransport creates a Transport. timeout bounds each request in addition
// to the caller's context.
func NewTransport(timeout time.Duration) *Transport {
	client := resty.New()
	client.SetTimeout(timeout)
	client.SetHeader("Accept", "text/html,application/xhtml+xml")
	client.SetRetryCount(0)
	return &Transport{client: client}
}

// FetchRaw GETs the page at key, sending identity as the User-Agent. 429
// and 5xx responses are transient; other non-2xx responses are not.
func (t *Transport) FetchRaw(ctx context.Context, key, identity string) ([]byte, error) {
	req := t.client.R().SetContext(ctx)
	if identity != "" {
		req.SetHeader("User-Agent", identity)
	}
	resp, err := req.Get(key)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", key, err)
	}

	code := resp.StatusCode()
	switch {
	case code == http.StatusTooManyRequests || code >= 500:
		return nil, fmt.Errorf("GET %s: status %d: %w", key, code, pipeline.ErrTransient)
	case code < 200 || code > 299:
		return nil, fmt.Errorf("GET %s: status %d", key, code)
	}
	return resp.Body(), nil
}

// Key returns a KeyFunc that builds the page URL for a unit:
//
//	<base>?a=<HQ>&b=<branch>&c=E&e=<Y-M-D>&f=<Y-M-D>
//
// with month and day not zero-padded.
func Key(baseURL string) pipeline.KeyFunc {
	return func(u domain.Unit) string {
		d := shortDate(u.Date)
		return fmt.Sprintf("%s?a=%s&b=%s&c=E&e=%s&f=%s", baseURL,
			url.QueryEscape(u.Entity.GroupID), url.QueryEscape(u.Entity.ID), d, d)
	}
}

func shortDate(date string) string {
	t, err := time.Parse(domain.DateLayout, date)
	if err != nil {
		return date
	}
	return t.Format("2006-1-2")
}
