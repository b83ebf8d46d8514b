// Package httpds is the HTTP client shared by every remote collaborator: the
// SDMX endpoint, the geometry service and the content platform.
//
// Each call runs under its own deadline, is paced by an optional rate
// limiter, and is recorded in the metrics facade. Only calls marked
// idempotent are retried.
package httpds

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	neturl "net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/time/rate"

	pkgerrors "sdmxgeo/internal/errors"
	"sdmxgeo/internal/metrics"
)

const (
	DefaultTimeout     = 60 * time.Second
	DefaultAttempts    = 3
	DefaultBaseBackoff = 500 * time.Millisecond
	DefaultMaxBackoff  = 10 * time.Second
	DefaultUserAgent   = "sdmx2geo/1.0"

	// maxErrorText bounds the message taken from an error response body.
	maxErrorText = 4 << 10
)

// Config configures a Client. Zero values select the defaults.
type Config struct {
	// Service names the collaborator in errors, logs and metric tags.
	Service string

	Timeout     time.Duration
	Attempts    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// RequestsPerSecond paces outgoing requests; <= 0 disables pacing.
	RequestsPerSecond float64

	UserAgent string
	HTTP      *http.Client
	Logger    *log.Logger
}

// Client sends requests to one remote service.
type Client struct {
	service     string
	timeout     time.Duration
	attempts    int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	userAgent   string
	http        *http.Client
	limiter     *rate.Limiter
	logger      *log.Logger

	// sleep waits between attempts; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) bool
}

func New(cfg Config) *Client {
	c := &Client{
		service:     cfg.Service,
		timeout:     cfg.Timeout,
		attempts:    cfg.Attempts,
		baseBackoff: cfg.BaseBackoff,
		maxBackoff:  cfg.MaxBackoff,
		userAgent:   cfg.UserAgent,
		http:        cfg.HTTP,
		logger:      cfg.Logger,
		sleep:       sleepContext,
	}
	if c.service == "" {
		c.service = "remote"
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.attempts <= 0 {
		c.attempts = DefaultAttempts
	}
	if c.baseBackoff <= 0 {
		c.baseBackoff = DefaultBaseBackoff
	}
	if c.maxBackoff <= 0 {
		c.maxBackoff = DefaultMaxBackoff
	}
	if c.userAgent == "" {
		c.userAgent = DefaultUserAgent
	}
	if c.http == nil {
		c.http = newHTTPClient()
	}
	if c.logger == nil {
		c.logger = log.Default()
	}
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return c
}

// Service returns the name used in errors and metrics.
func (c *Client) Service() string { return c.service }

// RequestFunc builds a fresh request for one attempt. It is called again
// for every retry, so request bodies must be rebuilt each time.
type RequestFunc func(ctx context.Context) (*http.Request, error)

// Response is a successful (2xx) reply with its body fully read.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Do sends the request built by newReq. Non-2xx replies and transport
// failures become *errors.RemoteServiceError. When idempotent is true,
// retryable failures are retried with exponential backoff, honoring
// Retry-After on 429.
func (c *Client) Do(ctx context.Context, op string, newReq RequestFunc, idempotent bool) (*Response, error) {
	attempts := 1
	if idempotent {
		attempts = c.attempts
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		resp, retryAfter, err := c.attempt(ctx, op, newReq)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if attempt == attempts || !pkgerrors.IsRetryable(err) || ctx.Err() != nil {
			break
		}

		status := statusOf(err)
		wait := nextRetryDelay(status, retryAfter, attempt, c.baseBackoff, c.maxBackoff)
		c.logger.Printf("httpds: retry service=%s op=%s attempt=%d status=%d wait=%s", c.service, op, attempt, status, wait)
		if !c.sleep(ctx, wait) {
			break
		}
	}
	return nil, lastErr
}

func (c *Client) attempt(ctx context.Context, op string, newReq RequestFunc) (*Response, time.Duration, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, 0, pkgerrors.Remote(c.service, op, err)
		}
	}

	actx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := newReq(actx)
	if err != nil {
		return nil, 0, fmt.Errorf("%s.%s: build request: %w", c.service, op, err)
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.RecordRemote(c.service, 0, time.Since(start), true)
		return nil, 0, pkgerrors.Remote(c.service, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	metrics.RecordRemote(c.service, resp.StatusCode, time.Since(start), err != nil || resp.StatusCode >= 300)
	if err != nil {
		return nil, 0, pkgerrors.Remote(c.service, op, fmt.Errorf("read body: %w", err))
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, 0, nil
	}

	return nil, parseRetryAfter(resp.Header), &pkgerrors.RemoteServiceError{
		Service:    c.service,
		Op:         op,
		StatusCode: resp.StatusCode,
		Msg:        ErrorText(resp.Header.Get("Content-Type"), body),
		Retryable:  resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
	}
}

// Get fetches url with the given headers. GETs are retried.
func (c *Client) Get(ctx context.Context, op, url string, header http.Header) (*Response, error) {
	return c.Do(ctx, op, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		return req, nil
	}, true)
}

// PostForm sends form url-encoded. Only read-only endpoints should pass
// idempotent=true.
func (c *Client) PostForm(ctx context.Context, op, url string, form neturl.Values, idempotent bool) (*Response, error) {
	encoded := form.Encode()
	return c.Do(ctx, op, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(encoded))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	}, idempotent)
}

func statusOf(err error) int {
	var re *pkgerrors.RemoteServiceError
	if errors.As(err, &re) {
		return re.StatusCode
	}
	return 0
}

// ErrorText extracts a short human-readable message from an error body.
// HTML pages are reduced to their title, or their text when untitled.
func ErrorText(contentType string, body []byte) string {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return "empty response body"
	}

	if isHTML(contentType, trimmed) {
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(trimmed))
		if err == nil {
			text := strings.TrimSpace(doc.Find("title").First().Text())
			if text == "" {
				doc.Find("script,style").Remove()
				text = doc.Find("body").Text()
			}
			if text = collapseSpace(text); text != "" {
				return truncate(text, maxErrorText)
			}
		}
	}
	return truncate(collapseSpace(string(trimmed)), maxErrorText)
}

func isHTML(contentType string, body []byte) bool {
	if strings.Contains(strings.ToLower(contentType), "html") {
		return true
	}
	head := strings.ToLower(string(body[:min(len(body), 64)]))
	return strings.HasPrefix(head, "<!doctype html") || strings.HasPrefix(head, "<html")
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func utf8RuneStart(b byte) bool { return b&0xC0 != 0x80 }

// nextRetryDelay returns the wait before attempt+1: Retry-After on 429,
// otherwise base * 2^(attempt-1) clamped to max.
func nextRetryDelay(status int, retryAfter time.Duration, attempt int, base, max time.Duration) time.Duration {
	if status == http.StatusTooManyRequests && retryAfter > 0 {
		if retryAfter > max {
			return max
		}
		return retryAfter
	}

	d := base << uint(attempt-1)
	if d > max || d <= 0 {
		d = max
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func parseRetryAfter(h http.Header) time.Duration {
	ra := strings.TrimSpace(h.Get("Retry-After"))
	if ra == "" {
		return 0
	}

	// delta-seconds
	if secs, err := strconv.Atoi(ra); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}

	// HTTP-date
	if t, err := http.ParseTime(ra); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			IdleConnTimeout:     90 * time.Second,
			MaxIdleConns:        64,
			MaxIdleConnsPerHost: 16,
		},
	}
}
