// Package srcom is a minimal speedrun.com REST API client covering the
// three lookups the sync performs: a game's categories (with variables
// embedded), the top run of a filtered leaderboard, and a user's display
// name.
//
// All requests retry transient failures (429, 5xx, timeouts, connection
// errors) with capped exponential backoff plus jitter, honoring Retry-After
// when the server sends one. Other 4xx responses are permanent and surface
// immediately.
package srcom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"srwikisync/internal/metrics"
)

const (
	// DefaultAPIBase is the public v1 API root.
	DefaultAPIBase = "https://www.speedrun.com/api/v1"

	defaultTimeout     = 20 * time.Second
	defaultMaxAttempts = 5
	maxBackoff         = 10 * time.Second
)

// Client talks to the speedrun.com API.
//
// The zero value is not usable; construct with NewClient. Sleep and Rand
// are seams for deterministic tests; production uses time.Sleep and the
// shared math/rand source.
type Client struct {
	APIBase     string
	UserAgent   string
	HTTPClient  *http.Client
	MaxAttempts int

	// AttemptLog, when non-nil, receives one JSON line per HTTP attempt.
	AttemptLog io.Writer

	Sleep func(d time.Duration)
	Rand  *rand.Rand
}

// NewClient constructs a Client with production defaults.
//
// Edge cases:
//   - Empty apiBase falls back to DefaultAPIBase.
//   - A trailing slash on apiBase is trimmed so path joining stays simple.
func NewClient(apiBase, userAgent string) *Client {
	if apiBase == "" {
		apiBase = DefaultAPIBase
	}
	return &Client{
		APIBase:     strings.TrimRight(apiBase, "/"),
		UserAgent:   userAgent,
		HTTPClient:  &http.Client{Timeout: defaultTimeout},
		MaxAttempts: defaultMaxAttempts,
		Sleep:       time.Sleep,
		Rand:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// StatusError is a permanent (non-retried) HTTP failure.
type StatusError struct {
	Code int
	URL  string
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %d for %s: %s", e.Code, e.URL, strings.TrimSpace(e.Body))
}

// attemptRecord is one JSONL telemetry line per HTTP attempt.
//
// This output is intended for machine parsing; additive changes are safe.
type attemptRecord struct {
	Timestamp  string `json:"ts"`
	URL        string `json:"url"`
	Attempt    int    `json:"attempt"`
	StatusCode int    `json:"http_code"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// GameCategories fetches every category of a game, variables embedded.
func (c *Client) GameCategories(ctx context.Context, game string) ([]Category, error) {
	var resp struct {
		Data []Category `json:"data"`
	}
	params := url.Values{"embed": {"variables"}}
	if err := c.getJSON(ctx, "/games/"+url.PathEscape(game)+"/categories", params, &resp); err != nil {
		return nil, fmt.Errorf("fetch categories for %s: %w", game, err)
	}
	return resp.Data, nil
}

// LeaderboardQuery identifies one leaderboard to read the top run from.
type LeaderboardQuery struct {
	Game       string
	CategoryID string
	Variables  map[string]string // variable id -> value id
	LevelID    string            // optional; selects the per-level endpoint
}

// LeaderboardTop returns the current top run for the query, or nil when the
// leaderboard has no verified runs under that filter.
func (c *Client) LeaderboardTop(ctx context.Context, q LeaderboardQuery) (*Run, error) {
	params := url.Values{"top": {"1"}}
	for varID, valueID := range q.Variables {
		params.Set("var-"+varID, valueID)
	}

	var path string
	if q.LevelID != "" {
		path = fmt.Sprintf("/leaderboards/%s/level/%s/%s",
			url.PathEscape(q.Game), url.PathEscape(q.LevelID), url.PathEscape(q.CategoryID))
	} else {
		path = fmt.Sprintf("/leaderboards/%s/category/%s",
			url.PathEscape(q.Game), url.PathEscape(q.CategoryID))
	}

	var resp struct {
		Data struct {
			Runs []struct {
				Run Run `json:"run"`
			} `json:"runs"`
		} `json:"data"`
	}
	if err := c.getJSON(ctx, path, params, &resp); err != nil {
		return nil, fmt.Errorf("fetch leaderboard %s/%s: %w", q.Game, q.CategoryID, err)
	}
	if len(resp.Data.Runs) == 0 {
		return nil, nil
	}
	run := resp.Data.Runs[0].Run
	return &run, nil
}

// UserName resolves a user id to its international display name.
func (c *Client) UserName(ctx context.Context, userID string) (string, error) {
	var resp struct {
		Data struct {
			Names struct {
				International string `json:"international"`
			} `json:"names"`
		} `json:"data"`
	}
	if err := c.getJSON(ctx, "/users/"+url.PathEscape(userID), nil, &resp); err != nil {
		return "", fmt.Errorf("fetch user %s: %w", userID, err)
	}
	return resp.Data.Names.International, nil
}

// getJSON GETs apiBase+path and decodes the JSON response into v.
//
// Retry policy per attempt:
//   - 429: sleep Retry-After when present, else backoff; retry.
//   - 5xx, timeouts, connection errors: backoff; retry.
//   - Other 4xx: *StatusError, no retry.
//
// The API occasionally answers a slug URL with an HTML meta-refresh
// interstitial instead of a redirect; when that happens the refresh target
// is followed once within the same attempt.
func (c *Client) getJSON(ctx context.Context, path string, params url.Values, v any) error {
	fullURL := c.APIBase + path
	if len(params) > 0 {
		fullURL += "?" + params.Encode()
	}

	maxAttempts := c.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		start := time.Now()
		res, err := c.doGet(ctx, fullURL)
		dur := time.Since(start)

		metrics.RecordHTTP(res.status, err, dur)
		c.logAttempt(fullURL, attempt+1, res.status, dur, err)

		switch {
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !isTransient(err) {
				return err
			}
			lastErr = err
			c.backoff(ctx, attempt, 0)

		case res.status == http.StatusTooManyRequests:
			lastErr = &StatusError{Code: res.status, URL: fullURL, Body: truncate(res.body, 200)}
			c.backoff(ctx, attempt, parseRetryAfter(res.retryAfter))

		case res.status >= 500:
			lastErr = &StatusError{Code: res.status, URL: fullURL, Body: truncate(res.body, 200)}
			c.backoff(ctx, attempt, 0)

		case res.status >= 400:
			return &StatusError{Code: res.status, URL: fullURL, Body: truncate(res.body, 200)}

		default:
			payload := res.body
			if target := metaRefreshURL(res.body); target != "" {
				followed, ferr := c.doGet(ctx, c.absoluteURL(target))
				if ferr != nil {
					return ferr
				}
				if followed.status < 200 || followed.status >= 300 {
					return &StatusError{Code: followed.status, URL: target, Body: truncate(followed.body, 200)}
				}
				payload = followed.body
			}
			if err := json.Unmarshal([]byte(payload), v); err != nil {
				return fmt.Errorf("decode response from %s: %w", fullURL, err)
			}
			return nil
		}
	}

	if lastErr != nil {
		return fmt.Errorf("GET %s: retries exhausted: %w", fullURL, lastErr)
	}
	return fmt.Errorf("GET %s: retries exhausted", fullURL)
}

// getResult is one HTTP attempt's outcome.
type getResult struct {
	body       string
	status     int
	retryAfter string // raw Retry-After header, 429 responses only
}

func (c *Client) doGet(ctx context.Context, fullURL string) (getResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return getResult{}, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("User-Agent", c.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return getResult{}, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return getResult{status: resp.StatusCode}, err
	}
	return getResult{
		body:       string(b),
		status:     resp.StatusCode,
		retryAfter: resp.Header.Get("Retry-After"),
	}, nil
}

// parseRetryAfter interprets a Retry-After header value as either
// delta-seconds or an HTTP date.
func parseRetryAfter(raw string) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(raw); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// backoff sleeps before the next attempt. A positive retryAfterHint (from a
// Retry-After header) wins; otherwise the delay is 800ms * 2^attempt plus
// up to 400ms of jitter, capped at 10s.
func (c *Client) backoff(ctx context.Context, attempt int, retryAfterHint time.Duration) {
	if ctx.Err() != nil {
		return
	}

	d := retryAfterHint
	if d <= 0 {
		d = time.Duration(float64(800*time.Millisecond) * float64(int64(1)<<uint(attempt)))
		if c.Rand != nil {
			d += time.Duration(c.Rand.Int63n(int64(400 * time.Millisecond)))
		}
		if d > maxBackoff {
			d = maxBackoff
		}
	}

	sleep := c.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	sleep(d)
}

func isTransient(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// url.Error wraps both timeouts and connection failures.
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// metaRefreshURL returns the refresh target when body is an HTML
// interstitial page, or "" for ordinary JSON responses.
func metaRefreshURL(body string) string {
	trimmed := strings.TrimSpace(body)
	if !strings.HasPrefix(trimmed, "<!DOCTYPE html") && !strings.HasPrefix(trimmed, "<html") {
		return ""
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return ""
	}

	var target string
	doc.Find("meta").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		equiv, _ := sel.Attr("http-equiv")
		if !strings.EqualFold(equiv, "refresh") {
			return true
		}
		content, _ := sel.Attr("content")
		// content is "N; url=TARGET" (the url= part is what matters).
		if _, after, found := cutCaseInsensitive(content, "url="); found {
			target = strings.Trim(strings.TrimSpace(after), `'"`)
			return false
		}
		return true
	})
	return target
}

func cutCaseInsensitive(s, sep string) (before, after string, found bool) {
	idx := strings.Index(strings.ToLower(s), strings.ToLower(sep))
	if idx == -1 {
		return s, "", false
	}
	return s[:idx], s[idx+len(sep):], true
}

// absoluteURL resolves a (possibly relative) refresh target against the API
// base's origin.
func (c *Client) absoluteURL(target string) string {
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		return target
	}
	base, err := url.Parse(c.APIBase)
	if err != nil {
		return target
	}
	if strings.HasPrefix(target, "/") {
		return base.Scheme + "://" + base.Host + target
	}
	ref, err := url.Parse(target)
	if err != nil {
		return target
	}
	return base.ResolveReference(ref).String()
}

func (c *Client) logAttempt(fullURL string, attempt, status int, dur time.Duration, err error) {
	if c.AttemptLog == nil {
		return
	}
	rec := attemptRecord{
		Timestamp:  time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
		URL:        fullURL,
		Attempt:    attempt,
		StatusCode: status,
		DurationMs: dur.Milliseconds(),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	_ = json.NewEncoder(c.AttemptLog).Encode(rec)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
