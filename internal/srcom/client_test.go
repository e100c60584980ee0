package srcom

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// newTestClient points a client at srv with deterministic sleeping: no
// real delays, every backoff recorded.
func newTestClient(t *testing.T, srv *httptest.Server) (*Client, *[]time.Duration) {
	t.Helper()
	var sleeps []time.Duration
	c := NewClient(srv.URL, "srwikisync-test/1.0")
	c.Rand = nil // no jitter
	c.Sleep = func(d time.Duration) { sleeps = append(sleeps, d) }
	return c, &sleeps
}

// TestGameCategories verifies the embed parameter and payload decoding.
func TestGameCategories(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/games/tww/categories" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.URL.Query().Get("embed") != "variables" {
			t.Errorf("embed = %q", r.URL.Query().Get("embed"))
		}
		w.Write([]byte(`{"data":[
			{"id":"c1","name":"Any%","type":"per-game","misc":false,
			 "variables":{"data":[
				{"id":"v1","is-subcategory":true,"values":{"values":{"val1":{"label":"Hero Mode"}}}},
				{"id":"v2","is-subcategory":false,"values":{"values":{}}}
			 ]}}
		]}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv)
	cats, err := c.GameCategories(context.Background(), "tww")
	if err != nil {
		t.Fatalf("GameCategories: %v", err)
	}
	if len(cats) != 1 || cats[0].Name != "Any%" {
		t.Fatalf("categories = %#v", cats)
	}
	subs := cats[0].SubcategoryVariables()
	if len(subs) != 1 || subs[0].ID != "v1" {
		t.Fatalf("subcategory variables = %#v", subs)
	}
	if subs[0].Values.Values["val1"].Label != "Hero Mode" {
		t.Fatalf("value labels = %#v", subs[0].Values.Values)
	}
}

// TestLeaderboardTop verifies variable filters become var-<id> params and
// the top run decodes.
func TestLeaderboardTop(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/leaderboards/tww/category/c1" {
			t.Errorf("path = %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("top") != "1" || q.Get("var-v1") != "val1" {
			t.Errorf("query = %v", q)
		}
		w.Write([]byte(`{"data":{"runs":[{"run":{
			"id":"r1","date":"2024-03-07",
			"players":[{"rel":"user","id":"u1"}],
			"times":{"primary_t":11089.5}
		}}]}}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv)
	run, err := c.LeaderboardTop(context.Background(), LeaderboardQuery{
		Game:       "tww",
		CategoryID: "c1",
		Variables:  map[string]string{"v1": "val1"},
	})
	if err != nil {
		t.Fatalf("LeaderboardTop: %v", err)
	}
	if run == nil || run.ID != "r1" || run.Times.PrimaryT != 11089.5 {
		t.Fatalf("run = %#v", run)
	}
}

// TestLeaderboardTop_Level verifies the per-level endpoint path.
func TestLeaderboardTop_Level(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/leaderboards/tlozph/level/l1/c1" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write([]byte(`{"data":{"runs":[]}}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv)
	run, err := c.LeaderboardTop(context.Background(), LeaderboardQuery{
		Game: "tlozph", CategoryID: "c1", LevelID: "l1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if run != nil {
		t.Fatalf("expected nil run for empty leaderboard, got %#v", run)
	}
}

// TestUserName verifies the international name extraction.
func TestUserName(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users/u1" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write([]byte(`{"data":{"names":{"international":"Linkus7"}}}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv)
	name, err := c.UserName(context.Background(), "u1")
	if err != nil || name != "Linkus7" {
		t.Fatalf("UserName = %q, %v", name, err)
	}
}

// TestRetry_ServerErrors verifies 5xx responses back off and a later
// success wins.
func TestRetry_ServerErrors(t *testing.T) {
	t.Parallel()

	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"data":{"names":{"international":"ok"}}}`))
	}))
	defer srv.Close()

	c, sleeps := newTestClient(t, srv)
	name, err := c.UserName(context.Background(), "u1")
	if err != nil || name != "ok" {
		t.Fatalf("UserName = %q, %v", name, err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d", calls)
	}
	// Exponential: 800ms then 1600ms (no jitter with Rand nil).
	if len(*sleeps) != 2 || (*sleeps)[0] != 800*time.Millisecond || (*sleeps)[1] != 1600*time.Millisecond {
		t.Fatalf("sleeps = %v", *sleeps)
	}
}

// TestRetry_RetryAfter verifies a 429's Retry-After header sets the pause.
func TestRetry_RetryAfter(t *testing.T) {
	t.Parallel()

	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("Retry-After", "3")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"data":{"names":{"international":"ok"}}}`))
	}))
	defer srv.Close()

	c, sleeps := newTestClient(t, srv)
	if _, err := c.UserName(context.Background(), "u1"); err != nil {
		t.Fatal(err)
	}
	if len(*sleeps) != 1 || (*sleeps)[0] != 3*time.Second {
		t.Fatalf("sleeps = %v", *sleeps)
	}
}

// TestPermanent4xx verifies a 404 surfaces immediately as *StatusError.
func TestPermanent4xx(t *testing.T) {
	t.Parallel()

	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"status":404,"message":"Game not found"}`))
	}))
	defer srv.Close()

	c, sleeps := newTestClient(t, srv)
	_, err := c.GameCategories(context.Background(), "nope")

	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Code != 404 {
		t.Fatalf("expected 404 *StatusError, got %v", err)
	}
	if calls != 1 || len(*sleeps) != 0 {
		t.Fatalf("calls = %d, sleeps = %v", calls, *sleeps)
	}
}

// TestRetriesExhausted verifies persistent failures stop at MaxAttempts.
func TestRetriesExhausted(t *testing.T) {
	t.Parallel()

	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv)
	c.MaxAttempts = 3
	_, err := c.UserName(context.Background(), "u1")
	if err == nil || !strings.Contains(err.Error(), "retries exhausted") {
		t.Fatalf("expected exhaustion error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d", calls)
	}
}

// TestMetaRefreshFollow verifies an HTML interstitial's refresh target is
// fetched within the same attempt.
func TestMetaRefreshFollow(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/users/u1", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<!DOCTYPE html>
<html><head><meta http-equiv="refresh" content="0; url=/users/real-u1"></head><body></body></html>`))
	})
	mux.HandleFunc("/users/real-u1", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"names":{"international":"RealName"}}}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c, sleeps := newTestClient(t, srv)
	name, err := c.UserName(context.Background(), "u1")
	if err != nil || name != "RealName" {
		t.Fatalf("UserName = %q, %v", name, err)
	}
	if len(*sleeps) != 0 {
		t.Fatalf("unexpected backoff: %v", *sleeps)
	}
}

// TestAttemptLog verifies each attempt writes one JSONL record.
func TestAttemptLog(t *testing.T) {
	t.Parallel()

	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"data":{"names":{"international":"ok"}}}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv)
	var log bytes.Buffer
	c.AttemptLog = &log

	if _, err := c.UserName(context.Background(), "u1"); err != nil {
		t.Fatal(err)
	}

	lines := strings.Split(strings.TrimSpace(log.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("log lines = %d:\n%s", len(lines), log.String())
	}
	var rec attemptRecord
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("first line not JSON: %v", err)
	}
	if rec.StatusCode != http.StatusServiceUnavailable || rec.Attempt != 1 {
		t.Fatalf("first record = %+v", rec)
	}
}

// TestParseRetryAfter covers delta-seconds, HTTP dates, and garbage.
func TestParseRetryAfter(t *testing.T) {
	t.Parallel()

	if got := parseRetryAfter("2"); got != 2*time.Second {
		t.Errorf("delta-seconds = %v", got)
	}
	future := time.Now().Add(30 * time.Second).UTC().Format(http.TimeFormat)
	if got := parseRetryAfter(future); got <= 0 || got > 30*time.Second {
		t.Errorf("http-date = %v", got)
	}
	if got := parseRetryAfter("soon"); got != 0 {
		t.Errorf("garbage = %v", got)
	}
	if got := parseRetryAfter(""); got != 0 {
		t.Errorf("empty = %v", got)
	}
}
