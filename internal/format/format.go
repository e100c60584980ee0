// Package format renders run fields (time, date, runners, run path) into
// the display strings the wiki rows carry.
package format

import (
	"context"
	"fmt"
	"strings"
	"time"

	"srwikisync/internal/srcom"
)

// Time renders a primary time in seconds as "3h 4m 49s". Minutes appear
// whenever hours do; milliseconds are appended only when non-zero.
func Time(seconds float64) string {
	totalMs := int64(seconds*1000 + 0.5)
	ms := totalMs % 1000
	totalS := totalMs / 1000
	s := totalS % 60
	totalM := totalS / 60
	m := totalM % 60
	h := totalM / 60

	var parts []string
	if h > 0 {
		parts = append(parts, fmt.Sprintf("%dh", h))
	}
	if h > 0 || m > 0 {
		parts = append(parts, fmt.Sprintf("%dm", m))
	}
	parts = append(parts, fmt.Sprintf("%ds", s))
	if ms > 0 {
		parts = append(parts, fmt.Sprintf("%dms", ms))
	}
	return strings.Join(parts, " ")
}

// Date renders an ISO-8601 date (the API's "YYYY-MM-DD", or a full
// timestamp) as "January 2, 2006". Empty input renders empty; unparseable
// input errors so a bad API payload never ends up on the page.
func Date(isoDate string) (string, error) {
	if isoDate == "" {
		return "", nil
	}
	day := isoDate
	if len(day) > 10 {
		day = day[:10]
	}
	t, err := time.Parse("2006-01-02", day)
	if err != nil {
		return "", fmt.Errorf("parse run date %q: %w", isoDate, err)
	}
	return t.Format("January 2, 2006"), nil
}

// RunPath returns the wiki-style run path, e.g. "tlozph/runs/y4lpopkz".
// A run with no id yields "".
func RunPath(run *srcom.Run, gameSlug string) string {
	if run == nil || run.ID == "" {
		return ""
	}
	return gameSlug + "/runs/" + run.ID
}

// UserNamer resolves a speedrun.com user id to a display name.
// *srcom.Client satisfies it.
type UserNamer interface {
	UserName(ctx context.Context, userID string) (string, error)
}

// NameCache memoizes user-id lookups for the duration of one update run.
// It is created per run and never shared; a fresh run sees fresh names.
type NameCache struct {
	names map[string]string
}

// NewNameCache returns an empty cache.
func NewNameCache() *NameCache {
	return &NameCache{names: make(map[string]string)}
}

// Resolve returns the display name for userID, consulting namer on a miss.
func (c *NameCache) Resolve(ctx context.Context, namer UserNamer, userID string) (string, error) {
	if name, ok := c.names[userID]; ok {
		return name, nil
	}
	name, err := namer.UserName(ctx, userID)
	if err != nil {
		return "", err
	}
	c.names[userID] = name
	return name, nil
}

// Runners renders a run's player list as a comma-joined display string.
//
// Behavior:
//   - Guests contribute their inline name ("Unknown" when absent).
//   - Users are resolved by id through cache; lookup failures surface.
//   - Players with an unrecognized rel, or users without an id, render
//     as "Unknown".
//   - An empty player list renders as "Unknown".
func Runners(ctx context.Context, run *srcom.Run, namer UserNamer, cache *NameCache) (string, error) {
	var names []string
	for _, p := range run.Players {
		switch {
		case p.Rel == "guest":
			if p.Name != "" {
				names = append(names, p.Name)
			} else {
				names = append(names, "Unknown")
			}
		case p.Rel == "user" && p.ID != "":
			name, err := cache.Resolve(ctx, namer, p.ID)
			if err != nil {
				return "", fmt.Errorf("resolve player %s: %w", p.ID, err)
			}
			names = append(names, name)
		default:
			names = append(names, "Unknown")
		}
	}

	var kept []string
	for _, n := range names {
		if n != "" {
			kept = append(kept, n)
		}
	}
	if len(kept) == 0 {
		return "Unknown", nil
	}
	return strings.Join(kept, ", "), nil
}
