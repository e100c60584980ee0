// Package updater orchestrates one sync run: fetch each mapped
// leaderboard's top run, rewrite the matching record rows inside one page
// section, and hand the caller the new page text to diff, emit, or save.
package updater

import (
	"context"
	"fmt"
	"time"

	"github.com/pmezard/go-difflib/difflib"

	"srwikisync/internal/format"
	"srwikisync/internal/mapping"
	"srwikisync/internal/metrics"
	"srwikisync/internal/srcom"
	"srwikisync/internal/wikitext"
)

// LeaderboardSource is the speedrun.com surface the updater consumes.
// *srcom.Client satisfies it.
type LeaderboardSource interface {
	LeaderboardTop(ctx context.Context, q srcom.LeaderboardQuery) (*srcom.Run, error)
	UserName(ctx context.Context, userID string) (string, error)
}

// Updater rewrites record rows from live leaderboard data.
//
// Fetches run sequentially with Delay between consecutive requests; the
// speedrun.com API is rate-limited and a batch of mapping entries can mean
// dozens of lookups. Sleep is a seam for tests; nil means time.Sleep.
type Updater struct {
	Source LeaderboardSource
	Delay  time.Duration

	// NoBlanks removes rows whose category currently has no verified
	// run, instead of leaving stale or placeholder rows in place.
	NoBlanks bool

	Sleep func(d time.Duration)
}

// UpdateSection rewrites the named section's record rows in pageText and
// returns the full new page text plus whether anything changed.
//
// Behavior:
//   - Only entries whose Section matches are consulted; text outside the
//     section body is never touched.
//   - A leaderboard with no verified run leaves its row alone (or removes
//     it under NoBlanks); it is never blanked.
//   - User display names are memoized per call, so a runner holding
//     several records costs one lookup.
//
// Errors:
//   - *wikitext.MissingRowError when a mapped category has no row in the
//     section; the page is left unwritten so the operator can scaffold.
func (u *Updater) UpdateSection(ctx context.Context, pageText, section string, entries []mapping.Record) (string, bool, error) {
	prefix, body, suffix, err := wikitext.ExtractSection(pageText, section)
	if err != nil {
		return "", false, err
	}

	newBody := body
	names := format.NewNameCache()
	first := true

	for _, entry := range entries {
		if entry.Section != section {
			continue
		}
		if err := ctx.Err(); err != nil {
			return "", false, err
		}

		if !first {
			u.sleep(u.Delay)
		}
		first = false

		run, err := u.Source.LeaderboardTop(ctx, entry.SR.Leaderboard())
		if err != nil {
			return "", false, fmt.Errorf("leaderboard for %q: %w", entry.WikiCategoryWikitext, err)
		}

		if run == nil {
			// No verified run under this filter.
			if u.NoBlanks {
				pruned := wikitext.RemoveRow(newBody, entry.WikiCategoryWikitext)
				if pruned != newBody {
					metrics.RecordRowRemoved()
				}
				newBody = pruned
			}
			continue
		}

		runner, err := format.Runners(ctx, run, u.Source, names)
		if err != nil {
			return "", false, err
		}
		dateStr, err := format.Date(run.Date)
		if err != nil {
			return "", false, fmt.Errorf("run %s: %w", run.ID, err)
		}

		newBody, err = wikitext.ReplaceRow(
			newBody,
			entry.WikiCategoryWikitext,
			runner,
			format.Time(run.Times.PrimaryT),
			dateStr,
			format.RunPath(run, entry.SR.Game),
		)
		if err != nil {
			return "", false, err
		}
		metrics.RecordRowReplaced()
	}

	newText := prefix + newBody + suffix
	return newText, newText != pageText, nil
}

func (u *Updater) sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	if u.Sleep != nil {
		u.Sleep(d)
		return
	}
	time.Sleep(d)
}

// InferSection returns the single section id the entries cover.
//
// Errors:
//   - Entries spanning multiple sections (or none) cannot be inferred;
//     the caller must name the section explicitly.
func InferSection(entries []mapping.Record) (string, error) {
	sections := mapping.Sections(entries)
	switch len(sections) {
	case 1:
		return sections[0], nil
	case 0:
		return "", fmt.Errorf("mapping has no section ids; specify -section explicitly")
	default:
		return "", fmt.Errorf("mapping covers multiple sections %v; specify -section explicitly", sections)
	}
}

// UnifiedDiff renders a unified diff of the page texts for dry-run output.
func UnifiedDiff(oldText, newText, fromFile, toFile string) (string, error) {
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(oldText),
		B:        difflib.SplitLines(newText),
		FromFile: fromFile,
		ToFile:   toFile,
		Context:  3,
	})
	if err != nil {
		return "", fmt.Errorf("render diff: %w", err)
	}
	return diff, nil
}

// ScaffoldFor renders placeholder rows for every entry of the section, for
// pasting into a section that is missing expected rows.
func ScaffoldFor(entries []mapping.Record, section string) string {
	var labels []string
	for _, e := range entries {
		if e.Section == section {
			labels = append(labels, e.WikiCategoryWikitext)
		}
	}
	return wikitext.Scaffold(labels)
}
