// Command srwikisync refreshes the world-record rows of a wiki page
// section from speedrun.com leaderboards.
//
// One mapping JSON file drives one section update; -mapping-dir processes
// a directory of mapping files as a batch, isolating failures per file.
// Without -write the command is a dry run: it prints a unified diff and
// exits 2 when changes exist, which makes cron wrappers cheap.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"srwikisync/internal/journal"
	"srwikisync/internal/mapping"
	"srwikisync/internal/mediawiki"
	"srwikisync/internal/metrics"
	"srwikisync/internal/metrics/datadog"
	"srwikisync/internal/srcom"
	"srwikisync/internal/updater"
	"srwikisync/internal/wikitext"
)

// Exit codes are a cron contract:
//   - 0: success (saved, emitted, or nothing to change).
//   - 2: changes exist but were not saved (dry run).
//   - 3: the section is missing an expected row; scaffold printed.
//   - 1: hard failure (config, network, save rejection, any batch file).
const (
	exitOK             = 0
	exitHardFailure    = 1
	exitChangesPending = 2
	exitMissingRow     = 3
)

// pageStore is the wiki surface the command needs; *mediawiki.Client
// satisfies it.
type pageStore interface {
	Login(ctx context.Context, username, password string) error
	PageText(ctx context.Context, title string) (string, error)
	SavePage(ctx context.Context, title, text, summary string) error
}

// backendCloser is the minimal interface used to manage a metrics backend.
type backendCloser interface {
	metrics.Backend
	Close() error
}

// deps are external seams for testability.
//
// When to use:
//   - Unit tests: inject fake wiki/leaderboard factories and capture
//     stdout/stderr.
//   - Alternate runtimes: swap the metrics backend or output sinks.
type deps struct {
	Stdout io.Writer
	Stderr io.Writer

	Now   func() time.Time
	Sleep func(d time.Duration)

	NewPageStore   func(apiURL, userAgent string) (pageStore, error)
	NewSource      func(apiBase, userAgent string, attemptLog io.Writer) updater.LeaderboardSource
	OpenJournal    func(ctx context.Context, path string) (*journal.Journal, error)
	BackendFactory func(ctx context.Context, tags []string, flushEvery time.Duration) (backendCloser, error)

	// Getenv is consulted for DD_API_KEY to decide whether metrics are on.
	Getenv func(key string) string
}

// runConfig holds the parsed flags for a run.
type runConfig struct {
	ConfigPath  string
	MappingPath string
	MappingDir  string
	Section     string
	DryRun      bool
	Write       bool
	Emit        bool
	NoBlanks    bool
	JournalPath string
	DDTagsCSV   string
	FlushEvery  time.Duration
}

// main is intentionally small: it wires real dependencies and exits with
// a code.
func main() {
	code := run(context.Background(), os.Args[1:], deps{
		Stdout: os.Stdout,
		Stderr: os.Stderr,
		Now:    time.Now,
		Sleep:  time.Sleep,
		NewPageStore: func(apiURL, userAgent string) (pageStore, error) {
			return mediawiki.NewClient(apiURL, userAgent)
		},
		NewSource: func(apiBase, userAgent string, attemptLog io.Writer) updater.LeaderboardSource {
			c := srcom.NewClient(apiBase, userAgent)
			c.AttemptLog = attemptLog
			return c
		},
		OpenJournal: journal.Open,
		BackendFactory: func(ctx context.Context, tags []string, flushEvery time.Duration) (backendCloser, error) {
			return datadog.NewBackend(ctx, datadog.Options{
				Tags:       tags,
				FlushEvery: flushEvery,
			})
		},
		Getenv: os.Getenv,
	})
	os.Exit(code)
}

// run executes the updater command and returns an exit code.
func run(ctx context.Context, args []string, d deps) int {
	if d.Stdout == nil {
		d.Stdout = io.Discard
	}
	if d.Stderr == nil {
		d.Stderr = io.Discard
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Getenv == nil {
		d.Getenv = os.Getenv
	}

	cfg, err := parseFlags(args)
	if err != nil {
		fmt.Fprintln(d.Stderr, err.Error())
		return exitHardFailure
	}

	runCfg, err := updater.LoadConfig(cfg.ConfigPath)
	if err != nil {
		fmt.Fprintf(d.Stderr, "config error: %v\n", err)
		return exitHardFailure
	}

	// Safety: saving requires an explicit -write.
	if !cfg.Write {
		cfg.DryRun = true
	}

	// Metrics are optional: without Datadog credentials in the environment
	// the facade stays a no-op.
	if d.BackendFactory != nil && d.Getenv("DD_API_KEY") != "" {
		tags := append(datadog.ParseTagsCSV(cfg.DDTagsCSV), "tool:srwikisync")
		backend, err := d.BackendFactory(ctx, tags, cfg.FlushEvery)
		if err != nil {
			fmt.Fprintf(d.Stderr, "datadog backend init failed: %v\n", err)
			return exitHardFailure
		}
		metrics.SetBackend(backend)
		defer func() {
			_ = metrics.Flush()
			_ = backend.Close()
		}()
	}

	store, err := d.NewPageStore(runCfg.Wiki.APIURL, runCfg.Speedrun.UserAgent)
	if err != nil {
		fmt.Fprintf(d.Stderr, "wiki client init failed: %v\n", err)
		return exitHardFailure
	}
	if runCfg.Wiki.Username != "" {
		if err := store.Login(ctx, runCfg.Wiki.Username, runCfg.Wiki.Password); err != nil {
			fmt.Fprintf(d.Stderr, "wiki login failed: %v\n", err)
			return exitHardFailure
		}
	}

	u := &updater.Updater{
		Source:   d.NewSource(runCfg.Speedrun.APIBase, runCfg.Speedrun.UserAgent, d.Stdout),
		Delay:    runCfg.Behavior.RequestDelay,
		NoBlanks: cfg.NoBlanks,
		Sleep:    d.Sleep,
	}

	if cfg.MappingDir != "" {
		return runBatch(ctx, cfg, runCfg, store, u, d)
	}
	return updateOne(ctx, cfg, runCfg, store, u, cfg.MappingPath, d)
}

// updateOne runs the full update flow for a single mapping file.
func updateOne(ctx context.Context, cfg runConfig, runCfg *updater.Config, store pageStore, u *updater.Updater, mappingPath string, d deps) int {
	entries, err := mapping.Load(mappingPath)
	if err != nil {
		fmt.Fprintf(d.Stderr, "%v\n", err)
		return exitHardFailure
	}

	section := cfg.Section
	if section == "" {
		section = runCfg.Behavior.SectionName
	}
	if section == "" {
		section, err = updater.InferSection(entries)
		if err != nil {
			fmt.Fprintf(d.Stderr, "%v\n", err)
			return exitHardFailure
		}
	}

	oldText, err := store.PageText(ctx, runCfg.Wiki.PageTitle)
	if err != nil {
		fmt.Fprintf(d.Stderr, "%v\n", err)
		return exitHardFailure
	}

	newText, changed, err := u.UpdateSection(ctx, oldText, section, entries)
	if err != nil {
		var missing *wikitext.MissingRowError
		if errors.As(err, &missing) {
			reportMissingRow(d.Stderr, missing, entries, section, cfg.NoBlanks)
			return exitMissingRow
		}
		fmt.Fprintf(d.Stderr, "update failed: %v\n", err)
		return exitHardFailure
	}

	if cfg.Emit {
		block, err := wikitext.BuildSectionBlock(newText, section)
		if err != nil {
			fmt.Fprintf(d.Stderr, "%v\n", err)
			return exitHardFailure
		}
		fmt.Fprintln(d.Stdout, block)
		return exitOK
	}

	if !changed {
		fmt.Fprintln(d.Stderr, "No changes.")
		return exitOK
	}

	diff, err := updater.UnifiedDiff(oldText, newText, runCfg.Wiki.PageTitle, runCfg.Wiki.PageTitle)
	if err != nil {
		fmt.Fprintf(d.Stderr, "%v\n", err)
		return exitHardFailure
	}
	fmt.Fprint(d.Stdout, diff)

	if cfg.DryRun {
		return exitChangesPending
	}

	summary := fmt.Sprintf("Update speedrun.com WRs for %s (automated)", section)
	if err := store.SavePage(ctx, runCfg.Wiki.PageTitle, newText, summary); err != nil {
		var rejected *mediawiki.SaveRejectedError
		if errors.As(err, &rejected) {
			fmt.Fprintf(d.Stderr, "SAVE FAILED: %v\n", rejected)
			fmt.Fprintln(d.Stderr, "The wiki blocked the edit (often CAPTCHA / AbuseFilter / permissions).")
			fmt.Fprintln(d.Stderr, "Try -emit to paste into a sandbox, or use an account exempt from CAPTCHA.")
			return exitHardFailure
		}
		fmt.Fprintf(d.Stderr, "save failed: %v\n", err)
		return exitHardFailure
	}
	metrics.RecordPageSaved()
	fmt.Fprintln(d.Stderr, "Saved.")
	return exitOK
}

// reportMissingRow prints the abort notice plus paste-ready scaffold rows.
// Under -no-blanks the mapping can hold hundreds of permutations, so only
// the missing row is scaffolded.
func reportMissingRow(w io.Writer, missing *wikitext.MissingRowError, entries []mapping.Record, section string, noBlanks bool) {
	fmt.Fprintf(w, "ABORT: the wiki section is missing an expected row: %s\n", missing.Label)
	fmt.Fprintln(w, "\nPaste these rows into the section (order as you like), then re-run:")
	fmt.Fprintln(w)
	if noBlanks {
		fmt.Fprintf(w, "{{%s|%s|N/A|N/A|N/A|N/A}}\n", wikitext.RowTemplate, missing.Label)
		return
	}
	fmt.Fprint(w, updater.ScaffoldFor(entries, section))
}

// runBatch processes every mapping JSON in -mapping-dir sequentially. One
// file's failure is recorded and the rest still run.
func runBatch(ctx context.Context, cfg runConfig, runCfg *updater.Config, store pageStore, u *updater.Updater, d deps) int {
	paths, err := filepath.Glob(filepath.Join(cfg.MappingDir, "*.json"))
	if err != nil {
		fmt.Fprintf(d.Stderr, "scan mapping dir: %v\n", err)
		return exitHardFailure
	}
	if len(paths) == 0 {
		fmt.Fprintf(d.Stderr, "no mapping JSON files found in %s\n", cfg.MappingDir)
		return exitHardFailure
	}
	sort.Strings(paths)

	var jrnl *journal.Journal
	if cfg.JournalPath != "" {
		jrnl, err = d.OpenJournal(ctx, cfg.JournalPath)
		if err != nil {
			fmt.Fprintf(d.Stderr, "%v\n", err)
			return exitHardFailure
		}
		defer jrnl.Close()
	}

	failures := 0
	changesPending := false

	for _, path := range paths {
		start := d.Now()
		code, section, entryCount := updateOneBatch(ctx, cfg, runCfg, store, u, path, d)
		dur := d.Now().Sub(start)

		res := journal.FileResult{
			MappingFile: filepath.Base(path),
			Section:     section,
			Entries:     entryCount,
			Duration:    dur,
		}
		switch code {
		case exitOK, exitChangesPending:
			res.Status = journal.StatusOK
			if code == exitChangesPending {
				changesPending = true
			}
		default:
			res.Status = journal.StatusFailed
			res.Err = fmt.Errorf("exit code %d", code)
			failures++
		}

		metrics.RecordFile(res.Status)
		if jrnl != nil {
			if err := jrnl.RecordFile(ctx, res); err != nil {
				fmt.Fprintf(d.Stderr, "%v\n", err)
			}
		}
	}

	switch {
	case failures > 0:
		fmt.Fprintf(d.Stderr, "batch finished: %d of %d mapping files failed\n", failures, len(paths))
		return exitHardFailure
	case changesPending:
		return exitChangesPending
	default:
		return exitOK
	}
}

// updateOneBatch wraps updateOne with a per-file banner and reports the
// inferred section and entry count for the journal.
func updateOneBatch(ctx context.Context, cfg runConfig, runCfg *updater.Config, store pageStore, u *updater.Updater, path string, d deps) (code int, section string, entryCount int) {
	fmt.Fprintf(d.Stderr, "=== %s ===\n", path)

	// Pre-read for journal metadata; updateOne reloads and reports its own
	// errors when the file is unreadable.
	if entries, err := mapping.Load(path); err == nil {
		entryCount = len(entries)
		if s, err := updater.InferSection(entries); err == nil {
			section = s
		}
	}
	if cfg.Section != "" {
		section = cfg.Section
	}

	return updateOne(ctx, cfg, runCfg, store, u, path, d), section, entryCount
}

// parseFlags parses command arguments into a validated runConfig.
//
// Errors:
//   - Returns an error for invalid/missing required flags.
//   - Does not exit the process (caller decides exit code).
func parseFlags(args []string) (runConfig, error) {
	fs := flag.NewFlagSet("srwikisync", flag.ContinueOnError)

	// Capture help/usage text instead of writing to stdout.
	var usageBuf strings.Builder
	fs.SetOutput(&usageBuf)
	fs.Usage = func() {
		fmt.Fprintf(&usageBuf, "Usage of %s:\n", fs.Name())
		fs.PrintDefaults()
	}

	var cfg runConfig
	fs.StringVar(&cfg.ConfigPath, "config", "", "Path to run config YAML (required)")
	fs.StringVar(&cfg.MappingPath, "mapping", "", "Path to mapping JSON")
	fs.StringVar(&cfg.MappingDir, "mapping-dir", "", "Directory of mapping JSON files (batch mode)")
	fs.StringVar(&cfg.Section, "section", "", "Section id to update (default: config, else inferred from mapping)")
	fs.BoolVar(&cfg.DryRun, "dry-run", false, "Print diff, do not save")
	fs.BoolVar(&cfg.Write, "write", false, "Save changes to the wiki (without it, runs as dry-run)")
	fs.BoolVar(&cfg.Emit, "emit", false, "Print the updated section block instead of diffing or saving")
	fs.BoolVar(&cfg.NoBlanks, "no-blanks", false, "Remove rows whose category has no verified run")
	fs.StringVar(&cfg.JournalPath, "journal", "", "SQLite journal path (batch mode)")
	fs.StringVar(&cfg.DDTagsCSV, "dd-tags", "", "Extra Datadog tags CSV (e.g. env:prod,service:wiki)")
	fs.DurationVar(&cfg.FlushEvery, "metrics-flush", time.Minute, "Datadog flush interval")

	if err := fs.Parse(args); err != nil {
		// -h / -help returns flag.ErrHelp; hand back the captured usage.
		if errors.Is(err, flag.ErrHelp) {
			return runConfig{}, errors.New(usageBuf.String())
		}
		return runConfig{}, fmt.Errorf("%v\n\n%s", err, usageBuf.String())
	}

	if cfg.ConfigPath == "" {
		return runConfig{}, errors.New("missing required -config <yaml>")
	}
	if cfg.MappingPath == "" && cfg.MappingDir == "" {
		return runConfig{}, errors.New("one of -mapping or -mapping-dir is required")
	}
	if cfg.MappingPath != "" && cfg.MappingDir != "" {
		return runConfig{}, errors.New("-mapping and -mapping-dir are mutually exclusive")
	}
	if cfg.Emit && cfg.MappingDir != "" {
		return runConfig{}, errors.New("-emit is not available in batch mode")
	}

	return cfg, nil
}
