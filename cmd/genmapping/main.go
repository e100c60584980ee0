// Command genmapping generates mapping JSON files from a game's
// speedrun.com category catalog.
//
// Single mode (-section/-game/-out) writes one file; -all regenerates
// every mapping file in -out-dir, inferring each file's section id and
// game slug from its existing first entry.
//
// Set EXCEPTIONS_DEBUG=1 to print per-label curation keep/exclude
// reasoning to stderr.
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

	"srwikisync/internal/mapping"
	"srwikisync/internal/srcom"
	"srwikisync/internal/wikitext"
)

const defaultUserAgent = "SpeedrunWikiSync/0.3 (mapping generator)"

// categorySource is the speedrun.com surface this command needs;
// *srcom.Client satisfies it.
type categorySource interface {
	GameCategories(ctx context.Context, game string) ([]srcom.Category, error)
}

// deps are external seams for testability.
type deps struct {
	Stdout io.Writer
	Stderr io.Writer

	NewSource func(apiBase, userAgent string) categorySource
	Getenv    func(key string) string
}

// listFlag collects repeatable, comma-splittable string flags.
type listFlag []string

func (f *listFlag) String() string { return strings.Join(*f, ",") }

func (f *listFlag) Set(v string) error {
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			*f = append(*f, part)
		}
	}
	return nil
}

// runConfig holds the parsed flags for a run.
type runConfig struct {
	All     bool
	OutDir  string
	Exclude listFlag

	Section       string
	Game          string
	OutPath       string
	Categories    listFlag
	AllCategories bool
	NoMisc        bool

	APIBase     string
	UserAgent   string
	TermsPath   string
	CurationDir string
}

func main() {
	code := run(context.Background(), os.Args[1:], deps{
		Stdout: os.Stdout,
		Stderr: os.Stderr,
		NewSource: func(apiBase, userAgent string) categorySource {
			return srcom.NewClient(apiBase, userAgent)
		},
		Getenv: os.Getenv,
	})
	os.Exit(code)
}

// run executes the generator command and returns an exit code (0 ok,
// 1 failure).
func run(ctx context.Context, args []string, d deps) int {
	if d.Stdout == nil {
		d.Stdout = io.Discard
	}
	if d.Stderr == nil {
		d.Stderr = io.Discard
	}
	if d.Getenv == nil {
		d.Getenv = os.Getenv
	}

	cfg, err := parseFlags(args)
	if err != nil {
		fmt.Fprintln(d.Stderr, err.Error())
		return 1
	}

	terms, err := wikitext.LoadTermDict(cfg.TermsPath)
	if err != nil {
		fmt.Fprintf(d.Stderr, "%v\n", err)
		return 1
	}

	source := d.NewSource(cfg.APIBase, cfg.UserAgent)

	var debugf func(format string, args ...any)
	if d.Getenv("EXCEPTIONS_DEBUG") == "1" {
		debugf = func(format string, args ...any) {
			fmt.Fprintf(d.Stderr, format+"\n", args...)
		}
	}

	if cfg.All {
		return runAll(ctx, cfg, source, terms, debugf, d)
	}
	return runSingle(ctx, cfg, source, terms, debugf, d)
}

// runSingle generates one mapping file from explicit -section/-game/-out.
func runSingle(ctx context.Context, cfg runConfig, source categorySource, terms *wikitext.TermDict, debugf func(string, ...any), d deps) int {
	records, err := generateFile(ctx, cfg, source, terms, cfg.Section, cfg.Game, cfg.OutPath, debugf)
	if err != nil {
		fmt.Fprintf(d.Stderr, "%v\n", err)
		return 1
	}
	if err := mapping.Save(cfg.OutPath, records); err != nil {
		fmt.Fprintf(d.Stderr, "%v\n", err)
		return 1
	}
	fmt.Fprintf(d.Stdout, "Wrote %d entries to %s\n", len(records), cfg.OutPath)
	return 0
}

// runAll regenerates every mapping JSON in -out-dir. Each file supplies
// its own section id and game slug via its existing first entry;
// unreadable or empty files are skipped with a report, as are files
// matching -exclude by filename stem, section id, or game slug.
func runAll(ctx context.Context, cfg runConfig, source categorySource, terms *wikitext.TermDict, debugf func(string, ...any), d deps) int {
	paths, err := filepath.Glob(filepath.Join(cfg.OutDir, "*.json"))
	if err != nil {
		fmt.Fprintf(d.Stderr, "scan %s: %v\n", cfg.OutDir, err)
		return 1
	}
	if len(paths) == 0 {
		fmt.Fprintf(d.Stderr, "no mapping JSON files found in %s\n", cfg.OutDir)
		return 1
	}
	sort.Strings(paths)

	excludes := make(map[string]bool, len(cfg.Exclude))
	for _, e := range cfg.Exclude {
		excludes[e] = true
	}

	total := 0
	for _, path := range paths {
		stem := strings.TrimSuffix(filepath.Base(path), ".json")

		existing, err := mapping.Load(path)
		if err != nil {
			fmt.Fprintf(d.Stdout, "[SKIP] %s: could not read JSON (%v)\n", path, err)
			continue
		}
		if len(existing) == 0 {
			fmt.Fprintf(d.Stdout, "[SKIP] %s: empty mapping\n", path)
			continue
		}

		section := existing[0].Section
		game := existing[0].SR.Game
		if excludes[stem] || excludes[section] || excludes[game] {
			fmt.Fprintf(d.Stdout, "[SKIP] %s\n", path)
			continue
		}
		if section == "" || game == "" {
			fmt.Fprintf(d.Stdout, "[SKIP] %s: couldn't infer section/game from mapping\n", path)
			continue
		}

		records, err := generateFile(ctx, cfg, source, terms, section, game, path, debugf)
		if err != nil {
			fmt.Fprintf(d.Stderr, "%s: %v\n", path, err)
			return 1
		}
		if err := mapping.Save(path, records); err != nil {
			fmt.Fprintf(d.Stderr, "%v\n", err)
			return 1
		}

		fmt.Fprintf(d.Stdout, "[OK  ] %s: wrote %d entries\n", path, len(records))
		total += len(records)
	}

	fmt.Fprintf(d.Stdout, "Done. Wrote %d total entries across %d files.\n", total, len(paths))
	return 0
}

// generateFile fetches the game's catalog and produces the records for
// one mapping file, with the file's curation rules applied.
func generateFile(ctx context.Context, cfg runConfig, source categorySource, terms *wikitext.TermDict, section, game, outPath string, debugf func(string, ...any)) ([]mapping.Record, error) {
	stem := strings.TrimSuffix(filepath.Base(outPath), ".json")
	curation, err := mapping.LoadCuration(filepath.Join(cfg.CurationDir, stem+".json"))
	if err != nil {
		return nil, err
	}

	catalog, err := source.GameCategories(ctx, game)
	if err != nil {
		return nil, err
	}

	return mapping.Generate(catalog, mapping.GenerateOptions{
		Section:       section,
		Game:          game,
		AllCategories: cfg.AllCategories,
		CategoryNames: cfg.Categories,
		IncludeMisc:   !cfg.NoMisc,
		Terms:         terms.Resolve(section),
		Curation:      curation,
		Debugf:        debugf,
	})
}

// parseFlags parses command arguments into a validated runConfig.
func parseFlags(args []string) (runConfig, error) {
	fs := flag.NewFlagSet("genmapping", flag.ContinueOnError)

	var usageBuf strings.Builder
	fs.SetOutput(&usageBuf)
	fs.Usage = func() {
		fmt.Fprintf(&usageBuf, "Usage of %s:\n", fs.Name())
		fs.PrintDefaults()
	}

	var cfg runConfig
	fs.BoolVar(&cfg.All, "all", false, "Regenerate every mapping JSON in -out-dir (each file provides its own section id + game slug)")
	fs.StringVar(&cfg.OutDir, "out-dir", "mappings/zeldawiki", "Directory of mapping JSON files for -all")
	fs.Var(&cfg.Exclude, "exclude", "Exclude files in -all mode by filename stem, section id, or game slug (repeatable, comma-splittable)")
	fs.StringVar(&cfg.Section, "section", "", "Section id (single mode)")
	fs.StringVar(&cfg.Game, "game", "", "speedrun.com game slug (single mode)")
	fs.StringVar(&cfg.OutPath, "out", "", "Output mapping JSON path (single mode)")
	fs.Var(&cfg.Categories, "categories", "Category names to include (repeatable, comma-splittable)")
	fs.BoolVar(&cfg.AllCategories, "all-categories", false, "Include every per-game category")
	fs.BoolVar(&cfg.NoMisc, "no-misc", false, "Skip miscellaneous categories")
	fs.StringVar(&cfg.APIBase, "api-base", srcom.DefaultAPIBase, "speedrun.com API base URL")
	fs.StringVar(&cfg.UserAgent, "user-agent", defaultUserAgent, "User-Agent for API requests")
	fs.StringVar(&cfg.TermsPath, "terms", "configs/zeldawiki_wikiterms.json", "Path to wikiterms JSON")
	fs.StringVar(&cfg.CurationDir, "curation-dir", "mappings/zeldawiki/curation", "Directory of per-mapping curation JSON files")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return runConfig{}, errors.New(usageBuf.String())
		}
		return runConfig{}, fmt.Errorf("%v\n\n%s", err, usageBuf.String())
	}

	if !cfg.All {
		if cfg.Section == "" || cfg.Game == "" || cfg.OutPath == "" {
			return runConfig{}, errors.New("single mode requires -section, -game, and -out (or use -all)")
		}
		if !cfg.AllCategories && len(cfg.Categories) == 0 {
			return runConfig{}, errors.New("one of -categories or -all-categories is required")
		}
	}

	return cfg, nil
}
