package main

import (
	"bytes"
	"context"
	"database/sql"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"srwikisync/internal/journal"
	"srwikisync/internal/srcom"
	"srwikisync/internal/updater"
)

// fakeStore is an in-memory pageStore recording logins and saves.
type fakeStore struct {
	pageText string

	loggedIn    bool
	savedText   string
	savedTitle  string
	savedSum    string
	rejectSaves error
}

func (s *fakeStore) Login(_ context.Context, username, password string) error {
	s.loggedIn = true
	return nil
}

func (s *fakeStore) PageText(_ context.Context, title string) (string, error) {
	return s.pageText, nil
}

func (s *fakeStore) SavePage(_ context.Context, title, text, summary string) error {
	if s.rejectSaves != nil {
		return s.rejectSaves
	}
	s.savedTitle, s.savedText, s.savedSum = title, text, summary
	return nil
}

// fakeSource serves canned top runs keyed by category id.
type fakeSource struct {
	runs map[string]*srcom.Run
}

func (f *fakeSource) LeaderboardTop(_ context.Context, q srcom.LeaderboardQuery) (*srcom.Run, error) {
	return f.runs[q.CategoryID], nil
}

func (f *fakeSource) UserName(_ context.Context, userID string) (string, error) {
	return "Runner_" + userID, nil
}

func topRun(id, date string, seconds float64) *srcom.Run {
	r := &srcom.Run{ID: id, Date: date}
	r.Times.PrimaryT = seconds
	r.Players = []srcom.Player{{Rel: "user", ID: "u1"}}
	return r
}

const page = `intro
<section begin="TWW"/>
{{Speedrun Record|Any%|Old|9h 0m 0s|January 1, 2020|tww/runs/old}}
<section end="TWW"/>
outro
`

const configYAML = `
wiki:
  api_url: https://wiki.example.org/api.php
  username: SyncBot
  password: secret
  page_title: Speedrun Records
speedrun:
  user_agent: srwikisync-test/1.0
`

const mappingJSON = `[
  {"section":"TWW","wiki_category_wikitext":"Any%",
   "sr":{"game":"tww","category_id":"c1","variables":{},"kind":"full-game","category_name":"Any%","misc":false}}
]`

// testEnv bundles the fakes and temp files for one run invocation.
type testEnv struct {
	dir    string
	store  *fakeStore
	source *fakeSource
	stdout bytes.Buffer
	stderr bytes.Buffer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		dir:   t.TempDir(),
		store: &fakeStore{pageText: page},
		source: &fakeSource{runs: map[string]*srcom.Run{
			"c1": topRun("r1", "2024-03-07", 11089),
		}},
	}
	env.write(t, "config.yaml", configYAML)
	env.write(t, "tww.json", mappingJSON)
	return env
}

func (e *testEnv) write(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(e.dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func (e *testEnv) path(name string) string { return filepath.Join(e.dir, name) }

func (e *testEnv) run(t *testing.T, args ...string) int {
	t.Helper()
	return run(context.Background(), args, deps{
		Stdout: &e.stdout,
		Stderr: &e.stderr,
		Now:    time.Now,
		Sleep:  func(time.Duration) {},
		NewPageStore: func(apiURL, userAgent string) (pageStore, error) {
			return e.store, nil
		},
		NewSource: func(apiBase, userAgent string, attemptLog io.Writer) updater.LeaderboardSource {
			return e.source
		},
		OpenJournal: journal.Open,
		Getenv:      func(string) string { return "" },
	})
}

// TestRun_DryRunDiff verifies the default mode prints a diff, saves
// nothing, and exits 2.
func TestRun_DryRunDiff(t *testing.T) {
	env := newTestEnv(t)

	code := env.run(t, "-config", env.path("config.yaml"), "-mapping", env.path("tww.json"))
	if code != exitChangesPending {
		t.Fatalf("exit = %d, stderr:\n%s", code, env.stderr.String())
	}
	out := env.stdout.String()
	if !strings.Contains(out, "-{{Speedrun Record|Any%|Old|") {
		t.Errorf("diff missing removed line:\n%s", out)
	}
	if !strings.Contains(out, "+{{Speedrun Record|Any%|Runner_u1|3h 4m 49s|March 7, 2024|tww/runs/r1}}") {
		t.Errorf("diff missing added line:\n%s", out)
	}
	if env.store.savedText != "" {
		t.Error("dry run saved the page")
	}
	if !env.store.loggedIn {
		t.Error("expected login with configured credentials")
	}
}

// TestRun_WriteSaves verifies -write performs one save with the section
// summary and exits 0.
func TestRun_WriteSaves(t *testing.T) {
	env := newTestEnv(t)

	code := env.run(t, "-config", env.path("config.yaml"), "-mapping", env.path("tww.json"), "-write")
	if code != exitOK {
		t.Fatalf("exit = %d, stderr:\n%s", code, env.stderr.String())
	}
	if env.store.savedTitle != "Speedrun Records" {
		t.Errorf("saved title = %q", env.store.savedTitle)
	}
	if env.store.savedSum != "Update speedrun.com WRs for TWW (automated)" {
		t.Errorf("summary = %q", env.store.savedSum)
	}
	if !strings.Contains(env.store.savedText, "Runner_u1") {
		t.Errorf("saved text not updated:\n%s", env.store.savedText)
	}
	if !strings.Contains(env.stderr.String(), "Saved.") {
		t.Errorf("stderr = %s", env.stderr.String())
	}
}

// TestRun_NoChanges verifies identical data exits 0 without output diff.
func TestRun_NoChanges(t *testing.T) {
	env := newTestEnv(t)
	env.store.pageText = strings.Replace(page,
		"{{Speedrun Record|Any%|Old|9h 0m 0s|January 1, 2020|tww/runs/old}}",
		"{{Speedrun Record|Any%|Runner_u1|3h 4m 49s|March 7, 2024|tww/runs/r1}}", 1)

	code := env.run(t, "-config", env.path("config.yaml"), "-mapping", env.path("tww.json"), "-write")
	if code != exitOK {
		t.Fatalf("exit = %d", code)
	}
	if env.store.savedText != "" {
		t.Error("saved despite no changes")
	}
	if !strings.Contains(env.stderr.String(), "No changes.") {
		t.Errorf("stderr = %s", env.stderr.String())
	}
}

// TestRun_MissingRow verifies exit 3 plus a paste-ready scaffold.
func TestRun_MissingRow(t *testing.T) {
	env := newTestEnv(t)
	env.write(t, "tww.json", strings.Replace(mappingJSON, `"Any%"`, `"100%"`, 2))
	env.source.runs["c1"] = topRun("r1", "2024-03-07", 11089)

	code := env.run(t, "-config", env.path("config.yaml"), "-mapping", env.path("tww.json"))
	if code != exitMissingRow {
		t.Fatalf("exit = %d, stderr:\n%s", code, env.stderr.String())
	}
	errOut := env.stderr.String()
	if !strings.Contains(errOut, "ABORT") || !strings.Contains(errOut, "{{Speedrun Record|100%|<player>|<time>|<date>|<run_path>}}") {
		t.Errorf("missing scaffold:\n%s", errOut)
	}
}

// TestRun_Emit verifies -emit prints the updated section block and exits 0.
func TestRun_Emit(t *testing.T) {
	env := newTestEnv(t)

	code := env.run(t, "-config", env.path("config.yaml"), "-mapping", env.path("tww.json"), "-emit")
	if code != exitOK {
		t.Fatalf("exit = %d, stderr:\n%s", code, env.stderr.String())
	}
	out := env.stdout.String()
	if !strings.HasPrefix(out, `<section begin="TWW"/>`) {
		t.Errorf("emit output does not start with the begin tag:\n%s", out)
	}
	if !strings.Contains(out, "Runner_u1") || strings.Contains(out, "intro") {
		t.Errorf("emit output wrong:\n%s", out)
	}
	if env.store.savedText != "" {
		t.Error("emit saved the page")
	}
}

// TestRun_Batch verifies per-file isolation: one failing mapping file
// does not stop the other, the journal records both, and the exit is 1.
func TestRun_Batch(t *testing.T) {
	env := newTestEnv(t)
	batchDir := filepath.Join(env.dir, "mappings")
	if err := os.MkdirAll(batchDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(batchDir, "a_tww.json"), []byte(mappingJSON), 0o644); err != nil {
		t.Fatal(err)
	}
	// Second file maps a category with no row in the section: missing row.
	broken := strings.Replace(mappingJSON, `"Any%"`, `"100%"`, 2)
	if err := os.WriteFile(filepath.Join(batchDir, "b_bad.json"), []byte(broken), 0o644); err != nil {
		t.Fatal(err)
	}

	journalPath := env.path("journal.db")
	code := env.run(t,
		"-config", env.path("config.yaml"),
		"-mapping-dir", batchDir,
		"-journal", journalPath,
		"-write")
	if code != exitHardFailure {
		t.Fatalf("exit = %d, stderr:\n%s", code, env.stderr.String())
	}
	// The good file still saved.
	if !strings.Contains(env.store.savedText, "Runner_u1") {
		t.Error("good mapping file did not save")
	}

	db, err := sql.Open("sqlite", journalPath)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	rows := map[string]string{}
	rs, err := db.Query(`SELECT mapping_file, status FROM batch_runs`)
	if err != nil {
		t.Fatal(err)
	}
	defer rs.Close()
	for rs.Next() {
		var file, status string
		if err := rs.Scan(&file, &status); err != nil {
			t.Fatal(err)
		}
		rows[file] = status
	}
	if rows["a_tww.json"] != journal.StatusOK || rows["b_bad.json"] != journal.StatusFailed {
		t.Fatalf("journal rows = %v", rows)
	}
}

// TestParseFlags covers the required-flag and exclusivity errors.
func TestParseFlags(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		args []string
		want string
	}{
		{"no config", []string{"-mapping", "m.json"}, "-config"},
		{"no mapping", []string{"-config", "c.yaml"}, "-mapping"},
		{"both mapping flags", []string{"-config", "c.yaml", "-mapping", "m.json", "-mapping-dir", "d"}, "mutually exclusive"},
		{"emit in batch", []string{"-config", "c.yaml", "-mapping-dir", "d", "-emit"}, "batch"},
		{"unknown flag", []string{"-config", "c.yaml", "-mapping", "m.json", "-bogus"}, "Usage"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := parseFlags(tc.args)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

// TestRun_BadConfig verifies config failures exit 1.
func TestRun_BadConfig(t *testing.T) {
	env := newTestEnv(t)
	env.write(t, "bad.yaml", "wiki: {}\n")

	code := env.run(t, "-config", env.path("bad.yaml"), "-mapping", env.path("tww.json"))
	if code != exitHardFailure {
		t.Fatalf("exit = %d", code)
	}
	if !strings.Contains(env.stderr.String(), "config error") {
		t.Errorf("stderr = %s", env.stderr.String())
	}
}
