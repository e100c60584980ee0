// Package mapping defines the records linking wiki row labels to
// speedrun.com leaderboard queries, the curation rules that restrict which
// generated variants are published, and the generator that produces record
// files from a game's category catalog.
package mapping

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"srwikisync/internal/srcom"
)

// Record links one wiki row (by its category label) to the leaderboard
// query that produces its current world record.
type Record struct {
	Section              string `json:"section"`
	WikiCategoryWikitext string `json:"wiki_category_wikitext"`
	SR                   Query  `json:"sr"`
}

// Query identifies the leaderboard to read for a record.
type Query struct {
	Game         string            `json:"game"`
	CategoryID   string            `json:"category_id"`
	Variables    map[string]string `json:"variables"`
	Kind         string            `json:"kind"` // "full-game"
	LevelID      string            `json:"level_id,omitempty"`
	CategoryName string            `json:"category_name"`
	Misc         bool              `json:"misc"`
}

// Leaderboard converts the query to the API client's shape.
func (q Query) Leaderboard() srcom.LeaderboardQuery {
	return srcom.LeaderboardQuery{
		Game:       q.Game,
		CategoryID: q.CategoryID,
		Variables:  q.Variables,
		LevelID:    q.LevelID,
	}
}

// Load reads a mapping JSON file (an array of records).
func Load(path string) ([]Record, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mapping file: %w", err)
	}
	var records []Record
	if err := json.Unmarshal(b, &records); err != nil {
		return nil, fmt.Errorf("parse mapping file %s: %w", path, err)
	}
	return records, nil
}

// Save writes records as a 2-space-indented JSON array, atomically
// (temp file in the same directory, renamed into place). HTML escaping is
// off so labels like "Any% {{Small|(<...>)}}" stay readable in the file.
func Save(path string, records []Record) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".mapping-*")
	if err != nil {
		return fmt.Errorf("create temp mapping file: %w", err)
	}
	tmpName := tmp.Name()

	enc := json.NewEncoder(tmp)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	encErr := enc.Encode(records)
	closeErr := tmp.Close()

	if encErr != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("encode mapping file: %w", encErr)
	}
	if closeErr != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp mapping file: %w", closeErr)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace mapping file: %w", err)
	}
	return nil
}

// Sections returns the distinct section ids present in records, in first-
// appearance order.
func Sections(records []Record) []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range records {
		if r.Section == "" || seen[r.Section] {
			continue
		}
		seen[r.Section] = true
		out = append(out, r.Section)
	}
	return out
}
