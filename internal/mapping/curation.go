package mapping

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/text/cases"
)

// foldCaser performs Unicode case folding; curation matching is
// case-insensitive by contract.
var foldCaser = cases.Fold()

func fold(s string) string { return foldCaser.String(s) }

// Curation restricts which generated category variants are published for
// one mapping name, and tunes label/query variable filtering.
//
// Deny and Allow hold case-folded substrings. LabelVars* control which
// variable labels appear in the displayed wiki label without altering the
// stored query variables; QueryVars* control which variables are sent in
// the leaderboard query, independent of label filtering.
type Curation struct {
	Deny  []string
	Allow []string

	LabelVarsKeep []string
	LabelVarsDrop []string
	QueryVarsKeep []string
	QueryVarsDrop []string
}

// LoadCuration reads an optional per-mapping curation file.
//
// Two formats are accepted:
//
//  1. Legacy: a flat JSON array of deny substrings.
//  2. An object with optional keys "contains", "contains_exceptions",
//     "label_vars_keep", "label_vars_drop", "query_vars_keep",
//     "query_vars_drop".
//
// A missing file yields the zero Curation (keep everything).
//
// Errors:
//   - Malformed JSON or a top level that is neither array nor object.
func LoadCuration(path string) (Curation, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Curation{}, nil
		}
		return Curation{}, fmt.Errorf("read curation file: %w", err)
	}

	var legacy []string
	if err := json.Unmarshal(b, &legacy); err == nil {
		return Curation{Deny: normFold(legacy)}, nil
	}

	var obj struct {
		Contains           []string `json:"contains"`
		ContainsExceptions []string `json:"contains_exceptions"`
		LabelVarsKeep      []string `json:"label_vars_keep"`
		LabelVarsDrop      []string `json:"label_vars_drop"`
		QueryVarsKeep      []string `json:"query_vars_keep"`
		QueryVarsDrop      []string `json:"query_vars_drop"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return Curation{}, fmt.Errorf("parse curation file %s: expected array or object: %w", path, err)
	}

	return Curation{
		Deny:          normFold(obj.Contains),
		Allow:         normFold(obj.ContainsExceptions),
		LabelVarsKeep: normRaw(obj.LabelVarsKeep),
		LabelVarsDrop: normRaw(obj.LabelVarsDrop),
		QueryVarsKeep: normRaw(obj.QueryVarsKeep),
		QueryVarsDrop: normRaw(obj.QueryVarsDrop),
	}, nil
}

func normFold(in []string) []string {
	var out []string
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, fold(s))
		}
	}
	return out
}

func normRaw(in []string) []string {
	var out []string
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// ShouldExclude decides whether a generated label is suppressed.
//
// Matching is case-insensitive substring containment against the folded
// label. The override semantics are deliberately scoped, not blanket:
//
//   - No deny term matches: keep.
//   - Deny matches, no allow matches: exclude.
//   - Both match: an allow phrase overrides only the deny terms that occur
//     as a substring of that allow phrase. Any matched deny term not
//     contained in some matched allow phrase still forces exclusion.
//
// So deny ["master quest"] with allow ["hero mode master quest"] keeps
// "Hero Mode Master Quest" but still excludes "Master Quest Only".
func (c Curation) ShouldExclude(label string) bool {
	if len(c.Deny) == 0 {
		return false
	}

	lc := fold(label)

	var matchedDenies []string
	for _, d := range c.Deny {
		if d != "" && strings.Contains(lc, d) {
			matchedDenies = append(matchedDenies, d)
		}
	}
	if len(matchedDenies) == 0 {
		return false
	}

	var matchedAllows []string
	for _, a := range c.Allow {
		if a != "" && strings.Contains(lc, a) {
			matchedAllows = append(matchedAllows, a)
		}
	}
	if len(matchedAllows) == 0 {
		return true
	}

	overridden := make(map[string]bool)
	for _, a := range matchedAllows {
		for _, d := range matchedDenies {
			if strings.Contains(a, d) {
				overridden[d] = true
			}
		}
	}

	for _, d := range matchedDenies {
		if !overridden[d] {
			return true
		}
	}
	return false
}

// MatchedDenies reports which deny terms match the label; used only by the
// generator's debug output.
func (c Curation) MatchedDenies(label string) []string {
	lc := fold(label)
	var out []string
	for _, d := range c.Deny {
		if d != "" && strings.Contains(lc, d) {
			out = append(out, d)
		}
	}
	return out
}

// MatchedAllows reports which allow phrases match the label; used only by
// the generator's debug output.
func (c Curation) MatchedAllows(label string) []string {
	lc := fold(label)
	var out []string
	for _, a := range c.Allow {
		if a != "" && strings.Contains(lc, a) {
			out = append(out, a)
		}
	}
	return out
}
