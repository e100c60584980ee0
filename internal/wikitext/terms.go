package wikitext

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
)

// Term is one literal, case-sensitive substitution: every occurrence of
// Pattern outside protected markup becomes Replacement.
type Term struct {
	Pattern     string
	Replacement string
}

// TermDict is the parsed wikiterms file, preserving the file's key order so
// that equal-length patterns substitute in a stable order.
type TermDict struct {
	entries []termEntry
}

// termEntry is the tagged union behind a dictionary value: either a flat
// replacement string, or a scoped entry with an optional default plus
// per-section overrides.
type termEntry struct {
	pattern  string
	flat     string
	isFlat   bool
	def      string
	hasDef   bool
	sections map[string]string
}

// LoadTermDict reads a wikiterms JSON file.
//
// Two value shapes are accepted, mirroring the file format's history:
//
//	"Any%": "[[Any%]]"
//	"Master Quest": {"default": "[[Master Quest]]", "sections": {"HW": "[[Master Quest Map]]"}}
//
// A missing file is not an error; it yields an empty dictionary.
//
// Errors:
//   - Malformed JSON, a non-object top level, or an entry value that is
//     neither a string nor a scoped object.
func LoadTermDict(path string) (*TermDict, error) {
	if path == "" {
		return &TermDict{}, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &TermDict{}, nil
		}
		return nil, fmt.Errorf("read wikiterms file: %w", err)
	}
	d, err := parseTermDict(b)
	if err != nil {
		return nil, fmt.Errorf("parse wikiterms file %s: %w", path, err)
	}
	return d, nil
}

// parseTermDict decodes the dictionary with a token walk rather than a map
// so the file's insertion order survives (ties between equal-length
// patterns resolve in file order).
func parseTermDict(b []byte) (*TermDict, error) {
	dec := json.NewDecoder(strings.NewReader(string(b)))

	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, errors.New("expected a JSON object at top level")
	}

	var d TermDict
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		pattern := keyTok.(string)

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, err
		}

		entry, err := parseTermValue(pattern, raw)
		if err != nil {
			return nil, err
		}
		if pattern == "" {
			continue // empty patterns can never match anything
		}
		d.entries = append(d.entries, entry)
	}
	return &d, nil
}

func parseTermValue(pattern string, raw json.RawMessage) (termEntry, error) {
	var flat string
	if err := json.Unmarshal(raw, &flat); err == nil {
		return termEntry{pattern: pattern, flat: flat, isFlat: true}, nil
	}

	var scoped struct {
		Default  *string           `json:"default"`
		Sections map[string]string `json:"sections"`
	}
	if err := json.Unmarshal(raw, &scoped); err != nil {
		return termEntry{}, fmt.Errorf("entry %q: value must be a string or a scoped object", pattern)
	}

	e := termEntry{pattern: pattern, sections: scoped.Sections}
	if scoped.Default != nil {
		e.def = *scoped.Default
		e.hasDef = true
	}
	return e, nil
}

// Resolve flattens the dictionary for one section scope.
//
// Scoped entries pick the section override when present, else their
// default, else they drop out entirely. The result is sorted by descending
// pattern length; equal lengths keep file order.
func (d *TermDict) Resolve(sectionID string) []Term {
	if d == nil {
		return nil
	}
	terms := make([]Term, 0, len(d.entries))
	for _, e := range d.entries {
		repl, ok := e.resolve(sectionID)
		if !ok {
			continue
		}
		terms = append(terms, Term{Pattern: e.pattern, Replacement: repl})
	}
	sort.SliceStable(terms, func(i, j int) bool {
		return len(terms[i].Pattern) > len(terms[j].Pattern)
	})
	return terms
}

func (e termEntry) resolve(sectionID string) (string, bool) {
	if e.isFlat {
		return e.flat, true
	}
	if sectionID != "" {
		if v, ok := e.sections[sectionID]; ok && v != "" {
			return v, true
		}
	}
	if e.hasDef && e.def != "" {
		return e.def, true
	}
	return "", false
}

// Placeholder tokens carry a BEL byte on each side: it cannot occur in wiki
// page text or in any pattern, so tokens never collide with input and a
// pattern can never straddle a token boundary.
const (
	tokenPrefix = "\x07WIKITERM_TOKEN_"
	tokenSuffix = "\x07"
)

func protToken(i int) string { return fmt.Sprintf("%sPROT_%d%s", tokenPrefix, i, tokenSuffix) }
func insToken(i int) string  { return fmt.Sprintf("%sINS_%d%s", tokenPrefix, i, tokenSuffix) }

// ApplyTerms substitutes every term into text, longest pattern first.
//
// The engine is two-phase:
//
//  1. Existing [[...]] and {{...}} spans (shortest-closing, non-nested,
//     left to right) are swapped for opaque placeholder tokens so no
//     pattern can match inside them.
//  2. Each pattern's occurrences in the working text are swapped for an
//     insertion token; because patterns are tried longest-first against the
//     progressively rewritten text, a shorter pattern can never re-match
//     inside text a longer one already claimed.
//
// Insertion tokens then resolve to their replacement in a single pass
// (replacement text is never itself re-scanned) and the protected spans
// are restored verbatim.
//
// Empty text or an empty term list is a no-op.
func ApplyTerms(text string, terms []Term) string {
	if text == "" || len(terms) == 0 {
		return text
	}

	working, protected := protectSpans(text)

	var inserted []string
	for _, t := range terms {
		if t.Pattern == "" {
			continue
		}
		if strings.Contains(working, t.Pattern) {
			tok := insToken(len(inserted))
			inserted = append(inserted, t.Replacement)
			working = strings.ReplaceAll(working, t.Pattern, tok)
		}
	}

	for i, repl := range inserted {
		working = strings.ReplaceAll(working, insToken(i), repl)
	}
	return restoreSpans(working, protected)
}

// protectedSpanRE recognizes [[...]] and {{...}} using the first closing
// delimiter that follows: non-greedy and non-nested, matching the markup
// subset these labels actually contain.
var protectedSpanRE = regexp.MustCompile(`(?s)\[\[.*?\]\]|\{\{.*?\}\}`)

func protectSpans(text string) (working string, protected []string) {
	working = protectedSpanRE.ReplaceAllStringFunc(text, func(m string) string {
		protected = append(protected, m)
		return protToken(len(protected) - 1)
	})
	return working, protected
}

func restoreSpans(text string, protected []string) string {
	for i, span := range protected {
		text = strings.ReplaceAll(text, protToken(i), span)
	}
	return text
}
