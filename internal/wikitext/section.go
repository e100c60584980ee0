// Package wikitext implements the small slice of wikitext handling the sync
// needs: locating a named transclusion section inside a full page, finding
// and rewriting record-row template invocations within it, and applying
// curated term substitutions without touching existing links or templates.
//
// It is deliberately not a general wikitext parser. Only the constructs the
// target pages actually use are understood: <section begin/end> markers,
// {{Template|...}} invocations (with nesting), and [[link]] spans.
package wikitext

import (
	"fmt"
	"regexp"
	"sync"
)

// sectionRE matches the whole page split into (prefix including the begin
// tag and any whitespace after it, body, suffix starting at the end tag's
// leading whitespace). Non-greedy so the first begin/end pair wins.
var (
	sectionREMu    sync.Mutex
	sectionRECache = make(map[string]*regexp.Regexp)
)

func sectionRE(name string) *regexp.Regexp {
	sectionREMu.Lock()
	defer sectionREMu.Unlock()

	if re, ok := sectionRECache[name]; ok {
		return re
	}
	q := regexp.QuoteMeta(name)
	re := regexp.MustCompile(
		`(?s)\A(.*?<section\s+begin="` + q + `"\s*/>\s*)(.*?)(\s*<section\s+end="` + q + `"\s*/>.*)\z`,
	)
	sectionRECache[name] = re
	return re
}

// ExtractSection splits pageText around the named transclusion section.
//
// The returned pieces always satisfy prefix+body+suffix == pageText:
//   - prefix ends immediately after the first <section begin="name"/> tag
//     (plus any whitespace directly following it),
//   - suffix begins at the first <section end="name"/> tag found after that
//     point (including any whitespace directly before it),
//   - body is everything in between.
//
// Whitespace inside the tags is tolerated.
//
// Errors:
//   - Returns an error when no begin/end pair for the name exists in that
//     order. Nothing else fails.
func ExtractSection(pageText, name string) (prefix, body, suffix string, err error) {
	m := sectionRE(name).FindStringSubmatch(pageText)
	if m == nil {
		return "", "", "", fmt.Errorf(
			`section %q not found: expected <section begin=%q/> followed by <section end=%q/>`,
			name, name, name,
		)
	}
	return m[1], m[2], m[3], nil
}

// BuildSectionBlock returns exactly the begin-tag...end-tag block for the
// named section, suitable for pasting into a sandbox page.
func BuildSectionBlock(pageText, name string) (string, error) {
	prefix, body, suffix, err := ExtractSection(pageText, name)
	if err != nil {
		return "", err
	}

	beginTag := fmt.Sprintf(`<section begin=%q/>`, name)
	endTag := fmt.Sprintf(`<section end=%q/>`, name)

	// prefix ends after the begin tag and suffix starts at the end tag, but
	// the tags themselves may carry internal whitespace. Anchor on the last
	// '<' of the begin tag in prefix and the end of the end tag in suffix.
	beginIdx := lastIndexTag(prefix, `begin`, name)
	if beginIdx == -1 {
		return beginTag + body + endTag, nil
	}
	endIdx := firstIndexTagEnd(suffix, `end`, name)
	if endIdx == -1 {
		return prefix[beginIdx:] + body + suffix, nil
	}
	return prefix[beginIdx:] + body + suffix[:endIdx], nil
}

func tagRE(kind, name string) *regexp.Regexp {
	return regexp.MustCompile(`<section\s+` + kind + `="` + regexp.QuoteMeta(name) + `"\s*/>`)
}

func lastIndexTag(s, kind, name string) int {
	locs := tagRE(kind, name).FindAllStringIndex(s, -1)
	if len(locs) == 0 {
		return -1
	}
	return locs[len(locs)-1][0]
}

func firstIndexTagEnd(s, kind, name string) int {
	loc := tagRE(kind, name).FindStringIndex(s)
	if loc == nil {
		return -1
	}
	return loc[1]
}
