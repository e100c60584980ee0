package wikitext

import (
	"fmt"
	"strings"
)

// RowTemplate is the record-row template name. Every world-record row on the
// target pages is a single invocation of this template with exactly five
// positional parameters: category label, runner, time, date, run path.
const RowTemplate = "Speedrun Record"

var rowOpener = "{{" + RowTemplate + "|"

// Invocation is one full {{Speedrun Record|...}} span found in a section body.
type Invocation struct {
	Start int    // byte offset of the leading "{{"
	End   int    // byte offset just past the trailing "}}"
	Text  string // the full invocation, braces included
}

// Inner returns the parameter region of the invocation: everything between
// the pipe that follows the template name and the closing braces.
func (inv Invocation) Inner() string {
	return inv.Text[len(rowOpener) : len(inv.Text)-2]
}

// ScanInvocations finds every record-row invocation in body, in order.
//
// The scanner is brace-depth based: starting at each "{{Speedrun Record|"
// opener it advances a nesting counter on every "{{"/"}}" pair until depth
// returns to zero. Nested templates inside a row (typically a {{Small|...}}
// wrapper in the category label) are therefore skipped correctly when
// looking for the invocation's true end.
//
// Openers whose braces never close are ignored.
func ScanInvocations(body string) []Invocation {
	var out []Invocation

	from := 0
	for {
		rel := strings.Index(body[from:], rowOpener)
		if rel == -1 {
			return out
		}
		start := from + rel

		end, ok := scanBalanced(body, start)
		if !ok {
			// Unterminated invocation; nothing after it can close either.
			return out
		}

		out = append(out, Invocation{Start: start, End: end, Text: body[start:end]})
		from = end
	}
}

// scanBalanced walks forward from the "{{" at start and returns the offset
// just past the "}}" that brings brace depth back to zero.
func scanBalanced(s string, start int) (end int, ok bool) {
	depth := 0
	i := start
	for i < len(s)-1 {
		switch {
		case s[i] == '{' && s[i+1] == '{':
			depth++
			i += 2
		case s[i] == '}' && s[i+1] == '}':
			depth--
			i += 2
			if depth == 0 {
				return i, true
			}
		default:
			i++
		}
	}
	return 0, false
}

// SplitParams splits an invocation's inner text on top-level pipes only.
//
// Pipes inside [[...]] links or nested {{...}} templates do not split: the
// splitter tracks a depth counter for each delimiter pair. A well-formed
// record row always yields exactly five parameters.
func SplitParams(inner string) []string {
	var params []string
	linkDepth, tmplDepth := 0, 0
	last := 0

	for i := 0; i < len(inner); i++ {
		switch {
		case strings.HasPrefix(inner[i:], "[["):
			linkDepth++
			i++
		case strings.HasPrefix(inner[i:], "]]"):
			if linkDepth > 0 {
				linkDepth--
			}
			i++
		case strings.HasPrefix(inner[i:], "{{"):
			tmplDepth++
			i++
		case strings.HasPrefix(inner[i:], "}}"):
			if tmplDepth > 0 {
				tmplDepth--
			}
			i++
		case inner[i] == '|' && linkDepth == 0 && tmplDepth == 0:
			params = append(params, inner[last:i])
			last = i + 1
		}
	}
	return append(params, inner[last:])
}

// NormalizeLabel reduces a category label to its comparison form:
// {{Small|...}} wrappers are unwrapped to their inner text, literal
// parentheses are dropped, runs of whitespace collapse to one space, and
// the ends are trimmed.
//
// The wiki rows often render the subcategory part as {{Small|(Hero Mode)}}
// while the mapping stores "(Hero Mode)"; both normalize identically.
// NormalizeLabel is idempotent.
func NormalizeLabel(label string) string {
	s := unwrapSmall(label)
	s = strings.ReplaceAll(s, "(", "")
	s = strings.ReplaceAll(s, ")", "")
	return strings.Join(strings.Fields(s), " ")
}

// unwrapSmall replaces every {{Small|X}} (any case of "small") with X,
// using the same balanced-brace walk as the invocation scanner.
func unwrapSmall(s string) string {
	var b strings.Builder
	i := 0
	for i < len(s) {
		rel, nameLen := indexSmallOpener(s[i:])
		if rel == -1 {
			b.WriteString(s[i:])
			break
		}
		b.WriteString(s[i : i+rel])

		start := i + rel
		end, ok := scanBalanced(s, start)
		if !ok {
			b.WriteString(s[start:])
			break
		}
		// Inner text sits between the opener's pipe and the closing braces.
		// Unwrap recursively so nested wrappers still reduce to plain
		// text in one pass.
		b.WriteString(unwrapSmall(s[start+nameLen : end-2]))
		i = end
	}
	return b.String()
}

// indexSmallOpener finds the next "{{Small|" (case-insensitive template
// name) and returns its offset plus the opener's length.
func indexSmallOpener(s string) (idx, length int) {
	lower := strings.ToLower(s)
	rel := strings.Index(lower, "{{small|")
	if rel == -1 {
		return -1, 0
	}
	return rel, len("{{small|")
}

// MissingRowError reports that a section body contains no record row whose
// category label matches the expected one.
type MissingRowError struct {
	Label string // the requested (unnormalized) category label
}

func (e *MissingRowError) Error() string {
	return fmt.Sprintf("no %s row matching category %q", RowTemplate, e.Label)
}

// ReplaceRow rewrites the first record row whose category label normalizes
// equal to expectedLabel, substituting the runner, time, date and run-path
// parameters.
//
// The existing first parameter is reused verbatim: pages frequently dress
// the label up with {{Small|...}} or extra whitespace, and rewriting it
// would churn formatting the sync does not own.
//
// Errors:
//   - Returns *MissingRowError (carrying expectedLabel) if no row matches.
func ReplaceRow(body, expectedLabel, runner, timeStr, dateStr, runPath string) (string, error) {
	want := NormalizeLabel(expectedLabel)

	for _, inv := range ScanInvocations(body) {
		params := SplitParams(inv.Inner())
		if len(params) == 0 || NormalizeLabel(params[0]) != want {
			continue
		}
		row := BuildRow(params[0], runner, timeStr, dateStr, runPath)
		return body[:inv.Start] + row + body[inv.End:], nil
	}
	return "", &MissingRowError{Label: expectedLabel}
}

// RemoveRow deletes the first record row whose category label normalizes
// equal to expectedLabel, along with one adjacent newline (trailing
// preferred, else preceding) so no blank line is left behind.
//
// Removal is idempotent: if no row matches, body is returned unchanged.
func RemoveRow(body, expectedLabel string) string {
	want := NormalizeLabel(expectedLabel)

	for _, inv := range ScanInvocations(body) {
		params := SplitParams(inv.Inner())
		if len(params) == 0 || NormalizeLabel(params[0]) != want {
			continue
		}

		start, end := inv.Start, inv.End
		switch {
		case end < len(body) && body[end] == '\n':
			end++
		case start > 0 && body[start-1] == '\n':
			start--
		}
		return body[:start] + body[end:]
	}
	return body
}

// BuildRow assembles a five-parameter record-row invocation.
func BuildRow(label, runner, timeStr, dateStr, runPath string) string {
	return fmt.Sprintf("{{%s|%s|%s|%s|%s|%s}}", RowTemplate, label, runner, timeStr, dateStr, runPath)
}

// Scaffold renders one placeholder row per label, newline-separated with a
// trailing newline, for operators to paste into a section that is missing
// expected rows.
func Scaffold(labels []string) string {
	var b strings.Builder
	for _, l := range labels {
		b.WriteString(BuildRow(l, "<player>", "<time>", "<date>", "<run_path>"))
		b.WriteByte('\n')
	}
	return b.String()
}
