package mapping

import (
	"fmt"
	"sort"
	"strings"

	"srwikisync/internal/srcom"
	"srwikisync/internal/wikitext"
)

// GenerateOptions control one mapping generation run for a single
// section+game pair.
type GenerateOptions struct {
	Section string
	Game    string

	// Category selection: AllCategories takes every per-game category,
	// otherwise CategoryNames must each match exactly one catalog entry.
	AllCategories bool
	CategoryNames []string
	IncludeMisc   bool

	// Terms are the section-scoped substitutions applied to category names
	// and value labels.
	Terms []wikitext.Term

	Curation Curation

	// Debugf, when non-nil, receives per-label keep/exclude reasoning.
	Debugf func(format string, args ...any)
}

// Generate produces one Record per combination of subcategory-variable
// assignments for each chosen category, filtered by curation, de-duplicated
// and sorted by displayed label.
//
// Categories with no subcategory variables (or none with values) yield
// exactly one record with an empty variable assignment.
//
// Errors:
//   - A requested category name matching zero or more than one catalog
//     entry is a configuration error naming the category.
func Generate(catalog []srcom.Category, opts GenerateOptions) ([]Record, error) {
	var cats []srcom.Category
	for _, c := range catalog {
		if c.Type != "per-game" {
			continue
		}
		if !opts.IncludeMisc && c.Misc {
			continue
		}
		cats = append(cats, c)
	}

	chosen := cats
	if !opts.AllCategories {
		var err error
		chosen, err = pickCategoriesByNames(cats, opts.CategoryNames)
		if err != nil {
			return nil, err
		}
	}

	var out []Record
	seen := make(map[string]bool)

	for _, c := range chosen {
		for _, combo := range cartesianAssignments(c.SubcategoryVariables()) {
			variables := combo.variables
			if len(opts.Curation.QueryVarsKeep) > 0 {
				variables = filterVars(variables, opts.Curation.QueryVarsKeep, true)
			}
			if len(opts.Curation.QueryVarsDrop) > 0 {
				variables = filterVars(variables, opts.Curation.QueryVarsDrop, false)
			}

			label := buildLabel(c.Name, combo.labels, opts)

			excluded := opts.Curation.ShouldExclude(label)
			if opts.Debugf != nil && (excluded || len(opts.Curation.MatchedDenies(label)) > 0) {
				verdict := "KEEP"
				if excluded {
					verdict = "EXCLUDE"
				}
				opts.Debugf("[curation] %s: %s", verdict, label)
				opts.Debugf("           matched_denies=%v", opts.Curation.MatchedDenies(label))
				opts.Debugf("           matched_allows=%v", opts.Curation.MatchedAllows(label))
			}
			if excluded {
				continue
			}

			// Dropping a query variable can collapse two combinations into
			// the same mapping entry; keep only the first.
			key := dedupeKey(opts.Section, label, opts.Game, c.ID, variables)
			if seen[key] {
				continue
			}
			seen[key] = true

			out = append(out, Record{
				Section:              opts.Section,
				WikiCategoryWikitext: label,
				SR: Query{
					Game:         opts.Game,
					CategoryID:   c.ID,
					Variables:    variables,
					Kind:         "full-game",
					CategoryName: c.Name,
					Misc:         c.Misc,
				},
			})
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].WikiCategoryWikitext < out[j].WikiCategoryWikitext
	})
	return out, nil
}

func pickCategoriesByNames(cats []srcom.Category, names []string) ([]srcom.Category, error) {
	var picked []srcom.Category
	for _, name := range names {
		var matches []srcom.Category
		for _, c := range cats {
			if c.Name == name {
				matches = append(matches, c)
			}
		}
		switch len(matches) {
		case 0:
			return nil, fmt.Errorf("category not found: %q", name)
		case 1:
			picked = append(picked, matches[0])
		default:
			return nil, fmt.Errorf("ambiguous category name %q", name)
		}
	}
	return picked, nil
}

// varLabel pairs a variable id with one of its value labels, preserving
// which variable contributed it so label filtering can act per-variable.
type varLabel struct {
	varID string
	label string
}

// assignment is one point of the cartesian product: the variable->value
// mapping used for API queries plus the ordered labels used for the
// displayed wiki label.
type assignment struct {
	variables map[string]string
	labels    []varLabel
}

// valueEntry is one (value id, label) pair of a variable, sorted by label
// for deterministic output.
type valueEntry struct {
	id    string
	label string
}

func sortedValues(v srcom.Variable) []valueEntry {
	var out []valueEntry
	for id, meta := range v.Values.Values {
		if meta.Label == "" {
			continue
		}
		out = append(out, valueEntry{id: id, label: meta.Label})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].label < out[j].label })
	return out
}

// cartesianAssignments enumerates every combination of subcategory-variable
// values. Variables without any labeled value drop out; if none remain, a
// single empty assignment is produced.
func cartesianAssignments(subVars []srcom.Variable) []assignment {
	type varValues struct {
		id     string
		values []valueEntry
	}

	var dims []varValues
	for _, v := range subVars {
		if v.ID == "" {
			continue
		}
		vals := sortedValues(v)
		if len(vals) > 0 {
			dims = append(dims, varValues{id: v.ID, values: vals})
		}
	}

	if len(dims) == 0 {
		return []assignment{{variables: map[string]string{}}}
	}

	// Odometer walk, rightmost dimension fastest.
	idx := make([]int, len(dims))
	var out []assignment
	for {
		variables := make(map[string]string, len(dims))
		labels := make([]varLabel, 0, len(dims))
		for d, vv := range dims {
			val := vv.values[idx[d]]
			variables[vv.id] = val.id
			labels = append(labels, varLabel{varID: vv.id, label: val.label})
		}
		out = append(out, assignment{variables: variables, labels: labels})

		d := len(dims) - 1
		for d >= 0 {
			idx[d]++
			if idx[d] < len(dims[d].values) {
				break
			}
			idx[d] = 0
			d--
		}
		if d < 0 {
			return out
		}
	}
}

// buildLabel renders the displayed wiki label: the substituted category
// name, then a small-text parenthetical of substituted, slash-joined value
// labels (subject to label_vars_keep/drop; keep filters first, drop is
// applied to the kept set).
func buildLabel(catName string, labels []varLabel, opts GenerateOptions) string {
	base := wikitext.ApplyTerms(catName, opts.Terms)

	keep := opts.Curation.LabelVarsKeep
	drop := opts.Curation.LabelVarsDrop

	var filtered []string
	for _, vl := range labels {
		if len(keep) > 0 && !containsStr(keep, vl.varID) {
			continue
		}
		if len(drop) > 0 && containsStr(drop, vl.varID) {
			continue
		}
		filtered = append(filtered, vl.label)
	}
	if len(filtered) == 0 {
		return base
	}

	substituted := make([]string, len(filtered))
	for i, l := range filtered {
		substituted[i] = wikitext.ApplyTerms(l, opts.Terms)
	}
	return fmt.Sprintf("%s {{Small|(%s)}}", base, strings.Join(substituted, " / "))
}

func filterVars(variables map[string]string, ids []string, keep bool) map[string]string {
	out := make(map[string]string, len(variables))
	for k, v := range variables {
		if containsStr(ids, k) == keep {
			out[k] = v
		}
	}
	return out
}

func containsStr(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// dedupeKey builds the composite uniqueness key for one generated record:
// section, displayed label, game, category, and the sorted variable
// assignment.
func dedupeKey(section, label, game, categoryID string, variables map[string]string) string {
	pairs := make([]string, 0, len(variables))
	for k, v := range variables {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	return strings.Join([]string{section, label, game, categoryID, strings.Join(pairs, ",")}, "\x00")
}
