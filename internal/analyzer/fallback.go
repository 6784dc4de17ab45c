package analyzer

import (
	"fmt"
	"sort"
	"strings"

	"contextd/internal/types"
)

// oppositions is the fixed list of term pairs the deterministic path treats
// as semantic tension. Intentionally crude: it can flag entries that merely
// discuss an opposition, so nothing auto-resolves from this path alone.
var oppositions = [][2]string{
	{"prefer", "avoid"},
	{"use", "don't use"},
	{"always", "never"},
	{"composition", "inheritance"},
	{"class", "functional"},
	{"stateful", "stateless"},
	{"monolith", "microservice"},
}

// DetectOppositions runs the deterministic contradiction heuristic: for
// each same-type pair of active entries, flag the pair when the two sides
// of any opposition appear split across them.
func DetectOppositions(entries []types.Entry) []types.Contradiction {
	buckets := bucketByType(entries)
	var out []types.Contradiction
	for _, typeName := range sortedKeys(buckets) {
		bucket := buckets[typeName]
		for i := 0; i < len(bucket); i++ {
			for j := i + 1; j < len(bucket); j++ {
				a := strings.ToLower(bucket[i].Content)
				b := strings.ToLower(bucket[j].Content)
				for _, opp := range oppositions {
					if containsOpposition(a, b, opp) {
						out = append(out, types.Contradiction{
							EntryA:   bucket[i].ID,
							EntryB:   bucket[j].ID,
							TypeName: typeName,
							Explanation: fmt.Sprintf(
								"One entry leans %q while the other leans %q", opp[0], opp[1]),
						})
						break
					}
				}
			}
		}
	}
	return out
}

// containsOpposition reports whether a and b each hold a different side of
// the opposition pair.
func containsOpposition(a, b string, opp [2]string) bool {
	return (strings.Contains(a, opp[0]) && strings.Contains(b, opp[1])) ||
		(strings.Contains(a, opp[1]) && strings.Contains(b, opp[0]))
}

// bucketByType groups active entries by their type name, skipping archived
// and untyped entries.
func bucketByType(entries []types.Entry) map[string][]types.Entry {
	buckets := map[string][]types.Entry{}
	for _, e := range entries {
		if e.Archived || e.TypeName == "" {
			continue
		}
		buckets[e.TypeName] = append(buckets[e.TypeName], e)
	}
	return buckets
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// suggestByTags is the fallback schema suggester: partition untyped entries
// by first tag and propose one type per group of three or more.
func suggestByTags(entries []types.Entry) []types.SchemaSuggestion {
	groups := map[string]int{}
	for _, e := range entries {
		if len(e.Tags) == 0 {
			continue
		}
		groups[e.Tags[0]]++
	}

	var out []types.SchemaSuggestion
	for _, tag := range sortedKeys(groups) {
		if groups[tag] < 3 {
			continue
		}
		out = append(out, types.SchemaSuggestion{
			TypeName:    tag,
			Description: fmt.Sprintf("Entries tagged %q (%d currently untyped)", tag, groups[tag]),
			Fields: []types.SuggestedField{
				{Name: "text", Type: "string", Description: "Free-form content"},
			},
		})
	}
	return out
}

// digest is the fallback summarizer: a one-sentence description built from
// counts and the newest timestamp.
func digest(entries []types.Entry, focus string) string {
	if len(entries) == 0 {
		return "No entries to summarize."
	}
	byType := map[string]int{}
	newest := ""
	for _, e := range entries {
		key := e.TypeName
		if key == "" {
			key = "untyped"
		}
		byType[key]++
		if e.UpdatedAt > newest {
			newest = e.UpdatedAt
		}
	}
	parts := make([]string, 0, len(byType))
	for _, t := range sortedKeys(byType) {
		parts = append(parts, fmt.Sprintf("%d of type %s", byType[t], t))
	}
	s := fmt.Sprintf("%d entries (%s), newest updated %s.", len(entries), strings.Join(parts, ", "), newest)
	if focus != "" {
		s += fmt.Sprintf(" Focus %q requires language-model summarization; showing counts only.", focus)
	}
	return s
}

// overlapScore is the fallback ranker: normalized term overlap between the
// query tokens and the entry's content, tags, and type name.
func overlapScore(query string, e types.Entry) float64 {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return 0
	}
	haystack := strings.ToLower(e.Content + " " + strings.Join(e.Tags, " ") + " " + e.TypeName)
	matched := 0
	for _, t := range terms {
		if strings.Contains(haystack, t) {
			matched++
		}
	}
	return float64(matched) / float64(len(terms))
}
