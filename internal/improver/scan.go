package improver

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"contextd/internal/analyzer"
	"contextd/internal/types"
)

// scanAutoTag proposes tags for untagged entries once enough of them have
// accumulated to be worth a pass.
func (imp *Improver) scanAutoTag(entries []types.Entry) []candidate {
	var ids []string
	preview := map[string]any{}
	for _, e := range entries {
		if len(e.Tags) > 0 {
			continue
		}
		tags := deriveTags(e.Content)
		if len(tags) == 0 {
			continue
		}
		ids = append(ids, e.ID)
		preview[e.ID] = tags
	}
	if len(ids) < untaggedThreshold {
		return nil
	}
	return []candidate{{
		action:      types.Action{Kind: types.ActionAutoTag, EntryIDs: ids},
		description: fmt.Sprintf("Tag %d untagged entries from their content", len(ids)),
		reasoning:   fmt.Sprintf("%d entries have no tags, which makes them invisible to tag-filtered recall", len(ids)),
		preview:     preview,
	}}
}

// scanMergeDuplicates finds near-identical same-type pairs. One candidate
// per pair: merging rewrites an entry, so each pair gets its own approval.
func (imp *Improver) scanMergeDuplicates(entries []types.Entry) []candidate {
	byType := map[string][]types.Entry{}
	for _, e := range entries {
		byType[e.TypeName] = append(byType[e.TypeName], e)
	}

	var out []candidate
	for _, typeName := range sortedTypeKeys(byType) {
		bucket := byType[typeName]
		for i := 0; i < len(bucket); i++ {
			for j := i + 1; j < len(bucket); j++ {
				sim := jaccard(tokenize(bucket[i].Content), tokenize(bucket[j].Content))
				if sim <= duplicateSimilarity {
					continue
				}
				a, b := bucket[i], bucket[j]
				out = append(out, candidate{
					action: types.Action{
						Kind:     types.ActionMergeDuplicates,
						TypeName: typeName,
						Pairs:    [][2]string{{a.ID, b.ID}},
					},
					description: fmt.Sprintf("Merge near-duplicate entries %s and %s", a.ID, b.ID),
					reasoning:   fmt.Sprintf("Content similarity %.0f%% between two entries of the same type", sim*100),
					preview: map[string]any{
						a.ID: clip(a.Content, 120),
						b.ID: clip(b.Content, 120),
					},
				})
			}
		}
	}
	return out
}

// scanPromoteToType matches untyped entries against catalog type
// descriptions by keyword overlap. Ties go to the type declared first.
func (imp *Improver) scanPromoteToType(entries []types.Entry, cat *types.Catalog) []candidate {
	if cat == nil || len(cat.Types) == 0 {
		return nil
	}

	byTarget := map[string][]string{}
	for _, e := range entries {
		if e.TypeName != "" {
			continue
		}
		content := tokenize(e.Content + " " + strings.Join(e.Tags, " "))
		best := ""
		bestOverlap := 0
		for _, st := range cat.Types {
			overlap := countOverlap(content, tokenize(st.Name+" "+st.Description))
			if overlap >= keywordOverlapMin && overlap > bestOverlap {
				best = st.Name
				bestOverlap = overlap
			}
		}
		if best != "" {
			byTarget[best] = append(byTarget[best], e.ID)
		}
	}

	var out []candidate
	for _, typeName := range sortedTypeKeys(byTarget) {
		ids := byTarget[typeName]
		out = append(out, candidate{
			action:      types.Action{Kind: types.ActionPromoteToType, TypeName: typeName, EntryIDs: ids},
			description: fmt.Sprintf("Promote %d untyped entries to type %q", len(ids), typeName),
			reasoning:   fmt.Sprintf("Entry content shares at least %d keywords with the %q type description", keywordOverlapMin, typeName),
			preview:     map[string]any{"entryIds": ids},
		})
	}
	return out
}

// scanArchiveStale flags entries that are both old and never read.
func (imp *Improver) scanArchiveStale(entries []types.Entry) []candidate {
	readIDs := imp.obs.ReadIDs()
	now := types.Now()
	cutoff := types.ParseTime(now).Add(-staleAge).UTC().Format(types.TimeFormat)

	var ids []string
	preview := map[string]any{}
	for _, e := range entries {
		if e.UpdatedAt >= cutoff || readIDs[e.ID] || e.HasTag("gap") {
			continue
		}
		ids = append(ids, e.ID)
		preview[e.ID] = fmt.Sprintf("%s (last updated %s)", clip(e.Content, 80), e.UpdatedAt)
	}
	if len(ids) == 0 {
		return nil
	}
	return []candidate{{
		action:      types.Action{Kind: types.ActionArchiveStale, EntryIDs: ids},
		description: fmt.Sprintf("Archive %d entries not updated or read in over 180 days", len(ids)),
		reasoning:   "Old unread entries dilute recall without serving anyone",
		preview:     preview,
	}}
}

// scanGapStubs turns repeatedly missed queries into stub proposals, unless
// a stub for the query already exists.
func (imp *Improver) scanGapStubs(entries []types.Entry, summary types.Summary) []candidate {
	var queries []string
	for _, q := range sortedQueryKeys(summary.MissedQueries) {
		if summary.MissedQueries[q] < missThreshold {
			continue
		}
		if gapStubExists(entries, q) {
			continue
		}
		queries = append(queries, q)
	}
	if len(queries) == 0 {
		return nil
	}
	return []candidate{{
		action:      types.Action{Kind: types.ActionCreateGapStubs, Queries: queries},
		description: fmt.Sprintf("Create gap stubs for %d repeatedly missed queries", len(queries)),
		reasoning:   fmt.Sprintf("Each query missed at least %d times with no matching context", missThreshold),
		preview:     map[string]any{"queries": queries},
	}}
}

func gapStubExists(entries []types.Entry, query string) bool {
	q := strings.ToLower(query)
	for _, e := range entries {
		if e.HasTag("gap") && strings.Contains(strings.ToLower(e.Content), q) {
			return true
		}
	}
	return false
}

// scanResolveContradictions proposes resolving contradiction pairs where
// one side is much older than the other: the stale side gets archived. Pairs
// of similar age stay untouched, there is no basis for picking a winner.
func (imp *Improver) scanResolveContradictions(entries []types.Entry) []candidate {
	var resolvable []types.Contradiction
	for _, c := range analyzer.DetectOppositions(entries) {
		a := findEntry(entries, c.EntryA)
		b := findEntry(entries, c.EntryB)
		if a == nil || b == nil {
			continue
		}
		ta, tb := types.ParseTime(a.UpdatedAt), types.ParseTime(b.UpdatedAt)
		gap := ta.Sub(tb)
		if gap < 0 {
			gap = -gap
		}
		if gap > staleAge {
			resolvable = append(resolvable, c)
		}
	}
	if len(resolvable) == 0 {
		return nil
	}
	return []candidate{{
		action:      types.Action{Kind: types.ActionResolveContradiction, Contradictions: resolvable},
		description: fmt.Sprintf("Resolve %d contradictions by archiving the much older side", len(resolvable)),
		reasoning:   "When contradicting entries are over 180 days apart, the newer one reflects current guidance",
		preview:     map[string]any{"contradictions": resolvable},
	}}
}

// scanSuggestSchema proposes running schema suggestion once enough untyped
// entries exist. The suggestions themselves are computed at execution time
// so the LM is only consulted after the action clears policy.
func (imp *Improver) scanSuggestSchema(ctx context.Context, entries []types.Entry) []candidate {
	untyped := 0
	for _, e := range entries {
		if e.TypeName == "" {
			untyped++
		}
	}
	if untyped < untypedThreshold {
		return nil
	}
	return []candidate{{
		action:      types.Action{Kind: types.ActionSuggestSchema},
		description: fmt.Sprintf("Suggest schema types for %d untyped entries", untyped),
		reasoning:   "Recurring untyped entries usually share a shape worth declaring",
		preview:     map[string]any{"untypedCount": untyped},
	}}
}

// =============================================================================
// TEXT HELPERS
// =============================================================================

var stopwords = map[string]bool{
	"about": true, "after": true, "again": true, "should": true, "their": true,
	"there": true, "these": true, "thing": true, "things": true, "those": true,
	"using": true, "where": true, "which": true, "while": true, "would": true,
	"always": true, "never": true, "because": true, "before": true, "every": true,
}

// deriveTags picks up to three distinctive words from the content.
func deriveTags(content string) []string {
	freq := map[string]int{}
	var order []string
	for _, tok := range tokenize(content) {
		if len(tok) < 5 || stopwords[tok] {
			continue
		}
		if freq[tok] == 0 {
			order = append(order, tok)
		}
		freq[tok]++
	}
	sort.SliceStable(order, func(i, j int) bool { return freq[order[i]] > freq[order[j]] })
	if len(order) > 3 {
		order = order[:3]
	}
	return order
}

// tokenize lowercases and splits on non-letter, non-digit runs.
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9')
	})
}

func jaccard(a, b []string) float64 {
	setA := map[string]bool{}
	for _, t := range a {
		setA[t] = true
	}
	setB := map[string]bool{}
	for _, t := range b {
		setB[t] = true
	}
	if len(setA) == 0 && len(setB) == 0 {
		return 1
	}
	inter := 0
	for t := range setA {
		if setB[t] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func countOverlap(a, b []string) int {
	setB := map[string]bool{}
	for _, t := range b {
		if len(t) >= 4 {
			setB[t] = true
		}
	}
	seen := map[string]bool{}
	n := 0
	for _, t := range a {
		if len(t) >= 4 && setB[t] && !seen[t] {
			seen[t] = true
			n++
		}
	}
	return n
}

func findEntry(entries []types.Entry, id string) *types.Entry {
	for i := range entries {
		if entries[i].ID == id {
			return &entries[i]
		}
	}
	return nil
}

func sortedTypeKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedQueryKeys(m map[string]int) []string {
	return sortedTypeKeys(m)
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
