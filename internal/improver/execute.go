package improver

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"contextd/internal/store"
	"contextd/internal/types"
)

// Execute applies one action to the store and returns how many targets it
// touched. It satisfies the control plane's executor, so both auto-executed
// and approved actions flow through the same code.
func (imp *Improver) Execute(ctx context.Context, a types.Action) (int, error) {
	switch a.Kind {
	case types.ActionAutoTag:
		return imp.execAutoTag(a)
	case types.ActionMergeDuplicates:
		return imp.execMergeDuplicates(a)
	case types.ActionPromoteToType:
		return imp.execPromoteToType(a)
	case types.ActionArchiveStale:
		return imp.execArchiveStale(a)
	case types.ActionCreateGapStubs:
		return imp.execCreateGapStubs(a)
	case types.ActionResolveContradiction:
		return imp.execResolveContradictions(a)
	case types.ActionSuggestSchema:
		return imp.execSuggestSchema(ctx)
	default:
		return 0, fmt.Errorf("unknown action kind %q", a.Kind)
	}
}

func (imp *Improver) execAutoTag(a types.Action) (int, error) {
	count := 0
	for _, id := range a.EntryIDs {
		e, err := imp.store.Peek(id)
		if err != nil {
			imp.logger.Debug("auto-tag target gone", zap.String("id", id))
			continue
		}
		if len(e.Tags) > 0 {
			continue
		}
		tags := deriveTags(e.Content)
		if len(tags) == 0 {
			continue
		}
		if _, err := imp.store.Update(id, store.UpdateRequest{Tags: tags}); err != nil {
			return count, fmt.Errorf("failed to tag %s: %w", id, err)
		}
		count++
	}
	return count, nil
}

// execMergeDuplicates folds each pair into its newer entry: differing content
// is concatenated, tags are merged in, and the older entry is archived. The
// loop never deletes; the user can still find the absorbed entry in the
// archive list.
func (imp *Improver) execMergeDuplicates(a types.Action) (int, error) {
	count := 0
	for _, pair := range a.Pairs {
		first, err := imp.store.Peek(pair[0])
		if err != nil {
			continue
		}
		second, err := imp.store.Peek(pair[1])
		if err != nil {
			continue
		}
		keep, absorb := first, second
		if second.UpdatedAt > first.UpdatedAt {
			keep, absorb = second, first
		}
		if absorb.Archived {
			continue
		}
		req := store.UpdateRequest{}
		if merged := mergeTags(keep.Tags, absorb.Tags); len(merged) != len(keep.Tags) {
			req.Tags = merged
		}
		if !strings.EqualFold(strings.TrimSpace(keep.Content), strings.TrimSpace(absorb.Content)) {
			combined := keep.Content + "\n" + absorb.Content
			req.Content = &combined
		}
		if req.Tags != nil || req.Content != nil {
			if _, err := imp.store.Update(keep.ID, req); err != nil {
				return count, fmt.Errorf("failed to merge into %s: %w", keep.ID, err)
			}
		}
		if _, err := imp.store.SetArchived(absorb.ID, true); err != nil {
			return count, fmt.Errorf("failed to archive duplicate %s: %w", absorb.ID, err)
		}
		count++
	}
	return count, nil
}

func (imp *Improver) execPromoteToType(a types.Action) (int, error) {
	if a.TypeName == "" {
		return 0, fmt.Errorf("promote action carries no type name")
	}
	count := 0
	for _, id := range a.EntryIDs {
		e, err := imp.store.Peek(id)
		if err != nil || e.TypeName != "" {
			continue
		}
		if _, err := imp.store.SetType(id, a.TypeName); err != nil {
			return count, fmt.Errorf("failed to promote %s: %w", id, err)
		}
		count++
	}
	return count, nil
}

func (imp *Improver) execArchiveStale(a types.Action) (int, error) {
	count := 0
	for _, id := range a.EntryIDs {
		e, err := imp.store.Peek(id)
		if err != nil || e.Archived {
			continue
		}
		if _, err := imp.store.SetArchived(id, true); err != nil {
			return count, fmt.Errorf("failed to archive %s: %w", id, err)
		}
		count++
	}
	return count, nil
}

// execCreateGapStubs saves a visible placeholder per missed query so the
// user sees what agents keep looking for.
func (imp *Improver) execCreateGapStubs(a types.Action) (int, error) {
	entries, err := imp.activeEntries()
	if err != nil {
		return 0, err
	}
	misses := imp.obs.MissedQueries()
	count := 0
	for _, q := range a.Queries {
		if gapStubExists(entries, q) {
			continue
		}
		n := misses[q]
		if n < missThreshold {
			continue
		}
		content := fmt.Sprintf("[GAP] Agents have searched for %q %d times but no context exists.", q, n)
		stub, err := imp.store.Save(content, []string{"gap", "needs-input"}, "self-improvement", "")
		if err != nil {
			return count, fmt.Errorf("failed to create gap stub for %q: %w", q, err)
		}
		entries = append(entries, *stub)
		count++
	}
	return count, nil
}

// execResolveContradictions archives the older half of each pair. Pairs
// whose entries changed since the scan simply resolve to nothing.
func (imp *Improver) execResolveContradictions(a types.Action) (int, error) {
	count := 0
	for _, c := range a.Contradictions {
		first, err := imp.store.Peek(c.EntryA)
		if err != nil {
			continue
		}
		second, err := imp.store.Peek(c.EntryB)
		if err != nil {
			continue
		}
		older := first
		if second.UpdatedAt < first.UpdatedAt {
			older = second
		}
		if older.Archived {
			continue
		}
		if _, err := imp.store.SetArchived(older.ID, true); err != nil {
			return count, fmt.Errorf("failed to archive %s: %w", older.ID, err)
		}
		count++
	}
	return count, nil
}

// execSuggestSchema computes suggestions now, after policy cleared the
// action, and records each one as a tagged entry. The catalog file itself is
// never written; adopting a suggestion is the user's move.
func (imp *Improver) execSuggestSchema(ctx context.Context) (int, error) {
	entries, err := imp.activeEntries()
	if err != nil {
		return 0, err
	}
	suggestions, source := imp.analyzer.SuggestSchema(ctx, entries)
	count := 0
	for _, s := range suggestions {
		var fields []string
		for _, f := range s.Fields {
			fields = append(fields, fmt.Sprintf("%s (%s)", f.Name, f.Type))
		}
		content := fmt.Sprintf("Schema suggestion: type %q with fields %s. %s",
			s.TypeName, strings.Join(fields, ", "), s.Description)
		if duplicateSuggestion(entries, s.TypeName) {
			continue
		}
		if _, err := imp.store.Save(content, []string{"schema-suggestion"}, "self-improvement", ""); err != nil {
			return count, fmt.Errorf("failed to record suggestion %q: %w", s.TypeName, err)
		}
		count++
	}
	imp.logger.Info("schema suggestions recorded",
		zap.Int("count", count), zap.String("source", source))
	return count, nil
}

func duplicateSuggestion(entries []types.Entry, typeName string) bool {
	needle := fmt.Sprintf("type %q", typeName)
	for _, e := range entries {
		if e.HasTag("schema-suggestion") && strings.Contains(e.Content, needle) {
			return true
		}
	}
	return false
}

func mergeTags(a, b []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, t := range append(append([]string{}, a...), b...) {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}
