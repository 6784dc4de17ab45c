// Package selfmodel computes the runtime's description of its own store:
// identity, coverage, freshness, gaps, contradictions, and health. The
// deterministic path is pure computation over a single store load; the deep
// path adds analyzer judgments and is cached accordingly.
package selfmodel

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"contextd/internal/analyzer"
	"contextd/internal/observer"
	"contextd/internal/store"
	"contextd/internal/types"
)

// Age thresholds for freshness and gap detection.
const (
	recentWindow   = 7 * 24 * time.Hour
	staleWindow    = 90 * 24 * time.Hour
	maxStalestList = 5
	missThreshold  = 3
)

// Cache TTLs: the deterministic model is cheap and refreshed often; the
// analyzer-enriched one may take seconds and is kept for an hour.
const (
	shallowTTL = 60 * time.Second
)

// Builder computes and caches self-models.
type Builder struct {
	store    *store.Store
	catalog  func() *types.Catalog
	obs      *observer.Observer
	analyzer *analyzer.Analyzer
	logger   *zap.Logger
	deepTTL  time.Duration

	mu          sync.Mutex
	shallow     *types.SelfModel
	shallowAt   time.Time
	deep        *types.SelfModel
	deepBuiltAt time.Time
}

// New builds a self-model builder. catalog is a provider so hot-reloaded
// schemas are picked up; obs and an may be nil.
func New(s *store.Store, catalog func() *types.Catalog, obs *observer.Observer, an *analyzer.Analyzer, deepTTL time.Duration, logger *zap.Logger) *Builder {
	if catalog == nil {
		catalog = func() *types.Catalog { return nil }
	}
	if deepTTL <= 0 {
		deepTTL = time.Hour
	}
	return &Builder{
		store:    s,
		catalog:  catalog,
		obs:      obs,
		analyzer: an,
		logger:   logger,
		deepTTL:  deepTTL,
	}
}

// Invalidate drops both cached models. The improver calls this after every
// tick so the next introspection reflects the tick's mutations.
func (b *Builder) Invalidate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.shallow = nil
	b.deep = nil
}

// Build returns the current self-model, from cache when fresh. With deep
// set and an analyzer attached, contradictions come from the semantic
// check; any analyzer trouble silently degrades to the deterministic model.
func (b *Builder) Build(ctx context.Context, deep bool) (*types.SelfModel, error) {
	b.mu.Lock()
	if deep && b.deep != nil && time.Since(b.deepBuiltAt) < b.deepTTL {
		m := *b.deep
		b.mu.Unlock()
		return &m, nil
	}
	if !deep && b.shallow != nil && time.Since(b.shallowAt) < shallowTTL {
		m := *b.shallow
		b.mu.Unlock()
		return &m, nil
	}
	b.mu.Unlock()

	m, err := b.compute(ctx, deep)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	if deep {
		b.deep = m
		b.deepBuiltAt = time.Now()
	} else {
		b.shallow = m
		b.shallowAt = time.Now()
	}
	b.mu.Unlock()

	out := *m
	return &out, nil
}

func (b *Builder) compute(ctx context.Context, deep bool) (*types.SelfModel, error) {
	// Unobserved snapshot: building the model must not count as agent reads,
	// or every entry would look recently read and never go stale.
	all, groups, err := b.store.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("failed to load store: %w", err)
	}
	var entries []types.Entry
	for _, e := range all {
		if !e.Archived {
			entries = append(entries, e)
		}
	}
	cat := b.catalog()

	m := &types.SelfModel{
		GeneratedAt: types.Now(),
		Deep:        deep,
		Identity:    buildIdentity(entries, len(groups)),
		Coverage:    buildCoverage(entries, cat),
		Freshness:   buildFreshness(entries),
	}

	var summary types.Summary
	if b.obs != nil {
		summary = b.obs.Summary()
		blob := b.obs.Snapshot()
		for _, p := range blob.Pending {
			if p.Status == types.StatusPending {
				m.PendingCount++
			}
		}
		if n := len(blob.Improvements); n > 0 {
			start := n - 5
			if start < 0 {
				start = 0
			}
			m.RecentImprovements = blob.Improvements[start:]
		}
	}

	m.Gaps = buildGaps(m.Coverage, m.Freshness, summary)

	if deep && b.analyzer != nil {
		contradictions, source := b.analyzer.DetectContradictions(ctx, entries)
		m.Contradictions = contradictions
		b.logger.Debug("deep contradictions computed", zap.String("source", source))
	} else {
		m.Contradictions = analyzer.DetectOppositions(entries)
	}

	m.Health = healthVerdict(m)
	return m, nil
}

func buildIdentity(entries []types.Entry, groupCount int) types.Identity {
	id := types.Identity{
		ActiveEntries: len(entries),
		ByType:        map[string]int{},
		GroupCount:    groupCount,
	}
	for _, e := range entries {
		key := e.TypeName
		if key == "" {
			key = "untyped"
		}
		id.ByType[key]++
		if id.OldestEntry == "" || e.CreatedAt < id.OldestEntry {
			id.OldestEntry = e.CreatedAt
		}
		if e.CreatedAt > id.NewestEntry {
			id.NewestEntry = e.CreatedAt
		}
	}
	return id
}

func buildCoverage(entries []types.Entry, cat *types.Catalog) types.Coverage {
	cov := types.Coverage{TypesWithEntries: []string{}, EmptyTypes: []string{}}
	counts := map[string]int{}
	for _, e := range entries {
		if e.TypeName == "" {
			cov.UntypedEntries++
		} else {
			counts[e.TypeName]++
		}
	}
	// No catalog means nothing to cover; score is 1 by definition.
	if cat == nil || len(cat.Types) == 0 {
		cov.Score = 1
		return cov
	}
	for _, st := range cat.Types {
		if counts[st.Name] > 0 {
			cov.TypesWithEntries = append(cov.TypesWithEntries, st.Name)
		} else {
			cov.EmptyTypes = append(cov.EmptyTypes, st.Name)
		}
	}
	cov.Score = float64(len(cov.TypesWithEntries)) / float64(len(cat.Types))
	return cov
}

func buildFreshness(entries []types.Entry) types.Freshness {
	fr := types.Freshness{}
	now := time.Now()
	var stale []types.StaleEntry
	for _, e := range entries {
		updated := types.ParseTime(e.UpdatedAt)
		age := now.Sub(updated)
		if age <= recentWindow {
			fr.RecentlyUpdated++
		}
		if age > staleWindow {
			fr.StaleCount++
			stale = append(stale, types.StaleEntry{ID: e.ID, Content: clip(e.Content, 80), UpdatedAt: e.UpdatedAt})
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].UpdatedAt < stale[j].UpdatedAt })
	if len(stale) > maxStalestList {
		stale = stale[:maxStalestList]
	}
	fr.Stalest = stale
	if len(entries) == 0 {
		fr.Score = 1
	} else {
		fr.Score = float64(fr.RecentlyUpdated) / float64(len(entries))
	}
	return fr
}

func buildGaps(cov types.Coverage, fr types.Freshness, summary types.Summary) []types.Gap {
	var gaps []types.Gap
	for _, t := range cov.EmptyTypes {
		gaps = append(gaps, types.Gap{
			Description: fmt.Sprintf("Type %q has no entries", t),
			Severity:    types.SeverityWarning,
			Suggestion:  fmt.Sprintf("Save a %s entry or remove the type from the schema", t),
		})
	}
	for _, q := range sortedQueries(summary.MissedQueries) {
		if summary.MissedQueries[q] < missThreshold {
			continue
		}
		gaps = append(gaps, types.Gap{
			Description: fmt.Sprintf("Query %q missed %d times with no matching context", q, summary.MissedQueries[q]),
			Severity:    types.SeverityWarning,
			Suggestion:  "Add context covering this topic",
		})
	}
	if fr.StaleCount > 0 {
		gaps = append(gaps, types.Gap{
			Description: fmt.Sprintf("%d entries have not been updated in over 90 days", fr.StaleCount),
			Severity:    types.SeverityInfo,
			Suggestion:  "Review the stalest entries for relevance",
		})
	}
	return gaps
}

func sortedQueries(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func healthVerdict(m *types.SelfModel) string {
	if m.Identity.ActiveEntries < 5 {
		return types.HealthSparse
	}
	if (m.Coverage.Score+m.Freshness.Score)/2 >= 0.7 {
		return types.HealthHealthy
	}
	return types.HealthNeedsAttention
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

// =============================================================================
// RENDERING
// =============================================================================

// Render emits the fixed human-readable form of the model. This is the text
// the introspect tool returns to agents.
func Render(m *types.SelfModel) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Self-model of the context store (generated %s)\n", m.GeneratedAt)
	fmt.Fprintf(&sb, "Health: %s\n", m.Health)

	fmt.Fprintf(&sb, "\nIdentity\n")
	fmt.Fprintf(&sb, "  %d active entries across %d bubbles\n", m.Identity.ActiveEntries, m.Identity.GroupCount)
	for _, t := range sortedQueries(m.Identity.ByType) {
		fmt.Fprintf(&sb, "  %s: %d\n", t, m.Identity.ByType[t])
	}
	if m.Identity.OldestEntry != "" {
		fmt.Fprintf(&sb, "  oldest %s, newest %s\n", m.Identity.OldestEntry, m.Identity.NewestEntry)
	}

	fmt.Fprintf(&sb, "\nCoverage: %.0f%%", m.Coverage.Score*100)
	if len(m.Coverage.EmptyTypes) > 0 {
		fmt.Fprintf(&sb, " (empty types: %s)", strings.Join(m.Coverage.EmptyTypes, ", "))
	}
	fmt.Fprintf(&sb, "\nFreshness: %.0f%% (%d updated in the last week, %d stale)\n",
		m.Freshness.Score*100, m.Freshness.RecentlyUpdated, m.Freshness.StaleCount)

	if len(m.Gaps) > 0 {
		fmt.Fprintf(&sb, "\nGaps\n")
		for _, g := range m.Gaps {
			marker := "ℹ"
			if g.Severity == types.SeverityWarning {
				marker = "⚠"
			}
			fmt.Fprintf(&sb, "  %s %s", marker, g.Description)
			if g.Suggestion != "" {
				fmt.Fprintf(&sb, " — %s", g.Suggestion)
			}
			sb.WriteString("\n")
		}
	}

	if len(m.Contradictions) > 0 {
		fmt.Fprintf(&sb, "\nContradictions\n")
		for _, c := range m.Contradictions {
			fmt.Fprintf(&sb, "  ⚠ %s vs %s: %s\n", c.EntryA, c.EntryB, c.Explanation)
		}
	}

	if m.PendingCount > 0 {
		fmt.Fprintf(&sb, "\n%d improvement action(s) awaiting approval\n", m.PendingCount)
	}
	if len(m.RecentImprovements) > 0 {
		fmt.Fprintf(&sb, "\nRecent improvements\n")
		for _, rec := range m.RecentImprovements {
			var parts []string
			for _, ac := range rec.Actions {
				parts = append(parts, fmt.Sprintf("%s×%d", ac.Type, ac.Count))
			}
			fmt.Fprintf(&sb, "  %s: %s\n", rec.Timestamp, strings.Join(parts, ", "))
		}
	}

	return sb.String()
}
