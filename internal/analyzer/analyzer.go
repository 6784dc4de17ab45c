// Package analyzer provides language-model-assisted judgments over context
// entries with a deterministic fallback for every method. The analyzer never
// returns an error to callers: the LM is an enhancement, not a dependency.
package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"contextd/internal/types"
)

// Result sources reported to callers.
const (
	SourceLM            = "lm"
	SourceDeterministic = "deterministic"
)

// Per-method input bounds keep LM cost predictable.
const (
	maxContradictionBucket = 50
	maxSuggestEntries      = 30
	maxRankEntries         = 20
)

// RankedEntry pairs an entry with its relevance score for a query.
type RankedEntry struct {
	Entry types.Entry `json:"entry"`
	Score float64     `json:"score"`
}

// Analyzer runs the four analysis methods.
type Analyzer struct {
	client  *ollamaClient
	enabled bool
	logger  *zap.Logger

	// Availability is probed once per process: list models, confirm the
	// configured one is present, cache the verdict either way.
	probeOnce sync.Once
	available bool
}

// New builds an analyzer. With enabled=false every method goes straight to
// its deterministic fallback.
func New(baseURL, model string, timeout time.Duration, enabled bool, logger *zap.Logger) *Analyzer {
	return &Analyzer{
		client:  newOllamaClient(baseURL, model, timeout),
		enabled: enabled,
		logger:  logger,
	}
}

// Available reports whether the LM path is usable, probing on first call.
func (a *Analyzer) Available(ctx context.Context) bool {
	if !a.enabled {
		return false
	}
	a.probeOnce.Do(func() {
		a.available = a.client.HasModel(ctx)
		if !a.available {
			a.logger.Info("language model unavailable, using deterministic analysis",
				zap.String("endpoint", a.client.baseURL), zap.String("model", a.client.model))
		}
	})
	return a.available
}

// =============================================================================
// CONTRADICTIONS
// =============================================================================

type contradictionVerdict struct {
	Contradicts bool   `json:"contradicts"`
	Explanation string `json:"explanation"`
}

// DetectContradictions finds same-type entry pairs in semantic tension.
// Buckets are capped at the most recently updated entries; pairs whose LM
// response fails to parse are skipped rather than guessed.
func (a *Analyzer) DetectContradictions(ctx context.Context, entries []types.Entry) ([]types.Contradiction, string) {
	if !a.Available(ctx) {
		return DetectOppositions(entries), SourceDeterministic
	}

	buckets := bucketByType(entries)
	var out []types.Contradiction
	for _, typeName := range sortedKeys(buckets) {
		bucket := buckets[typeName]
		sort.Slice(bucket, func(i, j int) bool { return bucket[i].UpdatedAt > bucket[j].UpdatedAt })
		if len(bucket) > maxContradictionBucket {
			bucket = bucket[:maxContradictionBucket]
		}
		for i := 0; i < len(bucket); i++ {
			for j := i + 1; j < len(bucket); j++ {
				prompt := fmt.Sprintf(
					"Two notes of type %q:\nA: %s\nB: %s\n"+
						"Do they contradict each other? Answer with one JSON object: "+
						`{"contradicts": true|false, "explanation": "one line"}`,
					typeName, bucket[i].Content, bucket[j].Content)
				resp, err := a.client.Generate(ctx, prompt)
				if err != nil {
					a.logger.Debug("contradiction check fell back", zap.Error(err))
					return DetectOppositions(entries), SourceDeterministic
				}
				var verdict contradictionVerdict
				raw := firstJSONValue(resp)
				if raw == "" || json.Unmarshal([]byte(raw), &verdict) != nil {
					continue
				}
				if verdict.Contradicts {
					out = append(out, types.Contradiction{
						EntryA:      bucket[i].ID,
						EntryB:      bucket[j].ID,
						TypeName:    typeName,
						Explanation: verdict.Explanation,
					})
				}
			}
		}
	}
	return out, SourceLM
}

// =============================================================================
// SCHEMA SUGGESTION
// =============================================================================

// SuggestSchema proposes up to three catalog types from untyped entries.
// Fewer than three entries is too little signal; the result is empty.
func (a *Analyzer) SuggestSchema(ctx context.Context, entries []types.Entry) ([]types.SchemaSuggestion, string) {
	untyped := make([]types.Entry, 0, len(entries))
	for _, e := range entries {
		if !e.Archived && e.TypeName == "" {
			untyped = append(untyped, e)
		}
	}
	if len(untyped) < 3 {
		return nil, SourceDeterministic
	}
	if len(untyped) > maxSuggestEntries {
		untyped = untyped[:maxSuggestEntries]
	}

	if !a.Available(ctx) {
		return suggestByTags(untyped), SourceDeterministic
	}

	var sb strings.Builder
	for _, e := range untyped {
		fmt.Fprintf(&sb, "- %s\n", e.Content)
	}
	prompt := fmt.Sprintf(
		"These notes have no declared type:\n%s\n"+
			"Propose at most 3 context types for them. Answer with a JSON array of "+
			`{"typeName": "...", "description": "...", "fields": [{"name": "...", "type": "string", "description": "..."}]}`,
		sb.String())

	resp, err := a.client.Generate(ctx, prompt)
	if err != nil {
		a.logger.Debug("schema suggestion fell back", zap.Error(err))
		return suggestByTags(untyped), SourceDeterministic
	}
	var suggestions []types.SchemaSuggestion
	raw := firstJSONValue(resp)
	if raw == "" || json.Unmarshal([]byte(raw), &suggestions) != nil {
		return suggestByTags(untyped), SourceDeterministic
	}
	if len(suggestions) > 3 {
		suggestions = suggestions[:3]
	}
	return suggestions, SourceLM
}

// =============================================================================
// SUMMARIZATION
// =============================================================================

// Summarize renders a digest of the entries, optionally steered by a focus
// hint. The LM text is returned as-is.
func (a *Analyzer) Summarize(ctx context.Context, entries []types.Entry, focus string) (string, string) {
	if !a.Available(ctx) {
		return digest(entries, focus), SourceDeterministic
	}

	var sb strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&sb, "- [%s] %s\n", e.TypeName, e.Content)
	}
	prompt := fmt.Sprintf("Summarize these context notes in a short paragraph:\n%s", sb.String())
	if focus != "" {
		prompt += fmt.Sprintf("\nFocus on: %s", focus)
	}

	resp, err := a.client.Generate(ctx, prompt)
	if err != nil {
		a.logger.Debug("summarization fell back", zap.Error(err))
		return digest(entries, focus), SourceDeterministic
	}
	return strings.TrimSpace(resp), SourceLM
}

// =============================================================================
// RELEVANCE RANKING
// =============================================================================

// RankByRelevance orders entries by relevance to the query. The LM path
// asks for an ordered ID list; entries it does not mention score zero and
// sort last. The fallback scores by normalized term overlap.
func (a *Analyzer) RankByRelevance(ctx context.Context, query string, entries []types.Entry) ([]RankedEntry, string) {
	if len(entries) > maxRankEntries {
		entries = entries[:maxRankEntries]
	}

	if !a.Available(ctx) {
		return rankByOverlap(query, entries), SourceDeterministic
	}

	var sb strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&sb, "%s: %s\n", e.ID, e.Content)
	}
	prompt := fmt.Sprintf(
		"Rank these notes by relevance to the query %q, most relevant first.\n%s\n"+
			"Answer with a JSON array of note IDs.", query, sb.String())

	resp, err := a.client.Generate(ctx, prompt)
	if err != nil {
		a.logger.Debug("ranking fell back", zap.Error(err))
		return rankByOverlap(query, entries), SourceDeterministic
	}
	var ids []string
	raw := firstJSONValue(resp)
	if raw == "" || json.Unmarshal([]byte(raw), &ids) != nil {
		return rankByOverlap(query, entries), SourceDeterministic
	}

	rank := map[string]int{}
	for i, id := range ids {
		if _, dup := rank[id]; !dup {
			rank[id] = i
		}
	}
	out := make([]RankedEntry, 0, len(entries))
	for _, e := range entries {
		score := 0.0
		if pos, ok := rank[e.ID]; ok {
			score = float64(len(ids)-pos) / float64(len(ids))
		}
		out = append(out, RankedEntry{Entry: e, Score: score})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, SourceLM
}

func rankByOverlap(query string, entries []types.Entry) []RankedEntry {
	out := make([]RankedEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, RankedEntry{Entry: e, Score: overlapScore(query, e)})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}
