package analyzer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"contextd/internal/types"
)

func TestDetectOppositionsFlagsSplitPair(t *testing.T) {
	entries := []types.Entry{
		{ID: "ctx-a", TypeName: "preference", Content: "Always use feature branches for changes"},
		{ID: "ctx-b", TypeName: "preference", Content: "Never use feature branches, commit to main"},
	}
	out := DetectOppositions(entries)
	require.Len(t, out, 1)
	assert.Equal(t, "ctx-a", out[0].EntryA)
	assert.Equal(t, "ctx-b", out[0].EntryB)
	assert.Equal(t, "preference", out[0].TypeName)
}

func TestDetectOppositionsIgnoresDifferentTypesAndArchived(t *testing.T) {
	entries := []types.Entry{
		{ID: "ctx-a", TypeName: "preference", Content: "prefer composition"},
		{ID: "ctx-b", TypeName: "decision", Content: "we chose inheritance here"},
		{ID: "ctx-c", TypeName: "preference", Content: "inheritance everywhere", Archived: true},
		{ID: "ctx-d", Content: "untyped note about inheritance"},
	}
	assert.Empty(t, DetectOppositions(entries))
}

func TestDetectOppositionsSameSideNoFlag(t *testing.T) {
	entries := []types.Entry{
		{ID: "ctx-a", TypeName: "preference", Content: "always run the linter"},
		{ID: "ctx-b", TypeName: "preference", Content: "always write tests"},
	}
	assert.Empty(t, DetectOppositions(entries))
}

func TestSuggestByTagsNeedsThreePerGroup(t *testing.T) {
	entries := []types.Entry{
		{ID: "1", Tags: []string{"meeting"}},
		{ID: "2", Tags: []string{"meeting"}},
		{ID: "3", Tags: []string{"meeting"}},
		{ID: "4", Tags: []string{"idea"}},
		{ID: "5"},
	}
	out := suggestByTags(entries)
	require.Len(t, out, 1)
	assert.Equal(t, "meeting", out[0].TypeName)
	require.Len(t, out[0].Fields, 1)
	assert.Equal(t, "text", out[0].Fields[0].Name)
}

func TestDigest(t *testing.T) {
	assert.Equal(t, "No entries to summarize.", digest(nil, ""))

	entries := []types.Entry{
		{TypeName: "decision", UpdatedAt: "2026-01-01T00:00:00Z"},
		{TypeName: "decision", UpdatedAt: "2026-03-01T00:00:00Z"},
		{UpdatedAt: "2026-02-01T00:00:00Z"},
	}
	out := digest(entries, "")
	assert.Contains(t, out, "3 entries")
	assert.Contains(t, out, "2 of type decision")
	assert.Contains(t, out, "1 of type untyped")
	assert.Contains(t, out, "2026-03-01T00:00:00Z")
}

func TestOverlapScore(t *testing.T) {
	e := types.Entry{Content: "postgres runs on staging", Tags: []string{"infra"}, TypeName: "fact"}
	assert.Equal(t, 1.0, overlapScore("postgres staging", e))
	assert.Equal(t, 0.5, overlapScore("postgres production", e))
	assert.Equal(t, 0.0, overlapScore("", e))
	// Tags and type name count toward the haystack.
	assert.Equal(t, 1.0, overlapScore("infra fact", e))
}

func TestRankByOverlapOrdersByScore(t *testing.T) {
	entries := []types.Entry{
		{ID: "low", Content: "nothing relevant"},
		{ID: "high", Content: "deployment uses blue-green rollouts"},
	}
	ranked := rankByOverlap("deployment rollouts", entries)
	require.Len(t, ranked, 2)
	assert.Equal(t, "high", ranked[0].Entry.ID)
	assert.Greater(t, ranked[0].Score, ranked[1].Score)
}

func TestFirstJSONValue(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{`{"a":1}`, `{"a":1}`},
		{"Sure! Here you go: {\"contradicts\": true} hope that helps", `{"contradicts": true}`},
		{`[1,2,[3]] trailing`, `[1,2,[3]]`},
		{`{"s":"brace } inside"}`, `{"s":"brace } inside"}`},
		{`{"s":"escaped \" quote"}`, `{"s":"escaped \" quote"}`},
		{`no json here`, ""},
		{`{"unterminated":`, ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, firstJSONValue(tc.in), tc.in)
	}
}
