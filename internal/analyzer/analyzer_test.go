package analyzer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"contextd/internal/types"
)

// fakeOllama serves the two endpoints the client uses, answering every
// generate call with the given response text.
func fakeOllama(t *testing.T, model, response string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"models": []map[string]string{{"name": model}},
		})
	})
	mux.HandleFunc("/api/generate", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"response": response})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestAvailableProbesModelPresence(t *testing.T) {
	srv := fakeOllama(t, "llama3.2", "")
	a := New(srv.URL, "llama3.2", time.Second, true, zap.NewNop())
	assert.True(t, a.Available(context.Background()))

	missing := New(srv.URL, "other-model", time.Second, true, zap.NewNop())
	assert.False(t, missing.Available(context.Background()))

	disabled := New(srv.URL, "llama3.2", time.Second, false, zap.NewNop())
	assert.False(t, disabled.Available(context.Background()))
}

func TestAvailableFalseWhenServerDown(t *testing.T) {
	a := New("http://127.0.0.1:1", "llama3.2", 100*time.Millisecond, true, zap.NewNop())
	assert.False(t, a.Available(context.Background()))
}

func TestDetectContradictionsLMPath(t *testing.T) {
	srv := fakeOllama(t, "llama3.2",
		`The notes disagree. {"contradicts": true, "explanation": "opposite retention policies"}`)
	a := New(srv.URL, "llama3.2", time.Second, true, zap.NewNop())

	entries := []types.Entry{
		{ID: "ctx-a", TypeName: "policy", Content: "keep logs 30 days", UpdatedAt: "2026-01-02T00:00:00Z"},
		{ID: "ctx-b", TypeName: "policy", Content: "keep logs forever", UpdatedAt: "2026-01-01T00:00:00Z"},
	}
	out, source := a.DetectContradictions(context.Background(), entries)
	assert.Equal(t, SourceLM, source)
	require.Len(t, out, 1)
	assert.Equal(t, "opposite retention policies", out[0].Explanation)
}

func TestDetectContradictionsUnparseableVerdictSkipsPair(t *testing.T) {
	srv := fakeOllama(t, "llama3.2", "I cannot answer in JSON, sorry")
	a := New(srv.URL, "llama3.2", time.Second, true, zap.NewNop())

	entries := []types.Entry{
		{ID: "ctx-a", TypeName: "policy", Content: "first"},
		{ID: "ctx-b", TypeName: "policy", Content: "second"},
	}
	out, source := a.DetectContradictions(context.Background(), entries)
	assert.Equal(t, SourceLM, source)
	assert.Empty(t, out)
}

func TestDetectContradictionsFallsBackWhenUnavailable(t *testing.T) {
	a := New("http://127.0.0.1:1", "llama3.2", 100*time.Millisecond, true, zap.NewNop())
	entries := []types.Entry{
		{ID: "ctx-a", TypeName: "preference", Content: "always squash commits"},
		{ID: "ctx-b", TypeName: "preference", Content: "never squash commits"},
	}
	out, source := a.DetectContradictions(context.Background(), entries)
	assert.Equal(t, SourceDeterministic, source)
	assert.Len(t, out, 1)
}

func TestSuggestSchemaNeedsThreeUntyped(t *testing.T) {
	a := New("http://127.0.0.1:1", "llama3.2", 100*time.Millisecond, false, zap.NewNop())
	out, source := a.SuggestSchema(context.Background(), []types.Entry{
		{ID: "1"}, {ID: "2"},
	})
	assert.Empty(t, out)
	assert.Equal(t, SourceDeterministic, source)
}

func TestSuggestSchemaLMPathCapsAtThree(t *testing.T) {
	srv := fakeOllama(t, "llama3.2",
		`[{"typeName":"a"},{"typeName":"b"},{"typeName":"c"},{"typeName":"d"}]`)
	a := New(srv.URL, "llama3.2", time.Second, true, zap.NewNop())

	entries := []types.Entry{{ID: "1"}, {ID: "2"}, {ID: "3"}}
	out, source := a.SuggestSchema(context.Background(), entries)
	assert.Equal(t, SourceLM, source)
	assert.Len(t, out, 3)
}

func TestSummarizeFallback(t *testing.T) {
	a := New("", "llama3.2", time.Second, false, zap.NewNop())
	out, source := a.Summarize(context.Background(), []types.Entry{
		{TypeName: "fact", UpdatedAt: "2026-01-01T00:00:00Z"},
	}, "")
	assert.Equal(t, SourceDeterministic, source)
	assert.Contains(t, out, "1 entries")
}

func TestRankByRelevanceLMPath(t *testing.T) {
	srv := fakeOllama(t, "llama3.2", `["ctx-b", "ctx-a"]`)
	a := New(srv.URL, "llama3.2", time.Second, true, zap.NewNop())

	entries := []types.Entry{
		{ID: "ctx-a", Content: "first"},
		{ID: "ctx-b", Content: "second"},
		{ID: "ctx-c", Content: "unmentioned"},
	}
	ranked, source := a.RankByRelevance(context.Background(), "query", entries)
	assert.Equal(t, SourceLM, source)
	require.Len(t, ranked, 3)
	assert.Equal(t, "ctx-b", ranked[0].Entry.ID)
	assert.Equal(t, 1.0, ranked[0].Score)
	assert.Equal(t, "ctx-a", ranked[1].Entry.ID)
	assert.Equal(t, 0.5, ranked[1].Score)
	// Entries the model never mentioned score zero and sort last.
	assert.Equal(t, "ctx-c", ranked[2].Entry.ID)
	assert.Equal(t, 0.0, ranked[2].Score)
}
