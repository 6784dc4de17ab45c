package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"contextd/internal/analyzer"
	"contextd/internal/config"
	"contextd/internal/control"
	"contextd/internal/observer"
	"contextd/internal/schema"
	"contextd/internal/selfmodel"
	"contextd/internal/store"
	"contextd/internal/types"
)

type testAPI struct {
	server *Server
	store  *store.Store
	plane  *control.Plane
	cfg    *config.Config
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	dir := t.TempDir()
	logger := zap.NewNop()
	cfg := &config.Config{
		StorePath:     filepath.Join(dir, "store.json"),
		AwarenessPath: filepath.Join(dir, "awareness.json"),
		SchemaPath:    filepath.Join(dir, "schema.json"),
	}
	cfg.LM.BaseURL = "http://127.0.0.1:1"
	cfg.HTTP.Addr = "127.0.0.1:0"

	obs := observer.New(cfg.AwarenessPath, logger)
	st, err := store.New(cfg.StorePath, store.WithRecorder(obs))
	require.NoError(t, err)
	watcher := schema.NewWatcher(cfg.SchemaPath, logger)
	t.Cleanup(watcher.Close)
	an := analyzer.New(cfg.LM.BaseURL, "llama3.2", 100*time.Millisecond, false, logger)
	model := selfmodel.New(st, watcher.Catalog, obs, an, time.Hour, logger)
	plane := control.New(obs, control.Policy{PendingTTL: 7 * 24 * time.Hour}, logger)

	server := NewServer(Deps{
		Config:   cfg,
		Store:    st,
		Schema:   watcher,
		Observer: obs,
		Analyzer: an,
		Model:    model,
		Plane:    plane,
		Logger:   logger,
	})
	return &testAPI{server: server, store: st, plane: plane, cfg: cfg}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	a.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthReportsPaths(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(t, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode[map[string]string](t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, a.cfg.StorePath, body["storePath"])
	assert.Equal(t, a.cfg.LM.BaseURL, body["lmHost"])
}

func TestContextCRUDOverHTTP(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodPost, "/api/contexts", map[string]any{
		"content": "retro notes go in the wiki",
		"tags":    []string{"process"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[types.Entry](t, rec)
	assert.NotEmpty(t, created.ID)

	rec = a.do(t, http.MethodGet, "/api/contexts/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[types.Entry](t, rec)
	assert.Equal(t, "retro notes go in the wiki", got.Content)

	rec = a.do(t, http.MethodPut, "/api/contexts/"+created.ID, map[string]any{
		"content": "retro notes go in the team wiki",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = a.do(t, http.MethodDelete, "/api/contexts/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = a.do(t, http.MethodGet, "/api/contexts/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateContextRequiresContent(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(t, http.MethodPost, "/api/contexts", map[string]any{"tags": []string{"x"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnknownBodyFieldIsRejected(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(t, http.MethodPost, "/api/contexts", map[string]any{
		"content": "x",
		"bogus":   true,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSearchContexts(t *testing.T) {
	a := newTestAPI(t)
	_, err := a.store.Save("release checklist lives in docs", []string{"release"}, "", "")
	require.NoError(t, err)
	_, err = a.store.Save("lunch is at noon", nil, "", "")
	require.NoError(t, err)

	rec := a.do(t, http.MethodGet, "/api/contexts/search?q=release+checklist", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decode[[]types.Entry](t, rec)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Content, "checklist")

	rec = a.do(t, http.MethodGet, "/api/contexts/search", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSchemaRoundTrip(t *testing.T) {
	a := newTestAPI(t)

	// No schema file yet: an empty catalog, not an error.
	rec := a.do(t, http.MethodGet, "/api/schema", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	empty := decode[types.Catalog](t, rec)
	assert.Empty(t, empty.Types)

	cat := types.Catalog{Version: 1, Types: []types.SchemaType{{
		Name: "decision",
		Fields: map[string]types.FieldSpec{
			"what": {Kind: types.KindString, Required: true},
		},
	}}}
	rec = a.do(t, http.MethodPut, "/api/schema", cat)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = a.do(t, http.MethodGet, "/api/schema", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stored := decode[types.Catalog](t, rec)
	require.Len(t, stored.Types, 1)
	assert.Equal(t, "decision", stored.Types[0].Name)
}

func TestAwarenessEndpoint(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(t, http.MethodGet, "/api/awareness", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	model := decode[types.SelfModel](t, rec)
	assert.Equal(t, types.HealthSparse, model.Health)
}

func TestAnalyzeSummarize(t *testing.T) {
	a := newTestAPI(t)
	_, err := a.store.Save("we ship on Thursdays", nil, "", "")
	require.NoError(t, err)

	rec := a.do(t, http.MethodPost, "/api/analyze", map[string]any{
		"action": "summarize",
		"params": map[string]any{},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "deterministic", body["source"])
	assert.NotEmpty(t, body["result"])
}

func TestAnalyzeRejectsUnknownAction(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(t, http.MethodPost, "/api/analyze", map[string]any{"action": "divine"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPendingActionLifecycle(t *testing.T) {
	a := newTestAPI(t)
	pa, err := a.plane.Enqueue(types.Action{
		Kind:     types.ActionArchiveStale,
		EntryIDs: []string{"ctx-1"},
	}, "archive one entry", "unread", nil)
	require.NoError(t, err)

	rec := a.do(t, http.MethodGet, "/api/pending-actions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	pending := decode[[]types.PendingAction](t, rec)
	require.Len(t, pending, 1)
	assert.Equal(t, pa.ID, pending[0].ID)

	rec = a.do(t, http.MethodPost, "/api/pending-actions/"+pa.ID+"/dismiss",
		map[string]any{"reason": "keep it"})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = a.do(t, http.MethodGet, "/api/pending-actions", nil)
	pending = decode[[]types.PendingAction](t, rec)
	assert.Empty(t, pending)
}

func TestUnknownPendingActionIs404(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodPost, "/api/pending-actions/no-such-id/approve", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = a.do(t, http.MethodPost, "/api/pending-actions/no-such-id/dismiss",
		map[string]any{"reason": "gone"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListArchivedContexts(t *testing.T) {
	a := newTestAPI(t)
	kept, err := a.store.Save("active entry", nil, "", "")
	require.NoError(t, err)
	gone, err := a.store.Save("retired entry", nil, "", "")
	require.NoError(t, err)
	_, err = a.store.SetArchived(gone.ID, true)
	require.NoError(t, err)

	rec := a.do(t, http.MethodGet, "/api/contexts?archived=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	archived := decode[[]types.Entry](t, rec)
	require.Len(t, archived, 1)
	assert.Equal(t, gone.ID, archived[0].ID)

	rec = a.do(t, http.MethodGet, "/api/contexts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	active := decode[[]types.Entry](t, rec)
	require.Len(t, active, 1)
	assert.Equal(t, kept.ID, active[0].ID)
}

func TestBulkDismiss(t *testing.T) {
	a := newTestAPI(t)
	var ids []string
	for i := 0; i < 2; i++ {
		pa, err := a.plane.Enqueue(types.Action{
			Kind:     types.ActionArchiveStale,
			EntryIDs: []string{fmt.Sprintf("ctx-%d", i)},
		}, "archive", "unread", nil)
		require.NoError(t, err)
		ids = append(ids, pa.ID)
	}

	rec := a.do(t, http.MethodPost, "/api/pending-actions/bulk", map[string]any{
		"action_ids": ids,
		"decision":   "dismiss",
		"reason":     "all still useful",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	results := decode[map[string]string](t, rec)
	for _, id := range ids {
		assert.Equal(t, "dismissed", results[id])
	}

	rec = a.do(t, http.MethodPost, "/api/pending-actions/bulk", map[string]any{
		"action_ids": ids,
		"decision":   "shrug",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBubbleRoutes(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(t, http.MethodPost, "/api/bubbles", map[string]any{
		"name":        "Migration",
		"description": "postgres to sqlite move",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	group := decode[types.Group](t, rec)
	require.NotEmpty(t, group.ID)

	_, err := a.store.Save("dump taken on friday", nil, "", group.ID)
	require.NoError(t, err)

	rec = a.do(t, http.MethodGet, "/api/bubbles/"+group.ID+"/contexts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decode[[]types.Entry](t, rec)
	require.Len(t, entries, 1)

	rec = a.do(t, http.MethodDelete, "/api/bubbles/"+group.ID+"?cascade=true", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = a.do(t, http.MethodGet, "/api/bubbles/"+group.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpointServes(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Body.String())
}
