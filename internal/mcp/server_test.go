package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"contextd/internal/analyzer"
	"contextd/internal/control"
	"contextd/internal/observer"
	"contextd/internal/selfmodel"
	"contextd/internal/store"
	"contextd/internal/types"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	logger := zap.NewNop()
	obs := observer.New(filepath.Join(dir, "awareness.json"), logger)
	st, err := store.New(filepath.Join(dir, "store.json"), store.WithRecorder(obs))
	require.NoError(t, err)

	cat := &types.Catalog{Version: 1, Types: []types.SchemaType{{
		Name:        "decision",
		Description: "a decision that was made",
		Fields: map[string]types.FieldSpec{
			"what": {Kind: types.KindString, Required: true},
			"why":  {Kind: types.KindString, Required: true},
		},
	}}}

	an := analyzer.New("http://127.0.0.1:1", "llama3.2", 100*time.Millisecond, false, logger)
	model := selfmodel.New(st, func() *types.Catalog { return cat }, obs, an, time.Hour, logger)
	plane := control.New(obs, control.Policy{PendingTTL: 7 * 24 * time.Hour}, logger)

	return NewServer(Deps{
		Store:    st,
		Catalog:  func() *types.Catalog { return cat },
		Observer: obs,
		Analyzer: an,
		Model:    model,
		Plane:    plane,
		Logger:   logger,
	})
}

// exchange feeds one request line per message and returns the decoded
// response lines in order.
func exchange(t *testing.T, s *Server, messages ...string) []jsonRPCResponse {
	t.Helper()
	var out bytes.Buffer
	input := strings.Join(messages, "\n") + "\n"
	require.NoError(t, s.Serve(context.Background(), strings.NewReader(input), &out))

	var responses []jsonRPCResponse
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if line == "" {
			continue
		}
		var resp jsonRPCResponse
		require.NoError(t, json.Unmarshal([]byte(line), &resp))
		responses = append(responses, resp)
	}
	return responses
}

// callText runs a single tools/call and returns the concatenated text
// content plus the error flag.
func callText(t *testing.T, s *Server, tool string, args map[string]any) (string, bool) {
	t.Helper()
	params, err := json.Marshal(map[string]any{"name": tool, "arguments": args})
	require.NoError(t, err)
	responses := exchange(t, s,
		fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":%s}`, params))
	require.Len(t, responses, 1)
	require.Nil(t, responses[0].Error)

	raw, err := json.Marshal(responses[0].Result)
	require.NoError(t, err)
	var result toolResult
	require.NoError(t, json.Unmarshal(raw, &result))

	var sb strings.Builder
	for _, block := range result.Content {
		assert.Equal(t, "text", block.Type)
		sb.WriteString(block.Text)
	}
	return sb.String(), result.IsError
}

func TestInitializeHandshake(t *testing.T) {
	s := newTestServer(t)
	responses := exchange(t, s,
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`)

	// The notification gets no response line.
	require.Len(t, responses, 1)
	raw, err := json.Marshal(responses[0].Result)
	require.NoError(t, err)
	var init initializeResult
	require.NoError(t, json.Unmarshal(raw, &init))
	assert.Equal(t, protocolVersion, init.ProtocolVersion)
	assert.Equal(t, serverName, init.ServerInfo.Name)
	assert.Contains(t, init.Instructions, "recall_context")
}

func TestToolsListCoversEveryHandler(t *testing.T) {
	s := newTestServer(t)
	responses := exchange(t, s, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	require.Len(t, responses, 1)

	raw, err := json.Marshal(responses[0].Result)
	require.NoError(t, err)
	var list toolsListResult
	require.NoError(t, json.Unmarshal(raw, &list))

	require.Len(t, list.Tools, len(handlers))
	for _, spec := range list.Tools {
		assert.Contains(t, handlers, spec.Name)
		assert.NotEmpty(t, spec.Description, spec.Name)
		assert.Equal(t, "object", spec.InputSchema["type"], spec.Name)
	}
}

func TestUnknownMethodGetsProtocolError(t *testing.T) {
	s := newTestServer(t)
	responses := exchange(t, s, `{"jsonrpc":"2.0","id":3,"method":"resources/list"}`)
	require.Len(t, responses, 1)
	require.NotNil(t, responses[0].Error)
	assert.Equal(t, -32601, responses[0].Error.Code)
}

func TestSaveAndRecallRoundTrip(t *testing.T) {
	s := newTestServer(t)
	saved, isErr := callText(t, s, "save_context", map[string]any{
		"content": "we deploy from the main branch only",
		"tags":    []any{"deployment"},
	})
	require.False(t, isErr)
	assert.Contains(t, saved, "Saved context ctx-")

	recalled, isErr := callText(t, s, "recall_context", map[string]any{"query": "deploy"})
	require.False(t, isErr)
	assert.Contains(t, recalled, "main branch")
	assert.Contains(t, recalled, "deployment")
}

func TestSaveTypedContextReportsValidationIssues(t *testing.T) {
	s := newTestServer(t)
	text, isErr := callText(t, s, "save_typed_context", map[string]any{
		"typeName": "decision",
		"data":     map[string]any{"what": "use chi for routing"},
	})
	require.False(t, isErr)
	assert.Contains(t, text, "validation issues")
	assert.Contains(t, text, `Required field "why" is missing`)

	// The entry is persisted despite the issue.
	listed, _ := callText(t, s, "list_contexts", map[string]any{})
	assert.Contains(t, listed, "use chi for routing")
}

func TestListContextsArchivedFlag(t *testing.T) {
	s := newTestServer(t)
	_, err := s.deps.Store.Save("still in play", nil, "", "")
	require.NoError(t, err)
	retired, err := s.deps.Store.Save("out of rotation", nil, "", "")
	require.NoError(t, err)
	_, err = s.deps.Store.SetArchived(retired.ID, true)
	require.NoError(t, err)

	active, isErr := callText(t, s, "list_contexts", map[string]any{})
	require.False(t, isErr)
	assert.Contains(t, active, "still in play")
	assert.NotContains(t, active, "out of rotation")

	archived, isErr := callText(t, s, "list_contexts", map[string]any{"archived": true})
	require.False(t, isErr)
	assert.Contains(t, archived, "out of rotation")
	assert.NotContains(t, archived, "still in play")
}

func TestIntrospectOnColdStore(t *testing.T) {
	s := newTestServer(t)
	text, isErr := callText(t, s, "introspect", map[string]any{})
	require.False(t, isErr)
	assert.Contains(t, text, "sparse")
}

func TestMissingArgumentIsToolError(t *testing.T) {
	s := newTestServer(t)
	text, isErr := callText(t, s, "save_context", map[string]any{})
	assert.True(t, isErr)
	assert.Contains(t, text, `missing required argument "content"`)
}

func TestUnknownToolIsToolError(t *testing.T) {
	s := newTestServer(t)
	text, isErr := callText(t, s, "no_such_tool", map[string]any{})
	assert.True(t, isErr)
	assert.Contains(t, text, "unknown tool")
}

func TestBubbleLifecycleOverProtocol(t *testing.T) {
	s := newTestServer(t)
	created, isErr := callText(t, s, "create_bubble", map[string]any{
		"bubbleId": "sprint-12",
		"name":     "Sprint 12",
	})
	require.False(t, isErr)
	assert.Contains(t, created, "sprint-12")

	saved, _ := callText(t, s, "save_context", map[string]any{"content": "standup moved to 10am"})
	id := strings.TrimPrefix(strings.TrimSpace(saved), "Saved context ")

	assigned, isErr := callText(t, s, "assign_context_to_bubble", map[string]any{
		"contextId": id,
		"bubbleId":  "sprint-12",
	})
	require.False(t, isErr)
	assert.Contains(t, assigned, "sprint-12")

	listed, _ := callText(t, s, "list_bubbles", map[string]any{})
	assert.Contains(t, listed, "Sprint 12 (1 entries)")
}

func TestReviewApproveDismissFlow(t *testing.T) {
	s := newTestServer(t)
	none, isErr := callText(t, s, "review_pending_actions", map[string]any{})
	require.False(t, isErr)
	assert.Contains(t, none, "No actions awaiting approval")

	pa, err := s.deps.Plane.Enqueue(types.Action{
		Kind:     types.ActionArchiveStale,
		EntryIDs: []string{"ctx-dead"},
	}, "archive one stale entry", "unread for a long time", nil)
	require.NoError(t, err)

	review, _ := callText(t, s, "review_pending_actions", map[string]any{})
	assert.Contains(t, review, pa.ID)
	assert.Contains(t, review, "high risk")

	dismissed, isErr := callText(t, s, "dismiss_action", map[string]any{
		"actionId": pa.ID,
		"reason":   "still useful",
	})
	require.False(t, isErr)
	assert.Contains(t, dismissed, "Dismissed")

	after, _ := callText(t, s, "review_pending_actions", map[string]any{})
	assert.Contains(t, after, "No actions awaiting approval")
}

func TestReportUsefulnessRequiresExistingEntry(t *testing.T) {
	s := newTestServer(t)
	text, isErr := callText(t, s, "report_usefulness", map[string]any{
		"contextId": "ctx-missing",
		"helpful":   true,
	})
	assert.True(t, isErr)
	assert.Contains(t, text, "not found")
}
