package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"contextd/internal/schema"
	"contextd/internal/selfmodel"
	"contextd/internal/store"
	"contextd/internal/types"
)

// handler is the signature every tool handler implements.
type handler func(ctx context.Context, s *Server, args map[string]any) (*toolResult, error)

// handlers maps tool names to their implementations.
var handlers = map[string]handler{
	"save_context":             handleSaveContext,
	"recall_context":           handleRecallContext,
	"list_contexts":            handleListContexts,
	"update_context":           handleUpdateContext,
	"delete_context":           handleDeleteContext,
	"search_context":           handleSearchContext,
	"create_bubble":            handleCreateBubble,
	"list_bubbles":             handleListBubbles,
	"delete_bubble":            handleDeleteBubble,
	"assign_context_to_bubble": handleAssignContextToBubble,
	"describe_schema":          handleDescribeSchema,
	"save_typed_context":       handleSaveTypedContext,
	"query_by_type":            handleQueryByType,
	"introspect":               handleIntrospect,
	"get_gaps":                 handleGetGaps,
	"report_usefulness":        handleReportUsefulness,
	"analyze_contradictions":   handleAnalyzeContradictions,
	"suggest_schema":           handleSuggestSchema,
	"summarize_context":        handleSummarizeContext,
	"get_improvements":         handleGetImprovements,
	"review_pending_actions":   handleReviewPendingActions,
	"approve_action":           handleApproveAction,
	"dismiss_action":           handleDismissAction,
}

// =============================================================================
// CONTEXT CRUD
// =============================================================================

func handleSaveContext(_ context.Context, s *Server, args map[string]any) (*toolResult, error) {
	content, err := reqString(args, "content")
	if err != nil {
		return nil, err
	}
	entry, err := s.deps.Store.Save(content, argStringList(args, "tags"), argString(args, "source"), argString(args, "bubbleId"))
	if err != nil {
		return nil, err
	}
	return textResult(fmt.Sprintf("Saved context %s", entry.ID)), nil
}

func handleRecallContext(_ context.Context, s *Server, args map[string]any) (*toolResult, error) {
	query, err := reqString(args, "query")
	if err != nil {
		return nil, err
	}
	entries, err := s.deps.Store.Recall(query)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return textResult(fmt.Sprintf("No context found for %q.", query)), nil
	}
	return textResult(renderEntries(entries)), nil
}

func handleListContexts(_ context.Context, s *Server, args map[string]any) (*toolResult, error) {
	if argBool(args, "archived") {
		entries, err := s.deps.Store.ListArchived()
		if err != nil {
			return nil, err
		}
		if len(entries) == 0 {
			return textResult("No archived entries."), nil
		}
		return textResult(renderEntries(entries)), nil
	}
	entries, err := s.deps.Store.List(argString(args, "tag"))
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return textResult("No context entries."), nil
	}
	return textResult(renderEntries(entries)), nil
}

func handleUpdateContext(_ context.Context, s *Server, args map[string]any) (*toolResult, error) {
	id, err := reqString(args, "contextId")
	if err != nil {
		return nil, err
	}
	var req store.UpdateRequest
	if v, ok := args["content"].(string); ok {
		req.Content = &v
	}
	if _, ok := args["tags"]; ok {
		req.Tags = argStringList(args, "tags")
	}
	if v, ok := args["source"].(string); ok {
		req.Source = &v
	}
	if v, ok := args["bubbleId"].(string); ok {
		req.GroupID = &v
	}
	entry, err := s.deps.Store.Update(id, req)
	if err != nil {
		return nil, err
	}
	return textResult(fmt.Sprintf("Updated context %s", entry.ID)), nil
}

func handleDeleteContext(_ context.Context, s *Server, args map[string]any) (*toolResult, error) {
	id, err := reqString(args, "contextId")
	if err != nil {
		return nil, err
	}
	if err := s.deps.Store.Delete(id); err != nil {
		return nil, err
	}
	return textResult(fmt.Sprintf("Deleted context %s", id)), nil
}

func handleSearchContext(_ context.Context, s *Server, args map[string]any) (*toolResult, error) {
	query, err := reqString(args, "query")
	if err != nil {
		return nil, err
	}
	entries, err := s.deps.Store.Search(query)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return textResult(fmt.Sprintf("No context matched %q.", query)), nil
	}
	return textResult(renderEntries(entries)), nil
}

// =============================================================================
// BUBBLES
// =============================================================================

func handleCreateBubble(_ context.Context, s *Server, args map[string]any) (*toolResult, error) {
	name, err := reqString(args, "name")
	if err != nil {
		return nil, err
	}
	id := argString(args, "bubbleId")
	if id == "" {
		id = uuid.New().String()
	}
	group, err := s.deps.Store.CreateGroup(id, name, argString(args, "description"))
	if err != nil {
		return nil, err
	}
	return textResult(fmt.Sprintf("Created bubble %s (%s)", group.ID, group.Name)), nil
}

func handleListBubbles(_ context.Context, s *Server, _ map[string]any) (*toolResult, error) {
	groups, err := s.deps.Store.ListGroups()
	if err != nil {
		return nil, err
	}
	if len(groups) == 0 {
		return textResult("No bubbles."), nil
	}
	var sb strings.Builder
	for _, g := range groups {
		entries, _ := s.deps.Store.ListByGroup(g.ID)
		fmt.Fprintf(&sb, "%s: %s (%d entries)", g.ID, g.Name, len(entries))
		if g.Description != "" {
			fmt.Fprintf(&sb, " - %s", g.Description)
		}
		sb.WriteString("\n")
	}
	return textResult(sb.String()), nil
}

func handleDeleteBubble(_ context.Context, s *Server, args map[string]any) (*toolResult, error) {
	id, err := reqString(args, "bubbleId")
	if err != nil {
		return nil, err
	}
	cascade := argBool(args, "cascade")
	if err := s.deps.Store.DeleteGroup(id, cascade); err != nil {
		return nil, err
	}
	mode := "entries kept"
	if cascade {
		mode = "entries deleted"
	}
	return textResult(fmt.Sprintf("Deleted bubble %s (%s)", id, mode)), nil
}

func handleAssignContextToBubble(_ context.Context, s *Server, args map[string]any) (*toolResult, error) {
	contextID, err := reqString(args, "contextId")
	if err != nil {
		return nil, err
	}
	bubbleID, err := reqString(args, "bubbleId")
	if err != nil {
		return nil, err
	}
	if _, err := s.deps.Store.GetGroup(bubbleID); err != nil {
		return nil, err
	}
	if _, err := s.deps.Store.Update(contextID, store.UpdateRequest{GroupID: &bubbleID}); err != nil {
		return nil, err
	}
	return textResult(fmt.Sprintf("Assigned %s to bubble %s", contextID, bubbleID)), nil
}

// =============================================================================
// SCHEMA AND TYPED CONTEXT
// =============================================================================

func handleDescribeSchema(_ context.Context, s *Server, _ map[string]any) (*toolResult, error) {
	return textResult(schema.Describe(s.deps.Catalog())), nil
}

func handleSaveTypedContext(_ context.Context, s *Server, args map[string]any) (*toolResult, error) {
	typeName, err := reqString(args, "typeName")
	if err != nil {
		return nil, err
	}
	raw, ok := args["data"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("missing required argument %q", "data")
	}
	data, err := toFieldValues(raw)
	if err != nil {
		return nil, err
	}
	entry, issues, err := s.deps.Store.SaveTyped(s.deps.Catalog(), typeName, data, argStringList(args, "tags"), argString(args, "source"))
	if err != nil {
		return nil, err
	}
	if len(issues) > 0 {
		return textResult(fmt.Sprintf("Saved context %s with validation issues:\n- %s",
			entry.ID, strings.Join(issues, "\n- "))), nil
	}
	return textResult(fmt.Sprintf("Saved %s context %s", typeName, entry.ID)), nil
}

func handleQueryByType(ctx context.Context, s *Server, args map[string]any) (*toolResult, error) {
	typeName, err := reqString(args, "typeName")
	if err != nil {
		return nil, err
	}
	var filter map[string]types.FieldValue
	if raw, ok := args["filter"].(map[string]any); ok {
		filter, err = toFieldValues(raw)
		if err != nil {
			return nil, err
		}
	}
	entries, err := s.deps.Store.QueryByType(typeName, filter)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return textResult(fmt.Sprintf("No %s entries matched.", typeName)), nil
	}
	if argBool(args, "ranked") {
		query := argString(args, "query")
		if query == "" {
			return nil, fmt.Errorf("ranked queries require a %q argument", "query")
		}
		ranked, source := s.deps.Analyzer.RankByRelevance(ctx, query, entries)
		var sb strings.Builder
		fmt.Fprintf(&sb, "Ranked by %s:\n", source)
		for _, r := range ranked {
			fmt.Fprintf(&sb, "%.2f %s\n", r.Score, renderEntry(r.Entry))
		}
		return textResult(sb.String()), nil
	}
	return textResult(renderEntries(entries)), nil
}

// =============================================================================
// INTROSPECTION
// =============================================================================

func handleIntrospect(ctx context.Context, s *Server, args map[string]any) (*toolResult, error) {
	model, err := s.deps.Model.Build(ctx, argBool(args, "deep"))
	if err != nil {
		return nil, err
	}
	return textResult(selfmodel.Render(model)), nil
}

func handleGetGaps(ctx context.Context, s *Server, _ map[string]any) (*toolResult, error) {
	model, err := s.deps.Model.Build(ctx, false)
	if err != nil {
		return nil, err
	}
	if len(model.Gaps) == 0 {
		return textResult("No gaps detected."), nil
	}
	var sb strings.Builder
	for _, g := range model.Gaps {
		fmt.Fprintf(&sb, "[%s] %s", g.Severity, g.Description)
		if g.Suggestion != "" {
			fmt.Fprintf(&sb, " (%s)", g.Suggestion)
		}
		sb.WriteString("\n")
	}
	return textResult(sb.String()), nil
}

func handleReportUsefulness(_ context.Context, s *Server, args map[string]any) (*toolResult, error) {
	id, err := reqString(args, "contextId")
	if err != nil {
		return nil, err
	}
	helpful, ok := args["helpful"].(bool)
	if !ok {
		return nil, fmt.Errorf("missing required argument %q", "helpful")
	}
	if _, err := s.deps.Store.Get(id); err != nil {
		return nil, err
	}
	s.deps.Observer.RecordUsefulness(id, helpful)
	verdict := "helpful"
	if !helpful {
		verdict = "unhelpful"
	}
	return textResult(fmt.Sprintf("Recorded %s as %s", id, verdict)), nil
}

func handleAnalyzeContradictions(ctx context.Context, s *Server, _ map[string]any) (*toolResult, error) {
	entries, err := s.deps.Store.List("")
	if err != nil {
		return nil, err
	}
	contradictions, source := s.deps.Analyzer.DetectContradictions(ctx, entries)
	if len(contradictions) == 0 {
		return textResult(fmt.Sprintf("No contradictions detected (%s analysis).", source)), nil
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d contradiction(s) found (%s analysis):\n", len(contradictions), source)
	for _, c := range contradictions {
		fmt.Fprintf(&sb, "- %s vs %s: %s\n", c.EntryA, c.EntryB, c.Explanation)
	}
	return textResult(sb.String()), nil
}

func handleSuggestSchema(ctx context.Context, s *Server, _ map[string]any) (*toolResult, error) {
	entries, err := s.deps.Store.List("")
	if err != nil {
		return nil, err
	}
	suggestions, source := s.deps.Analyzer.SuggestSchema(ctx, entries)
	if len(suggestions) == 0 {
		return textResult("Not enough untyped entries to suggest schema types."), nil
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Schema suggestions (%s analysis):\n", source)
	for _, sg := range suggestions {
		fmt.Fprintf(&sb, "- %s: %s\n", sg.TypeName, sg.Description)
		for _, f := range sg.Fields {
			fmt.Fprintf(&sb, "    %s (%s) %s\n", f.Name, f.Type, f.Description)
		}
	}
	return textResult(sb.String()), nil
}

func handleSummarizeContext(ctx context.Context, s *Server, args map[string]any) (*toolResult, error) {
	var entries []types.Entry
	var err error
	if bubbleID := argString(args, "bubbleId"); bubbleID != "" {
		entries, err = s.deps.Store.ListByGroup(bubbleID)
	} else {
		entries, err = s.deps.Store.List(argString(args, "tag"))
	}
	if err != nil {
		return nil, err
	}
	summary, source := s.deps.Analyzer.Summarize(ctx, entries, argString(args, "focus"))
	return textResult(fmt.Sprintf("%s\n(%s analysis)", summary, source)), nil
}

// =============================================================================
// IMPROVEMENT REVIEW
// =============================================================================

func handleGetImprovements(_ context.Context, s *Server, args map[string]any) (*toolResult, error) {
	records := s.deps.Observer.ImprovementsSince(argString(args, "since"))
	if len(records) == 0 {
		return textResult("No improvements recorded."), nil
	}
	var sb strings.Builder
	for _, rec := range records {
		mode := "approved"
		if rec.AutoExecuted {
			mode = "auto"
		}
		var parts []string
		for _, ac := range rec.Actions {
			parts = append(parts, fmt.Sprintf("%s on %d target(s)", ac.Type, ac.Count))
		}
		fmt.Fprintf(&sb, "%s [%s] %s\n", rec.Timestamp, mode, strings.Join(parts, "; "))
	}
	return textResult(sb.String()), nil
}

func handleReviewPendingActions(_ context.Context, s *Server, _ map[string]any) (*toolResult, error) {
	all, err := s.deps.Plane.Pending()
	if err != nil {
		return nil, err
	}
	var sb strings.Builder
	count := 0
	for _, pa := range all {
		if pa.Status != types.StatusPending {
			continue
		}
		count++
		fmt.Fprintf(&sb, "%s [%s risk] %s\n  why: %s\n  expires: %s\n",
			pa.ID, pa.Risk, pa.Description, pa.Reasoning, pa.ExpiresAt)
		if len(pa.Preview) > 0 {
			fmt.Fprintf(&sb, "  preview: %s\n", jsonBlock(pa.Preview))
		}
	}
	if count == 0 {
		return textResult("No actions awaiting approval."), nil
	}
	return textResult(fmt.Sprintf("%d action(s) awaiting approval:\n%s", count, sb.String())), nil
}

func handleApproveAction(ctx context.Context, s *Server, args map[string]any) (*toolResult, error) {
	id, err := reqString(args, "actionId")
	if err != nil {
		return nil, err
	}
	result, err := s.deps.Plane.Approve(ctx, id)
	if err != nil {
		return nil, err
	}
	return textResult(result.Message), nil
}

func handleDismissAction(_ context.Context, s *Server, args map[string]any) (*toolResult, error) {
	id, err := reqString(args, "actionId")
	if err != nil {
		return nil, err
	}
	if err := s.deps.Plane.Dismiss(id, argString(args, "reason")); err != nil {
		return nil, err
	}
	return textResult(fmt.Sprintf("Dismissed action %s", id)), nil
}

// =============================================================================
// ARGUMENT AND RENDERING HELPERS
// =============================================================================

func reqString(args map[string]any, key string) (string, error) {
	v, ok := args[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("missing required argument %q", key)
	}
	return v, nil
}

func argString(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func argBool(args map[string]any, key string) bool {
	v, _ := args[key].(bool)
	return v
}

func argStringList(args map[string]any, key string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// toFieldValues converts raw JSON argument values into typed field values.
func toFieldValues(raw map[string]any) (map[string]types.FieldValue, error) {
	out := make(map[string]types.FieldValue, len(raw))
	for key, v := range raw {
		switch val := v.(type) {
		case string:
			out[key] = types.String(val)
		case bool:
			out[key] = types.Bool(val)
		case float64:
			out[key] = types.Number(val)
		case []any:
			var list []string
			for _, item := range val {
				s, ok := item.(string)
				if !ok {
					return nil, fmt.Errorf("field %q: lists may only contain strings", key)
				}
				list = append(list, s)
			}
			out[key] = types.StringList(list...)
		default:
			return nil, fmt.Errorf("field %q has unsupported value type", key)
		}
	}
	return out, nil
}

func renderEntries(entries []types.Entry) string {
	var sb strings.Builder
	for _, e := range entries {
		sb.WriteString(renderEntry(e))
		sb.WriteString("\n")
	}
	return sb.String()
}

func renderEntry(e types.Entry) string {
	var sb strings.Builder
	sb.WriteString(e.ID)
	if e.TypeName != "" {
		fmt.Fprintf(&sb, " [%s]", e.TypeName)
	}
	fmt.Fprintf(&sb, " %s", e.Content)
	if len(e.Tags) > 0 {
		fmt.Fprintf(&sb, " (tags: %s)", strings.Join(e.Tags, ", "))
	}
	if e.GroupID != "" {
		fmt.Fprintf(&sb, " (bubble: %s)", e.GroupID)
	}
	return sb.String()
}

func jsonBlock(v any) string {
	out, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(out)
}
