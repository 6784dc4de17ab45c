package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"contextd/internal/control"
	"contextd/internal/schema"
	"contextd/internal/store"
	"contextd/internal/types"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":        "ok",
		"storePath":     s.deps.Config.StorePath,
		"awarenessPath": s.deps.Config.AwarenessPath,
		"lmHost":        s.deps.Config.LM.BaseURL,
	})
}

// =============================================================================
// CONTEXTS
// =============================================================================

func (s *Server) handleListContexts(w http.ResponseWriter, r *http.Request) {
	var entries []types.Entry
	var err error
	if r.URL.Query().Get("archived") == "true" {
		entries, err = s.deps.Store.ListArchived()
	} else {
		entries, err = s.deps.Store.List(r.URL.Query().Get("tag"))
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, entries)
}

type createContextRequest struct {
	Content string   `json:"content"`
	Tags    []string `json:"tags"`
	Source  string   `json:"source"`
	GroupID string   `json:"bubbleId"`
}

func (s *Server) handleCreateContext(w http.ResponseWriter, r *http.Request) {
	var req createContextRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Content == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("content is required"))
		return
	}
	entry, err := s.deps.Store.Save(req.Content, req.Tags, req.Source, req.GroupID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleSearchContexts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("query parameter q is required"))
		return
	}
	entries, err := s.deps.Store.Search(q)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleGetContext(w http.ResponseWriter, r *http.Request) {
	entry, err := s.deps.Store.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, entry)
}

type updateContextRequest struct {
	Content *string  `json:"content"`
	Tags    []string `json:"tags"`
	Source  *string  `json:"source"`
	GroupID *string  `json:"bubbleId"`
}

func (s *Server) handleUpdateContext(w http.ResponseWriter, r *http.Request) {
	var req updateContextRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	entry, err := s.deps.Store.Update(chi.URLParam(r, "id"), store.UpdateRequest{
		Content: req.Content,
		Tags:    req.Tags,
		Source:  req.Source,
		GroupID: req.GroupID,
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleDeleteContext(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.Delete(chi.URLParam(r, "id")); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrGroupNotFound) {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeError(w, http.StatusInternalServerError, err)
}

// =============================================================================
// SCHEMA
// =============================================================================

func (s *Server) handleGetSchema(w http.ResponseWriter, _ *http.Request) {
	cat := s.deps.Schema.Catalog()
	if cat == nil {
		cat = &types.Catalog{Version: 1, Types: []types.SchemaType{}}
	}
	s.writeJSON(w, http.StatusOK, cat)
}

// handlePutSchema is the one place the daemon writes the catalog file, and
// only ever on the user's explicit request.
func (s *Server) handlePutSchema(w http.ResponseWriter, r *http.Request) {
	var cat types.Catalog
	if err := decodeBody(r, &cat); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := schema.Save(s.deps.Config.SchemaPath, &cat); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.deps.Schema.Reload()
	s.deps.Model.Invalidate()
	s.logger.Info("schema catalog updated", zap.Int("types", len(cat.Types)))
	s.writeJSON(w, http.StatusOK, &cat)
}

// =============================================================================
// AWARENESS AND ANALYSIS
// =============================================================================

func (s *Server) handleAwareness(w http.ResponseWriter, r *http.Request) {
	deep := r.URL.Query().Get("deep") == "true"
	model, err := s.deps.Model.Build(r.Context(), deep)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, model)
}

type analyzeRequest struct {
	Action string `json:"action"`
	Params struct {
		Query    string `json:"query"`
		Tag      string `json:"tag"`
		GroupID  string `json:"bubbleId"`
		TypeName string `json:"typeName"`
		Focus    string `json:"focus"`
	} `json:"params"`
}

// handleAnalyze dispatches the on-demand analysis methods. The response
// names the source so callers know whether a language model was involved.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	var entries []types.Entry
	var err error
	switch {
	case req.Params.GroupID != "":
		entries, err = s.deps.Store.ListByGroup(req.Params.GroupID)
	case req.Params.TypeName != "":
		entries, err = s.deps.Store.QueryByType(req.Params.TypeName, nil)
	default:
		entries, err = s.deps.Store.List(req.Params.Tag)
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	var result any
	var source string
	switch req.Action {
	case "contradictions":
		result, source = s.deps.Analyzer.DetectContradictions(r.Context(), entries)
	case "suggest_schema":
		result, source = s.deps.Analyzer.SuggestSchema(r.Context(), entries)
	case "summarize":
		result, source = s.deps.Analyzer.Summarize(r.Context(), entries, req.Params.Focus)
	case "rank":
		if req.Params.Query == "" {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("rank requires params.query"))
			return
		}
		result, source = s.deps.Analyzer.RankByRelevance(r.Context(), req.Params.Query, entries)
	default:
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("unknown analyze action %q", req.Action))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"source": source, "result": result})
}

// =============================================================================
// PENDING ACTIONS
// =============================================================================

func (s *Server) handleListPending(w http.ResponseWriter, _ *http.Request) {
	all, err := s.deps.Plane.Pending()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	pending := []types.PendingAction{}
	for _, pa := range all {
		if pa.Status == types.StatusPending {
			pending = append(pending, pa)
		}
	}
	s.writeJSON(w, http.StatusOK, pending)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	result, err := s.deps.Plane.Approve(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writePlaneError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

type dismissRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleDismiss(w http.ResponseWriter, r *http.Request) {
	var req dismissRequest
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	if err := s.deps.Plane.Dismiss(chi.URLParam(r, "id"), req.Reason); err != nil {
		s.writePlaneError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writePlaneError(w http.ResponseWriter, err error) {
	if errors.Is(err, control.ErrActionNotFound) {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeError(w, http.StatusInternalServerError, err)
}

type bulkRequest struct {
	ActionIDs []string `json:"action_ids"`
	Decision  string   `json:"decision"`
	Reason    string   `json:"reason"`
}

// handleBulk approves or dismisses a batch, reporting per-ID outcomes so a
// partial failure does not hide the successes.
func (s *Server) handleBulk(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Decision != "approve" && req.Decision != "dismiss" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decision must be approve or dismiss"))
		return
	}

	results := map[string]string{}
	for _, id := range req.ActionIDs {
		var err error
		if req.Decision == "approve" {
			approval, aerr := s.deps.Plane.Approve(r.Context(), id)
			err = aerr
			if aerr == nil {
				results[id] = approval.Message
				continue
			}
		} else {
			err = s.deps.Plane.Dismiss(id, req.Reason)
			if err == nil {
				results[id] = "dismissed"
				continue
			}
		}
		results[id] = "error: " + err.Error()
	}
	s.writeJSON(w, http.StatusOK, results)
}

// =============================================================================
// BUBBLES
// =============================================================================

func (s *Server) handleListBubbles(w http.ResponseWriter, _ *http.Request) {
	groups, err := s.deps.Store.ListGroups()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, groups)
}

type bubbleRequest struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (s *Server) handleCreateBubble(w http.ResponseWriter, r *http.Request) {
	var req bubbleRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("name is required"))
		return
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	group, err := s.deps.Store.CreateGroup(req.ID, req.Name, req.Description)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, group)
}

func (s *Server) handleGetBubble(w http.ResponseWriter, r *http.Request) {
	group, err := s.deps.Store.GetGroup(chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, group)
}

func (s *Server) handleUpdateBubble(w http.ResponseWriter, r *http.Request) {
	var req bubbleRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	group, err := s.deps.Store.UpdateGroup(chi.URLParam(r, "id"), req.Name, req.Description)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, group)
}

func (s *Server) handleDeleteBubble(w http.ResponseWriter, r *http.Request) {
	cascade := r.URL.Query().Get("cascade") == "true"
	if err := s.deps.Store.DeleteGroup(chi.URLParam(r, "id"), cascade); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBubbleContexts(w http.ResponseWriter, r *http.Request) {
	if _, err := s.deps.Store.GetGroup(chi.URLParam(r, "id")); err != nil {
		s.writeStoreError(w, err)
		return
	}
	entries, err := s.deps.Store.ListByGroup(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, entries)
}
