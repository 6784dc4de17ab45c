// Package mcp serves the context runtime to AI agents over the Model
// Context Protocol: JSON-RPC 2.0, one message per line, stdin to stdout.
// Logs go to stderr only; stdout belongs to the protocol.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"go.uber.org/zap"

	"contextd/internal/analyzer"
	"contextd/internal/control"
	"contextd/internal/observer"
	"contextd/internal/selfmodel"
	"contextd/internal/store"
	"contextd/internal/types"
)

const (
	serverName      = "contextd"
	serverVersion   = "0.3.0"
	protocolVersion = "2024-11-05"
)

// instructions is sent to agents on initialize.
const instructions = `contextd is your persistent context store. Save decisions, preferences, and project facts with save_context (or save_typed_context when a schema type fits). Before answering questions about past decisions or preferences, call recall_context first. Call introspect periodically to learn what the store knows, where it has gaps, and what it proposes to improve; review_pending_actions, approve_action, and dismiss_action let you steer those improvements.`

// JSON-RPC 2.0 framing.

type jsonRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type capabilities struct {
	Tools map[string]any `json:"tools,omitempty"`
}

type initializeResult struct {
	ProtocolVersion string       `json:"protocolVersion"`
	Capabilities    capabilities `json:"capabilities"`
	ServerInfo      serverInfo   `json:"serverInfo"`
	Instructions    string       `json:"instructions,omitempty"`
}

type toolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

type toolsListResult struct {
	Tools []toolSpec `json:"tools"`
}

type toolCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type toolResult struct {
	Content []contentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func textResult(text string) *toolResult {
	return &toolResult{Content: []contentBlock{{Type: "text", Text: text}}}
}

func errorResult(err error) *toolResult {
	return &toolResult{
		Content: []contentBlock{{Type: "text", Text: "Error: " + err.Error()}},
		IsError: true,
	}
}

// Deps are the runtime components the server exposes.
type Deps struct {
	Store    *store.Store
	Catalog  func() *types.Catalog
	Observer *observer.Observer
	Analyzer *analyzer.Analyzer
	Model    *selfmodel.Builder
	Plane    *control.Plane
	Logger   *zap.Logger
}

// Server is one MCP session over a stream pair.
type Server struct {
	deps   Deps
	logger *zap.Logger
}

// NewServer builds an MCP server over the given components.
func NewServer(deps Deps) *Server {
	return &Server{deps: deps, logger: deps.Logger}
}

// Serve runs the read loop until r closes.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1024*1024), 10*1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		var req jsonRPCRequest
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			s.logger.Warn("invalid request line", zap.Error(err))
			continue
		}
		s.logger.Debug("request", zap.String("method", req.Method))

		resp := s.handleRequest(ctx, req)
		if resp.ID == nil && resp.Result == nil && resp.Error == nil {
			continue
		}
		out, err := json.Marshal(resp)
		if err != nil {
			s.logger.Error("cannot encode response", zap.Error(err))
			continue
		}
		if _, err := fmt.Fprintf(w, "%s\n", out); err != nil {
			return fmt.Errorf("failed to write response: %w", err)
		}
	}
	return scanner.Err()
}

func (s *Server) handleRequest(ctx context.Context, req jsonRPCRequest) jsonRPCResponse {
	switch req.Method {
	case "initialize":
		return jsonRPCResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result: initializeResult{
				ProtocolVersion: protocolVersion,
				Capabilities:    capabilities{Tools: map[string]any{"listChanged": false}},
				ServerInfo:      serverInfo{Name: serverName, Version: serverVersion},
				Instructions:    instructions,
			},
		}

	case "notifications/initialized":
		return jsonRPCResponse{}

	case "tools/list":
		return jsonRPCResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result:  toolsListResult{Tools: toolCatalog()},
		}

	case "tools/call":
		var params toolCallParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return jsonRPCResponse{
				JSONRPC: "2.0",
				ID:      req.ID,
				Error:   &rpcError{Code: -32602, Message: "Invalid params", Data: err.Error()},
			}
		}
		result := s.callTool(ctx, params)
		return jsonRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: result}

	default:
		if req.ID == nil {
			return jsonRPCResponse{}
		}
		return jsonRPCResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &rpcError{Code: -32601, Message: fmt.Sprintf("Method not found: %s", req.Method)},
		}
	}
}

// callTool dispatches to the named handler. Argument and execution problems
// come back as error-flagged tool results, not protocol errors, so agents
// can read and react to them.
func (s *Server) callTool(ctx context.Context, params toolCallParams) *toolResult {
	handler, ok := handlers[params.Name]
	if !ok {
		return errorResult(fmt.Errorf("unknown tool %q", params.Name))
	}
	if params.Arguments == nil {
		params.Arguments = map[string]any{}
	}
	result, err := handler(ctx, s, params.Arguments)
	if err != nil {
		s.logger.Warn("tool call failed", zap.String("tool", params.Name), zap.Error(err))
		return errorResult(err)
	}
	return result
}
