package mcpserver

import (
	"encoding/json"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// JSON-RPC 2.0 error codes used by the bridge.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

// JSONRPCRequest is an incoming JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      any             `json:"id,omitempty"`
}

// JSONRPCResponse is an outgoing JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	Result  any           `json:"result,omitempty"`
	Error   *JSONRPCError `json:"error,omitempty"`
	ID      any           `json:"id"`
}

// JSONRPCError is a JSON-RPC 2.0 error object.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type callToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Handler returns the HTTP handler bridging JSON-RPC 2.0 POSTs to the tool
// surface. Mount it behind the auth gate; it performs no authentication of
// its own.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Max-Age", "86400")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if r.Method != http.MethodPost {
			writeRPC(w, http.StatusMethodNotAllowed, errorResponse(nil, codeInvalidRequest, "Only POST requests are accepted"))
			return
		}

		var req JSONRPCRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeRPC(w, http.StatusBadRequest, errorResponse(nil, codeParseError, "Invalid JSON-RPC request"))
			return
		}

		writeRPC(w, http.StatusOK, s.dispatch(&req))
	})
}

func (s *Server) dispatch(req *JSONRPCRequest) JSONRPCResponse {
	switch req.Method {
	case "initialize":
		return JSONRPCResponse{
			JSONRPC: "2.0",
			Result: map[string]any{
				"protocolVersion": ProtocolVersion,
				"capabilities": map[string]any{
					"tools": map[string]any{},
				},
				"serverInfo": map[string]any{
					"name": s.name,
				},
			},
			ID: req.ID,
		}

	case "ping":
		return JSONRPCResponse{JSONRPC: "2.0", Result: map[string]any{}, ID: req.ID}

	case "tools/list":
		return JSONRPCResponse{
			JSONRPC: "2.0",
			Result:  map[string]any{"tools": s.toolList()},
			ID:      req.ID,
		}

	case "tools/call":
		return s.dispatchToolCall(req)

	default:
		return errorResponse(req.ID, codeMethodNotFound, "Method not found")
	}
}

// toolList returns the declarations of every registered tool, exactly as
// they were registered on the SDK server.
func (s *Server) toolList() []*mcp.Tool {
	tools := make([]*mcp.Tool, 0, len(s.tools))
	for _, entry := range s.tools {
		tools = append(tools, entry.tool)
	}
	return tools
}

func (s *Server) dispatchToolCall(req *JSONRPCRequest) JSONRPCResponse {
	var params callToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return errorResponse(req.ID, codeInvalidParams, "Missing or invalid tool call parameters")
	}

	for _, entry := range s.tools {
		if entry.tool.Name != params.Name {
			continue
		}
		text, err := entry.call(params.Arguments)
		if err != nil {
			s.logger.Debug("tool call failed", "tool", params.Name, "error", err)
			return errorResponse(req.ID, codeInvalidParams, err.Error())
		}
		return JSONRPCResponse{
			JSONRPC: "2.0",
			Result: map[string]any{
				"content": []map[string]any{
					{"type": "text", "text": text},
				},
			},
			ID: req.ID,
		}
	}

	return errorResponse(req.ID, codeMethodNotFound, "Unknown tool: "+params.Name)
}

func unmarshalArgs(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, into)
}

func errorResponse(id any, code int, message string) JSONRPCResponse {
	return JSONRPCResponse{
		JSONRPC: "2.0",
		Error:   &JSONRPCError{Code: code, Message: message},
		ID:      id,
	}
}

func writeRPC(w http.ResponseWriter, status int, resp JSONRPCResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
