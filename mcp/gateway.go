// Package mcp implements the JSON-RPC 2.0 gateway that fronts the tool
// catalog. Every RPC call is gated behind a bearer token issued by the
// authorization server; authentication failures are reported at the
// transport level as a bare 401 with no JSON-RPC envelope.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/modelbridge/mcp-oauth-bridge/instrumentation"
	"github.com/modelbridge/mcp-oauth-bridge/security"
	"github.com/modelbridge/mcp-oauth-bridge/storage"
)

// ProtocolVersion is the MCP protocol revision the gateway speaks
const ProtocolVersion = "2024-11-05"

// JSON-RPC 2.0 error codes used by the gateway
const (
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Authenticator resolves an Authorization header to a live token. The
// authorization server's bearer contract satisfies this.
type Authenticator interface {
	Authenticate(ctx context.Context, authorizationHeader string) (*storage.Token, error)
}

// Request is the JSON-RPC 2.0 request envelope. ID stays raw so it can be
// echoed back byte for byte regardless of its JSON type.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// RPCError is the JSON-RPC 2.0 error object
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Response is the JSON-RPC 2.0 response envelope. A nil ID marshals as
// null, which is what a request with a missing id gets back.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// callParams is the params shape of tools/call
type callParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Config holds gateway configuration
type Config struct {
	// Auth gates every RPC call. Required.
	Auth Authenticator

	// Tools is the tool catalog. Nil selects DefaultRegistry().
	Tools *Registry

	// ServerName and ServerVersion appear in initialize responses and
	// the discovery document.
	ServerName    string
	ServerVersion string

	// ServerURL is the externally visible base URL, used to build
	// absolute endpoint URLs in the discovery document.
	ServerURL string

	// Logger receives structured logs. Defaults to slog.Default().
	Logger *slog.Logger

	// Auditor, when set, records tool invocations.
	Auditor *security.Auditor

	// Instrumentation provides metrics and tracing. Optional.
	Instrumentation *instrumentation.Instrumentation
}

// Gateway is the JSON-RPC tool gateway. Handlers are stateless; it is safe
// for concurrent use.
type Gateway struct {
	auth    Authenticator
	tools   *Registry
	name    string
	version string
	baseURL string
	logger  *slog.Logger
	auditor *security.Auditor
	inst    *instrumentation.Instrumentation
}

// New creates a new gateway
func New(cfg Config) (*Gateway, error) {
	if cfg.Auth == nil {
		return nil, fmt.Errorf("authenticator is required")
	}
	tools := cfg.Tools
	if tools == nil {
		tools = DefaultRegistry()
	}
	name := cfg.ServerName
	if name == "" {
		name = "MCP OAuth Server"
	}
	version := cfg.ServerVersion
	if version == "" {
		version = "0.1.0"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	inst := cfg.Instrumentation
	if inst == nil {
		var err error
		inst, err = instrumentation.New(instrumentation.Config{Enabled: false})
		if err != nil {
			return nil, fmt.Errorf("failed to create instrumentation: %w", err)
		}
	}

	return &Gateway{
		auth:    cfg.Auth,
		tools:   tools,
		name:    name,
		version: version,
		baseURL: cfg.ServerURL,
		logger:  logger,
		auditor: cfg.Auditor,
		inst:    inst,
	}, nil
}

// capabilities is the static capability set advertised by the gateway
func (g *Gateway) capabilities() map[string]any {
	return map[string]any{
		"logging": map[string]any{},
		"prompts": map[string]any{
			"listChanged": true,
		},
		"resources": map[string]any{
			"subscribe":   true,
			"listChanged": true,
		},
		"tools": map[string]any{
			"listChanged": true,
		},
	}
}

// ServeHTTP dispatches on HTTP method: OPTIONS preflight, GET discovery,
// POST JSON-RPC.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		g.serveDiscovery(w, r)
	case http.MethodPost:
		g.serveRPC(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
}

// serveDiscovery returns the unauthenticated server description document.
func (g *Gateway) serveDiscovery(w http.ResponseWriter, r *http.Request) {
	base := g.baseURL
	if base == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		base = scheme + "://" + r.Host
	}

	doc := map[string]any{
		"name":        g.name,
		"version":     g.version,
		"description": "MCP server with OAuth 2.0 authentication",
		"endpoints": map[string]any{
			"mcp": base + "/mcp",
			"oauth": map[string]any{
				"register": base + "/oauth/register",
				"token":    base + "/oauth/token",
			},
		},
	}
	g.writeJSON(w, http.StatusOK, doc)
}

// serveRPC authenticates the caller and dispatches a single JSON-RPC call.
func (g *Gateway) serveRPC(w http.ResponseWriter, r *http.Request) {
	token, err := g.auth.Authenticate(r.Context(), r.Header.Get("Authorization"))
	if err != nil {
		// Transport-level rejection: bare JSON, no RPC envelope.
		g.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeRPCError(w, r.Context(), "", nil, CodeInternalError, "Internal error")
		return
	}

	if req.JSONRPC != "2.0" || req.Method == "" {
		g.writeRPCError(w, r.Context(), req.Method, req.ID, CodeInvalidRequest, "Invalid Request")
		return
	}

	ctx, span := g.inst.Tracer("mcp").Start(r.Context(), "mcp.rpc")
	defer span.End()
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrRPCMethod, req.Method))
	r = r.WithContext(ctx)

	g.logger.Debug("RPC request", "method", req.Method)

	switch req.Method {
	case "initialize":
		g.inst.Metrics().RecordRPCRequest(r.Context(), req.Method, 0)
		g.writeRPCResult(w, req.ID, map[string]any{
			"protocolVersion": ProtocolVersion,
			"capabilities":    g.capabilities(),
			"serverInfo": map[string]any{
				"name":    g.name,
				"version": g.version,
			},
		})

	case "notifications/initialized":
		g.inst.Metrics().RecordRPCRequest(r.Context(), req.Method, 0)
		w.WriteHeader(http.StatusOK)

	case "tools/list":
		g.inst.Metrics().RecordRPCRequest(r.Context(), req.Method, 0)
		g.writeRPCResult(w, req.ID, map[string]any{
			"protocolVersion": ProtocolVersion,
			"tools":           g.tools.List(),
		})

	case "resources/list":
		g.inst.Metrics().RecordRPCRequest(r.Context(), req.Method, 0)
		g.writeRPCResult(w, req.ID, map[string]any{
			"resources": []any{},
		})

	case "prompts/list":
		g.inst.Metrics().RecordRPCRequest(r.Context(), req.Method, 0)
		g.writeRPCResult(w, req.ID, map[string]any{
			"prompts": []any{},
		})

	case "tools/call":
		g.serveToolCall(w, r, &req, token)

	default:
		g.writeRPCError(w, r.Context(), req.Method, req.ID, CodeMethodNotFound, "Method not found")
	}
}

// serveToolCall validates the call parameters, runs the tool, and wraps the
// result in a text content block.
func (g *Gateway) serveToolCall(w http.ResponseWriter, r *http.Request, req *Request, token *storage.Token) {
	var params callParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			g.writeRPCError(w, r.Context(), req.Method, req.ID, CodeInvalidParams, "Invalid params")
			return
		}
	}
	if params.Name == "" {
		g.writeRPCError(w, r.Context(), req.Method, req.ID, CodeInvalidParams, "Invalid params")
		return
	}

	instrumentation.SetSpanAttributes(trace.SpanFromContext(r.Context()),
		attribute.String(instrumentation.AttrToolName, params.Name))

	tool, ok := g.tools.Get(params.Name)
	if !ok {
		g.writeRPCError(w, r.Context(), req.Method, req.ID, CodeMethodNotFound, "Method not found")
		return
	}

	text, err := tool.Handler(r.Context(), params.Arguments)
	if err != nil {
		var argErr *ArgumentError
		if errors.As(err, &argErr) {
			g.writeRPCError(w, r.Context(), req.Method, req.ID, CodeInvalidParams, argErr.Error())
			return
		}
		g.logger.Error("Tool execution failed", "tool", params.Name, "error", err)
		g.writeRPCError(w, r.Context(), req.Method, req.ID, CodeInternalError, "Internal error")
		return
	}

	g.inst.Metrics().RecordRPCRequest(r.Context(), req.Method, 0)
	g.inst.Metrics().ToolCallsTotal.Add(r.Context(), 1)
	if g.auditor != nil {
		g.auditor.LogToolInvoked(token.UserID, token.ClientID, security.GetClientIP(r, false, 0), params.Name)
	}

	g.writeRPCResult(w, req.ID, map[string]any{
		"content": []map[string]any{
			{"type": "text", "text": text},
		},
	})
}

// httpStatusFor maps a JSON-RPC error code to the HTTP status the response
// is carried on.
func httpStatusFor(code int) int {
	switch code {
	case CodeMethodNotFound:
		return http.StatusNotFound
	case CodeInternalError:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func (g *Gateway) writeRPCResult(w http.ResponseWriter, id json.RawMessage, result any) {
	g.writeJSON(w, http.StatusOK, Response{
		JSONRPC: "2.0",
		Result:  result,
		ID:      id,
	})
}

func (g *Gateway) writeRPCError(w http.ResponseWriter, ctx context.Context, method string, id json.RawMessage, code int, message string) {
	g.inst.Metrics().RecordRPCRequest(ctx, method, code)
	g.writeJSON(w, httpStatusFor(code), Response{
		JSONRPC: "2.0",
		Error:   &RPCError{Code: code, Message: message},
		ID:      id,
	})
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		g.logger.Error("Failed to encode response", "error", err)
	}
}
