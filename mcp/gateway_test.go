package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/modelbridge/mcp-oauth-bridge/internal/testutil"
	"github.com/modelbridge/mcp-oauth-bridge/storage"
)

// stubAuth authenticates every request as a fixed token, or rejects
// everything when err is set.
type stubAuth struct {
	token *storage.Token
	err   error
}

func (a *stubAuth) Authenticate(_ context.Context, _ string) (*storage.Token, error) {
	if a.err != nil {
		return nil, a.err
	}
	return a.token, nil
}

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	g, err := New(Config{
		Auth: &stubAuth{token: &storage.Token{
			AccessToken: "token",
			ClientID:    "client-1",
			UserID:      "user-1",
			ExpiresAt:   time.Now().Add(time.Hour),
		}},
		ServerURL: "http://localhost:8080",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g
}

func rpcCall(t *testing.T, g *Gateway, body string) (int, string) {
	t.Helper()
	rr := testutil.NewHTTPRequest(http.MethodPost, "/mcp").
		WithHeader("Content-Type", "application/json").
		WithHeader("Authorization", "Bearer token").
		WithBody(body).
		Do(g)
	return rr.Code, rr.Body.String()
}

func decodeResponse(t *testing.T, body string) Response {
	t.Helper()
	var resp Response
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		t.Fatalf("decode response %q: %v", body, err)
	}
	return resp
}

func TestUnauthorizedIsBareJSON(t *testing.T) {
	g, err := New(Config{Auth: &stubAuth{err: context.Canceled}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rr := testutil.NewHTTPRequest(http.MethodPost, "/mcp").
		WithBody(`{"jsonrpc":"2.0","method":"initialize","id":1}`).
		Do(g)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}

	// The rejection carries no JSON-RPC envelope.
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["error"] != "Unauthorized" {
		t.Errorf(`error = %v, want "Unauthorized"`, body["error"])
	}
	if _, hasEnvelope := body["jsonrpc"]; hasEnvelope {
		t.Error("401 response carries a jsonrpc envelope")
	}
}

func TestInitialize(t *testing.T) {
	g := newTestGateway(t)

	status, body := rpcCall(t, g, `{"jsonrpc":"2.0","method":"initialize","id":1}`)
	if status != http.StatusOK {
		t.Fatalf("status = %d, body %s", status, body)
	}

	resp := decodeResponse(t, body)
	if string(resp.ID) != "1" {
		t.Errorf("id = %s, want 1", resp.ID)
	}

	result := resp.Result.(map[string]any)
	if result["protocolVersion"] != ProtocolVersion {
		t.Errorf("protocolVersion = %v", result["protocolVersion"])
	}
	serverInfo := result["serverInfo"].(map[string]any)
	if serverInfo["name"] != "MCP OAuth Server" {
		t.Errorf("server name = %v", serverInfo["name"])
	}
	if _, ok := result["capabilities"].(map[string]any); !ok {
		t.Error("capabilities missing")
	}
}

func TestInvalidEnvelope(t *testing.T) {
	g := newTestGateway(t)

	tests := []struct {
		name string
		body string
	}{
		{"wrong version", `{"jsonrpc":"1.0","method":"initialize","id":7}`},
		{"missing version", `{"method":"initialize","id":7}`},
		{"missing method", `{"jsonrpc":"2.0","id":7}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := rpcCall(t, g, tt.body)
			if status != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", status)
			}
			resp := decodeResponse(t, body)
			if resp.Error == nil || resp.Error.Code != CodeInvalidRequest {
				t.Fatalf("error = %+v, want code %d", resp.Error, CodeInvalidRequest)
			}
			if string(resp.ID) != "7" {
				t.Errorf("id = %s, want 7 echoed back", resp.ID)
			}
		})
	}
}

func TestMissingIDEchoesNull(t *testing.T) {
	g := newTestGateway(t)

	_, body := rpcCall(t, g, `{"jsonrpc":"2.0"}`)
	if !strings.Contains(body, `"id":null`) {
		t.Errorf("response %q does not carry id null", body)
	}
}

func TestParseError(t *testing.T) {
	g := newTestGateway(t)

	status, body := rpcCall(t, g, `{not json`)
	if status != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", status)
	}
	resp := decodeResponse(t, body)
	if resp.Error == nil || resp.Error.Code != CodeInternalError {
		t.Fatalf("error = %+v, want code %d", resp.Error, CodeInternalError)
	}
	if !strings.Contains(body, `"id":null`) {
		t.Errorf("parse error response %q does not carry id null", body)
	}
}

func TestMethodNotFound(t *testing.T) {
	g := newTestGateway(t)

	status, body := rpcCall(t, g, `{"jsonrpc":"2.0","method":"no/such","id":2}`)
	if status != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", status)
	}
	resp := decodeResponse(t, body)
	if resp.Error == nil || resp.Error.Code != CodeMethodNotFound {
		t.Fatalf("error = %+v", resp.Error)
	}
	if resp.Error.Message != "Method not found" {
		t.Errorf("message = %q", resp.Error.Message)
	}
}

func TestNotificationsInitialized(t *testing.T) {
	g := newTestGateway(t)

	status, body := rpcCall(t, g, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if strings.TrimSpace(body) != "" {
		t.Errorf("notification response body = %q, want empty", body)
	}
}

func TestToolsList(t *testing.T) {
	g := newTestGateway(t)

	status, body := rpcCall(t, g, `{"jsonrpc":"2.0","method":"tools/list","id":3}`)
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}

	resp := decodeResponse(t, body)
	result := resp.Result.(map[string]any)
	if result["protocolVersion"] != ProtocolVersion {
		t.Errorf("protocolVersion = %v", result["protocolVersion"])
	}

	tools := result["tools"].([]any)
	if len(tools) != 1 {
		t.Fatalf("catalog size = %d, want 1", len(tools))
	}
	tool := tools[0].(map[string]any)
	if tool["name"] != "add_numbers" {
		t.Errorf("tool name = %v", tool["name"])
	}
	if _, ok := tool["inputSchema"].(map[string]any); !ok {
		t.Error("inputSchema missing")
	}
}

func TestEmptyCatalogLists(t *testing.T) {
	g := newTestGateway(t)

	for _, method := range []string{"resources/list", "prompts/list"} {
		status, body := rpcCall(t, g, `{"jsonrpc":"2.0","method":"`+method+`","id":4}`)
		if status != http.StatusOK {
			t.Fatalf("%s status = %d", method, status)
		}
		resp := decodeResponse(t, body)
		if resp.Error != nil {
			t.Errorf("%s returned error %+v", method, resp.Error)
		}
	}
}

func TestToolsCall(t *testing.T) {
	g := newTestGateway(t)

	status, body := rpcCall(t, g,
		`{"jsonrpc":"2.0","method":"tools/call","params":{"name":"add_numbers","arguments":{"a":2,"b":3}},"id":5}`)
	if status != http.StatusOK {
		t.Fatalf("status = %d, body %s", status, body)
	}

	resp := decodeResponse(t, body)
	result := resp.Result.(map[string]any)
	content := result["content"].([]any)
	block := content[0].(map[string]any)
	if block["type"] != "text" {
		t.Errorf("content type = %v", block["type"])
	}
	if block["text"] != "The sum of 2 and 3 is 5" {
		t.Errorf("text = %q", block["text"])
	}
}

func TestToolsCallInvalidArguments(t *testing.T) {
	g := newTestGateway(t)

	status, body := rpcCall(t, g,
		`{"jsonrpc":"2.0","method":"tools/call","params":{"name":"add_numbers","arguments":{"a":"two","b":3}},"id":6}`)
	if status != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", status)
	}

	resp := decodeResponse(t, body)
	if resp.Error == nil || resp.Error.Code != CodeInvalidParams {
		t.Fatalf("error = %+v, want code %d", resp.Error, CodeInvalidParams)
	}
	if resp.Error.Message != "Invalid arguments. Both a and b must be numbers." {
		t.Errorf("message = %q", resp.Error.Message)
	}
}

func TestToolsCallMissingName(t *testing.T) {
	g := newTestGateway(t)

	for _, body := range []string{
		`{"jsonrpc":"2.0","method":"tools/call","id":8}`,
		`{"jsonrpc":"2.0","method":"tools/call","params":{"arguments":{}},"id":8}`,
	} {
		status, respBody := rpcCall(t, g, body)
		if status != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", status)
		}
		resp := decodeResponse(t, respBody)
		if resp.Error == nil || resp.Error.Code != CodeInvalidParams {
			t.Fatalf("error = %+v, want code %d", resp.Error, CodeInvalidParams)
		}
	}
}

func TestToolsCallUnknownTool(t *testing.T) {
	g := newTestGateway(t)

	status, body := rpcCall(t, g,
		`{"jsonrpc":"2.0","method":"tools/call","params":{"name":"launch_rockets"},"id":9}`)
	if status != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", status)
	}
	resp := decodeResponse(t, body)
	if resp.Error == nil || resp.Error.Code != CodeMethodNotFound {
		t.Fatalf("error = %+v", resp.Error)
	}
}

func TestDiscoveryDocument(t *testing.T) {
	g := newTestGateway(t)

	rr := testutil.NewHTTPRequest(http.MethodGet, "/mcp").Do(g)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}

	var doc map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc["name"] != "MCP OAuth Server" {
		t.Errorf("name = %v", doc["name"])
	}

	endpoints := doc["endpoints"].(map[string]any)
	if endpoints["mcp"] != "http://localhost:8080/mcp" {
		t.Errorf("mcp endpoint = %v", endpoints["mcp"])
	}
	oauthEndpoints := endpoints["oauth"].(map[string]any)
	if oauthEndpoints["token"] != "http://localhost:8080/oauth/token" {
		t.Errorf("token endpoint = %v", oauthEndpoints["token"])
	}
	if oauthEndpoints["register"] != "http://localhost:8080/oauth/register" {
		t.Errorf("register endpoint = %v", oauthEndpoints["register"])
	}
}

func TestDiscoveryDerivesBaseURLFromHost(t *testing.T) {
	g, err := New(Config{Auth: &stubAuth{token: &storage.Token{}}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rr := testutil.NewHTTPRequest(http.MethodGet, "http://bridge.example.com/mcp").Do(g)
	var doc map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	endpoints := doc["endpoints"].(map[string]any)
	if endpoints["mcp"] != "http://bridge.example.com/mcp" {
		t.Errorf("mcp endpoint = %v", endpoints["mcp"])
	}
}

func TestPreflight(t *testing.T) {
	g := newTestGateway(t)

	rr := testutil.NewHTTPRequest(http.MethodOptions, "/mcp").Do(g)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Allow-Origin = %q", got)
	}
	if got := rr.Header().Get("Access-Control-Allow-Methods"); got != "GET, POST, OPTIONS" {
		t.Errorf("Allow-Methods = %q", got)
	}
}

func TestStringIDEchoedVerbatim(t *testing.T) {
	g := newTestGateway(t)

	_, body := rpcCall(t, g, `{"jsonrpc":"2.0","method":"initialize","id":"req-abc"}`)
	resp := decodeResponse(t, body)
	if string(resp.ID) != `"req-abc"` {
		t.Errorf("id = %s, want the string echoed with its quotes", resp.ID)
	}
}
