package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys.
//
// SECURITY: Never attach actual credential values (access tokens, refresh
// tokens, authorization codes, client secrets) to spans or metrics. Only
// metadata such as grant types, client IDs, and validation results.
const (
	// OAuth flow attributes
	AttrClientID  = "oauth.client_id"
	AttrUserID    = "oauth.user_id"
	AttrScope     = "oauth.scope"
	AttrGrantType = "oauth.grant_type"
	AttrError     = "oauth.error"

	// Gateway attributes
	AttrRPCMethod    = "rpc.method"
	AttrRPCErrorCode = "rpc.error_code"
	AttrToolName     = "mcp.tool_name"

	// Storage attributes
	AttrStorageOperation = "storage.operation"
	AttrStorageResult    = "storage.result"

	// HTTP attributes
	AttrHTTPEndpoint   = "http.endpoint"
	AttrHTTPMethod     = "http.method"
	AttrHTTPStatusCode = "http.status_code"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddFlowAttributes adds common OAuth flow attributes to a span (nil-safe)
func AddFlowAttributes(span trace.Span, clientID, userID, grantType string) {
	if clientID != "" {
		SetSpanAttributes(span, attribute.String(AttrClientID, clientID))
	}
	if userID != "" {
		SetSpanAttributes(span, attribute.String(AttrUserID, userID))
	}
	if grantType != "" {
		SetSpanAttributes(span, attribute.String(AttrGrantType, grantType))
	}
}
