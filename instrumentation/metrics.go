package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the server and gateway
type Metrics struct {
	// HTTP layer
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// OAuth flows
	ClientRegistered metric.Int64Counter
	CodeIssued       metric.Int64Counter
	CodeRedeemed     metric.Int64Counter
	TokenIssued      metric.Int64Counter
	TokenRefreshed   metric.Int64Counter

	// Security signals
	CodeReplayDetected    metric.Int64Counter
	TokenValidationFailed metric.Int64Counter
	RateLimitExceeded     metric.Int64Counter

	// Gateway
	RPCRequestsTotal metric.Int64Counter
	RPCErrorsTotal   metric.Int64Counter
	ToolCallsTotal   metric.Int64Counter

	// Storage
	StorageOperationDuration metric.Float64Histogram
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}
	httpMeter := inst.Meter("http")
	oauthMeter := inst.Meter("oauth")
	mcpMeter := inst.Meter("mcp")
	storageMeter := inst.Meter("storage")

	var err error
	m.HTTPRequestsTotal, err = httpMeter.Int64Counter(
		"oauth.http.requests.total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.requests.total counter: %w", err)
	}

	m.HTTPRequestDuration, err = httpMeter.Float64Histogram(
		"oauth.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	m.ClientRegistered, err = oauthMeter.Int64Counter(
		"oauth.client.registered",
		metric.WithDescription("Number of clients registered"),
		metric.WithUnit("{client}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create client.registered counter: %w", err)
	}

	m.CodeIssued, err = oauthMeter.Int64Counter(
		"oauth.code.issued",
		metric.WithDescription("Number of authorization codes issued"),
		metric.WithUnit("{code}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create code.issued counter: %w", err)
	}

	m.CodeRedeemed, err = oauthMeter.Int64Counter(
		"oauth.code.redeemed",
		metric.WithDescription("Number of authorization codes exchanged for tokens"),
		metric.WithUnit("{exchange}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create code.redeemed counter: %w", err)
	}

	m.TokenIssued, err = oauthMeter.Int64Counter(
		"oauth.token.issued",
		metric.WithDescription("Number of tokens issued"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.issued counter: %w", err)
	}

	m.TokenRefreshed, err = oauthMeter.Int64Counter(
		"oauth.token.refreshed",
		metric.WithDescription("Number of tokens rotated via the refresh grant"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.refreshed counter: %w", err)
	}

	m.CodeReplayDetected, err = oauthMeter.Int64Counter(
		"oauth.code.replay.detected",
		metric.WithDescription("Number of authorization code replay attempts detected"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create code.replay.detected counter: %w", err)
	}

	m.TokenValidationFailed, err = oauthMeter.Int64Counter(
		"oauth.token.validation.failed",
		metric.WithDescription("Number of failed bearer token validations"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.validation.failed counter: %w", err)
	}

	m.RateLimitExceeded, err = oauthMeter.Int64Counter(
		"oauth.ratelimit.exceeded",
		metric.WithDescription("Number of requests rejected by rate limiting"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ratelimit.exceeded counter: %w", err)
	}

	m.RPCRequestsTotal, err = mcpMeter.Int64Counter(
		"mcp.rpc.requests.total",
		metric.WithDescription("Total number of JSON-RPC requests handled by the gateway"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rpc.requests.total counter: %w", err)
	}

	m.RPCErrorsTotal, err = mcpMeter.Int64Counter(
		"mcp.rpc.errors.total",
		metric.WithDescription("Total number of JSON-RPC error responses"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rpc.errors.total counter: %w", err)
	}

	m.ToolCallsTotal, err = mcpMeter.Int64Counter(
		"mcp.tool.calls.total",
		metric.WithDescription("Total number of tool invocations"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool.calls.total counter: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request metric with common attributes
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, status int, durationMs float64) {
	attrs := metric.WithAttributes(
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPEndpoint, endpoint),
		attribute.Int(AttrHTTPStatusCode, status),
	)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String(AttrHTTPEndpoint, endpoint),
	))
}

// RecordRPCRequest records a gateway JSON-RPC request and, when code is
// non-zero, the corresponding error response.
func (m *Metrics) RecordRPCRequest(ctx context.Context, method string, code int) {
	m.RPCRequestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrRPCMethod, method),
	))
	if code != 0 {
		m.RPCErrorsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String(AttrRPCMethod, method),
			attribute.Int(AttrRPCErrorCode, code),
		))
	}
}
