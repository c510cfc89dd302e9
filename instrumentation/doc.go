// Package instrumentation provides OpenTelemetry metrics and tracing for
// the authorization server and gateway.
//
// Metrics cover the HTTP layer (request counts and durations), the OAuth
// flows (clients registered, codes issued and redeemed, tokens issued and
// refreshed), security signals (rate limit hits, code replay detections,
// failed validations), and the JSON-RPC gateway (requests, errors, tool
// calls). Tracing helpers attach flow attributes to spans without ever
// carrying credential values.
//
// When disabled, no-op providers are used and the instrumented paths add
// zero overhead.
package instrumentation
