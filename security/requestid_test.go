package security

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestGenerateRequestID(t *testing.T) {
	id1 := GenerateRequestID()
	id2 := GenerateRequestID()

	if len(id1) != 22 {
		t.Errorf("request ID length = %d, want 22", len(id1))
	}
	if id1 == id2 {
		t.Error("consecutive request IDs should differ")
	}
	if !isValidRequestID(id1) {
		t.Errorf("generated request ID %q failed validation", id1)
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		upstreamID string
		preserved  bool
	}{
		{"no upstream ID", "", false},
		{"valid upstream ID", "upstream-abc_123", true},
		{"injection attempt", "bad\r\nSet-Cookie: x", false},
		{"overlong upstream ID", strings.Repeat("a", 200), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seenID string
			handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seenID = GetRequestID(r.Context())
			}))

			r := httptest.NewRequest("GET", "/", nil)
			if tt.upstreamID != "" {
				r.Header.Set(RequestIDHeader, tt.upstreamID)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, r)

			headerID := rr.Header().Get(RequestIDHeader)
			if headerID == "" {
				t.Fatal("response missing request ID header")
			}
			if headerID != seenID {
				t.Errorf("context ID %q != header ID %q", seenID, headerID)
			}
			if tt.preserved && headerID != tt.upstreamID {
				t.Errorf("valid upstream ID %q was replaced with %q", tt.upstreamID, headerID)
			}
			if !tt.preserved && headerID == tt.upstreamID {
				t.Errorf("invalid upstream ID %q was preserved", tt.upstreamID)
			}
		})
	}
}
