package security

import (
	"fmt"
	"testing"
)

func TestRateLimiterAllow(t *testing.T) {
	rl := NewRateLimiter(1, 2, nil)
	defer rl.Stop()

	if !rl.Allow("client-a") {
		t.Error("first request should be allowed")
	}
	if !rl.Allow("client-a") {
		t.Error("second request within burst should be allowed")
	}
	if rl.Allow("client-a") {
		t.Error("third request should exceed burst")
	}

	// Independent identifier has its own bucket.
	if !rl.Allow("client-b") {
		t.Error("different identifier should not be throttled")
	}
}

func TestRateLimiterLRUEviction(t *testing.T) {
	rl := NewRateLimiterWithConfig(1, 1, 3, nil)
	defer rl.Stop()

	for i := 0; i < 5; i++ {
		rl.Allow(fmt.Sprintf("client-%d", i))
	}

	stats := rl.GetStats()
	if stats.CurrentEntries != 3 {
		t.Errorf("CurrentEntries = %d, want 3", stats.CurrentEntries)
	}
	if stats.TotalEvictions != 2 {
		t.Errorf("TotalEvictions = %d, want 2", stats.TotalEvictions)
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := NewRateLimiter(1, 1, nil)
	defer rl.Stop()

	rl.Allow("stale-client")
	rl.Cleanup(0)

	stats := rl.GetStats()
	if stats.CurrentEntries != 0 {
		t.Errorf("CurrentEntries after cleanup = %d, want 0", stats.CurrentEntries)
	}
}
