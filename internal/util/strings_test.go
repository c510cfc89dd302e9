package util

import "testing"

func TestSafeTruncate(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		maxLen int
		want   string
	}{
		{"longer than max", "very-long-token-abc123", 8, "very-lon"},
		{"shorter than max", "short", 10, "short"},
		{"exact length", "eight!!!", 8, "eight!!!"},
		{"zero max", "anything", 0, ""},
		{"negative max", "test", -1, ""},
		{"empty string", "", 5, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SafeTruncate(tt.input, tt.maxLen); got != tt.want {
				t.Errorf("SafeTruncate(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.want)
			}
		})
	}
}
