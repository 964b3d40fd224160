package util

import "testing"

func TestTruncate(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		maxLen int
		want   string
	}{
		{"short string", "short", 10, "short"},
		{"exact limit", "12345678901234567890", 20, "12345678901234567890"},
		{"long string", "1234567890abcdefghij", 10, "1234567890..."},
		{"empty string", "", 10, ""},
		{"zero limit passes through", "anything", 0, "anything"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Truncate(tt.input, tt.maxLen); got != tt.want {
				t.Errorf("Truncate(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.want)
			}
		})
	}
}
