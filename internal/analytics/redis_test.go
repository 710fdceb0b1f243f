package analytics

import (
	"testing"
	"time"
)

func TestTruncateToBucket(t *testing.T) {
	at := time.Date(2026, 1, 2, 10, 37, 42, 0, time.UTC)

	tests := []struct {
		name   string
		window time.Duration
		want   string
	}{
		{"minute", time.Minute, "202601021037"},
		{"five minutes", 5 * time.Minute, "202601021035"},
		{"hour", time.Hour, "2026010210"},
		{"unknown falls back to minute", 17 * time.Second, "202601021037"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := truncateToBucket(at, tt.window); got != tt.want {
				t.Errorf("truncateToBucket = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTruncateToBucket_NormalizesToUTC(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	// 05:15 New York is 10:15 UTC in January.
	at := time.Date(2026, 1, 2, 5, 15, 0, 0, ny)

	if got := truncateToBucket(at, time.Hour); got != "2026010210" {
		t.Errorf("truncateToBucket = %q, want the UTC hour 2026010210", got)
	}
}
