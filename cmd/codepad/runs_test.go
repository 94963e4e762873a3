package main

import (
	"testing"
	"time"
)

func TestShortID(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"3f2a9c1e-aaaa-bbbb-cccc-000000000000", "3f2a9c1e"},
		{"abc", "abc"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := shortID(tt.in); got != tt.want {
			t.Errorf("shortID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("  room-1  ", 18); got != "room-1" {
		t.Errorf("expected trimmed value, got %q", got)
	}
	if got := truncate("a-very-long-session-name", 6); got != "a-very.." {
		t.Errorf("expected truncated value, got %q", got)
	}
}

func TestTimeAgo(t *testing.T) {
	now := time.Now()
	tests := []struct {
		t    time.Time
		want string
	}{
		{now.Add(-10 * time.Second), "just now"},
		{now.Add(-5*time.Minute - time.Second), "5m ago"},
		{now.Add(-3*time.Hour - time.Second), "3h ago"},
		{now.Add(-49 * time.Hour), "2d ago"},
	}
	for _, tt := range tests {
		if got := timeAgo(tt.t); got != tt.want {
			t.Errorf("timeAgo(%s) = %q, want %q", now.Sub(tt.t), got, tt.want)
		}
	}
}
