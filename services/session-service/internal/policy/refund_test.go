package policy

import (
	"testing"
	"time"
)

func TestRefundPercentBoundaries(t *testing.T) {
	start := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name   string
		before time.Duration
		want   int
	}{
		{"well ahead", 72 * time.Hour, 100},
		{"exactly 48h", 48 * time.Hour, 100},
		{"47h59m", 47*time.Hour + 59*time.Minute, 50},
		{"exactly 24h", 24 * time.Hour, 50},
		{"23h59m", 23*time.Hour + 59*time.Minute, 0},
		{"10h", 10 * time.Hour, 0},
		{"after start", -time.Hour, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			now := start.Add(-tc.before)
			if got := RefundPercent(now, start); got != tc.want {
				t.Fatalf("RefundPercent(%s before start) = %d, want %d", tc.before, got, tc.want)
			}
		})
	}
}

func TestRefundAmount(t *testing.T) {
	start := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	cents, percent := RefundAmount(10000, start.Add(-36*time.Hour), start)
	if percent != 50 || cents != 5000 {
		t.Fatalf("expected 50%% / 5000, got %d%% / %d", percent, cents)
	}

	cents, percent = RefundAmount(9999, start.Add(-36*time.Hour), start)
	if cents != 4999 {
		t.Fatalf("expected truncation to 4999, got %d", cents)
	}

	cents, percent = RefundAmount(10000, start.Add(-time.Hour), start)
	if percent != 0 || cents != 0 {
		t.Fatalf("expected 0%% / 0, got %d%% / %d", percent, cents)
	}
}

func TestEvaluateJoinWindow(t *testing.T) {
	start := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)

	w := EvaluateJoinWindow(start.Add(-30*time.Minute), start, end)
	if w.Open || w.Ended {
		t.Fatalf("expected not yet open, got %+v", w)
	}
	if w.MinutesUntilOpen != 15 {
		t.Fatalf("expected 15 minutes until open, got %d", w.MinutesUntilOpen)
	}

	w = EvaluateJoinWindow(start.Add(-15*time.Minute), start, end)
	if !w.Open {
		t.Fatalf("window should open exactly 15m before start, got %+v", w)
	}

	w = EvaluateJoinWindow(end.Add(15*time.Minute), start, end)
	if !w.Open {
		t.Fatalf("window should still be open 15m after end, got %+v", w)
	}

	w = EvaluateJoinWindow(end.Add(16*time.Minute), start, end)
	if !w.Ended {
		t.Fatalf("window should have ended, got %+v", w)
	}
}

func TestBookableAt(t *testing.T) {
	start := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	if !BookableAt(start.Add(-24*time.Hour), start) {
		t.Fatal("exactly 24h notice should be bookable")
	}
	if BookableAt(start.Add(-23*time.Hour), start) {
		t.Fatal("23h notice should not be bookable")
	}
}
