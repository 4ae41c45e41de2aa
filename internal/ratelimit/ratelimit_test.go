package ratelimit

import (
	"testing"
	"time"
)

func TestCheckAllowsWithinBurst(t *testing.T) {
	l := New(Config{
		Burst:           3,
		RefillRate:      1,
		StrikeThreshold: 100,
		StrikeWindow:    time.Minute,
		BanDuration:     time.Minute,
		EvictionTTL:     time.Hour,
	}, nil)
	defer l.Close()

	for i := 0; i < 3; i++ {
		if got := l.Check("node-a").Outcome; got != Allowed {
			t.Fatalf("Check() call %d = %v, want Allowed", i, got)
		}
	}
	if got := l.Check("node-a").Outcome; got != RateLimited {
		t.Errorf("Check() after burst exhausted = %v, want RateLimited", got)
	}
}

func TestDistinctKeysDoNotShareBuckets(t *testing.T) {
	l := New(Config{
		Burst:           1,
		RefillRate:      0.001,
		StrikeThreshold: 100,
		StrikeWindow:    time.Minute,
		BanDuration:     time.Minute,
		EvictionTTL:     time.Hour,
	}, nil)
	defer l.Close()

	if got := l.Check("node-a").Outcome; got != Allowed {
		t.Fatalf("Check(node-a) = %v, want Allowed", got)
	}
	if got := l.Check("node-b").Outcome; got != Allowed {
		t.Errorf("Check(node-b) = %v, want Allowed — distinct key should have its own bucket", got)
	}
}

func TestStrikesEscalateToBan(t *testing.T) {
	l := New(Config{
		Burst:           1,
		RefillRate:      0.0001,
		StrikeThreshold: 3,
		StrikeWindow:    time.Minute,
		BanDuration:     time.Minute,
		EvictionTTL:     time.Hour,
	}, nil)
	defer l.Close()

	if got := l.Check("node-a").Outcome; got != Allowed {
		t.Fatalf("first Check() = %v, want Allowed", got)
	}

	var last Result
	for i := 0; i < 3; i++ {
		last = l.Check("node-a")
	}
	if last.Outcome != Banned {
		t.Errorf("Check() after %d strikes = %v, want Banned", 3, last.Outcome)
	}
	if last.Remaining <= 0 {
		t.Errorf("Banned result has non-positive Remaining: %v", last.Remaining)
	}

	if got := l.Check("node-a").Outcome; got != Banned {
		t.Errorf("Check() while banned = %v, want Banned", got)
	}
}
