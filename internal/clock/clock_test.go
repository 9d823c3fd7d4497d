package clock

import "testing"

func TestNowMsReasonable(t *testing.T) {
	ts := NowMs()
	if ts < 1577836800000 {
		t.Fatalf("expected a timestamp after 2020, got %d", ts)
	}
}

func TestSinceMsSaturates(t *testing.T) {
	if got := SinceMs(100, 200); got != 0 {
		t.Fatalf("expected saturating subtraction to yield 0, got %d", got)
	}
	if got := SinceMs(200, 100); got != 100 {
		t.Fatalf("expected 100, got %d", got)
	}
	if got := SinceMs(100, 100); got != 0 {
		t.Fatalf("expected 0 for equal timestamps, got %d", got)
	}
}
