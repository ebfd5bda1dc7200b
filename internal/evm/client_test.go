package evm

import (
	"errors"
	"testing"
	"time"
)

func TestBackoffSchedule(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second}, // 32s capped
		{10, 30 * time.Second},
		{63, 30 * time.Second}, // overflow guard
	}
	for _, c := range cases {
		if got := Backoff(c.attempt); got != c.want {
			t.Errorf("Backoff(%d) = %v, want %v", c.attempt, got, c.want)
		}
	}
}

func TestIsRateLimited(t *testing.T) {
	if !IsRateLimited(errors.New("429 Too Many Requests")) {
		t.Error("429 should be rate-limited")
	}
	if !IsRateLimited(errors.New("context deadline exceeded")) {
		t.Error("deadline should be rate-limited")
	}
	if IsRateLimited(errors.New("execution reverted")) {
		t.Error("revert is not rate limiting")
	}
	if IsRateLimited(nil) {
		t.Error("nil is not rate limiting")
	}
}

func TestIsTooManyResults(t *testing.T) {
	if !IsTooManyResults(errors.New("query returned more than 10000 results")) {
		t.Error("expected too-many-results")
	}
	if !IsTooManyResults(errors.New("Log response size exceeded")) {
		t.Error("expected too-many-results")
	}
	if IsTooManyResults(errors.New("429")) {
		t.Error("429 is not too-many-results")
	}
}

func TestErrorWindowRate(t *testing.T) {
	var w errorWindow
	if r := w.rate(); r != 0 {
		t.Fatalf("empty window rate = %v, want 0", r)
	}
	w.recordOK()
	w.recordOK()
	w.record()
	w.record()
	if r := w.rate(); r != 0.5 {
		t.Fatalf("rate = %v, want 0.5", r)
	}
}
