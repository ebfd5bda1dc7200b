package ingester

import (
	"testing"
	"time"
)

func TestThrottleWait(t *testing.T) {
	cases := []struct {
		retry int
		want  time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{7, 30 * time.Second},
	}
	for _, tc := range cases {
		got, ok := throttleWait(tc.retry)
		if !ok {
			t.Fatalf("throttleWait(%d): retry refused before budget spent", tc.retry)
		}
		if got != tc.want {
			t.Errorf("throttleWait(%d) = %v, want %v", tc.retry, got, tc.want)
		}
	}
}

func TestThrottleWaitExhaustsBudget(t *testing.T) {
	if _, ok := throttleWait(maxThrottleRetries); ok {
		t.Fatal("retry allowed past the budget")
	}
	if _, ok := throttleWait(maxThrottleRetries + 3); ok {
		t.Fatal("retry allowed far past the budget")
	}
}
