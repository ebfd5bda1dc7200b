package market

import (
	"context"
	"testing"
	"time"
)

type countingSource struct {
	calls int
	price float64
}

func (s *countingSource) PriceOf(ctx context.Context, token string, ts time.Time) (float64, error) {
	s.calls++
	return s.price, nil
}

func TestOracleCachesPerHourBucket(t *testing.T) {
	src := &countingSource{price: 3000}
	o := NewOracle(src)
	ctx := context.Background()

	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	for _, offset := range []time.Duration{0, 10 * time.Minute, 59 * time.Minute} {
		usd, err := o.PriceOf(ctx, "eth", base.Add(offset))
		if err != nil {
			t.Fatalf("PriceOf: %v", err)
		}
		if usd != 3000 {
			t.Fatalf("usd = %v, want 3000", usd)
		}
	}
	if src.calls != 1 {
		t.Fatalf("source called %d times for one hour bucket, want 1", src.calls)
	}

	// Next hour is a new bucket.
	if _, err := o.PriceOf(ctx, "eth", base.Add(time.Hour)); err != nil {
		t.Fatalf("PriceOf: %v", err)
	}
	if src.calls != 2 {
		t.Fatalf("source called %d times across two buckets, want 2", src.calls)
	}
}

func TestOracleStablecoinShortcut(t *testing.T) {
	src := &countingSource{price: 123}
	o := NewOracle(src)

	for _, sym := range []string{"USDC", "usdt", "DAI"} {
		usd, err := o.PriceOf(context.Background(), sym, time.Now())
		if err != nil {
			t.Fatalf("PriceOf(%s): %v", sym, err)
		}
		if usd != 1.0 {
			t.Errorf("PriceOf(%s) = %v, want 1.0", sym, usd)
		}
	}
	if src.calls != 0 {
		t.Errorf("stablecoins must not hit the source, got %d calls", src.calls)
	}
}

func TestHourCacheEviction(t *testing.T) {
	c := newHourCache(4)
	now := time.Now().Truncate(time.Hour)
	for i := 0; i < 6; i++ {
		c.put("tok", now.Add(time.Duration(i)*time.Hour), float64(i))
	}
	if c.len() > 4 {
		t.Fatalf("cache size %d exceeds cap 4", c.len())
	}
	// Most recent entry survives eviction.
	if _, ok := c.get("tok", now.Add(5*time.Hour)); !ok {
		t.Error("newest entry evicted")
	}
}
