package market

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// PriceSource maps (token, timestamp) to a USD price. Pluggable so tests and
// offline runs can substitute a fixed table.
type PriceSource interface {
	PriceOf(ctx context.Context, token string, ts time.Time) (float64, error)
}

// Stablecoins are valued at $1 without an oracle round-trip.
var stablecoins = map[string]bool{
	"usdc":   true,
	"usdt":   true,
	"usdc.e": true,
	"dai":    true,
}

func IsStablecoin(symbol string) bool {
	return stablecoins[strings.ToLower(symbol)]
}

// Oracle caches a PriceSource per (token, hour bucket). The cache is the only
// shared mutable in-memory state in the process; readers never block writers
// thanks to the RWMutex in hourCache.
type Oracle struct {
	source PriceSource
	cache  *hourCache
}

func NewOracle(source PriceSource) *Oracle {
	return &Oracle{
		source: source,
		cache:  newHourCache(8192),
	}
}

func (o *Oracle) PriceOf(ctx context.Context, token string, ts time.Time) (float64, error) {
	token = strings.ToLower(token)
	if stablecoins[token] {
		return 1.0, nil
	}

	bucket := ts.UTC().Truncate(time.Hour)
	if usd, ok := o.cache.get(token, bucket); ok {
		return usd, nil
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	usd, err := o.source.PriceOf(ctx, token, bucket)
	if err != nil {
		return 0, err
	}
	o.cache.put(token, bucket, usd)
	return usd, nil
}

// EthPrice is a convenience for the native-value fallback path.
func (o *Oracle) EthPrice(ctx context.Context, ts time.Time) (float64, error) {
	return o.PriceOf(ctx, "eth", ts)
}

// HTTPSource fetches prices from the configured oracle endpoint:
// GET {base}?token={sym}&timestamp={unix} -> {"usd": 1234.56}
type HTTPSource struct {
	baseURL string
	http    *http.Client
}

func NewHTTPSource(baseURL string) *HTTPSource {
	return &HTTPSource{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *HTTPSource) PriceOf(ctx context.Context, token string, ts time.Time) (float64, error) {
	q := url.Values{}
	q.Set("token", token)
	q.Set("timestamp", strconv.FormatInt(ts.Unix(), 10))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("User-Agent", "inkdex/1.0")

	resp, err := s.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("oracle status: %s", resp.Status)
	}

	var result struct {
		USD float64 `json:"usd"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, fmt.Errorf("oracle payload: %w", err)
	}
	if result.USD <= 0 {
		return 0, fmt.Errorf("oracle returned no price for %s", token)
	}
	return result.USD, nil
}
