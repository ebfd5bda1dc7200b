package ingester

import (
	"context"
	"fmt"
	"testing"
	"time"

	"inkdex/internal/market"
	"inkdex/internal/models"
)

const (
	testUSDC = "0xf1815bd50389c46847f0bda824ec8da914045d14"
	testWETH = "0x4200000000000000000000000000000000000006"
)

type fixedSource struct {
	prices map[string]float64
}

func (s *fixedSource) PriceOf(ctx context.Context, token string, ts time.Time) (float64, error) {
	p, ok := s.prices[token]
	if !ok {
		return 0, fmt.Errorf("no price for %s", token)
	}
	return p, nil
}

func testValuer() *Valuer {
	oracle := market.NewOracle(&fixedSource{prices: map[string]float64{
		"eth":  2000,
		"weth": 2000,
	}})
	return NewValuer(oracle, nil)
}

func transferLog(token string, amount uint64) models.Log {
	return models.Log{
		Address: token,
		Topics: []string{
			transferTopic,
			"0x0000000000000000000000001111111111111111111111111111111111111111",
			"0x0000000000000000000000002222222222222222222222222222222222222222",
		},
		Data: fmt.Sprintf("0x%064x", amount),
	}
}

func TestUSDValueStablecoinLegWins(t *testing.T) {
	v := testValuer()
	logs := []models.Log{
		transferLog(testUSDC, 250_000_000),                // 250 USDC
		transferLog(testWETH, 1_000_000_000_000_000_000),  // 1 WETH = $2000
	}

	usd, err := v.USDValue(context.Background(), logs, "0", time.Now())
	if err != nil {
		t.Fatalf("USDValue: %v", err)
	}
	if usd == nil || *usd != 250 {
		t.Fatalf("usd = %v, want 250 (stablecoin leg preferred)", usd)
	}
}

func TestUSDValueSumsStablecoinLegs(t *testing.T) {
	v := testValuer()
	logs := []models.Log{
		transferLog(testUSDC, 500_000), // 0.5 USDC
		transferLog(testUSDC, 500_000), // 0.5 USDC
	}

	usd, err := v.USDValue(context.Background(), logs, "0", time.Now())
	if err != nil {
		t.Fatalf("USDValue: %v", err)
	}
	if usd == nil || *usd != 1.0 {
		t.Fatalf("usd = %v, want 1.0 (sum of stablecoin legs)", usd)
	}
}

func TestUSDValueSumsTokenLegs(t *testing.T) {
	v := testValuer()
	logs := []models.Log{
		transferLog(testWETH, 500_000_000_000_000_000), // 0.5 WETH
		transferLog(testWETH, 250_000_000_000_000_000), // 0.25 WETH
	}

	usd, err := v.USDValue(context.Background(), logs, "0", time.Now())
	if err != nil {
		t.Fatalf("USDValue: %v", err)
	}
	if usd == nil || *usd != 1500 {
		t.Fatalf("usd = %v, want 1500 (0.75 weth at $2000)", usd)
	}
}

func TestUSDValueTokenLegViaOracle(t *testing.T) {
	v := testValuer()
	logs := []models.Log{transferLog(testWETH, 500_000_000_000_000_000)} // 0.5 WETH

	usd, err := v.USDValue(context.Background(), logs, "0", time.Now())
	if err != nil {
		t.Fatalf("USDValue: %v", err)
	}
	if usd == nil || *usd != 1000 {
		t.Fatalf("usd = %v, want 1000", usd)
	}
}

func TestUSDValueNativeFallback(t *testing.T) {
	v := testValuer()

	usd, err := v.USDValue(context.Background(), nil, "1500000000000000000", time.Now())
	if err != nil {
		t.Fatalf("USDValue: %v", err)
	}
	if usd == nil || *usd != 3000 {
		t.Fatalf("usd = %v, want 3000 (1.5 eth at $2000)", usd)
	}
}

func TestUSDValueNothingPriceable(t *testing.T) {
	v := testValuer()

	// Unknown token transfer plus zero native value.
	logs := []models.Log{transferLog("0x9999999999999999999999999999999999999999", 123)}
	usd, err := v.USDValue(context.Background(), logs, "0", time.Now())
	if err != nil {
		t.Fatalf("USDValue: %v", err)
	}
	if usd != nil {
		t.Fatalf("usd = %v, want nil", *usd)
	}
}

func TestDerivedEthValue(t *testing.T) {
	v := testValuer()

	logs := []models.Log{transferLog(testWETH, 2_000_000_000_000_000_000)} // 2 WETH
	derived := v.DerivedEthValue(logs, "1000000000000000000")              // 1 ETH native
	if derived == nil || *derived != 2 {
		t.Fatalf("derived = %v, want 2", derived)
	}

	// Native value already dominates: nothing derived.
	if got := v.DerivedEthValue(logs, "3000000000000000000"); got != nil {
		t.Fatalf("derived = %v, want nil", *got)
	}
}

func TestABIDecoderSelectorLookup(t *testing.T) {
	abiJSON := []byte(`[
		{"type":"function","name":"swapExactETHForTokens","inputs":[
			{"name":"amountOutMin","type":"uint256"},
			{"name":"path","type":"address[]"},
			{"name":"to","type":"address"},
			{"name":"deadline","type":"uint256"}]},
		{"type":"function","name":"deposit","inputs":[]}
	]`)
	d, err := NewABIDecoder(abiJSON)
	if err != nil {
		t.Fatalf("NewABIDecoder: %v", err)
	}

	// keccak("deposit()") starts with 0xd0e30db0.
	if name := d.FunctionName("0xd0e30db0"); name == nil || *name != "deposit" {
		t.Fatalf("FunctionName(deposit selector) = %v", name)
	}
	if name := d.FunctionName("0x7ff36ab5"); name == nil || *name != "swapExactETHForTokens" {
		t.Fatalf("FunctionName(swap selector) = %v", name)
	}
	if name := d.FunctionName("0xdeadbeef"); name != nil {
		t.Fatalf("unknown selector resolved to %q", *name)
	}
}

func TestABIDecoderEmptyABI(t *testing.T) {
	d, err := NewABIDecoder(nil)
	if err != nil {
		t.Fatalf("NewABIDecoder(nil): %v", err)
	}
	if name := d.FunctionName("0xd0e30db0"); name != nil {
		t.Fatalf("empty decoder resolved %q", *name)
	}
}
