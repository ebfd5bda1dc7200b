package ingester

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"inkdex/internal/market"
	"inkdex/internal/models"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/core/types"
)

// ERC-20 Transfer(address,address,uint256).
const transferTopic = "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"

// TokenInfo describes a catalog token the valuer can price.
type TokenInfo struct {
	Symbol   string
	Decimals int
}

// DefaultTokenCatalog is the static token list for the Ink chain. The
// catalogs are inputs; additions land here, not in the database.
var DefaultTokenCatalog = map[string]TokenInfo{
	"0xf1815bd50389c46847f0bda824ec8da914045d14": {Symbol: "usdc.e", Decimals: 6},
	"0x0200c29006150606b650577bbe7b6248f58470c1": {Symbol: "usdt", Decimals: 6},
	"0x4200000000000000000000000000000000000006": {Symbol: "weth", Decimals: 18},
}

// ABIDecoder maps 4-byte input selectors to function names using a contract's
// stored ABI fragment.
type ABIDecoder struct {
	bySelector map[string]string
}

func NewABIDecoder(abiJSON json.RawMessage) (*ABIDecoder, error) {
	if len(abiJSON) == 0 {
		return &ABIDecoder{bySelector: map[string]string{}}, nil
	}
	parsed, err := abi.JSON(strings.NewReader(string(abiJSON)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse contract abi: %w", err)
	}

	bySelector := make(map[string]string, len(parsed.Methods))
	for _, method := range parsed.Methods {
		bySelector["0x"+hex.EncodeToString(method.ID)] = method.Name
	}
	return &ABIDecoder{bySelector: bySelector}, nil
}

// FunctionName resolves a 0x-prefixed 4-byte selector; nil when the ABI does
// not know it (or no ABI was stored).
func (d *ABIDecoder) FunctionName(selector string) *string {
	if name, ok := d.bySelector[strings.ToLower(selector)]; ok {
		return &name
	}
	return nil
}

// Valuer turns a transaction's logs and native value into a USD figure.
type Valuer struct {
	oracle *market.Oracle
	tokens map[string]TokenInfo
}

func NewValuer(oracle *market.Oracle, tokens map[string]TokenInfo) *Valuer {
	if tokens == nil {
		tokens = DefaultTokenCatalog
	}
	return &Valuer{oracle: oracle, tokens: tokens}
}

// transferLeg is one ERC-20 Transfer found in a receipt.
type transferLeg struct {
	token  TokenInfo
	amount float64 // token units, decimals applied
}

func (v *Valuer) transferLegs(logs []models.Log) []transferLeg {
	var legs []transferLeg
	for _, lg := range logs {
		if len(lg.Topics) != 3 || lg.Topics[0] != transferTopic {
			continue
		}
		token, known := v.tokens[strings.ToLower(lg.Address)]
		if !known {
			continue
		}
		raw := strings.TrimPrefix(lg.Data, "0x")
		if len(raw) < 64 {
			continue
		}
		word := new(big.Int)
		if _, ok := word.SetString(raw[:64], 16); !ok {
			continue
		}
		amount, _ := new(big.Float).Quo(
			new(big.Float).SetInt(word),
			big.NewFloat(pow10(token.Decimals)),
		).Float64()
		legs = append(legs, transferLeg{token: token, amount: amount})
	}
	return legs
}

// USDValue prices a transaction. Preference order: the sum of stablecoin
// transfer legs (exact by construction), then the summed priceable token legs
// via the oracle, then the native value at the ETH price. Returns nil when
// nothing priceable moved.
func (v *Valuer) USDValue(ctx context.Context, logs []models.Log, ethValueWei string, ts time.Time) (*float64, error) {
	legs := v.transferLegs(logs)

	var stableSum float64
	for _, leg := range legs {
		if market.IsStablecoin(leg.token.Symbol) {
			stableSum += leg.amount
		}
	}
	if stableSum > 0 {
		return &stableSum, nil
	}

	var tokenSum float64
	for _, leg := range legs {
		if market.IsStablecoin(leg.token.Symbol) {
			continue
		}
		price, err := v.oracle.PriceOf(ctx, leg.token.Symbol, ts)
		if err != nil {
			return nil, fmt.Errorf("failed to price %s leg: %w", leg.token.Symbol, err)
		}
		tokenSum += leg.amount * price
	}
	if tokenSum > 0 {
		return &tokenSum, nil
	}

	eth := weiToEth(ethValueWei)
	if eth <= 0 {
		return nil, nil
	}
	price, err := v.oracle.EthPrice(ctx, ts)
	if err != nil {
		return nil, fmt.Errorf("failed to price native value: %w", err)
	}
	usd := eth * price
	return &usd, nil
}

// DerivedEthValue reports value conveyed through WETH legs when it exceeds
// the native value; nil otherwise.
func (v *Valuer) DerivedEthValue(logs []models.Log, ethValueWei string) *float64 {
	native := weiToEth(ethValueWei)
	best := native
	for _, leg := range v.transferLegs(logs) {
		if leg.token.Symbol == "weth" && leg.amount > best {
			best = leg.amount
		}
	}
	if best > native {
		return &best
	}
	return nil
}

func pow10(n int) float64 {
	out := 1.0
	for i := 0; i < n; i++ {
		out *= 10
	}
	return out
}

func weiToEth(wei string) float64 {
	if wei == "" {
		return 0
	}
	v, ok := new(big.Float).SetString(wei)
	if !ok {
		return 0
	}
	f, _ := v.Quo(v, big.NewFloat(1e18)).Float64()
	return f
}

// convertLogs flattens receipt logs into the persisted shape.
func convertLogs(logs []*types.Log) []models.Log {
	out := make([]models.Log, 0, len(logs))
	for _, lg := range logs {
		topics := make([]string, 0, len(lg.Topics))
		for _, t := range lg.Topics {
			topics = append(topics, strings.ToLower(t.Hex()))
		}
		out = append(out, models.Log{
			Index:   lg.Index,
			Address: strings.ToLower(lg.Address.Hex()),
			Topics:  topics,
			Data:    "0x" + hex.EncodeToString(lg.Data),
		})
	}
	return out
}
