package repository

import (
	"context"
	"math/big"
	"strings"

	"inkdex/internal/models"
)

// LayerZero OFT v2 event signatures.
const (
	topicOFTSent     = "0x85496b760a4b7f8d66384b9df21b381f5d1b1e79f229a47aaf4c232edc2fe59a"
	topicOFTReceived = "0xefed6d3500546b29533b128a29e3a94d70788727f0507505ac12eaf2e578fd9c"
)

// oftDecimals: bridged amounts are denominated in 6-decimal stablecoin units.
const oftDecimals = 1e6

type BridgePlatformAggregate struct {
	Platform        string   `json:"platform"`
	SubPlatform     string   `json:"subPlatform,omitempty"`
	EthValue        float64  `json:"ethValue"`
	UsdValue        float64  `json:"usdValue"`
	TxCount         int64    `json:"txCount"`
	Logo            string   `json:"logo,omitempty"`
	URL             string   `json:"url,omitempty"`
	BridgedInUsd    *float64 `json:"bridgedInUsd,omitempty"`
	BridgedInCount  *int64   `json:"bridgedInCount,omitempty"`
	BridgedOutUsd   *float64 `json:"bridgedOutUsd,omitempty"`
	BridgedOutCount *int64   `json:"bridgedOutCount,omitempty"`
}

type BridgeAggregate struct {
	TotalEth        float64                   `json:"totalEth"`
	TotalUsd        float64                   `json:"totalUsd"`
	TxCount         int64                     `json:"txCount"`
	BridgedInUsd    float64                   `json:"bridgedInUsd"`
	BridgedInCount  int64                     `json:"bridgedInCount"`
	BridgedOutUsd   float64                   `json:"bridgedOutUsd"`
	BridgedOutCount int64                     `json:"bridgedOutCount"`
	ByPlatform      []BridgePlatformAggregate `json:"byPlatform"`
}

type bridgeRow struct {
	txHash       string
	ethValue     string
	selector     string
	logs         []models.Log
	platformSlug string
	platformName string
	platformLogo string
	platformURL  string
	fromHot      bool
	hotRules     map[string]string
}

// oftAmountWord extracts the amount from an OFT event's data: the second
// 32-byte word, in 6-decimal units.
func oftAmountWord(data string) (float64, bool) {
	hex := strings.TrimPrefix(data, "0x")
	if len(hex) < 128 {
		return 0, false
	}
	word := new(big.Int)
	if _, ok := word.SetString(hex[64:128], 16); !ok {
		return 0, false
	}
	f, _ := new(big.Float).SetInt(word).Float64()
	return f / oftDecimals, true
}

func weiToEth(wei string) float64 {
	v, ok := new(big.Float).SetString(wei)
	if !ok {
		return 0
	}
	f, _ := v.Quo(v, big.NewFloat(1e18)).Float64()
	return f
}

// BridgeAggregate replays the wallet's bridge activity. Two sources:
// transactions the wallet sent to bridge contracts (OFTSent = bridged out,
// OFTReceived = bridged in), and outbound transfers from curated hot wallets
// addressed to this wallet (always bridged in; sub-platform attributed via
// each hot wallet's selector rules).
func (r *Repository) BridgeAggregate(ctx context.Context, wallet string) (*BridgeAggregate, error) {
	wallet = strings.ToLower(wallet)

	rows, err := r.bridgeRows(ctx, wallet)
	if err != nil {
		return nil, err
	}

	agg := &BridgeAggregate{ByPlatform: []BridgePlatformAggregate{}}
	type platKey struct{ platform, sub string }
	perPlatform := map[platKey]*BridgePlatformAggregate{}

	for _, row := range rows {
		var inUsd, outUsd float64
		var inCount, outCount int64

		if row.fromHot {
			// Hot wallet outbound = funds arriving on-chain for this wallet.
			for _, lg := range row.logs {
				if len(lg.Topics) == 0 {
					continue
				}
				if amt, ok := oftAmountWord(lg.Data); ok &&
					(lg.Topics[0] == topicOFTReceived || lg.Topics[0] == topicOFTSent) {
					inUsd += amt
				}
			}
			if inUsd == 0 {
				inUsd = weiToEth(row.ethValue)
			}
			inCount = 1
		} else {
			for _, lg := range row.logs {
				if len(lg.Topics) == 0 {
					continue
				}
				amt, ok := oftAmountWord(lg.Data)
				if !ok {
					continue
				}
				switch lg.Topics[0] {
				case topicOFTSent:
					outUsd += amt
					outCount = 1
				case topicOFTReceived:
					inUsd += amt
					inCount = 1
				}
			}
			if inCount == 0 && outCount == 0 {
				continue
			}
		}

		sub := ""
		if row.fromHot && row.hotRules != nil {
			sub = row.hotRules[row.selector]
		}

		key := platKey{row.platformSlug, sub}
		p := perPlatform[key]
		if p == nil {
			p = &BridgePlatformAggregate{
				Platform:    row.platformName,
				SubPlatform: sub,
				Logo:        row.platformLogo,
				URL:         row.platformURL,
			}
			var zi, zo float64
			var zic, zoc int64
			p.BridgedInUsd, p.BridgedOutUsd = &zi, &zo
			p.BridgedInCount, p.BridgedOutCount = &zic, &zoc
			perPlatform[key] = p
		}

		p.EthValue += weiToEth(row.ethValue)
		p.UsdValue += inUsd + outUsd
		p.TxCount += inCount + outCount
		*p.BridgedInUsd += inUsd
		*p.BridgedInCount += inCount
		*p.BridgedOutUsd += outUsd
		*p.BridgedOutCount += outCount

		agg.TotalEth += weiToEth(row.ethValue)
		agg.TotalUsd += inUsd + outUsd
		agg.TxCount += inCount + outCount
		agg.BridgedInUsd += inUsd
		agg.BridgedInCount += inCount
		agg.BridgedOutUsd += outUsd
		agg.BridgedOutCount += outCount
	}

	for _, p := range perPlatform {
		agg.ByPlatform = append(agg.ByPlatform, *p)
	}
	sortByPlatformValue(agg.ByPlatform)
	return agg, nil
}

func sortByPlatformValue(platforms []BridgePlatformAggregate) {
	for i := 1; i < len(platforms); i++ {
		for j := i; j > 0 && platforms[j].UsdValue > platforms[j-1].UsdValue; j-- {
			platforms[j], platforms[j-1] = platforms[j-1], platforms[j]
		}
	}
}

func (r *Repository) bridgeRows(ctx context.Context, wallet string) ([]bridgeRow, error) {
	hotWallets, err := r.ListBridgeHotWallets(ctx)
	if err != nil {
		return nil, err
	}
	hotBySender := make(map[string]models.BridgeHotWallet, len(hotWallets))
	hotAddrs := make([]string, 0, len(hotWallets))
	for _, hw := range hotWallets {
		addr := strings.ToLower(hw.Address)
		hotBySender[addr] = hw
		hotAddrs = append(hotAddrs, addr)
	}

	// DISTINCT ON keeps one row per transaction: a contract linked to several
	// platforms must not multiply the tx in the totals.
	query := `
		SELECT DISTINCT ON (d.tx_hash)
		       d.tx_hash, d.wallet_address, d.eth_value::text, d.input_selector, e.logs,
		       COALESCE(p.slug, ''), COALESCE(p.name, ''), COALESCE(p.logo_url, ''), COALESCE(p.website_url, '')
		FROM transaction_details d
		JOIN transaction_enrichment e ON e.tx_hash = d.tx_hash
		LEFT JOIN contracts c ON c.address = d.contract_address
		LEFT JOIN contract_platforms cp ON cp.contract_id = c.id
		LEFT JOIN platforms p ON p.id = cp.platform_id
		WHERE d.status = 1
		  AND (d.wallet_address = $1
		       OR (d.wallet_address = ANY($2) AND EXISTS (
		             SELECT 1 FROM jsonb_array_elements(e.logs) AS l
		             WHERE l->'topics'->>2 = $3)))
		ORDER BY d.tx_hash, p.slug`

	rows, err := r.db.Query(ctx, query, wallet, hotAddrs, paddedTopic(wallet))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []bridgeRow
	for rows.Next() {
		var row bridgeRow
		var sender string
		if err := rows.Scan(&row.txHash, &sender, &row.ethValue, &row.selector, &row.logs,
			&row.platformSlug, &row.platformName, &row.platformLogo, &row.platformURL); err != nil {
			return nil, err
		}
		if hw, ok := hotBySender[sender]; ok && sender != wallet {
			row.fromHot = true
			row.hotRules = hw.SelectorRules
			if row.platformSlug == "" {
				row.platformSlug = hw.PlatformSlug
				row.platformName = hw.PlatformSlug
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
