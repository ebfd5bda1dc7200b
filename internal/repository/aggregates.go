package repository

import (
	"context"
	"strings"
	"time"
)

// WalletStats is the headline activity summary for one wallet.
type WalletStats struct {
	TxCount        int64      `json:"txCount"`
	ContractCount  int64      `json:"contractCount"`
	TotalUsdVolume float64    `json:"totalUsdVolume"`
	TotalEthVolume float64    `json:"totalEthVolume"`
	FirstActivity  *time.Time `json:"firstActivity"`
	LastActivity   *time.Time `json:"lastActivity"`
}

func (r *Repository) GetWalletStats(ctx context.Context, wallet string) (*WalletStats, error) {
	var s WalletStats
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(DISTINCT d.contract_address),
		       COALESCE(SUM(e.usd_value), 0)::float8,
		       (COALESCE(SUM(d.eth_value), 0) / 1e18)::float8,
		       MIN(d.block_timestamp),
		       MAX(d.block_timestamp)
		FROM transaction_details d
		LEFT JOIN transaction_enrichment e ON e.tx_hash = d.tx_hash
		WHERE d.wallet_address = $1 AND d.status = 1`,
		strings.ToLower(wallet),
	).Scan(&s.TxCount, &s.ContractCount, &s.TotalUsdVolume, &s.TotalEthVolume, &s.FirstActivity, &s.LastActivity)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

type SwapPlatformAggregate struct {
	Platform string  `json:"platform"`
	UsdValue float64 `json:"usdValue"`
	TxCount  int64   `json:"txCount"`
	Logo     string  `json:"logo,omitempty"`
	URL      string  `json:"url,omitempty"`
}

type SwapAggregate struct {
	TotalUsd   float64                 `json:"totalUsd"`
	TxCount    int64                   `json:"txCount"`
	ByPlatform []SwapPlatformAggregate `json:"byPlatform"`
}

// SwapAggregate sums the wallet's DEX activity, grouped by platform. Swaps
// are recognized by decoded function name.
func (r *Repository) SwapAggregate(ctx context.Context, wallet string) (*SwapAggregate, error) {
	rows, err := r.db.Query(ctx, `
		SELECT p.name, p.logo_url, p.website_url,
		       COALESCE(SUM(e.usd_value), 0)::float8, COUNT(*)
		FROM transaction_details d
		JOIN transaction_enrichment e ON e.tx_hash = d.tx_hash
		JOIN contracts c ON c.address = d.contract_address
		JOIN contract_platforms cp ON cp.contract_id = c.id
		JOIN platforms p ON p.id = cp.platform_id
		WHERE d.wallet_address = $1 AND d.status = 1
		  AND e.function_name ILIKE '%swap%'
		GROUP BY p.name, p.logo_url, p.website_url
		ORDER BY 4 DESC`,
		strings.ToLower(wallet),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	agg := &SwapAggregate{ByPlatform: []SwapPlatformAggregate{}}
	for rows.Next() {
		var p SwapPlatformAggregate
		if err := rows.Scan(&p.Platform, &p.Logo, &p.URL, &p.UsdValue, &p.TxCount); err != nil {
			return nil, err
		}
		agg.TotalUsd += p.UsdValue
		agg.TxCount += p.TxCount
		agg.ByPlatform = append(agg.ByPlatform, p)
	}
	return agg, rows.Err()
}

// CirculatedVolume is the total value that moved through a wallet: its own
// outgoing transactions plus transfers addressed to it in other wallets'
// enriched logs.
type CirculatedVolume struct {
	TotalEth    float64 `json:"totalEth"`
	TotalUsd    float64 `json:"totalUsd"`
	IncomingUsd float64 `json:"incomingUsd"`
	OutgoingUsd float64 `json:"outgoingUsd"`
	TxCount     int64   `json:"txCount"`
}

func (r *Repository) CirculatedVolume(ctx context.Context, wallet string) (*CirculatedVolume, error) {
	wallet = strings.ToLower(wallet)
	var v CirculatedVolume

	var outEth float64
	err := r.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(e.usd_value), 0)::float8,
		       (COALESCE(SUM(d.eth_value), 0) / 1e18)::float8,
		       COUNT(*)
		FROM transaction_details d
		LEFT JOIN transaction_enrichment e ON e.tx_hash = d.tx_hash
		WHERE d.wallet_address = $1 AND d.status = 1`,
		wallet,
	).Scan(&v.OutgoingUsd, &outEth, &v.TxCount)
	if err != nil {
		return nil, err
	}

	var inEth float64
	var inCount int64
	err = r.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(e.usd_value), 0)::float8,
		       COALESCE(SUM(e.eth_value_derived), 0)::float8,
		       COUNT(*)
		FROM transaction_details d
		JOIN transaction_enrichment e ON e.tx_hash = d.tx_hash
		WHERE d.status = 1 AND d.wallet_address <> $1
		  AND EXISTS (
		      SELECT 1 FROM jsonb_array_elements(e.logs) AS l
		      WHERE l->'topics'->>2 = $2)`,
		wallet, paddedTopic(wallet),
	).Scan(&v.IncomingUsd, &inEth, &inCount)
	if err != nil {
		return nil, err
	}

	v.TotalUsd = v.IncomingUsd + v.OutgoingUsd
	v.TotalEth = outEth + inEth
	v.TxCount += inCount
	return &v, nil
}

// LendingAggregate replays deposit/withdraw/borrow/repay activity on a
// lending platform's contracts. Current positions are net flows; totals and
// counts are historical.
type LendingAggregate struct {
	CurrentSupplyUsd  float64 `json:"currentSupplyUsd"`
	CurrentBorrowUsd  float64 `json:"currentBorrowUsd"`
	TotalDepositedUsd float64 `json:"totalDepositedUsd"`
	TotalBorrowedUsd  float64 `json:"totalBorrowedUsd"`
	DepositCount      int64   `json:"depositCount"`
	WithdrawCount     int64   `json:"withdrawCount"`
	BorrowCount       int64   `json:"borrowCount"`
	RepayCount        int64   `json:"repayCount"`
}

func (r *Repository) LendingAggregate(ctx context.Context, wallet, platformSlug string) (*LendingAggregate, error) {
	var a LendingAggregate
	var withdrawnUsd, repaidUsd float64
	err := r.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(e.usd_value) FILTER (WHERE e.function_name = 'deposit'), 0)::float8,
		       COALESCE(SUM(e.usd_value) FILTER (WHERE e.function_name = 'withdraw'), 0)::float8,
		       COALESCE(SUM(e.usd_value) FILTER (WHERE e.function_name = 'borrow'), 0)::float8,
		       COALESCE(SUM(e.usd_value) FILTER (WHERE e.function_name = 'repay'), 0)::float8,
		       COUNT(*) FILTER (WHERE e.function_name = 'deposit'),
		       COUNT(*) FILTER (WHERE e.function_name = 'withdraw'),
		       COUNT(*) FILTER (WHERE e.function_name = 'borrow'),
		       COUNT(*) FILTER (WHERE e.function_name = 'repay')
		FROM transaction_details d
		JOIN transaction_enrichment e ON e.tx_hash = d.tx_hash
		JOIN contracts c ON c.address = d.contract_address
		JOIN contract_platforms cp ON cp.contract_id = c.id
		JOIN platforms p ON p.id = cp.platform_id
		WHERE d.wallet_address = $1 AND d.status = 1 AND p.slug = $2`,
		strings.ToLower(wallet), platformSlug,
	).Scan(&a.TotalDepositedUsd, &withdrawnUsd, &a.TotalBorrowedUsd, &repaidUsd,
		&a.DepositCount, &a.WithdrawCount, &a.BorrowCount, &a.RepayCount)
	if err != nil {
		return nil, err
	}
	a.CurrentSupplyUsd = a.TotalDepositedUsd - withdrawnUsd
	a.CurrentBorrowUsd = a.TotalBorrowedUsd - repaidUsd
	if a.CurrentSupplyUsd < 0 {
		a.CurrentSupplyUsd = 0
	}
	if a.CurrentBorrowUsd < 0 {
		a.CurrentBorrowUsd = 0
	}
	return &a, nil
}

// --- Platform-scoped helpers for the named dashboard fields ---

// PlatformTxCount counts the wallet's successful transactions on contracts
// linked to the given platform.
func (r *Repository) PlatformTxCount(ctx context.Context, wallet, platformSlug string) (int64, error) {
	var n int64
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM transaction_details d
		JOIN contracts c ON c.address = d.contract_address
		JOIN contract_platforms cp ON cp.contract_id = c.id
		JOIN platforms p ON p.id = cp.platform_id
		WHERE d.wallet_address = $1 AND d.status = 1 AND p.slug = $2`,
		strings.ToLower(wallet), platformSlug,
	).Scan(&n)
	return n, err
}

// PlatformFunctionCount is PlatformTxCount narrowed to decoded function names.
func (r *Repository) PlatformFunctionCount(ctx context.Context, wallet, platformSlug string, functions []string) (int64, error) {
	var n int64
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM transaction_details d
		JOIN transaction_enrichment e ON e.tx_hash = d.tx_hash
		JOIN contracts c ON c.address = d.contract_address
		JOIN contract_platforms cp ON cp.contract_id = c.id
		JOIN platforms p ON p.id = cp.platform_id
		WHERE d.wallet_address = $1 AND d.status = 1 AND p.slug = $2
		  AND e.function_name = ANY($3)`,
		strings.ToLower(wallet), platformSlug, functions,
	).Scan(&n)
	return n, err
}

// PlatformFunctionUSD sums usd_value for the wallet's transactions on a
// platform, narrowed to decoded function names.
func (r *Repository) PlatformFunctionUSD(ctx context.Context, wallet, platformSlug string, functions []string) (float64, error) {
	var usd float64
	err := r.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(e.usd_value), 0)::float8
		FROM transaction_details d
		JOIN transaction_enrichment e ON e.tx_hash = d.tx_hash
		JOIN contracts c ON c.address = d.contract_address
		JOIN contract_platforms cp ON cp.contract_id = c.id
		JOIN platforms p ON p.id = cp.platform_id
		WHERE d.wallet_address = $1 AND d.status = 1 AND p.slug = $2
		  AND e.function_name = ANY($3)`,
		strings.ToLower(wallet), platformSlug, functions,
	).Scan(&usd)
	return usd, err
}

// FunctionCount counts the wallet's successful transactions with one of the
// given decoded function names, across all contracts.
func (r *Repository) FunctionCount(ctx context.Context, wallet string, functions []string) (int64, error) {
	var n int64
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM transaction_details d
		JOIN transaction_enrichment e ON e.tx_hash = d.tx_hash
		WHERE d.wallet_address = $1 AND d.status = 1 AND e.function_name = ANY($2)`,
		strings.ToLower(wallet), functions,
	).Scan(&n)
	return n, err
}

// NFTTradeCount counts the wallet's transactions on NFT marketplace
// platforms, split into buys (nonzero eth_value) and others.
func (r *Repository) NFTTradeCount(ctx context.Context, wallet string, platformSlugs []string) (buys, sales int64, err error) {
	err = r.db.QueryRow(ctx, `
		SELECT COUNT(*) FILTER (WHERE d.eth_value > 0),
		       COUNT(*) FILTER (WHERE d.eth_value = 0)
		FROM transaction_details d
		JOIN contracts c ON c.address = d.contract_address
		JOIN contract_platforms cp ON cp.contract_id = c.id
		JOIN platforms p ON p.id = cp.platform_id
		WHERE d.wallet_address = $1 AND d.status = 1 AND p.slug = ANY($2)`,
		strings.ToLower(wallet), platformSlugs,
	).Scan(&buys, &sales)
	return buys, sales, err
}
