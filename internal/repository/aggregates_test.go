package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"inkdex/internal/models"
)

const topicTransfer = "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"

func uniqueAddr(n int64) string { return fmt.Sprintf("0x%040x", n) }
func uniqueHash(n int64) string { return fmt.Sprintf("0x%064x", n) }

func strPtr(s string) *string   { return &s }
func f64Ptr(f float64) *float64 { return &f }

// seedTx writes one successful detail row plus its enrichment.
func seedTx(t *testing.T, repo *Repository, d models.TransactionDetail, e models.TransactionEnrichment) {
	t.Helper()
	ctx := context.Background()

	d.Status = 1
	if d.EthValue == "" {
		d.EthValue = "0"
	}
	if d.BlockTimestamp.IsZero() {
		d.BlockTimestamp = time.Now().UTC()
	}
	if _, err := repo.InsertDetails(ctx, []models.TransactionDetail{d}); err != nil {
		t.Fatalf("InsertDetails(%s): %v", d.TxHash, err)
	}
	e.TxHash = d.TxHash
	if err := repo.UpsertEnrichments(ctx, []models.TransactionEnrichment{e}); err != nil {
		t.Fatalf("UpsertEnrichments(%s): %v", d.TxHash, err)
	}
	t.Cleanup(func() {
		repo.db.Exec(ctx, `DELETE FROM transaction_enrichment WHERE tx_hash = $1`, d.TxHash)
		repo.db.Exec(ctx, `DELETE FROM transaction_details WHERE tx_hash = $1`, d.TxHash)
	})
}

func seedPlatform(t *testing.T, repo *Repository, slug, name string) int64 {
	t.Helper()
	ctx := context.Background()
	id, err := repo.UpsertPlatform(ctx, &models.Platform{Slug: slug, Name: name})
	if err != nil {
		t.Fatalf("UpsertPlatform(%s): %v", slug, err)
	}
	t.Cleanup(func() { repo.db.Exec(ctx, `DELETE FROM platforms WHERE id = $1`, id) })
	return id
}

func seedContract(t *testing.T, repo *Repository, address string, platformIDs []int64) int64 {
	t.Helper()
	ctx := context.Background()
	id, err := repo.CreateContract(ctx, &models.Contract{
		Address:      address,
		Name:         "seeded " + address[:10],
		ContractType: "volume",
		PlatformIDs:  platformIDs,
	})
	if err != nil {
		t.Fatalf("CreateContract(%s): %v", address, err)
	}
	t.Cleanup(func() { repo.db.Exec(ctx, `DELETE FROM contracts WHERE id = $1`, id) })
	return id
}

// Card rollup: two platforms, one sum_usd metric over swap calls. Totals must
// equal the sum of the per-platform slices, per-platform values must group by
// the contract-platform links, and byPlatform must come back value-descending.
func TestEvaluateCardRollsUpPlatforms(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()
	n := time.Now().UnixNano()

	wallet := uniqueAddr(n)
	recipient := uniqueAddr(n + 1)

	pidA := seedPlatform(t, repo, fmt.Sprintf("dex-a-%d", n), "Dex A")
	pidB := seedPlatform(t, repo, fmt.Sprintf("dex-b-%d", n), "Dex B")
	cidA := seedContract(t, repo, uniqueAddr(n+10), []int64{pidA})
	cidB := seedContract(t, repo, uniqueAddr(n+11), []int64{pidB})
	poolA := uniqueAddr(n + 10)
	poolB := uniqueAddr(n + 11)

	mid, err := repo.CreateMetric(ctx, &models.Metric{
		Slug:            fmt.Sprintf("swap-volume-%d", n),
		Name:            "Swap Volume",
		Currency:        "USD",
		AggregationType: models.AggSumUSD,
		Predicate:       models.MetricPredicate{FunctionNames: []string{"swap"}, WalletRole: "sender"},
		ContractIDs:     []int64{cidA, cidB},
		IsActive:        true,
	})
	if err != nil {
		t.Fatalf("CreateMetric: %v", err)
	}
	t.Cleanup(func() { repo.DeleteMetric(ctx, mid) })

	cardID, err := repo.CreateCard(ctx, &models.DashboardCard{
		RowSlot:     "row3",
		CardType:    "aggregate",
		Title:       "DEX Volume",
		Color:       "#5b8def",
		IsActive:    true,
		MetricIDs:   []int64{mid},
		PlatformIDs: []int64{pidA, pidB},
	})
	if err != nil {
		t.Fatalf("CreateCard: %v", err)
	}
	t.Cleanup(func() { repo.DeleteCard(ctx, cardID) })

	// Two swaps on platform A, one on B, plus a mint the predicate excludes.
	// The first swap also transfers tokens to recipient and carries a derived
	// ETH leg.
	seedTx(t, repo,
		models.TransactionDetail{TxHash: uniqueHash(n + 20), ContractAddress: poolA, WalletAddress: wallet, BlockNumber: 100},
		models.TransactionEnrichment{
			FunctionName:    strPtr("swap"),
			USDValue:        f64Ptr(100),
			EthValueDerived: f64Ptr(1.25),
			Logs: []models.Log{{
				Address: poolA,
				Topics:  []string{topicTransfer, paddedTopic(wallet), paddedTopic(recipient)},
				Data:    fmt.Sprintf("0x%064x", 1),
			}},
		})
	seedTx(t, repo,
		models.TransactionDetail{TxHash: uniqueHash(n + 21), ContractAddress: poolA, WalletAddress: wallet, BlockNumber: 101},
		models.TransactionEnrichment{FunctionName: strPtr("swap"), USDValue: f64Ptr(50)})
	seedTx(t, repo,
		models.TransactionDetail{TxHash: uniqueHash(n + 22), ContractAddress: poolB, WalletAddress: wallet, BlockNumber: 102},
		models.TransactionEnrichment{FunctionName: strPtr("swap"), USDValue: f64Ptr(30)})
	seedTx(t, repo,
		models.TransactionDetail{TxHash: uniqueHash(n + 23), ContractAddress: poolB, WalletAddress: wallet, BlockNumber: 103},
		models.TransactionEnrichment{FunctionName: strPtr("mint"), USDValue: f64Ptr(999)})

	card, err := repo.GetCard(ctx, cardID)
	if err != nil || card == nil {
		t.Fatalf("GetCard: %v (%v)", err, card)
	}
	res, err := repo.EvaluateCard(ctx, card, wallet)
	if err != nil {
		t.Fatalf("EvaluateCard: %v", err)
	}

	if res.TotalValue != 180 || res.TotalCount != 3 {
		t.Fatalf("totals = %v/%d, want 180/3", res.TotalValue, res.TotalCount)
	}
	if len(res.ByPlatform) != 2 {
		t.Fatalf("byPlatform has %d entries, want 2", len(res.ByPlatform))
	}
	if res.ByPlatform[0].Platform != "Dex A" || res.ByPlatform[0].Value != 150 || res.ByPlatform[0].Count != 2 {
		t.Fatalf("byPlatform[0] = %+v, want Dex A 150/2", res.ByPlatform[0])
	}
	if res.ByPlatform[1].Platform != "Dex B" || res.ByPlatform[1].Value != 30 || res.ByPlatform[1].Count != 1 {
		t.Fatalf("byPlatform[1] = %+v, want Dex B 30/1", res.ByPlatform[1])
	}
	var slices float64
	for _, p := range res.ByPlatform {
		slices += p.Value
	}
	if slices != res.TotalValue {
		t.Fatalf("platform slices sum to %v, total is %v", slices, res.TotalValue)
	}

	// The derived ETH leg survives the write and feeds the recipient's
	// incoming volume.
	enr, err := repo.GetEnrichment(ctx, uniqueHash(n+20))
	if err != nil || enr == nil {
		t.Fatalf("GetEnrichment: %v (%v)", err, enr)
	}
	if enr.EthValueDerived == nil || *enr.EthValueDerived != 1.25 {
		t.Fatalf("eth_value_derived = %v, want 1.25", enr.EthValueDerived)
	}

	vol, err := repo.CirculatedVolume(ctx, recipient)
	if err != nil {
		t.Fatalf("CirculatedVolume: %v", err)
	}
	if vol.IncomingUsd != 100 || vol.TotalEth != 1.25 || vol.TxCount != 1 {
		t.Fatalf("recipient volume = %+v, want incoming 100, eth 1.25, 1 tx", vol)
	}
}

// A bridge contract linked to several platforms must still count each
// transaction once, and bridged-in plus bridged-out must reconstruct the
// totals at the top level and inside every platform slice.
func TestBridgeAggregateCountsMultiPlatformContractOnce(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()
	n := time.Now().UnixNano() + 1<<20

	wallet := uniqueAddr(n)
	pidA := seedPlatform(t, repo, fmt.Sprintf("bridge-a-%d", n), "Bridge A")
	pidB := seedPlatform(t, repo, fmt.Sprintf("bridge-b-%d", n), "Bridge B")
	seedContract(t, repo, uniqueAddr(n+10), []int64{pidA, pidB})
	bridge := uniqueAddr(n + 10)

	seedTx(t, repo,
		models.TransactionDetail{TxHash: uniqueHash(n + 20), ContractAddress: bridge, WalletAddress: wallet, BlockNumber: 200},
		models.TransactionEnrichment{
			FunctionName: strPtr("send"),
			Logs:         []models.Log{{Address: bridge, Topics: []string{topicOFTSent}, Data: oftData(2_000_000)}},
		})
	seedTx(t, repo,
		models.TransactionDetail{TxHash: uniqueHash(n + 21), ContractAddress: bridge, WalletAddress: wallet, BlockNumber: 201},
		models.TransactionEnrichment{
			FunctionName: strPtr("lzReceive"),
			Logs:         []models.Log{{Address: bridge, Topics: []string{topicOFTReceived}, Data: oftData(1_500_000)}},
		})

	agg, err := repo.BridgeAggregate(ctx, wallet)
	if err != nil {
		t.Fatalf("BridgeAggregate: %v", err)
	}

	if agg.TxCount != 2 || agg.TotalUsd != 3.5 {
		t.Fatalf("totals = %d txs / %v usd, want 2 / 3.5", agg.TxCount, agg.TotalUsd)
	}
	if agg.BridgedOutUsd != 2.0 || agg.BridgedOutCount != 1 {
		t.Fatalf("bridged out = %v/%d, want 2.0/1", agg.BridgedOutUsd, agg.BridgedOutCount)
	}
	if agg.BridgedInUsd != 1.5 || agg.BridgedInCount != 1 {
		t.Fatalf("bridged in = %v/%d, want 1.5/1", agg.BridgedInUsd, agg.BridgedInCount)
	}

	if got := agg.BridgedInUsd + agg.BridgedOutUsd; got != agg.TotalUsd {
		t.Fatalf("in+out usd = %v, total = %v", got, agg.TotalUsd)
	}
	if got := agg.BridgedInCount + agg.BridgedOutCount; got != agg.TxCount {
		t.Fatalf("in+out count = %d, total = %d", got, agg.TxCount)
	}

	var sliceUsd float64
	var sliceCount int64
	for _, p := range agg.ByPlatform {
		if got := *p.BridgedInUsd + *p.BridgedOutUsd; got != p.UsdValue {
			t.Fatalf("%s: in+out usd = %v, platform total = %v", p.Platform, got, p.UsdValue)
		}
		if got := *p.BridgedInCount + *p.BridgedOutCount; got != p.TxCount {
			t.Fatalf("%s: in+out count = %d, platform total = %d", p.Platform, got, p.TxCount)
		}
		sliceUsd += p.UsdValue
		sliceCount += p.TxCount
	}
	if sliceUsd != agg.TotalUsd || sliceCount != agg.TxCount {
		t.Fatalf("platform slices = %v usd / %d txs, totals = %v / %d",
			sliceUsd, sliceCount, agg.TotalUsd, agg.TxCount)
	}
}
