package ingester

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"inkdex/internal/evm"
	"inkdex/internal/models"
	"inkdex/internal/repository"
	"inkdex/internal/scanner"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const (
	// reorgMargin is re-scanned below the watermark on every pass; inserts
	// are idempotent so the overlap is free.
	reorgMargin = 16

	initialLogWindow = 10_000
	maxLogWindow     = 50_000

	// failureThreshold consecutive failing passes flip a contract to failed.
	failureThreshold = 5

	// maxThrottleRetries bounds how often a single getLogs window is retried
	// under throttling before the pass fails; the dispatcher's job retry takes
	// over from there.
	maxThrottleRetries = 8

	txFetchBatch = 50
)

// throttleWait returns the sleep before throttled retry n (exponential, 30 s
// cap) and whether another retry is allowed.
func throttleWait(retry int) (time.Duration, bool) {
	if retry >= maxThrottleRetries {
		return 0, false
	}
	return evm.Backoff(retry), true
}

// Discoverer finds new transactions for a contract and writes the raw rows.
// Event-only contracts are walked via eth_getLogs windows; contracts flagged
// fetch_transactions use the scanner's transactions-by-address pagination.
type Discoverer struct {
	repo *repository.Repository
	pool *evm.Pool
	scan *scanner.Client
}

func NewDiscoverer(repo *repository.Repository, pool *evm.Pool, scan *scanner.Client) *Discoverer {
	return &Discoverer{repo: repo, pool: pool, scan: scan}
}

// DiscoverContract runs one discovery pass: from the watermark (minus the
// reorg margin) up to the chain head. Called by the dispatcher for discover
// jobs.
func (d *Discoverer) DiscoverContract(ctx context.Context, contract *models.Contract) error {
	head, err := d.pool.BlockNumber(ctx)
	if err != nil {
		return d.noteFailure(ctx, contract, fmt.Errorf("failed to read chain head: %w", err))
	}

	var passErr error
	if contract.FetchTransactions && d.scan.Enabled() {
		passErr = d.scanForward(ctx, contract)
	} else {
		from := contract.IndexedThroughBlock - reorgMargin
		if from < contract.DeployBlock {
			from = contract.DeployBlock
		}
		passErr = d.discoverLogs(ctx, contract, from, head+1)
	}
	if passErr != nil {
		return d.noteFailure(ctx, contract, passErr)
	}

	if contract.ConsecutiveFailures > 0 {
		if err := d.repo.ResetContractFailures(ctx, contract.ID); err != nil {
			log.Printf("[discovery] %s: failed to reset failure counter: %v", contract.Address, err)
		}
	}
	return nil
}

// BackfillRange indexes an explicit [fromBlock, toBlock) window, used by
// backfill jobs. It does not touch the scanner cursor.
func (d *Discoverer) BackfillRange(ctx context.Context, contract *models.Contract, fromBlock, toBlock int64) error {
	if fromBlock < contract.DeployBlock {
		fromBlock = contract.DeployBlock
	}
	return d.discoverLogs(ctx, contract, fromBlock, toBlock)
}

func (d *Discoverer) noteFailure(ctx context.Context, contract *models.Contract, cause error) error {
	n, err := d.repo.RecordContractFailure(ctx, contract.ID)
	if err != nil {
		log.Printf("[discovery] %s: failed to record failure: %v", contract.Address, err)
		return cause
	}
	if n >= failureThreshold {
		log.Printf("[discovery] %s: %d consecutive failures, marking failed", contract.Address, n)
		if err := d.repo.MarkContractFailed(ctx, contract.ID); err != nil {
			log.Printf("[discovery] %s: failed to mark failed: %v", contract.Address, err)
		}
		// Leave a failed discover job in the queue so the flagged contract
		// shows up where operators already look; retrying it restarts
		// discovery once the contract is fixed.
		payload, _ := json.Marshal(models.BackfillPayload{ContractID: contract.ID})
		cid := contract.ID
		if _, err := d.repo.RecordFailedJob(ctx, &models.Job{
			JobType:    models.JobTypeDiscover,
			ContractID: &cid,
			Payload:    payload,
		}, fmt.Errorf("contract flagged after %d consecutive failures: %w", n, cause)); err != nil {
			log.Printf("[discovery] %s: failed to record flagged job: %v", contract.Address, err)
		}
	}
	return cause
}

/// discoverLogs walks [fromBlock, toBlock) in adaptive eth_getLogs windows:
// start at 10k blocks, halve when the node refuses the result size, double
// back up to the 50k cap after clean windows.
func (d *Discoverer) discoverLogs(ctx context.Context, contract *models.Contract, fromBlock, toBlock int64) error {
	address := common.HexToAddress(contract.Address)
	window := int64(initialLogWindow)
	cursor := fromBlock
	throttled := 0

	for cursor < toBlock {
		if err := ctx.Err(); err != nil {
			return err
		}

		to := cursor + window
		if to > toBlock {
			to = toBlock
		}

		logs, err := d.pool.FilterLogs(ctx, address, cursor, to-1)
		if err != nil {
			if evm.IsTooManyResults(err) && window > 1 {
				window /= 2
				continue
			}
			if evm.IsRateLimited(err) {
				wait, ok := throttleWait(throttled)
				if !ok {
					return fmt.Errorf("window [%d, %d) still throttled after %d retries: %w", cursor, to, throttled, err)
				}
				throttled++
				select {
				case <-time.After(wait):
					continue
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return err
		}
		d.pool.RecordSuccess()
		throttled = 0

		hashes := dedupeHashes(logs)
		if err := d.ingestHashes(ctx, contract, hashes); err != nil {
			return err
		}

		if err := d.recordWindow(ctx, contract.ID, cursor, to); err != nil {
			return err
		}
		if err := d.repo.SetIndexedThrough(ctx, contract.ID, to-1); err != nil {
			return err
		}

		cursor = to
		if window < maxLogWindow {
			window *= 2
			if window > maxLogWindow {
				window = maxLogWindow
			}
		}
	}
	return nil
}

// scanForward resumes the scanner pagination from the stored cursor. The
// scanner returns ascending pages, so each page's token is a durable resume
// point.
func (d *Discoverer) scanForward(ctx context.Context, contract *models.Contract) error {
	next := contract.ScannerCursor
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		page, err := d.scan.Page(ctx, contract.Address, next)
		if err != nil {
			return fmt.Errorf("scanner page: %w", err)
		}
		if len(page.Items) == 0 {
			return nil
		}

		hashes := make([]common.Hash, 0, len(page.Items))
		for _, item := range page.Items {
			hashes = append(hashes, common.HexToHash(item.TxHash))
		}
		if err := d.ingestHashes(ctx, contract, hashes); err != nil {
			return err
		}

		maxBlock := page.Items[len(page.Items)-1].BlockNumber
		if err := d.repo.SetIndexedThrough(ctx, contract.ID, maxBlock); err != nil {
			return err
		}

		if page.Link.NextToken == "" {
			return nil
		}
		next = page.Link.NextToken
		if err := d.repo.SetScannerCursor(ctx, contract.ID, next); err != nil {
			return err
		}
	}
}

// ingestHashes materializes tx hashes into transaction_details rows. Hashes
// already present are filtered out before any RPC round-trip.
func (d *Discoverer) ingestHashes(ctx context.Context, contract *models.Contract, hashes []common.Hash) error {
	if len(hashes) == 0 {
		return nil
	}

	hexes := make([]string, len(hashes))
	for i, h := range hashes {
		hexes[i] = strings.ToLower(h.Hex())
	}
	known, err := d.repo.KnownHashes(ctx, hexes)
	if err != nil {
		return err
	}

	var fresh []common.Hash
	for i, h := range hashes {
		if !known[hexes[i]] {
			fresh = append(fresh, h)
		}
	}

	for start := 0; start < len(fresh); start += txFetchBatch {
		end := start + txFetchBatch
		if end > len(fresh) {
			end = len(fresh)
		}

		records, skipped, err := d.pool.TxWithReceiptBatch(ctx, fresh[start:end])
		if err != nil {
			return err
		}
		if skipped > 0 {
			log.Printf("[discovery] %s: skipped %d malformed tx responses", contract.Address, skipped)
		}

		blockSet := map[int64]bool{}
		for _, rec := range records {
			blockSet[rec.BlockNumber] = true
		}
		blocks := make([]int64, 0, len(blockSet))
		for n := range blockSet {
			blocks = append(blocks, n)
		}
		timestamps, err := d.pool.HeaderTimestamps(ctx, blocks)
		if err != nil {
			return err
		}

		details := make([]models.TransactionDetail, 0, len(records))
		for _, rec := range records {
			ts, ok := timestamps[rec.BlockNumber]
			if !ok {
				log.Printf("[discovery] %s: no header timestamp for block %d, skipping tx %s",
					contract.Address, rec.BlockNumber, rec.Hash)
				continue
			}
			details = append(details, models.TransactionDetail{
				TxHash:          strings.ToLower(rec.Hash.Hex()),
				ContractAddress: contract.Address,
				WalletAddress:   strings.ToLower(rec.From.Hex()),
				BlockNumber:     rec.BlockNumber,
				BlockTimestamp:  ts,
				Status:          int16(rec.Status),
				EthValue:        rec.Value.String(),
				InputSelector:   inputSelector(rec.Input),
				GasUsed:         int64(rec.GasUsed),
			})
		}

		inserted, err := d.repo.InsertDetails(ctx, details)
		if err != nil {
			return err
		}
		if inserted > 0 {
			log.Printf("[discovery] %s: %d new transactions", contract.Address, inserted)
		}
	}
	return nil
}

func (d *Discoverer) recordWindow(ctx context.Context, contractID, from, to int64) error {
	windows, err := d.repo.GetScanWindows(ctx, contractID)
	if err != nil {
		return err
	}
	set := NewIntervalSet()
	for _, w := range windows {
		set.Add(w.From, w.To)
	}
	set.Add(from, to)

	merged := set.Intervals()
	out := make([]repository.ScanWindow, len(merged))
	for i, iv := range merged {
		out[i] = repository.ScanWindow{From: iv.From, To: iv.To}
	}
	return d.repo.ReplaceScanWindows(ctx, contractID, out)
}

func inputSelector(input []byte) string {
	if len(input) < 4 {
		return ""
	}
	return "0x" + hex.EncodeToString(input[:4])
}

func dedupeHashes(logs []types.Log) []common.Hash {
	seen := map[common.Hash]bool{}
	var out []common.Hash
	for _, lg := range logs {
		if !seen[lg.TxHash] {
			seen[lg.TxHash] = true
			out = append(out, lg.TxHash)
		}
	}
	return out
}

// DiscoveryScheduler periodically enqueues a discover job per enabled
// contract. The queue's dedupe makes overlapping ticks harmless.
type DiscoveryScheduler struct {
	repo     *repository.Repository
	interval time.Duration
}

func NewDiscoveryScheduler(repo *repository.Repository, interval time.Duration) *DiscoveryScheduler {
	return &DiscoveryScheduler{repo: repo, interval: interval}
}

func (s *DiscoveryScheduler) Run(ctx context.Context) {
	log.Printf("[discovery] scheduler started (interval %s)", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[discovery] scheduler stopping")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *DiscoveryScheduler) tick(ctx context.Context) {
	contracts, err := s.repo.ListContracts(ctx, true)
	if err != nil {
		log.Printf("[discovery] failed to list contracts: %v", err)
		return
	}

	for _, c := range contracts {
		payload, _ := json.Marshal(models.BackfillPayload{ContractID: c.ID})
		cid := c.ID
		_, err := s.repo.Enqueue(ctx, &models.Job{
			JobType:    models.JobTypeDiscover,
			ContractID: &cid,
			Priority:   3,
			Payload:    payload,
		})
		if err != nil {
			var dup *repository.ErrDuplicateJob
			if errors.As(err, &dup) {
				continue // previous pass still live
			}
			log.Printf("[discovery] failed to enqueue discover for %s: %v", c.Address, err)
		}
	}
}
