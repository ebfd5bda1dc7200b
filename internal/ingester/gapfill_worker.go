package ingester

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"inkdex/internal/evm"
	"inkdex/internal/models"
	"inkdex/internal/repository"
)

const (
	gapfillInterval = 10 * time.Minute

	// Enrichment gaps are enqueued in batches of this many hashes.
	gapEnrichBatch = 100
	gapEnrichScan  = 1000
)

// GapFillWorker runs behind the realtime window: it finds block ranges
// discovery never covered and rows enrichment never reached, and turns both
// into low-priority jobs. DryRun logs what would be enqueued without writing.
type GapFillWorker struct {
	repo      *repository.Repository
	pool      *evm.Pool
	highWater int64
	DryRun    bool
}

func NewGapFillWorker(repo *repository.Repository, pool *evm.Pool, highWater int64) *GapFillWorker {
	if highWater <= 0 {
		highWater = 500
	}
	return &GapFillWorker{repo: repo, pool: pool, highWater: highWater}
}

func (w *GapFillWorker) Run(ctx context.Context) {
	log.Printf("[gapfill] started (interval %s, high water %d)", gapfillInterval, w.highWater)
	ticker := time.NewTicker(gapfillInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[gapfill] stopping")
			return
		case <-ticker.C:
			if err := w.pass(ctx); err != nil && ctx.Err() == nil {
				log.Printf("[gapfill] pass failed: %v", err)
			}
		}
	}
}

func (w *GapFillWorker) pass(ctx context.Context) error {
	head, err := w.pool.BlockNumber(ctx)
	if err != nil {
		return err
	}

	if err := w.discoveryGaps(ctx, head); err != nil {
		return err
	}
	return w.enrichmentGaps(ctx)
}

// discoveryGaps enqueues a backfill job per uncovered block range of every
// enabled contract, bounded to below the reorg margin.
func (w *GapFillWorker) discoveryGaps(ctx context.Context, head int64) error {
	contracts, err := w.repo.ListContracts(ctx, true)
	if err != nil {
		return err
	}

	safeHead := head - reorgMargin
	for _, c := range contracts {
		if c.FetchTransactions {
			// Scanner-fed contracts have no block windows; their cursor is
			// the only coverage record.
			continue
		}
		if safeHead <= c.DeployBlock {
			continue
		}

		windows, err := w.repo.GetScanWindows(ctx, c.ID)
		if err != nil {
			return err
		}
		set := NewIntervalSet()
		for _, win := range windows {
			set.Add(win.From, win.To)
		}

		for _, gap := range set.Complement(c.DeployBlock, safeHead) {
			if w.DryRun {
				log.Printf("[gapfill] dry-run: %s missing blocks [%d, %d)", c.Address, gap.From, gap.To)
				continue
			}
			payload, _ := json.Marshal(models.BackfillPayload{
				ContractID: c.ID,
				FromBlock:  gap.From,
				ToBlock:    gap.To,
			})
			cid := c.ID
			_, err := w.repo.Enqueue(ctx, &models.Job{
				JobType:    models.JobTypeBackfill,
				ContractID: &cid,
				Priority:   7,
				Payload:    payload,
			})
			if err != nil {
				var dup *repository.ErrDuplicateJob
				if errors.As(err, &dup) {
					continue
				}
				return err
			}
			log.Printf("[gapfill] %s: backfill enqueued for [%d, %d)", c.Address, gap.From, gap.To)
		}
	}
	return nil
}

// enrichmentGaps batches unenriched rows older than the realtime window into
// enrich jobs, newest first, stopping while the backlog is above the high
// water mark.
func (w *GapFillWorker) enrichmentGaps(ctx context.Context) error {
	pending, err := w.repo.PendingJobCount(ctx, models.JobTypeEnrich)
	if err != nil {
		return err
	}
	if pending >= w.highWater {
		log.Printf("[gapfill] enrich backlog %d at high water, holding off", pending)
		return nil
	}

	before := time.Now().Add(-realtimeWindow)
	rows, err := w.repo.ListEnrichmentGaps(ctx, before, gapEnrichScan)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	// Group by contract, preserving the newest-first scan order.
	byContract := map[string][]string{}
	order := []string{}
	for _, row := range rows {
		if _, seen := byContract[row.ContractAddress]; !seen {
			order = append(order, row.ContractAddress)
		}
		byContract[row.ContractAddress] = append(byContract[row.ContractAddress], row.TxHash)
	}

	enqueued := int64(0)
	for _, address := range order {
		contract, err := w.repo.GetContractByAddress(ctx, address)
		if err != nil {
			return err
		}
		if contract == nil {
			continue
		}

		hashes := byContract[address]
		for start := 0; start < len(hashes); start += gapEnrichBatch {
			if pending+enqueued >= w.highWater {
				log.Printf("[gapfill] reached high water mid-pass, %d jobs enqueued", enqueued)
				return nil
			}
			end := start + gapEnrichBatch
			if end > len(hashes) {
				end = len(hashes)
			}

			if w.DryRun {
				log.Printf("[gapfill] dry-run: %s has %d unenriched rows", address, end-start)
				continue
			}
			payload, _ := json.Marshal(models.EnrichPayload{
				ContractID: contract.ID,
				TxHashes:   hashes[start:end],
			})
			cid := contract.ID
			_, err := w.repo.Enqueue(ctx, &models.Job{
				JobType:    models.JobTypeEnrich,
				ContractID: &cid,
				Priority:   8,
				Payload:    payload,
			})
			if err != nil {
				var dup *repository.ErrDuplicateJob
				if errors.As(err, &dup) {
					continue
				}
				return err
			}
			enqueued++
		}
	}
	if enqueued > 0 {
		log.Printf("[gapfill] enqueued %d enrich jobs", enqueued)
	}
	return nil
}
