package ingester

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"inkdex/internal/evm"
	"inkdex/internal/models"
	"inkdex/internal/repository"
)

const (
	dispatchPoll  = 1 * time.Second
	leaseDuration = 10 * time.Minute
	janitorSweep  = 1 * time.Minute

	// Above this RPC failure rate over the last minute, half the workers sit
	// out their tick.
	errRateThreshold = 0.5
)

// Dispatcher drains the job queue with a fixed pool of workers. Each worker
// leases, runs the handler for the job type, and completes or fails the row;
// a janitor goroutine reclaims leases from dead workers.
type Dispatcher struct {
	repo       *repository.Repository
	pool       *evm.Pool
	discoverer *Discoverer
	enricher   *EnrichWorker
	workers    int
	workerID   string
}

func NewDispatcher(repo *repository.Repository, pool *evm.Pool, discoverer *Discoverer, enricher *EnrichWorker, workers int) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	hostname, _ := os.Hostname()
	return &Dispatcher{
		repo:       repo,
		pool:       pool,
		discoverer: discoverer,
		enricher:   enricher,
		workers:    workers,
		workerID:   fmt.Sprintf("%s-%d", hostname, os.Getpid()),
	}
}

func (d *Dispatcher) Run(ctx context.Context) {
	log.Printf("[dispatcher] started (%d workers, id %s)", d.workers, d.workerID)

	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			d.workerLoop(ctx, n)
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.janitorLoop(ctx)
	}()

	wg.Wait()
	log.Printf("[dispatcher] stopped")
}

func (d *Dispatcher) workerLoop(ctx context.Context, n int) {
	ticker := time.NewTicker(dispatchPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Upper half of the pool backs off while the RPC layer is
			// struggling.
			if n >= d.workers/2 && d.pool.ErrorRate() > errRateThreshold {
				continue
			}

			jobs, err := d.repo.Lease(ctx, fmt.Sprintf("%s-w%d", d.workerID, n), 1)
			if err != nil {
				if ctx.Err() == nil {
					log.Printf("[dispatcher] lease failed: %v", err)
				}
				continue
			}
			for i := range jobs {
				d.execute(ctx, &jobs[i])
			}
		}
	}
}

func (d *Dispatcher) execute(ctx context.Context, job *models.Job) {
	start := time.Now()
	err := d.handle(ctx, job)
	if err != nil {
		log.Printf("[dispatcher] job %d (%s) failed after %s: %v", job.ID, job.JobType, time.Since(start), err)
		if failErr := d.repo.FailJob(ctx, job.ID, err); failErr != nil {
			log.Printf("[dispatcher] job %d: failed to record failure: %v", job.ID, failErr)
		}
		return
	}
	if err := d.repo.CompleteJob(ctx, job.ID); err != nil {
		log.Printf("[dispatcher] job %d: failed to complete: %v", job.ID, err)
		return
	}
	log.Printf("[dispatcher] job %d (%s) completed in %s", job.ID, job.JobType, time.Since(start))
}

func (d *Dispatcher) handle(ctx context.Context, job *models.Job) error {
	switch job.JobType {
	case models.JobTypeDiscover:
		return d.handleDiscover(ctx, job)
	case models.JobTypeBackfill:
		return d.handleBackfill(ctx, job)
	case models.JobTypeEnrich:
		return d.handleEnrich(ctx, job)
	default:
		return fmt.Errorf("unknown job type %q", job.JobType)
	}
}

func (d *Dispatcher) handleDiscover(ctx context.Context, job *models.Job) error {
	if job.ContractID == nil {
		return fmt.Errorf("discover job without contract_id")
	}
	contract, err := d.repo.GetContract(ctx, *job.ContractID)
	if err != nil {
		return err
	}
	if contract == nil {
		return fmt.Errorf("contract %d not found", *job.ContractID)
	}
	if !contract.IndexingEnabled || contract.Failed {
		// Disabled between enqueue and lease; drop silently.
		return nil
	}
	return d.discoverer.DiscoverContract(ctx, contract)
}

func (d *Dispatcher) handleBackfill(ctx context.Context, job *models.Job) error {
	var payload models.BackfillPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("bad backfill payload: %w", err)
	}

	contractID := payload.ContractID
	if contractID == 0 && job.ContractID != nil {
		contractID = *job.ContractID
	}
	contract, err := d.repo.GetContract(ctx, contractID)
	if err != nil {
		return err
	}
	if contract == nil {
		return fmt.Errorf("contract %d not found", contractID)
	}

	from, to := payload.FromBlock, payload.ToBlock
	if to == 0 {
		head, err := d.pool.BlockNumber(ctx)
		if err != nil {
			return err
		}
		to = head - reorgMargin
	}
	if from < contract.DeployBlock {
		from = contract.DeployBlock
	}
	if to <= from {
		return nil
	}
	return d.discoverer.BackfillRange(ctx, contract, from, to)
}

func (d *Dispatcher) handleEnrich(ctx context.Context, job *models.Job) error {
	var payload models.EnrichPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("bad enrich payload: %w", err)
	}
	if len(payload.TxHashes) == 0 {
		return nil
	}

	candidates, err := d.repo.ListCandidatesByHashes(ctx, payload.TxHashes)
	if err != nil {
		return err
	}
	// Rows enriched since the job was cut are simply gone from the result.
	return d.enricher.Enrich(ctx, candidates)
}

func (d *Dispatcher) janitorLoop(ctx context.Context) {
	ticker := time.NewTicker(janitorSweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := d.repo.ReclaimStuckJobs(ctx, leaseDuration)
			if err != nil {
				if ctx.Err() == nil {
					log.Printf("[janitor] reclaim failed: %v", err)
				}
				continue
			}
			if n > 0 {
				log.Printf("[janitor] reclaimed %d stale leases", n)
			}
		}
	}
}
