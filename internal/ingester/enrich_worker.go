package ingester

import (
	"context"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"inkdex/internal/evm"
	"inkdex/internal/models"
	"inkdex/internal/repository"

	"github.com/ethereum/go-ethereum/common"
)

const (
	enrichPollInterval = 30 * time.Second
	realtimeWindow     = 5 * time.Minute
	enrichBatchLimit   = 100
)

// Broadcaster pushes freshly enriched transactions to live subscribers. The
// websocket hub implements it; a nil broadcaster disables the feed.
type Broadcaster interface {
	Broadcast(v interface{})
}

// EnrichedEvent is the wire shape pushed to websocket subscribers.
type EnrichedEvent struct {
	Type            string   `json:"type"`
	TxHash          string   `json:"tx_hash"`
	ContractAddress string   `json:"contract_address"`
	WalletAddress   string   `json:"wallet_address"`
	FunctionName    *string  `json:"function_name"`
	USDValue        *float64 `json:"usd_value"`
}

// EnrichWorker is the realtime enricher: a single instance polls for
// unenriched rows inside the realtime window and fills decoded logs, function
// names, and USD values. Historical rows are the gap worker's problem.
type EnrichWorker struct {
	repo   *repository.Repository
	pool   *evm.Pool
	valuer *Valuer
	hub    Broadcaster

	running atomic.Bool

	mu       sync.Mutex
	decoders map[string]*ABIDecoder // keyed by contract address
}

func NewEnrichWorker(repo *repository.Repository, pool *evm.Pool, valuer *Valuer, hub Broadcaster) *EnrichWorker {
	return &EnrichWorker{
		repo:     repo,
		pool:     pool,
		valuer:   valuer,
		hub:      hub,
		decoders: make(map[string]*ABIDecoder),
	}
}

// Run starts the poll loop. A second concurrent Run is a no-op; the worker is
// single-instance by contract.
func (w *EnrichWorker) Run(ctx context.Context) {
	if !w.running.CompareAndSwap(false, true) {
		log.Printf("[enricher] already running, ignoring second start")
		return
	}
	defer w.running.Store(false)

	log.Printf("[enricher] started (poll %s, window %s)", enrichPollInterval, realtimeWindow)
	ticker := time.NewTicker(enrichPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[enricher] stopping")
			return
		case <-ticker.C:
			if err := w.pass(ctx); err != nil && ctx.Err() == nil {
				log.Printf("[enricher] pass failed: %v", err)
			}
		}
	}
}

func (w *EnrichWorker) pass(ctx context.Context) error {
	since := time.Now().Add(-realtimeWindow)
	candidates, err := w.repo.ListEnrichmentCandidates(ctx, since, enrichBatchLimit)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}
	return w.Enrich(ctx, candidates)
}

// Enrich processes a candidate batch: grouped by contract so each group
// shares one ABI decoder, receipts fetched in one RPC batch per group.
// Shared by the realtime loop and the dispatcher's enrich jobs.
func (w *EnrichWorker) Enrich(ctx context.Context, candidates []repository.EnrichmentCandidate) error {
	byContract := map[string][]repository.EnrichmentCandidate{}
	for _, c := range candidates {
		byContract[c.ContractAddress] = append(byContract[c.ContractAddress], c)
	}

	for address, group := range byContract {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.enrichGroup(ctx, address, group); err != nil {
			log.Printf("[enricher] %s: %v", address, err)
		}
	}
	return nil
}

func (w *EnrichWorker) enrichGroup(ctx context.Context, address string, group []repository.EnrichmentCandidate) error {
	decoder, err := w.decoderFor(ctx, address)
	if err != nil {
		return err
	}

	hashes := make([]common.Hash, len(group))
	for i, c := range group {
		hashes[i] = common.HexToHash(c.TxHash)
	}
	receipts, err := w.pool.ReceiptBatch(ctx, hashes)
	if err != nil {
		return err
	}
	w.pool.RecordSuccess()

	rows := make([]models.TransactionEnrichment, 0, len(group))
	events := make([]EnrichedEvent, 0, len(group))
	for i, c := range group {
		rcpt, ok := receipts[hashes[i]]
		if !ok {
			log.Printf("[enricher] no receipt for %s, leaving for next pass", c.TxHash)
			continue
		}

		logs := convertLogs(rcpt.Logs)
		usd, err := w.valuer.USDValue(ctx, logs, c.EthValue, c.BlockTimestamp)
		if err != nil {
			// Oracle outages must not block log persistence; usd stays null
			// and the gap worker re-prices later.
			log.Printf("[enricher] pricing %s failed: %v", c.TxHash, err)
			usd = nil
		}

		row := models.TransactionEnrichment{
			TxHash:          strings.ToLower(c.TxHash),
			FunctionName:    decoder.FunctionName(c.InputSelector),
			Logs:            logs,
			USDValue:        usd,
			EthValueDerived: w.valuer.DerivedEthValue(logs, c.EthValue),
		}
		rows = append(rows, row)
		events = append(events, EnrichedEvent{
			Type:            "enriched_tx",
			TxHash:          row.TxHash,
			ContractAddress: address,
			WalletAddress:   c.WalletAddress,
			FunctionName:    row.FunctionName,
			USDValue:        row.USDValue,
		})
	}

	if err := w.repo.UpsertEnrichments(ctx, rows); err != nil {
		return err
	}
	if len(rows) > 0 {
		log.Printf("[enricher] %s: enriched %d transactions", address, len(rows))
	}

	if w.hub != nil {
		for i := range events {
			w.hub.Broadcast(events[i])
		}
	}
	return nil
}

func (w *EnrichWorker) decoderFor(ctx context.Context, address string) (*ABIDecoder, error) {
	w.mu.Lock()
	d, ok := w.decoders[address]
	w.mu.Unlock()
	if ok {
		return d, nil
	}
	contract, err := w.repo.GetContractByAddress(ctx, address)
	if err != nil {
		return nil, err
	}

	var decoder *ABIDecoder
	if contract == nil {
		decoder, _ = NewABIDecoder(nil)
	} else {
		decoder, err = NewABIDecoder(contract.ABIJSON)
		if err != nil {
			log.Printf("[enricher] %s: bad stored abi, decoding disabled: %v", address, err)
			decoder, _ = NewABIDecoder(nil)
		}
	}
	w.mu.Lock()
	w.decoders[address] = decoder
	w.mu.Unlock()
	return decoder, nil
}
