package evm

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/sync/semaphore"
)

const rpcCallTimeout = 15 * time.Second

// Pool round-robins JSON-RPC requests over a set of endpoints. A weighted
// semaphore bounds how many batches are in flight at once; callers that hit
// rate limits should back off via Backoff and retry, which rotates them to
// the next endpoint.
type Pool struct {
	clients []*rpc.Client
	urls    []string
	next    atomic.Uint64
	sem     *semaphore.Weighted

	errWindow errorWindow
}

func NewPool(urls []string, maxInflight int64) (*Pool, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("no RPC endpoints configured")
	}
	if maxInflight <= 0 {
		maxInflight = 8
	}

	clients := make([]*rpc.Client, 0, len(urls))
	for _, u := range urls {
		c, err := rpc.Dial(u)
		if err != nil {
			for _, prev := range clients {
				prev.Close()
			}
			return nil, fmt.Errorf("failed to dial rpc endpoint %s: %w", u, err)
		}
		clients = append(clients, c)
	}

	return &Pool{
		clients: clients,
		urls:    urls,
		sem:     semaphore.NewWeighted(maxInflight),
	}, nil
}

func (p *Pool) Close() {
	for _, c := range p.clients {
		c.Close()
	}
}

// pick returns the next client in round-robin order.
func (p *Pool) pick() *rpc.Client {
	n := p.next.Add(1)
	return p.clients[int(n)%len(p.clients)]
}

func (p *Pool) Endpoints() int { return len(p.clients) }

func (p *Pool) BlockNumber(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, rpcCallTimeout)
	defer cancel()

	var result hexutil.Uint64
	if err := p.pick().CallContext(ctx, &result, "eth_blockNumber"); err != nil {
		p.errWindow.record()
		return 0, fmt.Errorf("eth_blockNumber: %w", err)
	}
	return int64(result), nil
}

func (p *Pool) ChainID(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, rpcCallTimeout)
	defer cancel()

	var result hexutil.Big
	if err := p.pick().CallContext(ctx, &result, "eth_chainId"); err != nil {
		return 0, fmt.Errorf("eth_chainId: %w", err)
	}
	return (*big.Int)(&result).Int64(), nil
}

// FilterLogs runs eth_getLogs for a single contract over [fromBlock, toBlock].
func (p *Pool) FilterLogs(ctx context.Context, address common.Address, fromBlock, toBlock int64) ([]types.Log, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.sem.Release(1)

	ctx, cancel := context.WithTimeout(ctx, rpcCallTimeout)
	defer cancel()

	arg := map[string]interface{}{
		"address":   address,
		"fromBlock": hexutil.EncodeBig(big.NewInt(fromBlock)),
		"toBlock":   hexutil.EncodeBig(big.NewInt(toBlock)),
	}
	var logs []types.Log
	if err := p.pick().CallContext(ctx, &logs, "eth_getLogs", arg); err != nil {
		p.errWindow.record()
		return nil, fmt.Errorf("eth_getLogs [%d, %d]: %w", fromBlock, toBlock, err)
	}
	return logs, nil
}

// rpcTransaction is the subset of eth_getTransactionByHash we consume.
type rpcTransaction struct {
	Hash        common.Hash     `json:"hash"`
	From        common.Address  `json:"from"`
	To          *common.Address `json:"to"`
	Value       *hexutil.Big    `json:"value"`
	Input       hexutil.Bytes   `json:"input"`
	BlockNumber *hexutil.Big    `json:"blockNumber"`
}

// TxRecord is a materialized transaction plus its receipt, the unit discovery
// and enrichment work with.
type TxRecord struct {
	Hash        common.Hash
	From        common.Address
	To          *common.Address
	Value       *big.Int
	Input       []byte
	BlockNumber int64
	Status      uint64
	GasUsed     uint64
	Logs        []*types.Log
}

// TxWithReceiptBatch fetches transactions and receipts for the given hashes in
// a single JSON-RPC batch (two calls per hash). Hashes whose responses are
// malformed or missing are skipped and reported in the second return value.
func (p *Pool) TxWithReceiptBatch(ctx context.Context, hashes []common.Hash) ([]TxRecord, int, error) {
	if len(hashes) == 0 {
		return nil, 0, nil
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, 0, err
	}
	defer p.sem.Release(1)

	ctx, cancel := context.WithTimeout(ctx, rpcCallTimeout)
	defer cancel()

	txs := make([]*rpcTransaction, len(hashes))
	receipts := make([]*types.Receipt, len(hashes))
	batch := make([]rpc.BatchElem, 0, len(hashes)*2)
	for i, h := range hashes {
		batch = append(batch, rpc.BatchElem{
			Method: "eth_getTransactionByHash",
			Args:   []interface{}{h},
			Result: &txs[i],
		})
		batch = append(batch, rpc.BatchElem{
			Method: "eth_getTransactionReceipt",
			Args:   []interface{}{h},
			Result: &receipts[i],
		})
	}

	if err := p.pick().BatchCallContext(ctx, batch); err != nil {
		p.errWindow.record()
		return nil, 0, fmt.Errorf("tx/receipt batch of %d: %w", len(hashes), err)
	}

	skipped := 0
	out := make([]TxRecord, 0, len(hashes))
	for i := range hashes {
		if elemErr := firstBatchErr(batch[i*2 : i*2+2]); elemErr != nil {
			log.Printf("[rpc] skipping tx %s: %v", hashes[i], elemErr)
			skipped++
			continue
		}
		tx, rcpt := txs[i], receipts[i]
		if tx == nil || rcpt == nil || tx.BlockNumber == nil {
			log.Printf("[rpc] skipping tx %s: missing tx or receipt in response", hashes[i])
			skipped++
			continue
		}
		value := new(big.Int)
		if tx.Value != nil {
			value = (*big.Int)(tx.Value)
		}
		out = append(out, TxRecord{
			Hash:        tx.Hash,
			From:        tx.From,
			To:          tx.To,
			Value:       value,
			Input:       tx.Input,
			BlockNumber: (*big.Int)(tx.BlockNumber).Int64(),
			Status:      rcpt.Status,
			GasUsed:     rcpt.GasUsed,
			Logs:        rcpt.Logs,
		})
	}
	return out, skipped, nil
}

// ReceiptBatch fetches receipts only (enrichment path, where the raw row
// already exists).
func (p *Pool) ReceiptBatch(ctx context.Context, hashes []common.Hash) (map[common.Hash]*types.Receipt, error) {
	if len(hashes) == 0 {
		return nil, nil
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.sem.Release(1)

	ctx, cancel := context.WithTimeout(ctx, rpcCallTimeout)
	defer cancel()

	receipts := make([]*types.Receipt, len(hashes))
	batch := make([]rpc.BatchElem, len(hashes))
	for i, h := range hashes {
		batch[i] = rpc.BatchElem{
			Method: "eth_getTransactionReceipt",
			Args:   []interface{}{h},
			Result: &receipts[i],
		}
	}

	if err := p.pick().BatchCallContext(ctx, batch); err != nil {
		p.errWindow.record()
		return nil, fmt.Errorf("receipt batch of %d: %w", len(hashes), err)
	}

	out := make(map[common.Hash]*types.Receipt, len(hashes))
	for i, h := range hashes {
		if batch[i].Error != nil || receipts[i] == nil {
			continue
		}
		out[h] = receipts[i]
	}
	return out, nil
}

// HeaderTimestamps fetches block timestamps for a set of block numbers in one
// batch. Discovery needs these because receipts carry no timestamp.
func (p *Pool) HeaderTimestamps(ctx context.Context, blockNumbers []int64) (map[int64]time.Time, error) {
	if len(blockNumbers) == 0 {
		return nil, nil
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.sem.Release(1)

	ctx, cancel := context.WithTimeout(ctx, rpcCallTimeout)
	defer cancel()

	type header struct {
		Timestamp hexutil.Uint64 `json:"timestamp"`
	}
	headers := make([]*header, len(blockNumbers))
	batch := make([]rpc.BatchElem, len(blockNumbers))
	for i, n := range blockNumbers {
		batch[i] = rpc.BatchElem{
			Method: "eth_getBlockByNumber",
			Args:   []interface{}{hexutil.EncodeBig(big.NewInt(n)), false},
			Result: &headers[i],
		}
	}

	if err := p.pick().BatchCallContext(ctx, batch); err != nil {
		p.errWindow.record()
		return nil, fmt.Errorf("header batch of %d: %w", len(blockNumbers), err)
	}

	out := make(map[int64]time.Time, len(blockNumbers))
	for i, n := range blockNumbers {
		if batch[i].Error != nil || headers[i] == nil {
			continue
		}
		out[n] = time.Unix(int64(headers[i].Timestamp), 0).UTC()
	}
	return out, nil
}

// ErrorRate reports the share of RPC calls that failed over the last minute.
// Discovery halves its concurrency while this exceeds its threshold.
func (p *Pool) ErrorRate() float64 {
	return p.errWindow.rate()
}

func (p *Pool) RecordSuccess() {
	p.errWindow.recordOK()
}

func firstBatchErr(elems []rpc.BatchElem) error {
	for _, e := range elems {
		if e.Error != nil {
			return e.Error
		}
	}
	return nil
}

// IsRateLimited reports whether err looks like throttling or a transport
// timeout, i.e. the caller should back off and rotate endpoints.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "timeout")
}

// IsTooManyResults reports whether an eth_getLogs call failed because the
// window matched more logs than the node is willing to return.
func IsTooManyResults(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "more than") ||
		strings.Contains(msg, "response size") ||
		strings.Contains(msg, "query returned") ||
		strings.Contains(msg, "too many results")
}

// Backoff returns the sleep before retry attempt n (0-based): 1s, 2s, 4s...
// capped at 30s.
func Backoff(attempt int) time.Duration {
	d := time.Second << uint(attempt)
	if d > 30*time.Second || d <= 0 {
		return 30 * time.Second
	}
	return d
}
