package repository

import (
	"context"
	"fmt"
	"time"

	"inkdex/internal/models"

	"github.com/jackc/pgx/v5"
)

// InsertDetails writes raw transaction rows idempotently and returns how many
// were actually new. Re-running discovery over an indexed range is a no-op.
func (r *Repository) InsertDetails(ctx context.Context, details []models.TransactionDetail) (int64, error) {
	if len(details) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, d := range details {
		batch.Queue(`
			INSERT INTO transaction_details (tx_hash, contract_address, wallet_address, block_number, block_timestamp, status, eth_value, input_selector, gas_used)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (tx_hash) DO NOTHING`,
			d.TxHash, d.ContractAddress, d.WalletAddress, d.BlockNumber, d.BlockTimestamp,
			d.Status, d.EthValue, d.InputSelector, d.GasUsed,
		)
	}

	br := r.db.SendBatch(ctx, batch)
	defer br.Close()

	var inserted int64
	for i := 0; i < len(details); i++ {
		tag, err := br.Exec()
		if err != nil {
			return inserted, fmt.Errorf("failed to insert detail batch: %w", err)
		}
		inserted += tag.RowsAffected()
	}
	return inserted, nil
}

// CorrectStatus fixes a status after receipt reconfirmation. The only
// permitted mutation of a detail row.
func (r *Repository) CorrectStatus(ctx context.Context, txHash string, status int16) error {
	_, err := r.db.Exec(ctx,
		`UPDATE transaction_details SET status = $2 WHERE tx_hash = $1`, txHash, status)
	return err
}

// EnrichmentCandidate is a raw row awaiting enrichment, carrying what the
// enricher needs without a second lookup.
type EnrichmentCandidate struct {
	TxHash          string
	ContractAddress string
	WalletAddress   string
	BlockTimestamp  time.Time
	EthValue        string
	InputSelector   string
}

// ListEnrichmentCandidates returns up to limit unenriched rows on volume
// contracts with block_timestamp >= since, newest first. The realtime worker
// passes now-5m; the gap worker passes zero time with an upper bound instead.
func (r *Repository) ListEnrichmentCandidates(ctx context.Context, since time.Time, limit int) ([]EnrichmentCandidate, error) {
	rows, err := r.db.Query(ctx, `
		SELECT d.tx_hash, d.contract_address, d.wallet_address, d.block_timestamp, d.eth_value::text, d.input_selector
		FROM transaction_details d
		JOIN contracts c ON c.address = d.contract_address AND c.contract_type = 'volume'
		LEFT JOIN transaction_enrichment e ON e.tx_hash = d.tx_hash
		WHERE e.tx_hash IS NULL AND d.block_timestamp >= $1
		ORDER BY d.block_timestamp DESC
		LIMIT $2`,
		since, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCandidates(rows)
}

// ListEnrichmentGaps returns unenriched rows strictly older than before,
// newest first — the gap worker's view past the realtime window.
func (r *Repository) ListEnrichmentGaps(ctx context.Context, before time.Time, limit int) ([]EnrichmentCandidate, error) {
	rows, err := r.db.Query(ctx, `
		SELECT d.tx_hash, d.contract_address, d.wallet_address, d.block_timestamp, d.eth_value::text, d.input_selector
		FROM transaction_details d
		JOIN contracts c ON c.address = d.contract_address AND c.contract_type = 'volume'
		LEFT JOIN transaction_enrichment e ON e.tx_hash = d.tx_hash
		WHERE e.tx_hash IS NULL AND d.block_timestamp < $1
		ORDER BY d.block_timestamp DESC
		LIMIT $2`,
		before, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCandidates(rows)
}

// ListCandidatesByHashes is the dispatcher's path for enrich jobs.
func (r *Repository) ListCandidatesByHashes(ctx context.Context, hashes []string) ([]EnrichmentCandidate, error) {
	rows, err := r.db.Query(ctx, `
		SELECT d.tx_hash, d.contract_address, d.wallet_address, d.block_timestamp, d.eth_value::text, d.input_selector
		FROM transaction_details d
		LEFT JOIN transaction_enrichment e ON e.tx_hash = d.tx_hash
		WHERE e.tx_hash IS NULL AND d.tx_hash = ANY($1)`,
		hashes,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCandidates(rows)
}

func scanCandidates(rows pgx.Rows) ([]EnrichmentCandidate, error) {
	var out []EnrichmentCandidate
	for rows.Next() {
		var c EnrichmentCandidate
		if err := rows.Scan(&c.TxHash, &c.ContractAddress, &c.WalletAddress, &c.BlockTimestamp, &c.EthValue, &c.InputSelector); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *Repository) CountDetails(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM transaction_details`).Scan(&n)
	return n, err
}

func (r *Repository) CountUnenriched(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM transaction_details d
		JOIN contracts c ON c.address = d.contract_address AND c.contract_type = 'volume'
		LEFT JOIN transaction_enrichment e ON e.tx_hash = d.tx_hash
		WHERE e.tx_hash IS NULL`).Scan(&n)
	return n, err
}
