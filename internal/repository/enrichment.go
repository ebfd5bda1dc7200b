package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"inkdex/internal/models"

	"github.com/jackc/pgx/v5"
)

// UpsertEnrichments writes enriched rows in one batch. Re-enriching a tx only
// refreshes usd_value and enriched_at; the decoded logs and function name are
// immutable once written.
func (r *Repository) UpsertEnrichments(ctx context.Context, rows []models.TransactionEnrichment) error {
	if len(rows) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, e := range rows {
		logs := e.Logs
		if logs == nil {
			logs = []models.Log{}
		}
		logsJSON, err := json.Marshal(logs)
		if err != nil {
			return fmt.Errorf("failed to marshal logs for %s: %w", e.TxHash, err)
		}
		batch.Queue(`
			INSERT INTO transaction_enrichment (tx_hash, function_name, logs, usd_value, eth_value_derived, enriched_at)
			VALUES ($1, $2, $3, $4, $5, NOW())
			ON CONFLICT (tx_hash) DO UPDATE SET
				usd_value = EXCLUDED.usd_value,
				enriched_at = NOW()`,
			e.TxHash, e.FunctionName, logsJSON, e.USDValue, e.EthValueDerived,
		)
	}

	br := r.db.SendBatch(ctx, batch)
	defer br.Close()

	for i := 0; i < len(rows); i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to upsert enrichment batch: %w", err)
		}
	}
	return nil
}

func (r *Repository) GetEnrichment(ctx context.Context, txHash string) (*models.TransactionEnrichment, error) {
	var e models.TransactionEnrichment
	var logsJSON []byte
	err := r.db.QueryRow(ctx, `
		SELECT tx_hash, function_name, logs, usd_value, eth_value_derived, enriched_at
		FROM transaction_enrichment WHERE tx_hash = $1`, txHash).
		Scan(&e.TxHash, &e.FunctionName, &logsJSON, &e.USDValue, &e.EthValueDerived, &e.EnrichedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(logsJSON, &e.Logs); err != nil {
		return nil, fmt.Errorf("failed to decode logs for %s: %w", txHash, err)
	}
	return &e, nil
}

// KnownHashes filters hashes down to the subset already present in
// transaction_details. Discovery uses it to stop scanner pagination early.
func (r *Repository) KnownHashes(ctx context.Context, hashes []string) (map[string]bool, error) {
	if len(hashes) == 0 {
		return map[string]bool{}, nil
	}
	rows, err := r.db.Query(ctx,
		`SELECT tx_hash FROM transaction_details WHERE tx_hash = ANY($1)`, hashes)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	known := make(map[string]bool, len(hashes))
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		known[h] = true
	}
	return known, rows.Err()
}

// OldestUnenriched reports the block_timestamp of the oldest pending row, for
// the status endpoint's lag gauge.
func (r *Repository) OldestUnenriched(ctx context.Context) (*time.Time, error) {
	var ts *time.Time
	err := r.db.QueryRow(ctx, `
		SELECT MIN(d.block_timestamp)
		FROM transaction_details d
		JOIN contracts c ON c.address = d.contract_address AND c.contract_type = 'volume'
		LEFT JOIN transaction_enrichment e ON e.tx_hash = d.tx_hash
		WHERE e.tx_hash IS NULL`).Scan(&ts)
	if err != nil {
		return nil, err
	}
	return ts, nil
}
