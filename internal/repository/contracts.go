package repository

import (
	"context"
	"fmt"
	"strings"

	"inkdex/internal/models"

	"github.com/jackc/pgx/v5"
)

const contractColumns = `id, address, name, contract_type, indexing_enabled, fetch_transactions,
	deploy_block, creation_date, abi_json, indexed_through_block, scanner_cursor,
	consecutive_failures, failed, created_at, updated_at`

func scanContract(row pgx.Row) (*models.Contract, error) {
	var c models.Contract
	err := row.Scan(
		&c.ID, &c.Address, &c.Name, &c.ContractType, &c.IndexingEnabled, &c.FetchTransactions,
		&c.DeployBlock, &c.CreationDate, &c.ABIJSON, &c.IndexedThroughBlock, &c.ScannerCursor,
		&c.ConsecutiveFailures, &c.Failed, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *Repository) ListContracts(ctx context.Context, enabledOnly bool) ([]models.Contract, error) {
	query := `SELECT ` + contractColumns + ` FROM contracts`
	if enabledOnly {
		query += ` WHERE indexing_enabled = TRUE AND failed = FALSE`
	}
	query += ` ORDER BY id ASC`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (r *Repository) GetContract(ctx context.Context, id int64) (*models.Contract, error) {
	c, err := scanContract(r.db.QueryRow(ctx,
		`SELECT `+contractColumns+` FROM contracts WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.PlatformIDs, err = r.contractPlatformIDs(ctx, c.ID)
	return c, err
}

func (r *Repository) GetContractByAddress(ctx context.Context, address string) (*models.Contract, error) {
	c, err := scanContract(r.db.QueryRow(ctx,
		`SELECT `+contractColumns+` FROM contracts WHERE address = $1`, strings.ToLower(address)))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.PlatformIDs, err = r.contractPlatformIDs(ctx, c.ID)
	return c, err
}

func (r *Repository) contractPlatformIDs(ctx context.Context, contractID int64) ([]int64, error) {
	rows, err := r.db.Query(ctx,
		`SELECT platform_id FROM contract_platforms WHERE contract_id = $1 ORDER BY platform_id`, contractID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CreateContract inserts a contract and its platform links in one
// transaction. The address is lowercased here so the schema CHECK never
// fires on caller input.
func (r *Repository) CreateContract(ctx context.Context, c *models.Contract) (int64, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO contracts (address, name, contract_type, indexing_enabled, fetch_transactions, deploy_block, creation_date, abi_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		strings.ToLower(c.Address), c.Name, c.ContractType, c.IndexingEnabled, c.FetchTransactions,
		c.DeployBlock, c.CreationDate, c.ABIJSON,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert contract: %w", err)
	}

	for _, pid := range c.PlatformIDs {
		if _, err := tx.Exec(ctx, `
			INSERT INTO contract_platforms (contract_id, platform_id)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING`, id, pid); err != nil {
			return 0, fmt.Errorf("failed to link platform %d: %w", pid, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return id, nil
}

func (r *Repository) UpdateContract(ctx context.Context, c *models.Contract) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	cmd, err := tx.Exec(ctx, `
		UPDATE contracts
		SET name = $2, contract_type = $3, indexing_enabled = $4, fetch_transactions = $5,
		    deploy_block = $6, creation_date = $7, abi_json = $8, updated_at = NOW()
		WHERE id = $1`,
		c.ID, c.Name, c.ContractType, c.IndexingEnabled, c.FetchTransactions,
		c.DeployBlock, c.CreationDate, c.ABIJSON,
	)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}

	if c.PlatformIDs != nil {
		if _, err := tx.Exec(ctx, `DELETE FROM contract_platforms WHERE contract_id = $1`, c.ID); err != nil {
			return err
		}
		for _, pid := range c.PlatformIDs {
			if _, err := tx.Exec(ctx, `
				INSERT INTO contract_platforms (contract_id, platform_id) VALUES ($1, $2)`, c.ID, pid); err != nil {
				return fmt.Errorf("failed to link platform %d: %w", pid, err)
			}
		}
	}

	return tx.Commit(ctx)
}

func (r *Repository) DeleteContract(ctx context.Context, id int64) error {
	cmd, err := r.db.Exec(ctx, `DELETE FROM contracts WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// --- Indexing progress ---

// SetIndexedThrough advances the per-contract discovery watermark. It never
// moves backward; overlapping re-ingest after restart relies on that.
func (r *Repository) SetIndexedThrough(ctx context.Context, contractID, block int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE contracts
		SET indexed_through_block = GREATEST(indexed_through_block, $2), updated_at = NOW()
		WHERE id = $1`,
		contractID, block,
	)
	return err
}

func (r *Repository) SetScannerCursor(ctx context.Context, contractID int64, cursor string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE contracts SET scanner_cursor = $2, updated_at = NOW() WHERE id = $1`,
		contractID, cursor,
	)
	return err
}

// RecordContractFailure bumps the consecutive-failure counter and returns the
// new value. At the promotion threshold the caller marks the contract failed.
func (r *Repository) RecordContractFailure(ctx context.Context, contractID int64) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `
		UPDATE contracts
		SET consecutive_failures = consecutive_failures + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING consecutive_failures`,
		contractID,
	).Scan(&n)
	return n, err
}

func (r *Repository) ResetContractFailures(ctx context.Context, contractID int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE contracts SET consecutive_failures = 0, failed = FALSE, updated_at = NOW() WHERE id = $1`,
		contractID,
	)
	return err
}

func (r *Repository) MarkContractFailed(ctx context.Context, contractID int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE contracts SET failed = TRUE, updated_at = NOW() WHERE id = $1`,
		contractID,
	)
	return err
}

// --- Scan windows (discovery coverage intervals) ---

// ScanWindow is a half-open block interval [From, To) already queried for a
// contract.
type ScanWindow struct {
	From int64
	To   int64
}

func (r *Repository) GetScanWindows(ctx context.Context, contractID int64) ([]ScanWindow, error) {
	rows, err := r.db.Query(ctx, `
		SELECT from_block, to_block FROM contract_scan_windows
		WHERE contract_id = $1 ORDER BY from_block ASC`, contractID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScanWindow
	for rows.Next() {
		var w ScanWindow
		if err := rows.Scan(&w.From, &w.To); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// ReplaceScanWindows rewrites the merged interval list for a contract. The
// caller merges in memory (ingester.IntervalSet); storing the merged form
// keeps the table at a handful of rows per contract.
func (r *Repository) ReplaceScanWindows(ctx context.Context, contractID int64, windows []ScanWindow) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM contract_scan_windows WHERE contract_id = $1`, contractID); err != nil {
		return err
	}
	for _, w := range windows {
		if _, err := tx.Exec(ctx, `
			INSERT INTO contract_scan_windows (contract_id, from_block, to_block)
			VALUES ($1, $2, $3)`, contractID, w.From, w.To); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// --- Platforms ---

func (r *Repository) ListPlatforms(ctx context.Context) ([]models.Platform, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, slug, name, logo_url, website_url FROM platforms ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Platform
	for rows.Next() {
		var p models.Platform
		if err := rows.Scan(&p.ID, &p.Slug, &p.Name, &p.LogoURL, &p.WebsiteURL); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *Repository) GetPlatform(ctx context.Context, id int64) (*models.Platform, error) {
	var p models.Platform
	err := r.db.QueryRow(ctx,
		`SELECT id, slug, name, logo_url, website_url FROM platforms WHERE id = $1`, id).
		Scan(&p.ID, &p.Slug, &p.Name, &p.LogoURL, &p.WebsiteURL)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *Repository) UpsertPlatform(ctx context.Context, p *models.Platform) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx, `
		INSERT INTO platforms (slug, name, logo_url, website_url)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (slug) DO UPDATE SET
			name = EXCLUDED.name,
			logo_url = EXCLUDED.logo_url,
			website_url = EXCLUDED.website_url
		RETURNING id`,
		p.Slug, p.Name, p.LogoURL, p.WebsiteURL,
	).Scan(&id)
	return id, err
}

// --- Bridge hot wallets (curated catalog) ---

func (r *Repository) ListBridgeHotWallets(ctx context.Context) ([]models.BridgeHotWallet, error) {
	rows, err := r.db.Query(ctx,
		`SELECT address, platform_slug, selector_rules FROM bridge_hot_wallets`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.BridgeHotWallet
	for rows.Next() {
		var hw models.BridgeHotWallet
		if err := rows.Scan(&hw.Address, &hw.PlatformSlug, &hw.SelectorRules); err != nil {
			return nil, err
		}
		out = append(out, hw)
	}
	return out, rows.Err()
}
