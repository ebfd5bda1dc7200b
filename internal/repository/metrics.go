package repository

import (
	"context"
	"fmt"
	"strings"

	"inkdex/internal/models"

	"github.com/jackc/pgx/v5"
)

const metricColumns = `id, slug, name, currency, aggregation_type, function_names, event_signatures, wallet_role, is_active`

func scanMetric(row pgx.Row) (*models.Metric, error) {
	var m models.Metric
	err := row.Scan(
		&m.ID, &m.Slug, &m.Name, &m.Currency, &m.AggregationType,
		&m.Predicate.FunctionNames, &m.Predicate.EventSignatures, &m.Predicate.WalletRole,
		&m.IsActive,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *Repository) ListMetrics(ctx context.Context, activeOnly bool) ([]models.Metric, error) {
	query := `SELECT ` + metricColumns + ` FROM analytics_metrics`
	if activeOnly {
		query += ` WHERE is_active = TRUE`
	}
	query += ` ORDER BY id ASC`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Metric
	for rows.Next() {
		m, err := scanMetric(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		out[i].ContractIDs, err = r.metricContractIDs(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *Repository) GetMetric(ctx context.Context, id int64) (*models.Metric, error) {
	m, err := scanMetric(r.db.QueryRow(ctx,
		`SELECT `+metricColumns+` FROM analytics_metrics WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.ContractIDs, err = r.metricContractIDs(ctx, m.ID)
	return m, err
}

func (r *Repository) metricContractIDs(ctx context.Context, metricID int64) ([]int64, error) {
	rows, err := r.db.Query(ctx,
		`SELECT contract_id FROM metric_contracts WHERE metric_id = $1 ORDER BY contract_id`, metricID)
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

func (r *Repository) CreateMetric(ctx context.Context, m *models.Metric) (int64, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO analytics_metrics (slug, name, currency, aggregation_type, function_names, event_signatures, wallet_role, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		m.Slug, m.Name, m.Currency, m.AggregationType,
		m.Predicate.FunctionNames, m.Predicate.EventSignatures, m.Predicate.WalletRole, m.IsActive,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert metric: %w", err)
	}

	for _, cid := range m.ContractIDs {
		if _, err := tx.Exec(ctx, `
			INSERT INTO metric_contracts (metric_id, contract_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING`, id, cid); err != nil {
			return 0, fmt.Errorf("failed to link contract %d: %w", cid, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return id, nil
}

func (r *Repository) UpdateMetric(ctx context.Context, m *models.Metric) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	cmd, err := tx.Exec(ctx, `
		UPDATE analytics_metrics
		SET slug = $2, name = $3, currency = $4, aggregation_type = $5,
		    function_names = $6, event_signatures = $7, wallet_role = $8,
		    is_active = $9, updated_at = NOW()
		WHERE id = $1`,
		m.ID, m.Slug, m.Name, m.Currency, m.AggregationType,
		m.Predicate.FunctionNames, m.Predicate.EventSignatures, m.Predicate.WalletRole, m.IsActive,
	)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}

	if m.ContractIDs != nil {
		if _, err := tx.Exec(ctx, `DELETE FROM metric_contracts WHERE metric_id = $1`, m.ID); err != nil {
			return err
		}
		for _, cid := range m.ContractIDs {
			if _, err := tx.Exec(ctx, `
				INSERT INTO metric_contracts (metric_id, contract_id) VALUES ($1, $2)`, m.ID, cid); err != nil {
				return fmt.Errorf("failed to link contract %d: %w", cid, err)
			}
		}
	}

	return tx.Commit(ctx)
}

func (r *Repository) DeleteMetric(ctx context.Context, id int64) error {
	cmd, err := r.db.Exec(ctx, `DELETE FROM analytics_metrics WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// --- Evaluation ---

// MetricSubAggregate is the per-contract slice of a metric value.
type MetricSubAggregate struct {
	ContractAddress string                   `json:"contract_address"`
	ContractName    string                   `json:"contract_name,omitempty"`
	Count           int64                    `json:"count"`
	USDValue        float64                  `json:"usd_value"`
	ByFunction      map[string]FunctionCount `json:"by_function,omitempty"`
}

type FunctionCount struct {
	Count int64 `json:"count"`
}

// MetricResult is one evaluated metric for a wallet.
type MetricResult struct {
	Slug          string               `json:"slug"`
	Name          string               `json:"name"`
	Currency      string               `json:"currency"`
	TotalValue    float64              `json:"total_value"`
	TotalCount    int64                `json:"total_count"`
	SubAggregates []MetricSubAggregate `json:"sub_aggregates"`
}

// paddedTopic left-pads a 20-byte address to the 32-byte topic encoding.
func paddedTopic(address string) string {
	return "0x000000000000000000000000" + strings.TrimPrefix(strings.ToLower(address), "0x")
}

// metricFilter builds the shared WHERE tail for a metric's predicate. The
// base filter (wallet, status, contract set) is in the caller's query; this
// appends function/event/role constraints using the given arg offset.
func metricFilter(m *models.Metric, wallet string, args []any) (string, []any) {
	var sb strings.Builder

	if len(m.Predicate.FunctionNames) > 0 {
		args = append(args, m.Predicate.FunctionNames)
		fmt.Fprintf(&sb, " AND e.function_name = ANY($%d)", len(args))
	}
	if len(m.Predicate.EventSignatures) > 0 {
		args = append(args, m.Predicate.EventSignatures)
		fmt.Fprintf(&sb, ` AND EXISTS (
			SELECT 1 FROM jsonb_array_elements(e.logs) AS l
			WHERE l->'topics'->>0 = ANY($%d))`, len(args))
	}
	switch m.Predicate.WalletRole {
	case "sender":
		// Sender is already the base filter (wallet_address = wallet).
	case "recipient":
		args = append(args, paddedTopic(wallet))
		fmt.Fprintf(&sb, ` AND EXISTS (
			SELECT 1 FROM jsonb_array_elements(e.logs) AS l
			WHERE l->'topics'->>2 = $%d)`, len(args))
	}
	return sb.String(), args
}

// EvaluateMetric computes one metric for a wallet: the headline value plus a
// per-contract breakdown with function-name counts where an ABI decoded them.
func (r *Repository) EvaluateMetric(ctx context.Context, m *models.Metric, wallet string) (*MetricResult, error) {
	result := &MetricResult{
		Slug:          m.Slug,
		Name:          m.Name,
		Currency:      m.Currency,
		SubAggregates: []MetricSubAggregate{},
	}
	if len(m.ContractIDs) == 0 {
		return result, nil
	}

	var valueExpr string
	switch m.AggregationType {
	case models.AggSumUSD:
		valueExpr = `COALESCE(SUM(e.usd_value), 0)`
	case models.AggSumETH:
		valueExpr = `COALESCE(SUM(d.eth_value), 0) / 1e18`
	case models.AggCountDistinctTx:
		valueExpr = `COUNT(DISTINCT d.tx_hash)`
	default:
		valueExpr = `COUNT(*)`
	}

	args := []any{strings.ToLower(wallet), m.ContractIDs}
	filter, args := metricFilter(m, wallet, args)

	query := fmt.Sprintf(`
		SELECT c.address, c.name,
		       COUNT(*) AS tx_count,
		       COALESCE(SUM(e.usd_value), 0)::float8 AS usd_value,
		       (%s)::float8 AS metric_value
		FROM transaction_details d
		JOIN contracts c ON c.address = d.contract_address
		LEFT JOIN transaction_enrichment e ON e.tx_hash = d.tx_hash
		WHERE d.wallet_address = $1 AND d.status = 1 AND c.id = ANY($2)%s
		GROUP BY c.address, c.name
		ORDER BY usd_value DESC`, valueExpr, filter)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate metric %s: %w", m.Slug, err)
	}
	defer rows.Close()

	for rows.Next() {
		var sub MetricSubAggregate
		var metricValue float64
		if err := rows.Scan(&sub.ContractAddress, &sub.ContractName, &sub.Count, &sub.USDValue, &metricValue); err != nil {
			return nil, err
		}
		result.TotalValue += metricValue
		result.TotalCount += sub.Count
		result.SubAggregates = append(result.SubAggregates, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := r.fillFunctionCounts(ctx, m, wallet, result); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *Repository) fillFunctionCounts(ctx context.Context, m *models.Metric, wallet string, result *MetricResult) error {
	if len(result.SubAggregates) == 0 {
		return nil
	}

	args := []any{strings.ToLower(wallet), m.ContractIDs}
	filter, args := metricFilter(m, wallet, args)

	query := fmt.Sprintf(`
		SELECT c.address, e.function_name, COUNT(*)
		FROM transaction_details d
		JOIN contracts c ON c.address = d.contract_address
		JOIN transaction_enrichment e ON e.tx_hash = d.tx_hash
		WHERE d.wallet_address = $1 AND d.status = 1 AND c.id = ANY($2)
		  AND e.function_name IS NOT NULL%s
		GROUP BY c.address, e.function_name`, filter)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	byContract := map[string]map[string]FunctionCount{}
	for rows.Next() {
		var addr, fn string
		var n int64
		if err := rows.Scan(&addr, &fn, &n); err != nil {
			return err
		}
		if byContract[addr] == nil {
			byContract[addr] = map[string]FunctionCount{}
		}
		byContract[addr][fn] = FunctionCount{Count: n}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for i := range result.SubAggregates {
		result.SubAggregates[i].ByFunction = byContract[result.SubAggregates[i].ContractAddress]
	}
	return nil
}
