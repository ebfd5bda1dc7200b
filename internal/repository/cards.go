package repository

import (
	"context"
	"fmt"
	"strings"

	"inkdex/internal/models"

	"github.com/jackc/pgx/v5"
)

func (r *Repository) ListCards(ctx context.Context, activeOnly bool) ([]models.DashboardCard, error) {
	query := `SELECT id, row_slot, card_type, title, subtitle, color, display_order, is_active
		FROM dashboard_cards`
	if activeOnly {
		query += ` WHERE is_active = TRUE`
	}
	query += ` ORDER BY row_slot, display_order, id`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.DashboardCard
	for rows.Next() {
		var c models.DashboardCard
		if err := rows.Scan(&c.ID, &c.RowSlot, &c.CardType, &c.Title, &c.Subtitle,
			&c.Color, &c.DisplayOrder, &c.IsActive); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		if err := r.loadCardLinks(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *Repository) GetCard(ctx context.Context, id int64) (*models.DashboardCard, error) {
	var c models.DashboardCard
	err := r.db.QueryRow(ctx, `
		SELECT id, row_slot, card_type, title, subtitle, color, display_order, is_active
		FROM dashboard_cards WHERE id = $1`, id).
		Scan(&c.ID, &c.RowSlot, &c.CardType, &c.Title, &c.Subtitle, &c.Color, &c.DisplayOrder, &c.IsActive)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := r.loadCardLinks(ctx, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *Repository) loadCardLinks(ctx context.Context, c *models.DashboardCard) error {
	rows, err := r.db.Query(ctx, `
		SELECT metric_id FROM dashboard_card_metrics
		WHERE card_id = $1 ORDER BY display_order, metric_id`, c.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	c.MetricIDs = c.MetricIDs[:0]
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return err
		}
		c.MetricIDs = append(c.MetricIDs, id)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	prows, err := r.db.Query(ctx, `
		SELECT platform_id FROM dashboard_card_platforms
		WHERE card_id = $1 ORDER BY display_order, platform_id`, c.ID)
	if err != nil {
		return err
	}
	defer prows.Close()
	c.PlatformIDs = c.PlatformIDs[:0]
	for prows.Next() {
		var id int64
		if err := prows.Scan(&id); err != nil {
			return err
		}
		c.PlatformIDs = append(c.PlatformIDs, id)
	}
	return prows.Err()
}

func (r *Repository) CreateCard(ctx context.Context, c *models.DashboardCard) (int64, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO dashboard_cards (row_slot, card_type, title, subtitle, color, display_order, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		c.RowSlot, c.CardType, c.Title, c.Subtitle, c.Color, c.DisplayOrder, c.IsActive,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert card: %w", err)
	}

	if err := insertCardLinks(ctx, tx, id, c); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return id, nil
}

func (r *Repository) UpdateCard(ctx context.Context, c *models.DashboardCard) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	cmd, err := tx.Exec(ctx, `
		UPDATE dashboard_cards
		SET row_slot = $2, card_type = $3, title = $4, subtitle = $5, color = $6,
		    display_order = $7, is_active = $8, updated_at = NOW()
		WHERE id = $1`,
		c.ID, c.RowSlot, c.CardType, c.Title, c.Subtitle, c.Color, c.DisplayOrder, c.IsActive,
	)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}

	if _, err := tx.Exec(ctx, `DELETE FROM dashboard_card_metrics WHERE card_id = $1`, c.ID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM dashboard_card_platforms WHERE card_id = $1`, c.ID); err != nil {
		return err
	}
	if err := insertCardLinks(ctx, tx, c.ID, c); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func insertCardLinks(ctx context.Context, tx pgx.Tx, cardID int64, c *models.DashboardCard) error {
	for i, mid := range c.MetricIDs {
		if _, err := tx.Exec(ctx, `
			INSERT INTO dashboard_card_metrics (card_id, metric_id, display_order)
			VALUES ($1, $2, $3)`, cardID, mid, i); err != nil {
			return fmt.Errorf("failed to link metric %d: %w", mid, err)
		}
	}
	for i, pid := range c.PlatformIDs {
		if _, err := tx.Exec(ctx, `
			INSERT INTO dashboard_card_platforms (card_id, platform_id, display_order)
			VALUES ($1, $2, $3)`, cardID, pid, i); err != nil {
			return fmt.Errorf("failed to link platform %d: %w", pid, err)
		}
	}
	return nil
}

func (r *Repository) DeleteCard(ctx context.Context, id int64) error {
	cmd, err := r.db.Exec(ctx, `DELETE FROM dashboard_cards WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// --- Rendering ---

type CardPlatformValue struct {
	Platform string  `json:"platform"`
	Value    float64 `json:"value"`
	Count    int64   `json:"count"`
	Logo     string  `json:"logo,omitempty"`
	URL      string  `json:"url,omitempty"`
}

type CardResult struct {
	ID         int64               `json:"id"`
	Row        string              `json:"row"`
	CardType   string              `json:"card_type"`
	Title      string              `json:"title"`
	Subtitle   string              `json:"subtitle,omitempty"`
	Color      string              `json:"color"`
	TotalValue float64             `json:"totalValue"`
	TotalCount int64               `json:"totalCount"`
	ByPlatform []CardPlatformValue `json:"byPlatform"`
}

// EvaluateCard renders one dashboard card for a wallet: each of the card's
// metrics is evaluated per platform (restricted to contracts linked to both
// the metric and that platform), then summed. One-platform cards render as
// the single variant.
func (r *Repository) EvaluateCard(ctx context.Context, card *models.DashboardCard, wallet string) (*CardResult, error) {
	result := &CardResult{
		ID:         card.ID,
		Row:        card.RowSlot,
		CardType:   card.CardType,
		Title:      card.Title,
		Subtitle:   card.Subtitle,
		Color:      card.Color,
		ByPlatform: []CardPlatformValue{},
	}
	if len(card.MetricIDs) == 0 || len(card.PlatformIDs) == 0 {
		return result, nil
	}
	if len(card.PlatformIDs) == 1 {
		result.CardType = "single"
	}

	perPlatform := map[int64]*CardPlatformValue{}
	order := []int64{}

	for _, mid := range card.MetricIDs {
		m, err := r.GetMetric(ctx, mid)
		if err != nil {
			return nil, err
		}
		if m == nil || !m.IsActive {
			continue
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

		args := []any{strings.ToLower(wallet), mid, card.PlatformIDs}
		filter, args := metricFilter(m, wallet, args)

		query := fmt.Sprintf(`
			SELECT p.id, p.name, p.logo_url, p.website_url, (%s)::float8, COUNT(*)
			FROM transaction_details d
			JOIN contracts c ON c.address = d.contract_address
			JOIN metric_contracts mc ON mc.contract_id = c.id AND mc.metric_id = $2
			JOIN contract_platforms cp ON cp.contract_id = c.id
			JOIN platforms p ON p.id = cp.platform_id AND p.id = ANY($3)
			LEFT JOIN transaction_enrichment e ON e.tx_hash = d.tx_hash
			WHERE d.wallet_address = $1 AND d.status = 1%s
			GROUP BY p.id, p.name, p.logo_url, p.website_url`, valueExpr, filter)

		rows, err := r.db.Query(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate card %d metric %d: %w", card.ID, mid, err)
		}
		for rows.Next() {
			var pid int64
			var name, logo, url string
			var value float64
			var count int64
			if err := rows.Scan(&pid, &name, &logo, &url, &value, &count); err != nil {
				rows.Close()
				return nil, err
			}
			pv := perPlatform[pid]
			if pv == nil {
				pv = &CardPlatformValue{Platform: name, Logo: logo, URL: url}
				perPlatform[pid] = pv
				order = append(order, pid)
			}
			pv.Value += value
			pv.Count += count
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}

	for _, pid := range order {
		pv := perPlatform[pid]
		result.TotalValue += pv.Value
		result.TotalCount += pv.Count
		result.ByPlatform = append(result.ByPlatform, *pv)
	}
	// Descending by value.
	for i := 1; i < len(result.ByPlatform); i++ {
		for j := i; j > 0 && result.ByPlatform[j].Value > result.ByPlatform[j-1].Value; j-- {
			result.ByPlatform[j], result.ByPlatform[j-1] = result.ByPlatform[j-1], result.ByPlatform[j]
		}
	}
	return result, nil
}
