package repository

import (
	"context"
	"strings"

	"inkdex/internal/models"

	"github.com/jackc/pgx/v5"
)

const leaderboardPageSize = 50

type LeaderboardPage struct {
	Leaderboard []models.NFTRecord `json:"leaderboard"`
	Total       int64              `json:"total"`
	Limit       int                `json:"limit"`
	CurrentPage int                `json:"currentPage"`
	TotalPages  int64              `json:"totalPages"`
	HasMore     bool               `json:"hasMore"`
}

// NFTLeaderboard returns one page of mint records in rank order. Pages are
// 1-based, 50 rows each.
func (r *Repository) NFTLeaderboard(ctx context.Context, page int) (*LeaderboardPage, error) {
	if page < 1 {
		page = 1
	}

	var total int64
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM wallet_nft_records`).Scan(&total); err != nil {
		return nil, err
	}

	rows, err := r.db.Query(ctx, `
		SELECT wallet_address, token_id, score::float8, rank, image_url, minted_at, updated_at
		FROM wallet_nft_records
		ORDER BY rank ASC
		LIMIT $1 OFFSET $2`,
		leaderboardPageSize, (page-1)*leaderboardPageSize,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := &LeaderboardPage{
		Leaderboard: []models.NFTRecord{},
		Total:       total,
		Limit:       leaderboardPageSize,
		CurrentPage: page,
		TotalPages:  (total + leaderboardPageSize - 1) / leaderboardPageSize,
	}
	for rows.Next() {
		var rec models.NFTRecord
		if err := rows.Scan(&rec.WalletAddress, &rec.TokenID, &rec.Score, &rec.Rank,
			&rec.ImageURL, &rec.MintedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		out.Leaderboard = append(out.Leaderboard, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out.HasMore = int64(page) < out.TotalPages
	return out, nil
}

// UpsertNFTRecord is written by the mint-authorization collaborator's path;
// kept here so the table has exactly one writer.
func (r *Repository) UpsertNFTRecord(ctx context.Context, rec *models.NFTRecord) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO wallet_nft_records (wallet_address, token_id, score, rank, image_url)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (wallet_address) DO UPDATE SET
			token_id = EXCLUDED.token_id,
			score = EXCLUDED.score,
			rank = EXCLUDED.rank,
			image_url = EXCLUDED.image_url,
			updated_at = NOW()`,
		strings.ToLower(rec.WalletAddress), rec.TokenID, rec.Score, rec.Rank, rec.ImageURL,
	)
	return err
}

func (r *Repository) GetNFTRecord(ctx context.Context, wallet string) (*models.NFTRecord, error) {
	var rec models.NFTRecord
	err := r.db.QueryRow(ctx, `
		SELECT wallet_address, token_id, score::float8, rank, image_url, minted_at, updated_at
		FROM wallet_nft_records WHERE wallet_address = $1`,
		strings.ToLower(wallet),
	).Scan(&rec.WalletAddress, &rec.TokenID, &rec.Score, &rec.Rank, &rec.ImageURL, &rec.MintedAt, &rec.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
