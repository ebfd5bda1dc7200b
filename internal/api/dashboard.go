package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"inkdex/internal/models"
	"inkdex/internal/repository"
)

const refreshCooldown = 30 * time.Second

// Platform slugs baked into the dashboard's named fields. The catalogs are
// inputs; the slugs must match the seeded platforms table.
const (
	slugMarvk    = "marvk"
	slugNado     = "nado"
	slugCopink   = "copink"
	slugNFT2Me   = "nft2me"
	slugTydro    = "tydro"
	slugGM       = "gm"
	slugInkypump = "inkypump"
	slugZNS      = "zns"
	slugShellies = "shellies"
	slugOpensea  = "opensea"
)

var marketplaceSlugs = []string{slugOpensea, slugNFT2Me}

// handleDashboard composes every aggregate the UI needs in one response.
// Sections fail independently: a broken section is null and named in
// errors[], the rest of the payload stands.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	wallet := walletParam(w, r)
	if wallet == "" {
		return
	}

	if r.URL.Query().Get("refresh") == "true" {
		if retryIn, ok := s.refreshAllowed(wallet); !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(retryIn.Seconds())+1))
			writeError(w, http.StatusTooManyRequests, "refresh cooldown, try again later")
			return
		}
	}

	ctx := r.Context()
	out := map[string]interface{}{}
	var errs []string

	section := func(name string, fn func() (interface{}, error)) {
		v, err := fn()
		if err != nil {
			out[name] = nil
			errs = append(errs, fmt.Sprintf("%s: %v", name, err))
			return
		}
		out[name] = v
	}

	section("stats", func() (interface{}, error) {
		return s.repo.GetWalletStats(ctx, wallet)
	})
	section("bridge", func() (interface{}, error) {
		return s.repo.BridgeAggregate(ctx, wallet)
	})
	section("swap", func() (interface{}, error) {
		return s.repo.SwapAggregate(ctx, wallet)
	})
	section("volume", func() (interface{}, error) {
		return s.repo.CirculatedVolume(ctx, wallet)
	})
	section("score", func() (interface{}, error) {
		rec, err := s.repo.GetNFTRecord(ctx, wallet)
		if err != nil {
			return nil, err
		}
		return walletScore(rec), nil
	})
	section("analytics", func() (interface{}, error) {
		metrics, err := s.repo.ListMetrics(ctx, true)
		if err != nil {
			return nil, err
		}
		results := make([]repository.MetricResult, 0, len(metrics))
		for i := range metrics {
			res, err := s.repo.EvaluateMetric(ctx, &metrics[i], wallet)
			if err != nil {
				return nil, err
			}
			results = append(results, *res)
		}
		return results, nil
	})
	section("cards", func() (interface{}, error) {
		return s.renderCards(r, wallet)
	})
	section("tydro", func() (interface{}, error) {
		return s.repo.LendingAggregate(ctx, wallet, slugTydro)
	})

	// Simple per-platform counters.
	for name, slug := range map[string]string{
		"marvk":  slugMarvk,
		"nado":   slugNado,
		"copink": slugCopink,
		"nft2me": slugNFT2Me,
		"zns":    slugZNS,
	} {
		name, slug := name, slug
		section(name, func() (interface{}, error) {
			return s.repo.PlatformTxCount(ctx, wallet, slug)
		})
	}

	section("gmCount", func() (interface{}, error) {
		return s.repo.PlatformTxCount(ctx, wallet, slugGM)
	})
	section("inkypumpCreatedTokens", func() (interface{}, error) {
		return s.repo.PlatformFunctionCount(ctx, wallet, slugInkypump, []string{"createToken", "create"})
	})
	section("inkypumpBuyVolume", func() (interface{}, error) {
		return s.repo.PlatformFunctionUSD(ctx, wallet, slugInkypump, []string{"buy", "buyToken"})
	})
	section("inkypumpSellVolume", func() (interface{}, error) {
		return s.repo.PlatformFunctionUSD(ctx, wallet, slugInkypump, []string{"sell", "sellToken"})
	})
	section("nftTraded", func() (interface{}, error) {
		buys, sales, err := s.repo.NFTTradeCount(ctx, wallet, marketplaceSlugs)
		return buys + sales, err
	})
	section("shelliesJoinedRaffles", func() (interface{}, error) {
		return s.repo.PlatformFunctionCount(ctx, wallet, slugShellies, []string{"joinRaffle"})
	})
	section("shelliesPayToPlay", func() (interface{}, error) {
		return s.repo.PlatformFunctionCount(ctx, wallet, slugShellies, []string{"payToPlay"})
	})
	section("shelliesStaking", func() (interface{}, error) {
		return s.repo.PlatformFunctionCount(ctx, wallet, slugShellies, []string{"stake", "unstake"})
	})
	section("openseaBuyCount", func() (interface{}, error) {
		buys, _, err := s.repo.NFTTradeCount(ctx, wallet, []string{slugOpensea})
		return buys, err
	})
	section("openseaSaleCount", func() (interface{}, error) {
		_, sales, err := s.repo.NFTTradeCount(ctx, wallet, []string{slugOpensea})
		return sales, err
	})
	section("mintCount", func() (interface{}, error) {
		return s.repo.FunctionCount(ctx, wallet, []string{"mint", "mintTo", "safeMint"})
	})

	if errs == nil {
		errs = []string{}
	}
	out["errors"] = errs
	writeJSON(w, http.StatusOK, out)
}

// walletScore maps a wallet without a minted NFT to zero. Never minting is an
// ordinary state, not a section failure.
func walletScore(rec *models.NFTRecord) float64 {
	if rec == nil {
		return 0
	}
	return rec.Score
}

// renderCards evaluates active cards and splits them into row slots.
func (s *Server) renderCards(r *http.Request, wallet string) (interface{}, error) {
	ctx := r.Context()
	cards, err := s.repo.ListCards(ctx, true)
	if err != nil {
		return nil, err
	}

	rows := map[string][]repository.CardResult{
		"row3": {},
		"row4": {},
	}
	for i := range cards {
		res, err := s.repo.EvaluateCard(ctx, &cards[i], wallet)
		if err != nil {
			return nil, err
		}
		rows[cards[i].RowSlot] = append(rows[cards[i].RowSlot], *res)
	}
	return rows, nil
}

// refreshAllowed enforces the per-wallet force-refresh cooldown. Returns the
// remaining wait when refused.
func (s *Server) refreshAllowed(wallet string) (time.Duration, bool) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	now := time.Now()
	if last, ok := s.lastRefresh[wallet]; ok {
		if wait := refreshCooldown - now.Sub(last); wait > 0 {
			return wait, false
		}
	}
	s.lastRefresh[wallet] = now

	// Bounded map: prune stale entries opportunistically.
	if len(s.lastRefresh) > 10_000 {
		for k, v := range s.lastRefresh {
			if now.Sub(v) > refreshCooldown {
				delete(s.lastRefresh, k)
			}
		}
	}
	return 0, true
}
