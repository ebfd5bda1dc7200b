package api

import (
	"net/http"
	"strconv"
	"time"

	"inkdex/internal/repository"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	status := map[string]interface{}{
		"chain_id": s.chainID,
		"time":     time.Now().UTC().Format(time.RFC3339),
	}

	if head, err := s.pool.BlockNumber(ctx); err == nil {
		status["chain_head"] = head
	} else {
		status["chain_head"] = nil
	}
	status["rpc_error_rate"] = s.pool.ErrorRate()

	if err := s.repo.Ping(ctx); err != nil {
		status["database"] = "down"
		writeJSON(w, http.StatusOK, status)
		return
	}
	status["database"] = "up"

	if n, err := s.repo.CountDetails(ctx); err == nil {
		status["transactions"] = n
	}
	if n, err := s.repo.CountUnenriched(ctx); err == nil {
		status["unenriched"] = n
	}
	if ts, err := s.repo.OldestUnenriched(ctx); err == nil && ts != nil {
		status["enrichment_lag_seconds"] = int64(time.Since(*ts).Seconds())
	}
	if counts, err := s.repo.CountJobsByStatus(ctx); err == nil {
		status["jobs"] = counts
	}

	contracts, err := s.repo.ListContracts(ctx, false)
	if err == nil {
		type contractStatus struct {
			Address         string `json:"address"`
			Name            string `json:"name"`
			IndexedThrough  int64  `json:"indexed_through_block"`
			Failed          bool   `json:"failed"`
			IndexingEnabled bool   `json:"indexing_enabled"`
		}
		list := make([]contractStatus, 0, len(contracts))
		for _, c := range contracts {
			list = append(list, contractStatus{
				Address:         c.Address,
				Name:            c.Name,
				IndexedThrough:  c.IndexedThroughBlock,
				Failed:          c.Failed,
				IndexingEnabled: c.IndexingEnabled,
			})
		}
		status["contracts"] = list
	}

	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	wallet := walletParam(w, r)
	if wallet == "" {
		return
	}
	ctx := r.Context()

	metrics, err := s.repo.ListMetrics(ctx, true)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load metrics")
		return
	}

	results := make([]repository.MetricResult, 0, len(metrics))
	for i := range metrics {
		res, err := s.repo.EvaluateMetric(ctx, &metrics[i], wallet)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to evaluate metrics")
			return
		}
		results = append(results, *res)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"metrics": results})
}

func (s *Server) handleBridge(w http.ResponseWriter, r *http.Request) {
	wallet := walletParam(w, r)
	if wallet == "" {
		return
	}

	agg, err := s.repo.BridgeAggregate(r.Context(), wallet)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to compute bridge aggregate")
		return
	}
	writeJSON(w, http.StatusOK, agg)
}

func (s *Server) handleSwap(w http.ResponseWriter, r *http.Request) {
	wallet := walletParam(w, r)
	if wallet == "" {
		return
	}

	agg, err := s.repo.SwapAggregate(r.Context(), wallet)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to compute swap aggregate")
		return
	}
	writeJSON(w, http.StatusOK, agg)
}

func (s *Server) handleVolume(w http.ResponseWriter, r *http.Request) {
	wallet := walletParam(w, r)
	if wallet == "" {
		return
	}

	vol, err := s.repo.CirculatedVolume(r.Context(), wallet)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to compute volume")
		return
	}
	writeJSON(w, http.StatusOK, vol)
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	page := 1
	if v := r.URL.Query().Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid page")
			return
		}
		page = n
	}

	board, err := s.repo.NFTLeaderboard(r.Context(), page)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load leaderboard")
		return
	}
	writeJSON(w, http.StatusOK, board)
}
