package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"inkdex/internal/models"
	"inkdex/internal/repository"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5"
)

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

// --- Backfill jobs ---

type backfillRequest struct {
	ContractID      int64  `json:"contract_id"`
	ContractAddress string `json:"contractAddress"`
	FromBlock       int64  `json:"fromBlock"`
	ToBlock         int64  `json:"toBlock"`
	FromDate        string `json:"fromDate"`
	ToDate          string `json:"toDate"`
	Priority        int    `json:"priority"`
}

func (s *Server) handleListBackfills(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.repo.ListJobs(r.Context(), r.URL.Query().Get("status"), 200)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	out := make([]models.Job, 0, len(jobs))
	for _, j := range jobs {
		if j.JobType == models.JobTypeBackfill {
			out = append(out, j)
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": out})
}

func (s *Server) handleCreateBackfill(w http.ResponseWriter, r *http.Request) {
	var req backfillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ContractID <= 0 && req.ContractAddress == "" {
		writeError(w, http.StatusBadRequest, "contract_id or contractAddress is required")
		return
	}
	if req.Priority != 0 && (req.Priority < 1 || req.Priority > 10) {
		writeError(w, http.StatusBadRequest, "priority must be between 1 and 10")
		return
	}

	ctx := r.Context()
	var contract *models.Contract
	var err error
	if req.ContractID > 0 {
		contract, err = s.repo.GetContract(ctx, req.ContractID)
	} else {
		address := strings.ToLower(req.ContractAddress)
		if !addressPattern.MatchString(address) {
			writeError(w, http.StatusBadRequest, "contractAddress must be 0x followed by 40 hex chars")
			return
		}
		contract, err = s.repo.GetContractByAddress(ctx, address)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load contract")
		return
	}
	if contract == nil {
		writeError(w, http.StatusNotFound, "contract not found")
		return
	}

	if req.FromDate != "" || req.ToDate != "" {
		from, err := time.Parse("2006-01-02", req.FromDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "fromDate must be an ISO-8601 date")
			return
		}
		to, err := time.Parse("2006-01-02", req.ToDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "toDate must be an ISO-8601 date")
			return
		}
		if !from.Before(to) {
			writeError(w, http.StatusBadRequest, "fromDate must be before toDate")
			return
		}
	}
	if req.ToBlock != 0 && req.ToBlock <= req.FromBlock {
		writeError(w, http.StatusBadRequest, "fromBlock must be below toBlock")
		return
	}

	payload, _ := json.Marshal(models.BackfillPayload{
		ContractID: contract.ID,
		FromBlock:  req.FromBlock,
		ToBlock:    req.ToBlock,
		FromDate:   req.FromDate,
		ToDate:     req.ToDate,
	})
	cid := contract.ID
	job, err := s.repo.Enqueue(ctx, &models.Job{
		JobType:    models.JobTypeBackfill,
		ContractID: &cid,
		Priority:   req.Priority,
		Payload:    payload,
	})
	if err != nil {
		var dup *repository.ErrDuplicateJob
		if errors.As(err, &dup) {
			writeJSON(w, http.StatusConflict, map[string]interface{}{
				"error":         "an equivalent backfill is already pending or processing",
				"existingJobId": dup.Existing.ID,
			})
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to enqueue backfill")
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleGetBackfill(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	job, err := s.repo.GetJob(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelBackfill(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	err := s.repo.CancelJob(r.Context(), id)
	if err == pgx.ErrNoRows {
		writeError(w, http.StatusConflict, "job is not pending or failed")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to cancel job")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleRetryBackfill(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	err := s.repo.RetryJob(r.Context(), id)
	if err == pgx.ErrNoRows {
		writeError(w, http.StatusConflict, "only failed jobs can be retried")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to retry job")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "pending"})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.repo.ListJobs(r.Context(), r.URL.Query().Get("status"), 200)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
}

// --- Contracts ---

func (s *Server) handleListContracts(w http.ResponseWriter, r *http.Request) {
	contracts, err := s.repo.ListContracts(r.Context(), false)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list contracts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"contracts": contracts})
}

func (s *Server) validateContract(w http.ResponseWriter, r *http.Request, c *models.Contract) bool {
	if !addressPattern.MatchString(c.Address) {
		writeError(w, http.StatusBadRequest, "address must be 0x followed by 40 hex chars")
		return false
	}
	if c.ContractType != "count" && c.ContractType != "volume" {
		writeError(w, http.StatusBadRequest, "contract_type must be count or volume")
		return false
	}
	for _, pid := range c.PlatformIDs {
		p, err := s.repo.GetPlatform(r.Context(), pid)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to check platform")
			return false
		}
		if p == nil {
			writeError(w, http.StatusBadRequest, "unknown platform "+strconv.FormatInt(pid, 10))
			return false
		}
	}
	return true
}

func (s *Server) handleCreateContract(w http.ResponseWriter, r *http.Request) {
	var c models.Contract
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	c.Address = strings.ToLower(c.Address)
	if !s.validateContract(w, r, &c) {
		return
	}

	existing, err := s.repo.GetContractByAddress(r.Context(), c.Address)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to check address")
		return
	}
	if existing != nil {
		writeError(w, http.StatusConflict, "a contract with this address already exists")
		return
	}

	id, err := s.repo.CreateContract(r.Context(), &c)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create contract")
		return
	}
	created, err := s.repo.GetContract(r.Context(), id)
	if err != nil || created == nil {
		writeError(w, http.StatusInternalServerError, "failed to load created contract")
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetContract(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	c, err := s.repo.GetContract(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load contract")
		return
	}
	if c == nil {
		writeError(w, http.StatusNotFound, "contract not found")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleUpdateContract(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var c models.Contract
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	c.ID = id
	c.Address = strings.ToLower(c.Address)
	if c.Address != "" && !addressPattern.MatchString(c.Address) {
		writeError(w, http.StatusBadRequest, "address must be 0x followed by 40 hex chars")
		return
	}
	if c.ContractType != "count" && c.ContractType != "volume" {
		writeError(w, http.StatusBadRequest, "contract_type must be count or volume")
		return
	}

	err := s.repo.UpdateContract(r.Context(), &c)
	if err == pgx.ErrNoRows {
		writeError(w, http.StatusNotFound, "contract not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update contract")
		return
	}
	updated, _ := s.repo.GetContract(r.Context(), id)
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteContract(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	err := s.repo.DeleteContract(r.Context(), id)
	if err == pgx.ErrNoRows {
		writeError(w, http.StatusNotFound, "contract not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete contract")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// --- Metrics ---

func validMetric(m *models.Metric) string {
	if m.Slug == "" || m.Name == "" {
		return "slug and name are required"
	}
	switch m.Currency {
	case "USD", "ETH", "COUNT":
	default:
		return "currency must be USD, ETH or COUNT"
	}
	switch m.AggregationType {
	case models.AggCount, models.AggSumUSD, models.AggSumETH, models.AggCountDistinctTx:
	default:
		return "unknown aggregation_type"
	}
	switch m.Predicate.WalletRole {
	case "", "sender", "recipient":
	default:
		return "wallet_role must be sender or recipient"
	}
	return ""
}

func (s *Server) handleListMetrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := s.repo.ListMetrics(r.Context(), false)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list metrics")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"metrics": metrics})
}

func (s *Server) handleCreateMetric(w http.ResponseWriter, r *http.Request) {
	var m models.Metric
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if msg := validMetric(&m); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	id, err := s.repo.CreateMetric(r.Context(), &m)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			writeError(w, http.StatusConflict, "a metric with this slug already exists")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to create metric")
		return
	}
	created, _ := s.repo.GetMetric(r.Context(), id)
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetMetric(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	m, err := s.repo.GetMetric(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load metric")
		return
	}
	if m == nil {
		writeError(w, http.StatusNotFound, "metric not found")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleUpdateMetric(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var m models.Metric
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	m.ID = id
	if msg := validMetric(&m); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	err := s.repo.UpdateMetric(r.Context(), &m)
	if err == pgx.ErrNoRows {
		writeError(w, http.StatusNotFound, "metric not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update metric")
		return
	}
	updated, _ := s.repo.GetMetric(r.Context(), id)
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteMetric(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	err := s.repo.DeleteMetric(r.Context(), id)
	if err == pgx.ErrNoRows {
		writeError(w, http.StatusNotFound, "metric not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete metric")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// --- Dashboard cards ---

func (s *Server) validateCard(w http.ResponseWriter, r *http.Request, c *models.DashboardCard) bool {
	if c.RowSlot != "row3" && c.RowSlot != "row4" {
		writeError(w, http.StatusBadRequest, "row must be row3 or row4")
		return false
	}
	if c.CardType != "aggregate" && c.CardType != "single" {
		writeError(w, http.StatusBadRequest, "card_type must be aggregate or single")
		return false
	}
	if c.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return false
	}
	for _, pid := range c.PlatformIDs {
		p, err := s.repo.GetPlatform(r.Context(), pid)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to check platform")
			return false
		}
		if p == nil {
			writeError(w, http.StatusBadRequest, "unknown platform "+strconv.FormatInt(pid, 10))
			return false
		}
	}
	for _, mid := range c.MetricIDs {
		m, err := s.repo.GetMetric(r.Context(), mid)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to check metric")
			return false
		}
		if m == nil {
			writeError(w, http.StatusBadRequest, "unknown metric "+strconv.FormatInt(mid, 10))
			return false
		}
	}
	return true
}

func (s *Server) handleListCards(w http.ResponseWriter, r *http.Request) {
	cards, err := s.repo.ListCards(r.Context(), false)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list cards")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"cards": cards})
}

func (s *Server) handleCreateCard(w http.ResponseWriter, r *http.Request) {
	var c models.DashboardCard
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !s.validateCard(w, r, &c) {
		return
	}

	id, err := s.repo.CreateCard(r.Context(), &c)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create card")
		return
	}
	created, _ := s.repo.GetCard(r.Context(), id)
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetCard(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	c, err := s.repo.GetCard(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load card")
		return
	}
	if c == nil {
		writeError(w, http.StatusNotFound, "card not found")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleUpdateCard(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var c models.DashboardCard
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	c.ID = id
	if !s.validateCard(w, r, &c) {
		return
	}

	err := s.repo.UpdateCard(r.Context(), &c)
	if err == pgx.ErrNoRows {
		writeError(w, http.StatusNotFound, "card not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update card")
		return
	}
	updated, _ := s.repo.GetCard(r.Context(), id)
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteCard(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	err := s.repo.DeleteCard(r.Context(), id)
	if err == pgx.ErrNoRows {
		writeError(w, http.StatusNotFound, "card not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete card")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
