package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"inkdex/internal/models"
	"inkdex/internal/repository"

	"github.com/gorilla/mux"
)

func validMetricFixture() *models.Metric {
	return &models.Metric{
		Slug:            "swap-volume",
		Name:            "Swap Volume",
		Currency:        "USD",
		AggregationType: models.AggSumUSD,
		Predicate: models.MetricPredicate{
			FunctionNames: []string{"swap"},
			WalletRole:    "sender",
		},
	}
}

func testServer() *Server {
	s := &Server{
		hub:         NewHub(),
		chainID:     57073,
		lastRefresh: make(map[string]time.Time),
	}
	return s
}

func testRouter(s *Server) *mux.Router {
	r := mux.NewRouter()
	s.registerRoutes(r)
	return r
}

func TestHandleHealth(t *testing.T) {
	s := testServer()
	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest("GET", "/api/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestWalletParam(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"0x1234567890abcdef1234567890abcdef12345678", "0x1234567890abcdef1234567890abcdef12345678"},
		{"0x1234567890ABCDEF1234567890ABCDEF12345678", "0x1234567890abcdef1234567890abcdef12345678"},
		{" 0x1234567890abcdef1234567890abcdef12345678 ", "0x1234567890abcdef1234567890abcdef12345678"},
		{"0x123", ""},
		{"not-an-address", ""},
		{"0x1234567890abcdef1234567890abcdef1234567890", ""},
		{"", ""},
	}

	for _, tc := range cases {
		req := httptest.NewRequest("GET", "/api/x/dashboard", nil)
		req = mux.SetURLVars(req, map[string]string{"wallet": tc.in})
		rec := httptest.NewRecorder()

		got := walletParam(rec, req)
		if got != tc.want {
			t.Errorf("walletParam(%q) = %q, want %q", tc.in, got, tc.want)
		}
		if tc.want == "" && rec.Code != http.StatusBadRequest {
			t.Errorf("walletParam(%q): expected 400, got %d", tc.in, rec.Code)
		}
	}
}

func TestInvalidWalletOnRoutes(t *testing.T) {
	s := testServer()
	r := testRouter(s)

	for _, path := range []string{
		"/api/not-a-wallet/dashboard",
		"/api/analytics/not-a-wallet",
		"/api/wallet/not-a-wallet/bridge",
		"/api/wallet/not-a-wallet/swap",
		"/api/wallet/not-a-wallet/volume",
	} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", path, rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "error") {
			t.Errorf("%s: expected error body, got %q", path, rec.Body.String())
		}
	}
}

func TestLeaderboardPageValidation(t *testing.T) {
	s := testServer()

	for _, page := range []string{"0", "-1", "abc"} {
		rec := httptest.NewRecorder()
		s.handleLeaderboard(rec, httptest.NewRequest("GET", "/api/nft/leaderboard?page="+page, nil))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("page=%s: expected 400, got %d", page, rec.Code)
		}
	}
}

func TestCreateBackfillValidation(t *testing.T) {
	s := testServer()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/admin/backfill", strings.NewReader("{not json"))
	s.handleCreateBackfill(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed body: expected 400, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/api/admin/backfill", strings.NewReader(`{"fromBlock": 100}`))
	s.handleCreateBackfill(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing contract reference: expected 400, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/api/admin/backfill",
		strings.NewReader(`{"contract_id": 1, "priority": 11}`))
	s.handleCreateBackfill(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("priority 11: expected 400, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/api/admin/backfill",
		strings.NewReader(`{"contractAddress": "not-an-address"}`))
	s.handleCreateBackfill(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad contractAddress: expected 400, got %d", rec.Code)
	}
}

func TestCreateBackfillByAddress(t *testing.T) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}
	repo, err := repository.NewRepository(dbURL)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer repo.Close()
	if err := repo.Migrate("../../schema.sql"); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	ctx := context.Background()
	address := fmt.Sprintf("0x%040x", time.Now().UnixNano())
	id, err := repo.CreateContract(ctx, &models.Contract{
		Address:      address,
		Name:         "backfill target",
		ContractType: "volume",
		DeployBlock:  100,
	})
	if err != nil {
		t.Fatalf("create contract: %v", err)
	}

	s := testServer()
	s.repo = repo

	body := fmt.Sprintf(`{"contractAddress": %q, "fromDate": "2025-06-01", "toDate": "2025-06-30", "priority": 8}`, address)
	rec := httptest.NewRecorder()
	s.handleCreateBackfill(rec, httptest.NewRequest("POST", "/api/admin/backfill", strings.NewReader(body)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var job models.Job
	if err := json.NewDecoder(rec.Body).Decode(&job); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if job.ContractID == nil || *job.ContractID != id {
		t.Fatalf("job contract_id = %v, want %d", job.ContractID, id)
	}
	if job.Priority != 8 {
		t.Fatalf("job priority = %d, want 8", job.Priority)
	}

	// Posting the same window again reports the live job.
	rec = httptest.NewRecorder()
	s.handleCreateBackfill(rec, httptest.NewRequest("POST", "/api/admin/backfill", strings.NewReader(body)))
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate: expected 409, got %d", rec.Code)
	}
	var dup struct {
		ExistingJobID int64 `json:"existingJobId"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&dup); err != nil {
		t.Fatalf("decode conflict: %v", err)
	}
	if dup.ExistingJobID != job.ID {
		t.Fatalf("existingJobId = %d, want %d", dup.ExistingJobID, job.ID)
	}
}

func TestAdminRoutesRequireAuth(t *testing.T) {
	t.Setenv("ADMIN_TOKEN", "")
	t.Setenv("ADMIN_JWT_SECRET", "")

	s := testServer()
	r := testRouter(s)

	for _, tc := range []struct{ method, path string }{
		{"GET", "/api/admin/jobs"},
		{"POST", "/api/admin/backfill"},
		{"GET", "/api/admin/contracts"},
		{"DELETE", "/api/admin/metrics/1"},
		{"PUT", "/api/admin/dashboard/cards/1"},
	} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, nil))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s %s: expected 401, got %d", tc.method, tc.path, rec.Code)
		}
	}
}

func TestRefreshCooldown(t *testing.T) {
	s := testServer()
	wallet := "0x1234567890abcdef1234567890abcdef12345678"

	if _, ok := s.refreshAllowed(wallet); !ok {
		t.Fatal("first refresh should be allowed")
	}
	wait, ok := s.refreshAllowed(wallet)
	if ok {
		t.Fatal("second refresh inside cooldown should be refused")
	}
	if wait <= 0 || wait > refreshCooldown {
		t.Fatalf("unexpected wait %v", wait)
	}

	// A different wallet is not throttled.
	if _, ok := s.refreshAllowed("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"); !ok {
		t.Fatal("unrelated wallet should be allowed")
	}

	// Expired entries are allowed again.
	s.refreshMu.Lock()
	s.lastRefresh[wallet] = time.Now().Add(-refreshCooldown - time.Second)
	s.refreshMu.Unlock()
	if _, ok := s.refreshAllowed(wallet); !ok {
		t.Fatal("refresh after cooldown should be allowed")
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.0.0.1:12345"
	if ip := clientIP(req); ip != "10.0.0.1" {
		t.Fatalf("expected 10.0.0.1, got %s", ip)
	}

	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	if ip := clientIP(req); ip != "203.0.113.7" {
		t.Fatalf("expected forwarded ip, got %s", ip)
	}
}

func TestWalletScore(t *testing.T) {
	// A wallet that never minted scores zero rather than surfacing as a
	// section error.
	if got := walletScore(nil); got != 0 {
		t.Fatalf("score without record = %v, want 0", got)
	}
	if got := walletScore(&models.NFTRecord{Score: 42.5}); got != 42.5 {
		t.Fatalf("score = %v, want 42.5", got)
	}
}

func TestValidMetric(t *testing.T) {
	m := validMetricFixture()
	if msg := validMetric(m); msg != "" {
		t.Fatalf("valid metric rejected: %s", msg)
	}

	bad := validMetricFixture()
	bad.Currency = "GBP"
	if msg := validMetric(bad); msg == "" {
		t.Fatal("bad currency accepted")
	}

	bad = validMetricFixture()
	bad.AggregationType = "median"
	if msg := validMetric(bad); msg == "" {
		t.Fatal("bad aggregation accepted")
	}

	bad = validMetricFixture()
	bad.Predicate.WalletRole = "observer"
	if msg := validMetric(bad); msg == "" {
		t.Fatal("bad wallet_role accepted")
	}
}
