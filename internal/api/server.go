package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"inkdex/internal/evm"
	"inkdex/internal/market"
	"inkdex/internal/repository"

	"github.com/gorilla/mux"
)

var walletPattern = regexp.MustCompile(`^0x[0-9a-f]{40}$`)

type Server struct {
	repo       *repository.Repository
	pool       *evm.Pool
	oracle     *market.Oracle
	hub        *Hub
	httpServer *http.Server
	chainID    int64

	// Per-wallet force-refresh cooldown for the dashboard endpoint.
	refreshMu   sync.Mutex
	lastRefresh map[string]time.Time
}

func NewServer(repo *repository.Repository, pool *evm.Pool, oracle *market.Oracle, port string, chainID int64) *Server {
	s := &Server{
		repo:        repo,
		pool:        pool,
		oracle:      oracle,
		hub:         NewHub(),
		chainID:     chainID,
		lastRefresh: make(map[string]time.Time),
	}

	r := mux.NewRouter()
	s.registerRoutes(r)

	s.httpServer = &http.Server{
		Addr:         ":" + port,
		Handler:      corsMiddleware(rateLimitMiddleware(r)),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes(r *mux.Router) {
	r.HandleFunc("/api/health", s.handleHealth).Methods("GET", "OPTIONS")
	r.HandleFunc("/api/status", s.handleStatus).Methods("GET", "OPTIONS")
	r.HandleFunc("/ws", s.handleWebSocket).Methods("GET")

	r.HandleFunc("/api/{wallet}/dashboard", s.handleDashboard).Methods("GET", "OPTIONS")
	r.HandleFunc("/api/analytics/{wallet}", s.handleAnalytics).Methods("GET", "OPTIONS")
	r.HandleFunc("/api/wallet/{wallet}/bridge", s.handleBridge).Methods("GET", "OPTIONS")
	r.HandleFunc("/api/wallet/{wallet}/swap", s.handleSwap).Methods("GET", "OPTIONS")
	r.HandleFunc("/api/wallet/{wallet}/volume", s.handleVolume).Methods("GET", "OPTIONS")
	r.HandleFunc("/api/nft/leaderboard", s.handleLeaderboard).Methods("GET", "OPTIONS")

	admin := r.PathPrefix("/api/admin").Subrouter()
	admin.Use(adminAuthMiddleware)
	admin.HandleFunc("/backfill", s.handleListBackfills).Methods("GET", "OPTIONS")
	admin.HandleFunc("/backfill", s.handleCreateBackfill).Methods("POST")
	admin.HandleFunc("/backfill/{id}", s.handleGetBackfill).Methods("GET", "OPTIONS")
	admin.HandleFunc("/backfill/{id}", s.handleCancelBackfill).Methods("DELETE")
	admin.HandleFunc("/backfill/{id}", s.handleRetryBackfill).Methods("POST")
	admin.HandleFunc("/jobs", s.handleListJobs).Methods("GET", "OPTIONS")

	admin.HandleFunc("/contracts", s.handleListContracts).Methods("GET", "OPTIONS")
	admin.HandleFunc("/contracts", s.handleCreateContract).Methods("POST")
	admin.HandleFunc("/contracts/{id}", s.handleGetContract).Methods("GET", "OPTIONS")
	admin.HandleFunc("/contracts/{id}", s.handleUpdateContract).Methods("PUT")
	admin.HandleFunc("/contracts/{id}", s.handleDeleteContract).Methods("DELETE")

	admin.HandleFunc("/metrics", s.handleListMetrics).Methods("GET", "OPTIONS")
	admin.HandleFunc("/metrics", s.handleCreateMetric).Methods("POST")
	admin.HandleFunc("/metrics/{id}", s.handleGetMetric).Methods("GET", "OPTIONS")
	admin.HandleFunc("/metrics/{id}", s.handleUpdateMetric).Methods("PUT")
	admin.HandleFunc("/metrics/{id}", s.handleDeleteMetric).Methods("DELETE")

	admin.HandleFunc("/dashboard/cards", s.handleListCards).Methods("GET", "OPTIONS")
	admin.HandleFunc("/dashboard/cards", s.handleCreateCard).Methods("POST")
	admin.HandleFunc("/dashboard/cards/{id}", s.handleGetCard).Methods("GET", "OPTIONS")
	admin.HandleFunc("/dashboard/cards/{id}", s.handleUpdateCard).Methods("PUT")
	admin.HandleFunc("/dashboard/cards/{id}", s.handleDeleteCard).Methods("DELETE")
}

func (s *Server) Start() error {
	go s.hub.Run()
	log.Printf("[api] listening on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Hub exposes the websocket hub so the enricher can feed it.
func (s *Server) Broadcaster() *Hub { return s.hub }

// --- Helpers ---

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// walletParam normalizes and validates the {wallet} path segment. An empty
// return means a 400 was already written.
func walletParam(w http.ResponseWriter, r *http.Request) string {
	wallet := strings.ToLower(strings.TrimSpace(mux.Vars(r)["wallet"]))
	if !walletPattern.MatchString(wallet) {
		writeError(w, http.StatusBadRequest, "invalid wallet address")
		return ""
	}
	return wallet
}
