package main

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"inkdex/internal/api"
	"inkdex/internal/config"
	"inkdex/internal/evm"
	"inkdex/internal/ingester"
	"inkdex/internal/market"
	"inkdex/internal/repository"
	"inkdex/internal/scanner"
)

// BuildCommit is set at build time via -ldflags.
var BuildCommit = "dev"

func main() {
	// 1. Config
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}

	log.Println("Initializing Inkdex Backend...")
	log.Printf("DB: %s", redactDatabaseURL(cfg.DatabaseURL))
	log.Printf("Chain ID: %d", cfg.ChainID)
	log.Printf("RPC endpoints: %d", len(cfg.RPCEndpoints()))
	log.Printf("API Port: %s", cfg.APIPort)

	// 2. Dependencies
	repo, err := repository.NewRepository(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer repo.Close()

	// 2a. Auto-Migration (skip with SKIP_MIGRATION=true for API-only containers)
	if os.Getenv("SKIP_MIGRATION") == "true" {
		log.Println("Database Migration SKIPPED (SKIP_MIGRATION=true)")
	} else {
		log.Println("Running Database Migration...")
		if err := repo.Migrate("schema.sql"); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		log.Println("Database Migration Complete.")
	}

	maxInflight := config.GetEnvInt64("RPC_MAX_INFLIGHT", 16)
	pool, err := evm.NewPool(cfg.RPCEndpoints(), maxInflight)
	if err != nil {
		log.Fatalf("Failed to set up RPC pool: %v", err)
	}
	defer pool.Close()

	if os.Getenv("SKIP_CHAIN_CHECK") != "true" {
		ctxCheck, cancelCheck := context.WithTimeout(context.Background(), 15*time.Second)
		chainID, err := pool.ChainID(ctxCheck)
		cancelCheck()
		if err != nil {
			log.Printf("Warning: could not verify chain id: %v", err)
		} else if chainID != cfg.ChainID {
			log.Fatalf("RPC chain id mismatch: endpoint serves %d, config says %d", chainID, cfg.ChainID)
		}
	}

	scan := scanner.NewClient(cfg.ScannerBaseURL, cfg.ChainID)
	if !scan.Enabled() {
		log.Println("Block scanner is DISABLED (SCANNER_BASE_URL unset); discovery uses eth_getLogs only")
	}

	oracle := market.NewOracle(market.NewHTTPSource(cfg.PriceOracleURL))

	// 3. Services
	apiServer := api.NewServer(repo, pool, oracle, cfg.APIPort, cfg.ChainID)

	valuer := ingester.NewValuer(oracle, nil)
	enricher := ingester.NewEnrichWorker(repo, pool, valuer, apiServer.Broadcaster())
	discoverer := ingester.NewDiscoverer(repo, pool, scan)

	dispatcherCount := config.GetEnvInt("DISPATCHER_COUNT", 4)
	dispatcher := ingester.NewDispatcher(repo, pool, discoverer, enricher, dispatcherCount)

	scheduler := ingester.NewDiscoveryScheduler(repo, time.Duration(cfg.PollIntervalMs)*time.Millisecond)

	gapfill := ingester.NewGapFillWorker(repo, pool, config.GetEnvInt64("ENRICH_HIGH_WATER", 500))
	gapfill.DryRun = os.Getenv("GAPFILL_DRY_RUN") == "true"

	// 4. Run
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start API in background
	go func() {
		log.Printf("Starting API Server on :%s", cfg.APIPort)
		if err := apiServer.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("API Server failed: %v", err)
		}
	}()

	var wg sync.WaitGroup

	enableDiscovery := os.Getenv("ENABLE_DISCOVERY") != "false"
	if enableDiscovery {
		wg.Add(1)
		go func() {
			defer wg.Done()
			scheduler.Run(ctx)
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			dispatcher.Run(ctx)
		}()
	} else {
		log.Println("Discovery is DISABLED (ENABLE_DISCOVERY=false)")
	}

	enableEnrichment := os.Getenv("ENABLE_ENRICHMENT") != "false"
	if enableEnrichment {
		wg.Add(1)
		go func() {
			defer wg.Done()
			enricher.Run(ctx)
		}()
	} else {
		log.Println("Realtime Enrichment is DISABLED (ENABLE_ENRICHMENT=false)")
	}

	enableGapfill := os.Getenv("ENABLE_GAPFILL") != "false"
	if enableGapfill {
		wg.Add(1)
		go func() {
			defer wg.Done()
			gapfill.Run(ctx)
		}()
	} else {
		log.Println("Gap-Fill Worker is DISABLED (ENABLE_GAPFILL=false)")
	}

	// Block until shutdown signal. The API server also needs to stay alive
	// even with every worker disabled (API-only mode).
	<-sigChan
	log.Println("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	apiServer.Shutdown(shutdownCtx)
	shutdownCancel()
	cancel()
	wg.Wait()
}

func redactDatabaseURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	u, err := url.Parse(raw)
	if err == nil && u.Scheme != "" {
		if u.User != nil {
			user := u.User.Username()
			if user == "" {
				user = "user"
			}
			u.User = url.UserPassword(user, "****")
		}
		// Avoid leaking secrets embedded in query params; keep only scheme/host/path.
		u.RawQuery = ""
		return u.String()
	}

	// Best-effort fallback for malformed/DSN-like URLs.
	re := regexp.MustCompile(`(?i)(postgres(?:ql)?://[^:/?#]+):([^@]+)@`)
	if re.MatchString(raw) {
		return re.ReplaceAllString(raw, `$1:****@`)
	}
	re = regexp.MustCompile(`(?i)(password=)([^\s]+)`)
	return re.ReplaceAllString(raw, `$1****`)
}
