package models

import (
	"encoding/json"
	"time"
)

// Contract is a curated on-chain address targeted for indexing.
// ContractType "count" means only tx counts matter; "volume" contracts get
// full enrichment (decoded logs + USD valuation).
type Contract struct {
	ID                   int64           `json:"id"`
	Address              string          `json:"address"`
	Name                 string          `json:"name"`
	ContractType         string          `json:"contract_type"`
	IndexingEnabled      bool            `json:"indexing_enabled"`
	FetchTransactions    bool            `json:"fetch_transactions"`
	DeployBlock          int64           `json:"deploy_block"`
	CreationDate         *time.Time      `json:"creation_date,omitempty"`
	ABIJSON              json.RawMessage `json:"abi_json,omitempty"`
	IndexedThroughBlock  int64           `json:"indexed_through_block"`
	ScannerCursor        string          `json:"-"`
	ConsecutiveFailures  int             `json:"consecutive_failures"`
	Failed               bool            `json:"failed"`
	PlatformIDs          []int64         `json:"platform_ids,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

type Platform struct {
	ID         int64  `json:"id"`
	Slug       string `json:"slug"`
	Name       string `json:"name"`
	LogoURL    string `json:"logo_url"`
	WebsiteURL string `json:"website_url"`
}

// TransactionDetail is the raw per-transaction row written by discovery.
// EthValue is wei, kept as a decimal string to avoid float truncation.
type TransactionDetail struct {
	TxHash          string    `json:"tx_hash"`
	ContractAddress string    `json:"contract_address"`
	WalletAddress   string    `json:"wallet_address"`
	BlockNumber     int64     `json:"block_number"`
	BlockTimestamp  time.Time `json:"block_timestamp"`
	Status          int16     `json:"status"`
	EthValue        string    `json:"eth_value"`
	InputSelector   string    `json:"input_selector"`
	GasUsed         int64     `json:"gas_used"`
}

// Log is one decoded receipt log entry, persisted as JSON inside
// transaction_enrichment.logs. Topics has length 0..4.
type Log struct {
	Index   uint     `json:"index"`
	Address string   `json:"address"`
	Topics  []string `json:"topics"`
	Data    string   `json:"data"`
}

type TransactionEnrichment struct {
	TxHash          string     `json:"tx_hash"`
	FunctionName    *string    `json:"function_name"`
	Logs            []Log      `json:"logs"`
	USDValue        *float64   `json:"usd_value"`
	EthValueDerived *float64   `json:"eth_value_derived"`
	EnrichedAt      time.Time  `json:"enriched_at"`
}

// Metric aggregation kinds. Closed set; the aggregation engine switches on
// these rather than inspecting config shapes at runtime.
const (
	AggCount           = "count"
	AggSumUSD          = "sum_usd"
	AggSumETH          = "sum_eth"
	AggCountDistinctTx = "count_distinct_tx"
)

// MetricPredicate is the conjunction a metric applies on top of its contract
// set. Empty slices mean "no constraint".
type MetricPredicate struct {
	FunctionNames   []string `json:"function_names,omitempty"`
	EventSignatures []string `json:"event_signatures,omitempty"`
	WalletRole      string   `json:"wallet_role,omitempty"` // "", "sender", "recipient"
}

type Metric struct {
	ID              int64           `json:"id"`
	Slug            string          `json:"slug"`
	Name            string          `json:"name"`
	Currency        string          `json:"currency"` // USD | ETH | COUNT
	AggregationType string          `json:"aggregation_type"`
	Predicate       MetricPredicate `json:"predicate"`
	ContractIDs     []int64         `json:"contract_ids,omitempty"`
	IsActive        bool            `json:"is_active"`
}

// Job statuses and types.
const (
	JobPending    = "pending"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
	JobCancelled  = "cancelled"

	JobTypeDiscover = "discover"
	JobTypeBackfill = "backfill"
	JobTypeEnrich   = "enrich"
)

type Job struct {
	ID           int64           `json:"id"`
	JobType      string          `json:"job_type"`
	ContractID   *int64          `json:"contract_id,omitempty"`
	Priority     int             `json:"priority"`
	Status       string          `json:"status"`
	Payload      json.RawMessage `json:"payload"`
	Attempts     int             `json:"attempts"`
	MaxAttempts  int             `json:"max_attempts"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	NextRetryAt  *time.Time      `json:"next_retry_at,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// BackfillPayload is the payload of backfill (and contract-scoped discover)
// jobs. Block bounds are half-open: [FromBlock, ToBlock).
type BackfillPayload struct {
	ContractID int64  `json:"contract_id"`
	FromBlock  int64  `json:"fromBlock"`
	ToBlock    int64  `json:"toBlock"`
	FromDate   string `json:"fromDate,omitempty"`
	ToDate     string `json:"toDate,omitempty"`
}

// EnrichPayload asks the dispatcher to enrich a specific set of tx hashes.
type EnrichPayload struct {
	ContractID int64    `json:"contract_id"`
	TxHashes   []string `json:"tx_hashes"`
}

type DashboardCard struct {
	ID           int64   `json:"id"`
	RowSlot      string  `json:"row"` // row3 | row4
	CardType     string  `json:"card_type"`
	Title        string  `json:"title"`
	Subtitle     string  `json:"subtitle,omitempty"`
	Color        string  `json:"color"`
	DisplayOrder int     `json:"display_order"`
	IsActive     bool    `json:"is_active"`
	MetricIDs    []int64 `json:"metric_ids"`
	PlatformIDs  []int64 `json:"platform_ids"`
}

type NFTRecord struct {
	WalletAddress string    `json:"wallet_address"`
	TokenID       int64     `json:"token_id"`
	Score         float64   `json:"score"`
	Rank          int64     `json:"rank"`
	ImageURL      string    `json:"nft_image_url"`
	MintedAt      time.Time `json:"minted_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// BridgeHotWallet is a curated bridge operator address. SelectorRules maps
// 4-byte input selectors (0x-prefixed) to sub-platform labels.
type BridgeHotWallet struct {
	Address       string            `json:"address"`
	PlatformSlug  string            `json:"platform_slug"`
	SelectorRules map[string]string `json:"selector_rules"`
}
