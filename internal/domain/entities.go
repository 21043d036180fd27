// Package domain holds the core entities, ports, and error taxonomy shared
// by adapters, usecases, and the worker runtime.
package domain

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrTransient           = errors.New("transient failure")
	ErrUpstreamTimeout     = errors.New("upstream timeout")
	ErrUpstreamRateLimit   = errors.New("upstream rate limit")
	ErrPermanentUpstream   = errors.New("permanent upstream failure")
	ErrInternal            = errors.New("internal error")
)

// JobStatus is the lifecycle state of a durable job. Transitions are
// monotonic: queued -> processing -> {completed, failed}; pending -> queued
// is allowed; terminal states never transition out.
type JobStatus string

// Job lifecycle states.
const (
	JobPending    JobStatus = "pending"
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether s is a terminal state.
func (s JobStatus) Terminal() bool { return s == JobCompleted || s == JobFailed }

// JobType tags the two pipeline variants. Dispatch is an exhaustive switch
// on this tag; there is no plugin registration.
type JobType string

// Known job types.
const (
	JobTypeHTTPCrawl       JobType = "http_crawl"
	JobTypeBlockchainIndex JobType = "blockchain_index"
)

// JobConfig is the opaque configuration record stored on a job row.
type JobConfig struct {
	JobType JobType         `json:"job_type"`
	Params  json.RawMessage `json:"params"`
}

// Job is a unit of work owned by the durable SQL queue.
type Job struct {
	ID            string
	UserID        string
	Status        JobStatus
	Priority      int // [0,100], higher dequeues sooner
	Config        JobConfig
	CreatedAt     time.Time
	ScheduledAt   *time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	RetryCount    int
	Error         string
	ResultSummary json.RawMessage
}

// HTTPCrawlParams are the parameters of a http_crawl job.
type HTTPCrawlParams struct {
	URL      string `json:"url" validate:"required,url"`
	MaxPages int    `json:"max_pages" validate:"gte=0"`
}

// BlockchainIndexParams are the parameters of a blockchain_index job.
type BlockchainIndexParams struct {
	Chain              string          `json:"chain" validate:"required"`
	ContractAddress    string          `json:"contract_address" validate:"required,eth_addr"`
	Events             []string        `json:"events"`
	FromBlock          uint64          `json:"from_block"`
	ToBlock            *uint64         `json:"to_block,omitempty"`
	EnableAIExtraction bool            `json:"enable_ai_extraction,omitempty"`
	ExtractionSchema   json.RawMessage `json:"extraction_schema,omitempty"`
	CommitOnChain      bool            `json:"commit_on_chain,omitempty"`
}

// DistributedJob is the cache-queue form of a job. It shares the durable
// job's id space and lives in Redis only while queued or processing.
type DistributedJob struct {
	ID         string          `json:"id"`
	JobType    string          `json:"job_type"`
	Payload    json.RawMessage `json:"payload"`
	Priority   int             `json:"priority"`
	MaxRetries int             `json:"max_retries"`
	RetryCount int             `json:"retry_count"`
	CreatedAt  time.Time       `json:"created_at"`
}

// BlockchainEvent is one indexed log, keyed by
// (chain, contract_address, transaction_hash, event_index).
type BlockchainEvent struct {
	ID              string
	JobID           string
	Chain           string
	ContractAddress string
	EventName       string
	BlockNumber     uint64
	TransactionHash string
	EventIndex      uint
	EventData       json.RawMessage
	ContentHash     string
	CID             string
}

// CASObject mirrors a content-addressed blob. The CAS itself is
// authoritative; the SQL row is a non-authoritative index.
type CASObject struct {
	CID         string
	ContentHash string
	SizeBytes   int64
	Pinned      bool
	EventID     string
	CreatedAt   time.Time
}

// AIExtraction is one structured-extraction result for an indexed event.
type AIExtraction struct {
	ID               string
	EventID          string
	ExtractionType   string
	SchemaDefinition json.RawMessage
	ExtractedData    json.RawMessage
}

// TimestampCommit records a successful on-chain hash registration.
type TimestampCommit struct {
	ContentHash     string
	TransactionHash string
	BlockNumber     uint64
	CommittedAt     time.Time
}

// CreditAccount mirrors a user's on-chain credit state. The chain is the
// source of truth; the mirror is an optimistic hint.
type CreditAccount struct {
	UserID         string
	CreditBalance  *big.Int
	TotalSpent     *big.Int
	OnChainAddress string
}

// CrawlResult is one page fetch outcome persisted for a http_crawl job.
type CrawlResult struct {
	ID          string
	JobID       string
	URL         string
	StatusCode  int
	ContentHash string
	Links       []string
	CreatedAt   time.Time
}

// Listing is a marketplace dataset listing as read from the chain.
type Listing struct {
	Seller      string
	CID         string
	MetadataURI string
	Price       *big.Int
	Active      bool
}

// Ports. Adapters implement these; the worker and usecases consume them.

// JobQueue is the durable SQL-backed queue.
type JobQueue interface {
	Enqueue(ctx context.Context, j Job) (string, error)
	// Dequeue atomically claims the highest-priority queued job, moving it
	// to processing. It returns nil when the queue is empty.
	Dequeue(ctx context.Context) (*Job, error)
	UpdateStatus(ctx context.Context, id string, status JobStatus, errMsg string) error
	Complete(ctx context.Context, id string, resultSummary json.RawMessage) error
	Get(ctx context.Context, id string) (Job, error)
}

// DistributedQueue is the cache-backed priority queue.
type DistributedQueue interface {
	Enqueue(ctx context.Context, j DistributedJob) error
	Dequeue(ctx context.Context, workerID string) (*DistributedJob, error)
	Complete(ctx context.Context, jobID string) error
	Retry(ctx context.Context, j DistributedJob) error
}

// CASClient stores and retrieves content-addressed blobs.
type CASClient interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, cid string) ([]byte, error)
	Pin(ctx context.Context, cid string) error
	Unpin(ctx context.Context, cid string) error
}

// EventFilter selects contract logs for one event signature.
type EventFilter struct {
	Chain           string
	ContractAddress string
	EventSignature  string
	FromBlock       uint64
	ToBlock         uint64
}

// ChainReader reads logs and the chain head.
type ChainReader interface {
	LatestBlock(ctx context.Context) (uint64, error)
	FilterEvents(ctx context.Context, f EventFilter) ([]BlockchainEvent, error)
}

// CreditLedger is the on-chain credit contract. Purchase and spend block on
// transaction confirmation before returning the tx hash.
type CreditLedger interface {
	Balance(ctx context.Context, addr string) (*big.Int, error)
	PurchaseCredits(ctx context.Context, amount *big.Int) (string, error)
	SpendCredits(ctx context.Context, addr string, amount *big.Int, reason string) (string, error)
}

// TimestampRegistry commits content hashes on chain and verifies them.
type TimestampRegistry interface {
	CommitHash(ctx context.Context, contentHash string) (string, error)
	// VerifyHash returns the block number the hash was committed at, or
	// ok=false when the hash is unknown on chain.
	VerifyHash(ctx context.Context, contentHash string) (uint64, bool, error)
}

// Marketplace is the on-chain dataset marketplace contract.
type Marketplace interface {
	CreateListing(ctx context.Context, cid, metadataURI string, price *big.Int) (string, error)
	PurchaseDataset(ctx context.Context, listingID *big.Int) (string, error)
	GetListing(ctx context.Context, listingID *big.Int) (Listing, error)
	SellerReputation(ctx context.Context, seller string) (*big.Int, error)
}

// Extractor is the prompted LLM extraction client.
type Extractor interface {
	ExtractStructured(ctx context.Context, content, schema string) (json.RawMessage, error)
	Summarize(ctx context.Context, content string, maxWords int) (string, error)
	Classify(ctx context.Context, content string, categories []string) (string, error)
}

// Crawler fetches one URL and returns outbound same-scheme links.
type Crawler interface {
	Crawl(ctx context.Context, url string, maxPages int) ([]string, error)
}

// EventPublisher is the optional indexed-event firehose.
type EventPublisher interface {
	PublishIndexed(ctx context.Context, ev BlockchainEvent) error
}
