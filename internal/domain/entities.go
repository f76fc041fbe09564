// Package domain defines core entities, ports, and domain-specific errors
// for the announcement processing pipeline.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrRateLimited       = errors.New("rate limited")
	ErrUpstreamTimeout   = errors.New("upstream timeout")
	ErrUpstreamRateLimit = errors.New("upstream rate limit")
	ErrSchemaInvalid     = errors.New("schema invalid")
	ErrInternal          = errors.New("internal error")
)

// Exchange identifies the source stock exchange of an announcement.
type Exchange string

const (
	// ExchangeBSE is the Bombay Stock Exchange.
	ExchangeBSE Exchange = "bse"
	// ExchangeNSE is the National Stock Exchange.
	ExchangeNSE Exchange = "nse"
)

// Sentiment is the closed set of sentiment values a Classifier may return.
type Sentiment string

// Sentiment values.
const (
	SentimentPositive Sentiment = "Positive"
	SentimentNegative Sentiment = "Negative"
	SentimentNeutral  Sentiment = "Neutral"
)

// CategoryError is the literal category value the Classifier returns when it
// cannot produce a valid classification; it must never reach Store.
const CategoryError = "Error"

// CategoryProceduralAdministrative is both a valid enum member and the
// category forced by the negative-keyword short-circuit.
const CategoryProceduralAdministrative = "Procedural/Administrative"

// Announcement is one exchange-published filing, as persisted by a scraper.
//
// Invariant: CorpID is a pure function of NewsID (UUIDv5 over the exchange
// prefix and NewsID); any two pipeline stages that compute it for the same
// NewsID produce the same value.
type Announcement struct {
	NewsID         string
	CorpID         string
	Exchange       Exchange
	SecurityID     string
	ISIN           string
	Symbol         string
	CompanyName    string
	EventDatetime  time.Time
	RawHeadline    string
	AttachmentName string
	FetchedAt      time.Time
}

// CheckpointRow is LocalCheckpointDB's per-announcement mutable state.
//
// Invariant: columns are monotonically advanced; SentToSupabase requires
// either AIProcessed or the negative-keyword shortcut to have run.
type CheckpointRow struct {
	NewsID     string
	Headline   string
	SecurityID string
	// RawJSON is the originally-fetched Announcement, marshaled, so a
	// reconciliation pass can reconstruct attachment URL/ISIN/symbol/company
	// fields without LocalCheckpointDB carrying a dedicated column per field.
	RawJSON           string
	DownloadedPDFFile string
	PDFPages          int
	PDFDownloadedAt   *time.Time
	AIProcessed       bool
	AICategory        string
	AISummary         string
	AIError           string
	AIProcessedAt     *time.Time
	SentToSupabase    bool
	SentToSupabaseAt  *time.Time
}

// FinData is the structured financial-result payload embedded as JSON in a
// ClassificationResult.
type FinData struct {
	Period          string `json:"period"`
	SalesCurrent    string `json:"sales_current"`
	SalesPreviousYr string `json:"sales_previous_year"`
	PATCurrent      string `json:"pat_current"`
	PATPreviousYr   string `json:"pat_previous_year"`
}

// ClassificationResult is the structured LLM output for one announcement.
//
// Invariant: Category must lie in the closed enum (see categories.go);
// otherwise the result is rejected and the job is deferred.
type ClassificationResult struct {
	Category               string
	Headline               string
	Summary                string
	FinData                *FinData
	IndividualInvestorList []string
	CompanyInvestorList    []string
	Sentiment              Sentiment
}

// IsValidCategory reports whether c is one of the 48 closed enum values.
func (c ClassificationResult) IsValidCategory() bool {
	return IsValidCategory(c.Category)
}

// StoredFiling is the row inserted into Store's corporatefilings table.
// One-to-one with Announcement via CorpID; insert is idempotent on CorpID.
type StoredFiling struct {
	CorpID      string
	NewsID      string
	SecurityID  string
	ISIN        string
	Symbol      string
	CompanyName string
	Category    string
	Headline    string
	Summary     string
	AISummary   string
	Sentiment   Sentiment
	FileURL     string
	Date        time.Time
}

// Queue names the broker sees. Every well-known queue lives under one
// shared namespace; a queue's paired delayed sorted set is "<name>:delayed".
const queueNamePrefix = "backfin:queue:"

// QueueName prefixes base with the broker's shared queue namespace.
func QueueName(base string) string { return queueNamePrefix + base }

// Well-known queues.
const (
	QueueNewAnnouncements = queueNamePrefix + "new_announcements"
	QueueAIProcessing     = queueNamePrefix + "ai_processing"
	QueueSupabaseUpload   = queueNamePrefix + "supabase_upload"
	QueueInvestor         = queueNamePrefix + "investor_processing"
	QueueFailedJobs       = queueNamePrefix + "failed_jobs"
	QueueHighPriority     = queueNamePrefix + "high_priority"
	QueueRetry            = queueNamePrefix + "retry"
)

// JobKind identifies a job envelope's payload shape.
type JobKind string

// Job kinds.
const (
	JobKindAIProcessing   JobKind = "ai_processing"
	JobKindSupabaseUpload JobKind = "supabase_upload"
	JobKindInvestor       JobKind = "investor_processing"
	JobKindFailed         JobKind = "failed"
)

// JobEnvelope is the common header shared by every job subtype.
//
// Invariant: JobID is unique per job instance; CorpID is the correlation key
// across all related jobs for the same announcement.
type JobEnvelope struct {
	JobID      string    `json:"job_id"`
	Kind       JobKind   `json:"job_type"`
	CorpID     string    `json:"corp_id"`
	CreatedAt  time.Time `json:"created_at"`
	RetryCount int       `json:"retry_count"`
	MaxRetries int       `json:"max_retries"`
	TimeoutSec int       `json:"timeout_seconds"`
}

// AIProcessingJob is consumed by AIWorker from the ai_processing queue.
type AIProcessingJob struct {
	JobEnvelope
	Announcement Announcement `json:"announcement"`
	PDFURL       string       `json:"pdf_url,omitempty"`
}

// SupabaseUploadJob is consumed by StoreWorker from the supabase_upload
// queue. OriginalSummary carries the exchange's raw headline; the stored
// row keeps it in its summary column, with the classifier's own text in
// ai_summary.
type SupabaseUploadJob struct {
	JobEnvelope
	ProcessedData   StoredFiling         `json:"processed_data"`
	Classification  ClassificationResult `json:"classification"`
	OriginalSummary string               `json:"original_summary"`
}

// InvestorAnalysisJob is consumed by InvestorWorker from the
// investor_processing queue.
type InvestorAnalysisJob struct {
	JobEnvelope
	Category            string   `json:"category"`
	IndividualInvestors []string `json:"individual_investors"`
	CompanyInvestors    []string `json:"company_investors"`
}

// FailedJob is the dead-letter envelope pushed to the failed_jobs queue.
type FailedJob struct {
	JobEnvelope
	OriginalJobType JobKind   `json:"original_job_type"`
	OriginalPayload []byte    `json:"original_job_data"`
	ErrorMessage    string    `json:"error_message"`
	FailedAt        time.Time `json:"failed_at"`
}

// VerificationStatus is the lifecycle state of a VerificationTask.
type VerificationStatus string

// Verification task states.
const (
	VerificationQueued     VerificationStatus = "queued"
	VerificationInProgress VerificationStatus = "in_progress"
	VerificationVerified   VerificationStatus = "verified"
)

// VerificationTask is a unit of optional human review for a stored filing.
type VerificationTask struct {
	ID                string
	CorpID            string
	Status            VerificationStatus
	AssignedToSession string
	AssignedAt        *time.Time
	RetryCount        int
	TimeoutCount      int
	MaxRetryCount     int
	IsVerified        bool
	Note              string
}

// Ports

// CheckpointStore is LocalCheckpointDB's port: durable, crash-safe log of
// every fetched announcement and its per-stage progress.
type CheckpointStore interface {
	SaveRawFetch(ctx context.Context, anns []Announcement, url string, params map[string]string) error
	UpdateCheckpoint(ctx context.Context, newsID string, fields CheckpointRow) error
	RowsNeedingWork(ctx context.Context, date time.Time, limit int) ([]CheckpointRow, error)
	Close() error
}

// QueueBroker is the single coordination port: FIFO lists, sorted sets,
// hashes, TTL keys, atomic list-to-list moves, and pub/sub.
type QueueBroker interface {
	// Push enqueues a job payload onto the tail of queue.
	Push(ctx context.Context, queue string, payload []byte) error
	// BlockMoveToProcessing atomically moves the head of queue into the named
	// per-worker processing list, blocking up to timeout. Returns nil payload,
	// false when the wait times out.
	BlockMoveToProcessing(ctx context.Context, queue, processingList string, timeout time.Duration) ([]byte, bool, error)
	// RemoveFromProcessing removes one occurrence of payload from processingList.
	RemoveFromProcessing(ctx context.Context, processingList string, payload []byte) error
	// AcquireLock sets key to value with NX semantics and the given TTL.
	AcquireLock(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// ReleaseLock deletes key iff its current value equals value.
	ReleaseLock(ctx context.Context, key, value string) error
	// SetNX sets key to value with TTL iff key does not already exist.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// DelayedAdd adds payload to the queue's paired delayed sorted set with the
	// given due-time score.
	DelayedAdd(ctx context.Context, queue string, payload []byte, dueAt time.Time) error
	// DelayedDue pops up to limit entries from the queue's delayed sorted set
	// whose score is <= now, removing them atomically.
	DelayedDue(ctx context.Context, queue string, now time.Time, limit int64) ([][]byte, error)
	// DelayedReschedule re-scores payload in the queue's delayed sorted set.
	DelayedReschedule(ctx context.Context, queue string, payload []byte, dueAt time.Time) error
	// Len returns the length of a FIFO list.
	Len(ctx context.Context, queue string) (int64, error)
	// HSet sets a hash field.
	HSet(ctx context.Context, key, field, value string) error
	// HGet reads a hash field.
	HGet(ctx context.Context, key, field string) (string, bool, error)
	// HDel deletes hash fields.
	HDel(ctx context.Context, key string, fields ...string) error
	// HGetAll reads an entire hash.
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	// Publish emits payload to all subscribers of room.
	Publish(ctx context.Context, room string, payload []byte) error
	// Close releases broker resources.
	Close() error
}

// Store is the cloud row-store port the pipeline depends on.
type Store interface {
	FilingExists(ctx context.Context, corpID string) (bool, error)
	InsertFiling(ctx context.Context, f StoredFiling) error
	UpsertFinancialResult(ctx context.Context, isin string, fd FinData) error
	IncrementCategoryCount(ctx context.Context, date time.Time, category string) error
	InsertInvestorLinks(ctx context.Context, corpID string, links []InvestorLink) error
	ResolveInvestor(ctx context.Context, name string) (InvestorLink, error)
}

// InvestorLink is one resolved (or unverified) investor reference attached
// to a filing.
type InvestorLink struct {
	CorpID     string
	InvestorID string
	Name       string
	Verified   bool
}

// VerificationStore is the port the verification queue janitor
// depends on: expiring admin sessions, releasing orphaned or timed-out
// tasks, and reporting queue depth.
type VerificationStore interface {
	// ExpireSessions marks every verifier session whose expiry has passed
	// inactive, returning the count affected.
	ExpireSessions(ctx context.Context, now time.Time) (int, error)
	// ReleaseOrphanedTasks requeues in-progress tasks assigned to a session
	// that is no longer active, returning the count released.
	ReleaseOrphanedTasks(ctx context.Context) (int, error)
	// ReleaseTimedOutTasks requeues (incrementing retry/timeout counters) or
	// terminally marks (when retries are exhausted) in-progress tasks older
	// than timeout. Returns counts of each outcome.
	ReleaseTimedOutTasks(ctx context.Context, timeout time.Duration, now time.Time) (released, exhausted int, err error)
	// QueuedTaskCount reports how many tasks are currently queued.
	QueuedTaskCount(ctx context.Context) (int, error)
	// ActiveSessionIDs lists currently active verifier session IDs.
	ActiveSessionIDs(ctx context.Context) ([]string, error)
}

// Classifier is the external LLM port: upload a PDF or pass text, get back a
// structured ClassificationResult.
type Classifier interface {
	ClassifyPDF(ctx context.Context, pdfPath, headline string) (ClassificationResult, error)
	ClassifyText(ctx context.Context, headline, body string) (ClassificationResult, error)
}

