package domain

import (
	"math"
	"strings"
	"time"
)

// RetryStatus represents the retry state of a job.
type RetryStatus string

const (
	// RetryStatusNone indicates no retries have been attempted.
	RetryStatusNone RetryStatus = "none"
	// RetryStatusRetrying indicates the job is being retried.
	RetryStatusRetrying RetryStatus = "retrying"
	// RetryStatusExhausted indicates all retries have been exhausted.
	RetryStatusExhausted RetryStatus = "exhausted"
	// RetryStatusDLQ indicates the job has been moved to DLQ.
	RetryStatusDLQ RetryStatus = "dlq"
)

// RetryConfig defines retry behavior for job processing.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts.
	MaxRetries int
	// InitialDelay is the initial delay before first retry.
	InitialDelay time.Duration
	// MaxDelay is the maximum delay between retries.
	MaxDelay time.Duration
	// Multiplier is the exponential backoff multiplier.
	Multiplier float64
	// Jitter adds a fixed 10% on top of each computed delay.
	Jitter bool
	// RetryableErrors defines which errors should trigger retries.
	RetryableErrors []string
	// NonRetryableErrors defines which errors should not trigger retries.
	NonRetryableErrors []string
}

// DefaultRetryConfig returns a sensible default retry configuration shared
// by the AIWorker/StoreWorker/InvestorWorker retry paths.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: 2 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
		RetryableErrors: []string{
			"context deadline exceeded",
			"connection refused",
			"timeout",
			"temporary failure",
			"rate limited",
			"upstream timeout",
			"upstream rate limit",
			"schema invalid",
		},
		NonRetryableErrors: []string{
			"invalid argument",
			"not found",
			"conflict",
			"authentication failed",
			"authorization failed",
		},
	}
}

// RetryInfo tracks retry attempts for a job.
type RetryInfo struct {
	// AttemptCount is the current retry attempt number.
	AttemptCount int
	// MaxAttempts is the maximum number of retry attempts.
	MaxAttempts int
	// LastAttemptAt is the timestamp of the last retry attempt.
	LastAttemptAt time.Time
	// NextRetryAt is the timestamp when the next retry should occur.
	NextRetryAt time.Time
	// RetryStatus is the current retry status.
	RetryStatus RetryStatus
	// LastError is the error from the last attempt.
	LastError string
	// ErrorHistory is the history of all errors encountered.
	ErrorHistory []string
	// CreatedAt is when the retry info was created.
	CreatedAt time.Time
	// UpdatedAt is when the retry info was last updated.
	UpdatedAt time.Time
}

// ShouldRetry determines if a job should be retried based on the error and
// retry config.
func (ri *RetryInfo) ShouldRetry(err error, config RetryConfig) bool {
	if ri.AttemptCount >= config.MaxRetries {
		return false
	}
	if ri.RetryStatus == RetryStatusDLQ {
		return false
	}

	errorStr := strings.ToLower(err.Error())
	for _, nonRetryableErr := range config.NonRetryableErrors {
		if strings.Contains(errorStr, strings.ToLower(nonRetryableErr)) {
			return false
		}
	}
	for _, retryableErr := range config.RetryableErrors {
		if strings.Contains(errorStr, strings.ToLower(retryableErr)) {
			return true
		}
	}

	// Default to retryable for unknown errors.
	return true
}

// CalculateNextRetryDelay calculates the delay for the next retry attempt.
func (ri *RetryInfo) CalculateNextRetryDelay(config RetryConfig) time.Duration {
	delay := time.Duration(float64(config.InitialDelay) * math.Pow(config.Multiplier, float64(ri.AttemptCount)))

	if delay > config.MaxDelay {
		delay = config.MaxDelay
	}

	if config.Jitter {
		delay += time.Duration(float64(delay) * 0.1)
	}

	return delay
}

// UpdateRetryAttempt updates the retry info after an attempt.
func (ri *RetryInfo) UpdateRetryAttempt(err error) {
	ri.AttemptCount++
	ri.LastAttemptAt = time.Now()
	ri.UpdatedAt = time.Now()

	if err != nil {
		ri.LastError = err.Error()
		ri.ErrorHistory = append(ri.ErrorHistory, err.Error())
	}
}

// MarkAsExhausted marks the retry info as exhausted.
func (ri *RetryInfo) MarkAsExhausted() {
	ri.RetryStatus = RetryStatusExhausted
	ri.UpdatedAt = time.Now()
}

// MarkAsDLQ marks the retry info as moved to DLQ.
func (ri *RetryInfo) MarkAsDLQ() {
	ri.RetryStatus = RetryStatusDLQ
	ri.UpdatedAt = time.Now()
}

// MarkAsRetrying marks the retry info as currently retrying.
func (ri *RetryInfo) MarkAsRetrying() {
	ri.RetryStatus = RetryStatusRetrying
	ri.UpdatedAt = time.Now()
}

// AIBackoffSeconds implements the AIWorker's session-exhaustion backoff
// formula: min(base * 2^(retries/3), max), in seconds.
func AIBackoffSeconds(totalRetries int, base, max float64) float64 {
	exp := math.Min(float64(totalRetries/3), 6)
	delay := base * math.Pow(2, exp)
	if delay > max {
		return max
	}
	return delay
}

// Helper functions

func contains(s, substr string) bool {
	return len(s) >= len(substr) && s[:len(substr)] == substr
}

func pow(base, exp float64) float64 {
	result := 1.0
	for i := 0; i < int(exp); i++ {
		result *= base
	}
	return result
}

// DLQJob represents a job that has been moved to the Dead Letter Queue.
type DLQJob struct {
	// JobID is the original job ID.
	JobID string
	// OriginalKind is the job kind before it was dead-lettered.
	OriginalKind JobKind
	// OriginalPayload is the original serialized job payload.
	OriginalPayload []byte
	// RetryInfo is the retry information.
	RetryInfo RetryInfo
	// FailureReason is the reason for DLQ placement.
	FailureReason string
	// MovedToDLQAt is when the job was moved to DLQ.
	MovedToDLQAt time.Time
	// CanBeReprocessed indicates if the job can be reprocessed.
	CanBeReprocessed bool
}
