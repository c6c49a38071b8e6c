package store

import (
	"errors"
	"time"
)

// ErrDedupRecordNotFound is returned when a request ID was never recorded.
var ErrDedupRecordNotFound = errors.New("dedup record not found")

// DedupRecord tracks one client turn request so a retried POST is answered
// from the stored response instead of running the turn twice.
type DedupRecord struct {
	RequestID    string     `json:"request_id"`
	SessionID    string     `json:"session_id"`
	ReceivedAt   time.Time  `json:"received_at"`
	ProcessedAt  *time.Time `json:"processed_at"`
	ResponseJSON string     `json:"response_json,omitempty"`
}

// Processed reports whether the turn finished and its response was stored.
func (r DedupRecord) Processed() bool {
	return r.ProcessedAt != nil
}

// DedupRepo defines the interface for turn request deduplication.
type DedupRepo interface {
	// RecordInbound inserts a new request record. Returns false if the
	// request was already recorded (duplicate).
	RecordInbound(requestID, sessionID string) (bool, error)

	// MarkProcessed stores the response and sets processed_at.
	MarkProcessed(requestID, responseJSON string) error

	// GetInbound returns ErrDedupRecordNotFound for unknown request IDs.
	GetInbound(requestID string) (*DedupRecord, error)

	// ForgetInbound removes a record so a failed request can be retried.
	ForgetInbound(requestID string) error

	// PurgeInbound deletes processed records older than processedBefore and
	// unprocessed records received before pendingBefore. It returns the
	// number of records removed.
	PurgeInbound(processedBefore, pendingBefore time.Time) (int, error)
}
