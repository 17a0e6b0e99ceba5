// Package history records every dispatch attempt for operator inspection.
// It is an audit trail, not a queue: one record per attempt, no leasing and
// no redelivery.
package history

import "time"

// Outcome classifies an attempt by its result code.
type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeFailed    Outcome = "failed"
)

// Attempt is one recorded dispatch.
type Attempt struct {
	ID         string
	EventID    string
	Rule       string
	Target     string
	StatusCode int
	Result     string
	Error      string
	Outcome    Outcome
	CreatedAt  time.Time
}

// ListRequest filters and bounds a listing. Zero values mean "no filter".
type ListRequest struct {
	Rule    string
	Target  string
	EventID string
	Outcome Outcome
	Limit   int
	Before  time.Time
}

// ListResponse returns attempts newest first.
type ListResponse struct {
	Items []Attempt
}

// Stats summarizes the recorded attempts.
type Stats struct {
	Total     int
	Delivered int
	Failed    int
}

// Store persists attempts. Implementations must be safe for concurrent use.
type Store interface {
	Record(attempt Attempt) error
	List(req ListRequest) (ListResponse, error)
	Stats() (Stats, error)
	Close() error
}

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
