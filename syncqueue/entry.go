// Package syncqueue is the durable local buffer of writes that could not
// reach the document store. Entries drain FIFO once connectivity returns.
package syncqueue

import (
	"encoding/json"
	"time"
)

type State string

const (
	StatePending  State = "pending"
	StateInFlight State = "in_flight"
	StateFailed   State = "failed"
)

// Entry is one queued write. Committed entries are deleted, so there is no
// committed state on disk.
type Entry struct {
	Seq           int64           `json:"seq"`
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	Attempts      int             `json:"attempts"`
	MaxRetries    int             `json:"max_retries"`
	State         State           `json:"state"`
	CreatedAt     time.Time       `json:"created_at"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	LastError     string          `json:"last_error,omitempty"`
}

// Decode unmarshals the payload into v.
func (e Entry) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// Status is the synchronous snapshot exposed to operators.
type Status struct {
	PendingCount int  `json:"pendingCount"`
	FailedCount  int  `json:"failedCount"`
	IsSyncing    bool `json:"isSyncing"`
	IsOnline     bool `json:"isOnline"`
}
