package job

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// State is the lifecycle state of a job. Transitions are monotonic:
// queued -> reserved -> completed.
type State string

const (
	StateQueued    State = "queued"
	StateReserved  State = "reserved"
	StateCompleted State = "completed"
)

// DefaultPriority is assigned when the producer does not supply one.
// Priority is stored and returned but does not affect reservation order.
const DefaultPriority = 1

var (
	// ErrValidation marks a bad submission. All validation failures wrap it.
	ErrValidation = errors.New("invalid job submission")

	ErrEmptyQueue   = fmt.Errorf("%w: queue name must not be empty", ErrValidation)
	ErrEmptyPayload = fmt.Errorf("%w: payload must carry a job document", ErrValidation)
)

// Job is a unit of work held by the broker on behalf of a producer.
type Job struct {
	ID         string          `json:"id"`
	Queue      string          `json:"queue"`
	Payload    json.RawMessage `json:"job"`
	State      State           `json:"state"`
	Priority   int             `json:"priority"`
	InsertedAt time.Time       `json:"inserted_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	ExpiresAt  *time.Time      `json:"expires_at,omitempty"`
}

// Spec is a validated submission, ready for the store.
type Spec struct {
	Queue    string
	Payload  json.RawMessage
	Priority int
}

// NewSpec validates a submission. The payload is the producer's "job"
// document and must be a non-empty JSON value. A priority of zero means
// unset and is replaced by DefaultPriority.
func NewSpec(queue string, payload json.RawMessage, priority int) (Spec, error) {
	if queue == "" {
		return Spec{}, ErrEmptyQueue
	}
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Spec{}, ErrEmptyPayload
	}
	if !json.Valid(trimmed) {
		return Spec{}, fmt.Errorf("%w: payload is not valid JSON", ErrValidation)
	}
	if priority == 0 {
		priority = DefaultPriority
	}
	return Spec{Queue: queue, Payload: trimmed, Priority: priority}, nil
}
