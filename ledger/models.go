package ledger

import (
	"errors"
	"time"
)

// ErrDuplicateEvent signals the event_id hit the uniqueness constraint.
// Duplicate delivery is a normal dedup signal, not a failure: callers turn
// it into an "ignored" acknowledgment with no side effects.
var ErrDuplicateEvent = errors.New("ledger: duplicate event")

// Event is one recorded inbound webhook delivery. event_id is unique across
// the whole ledger, which is what makes at-least-once delivery safe.
type Event struct {
	EventID    string
	CaseID     int64
	EventType  string
	Payload    []byte
	ReceivedAt time.Time
}

// Action is one queued outbound message action tied to a case. Actions drain
// in FIFO order and are never reprocessed once marked processed.
type Action struct {
	ID        string
	CaseID    int64
	EventID   string
	Kind      string
	Payload   []byte
	Processed bool
	CreatedAt time.Time
}
