// Package ticketflow defers automated workflow steps while a human agent
// owns the customer conversation, and replays them once the competing
// ticket closes.
package ticketflow

import (
	"errors"
	"time"
)

// Step identifies a workflow step that can be deferred and replayed. The set
// is closed: steps are bound to handlers at construction time, and unknown
// identifiers are rejected at enqueue time rather than at replay.
type Step string

const (
	StepRenewalNotice   Step = "renewal_notice"
	StepCustomerReply   Step = "customer_reply"
	StepProposal        Step = "send_proposal"
	StepSaleBilling     Step = "create_sale_billing"
	StepBillingDocument Step = "send_billing_document"
	StepSchedulingForm  Step = "send_scheduling_form"
)

// QueueStatus is the lifecycle of a deferred invocation.
type QueueStatus string

const (
	StatusWaiting  QueueStatus = "waiting"
	StatusChecking QueueStatus = "checking"
	StatusStarted  QueueStatus = "started"
	StatusFailed   QueueStatus = "failed"
)

// MaxReplayRetries caps how often a deferred invocation may fail before it
// is parked as failed instead of being retried forever.
const MaxReplayRetries = 10

var (
	// ErrUnknownStep rejects an enqueue or replay for a step with no handler.
	ErrUnknownStep = errors.New("ticketflow: unknown step")
	// ErrInvalidArgs rejects argument payloads that fail schema validation.
	ErrInvalidArgs = errors.New("ticketflow: invalid step arguments")
)

// Args carries the re-synthesized call arguments of a deferred invocation.
// The handler receives them exactly as a live webhook would have provided.
type Args struct {
	CaseID       int64  `json:"case_id"`
	Phone        string `json:"phone"`
	EventID      string `json:"event_id,omitempty"`
	CompanyName  string `json:"company_name,omitempty"`
	ContactName  string `json:"contact_name,omitempty"`
	Document     string `json:"document,omitempty"`
	DealType     string `json:"deal_type,omitempty"`
	DaysToExpire int    `json:"days_to_expire,omitempty"`
	Message      string `json:"message,omitempty"`
}

// Invocation mirrors the ticket_flow_queue table.
type Invocation struct {
	ID            string
	CaseID        int64
	ContactPhone  string
	Step          Step
	Args          []byte
	Status        QueueStatus
	RetryCount    int
	CreatedAt     time.Time
	LastCheckedAt *time.Time
}
