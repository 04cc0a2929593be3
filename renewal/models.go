package renewal

import (
	"errors"
	"time"
)

// Status represents the lifecycle of a renewal case.
type Status string

const (
	StatusQueued             Status = "queued"
	StatusPending            Status = "pending"
	StatusInfoSent           Status = "info_sent"
	StatusSaleCreating       Status = "sale_creating"
	StatusSaleCreated        Status = "sale_created"
	StatusBillingGenerated   Status = "billing_generated"
	StatusBillingPDFSent     Status = "billing_pdf_sent"
	StatusSchedulingFormSent Status = "scheduling_form_sent"
	StatusCustomerRetention  Status = "customer_retention"
)

var (
	// ErrInvalidStatus is returned when a transition targets a status outside
	// the enumerated set. The stored status is left untouched.
	ErrInvalidStatus = errors.New("renewal: invalid status")
	// ErrCaseNotFound is the negative lookup result; "no case yet" is expected
	// on first contact and is not treated as a failure.
	ErrCaseNotFound = errors.New("renewal: case not found")
)

// ValidStatus reports whether s belongs to the enumerated status set.
func ValidStatus(s Status) bool {
	switch s {
	case StatusQueued, StatusPending, StatusInfoSent, StatusSaleCreating,
		StatusSaleCreated, StatusBillingGenerated, StatusBillingPDFSent,
		StatusSchedulingFormSent, StatusCustomerRetention:
		return true
	default:
		return false
	}
}

// Terminal reports whether automated processing stops at this status.
// Cases are never hard-deleted; terminal statuses only halt the workflow.
func (s Status) Terminal() bool {
	return s == StatusSchedulingFormSent || s == StatusCustomerRetention
}

// Case mirrors the renewal_cases table. One row per external case identifier.
type Case struct {
	CaseID            int64
	CompanyName       string
	ContactName       string
	ContactPhone      string
	DealType          string
	Status            Status
	SaleID            *string
	FinancialEventID  *string
	IsProcessing      bool
	ActionExecuted    bool
	RetryCount        int
	CreatedAt         time.Time
	LastInteractionAt time.Time
}

// UpsertParams carries the mutable fields applied on case creation or refresh.
// Status is never reset by an upsert of an existing case.
type UpsertParams struct {
	CaseID       int64
	CompanyName  string
	ContactName  string
	ContactPhone string
	DealType     string
}

// ExtraFields are optional columns applied alongside a status transition.
type ExtraFields struct {
	SaleID           *string
	FinancialEventID *string
	ActionExecuted   *bool
}

// PhonePolicy selects which non-terminal case wins a lookup by phone.
type PhonePolicy int

const (
	// NewestCreated returns the most recently created open case.
	NewestCreated PhonePolicy = iota
	// LastInteracted returns the open case with the freshest interaction,
	// used when resuming a conversation after an idle period.
	LastInteracted
)
