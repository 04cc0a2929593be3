package certification

import (
	"context"
	"errors"
	"time"
)

// ErrContactNotFound is the negative result of a contact lookup. First
// contact with an unknown number is expected, not exceptional.
var ErrContactNotFound = errors.New("certification: contact not found")

// SendOptions carries the optional routing hints of an outbound message.
type SendOptions struct {
	DepartmentID string
	UserID       string
}

// MessageSender delivers customer-facing messages through the messaging
// platform. Implementations wrap vendor HTTP clients and classify their
// network failures as retry.Transient.
type MessageSender interface {
	SendText(ctx context.Context, contactID, text string, opts SendOptions) error
	SendFile(ctx context.Context, contactID string, file []byte, filename, text string, opts SendOptions) error
}

// TicketService manages conversation ownership on the messaging platform.
type TicketService interface {
	HasOpenTicket(ctx context.Context, contactID, excludeDepartmentID string) (bool, error)
	Transfer(ctx context.Context, contactID, departmentID, comments, userID string) error
	Close(ctx context.Context, contactID string) error
}

// ContactResolver maps customers onto the identifiers of the two remote
// systems: phone number for the messaging platform, fiscal document for the
// accounting platform.
type ContactResolver interface {
	FindByPhone(ctx context.Context, phone string) (string, error)
	FindByDocument(ctx context.Context, document string) (string, error)
}

// Sale is the accounting platform's view of a created sale.
type Sale struct {
	ID               string
	FinancialEventID string
}

// SaleData is the normalized input for sale creation. Vendor payload
// formatting lives in the client, not here.
type SaleData struct {
	ClientID string
	DealType string
}

// SaleService creates sales on the accounting platform.
type SaleService interface {
	CreateSale(ctx context.Context, data SaleData) (Sale, error)
}

// Billing is a generated charge with its customer-facing document.
type Billing struct {
	ID  string
	URL string
}

// BillingService generates charges and fetches their PDF documents.
type BillingService interface {
	GenerateBilling(ctx context.Context, saleID string, dueDate time.Time) (Billing, error)
	BillingPDF(ctx context.Context, saleID string) ([]byte, error)
}

// Item is a CRM entity snapshot keyed by raw field name.
type Item struct {
	ID     int64
	Fields map[string]any
}

// CRMClient reads CRM items and drives CRM-side document generation. The
// proposal document is produced asynchronously by a CRM workflow, so
// ProposalDocument reports ready=false until generation completes.
type CRMClient interface {
	GetItem(ctx context.Context, itemType string, id int64) (Item, error)
	StartWorkflow(ctx context.Context, templateID int64, documentID string) error
	ProposalDocument(ctx context.Context, caseID int64) (pdf []byte, ready bool, err error)
}
