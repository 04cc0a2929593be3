package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"renewflow/certification"
	"renewflow/token"
)

// errNotConfigured marks an outbound call attempted before the deployment's
// vendor adapters were linked in. The durable side of the pipeline (event
// recording, case upserts, deferral) is unaffected; failed steps stay in
// the queue and replay once an adapter is present.
var errNotConfigured = errors.New("integration adapter not configured")

// unconfiguredIntegration satisfies every collaborator contract with a
// named error. It is the default binding for buildIntegrations; deployments
// replace it with adapters for their messaging, accounting, and CRM vendors.
type unconfiguredIntegration struct{}

func (unconfiguredIntegration) SendText(context.Context, string, string, certification.SendOptions) error {
	return fmt.Errorf("send text: %w", errNotConfigured)
}

func (unconfiguredIntegration) SendFile(context.Context, string, []byte, string, string, certification.SendOptions) error {
	return fmt.Errorf("send file: %w", errNotConfigured)
}

func (unconfiguredIntegration) HasOpenTicket(context.Context, string, string) (bool, error) {
	return false, fmt.Errorf("open ticket lookup: %w", errNotConfigured)
}

func (unconfiguredIntegration) Transfer(context.Context, string, string, string, string) error {
	return fmt.Errorf("ticket transfer: %w", errNotConfigured)
}

func (unconfiguredIntegration) Close(context.Context, string) error {
	return fmt.Errorf("ticket close: %w", errNotConfigured)
}

func (unconfiguredIntegration) FindByPhone(context.Context, string) (string, error) {
	return "", fmt.Errorf("contact lookup by phone: %w", errNotConfigured)
}

func (unconfiguredIntegration) FindByDocument(context.Context, string) (string, error) {
	return "", fmt.Errorf("contact lookup by document: %w", errNotConfigured)
}

func (unconfiguredIntegration) CreateSale(context.Context, certification.SaleData) (certification.Sale, error) {
	return certification.Sale{}, fmt.Errorf("sale creation: %w", errNotConfigured)
}

func (unconfiguredIntegration) GenerateBilling(context.Context, string, time.Time) (certification.Billing, error) {
	return certification.Billing{}, fmt.Errorf("billing generation: %w", errNotConfigured)
}

func (unconfiguredIntegration) BillingPDF(context.Context, string) ([]byte, error) {
	return nil, fmt.Errorf("billing pdf fetch: %w", errNotConfigured)
}

func (unconfiguredIntegration) GetItem(context.Context, string, int64) (certification.Item, error) {
	return certification.Item{}, fmt.Errorf("crm item fetch: %w", errNotConfigured)
}

func (unconfiguredIntegration) StartWorkflow(context.Context, int64, string) error {
	return fmt.Errorf("crm workflow start: %w", errNotConfigured)
}

func (unconfiguredIntegration) ProposalDocument(context.Context, int64) ([]byte, bool, error) {
	return nil, false, fmt.Errorf("crm proposal fetch: %w", errNotConfigured)
}

func (unconfiguredIntegration) Authenticate(context.Context) (token.Tokens, error) {
	return token.Tokens{}, fmt.Errorf("authentication: %w", errNotConfigured)
}

func (unconfiguredIntegration) Refresh(context.Context, string) (token.Tokens, error) {
	return token.Tokens{}, fmt.Errorf("token refresh: %w", errNotConfigured)
}
