package certification

import (
	"context"
	"encoding/json"
	"fmt"

	"renewflow/phone"
	"renewflow/renewal"
	"renewflow/ticketflow"
)

// Ack statuses reported back to webhook senders. The HTTP layer always
// answers 200; the body carries what actually happened.
const (
	AckSuccess = "success"
	AckIgnored = "ignored"
	AckQueued  = "queued"
)

// WebhookRequest is the normalized inbound event. The HTTP layer maps each
// vendor's payload shape onto this before calling the facade.
type WebhookRequest struct {
	EventID      string          `json:"event_id"`
	EventType    string          `json:"event_type"`
	CaseID       int64           `json:"case_id"`
	CompanyName  string          `json:"company_name"`
	ContactName  string          `json:"contact_name"`
	Phone        string          `json:"phone"`
	Document     string          `json:"document"`
	DealType     string          `json:"deal_type"`
	DaysToExpire int             `json:"days_to_expire"`
	Message      string          `json:"message"`
	Payload      json.RawMessage `json:"payload"`
}

// Ack is the webhook response body.
type Ack struct {
	Status string `json:"status"`
	CaseID int64  `json:"case_id,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// eventSteps maps inbound event types onto workflow steps. Unknown event
// types are ignored, never errors: senders retry on non-200 and an unknown
// type would retry forever.
var eventSteps = map[string]ticketflow.Step{
	"renewal_alert":    ticketflow.StepRenewalNotice,
	"customer_message": ticketflow.StepCustomerReply,
	"sale_request":     ticketflow.StepSaleBilling,
	"billing_paid":     ticketflow.StepBillingDocument,
	"billing_delivery": ticketflow.StepBillingDocument,
	"scheduling_form":  ticketflow.StepSchedulingForm,
}

// HandleInboundWebhook is the single entry point for all inbound events.
// The event is recorded exactly once; replays and events for conversations
// a human agent owns never reach the live handlers.
func (f *Facade) HandleInboundWebhook(ctx context.Context, req WebhookRequest) (Ack, error) {
	step, ok := eventSteps[req.EventType]
	if !ok {
		f.log.Info("unknown event type ignored", "event_type", req.EventType, "event_id", req.EventID)
		return Ack{Status: AckIgnored, Detail: "unknown event type"}, nil
	}

	canonical, err := phone.Standardize(req.Phone)
	if err != nil {
		return Ack{Status: AckIgnored, Detail: "unusable phone number"}, nil
	}

	args := ticketflow.Args{
		CaseID:       req.CaseID,
		Phone:        canonical,
		EventID:      req.EventID,
		CompanyName:  req.CompanyName,
		ContactName:  req.ContactName,
		Document:     req.Document,
		DealType:     req.DealType,
		DaysToExpire: req.DaysToExpire,
		Message:      req.Message,
	}

	// Replies arrive without a case id. Resolve the open case by phone up
	// front so a deferred reply queues against a real case row; the ledger
	// write stays in the handler, keyed by the resolved case. Everything
	// else is keyed by case and must land in the ledger before any side
	// effect.
	if step == ticketflow.StepCustomerReply {
		c, err := f.cases.FindOpenByPhone(ctx, args.Phone, renewal.LastInteracted)
		if err != nil {
			if err == renewal.ErrCaseNotFound {
				f.log.Info("reply without an open case ignored", "phone", args.Phone)
				return Ack{Status: AckIgnored, Detail: "no open case for phone"}, nil
			}
			return Ack{}, err
		}
		args.CaseID = c.CaseID
	} else {
		if args.CaseID == 0 {
			return Ack{Status: AckIgnored, Detail: "missing case id"}, nil
		}
		if _, err := f.cases.Upsert(ctx, renewal.UpsertParams{
			CaseID:       args.CaseID,
			CompanyName:  args.CompanyName,
			ContactName:  args.ContactName,
			ContactPhone: args.Phone,
			DealType:     args.DealType,
		}); err != nil {
			return Ack{}, err
		}

		accepted, err := f.events.RecordEvent(ctx, args.CaseID, args.EventID, req.EventType, req.Payload)
		if err != nil {
			return Ack{}, err
		}
		if !accepted {
			f.log.Info("replayed event ignored", "event_id", args.EventID, "case_id", args.CaseID)
			return Ack{Status: AckIgnored, CaseID: args.CaseID, Detail: "duplicate event"}, nil
		}
	}

	handler, err := f.handlerFor(step)
	if err != nil {
		return Ack{}, err
	}

	deferred, err := f.guard.Run(ctx, step, args, func(ctx context.Context) error {
		return handler(ctx, args)
	})
	if err != nil {
		return Ack{}, err
	}
	if deferred {
		return Ack{Status: AckQueued, CaseID: args.CaseID}, nil
	}
	return Ack{Status: AckSuccess, CaseID: args.CaseID}, nil
}

func (f *Facade) handlerFor(step ticketflow.Step) (ticketflow.Handler, error) {
	handler, ok := f.Handlers()[step]
	if !ok {
		return nil, fmt.Errorf("certification: %w: %s", ticketflow.ErrUnknownStep, step)
	}
	return handler, nil
}
