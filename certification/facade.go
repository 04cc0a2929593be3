package certification

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"renewflow/ledger"
	"renewflow/phone"
	"renewflow/renewal"
	"renewflow/retry"
	"renewflow/ticketflow"
)

const (
	// notificationCooldown is the window within which a repeated webhook for
	// the same case never produces a second customer-facing message.
	notificationCooldown = 24 * time.Hour

	// billingDueDays is the payment term applied to generated charges.
	billingDueDays = 5
)

// Config carries the deployment-specific identifiers of the facade.
type Config struct {
	// DepartmentID is the automation's own department on the messaging
	// platform. Tickets it owns are not competing tickets.
	DepartmentID string
	// RetentionDepartmentID receives conversations when the customer
	// declines and a human takes over.
	RetentionDepartmentID string
	// BotUserID is the platform user all automated messages are sent as.
	BotUserID string
	// ProposalWorkflowID is the CRM workflow template that renders the
	// commercial proposal PDF.
	ProposalWorkflowID int64
	// ProposalPollInterval and ProposalMaxPolls bound the wait for the CRM
	// to finish rendering. Past the bound the step fails outright.
	ProposalPollInterval time.Duration
	ProposalMaxPolls     int
}

func (c Config) withDefaults() Config {
	if c.ProposalPollInterval <= 0 {
		c.ProposalPollInterval = 30 * time.Second
	}
	if c.ProposalMaxPolls <= 0 {
		c.ProposalMaxPolls = 8
	}
	return c
}

// Facade composes the case store, ledger, deferred queue, and the remote
// collaborators into the renewal workflow steps. Every outbound call goes
// through the retry policy; every step holds the case's processing lock.
type Facade struct {
	cases    renewal.Store
	events   ledger.Recorder
	guard    *ticketflow.Guard
	messages MessageSender
	tickets  TicketService
	contacts ContactResolver
	sales    SaleService
	billing  BillingService
	crm      CRMClient
	policy   *retry.Policy
	cfg      Config
	log      *slog.Logger
}

func NewFacade(
	cases renewal.Store,
	events ledger.Recorder,
	messages MessageSender,
	tickets TicketService,
	contacts ContactResolver,
	sales SaleService,
	billing BillingService,
	crm CRMClient,
	policy *retry.Policy,
	cfg Config,
	log *slog.Logger,
) *Facade {
	if policy == nil {
		policy = retry.NewPolicy(2 * time.Second)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Facade{
		cases:    cases,
		events:   events,
		messages: messages,
		tickets:  tickets,
		contacts: contacts,
		sales:    sales,
		billing:  billing,
		crm:      crm,
		policy:   policy,
		cfg:      cfg.withDefaults(),
		log:      log,
	}
}

// AttachGuard wires the deferral guard. The guard needs the facade's
// competing-ticket check and the queue needs the facade's handlers, so the
// binding happens after construction.
func (f *Facade) AttachGuard(g *ticketflow.Guard) {
	f.guard = g
}

// Handlers returns the closed step-to-handler table for the deferred queue.
// A replayed invocation runs exactly the same code path as a live one.
func (f *Facade) Handlers() map[ticketflow.Step]ticketflow.Handler {
	return map[ticketflow.Step]ticketflow.Handler{
		ticketflow.StepRenewalNotice:   f.handleRenewalNotice,
		ticketflow.StepCustomerReply:   f.handleCustomerReply,
		ticketflow.StepProposal:        f.handleProposal,
		ticketflow.StepSaleBilling:     f.handleSaleBilling,
		ticketflow.StepBillingDocument: f.handleBillingDocument,
		ticketflow.StepSchedulingForm:  f.handleSchedulingForm,
	}
}

// HasCompetingTicket reports whether a human agent outside the automation's
// department owns the conversation. Unknown contacts cannot have tickets.
func (f *Facade) HasCompetingTicket(ctx context.Context, phoneNumber string) (bool, error) {
	contactID, err := f.resolveContact(ctx, phoneNumber)
	if err != nil {
		if err == ErrContactNotFound {
			return false, nil
		}
		return false, err
	}

	var open bool
	err = f.policy.Do(ctx, func(ctx context.Context) error {
		var opErr error
		open, opErr = f.tickets.HasOpenTicket(ctx, contactID, f.cfg.DepartmentID)
		return opErr
	})
	if err != nil {
		return false, err
	}
	return open, nil
}

// handleRenewalNotice creates-or-refreshes the case and sends the expiry
// notice. Replayed alerts inside the cool-down window keep the case fresh
// but send nothing.
func (f *Facade) handleRenewalNotice(ctx context.Context, args ticketflow.Args) error {
	c, err := f.cases.Upsert(ctx, renewal.UpsertParams{
		CaseID:       args.CaseID,
		CompanyName:  args.CompanyName,
		ContactName:  args.ContactName,
		ContactPhone: args.Phone,
		DealType:     args.DealType,
	})
	if err != nil {
		return err
	}

	return f.withLock(ctx, c.CaseID, func(ctx context.Context) error {
		recent, err := f.events.WasRecentlyNotified(ctx, c.CaseID, string(ticketflow.StepRenewalNotice), notificationCooldown)
		if err != nil {
			return err
		}
		if recent {
			f.log.Info("renewal notice suppressed by cooldown", "case_id", c.CaseID)
			return nil
		}

		text := renewalNoticeText(args.ContactName, args.CompanyName, args.DaysToExpire, args.DealType)
		if err := f.deliverText(ctx, c.CaseID, args.EventID, string(ticketflow.StepRenewalNotice), args.Phone, text); err != nil {
			return err
		}

		_, err = f.cases.Transition(ctx, c.CaseID, renewal.StatusPending, renewal.ExtraFields{})
		return err
	})
}

// handleCustomerReply interprets the customer's answer to the notice.
func (f *Facade) handleCustomerReply(ctx context.Context, args ticketflow.Args) error {
	c, err := f.cases.FindOpenByPhone(ctx, args.Phone, renewal.LastInteracted)
	if err != nil {
		if err == renewal.ErrCaseNotFound {
			f.log.Info("reply without an open case ignored", "phone", args.Phone)
			return nil
		}
		return err
	}

	// Reply events only become ledger-recordable once resolved to a case.
	if args.EventID != "" {
		accepted, err := f.events.RecordEvent(ctx, c.CaseID, args.EventID, "customer_message", nil)
		if err != nil {
			return err
		}
		if !accepted {
			f.log.Info("replayed reply ignored", "event_id", args.EventID, "case_id", c.CaseID)
			return nil
		}
	}

	switch interpretReply(args.Message) {
	case replyAccept:
		args.CaseID = c.CaseID
		args.CompanyName = c.CompanyName
		return f.handleProposal(ctx, args)
	case replyDecline:
		return f.retainCustomer(ctx, c, args.Phone)
	default:
		f.log.Info("reply not understood, leaving to the agent", "case_id", c.CaseID)
		return nil
	}
}

// handleProposal starts the CRM proposal workflow, waits (bounded) for the
// rendered PDF, and delivers it.
func (f *Facade) handleProposal(ctx context.Context, args ticketflow.Args) error {
	return f.withLock(ctx, args.CaseID, func(ctx context.Context) error {
		if err := f.deliverText(ctx, args.CaseID, args.EventID, "proposal_preparing", args.Phone,
			"Sua proposta está sendo gerada e será enviada em instantes."); err != nil {
			return err
		}

		docRef := fmt.Sprintf("DYNAMIC_137_%d", args.CaseID)
		err := f.policy.Do(ctx, func(ctx context.Context) error {
			return f.crm.StartWorkflow(ctx, f.cfg.ProposalWorkflowID, docRef)
		})
		if err != nil {
			return fmt.Errorf("certification: start proposal workflow: %w", err)
		}

		pdf, err := f.awaitProposalPDF(ctx, args.CaseID)
		if err != nil {
			return err
		}

		contactID, err := f.resolveContact(ctx, args.Phone)
		if err != nil {
			return err
		}
		err = f.policy.Do(ctx, func(ctx context.Context) error {
			return f.messages.SendFile(ctx, contactID, pdf, "proposta_certificado_digital.pdf", "Proposta",
				SendOptions{DepartmentID: f.cfg.DepartmentID, UserID: f.cfg.BotUserID})
		})
		if err != nil {
			return err
		}

		text := fmt.Sprintf("Segue a proposta comercial para renovação do certificado digital da empresa %s.", args.CompanyName)
		if err := f.deliverText(ctx, args.CaseID, args.EventID, "proposal_sent", args.Phone, text); err != nil {
			return err
		}

		_, err = f.cases.Transition(ctx, args.CaseID, renewal.StatusInfoSent, renewal.ExtraFields{})
		return err
	})
}

// awaitProposalPDF polls the CRM until the document is rendered, up to the
// configured bound. Past the bound the step fails rather than blocking.
func (f *Facade) awaitProposalPDF(ctx context.Context, caseID int64) ([]byte, error) {
	for attempt := 0; attempt < f.cfg.ProposalMaxPolls; attempt++ {
		pdf, ready, err := f.crm.ProposalDocument(ctx, caseID)
		if err != nil {
			return nil, fmt.Errorf("certification: fetch proposal document: %w", err)
		}
		if ready {
			return pdf, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.cfg.ProposalPollInterval):
		}
	}
	return nil, fmt.Errorf("certification: proposal document not ready after %d polls", f.cfg.ProposalMaxPolls)
}

// handleSaleBilling creates the sale and generates the charge.
func (f *Facade) handleSaleBilling(ctx context.Context, args ticketflow.Args) error {
	return f.withLock(ctx, args.CaseID, func(ctx context.Context) error {
		document := args.Document
		if document == "" {
			item, err := f.crm.GetItem(ctx, "deal", args.CaseID)
			if err != nil {
				return fmt.Errorf("certification: fetch deal for document: %w", err)
			}
			document, _ = item.Fields["document"].(string)
		}

		var clientID string
		err := f.policy.Do(ctx, func(ctx context.Context) error {
			var opErr error
			clientID, opErr = f.contacts.FindByDocument(ctx, document)
			return opErr
		})
		if err != nil {
			return fmt.Errorf("certification: resolve client %q: %w", document, err)
		}

		if _, err := f.cases.Transition(ctx, args.CaseID, renewal.StatusSaleCreating, renewal.ExtraFields{}); err != nil {
			return err
		}

		var sale Sale
		err = f.policy.Do(ctx, func(ctx context.Context) error {
			var opErr error
			sale, opErr = f.sales.CreateSale(ctx, SaleData{ClientID: clientID, DealType: args.DealType})
			return opErr
		})
		if err != nil {
			return fmt.Errorf("certification: create sale: %w", err)
		}
		if _, err := f.cases.Transition(ctx, args.CaseID, renewal.StatusSaleCreated,
			renewal.ExtraFields{SaleID: &sale.ID}); err != nil {
			return err
		}

		dueDate := time.Now().AddDate(0, 0, billingDueDays)
		var bill Billing
		err = f.policy.Do(ctx, func(ctx context.Context) error {
			var opErr error
			bill, opErr = f.billing.GenerateBilling(ctx, sale.ID, dueDate)
			return opErr
		})
		if err != nil {
			return fmt.Errorf("certification: generate billing: %w", err)
		}

		_, err = f.cases.Transition(ctx, args.CaseID, renewal.StatusBillingGenerated,
			renewal.ExtraFields{FinancialEventID: &bill.ID})
		return err
	})
}

// handleBillingDocument delivers the charge PDF to the customer.
func (f *Facade) handleBillingDocument(ctx context.Context, args ticketflow.Args) error {
	return f.withLock(ctx, args.CaseID, func(ctx context.Context) error {
		c, err := f.cases.GetByID(ctx, args.CaseID)
		if err != nil {
			return err
		}
		if c.SaleID == nil {
			return fmt.Errorf("certification: case %d has no sale to bill", args.CaseID)
		}

		var pdf []byte
		err = f.policy.Do(ctx, func(ctx context.Context) error {
			var opErr error
			pdf, opErr = f.billing.BillingPDF(ctx, *c.SaleID)
			return opErr
		})
		if err != nil {
			return fmt.Errorf("certification: fetch billing pdf: %w", err)
		}

		contactID, err := f.resolveContact(ctx, args.Phone)
		if err != nil {
			return err
		}
		text := fmt.Sprintf("Segue boleto para pagamento referente à emissão do certificado digital da empresa %s.", c.CompanyName)
		err = f.policy.Do(ctx, func(ctx context.Context) error {
			return f.messages.SendFile(ctx, contactID, pdf, "boleto_certificado_digital.pdf", text,
				SendOptions{DepartmentID: f.cfg.DepartmentID, UserID: f.cfg.BotUserID})
		})
		if err != nil {
			return err
		}

		_, err = f.cases.Transition(ctx, args.CaseID, renewal.StatusBillingPDFSent, renewal.ExtraFields{})
		return err
	})
}

// handleSchedulingForm sends the issuance scheduling form and closes the
// automation's ticket; the workflow reaches its happy terminal state.
func (f *Facade) handleSchedulingForm(ctx context.Context, args ticketflow.Args) error {
	return f.withLock(ctx, args.CaseID, func(ctx context.Context) error {
		text := "Pagamento confirmado! Agende a emissão do seu certificado pelo formulário: https://logic.emp.br/agendamento"
		if err := f.deliverText(ctx, args.CaseID, args.EventID, string(ticketflow.StepSchedulingForm), args.Phone, text); err != nil {
			return err
		}

		if contactID, err := f.resolveContact(ctx, args.Phone); err == nil {
			if err := f.policy.Do(ctx, func(ctx context.Context) error {
				return f.tickets.Close(ctx, contactID)
			}); err != nil {
				f.log.Warn("ticket close failed", "case_id", args.CaseID, "error", err)
			}
		}

		executed := true
		_, err := f.cases.Transition(ctx, args.CaseID, renewal.StatusSchedulingFormSent,
			renewal.ExtraFields{ActionExecuted: &executed})
		return err
	})
}

// retainCustomer hands the conversation to the retention department and
// stops automated processing for the case.
func (f *Facade) retainCustomer(ctx context.Context, c renewal.Case, phoneNumber string) error {
	return f.withLock(ctx, c.CaseID, func(ctx context.Context) error {
		contactID, err := f.resolveContact(ctx, phoneNumber)
		if err != nil && err != ErrContactNotFound {
			return err
		}
		if contactID != "" {
			if err := f.policy.Do(ctx, func(ctx context.Context) error {
				return f.tickets.Transfer(ctx, contactID, f.cfg.RetentionDepartmentID,
					"Cliente optou por não renovar via automação.", "")
			}); err != nil {
				f.log.Warn("retention transfer failed", "case_id", c.CaseID, "error", err)
			}
		}

		_, err = f.cases.Transition(ctx, c.CaseID, renewal.StatusCustomerRetention, renewal.ExtraFields{})
		return err
	})
}

// FinalizeIdleCase closes out a case the customer went silent on: the
// session sweeper calls this for every idle non-terminal case.
func (f *Facade) FinalizeIdleCase(ctx context.Context, c renewal.Case) error {
	return f.withLock(ctx, c.CaseID, func(ctx context.Context) error {
		if contactID, err := f.resolveContact(ctx, c.ContactPhone); err == nil {
			if err := f.policy.Do(ctx, func(ctx context.Context) error {
				return f.tickets.Close(ctx, contactID)
			}); err != nil {
				f.log.Warn("idle-session ticket close failed", "case_id", c.CaseID, "error", err)
			}
		}
		_, err := f.cases.Transition(ctx, c.CaseID, renewal.StatusCustomerRetention, renewal.ExtraFields{})
		return err
	})
}

// withLock runs fn holding the case's exclusive-processing flag, releasing
// on every exit path.
func (f *Facade) withLock(ctx context.Context, caseID int64, fn func(ctx context.Context) error) error {
	ok, err := f.cases.TryAcquireProcessingLock(ctx, caseID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("certification: case %d is already being processed", caseID)
	}
	defer func() {
		if relErr := f.cases.ReleaseProcessingLock(context.WithoutCancel(ctx), caseID); relErr != nil {
			f.log.Error("lock release failed", "case_id", caseID, "error", relErr)
		}
	}()

	return fn(ctx)
}

// deliverText records the outbound action, sends the text, and marks the
// action processed, so a crash between steps is visible in the queue. A
// retried step that already recorded this event's action sends nothing: the
// customer got the message on the attempt that recorded it.
func (f *Facade) deliverText(ctx context.Context, caseID int64, eventID, kind, phoneNumber, text string) error {
	if eventID != "" {
		recorded, err := f.events.IsQueuedOrProcessed(ctx, caseID, eventID, kind)
		if err != nil {
			return err
		}
		if recorded {
			f.log.Info("outbound action already recorded, not resending", "case_id", caseID, "kind", kind)
			return nil
		}
	}

	contactID, err := f.resolveContact(ctx, phoneNumber)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(text)
	if err != nil {
		return fmt.Errorf("certification: encode action payload: %w", err)
	}
	action, err := f.events.EnqueueAction(ctx, caseID, eventID, kind, payload)
	if err != nil {
		return err
	}

	err = f.policy.Do(ctx, func(ctx context.Context) error {
		return f.messages.SendText(ctx, contactID, "*Bot*\n"+text,
			SendOptions{DepartmentID: f.cfg.DepartmentID, UserID: f.cfg.BotUserID})
	})
	if err != nil {
		return err
	}

	return f.events.MarkActionProcessed(ctx, action.ID)
}

func (f *Facade) resolveContact(ctx context.Context, canonical string) (string, error) {
	var contactID string
	err := f.policy.Do(ctx, func(ctx context.Context) error {
		var opErr error
		contactID, opErr = f.contacts.FindByPhone(ctx, phone.Dialable(canonical))
		return opErr
	})
	if err != nil {
		return "", err
	}
	if contactID == "" {
		return "", ErrContactNotFound
	}
	return contactID, nil
}

type replyKind int

const (
	replyUnknown replyKind = iota
	replyAccept
	replyDecline
)

// interpretReply classifies the customer's free-text answer.
func interpretReply(message string) replyKind {
	text := strings.ToLower(strings.TrimSpace(message))
	switch {
	case text == "1" || text == "sim" || strings.HasPrefix(text, "sim,") || strings.HasPrefix(text, "sim "):
		return replyAccept
	case text == "2" || text == "não" || text == "nao" || strings.HasPrefix(text, "não ") || strings.HasPrefix(text, "nao "):
		return replyDecline
	default:
		return replyUnknown
	}
}

func renewalNoticeText(contactName, companyName string, daysToExpire int, dealType string) string {
	kind := "certificado digital"
	if dealType != "" {
		kind = fmt.Sprintf("certificado digital (%s)", dealType)
	}
	return fmt.Sprintf(
		"Olá %s! O %s da empresa %s vence em %d dias. Deseja renovar conosco?\n1 - Sim\n2 - Não",
		contactName, kind, companyName, daysToExpire)
}
