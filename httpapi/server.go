// Package httpapi exposes the webhook ingestion endpoint and a small
// read-only admin surface. Webhook senders always get a 200 so they never
// retry-storm; the body says what actually happened.
package httpapi

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"renewflow/certification"
	"renewflow/renewal"
)

// WebhookHandler is the orchestration surface the server forwards events to.
type WebhookHandler interface {
	HandleInboundWebhook(ctx context.Context, req certification.WebhookRequest) (certification.Ack, error)
}

// ServerConfig carries the authentication material of the HTTP surface.
type ServerConfig struct {
	// WebhookSecret signs inbound webhook bodies. Empty disables signature
	// checking, for local development only.
	WebhookSecret string
	// APIKeyHash is the bcrypt hash of the admin API key.
	APIKeyHash string
	// MaxSkew bounds the age of a signed webhook.
	MaxSkew time.Duration
	// MaxBodyBytes caps the request body.
	MaxBodyBytes int64
}

// Server handles webhook ingestion and case reads.
type Server struct {
	handler WebhookHandler
	cases   renewal.Store
	cfg     ServerConfig
	log     *slog.Logger
}

func NewServer(handler WebhookHandler, cases renewal.Store, cfg ServerConfig, log *slog.Logger) *Server {
	if cfg.MaxSkew <= 0 {
		cfg.MaxSkew = 5 * time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if log == nil {
		log = slog.Default()
	}
	return &Server{handler: handler, cases: cases, cfg: cfg, log: log}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case r.URL.Path == "/v1/webhooks/events" && r.Method == http.MethodPost:
		s.handleWebhook(w, r)
	case strings.HasPrefix(r.URL.Path, "/v1/cases/") && r.Method == http.MethodGet:
		s.handleGetCase(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

// handleWebhook verifies the signature, forwards the event, and answers 200
// regardless of the handler outcome. Senders retry on non-200; an event that
// fails here is either recorded already or safe to redeliver.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxBodyBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "unreadable body")
		return
	}
	if int64(len(body)) > s.cfg.MaxBodyBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "too_large", "body exceeds limit")
		return
	}

	if s.cfg.WebhookSecret != "" {
		if !s.verifySignature(r.Header.Get("X-Timestamp"), r.Header.Get("X-Signature"), body) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid webhook signature")
			return
		}
	}

	var req certification.WebhookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}

	ack, err := s.handler.HandleInboundWebhook(r.Context(), req)
	if err != nil {
		s.log.Error("webhook processing failed", "event_id", req.EventID, "error", err)
		writeJSON(w, http.StatusOK, certification.Ack{Status: "error", CaseID: req.CaseID, Detail: "processing failed"})
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

func (s *Server) verifySignature(timestamp, signature string, body []byte) bool {
	if timestamp == "" || signature == "" {
		return false
	}
	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return false
	}
	skew := time.Since(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > s.cfg.MaxSkew {
		return false
	}

	mac := hmac.New(sha256.New, []byte(s.cfg.WebhookSecret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("\n"))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(strings.ToLower(signature)), []byte(expected))
}

// handleGetCase serves a case snapshot to operators holding the API key.
func (s *Server) handleGetCase(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeAPIKey(r.Header.Get("X-API-Key")) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid api key")
		return
	}

	rawID := strings.TrimPrefix(r.URL.Path, "/v1/cases/")
	caseID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "case id must be numeric")
		return
	}

	c, err := s.cases.GetByID(r.Context(), caseID)
	if err != nil {
		if err == renewal.ErrCaseNotFound {
			writeError(w, http.StatusNotFound, "not_found", "case not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "case lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, caseView(c))
}

func (s *Server) authorizeAPIKey(key string) bool {
	if s.cfg.APIKeyHash == "" || key == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(s.cfg.APIKeyHash), []byte(key)) == nil
}

type caseResponse struct {
	CaseID            int64   `json:"case_id"`
	CompanyName       string  `json:"company_name"`
	ContactName       string  `json:"contact_name"`
	ContactPhone      string  `json:"contact_phone"`
	DealType          string  `json:"deal_type"`
	Status            string  `json:"status"`
	SaleID            *string `json:"sale_id,omitempty"`
	FinancialEventID  *string `json:"financial_event_id,omitempty"`
	ActionExecuted    bool    `json:"action_executed"`
	CreatedAt         string  `json:"created_at"`
	LastInteractionAt string  `json:"last_interaction_at"`
}

func caseView(c renewal.Case) caseResponse {
	return caseResponse{
		CaseID:            c.CaseID,
		CompanyName:       c.CompanyName,
		ContactName:       c.ContactName,
		ContactPhone:      c.ContactPhone,
		DealType:          c.DealType,
		Status:            string(c.Status),
		SaleID:            c.SaleID,
		FinancialEventID:  c.FinancialEventID,
		ActionExecuted:    c.ActionExecuted,
		CreatedAt:         c.CreatedAt.UTC().Format(time.RFC3339),
		LastInteractionAt: c.LastInteractionAt.UTC().Format(time.RFC3339),
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}
