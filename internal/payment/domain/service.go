package domain

import (
	"context"
	"time"

	"github.com/smallbiznis/examly/internal/identity"
	invoicedomain "github.com/smallbiznis/examly/internal/invoice/domain"
)

type CheckoutRequest struct {
	Kind          invoicedomain.Kind
	ExamID        *int64
	PaymentMethod string
	Identity      identity.Identity
}

type CheckoutResult struct {
	InvoiceID   string `json:"invoiceId"`
	CheckoutURL string `json:"checkoutUrl"`
	Amount      int64  `json:"amount"`
}

// StatusResult is the client polling view of one invoice. Receipt details
// are only filled for the owner of a paid invoice.
type StatusResult struct {
	Status             invoicedomain.Status `json:"status"`
	Kind               invoicedomain.Kind   `json:"kind"`
	ExamID             *int64               `json:"examId"`
	BelongsToUser      bool                 `json:"belongsToUser"`
	AlreadyConsumed    bool                 `json:"alreadyConsumed"`
	LegacyFormat       bool                 `json:"legacyFormat"`
	ReceiptURL         *string              `json:"receiptUrl,omitempty"`
	Amount             *int64               `json:"amount,omitempty"`
	SubscriptionEndsAt *time.Time           `json:"subscriptionEndsAt,omitempty"`
}

type Service interface {
	CreateCheckout(ctx context.Context, req CheckoutRequest) (CheckoutResult, error)
	GetStatus(ctx context.Context, invoiceID string, who identity.Identity) (StatusResult, error)
}

type Source string

const (
	SourceWebhook Source = "webhook"
	SourcePoll    Source = "poll"
)

type Outcome string

const (
	OutcomeApplied        Outcome = "applied"
	OutcomeAlreadyPaid    Outcome = "already_paid"
	OutcomeUnknownInvoice Outcome = "unknown_invoice"
	OutcomeUnverified     Outcome = "unverified"
	OutcomeNotPaid        Outcome = "not_paid"
	OutcomeLocked         Outcome = "locked"
	OutcomeError          Outcome = "error"
)

// Confirmation is an authenticated statement that an invoice was paid.
type Confirmation struct {
	InvoiceID        string
	GatewayReference string
	Source           Source
}

type ReconcileResult struct {
	Outcome            Outcome
	InvoiceID          string
	SubscriptionEndsAt *time.Time
}

// Reconciler converts payment confirmations into grants exactly once.
type Reconciler interface {
	// HandleWebhook never fails; every internal error is logged and folded
	// into the outcome so the gateway is always acknowledged.
	HandleWebhook(ctx context.Context, contentType string, body []byte) ReconcileResult
	Confirm(ctx context.Context, c Confirmation) (ReconcileResult, error)
}
