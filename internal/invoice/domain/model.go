package domain

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/examly/internal/identity"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Kind string

const (
	KindOneTime      Kind = "one-time"
	KindSubscription Kind = "subscription"
)

func (k Kind) Valid() bool {
	return k == KindOneTime || k == KindSubscription
}

type Status string

const (
	StatusCreated Status = "created"
	StatusPaid    Status = "paid"
)

// Invoice is one attempted payment. Status only moves created -> paid.
type Invoice struct {
	InvoiceID         string         `json:"invoice_id" gorm:"primaryKey"`
	Kind              Kind           `json:"kind" gorm:"type:text;not null"`
	UserID            *int64         `json:"user_id"`
	GuestSessionID    *string        `json:"guest_session_id"`
	ExamID            *int64         `json:"exam_id"`
	Amount            int64          `json:"amount" gorm:"not null"`
	PaymentSystemCode string         `json:"payment_system_code" gorm:"type:text;not null"`
	Status            Status         `json:"status" gorm:"type:text;not null"`
	GatewayReference  *string        `json:"gateway_reference"`
	GatewayPayload    datatypes.JSON `json:"-"`
	PaidAt            *time.Time     `json:"paid_at"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

func (Invoice) TableName() string { return "invoices" }

func (i Invoice) Owner() identity.Identity {
	return identity.FromColumns(i.UserID, i.GuestSessionID)
}

// Legacy invoices predate identity tracking and carry no owner.
func (i Invoice) Legacy() bool {
	return i.Owner().IsZero()
}

func (i Invoice) IsPaid() bool {
	return i.Status == StatusPaid
}

func (i Invoice) Reference() string {
	if i.GatewayReference == nil {
		return ""
	}
	return *i.GatewayReference
}

// Repository persists invoices. Every method runs on the handle it is given
// so callers decide the transaction boundary.
type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, inv *Invoice) error
	FindByID(ctx context.Context, db *gorm.DB, invoiceID string) (*Invoice, error)
	// MarkPaid moves a created invoice to paid and reports whether this call
	// performed the transition.
	MarkPaid(ctx context.Context, db *gorm.DB, invoiceID string, paidAt time.Time, gatewayReference string) (bool, error)
	SetGatewayReference(ctx context.Context, db *gorm.DB, invoiceID, gatewayReference string, payload datatypes.JSON, updatedAt time.Time) error
}

var (
	ErrInvoiceNotFound = errors.New("invoice_not_found")
	ErrInvalidKind     = errors.New("invalid_invoice_kind")
	ErrMissingOwner    = errors.New("invoice_owner_required")
	ErrMissingExam     = errors.New("invoice_exam_required")
)

// Validate checks the invariants required at creation time.
func (i Invoice) Validate() error {
	if !i.Kind.Valid() {
		return ErrInvalidKind
	}
	if i.Owner().IsZero() {
		return ErrMissingOwner
	}
	if i.Kind == KindOneTime && i.ExamID == nil {
		return ErrMissingExam
	}
	if i.Kind == KindSubscription && i.UserID == nil {
		return ErrMissingOwner
	}
	return nil
}
