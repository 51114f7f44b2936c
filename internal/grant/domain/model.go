package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/examly/internal/identity"
	"gorm.io/gorm"
)

// OneTimeGrant unlocks a single exam until it is consumed. SourceInvoiceID
// is unique, so a paid invoice yields at most one grant.
type OneTimeGrant struct {
	ID              snowflake.ID `json:"id" gorm:"primaryKey"`
	UserID          *int64       `json:"user_id"`
	GuestSessionID  *string      `json:"guest_session_id"`
	ExamID          int64        `json:"exam_id" gorm:"not null"`
	SourceInvoiceID string       `json:"source_invoice_id" gorm:"type:text;not null"`
	GrantedAt       time.Time    `json:"granted_at" gorm:"not null"`
	ConsumedAt      *time.Time   `json:"consumed_at"`
}

func (OneTimeGrant) TableName() string { return "one_time_grants" }

func (g OneTimeGrant) Owner() identity.Identity {
	return identity.FromColumns(g.UserID, g.GuestSessionID)
}

type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "ACTIVE"
	SubscriptionCancelled SubscriptionStatus = "CANCELLED"
	SubscriptionExpired   SubscriptionStatus = "EXPIRED"
)

type Subscription struct {
	ID              snowflake.ID       `json:"id" gorm:"primaryKey"`
	UserID          int64              `json:"user_id" gorm:"not null"`
	SourceInvoiceID string             `json:"source_invoice_id" gorm:"type:text;not null"`
	StartsAt        time.Time          `json:"starts_at" gorm:"not null"`
	EndsAt          time.Time          `json:"ends_at" gorm:"not null"`
	Status          SubscriptionStatus `json:"status" gorm:"type:text;not null"`
	CancelledAt     *time.Time         `json:"cancelled_at"`
	CreatedAt       time.Time          `json:"created_at"`
}

func (Subscription) TableName() string { return "subscriptions" }

// ActiveAt reports status=ACTIVE and startsAt <= t < endsAt.
func (s Subscription) ActiveAt(t time.Time) bool {
	return s.Status == SubscriptionActive && !t.Before(s.StartsAt) && t.Before(s.EndsAt)
}

type Repository interface {
	// InsertOneTime reports false when a grant for the same source invoice
	// already exists.
	InsertOneTime(ctx context.Context, db *gorm.DB, grant *OneTimeGrant) (bool, error)
	FindOneTimeBySource(ctx context.Context, db *gorm.DB, invoiceID string) (*OneTimeGrant, error)
	FindOneTimeByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*OneTimeGrant, error)
	// FindUnconsumed returns the oldest unconsumed grant for the exam that is
	// not already backing an unfinished attempt.
	FindUnconsumed(ctx context.Context, db *gorm.DB, owner identity.Identity, examID int64) (*OneTimeGrant, error)
	Consume(ctx context.Context, db *gorm.DB, id snowflake.ID, consumedAt time.Time) (bool, error)

	InsertSubscription(ctx context.Context, db *gorm.DB, sub *Subscription) (bool, error)
	FindSubscriptionBySource(ctx context.Context, db *gorm.DB, invoiceID string) (*Subscription, error)
	FindActiveSubscription(ctx context.Context, db *gorm.DB, userID int64, at time.Time) (*Subscription, error)
	// CloseActiveSubscriptions ends every ACTIVE row for the user, marking
	// lapsed ones EXPIRED and the rest CANCELLED.
	CloseActiveSubscriptions(ctx context.Context, db *gorm.DB, userID int64, at time.Time) (int64, error)
}

var (
	ErrSubscriptionRequiresUser = errors.New("subscription_requires_user")
	ErrGrantNotFound            = errors.New("grant_not_found")
)
