package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/examly/internal/identity"
	"gorm.io/gorm"
)

// Attempt records that a TEST exam was started. Daily free quotas count
// rows by StartedAt.
type Attempt struct {
	ID              snowflake.ID  `json:"id" gorm:"primaryKey"`
	UserID          *int64        `json:"user_id"`
	GuestSessionID  *string       `json:"guest_session_id"`
	ExamID          int64         `json:"exam_id" gorm:"not null"`
	EntitlementKind string        `json:"entitlement_kind" gorm:"type:text;not null"`
	GrantID         *snowflake.ID `json:"grant_id"`
	StartedAt       time.Time     `json:"started_at" gorm:"not null"`
	FinishedAt      *time.Time    `json:"finished_at"`
}

func (Attempt) TableName() string { return "attempts" }

func (a Attempt) Owner() identity.Identity {
	return identity.FromColumns(a.UserID, a.GuestSessionID)
}

// OralAccessLog is one oral session opening. (IdentityKey, AccessDay, Slot)
// is unique so concurrent openers cannot share the last free slot.
type OralAccessLog struct {
	ID             snowflake.ID `json:"id" gorm:"primaryKey"`
	IdentityKey    string       `json:"identity_key" gorm:"type:text;not null"`
	UserID         *int64       `json:"user_id"`
	GuestSessionID *string      `json:"guest_session_id"`
	ExamID         int64        `json:"exam_id" gorm:"not null"`
	AccessDay      string       `json:"access_day" gorm:"type:text;not null"`
	Slot           int          `json:"slot" gorm:"not null"`
	OpenedAt       time.Time    `json:"opened_at" gorm:"not null"`
}

func (OralAccessLog) TableName() string { return "oral_access_logs" }

// AccessDayLayout formats the local calendar day an oral opening counts against.
const AccessDayLayout = "2006-01-02"

type Repository interface {
	InsertAttempt(ctx context.Context, db *gorm.DB, attempt *Attempt) error
	FindAttempt(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Attempt, error)
	FinishAttempt(ctx context.Context, db *gorm.DB, id snowflake.ID, finishedAt time.Time) (bool, error)
	CountStartedSince(ctx context.Context, db *gorm.DB, owner identity.Identity, since time.Time) (int64, error)

	CountOralOpenings(ctx context.Context, db *gorm.DB, identityKey, accessDay string) (int64, error)
	// InsertOralSlot reports false when the slot is already taken.
	InsertOralSlot(ctx context.Context, db *gorm.DB, entry *OralAccessLog) (bool, error)
}

var (
	ErrAttemptNotFound = errors.New("attempt_not_found")
	ErrAttemptFinished = errors.New("attempt_already_finished")
)
