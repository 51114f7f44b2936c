package domain

import (
	"errors"
	"fmt"

	entitlementdomain "github.com/smallbiznis/examly/internal/entitlement/domain"
	examdomain "github.com/smallbiznis/examly/internal/exam/domain"
	"github.com/smallbiznis/examly/internal/identity"
)

// EntitlementKind names what an allowed decision draws on.
type EntitlementKind string

const (
	KindSubscription EntitlementKind = "subscription"
	KindOralDaily    EntitlementKind = "oral-daily"
	KindOneTime      EntitlementKind = "one-time"
	KindDaily        EntitlementKind = "daily"
)

// Countable kinds require the caller to record consumption.
func (k EntitlementKind) Countable() bool {
	return k == KindOralDaily || k == KindDaily
}

type ReasonCode string

const ReasonAccessDenied ReasonCode = "ACCESS_DENIED"

// Decision is either Allow or Deny.
type Decision interface {
	Allowed() bool
	decision()
}

type Allow struct {
	Kind EntitlementKind
}

func (Allow) Allowed() bool { return true }
func (Allow) decision()     {}

type Deny struct {
	Reason ReasonCode
}

func (Deny) Allowed() bool { return false }
func (Deny) decision()     {}

type Context struct {
	Identity     identity.Identity
	ExamID       int64
	ExamType     examdomain.Type
	Entitlements entitlementdomain.Snapshot
}

// Evaluate maps a fresh entitlement snapshot to a decision. First match wins:
// subscription, oral daily quota, one-time grant, daily free quota.
func Evaluate(c Context) Decision {
	e := c.Entitlements
	switch {
	case e.SubscriptionActive:
		return Allow{Kind: KindSubscription}
	case c.ExamType == examdomain.TypeOral && e.OralDailyLimitAvailable:
		return Allow{Kind: KindOralDaily}
	case c.ExamType == examdomain.TypeTest && e.HasOneTimeForExam:
		return Allow{Kind: KindOneTime}
	case c.ExamType == examdomain.TypeTest && e.DailyLimitAvailable:
		return Allow{Kind: KindDaily}
	default:
		return Deny{Reason: ReasonAccessDenied}
	}
}

var (
	ErrAccessDenied      = errors.New("access_denied")
	ErrIdentityRequired  = errors.New("identity_required")
	ErrWrongExamType     = errors.New("wrong_exam_type")
	ErrOralSlotContended = errors.New("oral_slot_contended")
	ErrGrantContended    = errors.New("grant_contended")
)

// DeniedError carries the reason code of a Deny decision.
type DeniedError struct {
	Reason ReasonCode
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("%s: %s", ErrAccessDenied, e.Reason)
}

func (e *DeniedError) Is(target error) bool {
	return target == ErrAccessDenied
}
