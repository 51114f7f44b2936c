package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	attemptdomain "github.com/smallbiznis/examly/internal/attempt/domain"
	entitlementdomain "github.com/smallbiznis/examly/internal/entitlement/domain"
	examdomain "github.com/smallbiznis/examly/internal/exam/domain"
	"github.com/smallbiznis/examly/internal/identity"
)

type CheckResult struct {
	Exam         examdomain.Exam
	Decision     Decision
	Entitlements entitlementdomain.Snapshot
}

type OralOpening struct {
	Decision Decision
	// Slot is the quota slot taken today; zero when no quota was spent.
	Slot int
}

// Service hosts the call sites that turn a decision into a consuming write.
type Service interface {
	Check(ctx context.Context, who identity.Identity, examID int64) (CheckResult, error)
	StartAttempt(ctx context.Context, who identity.Identity, examID int64) (*attemptdomain.Attempt, error)
	CompleteAttempt(ctx context.Context, who identity.Identity, attemptID snowflake.ID) (*attemptdomain.Attempt, error)
	OpenOral(ctx context.Context, who identity.Identity, examID int64) (OralOpening, error)
}
