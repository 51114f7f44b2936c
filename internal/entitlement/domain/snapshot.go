package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	examdomain "github.com/smallbiznis/examly/internal/exam/domain"
	"github.com/smallbiznis/examly/internal/identity"
	"gorm.io/gorm"
)

// Snapshot is derived fresh on every access check and never cached.
type Snapshot struct {
	SubscriptionActive      bool `json:"subscription_active"`
	HasOneTimeForExam       bool `json:"has_one_time_for_exam"`
	DailyLimitAvailable     bool `json:"daily_limit_available"`
	OralDailyLimitAvailable bool `json:"oral_daily_limit_available"`

	// Supporting data for callers that perform the consuming write.
	OneTimeGrantID snowflake.ID `json:"-"`
	AttemptsToday  int64        `json:"attempts_today"`
	OralOpensToday int64        `json:"oral_opens_today"`
	AccessDay      string       `json:"-"`
}

type Request struct {
	Identity identity.Identity
	ExamID   int64
	ExamType examdomain.Type
}

type Resolver interface {
	Resolve(ctx context.Context, req Request) (Snapshot, error)
	// ResolveWith reads through db so callers can resolve inside their own
	// transaction.
	ResolveWith(ctx context.Context, db *gorm.DB, req Request) (Snapshot, error)
}
