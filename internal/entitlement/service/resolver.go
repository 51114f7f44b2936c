package service

import (
	"context"
	"fmt"

	attemptdomain "github.com/smallbiznis/examly/internal/attempt/domain"
	"github.com/smallbiznis/examly/internal/clock"
	"github.com/smallbiznis/examly/internal/config"
	"github.com/smallbiznis/examly/internal/entitlement/domain"
	examdomain "github.com/smallbiznis/examly/internal/exam/domain"
	grantdomain "github.com/smallbiznis/examly/internal/grant/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Clock    clock.Clock
	Settings config.AccessSettingsSource
	Grants   grantdomain.Repository
	Attempts attemptdomain.Repository
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	clock    clock.Clock
	settings config.AccessSettingsSource
	grants   grantdomain.Repository
	attempts attemptdomain.Repository
}

func NewService(p Params) domain.Resolver {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("entitlement.resolver"),
		clock:    p.Clock,
		settings: p.Settings,
		grants:   p.Grants,
		attempts: p.Attempts,
	}
}

func (s *Service) Resolve(ctx context.Context, req domain.Request) (domain.Snapshot, error) {
	return s.ResolveWith(ctx, s.db, req)
}

// ResolveWith derives the snapshot from persisted state. Store errors are
// returned unchanged; callers must not read them as a denial.
func (s *Service) ResolveWith(ctx context.Context, db *gorm.DB, req domain.Request) (domain.Snapshot, error) {
	var snap domain.Snapshot
	owner := req.Identity.Owner()
	if owner.IsZero() {
		return snap, nil
	}

	settings := s.settings.Get()
	now := s.clock.Now().UTC()
	loc := settings.Location()
	midnight := clock.StartOfDay(now, loc)
	snap.AccessDay = midnight.Format(attemptdomain.AccessDayLayout)

	if owner.IsUser() {
		sub, err := s.grants.FindActiveSubscription(ctx, db, owner.UserID, now)
		if err != nil {
			return snap, fmt.Errorf("load subscription: %w", err)
		}
		snap.SubscriptionActive = sub != nil
	}

	grant, err := s.grants.FindUnconsumed(ctx, db, owner, req.ExamID)
	if err != nil {
		return snap, fmt.Errorf("load one-time grant: %w", err)
	}
	if grant != nil {
		snap.HasOneTimeForExam = true
		snap.OneTimeGrantID = grant.ID
	}

	switch req.ExamType {
	case examdomain.TypeTest:
		if !settings.FreeAttemptsEnabled || settings.FreeDailyLimit <= 0 {
			break
		}
		started, err := s.attempts.CountStartedSince(ctx, db, owner, midnight.UTC())
		if err != nil {
			return snap, fmt.Errorf("count attempts: %w", err)
		}
		snap.AttemptsToday = started
		snap.DailyLimitAvailable = started < int64(settings.FreeDailyLimit)
	case examdomain.TypeOral:
		opened, err := s.attempts.CountOralOpenings(ctx, db, owner.Key(), snap.AccessDay)
		if err != nil {
			return snap, fmt.Errorf("count oral openings: %w", err)
		}
		snap.OralOpensToday = opened
		if snap.SubscriptionActive {
			snap.OralDailyLimitAvailable = true
			break
		}
		snap.OralDailyLimitAvailable = settings.FreeOralDailyLimit > 0 && opened < int64(settings.FreeOralDailyLimit)
	}

	s.log.Debug("entitlements resolved",
		zap.String("identity", owner.Key()),
		zap.Int64("exam_id", req.ExamID),
		zap.Bool("subscription_active", snap.SubscriptionActive),
		zap.Bool("has_one_time", snap.HasOneTimeForExam),
		zap.Bool("daily_available", snap.DailyLimitAvailable),
		zap.Bool("oral_available", snap.OralDailyLimitAvailable),
	)
	return snap, nil
}
