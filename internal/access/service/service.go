package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/examly/internal/access/domain"
	attemptdomain "github.com/smallbiznis/examly/internal/attempt/domain"
	"github.com/smallbiznis/examly/internal/clock"
	entitlementdomain "github.com/smallbiznis/examly/internal/entitlement/domain"
	examdomain "github.com/smallbiznis/examly/internal/exam/domain"
	grantdomain "github.com/smallbiznis/examly/internal/grant/domain"
	"github.com/smallbiznis/examly/internal/identity"
	obsmetrics "github.com/smallbiznis/examly/internal/observability/metrics"
	"github.com/smallbiznis/examly/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// oralOpenTries bounds re-evaluation after losing a slot race.
const oralOpenTries = 2

// grantReserveTries bounds re-evaluation after losing a one-time grant race.
const grantReserveTries = 2

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Resolver   entitlementdomain.Resolver
	Exams      examdomain.Repository
	Attempts   attemptdomain.Repository
	Grants     grantdomain.Repository
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	resolver   entitlementdomain.Resolver
	exams      examdomain.Repository
	attempts   attemptdomain.Repository
	grants     grantdomain.Repository
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("access.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		resolver:   p.Resolver,
		exams:      p.Exams,
		attempts:   p.Attempts,
		grants:     p.Grants,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Check(ctx context.Context, who identity.Identity, examID int64) (domain.CheckResult, error) {
	var result domain.CheckResult
	if who.IsZero() {
		return result, domain.ErrIdentityRequired
	}
	exam, err := s.loadExam(ctx, s.db, examID)
	if err != nil {
		return result, err
	}

	decision, snap, err := s.decide(ctx, s.db, who, exam)
	if err != nil {
		return result, err
	}
	result.Exam = *exam
	result.Decision = decision
	result.Entitlements = snap
	return result, nil
}

// StartAttempt begins a TEST exam. Daily quota is checked, not reserved, so
// concurrent starts may overshoot the limit slightly. A one-time grant is
// reserved by its open attempt: the open-grant index lets only one attempt
// hold it, and the loser re-evaluates.
func (s *Service) StartAttempt(ctx context.Context, who identity.Identity, examID int64) (*attemptdomain.Attempt, error) {
	if who.IsZero() {
		return nil, domain.ErrIdentityRequired
	}

	for try := 0; try < grantReserveTries; try++ {
		var attempt *attemptdomain.Attempt
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			exam, err := s.loadExam(ctx, tx, examID)
			if err != nil {
				return err
			}
			if exam.ExamType != examdomain.TypeTest {
				return domain.ErrWrongExamType
			}

			decision, snap, err := s.decide(ctx, tx, who, exam)
			if err != nil {
				return err
			}
			allow, ok := decision.(domain.Allow)
			if !ok {
				return denied(decision)
			}

			owner := who.Owner()
			attempt = &attemptdomain.Attempt{
				ID:              s.genID.Generate(),
				UserID:          owner.UserIDPtr(),
				GuestSessionID:  owner.GuestSessionPtr(),
				ExamID:          exam.ID,
				EntitlementKind: string(allow.Kind),
				StartedAt:       s.clock.Now().UTC(),
			}
			if allow.Kind == domain.KindOneTime {
				grantID := snap.OneTimeGrantID
				attempt.GrantID = &grantID
			}

			if err := s.attempts.InsertAttempt(ctx, tx, attempt); err != nil {
				if attempt.GrantID != nil && db.IsDuplicateKeyErr(err) {
					return domain.ErrGrantContended
				}
				return fmt.Errorf("insert attempt: %w", err)
			}
			return nil
		})
		if errors.Is(err, domain.ErrGrantContended) {
			s.log.Debug("one-time grant reserved concurrently, re-evaluating", zap.Int64("exam_id", examID))
			continue
		}
		if err != nil {
			return nil, err
		}

		s.log.Info("attempt started",
			zap.String("identity", who.Owner().Key()),
			zap.Int64("exam_id", attempt.ExamID),
			zap.String("attempt_id", attempt.ID.String()),
			zap.String("entitlement", attempt.EntitlementKind),
		)
		return attempt, nil
	}
	return nil, domain.ErrGrantContended
}

// CompleteAttempt finishes the attempt and consumes the one-time grant it
// was started with.
func (s *Service) CompleteAttempt(ctx context.Context, who identity.Identity, attemptID snowflake.ID) (*attemptdomain.Attempt, error) {
	if who.IsZero() {
		return nil, domain.ErrIdentityRequired
	}

	var attempt *attemptdomain.Attempt
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		found, err := s.attempts.FindAttempt(ctx, tx, attemptID)
		if err != nil {
			return err
		}
		if found == nil || !who.Owns(found.Owner()) {
			return attemptdomain.ErrAttemptNotFound
		}

		now := s.clock.Now().UTC()
		finished, err := s.attempts.FinishAttempt(ctx, tx, found.ID, now)
		if err != nil {
			return err
		}
		if !finished {
			return attemptdomain.ErrAttemptFinished
		}
		found.FinishedAt = &now

		if found.GrantID != nil {
			if _, err := s.grants.Consume(ctx, tx, *found.GrantID, now); err != nil {
				return fmt.Errorf("consume grant: %w", err)
			}
		}
		attempt = found
		return nil
	})
	if err != nil {
		return nil, err
	}
	return attempt, nil
}

// OpenOral evaluates and spends an oral quota slot in one transaction. The
// unique slot index stops two openers from both taking the last slot; the
// loser re-evaluates against the new count.
func (s *Service) OpenOral(ctx context.Context, who identity.Identity, examID int64) (domain.OralOpening, error) {
	var opening domain.OralOpening
	if who.IsZero() {
		return opening, domain.ErrIdentityRequired
	}

	for try := 0; try < oralOpenTries; try++ {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			exam, err := s.loadExam(ctx, tx, examID)
			if err != nil {
				return err
			}
			if exam.ExamType != examdomain.TypeOral {
				return domain.ErrWrongExamType
			}

			decision, snap, err := s.decide(ctx, tx, who, exam)
			if err != nil {
				return err
			}
			opening = domain.OralOpening{Decision: decision}

			allow, ok := decision.(domain.Allow)
			if !ok || allow.Kind != domain.KindOralDaily {
				return nil
			}

			owner := who.Owner()
			slot := int(snap.OralOpensToday) + 1
			inserted, err := s.attempts.InsertOralSlot(ctx, tx, &attemptdomain.OralAccessLog{
				ID:             s.genID.Generate(),
				IdentityKey:    owner.Key(),
				UserID:         owner.UserIDPtr(),
				GuestSessionID: owner.GuestSessionPtr(),
				ExamID:         exam.ID,
				AccessDay:      snap.AccessDay,
				Slot:           slot,
				OpenedAt:       s.clock.Now().UTC(),
			})
			if err != nil {
				return fmt.Errorf("insert oral slot: %w", err)
			}
			if !inserted {
				return domain.ErrOralSlotContended
			}
			opening.Slot = slot
			return nil
		})
		if errors.Is(err, domain.ErrOralSlotContended) {
			s.log.Debug("oral slot taken concurrently, re-evaluating", zap.Int64("exam_id", examID))
			continue
		}
		if err != nil {
			return domain.OralOpening{}, err
		}
		if !opening.Decision.Allowed() {
			return opening, denied(opening.Decision)
		}
		return opening, nil
	}
	return domain.OralOpening{}, domain.ErrOralSlotContended
}

func (s *Service) loadExam(ctx context.Context, db *gorm.DB, examID int64) (*examdomain.Exam, error) {
	exam, err := s.exams.FindByID(ctx, db, examID)
	if err != nil {
		return nil, err
	}
	if exam == nil {
		return nil, examdomain.ErrExamNotFound
	}
	return exam, nil
}

func (s *Service) decide(ctx context.Context, db *gorm.DB, who identity.Identity, exam *examdomain.Exam) (domain.Decision, entitlementdomain.Snapshot, error) {
	snap, err := s.resolver.ResolveWith(ctx, db, entitlementdomain.Request{
		Identity: who,
		ExamID:   exam.ID,
		ExamType: exam.ExamType,
	})
	if err != nil {
		return nil, snap, fmt.Errorf("resolve entitlements: %w", err)
	}

	decision := domain.Evaluate(domain.Context{
		Identity:     who,
		ExamID:       exam.ID,
		ExamType:     exam.ExamType,
		Entitlements: snap,
	})

	switch d := decision.(type) {
	case domain.Allow:
		s.obsMetrics.RecordAccessDecision(ctx, "allow", string(d.Kind), "")
	case domain.Deny:
		s.obsMetrics.RecordAccessDecision(ctx, "deny", "", string(d.Reason))
	}
	return decision, snap, nil
}

func denied(decision domain.Decision) error {
	if deny, ok := decision.(domain.Deny); ok {
		return &domain.DeniedError{Reason: deny.Reason}
	}
	return &domain.DeniedError{Reason: domain.ReasonAccessDenied}
}
