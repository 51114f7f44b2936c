package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/examly/internal/access/domain"
	"github.com/smallbiznis/examly/internal/access/service"
	attemptdomain "github.com/smallbiznis/examly/internal/attempt/domain"
	attemptrepo "github.com/smallbiznis/examly/internal/attempt/repository"
	"github.com/smallbiznis/examly/internal/clock"
	"github.com/smallbiznis/examly/internal/config"
	entitlementservice "github.com/smallbiznis/examly/internal/entitlement/service"
	examdomain "github.com/smallbiznis/examly/internal/exam/domain"
	examrepo "github.com/smallbiznis/examly/internal/exam/repository"
	grantdomain "github.com/smallbiznis/examly/internal/grant/domain"
	grantrepo "github.com/smallbiznis/examly/internal/grant/repository"
	"github.com/smallbiznis/examly/internal/identity"
	"github.com/smallbiznis/examly/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testExamID = int64(10)
	oralExamID = int64(20)
)

type harness struct {
	db     *gorm.DB
	node   *snowflake.Node
	clock  *clock.FakeClock
	grants grantdomain.Repository
	svc    domain.Service
}

func newHarness(t *testing.T, settings config.AccessSettings) *harness {
	t.Helper()
	db := testutil.OpenDB(t)
	testutil.SeedExam(t, db, testExamID, "TEST")
	testutil.SeedExam(t, db, oralExamID, "ORAL")

	node, err := snowflake.NewNode(3)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2024, 9, 1, 9, 0, 0, 0, time.UTC))
	grants := grantrepo.Provide()
	attempts := attemptrepo.Provide()

	resolver := entitlementservice.NewService(entitlementservice.Params{
		DB:       db,
		Log:      zap.NewNop(),
		Clock:    clk,
		Settings: config.NewStaticAccessSettings(settings),
		Grants:   grants,
		Attempts: attempts,
	})
	svc := service.NewService(service.Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    clk,
		Resolver: resolver,
		Exams:    examrepo.Provide(),
		Attempts: attempts,
		Grants:   grants,
	})
	return &harness{db: db, node: node, clock: clk, grants: grants, svc: svc}
}

func TestOralQuotaEndToEnd(t *testing.T) {
	settings := config.DefaultAccessSettings()
	settings.FreeOralDailyLimit = 2
	h := newHarness(t, settings)
	user := identity.User(77)
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		opening, err := h.svc.OpenOral(ctx, user, oralExamID)
		require.NoError(t, err)
		assert.Equal(t, domain.Allow{Kind: domain.KindOralDaily}, opening.Decision)
		assert.Equal(t, i, opening.Slot)
	}

	opening, err := h.svc.OpenOral(ctx, user, oralExamID)
	var denied *domain.DeniedError
	require.True(t, errors.As(err, &denied), "expected denial, got %v", err)
	assert.Equal(t, domain.ReasonAccessDenied, denied.Reason)
	assert.Equal(t, domain.Deny{Reason: domain.ReasonAccessDenied}, opening.Decision)

	// A new local day resets the quota.
	h.clock.Advance(24 * time.Hour)
	_, err = h.svc.OpenOral(ctx, user, oralExamID)
	require.NoError(t, err)
}

func TestOralQuotaUnderConcurrency(t *testing.T) {
	settings := config.DefaultAccessSettings()
	settings.FreeOralDailyLimit = 2
	h := newHarness(t, settings)
	guest := identity.Guest("g-race")

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.OpenOral(context.Background(), guest, oralExamID)
			if err == nil {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 2, allowed)
	assert.Equal(t, int64(2), testutil.Count(t, h.db, "oral_access_logs", "identity_key = ?", guest.Key()))
}

func TestSubscriberOralDoesNotSpendQuota(t *testing.T) {
	h := newHarness(t, config.DefaultAccessSettings())
	now := h.clock.Now()
	_, err := h.grants.InsertSubscription(context.Background(), h.db, &grantdomain.Subscription{
		ID:              h.node.Generate(),
		UserID:          5,
		SourceInvoiceID: "inv-sub",
		StartsAt:        now.Add(-time.Hour),
		EndsAt:          now.AddDate(0, 0, 30),
		Status:          grantdomain.SubscriptionActive,
		CreatedAt:       now,
	})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		opening, err := h.svc.OpenOral(context.Background(), identity.User(5), oralExamID)
		require.NoError(t, err)
		assert.Equal(t, domain.Allow{Kind: domain.KindSubscription}, opening.Decision)
		assert.Zero(t, opening.Slot)
	}
	assert.Zero(t, testutil.Count(t, h.db, "oral_access_logs", ""))
}

func TestStartAttemptUsesDailyQuota(t *testing.T) {
	settings := config.DefaultAccessSettings()
	settings.FreeDailyLimit = 1
	h := newHarness(t, settings)
	guest := identity.Guest("g-daily")

	attempt, err := h.svc.StartAttempt(context.Background(), guest, testExamID)
	require.NoError(t, err)
	assert.Equal(t, string(domain.KindDaily), attempt.EntitlementKind)
	assert.Nil(t, attempt.GrantID)

	_, err = h.svc.StartAttempt(context.Background(), guest, testExamID)
	assert.ErrorIs(t, err, domain.ErrAccessDenied)
}

func TestOneTimeGrantConsumedOnCompletion(t *testing.T) {
	settings := config.DefaultAccessSettings()
	settings.FreeAttemptsEnabled = false
	h := newHarness(t, settings)
	guest := identity.Guest("g-paid")
	ctx := context.Background()

	grant := &grantdomain.OneTimeGrant{
		ID:              h.node.Generate(),
		GuestSessionID:  guest.GuestSessionPtr(),
		ExamID:          testExamID,
		SourceInvoiceID: "inv-1",
		GrantedAt:       h.clock.Now(),
	}
	_, err := h.grants.InsertOneTime(ctx, h.db, grant)
	require.NoError(t, err)

	attempt, err := h.svc.StartAttempt(ctx, guest, testExamID)
	require.NoError(t, err)
	assert.Equal(t, string(domain.KindOneTime), attempt.EntitlementKind)
	require.NotNil(t, attempt.GrantID)
	assert.Equal(t, grant.ID, *attempt.GrantID)

	_, err = h.svc.CompleteAttempt(ctx, identity.Guest("someone-else"), attempt.ID)
	assert.ErrorIs(t, err, attemptdomain.ErrAttemptNotFound)

	done, err := h.svc.CompleteAttempt(ctx, guest, attempt.ID)
	require.NoError(t, err)
	require.NotNil(t, done.FinishedAt)

	stored, err := h.grants.FindOneTimeByID(ctx, h.db, grant.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.ConsumedAt)

	_, err = h.svc.CompleteAttempt(ctx, guest, attempt.ID)
	assert.ErrorIs(t, err, attemptdomain.ErrAttemptFinished)

	_, err = h.svc.StartAttempt(ctx, guest, testExamID)
	assert.ErrorIs(t, err, domain.ErrAccessDenied)
}

func TestOneTimeGrantBacksOneOpenAttempt(t *testing.T) {
	settings := config.DefaultAccessSettings()
	settings.FreeAttemptsEnabled = false
	h := newHarness(t, settings)
	guest := identity.Guest("g-once")
	ctx := context.Background()

	_, err := h.grants.InsertOneTime(ctx, h.db, &grantdomain.OneTimeGrant{
		ID:              h.node.Generate(),
		GuestSessionID:  guest.GuestSessionPtr(),
		ExamID:          testExamID,
		SourceInvoiceID: "inv-once",
		GrantedAt:       h.clock.Now(),
	})
	require.NoError(t, err)

	first, err := h.svc.StartAttempt(ctx, guest, testExamID)
	require.NoError(t, err)
	require.NotNil(t, first.GrantID)

	_, err = h.svc.StartAttempt(ctx, guest, testExamID)
	var deniedErr *domain.DeniedError
	require.ErrorAs(t, err, &deniedErr)
	assert.Equal(t, domain.ReasonAccessDenied, deniedErr.Reason)

	res, err := h.svc.Check(ctx, guest, testExamID)
	require.NoError(t, err)
	assert.False(t, res.Decision.Allowed())
	assert.Equal(t, int64(1), testutil.Count(t, h.db, "attempts", "grant_id IS NOT NULL"))
}

func TestOneTimeGrantUnderConcurrentStarts(t *testing.T) {
	settings := config.DefaultAccessSettings()
	settings.FreeAttemptsEnabled = false
	h := newHarness(t, settings)
	user := identity.User(31)
	ctx := context.Background()

	_, err := h.grants.InsertOneTime(ctx, h.db, &grantdomain.OneTimeGrant{
		ID:              h.node.Generate(),
		UserID:          user.UserIDPtr(),
		ExamID:          testExamID,
		SourceInvoiceID: "inv-race",
		GrantedAt:       h.clock.Now(),
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	started := 0
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.svc.StartAttempt(ctx, user, testExamID); err == nil {
				mu.Lock()
				started++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, started)
	assert.Equal(t, int64(1), testutil.Count(t, h.db, "attempts", "user_id = ?", 31))
}

func TestWrongExamTypeAndMissingExam(t *testing.T) {
	h := newHarness(t, config.DefaultAccessSettings())
	user := identity.User(1)

	_, err := h.svc.StartAttempt(context.Background(), user, oralExamID)
	assert.ErrorIs(t, err, domain.ErrWrongExamType)

	_, err = h.svc.OpenOral(context.Background(), user, testExamID)
	assert.ErrorIs(t, err, domain.ErrWrongExamType)

	_, err = h.svc.Check(context.Background(), user, 999)
	assert.ErrorIs(t, err, examdomain.ErrExamNotFound)

	_, err = h.svc.Check(context.Background(), identity.Identity{}, testExamID)
	assert.ErrorIs(t, err, domain.ErrIdentityRequired)
}

func TestCheckHasNoSideEffects(t *testing.T) {
	h := newHarness(t, config.DefaultAccessSettings())
	for i := 0; i < 3; i++ {
		res, err := h.svc.Check(context.Background(), identity.User(2), oralExamID)
		require.NoError(t, err)
		assert.True(t, res.Decision.Allowed())
	}
	assert.Zero(t, testutil.Count(t, h.db, "oral_access_logs", ""))
	assert.Zero(t, testutil.Count(t, h.db, "attempts", ""))
}
