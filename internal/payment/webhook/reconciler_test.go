package webhook_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/examly/internal/clock"
	"github.com/smallbiznis/examly/internal/config"
	grantdomain "github.com/smallbiznis/examly/internal/grant/domain"
	grantrepo "github.com/smallbiznis/examly/internal/grant/repository"
	"github.com/smallbiznis/examly/internal/identity"
	invoicedomain "github.com/smallbiznis/examly/internal/invoice/domain"
	invoicerepo "github.com/smallbiznis/examly/internal/invoice/repository"
	"github.com/smallbiznis/examly/internal/notify"
	paymentdomain "github.com/smallbiznis/examly/internal/payment/domain"
	"github.com/smallbiznis/examly/internal/payment/paymenttest"
	"github.com/smallbiznis/examly/internal/payment/webhook"
	"github.com/smallbiznis/examly/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const examID = int64(10)

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []notify.Message
	err  error
}

func (n *recordingNotifier) Notify(_ context.Context, msg notify.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
	return n.err
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.msgs)
}

type harness struct {
	db       *gorm.DB
	clock    *clock.FakeClock
	gateway  *paymenttest.Gateway
	invoices invoicedomain.Repository
	grants   grantdomain.Repository
	notifier *recordingNotifier
	node     *snowflake.Node
	rec      paymentdomain.Reconciler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := testutil.OpenDB(t)
	testutil.SeedExam(t, db, examID, "TEST")
	node, err := snowflake.NewNode(5)
	require.NoError(t, err)

	h := &harness{
		db:       db,
		clock:    clock.NewFakeClock(time.Date(2024, 9, 1, 9, 0, 0, 0, time.UTC)),
		gateway:  &paymenttest.Gateway{},
		invoices: invoicerepo.Provide(),
		grants:   grantrepo.Provide(),
		notifier: &recordingNotifier{},
		node:     node,
	}
	h.rec = webhook.NewReconciler(webhook.Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    h.clock,
		Settings: config.NewStaticAccessSettings(config.DefaultAccessSettings()),
		Gateway:  h.gateway,
		Invoices: h.invoices,
		Grants:   h.grants,
		Notifier: h.notifier,
	})
	return h
}

func (h *harness) seedInvoice(t *testing.T, id string, kind invoicedomain.Kind, owner identity.Identity) {
	t.Helper()
	inv := &invoicedomain.Invoice{
		InvoiceID:         id,
		Kind:              kind,
		UserID:            owner.UserIDPtr(),
		GuestSessionID:    owner.GuestSessionPtr(),
		Amount:            1500000,
		PaymentSystemCode: "card",
		Status:            invoicedomain.StatusCreated,
		CreatedAt:         h.clock.Now(),
		UpdatedAt:         h.clock.Now(),
	}
	if kind == invoicedomain.KindOneTime {
		exam := examID
		inv.ExamID = &exam
	}
	require.NoError(t, h.invoices.Insert(context.Background(), h.db, inv))
}

func body(t *testing.T, fields map[string]any) []byte {
	t.Helper()
	raw, err := json.Marshal(fields)
	require.NoError(t, err)
	return raw
}

func TestSignedWebhookIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.seedInvoice(t, "inv-1", invoicedomain.KindOneTime, identity.Guest("g-1"))
	h.gateway.On("VerifySignature", mock.Anything).Return(true)
	ctx := context.Background()
	payload := body(t, map[string]any{"invoice_id": "inv-1", "uuid": "pay-1", "status": "paid", "sign": "x"})

	first := h.rec.HandleWebhook(ctx, "application/json", payload)
	assert.Equal(t, paymentdomain.OutcomeApplied, first.Outcome)

	inv, err := h.invoices.FindByID(ctx, h.db, "inv-1")
	require.NoError(t, err)
	require.NotNil(t, inv.PaidAt)
	paidAt := *inv.PaidAt
	assert.Equal(t, "pay-1", inv.Reference())

	h.clock.Advance(time.Minute)
	for i := 0; i < 4; i++ {
		res := h.rec.HandleWebhook(ctx, "application/json", payload)
		assert.Equal(t, paymentdomain.OutcomeAlreadyPaid, res.Outcome)
	}

	inv, err = h.invoices.FindByID(ctx, h.db, "inv-1")
	require.NoError(t, err)
	assert.True(t, paidAt.Equal(*inv.PaidAt))
	assert.Equal(t, int64(1), testutil.Count(t, h.db, "one_time_grants", "source_invoice_id = ?", "inv-1"))

	grant, err := h.grants.FindUnconsumed(ctx, h.db, identity.Guest("g-1"), examID)
	require.NoError(t, err)
	require.NotNil(t, grant)
	assert.Eventually(t, func() bool { return h.notifier.count() == 1 }, time.Second, 10*time.Millisecond)
}

func TestConcurrentDeliveriesApplyOnce(t *testing.T) {
	h := newHarness(t)
	h.seedInvoice(t, "inv-1", invoicedomain.KindOneTime, identity.User(7))
	h.gateway.On("VerifySignature", mock.Anything).Return(true)
	payload := body(t, map[string]any{"invoice_id": "inv-1", "uuid": "pay-1", "sign": "x"})

	const deliveries = 8
	outcomes := make(chan paymentdomain.Outcome, deliveries)
	var wg sync.WaitGroup
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes <- h.rec.HandleWebhook(context.Background(), "application/json", payload).Outcome
		}()
	}
	wg.Wait()
	close(outcomes)

	applied := 0
	for outcome := range outcomes {
		if outcome == paymentdomain.OutcomeApplied {
			applied++
			continue
		}
		assert.Equal(t, paymentdomain.OutcomeAlreadyPaid, outcome)
	}
	assert.Equal(t, 1, applied)
	assert.Equal(t, int64(1), testutil.Count(t, h.db, "one_time_grants", ""))
}

func TestConcurrentGrantInsertIsBenign(t *testing.T) {
	h := newHarness(t)
	owner := identity.Guest("g-1")
	h.seedInvoice(t, "inv-1", invoicedomain.KindOneTime, owner)
	ctx := context.Background()

	inserted, err := h.grants.InsertOneTime(ctx, h.db, &grantdomain.OneTimeGrant{
		ID:              h.node.Generate(),
		GuestSessionID:  owner.GuestSessionPtr(),
		ExamID:          examID,
		SourceInvoiceID: "inv-1",
		GrantedAt:       h.clock.Now(),
	})
	require.NoError(t, err)
	require.True(t, inserted)

	res, err := h.rec.Confirm(ctx, paymentdomain.Confirmation{InvoiceID: "inv-1", Source: paymentdomain.SourcePoll})
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.OutcomeApplied, res.Outcome)
	assert.Equal(t, int64(1), testutil.Count(t, h.db, "one_time_grants", ""))
}

func TestSubscriptionReplacesActiveAndIsNotStacked(t *testing.T) {
	h := newHarness(t)
	user := identity.User(7)
	ctx := context.Background()
	h.seedInvoice(t, "sub-1", invoicedomain.KindSubscription, user)
	h.seedInvoice(t, "sub-2", invoicedomain.KindSubscription, user)

	first, err := h.rec.Confirm(ctx, paymentdomain.Confirmation{InvoiceID: "sub-1", Source: paymentdomain.SourceWebhook})
	require.NoError(t, err)
	require.NotNil(t, first.SubscriptionEndsAt)
	assert.Equal(t, h.clock.Now().AddDate(0, 0, 30), *first.SubscriptionEndsAt)

	h.clock.Advance(24 * time.Hour)
	second, err := h.rec.Confirm(ctx, paymentdomain.Confirmation{InvoiceID: "sub-2", Source: paymentdomain.SourceWebhook})
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.OutcomeApplied, second.Outcome)
	assert.Equal(t, h.clock.Now().AddDate(0, 0, 30), *second.SubscriptionEndsAt)

	assert.Equal(t, int64(1), testutil.Count(t, h.db, "subscriptions", "user_id = ? AND status = ?", 7, "ACTIVE"))
	assert.Equal(t, int64(1), testutil.Count(t, h.db, "subscriptions", "source_invoice_id = ? AND status = ?", "sub-1", "CANCELLED"))

	again, err := h.rec.Confirm(ctx, paymentdomain.Confirmation{InvoiceID: "sub-2", Source: paymentdomain.SourcePoll})
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.OutcomeAlreadyPaid, again.Outcome)
	require.NotNil(t, again.SubscriptionEndsAt)
	assert.True(t, second.SubscriptionEndsAt.Equal(*again.SubscriptionEndsAt))
	assert.Equal(t, int64(2), testutil.Count(t, h.db, "subscriptions", ""))
}

// rivalGrants commits a competing active subscription right after the first
// close, as a concurrent confirmation for another invoice would.
type rivalGrants struct {
	grantdomain.Repository
	once  sync.Once
	rival *grantdomain.Subscription
}

func (g *rivalGrants) CloseActiveSubscriptions(ctx context.Context, db *gorm.DB, userID int64, at time.Time) (int64, error) {
	closed, err := g.Repository.CloseActiveSubscriptions(ctx, db, userID, at)
	if err != nil {
		return closed, err
	}
	g.once.Do(func() {
		_, err = g.Repository.InsertSubscription(ctx, db, g.rival)
	})
	return closed, err
}

func TestSubscriptionRaceOnActiveIndexIsBenign(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedInvoice(t, "sub-1", invoicedomain.KindSubscription, identity.User(7))

	now := h.clock.Now()
	grants := &rivalGrants{
		Repository: h.grants,
		rival: &grantdomain.Subscription{
			ID:              h.node.Generate(),
			UserID:          7,
			SourceInvoiceID: "sub-rival",
			StartsAt:        now.Add(-time.Second),
			EndsAt:          now.AddDate(0, 0, 30),
			Status:          grantdomain.SubscriptionActive,
			CreatedAt:       now,
		},
	}
	rec := webhook.NewReconciler(webhook.Params{
		DB:       h.db,
		Log:      zap.NewNop(),
		GenID:    h.node,
		Clock:    h.clock,
		Settings: config.NewStaticAccessSettings(config.DefaultAccessSettings()),
		Gateway:  h.gateway,
		Invoices: h.invoices,
		Grants:   grants,
		Notifier: h.notifier,
	})

	res, err := rec.Confirm(ctx, paymentdomain.Confirmation{InvoiceID: "sub-1", Source: paymentdomain.SourceWebhook})
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.OutcomeApplied, res.Outcome)
	require.NotNil(t, res.SubscriptionEndsAt)

	inv, err := h.invoices.FindByID(ctx, h.db, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.StatusPaid, inv.Status)
	assert.Equal(t, int64(1), testutil.Count(t, h.db, "subscriptions", "user_id = ? AND status = ?", 7, "ACTIVE"))
	assert.Equal(t, int64(1), testutil.Count(t, h.db, "subscriptions", "source_invoice_id = ? AND status = ?", "sub-1", "ACTIVE"))
	assert.Equal(t, int64(1), testutil.Count(t, h.db, "subscriptions", "source_invoice_id = ? AND status = ?", "sub-rival", "CANCELLED"))
}

func TestUnsignedWebhookIsCorroborated(t *testing.T) {
	h := newHarness(t)
	h.seedInvoice(t, "inv-1", invoicedomain.KindOneTime, identity.Guest("g-1"))
	ctx := context.Background()
	h.gateway.On("VerifySignature", mock.Anything).Return(false)
	h.gateway.On("GetPaymentInfo", mock.Anything, "pay-1").
		Return(paymentdomain.PaymentInfo{Reference: "pay-1", InvoiceID: "inv-1", Status: "success"}, nil).Once()

	res := h.rec.HandleWebhook(ctx, "application/x-www-form-urlencoded", []byte("invoice_id=inv-1&uuid=pay-1"))
	assert.Equal(t, paymentdomain.OutcomeApplied, res.Outcome)
	h.gateway.AssertExpectations(t)
}

func TestUnverifiedWebhooksChangeNothing(t *testing.T) {
	h := newHarness(t)
	h.seedInvoice(t, "inv-1", invoicedomain.KindOneTime, identity.Guest("g-1"))
	ctx := context.Background()
	h.gateway.On("VerifySignature", mock.Anything).Return(false)
	h.gateway.On("GetPaymentInfo", mock.Anything, "pay-other").
		Return(paymentdomain.PaymentInfo{InvoiceID: "inv-9", Status: "paid"}, nil)
	h.gateway.On("GetPaymentInfo", mock.Anything, "pay-pending").
		Return(paymentdomain.PaymentInfo{InvoiceID: "inv-1", Status: "pending"}, nil)
	h.gateway.On("GetPaymentInfo", mock.Anything, "pay-down").
		Return(paymentdomain.PaymentInfo{}, paymentdomain.ErrGatewayUnavailable)

	cases := []struct {
		raw  string
		want paymentdomain.Outcome
	}{
		{raw: `{"invoice_id":"inv-1"}`, want: paymentdomain.OutcomeUnverified},
		{raw: `{"invoice_id":"inv-1","uuid":"pay-other"}`, want: paymentdomain.OutcomeUnverified},
		{raw: `{"invoice_id":"inv-1","uuid":"pay-pending"}`, want: paymentdomain.OutcomeNotPaid},
		{raw: `{"invoice_id":"inv-1","uuid":"pay-down"}`, want: paymentdomain.OutcomeUnverified},
		{raw: `{"uuid":"pay-1"}`, want: paymentdomain.OutcomeUnknownInvoice},
		{raw: `not json at all`, want: paymentdomain.OutcomeError},
		{raw: ``, want: paymentdomain.OutcomeError},
	}
	for _, tc := range cases {
		res := h.rec.HandleWebhook(ctx, "application/json", []byte(tc.raw))
		assert.Equal(t, tc.want, res.Outcome, tc.raw)
	}

	inv, err := h.invoices.FindByID(ctx, h.db, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.StatusCreated, inv.Status)
	assert.Zero(t, testutil.Count(t, h.db, "one_time_grants", ""))
}

func TestUnsignedWebhookMustMatchStoredPayment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedInvoice(t, "sub-B", invoicedomain.KindSubscription, identity.User(7))
	h.seedInvoice(t, "inv-C", invoicedomain.KindOneTime, identity.Guest("g-1"))
	require.NoError(t, h.invoices.SetGatewayReference(ctx, h.db, "sub-B", "pay-B", nil, h.clock.Now()))
	require.NoError(t, h.invoices.SetGatewayReference(ctx, h.db, "inv-C", "pay-C", nil, h.clock.Now()))

	h.gateway.On("VerifySignature", mock.Anything).Return(false)
	// A cheap paid payment that says nothing about which invoice it settles.
	h.gateway.On("GetPaymentInfo", mock.Anything, "pay-A").
		Return(paymentdomain.PaymentInfo{Reference: "pay-A", Status: "paid", Amount: 1}, nil)
	h.gateway.On("GetPaymentInfo", mock.Anything, "pay-C").
		Return(paymentdomain.PaymentInfo{Reference: "pay-C", Status: "paid", Amount: 1}, nil)

	res := h.rec.HandleWebhook(ctx, "application/json", []byte(`{"invoice_id":"sub-B","uuid":"pay-A"}`))
	assert.Equal(t, paymentdomain.OutcomeUnverified, res.Outcome)
	h.gateway.AssertNotCalled(t, "GetPaymentInfo", mock.Anything, "pay-A")

	res = h.rec.HandleWebhook(ctx, "application/json", []byte(`{"invoice_id":"inv-C","uuid":"pay-C"}`))
	assert.Equal(t, paymentdomain.OutcomeUnverified, res.Outcome)

	assert.Zero(t, testutil.Count(t, h.db, "invoices", "status = ?", "paid"))
	assert.Zero(t, testutil.Count(t, h.db, "subscriptions", ""))
	assert.Zero(t, testutil.Count(t, h.db, "one_time_grants", ""))
}

func TestUnsignedWebhookWithoutStoredReferenceNeedsEcho(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedInvoice(t, "inv-1", invoicedomain.KindOneTime, identity.Guest("g-1"))
	h.gateway.On("VerifySignature", mock.Anything).Return(false)
	h.gateway.On("GetPaymentInfo", mock.Anything, "pay-1").
		Return(paymentdomain.PaymentInfo{Reference: "pay-1", Status: "paid", Amount: 1500000}, nil)

	res := h.rec.HandleWebhook(ctx, "application/json", []byte(`{"invoice_id":"inv-1","uuid":"pay-1"}`))
	assert.Equal(t, paymentdomain.OutcomeUnverified, res.Outcome)
	assert.Zero(t, testutil.Count(t, h.db, "invoices", "status = ?", "paid"))
}

func TestSignedNonPaidStatusIsAcknowledged(t *testing.T) {
	h := newHarness(t)
	h.seedInvoice(t, "inv-1", invoicedomain.KindOneTime, identity.Guest("g-1"))
	h.gateway.On("VerifySignature", mock.Anything).Return(true)

	res := h.rec.HandleWebhook(context.Background(), "", []byte(`{"invoice_id":"inv-1","status":"failed","sign":"x"}`))
	assert.Equal(t, paymentdomain.OutcomeNotPaid, res.Outcome)
	assert.Zero(t, testutil.Count(t, h.db, "invoices", "status = ?", "paid"))
}

func TestUnknownInvoice(t *testing.T) {
	h := newHarness(t)
	h.gateway.On("VerifySignature", mock.Anything).Return(true)

	res := h.rec.HandleWebhook(context.Background(), "application/json", []byte(`{"details":{"invoice_id":"missing"},"sign":"x"}`))
	assert.Equal(t, paymentdomain.OutcomeUnknownInvoice, res.Outcome)
	assert.Equal(t, "missing", res.InvoiceID)
}

func TestNotifierFailureDoesNotFailReconciliation(t *testing.T) {
	h := newHarness(t)
	h.notifier.err = errors.New("telegram down")
	h.seedInvoice(t, "inv-1", invoicedomain.KindOneTime, identity.Guest("g-1"))

	res, err := h.rec.Confirm(context.Background(), paymentdomain.Confirmation{InvoiceID: "inv-1", Source: paymentdomain.SourceWebhook})
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.OutcomeApplied, res.Outcome)
	assert.Eventually(t, func() bool { return h.notifier.count() == 1 }, time.Second, 10*time.Millisecond)
}
