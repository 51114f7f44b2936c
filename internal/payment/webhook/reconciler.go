package webhook

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/examly/internal/clock"
	"github.com/smallbiznis/examly/internal/config"
	grantdomain "github.com/smallbiznis/examly/internal/grant/domain"
	invoicedomain "github.com/smallbiznis/examly/internal/invoice/domain"
	"github.com/smallbiznis/examly/internal/notify"
	"github.com/smallbiznis/examly/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/examly/internal/observability/metrics"
	"github.com/smallbiznis/examly/internal/observability/tracing"
	paymentdomain "github.com/smallbiznis/examly/internal/payment/domain"
	"github.com/smallbiznis/examly/internal/ratelimit"
	"github.com/smallbiznis/examly/pkg/db"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const notifyTimeout = 10 * time.Second

// subscriptionInsertTries bounds close-then-insert after losing the
// one-active race.
const subscriptionInsertTries = 2

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Settings   config.AccessSettingsSource
	Gateway    paymentdomain.Gateway
	Invoices   invoicedomain.Repository
	Grants     grantdomain.Repository
	Notifier   notify.Notifier           `optional:"true"`
	Limiter    *ratelimit.PaymentLimiter `optional:"true"`
	ObsMetrics *obsmetrics.Metrics       `optional:"true"`
}

type Reconciler struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	settings   config.AccessSettingsSource
	gateway    paymentdomain.Gateway
	invoices   invoicedomain.Repository
	grants     grantdomain.Repository
	notifier   notify.Notifier
	limiter    *ratelimit.PaymentLimiter
	obsMetrics *obsmetrics.Metrics
}

func NewReconciler(p Params) paymentdomain.Reconciler {
	notifier := p.Notifier
	if notifier == nil {
		notifier = notify.NoopNotifier{}
	}
	return &Reconciler{
		db:         p.DB,
		log:        p.Log.Named("payment.webhook"),
		genID:      p.GenID,
		clock:      p.Clock,
		settings:   p.Settings,
		gateway:    p.Gateway,
		invoices:   p.Invoices,
		grants:     p.Grants,
		notifier:   notifier,
		limiter:    p.Limiter,
		obsMetrics: p.ObsMetrics,
	}
}

func (r *Reconciler) HandleWebhook(ctx context.Context, contentType string, body []byte) paymentdomain.ReconcileResult {
	p, err := parsePayload(contentType, body)
	if err != nil {
		r.log.Warn("unreadable webhook payload", zap.Error(err))
		return r.finish(ctx, paymentdomain.SourceWebhook, paymentdomain.ReconcileResult{Outcome: paymentdomain.OutcomeError})
	}

	log := logger.WithInvoice(r.log, p.InvoiceID).With(zap.String("gateway_reference", p.Reference))
	if p.InvoiceID == "" {
		log.Warn("webhook without invoice id")
		return r.finish(ctx, paymentdomain.SourceWebhook, paymentdomain.ReconcileResult{Outcome: paymentdomain.OutcomeUnknownInvoice})
	}

	result := paymentdomain.ReconcileResult{InvoiceID: p.InvoiceID}
	if r.gateway.VerifySignature(p.Fields) {
		if p.Status != "" && !r.gateway.IsPaidStatus(p.Status) {
			log.Info("signed webhook with non-paid status", zap.String("status", p.Status))
			result.Outcome = paymentdomain.OutcomeNotPaid
			return r.finish(ctx, paymentdomain.SourceWebhook, result)
		}
	} else {
		outcome := r.corroborate(ctx, log, p)
		if outcome != "" {
			result.Outcome = outcome
			return r.finish(ctx, paymentdomain.SourceWebhook, result)
		}
	}

	result, err = r.confirm(ctx, paymentdomain.Confirmation{
		InvoiceID:        p.InvoiceID,
		GatewayReference: p.Reference,
		Source:           paymentdomain.SourceWebhook,
	})
	if err != nil {
		log.Error("webhook reconciliation failed", zap.Error(err))
	}
	return r.finish(ctx, paymentdomain.SourceWebhook, result)
}

// corroborate asks the gateway about an unsigned delivery. An empty outcome
// means the payment is confirmed. The payload is attacker controlled, so the
// gateway payment must be tied to this invoice by the stored reference, or by
// an echoed invoice id when no reference was stored, and its amount must
// match when reported.
func (r *Reconciler) corroborate(ctx context.Context, log *zap.Logger, p payload) paymentdomain.Outcome {
	if p.Reference == "" {
		log.Warn("unsigned webhook without gateway reference")
		return paymentdomain.OutcomeUnverified
	}
	inv, err := r.invoices.FindByID(ctx, r.db, p.InvoiceID)
	if err != nil {
		log.Warn("load invoice for corroboration", zap.Error(err))
		return paymentdomain.OutcomeError
	}
	if inv == nil {
		return paymentdomain.OutcomeUnknownInvoice
	}
	stored := inv.Reference()
	if stored != "" && stored != p.Reference {
		log.Warn("unsigned webhook names a foreign payment", zap.String("stored_reference", stored))
		return paymentdomain.OutcomeUnverified
	}

	info, err := r.gateway.GetPaymentInfo(ctx, p.Reference)
	if err != nil {
		log.Warn("payment corroboration failed", zap.Error(err))
		return paymentdomain.OutcomeUnverified
	}
	if info.InvoiceID != "" && info.InvoiceID != p.InvoiceID {
		log.Warn("corroborated payment belongs to another invoice", zap.String("gateway_invoice_id", info.InvoiceID))
		return paymentdomain.OutcomeUnverified
	}
	if stored == "" && info.InvoiceID == "" {
		log.Warn("corroborated payment cannot be tied to the invoice")
		return paymentdomain.OutcomeUnverified
	}
	if info.Amount > 0 && info.Amount != inv.Amount {
		log.Warn("corroborated amount mismatch", zap.Int64("gateway_amount", info.Amount), zap.Int64("amount", inv.Amount))
		return paymentdomain.OutcomeUnverified
	}
	if !r.gateway.IsPaidStatus(info.Status) {
		return paymentdomain.OutcomeNotPaid
	}
	return ""
}

func (r *Reconciler) Confirm(ctx context.Context, c paymentdomain.Confirmation) (paymentdomain.ReconcileResult, error) {
	result, err := r.confirm(ctx, c)
	return r.finish(ctx, c.Source, result), err
}

func (r *Reconciler) confirm(ctx context.Context, c paymentdomain.Confirmation) (paymentdomain.ReconcileResult, error) {
	ctx, span := tracing.StartSpan(ctx, "payment.confirm",
		attribute.String("invoice_id", c.InvoiceID),
		attribute.String("payment.source", string(c.Source)),
	)
	result, err := r.reconcile(ctx, c)
	span.SetAttributes(attribute.String("payment.outcome", string(result.Outcome)))
	tracing.End(span, err)
	return result, err
}

func (r *Reconciler) reconcile(ctx context.Context, c paymentdomain.Confirmation) (paymentdomain.ReconcileResult, error) {
	result := paymentdomain.ReconcileResult{InvoiceID: c.InvoiceID, Outcome: paymentdomain.OutcomeError}
	log := logger.WithInvoice(r.log, c.InvoiceID).With(zap.String("source", string(c.Source)))

	token, locked, err := r.limiter.TryLockInvoice(ctx, c.InvoiceID)
	switch {
	case err != nil:
		log.Warn("reconcile lock unavailable, continuing", zap.Error(err))
	case !locked:
		result.Outcome = paymentdomain.OutcomeLocked
		return result, nil
	default:
		defer func() {
			if err := r.limiter.ReleaseInvoice(context.WithoutCancel(ctx), c.InvoiceID, token); err != nil {
				log.Warn("release reconcile lock", zap.Error(err))
			}
		}()
	}

	inv, err := r.invoices.FindByID(ctx, r.db, c.InvoiceID)
	if err != nil {
		return result, err
	}
	if inv == nil {
		log.Info("confirmation for unknown invoice")
		result.Outcome = paymentdomain.OutcomeUnknownInvoice
		return result, nil
	}
	if inv.IsPaid() {
		return r.alreadyPaid(ctx, inv)
	}

	now := r.clock.Now().UTC()
	var (
		applied bool
		endsAt  *time.Time
	)
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		won, err := r.invoices.MarkPaid(ctx, tx, inv.InvoiceID, now, c.GatewayReference)
		if err != nil {
			return err
		}
		if !won {
			return nil
		}
		applied = true

		switch inv.Kind {
		case invoicedomain.KindOneTime:
			return r.grantOneTime(ctx, tx, inv, now)
		case invoicedomain.KindSubscription:
			endsAt, err = r.grantSubscription(ctx, tx, inv, now)
			return err
		default:
			return fmt.Errorf("%w: %q", invoicedomain.ErrInvalidKind, inv.Kind)
		}
	})
	if err != nil {
		return result, err
	}
	if !applied {
		fresh, err := r.invoices.FindByID(ctx, r.db, inv.InvoiceID)
		if err != nil || fresh == nil {
			result.Outcome = paymentdomain.OutcomeAlreadyPaid
			return result, err
		}
		return r.alreadyPaid(ctx, fresh)
	}

	result.Outcome = paymentdomain.OutcomeApplied
	result.SubscriptionEndsAt = endsAt
	log.Info("payment applied",
		zap.String("kind", string(inv.Kind)),
		zap.Int64("amount", inv.Amount),
		zap.String("owner", inv.Owner().Key()),
	)

	r.notifyAsync(notify.Message{
		InvoiceID:          inv.InvoiceID,
		Kind:               string(inv.Kind),
		Amount:             inv.Amount,
		Owner:              inv.Owner().Key(),
		ExamID:             inv.ExamID,
		SubscriptionEndsAt: endsAt,
	})
	return result, nil
}

func (r *Reconciler) alreadyPaid(ctx context.Context, inv *invoicedomain.Invoice) (paymentdomain.ReconcileResult, error) {
	result := paymentdomain.ReconcileResult{InvoiceID: inv.InvoiceID, Outcome: paymentdomain.OutcomeAlreadyPaid}
	if inv.Kind != invoicedomain.KindSubscription {
		return result, nil
	}
	sub, err := r.grants.FindSubscriptionBySource(ctx, r.db, inv.InvoiceID)
	if err != nil {
		return result, err
	}
	if sub != nil {
		endsAt := sub.EndsAt
		result.SubscriptionEndsAt = &endsAt
	}
	return result, nil
}

func (r *Reconciler) grantOneTime(ctx context.Context, tx *gorm.DB, inv *invoicedomain.Invoice, now time.Time) error {
	owner := inv.Owner()
	if owner.IsZero() || inv.ExamID == nil {
		r.log.Warn("paid invoice cannot carry a grant", zap.String("invoice_id", inv.InvoiceID))
		return nil
	}
	grant := &grantdomain.OneTimeGrant{
		ID:              r.genID.Generate(),
		UserID:          owner.UserIDPtr(),
		GuestSessionID:  owner.GuestSessionPtr(),
		ExamID:          *inv.ExamID,
		SourceInvoiceID: inv.InvoiceID,
		GrantedAt:       now,
	}
	var inserted bool
	err := tx.Transaction(func(sp *gorm.DB) error {
		var err error
		inserted, err = r.grants.InsertOneTime(ctx, sp, grant)
		return err
	})
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil
		}
		return err
	}
	if !inserted {
		r.log.Info("one-time grant already exists", zap.String("invoice_id", inv.InvoiceID))
	}
	return nil
}

// grantSubscription keeps at most one ACTIVE subscription per user. A row
// already created from this invoice is reused; any other active row is
// closed first. A concurrent confirmation for another invoice of the same
// user can win the one-active index between close and insert; the insert
// runs under a savepoint so the loser closes again and retries once.
func (r *Reconciler) grantSubscription(ctx context.Context, tx *gorm.DB, inv *invoicedomain.Invoice, now time.Time) (*time.Time, error) {
	if inv.UserID == nil {
		r.log.Warn("paid subscription invoice has no user", zap.String("invoice_id", inv.InvoiceID))
		return nil, nil
	}

	existing, err := r.grants.FindSubscriptionBySource(ctx, tx, inv.InvoiceID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		endsAt := existing.EndsAt
		return &endsAt, nil
	}

	days := r.settings.Get().SubscriptionDurationDays
	sub := &grantdomain.Subscription{
		ID:              r.genID.Generate(),
		UserID:          *inv.UserID,
		SourceInvoiceID: inv.InvoiceID,
		StartsAt:        now,
		EndsAt:          now.AddDate(0, 0, days),
		Status:          grantdomain.SubscriptionActive,
		CreatedAt:       now,
	}

	var inserted bool
	for try := 0; try < subscriptionInsertTries; try++ {
		if _, err := r.grants.CloseActiveSubscriptions(ctx, tx, *inv.UserID, now); err != nil {
			return nil, err
		}
		err = tx.Transaction(func(sp *gorm.DB) error {
			var err error
			inserted, err = r.grants.InsertSubscription(ctx, sp, sub)
			return err
		})
		if err == nil || !db.IsDuplicateKeyErr(err) {
			break
		}
		r.log.Info("active subscription created concurrently, closing again",
			zap.String("invoice_id", inv.InvoiceID),
			zap.Int64("user_id", *inv.UserID),
		)
	}
	if err != nil {
		return nil, err
	}
	if !inserted {
		existing, err = r.grants.FindSubscriptionBySource(ctx, tx, inv.InvoiceID)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, grantdomain.ErrGrantNotFound
		}
		sub = existing
	}
	endsAt := sub.EndsAt
	return &endsAt, nil
}

func (r *Reconciler) notifyAsync(msg notify.Message) {
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.log.Error("notifier panicked", zap.Any("panic", rec), zap.String("invoice_id", msg.InvoiceID))
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := r.notifier.Notify(ctx, msg); err != nil {
			r.log.Warn("operator notification failed", zap.String("invoice_id", msg.InvoiceID), zap.Error(err))
		}
	}()
}

func (r *Reconciler) finish(ctx context.Context, source paymentdomain.Source, result paymentdomain.ReconcileResult) paymentdomain.ReconcileResult {
	r.obsMetrics.RecordReconciliation(ctx, string(source), string(result.Outcome))
	tracing.Annotate(ctx,
		attribute.String("payment.source", string(source)),
		attribute.String("payment.outcome", string(result.Outcome)),
	)
	r.log.Debug("reconciliation finished",
		zap.String("invoice_id", result.InvoiceID),
		zap.String("source", string(source)),
		zap.String("outcome", string(result.Outcome)),
	)
	return result
}
