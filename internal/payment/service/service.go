package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/smallbiznis/examly/internal/clock"
	"github.com/smallbiznis/examly/internal/config"
	examdomain "github.com/smallbiznis/examly/internal/exam/domain"
	grantdomain "github.com/smallbiznis/examly/internal/grant/domain"
	"github.com/smallbiznis/examly/internal/identity"
	invoicedomain "github.com/smallbiznis/examly/internal/invoice/domain"
	"github.com/smallbiznis/examly/internal/observability/logger"
	paymentdomain "github.com/smallbiznis/examly/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const receiptPlaceholder = "{uuid}"

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Cfg        config.Config
	Clock      clock.Clock
	Settings   config.AccessSettingsSource
	Gateway    paymentdomain.Gateway
	Reconciler paymentdomain.Reconciler
	Invoices   invoicedomain.Repository
	Grants     grantdomain.Repository
	Exams      examdomain.Repository
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	receiptURL string
	clock      clock.Clock
	settings   config.AccessSettingsSource
	gateway    paymentdomain.Gateway
	reconciler paymentdomain.Reconciler
	invoices   invoicedomain.Repository
	grants     grantdomain.Repository
	exams      examdomain.Repository
}

func NewService(p Params) paymentdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("payment.service"),
		receiptURL: strings.TrimSpace(p.Cfg.Gateway.ReceiptURL),
		clock:      p.Clock,
		settings:   p.Settings,
		gateway:    p.Gateway,
		reconciler: p.Reconciler,
		invoices:   p.Invoices,
		grants:     p.Grants,
		exams:      p.Exams,
	}
}

func (s *Service) CreateCheckout(ctx context.Context, req paymentdomain.CheckoutRequest) (paymentdomain.CheckoutResult, error) {
	var result paymentdomain.CheckoutResult
	if !req.Kind.Valid() {
		return result, fmt.Errorf("%w: unknown kind %q", paymentdomain.ErrInvalidInput, req.Kind)
	}
	who := req.Identity
	if who.IsZero() {
		return result, paymentdomain.ErrAuthRequired
	}
	if req.Kind == invoicedomain.KindSubscription && !who.IsUser() {
		return result, paymentdomain.ErrAuthRequired
	}
	method := strings.TrimSpace(req.PaymentMethod)
	if method == "" {
		return result, fmt.Errorf("%w: payment method is required", paymentdomain.ErrInvalidInput)
	}

	var examID *int64
	if req.Kind == invoicedomain.KindOneTime {
		if req.ExamID == nil {
			return result, fmt.Errorf("%w: exam is required", paymentdomain.ErrInvalidInput)
		}
		exam, err := s.exams.FindByID(ctx, s.db, *req.ExamID)
		if err != nil {
			return result, err
		}
		if exam == nil {
			return result, fmt.Errorf("%w: %v", paymentdomain.ErrInvalidInput, examdomain.ErrExamNotFound)
		}
		id := exam.ID
		examID = &id
	}

	if !s.gateway.Configured() {
		return result, paymentdomain.ErrGatewayUnconfigured
	}

	owner := who.Owner()
	now := s.clock.Now().UTC()
	inv := &invoicedomain.Invoice{
		InvoiceID:         uuid.NewString(),
		Kind:              req.Kind,
		UserID:            owner.UserIDPtr(),
		GuestSessionID:    owner.GuestSessionPtr(),
		ExamID:            examID,
		Amount:            s.settings.Get().PriceFor(string(req.Kind)),
		PaymentSystemCode: method,
		Status:            invoicedomain.StatusCreated,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := inv.Validate(); err != nil {
		return result, fmt.Errorf("%w: %v", paymentdomain.ErrInvalidInput, err)
	}
	if err := s.invoices.Insert(ctx, s.db, inv); err != nil {
		return result, err
	}
	log := logger.WithInvoice(s.log, inv.InvoiceID)

	created, err := s.gateway.CreatePayment(ctx, paymentdomain.CreatePaymentRequest{
		InvoiceID:     inv.InvoiceID,
		Kind:          string(inv.Kind),
		Amount:        inv.Amount,
		PaymentMethod: method,
	})
	if err != nil {
		log.Warn("gateway checkout failed", zap.Error(err))
		return result, err
	}

	if created.GatewayReference != "" {
		var payload datatypes.JSON
		if len(created.Raw) > 0 {
			payload = datatypes.JSON(created.Raw)
		}
		if err := s.invoices.SetGatewayReference(ctx, s.db, inv.InvoiceID, created.GatewayReference, payload, s.clock.Now().UTC()); err != nil {
			return result, err
		}
	}

	log.Info("checkout created",
		zap.String("kind", string(inv.Kind)),
		zap.Int64("amount", inv.Amount),
		zap.String("owner", owner.Key()),
	)
	result.InvoiceID = inv.InvoiceID
	result.CheckoutURL = created.CheckoutURL
	result.Amount = inv.Amount
	return result, nil
}

func (s *Service) GetStatus(ctx context.Context, invoiceID string, who identity.Identity) (paymentdomain.StatusResult, error) {
	var result paymentdomain.StatusResult
	invoiceID = strings.TrimSpace(invoiceID)
	if invoiceID == "" {
		return result, fmt.Errorf("%w: invoiceId is required", paymentdomain.ErrInvalidInput)
	}

	inv, err := s.invoices.FindByID(ctx, s.db, invoiceID)
	if err != nil {
		return result, err
	}
	if inv == nil {
		return result, paymentdomain.ErrNotFound
	}

	if !inv.IsPaid() {
		if s.liveCheck(ctx, inv) {
			inv, err = s.invoices.FindByID(ctx, s.db, invoiceID)
			if err != nil {
				return result, err
			}
			if inv == nil {
				return result, paymentdomain.ErrNotFound
			}
		}
	}

	result.Status = inv.Status
	result.Kind = inv.Kind
	result.ExamID = inv.ExamID
	result.LegacyFormat = inv.Legacy()
	result.BelongsToUser = !result.LegacyFormat && who.Owns(inv.Owner())

	if inv.Kind == invoicedomain.KindOneTime && inv.IsPaid() {
		grant, err := s.grants.FindOneTimeBySource(ctx, s.db, inv.InvoiceID)
		if err != nil {
			return result, err
		}
		result.AlreadyConsumed = grant != nil && grant.ConsumedAt != nil
	}

	if !inv.IsPaid() || !result.BelongsToUser {
		return result, nil
	}

	amount := inv.Amount
	result.Amount = &amount
	if url := s.receipt(inv.Reference()); url != "" {
		result.ReceiptURL = &url
	}
	if inv.Kind == invoicedomain.KindSubscription {
		sub, err := s.grants.FindSubscriptionBySource(ctx, s.db, inv.InvoiceID)
		if err != nil {
			return result, err
		}
		if sub != nil {
			endsAt := sub.EndsAt
			result.SubscriptionEndsAt = &endsAt
		}
	}
	return result, nil
}

// liveCheck asks the gateway about an unpaid invoice and routes a paid
// answer through the reconciler. It reports whether the invoice may have
// changed. Gateway errors leave the stored status as the answer.
func (s *Service) liveCheck(ctx context.Context, inv *invoicedomain.Invoice) bool {
	reference := inv.Reference()
	if reference == "" || !s.gateway.Configured() {
		return false
	}
	log := logger.WithInvoice(s.log, inv.InvoiceID)

	info, err := s.gateway.GetPaymentInfo(ctx, reference)
	if err != nil {
		log.Warn("live payment status failed", zap.Error(err))
		return false
	}
	if !s.gateway.IsPaidStatus(info.Status) {
		return false
	}
	if info.InvoiceID != "" && info.InvoiceID != inv.InvoiceID {
		log.Warn("gateway payment belongs to another invoice", zap.String("gateway_invoice_id", info.InvoiceID))
		return false
	}
	if info.Amount > 0 && info.Amount != inv.Amount {
		log.Warn("gateway amount mismatch", zap.Int64("gateway_amount", info.Amount), zap.Int64("amount", inv.Amount))
		return false
	}

	res, err := s.reconciler.Confirm(ctx, paymentdomain.Confirmation{
		InvoiceID:        inv.InvoiceID,
		GatewayReference: reference,
		Source:           paymentdomain.SourcePoll,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("poll reconciliation failed", zap.Error(err))
	}
	return res.Outcome == paymentdomain.OutcomeApplied || res.Outcome == paymentdomain.OutcomeAlreadyPaid
}

func (s *Service) receipt(reference string) string {
	if s.receiptURL == "" || reference == "" {
		return ""
	}
	if strings.Contains(s.receiptURL, receiptPlaceholder) {
		return strings.ReplaceAll(s.receiptURL, receiptPlaceholder, reference)
	}
	return strings.TrimRight(s.receiptURL, "/") + "/" + reference
}
