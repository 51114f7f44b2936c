// Package paymenttest holds test doubles for the payment packages.
package paymenttest

import (
	"context"

	paymentdomain "github.com/smallbiznis/examly/internal/payment/domain"
	"github.com/stretchr/testify/mock"
)

type Gateway struct {
	mock.Mock
}

var _ paymentdomain.Gateway = (*Gateway)(nil)

func (g *Gateway) Configured() bool {
	return g.Called().Bool(0)
}

func (g *Gateway) CreatePayment(ctx context.Context, req paymentdomain.CreatePaymentRequest) (paymentdomain.CreatePaymentResult, error) {
	args := g.Called(ctx, req)
	return args.Get(0).(paymentdomain.CreatePaymentResult), args.Error(1)
}

func (g *Gateway) GetPaymentInfo(ctx context.Context, reference string) (paymentdomain.PaymentInfo, error) {
	args := g.Called(ctx, reference)
	return args.Get(0).(paymentdomain.PaymentInfo), args.Error(1)
}

func (g *Gateway) VerifySignature(fields map[string]string) bool {
	return g.Called(fields).Bool(0)
}

func (g *Gateway) IsPaidStatus(status string) bool {
	switch status {
	case "paid", "success", "completed", "billing":
		return true
	}
	return false
}
