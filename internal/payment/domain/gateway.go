package domain

import "context"

type CreatePaymentRequest struct {
	InvoiceID     string
	Kind          string
	Amount        int64
	PaymentMethod string
}

type CreatePaymentResult struct {
	CheckoutURL      string
	GatewayReference string
	Raw              []byte
}

// PaymentInfo is the gateway's view of one payment.
type PaymentInfo struct {
	Reference string
	InvoiceID string
	Status    string
	Amount    int64
	Raw       []byte
}

// Gateway is the hosted payment gateway boundary.
type Gateway interface {
	Configured() bool
	CreatePayment(ctx context.Context, req CreatePaymentRequest) (CreatePaymentResult, error)
	GetPaymentInfo(ctx context.Context, reference string) (PaymentInfo, error)
	// VerifySignature reports whether the webhook fields carry a valid
	// signature under any accepted scheme.
	VerifySignature(fields map[string]string) bool
	IsPaidStatus(status string) bool
}
