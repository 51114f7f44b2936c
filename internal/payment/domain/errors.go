package domain

import "errors"

var (
	ErrAuthRequired        = errors.New("auth_required")
	ErrInvalidInput        = errors.New("invalid_input")
	ErrGatewayUnconfigured = errors.New("gateway_unconfigured")
	// ErrGatewayRejected is a business-level failure from the gateway.
	ErrGatewayRejected = errors.New("gateway_rejected")
	// ErrGatewayUnavailable covers network errors, timeouts and 5xx and is
	// safe to retry.
	ErrGatewayUnavailable = errors.New("gateway_unavailable")
	ErrSignatureInvalid   = errors.New("signature_invalid")
	ErrNotFound           = errors.New("not_found")
	ErrRateLimited        = errors.New("rate_limited")
)
