package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	accessdomain "github.com/smallbiznis/examly/internal/access/domain"
	attemptdomain "github.com/smallbiznis/examly/internal/attempt/domain"
	examdomain "github.com/smallbiznis/examly/internal/exam/domain"
	paymentdomain "github.com/smallbiznis/examly/internal/payment/domain"
)

type errorPayload struct {
	Type       string `json:"type"`
	Message    string `json:"message"`
	ReasonCode string `json:"reason_code,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrRateLimited        = errors.New("rate_limited")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorPayload) {
	var denied *accessdomain.DeniedError
	switch {
	case err == nil:
		return http.StatusInternalServerError, errorPayload{Type: "internal_error", Message: "internal server error"}
	case errors.As(err, &denied):
		return http.StatusForbidden, errorPayload{
			Type:       "access_denied",
			Message:    "access denied",
			ReasonCode: string(denied.Reason),
		}
	case errors.Is(err, paymentdomain.ErrAuthRequired),
		errors.Is(err, accessdomain.ErrIdentityRequired):
		return http.StatusUnauthorized, errorPayload{Type: "auth_required", Message: "authentication required"}
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, paymentdomain.ErrInvalidInput),
		errors.Is(err, accessdomain.ErrWrongExamType):
		return http.StatusBadRequest, errorPayload{Type: "invalid_input", Message: err.Error()}
	case errors.Is(err, paymentdomain.ErrNotFound),
		errors.Is(err, examdomain.ErrExamNotFound),
		errors.Is(err, attemptdomain.ErrAttemptNotFound):
		return http.StatusNotFound, errorPayload{Type: "not_found", Message: "not found"}
	case errors.Is(err, attemptdomain.ErrAttemptFinished):
		return http.StatusConflict, errorPayload{Type: "conflict", Message: "attempt already finished"}
	case errors.Is(err, ErrRateLimited),
		errors.Is(err, paymentdomain.ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{Type: "rate_limited", Message: "too many requests"}
	case errors.Is(err, paymentdomain.ErrGatewayUnconfigured):
		return http.StatusServiceUnavailable, errorPayload{Type: "gateway_unconfigured", Message: "payments are not configured"}
	case errors.Is(err, paymentdomain.ErrGatewayUnavailable),
		errors.Is(err, accessdomain.ErrOralSlotContended),
		errors.Is(err, accessdomain.ErrGrantContended),
		errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable, errorPayload{Type: "service_unavailable", Message: "service unavailable, retry later"}
	case errors.Is(err, paymentdomain.ErrGatewayRejected):
		return http.StatusBadGateway, errorPayload{Type: "gateway_rejected", Message: "payment gateway rejected the request"}
	default:
		return http.StatusInternalServerError, errorPayload{Type: "internal_error", Message: "internal server error"}
	}
}

// classifyErrorForLog returns the error type and a stable code for request
// logs.
func classifyErrorForLog(err error) (string, string) {
	_, payload := mapError(err)
	code := payload.Type
	if payload.ReasonCode != "" {
		code = payload.ReasonCode
	}
	return payload.Type, code
}
