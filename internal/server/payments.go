package server

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	invoicedomain "github.com/smallbiznis/examly/internal/invoice/domain"
	paymentdomain "github.com/smallbiznis/examly/internal/payment/domain"
	"go.uber.org/zap"
)

const maxWebhookBody = 1 << 20

type checkoutRequest struct {
	Kind          string `json:"kind"`
	ExamID        *int64 `json:"exam_id"`
	PaymentMethod string `json:"payment_method"`
}

func (s *Server) CreateCheckout(c *gin.Context) {
	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	result, err := s.paymentSvc.CreateCheckout(c.Request.Context(), paymentdomain.CheckoutRequest{
		Kind:          invoicedomain.Kind(strings.TrimSpace(req.Kind)),
		ExamID:        req.ExamID,
		PaymentMethod: req.PaymentMethod,
		Identity:      callerIdentity(c),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.Set("invoice_id", result.InvoiceID)
	c.JSON(http.StatusCreated, result)
}

func (s *Server) GetPaymentStatus(c *gin.Context) {
	invoiceID := strings.TrimSpace(c.Query("invoiceId"))
	if invoiceID == "" {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	c.Set("invoice_id", invoiceID)

	result, err := s.paymentSvc.GetStatus(c.Request.Context(), invoiceID, callerIdentity(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// HandlePaymentWebhook always acknowledges so the gateway stops retrying;
// outcomes are only logged and counted.
func (s *Server) HandlePaymentWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		s.log.Warn("read webhook body", zap.Error(err))
		c.String(http.StatusOK, "ok")
		return
	}

	result := s.reconciler.HandleWebhook(c.Request.Context(), c.ContentType(), payload)
	if result.InvoiceID != "" {
		c.Set("invoice_id", result.InvoiceID)
	}
	c.String(http.StatusOK, "ok")
}
