package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/examly/internal/clock"
	"github.com/smallbiznis/examly/internal/config"
	obsmetrics "github.com/smallbiznis/examly/internal/observability/metrics"
	"github.com/smallbiznis/examly/internal/observability/tracing"
	paymentdomain "github.com/smallbiznis/examly/internal/payment/domain"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// defaultTokenLifetime applies when the auth response omits expired_at.
const defaultTokenLifetime = 5 * time.Minute

// redirectFields lists where the checkout URL may appear, highest priority
// first. The response shape differs across payment methods.
var redirectFields = []string{"checkout_url", "payment_url", "redirect_url", "url", "pay_url", "link"}

var referenceFields = []string{"uuid", "payment_uuid", "id"}

type Params struct {
	fx.In

	Cfg        config.Config
	Log        *zap.Logger
	Clock      clock.Clock
	HTTPClient *http.Client        `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Client struct {
	cfg        config.GatewayConfig
	log        *zap.Logger
	httpClient *http.Client
	tokens     *TokenCache
	breaker    *gobreaker.CircuitBreaker[any]
	verifier   *Verifier
	paid       map[string]struct{}
	obsMetrics *obsmetrics.Metrics
}

func NewClient(p Params) *Client {
	cfg := p.Cfg.Gateway
	log := p.Log.Named("payment.gateway")

	httpClient := p.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	maxFailures := cfg.BreakerMaxFailure
	if maxFailures == 0 {
		maxFailures = 5
	}
	breaker := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "payment-gateway",
		MaxRequests: 1,
		Timeout:     cfg.BreakerOpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		// Only outages trip the breaker; business rejections are healthy
		// responses.
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, paymentdomain.ErrGatewayUnavailable)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	fields := cfg.SignatureFields
	if len(fields) == 0 {
		fields = []string{"store_id", "invoice_id", "amount", "uuid"}
	}

	paid := map[string]struct{}{}
	statuses := cfg.PaidStatuses
	if len(statuses) == 0 {
		statuses = []string{"paid", "success", "completed", "billing"}
	}
	for _, status := range statuses {
		paid[strings.ToLower(strings.TrimSpace(status))] = struct{}{}
	}

	return &Client{
		cfg:        cfg,
		log:        log,
		httpClient: httpClient,
		tokens:     NewTokenCache(p.Clock),
		breaker:    breaker,
		verifier:   NewVerifier(SortedForm{}, FixedOrder{Fields: fields}),
		paid:       paid,
		obsMetrics: p.ObsMetrics,
	}
}

var _ paymentdomain.Gateway = (*Client)(nil)

func (c *Client) Configured() bool {
	return c.cfg.Configured()
}

func (c *Client) IsPaidStatus(status string) bool {
	_, ok := c.paid[strings.ToLower(strings.TrimSpace(status))]
	return ok
}

func (c *Client) VerifySignature(fields map[string]string) bool {
	scheme, ok := c.verifier.Verify(fields, c.cfg.SigningSecret())
	if ok {
		c.log.Debug("webhook signature verified", zap.String("scheme", scheme))
	}
	return ok
}

type createPaymentBody struct {
	StoreID       string            `json:"store_id"`
	Amount        int64             `json:"amount"`
	InvoiceID     string            `json:"invoice_id"`
	PaymentSystem string            `json:"payment_system"`
	ReturnURL     string            `json:"return_url,omitempty"`
	CallbackURL   string            `json:"callback_url,omitempty"`
	Lang          string            `json:"lang,omitempty"`
	Details       map[string]string `json:"details"`
	BillingID     string            `json:"billing_id,omitempty"`
}

func (c *Client) CreatePayment(ctx context.Context, req paymentdomain.CreatePaymentRequest) (paymentdomain.CreatePaymentResult, error) {
	var result paymentdomain.CreatePaymentResult
	if !c.Configured() {
		return result, paymentdomain.ErrGatewayUnconfigured
	}
	system, ok := c.cfg.Methods[strings.TrimSpace(req.PaymentMethod)]
	if !ok {
		return result, fmt.Errorf("%w: unknown payment method %q", paymentdomain.ErrInvalidInput, req.PaymentMethod)
	}

	body := createPaymentBody{
		StoreID:       c.cfg.StoreID,
		Amount:        req.Amount,
		InvoiceID:     req.InvoiceID,
		PaymentSystem: system,
		ReturnURL:     c.cfg.ReturnURL,
		CallbackURL:   c.cfg.CallbackURL,
		Lang:          c.cfg.Lang,
		Details:       map[string]string{"invoice_id": req.InvoiceID},
	}
	if req.Kind != "" {
		body.BillingID = req.Kind + ":" + req.InvoiceID
	}

	raw, err := c.authorized(ctx, "payment", http.MethodPost, "/payment", body)
	if err != nil {
		return result, err
	}

	doc, err := decodeObject(raw)
	if err != nil {
		return result, fmt.Errorf("%w: %v", paymentdomain.ErrGatewayRejected, err)
	}
	result.CheckoutURL = firstString(doc, redirectFields)
	result.GatewayReference = firstString(doc, referenceFields)
	result.Raw = raw
	if result.CheckoutURL == "" {
		return result, fmt.Errorf("%w: response has no checkout url", paymentdomain.ErrGatewayRejected)
	}
	return result, nil
}

func (c *Client) GetPaymentInfo(ctx context.Context, reference string) (paymentdomain.PaymentInfo, error) {
	var info paymentdomain.PaymentInfo
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return info, paymentdomain.ErrInvalidInput
	}
	if !c.Configured() {
		return info, paymentdomain.ErrGatewayUnconfigured
	}

	raw, err := c.authorized(ctx, "payment_info", http.MethodGet, "/payment/"+url.PathEscape(reference), nil)
	if err != nil {
		return info, err
	}
	doc, err := decodeObject(raw)
	if err != nil {
		return info, fmt.Errorf("%w: %v", paymentdomain.ErrGatewayRejected, err)
	}

	info.Reference = reference
	info.Status = strings.ToLower(firstString(doc, []string{"status", "state"}))
	info.InvoiceID = firstString(doc, []string{"invoice_id"})
	if info.InvoiceID == "" {
		if details, ok := lookup(doc, "details").(map[string]any); ok {
			info.InvoiceID = scalarString(details["invoice_id"])
		}
	}
	if amount, err := strconv.ParseInt(firstString(doc, []string{"amount"}), 10, 64); err == nil {
		info.Amount = amount
	}
	info.Raw = raw
	return info, nil
}

// authorized performs a bearer-authenticated call. A 401 forces one token
// refresh and one retry; a second 401 is final.
func (c *Client) authorized(ctx context.Context, endpoint, method, path string, body any) ([]byte, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	status, raw, err := c.call(ctx, endpoint, method, path, body, token)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized {
		c.log.Info("gateway rejected token, refreshing", zap.String("endpoint", endpoint))
		c.tokens.Invalidate()
		token, err = c.accessToken(ctx)
		if err != nil {
			return nil, err
		}
		status, raw, err = c.call(ctx, endpoint, method, path, body, token)
		if err != nil {
			return nil, err
		}
		if status == http.StatusUnauthorized {
			c.obsMetrics.RecordGatewayRequest(ctx, endpoint, "unauthorized")
			return nil, fmt.Errorf("%w: unauthorized after token refresh", paymentdomain.ErrGatewayRejected)
		}
	}

	if err := classify(status, raw); err != nil {
		c.obsMetrics.RecordGatewayRequest(ctx, endpoint, outcomeOf(err))
		return nil, err
	}
	c.obsMetrics.RecordGatewayRequest(ctx, endpoint, "ok")
	return raw, nil
}

type authBody struct {
	ApplicationID string `json:"application_id"`
	Secret        string `json:"secret"`
}

func (c *Client) accessToken(ctx context.Context) (string, error) {
	if token, ok := c.tokens.Get(); ok {
		return token, nil
	}

	status, raw, err := c.call(ctx, "auth", http.MethodPost, "/auth", authBody{
		ApplicationID: c.cfg.ApplicationID,
		Secret:        c.cfg.Secret,
	}, "")
	if err != nil {
		return "", err
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		c.obsMetrics.RecordGatewayRequest(ctx, "auth", "rejected")
		return "", fmt.Errorf("%w: credentials refused", paymentdomain.ErrGatewayRejected)
	}
	if err := classify(status, raw); err != nil {
		c.obsMetrics.RecordGatewayRequest(ctx, "auth", outcomeOf(err))
		return "", err
	}

	doc, err := decodeObject(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", paymentdomain.ErrGatewayRejected, err)
	}
	token := firstString(doc, []string{"access_token", "token"})
	if token == "" {
		return "", fmt.Errorf("%w: auth response has no token", paymentdomain.ErrGatewayRejected)
	}

	now := c.tokens.clock.Now()
	expiresAt, ok := parseExpiry(lookup(doc, "expired_at"))
	if !ok {
		expiresAt = now.Add(defaultTokenLifetime)
	}
	c.tokens.Set(token, expiresAt)
	c.obsMetrics.RecordGatewayRequest(ctx, "auth", "ok")
	return token, nil
}

// call sends one request through the circuit breaker. Transport failures,
// timeouts and 5xx come back as ErrGatewayUnavailable.
func (c *Client) call(ctx context.Context, endpoint, method, path string, body any, token string) (int, []byte, error) {
	ctx, span := tracing.StartClientSpan(ctx, "gateway "+endpoint,
		attribute.String("gateway.endpoint", endpoint),
		attribute.String("http.method", method),
	)
	status, raw, err := c.do(ctx, endpoint, method, path, body, token)
	if status != 0 {
		span.SetAttributes(attribute.Int("http.status_code", status))
	}
	tracing.End(span, err)
	return status, raw, err
}

func (c *Client) do(ctx context.Context, endpoint, method, path string, body any, token string) (int, []byte, error) {
	type response struct {
		status int
		body   []byte
	}

	out, err := c.breaker.Execute(func() (any, error) {
		var reader io.Reader
		if body != nil {
			payload, err := json.Marshal(body)
			if err != nil {
				return nil, err
			}
			reader = bytes.NewReader(payload)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		tracing.InjectContext(ctx, propagation.HeaderCarrier(req.Header))

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", paymentdomain.ErrGatewayUnavailable, err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, fmt.Errorf("%w: read body: %v", paymentdomain.ErrGatewayUnavailable, err)
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return nil, fmt.Errorf("%w: status %d", paymentdomain.ErrGatewayUnavailable, resp.StatusCode)
		}
		return response{status: resp.StatusCode, body: raw}, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = fmt.Errorf("%w: circuit open", paymentdomain.ErrGatewayUnavailable)
		}
		if errors.Is(err, paymentdomain.ErrGatewayUnavailable) {
			c.log.Warn("gateway unavailable", zap.String("endpoint", endpoint), zap.Error(err))
			c.obsMetrics.RecordGatewayRequest(ctx, endpoint, "unavailable")
		}
		return 0, nil, err
	}
	res := out.(response)
	return res.status, res.body, nil
}

// classify maps a non-5xx response to the error taxonomy. 2xx bodies may
// still carry a business failure.
func classify(status int, raw []byte) error {
	if status >= http.StatusBadRequest {
		return fmt.Errorf("%w: status %d: %s", paymentdomain.ErrGatewayRejected, status, errorMessage(raw))
	}
	doc, err := decodeObject(raw)
	if err != nil {
		return nil
	}
	if success, ok := lookup(doc, "success").(bool); ok && !success {
		return fmt.Errorf("%w: %s", paymentdomain.ErrGatewayRejected, errorMessage(raw))
	}
	if message, failed := errorField(doc["error"]); failed {
		if message == "" {
			message = errorMessage(raw)
		}
		return fmt.Errorf("%w: %s", paymentdomain.ErrGatewayRejected, message)
	}
	return nil
}

// errorField reads the "error" member of a 2xx body. Only true or a message
// string marks a failure; numbers, false and null placeholders do not.
func errorField(v any) (string, bool) {
	switch t := v.(type) {
	case bool:
		return "", t
	case string:
		message := strings.TrimSpace(t)
		switch strings.ToLower(message) {
		case "", "null", "false", "0":
			return "", false
		}
		return message, true
	default:
		return "", false
	}
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, paymentdomain.ErrGatewayUnavailable):
		return "unavailable"
	case errors.Is(err, paymentdomain.ErrGatewayRejected):
		return "rejected"
	default:
		return "error"
	}
}

func errorMessage(raw []byte) string {
	doc, err := decodeObject(raw)
	if err != nil {
		return "gateway_request_failed"
	}
	if message := firstString(doc, []string{"message", "error", "detail"}); message != "" {
		return message
	}
	if nested, ok := doc["error"].(map[string]any); ok {
		if message := scalarString(nested["message"]); message != "" {
			return message
		}
	}
	return "gateway_request_failed"
}
