package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	accessdomain "github.com/smallbiznis/examly/internal/access/domain"
	attemptdomain "github.com/smallbiznis/examly/internal/attempt/domain"
	examdomain "github.com/smallbiznis/examly/internal/exam/domain"
	"github.com/smallbiznis/examly/internal/identity"
	invoicedomain "github.com/smallbiznis/examly/internal/invoice/domain"
	paymentdomain "github.com/smallbiznis/examly/internal/payment/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeAccessService struct {
	lastWho  identity.Identity
	checkErr error
	decision accessdomain.Decision
}

func (f *fakeAccessService) Check(ctx context.Context, who identity.Identity, examID int64) (accessdomain.CheckResult, error) {
	f.lastWho = who
	if f.checkErr != nil {
		return accessdomain.CheckResult{}, f.checkErr
	}
	return accessdomain.CheckResult{
		Exam:     examdomain.Exam{ID: examID, ExamType: examdomain.TypeTest},
		Decision: f.decision,
	}, nil
}

func (f *fakeAccessService) StartAttempt(ctx context.Context, who identity.Identity, examID int64) (*attemptdomain.Attempt, error) {
	f.lastWho = who
	if who.IsZero() {
		return nil, accessdomain.ErrIdentityRequired
	}
	return nil, &accessdomain.DeniedError{Reason: accessdomain.ReasonAccessDenied}
}

func (f *fakeAccessService) CompleteAttempt(ctx context.Context, who identity.Identity, attemptID snowflake.ID) (*attemptdomain.Attempt, error) {
	return nil, attemptdomain.ErrAttemptNotFound
}

func (f *fakeAccessService) OpenOral(ctx context.Context, who identity.Identity, examID int64) (accessdomain.OralOpening, error) {
	return accessdomain.OralOpening{Decision: accessdomain.Allow{Kind: accessdomain.KindOralDaily}, Slot: 2}, nil
}

type fakePaymentService struct {
	checkoutErr error
	lastReq     paymentdomain.CheckoutRequest
}

func (f *fakePaymentService) CreateCheckout(ctx context.Context, req paymentdomain.CheckoutRequest) (paymentdomain.CheckoutResult, error) {
	f.lastReq = req
	if f.checkoutErr != nil {
		return paymentdomain.CheckoutResult{}, f.checkoutErr
	}
	return paymentdomain.CheckoutResult{InvoiceID: "inv-1", CheckoutURL: "https://pay.example/c", Amount: 1500000}, nil
}

func (f *fakePaymentService) GetStatus(ctx context.Context, invoiceID string, who identity.Identity) (paymentdomain.StatusResult, error) {
	if invoiceID != "inv-1" {
		return paymentdomain.StatusResult{}, paymentdomain.ErrNotFound
	}
	return paymentdomain.StatusResult{
		Status:        invoicedomain.StatusPaid,
		Kind:          invoicedomain.KindOneTime,
		BelongsToUser: who.Owns(identity.Guest("g-1")),
	}, nil
}

type fakeReconciler struct {
	calls int
}

func (f *fakeReconciler) HandleWebhook(ctx context.Context, contentType string, body []byte) paymentdomain.ReconcileResult {
	f.calls++
	return paymentdomain.ReconcileResult{Outcome: paymentdomain.OutcomeError}
}

func (f *fakeReconciler) Confirm(ctx context.Context, c paymentdomain.Confirmation) (paymentdomain.ReconcileResult, error) {
	return paymentdomain.ReconcileResult{}, nil
}

type testServer struct {
	engine     *gin.Engine
	access     *fakeAccessService
	payments   *fakePaymentService
	reconciler *fakeReconciler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	engine.Use(ErrorHandlingMiddleware())

	ts := &testServer{
		engine:     engine,
		access:     &fakeAccessService{decision: accessdomain.Allow{Kind: accessdomain.KindDaily}},
		payments:   &fakePaymentService{},
		reconciler: &fakeReconciler{},
	}
	NewServer(ServerParams{
		Gin:        engine,
		Log:        zap.NewNop(),
		AccessSvc:  ts.access,
		PaymentSvc: ts.payments,
		Reconciler: ts.reconciler,
	})
	return ts
}

func (ts *testServer) do(method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.engine.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func TestCheckAccessReadsIdentityHeaders(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(http.MethodGet, "/api/access?exam_id=10", nil, map[string]string{HeaderUserID: "7", HeaderGuestSession: "g-1"})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, identity.Identity{UserID: 7, GuestSessionID: "g-1"}, ts.access.lastWho)

	var resp accessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Allowed)
	assert.Equal(t, "daily", resp.Kind)
}

func TestCheckAccessValidation(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/api/access?exam_id=abc", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(http.MethodGet, "/api/access?exam_id=10", nil, map[string]string{HeaderUserID: "-3"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	ts.access.checkErr = examdomain.ErrExamNotFound
	rec = ts.do(http.MethodGet, "/api/access?exam_id=10", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartAttemptDeniedCarriesReasonCode(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(http.MethodPost, "/api/attempts", examRequest{ExamID: 10}, map[string]string{HeaderGuestSession: "g-1"})

	require.Equal(t, http.StatusForbidden, rec.Code)
	payload := decodeError(t, rec)
	assert.Equal(t, "access_denied", payload.Type)
	assert.Equal(t, "ACCESS_DENIED", payload.ReasonCode)
}

func TestStartAttemptWithoutIdentity(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(http.MethodPost, "/api/attempts", examRequest{ExamID: 10}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCompleteAttemptRoutes(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(http.MethodPost, "/api/attempts/not-a-number/complete", nil, map[string]string{HeaderUserID: "7"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(http.MethodPost, "/api/attempts/12345/complete", nil, map[string]string{HeaderUserID: "7"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOpenOral(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(http.MethodPost, "/api/oral/open", examRequest{ExamID: 20}, map[string]string{HeaderUserID: "7"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "oral-daily", resp["kind"])
	assert.Equal(t, float64(2), resp["slot"])
}

func TestCheckoutErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		kind   string
	}{
		{paymentdomain.ErrAuthRequired, http.StatusUnauthorized, "auth_required"},
		{paymentdomain.ErrInvalidInput, http.StatusBadRequest, "invalid_input"},
		{paymentdomain.ErrGatewayUnconfigured, http.StatusServiceUnavailable, "gateway_unconfigured"},
		{paymentdomain.ErrGatewayUnavailable, http.StatusServiceUnavailable, "service_unavailable"},
		{paymentdomain.ErrGatewayRejected, http.StatusBadGateway, "gateway_rejected"},
	}
	for _, tc := range cases {
		ts := newTestServer(t)
		ts.payments.checkoutErr = tc.err
		rec := ts.do(http.MethodPost, "/api/payments/checkout", checkoutRequest{Kind: "subscription", PaymentMethod: "card"}, map[string]string{HeaderUserID: "7"})
		assert.Equal(t, tc.status, rec.Code, tc.err.Error())
		assert.Equal(t, tc.kind, decodeError(t, rec).Type)
	}
}

func TestCheckoutPassesRequest(t *testing.T) {
	ts := newTestServer(t)
	exam := int64(10)
	rec := ts.do(http.MethodPost, "/api/payments/checkout", checkoutRequest{Kind: "one-time", ExamID: &exam, PaymentMethod: "card"}, map[string]string{HeaderGuestSession: "g-1"})

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, invoicedomain.KindOneTime, ts.payments.lastReq.Kind)
	assert.Equal(t, identity.Guest("g-1"), ts.payments.lastReq.Identity)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "inv-1", resp["invoiceId"])
	assert.Equal(t, "https://pay.example/c", resp["checkoutUrl"])
}

func TestPaymentStatus(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/api/payments/status?invoiceId=inv-1", nil, map[string]string{HeaderGuestSession: "g-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "paid", resp["status"])
	assert.Equal(t, true, resp["belongsToUser"])

	rec = ts.do(http.MethodGet, "/api/payments/status?invoiceId=nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(http.MethodGet, "/api/payments/status", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookAlwaysAcknowledges(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/payments/webhook", bytes.NewBufferString("garbage"))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	ts.engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
	assert.Equal(t, 1, ts.reconciler.calls)
}
