package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	billingdomain "github.com/smallbiznis/meterly/internal/billing/domain"
	billingrepo "github.com/smallbiznis/meterly/internal/billing/repository"
	billingservice "github.com/smallbiznis/meterly/internal/billing/service"
	"github.com/smallbiznis/meterly/internal/clock"
	"github.com/smallbiznis/meterly/internal/config"
	"github.com/smallbiznis/meterly/internal/migration/migrationtest"
	"github.com/smallbiznis/meterly/internal/observability"
	operationrepo "github.com/smallbiznis/meterly/internal/operation/repository"
	operationservice "github.com/smallbiznis/meterly/internal/operation/service"
	paymentdomain "github.com/smallbiznis/meterly/internal/payment/domain"
	"github.com/smallbiznis/meterly/internal/payment/gateway/fake"
	"github.com/smallbiznis/meterly/internal/payment/reconciler"
	"github.com/smallbiznis/meterly/internal/pricing"
	"github.com/smallbiznis/meterly/internal/ratelimit"
	subscriptiondomain "github.com/smallbiznis/meterly/internal/subscription/domain"
	subscriptionrepo "github.com/smallbiznis/meterly/internal/subscription/repository"
	subscriptionservice "github.com/smallbiznis/meterly/internal/subscription/service"
	userrepo "github.com/smallbiznis/meterly/internal/user/repository"
	userservice "github.com/smallbiznis/meterly/internal/user/service"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	db      *gorm.DB
	clock   *clock.FakeClock
	gateway *fake.Gateway
	server  *Server
}

func newTestServer(t *testing.T, limiter *ratelimit.OperationLimiter) *testServer {
	t.Helper()

	node, err := snowflake.NewNode(9)
	require.NoError(t, err)

	db := migrationtest.OpenDB(t)
	fc := clock.NewFakeClock(time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC))
	gw := fake.New()
	log := zap.NewNop()
	catalog := pricing.DefaultCatalog()

	users := userservice.NewService(userservice.Params{
		DB: db, Log: log, GenID: node, Clock: fc, Repo: userrepo.Provide(), Gateway: gw,
	})
	billing := billingservice.NewService(billingservice.Params{
		DB: db, Log: log, GenID: node, Clock: fc, Catalog: catalog,
		Repo: billingrepo.Provide(), Operations: operationrepo.Provide(), Users: userrepo.Provide(), Gateway: gw,
	})
	subs := subscriptionservice.NewService(subscriptionservice.Params{
		DB: db, Log: log, GenID: node, Clock: fc, Catalog: catalog,
		Repo: subscriptionrepo.Provide(), UserRepo: userrepo.Provide(), Billing: billing,
	})
	ops := operationservice.NewService(operationservice.Params{
		DB: db, Log: log, GenID: node, Clock: fc, Catalog: catalog,
		Repo: operationrepo.Provide(), Subscriptions: subs,
	})
	rec := reconciler.NewService(reconciler.Params{
		Log: log, Gateway: gw, Billing: billing, Subscriptions: subs, Users: users, Catalog: catalog,
	})

	engine := NewEngine(observability.Config{Environment: "test"})
	srv := NewServer(ServerParams{
		Gin:             engine,
		Cfg:             config.Config{},
		Clock:           fc,
		UserSvc:         users,
		SubscriptionSvc: subs,
		OperationSvc:    ops,
		BillingSvc:      billing,
		Reconciler:      rec,
		OperationLimit:  limiter,
	})
	return &testServer{db: db, clock: fc, gateway: gw, server: srv}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch v := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(v)
	default:
		raw, err := json.Marshal(v)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	ts.server.Engine().ServeHTTP(rec, req)
	return rec
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *errorPayload   `json:"error"`
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var out envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (ts *testServer) signup(t *testing.T, name string) string {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/users", map[string]string{
		"email":    name + "@example.com",
		"username": name,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var user struct {
		ID snowflake.ID `json:"id"`
	}
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &user))
	return user.ID.String()
}

func (ts *testServer) subscribe(t *testing.T, userID, tier string) {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/users/"+userID+"/subscriptions", map[string]string{"tier": tier})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestSignup(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.signup(t, "alice")
	require.Len(t, ts.gateway.Customers, 1)

	rec := ts.do(t, http.MethodPost, "/api/users", map[string]string{"email": "alice@example.com", "username": "alice"})
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/users", map[string]string{"email": "not-an-email", "username": "bob"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "invalid_email", decode(t, rec).Error.Errors[0].Code)
}

func TestSignupSucceedsWhenGatewayFails(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.gateway.CustomerErr = paymentdomain.ErrExternalService
	ts.signup(t, "carol")
}

func TestSubscriptionAndUsage(t *testing.T) {
	ts := newTestServer(t, nil)
	userID := ts.signup(t, "dave")

	rec := ts.do(t, http.MethodGet, "/api/users/"+userID+"/usage", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "no_active_subscription", decode(t, rec).Error.Type)

	rec = ts.do(t, http.MethodPost, "/api/users/"+userID+"/subscriptions", map[string]string{"tier": "platinum"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "invalid_tier", decode(t, rec).Error.Errors[0].Code)

	ts.subscribe(t, userID, "starter")

	rec = ts.do(t, http.MethodGet, "/api/users/"+userID+"/usage", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var usage subscriptiondomain.Usage
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &usage))
	require.Equal(t, 100, usage.Limit)
	require.Equal(t, 100, usage.Remaining)

	rec = ts.do(t, http.MethodPatch, "/api/users/"+userID+"/subscription", map[string]string{"tier": "team"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodPost, "/api/users/"+userID+"/subscription/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodPost, "/api/users/"+userID+"/subscription/cancel", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/users/abc/usage", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExecuteOperationStatusMapping(t *testing.T) {
	ts := newTestServer(t, nil)
	userID := ts.signup(t, "erin")
	path := "/api/users/" + userID + "/operations"

	rec := ts.do(t, http.MethodPost, path, map[string]string{"operation_type": "market_research", "query": "coffee"})
	require.Equal(t, http.StatusNotFound, rec.Code)

	ts.subscribe(t, userID, "starter")

	rec = ts.do(t, http.MethodPost, path, map[string]string{"operation_type": "market_research", "query": "coffee"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var op struct {
		ID     snowflake.ID `json:"id"`
		Status string       `json:"status"`
	}
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &op))
	require.Equal(t, "completed", op.Status)

	rec = ts.do(t, http.MethodGet, path+"/"+op.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = ts.do(t, http.MethodGet, path+"/12345", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodPost, path, map[string]string{"operation_type": "fortune_telling", "query": "q"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "unsupported_operation_type", decode(t, rec).Error.Errors[0].Code)

	rec = ts.do(t, http.MethodPost, path, map[string]string{"operation_type": "market_research", "query": ""})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &op))
	require.Equal(t, "failed", op.Status)

	require.NoError(t, ts.db.Exec(`UPDATE subscriptions SET operations_used_this_month = operations_limit`).Error)
	rec = ts.do(t, http.MethodPost, path, map[string]string{"operation_type": "market_research", "query": "coffee"})
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	payload := decode(t, rec).Error
	require.Equal(t, "quota_exceeded", payload.Type)
	require.Equal(t, "starter", payload.Tier)
	require.Equal(t, 100, *payload.Used)
	require.Equal(t, 100, *payload.Limit)

	rec = ts.do(t, http.MethodGet, path+"?page_size=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = ts.do(t, http.MethodGet, path+"/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestBillPeriodAndHistory(t *testing.T) {
	ts := newTestServer(t, nil)
	userID := ts.signup(t, "frank")
	ts.subscribe(t, userID, "starter")

	for i := 0; i < 3; i++ {
		rec := ts.do(t, http.MethodPost, "/api/users/"+userID+"/operations", map[string]string{"operation_type": "strategic_analysis", "query": "q"})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	start := ts.clock.Now().Add(-time.Hour)
	end := ts.clock.Now().Add(time.Hour)
	body := map[string]time.Time{"period_start": start, "period_end": end}

	rec := ts.do(t, http.MethodPost, "/api/users/"+userID+"/billing/periods", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var record billingdomain.BillingRecord
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &record))
	require.True(t, record.Amount.Equal(decimal.RequireFromString("0.24")), "amount %s", record.Amount)

	rec = ts.do(t, http.MethodPost, "/api/users/"+userID+"/billing/periods", body)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "null", string(decode(t, rec).Data))

	rec = ts.do(t, http.MethodPost, "/api/users/"+userID+"/billing/periods", map[string]time.Time{"period_start": end, "period_end": start})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/users/"+userID+"/billing/records?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var records []billingdomain.BillingRecord
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &records))
	require.Len(t, records, 1)

	rec = ts.do(t, http.MethodGet, "/api/users/"+userID+"/billing/summary", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestStripeWebhook(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/webhooks/stripe", []byte(`{}`), stripeSignatureHeader, "bogus")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "invalid_signature", decode(t, rec).Error.Errors[0].Code)

	ts.gateway.Events["empty"] = nil
	rec = ts.do(t, http.MethodPost, "/webhooks/stripe", []byte(`{}`), stripeSignatureHeader, "empty")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	ts.gateway.Events["ok"] = &paymentdomain.Event{
		ID:   "evt_1",
		Kind: paymentdomain.EventInvoicePaymentSucceeded,
		Invoice: &paymentdomain.InvoicePayload{
			ID:         "in_1",
			CustomerID: "cus_unknown",
			AmountPaid: decimal.RequireFromString("29.00"),
			Currency:   "usd",
		},
	}
	rec = ts.do(t, http.MethodPost, "/webhooks/stripe", []byte(`{}`), stripeSignatureHeader, "ok")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestStripeWebhookRejectsOversizeBody(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.gateway.Events["ok"] = &paymentdomain.Event{
		ID:   "evt_big",
		Kind: paymentdomain.EventInvoicePaymentSucceeded,
		Invoice: &paymentdomain.InvoicePayload{
			ID:         "in_big",
			CustomerID: "cus_unknown",
			AmountPaid: decimal.RequireFromString("29.00"),
			Currency:   "usd",
		},
	}

	oversize := bytes.Repeat([]byte("a"), maxWebhookBytes+1)
	rec := ts.do(t, http.MethodPost, "/webhooks/stripe", oversize, stripeSignatureHeader, "ok")
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code, rec.Body.String())
	require.Equal(t, "payload_too_large", decode(t, rec).Error.Type)

	atLimit := bytes.Repeat([]byte("a"), maxWebhookBytes)
	rec = ts.do(t, http.MethodPost, "/webhooks/stripe", atLimit, stripeSignatureHeader, "ok")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestOperationRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	limiter := ratelimit.NewOperationLimiter(config.Config{
		RateLimit: config.RateLimitConfig{Enabled: true, OperationRate: 0.01, OperationBurst: 1},
	}, client, zap.NewNop())
	require.True(t, limiter.Enabled())

	ts := newTestServer(t, limiter)
	userID := ts.signup(t, "grace")
	ts.subscribe(t, userID, "starter")

	path := "/api/users/" + userID + "/operations"
	rec := ts.do(t, http.MethodPost, path, map[string]string{"operation_type": "market_research", "query": "q"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, path, map[string]string{"operation_type": "market_research", "query": "q"})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotEmpty(t, rec.Header().Get("Retry-After"))
	require.Equal(t, rateLimitReasonUserRate, rec.Header().Get("X-Rate-Limited-Reason"))
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestMapError(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{billingdomain.ErrConsistencyFault, http.StatusConflict},
		{fmt.Errorf("bill: %w", billingdomain.ErrInvalidPeriod), http.StatusBadRequest},
		{paymentdomain.ErrGatewayDisabled, http.StatusServiceUnavailable},
		{paymentdomain.ErrExternalService, http.StatusBadGateway},
		{subscriptiondomain.ErrNoActiveSubscription, http.StatusNotFound},
		{ErrRateLimited, http.StatusTooManyRequests},
		{ErrPayloadTooLarge, http.StatusRequestEntityTooLarge},
		{errors.New("boom"), http.StatusInternalServerError},
		{fmt.Errorf("consume: %w", &subscriptiondomain.QuotaExceededError{Tier: pricing.TierTeam, Used: 500, Limit: 500}), http.StatusPaymentRequired},
	}
	for _, tc := range cases {
		status, _ := mapError(tc.err)
		require.Equal(t, tc.want, status, "error %v", tc.err)
	}

	kind, code := classifyErrorForLog(errors.New("boom"))
	require.Equal(t, "server", kind)
	require.Equal(t, "internal_error", code)
}
