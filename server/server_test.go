package server

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"paygate/gateway/auth"
	"paygate/gateway/middleware"
	"paygate/intent"
	"paygate/models"
	"paygate/settlement"
	"paygate/webhook"
)

var settlementSecret = []byte("test-settlement-secret")

type harness struct {
	db       *gorm.DB
	handler  http.Handler
	merchant models.Merchant
	nonce    int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	merchant := models.Merchant{
		ID:            uuid.New(),
		Name:          "Acme Labs",
		APIKey:        "ak_live_test",
		APISecret:     "sk_live_test",
		WebhookSecret: "whsec_test",
		WalletAddress: "0xMERCHANT",
		CreatedAt:     time.Now().UTC(),
	}
	if err := db.Create(&merchant).Error; err != nil {
		t.Fatalf("seed merchant: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := intent.NewEngine(db, intent.Config{DefaultChainID: 1, MinConfirmations: 3}, logger)
	dispatcher := webhook.NewDispatcher(db, logger)
	engine.SetWake(dispatcher.Wake)
	watcher := settlement.NewWatcher(db, engine, logger)

	lookup := func(apiKey string) (auth.Credentials, bool) {
		var m models.Merchant
		if err := db.Where("api_key = ?", apiKey).First(&m).Error; err != nil {
			return auth.Credentials{}, false
		}
		return auth.Credentials{MerchantID: m.ID, APISecret: m.APISecret}, true
	}

	srv := New(Config{
		DB:            db,
		Engine:        engine,
		Watcher:       watcher,
		Dispatcher:    dispatcher,
		Authenticator: auth.NewAuthenticator(lookup, time.Minute, time.Hour, nil),
		Bearer:        middleware.NewBearerAuth(settlementSecret),
		Logger:        logger,
	})
	return &harness{db: db, handler: srv.Handler(), merchant: merchant}
}

func (h *harness) signedRequest(t *testing.T, method, target string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	h.nonce++
	nonce := fmt.Sprintf("nonce-%d", h.nonce)
	timestamp := fmt.Sprintf("%d", time.Now().Unix())
	sig := auth.ComputeSignature(h.merchant.APISecret, timestamp, nonce, method, auth.CanonicalRequestPath(req), body)
	req.Header.Set(auth.HeaderAPIKey, h.merchant.APIKey)
	req.Header.Set(auth.HeaderTimestamp, timestamp)
	req.Header.Set(auth.HeaderNonce, nonce)
	req.Header.Set(auth.HeaderSignature, hex.EncodeToString(sig))

	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func (h *harness) settlementToken(t *testing.T, scopes ...string) string {
	t.Helper()
	claims := middleware.IngressClaims{
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "chain-watcher",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &claims).SignedString(settlementSecret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func (h *harness) ingest(t *testing.T, token string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/internal/settlements", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func (h *harness) createIntent(t *testing.T, body string, idempotencyKey string) models.PaymentIntent {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/intents", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	h.nonce++
	nonce := fmt.Sprintf("nonce-%d", h.nonce)
	timestamp := fmt.Sprintf("%d", time.Now().Unix())
	sig := auth.ComputeSignature(h.merchant.APISecret, timestamp, nonce, http.MethodPost, auth.CanonicalRequestPath(req), []byte(body))
	req.Header.Set(auth.HeaderAPIKey, h.merchant.APIKey)
	req.Header.Set(auth.HeaderTimestamp, timestamp)
	req.Header.Set(auth.HeaderNonce, nonce)
	req.Header.Set(auth.HeaderSignature, hex.EncodeToString(sig))

	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated && rec.Code != http.StatusOK {
		t.Fatalf("create intent returned %d: %s", rec.Code, rec.Body.String())
	}
	var pi models.PaymentIntent
	if err := json.Unmarshal(rec.Body.Bytes(), &pi); err != nil {
		t.Fatalf("unmarshal intent: %v", err)
	}
	return pi
}

func TestCreateAndGetIntent(t *testing.T) {
	h := newHarness(t)

	pi := h.createIntent(t, `{"amount":"125.00","currency":"USD","settlementCurrency":"USDC","expiresInMinutes":30}`, "")
	if pi.Status != models.StatusCreated {
		t.Fatalf("intent status %s", pi.Status)
	}

	rec := h.signedRequest(t, http.MethodGet, "/v1/intents/"+pi.ID.String(), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get intent returned %d: %s", rec.Code, rec.Body.String())
	}
	var got models.PaymentIntent
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ID != pi.ID || got.Amount != "125.00" {
		t.Fatalf("unexpected intent: %+v", got)
	}
}

func TestCreateIntentRejectsUnauthenticated(t *testing.T) {
	h := newHarness(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/intents", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestCreateIntentValidationError(t *testing.T) {
	h := newHarness(t)

	rec := h.signedRequest(t, http.MethodPost, "/v1/intents", []byte(`{"amount":"-4","currency":"USD","settlementCurrency":"USDC"}`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	var apiErr struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &apiErr); err != nil {
		t.Fatalf("unmarshal error body: %v", err)
	}
	if apiErr.Error != "invalid_request" || apiErr.Message == "" {
		t.Fatalf("unexpected error shape: %+v", apiErr)
	}
}

func TestCreateIntentIdempotencyConflict(t *testing.T) {
	h := newHarness(t)

	h.createIntent(t, `{"amount":"10","currency":"USD","settlementCurrency":"USDC"}`, "order-1")

	req := httptest.NewRequest(http.MethodPost, "/v1/intents", strings.NewReader(`{"amount":"11","currency":"USD","settlementCurrency":"USDC"}`))
	req.Header.Set("Idempotency-Key", "order-1")
	h.nonce++
	nonce := fmt.Sprintf("nonce-x%d", h.nonce)
	timestamp := fmt.Sprintf("%d", time.Now().Unix())
	body := []byte(`{"amount":"11","currency":"USD","settlementCurrency":"USDC"}`)
	sig := auth.ComputeSignature(h.merchant.APISecret, timestamp, nonce, http.MethodPost, auth.CanonicalRequestPath(req), body)
	req.Header.Set(auth.HeaderAPIKey, h.merchant.APIKey)
	req.Header.Set(auth.HeaderTimestamp, timestamp)
	req.Header.Set(auth.HeaderNonce, nonce)
	req.Header.Set(auth.HeaderSignature, hex.EncodeToString(sig))
	rec2 := httptest.NewRecorder()
	h.handler.ServeHTTP(rec2, req)
	if rec2.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec2.Code, rec2.Body.String())
	}
}

func TestSettlementIngestConfirmsIntent(t *testing.T) {
	h := newHarness(t)

	pi := h.createIntent(t, `{"amount":"50","currency":"USD","settlementCurrency":"USDC"}`, "")
	confirmation := fmt.Sprintf(`{"chainId":1,"txHash":"0xabc","payerWallet":"0xpayer","asset":"USDC","observedAmount":"50","reference":"PAY:%s","confirmations":12}`, strings.ToUpper(pi.ID.String()))

	rec := h.ingest(t, h.settlementToken(t, middleware.ScopeSettlementWrite), []byte(confirmation))
	if rec.Code != http.StatusOK {
		t.Fatalf("ingest returned %d: %s", rec.Code, rec.Body.String())
	}
	var out map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["disposition"] != string(settlement.DispositionConfirmed) {
		t.Fatalf("disposition %q", out["disposition"])
	}

	var reloaded models.PaymentIntent
	if err := h.db.First(&reloaded, "id = ?", pi.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Status != models.StatusConfirmed {
		t.Fatalf("status %s", reloaded.Status)
	}
}

func TestSettlementIngestRequiresScope(t *testing.T) {
	h := newHarness(t)

	if rec := h.ingest(t, "", []byte(`{}`)); rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: expected 401, got %d", rec.Code)
	}
	if rec := h.ingest(t, h.settlementToken(t, "reports:read"), []byte(`{}`)); rec.Code != http.StatusForbidden {
		t.Fatalf("wrong scope: expected 403, got %d", rec.Code)
	}
}

func TestRefundFlow(t *testing.T) {
	h := newHarness(t)

	pi := h.createIntent(t, `{"amount":"50","currency":"USD","settlementCurrency":"USDC"}`, "")

	// Refund before confirmation is a state conflict.
	rec := h.signedRequest(t, http.MethodPost, "/v1/intents/"+pi.ID.String()+"/refund", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("early refund: expected 409, got %d", rec.Code)
	}

	confirmation := fmt.Sprintf(`{"chainId":1,"txHash":"0xabc","asset":"USDC","observedAmount":"50","reference":"PAY:%s","confirmations":12}`, strings.ToUpper(pi.ID.String()))
	if rec := h.ingest(t, h.settlementToken(t, middleware.ScopeSettlementWrite), []byte(confirmation)); rec.Code != http.StatusOK {
		t.Fatalf("ingest returned %d", rec.Code)
	}

	rec = h.signedRequest(t, http.MethodPost, "/v1/intents/"+pi.ID.String()+"/refund", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("refund returned %d: %s", rec.Code, rec.Body.String())
	}
	var refunded models.PaymentIntent
	if err := json.Unmarshal(rec.Body.Bytes(), &refunded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if refunded.Status != models.StatusRefunded {
		t.Fatalf("status %s", refunded.Status)
	}

	// Unknown intent is a 404.
	rec = h.signedRequest(t, http.MethodPost, "/v1/intents/"+uuid.NewString()+"/refund", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown intent: expected 404, got %d", rec.Code)
	}
}

func TestWebhookRegistrationAndListing(t *testing.T) {
	h := newHarness(t)

	rec := h.signedRequest(t, http.MethodPost, "/v1/webhooks", []byte(`{"eventType":"payment.succeeded","url":"https://example.com/hooks"}`))
	if rec.Code != http.StatusCreated {
		t.Fatalf("register returned %d: %s", rec.Code, rec.Body.String())
	}
	var endpoint models.WebhookEndpoint
	if err := json.Unmarshal(rec.Body.Bytes(), &endpoint); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if endpoint.RateLimit != webhook.DefaultRateLimit || !endpoint.Active {
		t.Fatalf("defaults not applied: %+v", endpoint)
	}

	rec = h.signedRequest(t, http.MethodPost, "/v1/webhooks", []byte(`{"eventType":"payment.imaginary","url":"https://example.com/hooks"}`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown event type: expected 400, got %d", rec.Code)
	}
	rec = h.signedRequest(t, http.MethodPost, "/v1/webhooks", []byte(`{"eventType":"payment.succeeded","url":"ftp://example.com"}`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad scheme: expected 400, got %d", rec.Code)
	}

	rec = h.signedRequest(t, http.MethodGet, "/v1/webhooks", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list returned %d", rec.Code)
	}
	var endpoints []models.WebhookEndpoint
	if err := json.Unmarshal(rec.Body.Bytes(), &endpoints); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(endpoints) != 1 || endpoints[0].ID != endpoint.ID {
		t.Fatalf("unexpected listing: %+v", endpoints)
	}
}

func TestEventLogPagination(t *testing.T) {
	h := newHarness(t)

	for i := 0; i < 3; i++ {
		h.createIntent(t, `{"amount":"10","currency":"USD","settlementCurrency":"USDC"}`, "")
	}

	rec := h.signedRequest(t, http.MethodGet, "/v1/events?after=0&limit=2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list events returned %d: %s", rec.Code, rec.Body.String())
	}
	var page struct {
		Events     []models.Event `json:"events"`
		NextCursor int64          `json:"nextCursor"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(page.Events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(page.Events))
	}
	if page.NextCursor != page.Events[1].Sequence {
		t.Fatalf("cursor %d, want %d", page.NextCursor, page.Events[1].Sequence)
	}

	rec = h.signedRequest(t, http.MethodGet, fmt.Sprintf("/v1/events?after=%d&limit=10", page.NextCursor), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("second page returned %d", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(page.Events) != 1 {
		t.Fatalf("expected 1 remaining event, got %d", len(page.Events))
	}

	rec = h.signedRequest(t, http.MethodGet, "/v1/events?after=oops", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad cursor: expected 400, got %d", rec.Code)
	}
}

func TestRedeliverEndpoint(t *testing.T) {
	h := newHarness(t)

	endpoint := models.WebhookEndpoint{
		ID: uuid.New(), MerchantID: h.merchant.ID, EventType: "payment.confirmed",
		URL: "https://example.com/hooks", RateLimit: 60, Active: true,
	}
	if err := h.db.Create(&endpoint).Error; err != nil {
		t.Fatalf("seed endpoint: %v", err)
	}
	delivery := models.WebhookDelivery{
		ID: uuid.New(), EndpointID: endpoint.ID, MerchantID: h.merchant.ID,
		IntentID: uuid.New(), EventSequence: 1, Status: models.DeliveryDead,
		Attempts: 8, LastError: "502 Bad Gateway",
	}
	if err := h.db.Create(&delivery).Error; err != nil {
		t.Fatalf("seed delivery: %v", err)
	}

	rec := h.signedRequest(t, http.MethodPost, "/v1/webhooks/deliveries/"+delivery.ID.String()+"/redeliver", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("redeliver returned %d: %s", rec.Code, rec.Body.String())
	}

	var reloaded models.WebhookDelivery
	if err := h.db.First(&reloaded, "id = ?", delivery.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Status != models.DeliveryPending || reloaded.Attempts != 0 {
		t.Fatalf("row not reset: %+v", reloaded)
	}

	rec = h.signedRequest(t, http.MethodPost, "/v1/webhooks/deliveries/"+uuid.NewString()+"/redeliver", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown delivery: expected 404, got %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	h := newHarness(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz returned %d", rec.Code)
	}
}
