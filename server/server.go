package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"paygate/gateway/auth"
	"paygate/gateway/middleware"
	"paygate/intent"
	"paygate/models"
	"paygate/settlement"
	"paygate/webhook"
)

type principalContextKey struct{}

// Config captures the dependencies required to construct the server.
type Config struct {
	DB            *gorm.DB
	Engine        *intent.Engine
	Watcher       *settlement.Watcher
	Dispatcher    *webhook.Dispatcher
	Authenticator *auth.Authenticator
	Bearer        *middleware.BearerAuth
	RateLimiter   *middleware.RateLimiter
	Logger        *slog.Logger
}

// Server exposes the merchant API and internal settlement ingress.
type Server struct {
	db         *gorm.DB
	engine     *intent.Engine
	watcher    *settlement.Watcher
	dispatcher *webhook.Dispatcher
	authn      *auth.Authenticator
	bearer     *middleware.BearerAuth
	limiter    *middleware.RateLimiter
	logger     *slog.Logger
	now        func() time.Time

	router http.Handler
}

// New constructs a configured HTTP router.
func New(cfg Config) *Server {
	if cfg.DB == nil || cfg.Engine == nil || cfg.Watcher == nil || cfg.Dispatcher == nil {
		panic("server: db, engine, watcher, and dispatcher are required")
	}
	if cfg.Authenticator == nil || cfg.Bearer == nil {
		panic("server: authenticator and bearer auth are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		db:         cfg.DB,
		engine:     cfg.Engine,
		watcher:    cfg.Watcher,
		dispatcher: cfg.Dispatcher,
		authn:      cfg.Authenticator,
		bearer:     cfg.Bearer,
		limiter:    cfg.RateLimiter,
		logger:     logger,
		now:        time.Now,
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler { return s.router }

// SetNowFunc overrides the server clock for tests.
func (s *Server) SetNowFunc(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.Healthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Use(s.merchantAuth)
		if s.limiter != nil {
			api.With(s.limiter.Middleware("intents")).Post("/intents", s.CreateIntent)
		} else {
			api.Post("/intents", s.CreateIntent)
		}
		api.Get("/intents/{id}", s.GetIntent)
		api.Post("/intents/{id}/refund", s.RefundIntent)
		api.Post("/webhooks", s.CreateWebhook)
		api.Get("/webhooks", s.ListWebhooks)
		api.Post("/webhooks/deliveries/{id}/redeliver", s.Redeliver)
		api.Get("/events", s.ListEvents)
	})

	r.Route("/internal", func(internal chi.Router) {
		internal.Use(s.bearer.Require(middleware.ScopeSettlementWrite))
		internal.Post("/settlements", s.IngestSettlement)
	})

	return r
}

// merchantAuth verifies the HMAC request signature and stashes the caller.
func (s *Server) merchantAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, int64(auth.MaxBodyForSignature)+1))
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid_request", "unable to read request body", nil)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		principal, err := s.authn.Authenticate(r, body)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, "unauthorized", err.Error(), nil)
			return
		}
		ctx := context.WithValue(r.Context(), principalContextKey{}, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func principalFrom(ctx context.Context) (*auth.Principal, bool) {
	p, ok := ctx.Value(principalContextKey{}).(*auth.Principal)
	return p, ok
}

// CreateIntent opens a new payment intent, deduplicated by Idempotency-Key.
func (s *Server) CreateIntent(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFrom(r.Context())
	if !ok {
		s.writeError(w, http.StatusUnauthorized, "unauthorized", "missing identity", nil)
		return
	}

	var req struct {
		Amount             string `json:"amount"`
		Currency           string `json:"currency"`
		SettlementCurrency string `json:"settlementCurrency"`
		ExpiresInMinutes   *int   `json:"expiresInMinutes"`
		IsTest             bool   `json:"isTest"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body", nil)
		return
	}

	created, existing, err := s.engine.CreateIntent(r.Context(), intent.CreateRequest{
		MerchantID:         principal.MerchantID,
		Amount:             strings.TrimSpace(req.Amount),
		Currency:           strings.TrimSpace(req.Currency),
		SettlementCurrency: req.SettlementCurrency,
		IdempotencyKey:     strings.TrimSpace(r.Header.Get("Idempotency-Key")),
		ExpiresInMinutes:   req.ExpiresInMinutes,
		IsTest:             req.IsTest,
	})
	if err != nil {
		switch {
		case errors.Is(err, intent.ErrValidation):
			s.writeError(w, http.StatusBadRequest, "invalid_request", err.Error(), nil)
		case errors.Is(err, intent.ErrIdempotencyConflict):
			s.writeError(w, http.StatusConflict, "idempotency_conflict", "idempotency key reused with a different payload", nil)
		case errors.Is(err, intent.ErrClaimPending):
			s.writeError(w, http.StatusConflict, "idempotency_in_flight", "an identical request is still being processed", nil)
		default:
			s.logger.Error("create intent failed", "error", err)
			s.writeError(w, http.StatusInternalServerError, "internal", "failed to create intent", nil)
		}
		return
	}

	status := http.StatusCreated
	if existing {
		status = http.StatusOK
	}
	s.writeJSON(w, status, created)
}

// GetIntent returns the caller's intent snapshot.
func (s *Server) GetIntent(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFrom(r.Context())
	if !ok {
		s.writeError(w, http.StatusUnauthorized, "unauthorized", "missing identity", nil)
		return
	}
	intentID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "invalid intent id", nil)
		return
	}

	pi, err := s.engine.GetIntent(r.Context(), principal.MerchantID, intentID)
	if err != nil {
		if errors.Is(err, intent.ErrIntentNotFound) {
			s.writeError(w, http.StatusNotFound, "not_found", "intent not found", nil)
			return
		}
		s.logger.Error("load intent failed", "error", err, "intent", intentID)
		s.writeError(w, http.StatusInternalServerError, "internal", "failed to load intent", nil)
		return
	}
	s.writeJSON(w, http.StatusOK, pi)
}

// RefundIntent moves a confirmed intent to refunded.
func (s *Server) RefundIntent(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFrom(r.Context())
	if !ok {
		s.writeError(w, http.StatusUnauthorized, "unauthorized", "missing identity", nil)
		return
	}
	intentID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "invalid intent id", nil)
		return
	}

	// Ownership check before transition; the engine is merchant-agnostic.
	if _, err := s.engine.GetIntent(r.Context(), principal.MerchantID, intentID); err != nil {
		if errors.Is(err, intent.ErrIntentNotFound) {
			s.writeError(w, http.StatusNotFound, "not_found", "intent not found", nil)
			return
		}
		s.logger.Error("load intent failed", "error", err, "intent", intentID)
		s.writeError(w, http.StatusInternalServerError, "internal", "failed to load intent", nil)
		return
	}

	pi, err := s.engine.ApplyTransition(r.Context(), intentID, intent.EventRefund, intent.TransitionDetail{})
	if err != nil {
		switch {
		case errors.Is(err, intent.ErrStateConflict):
			s.writeError(w, http.StatusConflict, "state_conflict", "intent is not refundable in its current state", nil)
		case errors.Is(err, intent.ErrIntentNotFound):
			s.writeError(w, http.StatusNotFound, "not_found", "intent not found", nil)
		default:
			s.logger.Error("refund failed", "error", err, "intent", intentID)
			s.writeError(w, http.StatusInternalServerError, "internal", "failed to refund intent", nil)
		}
		return
	}
	s.writeJSON(w, http.StatusOK, pi)
}

// CreateWebhook registers a delivery endpoint for one event type.
func (s *Server) CreateWebhook(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFrom(r.Context())
	if !ok {
		s.writeError(w, http.StatusUnauthorized, "unauthorized", "missing identity", nil)
		return
	}

	var req struct {
		EventType string `json:"eventType"`
		URL       string `json:"url"`
		RateLimit int    `json:"rateLimit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body", nil)
		return
	}

	eventType := strings.TrimSpace(req.EventType)
	if _, known := intent.CanonicalEventType(eventType); !known {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "unknown event type", map[string]string{"eventType": eventType})
		return
	}
	url := strings.TrimSpace(req.URL)
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "url must be http or https", nil)
		return
	}
	rateLimit := req.RateLimit
	if rateLimit <= 0 {
		rateLimit = webhook.DefaultRateLimit
	}

	endpoint := models.WebhookEndpoint{
		ID:         uuid.New(),
		MerchantID: principal.MerchantID,
		EventType:  eventType,
		URL:        url,
		RateLimit:  rateLimit,
		Active:     true,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.db.WithContext(r.Context()).Create(&endpoint).Error; err != nil {
		s.logger.Error("register webhook failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal", "failed to register webhook", nil)
		return
	}
	s.writeJSON(w, http.StatusCreated, endpoint)
}

// ListWebhooks returns the caller's registered endpoints.
func (s *Server) ListWebhooks(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFrom(r.Context())
	if !ok {
		s.writeError(w, http.StatusUnauthorized, "unauthorized", "missing identity", nil)
		return
	}
	var endpoints []models.WebhookEndpoint
	if err := s.db.WithContext(r.Context()).
		Where("merchant_id = ?", principal.MerchantID).
		Order("created_at ASC").
		Find(&endpoints).Error; err != nil {
		s.logger.Error("list webhooks failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal", "failed to list webhooks", nil)
		return
	}
	s.writeJSON(w, http.StatusOK, endpoints)
}

// Redeliver requeues a dead delivery owned by the caller.
func (s *Server) Redeliver(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFrom(r.Context())
	if !ok {
		s.writeError(w, http.StatusUnauthorized, "unauthorized", "missing identity", nil)
		return
	}
	deliveryID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "invalid delivery id", nil)
		return
	}

	if err := s.dispatcher.Redeliver(r.Context(), principal.MerchantID, deliveryID); err != nil {
		if errors.Is(err, webhook.ErrDeliveryNotFound) {
			s.writeError(w, http.StatusNotFound, "not_found", "no dead delivery with that id", nil)
			return
		}
		s.logger.Error("redeliver failed", "error", err, "delivery", deliveryID)
		s.writeError(w, http.StatusInternalServerError, "internal", "failed to requeue delivery", nil)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": models.DeliveryPending})
}

// ListEvents pages the caller's event log by sequence cursor.
func (s *Server) ListEvents(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFrom(r.Context())
	if !ok {
		s.writeError(w, http.StatusUnauthorized, "unauthorized", "missing identity", nil)
		return
	}

	var after int64
	if raw := strings.TrimSpace(r.URL.Query().Get("after")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid_request", "after must be a non-negative integer", nil)
			return
		}
		after = parsed
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer", nil)
			return
		}
		limit = parsed
	}

	events, err := s.engine.ListEvents(r.Context(), principal.MerchantID, after, limit)
	if err != nil {
		s.logger.Error("list events failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal", "failed to list events", nil)
		return
	}

	next := after
	if len(events) > 0 {
		next = events[len(events)-1].Sequence
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"events":     events,
		"nextCursor": next,
	})
}

// IngestSettlement accepts on-chain confirmation signals from the watcher feed.
func (s *Server) IngestSettlement(w http.ResponseWriter, r *http.Request) {
	var c settlement.Confirmation
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body", nil)
		return
	}

	disposition, err := s.watcher.OnConfirmation(r.Context(), c)
	if err != nil {
		if errors.Is(err, settlement.ErrBadConfirmation) {
			s.writeError(w, http.StatusBadRequest, "invalid_request", err.Error(), nil)
			return
		}
		s.logger.Error("settlement ingest failed", "error", err, "tx", c.TxHash)
		s.writeError(w, http.StatusInternalServerError, "internal", "failed to process confirmation", nil)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"disposition": string(disposition)})
}

// Healthz reports database liveness.
func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.PingContext(r.Context())
	}
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "unavailable", "database unreachable", nil)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Details any    `json:"details,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string, details any) {
	s.writeJSON(w, status, apiError{Error: code, Message: message, Details: details})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
