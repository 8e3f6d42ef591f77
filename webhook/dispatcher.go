package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"gorm.io/gorm"

	"paygate/models"
	"paygate/observability"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultMaxAttempts  = 8
	defaultBaseBackoff  = time.Second
	defaultMaxBackoff   = 5 * time.Minute
	defaultHTTPTimeout  = 10 * time.Second
)

// ErrDeliveryNotFound is returned when a redelivery target does not exist.
var ErrDeliveryNotFound = errors.New("webhook delivery not found")

// Payload is the body POSTed to merchant endpoints. Data is the immutable
// intent snapshot taken when the transition committed, so retries carry an
// identical payload.
type Payload struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
}

// Option adjusts dispatcher behaviour.
type Option func(*Dispatcher)

// WithPollInterval overrides how often the dispatcher scans for due work.
func WithPollInterval(d time.Duration) Option {
	return func(w *Dispatcher) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// WithMaxAttempts caps delivery attempts before an event is marked dead.
func WithMaxAttempts(n int) Option {
	return func(w *Dispatcher) {
		if n > 0 {
			w.maxAttempts = n
		}
	}
}

// WithHTTPClient replaces the delivery client. Primarily for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(w *Dispatcher) {
		if c != nil {
			w.client = c
		}
	}
}

// WithBackoff overrides the retry backoff bounds.
func WithBackoff(base, max time.Duration) Option {
	return func(w *Dispatcher) {
		if base > 0 {
			w.baseBackoff = base
		}
		if max > 0 {
			w.maxBackoff = max
		}
	}
}

// WithRateLimiter replaces the per-endpoint rate limiter.
func WithRateLimiter(rl *RateLimiter) Option {
	return func(w *Dispatcher) {
		if rl != nil {
			w.rate = rl
		}
	}
}

// Dispatcher delivers durably enqueued webhook events to merchant endpoints.
// Delivery per merchant is strictly ordered by event sequence; merchants are
// fully independent and delivered in parallel.
type Dispatcher struct {
	db      *gorm.DB
	client  *http.Client
	logger  *slog.Logger
	metrics *observability.GatewayMetrics
	rate    *RateLimiter
	nowFn   func() time.Time

	pollInterval time.Duration
	maxAttempts  int
	baseBackoff  time.Duration
	maxBackoff   time.Duration

	wakeCh chan struct{}
	dead   metric.Int64Counter
}

// NewDispatcher constructs a dispatcher around the shared database.
func NewDispatcher(db *gorm.DB, logger *slog.Logger, opts ...Option) *Dispatcher {
	if db == nil {
		panic("dispatcher: database required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &Dispatcher{
		db:           db,
		client:       &http.Client{Timeout: defaultHTTPTimeout},
		logger:       logger,
		metrics:      observability.Metrics(),
		rate:         NewRateLimiter(),
		nowFn:        func() time.Time { return time.Now().UTC() },
		pollInterval: defaultPollInterval,
		maxAttempts:  defaultMaxAttempts,
		baseBackoff:  defaultBaseBackoff,
		maxBackoff:   defaultMaxBackoff,
		wakeCh:       make(chan struct{}, 1),
		dead:         deadCounter(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// SetNowFunc overrides the time source. Primarily intended for tests.
func (w *Dispatcher) SetNowFunc(now func() time.Time) {
	if now == nil {
		w.nowFn = func() time.Time { return time.Now().UTC() }
		return
	}
	w.nowFn = now
}

// Wake nudges the dispatcher to scan ahead of its next poll tick.
func (w *Dispatcher) Wake() {
	select {
	case w.wakeCh <- struct{}{}:
	default:
	}
}

// Run processes deliveries until the context is cancelled. In-flight POSTs are
// cancelled on shutdown and retried after restart; delivery is at-least-once.
func (w *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		w.deliverDue(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-w.wakeCh:
		}
	}
}

// deliverDue finds, for each merchant, the oldest undelivered event and
// attempts it when eligible. One active slot per merchant preserves causal
// order; dead rows do not block successors.
func (w *Dispatcher) deliverDue(ctx context.Context) {
	now := w.nowFn()
	// Fetch only each merchant's oldest pending row so a deep backlog does not
	// make the scan grow with queue depth.
	headSeqs := w.db.Model(&models.WebhookDelivery{}).
		Select("merchant_id, MIN(event_sequence) AS event_sequence").
		Where("status = ?", models.DeliveryPending).
		Group("merchant_id")
	var pending []models.WebhookDelivery
	err := w.db.WithContext(ctx).Model(&models.WebhookDelivery{}).
		Joins("JOIN (?) heads ON webhook_deliveries.merchant_id = heads.merchant_id AND webhook_deliveries.event_sequence = heads.event_sequence", headSeqs).
		Where("webhook_deliveries.status = ?", models.DeliveryPending).
		Order("webhook_deliveries.event_sequence ASC").
		Find(&pending).Error
	if err != nil {
		w.logger.Error("scan pending deliveries failed", "error", err)
		return
	}
	heads := make(map[uuid.UUID]models.WebhookDelivery)
	for _, d := range pending {
		if _, ok := heads[d.MerchantID]; !ok {
			heads[d.MerchantID] = d
		}
	}
	var wg sync.WaitGroup
	for _, head := range heads {
		if head.NextAttemptAt.After(now) {
			continue
		}
		wg.Add(1)
		go func(d models.WebhookDelivery) {
			defer wg.Done()
			w.attempt(ctx, d)
		}(head)
	}
	wg.Wait()
}

func (w *Dispatcher) attempt(ctx context.Context, delivery models.WebhookDelivery) {
	now := w.nowFn()

	var endpoint models.WebhookEndpoint
	if err := w.db.WithContext(ctx).First(&endpoint, "id = ?", delivery.EndpointID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			w.failPermanently(ctx, delivery, "endpoint missing")
			return
		}
		// Transient store fault: leave the row untouched so the next poll
		// retries it instead of burning an attempt.
		w.logger.Error("endpoint lookup failed", "delivery", delivery.ID, "error", err)
		return
	}
	if !endpoint.Active {
		w.failPermanently(ctx, delivery, "endpoint inactive")
		return
	}
	if !w.rate.Allow(endpoint.ID, endpoint.RateLimit, now) {
		w.reschedule(ctx, delivery, w.rate.ResetAt(endpoint.ID, now))
		return
	}

	var event models.Event
	if err := w.db.WithContext(ctx).First(&event, "sequence = ?", delivery.EventSequence).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			w.failPermanently(ctx, delivery, "event missing")
			return
		}
		w.logger.Error("event lookup failed", "delivery", delivery.ID, "error", err)
		return
	}
	var merchant models.Merchant
	if err := w.db.WithContext(ctx).First(&merchant, "id = ?", delivery.MerchantID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			w.failPermanently(ctx, delivery, "merchant missing")
			return
		}
		w.logger.Error("merchant lookup failed", "delivery", delivery.ID, "error", err)
		return
	}

	body, err := json.Marshal(Payload{
		Type:      event.Type,
		Data:      json.RawMessage(event.Data),
		Timestamp: event.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		w.failPermanently(ctx, delivery, fmt.Sprintf("encode payload: %v", err))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.URL, bytes.NewReader(body))
	if err != nil {
		w.failPermanently(ctx, delivery, fmt.Sprintf("build request: %v", err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", SignPayload(merchant.WebhookSecret, body))

	resp, err := w.client.Do(req)
	if err != nil {
		w.retryLater(ctx, delivery, err.Error())
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		w.retryLater(ctx, delivery, resp.Status)
		return
	}
	w.succeed(ctx, delivery, event)
}

func (w *Dispatcher) succeed(ctx context.Context, delivery models.WebhookDelivery, event models.Event) {
	now := w.nowFn()
	attemptNum := delivery.Attempts + 1
	updates := map[string]interface{}{
		"status":     models.DeliverySucceeded,
		"attempts":   attemptNum,
		"last_error": "",
		"updated_at": now,
	}
	if err := w.db.WithContext(ctx).Model(&models.WebhookDelivery{}).Where("id = ?", delivery.ID).Updates(updates).Error; err != nil {
		w.logger.Error("mark delivery succeeded failed", "delivery", delivery.ID, "error", err)
		return
	}
	w.recordAttempt(ctx, delivery, attemptNum, "success", "", now)
	w.metrics.DeliveryOutcome("success")
	w.metrics.DeliveryDelay(now.Sub(event.CreatedAt).Seconds())
	w.logger.Info("webhook delivered",
		"delivery", delivery.ID, "merchant", delivery.MerchantID,
		"sequence", delivery.EventSequence, "attempt", attemptNum)
}

func (w *Dispatcher) retryLater(ctx context.Context, delivery models.WebhookDelivery, errMsg string) {
	now := w.nowFn()
	attemptNum := delivery.Attempts + 1
	w.recordAttempt(ctx, delivery, attemptNum, "failed", errMsg, now)
	if attemptNum >= w.maxAttempts {
		w.markDead(ctx, delivery, attemptNum, errMsg, now)
		return
	}
	updates := map[string]interface{}{
		"attempts":        attemptNum,
		"last_error":      errMsg,
		"next_attempt_at": now.Add(w.backoffDuration(attemptNum)),
		"updated_at":      now,
	}
	if err := w.db.WithContext(ctx).Model(&models.WebhookDelivery{}).Where("id = ?", delivery.ID).Updates(updates).Error; err != nil {
		w.logger.Error("schedule delivery retry failed", "delivery", delivery.ID, "error", err)
		return
	}
	w.metrics.DeliveryOutcome("failure")
	w.logger.Warn("webhook delivery failed",
		"delivery", delivery.ID, "merchant", delivery.MerchantID,
		"attempt", attemptNum, "error", errMsg)
}

func (w *Dispatcher) markDead(ctx context.Context, delivery models.WebhookDelivery, attempts int, errMsg string, now time.Time) {
	updates := map[string]interface{}{
		"status":     models.DeliveryDead,
		"attempts":   attempts,
		"last_error": errMsg,
		"updated_at": now,
	}
	if err := w.db.WithContext(ctx).Model(&models.WebhookDelivery{}).Where("id = ?", delivery.ID).Updates(updates).Error; err != nil {
		w.logger.Error("mark delivery dead failed", "delivery", delivery.ID, "error", err)
		return
	}
	w.metrics.DeliveryOutcome("dead")
	w.dead.Add(ctx, 1, metric.WithAttributes(attribute.String("merchant", delivery.MerchantID.String())))
	w.logger.Error("webhook delivery exhausted",
		"delivery", delivery.ID, "merchant", delivery.MerchantID,
		"sequence", delivery.EventSequence, "attempts", attempts, "error", errMsg)
}

// failPermanently covers local faults where retrying cannot help (missing
// endpoint, unmarshalable payload). The row is surfaced as dead, not dropped.
func (w *Dispatcher) failPermanently(ctx context.Context, delivery models.WebhookDelivery, reason string) {
	now := w.nowFn()
	w.recordAttempt(ctx, delivery, delivery.Attempts+1, "error", reason, now)
	w.markDead(ctx, delivery, delivery.Attempts+1, reason, now)
}

func (w *Dispatcher) reschedule(ctx context.Context, delivery models.WebhookDelivery, at time.Time) {
	updates := map[string]interface{}{
		"next_attempt_at": at,
		"updated_at":      w.nowFn(),
	}
	if err := w.db.WithContext(ctx).Model(&models.WebhookDelivery{}).Where("id = ?", delivery.ID).Updates(updates).Error; err != nil {
		w.logger.Error("reschedule delivery failed", "delivery", delivery.ID, "error", err)
	}
}

func (w *Dispatcher) recordAttempt(ctx context.Context, delivery models.WebhookDelivery, attempt int, status, errMsg string, now time.Time) {
	row := models.DeliveryAttempt{
		DeliveryID:    delivery.ID,
		EventSequence: delivery.EventSequence,
		Attempt:       attempt,
		Status:        status,
		Error:         errMsg,
		CreatedAt:     now,
	}
	if err := w.db.WithContext(ctx).Create(&row).Error; err != nil {
		w.logger.Error("record delivery attempt failed", "delivery", delivery.ID, "error", err)
	}
}

func (w *Dispatcher) backoffDuration(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	d := w.baseBackoff * time.Duration(1<<uint(attempt-1))
	if d > w.maxBackoff {
		d = w.maxBackoff
	}
	// Full jitter keeps synchronized failures from retrying in lockstep.
	return d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
}

// Redeliver resets a dead delivery for another round of attempts.
func (w *Dispatcher) Redeliver(ctx context.Context, merchantID, deliveryID uuid.UUID) error {
	now := w.nowFn()
	res := w.db.WithContext(ctx).Model(&models.WebhookDelivery{}).
		Where("id = ? AND merchant_id = ? AND status = ?", deliveryID, merchantID, models.DeliveryDead).
		Updates(map[string]interface{}{
			"status":          models.DeliveryPending,
			"attempts":        0,
			"last_error":      "",
			"next_attempt_at": now,
			"updated_at":      now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrDeliveryNotFound
	}
	w.Wake()
	return nil
}

// SignPayload computes the hex HMAC-SHA256 merchants use to authenticate the
// webhook origin.
func SignPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

var (
	deadOnce        sync.Once
	sharedDeadCount metric.Int64Counter
)

func deadCounter() metric.Int64Counter {
	deadOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("paygate/webhook")
		counter, err := meter.Int64Counter("paygate.webhooks.deadlettered")
		if err != nil {
			fallback := noop.NewMeterProvider().Meter("paygate/webhook")
			counter, _ = fallback.Int64Counter("paygate.webhooks.deadlettered")
		}
		sharedDeadCount = counter
	})
	return sharedDeadCount
}
