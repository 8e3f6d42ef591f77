package intent

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"paygate/models"
	"paygate/observability"
)

const depositMemoPrefix = "PAY:"

var (
	// ErrValidation marks a malformed creation request rejected before any
	// state exists.
	ErrValidation = errors.New("validation error")
	// ErrIdempotencyConflict is returned when a key is reused with a
	// different payload.
	ErrIdempotencyConflict = errors.New("idempotency key reuse with different request body")
	// ErrIntentNotFound is returned for unknown intent identifiers.
	ErrIntentNotFound = errors.New("payment intent not found")
	// ErrClaimPending is returned when a duplicate creation request gave up
	// waiting for the first request to finish.
	ErrClaimPending = errors.New("creation with this idempotency key is still in flight")
)

// errClaimBound signals that another request bound the claim first; the
// caller must replay the bound intent instead of inserting its own.
var errClaimBound = errors.New("idempotency claim already bound")

// CreateRequest carries the fields accepted by the creation API.
type CreateRequest struct {
	MerchantID         uuid.UUID
	Amount             string
	Currency           string
	SettlementCurrency string
	IdempotencyKey     string
	ExpiresInMinutes   *int
	IsTest             bool
}

// TransitionDetail carries write-once settlement evidence attached to a
// transition.
type TransitionDetail struct {
	TxHash      string
	PayerWallet string
}

// Config tunes the lifecycle engine.
type Config struct {
	DefaultChainID   uint64
	MinConfirmations int
	// ClaimTakeover is how long an idempotency claim may sit without an
	// intent before another request may reclaim it (crashed winner).
	ClaimTakeover time.Duration
	// ClaimWait bounds how long a duplicate request waits for the winner.
	ClaimWait time.Duration
}

// Engine owns the canonical state of payment intents. Every mutation flows
// through a single database transaction so concurrent producers serialize per
// intent and exactly one transition wins.
type Engine struct {
	db      *gorm.DB
	cfg     Config
	logger  *slog.Logger
	metrics *observability.GatewayMetrics
	nowFn   func() time.Time
	wake    func()
}

// NewEngine constructs a lifecycle engine around the provided database.
func NewEngine(db *gorm.DB, cfg Config, logger *slog.Logger) *Engine {
	if db == nil {
		panic("engine: database required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MinConfirmations <= 0 {
		cfg.MinConfirmations = 1
	}
	if cfg.ClaimTakeover <= 0 {
		cfg.ClaimTakeover = time.Minute
	}
	if cfg.ClaimWait <= 0 {
		cfg.ClaimWait = 2 * time.Second
	}
	return &Engine{
		db:      db,
		cfg:     cfg,
		logger:  logger,
		metrics: observability.Metrics(),
		nowFn:   func() time.Time { return time.Now().UTC() },
	}
}

// SetNowFunc overrides the time source. Primarily intended for tests.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if now == nil {
		e.nowFn = func() time.Time { return time.Now().UTC() }
		return
	}
	e.nowFn = now
}

// SetWake registers a callback invoked after a webhook delivery becomes
// eligible, letting the dispatcher poll early.
func (e *Engine) SetWake(wake func()) { e.wake = wake }

func (e *Engine) now() time.Time { return e.nowFn() }

func (e *Engine) nudge() {
	if e.wake != nil {
		e.wake()
	}
}

// CreateIntent admits a creation request through the idempotency guard and
// durably creates at most one intent per (merchant, key). The returned bool
// reports whether an existing intent was replayed.
func (e *Engine) CreateIntent(ctx context.Context, req CreateRequest) (*models.PaymentIntent, bool, error) {
	if err := validateCreate(req); err != nil {
		return nil, false, err
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		created, err := e.createNew(ctx, req, "")
		if err != nil {
			return nil, false, err
		}
		return created, false, nil
	}

	fingerprint := requestFingerprint(req)
	claim := models.IdempotencyClaim{
		MerchantID:  req.MerchantID,
		Key:         key,
		RequestHash: fingerprint,
		CreatedAt:   e.now(),
	}
	err := e.db.WithContext(ctx).Create(&claim).Error
	switch {
	case err == nil:
		created, createErr := e.createNew(ctx, req, key)
		if createErr != nil {
			if errors.Is(createErr, errClaimBound) {
				return e.awaitClaim(ctx, req, key, fingerprint)
			}
			// Release the claim so a retry is not wedged behind a failed
			// insert. Only an unbound claim may be released; a bound one
			// already belongs to a committed intent.
			if delErr := e.db.WithContext(ctx).
				Where("merchant_id = ? AND key = ? AND intent_id = ?", req.MerchantID, key, uuid.Nil).
				Delete(&models.IdempotencyClaim{}).Error; delErr != nil {
				e.logger.Error("release idempotency claim failed",
					"merchant", req.MerchantID, "key", key, "error", delErr)
			}
			return nil, false, createErr
		}
		return created, false, nil
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return e.awaitClaim(ctx, req, key, fingerprint)
	default:
		return nil, false, fmt.Errorf("reserve idempotency key: %w", err)
	}
}

// awaitClaim resolves a duplicate creation request: replay the winner's
// intent, reject a fingerprint mismatch, or take over a claim whose winner
// died before inserting the intent.
func (e *Engine) awaitClaim(ctx context.Context, req CreateRequest, key, fingerprint string) (*models.PaymentIntent, bool, error) {
	deadline := e.now().Add(e.cfg.ClaimWait)
	for {
		var claim models.IdempotencyClaim
		if err := e.db.WithContext(ctx).First(&claim, "merchant_id = ? AND key = ?", req.MerchantID, key).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				// Winner rolled back; race for the key again.
				return e.CreateIntent(ctx, req)
			}
			return nil, false, fmt.Errorf("read idempotency claim: %w", err)
		}
		if claim.RequestHash != fingerprint {
			return nil, false, ErrIdempotencyConflict
		}
		if claim.IntentID != uuid.Nil {
			var existing models.PaymentIntent
			if err := e.db.WithContext(ctx).First(&existing, "id = ?", claim.IntentID).Error; err != nil {
				return nil, false, fmt.Errorf("load existing intent: %w", err)
			}
			return &existing, true, nil
		}
		if e.now().Sub(claim.CreatedAt) > e.cfg.ClaimTakeover {
			res := e.db.WithContext(ctx).Model(&models.IdempotencyClaim{}).
				Where("merchant_id = ? AND key = ? AND intent_id = ?", req.MerchantID, key, uuid.Nil).
				Update("created_at", e.now())
			if res.Error == nil && res.RowsAffected == 1 {
				created, err := e.createNew(ctx, req, key)
				if err == nil {
					return created, false, nil
				}
				if !errors.Is(err, errClaimBound) {
					return nil, false, err
				}
				// The crashed winner resumed and bound the claim between
				// our takeover and insert; re-read to replay its intent.
				continue
			}
		}
		if e.now().After(deadline) {
			return nil, false, ErrClaimPending
		}
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(25 * time.Millisecond):
		}
	}
}

// createNew inserts the intent, its expected-payment descriptor, the creation
// event and the webhook deliveries in one transaction, then binds the claim.
func (e *Engine) createNew(ctx context.Context, req CreateRequest, key string) (*models.PaymentIntent, error) {
	now := e.now()
	pi := models.PaymentIntent{
		ID:                 uuid.New(),
		MerchantID:         req.MerchantID,
		Amount:             req.Amount,
		Currency:           strings.ToUpper(strings.TrimSpace(req.Currency)),
		SettlementCurrency: strings.ToUpper(strings.TrimSpace(req.SettlementCurrency)),
		Status:             models.StatusCreated,
		IdempotencyKey:     key,
		IsTest:             req.IsTest,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if req.ExpiresInMinutes != nil {
		expires := now.Add(time.Duration(*req.ExpiresInMinutes) * time.Minute)
		pi.ExpiresAt = &expires
	}
	var merchant models.Merchant
	if err := e.db.WithContext(ctx).First(&merchant, "id = ?", req.MerchantID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: unknown merchant", ErrValidation)
		}
		return nil, fmt.Errorf("load merchant: %w", err)
	}
	pi.MerchantWallet = merchant.WalletAddress

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&pi).Error; err != nil {
			return err
		}
		expected := models.ExpectedPayment{
			IntentID:         pi.ID,
			MerchantID:       pi.MerchantID,
			ChainID:          e.cfg.DefaultChainID,
			Asset:            pi.SettlementCurrency,
			Reference:        depositMemoPrefix + strings.ToUpper(pi.ID.String()),
			Amount:           pi.Amount,
			MinConfirmations: e.cfg.MinConfirmations,
			CreatedAt:        now,
		}
		if err := tx.Create(&expected).Error; err != nil {
			return err
		}
		if err := e.appendEvent(tx, &pi, TypePaymentCreated, now); err != nil {
			return err
		}
		if key != "" {
			// Bind the claim only while it is still unbound. Losing this
			// race means another request committed an intent for the key
			// first; roll back so exactly one intent exists per claim.
			res := tx.Model(&models.IdempotencyClaim{}).
				Where("merchant_id = ? AND key = ? AND intent_id = ?", pi.MerchantID, key, uuid.Nil).
				Update("intent_id", pi.ID)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return errClaimBound
			}
		}
		return nil
	})
	if errors.Is(err, errClaimBound) {
		return nil, errClaimBound
	}
	if err != nil {
		return nil, fmt.Errorf("create intent: %w", err)
	}
	e.metrics.IntentCreated(pi.SettlementCurrency)
	e.logger.Info("payment intent created",
		"intent", pi.ID, "merchant", pi.MerchantID,
		"amount", pi.Amount, "currency", pi.Currency)
	e.nudge()
	return &pi, nil
}

// ApplyTransition commits one lifecycle transition atomically: the status
// read, legality check, write-once evidence fields, event append and webhook
// enqueue all happen under a single row-locked transaction.
func (e *Engine) ApplyTransition(ctx context.Context, intentID uuid.UUID, event TransitionEvent, detail TransitionDetail) (*models.PaymentIntent, error) {
	now := e.now()
	var pi models.PaymentIntent
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&pi, "id = ?", intentID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrIntentNotFound
			}
			return err
		}
		next, err := ValidateTransition(pi.Status, event)
		if err != nil {
			return err
		}
		if event == EventExpire {
			if pi.ExpiresAt == nil || now.Before(*pi.ExpiresAt) {
				return fmt.Errorf("%w: expire before deadline", ErrStateConflict)
			}
		}
		if detail.TxHash != "" {
			if pi.TxHash != "" && pi.TxHash != detail.TxHash {
				return fmt.Errorf("%w: tx hash already recorded", ErrStateConflict)
			}
			pi.TxHash = detail.TxHash
		}
		if detail.PayerWallet != "" && pi.PayerWallet == "" {
			pi.PayerWallet = detail.PayerWallet
		}
		pi.Status = next
		if !now.After(pi.UpdatedAt) {
			now = pi.UpdatedAt.Add(time.Millisecond)
		}
		pi.UpdatedAt = now
		if err := tx.Save(&pi).Error; err != nil {
			return err
		}
		return e.appendEvent(tx, &pi, EventTypeFor(event), now)
	})
	if err != nil {
		if errors.Is(err, ErrStateConflict) {
			e.metrics.TransitionRejected(string(event))
			e.logger.Debug("transition rejected",
				"intent", intentID, "event", string(event), "reason", err.Error())
		}
		return nil, err
	}
	e.metrics.TransitionCommitted(string(event))
	e.logger.Info("payment intent transitioned",
		"intent", pi.ID, "event", string(event), "status", string(pi.Status))
	e.nudge()
	return &pi, nil
}

// appendEvent writes the immutable event snapshot and fans it out to every
// matching endpoint as a pending delivery, inside the caller's transaction.
func (e *Engine) appendEvent(tx *gorm.DB, pi *models.PaymentIntent, eventType string, now time.Time) error {
	snapshot, err := json.Marshal(pi)
	if err != nil {
		return fmt.Errorf("snapshot intent: %w", err)
	}
	evt := models.Event{
		IntentID:   pi.ID,
		MerchantID: pi.MerchantID,
		Type:       eventType,
		Data:       string(snapshot),
		CreatedAt:  now,
	}
	if err := tx.Create(&evt).Error; err != nil {
		return err
	}
	var endpoints []models.WebhookEndpoint
	if err := tx.Find(&endpoints, "merchant_id = ? AND active = ?", pi.MerchantID, true).Error; err != nil {
		return err
	}
	for _, ep := range endpoints {
		canonical, ok := CanonicalEventType(ep.EventType)
		if !ok || canonical != eventType {
			continue
		}
		delivery := models.WebhookDelivery{
			ID:            uuid.New(),
			EndpointID:    ep.ID,
			MerchantID:    pi.MerchantID,
			IntentID:      pi.ID,
			EventSequence: evt.Sequence,
			Status:        models.DeliveryPending,
			NextAttemptAt: now,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := tx.Create(&delivery).Error; err != nil {
			return err
		}
	}
	return nil
}

// GetIntent loads a single intent scoped to its owning merchant.
func (e *Engine) GetIntent(ctx context.Context, merchantID, intentID uuid.UUID) (*models.PaymentIntent, error) {
	var pi models.PaymentIntent
	err := e.db.WithContext(ctx).First(&pi, "id = ? AND merchant_id = ?", intentID, merchantID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrIntentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &pi, nil
}

// ListEvents pages the merchant's event log after the given sequence cursor.
func (e *Engine) ListEvents(ctx context.Context, merchantID uuid.UUID, after int64, limit int) ([]models.Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var events []models.Event
	err := e.db.WithContext(ctx).
		Where("merchant_id = ? AND sequence > ?", merchantID, after).
		Order("sequence ASC").Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

func validateCreate(req CreateRequest) error {
	if req.MerchantID == uuid.Nil {
		return fmt.Errorf("%w: merchant required", ErrValidation)
	}
	amount := strings.TrimSpace(req.Amount)
	if amount == "" {
		return fmt.Errorf("%w: amount required", ErrValidation)
	}
	rat, ok := new(big.Rat).SetString(amount)
	if !ok {
		return fmt.Errorf("%w: invalid amount %q", ErrValidation, req.Amount)
	}
	if rat.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if strings.TrimSpace(req.Currency) == "" {
		return fmt.Errorf("%w: currency required", ErrValidation)
	}
	if _, err := NormalizeSettlementCurrency(req.SettlementCurrency); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if req.ExpiresInMinutes != nil && *req.ExpiresInMinutes < 0 {
		return fmt.Errorf("%w: expiresInMinutes must be non-negative", ErrValidation)
	}
	return nil
}

// NormalizeSettlementCurrency validates the settlement asset against the
// supported set and returns the canonical uppercase form.
func NormalizeSettlementCurrency(symbol string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(symbol))
	switch trimmed {
	case models.SettlementUSDC, models.SettlementUSDT, models.SettlementDAI:
		return trimmed, nil
	default:
		return "", fmt.Errorf("unsupported settlement currency: %s", symbol)
	}
}

func requestFingerprint(req CreateRequest) string {
	payload := strings.Join([]string{
		req.MerchantID.String(),
		strings.TrimSpace(req.Amount),
		strings.ToUpper(strings.TrimSpace(req.Currency)),
		strings.ToUpper(strings.TrimSpace(req.SettlementCurrency)),
		expiresFingerprint(req.ExpiresInMinutes),
		fmt.Sprintf("%t", req.IsTest),
	}, "\n")
	sum := sha256.Sum256([]byte(payload))
	return fmt.Sprintf("%x", sum[:])
}

func expiresFingerprint(minutes *int) string {
	if minutes == nil {
		return "none"
	}
	return fmt.Sprintf("%d", *minutes)
}
