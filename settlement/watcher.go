package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"gorm.io/gorm"

	"paygate/intent"
	"paygate/models"
	"paygate/observability"
)

// Confirmation is one on-chain settlement signal from the external chain
// indexer. Reference carries the deposit memo so intent correlation is
// explicit rather than guessed from amounts.
type Confirmation struct {
	ChainID       uint64 `json:"chainId"`
	TxHash        string `json:"txHash"`
	PayerWallet   string `json:"payerWallet"`
	Asset         string `json:"asset"`
	Amount        string `json:"observedAmount"`
	Reference     string `json:"reference"`
	Confirmations int    `json:"confirmations"`
}

// Disposition classifies how a confirmation signal was handled.
type Disposition string

const (
	DispositionConfirmed Disposition = "confirmed"
	DispositionPending   Disposition = "pending"
	DispositionMismatch  Disposition = "mismatch"
	DispositionReplay    Disposition = "replay"
	DispositionUnknown   Disposition = "unknown"
)

// ErrBadConfirmation marks a structurally invalid confirmation signal.
var ErrBadConfirmation = errors.New("invalid confirmation")

// Watcher translates confirmation signals into lifecycle transitions. It holds
// no state of its own; idempotency comes from the engine's atomic transition
// check, so replayed confirmations degrade to no-ops.
type Watcher struct {
	db     *gorm.DB
	engine *intent.Engine
	logger *slog.Logger
	stats  *observability.GatewayMetrics
}

// NewWatcher constructs a settlement watcher.
func NewWatcher(db *gorm.DB, engine *intent.Engine, logger *slog.Logger) *Watcher {
	if db == nil {
		panic("watcher: database required")
	}
	if engine == nil {
		panic("watcher: engine required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{db: db, engine: engine, logger: logger, stats: observability.Metrics()}
}

// OnConfirmation resolves the expected payment the signal belongs to and
// drives the matching transition. The returned disposition reports what
// happened; only malformed signals produce an error.
func (w *Watcher) OnConfirmation(ctx context.Context, c Confirmation) (Disposition, error) {
	if err := validateConfirmation(c); err != nil {
		return "", err
	}
	reference := strings.ToUpper(strings.TrimSpace(c.Reference))
	var expected models.ExpectedPayment
	err := w.db.WithContext(ctx).First(&expected, "reference = ?", reference).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		w.stats.SettlementObserved(string(DispositionUnknown))
		w.logger.Warn("confirmation for unknown reference",
			"reference", reference, "tx", c.TxHash, "chain", c.ChainID)
		return DispositionUnknown, nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup expected payment: %w", err)
	}

	if expected.ChainID != c.ChainID || !strings.EqualFold(expected.Asset, c.Asset) {
		w.stats.SettlementObserved(string(DispositionMismatch))
		w.logger.Warn("confirmation chain or asset mismatch",
			"intent", expected.IntentID, "tx", c.TxHash,
			"wantChain", expected.ChainID, "gotChain", c.ChainID,
			"wantAsset", expected.Asset, "gotAsset", c.Asset)
		return DispositionMismatch, nil
	}

	sufficient, err := amountCovers(c.Amount, expected.Amount)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadConfirmation, err)
	}
	if !sufficient {
		w.stats.SettlementObserved(string(DispositionMismatch))
		w.logger.Warn("confirmation amount short of settlement requirement",
			"intent", expected.IntentID, "tx", c.TxHash,
			"observed", c.Amount, "required", expected.Amount)
		return DispositionMismatch, nil
	}

	detail := intent.TransitionDetail{TxHash: c.TxHash, PayerWallet: c.PayerWallet}
	if c.Confirmations < expected.MinConfirmations {
		return w.apply(ctx, expected, intent.EventSettlementDetected, detail, DispositionPending)
	}
	return w.apply(ctx, expected, intent.EventConfirm, detail, DispositionConfirmed)
}

func (w *Watcher) apply(ctx context.Context, expected models.ExpectedPayment, event intent.TransitionEvent, detail intent.TransitionDetail, ok Disposition) (Disposition, error) {
	_, err := w.engine.ApplyTransition(ctx, expected.IntentID, event, detail)
	if err == nil {
		w.stats.SettlementObserved(string(ok))
		return ok, nil
	}
	if errors.Is(err, intent.ErrStateConflict) {
		// Reorg replay or a lost race against confirm/expire. Harmless.
		w.stats.SettlementObserved(string(DispositionReplay))
		w.logger.Debug("confirmation replay ignored",
			"intent", expected.IntentID, "event", string(event), "tx", detail.TxHash)
		return DispositionReplay, nil
	}
	return "", err
}

func validateConfirmation(c Confirmation) error {
	if strings.TrimSpace(c.TxHash) == "" {
		return fmt.Errorf("%w: txHash required", ErrBadConfirmation)
	}
	if strings.TrimSpace(c.Reference) == "" {
		return fmt.Errorf("%w: reference required", ErrBadConfirmation)
	}
	if strings.TrimSpace(c.Asset) == "" {
		return fmt.Errorf("%w: asset required", ErrBadConfirmation)
	}
	if strings.TrimSpace(c.Amount) == "" {
		return fmt.Errorf("%w: observedAmount required", ErrBadConfirmation)
	}
	return nil
}

// amountCovers reports whether the observed amount satisfies the required
// amount, comparing as exact rationals rather than floats.
func amountCovers(observed, required string) (bool, error) {
	got, ok := new(big.Rat).SetString(strings.TrimSpace(observed))
	if !ok {
		return false, fmt.Errorf("invalid observed amount: %s", observed)
	}
	want, ok := new(big.Rat).SetString(strings.TrimSpace(required))
	if !ok {
		return false, fmt.Errorf("invalid required amount: %s", required)
	}
	return got.Cmp(want) >= 0, nil
}
