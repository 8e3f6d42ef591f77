package expiry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"paygate/intent"
	"paygate/models"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultBatchSize    = 100
)

// SchedulerConfig configures the expiration scan loop.
type SchedulerConfig struct {
	DB           *gorm.DB
	Engine       *intent.Engine
	PollInterval time.Duration
	BatchSize    int
	Logger       *slog.Logger
}

// Scheduler periodically expires intents whose deadline has passed. Multiple
// instances may run concurrently: the engine's atomic transition check makes
// duplicate expire emissions harmless no-ops.
type Scheduler struct {
	db       *gorm.DB
	engine   *intent.Engine
	interval time.Duration
	batch    int
	logger   *slog.Logger
	nowFn    func() time.Time
}

// NewScheduler constructs a scheduler with sane defaults.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		db:       cfg.DB,
		engine:   cfg.Engine,
		interval: interval,
		batch:    batch,
		logger:   logger,
		nowFn:    func() time.Time { return time.Now().UTC() },
	}
}

// SetNowFunc overrides the time source. Primarily intended for tests.
func (s *Scheduler) SetNowFunc(now func() time.Time) {
	if now == nil {
		s.nowFn = func() time.Time { return time.Now().UTC() }
		return
	}
	s.nowFn = now
}

// Run starts the polling loop until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	if s.db == nil || s.engine == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one scan, expiring every overdue non-terminal intent it finds.
// It returns how many intents transitioned to expired.
func (s *Scheduler) Sweep(ctx context.Context) int {
	now := s.nowFn()
	var due []models.PaymentIntent
	err := s.db.WithContext(ctx).
		Where("status IN ? AND expires_at IS NOT NULL AND expires_at <= ?",
			[]models.IntentStatus{models.StatusCreated, models.StatusPending}, now).
		Limit(s.batch).
		Find(&due).Error
	if err != nil {
		s.logger.Error("expiry scan failed", "error", err)
		return 0
	}
	expired := 0
	for _, pi := range due {
		_, err := s.engine.ApplyTransition(ctx, pi.ID, intent.EventExpire, intent.TransitionDetail{})
		switch {
		case err == nil:
			expired++
		case errors.Is(err, intent.ErrStateConflict):
			// A confirm or fail won the race since the scan. Expected.
		default:
			s.logger.Error("expire transition failed", "intent", pi.ID, "error", err)
		}
	}
	return expired
}
