package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"paygate/config"
	"paygate/expiry"
	"paygate/gateway/auth"
	"paygate/gateway/middleware"
	"paygate/intent"
	"paygate/models"
	"paygate/observability/logging"
	"paygate/server"
	"paygate/settlement"
	"paygate/webhook"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "paygate.toml", "path to the gateway configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup("paygated", cfg.Environment)

	db, err := gorm.Open(postgres.Open(cfg.DatabaseDSN), &gorm.Config{TranslateError: true})
	if err != nil {
		logger.Error("open database", "error", err)
		os.Exit(1)
	}
	if err := models.AutoMigrate(db); err != nil {
		logger.Error("migrate schema", "error", err)
		os.Exit(1)
	}
	if err := seedMerchants(db, cfg.Merchants); err != nil {
		logger.Error("seed merchants", "error", err)
		os.Exit(1)
	}

	engine := intent.NewEngine(db, intent.Config{
		DefaultChainID:   cfg.DefaultChainID,
		MinConfirmations: cfg.MinConfirmations,
	}, logger)

	dispatcher := webhook.NewDispatcher(db, logger,
		webhook.WithPollInterval(cfg.DispatchPollEvery.Duration),
		webhook.WithMaxAttempts(cfg.DeliveryMaxRetries),
	)
	engine.SetWake(dispatcher.Wake)

	watcher := settlement.NewWatcher(db, engine, logger)

	scheduler := expiry.NewScheduler(expiry.SchedulerConfig{
		DB:           db,
		Engine:       engine,
		PollInterval: cfg.ExpirySweepEvery.Duration,
		BatchSize:    cfg.ExpiryBatchSize,
		Logger:       logger,
	})

	authn := auth.NewAuthenticator(merchantLookup(db), cfg.TimestampSkew(), cfg.NonceWindow(), nil)
	bearer := middleware.NewBearerAuth([]byte(cfg.SettlementJWTSecret))

	limits := make(map[string]middleware.RateLimit, len(cfg.RateLimits))
	for key, rl := range cfg.RateLimits {
		limits[key] = middleware.RateLimit{RequestsPerMinute: rl.RequestsPerMinute, Burst: rl.Burst}
	}
	limiter := middleware.NewRateLimiter(limits, logger)

	srv := server.New(server.Config{
		DB:            db,
		Engine:        engine,
		Watcher:       watcher,
		Dispatcher:    dispatcher,
		Authenticator: authn,
		Bearer:        bearer,
		RateLimiter:   limiter,
		Logger:        logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go dispatcher.Run(ctx)
	go scheduler.Run(ctx)

	httpSrv := &http.Server{
		Addr:    cfg.ListenAddress,
		Handler: srv.Handler(),
	}

	go func() {
		logger.Info("payment gateway listening", "addr", cfg.ListenAddress)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen", "error", err)
			stop()
		}
	}()

	<-ctx.Done()

	logger.Info("shutting down payment gateway")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}

// seedMerchants upserts configured merchant credentials by API key.
func seedMerchants(db *gorm.DB, seeds []config.MerchantSeed) error {
	for _, seed := range seeds {
		id := uuid.New()
		if seed.ID != "" {
			parsed, err := uuid.Parse(seed.ID)
			if err != nil {
				return fmt.Errorf("merchant seed %q: %w", seed.APIKey, err)
			}
			id = parsed
		}
		merchant := models.Merchant{
			ID:            id,
			APIKey:        seed.APIKey,
			APISecret:     seed.APISecret,
			WebhookSecret: seed.WebhookSecret,
			WalletAddress: seed.WalletAddress,
			CreatedAt:     time.Now().UTC(),
		}
		err := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "api_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"api_secret", "webhook_secret", "wallet_address"}),
		}).Create(&merchant).Error
		if err != nil {
			return err
		}
	}
	return nil
}

func merchantLookup(db *gorm.DB) auth.CredentialLookup {
	return func(apiKey string) (auth.Credentials, bool) {
		var merchant models.Merchant
		if err := db.Where("api_key = ?", apiKey).First(&merchant).Error; err != nil {
			return auth.Credentials{}, false
		}
		return auth.Credentials{MerchantID: merchant.ID, APISecret: merchant.APISecret}, true
	}
}
