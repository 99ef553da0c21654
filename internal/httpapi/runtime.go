package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/credits/internal/access"
	"github.com/MarkoPoloResearchLab/credits/internal/catalog"
	"github.com/MarkoPoloResearchLab/credits/internal/fulfillment"
	"github.com/MarkoPoloResearchLab/credits/internal/gateway"
	"github.com/MarkoPoloResearchLab/credits/internal/janitor"
	"github.com/MarkoPoloResearchLab/credits/internal/mailer"
	"github.com/MarkoPoloResearchLab/credits/internal/metrics"
	"github.com/MarkoPoloResearchLab/credits/internal/ratelimit"
	"github.com/MarkoPoloResearchLab/credits/internal/receipts"
	"github.com/MarkoPoloResearchLab/credits/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/credits/internal/store/redisstore"
	"github.com/MarkoPoloResearchLab/credits/internal/webhook"
	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const shutdownTimeout = 5 * time.Second

// Run boots the credits service using the supplied configuration and blocks until ctx is done.
func Run(ctx context.Context, cfg Config, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	database, err := gormstore.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = database.Close() }()
	if err := gormstore.PrepareSchema(ctx, database); err != nil {
		return err
	}
	store := gormstore.New(database.DB)
	registry := metrics.New()

	ledgerService, err := ledger.NewService(store, func() int64 { return time.Now().UTC().Unix() },
		ledger.WithOperationLogger(NewOperationLogger(logger.Named("ledger"))),
		ledger.WithCreditRetention(int64(cfg.CreditRetention/time.Second)),
	)
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}

	stripeAdapter, err := gateway.NewStripe(gateway.StripeConfig{
		SecretKey:     cfg.StripeSecretKey,
		WebhookSecret: cfg.StripeWebhookSecret,
		BaseURL:       cfg.StripeAPIBaseURL,
	}, logger.Named("stripe"))
	if err != nil {
		return fmt.Errorf("gateway init: %w", err)
	}

	limiter, detailCache, closeShared, err := openSharedState(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeShared()

	emailDispatcher := receipts.NewDispatcher(newSender(cfg, logger), store, receipts.DispatcherConfig{Timeout: cfg.EmailTimeout}, logger.Named("email"))
	emailDispatcher.Start(ctx)
	defer emailDispatcher.Close()

	generator, err := receipts.NewGenerator(store, store, stripeAdapter, emailDispatcher, receipts.GeneratorConfig{
		PublicBaseURL:  cfg.PublicBaseURL,
		GatewayTimeout: cfg.GatewayTimeout,
	}, logger.Named("receipts"))
	if err != nil {
		return fmt.Errorf("receipt generator init: %w", err)
	}

	engine, err := fulfillment.NewEngine(ledgerService, catalog.Default(), generator, stripeAdapter, logger.Named("fulfillment"),
		fulfillment.WithMetrics(registry),
		fulfillment.WithGatewayTimeout(cfg.GatewayTimeout),
	)
	if err != nil {
		return fmt.Errorf("fulfillment engine init: %w", err)
	}

	webhooks, err := webhook.NewDispatcher(stripeAdapter, engine, store, registry, logger.Named("webhook"))
	if err != nil {
		return fmt.Errorf("webhook dispatcher init: %w", err)
	}

	receiptAccess, err := access.NewService(access.Dependencies{
		Ledger:   ledgerService,
		Receipts: store,
		Payments: stripeAdapter,
		Cache:    detailCache,
		Limiter:  limiter,
		Renderer: generator.Renderer(),
		Composer: generator,
		Sender:   emailDispatcher,
		Metrics:  registry,
	}, access.Config{
		ReferencePattern:    cfg.ReferencePattern,
		TrustedReceiptHosts: cfg.TrustedReceiptHosts,
		GatewayTimeout:      cfg.GatewayTimeout,
	}, logger.Named("access"))
	if err != nil {
		return fmt.Errorf("receipt access init: %w", err)
	}

	sessionValidator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return fmt.Errorf("session validator: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)
	router, err := NewRouter(cfg, Dependencies{
		Webhooks:  webhooks,
		Receipts:  receiptAccess,
		Confirmer: engine,
		Wallet:    ledgerService,
		Profiles:  store,
		Metrics:   registry.Handler(),
	}, sessionValidator, logger.Named("http"))
	if err != nil {
		return err
	}

	eventJanitor, err := janitor.New(store, cfg.EventRetention, logger.Named("janitor"))
	if err != nil {
		return err
	}
	go eventJanitor.Run(ctx, cfg.JanitorInterval)

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("creditd listening", zap.String("addr", cfg.ListenAddr), zap.String("database_driver", database.Driver))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// openSharedState picks Redis-backed limiter and cache when configured, in-process ones otherwise.
func openSharedState(ctx context.Context, cfg Config, logger *zap.Logger) (ratelimit.Limiter, access.DetailCache, func(), error) {
	if cfg.RedisURL == "" {
		limiter, err := ratelimit.NewSlidingWindow(cfg.RatePolicy())
		if err != nil {
			return nil, nil, nil, fmt.Errorf("rate limiter init: %w", err)
		}
		logger.Info("redis not configured, using in-process limiter and cache")
		return limiter, access.NewMemoryCache(cfg.DetailCacheTTL), func() {}, nil
	}
	client, err := redisstore.Open(ctx, redisstore.Config{URL: cfg.RedisURL}, logger.Named("redis"))
	if err != nil {
		return nil, nil, nil, err
	}
	closeClient := func() { _ = client.Close() }
	limiter, err := redisstore.NewSlidingWindowLimiter(client, cfg.RatePolicy())
	if err != nil {
		closeClient()
		return nil, nil, nil, fmt.Errorf("rate limiter init: %w", err)
	}
	detailCache, err := redisstore.NewDetailCache(client, cfg.DetailCacheTTL, logger.Named("detail_cache"))
	if err != nil {
		closeClient()
		return nil, nil, nil, fmt.Errorf("detail cache init: %w", err)
	}
	return limiter, detailCache, closeClient, nil
}

func newSender(cfg Config, logger *zap.Logger) receipts.Sender {
	if !cfg.EmailEnabled() {
		return mailer.NewLogSender(logger.Named("mailer"))
	}
	sender, err := mailer.NewSMTPSender(cfg.SMTP)
	if err != nil {
		// Config.Validate already checked the SMTP settings.
		logger.Warn("smtp sender init failed, falling back to log sender", zap.Error(err))
		return mailer.NewLogSender(logger.Named("mailer"))
	}
	return sender
}
