package app

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xenking/challenge-checkout/internal/domain/auth"
	"github.com/xenking/challenge-checkout/internal/domain/checkout"
	"github.com/xenking/challenge-checkout/internal/domain/coupon"
	"github.com/xenking/challenge-checkout/internal/domain/mapping"
	"github.com/xenking/challenge-checkout/internal/domain/pricing"
	"github.com/xenking/challenge-checkout/internal/domain/program"
	"github.com/xenking/challenge-checkout/internal/domain/reconcile"
	"github.com/xenking/challenge-checkout/internal/fulfillment"
	"github.com/xenking/challenge-checkout/internal/gateway"
	"github.com/xenking/challenge-checkout/internal/gateway/card"
	"github.com/xenking/challenge-checkout/internal/gateway/cryptopay"
	"github.com/xenking/challenge-checkout/internal/handler"
	"github.com/xenking/challenge-checkout/internal/marketing"
	"github.com/xenking/challenge-checkout/internal/storage/postgres"
	"github.com/xenking/challenge-checkout/pkg/health"
	"github.com/xenking/challenge-checkout/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	// PostgreSQL pool + migrations.
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	// Health check service.
	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, health.PingCheck("postgres", pool))
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	api, err := NewAPI(lg, cfg, pool, m.MeterProvider(), m.TracerProvider())
	if err != nil {
		return err
	}
	defer api.Close()

	// Router: health endpoints + API routes on one server.
	routeFinder := httpmiddleware.MakeRouteFinder(api.Router)
	mux := chi.NewRouter()
	mux.Get("/livez", healthSvc.LiveEndpoint)
	mux.Get("/readyz", healthSvc.ReadyEndpoint)
	mux.Mount("/", api.Router)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(mux,
			httpmiddleware.Recovery(),
			httpmiddleware.CORS(httpmiddleware.CORSConfig{
				AllowOrigins:     cfg.CORS.Origins,
				AllowHeaders:     []string{"Content-Type", "Authorization", handler.APIKeyHeader},
				AllowCredentials: cfg.CORS.AllowCredentials,
				MaxAge:           86400,
			}),
			httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
				Max:    cfg.RateLimit.Max,
				Window: cfg.RateLimit.Window,
				// Providers deliver webhooks from shared egress IPs.
				Skip: func(r *http.Request) bool {
					return strings.HasPrefix(r.URL.Path, "/api/webhooks/")
				},
			}),
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.Instrument("checkout-api", routeFinder, m),
			httpmiddleware.LogRequests(routeFinder),
			httpmiddleware.Labeler(routeFinder),
		),
	}

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}

// API is the wired checkout API without health endpoints or the outer
// middleware chain.
type API struct {
	Router chi.Router

	closers []func()
}

// NewAPI builds repositories, domain services and the HTTP handler on top
// of pool.
func NewAPI(lg *zap.Logger, cfg *Config, pool *pgxpool.Pool, mp metric.MeterProvider, tp trace.TracerProvider) (*API, error) {
	// Repositories.
	programRepo := program.NewCachedRepository(postgres.NewProgramRepository(pool), cfg.Cache.ProgramTTL)
	couponRepo := postgres.NewCouponRepository(pool)
	mappingRepo := postgres.NewMappingRepository(pool)
	purchaseRepo := postgres.NewPurchaseRepository(pool)
	apikeyRepo := postgres.NewAPIKeyRepository(pool)

	// Domain services.
	couponResolver := coupon.NewResolver(couponRepo, cfg.Cache.CouponTTL)
	calculator := pricing.NewCalculator(programRepo, couponResolver)
	mappingResolver := mapping.NewResolver(mappingRepo, programRepo)
	gateways := newGateways(cfg)
	lg.Info("Payment gateways enabled", zap.Strings("providers", gateways.Names()))

	api := &API{}
	tracker, closeTracker := newTracker(lg, cfg.Marketing)
	api.closers = append(api.closers, closeTracker)

	checkoutSvc, err := checkout.NewService(
		checkout.Config{
			PublicBaseURL:    cfg.PublicBaseURL,
			AutoApplyCoupons: cfg.Features.AutoApplyCoupons,
		},
		calculator,
		purchaseRepo,
		mappingResolver,
		gateways,
		checkout.WithMeterProvider(mp),
		checkout.WithTracerProvider(tp),
	)
	if err != nil {
		api.Close()
		return nil, errors.Wrap(err, "create checkout service")
	}

	reconcileSvc, err := reconcile.NewService(
		reconcile.Config{EffectTimeout: cfg.EffectTimeout},
		gateways,
		purchaseRepo,
		mappingResolver,
		fulfillment.New(fulfillment.Config{
			URL:     cfg.Fulfillment.URL,
			Secret:  cfg.Fulfillment.Secret,
			Timeout: cfg.Fulfillment.Timeout,
		}),
		tracker,
		reconcile.WithMeterProvider(mp),
		reconcile.WithTracerProvider(tp),
	)
	if err != nil {
		api.Close()
		return nil, errors.Wrap(err, "create reconcile service")
	}

	// HTTP handlers.
	h := handler.New(
		handler.Config{ExternalOrderOrigins: cfg.CORS.ExternalOrigins},
		checkoutSvc,
		reconcileSvc,
		gateways,
		auth.NewAuthenticator(apikeyRepo, []byte(cfg.APIKeyPepper)),
	)
	api.Router = h.Router()
	return api, nil
}

// Close releases background resources.
func (a *API) Close() {
	for _, c := range a.closers {
		c()
	}
}

// newGateways registers every gateway that has a base URL configured.
func newGateways(cfg *Config) *gateway.Registry {
	base := strings.TrimRight(cfg.PublicBaseURL, "/")
	reg := gateway.NewRegistry()
	if cfg.Card.BaseURL != "" {
		reg.Register(card.New(card.Config{
			BaseURL:       cfg.Card.BaseURL,
			ClientID:      cfg.Card.ClientID,
			ClientSecret:  cfg.Card.ClientSecret,
			WebhookSecret: cfg.Card.WebhookSecret,
			ReturnURL:     base + "/checkout/complete",
			CancelURL:     base + "/checkout/cancelled",
			Timeout:       cfg.Card.Timeout,
		}))
	}
	if cfg.Crypto.BaseURL != "" {
		reg.Register(cryptopay.New(cryptopay.Config{
			BaseURL:       cfg.Crypto.BaseURL,
			APIKey:        cfg.Crypto.APIKey,
			WebhookSecret: cfg.Crypto.WebhookSecret,
			ReturnURL:     base + "/checkout/complete",
			NotifyURL:     base + "/api/webhooks/" + cryptopay.Name,
			Timeout:       cfg.Crypto.Timeout,
		}))
	}
	return reg
}

// newTracker publishes to Kafka when brokers are configured and logs
// events otherwise.
func newTracker(lg *zap.Logger, cfg MarketingConfig) (marketing.Tracker, func()) {
	if cfg.Brokers == "" {
		return marketing.LogTracker{}, func() {}
	}
	t := marketing.NewKafkaTracker(marketing.KafkaConfig{
		Brokers: cfg.Brokers,
		Topic:   cfg.Topic,
		Timeout: cfg.Timeout,
	})
	return t, func() {
		if err := t.Close(); err != nil {
			lg.Warn("Close marketing tracker", zap.Error(err))
		}
	}
}
