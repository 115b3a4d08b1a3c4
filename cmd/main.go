package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/amirriazizadeh/kastomy-shop/internal/cache"
	"github.com/amirriazizadeh/kastomy-shop/internal/discount"
	"github.com/amirriazizadeh/kastomy-shop/internal/gateway"
	"github.com/amirriazizadeh/kastomy-shop/internal/health"
	h "github.com/amirriazizadeh/kastomy-shop/internal/http"
	"github.com/amirriazizadeh/kastomy-shop/internal/inventory"
	"github.com/amirriazizadeh/kastomy-shop/internal/publisher"
	"github.com/amirriazizadeh/kastomy-shop/internal/repository"
	"github.com/amirriazizadeh/kastomy-shop/internal/service"
	"github.com/amirriazizadeh/kastomy-shop/internal/sweeper"
	"github.com/amirriazizadeh/kastomy-shop/pkg/config"
	"github.com/amirriazizadeh/kastomy-shop/pkg/logger"
	"github.com/amirriazizadeh/kastomy-shop/pkg/metrics"
	"github.com/amirriazizadeh/kastomy-shop/pkg/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	l, err := logger.New(cfg.LogLevel, cfg.ServiceName)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = l.Sync() }()

	if err := run(cfg, l); err != nil {
		l.Fatal("service stopped with error", zap.Error(err))
	}
}

func run(cfg *config.Config, l *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer := telemetry.Noop
	if cfg.OTELEnabled {
		var err error
		if shutdownTracer, err = telemetry.SetupTracer(ctx, cfg.ServiceName); err != nil {
			return fmt.Errorf("setup tracer: %w", err)
		}
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			l.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg, "kastomy_shop")

	cred := &repository.Credentials{
		Host:              cfg.DBHost,
		Port:              cfg.DBPort,
		User:              cfg.DBUser,
		Password:          cfg.DBPassword,
		DBName:            cfg.DBName,
		MigrationsDirPath: cfg.MigrationsDir,
	}
	repo, err := repository.NewRepository(cred)
	if err != nil {
		return err
	}
	defer repo.Close()
	if err := repo.RunMigrations(cred); err != nil {
		return err
	}
	l.Info("database ready", zap.String("host", cfg.DBHost), zap.String("db", cfg.DBName))

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()
	idem := cache.NewIdempotencyStore(rdb, cfg.ServiceName, cfg.IdempotencyTTL)

	gw := gateway.NewClient(gateway.Config{
		MerchantID:       cfg.GatewayMerchantID,
		RequestURL:       cfg.GatewayRequestURL,
		VerifyURL:        cfg.GatewayVerifyURL,
		StartPayURL:      cfg.GatewayStartPayURL,
		Timeout:          cfg.GatewayTimeout,
		AmountMultiplier: cfg.GatewayAmountMultiplier,
		VerifyAttempts:   cfg.GatewayVerifyAttempts,
		VerifyBackoff:    cfg.GatewayVerifyBackoff,
	}, &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}, m, l.Named("gateway"))

	ledger := inventory.NewLedger()
	engine := discount.NewEngine()
	orch := service.NewOrchestrator(repo, ledger, engine, gw, cfg.GatewayCallbackURL, m, l.Named("checkout"))
	reconciler := service.NewReconciler(repo, ledger, gw, m, l.Named("settlement"))
	carts := service.NewCartService(repo, engine, service.CartConfig{
		TTL:         cfg.CartTTL,
		MaxQuantity: cfg.MaxItemQuantity,
	}, l.Named("cart"))

	brokers := cfg.Brokers()
	writer := publisher.NewKafkaWriter(cfg.NotificationTopic, brokers...)
	poller := publisher.NewOutboxPoller(repo, writer, cfg.OutboxPollInterval, m, l.Named("outbox"))

	healthSrv := health.NewServer(map[string]health.Checker{
		"postgres": repo,
		"redis":    idem,
		"kafka":    health.CheckerFunc(func(ctx context.Context) error { return pingKafka(ctx, brokers) }),
	}, cfg.HealthProbeInterval, l.Named("health"))
	healthSrv.ProbeOnce(ctx)

	handlers := h.Handlers{
		Checkout: h.NewCheckoutHandler(orch, idem, cfg.RequestTimeout, l),
		Payments: h.NewPaymentsHandler(reconciler, orch, h.ResultPageConfig{
			FrontendURL: cfg.FrontendResultURL,
			Delay:       cfg.ResultRedirectDelay,
		}, cfg.RequestTimeout, l),
		Orders: h.NewOrdersHandler(orch, cfg.RequestTimeout, l),
		Cart:   h.NewCartHandler(carts, cfg.RequestTimeout, l),
	}
	router := h.NewRouter(h.RouterConfig{
		RequestTimeout: cfg.RequestTimeout,
		MaxRequestBody: cfg.MaxRequestBody,
		AdminToken:     cfg.AdminToken,
	}, handlers, healthSrv, m, reg, l.Named("http"))

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	lis, err := net.Listen("tcp", ":"+cfg.GRPCHealthPort)
	if err != nil {
		return fmt.Errorf("listen on health port: %w", err)
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 2)
	start := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	start(func() { poller.Run(ctx) })
	start(func() { healthSrv.Probe(ctx) })
	if cfg.CartSweepInterval > 0 {
		sw := sweeper.New(repo, cfg.CartSweepInterval, l.Named("sweeper"))
		start(func() { sw.Run(ctx) })
	}
	start(func() {
		l.Info("grpc health server starting", zap.String("port", cfg.GRPCHealthPort))
		if err := healthSrv.Serve(lis); err != nil {
			errCh <- fmt.Errorf("health server: %w", err)
		}
	})
	go func() {
		l.Info("http server starting", zap.String("port", cfg.HTTPPort))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		l.Info("shutting down")
	case runErr = <-errCh:
		l.Error("server failed, shutting down", zap.Error(runErr))
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		l.Error("http server forced to shutdown", zap.Error(err))
	}
	healthSrv.Stop()
	wg.Wait()
	if err := writer.Close(); err != nil {
		l.Warn("kafka writer close failed", zap.Error(err))
	}

	l.Info("server exited")
	return runErr
}

func pingKafka(ctx context.Context, brokers []string) error {
	if len(brokers) == 0 {
		return errors.New("no kafka brokers configured")
	}
	var dialer kafka.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", brokers[0])
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Brokers()
	return err
}
