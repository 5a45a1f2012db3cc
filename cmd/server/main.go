// main wires high-level dependencies, exposes the HTTP router, and keeps the
// server lifecycle small. Business logic lives in the internal packages.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	activitylogHandler "enroll/internal/activitylog/handler"
	"enroll/internal/guard"
	"enroll/internal/guard/idempotency"
	guardMetrics "enroll/internal/guard/metrics"
	"enroll/internal/guard/ratelimit"
	"enroll/internal/platform/config"
	"enroll/internal/platform/postgres"
	"enroll/internal/platform/redis"
	registrationHandler "enroll/internal/registration/handler"
	registrationService "enroll/internal/registration/service"
	registrationMemory "enroll/internal/registration/store/memory"
	"enroll/internal/registration/verifier"
	"enroll/pkg/platform/audit"
	"enroll/pkg/platform/audit/publisher"
	auditMemory "enroll/pkg/platform/audit/store/memory"
	auditPostgres "enroll/pkg/platform/audit/store/postgres"
	"enroll/pkg/platform/middleware/metadata"
	"enroll/pkg/platform/middleware/requesttime"
)

func main() {
	cfg := config.FromEnv()
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	ctx := context.Background()

	// Postgres backs everything when configured; Redis can take over the
	// guard's coordination stores; memory is the single-instance fallback.
	var pgClient *postgres.Client
	if cfg.PostgresDSN != "" {
		var err error
		pgClient, err = postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Error("connect postgres", "error", err)
			os.Exit(1)
		}
		defer pgClient.Close()
	}

	redisClient, err := redis.New(cfg.Redis)
	if err != nil {
		log.Error("connect redis", "error", err)
		os.Exit(1)
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	var auditStore audit.Store
	if pgClient != nil {
		db, err := pgClient.DB(ctx)
		if err != nil {
			log.Error("provision schema", "error", err)
			os.Exit(1)
		}
		auditStore = auditPostgres.New(db)
	} else {
		auditStore = auditMemory.New()
	}

	auditOpts := []audit.Option{audit.WithSlog(log)}
	kafkaPublisher, err := publisher.NewKafka(cfg.KafkaBrokers, cfg.SecurityEventTopic, log)
	if err != nil {
		log.Error("connect kafka", "error", err)
		os.Exit(1)
	}
	if kafkaPublisher != nil {
		defer kafkaPublisher.Close()
		auditOpts = append(auditOpts, audit.WithPublisher(kafkaPublisher))
	}
	auditor := audit.NewLogger(auditStore, auditOpts...)

	var rateStore ratelimit.Store
	var idemStore idempotency.Store
	switch {
	case redisClient != nil:
		rateStore = ratelimit.NewRedisStore(redisClient)
		idemStore = idempotency.NewRedisStore(redisClient)
	case pgClient != nil:
		rateStore = ratelimit.NewPostgresStore(pgClient)
		idemStore = idempotency.NewPostgresStore(pgClient)
	default:
		rateStore = ratelimit.NewMemoryStore()
		idemStore = idempotency.NewMemoryStore()
	}

	metrics := guardMetrics.New()
	limiter := ratelimit.NewLimiter(rateStore,
		ratelimit.WithAuditor(auditor),
		ratelimit.WithMetrics(metrics),
		ratelimit.WithSweepEveryN(cfg.Guard.SweepEveryN),
		ratelimit.WithSlog(log),
	)
	coordinator := idempotency.NewCoordinator(idemStore, idempotency.Config{
		InProgressTimeout: cfg.Guard.InProgressTimeout,
		SuccessTTL:        cfg.Guard.SuccessTTL,
		FailureTTL:        cfg.Guard.FailureTTL,
		SweepEveryN:       cfg.Guard.SweepEveryN,
	},
		idempotency.WithAuditor(auditor),
		idempotency.WithMetrics(metrics),
		idempotency.WithSlog(log),
	)
	apiGuard := guard.New(limiter, coordinator)

	var tokenVerifier verifier.Verifier = verifier.Bypass{}
	if cfg.IsProduction() {
		tokenVerifier = verifier.NewHTTP(cfg.Verifier.URL, cfg.Verifier.Secret, log)
	}

	regService := registrationService.New(registrationMemory.New(),
		registrationService.WithAuditor(auditor),
		registrationService.WithSlog(log),
	)

	router := chi.NewRouter()
	router.Use(chimiddleware.Recoverer)
	router.Use(requesttime.Middleware)
	router.Use(metadata.ClientMetadata)

	registrationHandler.New(regService, apiGuard, tokenVerifier, cfg.Guard, log,
		registrationHandler.WithAuditor(auditor),
	).Register(router)
	activitylogHandler.New(auditStore, log).Register(router)

	router.Handle("/metrics", promhttp.Handler())
	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if pgClient != nil {
			if err := pgClient.Health(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"status":"degraded","postgres":"down"}`))
				return
			}
		}
		if redisClient != nil {
			if err := redisClient.Health(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"status":"degraded","redis":"down"}`))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info("starting enroll gateway", "addr", cfg.Addr, "environment", cfg.Environment)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}
