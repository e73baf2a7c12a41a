package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dennisdiepolder/monti/comms/internal/activity"
	"github.com/dennisdiepolder/monti/comms/internal/aggregator"
	"github.com/dennisdiepolder/monti/comms/internal/alerts"
	"github.com/dennisdiepolder/monti/comms/internal/api"
	"github.com/dennisdiepolder/monti/comms/internal/auth"
	"github.com/dennisdiepolder/monti/comms/internal/broadcast"
	"github.com/dennisdiepolder/monti/comms/internal/config"
	"github.com/dennisdiepolder/monti/comms/internal/contact"
	"github.com/dennisdiepolder/monti/comms/internal/crm"
	"github.com/dennisdiepolder/monti/comms/internal/ingestion"
	"github.com/dennisdiepolder/monti/comms/internal/ledger"
	"github.com/dennisdiepolder/monti/comms/internal/lifecycle"
	"github.com/dennisdiepolder/monti/comms/internal/metrics"
	"github.com/dennisdiepolder/monti/comms/internal/routing"
	"github.com/dennisdiepolder/monti/comms/internal/scheduler"
	"github.com/dennisdiepolder/monti/comms/internal/signature"
	"github.com/dennisdiepolder/monti/comms/internal/storage"
	"github.com/dennisdiepolder/monti/comms/internal/ticker"
	"github.com/dennisdiepolder/monti/comms/internal/types"
	"github.com/dennisdiepolder/monti/comms/internal/webhook"
	"github.com/dennisdiepolder/monti/comms/internal/websocket"
	"github.com/dennisdiepolder/monti/comms/pkg/middleware"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Configure logger
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warn().Str("level", cfg.LogLevel).Msg("invalid log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Info().
		Str("port", cfg.Port).
		Str("store", cfg.StoreBackend).
		Str("ledger", cfg.LedgerBackend).
		Str("broadcast", cfg.BroadcastTransport).
		Strs("queues", cfg.Queues).
		Msg("starting comms core")

	if cfg.SkipSignature {
		log.Warn().Msg("provider signature verification is DISABLED")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Durable store
	store, err := storage.NewStore(ctx, cfg.StoreBackend, cfg.DatabaseURL, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}
	defer store.Close()

	var rdb *redis.Client
	if cfg.LedgerBackend == "redis" || cfg.BroadcastTransport == broadcast.TransportRedis {
		rdb, err = connectRedis(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer rdb.Close()
	}

	// Idempotency ledger
	var idem ledger.Ledger
	if cfg.LedgerBackend == "redis" {
		idem = ledger.NewRedisLedger(rdb, cfg.LedgerTTL)
	} else {
		mem := ledger.NewMemoryLedger(cfg.LedgerTTL)
		idem = mem
		sweeper := ticker.NewTicker("ledger_sweep", time.Minute, func(context.Context) int { return mem.Sweep() }, log.Logger)
		go sweeper.Start(ctx)
	}

	// Live clients
	hub := websocket.NewHub(log.Logger)
	go hub.Run()

	var transport broadcast.Transport
	if cfg.BroadcastTransport == broadcast.TransportRedis {
		rt := broadcast.NewRedisTransport(rdb, hub, log.Logger)
		go rt.Run(ctx)
		transport = rt
	} else {
		transport = broadcast.NewLocalTransport(hub)
	}
	broadcaster := broadcast.New(transport, log.Logger)

	// Enrichment and routing
	crmClient := crm.NewClient(cfg.CRMBaseURL, cfg.CRMAPIToken)
	resolver := contact.NewResolver(crmClient, store, cfg.CRMTimeout, cfg.ContactCacheTTL, log.Logger)

	engine := routing.NewEngine(types.QueueName(cfg.DefaultQueue), cfg.TopicSkills, cfg.RoutingTimezone)
	if cfg.RoutingRulesFile != "" {
		rules, err := routing.LoadFile(cfg.RoutingRulesFile)
		if err != nil {
			log.Fatal().Err(err).Str("file", cfg.RoutingRulesFile).Msg("failed to load routing rules")
		}
		if err := engine.Replace(rules); err != nil {
			log.Fatal().Err(err).Msg("invalid routing rules")
		}
		log.Info().Int("rules", len(rules)).Msg("routing rules loaded")
	}

	// Task scheduler
	sched := scheduler.New(scheduler.Options{
		Queues:             scheduler.DefaultQueueConfigs(cfg.Queues),
		ReservationTimeout: cfg.ReservationTimeout,
		MaxQueueWait:       cfg.MaxQueueWait,
		Store:              store,
		Notifier:           broadcaster,
	}, log.Logger)
	if err := restoreScheduler(ctx, sched, store); err != nil {
		log.Fatal().Err(err).Msg("failed to restore scheduler state")
	}
	go sched.Start(ctx)

	// Activity logging
	activityLogger := activity.NewLogger(crmClient, store, broadcaster, activity.Options{
		MaxAttempts: cfg.ActivityMaxAttempts,
		RetryBase:   cfg.ActivityRetryBase,
		RetryMax:    cfg.ActivityRetryMax,
		Interval:    cfg.ActivityRetryInterval,
		Timeout:     cfg.CRMTimeout,
	}, log.Logger)
	go activityLogger.Run(ctx)

	processor := ingestion.NewProcessor(ingestion.Deps{
		Ledger:    idem,
		Machine:   lifecycle.NewMachine(store, log.Logger),
		Resolver:  resolver,
		Router:    engine,
		Scheduler: sched,
		Activity:  activityLogger,
		Notifier:  broadcaster,
	}, log.Logger)

	receiver := webhook.NewReceiver(signature.NewVerifier(cfg.ProviderAuthToken), processor, webhook.Options{
		PublicBaseURL: cfg.PublicBaseURL,
		MaxBodyBytes:  cfg.WebhookMaxBodyBytes,
		SkipSignature: cfg.SkipSignature,
	}, log.Logger)

	statusAggregator := aggregator.NewAggregator(sched, store, broadcaster, cfg.StatusInterval,
		alerts.Thresholds{Backlog: cfg.BacklogAlertThreshold}, log.Logger)
	go statusAggregator.Start(ctx)

	limiter := middleware.NewRateLimiter(cfg.WebhookRateLimit, cfg.WebhookRateBurst, time.Minute)
	defer limiter.Stop()

	wsHandler := websocket.NewHandler(hub, cfg, log.Logger)
	handlers := api.Handlers{
		Query:   api.NewQueryHandler(store, sched, engine, statusAggregator, log.Logger),
		Tasks:   api.NewTaskActionsHandler(sched, processor, log.Logger),
		Workers: api.NewWorkersHandler(sched, log.Logger),
		Admin:   api.NewAdminHandler(engine, activityLogger, log.Logger),
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger(log.Logger))
	r.Use(chimiddleware.Recoverer)

	// Public routes
	r.Get("/health", healthHandler)
	r.Handle("/metrics", metrics.Get().Handler())

	// Provider webhooks authenticate by signature
	r.Route("/webhooks", func(r chi.Router) {
		r.Use(limiter.Handler)
		receiver.Routes(r)
		r.Get("/stats", receiver.GetStats)
	})

	// Operator routes
	r.Group(func(r chi.Router) {
		r.Use(middleware.CORS(cfg.AllowedOrigins))
		r.Use(auth.Middleware)
		r.Get("/ws", wsHandler.ServeHTTP)
		r.Route("/api", func(r chi.Router) {
			api.Mount(r, handlers)
		})
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Msgf("server listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop accepting webhooks first so in-flight events finish against live
	// dependencies
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	processor.Wait()
	cancel()
	activityLogger.Wait()
	sched.Stop()

	log.Info().Msg("server stopped")
}

func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

// restoreScheduler reloads workers and open tasks after a restart
func restoreScheduler(ctx context.Context, sched *scheduler.Scheduler, store storage.Store) error {
	workers, err := store.ListWorkers(ctx)
	if err != nil {
		return fmt.Errorf("list workers: %w", err)
	}
	tasks, err := store.ListTasks(ctx, storage.TaskFilter{})
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}

	open := tasks[:0]
	for _, t := range tasks {
		if !t.State.IsTerminal() {
			open = append(open, t)
		}
	}
	sched.Restore(workers, open)

	log.Info().Int("workers", len(workers)).Int("open_tasks", len(open)).Msg("scheduler restored")
	return nil
}

// healthHandler handles health check requests
func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","service":"comms-core"}`)
}
