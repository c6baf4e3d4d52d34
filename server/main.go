// FocusHive backend: auth gateway, presence core, timer core,
// partnership engine and the realtime delta stream, behind one HTTP
// listener.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/focushive/focushive/backend/auth"
	"github.com/focushive/focushive/backend/buddy"
	"github.com/focushive/focushive/backend/bus"
	"github.com/focushive/focushive/backend/clock"
	"github.com/focushive/focushive/backend/config"
	"github.com/focushive/focushive/backend/hive"
	"github.com/focushive/focushive/backend/notify"
	"github.com/focushive/focushive/backend/presence"
	"github.com/focushive/focushive/backend/realtime"
	"github.com/focushive/focushive/backend/repo"
	"github.com/focushive/focushive/backend/resilience"
	"github.com/focushive/focushive/backend/store"
	"github.com/focushive/focushive/backend/timer"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("configuration invalid", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Shared KV store. Redis carries presence, revocations, the JWKS
	// mirror and the cross-node relay; without it the node runs
	// standalone on process-local state.
	var kv store.KeyValueStore
	if cfg.RedisAddr != "" {
		redis, err := store.NewRedisStore(cfg.RedisAddr, "", cfg.RedisDB)
		if err != nil {
			logger.Fatal("redis unreachable", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		}
		kv = redis
		logger.Info("connected to redis", zap.String("addr", cfg.RedisAddr))
	} else {
		kv = store.NewMemoryStore()
		logger.Warn("REDIS_ADDR unset, running single-node on in-memory state")
	}
	defer kv.Close()

	// Durable repositories.
	var (
		hiveRepo        hive.Repository
		sessionRepo     timer.SessionRepo
		templateRepo    timer.TemplateRepo
		partnershipRepo buddy.PartnershipRepo
		checkinRepo     buddy.CheckinRepo
		goalRepo        buddy.GoalRepo
	)
	if cfg.PostgresURL != "" {
		pg, err := repo.NewPostgres(ctx, cfg.PostgresURL)
		if err != nil {
			logger.Fatal("postgres unreachable", zap.Error(err))
		}
		defer pg.Close()
		if err := pg.Migrate(ctx); err != nil {
			logger.Fatal("schema migration failed", zap.Error(err))
		}
		hiveRepo, sessionRepo, templateRepo = pg, pg, pg
		partnershipRepo, checkinRepo, goalRepo = pg, pg, pg
		logger.Info("connected to postgres")
	} else {
		timers := repo.NewMemoryTimers()
		buddies := repo.NewMemoryPartnerships()
		hiveRepo = repo.NewMemoryHives()
		sessionRepo, templateRepo = timers, timers
		partnershipRepo, checkinRepo, goalRepo = buddies, buddies, buddies
		logger.Warn("POSTGRES_URL unset, state will not survive restart")
	}

	clk := clock.Real{}
	sched := clock.NewTimerScheduler()
	defer sched.Stop()

	broker := bus.NewBus(logger, bus.DefaultQueueSize)
	relay := bus.NewRelay(broker, kv, logger)
	seq := bus.NewSequencer()
	go relay.Run(ctx)

	// Resilience fabrics, one per downstream dependency.
	notifyFabric := resilience.New(cfg.Dependencies[config.DepNotification], nil, logger)
	notifier := notify.NewClient(notifyFabric, &notify.LogSender{Logger: logger}, logger)
	go notifier.Run(ctx)

	identityFabric := resilience.New(cfg.Dependencies[config.DepIdentity], nil, logger)
	keys := auth.NewKeySource(cfg.Auth.JWKSURL, kv, identityFabric, cfg.Auth.KeyTTL, cfg.Auth.NegativeKeyTTL, logger)
	revoked := auth.NewRevocationSet(kv, clk)
	gateway := auth.NewGateway(cfg.Auth, keys, revoked, clk, logger)

	tracker := presence.NewTracker(kv, relay, seq, sched, clk, cfg.Presence, logger)
	go tracker.Run(ctx)

	timers := timer.NewService(sessionRepo, templateRepo, relay, seq, sched, clk, cfg.Timer, logger)
	for _, t := range timer.SystemTemplates() {
		if err := templateRepo.CreateTemplate(ctx, t); err != nil {
			logger.Warn("seed template", zap.String("name", t.Name), zap.Error(err))
		}
	}
	go timers.Run(ctx)

	profiles := buddy.NewKVProfiles(kv)
	buddies := buddy.NewService(partnershipRepo, checkinRepo, goalRepo, profiles,
		relay, seq, notifier, clk, cfg.Partnership, logger)
	go buddies.Run(ctx, time.Hour)

	hives := hive.NewService(hiveRepo, clk, logger)
	hub := realtime.NewHub(gateway, tracker, broker, logger)

	api := &API{
		gateway:  gateway,
		hives:    hives,
		timers:   timers,
		buddies:  buddies,
		profiles: profiles,
		tracker:  tracker,
		hub:      hub,
		log:      logger,
		limits:   cfg.RateLimits,
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listener failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	hub.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", zap.Error(err))
	}
}
