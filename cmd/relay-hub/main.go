package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/cache"
	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/command"
	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/config"
	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/events"
	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/httpapi"
	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/mqtt"
	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/notify"
	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/observability"
	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/provision"
	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/realtime"
	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/reconcile"
	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/registry"
	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/retention"
	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/scheduler"
	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/store"
	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/topic"
)

const serviceName = "relay-hub"

func main() {
	cfg, err := config.Load(os.Getenv("RELAY_HUB_CONFIG"))
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}
	setupLogging(cfg.LogLevel)
	slog.Info("relay-hub config loaded", "config", cfg)

	if missing := cfg.Missing(); len(missing) > 0 {
		for _, key := range missing {
			slog.Error("missing required env", "key", key)
		}
		os.Exit(1)
	}

	shutdownObs, promHandler, tracer := observability.SetupObservability(serviceName, cfg.OTLPEndpoint)
	defer shutdownObs()

	pubKey, err := httpapi.LoadRSAPublicKey(cfg.JWTPublicKeyPath)
	if err != nil {
		slog.Error("failed to load JWT public key", "path", cfg.JWTPublicKeyPath, "error", err)
		os.Exit(1)
	}

	db, err := store.OpenPostgres(cfg.PostgresUser, cfg.PostgresPassword, cfg.PostgresDB, cfg.PostgresHost, cfg.PostgresPort, cfg.PostgresSSLMode)
	if err != nil {
		slog.Error("db connect failed", "error", err)
		os.Exit(1)
	}
	repo, err := store.New(db)
	if err != nil {
		slog.Error("db migrate failed", "error", err)
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		slog.Error("redis init failed", "error", err)
		os.Exit(1)
	}
	defer rdb.Close()
	latest := cache.NewLatest(rdb, cache.DefaultTTL)

	queue := events.NewQueue(cfg.EventQueueSize)
	queue.OnDrop(func(ev events.Event) {
		observability.EventDropped(ev.Name)
	})
	hub := realtime.NewHub(originCheck(cfg.CORSOrigins))

	reg := registry.New(repo, queue)
	reg.InvalidateOnRemove(latest)
	fanout := notify.New(repo, queue, cfg.NotificationCap)

	if rep, err := provision.LoadAndApply(context.Background(), reg, cfg.ProvisionFile); err != nil {
		slog.Error("provisioning failed", "path", cfg.ProvisionFile, "error", err)
		os.Exit(1)
	} else if cfg.ProvisionFile != "" {
		slog.Info("provisioning applied", "created", rep.Created, "existing", rep.Existing)
	}

	mq, err := mqtt.Connect(cfg.MQTTBrokerURL, cfg.MQTTClientID)
	if err != nil {
		slog.Error("mqtt connect failed", "error", err)
		os.Exit(1)
	}

	router := topic.Router{Prefix: cfg.MQTTTopicPrefix}
	commands := command.NewPublisher(mq, router)
	engine := reconcile.New(reconcile.Deps{
		Router:   router,
		Devices:  reg,
		Samples:  repo,
		Notifier: fanout,
		Commands: commands,
		Events:   queue,
		Latest:   latest,
	})
	sched := scheduler.New(repo, reg, commands, fanout, queue, scheduler.Options{Interval: cfg.ScheduleInterval})
	sweeper := retention.New(repo, retention.Options{
		Interval:     cfg.RetentionInterval,
		SampleWindow: cfg.RetentionSampleWindow,
		NotifyCap:    cfg.NotificationCap,
	})

	loopsCtx, cancelLoops := context.WithCancel(context.Background())
	defer cancelLoops()

	subs, err := engine.Subscribe(loopsCtx, mq)
	if err != nil {
		slog.Error("mqtt subscribe failed", "error", err)
		os.Exit(1)
	}

	srv := httpapi.NewServer(httpapi.Deps{
		Devices:       reg,
		Commands:      engine,
		Schedules:     sched,
		Notifications: fanout,
		Readings:      repo,
		Cache:         latest,
		Sessions:      hub,
		PublicKey:     pubKey,
		CORSOrigins:   cfg.CORSOrigins,
		Metrics:       promHandler,
		Tracer:        tracer,
		ServiceName:   serviceName,
	})
	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(loopsCtx)
	g.Go(func() error { return queue.Run(gctx, hub) })
	g.Go(func() error { return sweeper.Run(gctx) })
	g.Go(func() error {
		slog.Info("relay-hub listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if err := sched.Start(gctx); err != nil {
		slog.Error("scheduler start failed", "error", err)
		os.Exit(1)
	}

	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-stop:
		slog.Info("shutdown requested")
	case <-gctx.Done():
		slog.Error("worker failed, shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", "error", err)
	}
	engine.Detach(mq, subs)
	sched.Stop()
	cancelLoops()
	if err := g.Wait(); err != nil {
		slog.Error("worker exited with error", "error", err)
	}
	hub.Close()
	mq.Close()
	slog.Info("relay-hub stopped")
}

// originCheck allows websocket upgrades from the configured CORS origins.
func originCheck(origins []string) func(*http.Request) bool {
	if len(origins) == 0 || slices.Contains(origins, "*") {
		return nil
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(origins, origin)
	}
}

func setupLogging(level string) {
	lvl := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	h := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(h))
}
