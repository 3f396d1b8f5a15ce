package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hivegrid/coordinator/internal/aggregator"
	"github.com/hivegrid/coordinator/internal/cache"
	"github.com/hivegrid/coordinator/internal/config"
	"github.com/hivegrid/coordinator/internal/failover"
	"github.com/hivegrid/coordinator/internal/handler"
	"github.com/hivegrid/coordinator/internal/health"
	"github.com/hivegrid/coordinator/internal/metrics"
	"github.com/hivegrid/coordinator/internal/middleware"
	"github.com/hivegrid/coordinator/internal/registry"
	"github.com/hivegrid/coordinator/internal/scheduler"
	"github.com/hivegrid/coordinator/internal/service"
	"github.com/hivegrid/coordinator/internal/store"
	"github.com/hivegrid/coordinator/internal/ws"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
)

func main() {
	configPath := flag.String("config", "", "optional YAML config file")
	flag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	// ── Configuration ──
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()

	// ── Redis (result cache / request collapsing) ──
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("connect to redis", zap.String("addr", cfg.RedisAddr), zap.Error(err))
	}
	log.Info("connected to redis", zap.String("addr", cfg.RedisAddr))

	// ── SQL Store ──
	st, err := store.NewStore(postgres.Open(cfg.DBDSN()), log)
	if err != nil {
		log.Fatal("init store", zap.Error(err))
	}
	log.Info("database initialised",
		zap.String("host", cfg.DBHost), zap.String("db", cfg.DBName))

	// ── Core engine ──
	met := metrics.New(prometheus.DefaultRegisterer)
	reg := registry.New(log)
	sched := scheduler.New(reg, scheduler.Weights{
		Reputation: cfg.WeightReputation,
		Latency:    cfg.WeightLatency,
		Load:       cfg.WeightLoad,
	}, cfg.SuspectPenalty, log)
	engine := failover.New(reg, sched, failover.Config{
		MaxAttempts:       cfg.MaxAttempts,
		SweepTick:         cfg.SweepTick,
		ReputationReward:  cfg.ReputationReward,
		ReputationPenalty: cfg.ReputationPenalty,
	}, met, log)
	agg := aggregator.New(engine, st, cfg.StreamBufferDepth, met, log)
	engine.SetSink(agg)

	hub := ws.NewHub(reg, agg, met, log)
	engine.SetDispatcher(hub)

	resultCache := cache.New(rdb, cfg.ResultCacheTTL, cfg.InflightTTL, log)
	svc := service.NewBrokerService(engine, agg, resultCache, st, cfg, met, log)

	// ── Background loops ──
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	monitor := health.New(reg, health.Config{
		Tick:         cfg.MonitorTick,
		SuspectAfter: cfg.SuspectAfter,
		DeadAfter:    cfg.DeadAfter,
		EvictAfter:   cfg.EvictAfter,
	}, engine.HandlePeerDeath, func(peerID, event string) {
		st.LogPeerEvent(peerID, event, "")
	}, log)
	go monitor.Start(bgCtx)
	go engine.Start(bgCtx)

	// ── Gin Router ──
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.CORS())
	r.Use(middleware.Logger(log))
	r.Use(middleware.RequesterID())

	h := handler.NewHandler(svc, hub, agg, reg, log)
	h.RegisterRoutes(r)

	// ── HTTP Server with graceful shutdown ──
	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}

	go func() {
		log.Info("coordinator listening", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("listen error", zap.Error(err))
		}
	}()

	// ── Graceful Shutdown ──
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down coordinator")
	bgCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("server shutdown error", zap.Error(err))
	}

	st.Close()
	rdb.Close()
	log.Info("coordinator exited cleanly")
}
