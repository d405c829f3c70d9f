package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/yoockh/callguard/config"
	"github.com/yoockh/callguard/internal/api/handlers"
	"github.com/yoockh/callguard/internal/api/middleware"
	"github.com/yoockh/callguard/internal/api/routes"
	"github.com/yoockh/callguard/internal/audio"
	"github.com/yoockh/callguard/internal/auth"
	"github.com/yoockh/callguard/internal/cache"
	"github.com/yoockh/callguard/internal/connection"
	"github.com/yoockh/callguard/internal/events"
	"github.com/yoockh/callguard/internal/logger"
	"github.com/yoockh/callguard/internal/metrics"
	"github.com/yoockh/callguard/internal/providers/llm"
	"github.com/yoockh/callguard/internal/providers/stt"
	mongorepo "github.com/yoockh/callguard/internal/repositories/mongo"
	pgrepo "github.com/yoockh/callguard/internal/repositories/postgres"
	"github.com/yoockh/callguard/internal/services"
	"github.com/yoockh/callguard/internal/session"
	"github.com/yoockh/callguard/internal/storage"
	"github.com/yoockh/callguard/internal/workers"
)

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the realtime gateway (default)",
		RunE:  runServe,
	})
}

type closer struct {
	name string
	fn   func(context.Context) error
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logger.NewWithLevel(cfg.LogLevel)
	log.WithField("config", cfg.String()).Info("starting callguard")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// closers run in reverse order on shutdown
	var closers []closer
	checks := map[string]func(context.Context) error{}

	// Reconnection records
	var recordCache cache.Cache = cache.NewMemoryCache()
	if cfg.RedisURL != "" {
		rdb, err := config.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		rc := cache.NewRedisCache(rdb, "callguard:")
		recordCache = rc
		checks["redis"] = rc.Ping
		closers = append(closers, closer{"redis", func(context.Context) error { return rdb.Close() }})
		log.Info("redis connected")
	} else {
		log.Warn("REDIS_ADDR not set, reconnection records kept in memory")
	}

	// Session documents
	var sessionRepo mongorepo.SessionRepository
	if cfg.MongoURI != "" {
		client, err := config.NewMongo(ctx, cfg.MongoURI)
		if err != nil {
			return err
		}
		db := client.Database(cfg.MongoDB)
		if err := config.EnsureMongoIndexes(ctx, db); err != nil {
			log.WithError(err).Warn("ensure mongo indexes failed")
		}
		sessionRepo = mongorepo.NewSessionRepo(db)
		closers = append(closers, closer{"mongo", client.Disconnect})
		log.Info("mongodb connected")
	}

	// Call analytics
	var callLogRepo pgrepo.CallLogRepo
	if cfg.PostgresURI != "" {
		gdb, err := config.NewPostgres(cfg.PostgresURI)
		if err != nil {
			return err
		}
		callLogRepo = pgrepo.NewCallLogRepo(gdb)
		if err := callLogRepo.Migrate(ctx); err != nil {
			return err
		}
		if sqlDB, err := gdb.DB(); err == nil {
			closers = append(closers, closer{"postgres", func(context.Context) error { return sqlDB.Close() }})
		}
		log.Info("postgres connected")
	}

	callLogs := services.NewCallLogService(callLogRepo)
	sessionStore := services.NewSessionService(sessionRepo, callLogs)

	publisher := events.New(events.Config{
		Brokers:       cfg.KafkaBrokers,
		TopicSegments: cfg.KafkaTopicSegments,
		TopicReplies:  cfg.KafkaTopicReplies,
		Principal:     cfg.KafkaPrincipal,
	}, log, m)
	closers = append(closers, closer{"kafka", func(context.Context) error { return publisher.Close() }})

	// Downstream providers, all optional
	var sttProvider stt.Provider
	var llmProvider llm.Provider
	if cfg.GCPProject != "" {
		gs, err := stt.NewGoogleSpeech(ctx, cfg.STTLanguage)
		if err != nil {
			return err
		}
		sttProvider = gs
		closers = append(closers, closer{"stt", func(context.Context) error { return gs.Close() }})

		vg, err := llm.NewVertexGemini(ctx, cfg.GCPProject, cfg.GCPLocation, cfg.LLMModel)
		if err != nil {
			return err
		}
		llmProvider = vg
		closers = append(closers, closer{"llm", func(context.Context) error { return vg.Close() }})
	}
	var archive storage.Uploader
	if cfg.GCSBucket != "" {
		up, err := storage.NewGCSUploader(ctx, cfg.GCSBucket)
		if err != nil {
			return err
		}
		archive = up
		closers = append(closers, closer{"gcs", func(context.Context) error { return up.Close() }})
	}

	// Core
	mgr := connection.NewManager(connection.Config{
		MaxConnections:    cfg.MaxConnections,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		QueueSize:         cfg.QueueSize,
		QueueRetention:    cfg.QueueRetention,
		CleanupInterval:   cfg.CleanupInterval,
		RateLimitWindow:   cfg.RateLimitWindow,
		RateLimitMax:      cfg.RateLimitMax,
	}, log, m)

	audioOpts := audio.Options{
		SampleRate:       cfg.AudioSampleRate,
		Channels:         cfg.AudioChannels,
		BufferDurationMs: cfg.AudioBufferDurationMs,
		ChunkDurationMs:  cfg.AudioChunkDurationMs,
		EnergyThreshold:  cfg.VADEnergyThreshold,
		ZCRThreshold:     cfg.VADZCRThreshold,
	}
	proc := audio.NewProcessor(audio.Config{
		Defaults:        audioOpts,
		IdleTimeout:     cfg.StreamIdleTimeout,
		CleanupInterval: cfg.CleanupInterval,
	}, log, m)

	issuer := auth.NewIssuer(cfg.JWTSecret, cfg.JWTIssuer, cfg.TokenTTL)
	verifier := auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer)

	orch := session.New(session.Config{
		EnableAuth:           cfg.EnableAuth,
		EnableReconnect:      cfg.EnableReconnect,
		ReconnectTimeout:     cfg.ReconnectTimeout,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		Audio:                audioOpts,
	}, session.Deps{
		Gateway:  mgr,
		Audio:    proc,
		Verifier: verifier,
		Records:  session.NewCacheRecordStore(recordCache),
		Store:    sessionStore,
		Logger:   log,
		Metrics:  m,
	})
	pool := workers.NewSegmentPool(workers.Config{
		MaxConcurrent: cfg.WorkerLimit,
		LaneSize:      cfg.WorkerLaneSz,
		Language:      cfg.STTLanguage,
	}, workers.Deps{
		STT:     sttProvider,
		LLM:     llmProvider,
		Archive: archive,
		Events:  publisher,
		Out:     orch,
		Logger:  log,
		Metrics: m,
	})
	orch.SetSink(pool)
	mgr.SetObserver(orch)
	proc.SetObserver(orch)

	// HTTP
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger(log))
	routes.RegisterRoutes(r, routes.Deps{
		Checks:   checks,
		Verifier: verifier,
		Gatherer: reg,
		Auth:     handlers.NewAuthHandler(issuer, auth.NewCredentialChecker(cfg.APIKeyHash)),
		Session:  handlers.NewSessionHandler(orch, sessionStore, callLogs),
		Stats:    handlers.NewStatsHandler(mgr, orch, proc),
		WS:       handlers.NewWSHandler(mgr, nil, log),
	})
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	mgr.Start(ctx)
	proc.Start(ctx)
	orch.Start(ctx)

	serveErr := make(chan error, 1)
	go func() {
		log.WithField("addr", srv.Addr).Info("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case runErr = <-serveErr:
		log.WithError(runErr).Error("http server failed")
	}
	stop()

	return shutdown(log, cfg.ShutdownTimeout, srv, orch, mgr, proc, pool, closers, runErr)
}

func shutdown(log *logrus.Logger, timeout time.Duration, srv *http.Server, orch *session.Orchestrator,
	mgr *connection.Manager, proc *audio.Processor, pool *workers.SegmentPool, closers []closer, runErr error) error {

	watchdog := time.AfterFunc(timeout, func() {
		log.Error("graceful shutdown timed out, forcing exit")
		os.Exit(1)
	})
	defer watchdog.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	steps := []closer{
		{"http", srv.Shutdown},
		{"sessions", orch.Shutdown},
		{"connections", mgr.Shutdown},
		{"audio", proc.Shutdown},
		{"pipeline", pool.Close},
	}
	for i := len(closers) - 1; i >= 0; i-- {
		steps = append(steps, closers[i])
	}
	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			log.WithError(err).WithField("step", s.name).Warn("shutdown step failed")
		}
	}
	log.Info("shutdown complete")
	return runErr
}
