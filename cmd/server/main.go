package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"compute-generation-service/internal/api"
	"compute-generation-service/internal/archive"
	"compute-generation-service/internal/config"
	"compute-generation-service/internal/generation"
	"compute-generation-service/internal/leader"
	"compute-generation-service/internal/queue"
	"compute-generation-service/internal/ratelimit"
	"compute-generation-service/internal/remote"
	"compute-generation-service/internal/store"
	"compute-generation-service/internal/worker"
)

func main() {
	cfg := config.Load()

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	if cfg.Env == "dev" {
		log.SetLevel(logrus.DebugLevel)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.WithError(err).Fatal("connect postgres")
	}
	defer st.Close()
	if err := st.RunMigrations(ctx); err != nil {
		log.WithError(err).Fatal("run migrations")
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	q := queue.New(redisClient, cfg.VisibilityTimeout)
	limiter := ratelimit.NewOrgBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	archiver, err := archive.New(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("init report archive")
	}

	orch := generation.NewOrchestrator(
		st,
		remote.NewCatalog(cfg),
		remote.NewValidator(cfg),
		remote.NewGit(cfg),
		remote.NewGenerator(cfg),
		remote.NewDNS(cfg),
		generation.Options{
			TargetBranch:  cfg.TargetBranch,
			PromotionMode: cfg.PromotionMode && cfg.Env == "production",
		},
		log,
	)

	// The worker and its schedule exist once per process but only run while
	// this process holds the leader lock.
	svc := worker.NewService(cfg, q, orch, st, archiver, log)
	elector := leader.New(redisClient, log, leader.Options{
		LockKey:    cfg.LeaderLockKey,
		TTL:        cfg.LeaderLockTTL,
		RenewEvery: cfg.LeaderRenew,
		RetryEvery: cfg.LeaderRetry,
		OnLeader:   svc.Start,
		OnFollower: svc.Stop,
	})
	go elector.Run(ctx)

	server := api.New(cfg, api.Deps{
		Store:     st,
		Queue:     q,
		Limiter:   limiter,
		Catalog:   remote.NewCatalog(cfg),
		Validator: remote.NewValidator(cfg),
		Migration: remote.NewMigration(cfg),
		Resolver:  remote.NewResolver(cfg),
		Cleaner:   remote.NewCleaner(cfg),
		Leader:    elector,
	}, log)

	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}
	go func() {
		log.WithField("port", cfg.HTTPPort).Info("api listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	svc.Stop()
}
