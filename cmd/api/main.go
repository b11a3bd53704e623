package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/droppointhq/droppoint/internal/api"
	"github.com/droppointhq/droppoint/internal/auth"
	"github.com/droppointhq/droppoint/internal/config"
	"github.com/droppointhq/droppoint/internal/database"
	"github.com/droppointhq/droppoint/internal/engine"
	"github.com/droppointhq/droppoint/internal/objectstore"
	"github.com/droppointhq/droppoint/internal/policy"
	"github.com/droppointhq/droppoint/internal/queue"
	"github.com/droppointhq/droppoint/internal/reaper"
	"github.com/droppointhq/droppoint/internal/repository"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if err := database.Migrate(ctx, cfg.DatabaseURL); err != nil {
		log.Fatalf("migrate database: %v", err)
	}
	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("connect database: %v", err)
	}
	defer pool.Close()
	repo := repository.NewTransferRepository(pool)

	gateway, err := objectstore.New(cfg)
	if err != nil {
		log.Fatalf("init object store: %v", err)
	}
	if err := gateway.EnsureBucket(ctx); err != nil {
		log.Fatalf("ensure bucket: %v", err)
	}

	var scheduler engine.ReapScheduler
	if cfg.InlineReaper {
		inline := reaper.NewPool(repo, gateway, cfg.ReapWorkers)
		inline.Start(ctx)
		scheduler = inline
		log.Printf("reaping objects in-process with %d workers", cfg.ReapWorkers)
	} else {
		client := asynq.NewClient(asynq.RedisClientOpt{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer client.Close()
		scheduler = queue.NewClient(client)
	}

	pol := policy.Default()
	pol.PresignTTLSeconds = int64(cfg.PresignTTL / time.Second)
	eng := engine.New(repo, gateway, scheduler, pol, cfg.GlobalSecret, nil)

	issuer := auth.NewIssuer(cfg.AdminSecret, cfg.TokenTTL, nil)
	server := api.New(cfg, eng, repo, issuer)
	if err := server.Run(ctx); err != nil {
		log.Printf("server stopped: %v", err)
		os.Exit(1)
	}
}
