package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/droppointhq/droppoint/internal/config"
	"github.com/droppointhq/droppoint/internal/database"
	"github.com/droppointhq/droppoint/internal/objectstore"
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

	server := asynq.NewServer(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, asynq.Config{
		Concurrency: cfg.ReapWorkers,
	})
	processor := reaper.NewProcessor(repo, gateway)
	mux := processor.Handler()

	go func() {
		<-ctx.Done()
		server.Shutdown()
	}()

	if err := server.Run(mux); err != nil {
		log.Printf("reaper stopped: %v", err)
		os.Exit(1)
	}
}
