package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"homework-grader/api/internal/app"
	"homework-grader/api/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	if cfg.QueueBackend == "memory" {
		log.Fatal("QUEUE_BACKEND=memory is process-local; run grader-api instead")
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pipe, err := app.BuildPipeline(cfg)
	if err != nil {
		log.Fatalf("pipeline: %v", err)
	}
	stores, err := app.OpenStores(ctx, cfg)
	if err != nil {
		log.Fatalf("stores: %v", err)
	}
	defer stores.Close()

	if cfg.PromptWatch {
		if err := pipe.Prompts.Watch(ctx); err != nil {
			log.Printf("prompt watch disabled: %v", err)
		}
	}

	pool, tg, err := app.NewWorker(cfg, pipe, stores)
	if err != nil {
		log.Fatalf("worker: %v", err)
	}
	if tg != nil {
		go tg.Poll(ctx)
	}

	log.Printf("grader-worker %s: concurrency=%d poll=%s job_timeout=%s",
		cfg.Worker.ID, cfg.Worker.Concurrency, cfg.PollInterval(), cfg.JobTimeout())
	pool.Run(ctx)
	log.Printf("grader-worker stopped")
}
