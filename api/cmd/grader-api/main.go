package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"homework-grader/api/internal/app"
	"homework-grader/api/internal/config"
	"homework-grader/api/internal/handle"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
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

	// the memory queue is process-local, so the API grades its own jobs
	if cfg.QueueBackend == "memory" {
		pool, tg, err := app.NewWorker(cfg, pipe, stores)
		if err != nil {
			log.Fatalf("worker: %v", err)
		}
		if tg != nil {
			go tg.Poll(ctx)
		}
		go pool.Run(ctx)
		log.Printf("embedded worker started (memory backend)")
	}

	h := handle.New(handle.Deps{
		Queue:       stores.Queue,
		Submissions: stores.Submissions,
		Results:     stores.Results,
		Grader:      pipe.Grader,
		Fetcher:     pipe.Fetcher,
		Prompts:     pipe.Prompts,
		Classifier:  pipe.Classifier,
	})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Timeout"},
	}))
	h.RegisterRoutes(r)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("grader-api listening on %s (queue=%s)", srv.Addr, cfg.QueueBackend)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
	log.Printf("grader-api stopped")
}
