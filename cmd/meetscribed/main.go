package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/meetscribe/meetscribe/internal/api"
	"github.com/meetscribe/meetscribe/internal/config"
	"github.com/meetscribe/meetscribe/internal/job"
	"github.com/meetscribe/meetscribe/internal/queue"
	"github.com/meetscribe/meetscribe/internal/store"
	"github.com/meetscribe/meetscribe/internal/summary"
	"github.com/meetscribe/meetscribe/internal/sweeper"
	"github.com/meetscribe/meetscribe/internal/transcribe"
	"github.com/meetscribe/meetscribe/internal/worker"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		slog.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	pool := store.NewPool(db, cfg.PoolSize, cfg.PoolAcquireTimeout)
	defer pool.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobs, err := job.NewSQLiteStore(ctx, pool)
	if err != nil {
		slog.Error("job store", "error", err)
		os.Exit(1)
	}
	q, err := queue.NewDurable(ctx, pool)
	if err != nil {
		slog.Error("queue", "error", err)
		os.Exit(1)
	}

	driver := transcribe.New(transcribe.Options{
		BaseURL:      cfg.ProviderBaseURL,
		APIKey:       cfg.ProviderAPIKey,
		Language:     cfg.ProviderLanguage,
		MaxAttempts:  cfg.PollMaxAttempts,
		BaseInterval: cfg.PollBaseInterval,
		MaxInterval:  cfg.PollMaxInterval,
	})

	var summarizer worker.Summarizer
	if cfg.SummaryEnabled() {
		summarizer = summary.New(jobs, summary.Options{
			BaseURL: cfg.SummaryBaseURL,
			APIKey:  cfg.SummaryAPIKey,
			Model:   cfg.SummaryModel,
		})
	}

	// Workers run on a background context: an in-flight transcription is
	// never aborted by shutdown, the durable queue carries it across restarts.
	dispatcher := worker.New(context.Background(), jobs, q, driver, summarizer, cfg.UploadsDir, cfg.MaxWorkers)

	sw := sweeper.New(jobs, q, dispatcher, cfg.SweepInterval, cfg.StaleAfter, cfg.EntryMaxAge)
	// Crash recovery runs before the listener starts accepting traffic.
	sw.Sweep(ctx)
	go sw.Run(ctx)

	mux := http.NewServeMux()
	h := api.NewHandler(jobs, q, dispatcher)
	h.RegisterRoutes(mux)

	handler := api.Chain(mux,
		api.RequestID,
		api.Logging,
		api.RateLimit(cfg.RateLimit),
		api.Auth(cfg.APIKeys),
	)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		slog.Info("shutting down")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	slog.Info("meetscribe listening", "addr", cfg.ListenAddr)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	// Give running workers a bounded window to finish; anything still in
	// flight is resumed from the durable queue on the next start.
	done := make(chan struct{})
	go func() {
		dispatcher.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("workers drained")
	case <-time.After(30 * time.Second):
		slog.Warn("workers still running, exiting; recovery resumes them on restart")
	}
}
