package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/deliveryhero/asya/asya-progress/internal/api"
	"github.com/deliveryhero/asya/asya-progress/internal/config"
	"github.com/deliveryhero/asya/asya-progress/internal/consumer"
	"github.com/deliveryhero/asya/asya-progress/internal/jobs"
	"github.com/deliveryhero/asya/asya-progress/internal/mcp"
	"github.com/deliveryhero/asya/asya-progress/internal/metrics"
	"github.com/deliveryhero/asya/asya-progress/internal/observe"
	"github.com/deliveryhero/asya/asya-progress/internal/queue"
)

const shutdownTimeout = 10 * time.Second

func doServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Starting progress gateway",
		"port", cfg.Port,
		"tick", cfg.TickInterval,
		"maxProgress", cfg.MaxProgress,
		"maxConcurrentJobs", cfg.MaxConcurrentJobs)

	store, closeStore, err := newStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	queues := jobs.NewQueues(jobs.EventsPerRun(cfg.MaxProgress), cfg.QueueRetention)
	defer queues.Close()

	var publishers []jobs.Publisher

	var rabbit *queue.RabbitMQ
	if cfg.RabbitMQ.URL != "" {
		slog.Info("Mirroring job states to RabbitMQ", "exchange", cfg.RabbitMQ.Exchange, "poolSize", cfg.RabbitMQ.PoolSize)
		rabbit, err = queue.NewRabbitMQ(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, cfg.RabbitMQ.PoolSize)
		if err != nil {
			return fmt.Errorf("failed to create RabbitMQ client: %w", err)
		}
		defer rabbit.Close()
		publishers = append(publishers, rabbit)
	}

	if cfg.SQS.QueueURL != "" {
		slog.Info("Sending completed jobs to SQS", "queueURL", cfg.SQS.QueueURL)
		sqsPublisher, err := queue.NewSQSPublisher(ctx, cfg.SQS.QueueURL)
		if err != nil {
			return fmt.Errorf("failed to create SQS publisher: %w", err)
		}
		publishers = append(publishers, sqsPublisher)
	}

	runner := jobs.NewRunner(jobs.RunnerConfig{
		TickInterval:      cfg.TickInterval,
		MaxProgress:       cfg.MaxProgress,
		MaxConcurrentJobs: cfg.MaxConcurrentJobs,
		MirrorBuffer:      cfg.MirrorBuffer,
		MirrorTimeout:     cfg.MirrorTimeout,
	}, store, queues, publishers...)

	observer := observe.New(store, queues, observe.Config{
		WaitInterval:     cfg.WaitInterval,
		SnapshotInterval: cfg.SnapshotInterval,
	})

	mcpServer := mcp.NewServer(runner, observer, cfg.DefaultTimeout, cfg.MaxTimeout, version())

	mux := http.NewServeMux()
	api.NewHandler(runner, observer, api.Config{
		DefaultTimeout: cfg.DefaultTimeout,
		MaxTimeout:     cfg.MaxTimeout,
		RequestTimeout: cfg.RequestTimeout,
	}).Register(mux)
	mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(mcpServer.GetMCPServer()))
	mux.HandleFunc("/tools/call", mcp.NewHandler(mcpServer).HandleToolCall)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "OK")
	})

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("Server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	if rabbit != nil {
		submitConsumer := consumer.NewSubmitConsumer(rabbit, runner, cfg.RabbitMQ.SubmitQueue)
		g.Go(func() error {
			return submitConsumer.Run(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Initiating shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			// Open streams outlived the grace period
			slog.Warn("Server shutdown incomplete, closing connections", "error", err)
			server.Close()
		}
		if err := runner.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Runner shutdown incomplete", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("Gateway shutdown complete")
	return nil
}

// newStore picks the registry backend: PostgreSQL, Redis, or in-memory
func newStore(ctx context.Context, cfg *config.Config) (jobs.JobStore, func(), error) {
	switch {
	case cfg.DatabaseURL != "":
		pgStore, err := jobs.NewPgStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create PostgreSQL store: %w", err)
		}
		slog.Info("Using PostgreSQL job registry", "instance", pgStore.InstanceID())
		return pgStore, closeLogged("PostgreSQL", pgStore.Close), nil

	case cfg.RedisURL != "":
		redisStore, err := jobs.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create Redis store: %w", err)
		}
		slog.Info("Using Redis job registry")
		return redisStore, closeLogged("Redis", redisStore.Close), nil

	default:
		slog.Info("Using in-memory job registry")
		return jobs.NewStore(), func() {}, nil
	}
}

func closeLogged(name string, closeFn func() error) func() {
	return func() {
		if err := closeFn(); err != nil {
			slog.Error("Failed to close job registry", "backend", name, "error", err)
		}
	}
}
