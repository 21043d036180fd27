// Command worker runs the job-processing node: queue claim loops, the
// pipelines, the sweeper, and a small ops HTTP surface for health,
// metrics, and queue introspection.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/chronocoders/indexnode/internal/adapter/ai"
	"github.com/chronocoders/indexnode/internal/adapter/cas"
	"github.com/chronocoders/indexnode/internal/adapter/chain"
	"github.com/chronocoders/indexnode/internal/adapter/crawler"
	"github.com/chronocoders/indexnode/internal/adapter/queue/redisq"
	"github.com/chronocoders/indexnode/internal/adapter/repo/postgres"
	"github.com/chronocoders/indexnode/internal/adapter/stream"
	"github.com/chronocoders/indexnode/internal/config"
	"github.com/chronocoders/indexnode/internal/observability"
	"github.com/chronocoders/indexnode/internal/worker"
)

func main() {
	if err := run(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("worker exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := observability.SetupLogger(cfg)
	slog.SetDefault(log)
	observability.InitMetrics()

	shutdownTracing, err := observability.SetupTracing(cfg)
	if err != nil {
		return err
	}
	if shutdownTracing != nil {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTracing(ctx)
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workerID := cfg.WorkerID
	if workerID == "" {
		host, _ := os.Hostname()
		workerID = fmt.Sprintf("%s-%s", host, uuid.New().String()[:8])
	}
	log = log.With(slog.String("worker_id", workerID))

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()

	queue, err := redisq.New(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	defer func() { _ = queue.Close() }()
	coordinator := redisq.NewCoordinatorWithClient(queue.Client())

	chainClient, err := chain.Dial(ctx, cfg.EthereumRPCURL)
	if err != nil {
		return fmt.Errorf("chain rpc: %w", err)
	}
	defer chainClient.Close()

	deps := worker.Deps{
		Durable:     postgres.NewJobQueueRepo(pool),
		Distributed: queue,
		Crawler:     crawler.New(crawler.WithTimeout(cfg.HTTPFetchTimeout)),
		Chain:       chainClient,
		CAS:         cas.New(cfg.IPFSAPIURL, cas.WithPinataJWT(cfg.PinataJWT), cas.WithTimeout(cfg.CASTimeout)),
		Crawls:      postgres.NewCrawlResultsRepo(pool),
		Events:      postgres.NewEventsRepo(pool),
		Ledger:      postgres.NewCreditsRepo(pool),
		Timestamps:  postgres.NewTimestampRepo(pool),
		Coordinator: coordinator,
		Nodes:       postgres.NewWorkerNodesRepo(pool),
	}

	if cfg.AnthropicAPIKey != "" {
		deps.Extractor = ai.New(cfg.AnthropicAPIKey,
			ai.WithModel(cfg.AnthropicModel), ai.WithTimeout(cfg.LLMTimeout))
	}
	if cfg.CreditContractAddress != "" {
		credits, err := chain.NewCreditManager(ctx, chainClient, cfg.CreditContractAddress, cfg.CreditPrivateKey)
		if err != nil {
			return fmt.Errorf("credit contract: %w", err)
		}
		deps.Credits = credits
	}
	if cfg.TimestampContractAddress != "" {
		registry, err := chain.NewTimestampClient(ctx, chainClient, cfg.TimestampContractAddress, cfg.CreditPrivateKey)
		if err != nil {
			return fmt.Errorf("timestamp contract: %w", err)
		}
		deps.Registry = registry
	}
	if cfg.FirehoseEnabled() {
		producer, err := stream.NewProducer(ctx, cfg.KafkaBrokers, cfg.EventTopic, log)
		if err != nil {
			return fmt.Errorf("firehose: %w", err)
		}
		defer producer.Close()
		deps.Publisher = producer
	}

	runtime := worker.New(worker.Config{
		WorkerID:          workerID,
		PollInterval:      cfg.PollInterval,
		MaxConcurrentJobs: cfg.MaxConcurrentJobs,
		HeartbeatInterval: cfg.HeartbeatInterval,
		StatsInterval:     cfg.StatsInterval,
	}, deps, chain.CrawlJobCost(), chain.EventIndexCost(), log)

	sweeper := worker.NewSweeper(postgres.NewJobQueueRepo(pool),
		cfg.SweepMaxProcessingAge, cfg.SweepInterval, log)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           opsRouter(queue, coordinator),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runtime.Run(ctx) })
	g.Go(func() error { return sweeper.Run(ctx) })
	g.Go(func() error {
		log.Info("ops server listening", slog.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	log.Info("worker started",
		slog.Int("max_concurrent_jobs", cfg.MaxConcurrentJobs),
		slog.Bool("firehose", cfg.FirehoseEnabled()))
	return g.Wait()
}

func opsRouter(queue *redisq.Queue, coordinator *redisq.Coordinator) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(observability.Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/stats", func(w http.ResponseWriter, req *http.Request) {
		stats, err := coordinator.QueueStats(req.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		workers, err := coordinator.ActiveWorkers(req.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"queues": stats, "active_workers": workers})
	})

	r.Get("/dead-letter", func(w http.ResponseWriter, req *http.Request) {
		jobs, err := queue.DeadLetter(req.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, jobs)
	})

	r.Post("/dead-letter/reinject", func(w http.ResponseWriter, req *http.Request) {
		n := 1
		if raw := req.URL.Query().Get("n"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed < 1 {
				http.Error(w, "n must be a positive integer", http.StatusBadRequest)
				return
			}
			n = parsed
		}
		moved, err := queue.ReinjectDeadLetter(req.Context(), n)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]int{"reinjected": moved})
	})

	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("response encode failed", slog.Any("error", err))
	}
}
