// Command imageforge runs the batch image-generation job engine: the
// admin HTTP API, the Status API, the reconciler sweep, and (in in_process
// mode) the bounded worker pool, all in a single process for local/dev
// use. External-queue mode runs the same binary as a stateless worker
// endpoint behind an operator-managed task queue.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/aurorastudio/imageforge/pkg/aggregator"
	"github.com/aurorastudio/imageforge/pkg/api"
	"github.com/aurorastudio/imageforge/pkg/config"
	"github.com/aurorastudio/imageforge/pkg/dispatcher"
	"github.com/aurorastudio/imageforge/pkg/logging"
	"github.com/aurorastudio/imageforge/pkg/metrics"
	"github.com/aurorastudio/imageforge/pkg/objectstore"
	"github.com/aurorastudio/imageforge/pkg/pipeline"
	"github.com/aurorastudio/imageforge/pkg/providers"
	"github.com/aurorastudio/imageforge/pkg/statusapi"
	"github.com/aurorastudio/imageforge/pkg/store/postgres"
)

func main() {
	configPath := flag.String("config", "", "path to a JSON configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		log.Fatalf("parse log level: %v", err)
	}
	format := logging.TextFormat
	if cfg.Logging.Format == "json" {
		format = logging.JSONFormat
	}
	baseLogger := logging.New(&logging.Config{Level: level, Format: format, Output: os.Stdout})

	if err := run(cfg, baseLogger); err != nil {
		baseLogger.Errorf("fatal: %v", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := postgres.New(ctx, &postgres.Config{
		ConnectionString: cfg.Database.ConnectionString,
		MaxConnections:   cfg.Database.MaxConnections,
		ConnectTimeout:   time.Duration(cfg.Database.ConnectTimeout) * time.Second,
		MigrationsPath:   cfg.Database.MigrationsPath,
	}, log)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()

	if err := db.MigrateToLatest(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	objects, err := objectstore.NewLocalFS(cfg.ObjectStore.BaseDir)
	if err != nil {
		return fmt.Errorf("initialize object store: %w", err)
	}

	registry := providers.DefaultRegistry()
	generation, err := registry.BuildGeneration(cfg.Provider.Generation.Name, adapterConfig(cfg.Provider.Generation))
	if err != nil {
		return fmt.Errorf("build generation adapter: %w", err)
	}
	vision, err := registry.BuildVision(cfg.Provider.Vision.Name, adapterConfig(cfg.Provider.Vision))
	if err != nil {
		return fmt.Errorf("build vision adapter: %w", err)
	}
	embedding, err := registry.BuildEmbedding(cfg.Provider.Embedding.Name, adapterConfig(cfg.Provider.Embedding))
	if err != nil {
		return fmt.Errorf("build embedding adapter: %w", err)
	}

	m := metrics.New()
	agg := aggregator.New(db, m, log)

	idFactory := uuid.NewString

	pipelineCfg := pipeline.DefaultConfig()
	pipelineCfg.MaxRetries = cfg.MaxRetries
	pipelineCfg.TaskBudget = cfg.TaskBudget()

	dispatchCfg := dispatcher.Config{
		Mode:              dispatcher.Mode(cfg.Mode),
		WorkerConcurrency: cfg.WorkerConcurrency,
		Queue: dispatcher.QueueConfig{
			WorkerURL:               cfg.Queue.WorkerURL,
			MaxConcurrentDispatches: cfg.Queue.MaxConcurrentDispatches,
			MaxDispatchesPerSecond:  cfg.Queue.MaxDispatchesPerSecond,
			WebhookSecret:           cfg.WebhookSecret,
		},
	}

	// The Dispatcher satisfies pipeline.Requeuer, so a retryable task
	// re-enters whichever enqueue mode is configured. The pipeline is built
	// first, so its requeuer is a closure over d that drops requeue calls
	// until d is assigned below.
	var d *dispatcher.Dispatcher
	requeuer := requeuerFunc(func(ctx context.Context, taskID string, retryCount int) {
		if d != nil {
			d.Requeue(ctx, taskID, retryCount)
		}
	})

	p := pipeline.New(db, objects, generation, vision, embedding, agg, int64(runtime.NumCPU()), pipelineCfg, m, log, idFactory, requeuer)
	d = dispatcher.New(db, p, dispatchCfg, m, log, idFactory)

	reconciler := dispatcher.NewReconciler(db, d, cfg.Reconciler.IntervalSeconds, cfg.Reconciler.StaleAfterSeconds, log)
	if err := reconciler.Start(ctx, cfg.Reconciler.IntervalSeconds); err != nil {
		return fmt.Errorf("start reconciler: %w", err)
	}
	defer reconciler.Stop()

	if cfg.Mode == config.ModeInProcess {
		d.RunWorkers(ctx)
	}

	status := statusapi.New(db, db)
	server := api.New(d, status, db, m, log, cfg.WebhookSecret, p)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: server.Router(),
	}

	serveErr := make(chan error, 1)
	go func() {
		log.WithFields(map[string]interface{}{"addr": httpServer.Addr, "mode": string(cfg.Mode)}).Info("listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Errorf("http server shutdown: %v", err)
	}
	d.Shutdown(30 * time.Second)

	return nil
}

// requeuerFunc adapts a plain function to pipeline.Requeuer.
type requeuerFunc func(ctx context.Context, taskID string, retryCount int)

func (f requeuerFunc) Requeue(ctx context.Context, taskID string, retryCount int) { f(ctx, taskID, retryCount) }

func adapterConfig(a config.AdapterConfig) map[string]string {
	cfg := map[string]string{}
	if a.APIKey != "" {
		cfg["api_key"] = a.APIKey
	}
	if a.Endpoint != "" {
		cfg["endpoint"] = a.Endpoint
	}
	return cfg
}
