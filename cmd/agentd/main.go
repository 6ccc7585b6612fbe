package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	server "github.com/forgeworks/agentd/internal"
	"github.com/forgeworks/agentd/internal/config"
	"github.com/forgeworks/agentd/internal/engine"
	"github.com/forgeworks/agentd/internal/eventbus"
	"github.com/forgeworks/agentd/internal/model"
	"github.com/forgeworks/agentd/internal/state"
	staterepo "github.com/forgeworks/agentd/internal/state/repositoryimpl"
	"github.com/forgeworks/agentd/internal/task"
	taskrepo "github.com/forgeworks/agentd/internal/task/repositoryimpl"
	"github.com/forgeworks/agentd/internal/tool"
	"github.com/forgeworks/agentd/internal/worker"
	"github.com/forgeworks/agentd/pkg/clog"
	"github.com/forgeworks/agentd/pkg/metrics"
	"github.com/forgeworks/agentd/pkg/sentinel"
	"github.com/forgeworks/agentd/pkg/storage"
)

func main() {
	// Under "agentd" (no subcommand) the process supervises itself:
	// the sentinel forks "agentd run" and restarts it on crash or
	// binary update. "agentd run" is the actual server.
	if len(os.Args) > 1 && os.Args[1] == "run" {
		run()
		return
	}
	if err := sentinel.Run("run"); err != nil {
		slog.Error("sentinel error", "error", err)
		os.Exit(1)
	}
}

func run() {
	env, err := config.LoadEnv()
	if err != nil {
		slog.Error("failed to load env", "error", err)
		os.Exit(1)
	}

	// Setup logger
	level := env.SlogLevel()
	var handler slog.Handler
	if env.Env == "local" {
		handler = clog.NewTextHandler(os.Stderr, clog.WithLevel(level))
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(clog.NewAttributesHandler(handler)))

	// Setup storage
	var store storage.Storage
	switch env.StorageEnv.Type {
	case "s3":
		store, err = storage.NewS3(context.Background(), env.StorageEnv.S3Bucket, env.StorageEnv.S3Prefix, env.StorageEnv.S3Region)
		if err != nil {
			slog.Error("failed to create S3 storage", "error", err)
			os.Exit(1)
		}
	default:
		store, err = storage.NewLocal(env.StorageEnv.BaseDir)
		if err != nil {
			slog.Error("failed to create local storage", "error", err)
			os.Exit(1)
		}
	}

	// Setup event bus and metrics
	bus := eventbus.New()
	recorder := metrics.NewRecorder(prometheus.DefaultRegisterer)

	// Setup repositories and services
	taskRepo := taskrepo.NewYAMLRepository(store)
	stepRepo := staterepo.NewYAMLStepRepository(store)
	checkpointRepo := staterepo.NewYAMLCheckpointRepository(store)

	queue := task.NewQueue(taskRepo, bus, task.Config{
		MaxIterations: env.EngineEnv.DefaultMaxIters,
		MaxToolCalls:  env.EngineEnv.DefaultMaxToolCall,
		Timeout:       env.EngineEnv.DefaultTaskTimeout,
	})
	manager := state.NewManager(stepRepo, checkpointRepo, bus,
		state.WithCheckpointRetention(env.EngineEnv.CheckpointKeep))

	// Setup tool registry
	registry := tool.NewRegistry()
	for _, t := range []*tool.Tool{
		tool.NewShellTool("."),
		tool.NewFileReadTool(store),
		tool.NewFileWriteTool(store),
		tool.NewWebFetchTool(nil),
	} {
		if err := registry.Register(t); err != nil {
			slog.Error("failed to register tool", "tool", t.Name, "error", err)
			os.Exit(1)
		}
	}

	// Setup model client
	var client model.Client = model.NewAnthropic(env.ModelEnv.AnthropicAPIKey, env.ModelEnv.Model)
	retryCfg := model.DefaultRetryConfig
	retryCfg.MaxRetries = env.ModelEnv.ModelMaxRetries
	retryCfg.InitialDelay = env.ModelEnv.ModelRetryDelay
	retryCfg.RequestTimeout = env.ModelEnv.ModelRequestWait
	client = model.NewRetryable(client, retryCfg)

	loop := engine.NewLoop(queue, manager, registry, client, recorder, engine.Options{
		MaxTokens: env.ModelEnv.MaxTokens,
	})

	// Graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	w := worker.New(queue, loop, bus, recorder, env.EngineEnv.WorkerConcurrency, env.EngineEnv.PollInterval)
	if err := w.Start(ctx); err != nil {
		slog.Error("failed to start worker", "error", err)
		os.Exit(1)
	}

	srv := server.NewServer(
		env,
		task.NewServer(queue, manager),
		state.NewServer(manager),
		tool.NewServer(registry),
		worker.NewServer(w, ctx),
	)

	go func() {
		if err := srv.ListenAndServe(ctx); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down server")

	w.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
}
