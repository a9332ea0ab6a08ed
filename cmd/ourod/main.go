package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/assmoddevv/ouroboros/internal/api"
	"github.com/assmoddevv/ouroboros/internal/breaker"
	"github.com/assmoddevv/ouroboros/internal/budget"
	"github.com/assmoddevv/ouroboros/internal/config"
	"github.com/assmoddevv/ouroboros/internal/dispatch"
	"github.com/assmoddevv/ouroboros/internal/eventbus"
	"github.com/assmoddevv/ouroboros/internal/logging"
	"github.com/assmoddevv/ouroboros/internal/queue"
	"github.com/assmoddevv/ouroboros/internal/state"
	"github.com/assmoddevv/ouroboros/internal/supervisor"
	"github.com/assmoddevv/ouroboros/internal/worker"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "worker" {
		if err := runWorker(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}
	if err := runOrchestrator(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runWorker is the child-process mode: execute one task and exit. The
// supervisor spawns this from the binary on disk, so every generation runs
// the latest code.
func runWorker(args []string) error {
	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	taskID := fs.String("task", "", "task id to execute")
	generation := fs.Int("generation", 1, "worker generation for this task")
	apiURL := fs.String("api", "http://127.0.0.1:8080", "orchestrator API base URL")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *taskID == "" {
		return fmt.Errorf("worker: -task is required")
	}

	cfg := config.Load()
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	log = log.With(zap.String("task_id", *taskID), zap.Int("generation", *generation))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return worker.Run(ctx, worker.Options{
		TaskID:     *taskID,
		Generation: *generation,
		APIURL:     strings.TrimRight(*apiURL, "/"),
		Config:     cfg,
		Log:        log,
	})
}

func runOrchestrator() error {
	cfg := config.Load()
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	db, err := state.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	bus := eventbus.NewBus(db)
	q := queue.New(db)
	ledger := budget.NewLedger(db, cfg.BudgetCapUSD, cfg.BudgetPausePct)
	brk, err := breaker.New(context.Background(), db, cfg.BreakerThreshold)
	if err != nil {
		return fmt.Errorf("breaker: %w", err)
	}

	listener, err := dispatch.ListenerFromEnv()
	if err != nil {
		return fmt.Errorf("listener: %w", err)
	}
	if listener == nil {
		listener, err = net.Listen("tcp", cfg.HTTPAddr)
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	}
	apiURL := "http://" + listener.Addr().String()

	workers := supervisor.New(&supervisor.ExecStarter{
		Bin:    cfg.WorkerBin,
		APIURL: apiURL,
	}, supervisor.Config{
		SoftTimeout: cfg.SoftTimeout,
		HardTimeout: cfg.HardTimeout,
		RespawnCap:  cfg.RespawnCap,
	}, log.Named("supervisor"))

	dispatcher := dispatch.New(q, bus, ledger, brk, workers, dispatch.Config{
		MaxWorkers:   cfg.MaxWorkers,
		Tick:         cfg.SchedulerTick,
		EvolveEvery:  cfg.EvolveEvery,
		TaskDeadline: cfg.TaskDeadline,
		RecoverRetry: cfg.RecoverRetry,
	}, log.Named("dispatch"))

	var httpServer *http.Server
	restarter := &dispatch.Restarter{
		Listener: listener,
		Args:     os.Args,
		Env:      os.Environ(),
	}
	restartFn := func() error {
		if err := restarter.Restart(); err != nil {
			return err
		}
		go func() {
			time.Sleep(750 * time.Millisecond)
			workers.DrainAll("orchestrator restarting")
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = httpServer.Shutdown(ctx)
			os.Exit(0)
		}()
		return nil
	}

	apiServer := &api.Server{
		Queue:        q,
		Bus:          bus,
		Ledger:       ledger,
		Breaker:      brk,
		Workers:      workers,
		Signals:      dispatcher,
		Restart:      restartFn,
		RestartToken: cfg.RestartToken,
		StartedAt:    time.Now(),
		Log:          log.Named("api"),
	}

	serverCtx, serverCancel := context.WithCancel(context.Background())
	defer serverCancel()

	mux := http.NewServeMux()
	mux.Handle("/api/", apiServer.Handler())

	httpServer = &http.Server{
		Handler:           loggingMiddleware(log.Named("http"), mux),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return serverCtx
		},
	}

	go func() {
		log.Info("listening", zap.String("addr", listener.Addr().String()))
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server", zap.Error(err))
		}
	}()

	dispatchErr := make(chan error, 1)
	go func() {
		dispatchErr <- dispatcher.Run(serverCtx)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		log.Info("shutting down")
	case err := <-dispatchErr:
		if err != nil && err != context.Canceled {
			log.Error("dispatcher stopped", zap.Error(err))
		}
	}

	workers.DrainAll("orchestrator shutting down")
	serverCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Warn("server shutdown", zap.Error(err))
	}
	_ = httpServer.Close()
	return nil
}

func loggingMiddleware(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("took", time.Since(start)))
	})
}
