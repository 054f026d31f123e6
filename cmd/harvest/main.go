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

	"github.com/lysyi3m/harvest/app/api"
	"github.com/lysyi3m/harvest/app/cfg"
	"github.com/lysyi3m/harvest/app/config"
	"github.com/lysyi3m/harvest/app/feed"
	"github.com/lysyi3m/harvest/app/filter"
	"github.com/lysyi3m/harvest/app/freshness"
	"github.com/lysyi3m/harvest/app/output"
	"github.com/lysyi3m/harvest/app/remote"
	"github.com/lysyi3m/harvest/app/tasks"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	appCfg, err := cfg.Load(args)
	if err != nil {
		if errors.Is(err, cfg.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	logger := newLogger(appCfg.Debug)
	slog.SetDefault(logger)

	logger.Info("Starting harvest", "version", appCfg.Version, "backend", appCfg.StateBackend)

	rules, err := config.NewLoader(appCfg.RulesFile).Load()
	if err != nil {
		logger.Error("Failed to load rules", "path", appCfg.RulesFile, "error", err)
		return 1
	}
	logger.Info("Loaded feed rules", "feeds", len(rules.Feeds), "enabled", len(rules.EnabledFeeds()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, appCfg, logger)
	if err != nil {
		logger.Error("Failed to open state store", "backend", appCfg.StateBackend, "error", err)
		return 1
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("State store close error", "error", err)
		}
	}()

	sink, err := output.NewJSONLines(appCfg.Output)
	if err != nil {
		logger.Error("Failed to open output", "path", appCfg.Output, "error", err)
		return 1
	}

	deps := tasks.CollectDeps{
		Fetcher:  newClient(appCfg, logger),
		Parser:   feed.NewParser(),
		Filterer: feed.NewFilterer(filter.NewEngine(filter.WithLogger(logger))),
		Policy:   freshness.NewPolicy(),
		Store:    store,
		Sink:     sink,
		Logger:   logger,
	}
	runner := tasks.NewRunner(taskBuilder(rules, deps, appCfg.RetentionDays), appCfg.Interval, logger)

	var httpServer *http.Server
	serverErrChan := make(chan error, 1)
	if appCfg.Port != "" {
		handler := api.NewHandler(store, rules, appCfg.StateBackend, appCfg.Version, logger)
		httpServer = &http.Server{
			Addr:         ":" + appCfg.Port,
			Handler:      api.NewServer(handler, appCfg.APIAccessKey),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		}

		go func() {
			logger.Info("Starting HTTP server", "port", appCfg.Port)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErrChan <- fmt.Errorf("HTTP server error: %w", err)
				stop()
			}
		}()
	}

	failed := runner.Run(ctx)

	// A single pass keeps the API up until a signal arrives.
	if httpServer != nil && appCfg.Interval <= 0 && ctx.Err() == nil {
		logger.Info("Collection finished, serving API until interrupted", "failed_tasks", failed)
		<-ctx.Done()
	}

	select {
	case err := <-serverErrChan:
		logger.Error("Server error", "error", err)
		failed++
	default:
	}

	if httpServer != nil {
		logger.Info("Shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", "error", err)
		}
	}

	logger.Info("Harvest stopped", "failed_tasks", failed)
	if failed > 0 {
		return 1
	}
	return 0
}

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func newClient(appCfg *cfg.Cfg, logger *slog.Logger) *remote.Client {
	retrier := remote.NewRetrier(
		remote.WithMaxAttempts(appCfg.RetryAttempts),
		remote.WithBaseDelay(appCfg.RetryBaseDelay),
		remote.WithMaxDelay(appCfg.RetryMaxDelay),
		remote.WithRetryLogger(logger),
	)
	return remote.NewClient(
		&http.Client{},
		remote.NewRateLimiter(appCfg.RequestsPerSecond),
		retrier,
		remote.ClientConfig{UserAgent: appCfg.UserAgent, Timeout: appCfg.RequestTimeout},
		logger,
	)
}

// taskBuilder returns the per-pass task list: one collect task per enabled
// feed, then a state cleanup when retention is configured.
func taskBuilder(rules *config.Rules, deps tasks.CollectDeps, retentionDays int) func() []tasks.TaskInterface {
	return func() []tasks.TaskInterface {
		enabled := rules.EnabledFeeds()
		list := make([]tasks.TaskInterface, 0, len(enabled)+1)
		for _, rule := range enabled {
			list = append(list, tasks.NewCollectFeedTask(rules, rule, deps))
		}
		if retentionDays > 0 {
			list = append(list, tasks.NewCleanupStateTask(deps.Store, retentionDays, deps.Logger))
		}
		return list
	}
}
