package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lysyi3m/harvest/app/cfg"
	"github.com/lysyi3m/harvest/app/state"
)

// openStore opens the state backend selected by configuration.
func openStore(ctx context.Context, appCfg *cfg.Cfg, logger *slog.Logger) (state.Store, error) {
	opts := []state.Option{
		state.WithLockTimeout(appCfg.LockTimeout),
		state.WithMaxItems(appCfg.MaxItems),
		state.WithLogger(logger),
	}

	switch appCfg.StateBackend {
	case cfg.BackendJSON:
		return state.NewFileStore(appCfg.StatePath, opts...)
	case cfg.BackendSQLite:
		return state.NewSQLiteStore(appCfg.StatePath, opts...)
	case cfg.BackendRedis:
		return state.NewRedisStore(ctx, state.RedisConfig{
			Addr:     appCfg.RedisAddr,
			Password: appCfg.RedisPassword,
			DB:       appCfg.RedisDB,
			Prefix:   appCfg.RedisPrefix,
		}, opts...)
	default:
		return nil, fmt.Errorf("unknown state backend: %s", appCfg.StateBackend)
	}
}
