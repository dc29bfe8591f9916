package main

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/digcoord/digcoord/internal/config"
	"github.com/digcoord/digcoord/internal/storage/postgres"
)

// loadSettings reads configuration honoring the --config flag.
func loadSettings() (*config.Settings, error) {
	return config.Load(configPath)
}

// buildLogger constructs the service logger: JSON to a rotated file when
// log.file is set, console otherwise.
func buildLogger(cfg config.Log) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	if cfg.File == "" {
		zcfg := zap.NewDevelopmentConfig()
		zcfg.Level = zap.NewAtomicLevelAt(level)
		return zcfg.Build()
	}

	sink := zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	})
	encoder := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	return zap.New(zapcore.NewCore(encoder, sink, level)), nil
}

// timeLocation loads an IANA timezone.
func timeLocation(name string) (*time.Location, error) {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", name, err)
	}
	return loc, nil
}

// openStore connects to the database, retrying the initial ping with
// exponential backoff so the service tolerates a slow database start.
func openStore(ctx context.Context, cfg config.Database, log *zap.Logger) (*postgres.Store, error) {
	store, err := postgres.Open(cfg.StorageConfig(), log)
	if err != nil {
		return nil, err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 6), ctx)
	err = backoff.RetryNotify(
		func() error {
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return store.Ping(pingCtx)
		},
		policy,
		func(err error, wait time.Duration) {
			log.Warn("database not reachable, retrying",
				zap.Duration("wait", wait),
				zap.Error(err))
		},
	)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}
	return store, nil
}
