package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/whitelie/whitelie/internal/config"
	"github.com/whitelie/whitelie/internal/deception"
	"github.com/whitelie/whitelie/internal/escalation"
	"github.com/whitelie/whitelie/internal/logging"
	"github.com/whitelie/whitelie/internal/storage"
	"github.com/whitelie/whitelie/internal/tracker"
)

// app is everything a command needs for one invocation.
type app struct {
	cfg    *config.Config
	store  storage.Store
	svc    *tracker.Service
	logger *zap.Logger
	user   string
}

// loadConfig resolves configuration with the global flags on top.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(&config.Config{
		Output:  output,
		BaseDir: baseDir,
		User:    userFlag,
		Verbose: verbose,
	})
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if output == "" {
		output = cfg.Output
	}
	return cfg, nil
}

// openApp loads config, opens the configured store and builds the tracker.
// Callers must Close the result.
func openApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := storage.ValidateUserID(cfg.User); err != nil {
		return nil, err
	}

	logger, err := logging.New(logging.Verbose(cfg.Log.Level, cfg.Verbose), cfg.Log.Format)
	if err != nil {
		return nil, err
	}

	policy, err := cfg.DeceptionPolicy()
	if err != nil {
		return nil, err
	}
	thresholds, err := cfg.UrgencyThresholds()
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(ctx, storage.Options{
		Backend:    cfg.Storage.Backend,
		BaseDir:    cfg.BaseDir,
		SQLitePath: cfg.Storage.SQLitePath,
	})
	if err != nil {
		_ = logger.Sync()
		return nil, fmt.Errorf("open %s storage: %w", cfg.Storage.Backend, err)
	}
	VerbosePrintf("Using %s storage under %s for user %s\n", cfg.Storage.Backend, cfg.BaseDir, cfg.User)

	machine := escalation.NewMachine(cfg.EscalationPolicy(), escalation.NewRandomPicker(cfg.Seed(time.Now())))
	svc := tracker.New(store,
		tracker.WithLogger(logger),
		tracker.WithCalculator(deception.NewCalculator(policy, thresholds)),
		tracker.WithScoring(cfg.ReliabilityPolicy(), cfg.InitialScore()),
		tracker.WithMachine(machine),
	)

	return &app{cfg: cfg, store: store, svc: svc, logger: logger, user: cfg.User}, nil
}

// Close releases the store and flushes the logger.
func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close storage", zap.Error(err))
	}
	_ = a.logger.Sync()
}

// withApp opens the app, runs fn and closes it.
func withApp(ctx context.Context, fn func(*app) error) error {
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}
