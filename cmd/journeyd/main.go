package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sendloop/journey/internal/actions"
	"github.com/sendloop/journey/internal/conditions"
	"github.com/sendloop/journey/internal/engine"
	"github.com/sendloop/journey/internal/expressions"
	"github.com/sendloop/journey/internal/logging"
	"github.com/sendloop/journey/internal/scheduler"
	"github.com/sendloop/journey/internal/secrets"
	"github.com/sendloop/journey/internal/store"
	"github.com/sendloop/journey/internal/streaming"
	"github.com/sendloop/journey/internal/validation"
)

func main() {
	if err := run(); err != nil {
		slog.Error("journeyd exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	// Expression engines and interpolation.
	jq := expressions.NewGoJQEngine()
	interp := expressions.NewInterpolator(jq)
	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return err
	}
	exprEngine := expressions.NewExprEngine()

	// Channel adapters: HTTP clients when configured, dry-run loggers when not.
	httpClient := &http.Client{Timeout: 15 * time.Second}
	var sender actions.ChannelSender = &logSender{logger: logger}
	if cfg.DeliveryURL != "" {
		sender = &httpSender{client: httpClient, baseURL: cfg.DeliveryURL}
	}
	var profiles actions.ProfileService = &logProfiles{logger: logger}
	if cfg.ProfileURL != "" {
		profiles = &httpProfiles{client: httpClient, baseURL: cfg.ProfileURL}
	}
	var classifier conditions.Classifier
	if cfg.ClassifierURL != "" {
		classifier = &httpClassifier{client: httpClient, baseURL: cfg.ClassifierURL}
	}

	var vault secrets.Vault
	if cfg.VaultPassphrase != "" {
		vault, err = secrets.NewAESVault(st, secrets.VaultConfig{
			Passphrase: cfg.VaultPassphrase,
			Salt:       []byte(cfg.VaultSalt),
		})
		if err != nil {
			return err
		}
	}

	registry := actions.NewRegistry()
	registry.MustRegister(actions.NewSendMessageAction(sender))
	registry.MustRegister(actions.NewAddTagAction(profiles))
	registry.MustRegister(actions.NewRemoveTagAction(profiles))
	registry.MustRegister(actions.NewSetFieldAction(profiles))
	registry.MustRegister(actions.NewCallWebhookAction(httpClient, jq).WithVault(vault))

	// Live event feed: every log append the engine makes is mirrored to
	// SSE subscribers through the hub.
	hub := streaming.NewMemoryHub()
	tapped := streaming.NewTap(st, hub)

	eng := engine.New(engine.Config{
		Store:      tapped,
		Conditions: conditions.NewNodeEvaluator(exprEngine, celEngine, interp, classifier),
		Dispatcher: actions.NewDispatcher(registry, interp, logger),
		Matcher:    engine.NewTriggerMatcher(tapped, jq, logger),
		Executor: engine.ExecutorConfig{
			Retry: engine.RetryPolicy{
				MaxAttempts: cfg.RetryMaxAttempts,
				BaseDelay:   cfg.retryBaseDelay(),
				MaxDelay:    time.Minute,
			},
			StepLimit: cfg.StepLimit,
		},
		Logger: logger,
	})

	// Re-drive anything a previous process left mid-flight.
	if err := eng.Recover(ctx); err != nil {
		logger.Error("recovery failed", slog.String("error", err.Error()))
	}

	sched := scheduler.NewScheduler(st, eng, cfg.schedulerInterval(), logger)
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = sched.Stop() }()

	validator, err := validation.NewWorkflowValidator(registry)
	if err != nil {
		return err
	}

	srv := &server{engine: eng, store: st, hub: hub, vault: vault, validator: validator, logger: logger}
	httpSrv := newHTTPServer(cfg.ListenAddr, srv.routes())

	errCh := make(chan error, 1)
	go func() {
		logger.Info("journeyd listening", slog.String("addr", cfg.ListenAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}
