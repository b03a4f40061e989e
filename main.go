package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"auto-focus.app/licensing/handlers"
	"auto-focus.app/licensing/internal/billing"
	"auto-focus.app/licensing/internal/config"
	"auto-focus.app/licensing/internal/email"
	"auto-focus.app/licensing/internal/licensing"
	"auto-focus.app/licensing/internal/lock"
	"auto-focus.app/licensing/internal/logger"
	"auto-focus.app/licensing/internal/notify"
	"auto-focus.app/licensing/internal/ratelimit"
	"auto-focus.app/licensing/storage"
	"github.com/getsentry/sentry-go"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:          "licensing",
	Short:        "Auto-Focus license backend",
	Long:         `Keeps Auto-Focus+ licenses in step with Stripe billing and validates license keys for the app.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context())
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context())
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply storage migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		return runMigrations(cmd.Context(), cfg)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "Auto Focus licensing %s\n", version)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if versionBytes, err := os.ReadFile("VERSION"); err == nil {
		version = strings.TrimSpace(string(versionBytes))
	}
	rootCmd.Version = version

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app holds every long-lived component of a running server.
type app struct {
	server     *handlers.Server
	dispatcher *notify.QueueDispatcher
	closers    []func() error
}

func (a *app) Close(ctx context.Context) error {
	var result *multierror.Error
	if a.dispatcher != nil {
		if err := a.dispatcher.Close(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("notification queue: %w", err))
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func runServer(ctx context.Context) error {
	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))

	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			Release:          version,
			TracesSampleRate: 1.0,
		})
		if err != nil {
			return fmt.Errorf("sentry.Init: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           a.server,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Auto Focus licensing starting", map[string]interface{}{
			"version": version,
			"port":    cfg.Port,
			"storage": cfg.StorageDriver,
			"email":   cfg.EmailService,
		})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			_ = a.Close(context.Background())
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var result *multierror.Error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		result = multierror.Append(result, fmt.Errorf("http shutdown: %w", err))
	}
	if err := a.Close(shutdownCtx); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{}

	store, err := openStorage(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, store.Close)

	locker, closeLocker, err := newLocker(ctx, cfg)
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	if closeLocker != nil {
		a.closers = append(a.closers, closeLocker)
	}

	sender, err := newSender(cfg)
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	templates, err := notify.DefaultTemplates()
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	a.dispatcher = notify.NewQueueDispatcher(sender, templates, notify.Options{
		QueueSize: cfg.NotifyQueueSize,
		Workers:   cfg.NotifyWorkers,
	})

	provider := billing.NewStripeProvider(cfg.StripeSecret, cfg.ProviderTimeout)
	reconciler := licensing.NewReconciler(store, provider, locker, a.dispatcher)
	reconciler.SupportEmail = cfg.SupportEmail
	reconciler.LockTimeout = cfg.LockTimeout

	a.server = handlers.NewHttpServer(store, reconciler, licensing.NewService(reconciler), handlers.Options{
		WebhookSecret:   cfg.StripeWebhookSecret,
		AllowedOrigins:  cfg.AllowedOrigins,
		Version:         version,
		ValidateLimiter: ratelimit.New(cfg.RateLimitRequests, cfg.RateLimitWindow),
		RetryAfter:      cfg.RateLimitWindow,
	})
	return a, nil
}

func openStorage(ctx context.Context, cfg *config.Config) (storage.Storage, error) {
	switch cfg.StorageDriver {
	case config.StorageSQLite:
		s, err := storage.NewSQLiteStorage(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open sqlite storage: %w", err)
		}
		return s, nil
	case config.StorageMongo:
		s, err := storage.NewMongoStorage(ctx, storage.MongoConfig{
			ConnectionURL:  cfg.MongoURL,
			Database:       cfg.MongoDatabase,
			ConnectTimeout: cfg.MongoTimeout,
			RetryAttempts:  cfg.MongoRetries,
			RetryInterval:  cfg.MongoRetryWait,
		})
		if err != nil {
			return nil, fmt.Errorf("open mongo storage: %w", err)
		}
		return s, nil
	case config.StorageMemory:
		logger.Warn("Using in-memory storage, data is lost on restart")
		return storage.NewMemoryStorage(), nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
}

func newLocker(ctx context.Context, cfg *config.Config) (lock.Locker, func() error, error) {
	if cfg.RedisURL == "" {
		return lock.NewKeyedMutex(), nil, nil
	}
	client, err := lock.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	return lock.NewRedisLocker(client, cfg.LockTTL), client.Close, nil
}

func newSender(cfg *config.Config) (email.Sender, error) {
	switch cfg.EmailService {
	case config.EmailSMTP:
		return email.NewSMTPSender(email.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.EmailFrom,
		})
	case config.EmailPostmark:
		return email.NewPostmarkSender(email.PostmarkConfig{
			ServerToken:  cfg.PostmarkServerToken,
			AccountToken: cfg.PostmarkAccountToken,
			From:         cfg.EmailFrom,
			ReplyTo:      cfg.SupportEmail,
		})
	}
	return email.LogSender{}, nil
}

func runMigrations(ctx context.Context, cfg *config.Config) error {
	switch cfg.StorageDriver {
	case config.StorageSQLite:
		s, err := storage.NewSQLiteStorage(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer s.Close()
		if err := s.Migrate(); err != nil {
			return err
		}
	case config.StorageMongo:
		s, err := storage.NewMongoStorage(ctx, storage.MongoConfig{
			ConnectionURL:  cfg.MongoURL,
			Database:       cfg.MongoDatabase,
			ConnectTimeout: cfg.MongoTimeout,
			RetryAttempts:  cfg.MongoRetries,
			RetryInterval:  cfg.MongoRetryWait,
		})
		if err != nil {
			return err
		}
		defer s.Close()
	default:
		return fmt.Errorf("storage driver %q has no migrations", cfg.StorageDriver)
	}
	logger.Info("Storage schema up to date", map[string]interface{}{
		"storage": cfg.StorageDriver,
	})
	return nil
}
