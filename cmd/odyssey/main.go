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

	"github.com/hibiken/asynq"
	"github.com/spf13/pflag"

	"github.com/odyssey-erp/odyssey-access/cmd/odyssey/cli"
	"github.com/odyssey-erp/odyssey-access/internal/app"
	"github.com/odyssey-erp/odyssey-access/internal/audit"
	audithttp "github.com/odyssey-erp/odyssey-access/internal/audit/http"
	"github.com/odyssey-erp/odyssey-access/internal/auth"
	"github.com/odyssey-erp/odyssey-access/internal/observability"
	"github.com/odyssey-erp/odyssey-access/internal/platform/broker"
	"github.com/odyssey-erp/odyssey-access/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-access/internal/platform/db"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	rbachttp "github.com/odyssey-erp/odyssey-access/internal/rbac/http"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
	"github.com/odyssey-erp/odyssey-access/internal/users"
	"github.com/odyssey-erp/odyssey-access/jobs"
)

const usage = `usage: odyssey <command> [flags]

commands:
  serve                 run the HTTP API (default)
  migrate               apply database migrations and flush the role cache
  jobs trigger <name>   enqueue audit:retention or rbac:flush-cache
  jobs stats            print default queue statistics
  rbac flush-cache      invalidate cached role permissions
`

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		slog.Default().Error("odyssey", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	command := "serve"
	if len(args) > 0 {
		command, args = args[0], args[1:]
	}
	if command == "help" || command == "-h" || command == "--help" {
		fmt.Fprint(os.Stdout, usage)
		return nil
	}

	cfg, err := app.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := app.NewLogger(cfg)

	switch command {
	case "serve":
		return serve(ctx, cfg, logger)
	case "migrate":
		return migrate(ctx, cfg, logger)
	case "jobs":
		return jobsCommand(ctx, cfg, args)
	case "rbac":
		return rbacCommand(ctx, cfg, logger, args)
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

func migrate(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	if err := db.Migrate(ctx, cfg.PGDSN, logger); err != nil {
		return err
	}
	// Migrations may reseed role defaults.
	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		logger.Warn("skip role cache flush", slog.Any("error", err))
		return nil
	}
	defer func() { _ = redisClient.Close() }()
	version, err := cli.FlushRoleCache(ctx, redisClient, logger)
	if err != nil {
		logger.Warn("flush role cache", slog.Any("error", err))
		return nil
	}
	logger.Info("role cache flushed", slog.Int64("version", version))
	return nil
}

func jobsCommand(ctx context.Context, cfg *app.Config, args []string) error {
	if len(args) == 0 {
		return errors.New("jobs: expected trigger or stats")
	}
	sub, args := args[0], args[1:]

	flags := pflag.NewFlagSet("jobs "+sub, pflag.ContinueOnError)
	var opts cli.TriggerOptions
	flags.IntVar(&opts.RetentionDays, "retention-days", 0, "retention window for audit:retention (0 uses the worker default)")
	flags.StringVar(&opts.Reason, "reason", "", "reason recorded by rbac:flush-cache")
	scheduled := flags.Int("scheduled", 0, "also list up to N scheduled tasks")
	if err := flags.Parse(args); err != nil {
		return err
	}

	jobsCLI, err := cli.NewJobsCLI(asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		return err
	}
	defer func() { _ = jobsCLI.Close() }()

	switch sub {
	case "trigger":
		if flags.NArg() != 1 {
			return errors.New("jobs trigger: expected one job name")
		}
		info, err := jobsCLI.Trigger(ctx, flags.Arg(0), opts)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
		return nil
	case "stats":
		stats, err := jobsCLI.InspectQueue(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "queue=%s pending=%d active=%d scheduled=%d retry=%d\n",
			stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry)
		if *scheduled > 0 {
			tasks, err := jobsCLI.ListScheduled(ctx, *scheduled)
			if err != nil {
				return err
			}
			for _, task := range tasks {
				fmt.Fprintf(os.Stdout, "scheduled %s id=%s next=%s\n", task.Type, task.ID, task.NextProcessAt.Format(time.RFC3339))
			}
		}
		return nil
	default:
		return fmt.Errorf("jobs: unknown subcommand %q", sub)
	}
}

func rbacCommand(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) error {
	if len(args) == 0 || args[0] != "flush-cache" {
		return errors.New("rbac: expected flush-cache")
	}
	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		return err
	}
	defer func() { _ = redisClient.Close() }()
	version, err := cli.FlushRoleCache(ctx, redisClient, logger)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "role cache version %d\n", version)
	return nil
}

func serve(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	if cfg.MigrateOnStart {
		if err := db.Migrate(ctx, cfg.PGDSN, logger); err != nil {
			return err
		}
	}

	dbpool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	var producer *broker.Producer
	if cfg.KafkaEnabled() {
		producer = broker.NewProducer(logger, cfg.KafkaBrokers, cfg.KafkaPermissionTopic)
		defer producer.Close()
	}

	metrics := observability.NewMetrics()

	auditLogger := audit.NewLogger(audit.NewPGStore(dbpool), logger, audit.WithWriteTimeout(cfg.AuditWriteTimeout))

	rbacRepo := rbac.NewRepository(dbpool)
	roleCache := rbac.NewRoleCache(rbacRepo, redisClient, cfg.RoleCacheTTL, logger)
	roleCache.ListenForInvalidation(ctx)
	rbacService := rbac.NewService(rbacRepo, roleCache, auditLogger, rbac.ServiceConfig{
		Logger:    logger,
		Observer:  metrics,
		Publisher: rbac.SinkPublisher{Sink: producer},
	})
	rbacMiddleware := rbac.Middleware{Service: rbacService, Logger: logger}

	sessionManager := shared.NewSessionManager(redisClient, cfg.SessionCookie, cfg.SessionTTL, cfg.IsProduction())
	tokenManager := shared.NewTokenManager(cfg.TokenSecret, cfg.TokenTTL)

	authHandler := auth.NewHandler(logger, auth.NewService(auth.NewRepository(dbpool)), sessionManager, tokenManager)
	usersHandler := users.NewHandler(logger, users.NewService(users.NewRepository(dbpool)), rbacMiddleware)
	permissionsHandler := rbachttp.NewHandler(logger, rbacService).WithMutationLimit(cfg.AdminRateLimitPerMinute)
	auditHandler := audithttp.NewHandler(logger, auditLogger, rbacService)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		SessionManager:     sessionManager,
		TokenManager:       tokenManager,
		AuthHandler:        authHandler,
		UsersHandler:       usersHandler,
		PermissionsHandler: permissionsHandler,
		AuditHandler:       auditHandler,
		JobHandler:         jobHandler,
		RBACMiddleware:     rbacMiddleware,
		Metrics:            metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
	return nil
}
