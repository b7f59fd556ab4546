// Command analysisd runs the analysis job pipeline: the HTTP API, the
// orchestrator claim loop and the recovery sweeper, all over a shared
// state store.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/devinsight/analysis-jobs/internal/config"
	"github.com/devinsight/analysis-jobs/internal/server"
	"github.com/devinsight/analysis-jobs/pkg/orchestrate"
	"github.com/devinsight/analysis-jobs/pkg/schedule"
	"github.com/devinsight/analysis-jobs/pkg/security"
	"github.com/devinsight/analysis-jobs/pkg/stage"
	"github.com/devinsight/analysis-jobs/pkg/store"
	"github.com/devinsight/analysis-jobs/pkg/sweeper"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "analysisd",
		Short:         "Durable orchestration for multi-stage analysis jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the API server, orchestrator and recovery sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	root.AddCommand(serve)

	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Apply state store migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			return st.Migrate(cmd.Context())
		},
	}
	root.AddCommand(migrate)

	return root
}

func openStore(cfg *config.Config) (*store.GormStore, error) {
	var dialector gorm.Dialector
	switch cfg.Database.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.Database.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.Database.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return store.NewGormStore(db), nil
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	retry := stage.DefaultRetryConfig()
	retry.MaxAttempts = security.ClampAttempts(cfg.Backend.StageAttempts)
	runner := stage.NewRunner(st, stage.NewHTTPInvoker(cfg.Backend.URL),
		stage.WithTimeout(cfg.Backend.StageTimeout),
		stage.WithRetry(retry),
	)

	orch := orchestrate.New(st, nil,
		orchestrate.WithRunner(runner),
		orchestrate.WithConcurrency(cfg.Pipeline.Concurrency),
		orchestrate.WithPollInterval(cfg.Pipeline.PollInterval),
	)

	sw := sweeper.New(st,
		sweeper.WithThreshold(cfg.Sweeper.Threshold),
		sweeper.WithSchedule(schedule.Every(cfg.Sweeper.Interval)),
		sweeper.WithNotify(orch.Emit),
	)

	verifier := server.NewJWTVerifier(cfg.Auth.Secret, cfg.Auth.AdminRole)
	srv := server.New(orch, sw, verifier, server.WithLogger(logger))

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Listen))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		if err := orch.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("orchestrator: %w", err)
		}
	}()
	go func() {
		if err := sw.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("sweeper: %w", err)
		}
	}()

	var fatal error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case fatal = <-errCh:
		logger.Error("fatal", zap.Error(fatal))
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown", zap.Error(err))
	}
	return fatal
}
