package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"recpost/internal/logging"
	"recpost/internal/store"
	"recpost/internal/web"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the archival daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), ctx)
		},
	}
}

func runDaemon(cmdCtx context.Context, ctx *commandContext) error {
	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := ctx.ensureConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	lockPath := filepath.Join(cfg.Paths.LogDir, "recpostd.lock")
	lock := flock.New(lockPath)
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !locked {
		return errors.New("another recpostd instance is already running")
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			logger.Warn("release daemon lock", logging.Error(err))
		}
	}()

	st, err := store.Open(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	wrk := buildWorker(cfg, logger, st)

	errCh := make(chan error, 2)
	go func() {
		errCh <- wrk.Run(signalCtx)
	}()

	if cfg.Web.Enabled {
		console, err := web.New(cfg, logger, st, wrk)
		if err != nil {
			return fmt.Errorf("build console: %w", err)
		}
		go func() {
			errCh <- console.Run(signalCtx)
		}()
	}

	logger.Info("recpostd started",
		logging.String("database", st.Path()),
		logging.String("lock", lockPath),
		logging.Bool("console", cfg.Web.Enabled),
	)

	select {
	case <-signalCtx.Done():
	case err := <-errCh:
		if err != nil {
			logger.Error("daemon component failed", logging.Error(err))
			return err
		}
	}
	logger.Info("recpostd shutting down")
	return nil
}
