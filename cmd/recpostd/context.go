package main

import (
	"log/slog"

	"recpost/internal/config"
	"recpost/internal/logging"
	"recpost/internal/merge"
	"recpost/internal/retriever"
	"recpost/internal/sftp"
	"recpost/internal/store"
	"recpost/internal/worker"
)

// commandContext carries lazily-loaded configuration shared across commands.
type commandContext struct {
	configFlag *string
	cfg        *config.Config
	configPath string
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	if c.cfg != nil {
		return c.cfg, nil
	}
	path := ""
	if c.configFlag != nil {
		path = *c.configFlag
	}
	cfg, resolvedPath, _, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	c.cfg = cfg
	c.configPath = resolvedPath
	return cfg, nil
}

// buildWorker wires the pipeline: uploader, merger, retriever, worker.
func buildWorker(cfg *config.Config, logger *slog.Logger, st *store.Store) *worker.Worker {
	uploader := sftp.New(cfg.SFTP, logger)
	merger := merge.New(cfg, logger, uploader)
	fetcher := retriever.New(cfg, logger, merger)
	return worker.New(cfg, logger, st, fetcher, uploader)
}

func newLogger(cfg *config.Config) (*slog.Logger, error) {
	return logging.NewFromConfig(cfg)
}
