package main

import (
	"context"
	"fmt"
	"os"

	"matting/internal/cli"
	"matting/internal/config"
	"matting/internal/logging"
	"matting/internal/pipeline"
	"matting/internal/plugin"
	"matting/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.Setup(cfg)
	if err != nil {
		return err
	}

	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		return fmt.Errorf("open database %s: %w", cfg.Paths.DatabasePath, err)
	}
	defer store.Close()

	reg, err := plugin.Setup(cfg, logger)
	if err != nil {
		return err
	}

	ctx := context.Background()
	pipe := pipeline.New(ctx, cfg, logger, store, reg)
	defer pipe.Stop()

	return cli.NewRootCmd(cfg, logger, store, reg, pipe).ExecuteContext(ctx)
}
