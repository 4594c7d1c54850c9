package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/loykin/epithetd"
	"github.com/loykin/epithetd/internal/logger"
)

// runServe runs the daemon in the foreground until SIGINT or SIGTERM.
func runServe(ctx context.Context, global GlobalFlags, f ServeFlags, stderr io.Writer) error {
	cfg, err := epithetd.LoadConfig(global.ConfigPath)
	if err != nil {
		return err
	}
	if f.LogLevel != "" {
		cfg.Log.Level = f.LogLevel
	}
	if f.LogFormat != "" {
		cfg.Log.Format = f.LogFormat
	}
	if f.LogFile != "" {
		cfg.Log.File = f.LogFile
	}

	log, closer, err := logger.New(cfg.Log, stderr)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = closer.Close() }()

	d, err := epithetd.NewDaemon(cfg, log)
	if err != nil {
		return err
	}
	log.Info("epithetd started", "api", d.APIAddr().String(), "brokers", len(d.Store().List()))

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := d.Run(ctx); err != nil {
		log.Error("daemon stopped with error", "error", err)
		return err
	}
	log.Info("epithetd stopped")
	return nil
}
