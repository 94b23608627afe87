package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/AfshinJalili/coinledger/libs/logging"
	"github.com/AfshinJalili/coinledger/services/ledger/internal/config"
	"github.com/AfshinJalili/coinledger/services/ledger/migrations"
)

func main() {
	direction := flag.String("direction", "up", "migration direction: up or down")
	timeout := flag.Duration("timeout", time.Minute, "overall migration timeout")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.App.LogLevel, "ledger-migrate", cfg.App.Env)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch *direction {
	case "up":
		err = migrations.Up(ctx, cfg.DB.DSN(), logger)
	case "down":
		err = migrations.Down(ctx, cfg.DB.DSN(), logger)
	default:
		err = fmt.Errorf("unknown direction %q", *direction)
	}
	if err != nil {
		logger.Error("migration failed", "direction", *direction, "error", err)
		os.Exit(1)
	}
	logger.Info("migration complete", "direction", *direction)
}
