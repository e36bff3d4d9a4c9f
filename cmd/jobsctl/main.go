package main

import (
	"context"
	"os"

	"observatory-jobs/config"
	"observatory-jobs/core/bootstrap"
	"observatory-jobs/logging"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		logging.L().Error(ctx, "invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: os.Stderr})
	logging.SetGlobal(logger)

	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		logger.Error(ctx, "failed to initialize", "error", err)
		os.Exit(1)
	}

	code := 0
	if err := Execute(app); err != nil {
		code = 1
	}
	app.Close()
	os.Exit(code)
}
