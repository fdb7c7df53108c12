package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/harunnryd/relay/pkg/errreport"
	"github.com/harunnryd/relay/pkg/logging"
	"github.com/harunnryd/relay/pkg/relay"
	"github.com/harunnryd/relay/pkg/runner"
)

func main() {
	configPath := flag.String("config", "", "optional YAML config file")
	envFile := flag.String("env_file", ".env", "dotenv file loaded before config")
	dialTo := flag.String("dial_to", "", "destination number for outbound call")
	dialFrom := flag.String("dial_from", "", "caller ID for outbound call (defaults to twilio.from_number)")
	dialURL := flag.String("dial_url", "", "override voice URL for outbound call")
	flag.Parse()

	if err := loadEnvFile(*envFile); err != nil {
		fmt.Fprintln(os.Stderr, "env error:", err)
		os.Exit(1)
	}
	cfg, err := relay.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	logger := logging.InitLogger(cfg.LogLevel, cfg.LogFormat)

	enabled, err := errreport.Init(errreport.Options{
		DSN:         cfg.Observability.SentryDSN,
		Environment: cfg.Environment,
		Release:     "relay@" + runner.Version,
	})
	if err != nil {
		logger.Warn("sentry_init_failed", slog.String("error", err.Error()))
	}
	logger.Info("error_reporting", slog.Bool("enabled", enabled))

	app, err := relay.NewEngine(relay.EngineOptions{Config: cfg, Logger: logger})
	if err != nil {
		fmt.Fprintln(os.Stderr, "startup error:", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "listen error:", err)
		os.Exit(1)
	}

	if *dialTo != "" {
		callSID, err := app.Dial(ctx, *dialTo, *dialFrom, *dialURL)
		if err != nil {
			logger.Error("outbound_dial_failed", slog.String("error", err.Error()))
		} else {
			logger.Info("outbound_dial_started", slog.String("call_sid", callSID))
		}
	}

	<-ctx.Done()
	if err := app.Stop(); err != nil {
		logger.Warn("relay_stop", slog.String("error", err.Error()))
	}
}

// loadEnvFile loads path into the environment without overriding variables
// already set. A missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
