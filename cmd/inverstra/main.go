// Command inverstra runs the prediction voting service. It loads and
// validates configuration, wires dependencies and runs the configured mode
// until SIGINT or SIGTERM.
//
//	inverstra -config config.toml
//	inverstra encrypt-key -out relayer.key   # key and password from the environment
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/inverstra/predictiondao/internal/app"
	"github.com/inverstra/predictiondao/internal/config"
	"github.com/inverstra/predictiondao/internal/crypto"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "encrypt-key" {
		if err := encryptKey(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "encrypt-key: %v\n", err)
			os.Exit(1)
		}
		return
	}

	configPath := flag.String("config", "config.toml", "path to configuration file")
	flag.Parse()

	logger := newLogger(slog.LevelInfo)
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	logger = newLogger(parseLevel(cfg.LogLevel))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("inverstra starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", *configPath),
		slog.Any("settings", config.RedactedConfig(cfg)),
	)

	application := app.New(cfg, logger)
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("application exited with error", slog.String("error", err.Error()))
		application.Close()
		os.Exit(1)
	}
	logger.Info("inverstra stopped")
}

func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// encryptKey writes the relayer key from INVERSTRA_LEDGER_PRIVATE_KEY to an
// encrypted key file protected by INVERSTRA_LEDGER_KEY_PASSWORD.
func encryptKey(args []string) error {
	fs := flag.NewFlagSet("encrypt-key", flag.ContinueOnError)
	out := fs.String("out", "relayer.key", "path of the encrypted key file to write")
	if err := fs.Parse(args); err != nil {
		return err
	}

	key := os.Getenv("INVERSTRA_LEDGER_PRIVATE_KEY")
	password := os.Getenv("INVERSTRA_LEDGER_KEY_PASSWORD")
	if key == "" || password == "" {
		return errors.New("INVERSTRA_LEDGER_PRIVATE_KEY and INVERSTRA_LEDGER_KEY_PASSWORD must be set")
	}
	if err := crypto.WriteEncryptedKey(*out, key, password); err != nil {
		return err
	}
	fmt.Printf("wrote encrypted key to %s\n", *out)
	return nil
}
