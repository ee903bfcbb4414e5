// Package main is the entrypoint for the onboarding-go server.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MahdiBaghbani/onboarding-go/internal/platform/config"
	"github.com/MahdiBaghbani/onboarding-go/internal/platform/http/auth"
	"github.com/MahdiBaghbani/onboarding-go/internal/platform/logutil"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "hash-key" {
		if err := hashKey(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	configPath := flag.String("config", "", "Path to TOML config file (optional)")
	modeFlag := flag.String("mode", "", "Operating mode: strict or dev (overrides config)")
	listenAddr := flag.String("listen", "", "Listen address (overrides config)")
	publicOrigin := flag.String("public-origin", "", "Public origin used in invite links (overrides config)")
	tlsMode := flag.String("tls-mode", "", "TLS mode: off, static, or acme (overrides config)")
	loggingLevel := flag.String("logging-level", "", "Log level: trace, debug, info, warn, error (overrides config)")
	loggingFormat := flag.String("logging-format", "", "Log format: json or text (overrides config)")
	storeDriver := flag.String("store-driver", "", "Store driver: sqlite, postgres, or json (overrides config)")
	reconcilerEnabled := flag.String("reconciler-enabled", "", "Run the reconciliation loop: true or false (overrides config)")
	flag.Parse()

	bootstrapLogger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	// Precedence: mode preset -> TOML file -> environment secrets -> CLI flags.
	cfg, err := config.Load(config.LoaderOptions{
		ConfigPath: *configPath,
		ModeFlag:   *modeFlag,
		FlagOverrides: config.FlagOverrides{
			ListenAddr:        listenAddr,
			PublicOrigin:      publicOrigin,
			TLSMode:           tlsMode,
			LoggingLevel:      loggingLevel,
			LoggingFormat:     loggingFormat,
			StoreDriver:       storeDriver,
			ReconcilerEnabled: reconcilerEnabled,
		},
		Logger: bootstrapLogger,
	})
	if err != nil {
		bootstrapLogger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	level, err := logutil.ParseLevel(cfg.Logging.Level)
	if err != nil {
		bootstrapLogger.Warn("falling back to info level", "error", err)
	}
	logger := logutil.New(os.Stdout, cfg.Logging.Format, level)
	slog.SetDefault(logger)

	logger.Info("effective configuration", "config", cfg.Redacted())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := build(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialise", "error", err)
		os.Exit(1)
	}

	app.start(ctx)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- app.server.Start()
	}()
	logger.Info("server started, press Ctrl+C to stop")

	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			exitCode = 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		exitCode = 1
	}

	logger.Info("server stopped")
	os.Exit(exitCode)
}

// hashKey reads an admin API key from stdin and prints its argon2id hash for
// the server.admins table.
func hashKey() error {
	fmt.Fprint(os.Stderr, "admin key: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return fmt.Errorf("failed to read key: %w", err)
	}
	key := strings.TrimSpace(line)
	if len(key) < 16 {
		return errors.New("admin keys must be at least 16 characters")
	}
	hash, err := auth.NewHasher().Hash(key)
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}
