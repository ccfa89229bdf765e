package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/victorgomez09/posauth/internal/config"
	"github.com/victorgomez09/posauth/internal/logger"
	"github.com/victorgomez09/posauth/internal/server"
)

func main() {
	configPath := flag.String("config", "posauth.yaml", "path to config file")
	checkOnly := flag.Bool("check", false, "validate the config file and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *checkOnly {
		fmt.Printf("%s: configuration is valid\n", *configPath)
		return
	}

	logManager, zLog := initializeLogging(cfg)
	defer syncLoggers(logManager)

	errChan := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, err := server.NewServer(ctx, errChan, cfg, logManager)
	if err != nil {
		zLog.Fatal("Failed to build server", zap.Error(err))
	}
	runServer(ctx, cancel, srv, cfg, errChan, zLog)
}

func initializeLogging(cfg *config.Config) (*logger.LoggerManager, *zap.Logger) {
	logManager, err := logger.NewLoggerManager(cfg.Logging.Loggers)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	return logManager, logManager.Logger(logger.DefaultLoggerName)
}

// Flush logger buffers before the process exits.
func syncLoggers(logManager *logger.LoggerManager) {
	if err := logManager.Sync(); err != nil {
		log.Printf("Failed to sync loggers: %s", err)
	}
}

// runServer starts the server and blocks until a signal or a fatal server error, then
// shuts down within the configured timeout.
func runServer(
	ctx context.Context,
	cancel context.CancelFunc,
	srv *server.Server,
	cfg *config.Config,
	errChan chan error,
	zLog *zap.Logger,
) {
	if err := srv.Start(); err != nil {
		zLog.Error("Failed to start server", zap.Error(err))
		shutdown(srv, cfg, zLog)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	exitCode := 0
	select {
	case sig := <-sigChan:
		zLog.Warn("Shutdown signal received. Initializing graceful shutdown", zap.String("signal", sig.String()))
	case err := <-errChan:
		zLog.Error("Server error triggered shutdown", zap.Error(err))
		exitCode = 1
	case <-ctx.Done():
	}
	cancel()

	if !shutdown(srv, cfg, zLog) {
		exitCode = 1
	}
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

func shutdown(srv *server.Server, cfg *config.Config, zLog *zap.Logger) bool {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		zLog.Error("Error during shutdown", zap.Error(err))
		return false
	}
	zLog.Info("Server shutdown completed")
	return true
}
