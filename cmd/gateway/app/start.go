package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/mew-protocol/gateway/pkg/api"
	"github.com/mew-protocol/gateway/pkg/config"
	"github.com/mew-protocol/gateway/pkg/gateway"
	"github.com/mew-protocol/gateway/pkg/logging"
	"github.com/mew-protocol/gateway/pkg/tokens"
	"github.com/mew-protocol/gateway/pkg/transport"
	"github.com/mew-protocol/gateway/pkg/version"
)

const (
	// lockTimeout bounds the wait for the space lock. A second gateway
	// racing for the same space fails fast instead of queueing.
	lockTimeout = 2 * time.Second

	// shutdownBudget bounds the HTTP server drain during teardown.
	shutdownBudget = 5 * time.Second
)

func newStartCmd() *cobra.Command {
	var (
		spaceConfig string
		fifoDir     string
		logLevel    string
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the gateway for one space",
		Long: `Start loads the space descriptor, resolves participant tokens, takes the
space lock, and serves the space until SIGINT or SIGTERM.

WebSocket participants connect to the configured listen address on any URL
path; stdio participants are served over FIFO pairs under the FIFO
directory. Exit code 0 means a clean shutdown; any startup failure
(missing or invalid descriptor, port in use, unreadable token file, space
already locked) exits 1.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStart(cmd.Context(), spaceConfig, fifoDir, logLevel)
		},
	}

	cmd.Flags().StringVar(&spaceConfig, "space-config", "space.yaml",
		"path to the space descriptor")
	cmd.Flags().StringVar(&fifoDir, "fifo-dir", "",
		"directory for participant FIFO pairs (default <spaceDir>/.mew/fifos)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info",
		"log level: error, warn, info or debug")
	return cmd
}

func runStart(ctx context.Context, spaceConfig, fifoDir, logLevel string) error {
	logger, err := logging.Setup(logLevel)
	if err != nil {
		return err
	}

	spaceDir := filepath.Dir(spaceConfig)

	// A .env next to the descriptor is a convenience for MEW_TOKEN_* and
	// GATEWAY_LOG_FILE; its absence is the normal case.
	envPath := filepath.Join(spaceDir, ".env")
	if err := godotenv.Load(envPath); err == nil {
		logger.Info("Loaded environment", "path", envPath)
	}

	cfg, err := config.Load(spaceConfig)
	if err != nil {
		logger.Error("Failed to load space descriptor", "path", spaceConfig, "error", err)
		return err
	}

	logger.Info("Starting MEW gateway",
		"version", version.Full(),
		"space", cfg.Space.ID,
		"participants", len(cfg.Participants))

	unlock, err := lockSpace(ctx, spaceDir, cfg.Space.ID)
	if err != nil {
		logger.Error("Failed to lock space", "error", err)
		return err
	}
	defer unlock()

	resolver := tokens.NewResolver(spaceDir, logger)
	creds := make(map[string]string, len(cfg.Participants))
	for pid, p := range cfg.Participants {
		token, err := resolver.Resolve(pid, p.Tokens)
		if err != nil {
			logger.Error("Failed to resolve token", "participant", pid, "error", err)
			return err
		}
		creds[pid] = token
	}

	core := gateway.New(cfg, creds, logger)

	if fifoDir == "" {
		fifoDir = filepath.Join(spaceDir, ".mew", "fifos")
	}
	fifos := transport.NewFIFOTransport(fifoDir, cfg.StdioParticipants(), core, logger)
	if err := fifos.Start(ctx); err != nil {
		logger.Error("Failed to start FIFO transport", "error", err)
		return err
	}

	// Bind synchronously so a busy port is a startup failure, then serve in
	// the background.
	ln, err := net.Listen("tcp", cfg.ListenAddr())
	if err != nil {
		fifos.Stop()
		logger.Error("Failed to bind WebSocket listener", "addr", cfg.ListenAddr(), "error", err)
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddr(), err)
	}

	server := api.NewServer(core, logger)
	errCh := make(chan error, 1)
	go func() {
		if err := server.StartWithListener(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("Gateway started",
		"space", cfg.Space.ID,
		"listen", ln.Addr().String(),
		"stdio_participants", len(cfg.StdioParticipants()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigCh:
		logger.Info("Shutdown signal received", "signal", sig.String())
	case runErr = <-errCh:
		logger.Error("Server error triggered shutdown", "error", runErr)
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down")
	}

	// Staged teardown: close participant channels first so their read loops
	// unwind, then the transports, then the HTTP listener.
	core.Shutdown()
	fifos.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownBudget)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	logger.Info("Shutdown complete", "space", cfg.Space.ID)
	return runErr
}

// lockSpace takes <spaceDir>/.mew/gateway.lock so two gateways cannot serve
// one space concurrently. The returned func releases the lock.
func lockSpace(ctx context.Context, spaceDir, spaceID string) (func(), error) {
	lockPath := filepath.Join(spaceDir, ".mew", "gateway.lock")
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o700); err != nil {
		return nil, fmt.Errorf("create space directory: %w", err)
	}

	fileLock := flock.New(lockPath)
	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()

	locked, err := fileLock.TryLockContext(lockCtx, 100*time.Millisecond)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("acquire space lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("space %q is already served by another gateway (lock %s)", spaceID, lockPath)
	}
	return func() { _ = fileLock.Unlock() }, nil
}
