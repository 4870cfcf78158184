// ccmuxd is the ccmux daemon: it owns every session/window/pane, spawns
// and polls their PTYs, and serves the framed client protocol over a
// local Unix-domain socket and, optionally, a tsnet-backed remote
// listener.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ccmux/ccmux/internal/config"
	"github.com/ccmux/ccmux/internal/daemon"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "ccmuxd",
		Short:   "ccmux daemon",
		Version: Version,
	}

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the ccmux daemon",
		RunE:  runStart,
	}
	rootCmd.AddCommand(startCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Report whether a daemon is reachable on the configured socket",
		RunE:  runStatus,
	}
	rootCmd.AddCommand(statusCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, logFile, err := setupLogging(cfg)
	if err != nil {
		return fmt.Errorf("set up logging: %w", err)
	}
	defer logFile.Close()
	slog.SetDefault(logger)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("daemon panic", "recovered", r)
			os.Exit(1)
		}
	}()

	logger.Info("starting ccmuxd", "version", Version, "socket", cfg.SocketPath)

	d, err := daemon.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize daemon: %w", err)
	}
	if err := d.Listen(); err != nil {
		return fmt.Errorf("bind listeners: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	if err := d.Serve(ctx); err != nil {
		logger.Error("daemon exited with error", "error", err)
		return err
	}

	logger.Info("ccmuxd stopped")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	conn, err := net.DialTimeout("unix", cfg.SocketPath, 2*time.Second)
	if err != nil {
		fmt.Println("ccmuxd: not running")
		return nil
	}
	conn.Close()
	fmt.Println("ccmuxd: running")
	fmt.Printf("socket: %s\n", cfg.SocketPath)
	return nil
}

// setupLogging writes structured logs to ccmuxd.log under the
// configured runtime directory rather than stdout, since stdout/stderr
// may be attached to a client's own terminal.
func setupLogging(cfg *config.Config) (*slog.Logger, *os.File, error) {
	if err := os.MkdirAll(cfg.RuntimeDir, 0700); err != nil {
		return nil, nil, err
	}
	logPath := filepath.Join(cfg.RuntimeDir, "ccmuxd.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, nil, err
	}

	level := slog.LevelInfo
	if os.Getenv("CCMUX_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(logFile, &slog.HandlerOptions{Level: level})
	return slog.New(handler), logFile, nil
}
