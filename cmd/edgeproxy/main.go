// Command edgeproxy runs the gateway as a standalone server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	edgeproxy "github.com/GoCodeAlone/edgeproxy"
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "edgeproxy",
		Short: "Reverse proxy gateway with client-side load balancing and retries",
	}
	root.AddCommand(newServeCommand())
	return root
}

func newServeCommand() *cobra.Command {
	var configPath string
	var watch bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath, watch)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "edgeproxy.yaml", "path to the config file")
	cmd.Flags().BoolVar(&watch, "watch", false, "reload retry settings when the config file changes")
	return cmd
}

func runServe(configPath string, watch bool) error {
	config, err := edgeproxy.LoadConfig(configPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(config.LogLevel),
	}))

	gateway, err := edgeproxy.NewGateway(config, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := gateway.Start(ctx); err != nil {
		return err
	}

	if watch {
		watcher, err := edgeproxy.NewConfigWatcher(configPath, logger, func(updated *edgeproxy.Config) {
			if applyErr := gateway.ApplyConfig(ctx, updated); applyErr != nil {
				logger.Error("Applying reloaded config failed", "error", applyErr)
			}
		})
		if err != nil {
			return err
		}
		if err := watcher.Start(ctx); err != nil {
			return err
		}
		defer watcher.Stop()
	}

	server := &http.Server{
		Addr:              config.Listen,
		Handler:           gateway,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Listening", "addr", config.Listen)
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err)
	}
	return gateway.Stop(shutdownCtx)
}

func parseLogLevel(level string) slog.Level {
	switch level {
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
