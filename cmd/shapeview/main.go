// Package main provides the entry point for the shapeview service.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jobrunner/shapeview/internal/app"
	"github.com/jobrunner/shapeview/internal/config"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

var (
	cfgFile string
	v       *viper.Viper
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "shapeview",
	Short: "shapeview - interactive shapefile viewer core",
	Long: `shapeview loads zipped shapefiles and GeoJSON files into a map session.

It provides a REST API for the viewer shell:
  - Drag-box and ctrl-click selection across all visible layers
  - Batch attribute editing of selected features
  - Export to zipped shapefile or GeoJSON in WGS 84
  - Layer inbox on local disk, AWS S3, Azure Blob Storage or HTTP
  - TLS with automatic certificate management
  - Prometheus metrics`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the viewer API server",
	RunE:  runServer,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "shapeview %s\n", version)
		fmt.Fprintf(out, "  Commit:     %s\n", commit)
		fmt.Fprintf(out, "  Build Date: %s\n", buildDate)
	},
}

func init() {
	cobra.OnInitialize(initConfig)
	v = config.New()

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "log format (json, text)")

	// Server flags
	serveCmd.Flags().String("host", "0.0.0.0", "server host")
	serveCmd.Flags().Int("port", 8080, "server port")
	serveCmd.Flags().Bool("tls", false, "enable TLS")
	serveCmd.Flags().StringSlice("tls-domains", nil, "TLS domains")
	serveCmd.Flags().String("tls-email", "", "TLS email for Let's Encrypt")
	serveCmd.Flags().StringSlice("cors", nil, "allowed CORS origins (e.g., https://example.com,*.sub.domain.tld)")

	// Storage flags
	serveCmd.Flags().String("storage-type", "local", "layer inbox storage (local, s3, azure, http, none)")
	serveCmd.Flags().String("storage-path", "./data", "local storage path")
	serveCmd.Flags().Bool("sync", false, "periodically sync layers from storage")
	serveCmd.Flags().Bool("watch", false, "watch the local storage path for layer files")

	// Selection flags
	serveCmd.Flags().Bool("multi-select", false, "start in touch multi-select mode")

	// Bind flags to viper
	_ = v.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = v.BindPFlag("logging.format", rootCmd.PersistentFlags().Lookup("log-format"))
	_ = v.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	_ = v.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	_ = v.BindPFlag("tls.enabled", serveCmd.Flags().Lookup("tls"))
	_ = v.BindPFlag("tls.domains", serveCmd.Flags().Lookup("tls-domains"))
	_ = v.BindPFlag("tls.email", serveCmd.Flags().Lookup("tls-email"))
	_ = v.BindPFlag("server.cors.allowed_origins", serveCmd.Flags().Lookup("cors"))
	_ = v.BindPFlag("storage.type", serveCmd.Flags().Lookup("storage-type"))
	_ = v.BindPFlag("storage.local_path", serveCmd.Flags().Lookup("storage-path"))
	_ = v.BindPFlag("sync.enabled", serveCmd.Flags().Lookup("sync"))
	_ = v.BindPFlag("watcher.enabled", serveCmd.Flags().Lookup("watch"))
	_ = v.BindPFlag("selection.multi_select", serveCmd.Flags().Lookup("multi-select"))

	rootCmd.AddCommand(serveCmd, versionCmd, convertCmd, layersCmd)
}

func initConfig() {
	config.LoadDotEnv()
}

func runServer(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging, os.Stdout)
	slog.SetDefault(logger)

	logger.Info("starting shapeview",
		"version", version,
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"storage_type", cfg.Storage.Type,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "address", cfg.Server.Address())
		if err := application.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case runErr = <-serverErr:
		logger.Error("server error", "error", runErr)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	logger.Info("shutting down server")
	if err := application.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		return errors.Join(runErr, err)
	}

	logger.Info("server stopped")
	return runErr
}

func setupLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Value = slog.StringValue(a.Value.Time().UTC().Format(time.RFC3339))
			}
			return a
		},
	}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler)
}
