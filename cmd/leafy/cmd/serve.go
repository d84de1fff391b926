package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/MeKo-Tech/leafy/internal/config"
	"github.com/MeKo-Tech/leafy/internal/server"
	"github.com/spf13/cobra"
)

// serveCmd represents the serve command.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP inference gateway",
	Long: `Start an HTTP server exposing the disease detection API.

The server provides the following endpoints:
  POST   /detect            - Local detection for the authenticated user
  POST   /detect/anonymous  - Local detection without an owner
  POST   /classify          - Remote classification behind the leaf gate
  POST   /validate-leaf     - Leaf validation only
  POST   /treatment         - Treatment advice for a disease
  GET    /disease-info/{name}
  GET    /detections        - Detection history of the authenticated user
  DELETE /detections
  GET    /crops, /health, /ready, /metrics

Examples:
  leafy serve
  leafy serve --port 8080
  leafy serve --host 127.0.0.1 --rate-limit-enabled`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := *GetConfig()
		applyServeFlags(cmd, &cfg)
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid server configuration: %w", err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
		defer stop()

		return runServer(ctx, &cfg, slog.Default(), nil)
	},
}

// applyServeFlags overrides cfg with the serve flags given on the command line.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()

	if flags.Changed("host") {
		cfg.Server.Host, _ = flags.GetString("host")
	}
	if flags.Changed("port") {
		cfg.Server.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("cors-origin") {
		cfg.Server.CORSOrigin, _ = flags.GetString("cors-origin")
	}
	if flags.Changed("max-upload-size") {
		cfg.Server.MaxUploadMB, _ = flags.GetInt("max-upload-size")
	}
	if flags.Changed("user-header") {
		cfg.Server.UserHeader, _ = flags.GetString("user-header")
	}
	if flags.Changed("read-timeout") {
		cfg.Server.ReadTimeout, _ = flags.GetDuration("read-timeout")
	}
	if flags.Changed("write-timeout") {
		cfg.Server.WriteTimeout, _ = flags.GetDuration("write-timeout")
	}
	if flags.Changed("shutdown-timeout") {
		cfg.Server.ShutdownTimeout, _ = flags.GetDuration("shutdown-timeout")
	}
	if flags.Changed("default-crop") {
		cfg.Inference.DefaultCrop, _ = flags.GetString("default-crop")
	}

	// Rate limiting
	if flags.Changed("rate-limit-enabled") {
		cfg.Server.RateLimit.Enabled, _ = flags.GetBool("rate-limit-enabled")
	}
	if flags.Changed("requests-per-minute") {
		cfg.Server.RateLimit.RequestsPerMinute, _ = flags.GetInt("requests-per-minute")
	}
	if flags.Changed("requests-per-hour") {
		cfg.Server.RateLimit.RequestsPerHour, _ = flags.GetInt("requests-per-hour")
	}
	if flags.Changed("max-requests-per-day") {
		cfg.Server.RateLimit.MaxRequestsPerDay, _ = flags.GetInt("max-requests-per-day")
	}
	if flags.Changed("max-data-per-day") {
		cfg.Server.RateLimit.MaxDataPerDayMB, _ = flags.GetInt("max-data-per-day")
	}
}

// runServer serves the gateway until ctx is done, then shuts down gracefully.
// ready, if set, receives the listening address.
func runServer(ctx context.Context, cfg *config.Config, logger *slog.Logger, ready func(addr string)) error {
	a, err := newApp(ctx, cfg, logger, appOptions{localModels: true, persist: true})
	if err != nil {
		return fmt.Errorf("failed to initialize gateway: %w", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("resource cleanup error", "error", err)
		}
	}()
	if len(a.report.Loaded) == 0 {
		logger.Warn("no local crop models loaded; only remote classification is available")
	}

	rl := cfg.Server.RateLimit
	srv, err := server.NewServer(a.gw, server.Config{
		CORSOrigin: cfg.Server.CORSOrigin,
		UserHeader: cfg.Server.UserHeader,
		RateLimit: server.RateLimitConfig{
			Enabled:           rl.Enabled,
			RequestsPerMinute: rl.RequestsPerMinute,
			RequestsPerHour:   rl.RequestsPerHour,
			MaxRequestsPerDay: rl.MaxRequestsPerDay,
			MaxDataPerDay:     int64(rl.MaxDataPerDayMB) << 20,
		},
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	httpServer := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Starting leafy server",
			"addr", ln.Addr().String(),
			"crops", a.report.Loaded,
			"history", cfg.History.Driver)
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()
	if ready != nil {
		ready(ln.Addr().String())
	}

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("Starting graceful shutdown", "timeout", cfg.Server.ShutdownTimeout.String())
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
		return err
	}
	logger.Info("Graceful shutdown completed")
	return nil
}

func init() {
	rootCmd.AddCommand(serveCmd)
	def := config.DefaultConfig()
	serveCmd.Flags().StringP("host", "H", def.Server.Host, "server host")
	serveCmd.Flags().IntP("port", "p", def.Server.Port, "server port")
	serveCmd.Flags().String("cors-origin", def.Server.CORSOrigin, "CORS allowed origin")
	serveCmd.Flags().Int("max-upload-size", def.Server.MaxUploadMB, "maximum image size in MB")
	serveCmd.Flags().String("user-header", def.Server.UserHeader, "request header carrying the authenticated user id")
	serveCmd.Flags().Duration("read-timeout", def.Server.ReadTimeout, "request read timeout")
	serveCmd.Flags().Duration("write-timeout", def.Server.WriteTimeout, "response write timeout")
	serveCmd.Flags().Duration("shutdown-timeout", def.Server.ShutdownTimeout, "graceful shutdown timeout")
	serveCmd.Flags().String("default-crop", def.Inference.DefaultCrop, "crop used when a request names none")
	// Rate limiting flags
	serveCmd.Flags().Bool("rate-limit-enabled", def.Server.RateLimit.Enabled, "enable rate limiting")
	serveCmd.Flags().Int("requests-per-minute", def.Server.RateLimit.RequestsPerMinute, "maximum requests per minute per client")
	serveCmd.Flags().Int("requests-per-hour", def.Server.RateLimit.RequestsPerHour, "maximum requests per hour per client")
	serveCmd.Flags().Int("max-requests-per-day", def.Server.RateLimit.MaxRequestsPerDay, "maximum requests per day per client")
	serveCmd.Flags().Int("max-data-per-day", def.Server.RateLimit.MaxDataPerDayMB, "maximum upload volume per day per client in MB")
}
