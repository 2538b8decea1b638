package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/datagate/internal/config"
	"github.com/jkaninda/datagate/internal/domain"
	"github.com/jkaninda/datagate/internal/gateway"
	"github.com/jkaninda/datagate/internal/gateway/httpapi"
	"github.com/jkaninda/datagate/internal/query"
	"github.com/jkaninda/datagate/internal/ratelimit"
)

var (
	serveConfigPath string
	servePort       string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP and websocket chat gateway",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `datagate --config path` and `datagate serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
	}
}

// runServe starts the gateway and blocks until a shutdown signal.
func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(goutils.Env("DATAGATE_CONFIG", serveConfigPath))
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)

	// Apply CLI overrides.
	if servePort != "" {
		if cfg.Gateways.HTTP == nil {
			cfg.Gateways.HTTP = &config.HTTPGatewayConfig{Enabled: true}
		}
		cfg.Gateways.HTTP.ListenAddr = servePort
	}
	if cfg.Gateways.HTTP == nil || !cfg.Gateways.HTTP.Enabled {
		return fmt.Errorf("no gateways enabled in config (set gateways.http.enabled)")
	}

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc, err := initShared(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	httpGW, limiter, err := buildHTTPGateway(cfg, sc)
	if err != nil {
		return err
	}
	go runLimiterCleanup(ctx, limiter, time.Minute)

	gateways := []gateway.Gateway{httpGW}
	logger.Info("gateways configured", slog.Int("count", len(gateways)))

	// Start all gateways in goroutines.
	errs := make(chan error, len(gateways))
	for _, gw := range gateways {
		go func(g gateway.Gateway) {
			errs <- g.Start(ctx)
		}(gw)
	}

	// Wait for signal or first gateway error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := len(gateways) - 1; i >= 0; i-- {
		if err := gateways[i].Stop(shutdownCtx); err != nil {
			logger.Error("stopping gateway", slog.String("error", err.Error()))
		}
	}
	return nil
}

// buildHTTPGateway creates the HTTP gateway, mounting the websocket surface
// when enabled.
func buildHTTPGateway(cfg *config.Config, sc *SharedComponents) (*httpapi.Gateway, *ratelimit.Limiter, error) {
	gwCfg := cfg.Gateways

	auth, err := httpapi.NewAuthenticator(authConfig(gwCfg.HTTP.Auth))
	if err != nil {
		return nil, nil, fmt.Errorf("configuring http auth: %w", err)
	}

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: gwCfg.HTTP.RateLimit.RequestsPerMinute,
		BurstSize:         gwCfg.HTTP.RateLimit.BurstSize,
	})

	httpCfg := httpapi.Config{
		ListenAddr:     gwCfg.HTTP.Addr(),
		EnableDocs:     gwCfg.HTTP.EnableDocs,
		MaxRequestSize: gwCfg.HTTP.MaxRequestSizeBytes,
		SchemaVersion:  query.SchemaVersion,
		Schema:         sc.Schema,
	}
	if ws := gwCfg.WebSocket; ws != nil && ws.Enabled {
		httpCfg.WebSocket = &httpapi.WebSocketConfig{
			Path:         ws.WSPath(),
			ReadLimit:    ws.ReadLimit(),
			IdleTimeout:  ws.IdleTimeout(),
			PingInterval: ws.PingInterval(),
		}
		sc.Logger.Debug("websocket chat surface mounted", slog.String("path", ws.WSPath()))
	}
	if sc.Obs != nil {
		httpCfg.Metrics = sc.Obs.Metrics
		httpCfg.HealthChecker = sc.Obs.Health
		if sc.Obs.Metrics != nil {
			httpCfg.MetricsRegistry = sc.Obs.Metrics.Registry
		}
		if sc.Obs.Tracer != nil {
			httpCfg.Tracer = sc.Obs.Tracer.Tracer()
		}
		if cfg.Observability != nil && cfg.Observability.Metrics != nil {
			httpCfg.MetricsPath = cfg.Observability.Metrics.MetricsPath()
		}
	}

	sc.Logger.Debug("gateway enabled",
		slog.String("type", "http"),
		slog.String("addr", httpCfg.ListenAddr),
		slog.Bool("websocket", httpCfg.WebSocket != nil),
		slog.Bool("docs", httpCfg.EnableDocs),
	)
	return httpapi.NewGateway(httpCfg, sc.Service, auth, limiter, sc.Logger), limiter, nil
}

// authConfig converts configured principals. Roles are normalized here;
// NewAuthenticator rejects unknown ones.
func authConfig(ac config.AuthConfig) httpapi.AuthConfig {
	keys := make(map[string]domain.Principal, len(ac.APIKeys))
	for digest, p := range ac.APIKeys {
		keys[digest] = domain.Principal{
			ID:          p.ID,
			Role:        domain.ParseRole(p.Role),
			DisplayName: p.DisplayName,
			Email:       p.Email,
		}
	}
	return httpapi.AuthConfig{
		JWTSecret: ac.JWTSecret,
		JWTIssuer: ac.JWTIssuer,
		APIKeys:   keys,
	}
}

// runLimiterCleanup drops idle rate-limit buckets until ctx is done.
func runLimiterCleanup(ctx context.Context, l *ratelimit.Limiter, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Cleanup()
		}
	}
}
