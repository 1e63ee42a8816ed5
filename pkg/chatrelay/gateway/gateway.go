// Package gateway serves the bot's operational HTTP endpoints: health,
// Prometheus metrics and read-only history inspection.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/jholhewres/chatrelay/pkg/chatrelay/channels"
	"github.com/jholhewres/chatrelay/pkg/chatrelay/config"
	"github.com/jholhewres/chatrelay/pkg/chatrelay/history"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthSource reports per-channel health. channels.Manager implements it.
type HealthSource interface {
	HealthAll() map[string]channels.HealthStatus
}

// HistoryReader reads stored conversation history.
type HistoryReader interface {
	Recent(ctx context.Context, conversationID string, limit int) ([]history.Record, error)
}

// Options are the optional gateway collaborators.
type Options struct {
	Version string

	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer

	// History enables /api/history/{conversation}.
	History HistoryReader

	// DefaultLimit is used when a history request has no limit parameter.
	DefaultLimit int
}

// Gateway is the operational HTTP server.
type Gateway struct {
	cfg       config.GatewayConfig
	opts      Options
	health    HealthSource
	server    *http.Server
	logger    *slog.Logger
	startedAt time.Time
}

// New creates a Gateway.
func New(cfg config.GatewayConfig, health HealthSource, opts Options, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = "127.0.0.1:8085"
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = config.DefaultHistoryWindow
	}
	return &Gateway{
		cfg:       cfg,
		opts:      opts,
		health:    health,
		logger:    logger.With("component", "gateway"),
		startedAt: time.Now(),
	}
}

// Handler returns the routed handler with middleware applied.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", g.handleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(g.opts.Gatherer, promhttp.HandlerOpts{}))
	if g.opts.History != nil {
		mux.HandleFunc("GET /api/history/{conversation}", g.handleHistory)
	}
	return securityHeaders(g.authMiddleware(mux))
}

// Start binds the listener and serves in the background.
func (g *Gateway) Start(ctx context.Context) error {
	g.startedAt = time.Now()

	if g.cfg.AuthToken == "" && !isLocalAddress(g.cfg.Address) {
		g.logger.Warn("SECURITY: gateway has no auth token and is bound to a non-loopback address",
			"address", g.cfg.Address)
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", g.cfg.Address)
	if err != nil {
		return fmt.Errorf("gateway: listen on %s: %w", g.cfg.Address, err)
	}

	g.server = &http.Server{
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("gateway server error", "error", err)
		}
	}()
	g.logger.Info("gateway started", "address", ln.Addr().String())
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("gateway stopping...")
	return g.server.Shutdown(ctx)
}

func isLocalAddress(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil || host == "" {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
