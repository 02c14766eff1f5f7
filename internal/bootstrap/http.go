package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/net/netutil"

	"github.com/chaoss/grimoirelab-core/config"
	httpx "github.com/chaoss/grimoirelab-core/internal/http"
)

// HTTPServerConfig bundles what the API server needs at boot.
type HTTPServerConfig struct {
	Config   *config.AppConfig
	Services ServiceContainer
	Logger   *slog.Logger
}

// StartHTTPServer builds the router, binds the listener and starts
// serving in the background. The returned server is the handle for a
// later graceful shutdown.
func StartHTTPServer(ctx context.Context, cfg *HTTPServerConfig) (*http.Server, error) {
	if cfg == nil {
		return nil, errors.New("http server config is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	appCfg := cfg.Config
	if appCfg == nil {
		appCfg = &config.AppConfig{}
	}

	auth, err := buildAuthConfig(ctx, appCfg.Auth, logger)
	if err != nil {
		return nil, fmt.Errorf("configure api auth: %w", err)
	}

	handler := httpx.NewRouter(httpx.RouterServices{
		Tasks:     cfg.Services.Tasks,
		Scheduler: cfg.Services.Scheduler,
		Events:    cfg.Services.Events,
		Auth:      auth,
		Logger:    logger,
	})

	return startServer(logger, handler, appCfg.HTTP)
}

// buildAuthConfig translates the configured auth mode into router middleware
// settings. OIDC mode fetches the provider's discovery document, so it needs
// the issuer to be reachable at startup.
func buildAuthConfig(ctx context.Context, cfg config.AuthConfig, logger *slog.Logger) (*httpx.AuthConfig, error) {
	switch cfg.Mode {
	case config.AuthModeNone, "":
		logger.Warn("api authentication disabled")
		return nil, nil
	case config.AuthModeToken:
		if cfg.Token == "" {
			return nil, errors.New("token auth mode requires AUTH_TOKEN")
		}
		return &httpx.AuthConfig{Token: cfg.Token}, nil
	case config.AuthModeOIDC:
		if cfg.OIDC.IssuerURL == "" {
			return nil, errors.New("oidc auth mode requires AUTH_OIDC_ISSUER_URL")
		}
		if cfg.OIDC.ClientID == "" {
			return nil, errors.New("oidc auth mode requires AUTH_OIDC_CLIENT_ID")
		}
		provider, err := oidc.NewProvider(ctx, cfg.OIDC.IssuerURL)
		if err != nil {
			return nil, fmt.Errorf("oidc provider discovery: %w", err)
		}
		verifier := provider.Verifier(&oidc.Config{ClientID: cfg.OIDC.ClientID})
		// A static token may back up OIDC for service-to-service calls.
		return &httpx.AuthConfig{Token: cfg.Token, Verifier: verifier}, nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.Mode)
	}
}

func startServer(logger *slog.Logger, handler http.Handler, cfg config.HTTPConfig) (*http.Server, error) {
	addr := cfg.Addr
	if addr == "" {
		addr = ":8000"
	}

	// Bind synchronously: an occupied port should fail the boot, not a
	// goroutine.
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	if cfg.MaxConns > 0 {
		listener = netutil.LimitListener(listener, cfg.MaxConns)
	}

	server := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("starting HTTP server", "addr", server.Addr, "max_conns", cfg.MaxConns)
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", "error", err)
		}
	}()

	return server, nil
}

// ShutdownHTTPServer drains in-flight requests until ctx expires.
func ShutdownHTTPServer(ctx context.Context, server *http.Server, logger *slog.Logger) error {
	if server == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("shutting down HTTP server")
	if err := server.Shutdown(ctx); err != nil {
		return err
	}
	logger.Info("HTTP server stopped")
	return nil
}
