// Package controlplane is the local HTTP surface the desktop shell and the CLI drive:
// JSON commands under /v1 and a websocket event stream at /v1/events.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/savesync/savesync/internal/controlplane/middleware"
	"github.com/savesync/savesync/internal/service"
)

type ControlPlaneServer struct {
	config *Config
	server *http.Server
	cancel context.CancelFunc
}

func NewControlPlaneServer(config *Config, svc *service.Service) (*ControlPlaneServer, error) {
	if config == nil || config.Addr == "" {
		return nil, errors.New("control plane address is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	routes := SetupRoutes(ctx, svc, &RouteConfig{
		Auth: middleware.TokenAuthConfig{
			Token: config.AuthToken,
		},
		RateLimit: config.RateLimit,
	})

	httpServer := &http.Server{
		Addr:    config.Addr,
		Handler: routes,
		// plugin transfers can be slow, the write timeout covers the whole sync command
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      10 * time.Minute,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	return &ControlPlaneServer{
		config: config,
		server: httpServer,
		cancel: cancel,
	}, nil
}

// Start serves until Stop is called.
func (s *ControlPlaneServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("control plane listen: %w", err)
	}
	return s.Serve(ln)
}

func (s *ControlPlaneServer) Serve(ln net.Listener) error {
	slog.Info("control plane start", "addr", AddrToURL(ln.Addr().String()))
	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("control plane serve: %w", err)
	}
	return nil
}

// Stop ends the event streams and async commands, then drains in-flight requests.
func (s *ControlPlaneServer) Stop(ctx context.Context) error {
	slog.Info("control plane stop")
	s.cancel()
	return s.server.Shutdown(ctx)
}

// AddrToURL turns a listen address into a base URL, mapping wildcard hosts to localhost.
func AddrToURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port)
}
