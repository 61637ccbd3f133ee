package service

import (
	"context"
	"net"
	"net/http"
	"time"
)

// HealthServer serves the registar's aggregate health on GET /health.
type HealthServer struct {
	listener net.Listener
	server   *http.Server
}

// NewHealthServer binds the health-check endpoint.
func NewHealthServer(addr string, registar *Registar) (*HealthServer, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	router := http.NewServeMux()
	router.Handle("/health", registar.HealthHandler())

	return &HealthServer{
		listener: listener,
		server: &http.Server{
			Handler:      router,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		},
	}, nil
}

// Addr returns the bound local address.
func (h *HealthServer) Addr() net.Addr {
	return h.listener.Addr()
}

// Serve blocks until Stop is called.
func (h *HealthServer) Serve() error {
	err := h.server.Serve(h.listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the endpoint down.
func (h *HealthServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.server.Shutdown(ctx); err != nil {
		_ = h.server.Close()
	}
}
