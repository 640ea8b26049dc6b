// Package server builds the chi routers and HTTP servers shared by the three
// services.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"identity-plane/backend/internal/security"
	"identity-plane/backend/internal/server/httpx"
	"identity-plane/backend/internal/server/middleware"
)

// NewRouter returns a router with the shared middleware stack and a health
// endpoint. ready is polled by /healthz; pass nil to always report healthy.
func NewRouter(log *slog.Logger, ready func(ctx context.Context) error) *chi.Mux {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.ClientIP)
	r.Use(middleware.Trace)
	r.Use(middleware.RequestLogger(log))
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if ready != nil {
			if err := ready(req.Context()); err != nil {
				httpx.Error(w, http.StatusServiceUnavailable, "UNAVAILABLE", "dependency not ready")
				return
			}
		}
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return r
}

// Protected mounts fn's routes behind bearer authentication.
func Protected(r *chi.Mux, tokens *security.TokenProvider, fn func(chi.Router)) {
	r.Group(func(g chi.Router) {
		g.Use(middleware.Authenticate(tokens))
		fn(g)
	})
}

// Run serves handler on addr until ctx is cancelled, then drains connections
// for up to 10 seconds.
func Run(ctx context.Context, addr string, handler http.Handler, log *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
