// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/absmach/mcoap/pkg/health"
	"github.com/absmach/mcoap/pkg/metrics"
	"github.com/absmach/mcoap/pkg/router"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// newAdminServer serves metrics, health probes and the resource listing
// over HTTP.
func newAdminServer(addr string, m *metrics.Metrics, checker *health.Checker, rt *router.Router) *http.Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Method(http.MethodGet, "/metrics", m.Handler())
	r.Get("/health", checker.HTTPHandler())
	r.Get("/ready", checker.ReadinessHandler())
	r.Get("/live", health.LivenessHandler())
	r.Get("/resources", func(w http.ResponseWriter, _ *http.Request) {
		var sb strings.Builder
		rt.WriteLinks(&sb)
		w.Header().Set("Content-Type", "application/link-format")
		io.WriteString(w, sb.String())
	})

	return &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// serveAdmin runs srv until ctx is cancelled, then shuts it down.
func serveAdmin(ctx context.Context, srv *http.Server, timeout time.Duration, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("admin server started", slog.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
