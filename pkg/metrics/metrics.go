// Package metrics exposes a dedicated Prometheus registry and HTTP
// server for the controller, grounded on the teacher's pkg/metrics
// (which mounts promhttp.HandlerFor on an existing router); this
// controller has no other HTTP surface, so it gets its own listener
// instead.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Registry is the process-wide Prometheus registerer every component's
// counters register against; nil is a valid Registerer target for
// components under test.
var Registry = prometheus.NewRegistry()

// Server serves /metrics off Registry on its own listener.
type Server struct {
	addr string
	srv  *http.Server
}

// NewServer constructs a metrics Server bound to addr (e.g. ":9100").
func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(Registry, promhttp.HandlerOpts{}))
	return &Server{
		addr: addr,
		srv:  &http.Server{Addr: addr, Handler: mux},
	}
}

// Run starts the listener and blocks until ctx is cancelled, then shuts
// the server down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logrus.WithField("addr", s.addr).Info("metrics server listening")
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		return err
	}
}
