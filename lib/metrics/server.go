package metrics

import (
	"context"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the small HTTP sidecar that exposes /metrics for Prometheus to
// scrape. It is independent of the job broker's own TCP
// listener.
type Server struct {
	httpServer *http.Server
}

// NewServer builds a metrics HTTP server serving reg's registry at /metrics.
func NewServer(reg *prometheus.Registry) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &Server{httpServer: &http.Server{Handler: mux}}
}

// Serve blocks serving HTTP on the given listener until it is closed.
func (s *Server) Serve(l net.Listener) error {
	return s.httpServer.Serve(l)
}

// Shutdown gracefully stops the metrics server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
