package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/IEatCodeDaily/feldera-pipe/pkg/pipeline"
	"github.com/IEatCodeDaily/feldera-pipe/pkg/relay"
)

var logger = loggo.GetLogger("feldera.metrics")

// SessionChecker reports the health of a session; *pipeline.Session
// implements it.
type SessionChecker interface {
	IsHealthy() bool
	Status() pipeline.HealthStatus
}

// RelayChecker reports the health of a relay; *relay.Relay implements it.
type RelayChecker interface {
	IsHealthy() bool
	GetStatus() relay.HealthStatus
}

// HealthStatus is the body of the /health endpoint.
type HealthStatus struct {
	Healthy       bool                   `json:"healthy"`
	Session       *pipeline.HealthStatus `json:"session,omitempty"`
	Relay         *relay.HealthStatus    `json:"relay,omitempty"`
	UptimeSeconds int64                  `json:"uptime_seconds"`
}

// Server provides HTTP endpoints for metrics and health checks
type Server struct {
	server    *http.Server
	logger    loggo.Logger
	gatherer  prometheus.Gatherer
	session   SessionChecker
	relay     RelayChecker
	startTime time.Time
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithSession reports the session in health checks.
func WithSession(s SessionChecker) ServerOption {
	return func(srv *Server) { srv.session = s }
}

// WithRelay reports the relay in health checks.
func WithRelay(r RelayChecker) ServerOption {
	return func(srv *Server) { srv.relay = r }
}

// WithGatherer serves the metrics of g instead of the default gatherer.
func WithGatherer(g prometheus.Gatherer) ServerOption {
	return func(srv *Server) { srv.gatherer = g }
}

// WithLogger overrides the package logger.
func WithLogger(log loggo.Logger) ServerOption {
	return func(srv *Server) { srv.logger = log }
}

// NewServer creates a new metrics HTTP server
func NewServer(addr string, opts ...ServerOption) *Server {
	s := &Server{
		logger:    logger,
		gatherer:  prometheus.DefaultGatherer,
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the HTTP handler serving all endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/ready", s.readinessHandler)
	mux.HandleFunc("/", s.rootHandler)
	return mux
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Infof("starting metrics server on %s", s.server.Addr)

	errChan := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	// Catch immediate errors such as the port being in use.
	select {
	case err := <-errChan:
		return errors.Annotate(err, "failed to start metrics server")
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Infof("shutting down metrics server")
	return s.server.Shutdown(ctx)
}

// Status collects the health of every configured component.
func (s *Server) Status() HealthStatus {
	status := HealthStatus{
		Healthy:       s.session != nil || s.relay != nil,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
	}
	if s.session != nil {
		st := s.session.Status()
		status.Session = &st
		status.Healthy = status.Healthy && s.session.IsHealthy()
	}
	if s.relay != nil {
		st := s.relay.GetStatus()
		status.Relay = &st
		status.Healthy = status.Healthy && s.relay.IsHealthy()
	}
	return status
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if s.session == nil && s.relay == nil {
		http.Error(w, "Health checker not configured", http.StatusInternalServerError)
		return
	}

	status := s.Status()
	w.Header().Set("Content-Type", "application/json")
	if status.Healthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.logger.Warningf("error encoding health status: %v", err)
	}
}

// readinessHandler answers ready once the session accepts data (running or
// paused) and the relay has connected its sides.
func (s *Server) readinessHandler(w http.ResponseWriter, r *http.Request) {
	if s.session == nil && s.relay == nil {
		http.Error(w, "Health checker not configured", http.StatusInternalServerError)
		return
	}

	ready := true
	if s.session != nil {
		state := s.session.Status().State
		ready = state == pipeline.Running.String() || state == pipeline.Paused.String()
	}
	if s.relay != nil {
		st := s.relay.GetStatus()
		ready = ready && st.SourceConnected && st.SinkConnected
	}

	body := "ready"
	if ready {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		body = "not ready"
	}
	if _, err := w.Write([]byte(body)); err != nil {
		s.logger.Warningf("error writing readiness response: %v", err)
	}
}

func (s *Server) rootHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	html := `
<!DOCTYPE html>
<html>
<head>
    <title>feldera-pipe</title>
</head>
<body>
    <h1>feldera-pipe</h1>
    <ul>
        <li><a href="/metrics">Metrics (Prometheus format)</a></li>
        <li><a href="/health">Health Check (JSON)</a></li>
        <li><a href="/ready">Readiness Probe</a></li>
    </ul>
</body>
</html>
`
	if _, err := w.Write([]byte(html)); err != nil {
		s.logger.Warningf("error writing root response: %v", err)
	}
}
