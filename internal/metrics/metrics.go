package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Sync service metrics
	SyncRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timewarden_sync_requests_total",
			Help: "Total sync requests processed, by outcome",
		},
		[]string{"outcome"},
	)

	SyncRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "timewarden_sync_request_duration_seconds",
			Help:    "Sync request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"endpoint"},
	)

	CredentialsIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timewarden_credentials_issued_total",
			Help: "Credentials minted, by cause",
		},
		[]string{"cause"},
	)

	// Agent metrics
	TicksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "timewarden_ticks_total",
			Help: "Enforcement ticks processed",
		},
	)

	WarningsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timewarden_warnings_total",
			Help: "Warnings raised to the user, by kind",
		},
		[]string{"kind"},
	)

	RemainingSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "timewarden_remaining_seconds",
			Help: "Remaining budget in seconds, -1 when unlimited",
		},
	)

	SyncFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "timewarden_sync_failures_total",
			Help: "Sync attempts that failed at the transport layer",
		},
	)
)

func init() {
	prometheus.MustRegister(
		SyncRequestsTotal,
		SyncRequestDuration,
		CredentialsIssued,
		TicksTotal,
		WarningsTotal,
		RemainingSeconds,
		SyncFailures,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
