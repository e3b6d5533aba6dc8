package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Presence metrics
	PresenceTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presenced_presence_transitions_total",
			Help: "Total presence transitions recorded",
		},
		[]string{"kind"},
	)

	PresenceActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "presenced_presence_active",
			Help: "1 when the user is currently active, 0 when idle",
		},
	)

	IdleSampleErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presenced_idle_sample_errors_total",
			Help: "Idle source read failures",
		},
		[]string{"source"},
	)

	WallClockJumps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "presenced_wall_clock_jumps_total",
			Help: "Sampling gaps treated as suspend or clock changes",
		},
	)

	// Session time gauges (seconds, today)
	SessionSeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "presenced_session_seconds",
			Help: "Today's accumulated session time by kind",
		},
		[]string{"kind"},
	)

	// Store metrics
	StoreCorruptReads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presenced_store_corrupt_reads_total",
			Help: "Encrypted values that failed to decrypt or parse",
		},
		[]string{"key"},
	)

	StoreCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "presenced_store_cache_hits_total",
			Help: "Decrypted value cache hits",
		},
	)

	StoreCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "presenced_store_cache_misses_total",
			Help: "Decrypted value cache misses",
		},
	)

	// Sync metrics
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "presenced_sync_queue_depth",
			Help: "Items waiting in the offline sync queue",
		},
	)

	SyncItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presenced_sync_items_total",
			Help: "Queue items processed by outcome",
		},
		[]string{"mode", "outcome"},
	)

	UploadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "presenced_upload_duration_seconds",
			Help:    "Collector request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint", "status"},
	)

	// Notify metrics
	NotifyErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presenced_notify_errors_total",
			Help: "Failed session-time publications",
		},
		[]string{"sink"},
	)
)

func init() {
	prometheus.MustRegister(
		PresenceTransitions,
		PresenceActive,
		IdleSampleErrors,
		WallClockJumps,
		SessionSeconds,
		StoreCorruptReads,
		StoreCacheHits,
		StoreCacheMisses,
		QueueDepth,
		SyncItemsTotal,
		UploadDuration,
		NotifyErrors,
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
			// Use systemd socket-activated listener
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			// Create and bind listener ourselves
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
