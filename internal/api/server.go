// Package api serves the telemetry history and odometer summaries to the
// dashboard over HTTP.
package api

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/banshee-data/vehicle.report/internal/config"
	"github.com/banshee-data/vehicle.report/internal/db"
	"github.com/banshee-data/vehicle.report/internal/ingest"
	"github.com/banshee-data/vehicle.report/internal/odometer"
	"github.com/banshee-data/vehicle.report/internal/timeutil"
)

// ANSI escape codes for request logging
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

const (
	defaultLatestLimit = 10
	maxLatestLimit     = 1000
)

// Store is the read side of the telemetry database.
type Store interface {
	RecentTelemetry(ctx context.Context, limit int) ([]db.TelemetryRecord, error)
	MetricHistory(ctx context.Context, vehicleID, metric string, since time.Time) ([]db.MetricPoint, error)
	OdometerBuckets(ctx context.Context, vehicleID string, since time.Time, bucket time.Duration) ([]db.OdometerBucket, error)
	Odometers(ctx context.Context) ([]ingest.Summary, error)
}

// LiveOdometers exposes the in-memory reconciler state.
type LiveOdometers interface {
	States() []odometer.State
}

type ServerConfig struct {
	Store Store
	Live  LiveOdometers
	// Gatherer backs /metrics. Nil uses prometheus.DefaultGatherer.
	Gatherer      prometheus.Gatherer
	Clock         timeutil.Clock
	Units         string
	CORSOrigin    string
	Topics        config.Topics
	FlushInterval time.Duration
}

type Server struct {
	store         Store
	live          LiveOdometers
	gatherer      prometheus.Gatherer
	clock         timeutil.Clock
	units         string
	corsOrigin    string
	topics        config.Topics
	flushInterval time.Duration
}

func NewServer(cfg ServerConfig) *Server {
	s := &Server{
		store:         cfg.Store,
		live:          cfg.Live,
		gatherer:      cfg.Gatherer,
		clock:         cfg.Clock,
		units:         cfg.Units,
		corsOrigin:    cfg.CORSOrigin,
		topics:        cfg.Topics,
		flushInterval: cfg.FlushInterval,
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}
	if s.clock == nil {
		s.clock = timeutil.RealClock{}
	}
	return s
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// CORSMiddleware allows the dashboard at origin to call the API. Preflight
// requests are answered directly.
func CORSMiddleware(origin string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/telemetry/latest", s.handleLatest)
	mux.HandleFunc("/api/telemetry/history", s.handleHistory)
	mux.HandleFunc("/api/telemetry/odometer", s.handleOdometerSeries)
	mux.HandleFunc("/api/odometer", s.handleOdometers)
	mux.HandleFunc("/api/odometer/live", s.handleLiveOdometers)
	mux.HandleFunc("/api/config", s.showConfig)
	mux.HandleFunc("/charts/odometer", s.handleOdometerChart)
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return mux
}

// Handler returns the API mux wrapped in CORS and request logging.
func (s *Server) Handler() http.Handler {
	return LoggingMiddleware(CORSMiddleware(s.corsOrigin, s.ServeMux()))
}
