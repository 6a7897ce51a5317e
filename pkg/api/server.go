// Package api exposes the cache over HTTP for inspection and administration
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/tiercache/tiercache/pkg/errors"
	"github.com/tiercache/tiercache/pkg/health"
	"github.com/tiercache/tiercache/pkg/types"
)

// maxBodyBytes bounds PUT bodies.
const maxBodyBytes = 10 << 20

// Cache is the part of the multi-layer cache the API serves.
type Cache interface {
	Get(key string) (types.Value, bool)
	Set(key string, value types.Value, ttl time.Duration) error
	Delete(key string) error
	Clear() error
	Stats() types.AggregateStats
	Sync() error
	Compact() error
	Health() *health.Tracker
}

// Metrics receives per-request observations and serves the scrape endpoint.
type Metrics interface {
	Handler() http.Handler
	RecordOperation(operation string, duration time.Duration, success bool)
}

// Server provides HTTP API endpoints for the cache
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	cache      Cache
	metrics    Metrics
	logger     *zap.Logger
	config     ServerConfig
}

// ServerConfig configures the API server
type ServerConfig struct {
	// Address to bind the server to (e.g., "localhost:8080")
	Address string `yaml:"address" json:"address"`

	// ReadTimeout is the maximum duration for reading the entire request
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout"`

	// WriteTimeout is the maximum duration for writing the response
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`

	// IdleTimeout is the maximum duration to wait for the next request
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`

	// EnableCORS enables Cross-Origin Resource Sharing
	EnableCORS bool `yaml:"enable_cors" json:"enable_cors"`
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      "localhost:8080",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// NewServer creates a new API server. metrics may be nil, in which case
// /metrics is not served.
func NewServer(config ServerConfig, cache Cache, metrics Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cache:   cache,
		metrics: metrics,
		logger:  logger.Named("api"),
		config:  config,
	}

	r := mux.NewRouter().UseEncodedPath()
	r.HandleFunc("/cache/{key:.+}", s.handleGet).Methods(http.MethodGet).Name("get")
	r.HandleFunc("/cache/{key:.+}", s.handleSet).Methods(http.MethodPut).Name("set")
	r.HandleFunc("/cache/{key:.+}", s.handleDelete).Methods(http.MethodDelete).Name("delete")
	r.HandleFunc("/cache", s.handleClear).Methods(http.MethodDelete).Name("clear")

	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet).Name("stats")
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet).Name("health")

	admin := r.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/sync", s.handleSync).Methods(http.MethodPost).Name("sync")
	admin.HandleFunc("/compact", s.handleCompact).Methods(http.MethodPost).Name("compact")

	if metrics != nil {
		r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet).Name("metrics")
	}

	r.Use(s.loggingMiddleware)
	if config.EnableCORS {
		r.Use(corsMiddleware)
	}
	s.router = r

	s.httpServer = &http.Server{
		Addr:              config.Address,
		Handler:           r,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadTimeout,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
	}
	return s
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.logger.Info("starting API server", zap.String("address", s.config.Address))
	return s.httpServer.ListenAndServe()
}

// StartBackground starts the server in a background goroutine
func (s *Server) StartBackground() {
	go func() {
		if err := s.Start(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("API server failed", zap.Error(err))
		}
	}()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

// Cache endpoints

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key, ok := s.key(w, r)
	if !ok {
		return
	}
	value, found := s.cache.Get(key)
	if !found {
		s.respondError(w, http.StatusNotFound, "key not found")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"key":   key,
		"value": value,
	})
}

func (s *Server) handleSet(w http.ResponseWriter, r *http.Request) {
	key, ok := s.key(w, r)
	if !ok {
		return
	}

	var ttl time.Duration
	switch raw := r.URL.Query().Get("ttl"); raw {
	case "":
	case "never":
		ttl = types.NoExpiry
	default:
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			s.respondError(w, http.StatusBadRequest, `ttl must be a non-negative duration such as 30s, or "never"`)
			return
		}
		ttl = d
	}

	var value interface{}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&value); err != nil {
		s.respondError(w, http.StatusBadRequest, "body must be a JSON value")
		return
	}

	if err := s.cache.Set(key, value, ttl); err != nil {
		s.respondCacheError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key, ok := s.key(w, r)
	if !ok {
		return
	}
	if err := s.cache.Delete(key); err != nil {
		s.respondCacheError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClear(w http.ResponseWriter, _ *http.Request) {
	if err := s.cache.Clear(); err != nil {
		s.respondCacheError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// key extracts the unescaped {key} path variable.
func (s *Server) key(w http.ResponseWriter, r *http.Request) (string, bool) {
	key, err := url.PathUnescape(mux.Vars(r)["key"])
	if err != nil || key == "" {
		s.respondError(w, http.StatusBadRequest, "invalid key")
		return "", false
	}
	return key, true
}

// Inspection and admin endpoints

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, s.cache.Stats())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	tracker := s.cache.Health()
	overall := tracker.GetOverallHealth()

	code := http.StatusOK
	if overall == health.StateUnavailable {
		code = http.StatusServiceUnavailable
	}
	s.respondJSON(w, code, map[string]interface{}{
		"status":     overall,
		"components": tracker.GetAllComponents(),
		"timestamp":  time.Now(),
	})
}

func (s *Server) handleSync(w http.ResponseWriter, _ *http.Request) {
	if err := s.cache.Sync(); err != nil {
		s.respondCacheError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "synced"})
}

func (s *Server) handleCompact(w http.ResponseWriter, _ *http.Request) {
	if err := s.cache.Compact(); err != nil {
		s.respondCacheError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "compacted"})
}

// Middleware

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)

		op := "unknown"
		if route := mux.CurrentRoute(r); route != nil && route.GetName() != "" {
			op = route.GetName()
		}
		if s.metrics != nil && op != "metrics" {
			s.metrics.RecordOperation(op, elapsed, rec.status < http.StatusInternalServerError)
		}
		s.logger.Debug("request served",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("operation", op),
			zap.Int("status", rec.status),
			zap.Duration("elapsed", elapsed))
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, PUT, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Helper methods

func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("failed to encode response", zap.Error(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, statusCode int, message string) {
	s.respondJSON(w, statusCode, map[string]interface{}{
		"error":     message,
		"timestamp": time.Now(),
	})
}

// respondCacheError maps a cache error to a status code and reports its code.
func (s *Server) respondCacheError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errors.GetCode(err) {
	case errors.ErrCodeComponentStopped, errors.ErrCodeRemoteUnavailable:
		status = http.StatusServiceUnavailable
	case errors.ErrCodeSerialize, errors.ErrCodeKeyCollision:
		status = http.StatusUnprocessableEntity
	}
	s.logger.Warn("cache operation failed", zap.Error(err))
	s.respondJSON(w, status, map[string]interface{}{
		"error":     err.Error(),
		"code":      errors.GetCode(err),
		"timestamp": time.Now(),
	})
}
