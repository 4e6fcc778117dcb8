package ops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config controls the ops listener.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string

	// Namespace prefixes the HTTP metrics.
	Namespace string

	// ReadyTimeout bounds the readiness database ping.
	ReadyTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.Namespace == "" {
		c.Namespace = "skuld"
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 2 * time.Second
	}
}

// Server is the operational HTTP listener.
type Server struct {
	cfg    Config
	pool   *pgxpool.Pool
	logger *slog.Logger
	http   *http.Server
}

func NewServer(cfg Config, pool *pgxpool.Pool, logger *slog.Logger) *Server {
	cfg.applyDefaults()
	s := &Server{
		cfg:    cfg,
		pool:   pool,
		logger: logger.With("component", "ops"),
	}

	metrics := NewHTTPMetrics(cfg.Namespace)
	r := NewRouter(
		Recovery(s.logger),
		RequestID,
		metrics.Middleware,
		AccessLog(s.logger),
	)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Handle(http.MethodGet, "/metrics", promhttp.Handler())

	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Run serves until ctx is canceled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("ops listener started", "address", s.cfg.Addr)
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops listener: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ops listener shutdown: %w", err)
	}
	s.logger.Info("ops listener stopped")
	return ctx.Err()
}

// handleHealthz reports process liveness. It never touches the
// database: a wedged pool should flip readiness, not liveness.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz reports whether the engine can reach its database.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ReadyTimeout)
	defer cancel()

	if err := s.pool.Ping(ctx); err != nil {
		s.logger.Warn("readiness check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  "database unreachable",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
