package api

import (
	"context"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"relay/pkg/interfaces"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// HealthChecker is a dependency the health probe pings.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Pinger is an optional dependency such as the Redis presence backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the relay's HTTP surface: the health probe, the metrics
// endpoint and the websocket upgrade route.
type Server struct {
	db       HealthChecker
	presence interfaces.PresenceStore
	pingers  map[string]Pinger
	router   *http.ServeMux
	now      func() time.Time
}

// Options carries the handlers mounted next to the health probe. Nil
// handlers are not mounted.
type Options struct {
	WebSocket http.Handler
	Metrics   http.Handler
	Pingers   map[string]Pinger
}

func NewServer(db HealthChecker, presence interfaces.PresenceStore, opts Options) *Server {
	s := &Server{
		db:       db,
		presence: presence,
		pingers:  opts.Pingers,
		router:   http.NewServeMux(),
		now:      time.Now,
	}

	s.router.Handle("/health", s.jsonMiddleware(http.HandlerFunc(s.healthCheck)))
	if opts.Metrics != nil {
		s.router.Handle("/metrics", opts.Metrics)
	}
	if opts.WebSocket != nil {
		s.router.Handle("/ws", opts.WebSocket)
	}

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
)

type HealthResponse struct {
	Status          string    `json:"status"`
	OnlineUserCount int       `json:"onlineUserCount"`
	Timestamp       time.Time `json:"timestamp"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// healthCheck reports degraded with 503 when any dependency fails to answer.
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := StatusOK

	if err := s.db.HealthCheck(ctx); err != nil {
		zap.S().Warnw("database is not responding",
			"error", err,
		)
		status = StatusDegraded
	}

	for name, p := range s.pingers {
		if err := p.Ping(ctx); err != nil {
			zap.S().Warnw("dependency is not responding",
				"dependency", name,
				"error", err,
			)
			status = StatusDegraded
		}
	}

	online, err := s.presence.Count(ctx)
	if err != nil {
		zap.S().Warnw("failed to count online users",
			"error", err,
		)
		status = StatusDegraded
	}

	if status == StatusDegraded {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	_ = json.NewEncoder(w).Encode(HealthResponse{
		Status:          status,
		OnlineUserCount: online,
		Timestamp:       s.now().UTC(),
	})
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
