// Package api provides the HTTP server for ocrd: task submission and
// polling, workspace browsing, a WebSocket push channel per task and the
// operational endpoints.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/tutu-network/ocrd/internal/app/notify"
	"github.com/tutu-network/ocrd/internal/domain"
	"github.com/tutu-network/ocrd/internal/health"
)

// TaskService is the collaborator surface the API drives.
type TaskService interface {
	StartTask(ctx context.Context, inputPath, prompt string) (string, error)
	GetState(taskID string) (*domain.Task, error)
	ListTasks(limit int) ([]domain.Task, error)
	Subscribe(taskID string) *notify.Subscription
}

// Options locates the workspace and tunes request handling.
type Options struct {
	WorkspaceDir string
	UploadsDir   string
	ResultsDir   string
	KeepUploads  int // uploads kept after each new one; 0 keeps all
	MaxUploadMB  int
	CORSOrigins  []string
	Version      string
}

// Server is the ocrd HTTP API server.
type Server struct {
	tasks          TaskService
	opts           Options
	health         *health.Checker
	metricsEnabled bool
	upgrader       websocket.Upgrader
	log            *log.Entry
}

// NewServer creates a new API server.
func NewServer(tasks TaskService, opts Options) *Server {
	if opts.Version == "" {
		opts.Version = "dev"
	}
	s := &Server{
		tasks: tasks,
		opts:  opts,
		log:   log.WithField("component", "api"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.originAllowed,
	}
	return s
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// SetHealth attaches the checker reported on /health.
func (s *Server) SetHealth(c *health.Checker) { s.health = c }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.corsMiddleware)

	// The push channel outlives any request timeout.
	r.Get("/api/ws/{id}", s.handleTaskSocket)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Minute))

		r.Get("/health", s.handleHealth)

		r.Get("/api/version", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{
				"version": s.opts.Version,
			})
		})

		r.Route("/api", func(r chi.Router) {
			r.Post("/upload", s.handleUpload)
			r.Post("/start", s.handleStart)
			r.Get("/tasks", s.handleListTasks)
			r.Get("/tasks/{id}", s.handleGetTask)
			r.Get("/progress/{id}", s.handleProgress)
			r.Get("/result/{id}", s.handleResult)
			r.Get("/folder", s.handleFolder)
			r.Get("/file/content", s.handleFileContent)
		})

		if s.metricsEnabled {
			r.Handle("/metrics", promhttp.Handler())
		}
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	status, code := "ok", http.StatusOK
	if !s.health.IsHealthy() {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status": status,
		"checks": s.health.Statuses(),
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{
		"status":  "error",
		"message": msg,
	})
}

// originAllowed matches the request Origin against the configured list.
// Requests without an Origin header are not browser cross-origin requests.
func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return slices.Contains(s.opts.CORSOrigins, "*") ||
		slices.ContainsFunc(s.opts.CORSOrigins, func(o string) bool { return strings.EqualFold(o, origin) })
}

// corsMiddleware adds CORS headers for the configured origins.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && s.originAllowed(r) {
			if slices.Contains(s.opts.CORSOrigins, "*") {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
