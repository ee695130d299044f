// Package web exposes job submission, result forwarding and interactive sessions over HTTP and WebSocket.
package web

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dontdude/goxec-engine/internal/domain"
	"github.com/dontdude/goxec-engine/internal/platform/metrics"
	"github.com/dontdude/goxec-engine/internal/session"
)

// Server holds the HTTP handlers and their dependencies.
type Server struct {
	queue    domain.JobQueue
	results  domain.ResultBus
	sessions *session.Handler
	hub      *Hub
	limiter  *RateLimiter
	metrics  *metrics.Collector
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewServer wires the handlers. metrics may be nil, in which case /metrics is not served.
func NewServer(queue domain.JobQueue, results domain.ResultBus, sessions *session.Handler, hub *Hub, limiter *RateLimiter, m *metrics.Collector, logger *slog.Logger) *Server {
	return &Server{
		queue:    queue,
		results:  results,
		sessions: sessions,
		hub:      hub,
		limiter:  limiter,
		metrics:  m,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true }, // Allow all origins for dev
		},
		logger: logger,
	}
}

// Routes builds the router (Standard Lib) wrapped with CORS.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	// POST /api/run -> Enqueues Job (Wrapped with RateLimit)
	mux.HandleFunc("POST /api/run", s.limiter.RateLimitMiddleware(s.handleSubmit))

	// GET /api/ws -> Result stream for a queued job
	mux.HandleFunc("GET /api/ws", s.handleResults)

	// GET /ws/worker/{language} -> Interactive session
	mux.HandleFunc("GET /ws/worker/{language}", s.handleInteractive)

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	return enableCORS(mux)
}

type submitRequest struct {
	Code     string `json:"code"`
	Language string `json:"language"`
}

// handleSubmit enqueues a batch job whose result will be published to the job's response channel.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
		return
	}

	if req.Code == "" || req.Language == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Code and Language are required"})
		return
	}

	jobID := uuid.NewString()
	job := domain.Job{
		ID:              jobID,
		Code:            req.Code,
		Language:        req.Language,
		ResponseChannel: s.results.ResponseChannel(jobID),
	}

	s.logger.Info("Received submission", "jobID", jobID, "language", req.Language)
	if err := s.queue.Publish(r.Context(), job); err != nil {
		s.logger.Error("Failed to publish job", "jobID", jobID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": jobID,
		"status": "queued",
	})
}

// handleResults upgrades the connection and registers it for the job's result.
func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	// 1. Extract JobID from Query Params
	jobID := r.URL.Query().Get("job_id")
	if jobID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "job_id is required"})
		return
	}

	// 2. Upgrade to WebSocket
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", "error", err)
		return
	}

	// 3. Register to Hub
	s.logger.Info("Client connected via WebSocket", "jobID", jobID, "remoteAddr", conn.RemoteAddr())
	s.hub.Register(jobID, conn)

	// 4. Clean up on disconnect
	defer func() {
		s.logger.Info("Client disconnected", "jobID", jobID)
		s.hub.Unregister(jobID, conn)
		conn.Close()
	}()

	// 5. Keep connection alive until client disconnects
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// handleInteractive upgrades the connection and runs an interactive session on it.
func (s *Server) handleInteractive(w http.ResponseWriter, r *http.Request) {
	language := r.PathValue("language")
	jobID := r.URL.Query().Get("job_id")
	if jobID == "" {
		jobID = uuid.NewString()
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", "error", err)
		return
	}

	s.sessions.Serve(r.Context(), conn, language, jobID)
}

// enableCORS adds headers to allow requests from the Frontend.
func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		// Handle Preflight OPTIONS request
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
