// Package api exposes the alarm engine over a small HTTP surface so
// dashboards and shell scripts can list items and issue stop, snooze,
// and schedule commands without going through Home Assistant.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"alarmclock/internal/alarm"
	"alarmclock/internal/engine"
)

// Server provides HTTP API endpoints for the alarm engine
type Server struct {
	engine *engine.Engine
	logger *zap.Logger
	server *http.Server
}

// NewServer creates a new API server
func NewServer(eng *engine.Engine, logger *zap.Logger, port int) *Server {
	s := &Server{
		engine: eng,
		logger: logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleSitemap)
	mux.HandleFunc("/api/items", s.handleItems)
	mux.HandleFunc("/api/items/", s.handleItem)
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// handleItems lists every item on GET and schedules a new one on POST.
func (s *Server) handleItems(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.writeJSON(w, http.StatusOK, s.engine.Items())

	case http.MethodPost:
		var req engine.ScheduleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		item, err := s.engine.Schedule(req)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.logger.Info("Item scheduled via API",
			zap.String("id", item.ID),
			zap.String("remote_addr", r.RemoteAddr))
		s.writeJSON(w, http.StatusCreated, item)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// snoozeRequest is the optional POST body for the snooze action
type snoozeRequest struct {
	Minutes int `json:"minutes"`
}

// handleItem serves /api/items/{id} and /api/items/{id}/{action}.
func (s *Server) handleItem(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/items/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		http.NotFound(w, r)
		return
	}

	if action == "" {
		switch r.Method {
		case http.MethodGet:
			item, err := s.engine.Get(id)
			if err != nil {
				s.writeError(w, err)
				return
			}
			s.writeJSON(w, http.StatusOK, item)
		case http.MethodDelete:
			if err := s.engine.Delete(id); err != nil {
				s.writeError(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var err error
	switch action {
	case "stop":
		err = s.engine.StopItem(id, "stopped")
	case "snooze":
		var req snoozeRequest
		if r.Body != nil {
			// An empty body means the configured default snooze
			json.NewDecoder(r.Body).Decode(&req)
		}
		err = s.engine.Snooze(id, req.Minutes)
	case "enable":
		err = s.engine.Enable(id)
	case "disable":
		err = s.engine.Disable(id)
	default:
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.logger.Debug("Item action served",
		zap.String("id", id),
		zap.String("action", action),
		zap.String("remote_addr", r.RemoteAddr))
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleHealth returns a simple health check response
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	running := 0
	for _, item := range s.engine.Items() {
		if item.Status == alarm.StatusActive {
			running++
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"items":           len(s.engine.Items()),
		"active_sessions": running,
	})
}

// Endpoint represents an API endpoint with its documentation
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

// handleSitemap returns a list of all available API endpoints
func (s *Server) handleSitemap(w http.ResponseWriter, r *http.Request) {
	// Only handle requests to the root path
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	endpoints := []Endpoint{
		{
			Path:        "/",
			Method:      "GET",
			Description: "This sitemap - lists all available API endpoints",
		},
		{
			Path:        "/api/items",
			Method:      "GET",
			Description: "List all alarms and reminders",
		},
		{
			Path:        "/api/items",
			Method:      "POST",
			Description: "Schedule a new alarm or reminder",
		},
		{
			Path:        "/api/items/{id}",
			Method:      "GET",
			Description: "Get a single item by id",
		},
		{
			Path:        "/api/items/{id}",
			Method:      "DELETE",
			Description: "Delete an item",
		},
		{
			Path:        "/api/items/{id}/stop",
			Method:      "POST",
			Description: "Stop playback, or skip the next occurrence",
		},
		{
			Path:        "/api/items/{id}/snooze",
			Method:      "POST",
			Description: "Snooze an item, body {\"minutes\": n} optional",
		},
		{
			Path:        "/api/items/{id}/enable",
			Method:      "POST",
			Description: "Re-enable a disabled item",
		},
		{
			Path:        "/api/items/{id}/disable",
			Method:      "POST",
			Description: "Disable an item without deleting it",
		},
		{
			Path:        "/health",
			Method:      "GET",
			Description: "Health check with item and session counts",
		},
	}

	// Return 404 status code (for automation compatibility) but with helpful body
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)

	fmt.Fprintf(w, "Alarm Clock API\n")
	fmt.Fprintf(w, "===============\n\n")
	fmt.Fprintf(w, "Available endpoints:\n\n")
	for _, ep := range endpoints {
		fmt.Fprintf(w, "  %-8s %-28s %s\n", ep.Method, ep.Path, ep.Description)
	}
	fmt.Fprintf(w, "\nExamples:\n\n")
	fmt.Fprintf(w, "  List items:\n")
	fmt.Fprintf(w, "    curl http://localhost:8081/api/items | jq\n\n")
	fmt.Fprintf(w, "  Stop a ringing alarm:\n")
	fmt.Fprintf(w, "    curl -X POST http://localhost:8081/api/items/alarm_1/stop\n\n")

	s.logger.Debug("Sitemap request served",
		zap.String("remote_addr", r.RemoteAddr))
}

// writeJSON encodes v as the response body
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// writeError maps engine errors onto HTTP status codes
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrValidation):
		status = http.StatusBadRequest
	}
	http.Error(w, err.Error(), status)
}

// Start begins serving HTTP requests
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP API server", zap.String("addr", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop() error {
	s.logger.Info("Stopping HTTP API server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}
