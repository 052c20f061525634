// Package api is the HTTP front of the broker. Handlers are thin glue over
// the dispatch engine; all coordination lives there.
package api

import (
	"bufio"
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"time"

	"cloudq/pkg/dispatch"
	"cloudq/pkg/job"
	"cloudq/pkg/store"
)

// reservedPaths are top-level names that can never be queue names because
// they are routes of their own.
var reservedPaths = map[string]bool{
	"stats":       true,
	"workers":     true,
	"health":      true,
	"ws":          true,
	"metrics":     true,
	"favicon.ico": true,
}

// Server holds the broker's HTTP handlers.
type Server struct {
	dispatcher *dispatch.Dispatcher
	store      store.Store
	logger     *slog.Logger
	ws         http.Handler
}

// New creates a Server. ws may be nil when the websocket channel is
// disabled.
func New(d *dispatch.Dispatcher, st store.Store, logger *slog.Logger, ws http.Handler) *Server {
	return &Server{dispatcher: d, store: st, logger: logger, ws: ws}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /workers", s.handleWorkers)
	if s.ws != nil {
		mux.Handle("GET /ws", s.ws)
	}

	mux.HandleFunc("POST /{queue}", s.handlePublish)
	mux.HandleFunc("PUT /{queue}", s.handlePublish)
	mux.HandleFunc("GET /{queue}", s.handleConsume)
	mux.HandleFunc("DELETE /{queue}/{id}", s.handleComplete)

	return s.logRequests(mux)
}

// logRequests logs method, path, status and execution time per request.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"exec_time_ms", time.Since(start).Milliseconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack passes through to the underlying writer so the websocket upgrade
// works behind the logging middleware.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

type publishBody struct {
	Job      json.RawMessage `json:"job"`
	Priority int             `json:"priority"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	queue := r.PathValue("queue")
	if reservedPaths[queue] {
		s.respondError(w, http.StatusBadRequest, errors.New("reserved queue name"))
		return
	}

	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct != "application/json" {
		s.respondError(w, http.StatusUnsupportedMediaType,
			errors.New(`the content type must be "application/json"`))
		return
	}

	var body publishBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.respondError(w, http.StatusBadRequest, errors.New("must submit a valid job"))
		return
	}

	doc, err := s.dispatcher.Publish(r.Context(), queue, body.Job, body.Priority)
	if err != nil {
		if errors.Is(err, job.ErrValidation) {
			s.respondError(w, http.StatusBadRequest, err)
			return
		}
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, doc)
}

func (s *Server) handleConsume(w http.ResponseWriter, r *http.Request) {
	queue := r.PathValue("queue")
	if reservedPaths[queue] {
		s.respondError(w, http.StatusBadRequest, errors.New("reserved queue name"))
		return
	}

	doc, err := s.dispatcher.Consume(r.Context(), queue)
	if err != nil {
		if r.Context().Err() != nil {
			// Client went away; nothing left to write.
			return
		}
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	if doc == nil {
		s.respondJSON(w, http.StatusOK, map[string]string{"status": "empty"})
		return
	}
	s.respondJSON(w, http.StatusOK, doc)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	doc, err := s.dispatcher.Complete(r.Context(), r.PathValue("id"))
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			s.respondError(w, http.StatusNotFound, err)
		case errors.Is(err, store.ErrInvalidState):
			s.respondError(w, http.StatusConflict, err)
		default:
			s.respondError(w, http.StatusInternalServerError, err)
		}
		return
	}
	s.respondJSON(w, http.StatusOK, doc)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.dispatcher.Stats(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]int{"online": s.dispatcher.OnlineCount()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.respondError(w, http.StatusServiceUnavailable, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) respondJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("write response failed", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, code int, err error) {
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	s.respondJSON(w, code, map[string]string{"error": err.Error()})
}
