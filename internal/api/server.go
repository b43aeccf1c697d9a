// Package api implements the HTTP API for the Skald agent runtime.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/skald-org/skald-agent/internal/agent"
	"github.com/skald-org/skald-agent/internal/archive"
	"github.com/skald-org/skald-agent/internal/buildinfo"
	"github.com/skald-org/skald-agent/internal/checkpoint"
	"github.com/skald-org/skald-agent/internal/memory"
	"github.com/skald-org/skald-agent/internal/tools"
)

// writeJSON encodes v as JSON to w, logging failures at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": msg}); err != nil {
		logger.Debug("failed to write error response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	loop    *agent.Loop
	convs   *memory.ConversationStore
	archive *archive.Store
	ckpts   *checkpoint.Store
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates the API server. archive and ckpts may be nil when
// running without persistence; their endpoints then return 503.
func NewServer(address string, port int, loop *agent.Loop, convs *memory.ConversationStore, arch *archive.Store, ckpts *checkpoint.Store, logger *slog.Logger) *Server {
	return &Server{
		address: address,
		port:    port,
		loop:    loop,
		convs:   convs,
		archive: arch,
		ckpts:   ckpts,
		logger:  logger,
	}
}

// Start runs the server until ListenAndServe returns.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("GET /api/chat/stream", s.handleChatStream)

	mux.HandleFunc("GET /api/conversations", s.handleConversationList)
	mux.HandleFunc("GET /api/conversations/{id}/transcript", s.handleTranscript)

	mux.HandleFunc("GET /api/search", s.handleSearch)
	mux.HandleFunc("GET /api/stats", s.handleStats)

	mux.HandleFunc("POST /api/checkpoints", s.handleCheckpointCreate)
	mux.HandleFunc("GET /api/checkpoints", s.handleCheckpointList)

	mux.HandleFunc("GET /api/version", s.handleVersion)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.withLogging(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // long for streaming responses
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req agent.TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", s.logger)
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required", s.logger)
		return
	}

	resp, err := s.loop.Run(r.Context(), &req)
	if err != nil {
		s.logger.Error("turn failed", "conversation", req.ConversationID, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error(), s.logger)
		return
	}
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleConversationList(w http.ResponseWriter, r *http.Request) {
	ids, err := s.convs.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), s.logger)
		return
	}
	writeJSON(w, map[string]any{"conversations": ids}, s.logger)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		writeError(w, http.StatusServiceUnavailable, "archive disabled (no persistence)", s.logger)
		return
	}

	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "q parameter is required", s.logger)
		return
	}
	convID := r.URL.Query().Get("conversation_id")
	if convID == "" {
		convID = "default"
	}

	entries, err := s.archive.Search(convID, query)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), s.logger)
		return
	}

	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprint(w, tools.FormatRecallResults(entries))
		return
	}
	writeJSON(w, map[string]any{"matches": entries, "count": len(entries)}, s.logger)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"conversations": s.convs.Stats(),
	}
	if s.archive != nil {
		archStats, err := s.archive.Stats()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error(), s.logger)
			return
		}
		stats["archive"] = archStats
	}
	writeJSON(w, stats, s.logger)
}

func (s *Server) handleCheckpointCreate(w http.ResponseWriter, r *http.Request) {
	if s.ckpts == nil {
		writeError(w, http.StatusServiceUnavailable, "checkpoints disabled (no persistence)", s.logger)
		return
	}

	var body struct {
		Note string `json:"note"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	cp, err := s.ckpts.Capture(s.convs, checkpoint.TriggerManual, body.Note)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), s.logger)
		return
	}
	cp.State = nil // keep the response small
	writeJSON(w, cp, s.logger)
}

func (s *Server) handleCheckpointList(w http.ResponseWriter, r *http.Request) {
	if s.ckpts == nil {
		writeError(w, http.StatusServiceUnavailable, "checkpoints disabled (no persistence)", s.logger)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	list, err := s.ckpts.List(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), s.logger)
		return
	}
	writeJSON(w, map[string]any{"checkpoints": list}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"}, s.logger)
}
