// internal/webhook/server.go
package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/user/miniclaw/internal/state"
	"github.com/user/miniclaw/internal/types"
)

// TaskHandler runs a prompt in the conversation addressed by key and
// returns the reply.
type TaskHandler func(ctx context.Context, key types.SessionKey, prompt string) (string, error)

// Server is a lightweight HTTP handler for webhook endpoints.
type Server struct {
	store    *state.TaskStore
	handler  TaskHandler
	sessions *state.SessionStore
	history  types.TurnLog
	token    string
	mux      *http.ServeMux
}

// NewServer creates a webhook Server. sessions and history may be nil,
// which disables the read-only API. A non-empty token is required as a
// bearer token on everything except /health and /metrics.
func NewServer(store *state.TaskStore, handler TaskHandler, sessions *state.SessionStore, history types.TurnLog, token string) *Server {
	s := &Server{
		store:    store,
		handler:  handler,
		sessions: sessions,
		history:  history,
		token:    token,
		mux:      http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.Handler())
	s.mux.HandleFunc("POST /webhook", s.auth(s.handleAdHoc))
	s.mux.HandleFunc("POST /webhook/{name}", s.auth(s.handleNamedTask))
	s.mux.HandleFunc("GET /api/sessions", s.auth(s.handleAPISessions))
	s.mux.HandleFunc("GET /api/sessions/{chat}/turns", s.auth(s.handleAPITurns))
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

// adHocRequest is the JSON body for POST /webhook.
type adHocRequest struct {
	Prompt     string           `json:"prompt"`
	SessionKey types.SessionKey `json:"session_key"`
}

func (s *Server) handleAdHoc(w http.ResponseWriter, r *http.Request) {
	var req adHocRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	if req.Prompt == "" || req.SessionKey == "" {
		writeError(w, http.StatusBadRequest, "prompt and session_key are required")
		return
	}
	if _, _, err := types.ParseSessionKey(req.SessionKey); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.run(w, r, "webhook", req.SessionKey, req.Prompt)
}

// namedTaskRequest is the optional JSON body for POST /webhook/{name}.
type namedTaskRequest struct {
	Prompt string `json:"prompt"`
}

func (s *Server) handleNamedTask(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	task, err := s.store.Get(name)
	if err != nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}

	if !task.Enabled {
		writeError(w, http.StatusForbidden, "task is disabled")
		return
	}

	prompt := task.Prompt

	// Allow body to override the prompt
	var body namedTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err == nil && body.Prompt != "" {
		prompt = body.Prompt
	}

	s.run(w, r, name, task.SessionKey, prompt)
}

func (s *Server) run(w http.ResponseWriter, r *http.Request, label string, key types.SessionKey, prompt string) {
	resp, err := s.handler(r.Context(), key, prompt)
	if err != nil {
		slog.Error("webhook handler failed", "task", label, "session_key", string(key), "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, map[string]string{"response": resp})
}

type sessionResponse struct {
	Filename   string `json:"filename"`
	ChatID     string `json:"chat_id"`
	ModifiedAt string `json:"modified_at"`
	Size       int64  `json:"size"`
	TurnCount  int64  `json:"turn_count"`
}

func (s *Server) handleAPISessions(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "session API not configured")
		return
	}
	ctx := r.Context()
	sessions, err := s.sessions.List()
	if err != nil {
		slog.Error("list sessions failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	// Turn counts are per conversation, so only the default transcript
	// carries one.
	result := make([]sessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		resp := sessionResponse{
			Filename:   sess.Filename,
			ChatID:     sess.ChatID,
			ModifiedAt: sess.ModifiedAt.Format(time.RFC3339),
			Size:       sess.Size,
		}
		key := types.ConversationKey(sess.ChatID)
		if s.history != nil && sess.Filename == state.DefaultFilename(key) {
			count, err := s.history.Count(ctx, key)
			if err != nil {
				slog.Warn("count turns failed", "chat_id", sess.ChatID, "error", err)
			}
			resp.TurnCount = count
		}
		result = append(result, resp)
	}

	writeJSON(w, result)
}

func (s *Server) handleAPITurns(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "session API not configured")
		return
	}

	key := types.ConversationKey(r.PathValue("chat"))
	if _, err := key.ChatID(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid chat id")
		return
	}

	limit := 200
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}

	turns, err := s.history.Tail(r.Context(), key, limit)
	if err != nil {
		slog.Error("tail turns failed", "chat_id", string(key), "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if turns == nil {
		turns = []*types.TurnRecord{}
	}

	writeJSON(w, turns)
}
