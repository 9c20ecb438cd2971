// Package httpapi is the thin HTTP surface over the dialogue engine: session
// lifecycle endpoints plus Server-Sent-Event streams for Trickster replies
// and debriefs.
//
// The engine requires per-session call serialisation; this layer provides it
// with a per-session mutex, so two concurrent calls on the same session never
// interleave.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/pamoka-labs/triksteris/internal/cartridge"
	"github.com/pamoka-labs/triksteris/internal/engine"
	"github.com/pamoka-labs/triksteris/internal/observe"
	"github.com/pamoka-labs/triksteris/internal/session"
)

// Server routes HTTP traffic to the engine.
type Server struct {
	engine   *engine.Engine
	sessions session.Store
	tasks    map[string]*cartridge.TaskCartridge
	metrics  *observe.Metrics

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option is a functional option for [NewServer].
type Option func(*Server)

// WithMetrics attaches lifecycle metrics (the active-session gauge). Without
// it the server only logs.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// NewServer constructs the HTTP surface over an engine, a session store, and
// the loaded task cartridges keyed by task id.
func NewServer(eng *engine.Engine, sessions session.Store, tasks map[string]*cartridge.TaskCartridge, opts ...Option) *Server {
	s := &Server{
		engine:   eng,
		sessions: sessions,
		tasks:    tasks,
		locks:    make(map[string]*sync.Mutex),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register adds the dialogue routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/sessions", s.createSession)
	mux.HandleFunc("GET /v1/sessions/{id}", s.getSession)
	mux.HandleFunc("DELETE /v1/sessions/{id}", s.deleteSession)
	mux.HandleFunc("POST /v1/sessions/{id}/respond", s.respond)
	mux.HandleFunc("POST /v1/sessions/{id}/debrief", s.debrief)
}

// sessionLock returns the mutex serialising calls for one session id.
func (s *Server) sessionLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// ─────────────────────────────────────────────────────────────────────────────
// Session lifecycle
// ─────────────────────────────────────────────────────────────────────────────

type createSessionRequest struct {
	StudentID string `json:"student_id"`
	TaskID    string `json:"task_id"`
	PhaseID   string `json:"phase_id"`
}

type sessionResponse struct {
	ID           string `json:"id"`
	StudentID    string `json:"student_id"`
	CurrentTask  string `json:"current_task"`
	CurrentPhase string `json:"current_phase"`
	Exchanges    int    `json:"exchanges"`
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.StudentID == "" {
		httpError(w, http.StatusBadRequest, "student_id is required")
		return
	}
	cart, ok := s.tasks[req.TaskID]
	if !ok {
		httpError(w, http.StatusNotFound, fmt.Sprintf("unknown task %q", req.TaskID))
		return
	}
	phaseID := req.PhaseID
	if phaseID == "" {
		phaseID = cart.Phases[0].ID
	}
	if _, ok := cart.Phase(phaseID); !ok {
		httpError(w, http.StatusNotFound, fmt.Sprintf("unknown phase %q", phaseID))
		return
	}

	sess := session.New(req.StudentID)
	sess.CurrentTask = cart.TaskID
	sess.CurrentPhase = phaseID
	if err := s.sessions.Put(r.Context(), sess); err != nil {
		slog.Error("session create failed", "err", err)
		httpError(w, http.StatusInternalServerError, "failed to store session")
		return
	}
	s.metrics.SessionOpened(r.Context())
	writeJSON(w, http.StatusCreated, toSessionResponse(sess))
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	lock := s.sessionLock(id)
	lock.Lock()
	defer lock.Unlock()

	if _, err := s.sessions.Get(r.Context(), id); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			httpError(w, http.StatusNotFound, "session not found")
			return
		}
		slog.Error("session load failed", "err", err)
		httpError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if err := s.sessions.Delete(r.Context(), id); err != nil {
		slog.Error("session delete failed", "session_id", id, "err", err)
		httpError(w, http.StatusInternalServerError, "failed to delete session")
		return
	}
	s.mu.Lock()
	delete(s.locks, id)
	s.mu.Unlock()
	s.metrics.SessionClosed(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			httpError(w, http.StatusNotFound, "session not found")
			return
		}
		slog.Error("session load failed", "err", err)
		httpError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

func toSessionResponse(sess *session.GameSession) sessionResponse {
	return sessionResponse{
		ID:           sess.ID,
		StudentID:    sess.StudentID,
		CurrentTask:  sess.CurrentTask,
		CurrentPhase: sess.CurrentPhase,
		Exchanges:    len(sess.Exchanges),
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Streaming endpoints
// ─────────────────────────────────────────────────────────────────────────────

type respondRequest struct {
	Input string `json:"input"`
}

type doneEvent struct {
	FullText        string `json:"full_text"`
	PhaseTransition string `json:"phase_transition,omitempty"`
	NextPhase       string `json:"next_phase,omitempty"`
	ExchangesCount  int    `json:"exchanges_count,omitempty"`
	DebriefComplete bool   `json:"debrief_complete,omitempty"`
	Error           string `json:"error,omitempty"`
}

type redactionEvent struct {
	FallbackText string `json:"fallback_text"`
	Boundary     string `json:"boundary"`
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request) {
	var req respondRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Input == "" {
		httpError(w, http.StatusBadRequest, "input is required")
		return
	}

	s.withSession(w, r, func(sess *session.GameSession, cart *cartridge.TaskCartridge) (*engine.Result, error) {
		phase, ok := cart.Phase(sess.CurrentPhase)
		if !ok {
			return nil, fmt.Errorf("%w: %q", errUnknownPhase, sess.CurrentPhase)
		}
		return s.engine.Respond(r.Context(), sess, cart, phase, req.Input)
	})
}

func (s *Server) debrief(w http.ResponseWriter, r *http.Request) {
	s.withSession(w, r, func(sess *session.GameSession, cart *cartridge.TaskCartridge) (*engine.Result, error) {
		return s.engine.Debrief(r.Context(), sess, cart)
	})
}

var errUnknownPhase = errors.New("httpapi: session points at unknown phase")

// withSession loads and locks the session, starts the engine call, streams
// the result as SSE, applies any phase transition, and persists the mutated
// session.
func (s *Server) withSession(w http.ResponseWriter, r *http.Request, start func(*session.GameSession, *cartridge.TaskCartridge) (*engine.Result, error)) {
	id := r.PathValue("id")
	lock := s.sessionLock(id)
	lock.Lock()
	defer lock.Unlock()

	sess, err := s.sessions.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			httpError(w, http.StatusNotFound, "session not found")
			return
		}
		slog.Error("session load failed", "err", err)
		httpError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	cart, ok := s.tasks[sess.CurrentTask]
	if !ok {
		httpError(w, http.StatusConflict, fmt.Sprintf("session points at unknown task %q", sess.CurrentTask))
		return
	}

	result, err := start(sess, cart)
	if err != nil {
		httpError(w, engineErrorStatus(err), err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	for tok := range result.Tokens() {
		writeEvent(w, flusher, "token", tok)
	}

	switch {
	case result.Err() != nil:
		slog.Error("engine call failed", "session_id", id, "err", result.Err())
		writeEvent(w, flusher, "error", streamErrorCode(result.Err()))
	case result.Redaction() != nil:
		rd := result.Redaction()
		writeJSONEvent(w, flusher, "redaction", redactionEvent{
			FallbackText: rd.FallbackText,
			Boundary:     rd.Boundary,
		})
	case result.Done() != nil:
		d := result.Done()
		if d.PhaseTransition != "" && d.NextPhase != "" {
			sess.CurrentPhase = d.NextPhase
		}
		writeJSONEvent(w, flusher, "done", doneEvent{
			FullText:        d.FullText,
			PhaseTransition: d.PhaseTransition,
			NextPhase:       d.NextPhase,
			ExchangesCount:  d.ExchangesCount,
			DebriefComplete: d.DebriefComplete,
			Error:           d.Error,
		})
	}

	// Persist without the request's cancellation: the client may already have
	// disconnected, but the engine's mutations must not be lost.
	if err := s.sessions.Put(context.WithoutCancel(r.Context()), sess); err != nil {
		slog.Error("session persist failed", "session_id", id, "err", err)
	}
}

// streamErrorCode maps a terminal stream error to the SSE error code:
// "ai_timeout" for cancellation and deadline expiry, "stream_error" for any
// other provider failure.
func streamErrorCode(err error) string {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "ai_timeout"
	}
	return "stream_error"
}

// engineErrorStatus maps engine precondition sentinels to HTTP status codes.
func engineErrorStatus(err error) int {
	switch {
	case errors.Is(err, engine.ErrStaticTask),
		errors.Is(err, engine.ErrNotAIPhase),
		errors.Is(err, engine.ErrMissingTransitions):
		return http.StatusConflict
	case errors.Is(err, errUnknownPhase):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// SSE plumbing
// ─────────────────────────────────────────────────────────────────────────────

// writeEvent frames one SSE event. Multi-line data gets one data: line per
// text line, which the client side reassembles with newlines.
func writeEvent(w http.ResponseWriter, flusher http.Flusher, event, data string) {
	fmt.Fprintf(w, "event: %s\n", event)
	for _, line := range strings.Split(data, "\n") {
		fmt.Fprintf(w, "data: %s\n", line)
	}
	fmt.Fprint(w, "\n")
	flusher.Flush()
}

func writeJSONEvent(w http.ResponseWriter, flusher http.Flusher, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("sse encode failed", "event", event, "err", err)
		return
	}
	writeEvent(w, flusher, event, string(data))
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failed"}`, http.StatusInternalServerError)
	}
}
