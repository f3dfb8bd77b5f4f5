package runtime

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/loqalabs/loqa-voice/internal/eventstore"
	"github.com/loqalabs/loqa-voice/internal/orchestrator"
	"github.com/loqalabs/loqa-voice/internal/session"
)

const (
	maxAudioBody    = 1 << 20
	defaultTimeline = 100
)

func (r *Runtime) registerSessionRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/sessions", r.handleCreateSession)
	mux.HandleFunc("GET /v1/sessions", r.handleListSessions)
	mux.HandleFunc("GET /v1/sessions/{id}", r.handleGetSession)
	mux.HandleFunc("POST /v1/sessions/{id}/start", r.handleStartSession)
	mux.HandleFunc("POST /v1/sessions/{id}/stop", r.handleStopSession)
	mux.HandleFunc("POST /v1/sessions/{id}/audio", r.handlePushAudio)
	mux.HandleFunc("GET /v1/sessions/{id}/timeline", r.handleTimeline)
	mux.HandleFunc("DELETE /v1/sessions/{id}", r.handleRemoveSession)
	mux.HandleFunc("DELETE /v1/speech-cache", r.handleForgetSpeech)
}

func (r *Runtime) handleCreateSession(w http.ResponseWriter, req *http.Request) {
	var body session.StartRequest
	if req.ContentLength != 0 {
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	sess, err := r.sessions.Create(req.Context(), body)
	if err != nil {
		r.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess.Info())
}

func (r *Runtime) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": r.sessions.List()})
}

func (r *Runtime) handleGetSession(w http.ResponseWriter, req *http.Request) {
	sess, ok := r.sessions.Get(req.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, session.ErrNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, sess.Info())
}

func (r *Runtime) handleStartSession(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	if err := r.sessions.Restart(req.Context(), id); err != nil {
		r.writeSessionError(w, err)
		return
	}
	r.writeSession(w, id)
}

func (r *Runtime) handleStopSession(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	if err := r.sessions.Stop(req.Context(), id); err != nil {
		r.writeSessionError(w, err)
		return
	}
	r.writeSession(w, id)
}

func (r *Runtime) handlePushAudio(w http.ResponseWriter, req *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxAudioBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "audio body too large")
		return
	}
	if len(data)%2 != 0 {
		writeError(w, http.StatusBadRequest, "audio must be 16-bit PCM")
		return
	}
	if err := r.sessions.PushAudio(req.PathValue("id"), data); err != nil {
		r.writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (r *Runtime) handleTimeline(w http.ResponseWriter, req *http.Request) {
	if !r.store.Enabled() {
		writeError(w, http.StatusNotFound, "event store disabled")
		return
	}
	id := req.PathValue("id")
	limit := defaultTimeline
	if v := req.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	info, ok, err := r.store.LookupSession(req.Context(), id)
	if err != nil {
		r.logger.Error("timeline lookup failed", slog.String("session_id", id), slogError(err))
		writeError(w, http.StatusInternalServerError, "timeline unavailable")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, session.ErrNotFound.Error())
		return
	}
	entries, err := r.store.Timeline(req.Context(), id, limit)
	if err != nil {
		r.logger.Error("timeline query failed", slog.String("session_id", id), slogError(err))
		writeError(w, http.StatusInternalServerError, "timeline unavailable")
		return
	}
	if entries == nil {
		entries = []eventstore.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": info, "events": entries})
}

func (r *Runtime) handleRemoveSession(w http.ResponseWriter, req *http.Request) {
	if err := r.sessions.Remove(req.Context(), req.PathValue("id")); err != nil {
		r.writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Runtime) handleForgetSpeech(w http.ResponseWriter, req *http.Request) {
	if err := r.sessions.ForgetCachedSpeech(req.Context()); err != nil {
		r.logger.Error("failed to clear speech cache", slogError(err))
		writeError(w, http.StatusInternalServerError, "speech cache unavailable")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Runtime) writeSession(w http.ResponseWriter, id string) {
	sess, ok := r.sessions.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, session.ErrNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, sess.Info())
}

func (r *Runtime) writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrTooMany), errors.Is(err, orchestrator.ErrActive):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrNoDevice), errors.Is(err, session.ErrBusCapture):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrManagerDone), errors.Is(err, orchestrator.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		r.logger.Error("session request failed", slogError(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
