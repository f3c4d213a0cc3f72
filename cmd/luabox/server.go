package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/caffeineduck/luabox/executor"
	"go.uber.org/zap"
)

const maxRequestBody = 1 << 20

type server struct {
	exec     *executor.Executor
	sessions *sessionManager
	opts     []executor.Option
	logger   *zap.Logger

	// maxTimeout caps the timeout a request may ask for; 0 means no cap.
	maxTimeout time.Duration
}

func newServer(exec *executor.Executor, sessions *sessionManager, opts []executor.Option, maxTimeout time.Duration, logger *zap.Logger) *server {
	return &server{exec: exec, sessions: sessions, opts: opts, maxTimeout: maxTimeout, logger: logger}
}

type executeRequest struct {
	Code    string `json:"code"`
	Timeout string `json:"timeout,omitempty"`
}

type executeResponse struct {
	Output     string   `json:"output"`
	Values     []string `json:"values,omitempty"`
	DurationMs int64    `json:"duration_ms"`
	Error      string   `json:"error,omitempty"`
}

type createSessionRequest struct {
	Timeout string `json:"timeout,omitempty"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /execute", s.handleExecute)
	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("POST /sessions/{id}/exec", s.handleSessionExec)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

// decode reads a JSON body into v. An empty body leaves v untouched when
// optional is set.
func decode(r *http.Request, v any, optional bool) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(v)
	if optional && errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// parseTimeout reads a request timeout. It must be positive and is
// lowered to the server's configured timeout when that is set.
func (s *server) parseTimeout(str string) (time.Duration, bool, error) {
	if str == "" {
		return 0, false, nil
	}
	d, err := time.ParseDuration(str)
	if err != nil || d <= 0 {
		return 0, false, errors.New("invalid timeout")
	}
	if s.maxTimeout > 0 && d > s.maxTimeout {
		d = s.maxTimeout
	}
	return d, true, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func toResponse(result executor.Result) executeResponse {
	resp := executeResponse{
		Output:     result.Output,
		Values:     result.Values,
		DurationMs: result.Duration.Milliseconds(),
	}
	if result.Error != nil {
		resp.Error = result.Error.Error()
	}
	return resp
}

func (s *server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decode(r, &req, false); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Code == "" {
		http.Error(w, "code required", http.StatusBadRequest)
		return
	}

	opts := append([]executor.Option(nil), s.opts...)
	timeout, ok, err := s.parseTimeout(req.Timeout)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if ok {
		opts = append(opts, executor.WithTimeout(timeout))
	}

	result := s.exec.Run(r.Context(), req.Code, opts...)
	s.logger.Debug("execute",
		zap.Duration("duration", result.Duration),
		zap.Error(result.Error))
	writeJSON(w, http.StatusOK, toResponse(result))
}

func (s *server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decode(r, &req, true); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	opts := append([]executor.Option(nil), s.opts...)
	timeout, ok, err := s.parseTimeout(req.Timeout)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if ok {
		opts = append(opts, executor.WithTimeout(timeout))
	}

	id, err := s.sessions.create(s.exec, opts...)
	switch {
	case errors.Is(err, errTooManySessions):
		http.Error(w, err.Error(), http.StatusTooManyRequests)
		return
	case err != nil:
		s.logger.Error("create session", zap.Error(err))
		http.Error(w, "failed to create session: "+err.Error(), http.StatusInternalServerError)
		return
	}

	s.logger.Info("session created", zap.String("session", id))
	writeJSON(w, http.StatusOK, createSessionResponse{SessionID: id})
}

func (s *server) handleSessionExec(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	session, ok := s.sessions.get(id)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	var req executeRequest
	if err := decode(r, &req, false); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Code == "" {
		http.Error(w, "code required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	timeout, ok, err := s.parseTimeout(req.Timeout)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result := session.Run(ctx, req.Code)
	switch {
	case errors.Is(result.Error, executor.ErrSessionBusy):
		http.Error(w, result.Error.Error(), http.StatusConflict)
		return
	case errors.Is(result.Error, executor.ErrSessionClosed):
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(result))
}

func (s *server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.sessions.close(id) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	s.logger.Info("session closed", zap.String("session", id))
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
