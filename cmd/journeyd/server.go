package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sendloop/journey/internal/engine"
	"github.com/sendloop/journey/internal/secrets"
	"github.com/sendloop/journey/internal/store"
	"github.com/sendloop/journey/internal/streaming"
	"github.com/sendloop/journey/internal/validation"
	"github.com/sendloop/journey/pkg/schema"
)

// server is the ingress surface: normalized events and responses come in
// here, and workflow definitions are registered after validation. Channel
// webhooks are decoded into these shapes by upstream adapters.
type server struct {
	engine    *engine.Engine
	store     store.Store
	hub       streaming.EventHub
	vault     secrets.Vault
	validator *validation.WorkflowValidator
	logger    *slog.Logger
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/events", s.handleEvent)
	mux.HandleFunc("POST /v1/responses", s.handleResponse)
	mux.HandleFunc("POST /v1/workflows", s.handlePutWorkflow)
	mux.HandleFunc("POST /v1/instances/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /v1/instances/{id}/events", s.handleInstanceEvents)
	mux.HandleFunc("GET /v1/instances/{id}/stream", s.handleInstanceStream)
	mux.HandleFunc("GET /v1/stream", s.handleGlobalStream)
	mux.HandleFunc("PUT /v1/secrets/{key}", s.handlePutSecret)
	mux.HandleFunc("DELETE /v1/secrets/{key}", s.handleDeleteSecret)
	mux.HandleFunc("GET /v1/secrets", s.handleListSecrets)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func (s *server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var ev engine.IncomingEvent
	if !decodeBody(w, r, &ev) {
		return
	}
	if ev.Type == "" {
		writeError(w, schema.NewError(schema.ErrCodeValidation, "event needs a type"))
		return
	}

	ids, err := s.engine.HandleEvent(r.Context(), ev)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"instance_ids": ids})
}

func (s *server) handleResponse(w http.ResponseWriter, r *http.Request) {
	var resp engine.UserResponse
	if !decodeBody(w, r, &resp) {
		return
	}

	if err := s.engine.HandleResponse(r.Context(), resp); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted"})
}

func (s *server) handlePutWorkflow(w http.ResponseWriter, r *http.Request) {
	var wf schema.Workflow
	if !decodeBody(w, r, &wf) {
		return
	}

	result := s.validator.Validate(&wf)
	if !result.Valid() {
		writeJSON(w, http.StatusUnprocessableEntity, result)
		return
	}

	if err := s.store.PutWorkflow(r.Context(), &wf); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":       wf.ID,
		"version":  wf.Version,
		"warnings": result.Warnings,
	})
}

func (s *server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength > 0 && !decodeBody(w, r, &body) {
		return
	}

	if err := s.engine.Cancel(r.Context(), r.PathValue("id"), body.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "cancelled"})
}

func (s *server) handleInstanceEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.store.GetEvents(r.Context(), r.PathValue("id"), 0)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *server) requireVault(w http.ResponseWriter) bool {
	if s.vault == nil {
		writeError(w, schema.NewError(schema.ErrCodeVault, "vault is not configured"))
		return false
	}
	return true
}

func (s *server) handlePutSecret(w http.ResponseWriter, r *http.Request) {
	if !s.requireVault(w) {
		return
	}
	var body struct {
		Value string `json:"value"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Value == "" {
		writeError(w, schema.NewError(schema.ErrCodeValidation, "secret value must not be empty"))
		return
	}
	if err := s.vault.Store(r.Context(), r.PathValue("key"), []byte(body.Value)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleDeleteSecret(w http.ResponseWriter, r *http.Request) {
	if !s.requireVault(w) {
		return
	}
	if err := s.vault.Delete(r.Context(), r.PathValue("key")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListSecrets returns key names only, never values.
func (s *server) handleListSecrets(w http.ResponseWriter, r *http.Request) {
	if !s.requireVault(w) {
		return
	}
	keys, err := s.vault.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

// handleGlobalStream streams all execution events to the client via
// Server-Sent Events.
func (s *server) handleGlobalStream(w http.ResponseWriter, r *http.Request) {
	s.serveSSE(w, r, streaming.EventFilter{})
}

// handleInstanceStream streams events for a single instance.
func (s *server) handleInstanceStream(w http.ResponseWriter, r *http.Request) {
	s.serveSSE(w, r, streaming.EventFilter{InstanceID: r.PathValue("id")})
}

func (s *server) serveSSE(w http.ResponseWriter, r *http.Request, filter streaming.EventFilter) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ch, cancel, err := s.hub.Subscribe(r.Context(), filter)
	if err != nil {
		s.logger.Error("SSE subscribe failed", "error", err)
		http.Error(w, "subscribe failed", http.StatusInternalServerError)
		return
	}
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, schema.NewError(schema.ErrCodeValidation, "malformed request body").WithCause(err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var jErr *schema.JourneyError
	if errors.As(err, &jErr) {
		switch jErr.Code {
		case schema.ErrCodeValidation, schema.ErrCodeSchemaMismatch:
			status = http.StatusBadRequest
		case schema.ErrCodeNotFound:
			status = http.StatusNotFound
		case schema.ErrCodeConflict, schema.ErrCodeInvalidTransition:
			status = http.StatusConflict
		}
		writeJSON(w, status, jErr)
		return
	}
	writeJSON(w, status, map[string]any{"code": schema.ErrCodeExecution, "message": err.Error()})
}

func newHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
