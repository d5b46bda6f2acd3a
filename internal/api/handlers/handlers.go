// Package handlers implements the HTTP handlers exposing the AI core to
// UI-level callers.
package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/mindweave/mindweave/ai-core/internal/orchestrator"
	"github.com/mindweave/mindweave/ai-core/pkg/models"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Orchestrator *orchestrator.Orchestrator
}

// New creates a new Handlers instance.
func New(o *orchestrator.Orchestrator) *Handlers {
	return &Handlers{Orchestrator: o}
}

// ── Setup & Configuration ────────────────────────────────────

type initializeRequest struct {
	APIKey string `json:"api_key"`
}

func (h *Handlers) Initialize(w http.ResponseWriter, r *http.Request) {
	var req initializeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	ok := h.Orchestrator.Initialize(r.Context(), req.APIKey)
	resp := map[string]interface{}{"initialized": ok}
	if !ok {
		if lastErr := h.Orchestrator.LastError(); lastErr != nil {
			resp["error"] = lastErr
		}
		respondJSON(w, http.StatusUnprocessableEntity, resp)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (h *Handlers) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	var patch models.ConfigurationPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if !h.Orchestrator.UpdateConfig(r.Context(), patch) {
		status := h.Orchestrator.ConfigurationStatus()
		respondJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"updated": false,
			"errors":  status.Errors,
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"updated": true})
}

func (h *Handlers) UpdatePreferences(w http.ResponseWriter, r *http.Request) {
	var patch models.UserPreferencesPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if !h.Orchestrator.UpdateUserPreferences(r.Context(), patch) {
		respondJSON(w, http.StatusUnprocessableEntity, map[string]bool{"updated": false})
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"updated":     true,
		"preferences": h.Orchestrator.UserPreferences(),
	})
}

func (h *Handlers) ApplyPreset(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "presetName")
	if !h.Orchestrator.ApplyPreset(r.Context(), name) {
		respondError(w, http.StatusNotFound, fmt.Sprintf("unknown preset: %s", name))
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"applied": true, "preset": name})
}

// ── Generation ──────────────────────────────────────────────

func (h *Handlers) Generate(w http.ResponseWriter, r *http.Request) {
	var req models.GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	resp, err := h.Orchestrator.Generate(r.Context(), req)
	if err != nil {
		respondAIError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// GenerateStream relays a streaming generation call as server-sent events.
// Each chunk is one data: line; the terminal chunk has is_complete set.
func (h *Handlers) GenerateStream(w http.ResponseWriter, r *http.Request) {
	var req models.GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	stream, err := h.Orchestrator.GenerateStream(r.Context(), req)
	if err != nil {
		respondAIError(w, err)
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		chunk, err := stream.Recv()
		if err != nil {
			writeSSE(w, flusher, "error", models.AsAIError(err))
			return
		}
		writeSSE(w, flusher, "", chunk)
		if chunk.IsComplete {
			return
		}
	}
}

type cancelRequest struct {
	RequestID string `json:"request_id,omitempty"`
}

func (h *Handlers) Cancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}
	h.Orchestrator.Cancel(req.RequestID)
	respondJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
}

// ── Observation ─────────────────────────────────────────────

func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"config":          h.Orchestrator.ConfigurationStatus(),
		"initialized":     h.Orchestrator.IsInitialized(),
		"active_requests": h.Orchestrator.ActiveRequestCount(),
	}
	if lastErr := h.Orchestrator.LastError(); lastErr != nil {
		resp["last_error"] = lastErr
	}
	respondJSON(w, http.StatusOK, resp)
}

func (h *Handlers) Usage(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Orchestrator.UsageStats())
}

func (h *Handlers) SelectModel(w http.ResponseWriter, r *http.Request) {
	action := models.ActionType(r.URL.Query().Get("action"))
	respondJSON(w, http.StatusOK, map[string]string{
		"action": string(action),
		"model":  h.Orchestrator.SelectOptimalModel(action),
	})
}

func (h *Handlers) ClearError(w http.ResponseWriter, r *http.Request) {
	h.Orchestrator.ClearError()
	w.WriteHeader(http.StatusNoContent)
}

// Events pushes request lifecycle events (issued, completed, failed,
// cancelled, with the post-transition active count) as server-sent events.
func (h *Handlers) Events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events, unsubscribe := h.Orchestrator.SubscribeEvents()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			writeSSE(w, flusher, "", event)
		}
	}
}

// ── Helpers ─────────────────────────────────────────────────

func writeSSE(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) {
	payload, err := json.Marshal(data)
	if err != nil {
		log.Warn().Err(err).Msg("Cannot marshal SSE payload")
		return
	}
	if event != "" {
		fmt.Fprintf(w, "event: %s\n", event)
	}
	fmt.Fprintf(w, "data: %s\n\n", payload)
	flusher.Flush()
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondAIError maps the closed error taxonomy onto HTTP statuses.
func respondAIError(w http.ResponseWriter, err error) {
	aiErr := models.AsAIError(err)
	status := http.StatusInternalServerError
	switch aiErr.Code {
	case models.ErrCodeInvalidAPIKey:
		status = http.StatusUnauthorized
	case models.ErrCodeRateLimited:
		status = http.StatusTooManyRequests
	case models.ErrCodeNetwork:
		status = http.StatusBadGateway
	}
	respondJSON(w, status, aiErr)
}
