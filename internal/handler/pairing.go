package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/console-server-go/internal/audit"
	"github.com/openclaw/console-server-go/internal/model"
	"github.com/openclaw/console-server-go/internal/repository"
	"github.com/openclaw/console-server-go/internal/service"
	"github.com/openclaw/console-server-go/internal/util"
)

// PairingHandler exposes the pairing session over HTTP. The controller holds
// all session state; the handler only translates requests and snapshots.
type PairingHandler struct {
	controller *service.PairingController
	history    repository.PairingEventRepository
}

func NewPairingHandler(controller *service.PairingController, history repository.PairingEventRepository) *PairingHandler {
	return &PairingHandler{
		controller: controller,
		history:    history,
	}
}

// POST /api/instances/{id}/pairing
func (h *PairingHandler) Open(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	status, err := h.controller.Open(r.Context(), id)
	if err != nil {
		log.Warn().Err(err).Str("instanceId", id).Msg("pairing open rejected")
		writeError(w, err)
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type:       audit.EventPairingOpen,
		InstanceID: id,
		SessionID:  status.SessionID,
	})

	writeJSON(w, http.StatusOK, status)
}

// GET /api/pairing
func (h *PairingHandler) Status(w http.ResponseWriter, r *http.Request) {
	status := h.controller.Status()

	// A closed session still snapshots; the console only treats live phases
	// as an active pairing.
	active := status != nil && status.Phase != model.PhaseClosed

	writeJSON(w, http.StatusOK, map[string]any{
		"session": status,
		"active":  active,
	})
}

// DELETE /api/pairing
func (h *PairingHandler) Close(w http.ResponseWriter, r *http.Request) {
	status := h.controller.Status()
	h.controller.Close()

	event := audit.Event{Type: audit.EventPairingClose}
	if status != nil {
		event.InstanceID = status.InstanceID
		event.SessionID = status.SessionID
	}
	audit.LogFromRequest(r, event)

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// GET /api/instances/{id}/pairing/history
func (h *PairingHandler) History(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !util.IsValidInstanceID(id) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid instance id"})
		return
	}

	pagination := ParsePagination(r)

	events, err := h.history.FindByInstanceID(r.Context(), id, pagination.Limit, pagination.Offset)
	if err != nil {
		log.Error().Err(err).Str("instanceId", id).Msg("failed to load pairing history")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to load pairing history"})
		return
	}

	if events == nil {
		events = []model.PairingEvent{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"limit":  pagination.Limit,
		"offset": pagination.Offset,
	})
}
