package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/console-server-go/internal/model"
	"github.com/openclaw/console-server-go/internal/service"
)

// InstanceHandler proxies the console's instance views onto the gateway
// registry.
type InstanceHandler struct {
	instanceService *service.InstanceService
}

func NewInstanceHandler(instanceService *service.InstanceService) *InstanceHandler {
	return &InstanceHandler{instanceService: instanceService}
}

// GET /api/instances
func (h *InstanceHandler) List(w http.ResponseWriter, r *http.Request) {
	instances, err := h.instanceService.List(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to list instances")
		writeError(w, err)
		return
	}

	if instances == nil {
		instances = []model.Instance{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"instances": instances,
		"total":     len(instances),
	})
}

// POST /api/instances
func (h *InstanceHandler) Create(w http.ResponseWriter, r *http.Request) {
	var params model.CreateInstanceParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
		return
	}

	instance, err := h.instanceService.Create(r.Context(), params)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, instance)
}

// POST /api/instances/{id}/start
func (h *InstanceHandler) Start(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.instanceService.Start)
}

// POST /api/instances/{id}/stop
func (h *InstanceHandler) Stop(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.instanceService.Stop)
}

// POST /api/instances/{id}/restart
func (h *InstanceHandler) Restart(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.instanceService.Restart)
}

func (h *InstanceHandler) lifecycle(
	w http.ResponseWriter,
	r *http.Request,
	op func(ctx context.Context, instanceID string) (*model.Instance, error),
) {
	id := chi.URLParam(r, "id")

	instance, err := op(r.Context(), id)
	if err != nil {
		log.Warn().Err(err).Str("instanceId", id).Msg("instance lifecycle operation failed")
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, instance)
}

// DELETE /api/instances/{id}
func (h *InstanceHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.instanceService.Delete(r.Context(), id); err != nil {
		log.Warn().Err(err).Str("instanceId", id).Msg("instance delete failed")
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// GET /api/instances/{id}/health
func (h *InstanceHandler) Health(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	report, err := h.instanceService.Health(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"instanceId": id,
		"health":     report,
		"linked":     report.Linked(),
	})
}
