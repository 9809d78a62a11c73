package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/console-server-go/internal/model"
	"github.com/openclaw/console-server-go/internal/service"
	"github.com/openclaw/console-server-go/internal/sse"
)

// EventsHandler streams console events over SSE. Every connected tab gets
// the same stream; on connect the current pairing snapshot is replayed so a
// freshly opened tab renders the live session without polling first.
type EventsHandler struct {
	broker     *sse.Broker
	controller *service.PairingController
}

func NewEventsHandler(broker *sse.Broker, controller *service.PairingController) *EventsHandler {
	return &EventsHandler{
		broker:     broker,
		controller: controller,
	}
}

func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Streaming not supported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	client := h.broker.Subscribe()
	defer h.broker.Unsubscribe(client)

	log.Info().
		Str("remoteAddr", r.RemoteAddr).
		Msg("sse connection established")

	status := h.controller.Status()
	err := h.sendEvent(w, flusher, "connected", map[string]any{
		"session": status,
		"active":  status != nil && status.Phase != model.PhaseClosed,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to send connected event")
		return
	}

	ctx := r.Context()

	heartbeat := time.NewTicker(sse.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().
				Str("remoteAddr", r.RemoteAddr).
				Msg("sse connection closed by client")
			return

		case <-client.Done:
			log.Info().
				Str("remoteAddr", r.RemoteAddr).
				Msg("sse connection closed by broker")
			return

		case event := <-client.Events:
			if err := h.sendRawEvent(w, flusher, event); err != nil {
				log.Error().Err(err).Msg("failed to send event")
				return
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprintf(w, ": ping\n\n"); err != nil {
				log.Debug().
					Str("remoteAddr", r.RemoteAddr).
					Msg("heartbeat failed, closing connection")
				return
			}
			flusher.Flush()
		}
	}
}

func (h *EventsHandler) sendEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	return h.sendRawEvent(w, flusher, sse.Event{Type: eventType, Data: jsonData})
}

func (h *EventsHandler) sendRawEvent(w http.ResponseWriter, flusher http.Flusher, event sse.Event) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", event.Type); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", event.Data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
