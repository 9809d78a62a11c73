package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/console-server-go/internal/audit"
	"github.com/openclaw/console-server-go/internal/model"
	"github.com/openclaw/console-server-go/internal/repository"
	"github.com/openclaw/console-server-go/internal/sse"
)

// Console event types as seen by connected tabs.
const (
	EventPairingPhase     = "pairing.phase"
	EventPairingArtifact  = "pairing.artifact"
	EventPairingSuccess   = "pairing.success"
	EventInstancesRefresh = "instances.refresh"
)

const historyWriteTimeout = 5 * time.Second

// EventPublisher pushes console events out to connected tabs.
// *sse.Broker is the production implementation.
type EventPublisher interface {
	Publish(ctx context.Context, event sse.Event) error
}

// NotificationService is the pairing controller's sink: phase changes fan
// out to every console tab and land in the pairing history table. Failures
// are logged and swallowed; a down redis or database never disturbs a
// running pairing session.
type NotificationService struct {
	publisher EventPublisher
	history   repository.PairingEventRepository
}

func NewNotificationService(publisher EventPublisher, history repository.PairingEventRepository) *NotificationService {
	return &NotificationService{
		publisher: publisher,
		history:   history,
	}
}

type pairingEventPayload struct {
	SessionID  string                 `json:"sessionId"`
	InstanceID string                 `json:"instanceId"`
	Phase      model.PairingPhase     `json:"phase"`
	Detail     string                 `json:"detail,omitempty"`
	Artifact   *model.PairingArtifact `json:"artifact,omitempty"`
	IssuedAt   *time.Time             `json:"issuedAt,omitempty"`
}

func payloadOf(status model.PairingStatus, detail string) pairingEventPayload {
	return pairingEventPayload{
		SessionID:  status.SessionID,
		InstanceID: status.InstanceID,
		Phase:      status.Phase,
		Detail:     detail,
		Artifact:   status.Artifact,
		IssuedAt:   status.IssuedAt,
	}
}

func (s *NotificationService) PairingPhaseChanged(status model.PairingStatus, detail string) {
	s.publish(EventPairingPhase, payloadOf(status, detail))
	s.recordHistory(status, detail)
}

func (s *NotificationService) PairingArtifactUpdated(status model.PairingStatus) {
	s.publish(EventPairingArtifact, payloadOf(status, ""))
}

func (s *NotificationService) PairingSucceeded(status model.PairingStatus) {
	s.publish(EventPairingSuccess, payloadOf(status, ""))

	audit.Log(context.Background(), audit.Event{
		Type:       audit.EventPairingSuccess,
		InstanceID: status.InstanceID,
		SessionID:  status.SessionID,
	})
}

func (s *NotificationService) RefreshInstances() {
	s.publish(EventInstancesRefresh, struct{}{})
}

func (s *NotificationService) publish(eventType string, payload any) {
	data, _ := json.Marshal(payload)

	ctx, cancel := context.WithTimeout(context.Background(), historyWriteTimeout)
	defer cancel()

	if err := s.publisher.Publish(ctx, sse.Event{Type: eventType, Data: data}); err != nil {
		log.Warn().Err(err).Str("eventType", eventType).Msg("failed to publish console event")
	}
}

func (s *NotificationService) recordHistory(status model.PairingStatus, detail string) {
	ctx, cancel := context.WithTimeout(context.Background(), historyWriteTimeout)
	defer cancel()

	params := model.CreatePairingEventParams{
		SessionID:  status.SessionID,
		InstanceID: status.InstanceID,
		Phase:      status.Phase,
	}
	if detail != "" {
		params.Detail = &detail
	}

	if _, err := s.history.Create(ctx, params); err != nil {
		log.Warn().
			Err(err).
			Str("sessionId", status.SessionID).
			Msg("failed to record pairing event")
	}
}
