package service

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/console-server-go/internal/audit"
	apperrors "github.com/openclaw/console-server-go/internal/errors"
	"github.com/openclaw/console-server-go/internal/model"
	"github.com/openclaw/console-server-go/internal/util"
)

const maxInstanceNameLength = 100

// InstanceService fronts the gateway's instance registry: it validates
// input before anything leaves the process, writes audit events for
// lifecycle changes, and keeps the pairing controller consistent when an
// instance goes away.
type InstanceService struct {
	registry InstanceRegistry
	probe    HealthProbe
	pairing  *PairingController
}

func NewInstanceService(registry InstanceRegistry, probe HealthProbe, pairing *PairingController) *InstanceService {
	return &InstanceService{
		registry: registry,
		probe:    probe,
		pairing:  pairing,
	}
}

func (s *InstanceService) List(ctx context.Context) ([]model.Instance, error) {
	return s.registry.ListInstances(ctx)
}

func (s *InstanceService) Create(ctx context.Context, params model.CreateInstanceParams) (*model.Instance, error) {
	params.Name = strings.TrimSpace(params.Name)
	if params.Name == "" {
		return nil, apperrors.MissingRequired("name")
	}
	if len(params.Name) > maxInstanceNameLength {
		return nil, apperrors.InvalidInput("name", "too long")
	}
	if params.Channel == "" {
		return nil, apperrors.MissingRequired("channel")
	}
	if !util.IsValidChannel(params.Channel) {
		return nil, apperrors.InvalidInput("channel", "unknown channel")
	}

	instance, err := s.registry.CreateInstance(ctx, params)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("instanceId", instance.ID).
		Str("channel", instance.Channel).
		Msg("instance created")
	audit.Log(ctx, audit.Event{
		Type:       audit.EventInstanceCreate,
		InstanceID: instance.ID,
		Details:    map[string]interface{}{"channel": instance.Channel},
	})

	return instance, nil
}

func (s *InstanceService) Start(ctx context.Context, instanceID string) (*model.Instance, error) {
	return s.lifecycle(ctx, instanceID, audit.EventInstanceStart, s.registry.StartInstance)
}

func (s *InstanceService) Stop(ctx context.Context, instanceID string) (*model.Instance, error) {
	return s.lifecycle(ctx, instanceID, audit.EventInstanceStop, s.registry.StopInstance)
}

func (s *InstanceService) Restart(ctx context.Context, instanceID string) (*model.Instance, error) {
	return s.lifecycle(ctx, instanceID, audit.EventInstanceRestart, s.registry.RestartInstance)
}

func (s *InstanceService) lifecycle(
	ctx context.Context,
	instanceID string,
	event audit.EventType,
	op func(context.Context, string) (*model.Instance, error),
) (*model.Instance, error) {
	if !util.IsValidInstanceID(instanceID) {
		return nil, apperrors.InvalidInstanceID(instanceID)
	}

	instance, err := op(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	audit.Log(ctx, audit.Event{Type: event, InstanceID: instanceID})

	return instance, nil
}

// Delete removes the instance from the gateway and, only on success, closes
// a pairing session that targets it. A failed delete leaves the session
// running: the instance still exists.
func (s *InstanceService) Delete(ctx context.Context, instanceID string) error {
	if !util.IsValidInstanceID(instanceID) {
		return apperrors.InvalidInstanceID(instanceID)
	}

	if err := s.registry.DeleteInstance(ctx, instanceID); err != nil {
		return err
	}

	s.pairing.CloseInstance(instanceID)

	log.Info().Str("instanceId", instanceID).Msg("instance deleted")
	audit.Log(ctx, audit.Event{Type: audit.EventInstanceDelete, InstanceID: instanceID})

	return nil
}

// Health is the one-shot probe behind the instance detail view. Unlike the
// pairing loop it surfaces the probe error to the caller.
func (s *InstanceService) Health(ctx context.Context, instanceID string) (model.HealthReport, error) {
	if !util.IsValidInstanceID(instanceID) {
		return model.HealthReport{}, apperrors.InvalidInstanceID(instanceID)
	}
	return s.probe.CheckHealth(ctx, instanceID)
}
