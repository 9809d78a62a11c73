package model

type InstanceStatus string

const (
	InstanceStatusCreated  InstanceStatus = "created"
	InstanceStatusStarting InstanceStatus = "starting"
	InstanceStatusRunning  InstanceStatus = "running"
	InstanceStatusStopped  InstanceStatus = "stopped"
	InstanceStatusError    InstanceStatus = "error"
)

type AuthState string

const (
	AuthStateUnauthenticated AuthState = "unauthenticated"
	AuthStatePairing         AuthState = "pairing"
	AuthStateAuthenticated   AuthState = "authenticated"
	AuthStateNeedsReauth     AuthState = "needs_reauth"
)

// PairingPhase is the single source of truth for where a pairing session is
// in its lifecycle. A session only ever moves forward through these phases.
type PairingPhase string

const (
	PhaseOpening          PairingPhase = "opening"
	PhaseAwaitingArtifact PairingPhase = "awaiting_artifact"
	PhaseAwaitingScan     PairingPhase = "awaiting_scan"
	PhaseSuccess          PairingPhase = "success"
	PhaseClosed           PairingPhase = "closed"
)

type PairingOutcome string

const (
	OutcomeSuccess    PairingOutcome = "success"
	OutcomeClosed     PairingOutcome = "closed"
	OutcomeSuperseded PairingOutcome = "superseded"
)
