package model

import "time"

// PairingArtifact is a short-lived code the operator scans or types into the
// channel app. The gateway expires artifacts after roughly twenty seconds,
// so the console refreshes them well before that.
type PairingArtifact struct {
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// PairingStatus is a point-in-time snapshot of the active pairing session,
// safe to hand to handlers and sinks. The session itself never leaves the
// controller.
type PairingStatus struct {
	SessionID  string           `json:"sessionId"`
	InstanceID string           `json:"instanceId"`
	Phase      PairingPhase     `json:"phase"`
	Artifact   *PairingArtifact `json:"artifact,omitempty"`
	IssuedAt   *time.Time       `json:"issuedAt,omitempty"`
	OpenedAt   time.Time        `json:"openedAt"`
}

// PairingEvent is one row of the pairing history: a phase change or terminal
// outcome for a session, kept for the console's recent-activity panel.
type PairingEvent struct {
	ID         string       `db:"id" json:"id"`
	SessionID  string       `db:"session_id" json:"sessionId"`
	InstanceID string       `db:"instance_id" json:"instanceId"`
	Phase      PairingPhase `db:"phase" json:"phase"`
	Detail     *string      `db:"detail" json:"detail,omitempty"`
	CreatedAt  time.Time    `db:"created_at" json:"createdAt"`
}

type CreatePairingEventParams struct {
	SessionID  string
	InstanceID string
	Phase      PairingPhase
	Detail     *string
}
