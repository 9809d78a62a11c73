package model

import "time"

// Instance is a channel login endpoint as the provider gateway reports it.
// The console never stores instances; the gateway owns them.
type Instance struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Channel   string         `json:"channel"`
	Status    InstanceStatus `json:"status"`
	AuthState AuthState      `json:"authState"`
	CreatedAt time.Time      `json:"createdAt"`
}

type CreateInstanceParams struct {
	Name    string `json:"name"`
	Channel string `json:"channel"`
}

// HealthReport is the gateway's view of one instance's link state.
type HealthReport struct {
	Authenticated bool `json:"authenticated"`
	Connected     bool `json:"connected"`
	NeedsReauth   bool `json:"needsReauth"`
}

// Linked reports whether the instance is fully paired and usable. This is
// the only signal pairing success may be derived from: an instance that is
// authenticated but flagged for reauth is not linked, no matter what any
// other endpoint claims.
func (h HealthReport) Linked() bool {
	return h.Authenticated && h.Connected && !h.NeedsReauth
}
