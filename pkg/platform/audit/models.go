// Package audit provides the operational audit stream: structured events
// emitted on every consent mutation, drained by a background worker into a
// configured sink (Kafka in deployments, memory in tests and dev).
//
// This stream is observability plumbing. The trust-relevant audit trail lives
// on the consent record itself and is never derived from these events.
package audit

import "time"

// Event is emitted from domain logic to capture key actions. Keep it
// transport-agnostic so sinks can fan out.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	ActorID   string    `json:"actor_id,omitempty"`
	ActorRole string    `json:"actor_role,omitempty"`
	ConsentID string    `json:"consent_id,omitempty"`
	TrainerID string    `json:"trainer_id,omitempty"`
	ClientID  string    `json:"client_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// Actions recorded on the ops stream.
const (
	ActionConsentCreated  = "consent.created"
	ActionConsentUpdated  = "consent.updated"
	ActionConsentRevoked  = "consent.revoked"
	ActionConsentRenewed  = "consent.renewed"
	ActionConsentHidden   = "consent.hidden"
	ActionConsentRestored = "consent.restored"
)
