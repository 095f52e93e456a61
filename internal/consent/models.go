// Package consent defines the consent record, its audit trail, and the store
// contract. Lifecycle transitions live in the service subpackage; this package
// keeps the domain logic thin and side-effect free.
package consent

import (
	"time"

	"trainshare/pkg/domain"
)

// AuditNote labels why an audit entry was appended.
type AuditNote string

const (
	AuditScopesChanged AuditNote = "scopes_changed"
	AuditRevoked       AuditNote = "revoked"
	AuditRenewed       AuditNote = "renewed"
)

// AuditEntry records one trust-relevant change to a consent. Entries are
// append-only: never edited, never removed.
type AuditEntry struct {
	ID           domain.AuditEntryID   `json:"id"`
	ActorID      string                `json:"actor_id"`
	ActorRole    domain.Role           `json:"actor_role"`
	BeforeScopes []domain.ConsentScope `json:"before_scopes"`
	AfterScopes  []domain.ConsentScope `json:"after_scopes"`
	Note         AuditNote             `json:"note"`
	CreatedAt    time.Time             `json:"created_at"`
}

// Consent is a scoped, time-bound grant from a client to a trainer.
//
// Invariants:
//   - at most one ACTIVE consent per (trainer, client) pair
//   - Scopes is non-empty while ACTIVE
//   - RevokedAt is set iff Status is revoked, exactly once
//   - HiddenByClient never affects authorization, only the client's own
//     history view
type Consent struct {
	ID             domain.ConsentID      `json:"id"`
	ClientID       domain.ClientID       `json:"client_id"`
	TrainerID      domain.TrainerID      `json:"trainer_id"`
	Status         domain.ConsentStatus  `json:"status"`
	Scopes         []domain.ConsentScope `json:"scopes"`
	ExpiresAt      *time.Time            `json:"expires_at,omitempty"`
	RevokedAt      *time.Time            `json:"revoked_at,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
	UpdatedAt      time.Time             `json:"updated_at"`
	HiddenByClient bool                  `json:"hidden_by_client"`
	Audit          []AuditEntry          `json:"audit"`
}

// TimeExpired reports whether an ACTIVE record's expiry has passed. A nil
// ExpiresAt means no expiry. Zero timestamps are treated as expired so an
// unparseable expiry fails closed rather than granting indefinite access.
func (c *Consent) TimeExpired(now time.Time) bool {
	if c.Status != domain.StatusActive {
		return false
	}
	if c.ExpiresAt == nil {
		return false
	}
	if c.ExpiresAt.IsZero() {
		return true
	}
	return !c.ExpiresAt.After(now)
}

// HasScope reports whether the consent currently grants the required scope.
func (c *Consent) HasScope(s domain.ConsentScope) bool {
	return domain.ScopesContain(c.Scopes, s)
}

// Clone returns a deep copy so callers can never mutate stored state through
// a returned record.
func (c *Consent) Clone() *Consent {
	out := *c
	out.Scopes = append([]domain.ConsentScope(nil), c.Scopes...)
	if c.ExpiresAt != nil {
		t := *c.ExpiresAt
		out.ExpiresAt = &t
	}
	if c.RevokedAt != nil {
		t := *c.RevokedAt
		out.RevokedAt = &t
	}
	out.Audit = make([]AuditEntry, len(c.Audit))
	for i, e := range c.Audit {
		e.BeforeScopes = append([]domain.ConsentScope(nil), e.BeforeScopes...)
		e.AfterScopes = append([]domain.ConsentScope(nil), e.AfterScopes...)
		out.Audit[i] = e
	}
	return &out
}
