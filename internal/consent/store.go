package consent

import (
	"context"

	"trainshare/pkg/domain"
)

// Store is the persistence contract for consent records. Implementations are
// interface-driven so the lifecycle service and the authorization guard stay
// storage-agnostic (in-memory for tests and default wiring, postgres for
// durable deployments).
//
// Every read returns normalized deep copies: an ACTIVE record whose expiry
// has passed is flipped to EXPIRED and persisted before it is surfaced. There
// is no background sweeper; expiry is discovered on access. The write-back is
// idempotent, so two concurrent flips of the same record converge harmlessly.
//
// Stores return pkg/platform/sentinel errors; services translate them into
// the domain error taxonomy.
type Store interface {
	// Create inserts a new record. It enforces, atomically with the insert,
	// that no other ACTIVE record exists for the same (trainer, client) pair,
	// returning sentinel.ErrConflict otherwise. Expired-on-arrival ACTIVE
	// records do not block creation: they are normalized during the check.
	Create(ctx context.Context, c *Consent) error

	// Get returns the record by id, or sentinel.ErrNotFound.
	Get(ctx context.Context, id domain.ConsentID) (*Consent, error)

	// ListForClient returns all of a client's consents, any status, hidden
	// ones included; filtering is the caller's responsibility.
	ListForClient(ctx context.Context, clientID domain.ClientID) ([]*Consent, error)

	// ListActiveForTrainer returns the trainer's ACTIVE consents only. This
	// powers the trainer's client roster.
	ListActiveForTrainer(ctx context.Context, trainerID domain.TrainerID) ([]*Consent, error)

	// FindByPair returns the most recent record for the pair, any status, or
	// sentinel.ErrNotFound when the pair has no history.
	FindByPair(ctx context.Context, trainerID domain.TrainerID, clientID domain.ClientID) (*Consent, error)

	// GetActive returns the pair's ACTIVE record, or sentinel.ErrNotFound
	// when none is active (even if revoked/expired history exists).
	GetActive(ctx context.Context, trainerID domain.TrainerID, clientID domain.ClientID) (*Consent, error)

	// Update persists the full record by id, or sentinel.ErrNotFound.
	Update(ctx context.Context, c *Consent) error
}
