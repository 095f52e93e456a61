// Package domain holds shared value types used across the consent engine:
// typed identifiers, the role enum, the scope catalog, and consent status.
//
// Typed IDs prevent cross-type assignment at compile time (a TrainerID can
// never be passed where a ClientID is expected). Construct them via the
// Parse* helpers at trust boundaries; direct casting bypasses validation.
package domain

import (
	"github.com/google/uuid"

	dErrors "trainshare/pkg/domain-errors"
)

type (
	// ClientID identifies the data owner granting access.
	ClientID uuid.UUID
	// TrainerID identifies the party being granted access.
	TrainerID uuid.UUID
	// ConsentID identifies a single consent record.
	ConsentID uuid.UUID
	// AuditEntryID identifies an entry in a consent's audit trail.
	AuditEntryID uuid.UUID
)

func (id ClientID) String() string    { return uuid.UUID(id).String() }
func (id TrainerID) String() string   { return uuid.UUID(id).String() }
func (id ConsentID) String() string   { return uuid.UUID(id).String() }
func (id AuditEntryID) String() string { return uuid.UUID(id).String() }

func (id ClientID) IsNil() bool  { return uuid.UUID(id) == uuid.Nil }
func (id TrainerID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }
func (id ConsentID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }

// NewConsentID mints a fresh consent identifier.
func NewConsentID() ConsentID { return ConsentID(uuid.New()) }

// NewAuditEntryID mints a fresh audit entry identifier.
func NewAuditEntryID() AuditEntryID { return AuditEntryID(uuid.New()) }

// ParseClientID constructs a ClientID from external input.
// Errors: CodeInvalidInput when the value is empty, malformed, or the nil UUID.
func ParseClientID(s string) (ClientID, error) {
	u, err := parseUUID(s, "client id")
	return ClientID(u), err
}

// ParseTrainerID constructs a TrainerID from external input.
func ParseTrainerID(s string) (TrainerID, error) {
	u, err := parseUUID(s, "trainer id")
	return TrainerID(u), err
}

// ParseConsentID constructs a ConsentID from external input.
func ParseConsentID(s string) (ConsentID, error) {
	u, err := parseUUID(s, "consent id")
	return ConsentID(u), err
}

func parseUUID(s, what string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, what+" cannot be empty")
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "invalid "+what)
	}
	if u == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, what+" cannot be the nil uuid")
	}
	return u, nil
}
