package domain

// ConsentStatus is the lifecycle state of a consent record.
//
// Transitions: ACTIVE -> REVOKED (explicit, by the client) and
// ACTIVE -> EXPIRED (automatic, time-driven, discovered lazily on read).
// REVOKED and EXPIRED are terminal; re-granting requires a new record.
type ConsentStatus string

const (
	StatusActive  ConsentStatus = "active"
	StatusRevoked ConsentStatus = "revoked"
	StatusExpired ConsentStatus = "expired"
)

// IsTerminal reports whether the status admits no further transitions.
func (s ConsentStatus) IsTerminal() bool {
	return s == StatusRevoked || s == StatusExpired
}

// String returns the string representation of the status.
func (s ConsentStatus) String() string {
	return string(s)
}
