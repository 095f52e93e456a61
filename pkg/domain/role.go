package domain

import dErrors "trainshare/pkg/domain-errors"

// Role identifies which side of a consent relationship an actor is on.
// Invariant: the value must be one of the supported roles; free-form role
// strings are rejected at the API boundary.
type Role string

const (
	RoleClient  Role = "client"
	RoleTrainer Role = "trainer"
)

// ParseRole constructs a Role from external input (JWT claim, request body).
// Errors: CodeInvalidInput when the value is empty or unsupported.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleClient, RoleTrainer:
		return Role(s), nil
	case "":
		return "", dErrors.New(dErrors.CodeInvalidInput, "role cannot be empty")
	default:
		return "", dErrors.New(dErrors.CodeInvalidInput, "unknown role: "+s)
	}
}

// IsValid checks if the role is one of the supported enum values.
func (r Role) IsValid() bool {
	return r == RoleClient || r == RoleTrainer
}

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}
