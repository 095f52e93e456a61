package domain

import (
	"sort"

	dErrors "trainshare/pkg/domain-errors"
)

// ConsentScope is a domain value naming one grantable capability over a
// client's training data. The catalog is closed: each scope maps 1:1 to a
// trainer-visible resource module, and unknown values are rejected at the
// API boundary.
//
// Usage: construct via ParseConsentScope at trust boundaries to enforce the
// allowlist; direct casting bypasses validation.
type ConsentScope string

const (
	ScopeSessionsRead     ConsentScope = "sessions:read"
	ScopeSessionsComment  ConsentScope = "sessions:comment"
	ScopeRoutinesRead     ConsentScope = "routines:read"
	ScopeProgressRead     ConsentScope = "progress:read"
	ScopePRsRead          ConsentScope = "prs:read"
	ScopeAchievementsRead ConsentScope = "achievements:read"
	ScopeGoalsRead        ConsentScope = "goals:read"
)

// validConsentScopes is the single source of truth for the scope catalog.
var validConsentScopes = map[ConsentScope]bool{
	ScopeSessionsRead:     true,
	ScopeSessionsComment:  true,
	ScopeRoutinesRead:     true,
	ScopeProgressRead:     true,
	ScopePRsRead:          true,
	ScopeAchievementsRead: true,
	ScopeGoalsRead:        true,
}

// AllScopes returns the full catalog, sorted. The slice is freshly allocated.
func AllScopes() []ConsentScope {
	out := make([]ConsentScope, 0, len(validConsentScopes))
	for s := range validConsentScopes {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ParseConsentScope constructs a ConsentScope from external input.
// Errors: CodeInvalidInput when the value is empty or not in the catalog.
func ParseConsentScope(s string) (ConsentScope, error) {
	if s == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "scope cannot be empty")
	}
	sc := ConsentScope(s)
	if !sc.IsValid() {
		return "", dErrors.New(dErrors.CodeInvalidInput, "unknown scope: "+s)
	}
	return sc, nil
}

// ParseConsentScopes parses a list of scope strings, collapsing duplicates
// and rejecting unknown values. The result is sorted for stable serialization.
// Errors: CodeInvalidInput when the list is empty or any value is unknown.
func ParseConsentScopes(in []string) ([]ConsentScope, error) {
	seen := make(map[ConsentScope]bool, len(in))
	out := make([]ConsentScope, 0, len(in))
	for _, raw := range in {
		sc, err := ParseConsentScope(raw)
		if err != nil {
			return nil, err
		}
		if !seen[sc] {
			seen[sc] = true
			out = append(out, sc)
		}
	}
	if len(out) == 0 {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "scopes cannot be empty")
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// IsValid checks if the scope is one of the supported catalog values.
func (s ConsentScope) IsValid() bool {
	return validConsentScopes[s]
}

// String returns the string representation of the scope.
func (s ConsentScope) String() string {
	return string(s)
}

// ScopesEqual compares two scope lists as sets (order-independent,
// duplicates ignored).
func ScopesEqual(a, b []ConsentScope) bool {
	as := make(map[ConsentScope]bool, len(a))
	for _, s := range a {
		as[s] = true
	}
	bs := make(map[ConsentScope]bool, len(b))
	for _, s := range b {
		bs[s] = true
	}
	if len(as) != len(bs) {
		return false
	}
	for s := range as {
		if !bs[s] {
			return false
		}
	}
	return true
}

// ScopesContain reports whether the set contains the required scope.
func ScopesContain(set []ConsentScope, required ConsentScope) bool {
	for _, s := range set {
		if s == required {
			return true
		}
	}
	return false
}
