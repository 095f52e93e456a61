// Package authz answers the single question every trainer-facing data access
// must ask first: may this trainer see this category of this client's data,
// right now?
package authz

import (
	"context"
	"errors"

	"trainshare/internal/consent"
	"trainshare/internal/platform/metrics"
	"trainshare/pkg/domain"
	dErrors "trainshare/pkg/domain-errors"
	"trainshare/pkg/platform/sentinel"
)

// DenyReason distinguishes why access was refused. Consumers render
// different UI for "never granted" vs "was granted, now gone" vs "granted,
// but not this category".
type DenyReason string

const (
	DenyNoGrant      DenyReason = "no_grant"
	DenyRevoked      DenyReason = "revoked"
	DenyExpired      DenyReason = "expired"
	DenyScopeMissing DenyReason = "scope_missing"
)

// Decision is the guard's verdict. Deny is a normal value, not an error:
// "no access" is an expected, frequent outcome.
type Decision struct {
	Allowed bool
	Reason  DenyReason
	// Consent is the normalized record backing an Allow, nil on deny-no-grant.
	Consent *consent.Consent
}

func allow(c *consent.Consent) Decision {
	return Decision{Allowed: true, Consent: c}
}

func deny(reason DenyReason, c *consent.Consent) Decision {
	return Decision{Reason: reason, Consent: c}
}

// Guard evaluates trainer access against the consent store. Reads go through
// the store's lazy-expiry normalization, so a stale ACTIVE record can never
// produce an Allow.
type Guard struct {
	store   consent.Store
	metrics *metrics.Metrics
}

func New(store consent.Store, m *metrics.Metrics) *Guard {
	return &Guard{store: store, metrics: m}
}

// Authorize returns the decision for (trainer, client, requiredScope).
// The returned error is non-nil only for store failures; every "no" is a
// Decision, and ambiguity fails closed.
func (g *Guard) Authorize(ctx context.Context, trainerID domain.TrainerID, clientID domain.ClientID, required domain.ConsentScope) (Decision, error) {
	record, err := g.store.FindByPair(ctx, trainerID, clientID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return g.decided(deny(DenyNoGrant, nil)), nil
		}
		return Decision{}, dErrors.Wrap(err, dErrors.CodeInternal, "authorize lookup")
	}

	switch record.Status {
	case domain.StatusActive:
		// fall through to scope check
	case domain.StatusRevoked:
		return g.decided(deny(DenyRevoked, record)), nil
	case domain.StatusExpired:
		return g.decided(deny(DenyExpired, record)), nil
	default:
		// Unknown status cannot grant access.
		return g.decided(deny(DenyExpired, record)), nil
	}

	if !record.HasScope(required) {
		return g.decided(deny(DenyScopeMissing, record)), nil
	}
	return g.decided(allow(record)), nil
}

func (g *Guard) decided(d Decision) Decision {
	if d.Allowed {
		g.metrics.RecordDecision("allow")
	} else {
		g.metrics.RecordDecision(string(d.Reason))
	}
	return d
}
