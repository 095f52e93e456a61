package authz

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"trainshare/internal/consent"
	"trainshare/internal/consent/service"
	"trainshare/internal/consent/store"
	"trainshare/pkg/domain"
	"trainshare/pkg/requestcontext"
)

type GuardSuite struct {
	suite.Suite
	store *store.Memory
	svc   *service.Service
	guard *Guard
	now   time.Time

	clientID  domain.ClientID
	trainerID domain.TrainerID
}

func TestGuardSuite(t *testing.T) {
	suite.Run(t, new(GuardSuite))
}

func (s *GuardSuite) SetupTest() {
	s.store = store.NewMemory()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s.svc = service.New(s.store, logger)
	s.guard = New(s.store, nil)
	s.now = time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	s.clientID = domain.ClientID(domain.NewConsentID())
	s.trainerID = domain.TrainerID(domain.NewConsentID())
}

func (s *GuardSuite) ctx() context.Context {
	return requestcontext.WithTime(context.Background(), s.now)
}

func (s *GuardSuite) ctxAt(t time.Time) context.Context {
	return requestcontext.WithTime(context.Background(), t)
}

func (s *GuardSuite) owner() service.Actor {
	return service.Actor{ID: s.clientID.String(), Role: domain.RoleClient}
}

func (s *GuardSuite) grant(scopes []domain.ConsentScope, expiresAt *time.Time) *consent.Consent {
	record, err := s.svc.Create(s.ctx(), s.clientID, s.trainerID, scopes, expiresAt, s.owner())
	s.Require().NoError(err)
	return record
}

func (s *GuardSuite) TestNoGrant() {
	decision, err := s.guard.Authorize(s.ctx(), s.trainerID, s.clientID, domain.ScopeSessionsRead)
	s.Require().NoError(err)
	s.False(decision.Allowed)
	s.Equal(DenyNoGrant, decision.Reason)
	s.Nil(decision.Consent)
}

func (s *GuardSuite) TestAllow() {
	s.grant([]domain.ConsentScope{domain.ScopeSessionsRead, domain.ScopeProgressRead}, nil)

	decision, err := s.guard.Authorize(s.ctx(), s.trainerID, s.clientID, domain.ScopeProgressRead)
	s.Require().NoError(err)
	s.True(decision.Allowed)
	s.Require().NotNil(decision.Consent)
	s.Equal(domain.StatusActive, decision.Consent.Status)
}

func (s *GuardSuite) TestPartialScopes() {
	// Granting sessions and progress only: the held scopes pass, everything
	// else is refused with scope_missing, not a blanket deny.
	s.grant([]domain.ConsentScope{domain.ScopeSessionsRead, domain.ScopeProgressRead}, nil)

	allowed := map[domain.ConsentScope]bool{
		domain.ScopeSessionsRead: true,
		domain.ScopeProgressRead: true,
	}
	for _, scope := range domain.AllScopes() {
		decision, err := s.guard.Authorize(s.ctx(), s.trainerID, s.clientID, scope)
		s.Require().NoError(err)
		if allowed[scope] {
			s.True(decision.Allowed, "scope %s should be allowed", scope)
		} else {
			s.False(decision.Allowed, "scope %s should be denied", scope)
			s.Equal(DenyScopeMissing, decision.Reason)
		}
	}
}

func (s *GuardSuite) TestRevokedDenies() {
	record := s.grant([]domain.ConsentScope{domain.ScopeSessionsRead}, nil)
	_, err := s.svc.Revoke(s.ctx(), record.ID, s.owner())
	s.Require().NoError(err)

	decision, err := s.guard.Authorize(s.ctx(), s.trainerID, s.clientID, domain.ScopeSessionsRead)
	s.Require().NoError(err)
	s.False(decision.Allowed)
	s.Equal(DenyRevoked, decision.Reason)
}

func (s *GuardSuite) TestExpiredDenies() {
	expiry := s.now.Add(time.Hour)
	s.grant([]domain.ConsentScope{domain.ScopeSessionsRead}, &expiry)

	// First access past the deadline: the read normalizes the record and the
	// guard sees EXPIRED, never a stale Allow.
	decision, err := s.guard.Authorize(s.ctxAt(s.now.Add(2*time.Hour)), s.trainerID, s.clientID, domain.ScopeSessionsRead)
	s.Require().NoError(err)
	s.False(decision.Allowed)
	s.Equal(DenyExpired, decision.Reason)
}

func (s *GuardSuite) TestScopeMissingOutranksNothing() {
	s.grant([]domain.ConsentScope{domain.ScopeSessionsRead}, nil)

	decision, err := s.guard.Authorize(s.ctx(), s.trainerID, s.clientID, domain.ScopeSessionsComment)
	s.Require().NoError(err)
	s.False(decision.Allowed)
	s.Equal(DenyScopeMissing, decision.Reason)
	s.NotNil(decision.Consent, "a scope denial still carries the record for context")
}

func (s *GuardSuite) TestHiddenDoesNotAffectAuthorization() {
	record := s.grant([]domain.ConsentScope{domain.ScopeSessionsRead}, nil)
	_, err := s.svc.Hide(s.ctx(), record.ID, s.owner())
	s.Require().NoError(err)

	decision, err := s.guard.Authorize(s.ctx(), s.trainerID, s.clientID, domain.ScopeSessionsRead)
	s.Require().NoError(err)
	s.True(decision.Allowed)
}

func (s *GuardSuite) TestLatestRecordDecides() {
	record := s.grant([]domain.ConsentScope{domain.ScopeSessionsRead}, nil)
	_, err := s.svc.Revoke(s.ctx(), record.ID, s.owner())
	s.Require().NoError(err)

	// A new grant after revocation wins over the old terminal record.
	_, err = s.svc.Create(s.ctxAt(s.now.Add(time.Minute)), s.clientID, s.trainerID, []domain.ConsentScope{domain.ScopeGoalsRead}, nil, s.owner())
	s.Require().NoError(err)

	decision, err := s.guard.Authorize(s.ctxAt(s.now.Add(time.Minute)), s.trainerID, s.clientID, domain.ScopeGoalsRead)
	s.Require().NoError(err)
	s.True(decision.Allowed)
}
