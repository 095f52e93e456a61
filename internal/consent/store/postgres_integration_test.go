//go:build integration

package store_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"trainshare/internal/consent"
	"trainshare/internal/consent/store"
	"trainshare/pkg/domain"
	"trainshare/pkg/platform/sentinel"
	"trainshare/pkg/requestcontext"
	"trainshare/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *store.Postgres
	flips    atomic.Int64
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	s.postgres = containers.NewPostgresContainer(s.T())
	s.store = store.NewPostgres(s.postgres.DB, store.WithPostgresExpiryHook(func() { s.flips.Add(1) }))
	s.Require().NoError(s.store.Migrate(context.Background()))
}

func (s *PostgresStoreSuite) SetupTest() {
	s.flips.Store(0)
	s.Require().NoError(s.postgres.TruncateTables(context.Background(), "consents"))
}

func newTestConsent(expiresAt *time.Time) *consent.Consent {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &consent.Consent{
		ID:        domain.NewConsentID(),
		ClientID:  domain.ClientID(domain.NewConsentID()),
		TrainerID: domain.TrainerID(domain.NewConsentID()),
		Status:    domain.StatusActive,
		Scopes:    []domain.ConsentScope{domain.ScopeSessionsRead, domain.ScopeProgressRead},
		ExpiresAt: expiresAt,
		CreatedAt: now,
		UpdatedAt: now,
		Audit:     []consent.AuditEntry{},
	}
}

func (s *PostgresStoreSuite) TestCreateAndGet() {
	ctx := context.Background()
	c := newTestConsent(nil)
	s.Require().NoError(s.store.Create(ctx, c))

	got, err := s.store.Get(ctx, c.ID)
	s.Require().NoError(err)
	s.Equal(c.ID, got.ID)
	s.Equal(domain.StatusActive, got.Status)
	s.ElementsMatch(c.Scopes, got.Scopes)
}

func (s *PostgresStoreSuite) TestGetNotFound() {
	_, err := s.store.Get(context.Background(), domain.NewConsentID())
	s.Require().ErrorIs(err, sentinel.ErrNotFound)
}

func (s *PostgresStoreSuite) TestConcurrentCreateSamePair() {
	ctx := context.Background()
	first := newTestConsent(nil)
	const goroutines = 20

	var wg sync.WaitGroup
	var successCount, conflictCount atomic.Int32
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			c := newTestConsent(nil)
			c.ClientID = first.ClientID
			c.TrainerID = first.TrainerID
			err := s.store.Create(ctx, c)
			if err == nil {
				successCount.Add(1)
			} else if errors.Is(err, sentinel.ErrConflict) {
				conflictCount.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(1), successCount.Load(), "exactly one create should win the pair")
	s.Equal(int32(goroutines-1), conflictCount.Load())
}

func (s *PostgresStoreSuite) TestLazyExpiryFlipPersists() {
	expiry := time.Now().UTC().Add(-time.Minute)
	c := newTestConsent(&expiry)
	// Insert a stale ACTIVE row directly; Create-time validation belongs to
	// the service, not the store.
	s.Require().NoError(s.store.Create(context.Background(), c))

	readAt := time.Now().UTC().Truncate(time.Microsecond)
	ctx := requestcontext.WithTime(context.Background(), readAt)

	got, err := s.store.Get(ctx, c.ID)
	s.Require().NoError(err)
	s.Equal(domain.StatusExpired, got.Status)
	s.Equal(int64(1), s.flips.Load())

	again, err := s.store.Get(context.Background(), c.ID)
	s.Require().NoError(err)
	s.Equal(domain.StatusExpired, again.Status)
	s.True(again.UpdatedAt.Equal(got.UpdatedAt), "second read must not re-flip")
	s.Equal(int64(1), s.flips.Load())
}

func (s *PostgresStoreSuite) TestExpiredActiveDoesNotBlockNewGrant() {
	ctx := context.Background()
	expiry := time.Now().UTC().Add(-time.Minute)
	stale := newTestConsent(&expiry)
	s.Require().NoError(s.store.Create(ctx, stale))

	replacement := newTestConsent(nil)
	replacement.ClientID = stale.ClientID
	replacement.TrainerID = stale.TrainerID
	s.Require().NoError(s.store.Create(ctx, replacement))
}

func (s *PostgresStoreSuite) TestUpdateRoundTripsAudit() {
	ctx := context.Background()
	c := newTestConsent(nil)
	s.Require().NoError(s.store.Create(ctx, c))

	c.Scopes = []domain.ConsentScope{domain.ScopeGoalsRead}
	c.Audit = append(c.Audit, consent.AuditEntry{
		ID:           domain.NewAuditEntryID(),
		ActorID:      c.ClientID.String(),
		ActorRole:    domain.RoleClient,
		BeforeScopes: []domain.ConsentScope{domain.ScopeSessionsRead, domain.ScopeProgressRead},
		AfterScopes:  []domain.ConsentScope{domain.ScopeGoalsRead},
		Note:         consent.AuditScopesChanged,
		CreatedAt:    time.Now().UTC().Truncate(time.Microsecond),
	})
	s.Require().NoError(s.store.Update(ctx, c))

	got, err := s.store.Get(ctx, c.ID)
	s.Require().NoError(err)
	s.Equal([]domain.ConsentScope{domain.ScopeGoalsRead}, got.Scopes)
	s.Require().Len(got.Audit, 1)
	s.Equal(consent.AuditScopesChanged, got.Audit[0].Note)
	s.Equal([]domain.ConsentScope{domain.ScopeGoalsRead}, got.Audit[0].AfterScopes)
}

func (s *PostgresStoreSuite) TestFindByPairPrefersMostRecent() {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	old := newTestConsent(nil)
	old.Status = domain.StatusRevoked
	old.RevokedAt = &now
	s.Require().NoError(s.store.Create(ctx, old))

	fresh := newTestConsent(nil)
	fresh.ClientID = old.ClientID
	fresh.TrainerID = old.TrainerID
	fresh.CreatedAt = now.Add(time.Second)
	fresh.UpdatedAt = fresh.CreatedAt
	s.Require().NoError(s.store.Create(ctx, fresh))

	got, err := s.store.FindByPair(ctx, old.TrainerID, old.ClientID)
	s.Require().NoError(err)
	s.Equal(fresh.ID, got.ID)
}

func (s *PostgresStoreSuite) TestListActiveForTrainer() {
	ctx := context.Background()
	trainerID := domain.TrainerID(domain.NewConsentID())

	live := newTestConsent(nil)
	live.TrainerID = trainerID
	s.Require().NoError(s.store.Create(ctx, live))

	now := time.Now().UTC().Truncate(time.Microsecond)
	revoked := newTestConsent(nil)
	revoked.TrainerID = trainerID
	revoked.Status = domain.StatusRevoked
	revoked.RevokedAt = &now
	s.Require().NoError(s.store.Create(ctx, revoked))

	list, err := s.store.ListActiveForTrainer(ctx, trainerID)
	s.Require().NoError(err)
	s.Require().Len(list, 1)
	s.Equal(live.ID, list[0].ID)
}
