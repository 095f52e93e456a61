// Package service owns every consent state transition and its validation and
// audit side effects. Handlers stay thin; stores stay dumb.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"trainshare/internal/consent"
	"trainshare/internal/platform/metrics"
	"trainshare/pkg/domain"
	dErrors "trainshare/pkg/domain-errors"
	"trainshare/pkg/platform/audit"
	"trainshare/pkg/platform/sentinel"
	"trainshare/pkg/requestcontext"
)

// Actor identifies who is performing a lifecycle operation. Identity is
// supplied by the caller (validated JWT); this service trusts it and performs
// no authentication of its own.
type Actor struct {
	ID   string
	Role domain.Role
}

// OpsAudit receives operational audit events. Distinct from the per-consent
// audit trail stored on the record.
type OpsAudit interface {
	Emit(ctx context.Context, event audit.Event)
}

// SummaryInvalidator drops any cached trainer summary for a pair after a
// mutation so the revalidation protocol observes changes promptly.
type SummaryInvalidator interface {
	Invalidate(ctx context.Context, trainerID domain.TrainerID, clientID domain.ClientID)
}

// DefaultRenewDays is applied when a renew request does not specify a
// duration.
const DefaultRenewDays = 30

// MaxRenewDays bounds caller-specified renewal durations.
const MaxRenewDays = 365

// UpdateParams carries the optional fields of an update. Has* flags
// distinguish "absent" from "present but empty/nil" so PATCH semantics stay
// exact.
type UpdateParams struct {
	Scopes    []domain.ConsentScope
	HasScopes bool

	ExpiresAt    *time.Time
	HasExpiresAt bool
}

// Service implements the consent lifecycle state machine.
type Service struct {
	store      consent.Store
	tx         *shardedTx
	logger     *slog.Logger
	metrics    *metrics.Metrics
	ops        OpsAudit
	invalidate SummaryInvalidator
	tracer     trace.Tracer
}

// Option customizes a Service.
type Option func(*Service)

// WithMetrics wires operation counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithOpsAudit wires the operational audit stream.
func WithOpsAudit(ops OpsAudit) Option {
	return func(s *Service) { s.ops = ops }
}

// WithSummaryInvalidator wires summary-cache invalidation.
func WithSummaryInvalidator(inv SummaryInvalidator) Option {
	return func(s *Service) { s.invalidate = inv }
}

func New(store consent.Store, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:  store,
		tx:     newShardedTx(),
		logger: logger,
		tracer: otel.Tracer("trainshare/consent"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create grants a new consent from client to trainer.
//
// Errors: CodeInvalidInput for empty/unknown scopes or an expiry in the past;
// CodeConflict when the pair already has an ACTIVE consent.
func (s *Service) Create(ctx context.Context, clientID domain.ClientID, trainerID domain.TrainerID, scopes []domain.ConsentScope, expiresAt *time.Time, actor Actor) (*consent.Consent, error) {
	ctx, span := s.tracer.Start(ctx, "consent.create")
	defer span.End()

	now := requestcontext.Now(ctx)
	if err := validateScopes(scopes); err != nil {
		s.record("create", "validation")
		return nil, err
	}
	if expiresAt != nil && !expiresAt.After(now) {
		s.record("create", "validation")
		return nil, dErrors.New(dErrors.CodeInvalidInput, "expires_at must be in the future")
	}

	record := &consent.Consent{
		ID:        domain.NewConsentID(),
		ClientID:  clientID,
		TrainerID: trainerID,
		Status:    domain.StatusActive,
		Scopes:    append([]domain.ConsentScope(nil), scopes...),
		ExpiresAt: copyTime(expiresAt),
		CreatedAt: now,
		UpdatedAt: now,
		Audit:     []consent.AuditEntry{},
	}

	// Create serializes on the pair so check-then-insert cannot race; the
	// store re-checks the invariant under its own lock as well.
	err := s.tx.Run(ctx, pairKey(trainerID, clientID), func(ctx context.Context) error {
		return s.store.Create(ctx, record)
	})
	if err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			s.record("create", "conflict")
			return nil, dErrors.New(dErrors.CodeConflict, "an active consent already exists for this trainer")
		}
		s.record("create", "error")
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "create consent")
	}

	s.record("create", "ok")
	s.afterMutation(ctx, record, actor, audit.ActionConsentCreated, "")
	return record.Clone(), nil
}

// Update edits an ACTIVE consent's scopes and/or expiry.
//
// Scope changes are audited on the record; a scope set identical to the
// current one (order-independent) appends nothing. Pure expiry edits are not
// audited here; renewals go through Renew, which always is.
func (s *Service) Update(ctx context.Context, id domain.ConsentID, params UpdateParams, actor Actor) (*consent.Consent, error) {
	ctx, span := s.tracer.Start(ctx, "consent.update")
	defer span.End()

	if params.HasScopes {
		if err := validateScopes(params.Scopes); err != nil {
			s.record("update", "validation")
			return nil, err
		}
	}

	var updated *consent.Consent
	err := s.mutateActive(ctx, "update", id, actor, func(record *consent.Consent, now time.Time) error {
		changed := false

		if params.HasScopes && !domain.ScopesEqual(record.Scopes, params.Scopes) {
			record.Audit = append(record.Audit, consent.AuditEntry{
				ID:           domain.NewAuditEntryID(),
				ActorID:      actor.ID,
				ActorRole:    actor.Role,
				BeforeScopes: append([]domain.ConsentScope(nil), record.Scopes...),
				AfterScopes:  append([]domain.ConsentScope(nil), params.Scopes...),
				Note:         consent.AuditScopesChanged,
				CreatedAt:    now,
			})
			record.Scopes = append([]domain.ConsentScope(nil), params.Scopes...)
			changed = true
		}

		if params.HasExpiresAt {
			if params.ExpiresAt != nil && !params.ExpiresAt.After(now) {
				return dErrors.New(dErrors.CodeInvalidInput, "expires_at must be in the future")
			}
			record.ExpiresAt = copyTime(params.ExpiresAt)
			changed = true
		}

		if changed {
			record.UpdatedAt = now
		}
		updated = record
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.afterMutation(ctx, updated, actor, audit.ActionConsentUpdated, "")
	return updated.Clone(), nil
}

// Revoke terminates an ACTIVE consent. Terminal: no operation un-revokes.
func (s *Service) Revoke(ctx context.Context, id domain.ConsentID, actor Actor) (*consent.Consent, error) {
	ctx, span := s.tracer.Start(ctx, "consent.revoke")
	defer span.End()

	var revoked *consent.Consent
	err := s.mutateActive(ctx, "revoke", id, actor, func(record *consent.Consent, now time.Time) error {
		record.Status = domain.StatusRevoked
		record.RevokedAt = &now
		record.UpdatedAt = now
		// Unchanged scopes: the entry timestamps the trust-ending event in
		// the same stream, it is not a scope edit.
		record.Audit = append(record.Audit, consent.AuditEntry{
			ID:           domain.NewAuditEntryID(),
			ActorID:      actor.ID,
			ActorRole:    actor.Role,
			BeforeScopes: append([]domain.ConsentScope(nil), record.Scopes...),
			AfterScopes:  append([]domain.ConsentScope(nil), record.Scopes...),
			Note:         consent.AuditRevoked,
			CreatedAt:    now,
		})
		revoked = record
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.afterMutation(ctx, revoked, actor, audit.ActionConsentRevoked, "")
	return revoked.Clone(), nil
}

// Renew extends an ACTIVE consent's expiry by extensionDays (default 30).
// New expiry = max(current, now) + extensionDays. An unbounded consent
// (nil expiry) stays unbounded: renew must not silently impose a bound, so
// it is a no-op success, still audited to keep the temporal trail.
func (s *Service) Renew(ctx context.Context, id domain.ConsentID, extensionDays int, actor Actor) (*consent.Consent, error) {
	ctx, span := s.tracer.Start(ctx, "consent.renew")
	defer span.End()

	if extensionDays == 0 {
		extensionDays = DefaultRenewDays
	}
	if extensionDays < 1 || extensionDays > MaxRenewDays {
		s.record("renew", "validation")
		return nil, dErrors.Newf(dErrors.CodeInvalidInput, "extension_days must be between 1 and %d", MaxRenewDays)
	}

	var renewed *consent.Consent
	err := s.mutateActive(ctx, "renew", id, actor, func(record *consent.Consent, now time.Time) error {
		if record.ExpiresAt != nil {
			base := *record.ExpiresAt
			if now.After(base) {
				base = now
			}
			next := base.AddDate(0, 0, extensionDays)
			record.ExpiresAt = &next
		}
		record.UpdatedAt = now
		record.Audit = append(record.Audit, consent.AuditEntry{
			ID:           domain.NewAuditEntryID(),
			ActorID:      actor.ID,
			ActorRole:    actor.Role,
			BeforeScopes: append([]domain.ConsentScope(nil), record.Scopes...),
			AfterScopes:  append([]domain.ConsentScope(nil), record.Scopes...),
			Note:         consent.AuditRenewed,
			CreatedAt:    now,
		})
		renewed = record
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.afterMutation(ctx, renewed, actor, audit.ActionConsentRenewed, "")
	return renewed.Clone(), nil
}

// Hide marks a consent invisible in the client's own history view. Purely a
// visibility flag: it never affects authorization and is never audited.
// Idempotent, and valid for any status.
func (s *Service) Hide(ctx context.Context, id domain.ConsentID, actor Actor) (*consent.Consent, error) {
	return s.setHidden(ctx, id, actor, true, audit.ActionConsentHidden)
}

// Restore undoes Hide. Same rules.
func (s *Service) Restore(ctx context.Context, id domain.ConsentID, actor Actor) (*consent.Consent, error) {
	return s.setHidden(ctx, id, actor, false, audit.ActionConsentRestored)
}

// Get returns a single consent, normalized.
func (s *Service) Get(ctx context.Context, id domain.ConsentID) (*consent.Consent, error) {
	record, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, translateStoreErr(err, "consent")
	}
	return record, nil
}

// ListForClient returns all of a client's consents, normalized, any status.
// The includeHidden flag separates the client's full history view from the
// default view.
func (s *Service) ListForClient(ctx context.Context, clientID domain.ClientID, includeHidden bool) ([]*consent.Consent, error) {
	records, err := s.store.ListForClient(ctx, clientID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "list consents")
	}
	if includeHidden {
		return records, nil
	}
	visible := make([]*consent.Consent, 0, len(records))
	for _, r := range records {
		if !r.HiddenByClient {
			visible = append(visible, r)
		}
	}
	return visible, nil
}

// ListActiveForTrainer returns the trainer's roster of active grants.
func (s *Service) ListActiveForTrainer(ctx context.Context, trainerID domain.TrainerID) ([]*consent.Consent, error) {
	records, err := s.store.ListActiveForTrainer(ctx, trainerID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "list trainer consents")
	}
	return records, nil
}

// GetActive returns the pair's active consent or CodeNotFound.
func (s *Service) GetActive(ctx context.Context, trainerID domain.TrainerID, clientID domain.ClientID) (*consent.Consent, error) {
	record, err := s.store.GetActive(ctx, trainerID, clientID)
	if err != nil {
		return nil, translateStoreErr(err, "active consent")
	}
	return record, nil
}

func (s *Service) setHidden(ctx context.Context, id domain.ConsentID, actor Actor, hidden bool, action string) (*consent.Consent, error) {
	ctx, span := s.tracer.Start(ctx, "consent.set_hidden")
	defer span.End()

	op := "hide"
	if !hidden {
		op = "restore"
	}

	var updated *consent.Consent
	err := s.tx.Run(ctx, id.String(), func(ctx context.Context) error {
		record, err := s.store.Get(ctx, id)
		if err != nil {
			return translateStoreErr(err, "consent")
		}
		if err := requireOwnership(record, actor); err != nil {
			return err
		}
		if record.HiddenByClient != hidden {
			record.HiddenByClient = hidden
			record.UpdatedAt = requestcontext.Now(ctx)
			if err := s.store.Update(ctx, record); err != nil {
				return translateStoreErr(err, "consent")
			}
		}
		updated = record
		return nil
	})
	if err != nil {
		s.record(op, outcomeOf(err))
		return nil, err
	}

	s.record(op, "ok")
	// Visibility toggles are not trust-relevant: no record audit entry, but
	// the ops stream still sees them.
	if s.ops != nil {
		s.ops.Emit(ctx, s.event(updated, actor, action, ""))
	}
	return updated.Clone(), nil
}

// mutateActive runs fn against an ACTIVE record under the per-id lock and
// persists the result. The ACTIVE precondition is re-checked inside the lock:
// the loser of a concurrent revoke/update race observes the terminal state
// and gets CodeConflict.
func (s *Service) mutateActive(ctx context.Context, op string, id domain.ConsentID, actor Actor, fn func(record *consent.Consent, now time.Time) error) error {
	err := s.tx.Run(ctx, id.String(), func(ctx context.Context) error {
		record, err := s.store.Get(ctx, id)
		if err != nil {
			return translateStoreErr(err, "consent")
		}
		if err := requireOwnership(record, actor); err != nil {
			return err
		}
		if record.Status != domain.StatusActive {
			return dErrors.Newf(dErrors.CodeConflict, "consent is %s; create a new consent to re-grant", record.Status)
		}
		if err := fn(record, requestcontext.Now(ctx)); err != nil {
			return err
		}
		if err := s.store.Update(ctx, record); err != nil {
			return translateStoreErr(err, "consent")
		}
		return nil
	})
	s.record(op, outcomeOf(err))
	return err
}

// requireOwnership stops a client from mutating another client's consent.
// Trainer actors never reach the lifecycle endpoints (role middleware), but
// the check is repeated here so the service is safe on its own.
func requireOwnership(record *consent.Consent, actor Actor) error {
	if actor.Role != domain.RoleClient {
		return dErrors.New(dErrors.CodeForbidden, "only the client may manage this consent")
	}
	if actor.ID != record.ClientID.String() {
		return dErrors.New(dErrors.CodeForbidden, "consent belongs to a different client")
	}
	return nil
}

func (s *Service) afterMutation(ctx context.Context, record *consent.Consent, actor Actor, action, detail string) {
	if s.ops != nil {
		s.ops.Emit(ctx, s.event(record, actor, action, detail))
	}
	if s.invalidate != nil {
		s.invalidate.Invalidate(ctx, record.TrainerID, record.ClientID)
	}
	s.logger.InfoContext(ctx, "consent mutated",
		"action", action,
		"consent_id", record.ID.String(),
		"status", record.Status.String(),
		"request_id", requestcontext.RequestID(ctx),
	)
}

func (s *Service) event(record *consent.Consent, actor Actor, action, detail string) audit.Event {
	return audit.Event{
		Action:    action,
		ActorID:   actor.ID,
		ActorRole: actor.Role.String(),
		ConsentID: record.ID.String(),
		TrainerID: record.TrainerID.String(),
		ClientID:  record.ClientID.String(),
		Detail:    detail,
	}
}

func (s *Service) record(op, outcome string) {
	s.metrics.RecordOp(op, outcome)
}

func validateScopes(scopes []domain.ConsentScope) error {
	if len(scopes) == 0 {
		return dErrors.New(dErrors.CodeInvalidInput, "scopes cannot be empty")
	}
	for _, sc := range scopes {
		if !sc.IsValid() {
			return dErrors.New(dErrors.CodeInvalidInput, "unknown scope: "+sc.String())
		}
	}
	return nil
}

func translateStoreErr(err error, what string) error {
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, what+" not found")
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.New(dErrors.CodeConflict, what+" conflict")
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, "store failure")
	}
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case dErrors.HasCode(err, dErrors.CodeInvalidInput):
		return "validation"
	case dErrors.HasCode(err, dErrors.CodeConflict):
		return "conflict"
	case dErrors.HasCode(err, dErrors.CodeNotFound):
		return "not_found"
	case dErrors.HasCode(err, dErrors.CodeForbidden):
		return "forbidden"
	default:
		return "error"
	}
}

func pairKey(trainerID domain.TrainerID, clientID domain.ClientID) string {
	return "pair:" + trainerID.String() + ":" + clientID.String()
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	out := *t
	return &out
}
