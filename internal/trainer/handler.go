// Package trainer exposes the trainer-facing surface: the client roster, the
// client summary the revalidation protocol polls, and the scope-gated
// resource modules.
//
// The underlying training data (sessions, routines, ...) is owned by other
// services; this package only decides visibility. A denied module degrades to
// a "blocked" placeholder instead of failing the whole view; partial-scope
// access is a supported configuration, not an edge case.
package trainer

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"trainshare/internal/authz"
	"trainshare/internal/consent"
	"trainshare/internal/consent/cache"
	"trainshare/pkg/domain"
	dErrors "trainshare/pkg/domain-errors"
	"trainshare/pkg/platform/httputil"
	"trainshare/pkg/requestcontext"
)

// moduleScopes maps each resource module to the scope that gates it.
var moduleScopes = map[string]domain.ConsentScope{
	"sessions":     domain.ScopeSessionsRead,
	"routines":     domain.ScopeRoutinesRead,
	"progress":     domain.ScopeProgressRead,
	"prs":          domain.ScopePRsRead,
	"achievements": domain.ScopeAchievementsRead,
	"goals":        domain.ScopeGoalsRead,
}

// Authorizer is the guard dependency.
type Authorizer interface {
	Authorize(ctx context.Context, trainerID domain.TrainerID, clientID domain.ClientID, required domain.ConsentScope) (authz.Decision, error)
}

// ConsentReader is the slice of the lifecycle service the trainer surface
// needs.
type ConsentReader interface {
	ListActiveForTrainer(ctx context.Context, trainerID domain.TrainerID) ([]*consent.Consent, error)
	GetActive(ctx context.Context, trainerID domain.TrainerID, clientID domain.ClientID) (*consent.Consent, error)
}

// ModuleFetcher supplies the actual resource payload once access is allowed.
// The real data services live outside this system; the default fetcher
// returns an empty payload.
type ModuleFetcher func(ctx context.Context, clientID domain.ClientID, module string) (any, error)

// ConsentSnapshot is the consent view embedded in a client summary; exactly
// what the revalidation protocol needs to re-derive authorization.
type ConsentSnapshot struct {
	Status    domain.ConsentStatus  `json:"status"`
	Scopes    []domain.ConsentScope `json:"scopes"`
	ExpiresAt *time.Time            `json:"expires_at"`
}

// ClientSummary is the response of the summary endpoint.
type ClientSummary struct {
	Client  ClientRef       `json:"client"`
	Consent ConsentSnapshot `json:"consent"`
}

// ClientRef identifies the client; profile data lives outside this system.
type ClientRef struct {
	ID string `json:"id"`
}

type rosterEntry struct {
	ClientID  string                `json:"client_id"`
	ConsentID string                `json:"consent_id"`
	Scopes    []domain.ConsentScope `json:"scopes"`
	ExpiresAt *time.Time            `json:"expires_at"`
	Since     time.Time             `json:"since"`
}

// Handler handles trainer-facing endpoints.
type Handler struct {
	logger  *slog.Logger
	guard   Authorizer
	consent ConsentReader
	cache   *cache.SummaryCache
	fetch   ModuleFetcher
}

// Option customizes a Handler.
type Option func(*Handler)

// WithSummaryCache enables redis read-through caching of summaries.
func WithSummaryCache(c *cache.SummaryCache) Option {
	return func(h *Handler) { h.cache = c }
}

// WithModuleFetcher replaces the empty default payload source.
func WithModuleFetcher(fn ModuleFetcher) Option {
	return func(h *Handler) { h.fetch = fn }
}

func New(guard Authorizer, consentSvc ConsentReader, logger *slog.Logger, opts ...Option) *Handler {
	h := &Handler{
		logger:  logger,
		guard:   guard,
		consent: consentSvc,
		fetch: func(context.Context, domain.ClientID, string) (any, error) {
			return map[string]any{}, nil
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts the trainer routes. Callers wrap the router with auth and
// trainer-role middleware.
func (h *Handler) Register(r chi.Router) {
	r.Get("/trainer/clients", h.handleRoster)
	r.Get("/trainer/clients/{clientID}/summary", h.handleSummary)
	r.Get("/trainer/clients/{clientID}/modules/{module}", h.handleModule)
	r.Post("/trainer/clients/{clientID}/sessions/comments", h.handleComment)
}

func (h *Handler) handleRoster(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	trainerID, ok := h.trainerActor(w, ctx)
	if !ok {
		return
	}

	records, err := h.consent.ListActiveForTrainer(ctx, trainerID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	roster := make([]rosterEntry, 0, len(records))
	for _, c := range records {
		roster = append(roster, rosterEntry{
			ClientID:  c.ClientID.String(),
			ConsentID: c.ID.String(),
			Scopes:    c.Scopes,
			ExpiresAt: c.ExpiresAt,
			Since:     c.CreatedAt,
		})
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"clients": roster})
}

// handleSummary serves both the initial render and every revalidation poll.
// No ACTIVE consent means 404 no_active_consent, which the polling client
// interprets as "locked".
func (h *Handler) handleSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	trainerID, ok := h.trainerActor(w, ctx)
	if !ok {
		return
	}
	clientID, ok := h.clientParam(w, r)
	if !ok {
		return
	}

	if payload, hit := h.cache.Get(ctx, trainerID, clientID); hit {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(payload)
		return
	}

	record, err := h.consent.GetActive(ctx, trainerID, clientID)
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeNotFound) {
			httputil.WriteError(w, dErrors.New(dErrors.CodeNotFound, "no_active_consent"))
			return
		}
		httputil.WriteError(w, err)
		return
	}

	summary := ClientSummary{
		Client: ClientRef{ID: clientID.String()},
		Consent: ConsentSnapshot{
			Status:    record.Status,
			Scopes:    record.Scopes,
			ExpiresAt: record.ExpiresAt,
		},
	}
	payload, err := json.Marshal(summary)
	if err != nil {
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeInternal, "encode summary"))
		return
	}
	h.cache.Set(ctx, trainerID, clientID, payload)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

// handleModule returns the module payload when the consent grants its scope,
// or a blocked placeholder otherwise. Both are HTTP 200: a deny is a normal
// rendering state for the view, not an application error.
func (h *Handler) handleModule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	trainerID, ok := h.trainerActor(w, ctx)
	if !ok {
		return
	}
	clientID, ok := h.clientParam(w, r)
	if !ok {
		return
	}

	module := chi.URLParam(r, "module")
	scope, known := moduleScopes[module]
	if !known {
		httputil.WriteError(w, dErrors.New(dErrors.CodeNotFound, "unknown module: "+module))
		return
	}

	decision, err := h.guard.Authorize(ctx, trainerID, clientID, scope)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if !decision.Allowed {
		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"module":  module,
			"blocked": true,
			"reason":  string(decision.Reason),
		})
		return
	}

	data, err := h.fetch(ctx, clientID, module)
	if err != nil {
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeInternal, "fetch module data"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"module": module,
		"data":   data,
	})
}

// handleComment is the one write-scope module: commenting on a session
// requires sessions:comment. Unlike reads, a deny here is 403: the caller
// attempted a mutation it was never offered.
func (h *Handler) handleComment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	trainerID, ok := h.trainerActor(w, ctx)
	if !ok {
		return
	}
	clientID, ok := h.clientParam(w, r)
	if !ok {
		return
	}

	decision, err := h.guard.Authorize(ctx, trainerID, clientID, domain.ScopeSessionsComment)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if !decision.Allowed {
		httputil.WriteError(w, dErrors.New(dErrors.CodeForbidden, string(decision.Reason)))
		return
	}

	var req struct {
		SessionID string `json:"session_id"`
		Text      string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "comment text is required"))
		return
	}

	// Comment persistence is owned by the sessions service; this endpoint
	// only proves the write path is gated.
	httputil.WriteJSON(w, http.StatusAccepted, map[string]any{
		"session_id": req.SessionID,
		"text":       req.Text,
		"author_id":  trainerID.String(),
	})
}

func (h *Handler) trainerActor(w http.ResponseWriter, ctx context.Context) (domain.TrainerID, bool) {
	actorID := requestcontext.ActorID(ctx)
	if actorID == "" || requestcontext.ActorRole(ctx) != domain.RoleTrainer {
		h.logger.ErrorContext(ctx, "trainer actor missing from context despite auth middleware",
			"request_id", requestcontext.RequestID(ctx),
		)
		httputil.WriteError(w, dErrors.New(dErrors.CodeInternal, "authentication context error"))
		return domain.TrainerID{}, false
	}
	trainerID, err := domain.ParseTrainerID(actorID)
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "invalid subject claim"))
		return domain.TrainerID{}, false
	}
	return trainerID, true
}

func (h *Handler) clientParam(w http.ResponseWriter, r *http.Request) (domain.ClientID, bool) {
	clientID, err := domain.ParseClientID(chi.URLParam(r, "clientID"))
	if err != nil {
		httputil.WriteError(w, err)
		return domain.ClientID{}, false
	}
	return clientID, true
}
