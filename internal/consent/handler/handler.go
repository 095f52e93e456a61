// Package handler exposes the client-facing consent management endpoints:
// one route per lifecycle operation, returning the updated record as JSON.
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"trainshare/internal/consent"
	"trainshare/internal/consent/service"
	"trainshare/pkg/domain"
	dErrors "trainshare/pkg/domain-errors"
	"trainshare/pkg/platform/httputil"
	"trainshare/pkg/requestcontext"
)

// Service defines the lifecycle operations the handler depends on.
type Service interface {
	Create(ctx context.Context, clientID domain.ClientID, trainerID domain.TrainerID, scopes []domain.ConsentScope, expiresAt *time.Time, actor service.Actor) (*consent.Consent, error)
	Update(ctx context.Context, id domain.ConsentID, params service.UpdateParams, actor service.Actor) (*consent.Consent, error)
	Revoke(ctx context.Context, id domain.ConsentID, actor service.Actor) (*consent.Consent, error)
	Renew(ctx context.Context, id domain.ConsentID, extensionDays int, actor service.Actor) (*consent.Consent, error)
	Hide(ctx context.Context, id domain.ConsentID, actor service.Actor) (*consent.Consent, error)
	Restore(ctx context.Context, id domain.ConsentID, actor service.Actor) (*consent.Consent, error)
	ListForClient(ctx context.Context, clientID domain.ClientID, includeHidden bool) ([]*consent.Consent, error)
}

// Handler handles consent management endpoints.
type Handler struct {
	logger  *slog.Logger
	consent Service
}

// New creates a consent Handler.
func New(consentSvc Service, logger *slog.Logger) *Handler {
	return &Handler{logger: logger, consent: consentSvc}
}

// Register mounts the consent routes. Callers wrap the router with the auth
// and client-role middleware; every handler below assumes a validated client
// actor in context.
func (h *Handler) Register(r chi.Router) {
	r.Post("/consents", h.handleCreate)
	r.Get("/consents", h.handleList)
	r.Patch("/consents/{id}", h.handleUpdate)
	r.Post("/consents/{id}/revoke", h.handleRevoke)
	r.Post("/consents/{id}/renew", h.handleRenew)
	r.Post("/consents/{id}/hide", h.handleHide)
	r.Post("/consents/{id}/restore", h.handleRestore)
}

type createRequest struct {
	TrainerID string     `json:"trainer_id"`
	Scopes    []string   `json:"scopes"`
	ExpiresAt *time.Time `json:"expires_at"`
}

type renewRequest struct {
	ExtensionDays int `json:"extension_days"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	clientID, actor, ok := h.clientActor(w, ctx)
	if !ok {
		return
	}

	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.warn(ctx, "invalid create consent request", err)
		httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid request body"))
		return
	}

	trainerID, err := domain.ParseTrainerID(req.TrainerID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	scopes, err := domain.ParseConsentScopes(req.Scopes)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	record, err := h.consent.Create(ctx, clientID, trainerID, scopes, req.ExpiresAt, actor)
	if err != nil {
		h.writeServiceError(w, ctx, "create consent", err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, record)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	clientID, _, ok := h.clientActor(w, ctx)
	if !ok {
		return
	}

	includeHidden := r.URL.Query().Get("include_hidden") == "true"
	records, err := h.consent.ListForClient(ctx, clientID, includeHidden)
	if err != nil {
		h.writeServiceError(w, ctx, "list consents", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"consents": records})
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	_, actor, ok := h.clientActor(w, ctx)
	if !ok {
		return
	}
	id, ok := h.consentID(w, r)
	if !ok {
		return
	}

	// Decode twice: once into typed fields, once into a key set so "field
	// absent" and "field null" stay distinguishable for PATCH semantics.
	var raw map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		h.warn(ctx, "invalid update consent request", err)
		httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid request body"))
		return
	}

	var params service.UpdateParams
	if rawScopes, present := raw["scopes"]; present {
		var scopeStrings []string
		if err := json.Unmarshal(rawScopes, &scopeStrings); err != nil {
			httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "scopes must be a list of strings"))
			return
		}
		scopes, err := domain.ParseConsentScopes(scopeStrings)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		params.Scopes = scopes
		params.HasScopes = true
	}
	if rawExpiry, present := raw["expires_at"]; present {
		var expiresAt *time.Time
		if err := json.Unmarshal(rawExpiry, &expiresAt); err != nil {
			httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "expires_at must be a timestamp or null"))
			return
		}
		params.ExpiresAt = expiresAt
		params.HasExpiresAt = true
	}

	record, err := h.consent.Update(ctx, id, params, actor)
	if err != nil {
		h.writeServiceError(w, ctx, "update consent", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, record)
}

func (h *Handler) handleRevoke(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, "revoke consent", func(ctx context.Context, id domain.ConsentID, actor service.Actor) (*consent.Consent, error) {
		return h.consent.Revoke(ctx, id, actor)
	})
}

func (h *Handler) handleRenew(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	_, actor, ok := h.clientActor(w, ctx)
	if !ok {
		return
	}
	id, ok := h.consentID(w, r)
	if !ok {
		return
	}

	var req renewRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.warn(ctx, "invalid renew consent request", err)
			httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid request body"))
			return
		}
	}

	record, err := h.consent.Renew(ctx, id, req.ExtensionDays, actor)
	if err != nil {
		h.writeServiceError(w, ctx, "renew consent", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, record)
}

func (h *Handler) handleHide(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, "hide consent", func(ctx context.Context, id domain.ConsentID, actor service.Actor) (*consent.Consent, error) {
		return h.consent.Hide(ctx, id, actor)
	})
}

func (h *Handler) handleRestore(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, "restore consent", func(ctx context.Context, id domain.ConsentID, actor service.Actor) (*consent.Consent, error) {
		return h.consent.Restore(ctx, id, actor)
	})
}

func (h *Handler) mutate(w http.ResponseWriter, r *http.Request, what string, fn func(ctx context.Context, id domain.ConsentID, actor service.Actor) (*consent.Consent, error)) {
	ctx := r.Context()

	_, actor, ok := h.clientActor(w, ctx)
	if !ok {
		return
	}
	id, ok := h.consentID(w, r)
	if !ok {
		return
	}

	record, err := fn(ctx, id, actor)
	if err != nil {
		h.writeServiceError(w, ctx, what, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, record)
}

// clientActor extracts the authenticated client from context. The auth
// middleware has already validated the token and role; an absence here is a
// wiring bug, not a user error.
func (h *Handler) clientActor(w http.ResponseWriter, ctx context.Context) (domain.ClientID, service.Actor, bool) {
	actorID := requestcontext.ActorID(ctx)
	role := requestcontext.ActorRole(ctx)
	if actorID == "" || role != domain.RoleClient {
		h.logger.ErrorContext(ctx, "client actor missing from context despite auth middleware",
			"request_id", requestcontext.RequestID(ctx),
		)
		httputil.WriteError(w, dErrors.New(dErrors.CodeInternal, "authentication context error"))
		return domain.ClientID{}, service.Actor{}, false
	}
	clientID, err := domain.ParseClientID(actorID)
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "invalid subject claim"))
		return domain.ClientID{}, service.Actor{}, false
	}
	return clientID, service.Actor{ID: actorID, Role: role}, true
}

func (h *Handler) consentID(w http.ResponseWriter, r *http.Request) (domain.ConsentID, bool) {
	id, err := domain.ParseConsentID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return domain.ConsentID{}, false
	}
	return id, true
}

func (h *Handler) warn(ctx context.Context, msg string, err error) {
	h.logger.WarnContext(ctx, msg,
		"request_id", requestcontext.RequestID(ctx),
		"error", err.Error(),
	)
}

func (h *Handler) writeServiceError(w http.ResponseWriter, ctx context.Context, what string, err error) {
	if dErrors.HasCode(err, dErrors.CodeInternal) {
		h.logger.ErrorContext(ctx, "failed to "+what,
			"request_id", requestcontext.RequestID(ctx),
			"error", err.Error(),
		)
	}
	httputil.WriteError(w, err)
}
