package handlers

import (
	"context"
	"log/slog"
	"mime"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"eventmail/internal/core"
	"eventmail/internal/logging"
	"eventmail/internal/types"
	"eventmail/internal/unsubscribe"
)

// UnsubscribeProcessor validates and redeems unsubscribe tokens.
type UnsubscribeProcessor interface {
	ValidateAndGetContext(ctx context.Context, token string) (*types.UnsubscribeToken, error)
	ProcessUnsubscribe(ctx context.Context, token string, scope types.UnsubscribeScope) (*unsubscribe.Result, error)
}

// UnsubscribeRequest is the JSON body of POST /v1/unsubscribe.
type UnsubscribeRequest struct {
	Token string                 `json:"token" validate:"required"`
	Scope types.UnsubscribeScope `json:"scope" validate:"required,unsubscribe_scope"`
}

// UnsubscribeContext describes what a token may unsubscribe from.
type UnsubscribeContext struct {
	Email          string                   `json:"email"`
	EventID        string                   `json:"event_id,omitempty"`
	OrganizationID string                   `json:"organization_id,omitempty"`
	ExpiresAt      time.Time                `json:"expires_at"`
	Scopes         []types.UnsubscribeScope `json:"scopes"`
}

// UnsubscribeHandler serves the unsubscribe page API and RFC 8058 one-click
// requests posted by mailbox providers.
type UnsubscribeHandler struct {
	service   UnsubscribeProcessor
	validator *core.Validator
	logger    *slog.Logger
}

// NewUnsubscribeHandler creates an UnsubscribeHandler.
func NewUnsubscribeHandler(service UnsubscribeProcessor, v *core.Validator, l *slog.Logger) *UnsubscribeHandler {
	if l == nil {
		l = slog.Default()
	}
	return &UnsubscribeHandler{service: service, validator: v, logger: l}
}

// RegisterRoutes mounts the unsubscribe endpoints on the public group.
func (h *UnsubscribeHandler) RegisterRoutes(r chi.Router) {
	r.Get("/unsubscribe", h.Get)
	r.Post("/unsubscribe", h.Post)
}

// Get handles GET /v1/unsubscribe?token=...
func (h *UnsubscribeHandler) Get(w http.ResponseWriter, r *http.Request) {
	t, err := h.service.ValidateAndGetContext(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.Data(w, r, http.StatusOK, UnsubscribeContext{
		Email:          t.Email,
		EventID:        t.EventID,
		OrganizationID: t.OrganizationID,
		ExpiresAt:      t.ExpiresAt,
		Scopes:         scopesFor(t),
	})
}

// Post handles POST /v1/unsubscribe.
//
// A form body of "List-Unsubscribe=One-Click" with the token in the query
// string is a one-click request. It unsubscribes from the token's event, or
// globally when the token has no event. Any other body is JSON carrying the
// token and the chosen scope.
func (h *UnsubscribeHandler) Post(w http.ResponseWriter, r *http.Request) {
	var (
		token string
		scope types.UnsubscribeScope
	)

	if mt := mediaType(r); mt == "application/x-www-form-urlencoded" || mt == "multipart/form-data" {
		if err := parseForm(r, mt); err != nil {
			core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidPayload, "invalid form body", err))
			return
		}
		if r.PostForm.Get("List-Unsubscribe") != "One-Click" {
			core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidPayload,
				"expected List-Unsubscribe=One-Click", nil))
			return
		}
		token = r.URL.Query().Get("token")
		t, err := h.service.ValidateAndGetContext(r.Context(), token)
		if err != nil {
			core.Error(w, r, err)
			return
		}
		scope = oneClickScope(t)
	} else {
		var req UnsubscribeRequest
		if err := core.DecodeJSON(w, r, &req); err != nil {
			core.Error(w, r, err)
			return
		}
		if err := h.validator.ValidateStruct(req); err != nil {
			core.Error(w, r, err)
			return
		}
		token, scope = req.Token, req.Scope
	}

	res, err := h.service.ProcessUnsubscribe(r.Context(), token, scope)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "unsubscribe recorded",
		"email", logging.RedactEmail(res.Unsubscribe.Email),
		"scope", string(res.Unsubscribe.Scope),
		"created", res.Created,
	)
	core.Data(w, r, http.StatusOK, res)
}

func mediaType(r *http.Request) string {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return ""
	}
	return mt
}

func parseForm(r *http.Request, mt string) error {
	if mt == "multipart/form-data" {
		return r.ParseMultipartForm(maxWebhookBodySize)
	}
	return r.ParseForm()
}

func oneClickScope(t *types.UnsubscribeToken) types.UnsubscribeScope {
	if t.EventID != "" {
		return types.ScopeEvent
	}
	return types.ScopeGlobal
}

func scopesFor(t *types.UnsubscribeToken) []types.UnsubscribeScope {
	scopes := make([]types.UnsubscribeScope, 0, 3)
	if t.EventID != "" {
		scopes = append(scopes, types.ScopeEvent)
	}
	if t.OrganizationID != "" {
		scopes = append(scopes, types.ScopeOrganization)
	}
	return append(scopes, types.ScopeGlobal)
}
