// Package unsubscribe issues opt-out tokens and records permanent opt-outs.
package unsubscribe

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"eventmail/internal/logging"
	"eventmail/internal/types"
)

// DefaultTokenTTL is how long an unsubscribe link stays usable.
const DefaultTokenTTL = 14 * 24 * time.Hour

// Store is the subset of the unsubscribe repository the service uses.
type Store interface {
	CreateToken(ctx context.Context, t *types.UnsubscribeToken) error
	GetTokenByHash(ctx context.Context, hash []byte) (*types.UnsubscribeToken, error)
	MarkTokenUsed(ctx context.Context, id string, at time.Time) error
	PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error)
	Insert(ctx context.Context, u *types.EmailUnsubscribe, tokenID string) (*types.EmailUnsubscribe, bool, error)
}

// RegistrationMarker flags an event's registrations held by an address.
type RegistrationMarker interface {
	MarkUnsubscribedByEmail(ctx context.Context, eventID, email string, at time.Time) (int64, error)
}

// Config controls token lifetime and link construction.
type Config struct {
	TokenTTL time.Duration
	// LinkBase is the absolute URL of the unsubscribe page, without query.
	LinkBase string
}

// Service issues, validates and redeems unsubscribe tokens.
type Service struct {
	cfg     Config
	store   Store
	regs    RegistrationMarker
	clock   types.Clock
	logger  types.Logger
	entropy io.Reader
}

// NewService creates a Service.
func NewService(cfg Config, store Store, regs RegistrationMarker, clock types.Clock, logger types.Logger) *Service {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	return &Service{
		cfg:     cfg,
		store:   store,
		regs:    regs,
		clock:   clock,
		logger:  logger,
		entropy: rand.Reader,
	}
}

// HashToken returns the stored digest of a plaintext token.
func HashToken(token string) []byte {
	h := blake2b.Sum256([]byte(token))
	return h[:]
}

// GenerateToken issues a token for email, scoped to the optional event and
// organization, and returns the plaintext. Only the hash is stored.
func (s *Service) GenerateToken(ctx context.Context, email, eventID, orgID string) (string, *types.UnsubscribeToken, error) {
	email = types.NormalizeEmail(email)
	if email == "" {
		return "", nil, types.NewAppError(types.ErrCodeValidationInvalidEmail, "email is required", nil)
	}

	b := make([]byte, 32)
	if _, err := io.ReadFull(s.entropy, b); err != nil {
		return "", nil, fmt.Errorf("generate unsubscribe token: %w", err)
	}
	plaintext := hex.EncodeToString(b)

	t := &types.UnsubscribeToken{
		ID:             "ut_" + uuid.NewString(),
		TokenHash:      HashToken(plaintext),
		Email:          email,
		EventID:        eventID,
		OrganizationID: orgID,
		ExpiresAt:      s.clock.Now().Add(s.cfg.TokenTTL),
	}
	if err := s.store.CreateToken(ctx, t); err != nil {
		return "", nil, fmt.Errorf("GenerateToken: %w", err)
	}
	return plaintext, t, nil
}

// Link returns the unsubscribe URL carrying token.
func (s *Service) Link(token string) string {
	return s.cfg.LinkBase + "?token=" + url.QueryEscape(token)
}

// LinkFor issues a token and returns its link. It satisfies the dispatcher's
// link source.
func (s *Service) LinkFor(ctx context.Context, email, eventID, orgID string) (string, error) {
	token, _, err := s.GenerateToken(ctx, email, eventID, orgID)
	if err != nil {
		return "", err
	}
	return s.Link(token), nil
}

// ValidateAndGetContext resolves a plaintext token. Unknown and expired tokens
// both yield ErrCodeNotFoundUnsubscribeToken.
func (s *Service) ValidateAndGetContext(ctx context.Context, token string) (*types.UnsubscribeToken, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, types.NewAppError(types.ErrCodeNotFoundUnsubscribeToken, "unsubscribe link is invalid or expired", nil)
	}
	t, err := s.store.GetTokenByHash(ctx, HashToken(token))
	if err != nil {
		if types.IsCode(err, types.ErrCodeNotFoundUnsubscribeToken) {
			return nil, types.NewAppError(types.ErrCodeNotFoundUnsubscribeToken, "unsubscribe link is invalid or expired", err)
		}
		return nil, fmt.Errorf("ValidateAndGetContext: %w", err)
	}
	if t.IsExpired(s.clock.Now()) {
		return nil, types.NewAppError(types.ErrCodeNotFoundUnsubscribeToken, "unsubscribe link is invalid or expired", nil)
	}
	return t, nil
}

// Result is the outcome of ProcessUnsubscribe.
type Result struct {
	Unsubscribe *types.EmailUnsubscribe `json:"unsubscribe"`
	Created     bool                    `json:"created"`
}

// ProcessUnsubscribe records an opt-out at scope. The scope must be
// consistent with the token: event scope needs an event, organization scope
// an organization. Repeating a scope returns the existing opt-out. The token
// stays usable for other scopes until it expires.
func (s *Service) ProcessUnsubscribe(ctx context.Context, token string, scope types.UnsubscribeScope) (*Result, error) {
	if !scope.Valid() {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidScope, fmt.Sprintf("unknown scope %q", scope), nil)
	}
	t, err := s.ValidateAndGetContext(ctx, token)
	if err != nil {
		return nil, err
	}

	u := &types.EmailUnsubscribe{
		ID:    "un_" + uuid.NewString(),
		Email: t.Email,
		Scope: scope,
	}
	switch scope {
	case types.ScopeEvent:
		if t.EventID == "" {
			return nil, types.NewAppError(types.ErrCodeValidationInvalidScope, "this link is not tied to an event", nil)
		}
		u.EventID = t.EventID
	case types.ScopeOrganization:
		if t.OrganizationID == "" {
			return nil, types.NewAppError(types.ErrCodeValidationInvalidScope, "this link is not tied to an organization", nil)
		}
		u.OrganizationID = t.OrganizationID
	case types.ScopeGlobal:
	}

	stored, created, err := s.store.Insert(ctx, u, t.ID)
	if err != nil {
		return nil, fmt.Errorf("ProcessUnsubscribe: %w", err)
	}

	now := s.clock.Now()
	if err := s.store.MarkTokenUsed(ctx, t.ID, now); err != nil {
		return nil, fmt.Errorf("ProcessUnsubscribe: %w", err)
	}

	if t.EventID != "" && s.regs != nil {
		if _, err := s.regs.MarkUnsubscribedByEmail(ctx, t.EventID, t.Email, now); err != nil {
			s.logger.Warn("failed to flag registrations after unsubscribe",
				"event_id", t.EventID,
				"error", err,
			)
		}
	}

	s.logger.Info("unsubscribe recorded",
		"email", logging.RedactEmail(t.Email),
		"scope", string(scope),
		"created", created,
	)
	return &Result{Unsubscribe: stored, Created: created}, nil
}

// PurgeExpired deletes tokens that expired more than olderThan ago.
func (s *Service) PurgeExpired(ctx context.Context, olderThan time.Duration) (int64, error) {
	n, err := s.store.PurgeExpired(ctx, s.clock.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("PurgeExpired: %w", err)
	}
	return n, nil
}
