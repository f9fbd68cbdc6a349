package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"eventmail/internal/types"
)

// UnsubscribeRepository persists unsubscribe tokens and scoped opt-outs.
type UnsubscribeRepository struct {
	db DBTX
}

// NewUnsubscribeRepository creates a new UnsubscribeRepository.
func NewUnsubscribeRepository(db DBTX) *UnsubscribeRepository {
	return &UnsubscribeRepository{db: db}
}

// ============================================================
// Tokens
// ============================================================

// CreateToken stores a token. Only the hash of the secret is persisted.
func (r *UnsubscribeRepository) CreateToken(ctx context.Context, t *types.UnsubscribeToken) error {
	err := r.db.QueryRow(ctx,
		`INSERT INTO unsubscribe_tokens (id, token_hash, email, event_id, organization_id, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING created_at`,
		t.ID, t.TokenHash, types.NormalizeEmail(t.Email),
		nilIfEmpty(t.EventID), nilIfEmpty(t.OrganizationID), t.ExpiresAt,
	).Scan(&t.CreatedAt)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create unsubscribe token", err)
	}
	return nil
}

// GetTokenByHash looks a token up by the hash of its secret. Expiry is the
// caller's concern.
func (r *UnsubscribeRepository) GetTokenByHash(ctx context.Context, hash []byte) (*types.UnsubscribeToken, error) {
	var (
		t              types.UnsubscribeToken
		eventID, orgID *string
	)
	err := r.db.QueryRow(ctx,
		`SELECT id, token_hash, email, event_id, organization_id, expires_at, used_at, created_at
		 FROM unsubscribe_tokens WHERE token_hash = $1`,
		hash,
	).Scan(&t.ID, &t.TokenHash, &t.Email, &eventID, &orgID, &t.ExpiresAt, &t.UsedAt, &t.CreatedAt)
	if err != nil {
		return nil, notFoundOr(err, types.ErrCodeNotFoundUnsubscribeToken, "unsubscribe token")
	}
	t.EventID = derefString(eventID)
	t.OrganizationID = derefString(orgID)
	return &t, nil
}

// MarkTokenUsed sets used_at on first use. The token stays valid for other
// scopes until it expires.
func (r *UnsubscribeRepository) MarkTokenUsed(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE unsubscribe_tokens SET used_at = COALESCE(used_at, $2) WHERE id = $1`,
		id, at,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark token used", err)
	}
	return nil
}

// PurgeExpired deletes tokens that expired before cutoff.
func (r *UnsubscribeRepository) PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM unsubscribe_tokens WHERE expires_at < $1`, cutoff)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to purge expired tokens", err)
	}
	return tag.RowsAffected(), nil
}

// ============================================================
// Opt-outs
// ============================================================

// scopeConflictTarget names the partial unique index matching each scope.
func scopeConflictTarget(scope types.UnsubscribeScope) (string, error) {
	switch scope {
	case types.ScopeEvent:
		return `(email, event_id) WHERE scope = 'event'`, nil
	case types.ScopeOrganization:
		return `(email, organization_id) WHERE scope = 'organization'`, nil
	case types.ScopeGlobal:
		return `(email) WHERE scope = 'global'`, nil
	default:
		return "", types.NewAppError(types.ErrCodeValidationInvalidScope, fmt.Sprintf("unknown scope %q", scope), nil)
	}
}

// Insert records an opt-out. It returns the stored row and true when this call
// created it, or the pre-existing row and false.
func (r *UnsubscribeRepository) Insert(ctx context.Context, u *types.EmailUnsubscribe, tokenID string) (*types.EmailUnsubscribe, bool, error) {
	target, err := scopeConflictTarget(u.Scope)
	if err != nil {
		return nil, false, err
	}
	var eventID, orgID *string
	if u.Scope == types.ScopeEvent {
		eventID = nilIfEmpty(u.EventID)
	}
	if u.Scope == types.ScopeOrganization {
		orgID = nilIfEmpty(u.OrganizationID)
	}

	stored := *u
	stored.Email = types.NormalizeEmail(u.Email)
	err = r.db.QueryRow(ctx,
		`INSERT INTO email_unsubscribes (id, email, scope, event_id, organization_id, token_id)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT `+target+` DO NOTHING
		 RETURNING created_at`,
		u.ID, stored.Email, string(u.Scope), eventID, orgID, nilIfEmpty(tokenID),
	).Scan(&stored.CreatedAt)
	if err == nil {
		return &stored, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, types.NewAppError(types.ErrCodeInternalDB, "failed to record unsubscribe", err)
	}

	existing, err := r.Find(ctx, stored.Email, u.Scope, derefString(eventID), derefString(orgID))
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, types.NewAppError(types.ErrCodeConflictConcurrent, "unsubscribe vanished after conflict", nil)
	}
	return existing, false, nil
}

// Find returns the opt-out for (email, scope, target) or nil.
func (r *UnsubscribeRepository) Find(ctx context.Context, email string, scope types.UnsubscribeScope, eventID, orgID string) (*types.EmailUnsubscribe, error) {
	var (
		u              types.EmailUnsubscribe
		scopeStr       string
		evID, orgIDPtr *string
	)
	err := r.db.QueryRow(ctx,
		`SELECT id, email, scope, event_id, organization_id, created_at
		 FROM email_unsubscribes
		 WHERE email = $1 AND scope = $2
		   AND ($2 <> 'event' OR event_id = $3)
		   AND ($2 <> 'organization' OR organization_id = $4)`,
		types.NormalizeEmail(email), string(scope), eventID, orgID,
	).Scan(&u.ID, &u.Email, &scopeStr, &evID, &orgIDPtr, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load unsubscribe", err)
	}
	u.Scope = types.UnsubscribeScope(scopeStr)
	u.EventID = derefString(evID)
	u.OrganizationID = derefString(orgIDPtr)
	return &u, nil
}

// SuppressedEmails returns which of the given addresses hold an opt-out that
// applies to the event: one at event scope for eventID, at organization scope
// for orgID, or at global scope.
func (r *UnsubscribeRepository) SuppressedEmails(ctx context.Context, emails []string, eventID, orgID string) (map[string]struct{}, error) {
	out := make(map[string]struct{})
	if len(emails) == 0 {
		return out, nil
	}
	normalized := make([]string, len(emails))
	for i, e := range emails {
		normalized[i] = types.NormalizeEmail(e)
	}
	rows, err := r.db.Query(ctx,
		`SELECT DISTINCT email FROM email_unsubscribes
		 WHERE email = ANY($1)
		   AND (scope = 'global'
		        OR (scope = 'event' AND event_id = $2)
		        OR (scope = 'organization' AND organization_id = $3))`,
		normalized, eventID, orgID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query suppressions", err)
	}
	defer rows.Close()

	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan suppression", err)
		}
		out[email] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate suppressions", err)
	}
	return out, nil
}
