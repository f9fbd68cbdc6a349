package db

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"eventmail/internal/types"
)

func TestUnsubscribeRepository_GetTokenByHash(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUnsubscribeRepository(db)
	hash := []byte{0x01, 0x02}
	expires := testNow.Add(14 * 24 * time.Hour)

	db.On("QueryRow", mock.Anything, mock.Anything, []any{hash}).Return(&mockRow{values: []any{
		"tok_1", hash, "vendor@example.com", "evt_1", nil, expires, nil, testNow,
	}})

	tok, err := repo.GetTokenByHash(context.Background(), hash)
	require.NoError(t, err)
	assert.Equal(t, "evt_1", tok.EventID)
	assert.Empty(t, tok.OrganizationID)
	assert.Nil(t, tok.UsedAt)
	assert.False(t, tok.IsExpired(testNow))
}

func TestUnsubscribeRepository_GetTokenByHash_Unknown(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUnsubscribeRepository(db)
	db.On("QueryRow", mock.Anything, mock.Anything, mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := repo.GetTokenByHash(context.Background(), []byte("x"))
	assert.True(t, types.IsCode(err, types.ErrCodeNotFoundUnsubscribeToken))
}

func TestUnsubscribeRepository_Insert_UsesScopeIndex(t *testing.T) {
	cases := map[types.UnsubscribeScope]string{
		types.ScopeEvent:        "ON CONFLICT (email, event_id) WHERE scope = 'event'",
		types.ScopeOrganization: "ON CONFLICT (email, organization_id) WHERE scope = 'organization'",
		types.ScopeGlobal:       "ON CONFLICT (email) WHERE scope = 'global'",
	}
	for scope, conflict := range cases {
		t.Run(string(scope), func(t *testing.T) {
			db := new(mockDBTX)
			repo := NewUnsubscribeRepository(db)

			var captured []any
			db.On("QueryRow", mock.Anything, mock.MatchedBy(func(sql string) bool {
				return assert.Contains(t, sql, conflict)
			}), mock.Anything).
				Run(func(args mock.Arguments) { captured = args.Get(2).([]any) }).
				Return(&mockRow{values: []any{testNow}})

			u, created, err := repo.Insert(context.Background(), &types.EmailUnsubscribe{
				ID: "uns_1", Email: "Vendor@Example.com", Scope: scope, EventID: "evt_1", OrganizationID: "org_1",
			}, "tok_1")
			require.NoError(t, err)
			assert.True(t, created)
			assert.Equal(t, "vendor@example.com", u.Email)

			// Only the target column matching the scope is stored.
			eventArg, orgArg := captured[3].(*string), captured[4].(*string)
			assert.Equal(t, scope == types.ScopeEvent, eventArg != nil)
			assert.Equal(t, scope == types.ScopeOrganization, orgArg != nil)
		})
	}
}

func TestUnsubscribeRepository_Insert_ExistingReturnsPriorRow(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUnsubscribeRepository(db)
	earlier := testNow.Add(-24 * time.Hour)

	db.On("QueryRow", mock.Anything, mock.MatchedBy(func(sql string) bool {
		return len(sql) > 0 && sql[0] == 'I'
	}), mock.Anything).Return(&mockRow{scanErr: pgx.ErrNoRows}).Once()
	db.On("QueryRow", mock.Anything, mock.Anything, mock.Anything).Return(&mockRow{values: []any{
		"uns_old", "vendor@example.com", "global", nil, nil, earlier,
	}}).Once()

	u, created, err := repo.Insert(context.Background(), &types.EmailUnsubscribe{
		ID: "uns_new", Email: "vendor@example.com", Scope: types.ScopeGlobal,
	}, "")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "uns_old", u.ID)
	assert.Equal(t, earlier, u.CreatedAt)
}

func TestUnsubscribeRepository_Insert_UnknownScope(t *testing.T) {
	repo := NewUnsubscribeRepository(new(mockDBTX))
	_, _, err := repo.Insert(context.Background(), &types.EmailUnsubscribe{Scope: "planet"}, "")
	assert.True(t, types.IsCode(err, types.ErrCodeValidationInvalidScope))
}

func TestUnsubscribeRepository_SuppressedEmails(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUnsubscribeRepository(db)

	db.On("Query", mock.Anything, mock.MatchedBy(func(sql string) bool {
		return assert.Contains(t, sql, "scope = 'global'")
	}), []any{[]string{"a@example.com", "b@example.com"}, "evt_1", "org_1"}).
		Return(newMockRows([][]any{{"b@example.com"}}), nil)

	got, err := repo.SuppressedEmails(context.Background(), []string{"A@example.com", "b@example.com"}, "evt_1", "org_1")
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Contains(t, got, "b@example.com")
	db.AssertExpectations(t)
}

func TestUnsubscribeRepository_PurgeExpired(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUnsubscribeRepository(db)
	cutoff := testNow.Add(-30 * 24 * time.Hour)

	db.On("Exec", mock.Anything, mock.Anything, []any{cutoff}).Return(pgconn.NewCommandTag("DELETE 7"), nil)

	n, err := repo.PurgeExpired(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
}
