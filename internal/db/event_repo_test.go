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

func TestEventRepository_GetEvent(t *testing.T) {
	db := new(mockDBTX)
	repo := NewEventRepository(db)
	eventDate := time.Date(2025, 6, 10, 19, 0, 0, 0, time.UTC)

	db.On("QueryRow", mock.Anything, mock.MatchedBy(func(sql string) bool {
		return assert.Contains(t, sql, "JOIN organizations o")
	}), []any{"evt_1"}).Return(&mockRow{values: []any{
		"evt_1", "org_1", "Night Markets", "America/Chicago", "Summer Market", nil,
		eventDate, nil, nil,
	}})

	e, err := repo.GetEvent(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.Equal(t, "America/Chicago", e.Timezone)
	assert.Equal(t, "Night Markets", e.OrganizationName)
	assert.Empty(t, e.Venue)
	require.NotNil(t, e.EventDate)
	assert.Equal(t, eventDate, *e.EventDate)
	assert.Nil(t, e.PaymentDeadline)
}

func TestEventRepository_GetEvent_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewEventRepository(db)
	db.On("QueryRow", mock.Anything, mock.Anything, mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := repo.GetEvent(context.Background(), "missing")
	assert.True(t, types.IsCode(err, types.ErrCodeNotFoundEvent))
}

func TestEventRepository_ListRecipients(t *testing.T) {
	db := new(mockDBTX)
	repo := NewEventRepository(db)

	db.On("Query", mock.Anything, mock.Anything, []any{"evt_1"}).Return(newMockRows([][]any{
		{"a@example.com", "Ana", "Ana's Tacos", "reg_1", "approved", "food", false},
		{"b@example.com", "", "", "reg_2", "pending", "", true},
	}), nil)

	got, err := repo.ListRecipients(context.Background(), "evt_1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Ana's Tacos", got[0].BusinessName)
	assert.True(t, got[1].Unsubscribed)
}

func TestEventRepository_MarkUnsubscribedByEmail_NormalizesAddress(t *testing.T) {
	db := new(mockDBTX)
	repo := NewEventRepository(db)

	db.On("Exec", mock.Anything, mock.Anything, []any{"evt_1", "vendor@example.com", testNow}).
		Return(pgconn.NewCommandTag("UPDATE 2"), nil)

	n, err := repo.MarkUnsubscribedByEmail(context.Background(), "evt_1", " Vendor@Example.com", testNow)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	db.AssertExpectations(t)
}

func TestEventRepository_MarkRegistrationUnsubscribed_KeepsFirstTimestamp(t *testing.T) {
	db := new(mockDBTX)
	repo := NewEventRepository(db)

	db.On("Exec", mock.Anything, mock.MatchedBy(func(sql string) bool {
		return assert.Contains(t, sql, "COALESCE(email_unsubscribed_at, $2)")
	}), mock.Anything).Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	require.NoError(t, repo.MarkRegistrationUnsubscribed(context.Background(), "reg_1", testNow))
}
