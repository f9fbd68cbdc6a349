package campaign

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventmail/internal/types"
)

func ptr(t time.Time) *time.Time { return &t }

func TestResolveTrigger(t *testing.T) {
	eventDate := time.Date(2025, 6, 10, 19, 0, 0, 0, time.UTC)
	appDeadline := time.Date(2025, 5, 1, 23, 59, 0, 0, time.UTC)
	payDeadline := time.Date(2025, 5, 20, 12, 0, 0, 0, time.UTC)

	refs := References{
		EventDate:           &eventDate,
		ApplicationDeadline: &appDeadline,
		PaymentDeadline:     &payDeadline,
		Timezone:            "UTC",
	}

	tests := []struct {
		name   string
		spec   types.TriggerSpec
		refs   References
		want   time.Time
		wantOK bool
	}{
		{
			name:   "one day before event at 09:00 UTC",
			spec:   types.TriggerSpec{Type: types.TriggerDaysBeforeEvent, OffsetDays: 1, TimeOfDay: "09:00"},
			refs:   refs,
			want:   time.Date(2025, 6, 9, 9, 0, 0, 0, time.UTC),
			wantOK: true,
		},
		{
			name:   "default time of day",
			spec:   types.TriggerSpec{Type: types.TriggerDaysBeforeEvent, OffsetDays: 7},
			refs:   refs,
			want:   time.Date(2025, 6, 3, 9, 0, 0, 0, time.UTC),
			wantOK: true,
		},
		{
			name:   "days after event",
			spec:   types.TriggerSpec{Type: types.TriggerDaysAfterEvent, OffsetDays: 2, TimeOfDay: "10:30"},
			refs:   refs,
			want:   time.Date(2025, 6, 12, 10, 30, 0, 0, time.UTC),
			wantOK: true,
		},
		{
			name:   "on event date",
			spec:   types.TriggerSpec{Type: types.TriggerOnEventDate, TimeOfDay: "08:00"},
			refs:   refs,
			want:   time.Date(2025, 6, 10, 8, 0, 0, 0, time.UTC),
			wantOK: true,
		},
		{
			name:   "application deadline by default",
			spec:   types.TriggerSpec{Type: types.TriggerDaysBeforeDeadline, OffsetDays: 3},
			refs:   refs,
			want:   time.Date(2025, 4, 28, 9, 0, 0, 0, time.UTC),
			wantOK: true,
		},
		{
			name:   "payment deadline selected",
			spec:   types.TriggerSpec{Type: types.TriggerDaysBeforeDeadline, OffsetDays: 1, Deadline: types.DeadlinePayment},
			refs:   refs,
			want:   time.Date(2025, 5, 19, 9, 0, 0, 0, time.UTC),
			wantOK: true,
		},
		{
			name: "organization timezone applies to the wall clock",
			spec: types.TriggerSpec{Type: types.TriggerDaysBeforeEvent, OffsetDays: 1, TimeOfDay: "09:00"},
			refs: References{EventDate: &eventDate, Timezone: "America/New_York"},
			// 2025-06-10T19:00Z is 15:00 EDT on June 10; the day before at 09:00 EDT is 13:00Z.
			want:   time.Date(2025, 6, 9, 13, 0, 0, 0, time.UTC),
			wantOK: true,
		},
		{
			name: "local calendar day differs from UTC day",
			spec: types.TriggerSpec{Type: types.TriggerOnEventDate, TimeOfDay: "18:00"},
			refs: References{EventDate: ptr(time.Date(2025, 6, 11, 2, 0, 0, 0, time.UTC)), Timezone: "America/Chicago"},
			// 02:00Z on June 11 is 21:00 CDT on June 10.
			want:   time.Date(2025, 6, 10, 23, 0, 0, 0, time.UTC),
			wantOK: true,
		},
		{
			name:   "missing event date",
			spec:   types.TriggerSpec{Type: types.TriggerDaysBeforeEvent, OffsetDays: 1},
			refs:   References{Timezone: "UTC"},
			wantOK: false,
		},
		{
			name:   "missing payment deadline",
			spec:   types.TriggerSpec{Type: types.TriggerDaysBeforeDeadline, Deadline: types.DeadlinePayment},
			refs:   References{ApplicationDeadline: &appDeadline},
			wantOK: false,
		},
		{
			name:   "event-driven trigger is not scheduled",
			spec:   types.TriggerSpec{Type: types.TriggerOnApproval},
			refs:   refs,
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok, err := ResolveTrigger(tt.spec, tt.refs)
			require.NoError(t, err)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.want, got)
				assert.Equal(t, time.UTC, got.Location())
			}
		})
	}
}

func TestResolveTrigger_Deterministic(t *testing.T) {
	eventDate := time.Date(2025, 6, 10, 19, 0, 0, 0, time.UTC)
	spec := types.TriggerSpec{Type: types.TriggerDaysBeforeEvent, OffsetDays: 14, TimeOfDay: "07:15"}
	refs := References{EventDate: &eventDate, Timezone: "Europe/Berlin"}

	first, _, err := ResolveTrigger(spec, refs)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, _, err := ResolveTrigger(spec, refs)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestResolveTrigger_Errors(t *testing.T) {
	eventDate := time.Date(2025, 6, 10, 19, 0, 0, 0, time.UTC)

	_, _, err := ResolveTrigger(types.TriggerSpec{Type: types.TriggerOnEventDate},
		References{EventDate: &eventDate, Timezone: "Mars/Olympus"})
	assert.True(t, types.IsCode(err, types.ErrCodeValidationInvalidTimezone))

	_, _, err = ResolveTrigger(types.TriggerSpec{Type: "whenever"}, References{})
	assert.True(t, types.IsCode(err, types.ErrCodeValidationInvalidTrigger))

	_, _, err = ResolveTrigger(types.TriggerSpec{Type: types.TriggerOnEventDate, TimeOfDay: "25:00"},
		References{EventDate: &eventDate})
	assert.True(t, types.IsCode(err, types.ErrCodeValidationInvalidTrigger))
}
