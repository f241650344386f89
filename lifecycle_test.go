package venturelink

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to MessageStatus
		want     bool
	}{
		{StatusSending, StatusSent, true},
		{StatusSending, StatusDelivered, true},
		{StatusSending, StatusRead, true},
		{StatusSending, StatusFailed, true},
		{StatusSent, StatusDelivered, true},
		{StatusSent, StatusRead, true},
		{StatusSent, StatusFailed, false},
		{StatusSent, StatusSending, false},
		{StatusDelivered, StatusRead, true},
		{StatusDelivered, StatusSent, false},
		{StatusDelivered, StatusDelivered, false},
		{StatusRead, StatusDelivered, false},
		{StatusRead, StatusFailed, false},
		{StatusFailed, StatusSending, false},
		{StatusFailed, StatusSent, false},
		{StatusSending, MessageStatus("bogus"), false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}
}

func TestLifecycleAdvance(t *testing.T) {
	lc := NewLifecycle(StatusSending)
	require.NoError(t, lc.Advance(StatusSent, t0))
	require.NoError(t, lc.Advance(StatusDelivered, t0))

	err := lc.Advance(StatusSent, t0)
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StatusDelivered, lc.Status())

	require.NoError(t, lc.Advance(StatusRead, t0))
	assert.True(t, lc.Status().Terminal())
	require.ErrorIs(t, lc.Advance(StatusFailed, t0), ErrInvalidTransition)

	hist := lc.History()
	require.Len(t, hist, 3)
	assert.Equal(t, StatusChange{From: StatusSending, To: StatusSent, At: t0}, hist[0])
	assert.Equal(t, StatusRead, hist[2].To)
}

func TestNewLifecycleUnknownStatus(t *testing.T) {
	assert.Equal(t, StatusSending, NewLifecycle("").Status())
	assert.Equal(t, StatusFailed, NewLifecycle(StatusFailed).Status())
	assert.Equal(t, StatusDelivered, NewLifecycle(StatusDelivered).Status())
}
