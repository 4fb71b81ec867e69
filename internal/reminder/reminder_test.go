package reminder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusDelivered, true},
		{StatusPending, StatusReceived, true},
		{StatusPending, StatusFailed, true},
		{StatusDelivered, StatusReceived, true},
		{StatusDelivered, StatusFailed, true},
		{StatusDelivered, StatusPending, false},
		{StatusReceived, StatusDelivered, false},
		{StatusReceived, StatusFailed, false},
		{StatusFailed, StatusPending, false},
		{StatusFailed, StatusFailed, false},
		{StatusPending, StatusPending, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, tt.from.CanTransition(tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestReceivedAtCoupling(t *testing.T) {
	now := time.Now().UTC()
	r := &Reminder{Status: StatusPending}

	require.NoError(t, r.Transition(StatusDelivered, now))
	assert.Nil(t, r.ReceivedAt)

	require.NoError(t, r.Transition(StatusReceived, now))
	require.NotNil(t, r.ReceivedAt)
	assert.Equal(t, now, *r.ReceivedAt)

	err := r.Transition(StatusFailed, now)
	assert.Error(t, err)
}

func TestParseStatus(t *testing.T) {
	got, err := ParseStatus("pending")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got)

	got, err = ParseStatus("completed")
	require.NoError(t, err)
	assert.Equal(t, StatusReceived, got)

	_, err = ParseStatus("bogus")
	assert.Error(t, err)
}
