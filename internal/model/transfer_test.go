package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransition_Forward(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	p := &TransferProgress{}

	require.NoError(t, p.Transition(TransferInFlight, now))
	assert.Equal(t, TransferInFlight, p.Status)
	require.NotNil(t, p.StartedAt)
	assert.Equal(t, now, *p.StartedAt)

	require.NoError(t, p.Transition(TransferComplete, now.Add(time.Minute)))
	assert.Equal(t, TransferComplete, p.Status)
	require.NotNil(t, p.CompletedAt)
	assert.Equal(t, now.Add(time.Minute), *p.CompletedAt)
}

func TestTransition_InFlightTwiceKeepsStart(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := &TransferProgress{Status: TransferPending}

	require.NoError(t, p.Transition(TransferInFlight, start))
	require.NoError(t, p.Transition(TransferInFlight, start.Add(time.Hour)))

	assert.Equal(t, start, *p.StartedAt)
}

func TestTransition_Rejected(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name string
		from TransferStatus
		to   TransferStatus
	}{
		{"complete to in_flight", TransferComplete, TransferInFlight},
		{"complete to pending", TransferComplete, TransferPending},
		{"failed to complete", TransferFailed, TransferComplete},
		{"failed to failed", TransferFailed, TransferFailed},
		{"in_flight to pending", TransferInFlight, TransferPending},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &TransferProgress{Status: tt.from}
			err := p.Transition(tt.to, now)

			var invalid *ErrInvalidTransition
			require.ErrorAs(t, err, &invalid)
			assert.Equal(t, tt.from, p.Status, "status must not change")
		})
	}
}

func TestTransition_PendingStraightToFailed(t *testing.T) {
	p := &TransferProgress{Status: TransferPending}
	require.NoError(t, p.Transition(TransferFailed, time.Now()))
	assert.Nil(t, p.StartedAt)
	assert.NotNil(t, p.CompletedAt)
}

func TestReset(t *testing.T) {
	now := time.Now()
	total := 10.0
	p := &TransferProgress{Status: TransferFailed, TransferredMB: 4, TotalMB: &total, Error: "boom", StartedAt: &now, CompletedAt: &now}

	p.Reset()

	assert.Equal(t, TransferPending, p.Status)
	assert.Zero(t, p.TransferredMB)
	assert.Empty(t, p.Error)
	assert.Nil(t, p.StartedAt)
	assert.Nil(t, p.CompletedAt)
	assert.Equal(t, &total, p.TotalMB, "total is kept across retries")
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, TransferPending.Terminal())
	assert.False(t, TransferInFlight.Terminal())
	assert.True(t, TransferComplete.Terminal())
	assert.True(t, TransferFailed.Terminal())
}
