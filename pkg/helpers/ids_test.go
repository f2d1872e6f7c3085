package helpers

import (
	"bytes"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestNewRunIDIsMonotonic(t *testing.T) {
	prev := NewRunID()
	for i := 0; i < 100; i++ {
		next := NewRunID()
		require.Len(t, next, 26)
		require.Greater(t, next, prev)
		prev = next
	}
	require.NotEqual(t, NewID(), NewID())
}

func TestWatermillAdapterDemotesInfo(t *testing.T) {
	var buf bytes.Buffer
	l := NewWatermill(zerolog.New(&buf).Level(zerolog.InfoLevel))

	l.Info("router started", watermill.LogFields{"handlers": 2})
	require.Empty(t, buf.String())

	l.With(watermill.LogFields{"topic": "runs"}).Error("publish failed", nil, nil)
	require.Contains(t, buf.String(), `"component":"watermill"`)
	require.Contains(t, buf.String(), `"topic":"runs"`)
	require.Contains(t, buf.String(), `"message":"publish failed"`)
}
