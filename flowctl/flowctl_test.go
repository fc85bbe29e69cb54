package flowctl

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInFlightCapEnforced(t *testing.T) {
	c := NewConnection()
	// lift the frames/sec limit so only the in-flight cap can refuse admission
	c.rate = 2 * DefaultInFlightCap
	require.True(t, c.CanSend(DefaultInFlightCap))
	c.Reserve(DefaultInFlightCap)
	require.False(t, c.CanSend(1))
}

func TestRateBoostAfterConsecutiveAcks(t *testing.T) {
	c := NewConnection()
	start := c.Rate()
	for i := 0; i < ackThresholdForBoost; i++ {
		c.Reserve(1)
		c.OnAck(time.Microsecond)
	}
	require.InDelta(t, float64(start)*boostFactor, float64(c.Rate()), 1)
}

func TestRateNeverExceedsMax(t *testing.T) {
	c := NewConnection()
	for round := 0; round < 50; round++ {
		for i := 0; i < ackThresholdForBoost; i++ {
			c.Reserve(1)
			c.OnAck(time.Microsecond)
		}
	}
	require.LessOrEqual(t, c.Rate(), uint32(DefaultMaxRate))
}

func TestFailureBacksOffAndFloors(t *testing.T) {
	c := NewConnection()
	for round := 0; round < 50; round++ {
		c.Reserve(1)
		c.OnFailure(1)
	}
	require.GreaterOrEqual(t, c.Rate(), uint32(DefaultMinRate))
	require.Equal(t, uint32(DefaultMinRate), c.Rate())
}

func TestGlobalCapsEnforced(t *testing.T) {
	g := NewGlobal()
	g.Register(1)
	g.Register(2)

	require.True(t, g.CanSend(1, 100))
	g.Reserve(1, DefaultGlobalInFlightCap)
	require.False(t, g.CanSend(2, 1))
}

func TestUnregisterFloorsResidual(t *testing.T) {
	g := NewGlobal()
	g.Register(1)
	g.Reserve(1, 10)
	g.Unregister(1)
	require.Zero(t, g.InFlight())
}

func TestDurationRingBufferBounded(t *testing.T) {
	c := NewConnection()
	for i := 0; i < durationRingSize+100; i++ {
		c.Reserve(1)
		c.OnAck(time.Duration(i))
	}
	require.LessOrEqual(t, len(c.Durations()), durationRingSize)
}
