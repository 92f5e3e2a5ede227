package dynamics

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecayFactor(t *testing.T) {
	// Episodic lambda over 100 minutes.
	got := DecayFactor(0.015, 100)
	assert.InDelta(t, math.Exp(-1.5), got, 1e-9)

	// No time elapsed or no decay rate means full retention.
	assert.Equal(t, 1.0, DecayFactor(0.015, 0))
	assert.Equal(t, 1.0, DecayFactor(0, 100))
	assert.Equal(t, 1.0, DecayFactor(-1, 100))
}

func TestDecayFactorMonotonic(t *testing.T) {
	prev := 1.0
	for _, minutes := range []float64{1, 10, 100, 1000} {
		f := DecayFactor(0.005, minutes)
		assert.Less(t, f, prev)
		prev = f
	}
}

func TestReinforcedSalienceSaturates(t *testing.T) {
	// The gain shrinks as salience approaches the cap.
	low := ReinforcedSalience(0.2, 0.1, 1.0) - 0.2
	high := ReinforcedSalience(0.9, 0.1, 1.0) - 0.9
	assert.Greater(t, low, high)

	// At the cap there is nothing left to gain.
	assert.Equal(t, 1.0, ReinforcedSalience(1.0, 0.5, 1.0))
}

func TestReinforcedSalienceNeverExceedsMax(t *testing.T) {
	assert.LessOrEqual(t, ReinforcedSalience(0.99, 5.0, 1.0), 1.0)
}
