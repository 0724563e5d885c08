package regime

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify_BoundariesAreHalfOpen(t *testing.T) {
	c, err := NewClassifier(DefaultBands())
	require.NoError(t, err)

	cases := []struct {
		name string
		vol  float64
		want Regime
	}{
		{"zero", 0, Calm},
		{"just below first cut", 11.99, Calm},
		{"exactly first cut", 12, Normal},
		{"just above first cut", 12.01, Normal},
		{"exactly second cut", 15, Elevated},
		{"just below third cut", 19.999, Elevated},
		{"exactly third cut", 20, High},
		{"just below top cut", 29.999, High},
		{"exactly top cut", 30, Extreme},
		{"far tail", 185.5, Extreme},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			snap, err := c.Classify(tc.vol)
			require.NoError(t, err)
			assert.Equal(t, tc.want, snap.Regime)
		})
	}
}

func TestClassify_Idempotent(t *testing.T) {
	c, err := NewClassifier(DefaultBands())
	require.NoError(t, err)

	a, err := c.Classify(21.5)
	require.NoError(t, err)
	b, err := c.Classify(21.5)
	require.NoError(t, err)
	assert.Equal(t, a.Regime, b.Regime)
	assert.Equal(t, a.BPCap, b.BPCap)
}

func TestClassify_RejectsUnusableReadings(t *testing.T) {
	c, err := NewClassifier(DefaultBands())
	require.NoError(t, err)

	for _, vol := range []float64{-0.01, math.NaN(), math.Inf(1)} {
		_, err := c.Classify(vol)
		assert.Error(t, err)
	}
}

func TestNewClassifier_RejectsBadBands(t *testing.T) {
	t.Run("gap between bands", func(t *testing.T) {
		_, err := NewClassifier([]Band{
			{Lo: 0, Hi: 10, Regime: Calm, BPCap: 0.3},
			{Lo: 11, Hi: math.Inf(1), Regime: High, BPCap: 0.3},
		})
		assert.Error(t, err)
	})
	t.Run("overlap between bands", func(t *testing.T) {
		_, err := NewClassifier([]Band{
			{Lo: 0, Hi: 12, Regime: Calm, BPCap: 0.3},
			{Lo: 11, Hi: math.Inf(1), Regime: High, BPCap: 0.3},
		})
		assert.Error(t, err)
	})
	t.Run("bounded top band", func(t *testing.T) {
		_, err := NewClassifier([]Band{
			{Lo: 0, Hi: 50, Regime: Calm, BPCap: 0.3},
		})
		assert.Error(t, err)
	})
	t.Run("not starting at zero", func(t *testing.T) {
		_, err := NewClassifier([]Band{
			{Lo: 5, Hi: math.Inf(1), Regime: Calm, BPCap: 0.3},
		})
		assert.Error(t, err)
	})
}
