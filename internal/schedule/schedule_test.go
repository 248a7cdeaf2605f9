package schedule

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jasonacox/jojo/internal/config"
)

func gptSpec() config.Scheduler {
	return config.Scheduler{
		DecayLR:      true,
		WarmupIters:  2000,
		LRDecayIters: 60000,
		MinLR:        6e-5,
	}
}

func TestRateForGPT2Recipe(t *testing.T) {
	s := New(gptSpec(), 6e-4, 0)

	assert.InDelta(t, 3e-7, s.RateFor(0), 1e-12)
	assert.InDelta(t, 6e-4, s.RateFor(2000), 1e-9)
	assert.InDelta(t, 6e-5, s.RateFor(60000), 1e-9)
	assert.Equal(t, 6e-5, s.RateFor(61000))
	assert.Equal(t, 6e-5, s.RateFor(1<<30))
}

func TestRateForBounds(t *testing.T) {
	s := New(gptSpec(), 6e-4, 0)
	for step := 0; step <= 70000; step += 7 {
		rate := s.RateFor(step)
		require.GreaterOrEqual(t, rate, 6e-5, "step %d", step)
		require.LessOrEqual(t, rate, 6e-4, "step %d", step)
	}
}

func TestWarmupMonotonic(t *testing.T) {
	s := New(gptSpec(), 6e-4, 0)
	prev := -1.0
	for step := 0; step < 2000; step++ {
		rate := s.RateFor(step)
		require.Greater(t, rate, prev, "step %d", step)
		prev = rate
	}
}

func TestCosineMidpoint(t *testing.T) {
	s := New(gptSpec(), 6e-4, 0)
	// Halfway through decay, cosine sits at the arithmetic mean.
	mid := (2000 + 60000) / 2
	assert.InDelta(t, (6e-4+6e-5)/2, s.RateFor(mid), 1e-9)
}

func TestDecayDisabled(t *testing.T) {
	spec := gptSpec()
	spec.DecayLR = false
	s := New(spec, 6e-4, 0)
	for _, step := range []int{0, 1, 2000, 60000, 1 << 20} {
		assert.Equal(t, 6e-4, s.RateFor(step))
	}
}

func TestWarmupEqualsDecayEnd(t *testing.T) {
	spec := gptSpec()
	spec.WarmupIters = 100
	spec.LRDecayIters = 100
	s := New(spec, 6e-4, 0)

	// Ramp runs to the boundary, then the schedule jumps straight to
	// the minimum with no cosine phase.
	assert.InDelta(t, 6e-4*100.0/100.0, s.RateFor(99), 1e-9)
	assert.Equal(t, 6e-5, s.RateFor(100))
	assert.Equal(t, 6e-5, s.RateFor(101))
}

func TestZeroDecayEnd(t *testing.T) {
	spec := gptSpec()
	spec.WarmupIters = 0
	spec.LRDecayIters = 0
	s := New(spec, 6e-4, 0)

	// Degenerate schedule: min_lr from step 0, no division by zero.
	assert.Equal(t, 6e-5, s.RateFor(0))
	assert.Equal(t, 6e-5, s.RateFor(5))
}

func TestFractionalWarmup(t *testing.T) {
	spec := config.Scheduler{
		DecayLR:        true,
		MinLR:          1e-5,
		WarmupFraction: 0.1,
	}
	s := New(spec, 1e-3, 10000)

	require.Equal(t, 1000, s.WarmupEnd())
	require.Equal(t, 10000, s.DecayEnd())
	assert.InDelta(t, 1e-3, s.RateFor(1000), 1e-12)
}

func TestAbsoluteWarmupWinsOverFraction(t *testing.T) {
	spec := config.Scheduler{
		DecayLR:        true,
		WarmupIters:    500,
		LRDecayIters:   10000,
		MinLR:          1e-5,
		WarmupFraction: 0.25,
	}
	s := New(spec, 1e-3, 10000)
	assert.Equal(t, 500, s.WarmupEnd())
}

func TestCooldownLayering(t *testing.T) {
	spec := config.Scheduler{
		DecayLR:          true,
		WarmupIters:      100,
		LRDecayIters:     10000,
		MinLR:            1e-5,
		CooldownFraction: 0.2,
	}
	total := 10000
	s := New(spec, 1e-3, total)
	start := 8000

	// The cooldown never raises the rate above the underlying curve
	// and reaches min_lr exactly at the total step count.
	prev := math.Inf(1)
	for step := start; step <= total; step += 100 {
		rate := s.RateFor(step)
		require.LessOrEqual(t, rate, prev, "step %d", step)
		require.GreaterOrEqual(t, rate, 1e-5, "step %d", step)
		prev = rate
	}
	assert.InDelta(t, 1e-5, s.RateFor(total), 1e-12)
}

func TestFullRunCooldown(t *testing.T) {
	spec := config.Scheduler{
		DecayLR:          true,
		MinLR:            1e-5,
		CooldownFraction: 1,
	}
	total := 1000
	s := New(spec, 1e-3, total)

	// A fraction of 1 means linear decay over the entire run, not a
	// disabled cooldown.
	assert.Equal(t, 1e-3, s.RateFor(0))
	prev := math.Inf(1)
	for step := 0; step <= total; step += 50 {
		rate := s.RateFor(step)
		require.LessOrEqual(t, rate, prev, "step %d", step)
		prev = rate
	}
	assert.InDelta(t, 1e-5, s.RateFor(total), 1e-12)
	assert.Less(t, s.RateFor(total/2), 1e-3)
}

func TestRateForIsPure(t *testing.T) {
	s := New(gptSpec(), 6e-4, 0)
	for _, step := range []int{0, 1999, 2000, 31000, 60000, 60001} {
		assert.Equal(t, s.RateFor(step), s.RateFor(step), "step %d", step)
	}
}
