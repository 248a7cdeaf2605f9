// Package schedule maps a step counter to a learning rate.
//
// The schedule is a pure function of the step: linear warmup, cosine
// decay, then a constant minimum. Keeping it stateless means resuming
// from a checkpoint needs nothing beyond the restored step counter.
package schedule

import (
	"math"

	"github.com/jasonacox/jojo/internal/config"
)

// Schedule holds resolved phase boundaries in absolute steps. Build
// one with New; the zero value is not meaningful.
type Schedule struct {
	baseLR  float64
	minLR   float64
	enabled bool

	warmupEnd int
	decayEnd  int

	// Trailing linear cooldown over [cooldownStart, totalSteps].
	cooldown      bool
	cooldownStart int
	totalSteps    int
}

// New resolves the dual absolute/fractional parameterization against a
// total step count. Absolute step counts take precedence for the
// warmup and decay boundaries; warmup_fraction applies only when
// warmup_iters is zero and a total is known. A nonzero
// cooldown_fraction always layers a trailing linear segment over the
// last round(cooldown_fraction x total) steps.
func New(spec config.Scheduler, baseLR float64, totalSteps int) Schedule {
	s := Schedule{
		baseLR:  baseLR,
		minLR:   spec.MinLR,
		enabled: spec.DecayLR,
	}
	if !s.enabled {
		return s
	}

	s.warmupEnd = spec.WarmupIters
	if s.warmupEnd == 0 && spec.WarmupFraction > 0 && totalSteps > 0 {
		s.warmupEnd = int(math.Round(spec.WarmupFraction * float64(totalSteps)))
	}

	s.decayEnd = spec.LRDecayIters
	if s.decayEnd == 0 && totalSteps > 0 {
		s.decayEnd = totalSteps
	}
	if s.warmupEnd > s.decayEnd {
		s.warmupEnd = s.decayEnd
	}

	if spec.CooldownFraction > 0 && totalSteps > 0 {
		s.cooldownStart = int(math.Round((1 - spec.CooldownFraction) * float64(totalSteps)))
		s.totalSteps = totalSteps
		// Rounding can collapse a tiny fraction to a zero-length
		// segment; a fraction of 1 covers the whole run.
		s.cooldown = s.cooldownStart < totalSteps
	}
	return s
}

// RateFor returns the learning rate for the given step. It is defined
// for every step >= 0, never returns a negative rate, and never
// exceeds the base rate.
func (s Schedule) RateFor(step int) float64 {
	if !s.enabled {
		return s.baseLR
	}

	rate := s.rateBase(step)

	if s.cooldown && step >= s.cooldownStart {
		anchor := s.rateBase(s.cooldownStart)
		progress := float64(step-s.cooldownStart) / float64(s.totalSteps-s.cooldownStart)
		if progress > 1 {
			progress = 1
		}
		cooled := anchor + (s.minLR-anchor)*progress
		if cooled < rate {
			rate = cooled
		}
	}
	return rate
}

// rateBase computes warmup/cosine/plateau, ignoring any cooldown layer.
func (s Schedule) rateBase(step int) float64 {
	if step < s.warmupEnd {
		return s.baseLR * float64(step+1) / float64(s.warmupEnd)
	}
	if step > s.decayEnd || s.decayEnd == 0 {
		return s.minLR
	}
	if s.warmupEnd == s.decayEnd {
		// No cosine phase: the ramp ends exactly where decay ends.
		return s.minLR
	}
	progress := float64(step-s.warmupEnd) / float64(s.decayEnd-s.warmupEnd)
	if progress < 0 {
		progress = 0
	} else if progress > 1 {
		progress = 1
	}
	coeff := 0.5 * (1.0 + math.Cos(math.Pi*progress))
	return s.minLR + coeff*(s.baseLR-s.minLR)
}

// WarmupEnd reports the resolved end of the warmup phase in steps.
func (s Schedule) WarmupEnd() int { return s.warmupEnd }

// DecayEnd reports the resolved end of the cosine decay phase in steps.
func (s Schedule) DecayEnd() int { return s.decayEnd }
