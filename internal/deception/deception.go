// Package deception derives the displayed (fake) deadline shown to a user
// from the real deadline and their reliability score.
//
// The displayed deadline is recomputed on every read from
// (real deadline, score, reference time). Nothing here is cached or random:
// identical inputs give identical outputs, and the result is never later than
// the real deadline.
package deception

import (
	"time"

	"github.com/whitelie/whitelie/internal/urgency"
)

// Default pull policy.
const (
	DefaultMaxPullFraction = 0.40
	DefaultMinPullFraction = 0.05
	DefaultGraceWindow     = 15 * time.Minute

	// maxAllowedPull keeps the displayed deadline strictly after now while the
	// real deadline is still in the future.
	maxAllowedPull = 0.95
)

// Policy controls how hard the deadline is pulled forward.
type Policy struct {
	// MaxPullFraction applies at reliability score 0.
	MaxPullFraction float64 `yaml:"max_pull_fraction" json:"max_pull_fraction"`

	// MinPullFraction applies at reliability score 100. Kept above zero so
	// the mechanic is never fully off.
	MinPullFraction float64 `yaml:"min_pull_fraction" json:"min_pull_fraction"`

	// GraceWindow is the span before the real deadline in which the pull
	// eases off, reaching zero as the real deadline arrives. Zero disables it.
	GraceWindow time.Duration `yaml:"grace_window" json:"grace_window"`
}

// DefaultPolicy returns 0.40 / 0.05 / 15m.
func DefaultPolicy() Policy {
	return Policy{
		MaxPullFraction: DefaultMaxPullFraction,
		MinPullFraction: DefaultMinPullFraction,
		GraceWindow:     DefaultGraceWindow,
	}
}

// Normalize clamps fractions into [0, 0.95] with Min <= Max. A zero policy
// becomes the default one.
func (p Policy) Normalize() Policy {
	if p.MaxPullFraction == 0 && p.MinPullFraction == 0 {
		grace := p.GraceWindow
		p = DefaultPolicy()
		if grace > 0 {
			p.GraceWindow = grace
		}
	}
	p.MaxPullFraction = clampFraction(p.MaxPullFraction)
	p.MinPullFraction = clampFraction(p.MinPullFraction)
	if p.MinPullFraction > p.MaxPullFraction {
		p.MinPullFraction = p.MaxPullFraction
	}
	if p.GraceWindow < 0 {
		p.GraceWindow = DefaultGraceWindow
	}
	return p
}

func clampFraction(f float64) float64 {
	if f != f || f < 0 { // NaN or negative
		return 0
	}
	if f > maxAllowedPull {
		return maxAllowedPull
	}
	return f
}

// clampScore keeps a reliability score in [0,100].
func clampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// PullFraction linearly interpolates from MaxPullFraction (score 0) down to
// MinPullFraction (score 100).
func (p Policy) PullFraction(score int) float64 {
	p = p.Normalize()
	s := float64(clampScore(score))
	return p.MaxPullFraction - (p.MaxPullFraction-p.MinPullFraction)*s/100
}

// Result is a displayed deadline tagged with its urgency.
type Result struct {
	Displayed    time.Time     `json:"displayed_deadline"`
	Tier         urgency.Tier  `json:"urgency"`
	PullFraction float64       `json:"pull_fraction"`
	Pull         time.Duration `json:"pull"`
}

// Calculator combines a pull policy with urgency thresholds.
type Calculator struct {
	Policy     Policy
	Thresholds urgency.Thresholds
}

// NewCalculator returns a calculator with normalized settings.
func NewCalculator(policy Policy, thresholds urgency.Thresholds) Calculator {
	return Calculator{
		Policy:     policy.Normalize(),
		Thresholds: thresholds.Normalize(),
	}
}

// Default returns a calculator with default policy and thresholds.
func Default() Calculator {
	return NewCalculator(DefaultPolicy(), urgency.DefaultThresholds())
}

// Displayed returns the deadline to show at reference time now.
func (c Calculator) Displayed(real time.Time, score int, now time.Time) time.Time {
	return c.Evaluate(real, score, now).Displayed
}

// Evaluate computes the displayed deadline and classifies it.
func (c Calculator) Evaluate(real time.Time, score int, now time.Time) Result {
	p := c.Policy.Normalize()
	fraction := p.PullFraction(score)

	remaining := real.Sub(now)
	if remaining <= 0 {
		// Already overdue for real: the lie stops compounding.
		return Result{
			Displayed:    real,
			Tier:         c.Thresholds.Classify(real, now),
			PullFraction: 0,
		}
	}

	pull := float64(remaining) * fraction
	if p.GraceWindow > 0 && remaining < p.GraceWindow {
		// Continuous at the window edge and zero at the real deadline.
		pull *= float64(remaining) / float64(p.GraceWindow)
	}
	// pull < remaining, so displayed stays in (now, real].
	displayed := real.Add(-time.Duration(pull))

	return Result{
		Displayed:    displayed,
		Tier:         c.Thresholds.Classify(displayed, now),
		PullFraction: fraction,
		Pull:         real.Sub(displayed),
	}
}

// ComputeDisplayedDeadline uses the default calculator.
func ComputeDisplayedDeadline(real time.Time, score int, now time.Time) time.Time {
	return Default().Displayed(real, score, now)
}
