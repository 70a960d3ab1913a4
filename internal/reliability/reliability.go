// Package reliability implements the score feedback loop: each resolved task
// nudges the user's reliability score up (on time) or down (late).
//
// The loop is a pure transform. Persisting the new score before the next
// deadline calculation is the caller's job.
package reliability

import "time"

// Score bounds and defaults.
const (
	MinScore = 0
	MaxScore = 100

	// InitialScore seeds users with no stored score.
	InitialScore = 50

	// DefaultOnTimeReward is added for an on-time completion.
	DefaultOnTimeReward = 5

	// DefaultLatePenalty is subtracted for a late completion. Larger than the
	// reward so unreliable users drift toward harsher deadlines.
	DefaultLatePenalty = 10
)

// Policy holds the reward and penalty step sizes.
type Policy struct {
	OnTimeReward int `yaml:"on_time_reward" json:"on_time_reward"`
	LatePenalty  int `yaml:"late_penalty" json:"late_penalty"`
}

// DefaultPolicy returns +5 / -10.
func DefaultPolicy() Policy {
	return Policy{OnTimeReward: DefaultOnTimeReward, LatePenalty: DefaultLatePenalty}
}

// Normalize replaces non-positive steps with defaults.
func (p Policy) Normalize() Policy {
	if p.OnTimeReward <= 0 {
		p.OnTimeReward = DefaultOnTimeReward
	}
	if p.LatePenalty <= 0 {
		p.LatePenalty = DefaultLatePenalty
	}
	return p
}

// Adjust returns the next score. The input is clamped first.
func (p Policy) Adjust(current int, wasOnTime bool) int {
	p = p.Normalize()
	current = Clamp(current)
	if wasOnTime {
		return Clamp(current + p.OnTimeReward)
	}
	return Clamp(current - p.LatePenalty)
}

// Adjust applies the default policy.
func Adjust(current int, wasOnTime bool) int {
	return DefaultPolicy().Adjust(current, wasOnTime)
}

// Clamp keeps a score in [0,100].
func Clamp(score int) int {
	if score < MinScore {
		return MinScore
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}

// WasOnTime compares a completion against the real deadline, never the
// displayed one. Completing exactly at the deadline counts as on time.
func WasOnTime(completedAt, realDeadline time.Time) bool {
	return !completedAt.After(realDeadline)
}

// Band is a coarse label for a score, used for display.
type Band string

const (
	BandUnreliable Band = "unreliable"
	BandShaky      Band = "shaky"
	BandSteady     Band = "steady"
	BandReliable   Band = "reliable"
)

// BandFor labels a score.
func BandFor(score int) Band {
	switch s := Clamp(score); {
	case s < 25:
		return BandUnreliable
	case s < 50:
		return BandShaky
	case s < 75:
		return BandSteady
	default:
		return BandReliable
	}
}
