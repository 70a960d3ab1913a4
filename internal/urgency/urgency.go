// Package urgency classifies the time left before a displayed deadline into a
// discrete severity tier.
package urgency

import (
	"strings"
	"time"
)

// Tier is a discrete severity classification.
type Tier string

const (
	// TierOverdue means the displayed deadline is at or before now.
	TierOverdue Tier = "overdue"

	// TierCritical means the deadline is within the critical window.
	TierCritical Tier = "critical"

	// TierHigh means the deadline is within the high window.
	TierHigh Tier = "high"

	// TierMedium means the deadline is within the medium window.
	TierMedium Tier = "medium"

	// TierOnTrack is everything else.
	TierOnTrack Tier = "on_track"
)

// Default window sizes.
const (
	DefaultCritical = 2 * time.Hour
	DefaultHigh     = 24 * time.Hour
	DefaultMedium   = 72 * time.Hour
)

// AllTiers returns every tier from most to least urgent.
func AllTiers() []Tier {
	return []Tier{TierOverdue, TierCritical, TierHigh, TierMedium, TierOnTrack}
}

// tierAliases maps accepted spellings to canonical tiers.
var tierAliases = map[string]Tier{
	"overdue":  TierOverdue,
	"critical": TierCritical,
	"high":     TierHigh,
	"medium":   TierMedium,
	"on_track": TierOnTrack,
	"on-track": TierOnTrack,
	"ontrack":  TierOnTrack,
	"low":      TierOnTrack,
}

// ParseTier normalizes a tier name. Returns empty string if unrecognized.
func ParseTier(name string) Tier {
	if t, ok := tierAliases[strings.ToLower(strings.TrimSpace(name))]; ok {
		return t
	}
	return ""
}

// Severity orders tiers: higher is more urgent. Unknown tiers rank lowest.
func (t Tier) Severity() int {
	switch t {
	case TierOverdue:
		return 4
	case TierCritical:
		return 3
	case TierHigh:
		return 2
	case TierMedium:
		return 1
	default:
		return 0
	}
}

// MoreUrgentThan reports whether t is strictly more severe than other.
func (t Tier) MoreUrgentThan(other Tier) bool {
	return t.Severity() > other.Severity()
}

// Thresholds are the upper bounds (inclusive) of each non-overdue window.
type Thresholds struct {
	Critical time.Duration `yaml:"critical" json:"critical"`
	High     time.Duration `yaml:"high" json:"high"`
	Medium   time.Duration `yaml:"medium" json:"medium"`
}

// DefaultThresholds returns 2h / 1d / 3d.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Critical: DefaultCritical,
		High:     DefaultHigh,
		Medium:   DefaultMedium,
	}
}

// Normalize returns thresholds that are positive and non-decreasing, so every
// remaining duration maps to exactly one tier.
func (th Thresholds) Normalize() Thresholds {
	if th.Critical <= 0 {
		th.Critical = DefaultCritical
	}
	if th.High <= 0 {
		th.High = DefaultHigh
	}
	if th.Medium <= 0 {
		th.Medium = DefaultMedium
	}
	if th.High < th.Critical {
		th.High = th.Critical
	}
	if th.Medium < th.High {
		th.Medium = th.High
	}
	return th
}

// Classify maps the gap between displayed and now to a tier.
func (th Thresholds) Classify(displayed, now time.Time) Tier {
	return th.ClassifyRemaining(displayed.Sub(now))
}

// ClassifyRemaining maps a remaining duration to a tier.
func (th Thresholds) ClassifyRemaining(remaining time.Duration) Tier {
	th = th.Normalize()
	switch {
	case remaining <= 0:
		return TierOverdue
	case remaining <= th.Critical:
		return TierCritical
	case remaining <= th.High:
		return TierHigh
	case remaining <= th.Medium:
		return TierMedium
	default:
		return TierOnTrack
	}
}

// Classify uses the default thresholds.
func Classify(displayed, now time.Time) Tier {
	return DefaultThresholds().Classify(displayed, now)
}
