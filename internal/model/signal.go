package model

import "math"

// Direction is a forecast direction label.
type Direction string

const (
	DirectionUp      Direction = "up"
	DirectionDown    Direction = "down"
	DirectionNeutral Direction = "neutral"
)

// Score maps a direction onto the signed axis used by the ensemble.
func (d Direction) Score() float64 {
	switch d {
	case DirectionUp:
		return 1
	case DirectionDown:
		return -1
	default:
		return 0
	}
}

// ParseDirection accepts loosely formatted labels from external analysis.
func ParseDirection(s string) Direction {
	switch s {
	case "up", "UP", "Up", "bullish", "long":
		return DirectionUp
	case "down", "DOWN", "Down", "bearish", "short":
		return DirectionDown
	default:
		return DirectionNeutral
	}
}

// DirectionFromScore applies the dead zone; the boundaries themselves are neutral.
func DirectionFromScore(score, deadZone float64) Direction {
	switch {
	case score > deadZone:
		return DirectionUp
	case score < -deadZone:
		return DirectionDown
	default:
		return DirectionNeutral
	}
}

// Severity tiers for alerts.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SeverityFromConfidence derives the tier: >0.9 critical, >0.75 high, >0.5 medium, else low.
func SeverityFromConfidence(confidence float64) Severity {
	switch {
	case confidence > 0.9:
		return SeverityCritical
	case confidence > 0.75:
		return SeverityHigh
	case confidence > 0.5:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Rank orders severities for filtering.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}

// ParseSeverity returns low for unknown values.
func ParseSeverity(s string) Severity {
	switch Severity(s) {
	case SeverityCritical, SeverityHigh, SeverityMedium:
		return Severity(s)
	default:
		return SeverityLow
	}
}

// Clamp01 bounds v to [0,1]; NaN becomes zero.
func Clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
