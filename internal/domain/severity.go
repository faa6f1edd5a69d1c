package domain

import (
	"fmt"
	"strings"
)

// Severity is an ordered estimate of how dangerous a hazard is.
type Severity int

const (
	SeverityUnknown Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseSeverity converts a label back to a Severity.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return SeverityLow, nil
	case "medium":
		return SeverityMedium, nil
	case "high":
		return SeverityHigh, nil
	case "critical":
		return SeverityCritical, nil
	case "", "unknown":
		return SeverityUnknown, nil
	default:
		return SeverityUnknown, fmt.Errorf("unknown severity %q", s)
	}
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Escalate raises the severity one level, capped at critical.
func (s Severity) Escalate() Severity {
	if s >= SeverityCritical {
		return SeverityCritical
	}
	return s + 1
}

// MaxSeverity returns the more severe of a and b.
func MaxSeverity(a, b Severity) Severity {
	if a > b {
		return a
	}
	return b
}

// BaseSeverity is the starting severity for a hazard type before any
// confidence or text signals are applied.
func BaseSeverity(h HazardType) Severity {
	switch h {
	case HazardCyclone:
		return SeverityHigh
	case HazardFlood, HazardOilSpill:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// urgencyWeights scores urgent vocabulary in free text. A description whose
// summed weight reaches urgencyEscalation bumps severity by one level.
var urgencyWeights = map[string]float64{
	"critical":  1.0,
	"emergency": 0.9,
	"crisis":    0.9,
	"urgent":    0.8,
	"danger":    0.8,
	"immediate": 0.8,
	"evacuate":  0.8,
	"help":      0.7,
	"rescue":    0.7,
	"trapped":   0.7,
	"alert":     0.5,
}

const urgencyEscalation = 0.8

// UrgencyScore sums the weights of urgent words present in text.
func UrgencyScore(text string) float64 {
	t := strings.ToLower(text)
	score := 0.0
	for word, w := range urgencyWeights {
		if strings.Contains(t, word) {
			score += w
		}
	}
	return score
}

// DeriveSeverity combines the hazard base severity with a confidence bump
// (confidence >= escalateAt) and a text-signal bump, capped at critical.
func DeriveSeverity(h HazardType, confidence, escalateAt float64, description string) Severity {
	s := BaseSeverity(h)
	if confidence >= escalateAt {
		s = s.Escalate()
	}
	if UrgencyScore(description) >= urgencyEscalation {
		s = s.Escalate()
	}
	return s
}
