package hotspot

import (
	"time"

	"github.com/couchcryptid/coastal-hazard-pipeline/internal/domain"
)

// Policy holds the spatial and temporal limits for one hazard type.
type Policy struct {
	RadiusKm float64       // max centroid distance for a report to join
	CapKm    float64       // no member may sit further than this from the centroid
	Window   time.Duration // base gap allowed since the newest member
}

// DefaultPolicies are tuned per hazard: cyclones span tens of kilometres and
// evolve over half a day, oil spills are tight but linger.
var DefaultPolicies = map[domain.HazardType]Policy{
	domain.HazardFlood:    {RadiusKm: 5, CapKm: 15, Window: 6 * time.Hour},
	domain.HazardCyclone:  {RadiusKm: 50, CapKm: 150, Window: 12 * time.Hour},
	domain.HazardOilSpill: {RadiusKm: 3, CapKm: 10, Window: 24 * time.Hour},
	domain.HazardOther:    {RadiusKm: 5, CapKm: 15, Window: 6 * time.Hour},
}

// WindowFor shrinks the base window as the hotspot's aggregate severity
// rises, so fast-moving severe events do not absorb stale reports.
func (p Policy) WindowFor(s domain.Severity) time.Duration {
	switch s {
	case domain.SeverityCritical:
		return p.Window / 4
	case domain.SeverityHigh:
		return p.Window / 2
	case domain.SeverityMedium:
		return p.Window * 3 / 4
	default:
		return p.Window
	}
}

// Config controls clustering and the lifecycle state machine.
type Config struct {
	EscalationThreshold       int // distinct reporters for forming -> active
	SecondEscalationThreshold int // distinct reporters for active -> escalated
	InactivityWindow          time.Duration
	CooldownWindow            time.Duration
	ResolvedRetention         time.Duration // how long resolved membership is remembered
	MaxReplans                int
	Policies                  map[domain.HazardType]Policy
}

// DefaultConfig returns the documented clustering defaults.
func DefaultConfig() Config {
	return Config{
		EscalationThreshold:       3,
		SecondEscalationThreshold: 6,
		InactivityWindow:          6 * time.Hour,
		CooldownWindow:            12 * time.Hour,
		ResolvedRetention:         72 * time.Hour,
		MaxReplans:                3,
		Policies:                  DefaultPolicies,
	}
}

func (c Config) policy(h domain.HazardType) Policy {
	if p, ok := c.Policies[h]; ok {
		return p
	}
	return DefaultPolicies[domain.HazardOther]
}
