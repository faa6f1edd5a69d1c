package hotspot

import (
	"time"

	"github.com/couchcryptid/coastal-hazard-pipeline/internal/domain"
)

// advance applies the growth edges of the lifecycle after a join:
//
//	forming -> active     distinct reporters >= EscalationThreshold
//	active  -> escalated  distinct reporters >= SecondEscalationThreshold
//	                      or aggregate severity critical
//
// Both edges may fire on the same join. Each edge is taken at most once
// because no edge leads back to forming or active.
func (c Config) advance(h *domain.Hotspot, now time.Time) []domain.Transition {
	var out []domain.Transition
	reporters := h.Reporters()
	if h.State == domain.StateForming && reporters >= c.EscalationThreshold {
		out = append(out, moveTo(h, domain.StateActive, now))
	}
	if h.State == domain.StateActive &&
		(reporters >= c.SecondEscalationThreshold || h.Severity >= domain.SeverityCritical) {
		out = append(out, moveTo(h, domain.StateEscalated, now))
	}
	return out
}

// expired reports whether a live hotspot should resolve at now. Escalated
// hotspots wait out the longer cool-down and for their alert tasks to settle.
func (c Config) expired(h domain.Hotspot, now time.Time, alertsPending bool) bool {
	idle := now.Sub(h.LastReportAt)
	switch h.State {
	case domain.StateForming, domain.StateActive:
		return idle >= c.InactivityWindow
	case domain.StateEscalated:
		return idle >= c.CooldownWindow && !alertsPending
	default:
		return false
	}
}

func moveTo(h *domain.Hotspot, to domain.HotspotState, now time.Time) domain.Transition {
	t := domain.Transition{
		HotspotID:   h.ID,
		HazardType:  h.HazardType,
		From:        h.State,
		To:          to,
		Severity:    h.Severity,
		Centroid:    h.Centroid,
		RadiusKm:    h.RadiusKm,
		MemberCount: len(h.Members),
		At:          now,
	}
	h.State = to
	h.UpdatedAt = now
	if to == domain.StateResolved {
		h.ResolvedAt = now
	}
	return t
}
