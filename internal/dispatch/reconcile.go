package dispatch

import (
	"context"
	"errors"

	"github.com/couchcryptid/coastal-hazard-pipeline/internal/domain"
)

// Reconcile dispatches the trigger for the current state of every active or
// escalated hotspot that has no alert task for that state. This covers
// triggers lost between clustering and dispatch in an earlier run. It
// returns the number of triggers dispatched again.
func (d *Dispatcher) Reconcile(ctx context.Context, hotspots []domain.Hotspot, tasks []domain.AlertTask) (int, error) {
	covered := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		covered[t.HotspotID+":"+string(t.Trigger.To)] = true
	}

	n := 0
	var errs []error
	for _, h := range hotspots {
		t, ok := triggerFor(h)
		if !ok || covered[h.ID+":"+string(h.State)] {
			continue
		}
		if _, err := d.Dispatch(ctx, t); err != nil {
			errs = append(errs, err)
			continue
		}
		d.logger.Warn("alert trigger reconciled",
			"hotspot_id", h.ID,
			"state", h.State,
		)
		n++
	}
	return n, errors.Join(errs...)
}

// triggerFor rebuilds the alerting transition that put h in its current state.
func triggerFor(h domain.Hotspot) (domain.Transition, bool) {
	var from domain.HotspotState
	switch h.State {
	case domain.StateActive:
		from = domain.StateForming
	case domain.StateEscalated:
		from = domain.StateActive
	default:
		return domain.Transition{}, false
	}
	return domain.Transition{
		HotspotID:   h.ID,
		HazardType:  h.HazardType,
		From:        from,
		To:          h.State,
		Severity:    h.Severity,
		Centroid:    h.Centroid,
		RadiusKm:    h.RadiusKm,
		MemberCount: len(h.Members),
		At:          h.UpdatedAt,
	}, true
}
