// Package hotspot groups corroborating credible reports into spatiotemporal
// clusters and runs their forming, active, escalated, resolved lifecycle.
package hotspot

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/couchcryptid/coastal-hazard-pipeline/internal/domain"
	"github.com/couchcryptid/coastal-hazard-pipeline/internal/observability"
)

var (
	// ErrNotClusterable is returned for reports whose verification keeps
	// them out of clustering.
	ErrNotClusterable = errors.New("report is not clusterable")

	// ErrClusteringConflict means a planned join target changed before the
	// join could be committed. It never escapes the engine.
	ErrClusteringConflict = errors.New("clustering conflict: hotspot changed during planning")
)

// Store persists hotspot snapshots. Saves for one hotspot are issued in
// mutation order.
type Store interface {
	SaveHotspot(ctx context.Context, h domain.Hotspot) error
}

// AlertTracker reports whether any alert task for a hotspot is still pending
// or awaiting retry.
type AlertTracker interface {
	Unresolved(hotspotID string) bool
}

type entry struct {
	id      string
	mu      sync.Mutex
	h       domain.Hotspot
	band    bandKey
	version uint64
}

// Engine clusters credible reports into hotspots and drives their lifecycle.
//
// Writers are serialised per region rather than globally: a Cluster call
// holds the locks of its latitude band and both neighbours, which covers
// every hotspot it could join and every band the joined centroid could move
// into. Calls for other hazards or distant bands proceed in parallel.
type Engine struct {
	cfg     Config
	store   Store
	alerts  AlertTracker
	logger  *slog.Logger
	metrics *observability.Metrics

	index *bandIndex

	mu       sync.Mutex
	byID     map[string]*entry
	memberOf map[string]string // report ID -> hotspot ID, live or retired
	retired  map[string]domain.Hotspot
}

// NewEngine creates an Engine. alerts may be nil, in which case escalated
// hotspots resolve on cool-down alone.
func NewEngine(cfg Config, store Store, alerts AlertTracker, logger *slog.Logger, metrics *observability.Metrics) *Engine {
	return &Engine{
		cfg:      cfg,
		store:    store,
		alerts:   alerts,
		logger:   logger,
		metrics:  metrics,
		index:    newBandIndex(),
		byID:     make(map[string]*entry),
		memberOf: make(map[string]string),
		retired:  make(map[string]domain.Hotspot),
	}
}

type candidate struct {
	en       *entry
	version  uint64
	distance float64
	updated  time.Time
	centroid domain.Geo
	radius   float64
}

// Cluster adds a report to the best qualifying hotspot, or seeds a new
// forming hotspot when none qualifies. It returns the resulting hotspot
// snapshot and the state transitions the report caused, in order.
//
// Cluster is idempotent per report ID: a report already placed returns its
// hotspot with no transitions, even after that hotspot resolved, for as long
// as ResolvedRetention.
func (e *Engine) Cluster(ctx context.Context, r domain.Report, v domain.VerificationResult) (domain.Hotspot, []domain.Transition, error) {
	if !v.Clusterable() {
		return domain.Hotspot{}, nil, ErrNotClusterable
	}
	if h, ok := e.placed(r.ID); ok {
		return h, nil, nil
	}

	p := e.cfg.policy(r.HazardType)
	home := bandOf(r.HazardType, r.Geo.Lat, p.CapKm)
	unlock := e.index.lock(home.neighbourhood())
	defer unlock()

	// A concurrent delivery of the same report may have won the band locks.
	if h, ok := e.placed(r.ID); ok {
		return h, nil, nil
	}

	for attempt := 0; ; attempt++ {
		c, ok := e.plan(r, p, home)
		if !ok {
			break
		}
		h, ts, err := e.join(ctx, c, r, v, p)
		if err == nil {
			return h, ts, nil
		}
		if attempt >= e.cfg.MaxReplans {
			e.logger.Warn("clustering conflicts exhausted re-plans, seeding new hotspot",
				"report_id", r.ID,
				"hazard_type", r.HazardType,
				"attempts", attempt+1,
			)
			break
		}
		e.logger.Debug("clustering conflict, re-planning",
			"report_id", r.ID,
			"hotspot_id", c.en.id,
			"attempt", attempt+1,
		)
	}
	h, ts := e.seed(ctx, r, v, home)
	return h, ts, nil
}

// plan picks the join target among live hotspots near the report. Caller
// holds the neighbourhood band locks.
func (e *Engine) plan(r domain.Report, p Policy, home bandKey) (candidate, bool) {
	var best candidate
	found := false
	for _, k := range home.neighbourhood() {
		for _, en := range e.index.in(k) {
			en.mu.Lock()
			h := en.h
			version := en.version
			en.mu.Unlock()

			c, ok := qualify(h, r, p)
			if !ok {
				continue
			}
			c.en, c.version = en, version
			if !found || better(c, best) {
				best, found = c, true
			}
		}
	}
	return best, found
}

// qualify checks every join condition for r against h and returns the
// post-join geometry.
func qualify(h domain.Hotspot, r domain.Report, p Policy) (candidate, bool) {
	if h.State == domain.StateResolved || h.HazardType != r.HazardType {
		return candidate{}, false
	}
	d := domain.Distance(h.Centroid, r.Geo)
	if d > p.RadiusKm {
		return candidate{}, false
	}
	gap := r.Timestamp.Sub(newestMember(h))
	if gap < 0 {
		gap = -gap
	}
	if gap > p.WindowFor(h.Severity) {
		return candidate{}, false
	}

	points := make([]domain.Geo, 0, len(h.Members)+1)
	for _, m := range h.Members {
		points = append(points, m.Geo)
	}
	points = append(points, r.Geo)
	centroid, radius := fit(points)
	if radius > p.CapKm {
		return candidate{}, false
	}
	return candidate{distance: d, updated: h.UpdatedAt, centroid: centroid, radius: radius}, true
}

// better orders candidates: nearest centroid, then most recently updated,
// then lowest ID so the choice is deterministic.
func better(a, b candidate) bool {
	const eps = 1e-9
	if math.Abs(a.distance-b.distance) > eps {
		return a.distance < b.distance
	}
	if !a.updated.Equal(b.updated) {
		return a.updated.After(b.updated)
	}
	return a.en.id < b.en.id
}

func (e *Engine) join(ctx context.Context, c candidate, r domain.Report, v domain.VerificationResult, p Policy) (domain.Hotspot, []domain.Transition, error) {
	en := c.en
	en.mu.Lock()
	defer en.mu.Unlock()

	if en.version != c.version || en.h.State == domain.StateResolved {
		return domain.Hotspot{}, nil, ErrClusteringConflict
	}

	now := domain.Now()
	h := &en.h
	h.Members = append(h.Members, member(r, v))
	h.Centroid = c.centroid
	h.RadiusKm = c.radius
	h.Severity = domain.MaxSeverity(h.Severity, v.Severity)
	h.LastReportAt = now
	h.UpdatedAt = now
	ts := e.cfg.advance(h, now)
	en.version++

	if nb := bandOf(h.HazardType, h.Centroid.Lat, p.CapKm); nb != en.band {
		e.index.drop(en.band, en.id)
		e.index.put(nb, en)
		en.band = nb
	}

	e.mu.Lock()
	e.memberOf[r.ID] = en.id
	e.mu.Unlock()

	snap := h.Clone()
	e.persist(ctx, snap)
	e.metrics.ReportsClustered.Inc()
	e.record(ts)
	return snap, ts, nil
}

func (e *Engine) seed(ctx context.Context, r domain.Report, v domain.VerificationResult, home bandKey) (domain.Hotspot, []domain.Transition) {
	now := domain.Now()
	h := domain.Hotspot{
		ID:           uuid.NewString(),
		HazardType:   r.HazardType,
		Centroid:     r.Geo,
		Members:      []domain.Member{member(r, v)},
		Severity:     v.Severity,
		CreatedAt:    now,
		LastReportAt: now,
	}
	ts := []domain.Transition{moveTo(&h, domain.StateForming, now)}
	ts = append(ts, e.cfg.advance(&h, now)...)

	en := &entry{id: h.ID, h: h, band: home}
	e.index.put(home, en)
	e.mu.Lock()
	e.byID[h.ID] = en
	e.memberOf[r.ID] = h.ID
	e.mu.Unlock()

	snap := h.Clone()
	e.persist(ctx, snap)
	e.metrics.ReportsClustered.Inc()
	e.record(ts)
	return snap, ts
}

// Sweep resolves hotspots that have gone quiet. forming and active hotspots
// resolve after the inactivity window; escalated ones after the cool-down,
// and only once no alert task for them is outstanding.
func (e *Engine) Sweep(ctx context.Context) []domain.Transition {
	now := domain.Now()
	e.prune(now)
	var out []domain.Transition
	for en := range e.index.all() {
		en.mu.Lock()
		if en.h.State == domain.StateResolved {
			en.mu.Unlock()
			continue
		}
		pending := en.h.State == domain.StateEscalated && e.alerts != nil && e.alerts.Unresolved(en.id)
		if !e.cfg.expired(en.h, now, pending) {
			en.mu.Unlock()
			continue
		}
		t := moveTo(&en.h, domain.StateResolved, now)
		en.version++
		snap := en.h.Clone()
		band := en.band
		e.persist(ctx, snap)
		en.mu.Unlock()

		// Resolved entries are never joined, so band is stable here.
		unlock := e.index.lock([]bandKey{band})
		e.index.drop(band, en.id)
		unlock()
		e.forget(snap)

		e.record([]domain.Transition{t})
		out = append(out, t)
	}
	return out
}

// Restore loads previously persisted hotspots and returns how many are
// live. Resolved hotspots still inside ResolvedRetention only keep their
// membership, so redelivered reports are not clustered twice. It must run
// before the first Cluster call.
func (e *Engine) Restore(hotspots []domain.Hotspot) int {
	n := 0
	var resolved []domain.Hotspot
	for _, h := range hotspots {
		if len(h.Members) == 0 {
			continue
		}
		if h.State == domain.StateResolved {
			resolved = append(resolved, h)
			continue
		}
		p := e.cfg.policy(h.HazardType)
		en := &entry{id: h.ID, h: h.Clone(), band: bandOf(h.HazardType, h.Centroid.Lat, p.CapKm)}
		e.index.put(en.band, en)
		e.mu.Lock()
		e.byID[h.ID] = en
		for _, m := range h.Members {
			e.memberOf[m.ReportID] = h.ID
		}
		e.mu.Unlock()
		e.metrics.HotspotsByState.WithLabelValues(string(h.State)).Inc()
		n++
	}

	cutoff := domain.Now().Add(-e.cfg.ResolvedRetention)
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, h := range resolved {
		if h.ResolvedAt.Before(cutoff) {
			continue
		}
		e.retired[h.ID] = h.Clone()
		for _, m := range h.Members {
			if _, ok := e.memberOf[m.ReportID]; !ok {
				e.memberOf[m.ReportID] = h.ID
			}
		}
	}
	return n
}

// Get returns a snapshot of a live hotspot.
func (e *Engine) Get(id string) (domain.Hotspot, bool) {
	e.mu.Lock()
	en, ok := e.byID[id]
	e.mu.Unlock()
	if !ok {
		return domain.Hotspot{}, false
	}
	en.mu.Lock()
	defer en.mu.Unlock()
	return en.h.Clone(), true
}

// Placed reports whether a report already belongs to a live or recently
// resolved hotspot.
func (e *Engine) Placed(reportID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.memberOf[reportID]
	return ok
}

// Live returns the number of hotspots that have not resolved.
func (e *Engine) Live() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.byID)
}

// Region returns the latitude band a report at lat falls in for hazard h.
// Reports in the same band for the same hazard contend for the same locks.
func (e *Engine) Region(h domain.HazardType, lat float64) int {
	return bandOf(h, lat, e.cfg.policy(h).CapKm).band
}

func (e *Engine) placed(reportID string) (domain.Hotspot, bool) {
	e.mu.Lock()
	id, ok := e.memberOf[reportID]
	if !ok {
		e.mu.Unlock()
		return domain.Hotspot{}, false
	}
	if h, retired := e.retired[id]; retired {
		e.mu.Unlock()
		return h.Clone(), true
	}
	e.mu.Unlock()
	return e.Get(id)
}

// forget retires a resolved hotspot. Its members stay mapped to it until
// prune drops it after ResolvedRetention.
func (e *Engine) forget(h domain.Hotspot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.byID, h.ID)
	e.retired[h.ID] = h
}

func (e *Engine) prune(now time.Time) {
	cutoff := now.Add(-e.cfg.ResolvedRetention)
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, h := range e.retired {
		if !h.ResolvedAt.Before(cutoff) {
			continue
		}
		delete(e.retired, id)
		for _, m := range h.Members {
			if e.memberOf[m.ReportID] == id {
				delete(e.memberOf, m.ReportID)
			}
		}
	}
}

func (e *Engine) persist(ctx context.Context, h domain.Hotspot) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveHotspot(ctx, h); err != nil {
		e.logger.Error("failed to persist hotspot",
			"hotspot_id", h.ID,
			"state", h.State,
			"error", err,
		)
	}
}

func (e *Engine) record(ts []domain.Transition) {
	for _, t := range ts {
		from := string(t.From)
		if from == "" {
			from = "none"
		} else {
			e.metrics.HotspotsByState.WithLabelValues(from).Dec()
		}
		e.metrics.HotspotsByState.WithLabelValues(string(t.To)).Inc()
		e.metrics.HotspotTransitions.WithLabelValues(from, string(t.To)).Inc()
		e.logger.Info("hotspot transition",
			"hotspot_id", t.HotspotID,
			"hazard_type", t.HazardType,
			"from", from,
			"to", t.To,
			"severity", t.Severity,
			"members", t.MemberCount,
		)
	}
}

func member(r domain.Report, v domain.VerificationResult) domain.Member {
	return domain.Member{
		ReportID:   r.ID,
		ReporterID: r.ReporterID,
		Geo:        r.Geo,
		Timestamp:  r.Timestamp,
		Severity:   v.Severity,
	}
}

func newestMember(h domain.Hotspot) time.Time {
	var newest time.Time
	for _, m := range h.Members {
		if m.Timestamp.After(newest) {
			newest = m.Timestamp
		}
	}
	return newest
}

// fit returns the centroid of points and the largest member distance from it.
func fit(points []domain.Geo) (domain.Geo, float64) {
	c := domain.Centroid(points)
	radius := 0.0
	for _, pt := range points {
		radius = math.Max(radius, domain.Distance(c, pt))
	}
	return c, radius
}
