package store

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/couchcryptid/coastal-hazard-pipeline/internal/domain"
)

// Memory is a Store backed by maps. Records are copied in and out.
type Memory struct {
	mu            sync.RWMutex
	reports       map[string]domain.Report
	verifications map[string]domain.VerificationResult
	hotspots      map[string]domain.Hotspot
	tasks         map[string]domain.AlertTask
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		reports:       make(map[string]domain.Report),
		verifications: make(map[string]domain.VerificationResult),
		hotspots:      make(map[string]domain.Hotspot),
		tasks:         make(map[string]domain.AlertTask),
	}
}

func (m *Memory) CreateReport(_ context.Context, r domain.Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reports[r.ID]; ok {
		return fmt.Errorf("report %s: %w", r.ID, ErrExists)
	}
	r.Verification = nil
	m.reports[r.ID] = r
	return nil
}

func (m *Memory) SaveVerification(_ context.Context, v domain.VerificationResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reports[v.ReportID]; !ok {
		return fmt.Errorf("verification for report %s: %w", v.ReportID, ErrNotFound)
	}
	if _, ok := m.verifications[v.ReportID]; ok {
		return fmt.Errorf("verification for report %s: %w", v.ReportID, ErrExists)
	}
	m.verifications[v.ReportID] = v
	return nil
}

func (m *Memory) GetReport(_ context.Context, id string) (domain.Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reports[id]
	if !ok {
		return domain.Report{}, fmt.Errorf("report %s: %w", id, ErrNotFound)
	}
	return m.withVerification(r), nil
}

func (m *Memory) ListReports(_ context.Context, q domain.Query) ([]domain.Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Report
	for _, r := range m.reports {
		if q.Matches(r.HazardType, r.Timestamp) {
			out = append(out, m.withVerification(r))
		}
	}
	slices.SortFunc(out, func(a, b domain.Report) int {
		return cmp.Or(a.Timestamp.Compare(b.Timestamp), cmp.Compare(a.ID, b.ID))
	})
	return limit(out, q.Limit), nil
}

func (m *Memory) withVerification(r domain.Report) domain.Report {
	if v, ok := m.verifications[r.ID]; ok {
		r.Verification = &v
	}
	return r
}

func (m *Memory) SaveHotspot(_ context.Context, h domain.Hotspot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.hotspots[h.ID]; ok && prev.State == domain.StateResolved && h.State != domain.StateResolved {
		return fmt.Errorf("hotspot %s is resolved", h.ID)
	}
	m.hotspots[h.ID] = h.Clone()
	return nil
}

func (m *Memory) GetHotspot(_ context.Context, id string) (domain.Hotspot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.hotspots[id]
	if !ok {
		return domain.Hotspot{}, fmt.Errorf("hotspot %s: %w", id, ErrNotFound)
	}
	return h.Clone(), nil
}

func (m *Memory) ListHotspots(_ context.Context, f HotspotFilter) ([]domain.Hotspot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Hotspot
	for _, h := range m.hotspots {
		if f.Matches(h) {
			out = append(out, h.Clone())
		}
	}
	slices.SortFunc(out, func(a, b domain.Hotspot) int {
		return cmp.Or(b.UpdatedAt.Compare(a.UpdatedAt), cmp.Compare(a.ID, b.ID))
	})
	return limit(out, f.Limit), nil
}

func (m *Memory) SaveAlertTask(_ context.Context, t domain.AlertTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = t
	return nil
}

func (m *Memory) ListAlertTasks(_ context.Context, f TaskFilter) ([]domain.AlertTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.AlertTask
	for _, t := range m.tasks {
		if f.Matches(t) {
			out = append(out, t)
		}
	}
	slices.SortFunc(out, func(a, b domain.AlertTask) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return limit(out, f.Limit), nil
}

func limit[T any](s []T, n int) []T {
	if n > 0 && len(s) > n {
		return s[:n]
	}
	return s
}
