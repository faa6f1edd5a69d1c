// Package store defines persistence for reports, verifications, hotspots and
// alert tasks, plus the in-memory implementation used by default and in
// tests.
package store

import (
	"context"
	"errors"
	"slices"

	"github.com/couchcryptid/coastal-hazard-pipeline/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	ErrExists   = errors.New("already exists")
)

// HotspotFilter narrows ListHotspots. Query time bounds apply to CreatedAt.
type HotspotFilter struct {
	States []domain.HotspotState
	domain.Query
}

// Matches reports whether h passes the filter.
func (f HotspotFilter) Matches(h domain.Hotspot) bool {
	if len(f.States) > 0 && !slices.Contains(f.States, h.State) {
		return false
	}
	return f.Query.Matches(h.HazardType, h.CreatedAt)
}

// TaskFilter narrows ListAlertTasks. Query time bounds apply to CreatedAt.
type TaskFilter struct {
	HotspotID string
	States    []domain.DeliveryState
	domain.Query
}

// Matches reports whether t passes the filter.
func (f TaskFilter) Matches(t domain.AlertTask) bool {
	if f.HotspotID != "" && f.HotspotID != t.HotspotID {
		return false
	}
	if len(f.States) > 0 && !slices.Contains(f.States, t.State) {
		return false
	}
	return f.Query.Matches(t.HazardType, t.CreatedAt)
}

// Store is the keyed store behind the pipeline. Reports and verifications are
// write-once; hotspots and alert tasks are upserted on every change.
type Store interface {
	CreateReport(ctx context.Context, r domain.Report) error
	SaveVerification(ctx context.Context, v domain.VerificationResult) error
	GetReport(ctx context.Context, id string) (domain.Report, error)
	ListReports(ctx context.Context, q domain.Query) ([]domain.Report, error)

	SaveHotspot(ctx context.Context, h domain.Hotspot) error
	GetHotspot(ctx context.Context, id string) (domain.Hotspot, error)
	ListHotspots(ctx context.Context, f HotspotFilter) ([]domain.Hotspot, error)

	SaveAlertTask(ctx context.Context, t domain.AlertTask) error
	ListAlertTasks(ctx context.Context, f TaskFilter) ([]domain.AlertTask, error)
}

// LiveStates are the hotspot states restored on startup.
var LiveStates = []domain.HotspotState{domain.StateForming, domain.StateActive, domain.StateEscalated}
