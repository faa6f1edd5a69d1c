package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"sync"

	"github.com/couchcryptid/coastal-hazard-pipeline/internal/domain"
)

// Subscriber is a recipient registered for hazard alerts around a location.
type Subscriber struct {
	ID       string              `json:"id"`
	Channels []string            `json:"channels"`
	Hazards  []domain.HazardType `json:"hazards,omitempty"` // empty means every hazard
	Location domain.Geo          `json:"location"`
	RadiusKm float64             `json:"radius_km"` // zero or less means everywhere
}

// Area is the footprint of a hotspot at the time of a trigger.
type Area struct {
	Center   domain.Geo
	RadiusKm float64
}

// Covers reports whether the subscriber wants alerts for hazard h in area a.
// A subscriber is covered when its watch circle intersects the hotspot.
func (s Subscriber) Covers(h domain.HazardType, a Area) bool {
	if len(s.Hazards) > 0 && !slices.Contains(s.Hazards, h) {
		return false
	}
	if s.RadiusKm <= 0 {
		return true
	}
	return domain.Distance(s.Location, a.Center) <= s.RadiusKm+a.RadiusKm
}

// Directory resolves the subscribers for a hazard in an area.
type Directory interface {
	SubscribersFor(ctx context.Context, h domain.HazardType, a Area) ([]Subscriber, error)
}

// StaticDirectory is an in-memory Directory, optionally loaded from a JSON
// file holding an array of subscribers.
type StaticDirectory struct {
	mu   sync.RWMutex
	subs []Subscriber
}

// NewStaticDirectory creates a directory holding subs.
func NewStaticDirectory(subs ...Subscriber) *StaticDirectory {
	return &StaticDirectory{subs: slices.Clone(subs)}
}

// LoadStaticDirectory reads subscribers from a JSON file.
func LoadStaticDirectory(path string) (*StaticDirectory, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read subscribers file: %w", err)
	}
	var subs []Subscriber
	if err := json.Unmarshal(b, &subs); err != nil {
		return nil, fmt.Errorf("parse subscribers file %s: %w", path, err)
	}
	for i, s := range subs {
		if s.ID == "" {
			return nil, fmt.Errorf("parse subscribers file %s: entry %d has no id", path, i)
		}
	}
	return NewStaticDirectory(subs...), nil
}

// Add registers or replaces a subscriber.
func (d *StaticDirectory) Add(s Subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.subs {
		if d.subs[i].ID == s.ID {
			d.subs[i] = s
			return
		}
	}
	d.subs = append(d.subs, s)
}

func (d *StaticDirectory) SubscribersFor(_ context.Context, h domain.HazardType, a Area) ([]Subscriber, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []Subscriber
	for _, s := range d.subs {
		if s.Covers(h, a) {
			out = append(out, s)
		}
	}
	return out, nil
}
