package hotspot

import (
	"math"
	"slices"
	"sync"

	"github.com/couchcryptid/coastal-hazard-pipeline/internal/domain"
)

// bandKey identifies a horizontal latitude strip for one hazard type. Strips
// are as tall as the hazard's radius cap, so any point within the cap of a
// centroid lies in the centroid's band or one of its two neighbours.
type bandKey struct {
	hazard domain.HazardType
	band   int
}

func bandOf(h domain.HazardType, lat float64, capKm float64) bandKey {
	height := capKm / domain.KmPerDegreeLat
	return bandKey{hazard: h, band: int(math.Floor(lat / height))}
}

func (k bandKey) neighbourhood() []bandKey {
	return []bandKey{
		{hazard: k.hazard, band: k.band - 1},
		k,
		{hazard: k.hazard, band: k.band + 1},
	}
}

// bandIndex maps bands to the live hotspots whose centroid falls in them and
// hands out one mutex per band. Holding a band's mutex makes the caller the
// only writer for hotspots in that band.
type bandIndex struct {
	mu    sync.Mutex
	locks map[bandKey]*sync.Mutex
	bands map[bandKey]map[string]*entry
}

func newBandIndex() *bandIndex {
	return &bandIndex{
		locks: make(map[bandKey]*sync.Mutex),
		bands: make(map[bandKey]map[string]*entry),
	}
}

func (ix *bandIndex) lockFor(k bandKey) *sync.Mutex {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	l, ok := ix.locks[k]
	if !ok {
		l = &sync.Mutex{}
		ix.locks[k] = l
	}
	return l
}

// lock acquires the band locks for keys in ascending band order and returns
// the matching unlock func.
func (ix *bandIndex) lock(keys []bandKey) func() {
	sorted := slices.Clone(keys)
	slices.SortFunc(sorted, func(a, b bandKey) int { return a.band - b.band })
	sorted = slices.Compact(sorted)

	held := make([]*sync.Mutex, 0, len(sorted))
	for _, k := range sorted {
		l := ix.lockFor(k)
		l.Lock()
		held = append(held, l)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}

// in returns the entries currently indexed under k. Caller holds k's lock.
func (ix *bandIndex) in(k bandKey) []*entry {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	out := make([]*entry, 0, len(ix.bands[k]))
	for _, e := range ix.bands[k] {
		out = append(out, e)
	}
	return out
}

func (ix *bandIndex) put(k bandKey, e *entry) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	m, ok := ix.bands[k]
	if !ok {
		m = make(map[string]*entry)
		ix.bands[k] = m
	}
	m[e.id] = e
}

func (ix *bandIndex) drop(k bandKey, id string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if m, ok := ix.bands[k]; ok {
		delete(m, id)
		if len(m) == 0 {
			delete(ix.bands, k)
		}
	}
}

// all returns every indexed entry with the band it is filed under.
func (ix *bandIndex) all() map[*entry]bandKey {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	out := make(map[*entry]bandKey)
	for k, m := range ix.bands {
		for _, e := range m {
			out[e] = k
		}
	}
	return out
}
