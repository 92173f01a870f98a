package geo

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

var ErrUnknownDriver = errors.New("unknown driver")

// Candidate is an eligible driver together with its distance to the query point.
type Candidate struct {
	Presence   models.DriverPresence
	DistanceKm float64
}

// Index keeps the last known position of every driver bucketed by zone.
// Reads tolerate a lag of one update per driver.
type Index struct {
	mu        sync.RWMutex
	drivers   map[string]*models.DriverPresence
	zones     map[string]map[string]struct{}
	precision uint
	liveness  time.Duration
	now       func() time.Time
}

type Option func(*Index)

// WithClock overrides time.Now, used by tests to age entries.
func WithClock(now func() time.Time) Option {
	return func(g *Index) { g.now = now }
}

func NewIndex(precision uint, liveness time.Duration, opts ...Option) *Index {
	if precision == 0 {
		precision = 6
	}
	g := &Index{
		drivers:   make(map[string]*models.DriverPresence),
		zones:     make(map[string]map[string]struct{}),
		precision: precision,
		liveness:  liveness,
		now:       time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

func (g *Index) Zone(lat, lon float64) string { return ZoneOf(lat, lon, g.precision) }

// Upsert records a position report and moves the driver between zone buckets
// when the cell changed. A driver first seen here starts off duty.
func (g *Index) Upsert(driverID string, lat, lon, heading float64) models.DriverPresence {
	zone := g.Zone(lat, lon)
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.drivers[driverID]
	if !ok {
		p = &models.DriverPresence{DriverID: driverID}
		g.drivers[driverID] = p
	}
	if ok && p.ZoneID != zone {
		g.removeFromZone(p.ZoneID, driverID)
	}
	if !ok || p.ZoneID != zone {
		bucket := g.zones[zone]
		if bucket == nil {
			bucket = make(map[string]struct{})
			g.zones[zone] = bucket
		}
		bucket[driverID] = struct{}{}
	}
	p.ZoneID = zone
	p.Lat, p.Lon, p.Heading = lat, lon, heading
	p.LastSeenAt = now
	return *p
}

// SetOnDuty toggles matching eligibility and keeps the last known position.
func (g *Index) SetOnDuty(driverID string, onDuty bool) (models.DriverPresence, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.drivers[driverID]
	if !ok {
		return models.DriverPresence{}, ErrUnknownDriver
	}
	p.OnDuty = onDuty
	return *p, nil
}

func (g *Index) Get(driverID string) (models.DriverPresence, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.drivers[driverID]
	if !ok {
		return models.DriverPresence{}, false
	}
	return *p, true
}

// CandidatesNear returns up to max eligible driver ids from the pickup zone and
// its neighbours, nearest first. No drivers yields an empty slice.
func (g *Index) CandidatesNear(lat, lon float64, max int) []string {
	cands := g.Nearest(lat, lon, max)
	ids := make([]string, 0, len(cands))
	for _, c := range cands {
		ids = append(ids, c.Presence.DriverID)
	}
	return ids
}

// Nearest is CandidatesNear with positions and distances attached.
func (g *Index) Nearest(lat, lon float64, max int) []Candidate {
	if max <= 0 {
		return []Candidate{}
	}
	out := make([]Candidate, 0, max)
	for _, p := range g.eligibleAround(lat, lon) {
		out = append(out, Candidate{Presence: p, DistanceKm: HaversineKm(lat, lon, p.Lat, p.Lon)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceKm == out[j].DistanceKm {
			return out[i].Presence.DriverID < out[j].Presence.DriverID
		}
		return out[i].DistanceKm < out[j].DistanceKm
	})
	if len(out) > max {
		out = out[:max]
	}
	return out
}

// Nearby lists every eligible driver in the 3x3 zone block around a point.
func (g *Index) Nearby(lat, lon float64) []models.DriverPresence {
	return g.eligibleAround(lat, lon)
}

func (g *Index) eligibleAround(lat, lon float64) []models.DriverPresence {
	cutoff := g.now().Add(-g.liveness)
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []models.DriverPresence
	for _, zone := range ZoneBlock(g.Zone(lat, lon)) {
		for id := range g.zones[zone] {
			p := g.drivers[id]
			if p == nil || !p.OnDuty || g.stale(p, cutoff) {
				continue
			}
			out = append(out, *p)
		}
	}
	return out
}

func (g *Index) stale(p *models.DriverPresence, cutoff time.Time) bool {
	return g.liveness > 0 && p.LastSeenAt.Before(cutoff)
}

// OnDutyCount counts fresh on-duty drivers.
func (g *Index) OnDutyCount() int {
	cutoff := g.now().Add(-g.liveness)
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := 0
	for _, p := range g.drivers {
		if p.OnDuty && !g.stale(p, cutoff) {
			n++
		}
	}
	return n
}

// Sweep evicts drivers that have not reported within the liveness threshold
// and returns how many were removed.
func (g *Index) Sweep() int {
	if g.liveness <= 0 {
		return 0
	}
	cutoff := g.now().Add(-g.liveness)
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for id, p := range g.drivers {
		if p.LastSeenAt.Before(cutoff) {
			g.removeFromZone(p.ZoneID, id)
			delete(g.drivers, id)
			n++
		}
	}
	return n
}

func (g *Index) RunSweeper(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := g.Sweep(); n > 0 {
				logger.Debug("presence sweep", "evicted", n)
			}
			observability.DriversOnDuty.Set(float64(g.OnDutyCount()))
		}
	}
}

// caller holds g.mu
func (g *Index) removeFromZone(zone, driverID string) {
	bucket := g.zones[zone]
	delete(bucket, driverID)
	if len(bucket) == 0 {
		delete(g.zones, zone)
	}
}
