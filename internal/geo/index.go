package geo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/roadside-assist/internal/models"
)

// Index is an in-process provider directory. It backs local runs and tests and
// mirrors the query shape of RedisDirectory.
type Index struct {
	mu        sync.RWMutex
	providers map[string]models.Provider
}

func NewIndex() *Index {
	return &Index{providers: make(map[string]models.Provider)}
}

// Upsert saves a provider profile. A profile without a position keeps the
// last reported one.
func (g *Index) Upsert(ctx context.Context, p models.Provider) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if old, ok := g.providers[p.ID]; ok && p.Loc == nil {
		p.Loc = old.Loc
	}
	p.Updated = time.Now()
	g.providers[p.ID] = p
	return nil
}

// ReportLocation moves a provider and leaves its profile alone. A provider
// seen for the first time is stored with its position only and is not
// matchable until a profile marks it available.
func (g *Index) ReportLocation(ctx context.Context, id string, loc models.Coord) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.providers[id]
	if !ok {
		p = models.Provider{ID: id}
	}
	p.Loc = &loc
	p.Updated = time.Now()
	g.providers[id] = p
	return nil
}

func (g *Index) Get(ctx context.Context, id string) (models.Provider, bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.providers[id]
	return p, ok, nil
}

func (g *Index) List(ctx context.Context) ([]models.Provider, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]models.Provider, 0, len(g.providers))
	for _, p := range g.providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// FindNearby scans every matchable provider; fine for the fleet sizes a
// single city sees.
func (g *Index) FindNearby(ctx context.Context, at models.Coord, radiusKm float64, st models.ServiceType) ([]models.Candidate, error) {
	all, _ := g.List(ctx)
	return Rank(at, all, radiusKm, st), nil
}

func (g *Index) FindClosest(ctx context.Context, at models.Coord, st models.ServiceType) ([]models.Candidate, error) {
	all, _ := g.List(ctx)
	out := Rank(at, all, 0, st)
	if len(out) > 1 {
		out = out[:1]
	}
	return out, nil
}

// Rank keeps providers that are active, available, located and offer the
// service, then orders them by distance with provider id as tie-breaker.
// A radius <= 0 disables the radius filter.
func Rank(at models.Coord, providers []models.Provider, radiusKm float64, st models.ServiceType) []models.Candidate {
	out := make([]models.Candidate, 0, len(providers))
	for _, p := range providers {
		if !p.Available || !p.Active || p.Loc == nil || !p.Offers(st) {
			continue
		}
		d := HaversineKm(at, *p.Loc)
		if radiusKm > 0 && d > radiusKm {
			continue
		}
		out = append(out, models.Candidate{Provider: p, DistanceKm: d})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].Provider.ID < out[j].Provider.ID
	})
	return out
}
