package matcher

import (
	"context"
	"errors"
	"log/slog"

	"github.com/example/roadside-assist/internal/geo"
	"github.com/example/roadside-assist/internal/models"
	"github.com/example/roadside-assist/internal/observability"
)

// DefaultRadiusKm is the radius used for the first, quality-of-service pass.
const DefaultRadiusKm = 10.0

// ErrMatchNotFound is a valid outcome: nobody can take the request right now.
var ErrMatchNotFound = errors.New("no eligible provider found")

// Directory is the provider directory the matcher reads from. Either query may
// come back empty even when providers exist (stale geo index, partial outage),
// so List must return the full listing for client-side recomputation.
type Directory interface {
	FindNearby(ctx context.Context, at models.Coord, radiusKm float64, st models.ServiceType) ([]models.Candidate, error)
	FindClosest(ctx context.Context, at models.Coord, st models.ServiceType) ([]models.Candidate, error)
	List(ctx context.Context) ([]models.Provider, error)
}

// Service never mutates requests or providers.
type Service struct {
	Directory Directory
	Logger    *slog.Logger
}

func New(dir Directory, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{Directory: dir, Logger: logger.With("component", "matcher")}
}

// FindAssignable returns matchable providers within radiusKm ordered by
// distance, ties broken by provider id.
func (s *Service) FindAssignable(ctx context.Context, at models.Coord, radiusKm float64, st models.ServiceType) ([]models.Candidate, error) {
	if radiusKm <= 0 {
		radiusKm = DefaultRadiusKm
	}
	rows, err := s.Directory.FindNearby(ctx, at, radiusKm, st)
	if err != nil {
		s.Logger.Warn("directory nearby query failed", "error", err)
	}
	out := geo.Rank(at, providersOf(rows), radiusKm, st)
	if len(out) > 0 {
		return out, nil
	}
	out, err = s.recompute(ctx, at, radiusKm, st)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrMatchNotFound
	}
	return out, nil
}

// FindClosestAny returns the single globally nearest matchable provider.
func (s *Service) FindClosestAny(ctx context.Context, at models.Coord, st models.ServiceType) (models.Candidate, error) {
	rows, err := s.Directory.FindClosest(ctx, at, st)
	if err != nil {
		s.Logger.Warn("directory closest query failed", "error", err)
	}
	out := geo.Rank(at, providersOf(rows), 0, st)
	if len(out) == 0 {
		if out, err = s.recompute(ctx, at, 0, st); err != nil {
			return models.Candidate{}, err
		}
	}
	if len(out) == 0 {
		return models.Candidate{}, ErrMatchNotFound
	}
	return out[0], nil
}

// recompute is the degraded path: rank the full listing in-process.
func (s *Service) recompute(ctx context.Context, at models.Coord, radiusKm float64, st models.ServiceType) ([]models.Candidate, error) {
	observability.MatcherFallbacks.Inc()
	all, err := s.Directory.List(ctx)
	if err != nil {
		return nil, err
	}
	return geo.Rank(at, all, radiusKm, st), nil
}

// Directory rows are re-ranked locally so a directory with a different earth
// model or stale flags cannot break the radius or eligibility guarantees.
func providersOf(rows []models.Candidate) []models.Provider {
	out := make([]models.Provider, 0, len(rows))
	for _, c := range rows {
		out = append(out, c.Provider)
	}
	return out
}
