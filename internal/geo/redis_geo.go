package geo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/roadside-assist/internal/models"
)

// halfEquatorKm bounds GEOSEARCH when looking for the closest provider anywhere.
const halfEquatorKm = 20038.0

// RedisDirectory keeps provider positions in a GEO set and provider metadata
// in one hash per provider.
type RedisDirectory struct {
	client *redis.Client
	key    string
	limit  int
}

func NewRedisDirectory(client *redis.Client, key string) *RedisDirectory {
	if key == "" {
		key = "providers_geo"
	}
	return &RedisDirectory{client: client, key: key, limit: 50}
}

func (r *RedisDirectory) Upsert(ctx context.Context, p models.Provider) error {
	if p.Loc != nil {
		if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Name: p.ID, Longitude: p.Loc.Lng, Latitude: p.Loc.Lat}).Err(); err != nil {
			return fmt.Errorf("geoadd %s: %w", p.ID, err)
		}
	}
	return r.client.HSet(ctx, MetaKey(p.ID), MetaFields(p)).Err()
}

// ReportLocation moves the provider in the GEO set and touches only the
// updated field of its metadata.
func (r *RedisDirectory) ReportLocation(ctx context.Context, id string, loc models.Coord) error {
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Name: id, Longitude: loc.Lng, Latitude: loc.Lat}).Err(); err != nil {
		return fmt.Errorf("geoadd %s: %w", id, err)
	}
	return r.client.HSet(ctx, MetaKey(id), LocationFields(time.Now())).Err()
}

func (r *RedisDirectory) Get(ctx context.Context, id string) (models.Provider, bool, error) {
	meta, err := r.client.HGetAll(ctx, MetaKey(id)).Result()
	if err != nil {
		return models.Provider{}, false, err
	}
	if len(meta) == 0 {
		return models.Provider{}, false, nil
	}
	p := ParseMeta(id, meta)
	pos, err := r.client.GeoPos(ctx, r.key, id).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return models.Provider{}, false, err
	}
	if len(pos) > 0 && pos[0] != nil {
		p.Loc = &models.Coord{Lat: pos[0].Latitude, Lng: pos[0].Longitude}
	}
	return p, true, nil
}

func (r *RedisDirectory) List(ctx context.Context) ([]models.Provider, error) {
	ids, err := r.client.ZRange(ctx, r.key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.Provider, 0, len(ids))
	for _, id := range ids {
		p, ok, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (r *RedisDirectory) FindNearby(ctx context.Context, at models.Coord, radiusKm float64, st models.ServiceType) ([]models.Candidate, error) {
	providers, err := r.search(ctx, at, radiusKm)
	if err != nil {
		return nil, err
	}
	return Rank(at, providers, radiusKm, st), nil
}

func (r *RedisDirectory) FindClosest(ctx context.Context, at models.Coord, st models.ServiceType) ([]models.Candidate, error) {
	providers, err := r.search(ctx, at, halfEquatorKm)
	if err != nil {
		return nil, err
	}
	out := Rank(at, providers, 0, st)
	if len(out) > 1 {
		out = out[:1]
	}
	return out, nil
}

func (r *RedisDirectory) search(ctx context.Context, at models.Coord, radiusKm float64) ([]models.Provider, error) {
	res, err := r.client.GeoSearchLocation(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  at.Lng,
			Latitude:   at.Lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
			Count:      r.limit,
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]models.Provider, 0, len(res))
	for _, g := range res {
		meta, err := r.client.HGetAll(ctx, MetaKey(g.Name)).Result()
		if err != nil {
			return nil, err
		}
		p := ParseMeta(g.Name, meta)
		p.Loc = &models.Coord{Lat: g.Latitude, Lng: g.Longitude}
		out = append(out, p)
	}
	return out, nil
}

func MetaKey(id string) string { return "provider:meta:" + id }

// MetaFields flattens provider attributes for HSET. The consumer binary writes
// the same shape.
func MetaFields(p models.Provider) map[string]interface{} {
	types := make([]string, 0, len(p.ServiceTypes))
	for _, st := range p.ServiceTypes {
		types = append(types, string(st))
	}
	return map[string]interface{}{
		"available":      strconv.FormatBool(p.Available),
		"active":         strconv.FormatBool(p.Active),
		"rating":         strconv.FormatFloat(p.Rating, 'f', 2, 64),
		"service_types":  strings.Join(types, ","),
		"payout_account": p.PayoutAccount,
		"updated":        time.Now().UTC().Format(time.RFC3339),
	}
}

// LocationFields is the metadata a position report may write.
func LocationFields(at time.Time) map[string]interface{} {
	return map[string]interface{}{"updated": at.UTC().Format(time.RFC3339)}
}

func ParseMeta(id string, m map[string]string) models.Provider {
	p := models.Provider{ID: id}
	p.Available = m["available"] == "true"
	p.Active = m["active"] == "true"
	if v, err := strconv.ParseFloat(m["rating"], 64); err == nil {
		p.Rating = v
	}
	for _, s := range strings.Split(m["service_types"], ",") {
		if s = strings.TrimSpace(s); s != "" {
			p.ServiceTypes = append(p.ServiceTypes, models.ServiceType(s))
		}
	}
	p.PayoutAccount = m["payout_account"]
	if t, err := time.Parse(time.RFC3339, m["updated"]); err == nil {
		p.Updated = t
	}
	return p
}
