package geo

import (
	"context"
	"math"
	"testing"

	"github.com/example/roadside-assist/internal/models"
)

func TestHaversineZero(t *testing.T) {
	p := models.Coord{Lat: 5.6037, Lng: -0.1870}
	if d := HaversineKm(p, p); d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineSymmetric(t *testing.T) {
	pts := []models.Coord{
		{Lat: 5.6037, Lng: -0.1870},
		{Lat: 6.6885, Lng: -1.6244},
		{Lat: -33.8688, Lng: 151.2093},
		{Lat: 51.5074, Lng: -0.1278},
		{Lat: 89.9, Lng: 179.9},
	}
	for _, a := range pts {
		for _, b := range pts {
			ab, ba := HaversineKm(a, b), HaversineKm(b, a)
			if math.Abs(ab-ba) > 1e-9 {
				t.Fatalf("asymmetric distance %v->%v: %f vs %f", a, b, ab, ba)
			}
		}
	}
}

func TestHaversineKnownDistance(t *testing.T) {
	// one degree of latitude on a 6371 km sphere
	d := HaversineKm(models.Coord{Lat: 0, Lng: 10}, models.Coord{Lat: 1, Lng: 10})
	if math.Abs(d-111.19) > 0.01 {
		t.Fatalf("expected ~111.19 km, got %f", d)
	}
}

func TestBearingCardinalDirections(t *testing.T) {
	origin := models.Coord{Lat: 0, Lng: 0}
	cases := []struct {
		to   models.Coord
		want float64
	}{
		{models.Coord{Lat: 1, Lng: 0}, 0},
		{models.Coord{Lat: 0, Lng: 1}, 90},
		{models.Coord{Lat: -1, Lng: 0}, 180},
		{models.Coord{Lat: 0, Lng: -1}, 270},
	}
	for _, c := range cases {
		got := BearingDeg(origin, c.to)
		if math.Abs(got-c.want) > 1e-6 {
			t.Fatalf("bearing to %v: want %f got %f", c.to, c.want, got)
		}
		if got < 0 || got >= 360 {
			t.Fatalf("bearing out of range: %f", got)
		}
	}
}

func TestFormatDistance(t *testing.T) {
	cases := map[float64]string{
		0.85:  "850 m",
		0:     "0 m",
		-1:    "0 m",
		2.44:  "2.4 km",
		40.06: "40.1 km",
	}
	for in, want := range cases {
		if got := FormatDistance(in); got != want {
			t.Fatalf("FormatDistance(%f) = %q, want %q", in, got, want)
		}
	}
}

func TestMovedJitterThreshold(t *testing.T) {
	a := models.Coord{Lat: 5.6, Lng: -0.18}
	if Moved(a, models.Coord{Lat: 5.60005, Lng: -0.18005}, JitterDegrees) {
		t.Fatal("sub-threshold move reported as movement")
	}
	if !Moved(a, models.Coord{Lat: 5.6002, Lng: -0.18}, JitterDegrees) {
		t.Fatal("expected movement")
	}
}

func TestRankFiltersAndOrders(t *testing.T) {
	at := models.Coord{Lat: 5.6037, Lng: -0.1870}
	near := &models.Coord{Lat: 5.61, Lng: -0.19}
	providers := []models.Provider{
		{ID: "b", Loc: near, Available: true, Active: true},
		{ID: "a", Loc: near, Available: true, Active: true},
		{ID: "off", Loc: near, Available: false, Active: true},
		{ID: "inactive", Loc: near, Available: true, Active: false},
		{ID: "nowhere", Available: true, Active: true},
		{ID: "far", Loc: &models.Coord{Lat: 5.95, Lng: -0.187}, Available: true, Active: true},
		{ID: "tow-only", Loc: near, Available: true, Active: true, ServiceTypes: []models.ServiceType{models.ServiceTowing}},
	}
	got := Rank(at, providers, 10, models.ServiceTireChange)
	if len(got) != 2 {
		t.Fatalf("expected 2 candidates, got %d: %+v", len(got), got)
	}
	if got[0].Provider.ID != "a" || got[1].Provider.ID != "b" {
		t.Fatalf("expected tie broken by id, got %s,%s", got[0].Provider.ID, got[1].Provider.ID)
	}
	all := Rank(at, providers, 0, "")
	if all[len(all)-1].Provider.ID != "far" {
		t.Fatalf("expected far provider last without radius, got %s", all[len(all)-1].Provider.ID)
	}
}

func TestIndexFindClosestReturnsSingle(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex()
	_ = idx.Upsert(ctx, models.Provider{ID: "p1", Loc: &models.Coord{Lat: 5.9, Lng: -0.18}, Available: true, Active: true})
	_ = idx.Upsert(ctx, models.Provider{ID: "p2", Loc: &models.Coord{Lat: 6.3, Lng: -0.18}, Available: true, Active: true})
	got, err := idx.FindClosest(ctx, models.Coord{Lat: 5.6, Lng: -0.18}, "")
	if err != nil {
		t.Fatalf("FindClosest: %v", err)
	}
	if len(got) != 1 || got[0].Provider.ID != "p1" {
		t.Fatalf("expected p1 only, got %+v", got)
	}
}

func TestMetaRoundTrip(t *testing.T) {
	p := models.Provider{ID: "p9", Available: true, Active: true, Rating: 4.5, ServiceTypes: []models.ServiceType{models.ServiceTowing, models.ServiceLockout}, PayoutAccount: "acct_1"}
	fields := MetaFields(p)
	m := make(map[string]string, len(fields))
	for k, v := range fields {
		m[k] = v.(string)
	}
	got := ParseMeta("p9", m)
	if !got.Available || !got.Active || got.Rating != 4.5 || got.PayoutAccount != "acct_1" || len(got.ServiceTypes) != 2 {
		t.Fatalf("unexpected provider %+v", got)
	}
}

func TestReportLocationKeepsProfile(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex()
	_ = idx.Upsert(ctx, models.Provider{ID: "p1", Loc: &models.Coord{Lat: 5.6, Lng: -0.18}, Available: true, Active: true, PayoutAccount: "acct_p1"})
	if err := idx.ReportLocation(ctx, "p1", models.Coord{Lat: 5.61, Lng: -0.19}); err != nil {
		t.Fatalf("ReportLocation: %v", err)
	}
	p, _, _ := idx.Get(ctx, "p1")
	if !p.Available || !p.Active || p.PayoutAccount != "acct_p1" {
		t.Fatalf("profile lost after a location report: %+v", p)
	}
	if p.Loc == nil || p.Loc.Lat != 5.61 {
		t.Fatalf("position not updated: %+v", p.Loc)
	}

	_ = idx.Upsert(ctx, models.Provider{ID: "p1", Available: false, Active: true, PayoutAccount: "acct_p1"})
	p, _, _ = idx.Get(ctx, "p1")
	if p.Loc == nil || p.Loc.Lat != 5.61 || p.Available {
		t.Fatalf("profile update should keep the position: %+v", p)
	}
}

func TestReportLocationForUnknownProviderIsNotMatchable(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex()
	_ = idx.ReportLocation(ctx, "new", models.Coord{Lat: 5.6, Lng: -0.18})
	got, _ := idx.FindNearby(ctx, models.Coord{Lat: 5.6, Lng: -0.18}, 10, "")
	if len(got) != 0 {
		t.Fatalf("provider without a profile must not match, got %+v", got)
	}
}
