package eta

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/example/roadside-assist/internal/geo"
	"github.com/example/roadside-assist/internal/models"
)

var t0 = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func sample(lat, lng float64, at time.Time) models.PositionSample {
	return models.PositionSample{EntityID: "prov-1", Lat: lat, Lng: lng, CapturedAt: at}
}

func newTestSampler(now time.Time) *Sampler {
	s := NewSampler(DefaultConfig(), nil)
	s.now = func() time.Time { return now }
	return s
}

func TestSpeedAndETAFromTwoSamples(t *testing.T) {
	a := sample(5.60, -0.18, t0)
	b := sample(5.601, -0.181, t0.Add(30*time.Second))

	// customer 2 km north of the second sample
	customer := models.Coord{Lat: 5.601 + 2/111.195, Lng: -0.181}
	s := newTestSampler(b.CapturedAt)
	s.Start("r1", &customer)
	for _, x := range []models.PositionSample{a, b} {
		if ok, err := s.Report("r1", models.PartyProvider, x); err != nil || !ok {
			t.Fatalf("Report: ok=%v err=%v", ok, err)
		}
	}
	snap, err := s.Estimate("r1")
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	step := geo.HaversineKm(a.Coord(), b.Coord())
	wantSpeed := step / (30.0 / 3600)
	if snap.SpeedKmh == nil || math.Abs(*snap.SpeedKmh-wantSpeed) > 1e-9 {
		t.Fatalf("speed: want %f got %v", wantSpeed, snap.SpeedKmh)
	}
	if math.Abs(step-0.157) > 0.005 {
		t.Fatalf("unexpected step distance %f", step)
	}
	if snap.DistanceKm == nil || math.Abs(*snap.DistanceKm-2) > 0.01 {
		t.Fatalf("distance: got %v", snap.DistanceKm)
	}
	if snap.ETAMinutes == nil || snap.Calculating {
		t.Fatalf("expected an ETA, got calculating")
	}
	want := *snap.DistanceKm / wantSpeed * 60
	if math.Abs(*snap.ETAMinutes-want) > 1e-9 {
		t.Fatalf("eta: want %f got %f", want, *snap.ETAMinutes)
	}
	if snap.BearingDeg == nil || math.Abs(*snap.BearingDeg) > 0.01 {
		t.Fatalf("expected bearing due north, got %v", snap.BearingDeg)
	}
	if snap.DistanceText != "2.0 km" {
		t.Fatalf("unexpected distance text %q", snap.DistanceText)
	}
}

func TestSingleSampleIsCalculating(t *testing.T) {
	s := newTestSampler(t0)
	s.Start("r1", &models.Coord{Lat: 5.62, Lng: -0.18})
	if _, err := s.Report("r1", models.PartyProvider, sample(5.60, -0.18, t0)); err != nil {
		t.Fatalf("Report: %v", err)
	}
	snap, _ := s.Estimate("r1")
	if !snap.Calculating || snap.ETAMinutes != nil {
		t.Fatalf("expected calculating, got %+v", snap)
	}
	if snap.DistanceKm == nil {
		t.Fatal("distance should be known from one sample")
	}
}

func TestStaleAndDuplicateSamplesDropped(t *testing.T) {
	s := newTestSampler(t0)
	s.Start("r1", nil)
	_, _ = s.Report("r1", models.PartyProvider, sample(5.60, -0.18, t0.Add(time.Minute)))
	for _, at := range []time.Time{t0, t0.Add(time.Minute)} {
		ok, err := s.Report("r1", models.PartyProvider, sample(5.61, -0.19, at))
		if err != nil || ok {
			t.Fatalf("expected silent drop at %v, got ok=%v err=%v", at, ok, err)
		}
	}
	snap, _ := s.Estimate("r1")
	if len(snap.Trail) != 1 {
		t.Fatalf("expected 1 retained sample, got %d", len(snap.Trail))
	}
}

func TestJitterDoesNotSpikeSpeed(t *testing.T) {
	s := newTestSampler(t0.Add(10 * time.Second))
	s.Start("r1", &models.Coord{Lat: 5.7, Lng: -0.18})
	_, _ = s.Report("r1", models.PartyProvider, sample(5.60, -0.18, t0))
	ok, err := s.Report("r1", models.PartyProvider, sample(5.60004, -0.18003, t0.Add(time.Second)))
	if err != nil || ok {
		t.Fatalf("expected jitter drop, got ok=%v err=%v", ok, err)
	}
	snap, _ := s.Estimate("r1")
	if snap.SpeedKmh != nil {
		t.Fatalf("expected no speed signal, got %f", *snap.SpeedKmh)
	}
}

func TestHistoryBoundedOldestEvicted(t *testing.T) {
	s := newTestSampler(t0)
	s.Start("r1", nil)
	for i := 0; i < 20; i++ {
		_, err := s.Report("r1", models.PartyProvider, sample(5.60+float64(i)*0.001, -0.18, t0.Add(time.Duration(i)*time.Second)))
		if err != nil {
			t.Fatalf("Report %d: %v", i, err)
		}
	}
	snap, _ := s.Estimate("r1")
	if len(snap.Trail) != 15 {
		t.Fatalf("expected 15 samples, got %d", len(snap.Trail))
	}
	if !snap.Trail[0].CapturedAt.Equal(t0.Add(5*time.Second)) {
		t.Fatalf("expected oldest retained at +5s, got %v", snap.Trail[0].CapturedAt)
	}
	if !snap.Trail[14].CapturedAt.Equal(t0.Add(19 * time.Second)) {
		t.Fatalf("expected newest at +19s, got %v", snap.Trail[14].CapturedAt)
	}
}

func TestStationaryProviderFallsBackToCalculating(t *testing.T) {
	s := newTestSampler(t0)
	s.Start("r1", &models.Coord{Lat: 5.7, Lng: -0.18})
	_, _ = s.Report("r1", models.PartyProvider, sample(5.60, -0.18, t0))
	_, _ = s.Report("r1", models.PartyProvider, sample(5.602, -0.18, t0.Add(30*time.Second)))
	s.now = func() time.Time { return t0.Add(30*time.Second + 3*time.Minute) }
	snap, _ := s.Estimate("r1")
	if !snap.Calculating || snap.ETAMinutes != nil {
		t.Fatalf("expected calculating after stale window, got eta=%v", snap.ETAMinutes)
	}
}

func TestETAMinutesNeverNegativeOrInfinite(t *testing.T) {
	if _, ok := ETAMinutes(5, 0); ok {
		t.Fatal("zero speed must be indeterminate")
	}
	if _, ok := ETAMinutes(5, -3); ok {
		t.Fatal("negative speed must be indeterminate")
	}
	if _, ok := ETAMinutes(5, math.Inf(1)); ok {
		t.Fatal("infinite speed must be indeterminate")
	}
	for _, d := range []float64{0, 0.5, 12, 300} {
		for _, v := range []float64{0.1, 15.6, 80} {
			m, ok := ETAMinutes(d, v)
			if !ok || m < 0 || math.IsInf(m, 0) {
				t.Fatalf("ETAMinutes(%f, %f) = %f, %v", d, v, m, ok)
			}
		}
	}
	if m, _ := ETAMinutes(2, 15.6); math.Abs(m-7.69) > 0.01 {
		t.Fatalf("expected ~7.7 minutes, got %f", m)
	}
}

func TestCustomerSamplesMoveTarget(t *testing.T) {
	s := newTestSampler(t0)
	s.Start("r1", &models.Coord{Lat: 5.7, Lng: -0.18})
	_, _ = s.Report("r1", models.PartyProvider, sample(5.60, -0.18, t0))
	if ok, err := s.Report("r1", models.PartyCustomer, models.PositionSample{EntityID: "cust", Lat: 5.65, Lng: -0.18, CapturedAt: t0}); !ok || err != nil {
		t.Fatalf("customer report: ok=%v err=%v", ok, err)
	}
	snap, _ := s.Estimate("r1")
	if snap.CustomerLoc == nil || snap.CustomerLoc.Lat != 5.65 {
		t.Fatalf("expected customer coordinate updated, got %+v", snap.CustomerLoc)
	}
	if len(snap.CustomerTrail) != 1 {
		t.Fatalf("expected customer trail of 1, got %d", len(snap.CustomerTrail))
	}
}

func TestLifecycleEventsOpenAndCloseSessions(t *testing.T) {
	s := newTestSampler(t0)
	req := &models.ServiceRequest{ID: "r1", CustomerLoc: &models.Coord{Lat: 5.6, Lng: -0.18}}
	s.OnChange(context.Background(), models.ChangeEvent{RequestID: "r1", To: models.StatusEnRoute, Request: req})
	if !s.Active("r1") {
		t.Fatal("expected session after en_route")
	}
	s.OnChange(context.Background(), models.ChangeEvent{RequestID: "r1", To: models.StatusInProgress, Request: req})
	s.OnChange(context.Background(), models.ChangeEvent{RequestID: "r1", To: models.StatusCancelled, Request: req})
	if s.Active("r1") {
		t.Fatal("expected session closed after cancel")
	}
	if _, err := s.Report("r1", models.PartyProvider, sample(5.6, -0.18, t0)); err != ErrNotTracking {
		t.Fatalf("expected ErrNotTracking, got %v", err)
	}
}

func TestFollowStopsWithSession(t *testing.T) {
	s := newTestSampler(t0)
	s.Start("r1", nil)
	feed := make(chan models.PositionSample)
	done := make(chan error, 1)
	go func() { done <- s.Follow(context.Background(), "r1", feed) }()

	feed <- sample(5.60, -0.18, t0)
	feed <- sample(5.61, -0.18, t0.Add(time.Minute))
	s.Stop("r1")

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Follow: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Follow did not return after Stop")
	}
}

func TestFollowHonoursContext(t *testing.T) {
	s := newTestSampler(t0)
	s.Start("r1", nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Follow(ctx, "r1", make(chan models.PositionSample)); err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
