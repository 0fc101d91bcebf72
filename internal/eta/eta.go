// Package eta turns a stream of provider and customer position samples into
// distance, speed, bearing and ETA for an active request. It is a read-side
// layer: nothing here mutates a ServiceRequest.
package eta

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/example/roadside-assist/internal/geo"
	"github.com/example/roadside-assist/internal/models"
	"github.com/example/roadside-assist/internal/observability"
)

var (
	// ErrStaleSample marks a sample not newer than the last retained one. It is
	// counted and dropped, never returned to callers.
	ErrStaleSample = errors.New("stale position sample")
	ErrNotTracking = errors.New("request has no active tracking session")
)

type Config struct {
	HistorySize int
	MinMoveDeg  float64
	// StaleAfter is how long the provider may go without a retained movement
	// before the ETA falls back to "calculating".
	StaleAfter time.Duration
}

func DefaultConfig() Config {
	return Config{HistorySize: 15, MinMoveDeg: geo.JitterDegrees, StaleAfter: 2 * time.Minute}
}

type Snapshot struct {
	RequestID     string                  `json:"request_id"`
	ProviderLoc   *models.Coord           `json:"provider_loc,omitempty"`
	CustomerLoc   *models.Coord           `json:"customer_loc,omitempty"`
	DistanceKm    *float64                `json:"distance_km,omitempty"`
	DistanceText  string                  `json:"distance_text,omitempty"`
	SpeedKmh      *float64                `json:"speed_kmh,omitempty"`
	BearingDeg    *float64                `json:"bearing_deg,omitempty"`
	ETAMinutes    *float64                `json:"eta_minutes,omitempty"`
	Calculating   bool                    `json:"calculating"`
	Trail         []models.PositionSample `json:"trail"`
	CustomerTrail []models.PositionSample `json:"customer_trail"`
}

type session struct {
	customer      *models.Coord
	provider      *ring
	customerTrail *ring
	speedKmh      float64
	hasSpeed      bool
	lastMoveAt    time.Time
	done          chan struct{}
}

type Sampler struct {
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
	mu       sync.Mutex
	sessions map[string]*session
}

func NewSampler(cfg Config, logger *slog.Logger) *Sampler {
	def := DefaultConfig()
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	if cfg.MinMoveDeg <= 0 {
		cfg.MinMoveDeg = def.MinMoveDeg
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sampler{
		cfg:      cfg,
		logger:   logger.With("component", "eta"),
		now:      time.Now,
		sessions: make(map[string]*session),
	}
}

// Start opens a session for the request. Calling it again keeps the existing
// history and only fills in a missing customer coordinate.
func (s *Sampler) Start(requestID string, customer *models.Coord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[requestID]; ok {
		if sess.customer == nil && customer != nil {
			c := *customer
			sess.customer = &c
		}
		return
	}
	sess := &session{
		provider:      newRing(s.cfg.HistorySize),
		customerTrail: newRing(s.cfg.HistorySize),
		done:          make(chan struct{}),
	}
	if customer != nil {
		c := *customer
		sess.customer = &c
	}
	s.sessions[requestID] = sess
	observability.TrackingSessions.Inc()
}

// Stop discards the session and releases any Follow loop bound to it.
func (s *Sampler) Stop(requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[requestID]
	if !ok {
		return
	}
	close(sess.done)
	delete(s.sessions, requestID)
	observability.TrackingSessions.Dec()
}

func (s *Sampler) Active(requestID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[requestID]
	return ok
}

// Report feeds one sample. It returns false without error when the sample is
// dropped as stale or as jitter.
func (s *Sampler) Report(requestID string, party models.Party, sample models.PositionSample) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[requestID]
	if !ok {
		return false, ErrNotTracking
	}
	trail := sess.provider
	if party == models.PartyCustomer {
		trail = sess.customerTrail
	}
	prev, hasPrev := trail.last()
	if hasPrev {
		if !sample.CapturedAt.After(prev.CapturedAt) {
			observability.PositionSamples.WithLabelValues(string(party), "stale").Inc()
			s.logger.Debug("sample dropped", "request_id", requestID, "party", party, "reason", ErrStaleSample)
			return false, nil
		}
		if !geo.Moved(prev.Coord(), sample.Coord(), s.cfg.MinMoveDeg) {
			observability.PositionSamples.WithLabelValues(string(party), "jitter").Inc()
			return false, nil
		}
	}
	trail.push(sample)
	observability.PositionSamples.WithLabelValues(string(party), "accepted").Inc()

	if party == models.PartyCustomer {
		c := sample.Coord()
		sess.customer = &c
		return true, nil
	}
	sess.lastMoveAt = sample.CapturedAt
	if hasPrev {
		if v, ok := SpeedKmh(prev, sample); ok {
			sess.speedKmh = v
			sess.hasSpeed = true
		}
	}
	return true, nil
}

// Estimate derives the current tracking view for a request.
func (s *Sampler) Estimate(requestID string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[requestID]
	if !ok {
		return Snapshot{}, ErrNotTracking
	}
	snap := Snapshot{
		RequestID:     requestID,
		Trail:         sess.provider.items(),
		CustomerTrail: sess.customerTrail.items(),
		Calculating:   true,
	}
	if sess.customer != nil {
		c := *sess.customer
		snap.CustomerLoc = &c
	}
	last, ok := sess.provider.last()
	if !ok {
		return snap, nil
	}
	p := last.Coord()
	snap.ProviderLoc = &p
	if sess.hasSpeed {
		v := sess.speedKmh
		snap.SpeedKmh = &v
	}
	if snap.CustomerLoc == nil {
		return snap, nil
	}
	d := geo.HaversineKm(p, *snap.CustomerLoc)
	b := geo.BearingDeg(p, *snap.CustomerLoc)
	snap.DistanceKm = &d
	snap.DistanceText = geo.FormatDistance(d)
	snap.BearingDeg = &b

	if !sess.hasSpeed || s.now().Sub(sess.lastMoveAt) > s.cfg.StaleAfter {
		return snap, nil
	}
	if m, ok := ETAMinutes(d, sess.speedKmh); ok {
		snap.ETAMinutes = &m
		snap.Calculating = false
	}
	return snap, nil
}

// Follow applies a provider device feed to the request's session until the
// feed closes, ctx ends or the session is stopped.
func (s *Sampler) Follow(ctx context.Context, requestID string, feed <-chan models.PositionSample) error {
	s.mu.Lock()
	sess, ok := s.sessions[requestID]
	s.mu.Unlock()
	if !ok {
		return ErrNotTracking
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sess.done:
			return nil
		case sample, ok := <-feed:
			if !ok {
				return nil
			}
			if _, err := s.Report(requestID, models.PartyProvider, sample); err != nil {
				if errors.Is(err, ErrNotTracking) {
					return nil
				}
				return err
			}
		}
	}
}

// Tracked reports whether a request in status st has a tracking session.
func Tracked(st models.Status) bool {
	return st == models.StatusEnRoute || st == models.StatusInProgress
}

// OnChange opens a session when the provider sets off and closes it when
// the request ends.
func (s *Sampler) OnChange(ctx context.Context, ev models.ChangeEvent) {
	switch {
	case Tracked(ev.To):
		var customer *models.Coord
		if ev.Request != nil {
			customer = ev.Request.CustomerLoc
		}
		s.Start(ev.RequestID, customer)
	case ev.To == models.StatusCompleted, ev.To == models.StatusCancelled, ev.To == models.StatusDenied:
		s.Stop(ev.RequestID)
	}
}

// SpeedKmh is the straight-line speed between two samples. ok is false when
// the samples are not strictly ordered in time.
func SpeedKmh(a, b models.PositionSample) (float64, bool) {
	dt := b.CapturedAt.Sub(a.CapturedAt).Hours()
	if dt <= 0 {
		return 0, false
	}
	return geo.HaversineKm(a.Coord(), b.Coord()) / dt, true
}

// ETAMinutes is distance/speed in minutes. ok is false when the speed gives no
// usable signal; the result is never negative.
func ETAMinutes(distanceKm, speedKmh float64) (float64, bool) {
	if speedKmh <= 0 || math.IsNaN(speedKmh) || math.IsInf(speedKmh, 0) {
		return 0, false
	}
	m := distanceKm / speedKmh * 60
	if math.IsNaN(m) || math.IsInf(m, 0) {
		return 0, false
	}
	if m < 0 {
		m = 0
	}
	return m, true
}
