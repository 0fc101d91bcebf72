// Package lifecycle owns the status of a service request. Every status change
// and milestone timestamp goes through the Engine, which checks the guard
// table, serializes work per request id and commits with a version check.
package lifecycle

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/roadside-assist/internal/geo"
	"github.com/example/roadside-assist/internal/matcher"
	"github.com/example/roadside-assist/internal/models"
	"github.com/example/roadside-assist/internal/observability"
	"github.com/example/roadside-assist/internal/payments"
	"github.com/example/roadside-assist/internal/storage"
)

type Matcher interface {
	FindAssignable(ctx context.Context, at models.Coord, radiusKm float64, st models.ServiceType) ([]models.Candidate, error)
	FindClosestAny(ctx context.Context, at models.Coord, st models.ServiceType) (models.Candidate, error)
}

// Providers resolves a provider record for assignment and payouts.
type Providers interface {
	Get(ctx context.Context, id string) (models.Provider, bool, error)
}

type Payments interface {
	CreateCharge(ctx context.Context, c payments.Charge) (string, error)
	CancelCharge(ctx context.Context, reference string) error
	InitiateTransfer(ctx context.Context, t payments.Transfer) (string, error)
}

// Notifier receives every committed change. It is called under the request
// lock, so events for one request arrive in commit order; it must not block.
type Notifier interface {
	OnChange(ctx context.Context, ev models.ChangeEvent)
}

type Config struct {
	RadiusKm         float64
	RetryDelay       time.Duration
	ProviderSharePct decimal.Decimal
	Currency         string
}

func DefaultConfig() Config {
	return Config{
		RadiusKm:         matcher.DefaultRadiusKm,
		RetryDelay:       5 * time.Second,
		ProviderSharePct: decimal.NewFromInt(85),
		Currency:         "ghs",
	}
}

type Deps struct {
	Store     storage.RequestStore
	Matcher   Matcher
	Providers Providers
	Payments  Payments
	Notifiers []Notifier
	Logger    *slog.Logger
}

type Engine struct {
	cfg       Config
	store     storage.RequestStore
	matcher   Matcher
	providers Providers
	payments  Payments
	notifiers []Notifier
	logger    *slog.Logger

	now     func() time.Time
	newCode func() string
	locks   *keyedMutex

	mu      sync.Mutex
	closed  bool
	closing chan struct{}
	retries sync.WaitGroup
}

func New(cfg Config, deps Deps) *Engine {
	def := DefaultConfig()
	if cfg.RadiusKm <= 0 {
		cfg.RadiusKm = def.RadiusKm
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	if !cfg.ProviderSharePct.IsPositive() || cfg.ProviderSharePct.GreaterThan(decimal.NewFromInt(100)) {
		cfg.ProviderSharePct = def.ProviderSharePct
	}
	if cfg.Currency == "" {
		cfg.Currency = def.Currency
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:       cfg,
		store:     deps.Store,
		matcher:   deps.Matcher,
		providers: deps.Providers,
		payments:  deps.Payments,
		notifiers: deps.Notifiers,
		logger:    logger.With("component", "lifecycle"),
		now:       time.Now,
		newCode:   trackingCode,
		locks:     newKeyedMutex(),
		closing:   make(chan struct{}),
	}
}

// Subscribe adds a notifier. It must be called before the engine serves
// traffic.
func (e *Engine) Subscribe(n Notifier) {
	e.notifiers = append(e.notifiers, n)
}

// Close stops pending assignment retries and waits for running ones.
func (e *Engine) Close() {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.closing)
	}
	e.mu.Unlock()
	e.retries.Wait()
}

func (e *Engine) Get(ctx context.Context, id string) (*models.ServiceRequest, error) {
	return e.store.Get(ctx, id)
}

func (e *Engine) Transaction(ctx context.Context, requestID string) (*models.Transaction, error) {
	return e.store.GetTransaction(ctx, requestID)
}

// SettlementQueue lists requests whose provider payout failed to initiate.
func (e *Engine) SettlementQueue(ctx context.Context) ([]*models.ServiceRequest, error) {
	return e.store.ListSettlementFailures(ctx)
}

// transition loads the request under its lock and commits one guarded edge.
func (e *Engine) transition(ctx context.Context, id string, actor models.Actor, to models.Status, apply func(r *models.ServiceRequest, now time.Time) error) (*models.ServiceRequest, error) {
	unlock := e.locks.lock(id)
	defer unlock()
	cur, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.commit(ctx, cur, actor, to, apply)
}

func (e *Engine) commit(ctx context.Context, cur *models.ServiceRequest, actor models.Actor, to models.Status, apply func(r *models.ServiceRequest, now time.Time) error) (*models.ServiceRequest, error) {
	next, err := e.prepare(cur, actor, to, apply)
	if err != nil {
		return nil, err
	}
	if err := e.save(ctx, cur, next, nil); err != nil {
		return nil, err
	}
	e.committed(ctx, cur.Status, next, actor)
	return next, nil
}

// prepare checks the edge and applies the change to a copy of cur. An
// in-place update (to == cur.Status) skips the edge check; its caller
// guards it.
func (e *Engine) prepare(cur *models.ServiceRequest, actor models.Actor, to models.Status, apply func(r *models.ServiceRequest, now time.Time) error) (*models.ServiceRequest, error) {
	if to != cur.Status {
		if err := checkEdge(cur, to, actor); err != nil {
			e.rejected(cur, to, actor, err)
			return nil, err
		}
	}
	next := cur.Clone()
	now := e.stamp(cur)
	if apply != nil {
		if err := apply(next, now); err != nil {
			e.rejected(cur, to, actor, err)
			return nil, err
		}
	}
	next.Status = to
	next.UpdatedAt = now
	if err := Validate(next); err != nil {
		e.logger.Error("refusing inconsistent commit", "request_id", cur.ID, "error", err)
		return nil, err
	}
	return next, nil
}

func (e *Engine) save(ctx context.Context, cur, next *models.ServiceRequest, tx *models.Transaction) error {
	var err error
	if tx != nil {
		err = e.store.Finalize(ctx, next, cur.Version, tx)
	} else {
		err = e.store.Update(ctx, next, cur.Version)
	}
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrVersionConflict):
		observability.TransitionsRejected.WithLabelValues("conflict").Inc()
		return &TransitionError{From: cur.Status, To: next.Status, Reason: "request was changed concurrently, reload it", Err: err}
	default:
		return fmt.Errorf("persist request %s: %w", cur.ID, err)
	}
}

func (e *Engine) committed(ctx context.Context, from models.Status, r *models.ServiceRequest, actor models.Actor) {
	if from != r.Status {
		observability.TransitionsTotal.WithLabelValues(string(r.Status)).Inc()
	}
	e.logger.Info("request updated",
		"request_id", r.ID,
		"tracking_code", r.TrackingCode,
		"from", from,
		"to", r.Status,
		"actor", actor.Role,
		"version", r.Version,
	)
	ev := models.ChangeEvent{
		RequestID:    r.ID,
		TrackingCode: r.TrackingCode,
		From:         from,
		To:           r.Status,
		Actor:        actor,
		At:           r.UpdatedAt,
		Request:      r.Clone(),
	}
	for _, n := range e.notifiers {
		n.OnChange(ctx, ev)
	}
}

func (e *Engine) rejected(cur *models.ServiceRequest, to models.Status, actor models.Actor, err error) {
	reason := "invalid_transition"
	switch {
	case errors.Is(err, ErrNotPermitted):
		reason = "not_permitted"
	case errors.Is(err, ErrAssignmentConflict):
		reason = "assignment_conflict"
	}
	observability.TransitionsRejected.WithLabelValues(reason).Inc()
	e.logger.Info("transition rejected", "request_id", cur.ID, "from", cur.Status, "to", to, "actor", actor.Role, "error", err)
}

// stamp never goes backwards relative to the last commit.
func (e *Engine) stamp(cur *models.ServiceRequest) time.Time {
	now := e.now().UTC()
	if now.Before(cur.UpdatedAt) {
		return cur.UpdatedAt
	}
	return now
}

// checkEdge enforces the guard table and the actor's relation to the request.
func checkEdge(cur *models.ServiceRequest, to models.Status, actor models.Actor) error {
	if !Allowed(cur.Status, to) {
		return invalid(cur.Status, to, "not allowed while the request is %s", cur.Status)
	}
	roles := rolesFor(cur.Status, to)
	permitted := false
	for _, r := range roles {
		if r == actor.Role {
			permitted = true
			break
		}
	}
	if !permitted {
		return fmt.Errorf("%w: %s cannot move a request from %s to %s", ErrNotPermitted, actor.Role, cur.Status, to)
	}
	return checkParty(cur, actor)
}

// checkParty ties provider and customer actors to their own requests.
func checkParty(cur *models.ServiceRequest, actor models.Actor) error {
	switch actor.Role {
	case models.RoleProvider:
		pid, ok := cur.ProviderID()
		if !ok || actor.ID == "" || pid != actor.ID {
			return fmt.Errorf("%w: request is not assigned to this provider", ErrNotPermitted)
		}
	case models.RoleCustomer:
		if cur.CustomerID != nil && actor.ID != "" && *cur.CustomerID != actor.ID {
			return fmt.Errorf("%w: request belongs to another customer", ErrNotPermitted)
		}
	}
	return nil
}

const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

func trackingCode() string {
	b := make([]byte, 6)
	_, _ = rand.Read(b)
	var sb strings.Builder
	sb.WriteString("RA-")
	for _, c := range b {
		sb.WriteByte(codeAlphabet[int(c)%len(codeAlphabet)])
	}
	return sb.String()
}

// NewRequest is the input to Create.
type NewRequest struct {
	CustomerID  *string            `json:"customer_id,omitempty"`
	PhoneNumber *string            `json:"phone_number,omitempty"`
	ServiceType models.ServiceType `json:"service_type"`
	Location    string             `json:"location"`
	Description string             `json:"description,omitempty"`
	CustomerLoc *models.Coord      `json:"customer_loc,omitempty"`
}

func (n NewRequest) validate() error {
	var problems []string
	if n.CustomerID == nil && (n.PhoneNumber == nil || strings.TrimSpace(*n.PhoneNumber) == "") {
		problems = append(problems, "customer_id or phone_number is required")
	}
	if n.ServiceType == "" {
		problems = append(problems, "service_type is required")
	}
	if strings.TrimSpace(n.Location) == "" && n.CustomerLoc == nil {
		problems = append(problems, "location or customer_loc is required")
	}
	if n.CustomerLoc != nil && !geo.Valid(*n.CustomerLoc) {
		problems = append(problems, "customer_loc is not a valid coordinate")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidInput, strings.Join(problems, "; "))
	}
	return nil
}

const maxCodeAttempts = 5

// Create stores a pending request and, when the customer coordinate is
// known, tries to assign the nearest provider within the configured radius.
// If none is found a background retry searches without a radius. The
// returned request reflects the state at the moment Create returns.
func (e *Engine) Create(ctx context.Context, in NewRequest) (*models.ServiceRequest, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	now := e.now().UTC()
	r := &models.ServiceRequest{
		ID:          uuid.NewString(),
		CustomerID:  in.CustomerID,
		PhoneNumber: in.PhoneNumber,
		ServiceType: in.ServiceType,
		Location:    strings.TrimSpace(in.Location),
		Description: strings.TrimSpace(in.Description),
		CustomerLoc: in.CustomerLoc,
		Status:      models.StatusPending,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if r.Location == "" && r.CustomerLoc != nil {
		r.Location = fmt.Sprintf("%.5f,%.5f", r.CustomerLoc.Lat, r.CustomerLoc.Lng)
	}

	var err error
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		r.TrackingCode = e.newCode()
		if err = e.store.Create(ctx, r); !errors.Is(err, storage.ErrDuplicateTracking) {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	e.committed(ctx, "", r, models.Actor{Role: models.RoleCustomer, ID: deref(in.CustomerID)})

	if r.CustomerLoc == nil {
		return r, nil
	}
	if assigned := e.autoAssign(ctx, r); assigned != nil {
		return assigned, nil
	}
	e.scheduleRetry(r.ID, *r.CustomerLoc, r.ServiceType)
	return r, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
