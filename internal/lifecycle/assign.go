package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/roadside-assist/internal/matcher"
	"github.com/example/roadside-assist/internal/models"
	"github.com/example/roadside-assist/internal/observability"
)

const retryTimeout = 30 * time.Second

var systemActor = models.Actor{Role: models.RoleSystem}

// autoAssign runs the radius pass and returns the assigned request, or nil
// when the request stays pending.
func (e *Engine) autoAssign(ctx context.Context, r *models.ServiceRequest) *models.ServiceRequest {
	start := time.Now()
	defer func() { observability.MatchLatency.Observe(time.Since(start).Seconds()) }()

	candidates, err := e.matcher.FindAssignable(ctx, *r.CustomerLoc, e.cfg.RadiusKm, r.ServiceType)
	if err != nil {
		if !errors.Is(err, matcher.ErrMatchNotFound) {
			e.logger.Warn("radius match failed", "request_id", r.ID, "error", err)
		}
		return nil
	}
	for _, c := range candidates {
		assigned, err := e.assign(ctx, r.ID, c.Provider.ID, systemActor, "radius")
		if err == nil {
			return assigned
		}
		if !errors.Is(err, ErrProviderUnavailable) {
			return nil
		}
	}
	return nil
}

// scheduleRetry searches without a radius after the configured delay. It is a
// no-op if the request has left pending in the meantime.
func (e *Engine) scheduleRetry(id string, at models.Coord, st models.ServiceType) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.retries.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.retries.Done()
		if e.cfg.RetryDelay > 0 {
			timer := time.NewTimer(e.cfg.RetryDelay)
			defer timer.Stop()
			select {
			case <-e.closing:
				return
			case <-timer.C:
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), retryTimeout)
		defer cancel()

		cur, err := e.store.Get(ctx, id)
		if err != nil {
			e.logger.Warn("assignment retry: load failed", "request_id", id, "error", err)
			return
		}
		if cur.Status != models.StatusPending || cur.Assignment != nil {
			e.logger.Debug("assignment retry skipped", "request_id", id, "status", cur.Status)
			return
		}
		c, err := e.matcher.FindClosestAny(ctx, at, st)
		if err != nil {
			e.logger.Info("assignment retry found nobody, left for manual assignment", "request_id", id, "error", err)
			return
		}
		if _, err := e.assign(ctx, id, c.Provider.ID, systemActor, "global"); err != nil {
			e.logger.Info("assignment retry did not assign", "request_id", id, "provider_id", c.Provider.ID, "error", err)
		}
	}()
}

// ErrProviderUnavailable is a guard failure: the provider is unknown, offline
// or deactivated.
var ErrProviderUnavailable = errors.New("provider is not available")

// Assign is the admin's manual assignment.
func (e *Engine) Assign(ctx context.Context, id, providerID string, actor models.Actor) (*models.ServiceRequest, error) {
	if providerID == "" {
		return nil, fmt.Errorf("%w: provider_id is required", ErrInvalidInput)
	}
	if actor.Role != models.RoleAdmin {
		return nil, fmt.Errorf("%w: only an admin assigns providers", ErrNotPermitted)
	}
	return e.assign(ctx, id, providerID, actor, "manual")
}

// assign commits pending -> assigned only while the request has no
// provider. The losing side of a race gets ErrAssignmentConflict.
func (e *Engine) assign(ctx context.Context, id, providerID string, actor models.Actor, path string) (*models.ServiceRequest, error) {
	unlock := e.locks.lock(id)
	defer unlock()
	cur, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status != models.StatusPending || cur.Assignment != nil {
		if cur.Assignment != nil && !IsTerminal(cur.Status) {
			e.logger.Info("assignment lost to an earlier one",
				"request_id", id, "provider_id", providerID, "assigned_provider", cur.Assignment.ProviderID, "path", path)
			e.rejected(cur, models.StatusAssigned, actor, ErrAssignmentConflict)
			return nil, ErrAssignmentConflict
		}
		err := invalid(cur.Status, models.StatusAssigned, "request is %s", cur.Status)
		e.rejected(cur, models.StatusAssigned, actor, err)
		return nil, err
	}

	p, ok, err := e.providers.Get(ctx, providerID)
	if err != nil {
		return nil, fmt.Errorf("load provider %s: %w", providerID, err)
	}
	if !ok || !p.Available || !p.Active {
		err := &TransitionError{From: cur.Status, To: models.StatusAssigned, Reason: "provider " + providerID + " is not available", Err: ErrProviderUnavailable}
		e.rejected(cur, models.StatusAssigned, actor, err)
		return nil, err
	}

	next, err := e.prepare(cur, actor, models.StatusAssigned, func(r *models.ServiceRequest, now time.Time) error {
		a := &models.Assignment{ProviderID: p.ID, AssignedAt: now}
		if actor.Role == models.RoleAdmin {
			by := actor.ID
			if by == "" {
				by = string(models.RoleAdmin)
			}
			a.AssignedBy = &by
		}
		r.Assignment = a
		if p.Loc != nil {
			loc := *p.Loc
			r.ProviderLoc = &loc
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := e.save(ctx, cur, next, nil); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			e.logger.Info("assignment lost a cross-instance race", "request_id", id, "provider_id", providerID)
			return nil, fmt.Errorf("%w: %w", ErrAssignmentConflict, err)
		}
		return nil, err
	}
	observability.AssignmentsTotal.WithLabelValues(path).Inc()
	e.committed(ctx, cur.Status, next, actor)
	return next, nil
}

// Reject hands the request back to the pool. Only the assigned provider may
// reject, and the assignment fields are cleared.
func (e *Engine) Reject(ctx context.Context, id string, actor models.Actor) (*models.ServiceRequest, error) {
	return e.transition(ctx, id, actor, models.StatusPending, func(r *models.ServiceRequest, now time.Time) error {
		r.Assignment = nil
		r.ProviderLoc = nil
		return nil
	})
}

// Deny ends an assigned request without service.
func (e *Engine) Deny(ctx context.Context, id string, actor models.Actor) (*models.ServiceRequest, error) {
	return e.transition(ctx, id, actor, models.StatusDenied, nil)
}
