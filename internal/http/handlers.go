package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/example/roadside-assist/internal/dispatch"
	"github.com/example/roadside-assist/internal/eta"
	"github.com/example/roadside-assist/internal/geo"
	"github.com/example/roadside-assist/internal/idempotency"
	"github.com/example/roadside-assist/internal/lifecycle"
	"github.com/example/roadside-assist/internal/models"
	"github.com/example/roadside-assist/internal/observability"
	"github.com/example/roadside-assist/internal/payments"
	"github.com/example/roadside-assist/internal/storage"
)

const maxBodyBytes = 1 << 16

// ProviderDirectory takes provider profiles and position reports separately
// so a position never resets availability or the payout account.
type ProviderDirectory interface {
	Upsert(ctx context.Context, p models.Provider) error
	ReportLocation(ctx context.Context, id string, loc models.Coord) error
}

type LocationPublisher interface {
	PublishLocation(ctx context.Context, p models.Provider) error
}

type WebhookParser interface {
	ParseWebhook(payload []byte, signature string) (payments.PaymentEvent, error)
}

type Options struct {
	Engine    *lifecycle.Engine
	Tracker   *eta.Sampler
	Directory ProviderDirectory
	Publisher LocationPublisher
	Hub       *dispatch.Hub
	Webhooks  WebhookParser
	Idem      *idempotency.Store
	Logger    *slog.Logger
}

type Server struct {
	engine    *lifecycle.Engine
	tracker   *eta.Sampler
	directory ProviderDirectory
	publisher LocationPublisher
	hub       *dispatch.Hub
	webhooks  WebhookParser
	idem      *idempotency.Store
	logger    *slog.Logger
	mux       *mux.Router
}

func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		engine:    opts.Engine,
		tracker:   opts.Tracker,
		directory: opts.Directory,
		publisher: opts.Publisher,
		hub:       opts.Hub,
		webhooks:  opts.Webhooks,
		idem:      opts.Idem,
		logger:    logger.With("component", "http"),
		mux:       mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/requests", s.handleCreate).Methods("POST")
	api.HandleFunc("/requests/{id}", s.handleGet).Methods("GET")
	api.HandleFunc("/requests/{id}/transaction", s.handleTransaction).Methods("GET")
	api.HandleFunc("/requests/{id}/assign", s.handleAssign).Methods("POST")
	api.HandleFunc("/requests/{id}/quote", s.handleQuote).Methods("POST")
	api.HandleFunc("/requests/{id}/reject", s.transition(s.engine.Reject)).Methods("POST")
	api.HandleFunc("/requests/{id}/approve", s.transition(s.engine.ApproveQuote)).Methods("POST")
	api.HandleFunc("/requests/{id}/start", s.transition(s.engine.StartDriving)).Methods("POST")
	api.HandleFunc("/requests/{id}/arrive", s.transition(s.engine.MarkArrived)).Methods("POST")
	api.HandleFunc("/requests/{id}/done", s.transition(s.engine.MarkWorkDone)).Methods("POST")
	api.HandleFunc("/requests/{id}/confirm", s.transition(s.engine.ConfirmByCustomer)).Methods("POST")
	api.HandleFunc("/requests/{id}/confirm-payment", s.transition(s.engine.ConfirmPaymentReceipt)).Methods("POST")
	api.HandleFunc("/requests/{id}/cancel", s.transition(s.engine.Cancel)).Methods("POST")
	api.HandleFunc("/requests/{id}/deny", s.transition(s.engine.Deny)).Methods("POST")
	api.HandleFunc("/requests/{id}/positions", s.handlePosition).Methods("POST")
	api.HandleFunc("/requests/{id}/tracking", s.handleTracking).Methods("GET")
	api.HandleFunc("/statuses", s.handleStatuses).Methods("GET")
	api.HandleFunc("/admin/settlements", s.handleSettlementQueue).Methods("GET")
	api.HandleFunc("/admin/settlements/{id}/retry", s.transition(s.engine.RetrySettlement)).Methods("POST")

	s.mux.HandleFunc("/ws/requests/{id}", s.handleSubscribe)
	s.mux.HandleFunc("/ws/requests/{id}/feed", s.handleFeed)
	s.mux.HandleFunc("/internal/providers/locations", s.handleProviderLocation).Methods("POST")
	s.mux.HandleFunc("/internal/providers/{id}", s.handleProviderProfile).Methods("PUT")
	s.mux.HandleFunc("/webhooks/payments", s.handlePaymentWebhook).Methods("POST")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// actorFrom reads the identity asserted by the gateway. Requests without a
// role are treated as guest customers.
func actorFrom(r *http.Request) models.Actor {
	role := models.Role(strings.ToLower(strings.TrimSpace(r.Header.Get("X-Actor-Role"))))
	switch role {
	case models.RoleCustomer, models.RoleProvider, models.RoleAdmin:
	default:
		role = models.RoleCustomer
	}
	return models.Actor{Role: role, ID: strings.TrimSpace(r.Header.Get("X-Actor-ID"))}
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var in lifecycle.NewRequest
	if !decode(w, r, &in) {
		return
	}
	actor := actorFrom(r)
	if in.CustomerID == nil && actor.Role == models.RoleCustomer && actor.ID != "" {
		id := actor.ID
		in.CustomerID = &id
	}

	key := r.Header.Get("Idempotency-Key")
	if key == "" || s.idem == nil {
		created, err := s.engine.Create(r.Context(), in)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
		return
	}

	scoped := actor.ID + ":" + key
	rec, fresh, err := s.idem.Remember(idempotency.ScopeCreate, scoped, "")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !fresh {
		if rec.Value == "" {
			writeJSON(w, http.StatusConflict, map[string]string{"error": "a request with this idempotency key is still being created"})
			return
		}
		existing, err := s.engine.Get(r.Context(), rec.Value)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, existing)
		return
	}
	created, err := s.engine.Create(r.Context(), in)
	if err != nil {
		_ = s.idem.Forget(idempotency.ScopeCreate, scoped)
		s.fail(w, r, err)
		return
	}
	if err := s.idem.Set(idempotency.ScopeCreate, scoped, created.ID); err != nil {
		s.logger.Warn("idempotency record not saved", "request_id", created.ID, "error", err)
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	req, err := s.engine.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := s.engine.Transaction(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ProviderID string `json:"provider_id"`
	}
	if !decode(w, r, &body) {
		return
	}
	req, err := s.engine.Assign(r.Context(), mux.Vars(r)["id"], body.ProviderID, actorFrom(r))
	s.respond(w, r, req, err)
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Amount      decimal.Decimal `json:"amount"`
		Description string          `json:"description"`
	}
	if !decode(w, r, &body) {
		return
	}
	req, err := s.engine.SubmitQuote(r.Context(), mux.Vars(r)["id"], actorFrom(r), body.Amount, body.Description)
	s.respond(w, r, req, err)
}

type transitionFunc func(ctx context.Context, id string, actor models.Actor) (*models.ServiceRequest, error)

func (s *Server) transition(fn transitionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := fn(r.Context(), mux.Vars(r)["id"], actorFrom(r))
		s.respond(w, r, req, err)
	}
}

// respond reports a failed payout next to the recorded confirmation.
func (s *Server) respond(w http.ResponseWriter, r *http.Request, req *models.ServiceRequest, err error) {
	if err != nil && errors.Is(err, lifecycle.ErrSettlementInitiationFailed) && req != nil {
		writeJSON(w, http.StatusAccepted, map[string]any{"request": req, "settlement_error": err.Error()})
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type positionReport struct {
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	CapturedAt time.Time `json:"captured_at"`
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	var body positionReport
	if !decode(w, r, &body) {
		return
	}
	actor := actorFrom(r)
	party := models.PartyCustomer
	if actor.Role == models.RoleProvider {
		party = models.PartyProvider
	}
	if !geo.Valid(models.Coord{Lat: body.Lat, Lng: body.Lng}) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid coordinate"})
		return
	}
	if body.CapturedAt.IsZero() {
		body.CapturedAt = time.Now().UTC()
	}
	id := mux.Vars(r)["id"]
	req, err := s.checkReporter(r.Context(), id, actor)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.resumeTracking(req)
	accepted, err := s.tracker.Report(id, party, models.PositionSample{EntityID: actor.ID, Lat: body.Lat, Lng: body.Lng, CapturedAt: body.CapturedAt})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if accepted {
		s.publishTracking(id)
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": accepted})
}

// checkReporter ties position reports to the request's own parties.
func (s *Server) checkReporter(ctx context.Context, id string, actor models.Actor) (*models.ServiceRequest, error) {
	req, err := s.engine.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch actor.Role {
	case models.RoleProvider:
		if pid, ok := req.ProviderID(); !ok || pid != actor.ID {
			return nil, fmt.Errorf("%w: request is not assigned to this provider", lifecycle.ErrNotPermitted)
		}
	case models.RoleCustomer:
		if req.CustomerID != nil && actor.ID != "" && *req.CustomerID != actor.ID {
			return nil, fmt.Errorf("%w: request belongs to another customer", lifecycle.ErrNotPermitted)
		}
	default:
		return nil, fmt.Errorf("%w: only the provider or the customer report positions", lifecycle.ErrNotPermitted)
	}
	return req, nil
}

// resumeTracking reopens the session for a request that is moving but has
// none in this process, e.g. after a restart.
func (s *Server) resumeTracking(req *models.ServiceRequest) {
	if eta.Tracked(req.Status) && !s.tracker.Active(req.ID) {
		s.tracker.Start(req.ID, req.CustomerLoc)
		s.logger.Info("tracking session resumed", "request_id", req.ID, "status", req.Status)
	}
}

func (s *Server) publishTracking(id string) {
	if s.hub == nil {
		return
	}
	snap, err := s.tracker.Estimate(id)
	if err != nil {
		return
	}
	s.hub.Publish(dispatch.Message{Type: dispatch.TypeTracking, RequestID: id, Data: snap})
}

func (s *Server) handleTracking(w http.ResponseWriter, r *http.Request) {
	snap, err := s.tracker.Estimate(mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleStatuses(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, lifecycle.Statuses())
}

func (s *Server) handleSettlementQueue(w http.ResponseWriter, r *http.Request) {
	if actorFrom(r).Role != models.RoleAdmin {
		s.fail(w, r, lifecycle.ErrNotPermitted)
		return
	}
	queue, err := s.engine.SettlementQueue(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if queue == nil {
		queue = []*models.ServiceRequest{}
	}
	writeJSON(w, http.StatusOK, queue)
}

type locationReport struct {
	ID  string        `json:"id"`
	Loc *models.Coord `json:"loc"`
}

// handleProviderLocation applies a device position. Profile fields in the
// body are ignored; they change only through handleProviderProfile.
func (s *Server) handleProviderLocation(w http.ResponseWriter, r *http.Request) {
	var body locationReport
	if !decode(w, r, &body) {
		return
	}
	if body.ID == "" || body.Loc == nil || !geo.Valid(*body.Loc) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "provider id and a valid loc are required"})
		return
	}
	if err := s.directory.ReportLocation(r.Context(), body.ID, *body.Loc); err != nil {
		s.fail(w, r, err)
		return
	}
	if s.publisher != nil {
		loc := *body.Loc
		if err := s.publisher.PublishLocation(r.Context(), models.Provider{ID: body.ID, Loc: &loc, Updated: time.Now().UTC()}); err != nil {
			s.logger.Warn("location publish failed", "provider_id", body.ID, "error", err)
		}
	}
	observability.ProvidersReported.Inc()
	w.WriteHeader(http.StatusNoContent)
}

// handleProviderProfile replaces availability, service types and payout
// account. A profile without loc keeps the last reported position.
func (s *Server) handleProviderProfile(w http.ResponseWriter, r *http.Request) {
	var p models.Provider
	if !decode(w, r, &p) {
		return
	}
	p.ID = mux.Vars(r)["id"]
	if p.Loc != nil && !geo.Valid(*p.Loc) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "loc is not a valid coordinate"})
		return
	}
	if err := s.directory.Upsert(r.Context(), p); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handlePaymentWebhook acknowledges everything the processor should stop
// retrying, including events for requests that can no longer be paid.
func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}
	ev, err := s.webhooks.ParseWebhook(payload, r.Header.Get("Stripe-Signature"))
	if errors.Is(err, payments.ErrUnhandledEvent) {
		writeJSON(w, http.StatusOK, map[string]string{"result": "ignored"})
		return
	}
	if err != nil {
		s.logger.Warn("webhook rejected", "error", err)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid webhook"})
		return
	}
	if s.idem != nil {
		if _, seen, err := s.idem.Lookup(idempotency.ScopeWebhook, ev.EventID); err == nil && seen {
			writeJSON(w, http.StatusOK, map[string]string{"result": "duplicate"})
			return
		}
	}
	_, err = s.engine.ConfirmPayment(r.Context(), ev.RequestID, ev.Reference)
	switch {
	case err == nil:
	case errors.Is(err, lifecycle.ErrInvalidTransition), errors.Is(err, storage.ErrNotFound):
		s.logger.Warn("payment confirmation not applied", "request_id", ev.RequestID, "reference", ev.Reference, "error", err)
		writeJSON(w, http.StatusOK, map[string]string{"result": "ignored", "reason": err.Error()})
		return
	default:
		s.fail(w, r, err)
		return
	}
	if s.idem != nil {
		if _, _, err := s.idem.Remember(idempotency.ScopeWebhook, ev.EventID, ev.RequestID); err != nil {
			s.logger.Warn("webhook event not recorded", "event_id", ev.EventID, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "paid"})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleSubscribe streams change events and tracking snapshots for one
// request. The current state is sent first.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	req, err := s.engine.Get(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sess, err := s.hub.Subscribe(id, conn, dispatch.Message{Type: dispatch.TypeStatus, RequestID: id, Data: req})
	if err != nil {
		conn.Close()
		return
	}
	defer s.hub.Unsubscribe(sess)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// handleFeed consumes a provider device's position stream until the device
// disconnects or the tracking session ends.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	actor := actorFrom(r)
	if actor.Role != models.RoleProvider {
		s.fail(w, r, lifecycle.ErrNotPermitted)
		return
	}
	req, err := s.checkReporter(r.Context(), id, actor)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.resumeTracking(req)
	if !s.tracker.Active(id) {
		s.fail(w, r, eta.ErrNotTracking)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	feed := make(chan models.PositionSample)
	go func() {
		defer cancel()
		for {
			var p positionReport
			if err := conn.ReadJSON(&p); err != nil {
				return
			}
			if p.CapturedAt.IsZero() {
				p.CapturedAt = time.Now().UTC()
			}
			select {
			case feed <- models.PositionSample{EntityID: actor.ID, Lat: p.Lat, Lng: p.Lng, CapturedAt: p.CapturedAt}:
			case <-ctx.Done():
				return
			}
		}
	}()
	if err := s.tracker.Follow(ctx, id, feed); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("position feed ended", "request_id", id, "error", err)
	}
	s.publishTracking(id)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body: " + err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// fail maps domain errors onto responses. Guard violations carry the
// current status so the caller can see why the action is unavailable.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	body := map[string]any{"error": err.Error()}
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, lifecycle.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, lifecycle.ErrNotPermitted):
		status = http.StatusForbidden
	case errors.Is(err, lifecycle.ErrAssignmentConflict), errors.Is(err, lifecycle.ErrInvalidTransition):
		status = http.StatusConflict
		if id := mux.Vars(r)["id"]; id != "" {
			if cur, gerr := s.engine.Get(r.Context(), id); gerr == nil {
				body["current_status"] = cur.Status
			}
		}
	case errors.Is(err, eta.ErrNotTracking):
		status = http.StatusConflict
	case errors.Is(err, lifecycle.ErrPaymentProcessor):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "request_id", requestIDFromContext(r.Context()), "error", err)
		body["error"] = "internal error"
	}
	writeJSON(w, status, body)
}
