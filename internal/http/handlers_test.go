package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/roadside-assist/internal/dispatch"
	"github.com/example/roadside-assist/internal/eta"
	"github.com/example/roadside-assist/internal/geo"
	"github.com/example/roadside-assist/internal/idempotency"
	"github.com/example/roadside-assist/internal/lifecycle"
	"github.com/example/roadside-assist/internal/logging"
	"github.com/example/roadside-assist/internal/matcher"
	"github.com/example/roadside-assist/internal/models"
	"github.com/example/roadside-assist/internal/payments"
	"github.com/example/roadside-assist/internal/storage"
)

var accra = models.Coord{Lat: 5.6037, Lng: -0.1870}

type fixture struct {
	srv      *httptest.Server
	index    *geo.Index
	payments *payments.Local
	engine   *lifecycle.Engine
	tracker  *eta.Sampler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{index: geo.NewIndex(), payments: payments.NewLocal()}
	loc := models.Coord{Lat: accra.Lat + 0.01, Lng: accra.Lng}
	if err := f.index.Upsert(context.Background(), models.Provider{ID: "p1", Loc: &loc, Available: true, Active: true, PayoutAccount: "acct_p1"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	idem, err := idempotency.Open(filepath.Join(t.TempDir(), "idem.db"))
	if err != nil {
		t.Fatalf("idempotency.Open: %v", err)
	}
	logger := logging.Discard()
	hub := dispatch.NewHub(logger)
	tracker := eta.NewSampler(eta.DefaultConfig(), logger)
	f.tracker = tracker
	cfg := lifecycle.DefaultConfig()
	cfg.RetryDelay = time.Hour
	f.engine = lifecycle.New(cfg, lifecycle.Deps{
		Store:     storage.NewMemoryStore(),
		Matcher:   matcher.New(f.index, logger),
		Providers: f.index,
		Payments:  f.payments,
		Notifiers: []lifecycle.Notifier{hub, tracker},
		Logger:    logger,
	})
	s := NewServer(Options{
		Engine:    f.engine,
		Tracker:   tracker,
		Directory: f.index,
		Hub:       hub,
		Webhooks:  f.payments,
		Idem:      idem,
		Logger:    logger,
	})
	f.srv = httptest.NewServer(s)
	t.Cleanup(func() {
		f.srv.Close()
		hub.Close()
		f.engine.Close()
		idem.Close()
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path string, role models.Role, actorID string, body any, headers ...string) (*http.Response, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if role != "" {
		req.Header.Set("X-Actor-Role", string(role))
		req.Header.Set("X-Actor-ID", actorID)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	if resp.StatusCode != http.StatusNoContent && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		_ = json.NewDecoder(resp.Body).Decode(&out)
	}
	return resp, out
}

func (f *fixture) create(t *testing.T, headers ...string) map[string]any {
	t.Helper()
	body := map[string]any{
		"customer_id":  "cust-1",
		"service_type": "towing",
		"location":     "Ring Road",
		"customer_loc": map[string]float64{"lat": accra.Lat, "lng": accra.Lng},
	}
	resp, out := f.do(t, "POST", "/api/v1/requests", models.RoleCustomer, "cust-1", body, headers...)
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		t.Fatalf("create: status %d %v", resp.StatusCode, out)
	}
	return out
}

func TestCreateAssignsNearbyProvider(t *testing.T) {
	f := newFixture(t)
	out := f.create(t)
	if out["status"] != string(models.StatusAssigned) {
		t.Fatalf("expected assigned, got %v", out["status"])
	}
	code, _ := out["tracking_code"].(string)
	if !strings.HasPrefix(code, "RA-") || len(code) != 9 {
		t.Fatalf("unexpected tracking code %q", code)
	}
}

func TestCreateRejectsMissingContact(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, "POST", "/api/v1/requests", "", "", map[string]any{"service_type": "towing", "location": "Ring Road"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestIdempotencyKeyReturnsFirstRequest(t *testing.T) {
	f := newFixture(t)
	first := f.create(t, "Idempotency-Key", "k-1")
	second := f.create(t, "Idempotency-Key", "k-1")
	if first["id"] != second["id"] {
		t.Fatalf("expected the same request, got %v and %v", first["id"], second["id"])
	}
	third := f.create(t, "Idempotency-Key", "k-2")
	if third["id"] == first["id"] {
		t.Fatal("a new key must create a new request")
	}
}

func TestQuoteApproveAndWebhook(t *testing.T) {
	f := newFixture(t)
	id := f.create(t)["id"].(string)

	resp, out := f.do(t, "POST", "/api/v1/requests/"+id+"/quote", models.RoleProvider, "p1", map[string]any{"amount": "150.00", "description": "tow to garage"})
	if resp.StatusCode != http.StatusOK || out["status"] != string(models.StatusQuoted) {
		t.Fatalf("quote: %d %v", resp.StatusCode, out)
	}
	resp, out = f.do(t, "POST", "/api/v1/requests/"+id+"/approve", models.RoleCustomer, "cust-1", nil)
	if resp.StatusCode != http.StatusOK || out["status"] != string(models.StatusAwaitingPayment) {
		t.Fatalf("approve: %d %v", resp.StatusCode, out)
	}
	ref := out["payment"].(map[string]any)["reference"].(string)

	hook := map[string]string{"event_id": "evt_1", "request_id": id, "reference": ref}
	resp, out = f.do(t, "POST", "/webhooks/payments", "", "", hook)
	if resp.StatusCode != http.StatusOK || out["result"] != "paid" {
		t.Fatalf("webhook: %d %v", resp.StatusCode, out)
	}
	resp, out = f.do(t, "POST", "/webhooks/payments", "", "", hook)
	if resp.StatusCode != http.StatusOK || out["result"] != "duplicate" {
		t.Fatalf("redelivery: %d %v", resp.StatusCode, out)
	}
	_, out = f.do(t, "GET", "/api/v1/requests/"+id, "", "", nil)
	if out["status"] != string(models.StatusPaid) {
		t.Fatalf("expected paid, got %v", out["status"])
	}
}

func TestWebhookForWrongStatusIsAcknowledged(t *testing.T) {
	f := newFixture(t)
	id := f.create(t)["id"].(string)
	resp, out := f.do(t, "POST", "/webhooks/payments", "", "", map[string]string{"event_id": "evt_9", "request_id": id, "reference": "pay_x"})
	if resp.StatusCode != http.StatusOK || out["result"] != "ignored" {
		t.Fatalf("expected ignored ack, got %d %v", resp.StatusCode, out)
	}
}

func TestGuardViolationReportsCurrentStatus(t *testing.T) {
	f := newFixture(t)
	id := f.create(t)["id"].(string)
	resp, out := f.do(t, "POST", "/api/v1/requests/"+id+"/approve", models.RoleCustomer, "cust-1", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %v", resp.StatusCode, out)
	}
	if out["current_status"] != string(models.StatusAssigned) {
		t.Fatalf("expected current status in body, got %v", out)
	}
}

func TestWrongProviderIsForbidden(t *testing.T) {
	f := newFixture(t)
	id := f.create(t)["id"].(string)
	resp, _ := f.do(t, "POST", "/api/v1/requests/"+id+"/quote", models.RoleProvider, "p2", map[string]any{"amount": "10"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}

func TestUnknownRequestIsNotFound(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, "GET", "/api/v1/requests/missing", "", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestSettlementQueueIsAdminOnly(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, "GET", "/api/v1/admin/settlements", models.RoleCustomer, "cust-1", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
	resp, _ = f.do(t, "GET", "/api/v1/admin/settlements", models.RoleAdmin, "admin-1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestStatusesListsEveryStatus(t *testing.T) {
	f := newFixture(t)
	req, _ := http.NewRequest("GET", f.srv.URL+"/api/v1/statuses", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var infos []lifecycle.StatusInfo
	if err := json.NewDecoder(resp.Body).Decode(&infos); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(infos) != len(lifecycle.Statuses()) || len(infos) == 0 {
		t.Fatalf("expected %d statuses, got %d", len(lifecycle.Statuses()), len(infos))
	}
}

func TestProviderLocationUpdatesDirectory(t *testing.T) {
	f := newFixture(t)
	body := map[string]any{"id": "p9", "loc": map[string]float64{"lat": 5.7, "lng": -0.2}, "available": true, "active": true}
	resp, _ := f.do(t, "POST", "/internal/providers/locations", "", "", body)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	p, ok, err := f.index.Get(context.Background(), "p9")
	if err != nil || !ok || p.Loc == nil || p.Loc.Lat != 5.7 {
		t.Fatalf("provider not stored: %+v %v %v", p, ok, err)
	}

	resp, _ = f.do(t, "POST", "/internal/providers/locations", "", "", map[string]any{"id": "p10", "loc": map[string]float64{"lat": 95, "lng": 0}})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for an invalid coordinate, got %d", resp.StatusCode)
	}
}

func TestPositionsNeedActiveTracking(t *testing.T) {
	f := newFixture(t)
	id := f.create(t)["id"].(string)
	report := map[string]any{"lat": accra.Lat + 0.005, "lng": accra.Lng}
	resp, _ := f.do(t, "POST", "/api/v1/requests/"+id+"/positions", models.RoleProvider, "p1", report)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 before the provider sets off, got %d", resp.StatusCode)
	}
}

// enRoute drives a fresh request through quote, approval and payment until
// the provider sets off.
func (f *fixture) enRoute(t *testing.T) string {
	t.Helper()
	id := f.create(t)["id"].(string)
	f.do(t, "POST", "/api/v1/requests/"+id+"/quote", models.RoleProvider, "p1", map[string]any{"amount": "150.00"})
	_, out := f.do(t, "POST", "/api/v1/requests/"+id+"/approve", models.RoleCustomer, "cust-1", nil)
	ref := out["payment"].(map[string]any)["reference"].(string)
	f.do(t, "POST", "/webhooks/payments", "", "", map[string]string{"request_id": id, "reference": ref})
	resp, out := f.do(t, "POST", "/api/v1/requests/"+id+"/start", models.RoleProvider, "p1", nil)
	if resp.StatusCode != http.StatusOK || out["status"] != string(models.StatusEnRoute) {
		t.Fatalf("start: %d %v", resp.StatusCode, out)
	}
	return id
}

func TestPositionsResumeTrackingAfterRestart(t *testing.T) {
	f := newFixture(t)
	id := f.enRoute(t)
	// A restarted process has the request en_route but no session.
	f.tracker.Stop(id)

	report := map[string]any{"lat": accra.Lat + 0.005, "lng": accra.Lng}
	resp, out := f.do(t, "POST", "/api/v1/requests/"+id+"/positions", models.RoleProvider, "p1", report)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202 after resuming, got %d %v", resp.StatusCode, out)
	}
	if !f.tracker.Active(id) {
		t.Fatal("expected the session to be reopened")
	}
	resp, _ = f.do(t, "GET", "/api/v1/requests/"+id+"/tracking", "", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("tracking: %d", resp.StatusCode)
	}
}

func TestWebsocketReceivesSnapshotThenChanges(t *testing.T) {
	f := newFixture(t)
	id := f.create(t)["id"].(string)

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws/requests/" + id
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var first dispatch.Message
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if first.Type != dispatch.TypeStatus || first.RequestID != id {
		t.Fatalf("unexpected snapshot %+v", first)
	}

	resp, _ := f.do(t, "POST", "/api/v1/requests/"+id+"/quote", models.RoleProvider, "p1", map[string]any{"amount": "80"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("quote: %d", resp.StatusCode)
	}
	var change struct {
		Type string             `json:"type"`
		Data models.ChangeEvent `json:"data"`
	}
	if err := conn.ReadJSON(&change); err != nil {
		t.Fatalf("read change: %v", err)
	}
	if change.Type != dispatch.TypeStatus || change.Data.To != models.StatusQuoted {
		t.Fatalf("unexpected change %+v", change)
	}
}

func TestPositionsFromAnotherProviderAreForbidden(t *testing.T) {
	f := newFixture(t)
	id := f.create(t)["id"].(string)
	resp, _ := f.do(t, "POST", "/api/v1/requests/"+id+"/positions", models.RoleProvider, "p2", map[string]any{"lat": accra.Lat, "lng": accra.Lng})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}

func TestLocationReportKeepsProviderMatchable(t *testing.T) {
	f := newFixture(t)
	report := map[string]any{"id": "p1", "loc": map[string]float64{"lat": accra.Lat + 0.02, "lng": accra.Lng}}
	resp, _ := f.do(t, "POST", "/internal/providers/locations", "", "", report)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	p, _, _ := f.index.Get(context.Background(), "p1")
	if !p.Available || !p.Active || p.PayoutAccount != "acct_p1" {
		t.Fatalf("location report changed the profile: %+v", p)
	}
	if out := f.create(t); out["status"] != string(models.StatusAssigned) {
		t.Fatalf("expected the provider to stay assignable, got %v", out["status"])
	}
}

func TestProviderProfileSetsAvailability(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, "PUT", "/internal/providers/p1", "", "", map[string]any{"available": false, "active": true, "payout_account": "acct_p1"})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	p, _, _ := f.index.Get(context.Background(), "p1")
	if p.Available || p.Loc == nil {
		t.Fatalf("expected unavailable provider with its last position, got %+v", p)
	}
	if out := f.create(t); out["status"] != string(models.StatusPending) {
		t.Fatalf("unavailable provider must not be assigned, got %v", out["status"])
	}
}
