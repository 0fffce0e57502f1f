package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/storage"
)

type idleTimer struct{}

func (idleTimer) Stop() bool { return true }

type fakeHolder struct {
	amounts  []int64
	canceled []string
	err      error
}

func (f *fakeHolder) Hold(_ context.Context, amountCents int64, _, _ string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.amounts = append(f.amounts, amountCents)
	return "pi_held", nil
}

func (f *fakeHolder) Cancel(_ context.Context, intentID string) error {
	f.canceled = append(f.canceled, intentID)
	return nil
}

// failingCreate refuses every new ride.
type failingCreate struct {
	*storage.MemoryStore
}

func (failingCreate) CreateRide(context.Context, *models.Ride) error {
	return errors.New("connection refused")
}

type capturePublisher struct {
	mu      sync.Mutex
	updates []models.LocationUpdate
}

func (c *capturePublisher) PublishLocation(_ context.Context, u models.LocationUpdate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates = append(c.updates, u)
	return nil
}

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type testEnv struct {
	srv    *Server
	store  *storage.MemoryStore
	engine *dispatch.Engine
	ws     *notify.WSRegistry
	holder *fakeHolder
	pub    *capturePublisher
}

func newTestEnv(t *testing.T, redis Pinger) *testEnv {
	t.Helper()
	log, _ := test.NewNullLogger()
	store := storage.NewMemoryStore()
	ws := notify.NewWSRegistry()
	engine := dispatch.NewEngine(dispatch.Options{
		Store:     store,
		Locator:   &matcher.Locator{Source: store, Intn: func(int) int { return 0 }},
		Notifier:  &notify.Gateway{Sender: &notify.LogSender{Log: log}, WS: ws, Log: log},
		Log:       log,
		AfterFunc: func(time.Duration, func()) dispatch.Timer { return idleTimer{} },
	})
	t.Cleanup(engine.Close)
	env := &testEnv{store: store, engine: engine, ws: ws, holder: &fakeHolder{}, pub: &capturePublisher{}}
	env.srv = NewServer(Options{
		Store:     store,
		Engine:    engine,
		Locations: env.pub,
		WS:        ws,
		Payments:  env.holder,
		Redis:     redis,
		Logger:    log,
	})
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) addDriver(t *testing.T, id string, lat float64) {
	t.Helper()
	rec := e.do(t, http.MethodPut, "/api/v1/drivers/"+id, map[string]any{
		"name": "Driver " + id, "status": "on_duty", "push_token": "tok-" + id, "platform": "android",
		"location": map[string]float64{"lat": lat, "lng": 0},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("put driver %s: %d %s", id, rec.Code, rec.Body)
	}
}

func (e *testEnv) requestRide(t *testing.T, mode string) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/v1/rides", map[string]any{
		"rider_id": "rider-1", "pickup": map[string]float64{"lat": 0, "lng": 0},
		"drop": map[string]float64{"lat": 0.05, "lng": 0.05}, "fare": 12.5, "distance": 7.2,
		"duration": 16, "ride_type": "sedan", "payment_mode": mode,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create ride: %d %s", rec.Code, rec.Body)
	}
	var out struct {
		RideID string `json:"ride_id"`
		Status string `json:"status"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.RideID == "" || out.Status != "pending" {
		t.Fatalf("create response = %+v", out)
	}
	e.engine.Drain()
	return out.RideID
}

type rideResponse struct {
	ID                 string   `json:"id"`
	Status             string   `json:"status"`
	DriverID           string   `json:"driver_id"`
	AttemptedDriverIDs []string `json:"attempted_driver_ids"`
	OfferedDriverID    string   `json:"offered_driver_id"`
	CanceledBy         string   `json:"canceled_by"`
}

func decodeRide(t *testing.T, rec *httptest.ResponseRecorder) rideResponse {
	t.Helper()
	var r rideResponse
	if err := json.NewDecoder(rec.Body).Decode(&r); err != nil {
		t.Fatalf("decode ride: %v (%s)", err, rec.Body)
	}
	return r
}

func TestCreateRideDispatchesToNearestDriver(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addDriver(t, "far", 0.04)
	env.addDriver(t, "near", 0.01)
	id := env.requestRide(t, "cash")

	rec := env.do(t, http.MethodGet, "/api/v1/rides/"+id, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get ride: %d", rec.Code)
	}
	r := decodeRide(t, rec)
	if r.Status != "pending" || r.OfferedDriverID != "near" {
		t.Fatalf("ride = %+v", r)
	}
	if len(r.AttemptedDriverIDs) != 1 || r.AttemptedDriverIDs[0] != "near" {
		t.Fatalf("attempted = %v", r.AttemptedDriverIDs)
	}
}

func TestCreateRideValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	cases := []struct {
		name string
		body map[string]any
	}{
		{"missing rider", map[string]any{"pickup": map[string]float64{"lat": 1, "lng": 1}, "drop": map[string]float64{"lat": 1, "lng": 1}}},
		{"bad pickup", map[string]any{"rider_id": "u", "pickup": map[string]float64{"lat": 95, "lng": 1}, "drop": map[string]float64{"lat": 1, "lng": 1}}},
		{"bad payment mode", map[string]any{"rider_id": "u", "pickup": map[string]float64{"lat": 1, "lng": 1}, "drop": map[string]float64{"lat": 1, "lng": 1}, "payment_mode": "barter"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if rec := env.do(t, http.MethodPost, "/api/v1/rides", tc.body); rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d", rec.Code)
			}
		})
	}
}

func TestCardRideHoldsPayment(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.requestRide(t, "card")
	if len(env.holder.amounts) != 1 || env.holder.amounts[0] != 1250 {
		t.Fatalf("holds = %v", env.holder.amounts)
	}
	r, err := env.store.GetRide(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if r.PaymentIntentID != "pi_held" {
		t.Fatalf("intent = %q", r.PaymentIntentID)
	}

	env.holder.err = errors.New("card declined")
	rec := env.do(t, http.MethodPost, "/api/v1/rides", map[string]any{
		"rider_id": "u", "pickup": map[string]float64{"lat": 0, "lng": 0}, "drop": map[string]float64{"lat": 0, "lng": 0.1},
		"payment_mode": "card", "fare": 3,
	})
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestCreateRideReleasesHoldWhenStoreFails(t *testing.T) {
	env := newTestEnv(t, nil)
	log, _ := test.NewNullLogger()
	env.srv = NewServer(Options{
		Store:    failingCreate{env.store},
		Engine:   env.engine,
		WS:       env.ws,
		Payments: env.holder,
		Logger:   log,
	})

	rec := env.do(t, http.MethodPost, "/api/v1/rides", map[string]any{
		"rider_id": "u", "pickup": map[string]float64{"lat": 0, "lng": 0}, "drop": map[string]float64{"lat": 0, "lng": 0.1},
		"payment_mode": "card", "fare": 12.5,
	})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(env.holder.amounts) != 1 {
		t.Fatalf("holds = %v", env.holder.amounts)
	}
	if len(env.holder.canceled) != 1 || env.holder.canceled[0] != "pi_held" {
		t.Fatalf("canceled = %v", env.holder.canceled)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/rides", map[string]any{
		"rider_id": "u", "pickup": map[string]float64{"lat": 0, "lng": 0}, "drop": map[string]float64{"lat": 0, "lng": 0.1},
		"payment_mode": "cash", "fare": 12.5,
	})
	if rec.Code != http.StatusInternalServerError || len(env.holder.canceled) != 1 {
		t.Fatalf("cash ride: status=%d canceled=%v", rec.Code, env.holder.canceled)
	}
}

func TestAcceptFlow(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addDriver(t, "d1", 0.01)
	env.addDriver(t, "d2", 0.02)
	id := env.requestRide(t, "cash")

	if rec := env.do(t, http.MethodPost, "/api/v1/rides/"+id+"/accept", map[string]string{"driver_id": "d2"}); rec.Code != http.StatusForbidden {
		t.Fatalf("accept by non-offered driver: %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/v1/rides/"+id+"/accept", map[string]string{}); rec.Code != http.StatusBadRequest {
		t.Fatalf("accept without driver: %d", rec.Code)
	}
	rec := env.do(t, http.MethodPost, "/api/v1/rides/"+id+"/accept", map[string]string{"driver_id": "d1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("accept: %d %s", rec.Code, rec.Body)
	}
	if r := decodeRide(t, rec); r.Status != "accepted" || r.DriverID != "d1" || r.OfferedDriverID != "" {
		t.Fatalf("ride = %+v", r)
	}
	if _, ok := env.engine.PendingOffer(id); ok {
		t.Fatal("timer must be gone after accept")
	}
	if rec := env.do(t, http.MethodPost, "/api/v1/rides/missing/accept", map[string]string{"driver_id": "d1"}); rec.Code != http.StatusNotFound {
		t.Fatalf("accept missing ride: %d", rec.Code)
	}
}

func TestDriverActions(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addDriver(t, "d1", 0.01)
	id := env.requestRide(t, "cash")
	env.do(t, http.MethodPost, "/api/v1/rides/"+id+"/accept", map[string]string{"driver_id": "d1"})

	if rec := env.do(t, http.MethodPost, "/api/v1/rides/"+id+"/arrive", map[string]string{"driver_id": "d9"}); rec.Code != http.StatusForbidden {
		t.Fatalf("arrive by other driver: %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/v1/rides/"+id+"/complete", map[string]string{"driver_id": "d1"}); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("complete before start: %d", rec.Code)
	}
	for _, step := range []struct{ path, status string }{{"arrive", "arrived"}, {"start", "ongoing"}, {"complete", "completed"}} {
		rec := env.do(t, http.MethodPost, "/api/v1/rides/"+id+"/"+step.path, map[string]string{"driver_id": "d1"})
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: %d %s", step.path, rec.Code, rec.Body)
		}
		if r := decodeRide(t, rec); r.Status != step.status {
			t.Fatalf("%s: status %s", step.path, r.Status)
		}
	}
}

func TestTimeoutEndpointMovesToNextDriver(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addDriver(t, "d1", 0.01)
	env.addDriver(t, "d2", 0.02)
	id := env.requestRide(t, "cash")

	rec := env.do(t, http.MethodPost, "/api/v1/rides/"+id+"/timeout", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("timeout: %d %s", rec.Code, rec.Body)
	}
	r := decodeRide(t, rec)
	if r.OfferedDriverID != "d2" || len(r.AttemptedDriverIDs) != 2 {
		t.Fatalf("ride = %+v", r)
	}
}

func TestCancelEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addDriver(t, "d1", 0.01)
	id := env.requestRide(t, "cash")

	rec := env.do(t, http.MethodPost, "/api/v1/rides/"+id+"/cancel", map[string]string{"reason": "found another ride"})
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: %d %s", rec.Code, rec.Body)
	}
	if r := decodeRide(t, rec); r.Status != "canceled" || r.CanceledBy != "user" {
		t.Fatalf("ride = %+v", r)
	}
	if rec := env.do(t, http.MethodPost, "/api/v1/rides/"+id+"/cancel", nil); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("second cancel: %d", rec.Code)
	}
}

func TestGetMissingRide(t *testing.T) {
	env := newTestEnv(t, nil)
	if rec := env.do(t, http.MethodGet, "/api/v1/rides/nope", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestDriverLocationUpdate(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addDriver(t, "d1", 0.01)

	rec := env.do(t, http.MethodPost, "/internal/driver/locations", map[string]any{"driver_id": "d1", "lat": 12.97, "lng": 77.59})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d %s", rec.Code, rec.Body)
	}
	d, _ := env.store.GetDriver(context.Background(), "d1")
	if d.Location == nil || d.Location.Lat != 12.97 || d.Location.Lng != 77.59 {
		t.Fatalf("location = %+v", d.Location)
	}
	if len(env.pub.updates) != 1 || env.pub.updates[0].DriverID != "d1" || env.pub.updates[0].At.IsZero() {
		t.Fatalf("published = %+v", env.pub.updates)
	}

	if rec := env.do(t, http.MethodPost, "/internal/driver/locations", map[string]any{"driver_id": "ghost", "lat": 1, "lng": 1}); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown driver: %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/internal/driver/locations", map[string]any{"driver_id": "d1", "lat": 91, "lng": 1}); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad coordinate: %d", rec.Code)
	}
}

func TestDriverProfileKeepsLocation(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addDriver(t, "d1", 0.01)

	rec := env.do(t, http.MethodPut, "/api/v1/drivers/d1", map[string]any{"name": "Renamed", "status": "on_duty", "push_token": "new"})
	if rec.Code != http.StatusOK {
		t.Fatalf("put: %d", rec.Code)
	}
	d, _ := env.store.GetDriver(context.Background(), "d1")
	if d.Name != "Renamed" || d.PushToken != "new" || d.Location == nil {
		t.Fatalf("driver = %+v", d)
	}

	if rec := env.do(t, http.MethodPatch, "/api/v1/drivers/d1/status", map[string]string{"status": "off_duty"}); rec.Code != http.StatusNoContent {
		t.Fatalf("patch: %d", rec.Code)
	}
	d, _ = env.store.GetDriver(context.Background(), "d1")
	if d.Status != models.DriverOffDuty {
		t.Fatalf("status = %s", d.Status)
	}
	if rec := env.do(t, http.MethodPatch, "/api/v1/drivers/d1/status", map[string]string{"status": "napping"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid status: %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPatch, "/api/v1/drivers/ghost/status", map[string]string{"status": "on_duty"}); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown driver: %d", rec.Code)
	}
}

func TestReadiness(t *testing.T) {
	env := newTestEnv(t, pingFunc(func(context.Context) error { return nil }))
	if rec := env.do(t, http.MethodGet, "/ready", nil); rec.Code != http.StatusOK {
		t.Fatalf("ready: %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/healthz", nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}

	down := newTestEnv(t, pingFunc(func(context.Context) error { return errors.New("connection refused") }))
	rec := down.do(t, http.MethodGet, "/ready", nil)
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "connection refused") {
		t.Fatalf("ready with redis down: %d %s", rec.Code, rec.Body)
	}
}

func TestRequestIDEchoed(t *testing.T) {
	env := newTestEnv(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	env.srv.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "abc-123" {
		t.Fatalf("request id = %q", got)
	}
}

func TestWebsocketReceivesOffer(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addDriver(t, "d1", 0.01)
	ts := httptest.NewServer(env.srv)
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws/d1", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for !env.ws.Connected("d1") {
		if time.Now().After(deadline) {
			t.Fatal("session never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	id := env.requestRide(t, "cash")
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev notify.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != "ride_offer" || ev.RideID != id || ev.Ride == nil || ev.Ride.AssignedDriverID != "d1" {
		t.Fatalf("event = %+v", ev)
	}
}
