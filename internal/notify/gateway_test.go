package notify

import (
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

	"github.com/example/ride-dispatch/internal/models"
)

type sent struct {
	token string
	msg   Message
}

type recordingSender struct {
	mu   sync.Mutex
	msgs []sent
	err  error
}

func (r *recordingSender) Send(_ context.Context, token string, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.msgs = append(r.msgs, sent{token, msg})
	return nil
}

func testRide() *models.Ride {
	return &models.Ride{
		ID: "r1", RiderID: "u1",
		Pickup: models.Coord{Lat: 12.97, Lng: 77.59}, Drop: models.Coord{Lat: 12.93, Lng: 77.62},
		Fare: 180, DistanceKm: 6.2, DurationMin: 22, RideType: "auto", PaymentMode: models.PaymentCash,
		Status: models.StatusPending,
	}
}

func TestOfferRideSendsAlertAndSilentMessages(t *testing.T) {
	rs := &recordingSender{}
	g := &Gateway{Sender: rs}
	d := models.Driver{ID: "d1", PushToken: "tok-1"}

	if err := g.OfferRide(context.Background(), d, NewRideData(testRide(), "d1")); err != nil {
		t.Fatalf("offer: %v", err)
	}
	if len(rs.msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(rs.msgs))
	}
	alert, silent := rs.msgs[0].msg, rs.msgs[1].msg
	if alert.Title != "New Ride Request!" || alert.Body != "New ride available nearby" ||
		alert.Sound != "ride_ring" || alert.ChannelID != "ride_alerts" || alert.Priority != "high" {
		t.Fatalf("unexpected alert %+v", alert)
	}
	if !silent.Silent() || !silent.ContentAvailable || silent.Priority != "high" {
		t.Fatalf("unexpected silent message %+v", silent)
	}
	if alert.Data["rideData"] != silent.Data["rideData"] {
		t.Fatal("both messages must carry the same rideData")
	}
	var rd RideData
	if err := json.Unmarshal([]byte(alert.Data["rideData"]), &rd); err != nil {
		t.Fatalf("rideData is not JSON: %v", err)
	}
	if rd.RideID != "r1" || rd.AssignedDriverID != "d1" || rd.Fare != 180 || rd.PickupLat != 12.97 {
		t.Fatalf("unexpected rideData %+v", rd)
	}
	if rs.msgs[0].token != "tok-1" {
		t.Fatalf("token = %q", rs.msgs[0].token)
	}
}

func TestOfferExpiredPayload(t *testing.T) {
	rs := &recordingSender{}
	g := &Gateway{Sender: rs}
	if err := g.OfferExpired(context.Background(), models.Driver{ID: "d1", PushToken: "tok"}, "r1"); err != nil {
		t.Fatal(err)
	}
	alert := rs.msgs[0].msg
	if alert.Title != "Request timeout!" || alert.Body != "You are late!" || alert.Data["rideTimeout"] != "true" {
		t.Fatalf("unexpected timeout alert %+v", alert)
	}
}

func TestDeliveryErrors(t *testing.T) {
	g := &Gateway{Sender: &recordingSender{}}
	err := g.OfferRide(context.Background(), models.Driver{ID: "d1"}, RideData{RideID: "r1"})
	var de *DeliveryError
	if !errors.As(err, &de) || !errors.Is(err, ErrNoPushToken) {
		t.Fatalf("expected DeliveryError wrapping ErrNoPushToken, got %v", err)
	}

	boom := errors.New("transport down")
	g = &Gateway{Sender: &recordingSender{err: boom}}
	err = g.OfferRide(context.Background(), models.Driver{ID: "d1", PushToken: "t"}, RideData{RideID: "r1"})
	if !errors.As(err, &de) || !errors.Is(err, boom) || de.DriverID != "d1" {
		t.Fatalf("expected DeliveryError wrapping transport error, got %v", err)
	}
}

func TestWebhookSender(t *testing.T) {
	var got map[string]any
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		if got["to"] == "bad" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte("DeviceNotRegistered"))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ws := NewWebhookSender(srv.URL, "secret")
	msg := Message{Title: "t", Body: "b", Priority: PriorityHigh, Data: map[string]string{"k": "v"}}
	if err := ws.Send(context.Background(), "tok", msg); err != nil {
		t.Fatalf("send: %v", err)
	}
	if auth != "Bearer secret" || got["to"] != "tok" || got["title"] != "t" {
		t.Fatalf("unexpected request auth=%q body=%v", auth, got)
	}
	err := ws.Send(context.Background(), "bad", msg)
	if err == nil || !strings.Contains(err.Error(), "DeviceNotRegistered") {
		t.Fatalf("expected relay error, got %v", err)
	}
}

func TestBuildFCMMessage(t *testing.T) {
	alert := buildFCMMessage("tok", Message{Title: "T", Body: "B", Sound: "ride_ring", ChannelID: "ride_alerts", Priority: "high", Data: map[string]string{"a": "1"}})
	if alert.Notification == nil || alert.Android.Notification.ChannelID != "ride_alerts" || alert.APNS.Payload.Aps.Sound != "ride_ring" {
		t.Fatalf("alert message not built: %+v", alert)
	}
	if alert.APNS.Headers["apns-priority"] != "10" {
		t.Fatalf("alert apns priority = %s", alert.APNS.Headers["apns-priority"])
	}
	silent := buildFCMMessage("tok", Message{ContentAvailable: true, Priority: "high", Data: map[string]string{"a": "1"}})
	if silent.Notification != nil || !silent.APNS.Payload.Aps.ContentAvailable || silent.Android.Priority != "high" {
		t.Fatalf("silent message not built: %+v", silent)
	}
	if silent.Data["a"] != "1" || silent.Token != "tok" {
		t.Fatalf("data/token lost: %+v", silent)
	}
}

func TestBuildAPNSNotification(t *testing.T) {
	n := buildAPNSNotification("com.example.driver", "dev", Message{ContentAvailable: true, Data: map[string]string{"rideData": "{}"}})
	p := n.Payload.(map[string]any)
	aps := p["aps"].(map[string]any)
	if aps["content-available"] != 1 || p["rideData"] != "{}" || n.Topic != "com.example.driver" {
		t.Fatalf("unexpected background payload %+v", p)
	}
	n = buildAPNSNotification("com.example.driver", "dev", Message{Title: "T", Body: "B", Sound: "s"})
	aps = n.Payload.(map[string]any)["aps"].(map[string]any)
	if aps["sound"] != "s" || aps["alert"] == nil {
		t.Fatalf("unexpected alert payload %+v", aps)
	}
}

func TestWSRegistryDeliversEvents(t *testing.T) {
	reg := NewWSRegistry()
	upgrader := websocket.Upgrader{}
	ready := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		reg.Add("d1", conn)
		close(ready)
	}))
	defer srv.Close()

	c, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	<-ready

	g := &Gateway{Sender: &recordingSender{}, WS: reg}
	if err := g.OfferRide(context.Background(), models.Driver{ID: "d1", PushToken: "t"}, RideData{RideID: "r9"}); err != nil {
		t.Fatal(err)
	}
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	if err := c.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Type != "ride_offer" || ev.RideID != "r9" || ev.Ride == nil {
		t.Fatalf("unexpected event %+v", ev)
	}
	if err := reg.Send("nobody", ev); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestSocketOnlyDriverIsReached(t *testing.T) {
	reg := NewWSRegistry()
	upgrader := websocket.Upgrader{}
	ready := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		reg.Add("web", conn)
		close(ready)
	}))
	defer srv.Close()

	c, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	<-ready

	sender := &recordingSender{}
	g := &Gateway{Sender: sender, WS: reg}
	if err := g.OfferRide(context.Background(), models.Driver{ID: "web"}, RideData{RideID: "r1"}); err != nil {
		t.Fatalf("socket delivery without a push token: %v", err)
	}
	if err := g.OfferExpired(context.Background(), models.Driver{ID: "web"}, "r1"); err != nil {
		t.Fatalf("timeout notice: %v", err)
	}
	if len(sender.msgs) != 0 {
		t.Fatalf("nothing to push without a token, sent %d", len(sender.msgs))
	}
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	if err := c.ReadJSON(&ev); err != nil || ev.Type != "ride_offer" {
		t.Fatalf("read: %+v %v", ev, err)
	}

	sender.err = errors.New("fcm unavailable")
	if err := g.OfferRide(context.Background(), models.Driver{ID: "web", PushToken: "t"}, RideData{RideID: "r2"}); err != nil {
		t.Fatalf("push failure after socket delivery: %v", err)
	}

	var de *DeliveryError
	err = g.OfferRide(context.Background(), models.Driver{ID: "offline"}, RideData{RideID: "r3"})
	if !errors.As(err, &de) || !errors.Is(err, ErrNoPushToken) {
		t.Fatalf("offline driver without token: %v", err)
	}
}
