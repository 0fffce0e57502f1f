package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/example/ride-dispatch/internal/models"
)

const (
	PriorityHigh = "high"

	offerTitle    = "New Ride Request!"
	offerBody     = "New ride available nearby"
	offerSound    = "ride_ring"
	offerChannel  = "ride_alerts"
	timeoutTitle  = "Request timeout!"
	timeoutBody   = "You are late!"
	canceledTitle = "Ride cancelled"
	canceledBody  = "The rider cancelled this ride"
)

// Message is one push message. A message without title and body is a
// data-only background wake-up.
type Message struct {
	Title            string            `json:"title,omitempty"`
	Body             string            `json:"body,omitempty"`
	Sound            string            `json:"sound,omitempty"`
	ChannelID        string            `json:"channelId,omitempty"`
	Priority         string            `json:"priority"`
	ContentAvailable bool              `json:"content_available,omitempty"`
	Data             map[string]string `json:"data"`
}

func (m Message) Silent() bool { return m.Title == "" && m.Body == "" }

// Sender delivers a message to one device token.
type Sender interface {
	Send(ctx context.Context, token string, msg Message) error
}

// RideData is the ride snapshot carried in every offer.
type RideData struct {
	RideID             string  `json:"id"`
	RiderID            string  `json:"user_id"`
	PickupLat          float64 `json:"pickup_lat"`
	PickupLng          float64 `json:"pickup_lng"`
	DropLat            float64 `json:"drop_lat"`
	DropLng            float64 `json:"drop_lng"`
	PickupAddress      string  `json:"pickup_address,omitempty"`
	DropAddress        string  `json:"drop_address,omitempty"`
	Fare               float64 `json:"fare"`
	Distance           float64 `json:"distance"`
	Duration           int     `json:"duration"`
	RideType           string  `json:"ride_type"`
	PaymentMode        string  `json:"payment_mode"`
	Status             string  `json:"status"`
	AssignedDriverID   string  `json:"assigned_driver_id"`
	DistanceToPickupKm float64 `json:"distance_to_pickup_km"`
	PickupETASeconds   float64 `json:"pickup_eta_seconds,omitempty"`
	ExpiresAt          int64   `json:"expires_at,omitempty"`
}

func NewRideData(r *models.Ride, driverID string) RideData {
	return RideData{
		RideID:           r.ID,
		RiderID:          r.RiderID,
		PickupLat:        r.Pickup.Lat,
		PickupLng:        r.Pickup.Lng,
		DropLat:          r.Drop.Lat,
		DropLng:          r.Drop.Lng,
		PickupAddress:    r.PickupAddress,
		DropAddress:      r.DropAddress,
		Fare:             r.Fare,
		Distance:         r.DistanceKm,
		Duration:         r.DurationMin,
		RideType:         r.RideType,
		PaymentMode:      string(r.PaymentMode),
		Status:           string(r.Status),
		AssignedDriverID: driverID,
	}
}

// DeliveryError reports that a driver could not be reached.
type DeliveryError struct {
	DriverID string
	Kind     string
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver %s to driver %s: %v", e.Kind, e.DriverID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

var ErrNoPushToken = errors.New("driver has no push token")

// Event is what a connected driver receives over the websocket.
type Event struct {
	Type   string    `json:"type"`
	RideID string    `json:"ride_id"`
	Ride   *RideData `json:"ride,omitempty"`
	At     time.Time `json:"at"`
}

// Gateway sends offer and timeout notifications to drivers. Every event is
// pushed twice: a visible alert and a data-only wake-up. Drivers with an
// open websocket also get the event on the socket, and a socket delivery
// alone counts as reaching the driver.
type Gateway struct {
	Sender Sender
	WS     *WSRegistry
	Log    logrus.FieldLogger
}

func (g *Gateway) OfferRide(ctx context.Context, d models.Driver, ride RideData) error {
	b, err := json.Marshal(ride)
	if err != nil {
		return &DeliveryError{DriverID: d.ID, Kind: "offer", Err: err}
	}
	data := map[string]string{"rideData": string(b)}
	alert := Message{Title: offerTitle, Body: offerBody, Priority: PriorityHigh, Sound: offerSound, ChannelID: offerChannel, Data: data}
	live := g.sendWS(d.ID, Event{Type: "ride_offer", RideID: ride.RideID, Ride: &ride, At: time.Now()})
	return g.deliver(ctx, d, "offer", alert, live)
}

func (g *Gateway) OfferExpired(ctx context.Context, d models.Driver, rideID string) error {
	data := map[string]string{"rideTimeout": "true", "ride_id": rideID}
	alert := Message{Title: timeoutTitle, Body: timeoutBody, Priority: PriorityHigh, Data: data}
	live := g.sendWS(d.ID, Event{Type: "ride_timeout", RideID: rideID, At: time.Now()})
	return g.deliver(ctx, d, "timeout", alert, live)
}

func (g *Gateway) RideCanceled(ctx context.Context, d models.Driver, rideID string) error {
	data := map[string]string{"rideCanceled": "true", "ride_id": rideID}
	alert := Message{Title: canceledTitle, Body: canceledBody, Priority: PriorityHigh, Data: data}
	live := g.sendWS(d.ID, Event{Type: "ride_canceled", RideID: rideID, At: time.Now()})
	return g.deliver(ctx, d, "cancel", alert, live)
}

// deliver pushes alert and reports failure only when the websocket did not
// already reach the driver.
func (g *Gateway) deliver(ctx context.Context, d models.Driver, kind string, alert Message, live bool) error {
	err := g.push(ctx, d, kind, alert)
	if err == nil || !live {
		return err
	}
	if g.Log != nil && !errors.Is(err, ErrNoPushToken) {
		g.Log.WithError(err).WithField("driver_id", d.ID).Warn("push_failed_ws_delivered")
	}
	return nil
}

func (g *Gateway) push(ctx context.Context, d models.Driver, kind string, alert Message) error {
	if d.PushToken == "" {
		return &DeliveryError{DriverID: d.ID, Kind: kind, Err: ErrNoPushToken}
	}
	silent := Message{ContentAvailable: true, Priority: PriorityHigh, Data: alert.Data}
	if err := g.Sender.Send(ctx, d.PushToken, alert); err != nil {
		return &DeliveryError{DriverID: d.ID, Kind: kind, Err: err}
	}
	if err := g.Sender.Send(ctx, d.PushToken, silent); err != nil {
		return &DeliveryError{DriverID: d.ID, Kind: kind, Err: err}
	}
	return nil
}

// sendWS reports whether the event reached an open socket.
func (g *Gateway) sendWS(driverID string, ev Event) bool {
	if g.WS == nil {
		return false
	}
	err := g.WS.Send(driverID, ev)
	if err != nil && !errors.Is(err, ErrNoSession) && g.Log != nil {
		g.Log.WithError(err).WithField("driver_id", driverID).Warn("ws_send_failed")
	}
	return err == nil
}
