package models

import (
	"math"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether c is a usable WGS84 coordinate.
func (c Coord) Valid() bool {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lng) {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

type RideStatus string

const (
	StatusPending            RideStatus = "pending"
	StatusAccepted           RideStatus = "accepted"
	StatusArrived            RideStatus = "arrived"
	StatusOngoing            RideStatus = "ongoing"
	StatusCompleted          RideStatus = "completed"
	StatusCanceled           RideStatus = "canceled"
	StatusNoDriversAvailable RideStatus = "no_drivers_available"
)

// ActiveStatuses are the states in which a ride occupies its driver.
var ActiveStatuses = []RideStatus{StatusAccepted, StatusArrived, StatusOngoing}

func (s RideStatus) Active() bool {
	return s == StatusAccepted || s == StatusArrived || s == StatusOngoing
}

func (s RideStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCanceled || s == StatusNoDriversAvailable
}

var transitions = map[RideStatus][]RideStatus{
	StatusPending:  {StatusAccepted, StatusCanceled, StatusNoDriversAvailable},
	StatusAccepted: {StatusArrived, StatusCanceled},
	StatusArrived:  {StatusOngoing, StatusCanceled},
	StatusOngoing:  {StatusCompleted, StatusCanceled},
}

func CanTransition(from, to RideStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type PaymentMode string

const (
	PaymentCash PaymentMode = "cash"
	PaymentCard PaymentMode = "card"
)

type RideRequest struct {
	RiderID           string      `json:"rider_id"`
	Pickup            Coord       `json:"pickup"`
	Drop              Coord       `json:"drop"`
	PickupAddress     string      `json:"pickup_address"`
	DropAddress       string      `json:"drop_address"`
	Fare              float64     `json:"fare"`
	DistanceKm        float64     `json:"distance"`
	DurationMin       int         `json:"duration"`
	RideType          string      `json:"ride_type"`
	PaymentMode       PaymentMode `json:"payment_mode"`
	PaymentCustomerID string      `json:"payment_customer_id,omitempty"`
}

type Ride struct {
	ID                 string      `json:"id"`
	RiderID            string      `json:"rider_id"`
	DriverID           string      `json:"driver_id,omitempty"`
	Pickup             Coord       `json:"pickup"`
	Drop               Coord       `json:"drop"`
	PickupAddress      string      `json:"pickup_address,omitempty"`
	DropAddress        string      `json:"drop_address,omitempty"`
	Fare               float64     `json:"fare"`
	DistanceKm         float64     `json:"distance"`
	DurationMin        int         `json:"duration"`
	RideType           string      `json:"ride_type"`
	PaymentMode        PaymentMode `json:"payment_mode"`
	PaymentIntentID    string      `json:"-"`
	Status             RideStatus  `json:"status"`
	AttemptedDriverIDs []string    `json:"attempted_driver_ids"`
	CancelReason       string      `json:"cancel_reason,omitempty"`
	CanceledBy         string      `json:"canceled_by,omitempty"`
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`
	AcceptedAt         *time.Time  `json:"accepted_at,omitempty"`
	ArrivedAt          *time.Time  `json:"arrived_at,omitempty"`
	StartedAt          *time.Time  `json:"started_at,omitempty"`
	CompletedAt        *time.Time  `json:"completed_at,omitempty"`
	CanceledAt         *time.Time  `json:"canceled_at,omitempty"`
}

// Transition is a conditional status change: it applies only while the
// stored status still equals From.
type Transition struct {
	From         RideStatus
	To           RideStatus
	DriverID     string
	CanceledBy   string
	CancelReason string
}

type DriverStatus string

const (
	DriverOnDuty  DriverStatus = "on_duty"
	DriverOffDuty DriverStatus = "off_duty"
)

type Driver struct {
	ID        string       `json:"id"`
	Name      string       `json:"name,omitempty"`
	Status    DriverStatus `json:"status"`
	Location  *Coord       `json:"location,omitempty"`
	PushToken string       `json:"push_token,omitempty"`
	Platform  string       `json:"platform,omitempty"` // android, ios
	UpdatedAt time.Time    `json:"updated_at"`
}

// Assignment marks the single driver currently being asked about a ride.
type Assignment struct {
	RideID     string    `json:"ride_id"`
	DriverID   string    `json:"driver_id"`
	AssignedAt time.Time `json:"assigned_at"`
}

type Attempt struct {
	RideID      string    `json:"ride_id"`
	DriverID    string    `json:"driver_id"`
	AttemptedAt time.Time `json:"attempted_at"`
}

type LocationUpdate struct {
	DriverID string    `json:"driver_id"`
	Lat      float64   `json:"lat"`
	Lng      float64   `json:"lng"`
	At       time.Time `json:"at"`
}

const (
	EventOffered            = "ride.offered"
	EventOfferExpired       = "ride.offer_expired"
	EventAccepted           = "ride.accepted"
	EventCanceled           = "ride.canceled"
	EventNoDriversAvailable = "ride.no_drivers_available"
	EventStatusChanged      = "ride.status_changed"
)

type DispatchEvent struct {
	Type     string     `json:"type"`
	RideID   string     `json:"ride_id"`
	DriverID string     `json:"driver_id,omitempty"`
	Round    int        `json:"round"`
	Status   RideStatus `json:"status"`
	At       time.Time  `json:"at"`
}
