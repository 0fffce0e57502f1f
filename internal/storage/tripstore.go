package storage

import (
	"context"
	"errors"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrDriverBusy is returned when a ride would be handed to a driver that
	// already holds an accepted, arrived or ongoing ride.
	ErrDriverBusy = errors.New("driver already has an active ride")
)

// RideStore persists ride records.
type RideStore interface {
	CreateRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	ListRidesByStatus(ctx context.Context, status models.RideStatus) ([]models.Ride, error)
	// AppendAttemptedDriver is idempotent: a driver id already present is
	// not appended again.
	AppendAttemptedDriver(ctx context.Context, rideID, driverID string) error
	// TransitionRide applies t only while the ride is in t.From and reports
	// whether it did. A move to accepted fails with ErrDriverBusy while
	// t.DriverID is on another active ride.
	TransitionRide(ctx context.Context, rideID string, t models.Transition) (bool, error)
}

type DriverStore interface {
	UpsertDriver(ctx context.Context, d *models.Driver) error
	GetDriver(ctx context.Context, id string) (*models.Driver, error)
	UpdateDriverLocation(ctx context.Context, id string, loc models.Coord) error
	SetDriverStatus(ctx context.Context, id string, status models.DriverStatus) error
	// AvailableDrivers lists on-duty drivers with a known location that are
	// not in exclude and do not hold an active ride, in stable order.
	AvailableDrivers(ctx context.Context, exclude []string) ([]models.Driver, error)
}

// AssignmentStore keeps the current-driver markers. A ride has at most one
// marker and a driver is the target of at most one marker.
type AssignmentStore interface {
	AssignedDriverIDs(ctx context.Context) ([]string, error)
	CurrentAssignment(ctx context.Context, rideID string) (*models.Assignment, error)
	// ClaimDriver replaces the ride's marker with one naming driverID. It
	// returns false without changes when the driver is already claimed for
	// another ride.
	ClaimDriver(ctx context.Context, rideID, driverID string) (bool, error)
	ReleaseRide(ctx context.Context, rideID string) error
}

type AttemptLog interface {
	RecordAttempt(ctx context.Context, rideID, driverID string) error
}

type Store interface {
	RideStore
	DriverStore
	AssignmentStore
	AttemptLog
	Ping(ctx context.Context) error
}
