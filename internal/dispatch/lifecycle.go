package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	ErrNotOffered   = errors.New("ride is not currently offered to this driver")
	ErrConflict     = errors.New("ride changed concurrently")
	ErrInvalidState = errors.New("action not allowed in the ride's current status")
	ErrForbidden    = errors.New("driver is not assigned to this ride")
	ErrDriverBusy   = errors.New("driver already has an active ride")
)

// Accept hands the ride to driverID. Only the driver currently being asked
// may accept, only while the ride is still pending, and only if the driver
// is not already on another accepted, arrived or ongoing ride. A busy
// driver's offer is left to run out.
func (e *Engine) Accept(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	unlock := e.lockRide(rideID)
	defer unlock()

	a, err := e.store.CurrentAssignment(ctx, rideID)
	if errors.Is(err, storage.ErrNotFound) {
		if _, gerr := e.store.GetRide(ctx, rideID); gerr != nil {
			return nil, gerr
		}
		return nil, ErrNotOffered
	}
	if err != nil {
		return nil, fmt.Errorf("load assignment: %w", err)
	}
	if a.DriverID != driverID {
		return nil, ErrNotOffered
	}
	ok, err := e.store.TransitionRide(ctx, rideID, models.Transition{From: models.StatusPending, To: models.StatusAccepted, DriverID: driverID})
	if errors.Is(err, storage.ErrDriverBusy) {
		return nil, ErrDriverBusy
	}
	if err != nil {
		return nil, fmt.Errorf("accept ride: %w", err)
	}
	if !ok {
		return nil, ErrConflict
	}
	e.forget(ctx, rideID)
	log := e.log.WithFields(logrus.Fields{"ride_id": rideID, "driver_id": driverID})
	if err := e.store.ReleaseRide(ctx, rideID); err != nil {
		log.WithError(err).Warn("dispatch_release_failed")
	}
	ride, err := e.store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	observability.RidesAccepted.Inc()
	observability.TimeToAccept.Observe(e.now().Sub(ride.CreatedAt).Seconds())
	log.Info("ride_accepted")
	e.publish(ctx, models.DispatchEvent{Type: models.EventAccepted, RideID: rideID, DriverID: driverID, Status: models.StatusAccepted})
	return ride, nil
}

// Cancel cancels a ride that has not finished yet, stops its dispatch and
// tells the drivers involved.
func (e *Engine) Cancel(ctx context.Context, rideID, canceledBy, reason string) (*models.Ride, error) {
	unlock := e.lockRide(rideID)
	defer unlock()

	ride, err := e.store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if !models.CanTransition(ride.Status, models.StatusCanceled) {
		return nil, ErrInvalidState
	}
	var offered string
	if a, err := e.store.CurrentAssignment(ctx, rideID); err == nil {
		offered = a.DriverID
	}
	ok, err := e.store.TransitionRide(ctx, rideID, models.Transition{
		From:         ride.Status,
		To:           models.StatusCanceled,
		CanceledBy:   canceledBy,
		CancelReason: reason,
	})
	if err != nil {
		return nil, fmt.Errorf("cancel ride: %w", err)
	}
	if !ok {
		return nil, ErrConflict
	}
	e.forget(ctx, rideID)
	log := e.log.WithFields(logrus.Fields{"ride_id": rideID, "canceled_by": canceledBy})
	if err := e.store.ReleaseRide(ctx, rideID); err != nil {
		log.WithError(err).Warn("dispatch_release_failed")
	}
	for _, id := range uniqueNonEmpty(offered, ride.DriverID) {
		d, err := e.store.GetDriver(ctx, id)
		if err != nil {
			log.WithError(err).WithField("driver_id", id).Warn("cancel_notice_driver_missing")
			continue
		}
		if err := e.notifier.RideCanceled(ctx, *d, rideID); err != nil {
			log.WithError(err).WithField("driver_id", id).Warn("cancel_notice_failed")
		}
	}
	e.releasePayment(ctx, ride)
	log.Info("ride_canceled")
	e.publish(ctx, models.DispatchEvent{Type: models.EventCanceled, RideID: rideID, DriverID: ride.DriverID, Status: models.StatusCanceled})
	return e.store.GetRide(ctx, rideID)
}

// Advance applies a driver action (arrive, start, complete) to an accepted
// ride.
func (e *Engine) Advance(ctx context.Context, rideID, driverID string, to models.RideStatus) (*models.Ride, error) {
	switch to {
	case models.StatusArrived, models.StatusOngoing, models.StatusCompleted:
	default:
		return nil, ErrInvalidState
	}
	unlock := e.lockRide(rideID)
	defer unlock()

	ride, err := e.store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if ride.DriverID == "" || ride.DriverID != driverID {
		return nil, ErrForbidden
	}
	if !models.CanTransition(ride.Status, to) {
		return nil, ErrInvalidState
	}
	ok, err := e.store.TransitionRide(ctx, rideID, models.Transition{From: ride.Status, To: to})
	if err != nil {
		return nil, fmt.Errorf("advance ride: %w", err)
	}
	if !ok {
		return nil, ErrConflict
	}
	log := e.log.WithFields(logrus.Fields{"ride_id": rideID, "driver_id": driverID, "status": to})
	if to == models.StatusCompleted && e.payments != nil && ride.PaymentMode == models.PaymentCard && ride.PaymentIntentID != "" {
		if err := e.payments.Capture(ctx, ride.PaymentIntentID); err != nil {
			log.WithError(err).Error("payment_capture_failed")
		}
	}
	log.Info("ride_status_changed")
	e.publish(ctx, models.DispatchEvent{Type: models.EventStatusChanged, RideID: rideID, DriverID: driverID, Status: to})
	return e.store.GetRide(ctx, rideID)
}

// Escalate runs one timeout step right away, exactly as if the ride's
// offer timer had fired.
func (e *Engine) Escalate(ctx context.Context, rideID string) (*models.Ride, error) {
	unlock := e.lockRide(rideID)
	defer unlock()

	entry := Entry{RideID: rideID}
	if p, ok := e.takeTimer(rideID, nil); ok {
		entry = p.entry
	} else {
		a, err := e.store.CurrentAssignment(ctx, rideID)
		switch {
		case err == nil:
			entry.DriverID = a.DriverID
		case !errors.Is(err, storage.ErrNotFound):
			return nil, fmt.Errorf("load assignment: %w", err)
		}
	}
	if err := e.expire(ctx, entry); err != nil {
		e.retryLater(ctx, rideID, entry.Round)
		return nil, err
	}
	return e.store.GetRide(ctx, rideID)
}

func uniqueNonEmpty(ids ...string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		dup := false
		for _, o := range out {
			if o == id {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, id)
		}
	}
	return out
}
