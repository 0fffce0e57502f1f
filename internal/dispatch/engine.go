package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

const (
	DefaultOfferTimeout      = 65 * time.Second
	DefaultMaxFallbackRounds = 5

	// claims lost to concurrent dispatches before the cycle backs off
	maxClaimAttempts = 3
	// wait before re-running a cycle that failed on a store error
	abortRetryDelay = 5 * time.Second
)

type Locator interface {
	FindCandidate(ctx context.Context, pickup models.Coord, excluded []string, fallback bool) (*matcher.Candidate, error)
}

type Notifier interface {
	OfferRide(ctx context.Context, d models.Driver, ride notify.RideData) error
	OfferExpired(ctx context.Context, d models.Driver, rideID string) error
	RideCanceled(ctx context.Context, d models.Driver, rideID string) error
}

type EventPublisher interface {
	Publish(ctx context.Context, ev models.DispatchEvent) error
}

// Payments releases or settles a card hold taken when the ride was created.
type Payments interface {
	Capture(ctx context.Context, intentID string) error
	Cancel(ctx context.Context, intentID string) error
}

type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d; time.AfterFunc in production.
type AfterFunc func(d time.Duration, f func()) Timer

type Options struct {
	Store    storage.Store
	Locator  Locator
	Notifier Notifier
	Schedule Schedule       // nil keeps timers in memory only
	Events   EventPublisher // optional
	Payments Payments       // optional
	ETA      *eta.Estimator // optional, fills the pickup ETA in offers
	Log      logrus.FieldLogger

	OfferTimeout time.Duration
	// MaxFallbackRounds caps fallback re-offers. Nil means
	// DefaultMaxFallbackRounds and zero disables fallback.
	MaxFallbackRounds *int

	AfterFunc AfterFunc
	Now       func() time.Time
}

// Engine drives pending rides through offer, timeout and reassignment until
// a driver accepts, the rider cancels or no driver is left.
type Engine struct {
	store     storage.Store
	locator   Locator
	notifier  Notifier
	schedule  Schedule
	events    EventPublisher
	payments  Payments
	eta       *eta.Estimator
	log       logrus.FieldLogger
	timeout   time.Duration
	maxRounds int
	afterFunc AfterFunc
	now       func() time.Time

	mu     sync.Mutex
	timers map[string]*pendingOffer
	locks  map[string]*rideLock
	seq    uint64
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type pendingOffer struct {
	entry Entry
	timer Timer
	seq   uint64
}

type rideLock struct {
	mu   sync.Mutex
	refs int
}

func NewEngine(opts Options) *Engine {
	e := &Engine{
		store:     opts.Store,
		locator:   opts.Locator,
		notifier:  opts.Notifier,
		schedule:  opts.Schedule,
		events:    opts.Events,
		payments:  opts.Payments,
		eta:       opts.ETA,
		log:       opts.Log,
		timeout:   opts.OfferTimeout,
		maxRounds: DefaultMaxFallbackRounds,
		afterFunc: opts.AfterFunc,
		now:       opts.Now,
		timers:    make(map[string]*pendingOffer),
		locks:     make(map[string]*rideLock),
	}
	if e.timeout <= 0 {
		e.timeout = DefaultOfferTimeout
	}
	if opts.MaxFallbackRounds != nil && *opts.MaxFallbackRounds >= 0 {
		e.maxRounds = *opts.MaxFallbackRounds
	}
	if e.afterFunc == nil {
		e.afterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.log == nil {
		l := logrus.New()
		e.log = l
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e
}

// Dispatch starts dispatching rideID in the background.
func (e *Engine) Dispatch(rideID string) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()
	go func() {
		defer e.wg.Done()
		if err := e.Attempt(e.ctx, rideID, 0); err != nil {
			e.log.WithError(err).WithField("ride_id", rideID).Error("dispatch_failed")
		}
	}()
}

// Attempt runs one attempt cycle for rideID. round counts the fallback
// offers made so far.
func (e *Engine) Attempt(ctx context.Context, rideID string, round int) error {
	unlock := e.lockRide(rideID)
	defer unlock()
	if err := e.attempt(ctx, rideID, round); err != nil {
		e.retryLater(ctx, rideID, round)
		return err
	}
	return nil
}

func (e *Engine) attempt(ctx context.Context, rideID string, round int) error {
	log := e.log.WithFields(logrus.Fields{"ride_id": rideID, "round": round})
	ride, err := e.store.GetRide(ctx, rideID)
	if errors.Is(err, storage.ErrNotFound) {
		log.Debug("dispatch_ride_missing")
		return nil
	}
	if err != nil {
		return e.abort(log, fmt.Errorf("load ride: %w", err))
	}
	if ride.Status != models.StatusPending {
		return nil
	}
	if !ride.Pickup.Valid() {
		log.WithField("pickup", ride.Pickup).Warn("dispatch_invalid_pickup")
		return nil
	}
	observability.DispatchAttempts.Inc()

	for try := 0; try < maxClaimAttempts; try++ {
		cand, fallback, err := e.selectCandidate(ctx, ride, round)
		if err != nil {
			return e.abort(log, err)
		}
		if cand == nil {
			return e.exhaust(ctx, ride, round)
		}
		claimed, err := e.store.ClaimDriver(ctx, ride.ID, cand.Driver.ID)
		if err != nil {
			return e.abort(log, fmt.Errorf("claim driver %s: %w", cand.Driver.ID, err))
		}
		if !claimed {
			observability.ClaimConflicts.Inc()
			log.WithField("driver_id", cand.Driver.ID).Info("dispatch_claim_lost")
			continue
		}
		return e.offer(ctx, ride, cand, round, fallback)
	}
	log.Warn("dispatch_claim_contention")
	e.arm(ctx, Entry{RideID: ride.ID, Round: round})
	return nil
}

func (e *Engine) selectCandidate(ctx context.Context, ride *models.Ride, round int) (*matcher.Candidate, bool, error) {
	cand, err := e.locator.FindCandidate(ctx, ride.Pickup, ride.AttemptedDriverIDs, false)
	if err != nil {
		return nil, false, fmt.Errorf("find candidate: %w", err)
	}
	if cand != nil {
		return cand, false, nil
	}
	if round >= e.maxRounds {
		return nil, false, nil
	}
	cand, err = e.locator.FindCandidate(ctx, ride.Pickup, ride.AttemptedDriverIDs, true)
	if err != nil {
		return nil, false, fmt.Errorf("find fallback candidate: %w", err)
	}
	return cand, cand != nil, nil
}

func (e *Engine) offer(ctx context.Context, ride *models.Ride, cand *matcher.Candidate, round int, fallback bool) error {
	d := cand.Driver
	log := e.log.WithFields(logrus.Fields{"ride_id": ride.ID, "driver_id": d.ID, "round": round, "fallback": fallback})

	if err := e.store.RecordAttempt(ctx, ride.ID, d.ID); err != nil {
		log.WithError(err).Warn("dispatch_attempt_log_failed")
	}
	if err := e.store.AppendAttemptedDriver(ctx, ride.ID, d.ID); err != nil {
		if rerr := e.store.ReleaseRide(ctx, ride.ID); rerr != nil {
			log.WithError(rerr).Warn("dispatch_release_failed")
		}
		return e.abort(log, fmt.Errorf("append attempted driver: %w", err))
	}

	next, mode := round, "normal"
	if fallback {
		next, mode = round+1, "fallback"
	}
	deadline := e.now().Add(e.timeout)
	data := notify.NewRideData(ride, d.ID)
	data.DistanceToPickupKm = cand.DistanceKm
	data.ExpiresAt = deadline.Unix()
	if e.eta != nil && d.Location != nil {
		data.PickupETASeconds = e.eta.Estimate(ctx, *d.Location, ride.Pickup)
	}

	if err := e.notifier.OfferRide(ctx, d, data); err != nil {
		observability.NotifyFailures.Inc()
		log.WithError(err).Warn("dispatch_offer_undeliverable")
		if err := e.expireOffer(ctx, ride.ID, d); err != nil {
			return e.abort(log, err)
		}
		return e.attempt(ctx, ride.ID, next)
	}

	observability.OffersSent.WithLabelValues(mode).Inc()
	log.WithField("distance_km", cand.DistanceKm).Info("dispatch_offer_sent")
	e.arm(ctx, Entry{RideID: ride.ID, DriverID: d.ID, Round: next, Deadline: deadline})
	e.publish(ctx, models.DispatchEvent{Type: models.EventOffered, RideID: ride.ID, DriverID: d.ID, Round: round, Status: models.StatusPending})
	return nil
}

// exhaust ends dispatch for a ride nobody can take.
func (e *Engine) exhaust(ctx context.Context, ride *models.Ride, round int) error {
	log := e.log.WithFields(logrus.Fields{"ride_id": ride.ID, "round": round})
	if err := e.store.ReleaseRide(ctx, ride.ID); err != nil {
		return e.abort(log, fmt.Errorf("release assignment: %w", err))
	}
	ok, err := e.store.TransitionRide(ctx, ride.ID, models.Transition{From: models.StatusPending, To: models.StatusNoDriversAvailable})
	if err != nil {
		return e.abort(log, fmt.Errorf("mark no drivers available: %w", err))
	}
	e.forget(ctx, ride.ID)
	if !ok {
		return nil
	}
	observability.NoDriversAvailable.Inc()
	log.Info("dispatch_no_drivers_available")
	e.releasePayment(ctx, ride)
	e.publish(ctx, models.DispatchEvent{Type: models.EventNoDriversAvailable, RideID: ride.ID, Round: round, Status: models.StatusNoDriversAvailable})
	return nil
}

// expireOffer tells d the offer lapsed and drops the ride's marker.
func (e *Engine) expireOffer(ctx context.Context, rideID string, d models.Driver) error {
	if err := e.notifier.OfferExpired(ctx, d, rideID); err != nil {
		e.log.WithError(err).WithFields(logrus.Fields{"ride_id": rideID, "driver_id": d.ID}).Warn("dispatch_timeout_notice_failed")
	}
	if err := e.store.ReleaseRide(ctx, rideID); err != nil {
		return fmt.Errorf("release assignment: %w", err)
	}
	return nil
}

// onTimeout is the timer-fired path.
func (e *Engine) onTimeout(ctx context.Context, entry Entry) error {
	unlock := e.lockRide(entry.RideID)
	defer unlock()
	if e.stale(ctx, entry) {
		return nil
	}
	if err := e.expire(ctx, entry); err != nil {
		e.retryLater(ctx, entry.RideID, entry.Round)
		return err
	}
	return nil
}

// stale reports whether another cycle has already moved the ride on since
// entry was armed.
func (e *Engine) stale(ctx context.Context, entry Entry) bool {
	e.mu.Lock()
	_, rearmed := e.timers[entry.RideID]
	e.mu.Unlock()
	if rearmed {
		return true
	}
	if entry.DriverID == "" {
		return false
	}
	a, err := e.store.CurrentAssignment(ctx, entry.RideID)
	return err == nil && a.DriverID != entry.DriverID
}

func (e *Engine) expire(ctx context.Context, entry Entry) error {
	log := e.log.WithFields(logrus.Fields{"ride_id": entry.RideID, "driver_id": entry.DriverID, "round": entry.Round})
	ride, err := e.store.GetRide(ctx, entry.RideID)
	if errors.Is(err, storage.ErrNotFound) {
		e.forget(ctx, entry.RideID)
		return nil
	}
	if err != nil {
		return e.abort(log, fmt.Errorf("load ride: %w", err))
	}
	if ride.Status != models.StatusPending {
		e.forget(ctx, ride.ID)
		if err := e.store.ReleaseRide(ctx, ride.ID); err != nil {
			return e.abort(log, fmt.Errorf("release assignment: %w", err))
		}
		return nil
	}

	if entry.DriverID != "" {
		observability.OfferTimeouts.Inc()
		log.Info("dispatch_offer_expired")
		d, err := e.store.GetDriver(ctx, entry.DriverID)
		switch {
		case err == nil:
			if err := e.expireOffer(ctx, ride.ID, *d); err != nil {
				return e.abort(log, err)
			}
		case errors.Is(err, storage.ErrNotFound):
			if err := e.store.ReleaseRide(ctx, ride.ID); err != nil {
				return e.abort(log, fmt.Errorf("release assignment: %w", err))
			}
		default:
			return e.abort(log, fmt.Errorf("load driver: %w", err))
		}
		e.publish(ctx, models.DispatchEvent{Type: models.EventOfferExpired, RideID: ride.ID, DriverID: entry.DriverID, Round: entry.Round, Status: models.StatusPending})
	}
	e.deleteSchedule(ctx, ride.ID)
	return e.attempt(ctx, ride.ID, entry.Round)
}

// Recover restores dispatch after a restart: armed offers come back from
// the durable schedule and pending rides without one are re-dispatched.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	restored := make(map[string]struct{})
	if e.schedule != nil {
		entries, err := e.schedule.Pending(ctx)
		if err != nil {
			return 0, fmt.Errorf("load dispatch schedule: %w", err)
		}
		for _, en := range entries {
			e.startTimer(en, en.Deadline.Sub(e.now()))
			restored[en.RideID] = struct{}{}
		}
	}
	rides, err := e.store.ListRidesByStatus(ctx, models.StatusPending)
	if err != nil {
		return len(restored), fmt.Errorf("list pending rides: %w", err)
	}
	for _, r := range rides {
		if _, ok := restored[r.ID]; ok {
			continue
		}
		a, err := e.store.CurrentAssignment(ctx, r.ID)
		switch {
		case err == nil:
			// offer in flight without a durable timer: give it a fresh window
			e.arm(ctx, Entry{RideID: r.ID, DriverID: a.DriverID})
		case errors.Is(err, storage.ErrNotFound):
			e.Dispatch(r.ID)
		default:
			return len(restored), fmt.Errorf("load assignment for %s: %w", r.ID, err)
		}
		restored[r.ID] = struct{}{}
	}
	e.log.WithField("rides", len(restored)).Info("dispatch_recovered")
	return len(restored), nil
}

// Drain waits for background dispatches and fired timers to finish.
func (e *Engine) Drain() { e.wg.Wait() }

// Close stops all timers and cancels in-flight work. Durable schedule
// entries are kept so a restarted engine can recover them.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	for id, p := range e.timers {
		p.timer.Stop()
		delete(e.timers, id)
		observability.PendingOffers.Dec()
	}
	e.mu.Unlock()
	e.cancel()
	e.wg.Wait()
}

func (e *Engine) arm(ctx context.Context, entry Entry) {
	if entry.Deadline.IsZero() {
		entry.Deadline = e.now().Add(e.timeout)
	}
	if e.schedule != nil {
		if err := e.schedule.Save(ctx, entry); err != nil {
			e.log.WithError(err).WithField("ride_id", entry.RideID).Warn("dispatch_schedule_save_failed")
		}
	}
	e.startTimer(entry, entry.Deadline.Sub(e.now()))
}

// retryLater arms a plain retry so a ride whose cycle aborted is not left
// pending with no timer. An offer armed meanwhile is kept.
func (e *Engine) retryLater(ctx context.Context, rideID string, round int) {
	e.mu.Lock()
	_, armed := e.timers[rideID]
	e.mu.Unlock()
	if armed {
		return
	}
	e.log.WithFields(logrus.Fields{"ride_id": rideID, "round": round, "retry_in": abortRetryDelay}).Warn("dispatch_retry_scheduled")
	e.arm(ctx, Entry{RideID: rideID, Round: round, Deadline: e.now().Add(abortRetryDelay)})
}

func (e *Engine) startTimer(entry Entry, d time.Duration) {
	if d < 0 {
		d = 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if old, ok := e.timers[entry.RideID]; ok {
		old.timer.Stop()
	} else {
		observability.PendingOffers.Inc()
	}
	e.seq++
	p := &pendingOffer{entry: entry, seq: e.seq}
	e.timers[entry.RideID] = p
	p.timer = e.afterFunc(d, func() { e.fire(p) })
}

func (e *Engine) fire(p *pendingOffer) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()
	defer e.wg.Done()

	if _, ok := e.takeTimer(p.entry.RideID, p); !ok {
		return
	}
	if err := e.onTimeout(e.ctx, p.entry); err != nil {
		e.log.WithError(err).WithField("ride_id", p.entry.RideID).Error("dispatch_timeout_failed")
	}
}

// takeTimer removes and stops the ride's timer. With want set, only that
// exact timer is taken.
func (e *Engine) takeTimer(rideID string, want *pendingOffer) (*pendingOffer, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cur, ok := e.timers[rideID]
	if !ok || (want != nil && cur.seq != want.seq) {
		return nil, false
	}
	delete(e.timers, rideID)
	cur.timer.Stop()
	observability.PendingOffers.Dec()
	return cur, true
}

// forget drops both the in-memory timer and its durable copy.
func (e *Engine) forget(ctx context.Context, rideID string) {
	e.takeTimer(rideID, nil)
	e.deleteSchedule(ctx, rideID)
}

func (e *Engine) deleteSchedule(ctx context.Context, rideID string) {
	if e.schedule == nil {
		return
	}
	if err := e.schedule.Delete(ctx, rideID); err != nil {
		e.log.WithError(err).WithField("ride_id", rideID).Warn("dispatch_schedule_delete_failed")
	}
}

// PendingOffer returns the armed timer entry for rideID, if any.
func (e *Engine) PendingOffer(rideID string) (Entry, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.timers[rideID]
	if !ok {
		return Entry{}, false
	}
	return p.entry, true
}

func (e *Engine) lockRide(id string) func() {
	e.mu.Lock()
	l, ok := e.locks[id]
	if !ok {
		l = &rideLock{}
		e.locks[id] = l
	}
	l.refs++
	e.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		e.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.locks, id)
		}
		e.mu.Unlock()
	}
}

func (e *Engine) abort(log logrus.FieldLogger, err error) error {
	observability.AbortedCycles.Inc()
	log.WithError(err).Error("dispatch_cycle_aborted")
	return err
}

func (e *Engine) publish(ctx context.Context, ev models.DispatchEvent) {
	if e.events == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = e.now()
	}
	if err := e.events.Publish(ctx, ev); err != nil {
		e.log.WithError(err).WithFields(logrus.Fields{"ride_id": ev.RideID, "event": ev.Type}).Warn("dispatch_event_publish_failed")
	}
}

func (e *Engine) releasePayment(ctx context.Context, ride *models.Ride) {
	if e.payments == nil || ride.PaymentMode != models.PaymentCard || ride.PaymentIntentID == "" {
		return
	}
	if err := e.payments.Cancel(ctx, ride.PaymentIntentID); err != nil {
		e.log.WithError(err).WithField("ride_id", ride.ID).Error("payment_release_failed")
	}
}
