package storage

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// MemoryStore is a process-local Store used in development and tests.
type MemoryStore struct {
	mu          sync.RWMutex
	rides       map[string]*models.Ride
	drivers     map[string]*models.Driver
	driverOrder []string
	byRide      map[string]models.Assignment
	byDriver    map[string]string // driver id -> ride id
	attempts    []models.Attempt
	now         func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:    make(map[string]*models.Ride),
		drivers:  make(map[string]*models.Driver),
		byRide:   make(map[string]models.Assignment),
		byDriver: make(map[string]string),
		now:      time.Now,
	}
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) CreateRide(_ context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := cloneRide(r)
	if cp.AttemptedDriverIDs == nil {
		cp.AttemptedDriverIDs = []string{}
	}
	m.rides[r.ID] = cp
	return nil
}

func (m *MemoryStore) GetRide(_ context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRide(r), nil
}

func (m *MemoryStore) ListRidesByStatus(_ context.Context, status models.RideStatus) ([]models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Ride
	for _, r := range m.rides {
		if r.Status == status {
			out = append(out, *cloneRide(r))
		}
	}
	slices.SortFunc(out, func(a, b models.Ride) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (m *MemoryStore) AppendAttemptedDriver(_ context.Context, rideID, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return ErrNotFound
	}
	if !slices.Contains(r.AttemptedDriverIDs, driverID) {
		r.AttemptedDriverIDs = append(r.AttemptedDriverIDs, driverID)
		r.UpdatedAt = m.now()
	}
	return nil
}

func (m *MemoryStore) TransitionRide(_ context.Context, rideID string, t models.Transition) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return false, ErrNotFound
	}
	if r.Status != t.From {
		return false, nil
	}
	if t.To == models.StatusAccepted && t.DriverID != "" && m.onActiveRideLocked(t.DriverID, rideID) {
		return false, ErrDriverBusy
	}
	now := m.now()
	r.Status = t.To
	r.UpdatedAt = now
	if t.DriverID != "" {
		r.DriverID = t.DriverID
	}
	switch t.To {
	case models.StatusAccepted:
		r.AcceptedAt = &now
	case models.StatusArrived:
		r.ArrivedAt = &now
	case models.StatusOngoing:
		r.StartedAt = &now
	case models.StatusCompleted:
		r.CompletedAt = &now
	case models.StatusCanceled:
		r.CanceledAt = &now
		r.CanceledBy = t.CanceledBy
		r.CancelReason = t.CancelReason
	}
	return true, nil
}

func (m *MemoryStore) UpsertDriver(_ context.Context, d *models.Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	if d.Location != nil {
		loc := *d.Location
		cp.Location = &loc
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = m.now()
	}
	if _, ok := m.drivers[d.ID]; !ok {
		m.driverOrder = append(m.driverOrder, d.ID)
	}
	m.drivers[d.ID] = &cp
	return nil
}

func (m *MemoryStore) GetDriver(_ context.Context, id string) (*models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	if d.Location != nil {
		loc := *d.Location
		cp.Location = &loc
	}
	return &cp, nil
}

func (m *MemoryStore) UpdateDriverLocation(_ context.Context, id string, loc models.Coord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return ErrNotFound
	}
	d.Location = &loc
	d.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) SetDriverStatus(_ context.Context, id string, status models.DriverStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return ErrNotFound
	}
	d.Status = status
	d.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) AvailableDrivers(_ context.Context, exclude []string) ([]models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}
	busy := m.busyDriversLocked()
	var out []models.Driver
	for _, id := range m.driverOrder {
		d := m.drivers[id]
		if d.Status != models.DriverOnDuty || d.Location == nil {
			continue
		}
		if _, ok := skip[id]; ok {
			continue
		}
		if _, ok := busy[id]; ok {
			continue
		}
		cp := *d
		loc := *d.Location
		cp.Location = &loc
		out = append(out, cp)
	}
	return out, nil
}

func (m *MemoryStore) onActiveRideLocked(driverID, exceptRide string) bool {
	for id, r := range m.rides {
		if id != exceptRide && r.DriverID == driverID && r.Status.Active() {
			return true
		}
	}
	return false
}

// busyDriversLocked returns drivers tied to a ride in an active status,
// either as the ride's driver or as its marker target.
func (m *MemoryStore) busyDriversLocked() map[string]struct{} {
	busy := make(map[string]struct{})
	for _, r := range m.rides {
		if r.DriverID != "" && r.Status.Active() {
			busy[r.DriverID] = struct{}{}
		}
	}
	for rideID, a := range m.byRide {
		if r, ok := m.rides[rideID]; ok && r.Status.Active() {
			busy[a.DriverID] = struct{}{}
		}
	}
	return busy
}

func (m *MemoryStore) AssignedDriverIDs(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.byDriver))
	for id := range m.byDriver {
		out = append(out, id)
	}
	slices.Sort(out)
	return out, nil
}

func (m *MemoryStore) CurrentAssignment(_ context.Context, rideID string) (*models.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.byRide[rideID]
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (m *MemoryStore) ClaimDriver(_ context.Context, rideID, driverID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if owner, ok := m.byDriver[driverID]; ok && owner != rideID {
		return false, nil
	}
	if prev, ok := m.byRide[rideID]; ok {
		delete(m.byDriver, prev.DriverID)
	}
	m.byRide[rideID] = models.Assignment{RideID: rideID, DriverID: driverID, AssignedAt: m.now()}
	m.byDriver[driverID] = rideID
	return true, nil
}

func (m *MemoryStore) ReleaseRide(_ context.Context, rideID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.byRide[rideID]; ok {
		delete(m.byDriver, a.DriverID)
		delete(m.byRide, rideID)
	}
	return nil
}

func (m *MemoryStore) RecordAttempt(_ context.Context, rideID, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, models.Attempt{RideID: rideID, DriverID: driverID, AttemptedAt: m.now()})
	return nil
}

// Attempts returns the audit log recorded for rideID.
func (m *MemoryStore) Attempts(rideID string) []models.Attempt {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Attempt
	for _, a := range m.attempts {
		if a.RideID == rideID {
			out = append(out, a)
		}
	}
	return out
}

func cloneRide(r *models.Ride) *models.Ride {
	cp := *r
	cp.AttemptedDriverIDs = slices.Clone(r.AttemptedDriverIDs)
	return &cp
}
