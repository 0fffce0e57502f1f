package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

const rideColumns = `id, rider_id, COALESCE(driver_id, ''), pickup_lat, pickup_lng, drop_lat, drop_lng,
	pickup_address, drop_address, fare, distance_km, duration_min, ride_type, payment_mode,
	COALESCE(payment_intent_id, ''), status, attempted_driver_ids, COALESCE(cancel_reason, ''),
	COALESCE(canceled_by, ''), created_at, updated_at, accepted_at, arrived_at, started_at,
	completed_at, canceled_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRide(row rowScanner) (*models.Ride, error) {
	var (
		r       models.Ride
		status  string
		payment string
		attempt pq.StringArray
		accAt   sql.NullTime
		arrAt   sql.NullTime
		startAt sql.NullTime
		doneAt  sql.NullTime
		cancAt  sql.NullTime
	)
	err := row.Scan(&r.ID, &r.RiderID, &r.DriverID, &r.Pickup.Lat, &r.Pickup.Lng, &r.Drop.Lat, &r.Drop.Lng,
		&r.PickupAddress, &r.DropAddress, &r.Fare, &r.DistanceKm, &r.DurationMin, &r.RideType, &payment,
		&r.PaymentIntentID, &status, &attempt, &r.CancelReason, &r.CanceledBy, &r.CreatedAt, &r.UpdatedAt,
		&accAt, &arrAt, &startAt, &doneAt, &cancAt)
	if err != nil {
		return nil, err
	}
	r.Status = models.RideStatus(status)
	r.PaymentMode = models.PaymentMode(payment)
	r.AttemptedDriverIDs = []string(attempt)
	if r.AttemptedDriverIDs == nil {
		r.AttemptedDriverIDs = []string{}
	}
	r.AcceptedAt = nullTime(accAt)
	r.ArrivedAt = nullTime(arrAt)
	r.StartedAt = nullTime(startAt)
	r.CompletedAt = nullTime(doneAt)
	r.CanceledAt = nullTime(cancAt)
	return &r, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func (p *PostgresStore) CreateRide(ctx context.Context, r *models.Ride) error {
	attempted := r.AttemptedDriverIDs
	if attempted == nil {
		attempted = []string{}
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO rides(id, rider_id, pickup_lat, pickup_lng, drop_lat, drop_lng,
		pickup_address, drop_address, fare, distance_km, duration_min, ride_type, payment_mode, payment_intent_id,
		status, attempted_driver_ids, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,NULLIF($14,''),$15,$16,$17,$18)`,
		r.ID, r.RiderID, r.Pickup.Lat, r.Pickup.Lng, r.Drop.Lat, r.Drop.Lng, r.PickupAddress, r.DropAddress,
		r.Fare, r.DistanceKm, r.DurationMin, r.RideType, string(r.PaymentMode), r.PaymentIntentID,
		string(r.Status), pq.Array(attempted), r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert ride: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id=$1`, id)
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select ride: %w", err)
	}
	return r, nil
}

func (p *PostgresStore) ListRidesByStatus(ctx context.Context, status models.RideStatus) ([]models.Ride, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE status=$1 ORDER BY created_at`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list rides: %w", err)
	}
	defer rows.Close()
	var out []models.Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ride: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) AppendAttemptedDriver(ctx context.Context, rideID, driverID string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE rides
		SET attempted_driver_ids = array_append(attempted_driver_ids, $2::text), updated_at = NOW()
		WHERE id = $1 AND NOT ($2::text = ANY(attempted_driver_ids))`, rideID, driverID)
	if err != nil {
		return fmt.Errorf("append attempted driver: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// either already present or the ride is gone
		var exists bool
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM rides WHERE id=$1)`, rideID).Scan(&exists); err != nil {
			return fmt.Errorf("check ride: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
	}
	return nil
}

func (p *PostgresStore) TransitionRide(ctx context.Context, rideID string, t models.Transition) (bool, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE rides SET
		status = $1::text,
		driver_id = COALESCE(NULLIF($2::text, ''), driver_id),
		canceled_by = CASE WHEN $1::text = 'canceled' THEN NULLIF($3::text, '') ELSE canceled_by END,
		cancel_reason = CASE WHEN $1::text = 'canceled' THEN NULLIF($4::text, '') ELSE cancel_reason END,
		accepted_at = CASE WHEN $1::text = 'accepted' THEN NOW() ELSE accepted_at END,
		arrived_at = CASE WHEN $1::text = 'arrived' THEN NOW() ELSE arrived_at END,
		started_at = CASE WHEN $1::text = 'ongoing' THEN NOW() ELSE started_at END,
		completed_at = CASE WHEN $1::text = 'completed' THEN NOW() ELSE completed_at END,
		canceled_at = CASE WHEN $1::text = 'canceled' THEN NOW() ELSE canceled_at END,
		updated_at = NOW()
		WHERE id = $5 AND status = $6::text
		AND ($1::text <> 'accepted' OR NOT EXISTS (
			SELECT 1 FROM rides o WHERE o.driver_id = NULLIF($2::text, '') AND o.id <> $5
			AND o.status IN ('accepted', 'arrived', 'ongoing')))`,
		string(t.To), t.DriverID, t.CanceledBy, t.CancelReason, rideID, string(t.From))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" && pqErr.Constraint == "rides_one_active_per_driver" {
			return false, ErrDriverBusy
		}
		return false, fmt.Errorf("transition ride: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	var status string
	err = p.db.QueryRowContext(ctx, `SELECT status FROM rides WHERE id=$1`, rideID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("check ride: %w", err)
	}
	if t.To == models.StatusAccepted && status == string(t.From) {
		return false, ErrDriverBusy
	}
	return false, nil
}

const driverColumns = `id, name, status, current_lat, current_lng, COALESCE(push_token, ''), COALESCE(platform, ''), updated_at`

func scanDriver(row rowScanner) (*models.Driver, error) {
	var (
		d        models.Driver
		status   string
		lat, lng sql.NullFloat64
	)
	if err := row.Scan(&d.ID, &d.Name, &status, &lat, &lng, &d.PushToken, &d.Platform, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.Status = models.DriverStatus(status)
	if lat.Valid && lng.Valid {
		d.Location = &models.Coord{Lat: lat.Float64, Lng: lng.Float64}
	}
	return &d, nil
}

func (p *PostgresStore) UpsertDriver(ctx context.Context, d *models.Driver) error {
	var lat, lng sql.NullFloat64
	if d.Location != nil {
		lat = sql.NullFloat64{Float64: d.Location.Lat, Valid: true}
		lng = sql.NullFloat64{Float64: d.Location.Lng, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO drivers(id, name, status, current_lat, current_lng, push_token, platform, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,NULLIF($6,''),NULLIF($7,''),NOW(),NOW())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			status = EXCLUDED.status,
			current_lat = COALESCE(EXCLUDED.current_lat, drivers.current_lat),
			current_lng = COALESCE(EXCLUDED.current_lng, drivers.current_lng),
			push_token = COALESCE(EXCLUDED.push_token, drivers.push_token),
			platform = COALESCE(EXCLUDED.platform, drivers.platform),
			updated_at = NOW()`,
		d.ID, d.Name, string(d.Status), lat, lng, d.PushToken, d.Platform)
	if err != nil {
		return fmt.Errorf("upsert driver: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	d, err := scanDriver(p.db.QueryRowContext(ctx, `SELECT `+driverColumns+` FROM drivers WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select driver: %w", err)
	}
	return d, nil
}

func (p *PostgresStore) UpdateDriverLocation(ctx context.Context, id string, loc models.Coord) error {
	res, err := p.db.ExecContext(ctx, `UPDATE drivers SET current_lat=$1, current_lng=$2, updated_at=NOW() WHERE id=$3`, loc.Lat, loc.Lng, id)
	if err != nil {
		return fmt.Errorf("update driver location: %w", err)
	}
	return expectOne(res)
}

func (p *PostgresStore) SetDriverStatus(ctx context.Context, id string, status models.DriverStatus) error {
	res, err := p.db.ExecContext(ctx, `UPDATE drivers SET status=$1, updated_at=NOW() WHERE id=$2`, string(status), id)
	if err != nil {
		return fmt.Errorf("update driver status: %w", err)
	}
	return expectOne(res)
}

func (p *PostgresStore) AvailableDrivers(ctx context.Context, exclude []string) ([]models.Driver, error) {
	if exclude == nil {
		// a NULL array would make ANY() unknown and filter every row
		exclude = []string{}
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+driverColumns+` FROM drivers d
		WHERE d.status = 'on_duty'
		  AND d.current_lat IS NOT NULL AND d.current_lng IS NOT NULL
		  AND NOT (d.id = ANY($1::text[]))
		  AND NOT EXISTS (
			SELECT 1 FROM rides r
			WHERE r.driver_id = d.id AND r.status IN ('accepted', 'arrived', 'ongoing'))
		  AND NOT EXISTS (
			SELECT 1 FROM ride_current_driver c JOIN rides r ON r.id = c.ride_id
			WHERE c.driver_id = d.id AND r.status IN ('accepted', 'arrived', 'ongoing'))
		ORDER BY d.created_at, d.id`, pq.Array(exclude))
	if err != nil {
		return nil, fmt.Errorf("query available drivers: %w", err)
	}
	defer rows.Close()
	var out []models.Driver
	for rows.Next() {
		d, err := scanDriver(rows)
		if err != nil {
			return nil, fmt.Errorf("scan driver: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (p *PostgresStore) AssignedDriverIDs(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT driver_id FROM ride_current_driver ORDER BY driver_id`)
	if err != nil {
		return nil, fmt.Errorf("query assignments: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CurrentAssignment(ctx context.Context, rideID string) (*models.Assignment, error) {
	var a models.Assignment
	err := p.db.QueryRowContext(ctx, `SELECT ride_id, driver_id, assigned_at FROM ride_current_driver WHERE ride_id=$1`, rideID).
		Scan(&a.RideID, &a.DriverID, &a.AssignedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select assignment: %w", err)
	}
	return &a, nil
}

// ClaimDriver relies on the unique index on ride_current_driver.driver_id:
// a concurrent claim for the same driver makes the insert a no-op.
func (p *PostgresStore) ClaimDriver(ctx context.Context, rideID, driverID string) (bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM ride_current_driver WHERE ride_id=$1`, rideID); err != nil {
		return false, fmt.Errorf("clear assignment: %w", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO ride_current_driver(ride_id, driver_id, assigned_at)
		VALUES($1,$2,NOW()) ON CONFLICT (driver_id) DO NOTHING`, rideID, driverID)
	if err != nil {
		return false, fmt.Errorf("insert assignment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit claim: %w", err)
	}
	return true, nil
}

func (p *PostgresStore) ReleaseRide(ctx context.Context, rideID string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM ride_current_driver WHERE ride_id=$1`, rideID); err != nil {
		return fmt.Errorf("release assignment: %w", err)
	}
	return nil
}

func (p *PostgresStore) RecordAttempt(ctx context.Context, rideID, driverID string) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO ride_attempts(ride_id, driver_id, attempted_at) VALUES($1,$2,NOW())`, rideID, driverID)
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
