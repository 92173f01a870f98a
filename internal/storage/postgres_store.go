package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

const rideColumns = `id, customer_id, rider_id, vehicle_class,
	pickup_lat, pickup_lon, pickup_address, drop_lat, drop_lon, drop_address,
	distance_km, fare, otp, status, cancel_reason, created_at, updated_at, closed_at`

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// Migrate applies a schema script, used for local runs with MIGRATE=true.
func (p *PostgresStore) Migrate(ctx context.Context, script string) error {
	_, err := p.db.ExecContext(ctx, script)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, r *models.Ride) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO rides(`+rideColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		r.ID, r.CustomerID, nullString(r.RiderID), string(r.VehicleClass),
		r.Pickup.Lat, r.Pickup.Lon, r.Pickup.Address, r.Drop.Lat, r.Drop.Lon, r.Drop.Address,
		r.DistanceKm, r.Fare, nullString(r.OTP), string(r.Status), nullString(r.CancelReason),
		r.CreatedAt, r.UpdatedAt, r.ClosedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicate
	}
	return err
}

func (p *PostgresStore) FindByID(ctx context.Context, id string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, id)
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) CompareAndSwapStatus(ctx context.Context, expected models.RideStatus, next *models.Ride) (bool, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE rides
		SET rider_id = $1, otp = $2, fare = $3, status = $4, cancel_reason = $5, updated_at = $6, closed_at = $7
		WHERE id = $8 AND status = $9`,
		nullString(next.RiderID), nullString(next.OTP), next.Fare, string(next.Status),
		nullString(next.CancelReason), next.UpdatedAt, next.ClosedAt,
		next.ID, string(expected))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	// distinguish a lost race from a missing row
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM rides WHERE id = $1)`, next.ID).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

func (p *PostgresStore) List(ctx context.Context, f ListFilter) ([]*models.Ride, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.CustomerID != "" {
		add("customer_id = $%d", f.CustomerID)
	}
	if f.RiderID != "" {
		add("rider_id = $%d", f.RiderID)
	}
	if f.ParticipantID != "" {
		add("(customer_id = $%[1]d OR rider_id = $%[1]d)", f.ParticipantID)
	}
	if len(f.Statuses) > 0 {
		ss := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			ss[i] = string(s)
		}
		add("status = ANY($%d)", pq.Array(ss))
	}
	q := `SELECT ` + rideColumns + ` FROM rides`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*models.Ride, 0)
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Close() error { return p.db.Close() }

type scanner interface {
	Scan(dest ...any) error
}

func scanRide(s scanner) (*models.Ride, error) {
	var (
		r                       models.Ride
		riderID, otp, cancelRsn sql.NullString
		closedAt                sql.NullTime
		vehicleClass, status    string
	)
	err := s.Scan(&r.ID, &r.CustomerID, &riderID, &vehicleClass,
		&r.Pickup.Lat, &r.Pickup.Lon, &r.Pickup.Address, &r.Drop.Lat, &r.Drop.Lon, &r.Drop.Address,
		&r.DistanceKm, &r.Fare, &otp, &status, &cancelRsn, &r.CreatedAt, &r.UpdatedAt, &closedAt)
	if err != nil {
		return nil, err
	}
	r.RiderID = riderID.String
	r.OTP = otp.String
	r.CancelReason = cancelRsn.String
	r.VehicleClass = models.VehicleClass(vehicleClass)
	r.Status = models.RideStatus(status)
	if closedAt.Valid {
		t := closedAt.Time
		r.ClosedAt = &t
	}
	return &r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
