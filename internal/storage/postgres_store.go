package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-session/internal/models"
)

// raise_exception, used by deduct_credit when the balance is short
const pqRaiseException = "P0001"

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

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) InsertRide(ctx context.Context, r *models.RideRequest) error {
	stops := make([]string, 0, len(r.Dropoffs))
	for _, s := range r.Dropoffs {
		stops = append(stops, s.Address)
	}
	var driverID sql.NullString
	if r.DriverID != "" {
		driverID = sql.NullString{String: r.DriverID, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO ride_requests(id, customer_id, pickup_lat, pickup_lng, pickup_address, dropoff_address, dropoff_stops, price, original_price, credit_used, status, driver_id, ride_type, vehicle_tier, payment_method, distance_km, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		r.ID, r.CustomerID, r.Pickup.Loc.Lat, r.Pickup.Loc.Lng, r.Pickup.Address, r.FinalDropoff().Address, pq.Array(stops),
		r.Quote.FinalPrice, r.Quote.OriginalPrice, r.Quote.CreditUsed, string(r.Status), driverID, string(r.RideType),
		string(r.Tier), string(r.PaymentMethod), r.DistanceKm, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert ride %s: %w", r.ID, err)
	}
	return nil
}

func (p *PostgresStore) UpdateRide(ctx context.Context, r *models.RideRequest) error {
	var driverID sql.NullString
	if r.DriverID != "" {
		driverID = sql.NullString{String: r.DriverID, Valid: true}
	}
	res, err := p.db.ExecContext(ctx, `UPDATE ride_requests SET driver_id=$1, status=$2, updated_at=$3 WHERE id=$4`, driverID, string(r.Status), time.Now(), r.ID)
	if err != nil {
		return fmt.Errorf("update ride %s: %w", r.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) InsertReview(ctx context.Context, rv models.Review) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO reviews(ride_id, reviewer_id, target_id, rating, comment, role_target) VALUES($1,$2,$3,$4,$5,$6)
		ON CONFLICT (ride_id, reviewer_id) DO NOTHING`,
		rv.RideID, rv.ReviewerID, rv.TargetID, rv.Rating, rv.Comment, rv.RoleTarget)
	if err != nil {
		return fmt.Errorf("insert review for ride %s: %w", rv.RideID, err)
	}
	return nil
}

func (p *PostgresStore) RecordActivity(ctx context.Context, customerID string, a models.Activity) error {
	var rating sql.NullInt64
	if a.Rating > 0 {
		rating = sql.NullInt64{Int64: int64(a.Rating), Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO activities(id, customer_id, type, title, subtitle, price, date, status, rating) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		a.ID, customerID, a.Type, a.Title, a.Subtitle, a.Price, a.Date, string(a.Status), rating)
	if err != nil {
		return fmt.Errorf("record activity: %w", err)
	}
	return nil
}

func (p *PostgresStore) RecentActivity(ctx context.Context, customerID string, limit int) ([]models.Activity, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := p.db.QueryContext(ctx, `SELECT id, type, title, subtitle, price, date, status, rating FROM activities WHERE customer_id=$1 ORDER BY date DESC LIMIT $2`, customerID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent activity: %w", err)
	}
	defer rows.Close()
	var out []models.Activity
	for rows.Next() {
		var a models.Activity
		var status string
		var rating sql.NullInt64
		if err := rows.Scan(&a.ID, &a.Type, &a.Title, &a.Subtitle, &a.Price, &a.Date, &status, &rating); err != nil {
			return nil, err
		}
		a.Status = models.RideStatus(status)
		a.Rating = int(rating.Int64)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Available(ctx context.Context, customerID string) (int64, error) {
	var bal int64
	err := p.db.QueryRowContext(ctx, `SELECT credit_balance FROM profiles WHERE id=$1`, customerID).Scan(&bal)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("credit balance: %w", err)
	}
	return bal, nil
}

// Deduct invokes the deduct_credit function, which is idempotent per ride.
func (p *PostgresStore) Deduct(ctx context.Context, customerID, rideID string, amount int64) error {
	var remaining int64
	err := p.db.QueryRowContext(ctx, `SELECT deduct_credit($1, $2, $3)`, customerID, amount, rideID).Scan(&remaining)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pqRaiseException {
		return ErrInsufficientCredit
	}
	if err != nil {
		return fmt.Errorf("deduct credit: %w", err)
	}
	return nil
}
