package models

import "time"

// Coordinate is an immutable lat/lng pair in degrees.
type Coordinate struct {
	Lat float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lng float64 `json:"lng" validate:"gte=-180,lte=180"`
}

// Stop is a free-text address with its resolved coordinate.
type Stop struct {
	Address string     `json:"address" validate:"required"`
	Loc     Coordinate `json:"loc"`
}

type RideType string

const (
	RideTypeRide     RideType = "ride"
	RideTypeDelivery RideType = "delivery"
)

type PaymentMethod string

const (
	PaymentCash PaymentMethod = "cash"
	PaymentWave PaymentMethod = "wave"
)

// RideStatus is the lifecycle state as seen by the rider session. Completed
// and Cancelled are only ever persisted on the request; the session itself
// returns to Idle.
type RideStatus string

const (
	StatusIdle       RideStatus = "idle"
	StatusSearching  RideStatus = "searching"
	StatusAccepted   RideStatus = "accepted"
	StatusArrived    RideStatus = "arrived"
	StatusInProgress RideStatus = "in-progress"
	StatusReview     RideStatus = "review"
	StatusCompleted  RideStatus = "completed"
	StatusCancelled  RideStatus = "cancelled"
)

// HasDriver reports whether a ride in this status carries an assigned driver.
func (s RideStatus) HasDriver() bool {
	switch s {
	case StatusAccepted, StatusArrived, StatusInProgress, StatusReview:
		return true
	}
	return false
}

// Tracking reports whether the assigned driver's live position is surfaced.
func (s RideStatus) Tracking() bool {
	switch s {
	case StatusAccepted, StatusArrived, StatusInProgress:
		return true
	}
	return false
}

type RideRequest struct {
	ID            string        `json:"id"`
	CustomerID    string        `json:"customer_id"`
	Pickup        Stop          `json:"pickup"`
	Dropoffs      []Stop        `json:"dropoffs"`
	Tier          TierID        `json:"vehicle_tier"`
	RideType      RideType      `json:"ride_type"`
	PaymentMethod PaymentMethod `json:"payment_method"`
	DistanceKm    float64       `json:"distance_km"`
	Quote         FareQuote     `json:"quote"`
	Status        RideStatus    `json:"status"`
	DriverID      string        `json:"driver_id,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Price is the final fare after credit.
func (r *RideRequest) Price() int64 { return r.Quote.FinalPrice }

// FinalDropoff is the last stop of the plan.
func (r *RideRequest) FinalDropoff() Stop {
	if len(r.Dropoffs) == 0 {
		return Stop{}
	}
	return r.Dropoffs[len(r.Dropoffs)-1]
}

// Driver is the client's read-only mirror of a driver row.
type Driver struct {
	ID          string       `json:"id"`
	VehicleType VehicleClass `json:"vehicle_type"`
	Loc         Coordinate   `json:"loc"`
	Online      bool         `json:"is_online"`
	Phone       string       `json:"phone,omitempty"`
	Rating      float64      `json:"rating,omitempty"`
	Updated     time.Time    `json:"updated"`
}

type FareQuote struct {
	OriginalPrice int64 `json:"original_price"`
	FinalPrice    int64 `json:"final_price"`
	CreditUsed    int64 `json:"amount_of_credit_used"`
}

// RideOffer is broadcast to candidate drivers while a ride is searching.
type RideOffer struct {
	RideID   string     `json:"ride_id"`
	DriverID string     `json:"driver_id"`
	Pickup   Coordinate `json:"pickup"`
	Price    int64      `json:"price"`
	ETA      float64    `json:"eta_seconds"`
}

// RideEvent is a backend change to a ride row, delivered on the ride's channel.
type RideEvent struct {
	RideID   string     `json:"ride_id"`
	Status   RideStatus `json:"status"`
	DriverID string     `json:"driver_id,omitempty"`
}

type ChangeOp string

const (
	OpInsert ChangeOp = "insert"
	OpUpdate ChangeOp = "update"
	OpDelete ChangeOp = "delete"
)

// DriverChange is one entry of the all-driver change feed.
type DriverChange struct {
	Op     ChangeOp `json:"op"`
	Driver Driver   `json:"driver"`
}

type Review struct {
	RideID     string `json:"ride_id"`
	ReviewerID string `json:"reviewer_id"`
	TargetID   string `json:"target_id"`
	Rating     int    `json:"rating"`
	Comment    string `json:"comment"`
	RoleTarget string `json:"role_target"`
}

// Activity is an entry of the rider's recent history.
type Activity struct {
	ID       string     `json:"id"`
	Type     string     `json:"type"`
	Title    string     `json:"title"`
	Subtitle string     `json:"subtitle"`
	Price    int64      `json:"price"`
	Date     time.Time  `json:"date"`
	Status   RideStatus `json:"status"`
	Rating   int        `json:"rating,omitempty"`
}
