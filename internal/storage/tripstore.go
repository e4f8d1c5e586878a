package storage

import (
	"context"
	"errors"
	"sync"

	"github.com/example/ride-session/internal/models"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInsufficientCredit = errors.New("insufficient credit")
)

// Store is everything the rider session persists in the backend.
type Store interface {
	InsertRide(ctx context.Context, r *models.RideRequest) error
	UpdateRide(ctx context.Context, r *models.RideRequest) error
	InsertReview(ctx context.Context, rv models.Review) error
	RecordActivity(ctx context.Context, customerID string, a models.Activity) error
	RecentActivity(ctx context.Context, customerID string, limit int) ([]models.Activity, error)
	Available(ctx context.Context, customerID string) (int64, error)
	Deduct(ctx context.Context, customerID, rideID string, amount int64) error
}

// MemoryStore backs local runs and tests.
type MemoryStore struct {
	mu         sync.RWMutex
	rides      map[string]models.RideRequest
	reviews    map[string]models.Review
	activity   map[string][]models.Activity
	credits    map[string]int64
	deductions map[string]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:      make(map[string]models.RideRequest),
		reviews:    make(map[string]models.Review),
		activity:   make(map[string][]models.Activity),
		credits:    make(map[string]int64),
		deductions: make(map[string]int64),
	}
}

func (m *MemoryStore) InsertRide(ctx context.Context, r *models.RideRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rides[r.ID] = copyRide(r)
	return nil
}

func (m *MemoryStore) UpdateRide(ctx context.Context, r *models.RideRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; !ok {
		return ErrNotFound
	}
	m.rides[r.ID] = copyRide(r)
	return nil
}

func (m *MemoryStore) Ride(id string) (models.RideRequest, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	return r, ok
}

// InsertReview keeps the first review per ride and reviewer.
func (m *MemoryStore) InsertReview(ctx context.Context, rv models.Review) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := rv.RideID + "/" + rv.ReviewerID
	if _, ok := m.reviews[k]; !ok {
		m.reviews[k] = rv
	}
	return nil
}

func (m *MemoryStore) Reviews() []models.Review {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Review, 0, len(m.reviews))
	for _, rv := range m.reviews {
		out = append(out, rv)
	}
	return out
}

func (m *MemoryStore) RecordActivity(ctx context.Context, customerID string, a models.Activity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activity[customerID] = append([]models.Activity{a}, m.activity[customerID]...)
	return nil
}

func (m *MemoryStore) RecentActivity(ctx context.Context, customerID string, limit int) ([]models.Activity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.activity[customerID]
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	out := make([]models.Activity, len(list))
	copy(out, list)
	return out, nil
}

func (m *MemoryStore) SetCredit(customerID string, amount int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credits[customerID] = amount
}

func (m *MemoryStore) Available(ctx context.Context, customerID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.credits[customerID], nil
}

// Deduct is idempotent per ride.
func (m *MemoryStore) Deduct(ctx context.Context, customerID, rideID string, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, done := m.deductions[rideID]; done {
		return nil
	}
	if m.credits[customerID] < amount {
		return ErrInsufficientCredit
	}
	m.credits[customerID] -= amount
	m.deductions[rideID] = amount
	return nil
}

func copyRide(r *models.RideRequest) models.RideRequest {
	c := *r
	c.Dropoffs = append([]models.Stop(nil), r.Dropoffs...)
	return c
}
