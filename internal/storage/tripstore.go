package storage

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrNotFound  = errors.New("ride not found")
	ErrDuplicate = errors.New("ride already exists")
)

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	CustomerID    string
	RiderID       string
	ParticipantID string // customer or rider
	Statuses      []models.RideStatus
	Limit         int
}

func (f ListFilter) match(r *models.Ride) bool {
	if f.CustomerID != "" && r.CustomerID != f.CustomerID {
		return false
	}
	if f.RiderID != "" && r.RiderID != f.RiderID {
		return false
	}
	if f.ParticipantID != "" && !r.IsParticipant(f.ParticipantID) {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, r.Status) {
		return false
	}
	return true
}

// TripStore is the ride persistence port. It knows nothing about which
// transitions are legal; CompareAndSwapStatus only guarantees atomicity.
type TripStore interface {
	Create(ctx context.Context, r *models.Ride) error
	FindByID(ctx context.Context, id string) (*models.Ride, error)
	// CompareAndSwapStatus replaces the stored row with next iff the stored
	// status still equals expected. It reports whether the swap happened.
	CompareAndSwapStatus(ctx context.Context, expected models.RideStatus, next *models.Ride) (bool, error)
	List(ctx context.Context, f ListFilter) ([]*models.Ride, error)
}

type MemoryStore struct {
	mu    sync.RWMutex
	rides map[string]*models.Ride
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]*models.Ride)}
}

func (m *MemoryStore) Create(_ context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; ok {
		return ErrDuplicate
	}
	m.rides[r.ID] = clone(r)
	return nil
}

func (m *MemoryStore) FindByID(_ context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(r), nil
}

func (m *MemoryStore) CompareAndSwapStatus(_ context.Context, expected models.RideStatus, next *models.Ride) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rides[next.ID]
	if !ok {
		return false, ErrNotFound
	}
	if cur.Status != expected {
		return false, nil
	}
	m.rides[next.ID] = clone(next)
	return true, nil
}

// List returns matching rides, newest first.
func (m *MemoryStore) List(_ context.Context, f ListFilter) ([]*models.Ride, error) {
	m.mu.RLock()
	out := make([]*models.Ride, 0)
	for _, r := range m.rides {
		if f.match(r) {
			out = append(out, clone(r))
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func clone(r *models.Ride) *models.Ride {
	cp := *r
	if r.ClosedAt != nil {
		t := *r.ClosedAt
		cp.ClosedAt = &t
	}
	return &cp
}
