package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/models"
)

func newRide(id, customer string, created time.Time) *models.Ride {
	return &models.Ride{
		ID:           id,
		CustomerID:   customer,
		VehicleClass: models.VehicleBike,
		Pickup:       models.Location{Lat: 12.9, Lon: 77.6, Address: "MG Road"},
		Drop:         models.Location{Lat: 12.95, Lon: 77.65, Address: "Indiranagar"},
		DistanceKm:   7.7,
		Fare:         81.6,
		Status:       models.StatusSearching,
		CreatedAt:    created,
		UpdatedAt:    created,
	}
}

// runStoreSuite exercises the TripStore contract against any implementation.
func runStoreSuite(t *testing.T, s TripStore) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	prefix := uuid.NewString()[:8]
	id := func(n int) string { return fmt.Sprintf("%s-%d", prefix, n) }

	t.Run("create and find", func(t *testing.T) {
		r := newRide(id(1), prefix+"-c1", now)
		if err := s.Create(ctx, r); err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := s.Create(ctx, r); !errors.Is(err, ErrDuplicate) {
			t.Fatalf("expected ErrDuplicate, got %v", err)
		}
		got, err := s.FindByID(ctx, id(1))
		if err != nil {
			t.Fatalf("find: %v", err)
		}
		if got.CustomerID != r.CustomerID || got.Status != models.StatusSearching || got.Pickup.Address != "MG Road" {
			t.Fatalf("unexpected ride %+v", got)
		}
		if _, err := s.FindByID(ctx, id(999)); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("compare and swap", func(t *testing.T) {
		r := newRide(id(2), prefix+"-c1", now.Add(time.Second))
		if err := s.Create(ctx, r); err != nil {
			t.Fatal(err)
		}
		next := *r
		next.Status = models.StatusStart
		next.RiderID = prefix + "-d1"
		next.OTP = "4321"
		ok, err := s.CompareAndSwapStatus(ctx, models.StatusSearching, &next)
		if err != nil || !ok {
			t.Fatalf("first swap: ok=%v err=%v", ok, err)
		}
		again := next
		again.RiderID = prefix + "-d2"
		ok, err = s.CompareAndSwapStatus(ctx, models.StatusSearching, &again)
		if err != nil || ok {
			t.Fatalf("stale swap must fail without error: ok=%v err=%v", ok, err)
		}
		got, _ := s.FindByID(ctx, id(2))
		if got.RiderID != prefix+"-d1" || got.OTP != "4321" {
			t.Fatalf("swap lost: %+v", got)
		}
		missing := next
		missing.ID = id(998)
		if _, err := s.CompareAndSwapStatus(ctx, models.StatusStart, &missing); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("concurrent swaps have one winner", func(t *testing.T) {
		r := newRide(id(3), prefix+"-c2", now.Add(2*time.Second))
		if err := s.Create(ctx, r); err != nil {
			t.Fatal(err)
		}
		var wg sync.WaitGroup
		wins := make(chan string, 8)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				next := *r
				next.Status = models.StatusStart
				next.RiderID = fmt.Sprintf("%s-d%d", prefix, i)
				if ok, err := s.CompareAndSwapStatus(ctx, models.StatusSearching, &next); err == nil && ok {
					wins <- next.RiderID
				}
			}(i)
		}
		wg.Wait()
		close(wins)
		if n := len(wins); n != 1 {
			t.Fatalf("expected 1 winner, got %d", n)
		}
	})

	t.Run("list", func(t *testing.T) {
		all, err := s.List(ctx, ListFilter{ParticipantID: prefix + "-c1"})
		if err != nil {
			t.Fatal(err)
		}
		if len(all) != 2 || all[0].ID != id(2) {
			t.Fatalf("expected newest first for customer, got %d rides", len(all))
		}
		searching, err := s.List(ctx, ListFilter{CustomerID: prefix + "-c1", Statuses: []models.RideStatus{models.StatusSearching}})
		if err != nil {
			t.Fatal(err)
		}
		if len(searching) != 1 || searching[0].ID != id(1) {
			t.Fatalf("unexpected status filter result %+v", searching)
		}
		byRider, err := s.List(ctx, ListFilter{ParticipantID: prefix + "-d1"})
		if err != nil {
			t.Fatal(err)
		}
		if len(byRider) != 1 {
			t.Fatalf("expected 1 ride for rider, got %d", len(byRider))
		}
		limited, _ := s.List(ctx, ListFilter{ParticipantID: prefix + "-c1", Limit: 1})
		if len(limited) != 1 {
			t.Fatalf("limit not applied: %d", len(limited))
		}
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, NewMemoryStore())
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	r := newRide("r1", "c1", time.Now())
	if err := s.Create(ctx, r); err != nil {
		t.Fatal(err)
	}
	r.Status = models.StatusCompleted
	got, _ := s.FindByID(ctx, "r1")
	got.RiderID = "tampered"
	again, _ := s.FindByID(ctx, "r1")
	if again.Status != models.StatusSearching || again.RiderID != "" {
		t.Fatalf("store leaked internal state: %+v", again)
	}
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("RIDE_TEST_DSN")
	if dsn == "" {
		t.Skip("RIDE_TEST_DSN not set; skipping postgres-backed store tests")
	}
	ps, err := NewPostgresStore(dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = ps.Close() })
	script, err := os.ReadFile(filepath.Join("..", "..", "migrations", "001_create_rides.sql"))
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	if err := ps.Migrate(context.Background(), string(script)); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	runStoreSuite(t, ps)
}
