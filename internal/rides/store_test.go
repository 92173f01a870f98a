package rides

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

func fixedOTP(code string) OTPGenerator {
	return func() (string, error) { return code, nil }
}

func newSearchingRide(id string) *models.Ride {
	return &models.Ride{
		ID:           id,
		CustomerID:   "cust-1",
		VehicleClass: models.VehicleBike,
		Pickup:       models.Location{Lat: 12.90, Lon: 77.60},
		Drop:         models.Location{Lat: 12.95, Lon: 77.65},
		DistanceKm:   7.2,
		Fare:         77.6,
		Status:       models.StatusSearching,
	}
}

func seeded(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s := NewStore(storage.NewMemoryStore(), append([]Option{WithOTPGenerator(fixedOTP("4321"))}, opts...)...)
	if err := s.Create(context.Background(), newSearchingRide("r1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	return s
}

func TestCreateRejectsAssignedRide(t *testing.T) {
	s := NewStore(storage.NewMemoryStore())
	r := newSearchingRide("r1")
	r.RiderID = "d1"
	if err := s.Create(context.Background(), r); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestHappyPath(t *testing.T) {
	ctx := context.Background()
	s := seeded(t)

	r, err := s.Accept(ctx, "r1", "d1")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if r.Status != models.StatusStart || r.RiderID != "d1" || r.OTP != "4321" {
		t.Fatalf("unexpected ride after accept: %+v", r)
	}
	if r, err = s.VerifyOTP(ctx, "r1", "d1", "4321"); err != nil || r.Status != models.StatusArrived {
		t.Fatalf("verify: %+v %v", r, err)
	}
	if r, err = s.Complete(ctx, "r1", "d1"); err != nil || r.Status != models.StatusCompleted {
		t.Fatalf("complete: %+v %v", r, err)
	}
	if r.ClosedAt == nil {
		t.Fatal("completed ride must carry closedAt")
	}
}

func TestConcurrentAcceptsHaveOneWinner(t *testing.T) {
	ctx := context.Background()
	s := seeded(t)

	const n = 32
	var (
		wg     sync.WaitGroup
		wins   atomic.Int32
		taken  atomic.Int32
		others atomic.Int32
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := s.Accept(ctx, "r1", "d"+strconv.Itoa(i))
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrRideAlreadyTaken):
				taken.Add(1)
			default:
				others.Add(1)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	if wins.Load() != 1 || taken.Load() != n-1 || others.Load() != 0 {
		t.Fatalf("wins=%d taken=%d others=%d", wins.Load(), taken.Load(), others.Load())
	}
	if s.locks.size() != 0 {
		t.Fatalf("ride locks leaked: %d", s.locks.size())
	}
}

func TestVerifyOTP(t *testing.T) {
	ctx := context.Background()
	s := seeded(t)
	if _, err := s.VerifyOTP(ctx, "r1", "d1", "4321"); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("verify before accept: %v", err)
	}
	if _, err := s.Accept(ctx, "r1", "d1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.VerifyOTP(ctx, "r1", "d2", "4321"); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant for other rider, got %v", err)
	}
	if _, err := s.VerifyOTP(ctx, "r1", "d1", "0000"); !errors.Is(err, ErrOtpMismatch) {
		t.Fatalf("expected ErrOtpMismatch, got %v", err)
	}
	r, _ := s.Get(ctx, "r1")
	if r.Status != models.StatusStart {
		t.Fatalf("mismatch must not change status, got %s", r.Status)
	}
	if _, err := s.VerifyOTP(ctx, "r1", "d1", "4321"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.VerifyOTP(ctx, "r1", "d1", "4321"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second verify: %v", err)
	}
}

func TestTerminalStatesAreFinal(t *testing.T) {
	ctx := context.Background()
	s := seeded(t)
	if _, err := s.Cancel(ctx, "r1", "cust-1", "changed plans"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Accept(ctx, "r1", "d1"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("accept on cancelled: %v", err)
	}
	if _, err := s.Cancel(ctx, "r1", "cust-1", "again"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("double cancel: %v", err)
	}
	if _, err := s.Complete(ctx, "r1", ""); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("complete by nobody: %v", err)
	}
	r, _ := s.Get(ctx, "r1")
	if r.Status != models.StatusCancelled || r.CancelReason != "changed plans" || r.ClosedAt == nil {
		t.Fatalf("unexpected cancelled ride %+v", r)
	}

	// rides that had a rider are just as closed
	closeAssigned := map[string]func(*Store) error{
		"completed": func(s *Store) error {
			if _, err := s.VerifyOTP(ctx, "r1", "d1", "4321"); err != nil {
				return err
			}
			_, err := s.Complete(ctx, "r1", "d1")
			return err
		},
		"cancelled after start": func(s *Store) error {
			_, err := s.Cancel(ctx, "r1", "cust-1", "changed plans")
			return err
		},
	}
	for name, closeRide := range closeAssigned {
		t.Run(name, func(t *testing.T) {
			s := seeded(t)
			if _, err := s.Accept(ctx, "r1", "d1"); err != nil {
				t.Fatal(err)
			}
			if err := closeRide(s); err != nil {
				t.Fatal(err)
			}
			for _, driver := range []string{"d1", "d2"} {
				if _, err := s.Accept(ctx, "r1", driver); !errors.Is(err, ErrInvalidTransition) {
					t.Fatalf("accept by %s: %v", driver, err)
				}
			}
		})
	}
}

func TestCreateOneActiveRidePerCustomer(t *testing.T) {
	ctx := context.Background()
	s := NewStore(storage.NewMemoryStore())

	const n = 8
	var wg sync.WaitGroup
	var created, refused atomic.Int32
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.Create(ctx, newSearchingRide("r"+strconv.Itoa(i)))
			switch {
			case err == nil:
				created.Add(1)
			case errors.Is(err, ErrActiveRide):
				refused.Add(1)
			default:
				t.Errorf("create %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()
	if created.Load() != 1 || refused.Load() != n-1 {
		t.Fatalf("created=%d refused=%d", created.Load(), refused.Load())
	}

	active, err := s.Active(ctx, "cust-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Cancel(ctx, active.ID, "cust-1", ""); err != nil {
		t.Fatal(err)
	}
	if err := s.Create(ctx, newSearchingRide("next")); err != nil {
		t.Fatalf("create after cancel: %v", err)
	}
	other := newSearchingRide("other")
	other.CustomerID = "cust-2"
	if err := s.Create(ctx, other); err != nil {
		t.Fatalf("other customer: %v", err)
	}
}

func TestCancelRules(t *testing.T) {
	ctx := context.Background()
	s := seeded(t)
	if _, err := s.Cancel(ctx, "r1", "stranger", ""); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("stranger cancel: %v", err)
	}
	if _, err := s.Accept(ctx, "r1", "d1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.VerifyOTP(ctx, "r1", "d1", "4321"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Cancel(ctx, "r1", "d1", ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("cancel after arrival: %v", err)
	}
	if _, err := s.Complete(ctx, "r1", "cust-1"); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("customer completing: %v", err)
	}
}

func TestSystemCancelWithoutActor(t *testing.T) {
	s := seeded(t)
	r, err := s.Cancel(context.Background(), "r1", "", "no riders found")
	if err != nil || r.Status != models.StatusCancelled || r.RiderID != "" {
		t.Fatalf("system cancel: %+v %v", r, err)
	}
}

func TestUnknownRide(t *testing.T) {
	s := NewStore(storage.NewMemoryStore())
	if _, err := s.Accept(context.Background(), "nope", "d1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListenersSeeCommitOrder(t *testing.T) {
	ctx := context.Background()
	s := NewStore(storage.NewMemoryStore(), WithOTPGenerator(fixedOTP("1111")))
	var (
		mu   sync.Mutex
		seen []string
	)
	s.Observe(func(prev models.RideStatus, r models.Ride) {
		mu.Lock()
		seen = append(seen, fmt.Sprintf("%s>%s", prev, r.Status))
		mu.Unlock()
	})
	if err := s.Create(ctx, newSearchingRide("r1")); err != nil {
		t.Fatal(err)
	}
	_, _ = s.Accept(ctx, "r1", "d1")
	_, _ = s.Accept(ctx, "r1", "d2")
	_, _ = s.VerifyOTP(ctx, "r1", "d1", "1111")
	_, _ = s.Complete(ctx, "r1", "d1")

	want := []string{">SEARCHING_FOR_RIDER", "SEARCHING_FOR_RIDER>START", "START>ARRIVED", "ARRIVED>COMPLETED"}
	if fmt.Sprint(seen) != fmt.Sprint(want) {
		t.Fatalf("got %v want %v", seen, want)
	}
}

func TestActive(t *testing.T) {
	ctx := context.Background()
	s := seeded(t)
	if r, err := s.Active(ctx, "cust-1"); err != nil || r.ID != "r1" {
		t.Fatalf("active: %+v %v", r, err)
	}
	if _, err := s.Cancel(ctx, "r1", "cust-1", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Active(ctx, "cust-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected no active ride, got %v", err)
	}
}

func TestOTPFormat(t *testing.T) {
	for i := 0; i < 200; i++ {
		code, err := randomOTP()
		if err != nil {
			t.Fatal(err)
		}
		n, err := strconv.Atoi(code)
		if err != nil || n < 1000 || n > 9999 || len(code) != 4 {
			t.Fatalf("bad otp %q", code)
		}
	}
}

// flakyRepo fails the first N calls of each kind with a transport error.
type flakyRepo struct {
	storage.TripStore
	failFinds int
	failSwaps int
	landFirst bool // the failing swap still commits, like a lost ack
}

var errConnReset = errors.New("connection reset by peer")

func (f *flakyRepo) FindByID(ctx context.Context, id string) (*models.Ride, error) {
	if f.failFinds > 0 {
		f.failFinds--
		return nil, errConnReset
	}
	return f.TripStore.FindByID(ctx, id)
}

func (f *flakyRepo) CompareAndSwapStatus(ctx context.Context, expected models.RideStatus, next *models.Ride) (bool, error) {
	if f.failSwaps > 0 {
		f.failSwaps--
		if f.landFirst {
			_, _ = f.TripStore.CompareAndSwapStatus(ctx, expected, next)
		}
		return false, errConnReset
	}
	return f.TripStore.CompareAndSwapStatus(ctx, expected, next)
}

func TestRetriesOnceThenUnavailable(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemoryStore()
	repo := &flakyRepo{TripStore: mem}
	s := NewStore(repo, WithOTPGenerator(fixedOTP("4321")), WithRetryDelay(time.Millisecond))
	if err := s.Create(ctx, newSearchingRide("r1")); err != nil {
		t.Fatal(err)
	}

	repo.failFinds = 1
	if _, err := s.Get(ctx, "r1"); err != nil {
		t.Fatalf("single failure should be retried: %v", err)
	}
	repo.failFinds = 2
	if _, err := s.Get(ctx, "r1"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestRetryAfterLandedSwapIsSuccess(t *testing.T) {
	ctx := context.Background()
	repo := &flakyRepo{TripStore: storage.NewMemoryStore(), failSwaps: 1, landFirst: true}
	s := NewStore(repo, WithOTPGenerator(fixedOTP("4321")), WithRetryDelay(time.Millisecond))
	if err := s.Create(ctx, newSearchingRide("r1")); err != nil {
		t.Fatal(err)
	}
	r, err := s.Accept(ctx, "r1", "d1")
	if err != nil || r.RiderID != "d1" {
		t.Fatalf("accept whose first ack was lost: %+v %v", r, err)
	}
}
