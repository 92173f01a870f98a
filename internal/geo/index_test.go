package geo

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestIndex() (*Index, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	return NewIndex(6, 30*time.Second, WithClock(clk.Now)), clk
}

func onDuty(t *testing.T, g *Index, id string, lat, lon float64) {
	t.Helper()
	g.Upsert(id, lat, lon, 0)
	if _, err := g.SetOnDuty(id, true); err != nil {
		t.Fatalf("SetOnDuty(%s): %v", id, err)
	}
}

func TestCandidatesNearOrderedByDistance(t *testing.T) {
	g, _ := newTestIndex()
	onDuty(t, g, "far", 12.9040, 77.6000)
	onDuty(t, g, "near", 12.9005, 77.6000)
	onDuty(t, g, "mid", 12.9020, 77.6000)

	got := g.CandidatesNear(12.9000, 77.6000, 5)
	want := []string{"near", "mid", "far"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestCandidatesNearRespectsMax(t *testing.T) {
	g, _ := newTestIndex()
	onDuty(t, g, "a", 12.9001, 77.6)
	onDuty(t, g, "b", 12.9002, 77.6)
	onDuty(t, g, "c", 12.9003, 77.6)
	if got := g.CandidatesNear(12.9, 77.6, 2); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("unexpected candidates %v", got)
	}
	if got := g.CandidatesNear(12.9, 77.6, 0); len(got) != 0 {
		t.Fatalf("expected none for max=0, got %v", got)
	}
}

func TestCandidatesNearEmptyIsNotNil(t *testing.T) {
	g, _ := newTestIndex()
	got := g.CandidatesNear(12.9, 77.6, 5)
	if got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", got)
	}
}

func TestCandidatesNearExcludesOffDuty(t *testing.T) {
	g, _ := newTestIndex()
	g.Upsert("never-on", 12.9001, 77.6, 0)
	onDuty(t, g, "off", 12.9002, 77.6)
	if _, err := g.SetOnDuty("off", false); err != nil {
		t.Fatal(err)
	}
	onDuty(t, g, "on", 12.9003, 77.6)

	got := g.CandidatesNear(12.9, 77.6, 5)
	if len(got) != 1 || got[0] != "on" {
		t.Fatalf("expected only on-duty driver, got %v", got)
	}
}

func TestOffDutyKeepsPosition(t *testing.T) {
	g, _ := newTestIndex()
	onDuty(t, g, "d1", 12.9001, 77.6)
	if _, err := g.SetOnDuty("d1", false); err != nil {
		t.Fatal(err)
	}
	p, ok := g.Get("d1")
	if !ok || p.Lat != 12.9001 || p.OnDuty {
		t.Fatalf("unexpected presence %+v ok=%v", p, ok)
	}
	if _, err := g.SetOnDuty("d1", true); err != nil {
		t.Fatal(err)
	}
	if got := g.CandidatesNear(12.9, 77.6, 5); len(got) != 1 {
		t.Fatalf("driver should reappear immediately, got %v", got)
	}
}

func TestSetOnDutyUnknownDriver(t *testing.T) {
	g, _ := newTestIndex()
	if _, err := g.SetOnDuty("ghost", true); !errors.Is(err, ErrUnknownDriver) {
		t.Fatalf("expected ErrUnknownDriver, got %v", err)
	}
}

func TestCandidatesNearExcludesStale(t *testing.T) {
	g, clk := newTestIndex()
	onDuty(t, g, "stale", 12.9001, 77.6)
	clk.Advance(20 * time.Second)
	onDuty(t, g, "fresh", 12.9002, 77.6)
	clk.Advance(15 * time.Second)

	got := g.CandidatesNear(12.9, 77.6, 5)
	if len(got) != 1 || got[0] != "fresh" {
		t.Fatalf("expected only fresh driver, got %v", got)
	}
	// excluded but still present until the sweep runs
	if _, ok := g.Get("stale"); !ok {
		t.Fatal("stale driver should not be evicted by reads")
	}
	if n := g.Sweep(); n != 1 {
		t.Fatalf("expected 1 eviction, got %d", n)
	}
	if _, ok := g.Get("stale"); ok {
		t.Fatal("stale driver should be evicted by sweep")
	}
}

func TestUpsertMovesBetweenZones(t *testing.T) {
	g, _ := newTestIndex()
	onDuty(t, g, "d1", 12.9001, 77.6)
	before, _ := g.Get("d1")

	// ~50km north: well outside the 3x3 block of the original zone
	g.Upsert("d1", 13.35, 77.6, 90)
	after, _ := g.Get("d1")
	if before.ZoneID == after.ZoneID {
		t.Fatal("expected zone change")
	}
	if got := g.CandidatesNear(12.9, 77.6, 5); len(got) != 0 {
		t.Fatalf("driver should have left the old zone, got %v", got)
	}
	if got := g.CandidatesNear(13.35, 77.6, 5); len(got) != 1 {
		t.Fatalf("driver should be found in the new zone, got %v", got)
	}
	if len(g.zones[before.ZoneID]) != 0 {
		t.Fatal("old zone bucket should be empty")
	}
}

func TestCandidatesOutsideNeighbourhoodIgnored(t *testing.T) {
	g, _ := newTestIndex()
	onDuty(t, g, "remote", 13.5, 77.6)
	if got := g.CandidatesNear(12.9, 77.6, 5); len(got) != 0 {
		t.Fatalf("expected none, got %v", got)
	}
}

func TestConcurrentUpserts(t *testing.T) {
	g, _ := newTestIndex()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i))
			for j := 0; j < 100; j++ {
				g.Upsert(id, 12.9+float64(j)*0.0001, 77.6, 0)
				_, _ = g.SetOnDuty(id, j%2 == 0)
				_ = g.CandidatesNear(12.9, 77.6, 5)
			}
		}(i)
	}
	wg.Wait()
	if n := len(g.drivers); n != 16 {
		t.Fatalf("expected 16 drivers, got %d", n)
	}
}
