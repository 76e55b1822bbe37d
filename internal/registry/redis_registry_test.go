package registry

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/Kinglowther/boda-dispatch/internal/models"
)

func newRedisTestRegistry(t *testing.T) *RedisRegistry {
	t.Helper()
	srv := miniredis.RunT(t)
	return NewRedisRegistry(srv.Addr(), "", "riders_geo")
}

func redisAvailableRider(t *testing.T, r *RedisRegistry, id string) {
	t.Helper()
	if _, err := r.Register(models.Rider{ID: id}); err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
	if err := r.UpsertLocation(id, models.Coord{Lat: -1.2864, Lon: 36.8172}, 1); err != nil {
		t.Fatalf("locate %s: %v", id, err)
	}
	if err := r.SetStatus(id, models.RiderAvailable); err != nil {
		t.Fatalf("status %s: %v", id, err)
	}
}

func TestRedisRegisterAndGet(t *testing.T) {
	r := newRedisTestRegistry(t)

	rd, err := r.Register(models.Rider{ID: "r1", Name: "Amos", Phone: "+254700000001"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if rd.Status != models.RiderOffline || rd.Vehicle != models.VehicleMotorcycle {
		t.Fatalf("defaults not applied: %+v", rd)
	}
	if _, err := r.Register(models.Rider{ID: "r1"}); !errors.Is(err, ErrExists) {
		t.Fatalf("duplicate register: %v, want ErrExists", err)
	}

	got, err := r.Get("r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "Amos" || got.Phone != "+254700000001" {
		t.Fatalf("round trip: %+v", got)
	}
	if _, err := r.Get("ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing get: %v, want ErrNotFound", err)
	}
}

func TestRedisUpsertLocationRejectsStaleSeq(t *testing.T) {
	r := newRedisTestRegistry(t)
	if _, err := r.Register(models.Rider{ID: "r1"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := r.UpsertLocation("r1", models.Coord{Lat: -1.28, Lon: 36.81}, 5); err != nil {
		t.Fatalf("seq 5: %v", err)
	}
	if err := r.UpsertLocation("r1", models.Coord{Lat: -1.30, Lon: 36.83}, 5); !errors.Is(err, ErrStaleReport) {
		t.Fatalf("duplicate seq: %v, want ErrStaleReport", err)
	}
	if err := r.UpsertLocation("r1", models.Coord{Lat: -1.30, Lon: 36.83}, 3); !errors.Is(err, ErrStaleReport) {
		t.Fatalf("old seq: %v, want ErrStaleReport", err)
	}
	if err := r.UpsertLocation("ghost", models.Coord{Lat: -1.28, Lon: 36.81}, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown rider: %v, want ErrNotFound", err)
	}

	rd, err := r.Get("r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rd.LocSeq != 5 {
		t.Fatalf("loc_seq = %d, want 5", rd.LocSeq)
	}
	// geo positions round-trip with geohash precision, not exactly
	if rd.Loc == nil || math.Abs(rd.Loc.Lat-(-1.28)) > 1e-3 || math.Abs(rd.Loc.Lon-36.81) > 1e-3 {
		t.Fatalf("stale report moved the rider: %+v", rd.Loc)
	}
}

// Reports racing from several connections must apply in seq order: the
// check and the write run in one script, so a slow writer holding an old
// seq can never land after a fresher one.
func TestRedisConcurrentLocationReports(t *testing.T) {
	r := newRedisTestRegistry(t)
	if _, err := r.Register(models.Rider{ID: "r1"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	var wg sync.WaitGroup
	for seq := int64(1); seq <= 8; seq++ {
		wg.Add(1)
		go func(seq int64) {
			defer wg.Done()
			err := r.UpsertLocation("r1", models.Coord{Lat: -1.28 - float64(seq)/1000, Lon: 36.81}, seq)
			if err != nil && !errors.Is(err, ErrStaleReport) {
				t.Errorf("seq %d: %v", seq, err)
			}
		}(seq)
	}
	wg.Wait()

	rd, err := r.Get("r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rd.LocSeq != 8 {
		t.Fatalf("loc_seq = %d, want 8 (highest seq wins)", rd.LocSeq)
	}
	if rd.Loc == nil || math.Abs(rd.Loc.Lat-(-1.288)) > 4e-4 {
		t.Fatalf("position does not match seq 8: %+v", rd.Loc)
	}
}

// Two orders grabbing the same rider at once: only one reservation may
// pass, or a busy rider ends up assigned to two deliveries.
func TestRedisAssignSingleWinner(t *testing.T) {
	r := newRedisTestRegistry(t)
	redisAvailableRider(t, r, "r1")

	const n = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		won      []string
		conflict int
	)
	for i := 0; i < n; i++ {
		orderID := fmt.Sprintf("o%d", i)
		wg.Add(1)
		go func(orderID string) {
			defer wg.Done()
			err := r.Assign("r1", orderID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				won = append(won, orderID)
			case errors.Is(err, ErrNotAvailable):
				conflict++
			default:
				t.Errorf("assign %s: %v", orderID, err)
			}
		}(orderID)
	}
	wg.Wait()

	if len(won) != 1 {
		t.Fatalf("winning orders = %v, want exactly one", won)
	}
	if conflict != n-1 {
		t.Fatalf("conflicts = %d, want %d", conflict, n-1)
	}

	rd, _ := r.Get("r1")
	if rd.Status != models.RiderBusy || rd.ActiveOrderID != won[0] {
		t.Fatalf("rider after race: %+v", rd)
	}
	if err := r.Assign("ghost", "o9"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("assign unknown: %v, want ErrNotFound", err)
	}
}

func TestRedisAssignReleaseCycle(t *testing.T) {
	r := newRedisTestRegistry(t)
	redisAvailableRider(t, r, "r1")

	if err := r.Assign("r1", "o1"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if got := r.ListAvailable(); len(got) != 0 {
		t.Fatalf("busy rider still listed: %+v", got)
	}
	if err := r.Release("r1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	rd, _ := r.Get("r1")
	if rd.Status != models.RiderAvailable || rd.ActiveOrderID != "" {
		t.Fatalf("after release: %+v", rd)
	}
	if got := r.ListAvailable(); len(got) != 1 || got[0].ID != "r1" {
		t.Fatalf("released rider not listed: %+v", got)
	}
}
