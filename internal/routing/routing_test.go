package routing

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Kinglowther/boda-dispatch/internal/models"
)

var (
	cbd      = models.Coord{Lat: -1.2864, Lon: 36.8172} // Nairobi CBD
	westland = models.Coord{Lat: -1.2673, Lon: 36.8111}
)

func TestHaversineKm(t *testing.T) {
	if d := HaversineKm(cbd, cbd); d != 0 {
		t.Fatalf("distance to self = %v, want 0", d)
	}
	d := HaversineKm(cbd, westland)
	if d < 2.0 || d > 2.5 {
		t.Fatalf("CBD to Westlands = %.2f km, want ~2.2", d)
	}
	if d2 := HaversineKm(westland, cbd); math.Abs(d-d2) > 1e-9 {
		t.Fatalf("haversine is not symmetric: %v vs %v", d, d2)
	}
}

func TestGreatCircleRoute(t *testing.T) {
	g := &GreatCircle{SpeedKmh: 24}

	if _, err := g.Route(context.Background(), "cycling-road", []models.Coord{cbd}); !errors.Is(err, ErrBadWaypoints) {
		t.Fatalf("single waypoint should fail, got %v", err)
	}

	est, err := g.Route(context.Background(), "cycling-road", []models.Coord{cbd, westland})
	if err != nil {
		t.Fatalf("route failed: %v", err)
	}
	if !est.Fallback {
		t.Fatalf("great-circle estimates must be marked fallback")
	}
	wantMin := est.DistanceKm / 24 * 60
	if math.Abs(est.DurationMin-wantMin) > 1e-9 {
		t.Fatalf("duration = %v, want %v", est.DurationMin, wantMin)
	}

	// multi-leg sums the legs
	multi, err := g.Route(context.Background(), "cycling-road", []models.Coord{cbd, westland, cbd})
	if err != nil {
		t.Fatalf("route failed: %v", err)
	}
	if math.Abs(multi.DistanceKm-2*est.DistanceKm) > 1e-9 {
		t.Fatalf("two legs = %v km, want %v", multi.DistanceKm, 2*est.DistanceKm)
	}
}

type stubProvider struct {
	est   models.RouteEstimate
	err   error
	calls int
}

func (s *stubProvider) Route(ctx context.Context, profile string, wps []models.Coord) (models.RouteEstimate, error) {
	s.calls++
	if s.err != nil {
		return models.RouteEstimate{}, s.err
	}
	return s.est, nil
}

func TestCachedProvider(t *testing.T) {
	stub := &stubProvider{est: models.RouteEstimate{DistanceKm: 3.1, DurationMin: 9}}
	p := &CachedProvider{Inner: stub, Cache: NewCache(time.Minute)}
	wps := []models.Coord{cbd, westland}

	for i := 0; i < 3; i++ {
		est, err := p.Route(context.Background(), "cycling-road", wps)
		if err != nil {
			t.Fatalf("route failed: %v", err)
		}
		if est.DistanceKm != 3.1 {
			t.Fatalf("distance = %v, want 3.1", est.DistanceKm)
		}
	}
	if stub.calls != 1 {
		t.Fatalf("provider called %d times, want 1 (cached)", stub.calls)
	}

	// different profile misses
	if _, err := p.Route(context.Background(), "driving-car", wps); err != nil {
		t.Fatalf("route failed: %v", err)
	}
	if stub.calls != 2 {
		t.Fatalf("provider called %d times, want 2", stub.calls)
	}
}

func TestCachedProviderDoesNotCacheFallback(t *testing.T) {
	stub := &stubProvider{est: models.RouteEstimate{DistanceKm: 1, Fallback: true}}
	p := &CachedProvider{Inner: stub, Cache: NewCache(time.Minute)}
	wps := []models.Coord{cbd, westland}

	for i := 0; i < 2; i++ {
		if _, err := p.Route(context.Background(), "cycling-road", wps); err != nil {
			t.Fatalf("route failed: %v", err)
		}
	}
	if stub.calls != 2 {
		t.Fatalf("fallback estimate was cached; provider called %d times, want 2", stub.calls)
	}
}

func TestCacheExpiry(t *testing.T) {
	c := NewCache(10 * time.Millisecond)
	wps := []models.Coord{cbd, westland}
	c.Set("cycling-road", wps, models.RouteEstimate{DistanceKm: 1})

	if _, ok := c.Get("cycling-road", wps); !ok {
		t.Fatalf("fresh entry should hit")
	}
	time.Sleep(20 * time.Millisecond)
	if _, ok := c.Get("cycling-road", wps); ok {
		t.Fatalf("expired entry should miss")
	}
}

func TestORSClientRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/directions/cycling-road/geojson" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "test-key" {
			t.Errorf("missing api key, got %q", got)
		}
		w.Write([]byte(`{
			"features": [{
				"geometry": {"coordinates": [[36.8172, -1.2864], [36.8111, -1.2673]]},
				"properties": {"summary": {"distance": 3200, "duration": 540}}
			}]
		}`))
	}))
	defer srv.Close()

	c := NewORSClient(srv.URL, "test-key", time.Second)
	est, err := c.Route(context.Background(), "cycling-road", []models.Coord{cbd, westland})
	if err != nil {
		t.Fatalf("route failed: %v", err)
	}
	if est.DistanceKm != 3.2 {
		t.Fatalf("distance = %v, want 3.2", est.DistanceKm)
	}
	if est.DurationMin != 9 {
		t.Fatalf("duration = %v, want 9", est.DurationMin)
	}
	if est.Fallback {
		t.Fatalf("provider estimate must not be marked fallback")
	}
	if len(est.Path) != 2 || est.Path[0] != cbd {
		t.Fatalf("path not decoded from geojson: %+v", est.Path)
	}
}

func TestORSClientServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewORSClient(srv.URL, "", time.Second)
	_, err := c.Route(context.Background(), "cycling-road", []models.Coord{cbd, westland})
	if !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
}

func TestFallbackProviderDegrades(t *testing.T) {
	stub := &stubProvider{err: ErrProviderUnavailable}
	p := NewFallbackProvider(stub, 24, nil)

	est, err := p.Route(context.Background(), "cycling-road", []models.Coord{cbd, westland})
	if err != nil {
		t.Fatalf("fallback should absorb provider failure, got %v", err)
	}
	if !est.Fallback {
		t.Fatalf("degraded estimate must be marked fallback")
	}

	stub.err = nil
	stub.est = models.RouteEstimate{DistanceKm: 3.2, DurationMin: 9}
	est, err = p.Route(context.Background(), "cycling-road", []models.Coord{cbd, westland})
	if err != nil || est.Fallback {
		t.Fatalf("healthy provider should win: est=%+v err=%v", est, err)
	}
}
