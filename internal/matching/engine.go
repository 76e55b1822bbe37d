package matching

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/Kinglowther/boda-dispatch/internal/models"
	"github.com/Kinglowther/boda-dispatch/internal/observability"
	"github.com/Kinglowther/boda-dispatch/internal/routing"
)

// ErrNoCandidates means no eligible rider was found. Callers treat this as
// a retryable "still searching" condition, not a hard failure.
var ErrNoCandidates = errors.New("no eligible riders")

// RiderSource provides point-in-time snapshots of matchable riders.
type RiderSource interface {
	ListAvailable() []models.Rider
}

// Engine selects the best rider for a pending order by route cost from the
// rider's current position to the pickup. The search is side-effect free
// and re-runnable; it never reserves the rider. Assignment races are
// resolved at the lifecycle accept, not here.
type Engine struct {
	Riders RiderSource
	Routes routing.Provider
	// TopN caps how many candidates get a provider lookup; the rest are
	// pre-filtered out by great-circle distance.
	TopN int
	// PerCallTimeout bounds each provider call so one slow lookup cannot
	// hang the whole search.
	PerCallTimeout time.Duration
}

// Match is the outcome of a rider search.
type Match struct {
	Rider    models.Rider
	ToPickup models.RouteEstimate
}

// FindBestRider returns the available rider with minimum route cost to the
// order's pickup. Riders who declined this order are excluded. Provider
// failures degrade to great-circle cost through the provider's fallback;
// candidates whose estimate fails outright are dropped rather than
// retried. Ties break by rider id ascending for determinism.
func (e *Engine) FindBestRider(ctx context.Context, o *models.Order) (Match, error) {
	start := time.Now()
	defer func() { observability.MatchLatency.Observe(time.Since(start).Seconds()) }()

	if o.Pickup.Coord == nil {
		return Match{}, ErrNoCandidates
	}
	pickup := *o.Pickup.Coord

	cands := e.Riders.ListAvailable()
	eligible := cands[:0]
	for _, r := range cands {
		if o.Declined(r.ID) {
			continue
		}
		eligible = append(eligible, r)
	}
	if len(eligible) == 0 {
		observability.NoCandidates.Inc()
		return Match{}, ErrNoCandidates
	}

	// Provider calls are the expensive part; rank by great-circle first
	// and only fan out for the closest TopN.
	topN := e.TopN
	if topN <= 0 {
		topN = 8
	}
	if len(eligible) > topN {
		sort.Slice(eligible, func(i, j int) bool {
			di := routing.HaversineKm(*eligible[i].Loc, pickup)
			dj := routing.HaversineKm(*eligible[j].Loc, pickup)
			if di != dj {
				return di < dj
			}
			return eligible[i].ID < eligible[j].ID
		})
		eligible = eligible[:topN]
	}

	type scored struct {
		rider models.Rider
		est   models.RouteEstimate
	}
	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		result []scored
	)
	timeout := e.PerCallTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	// Candidates are independent, so cost lookups fan out concurrently.
	for _, r := range eligible {
		wg.Add(1)
		go func(r models.Rider) {
			defer wg.Done()
			callCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			est, err := e.Routes.Route(callCtx, r.Vehicle.RoutingProfile(), []models.Coord{*r.Loc, pickup})
			if err != nil {
				return // unreachable candidate, excluded from this search
			}
			mu.Lock()
			result = append(result, scored{rider: r, est: est})
			mu.Unlock()
		}(r)
	}
	wg.Wait()

	if len(result) == 0 {
		observability.NoCandidates.Inc()
		return Match{}, ErrNoCandidates
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].est.DurationMin != result[j].est.DurationMin {
			return result[i].est.DurationMin < result[j].est.DurationMin
		}
		return result[i].rider.ID < result[j].rider.ID
	})

	best := result[0]
	observability.MatchesTotal.Inc()
	return Match{Rider: best.rider, ToPickup: best.est}, nil
}
