package matching

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Kinglowther/boda-dispatch/internal/models"
)

// OrderLister is the slice of the ledger the sweeper reads.
type OrderLister interface {
	ListByStatus(status models.OrderStatus) ([]*models.Order, error)
}

// OfferSink delivers a match offer to the chosen rider.
type OfferSink interface {
	Offer(offer models.MatchOffer) error
}

// Sweeper periodically re-dispatches pending orders. Orders go pending
// again after a decline, and orders placed while no rider was around
// would otherwise sit until someone manually re-dispatches them. The
// sweep is idempotent: offering is side-effect free and the accept path
// resolves any races.
type Sweeper struct {
	Orders   OrderLister
	Engine   *Engine
	Offers   OfferSink
	Interval time.Duration
	Log      *slog.Logger

	kick chan struct{}
}

func NewSweeper(orders OrderLister, engine *Engine, offers OfferSink, interval time.Duration, log *slog.Logger) *Sweeper {
	return &Sweeper{
		Orders:   orders,
		Engine:   engine,
		Offers:   offers,
		Interval: interval,
		Log:      log,
		kick:     make(chan struct{}, 1),
	}
}

// Kick requests an early sweep, e.g. when a rider comes back online.
// Never blocks; a sweep already queued absorbs the request.
func (s *Sweeper) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run sweeps on the interval and on kicks until the context is done.
func (s *Sweeper) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.kick:
		}
		s.Sweep(ctx)
	}
}

// Sweep runs one pass: find the best rider for every pending order and
// push the offer. Orders with no eligible rider stay pending for the
// next pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	pending, err := s.Orders.ListByStatus(models.OrderPending)
	if err != nil {
		if s.Log != nil {
			s.Log.Error("pending order sweep failed", "error", err)
		}
		return
	}
	for _, o := range pending {
		if ctx.Err() != nil {
			return
		}
		m, err := s.Engine.FindBestRider(ctx, o)
		if err != nil {
			if !errors.Is(err, ErrNoCandidates) && s.Log != nil {
				s.Log.Warn("sweep match failed", "order_id", o.ID, "error", err)
			}
			continue
		}
		offer := models.MatchOffer{
			OrderID:     o.ID,
			RiderID:     m.Rider.ID,
			PickupKm:    m.ToPickup.DistanceKm,
			PickupMin:   m.ToPickup.DurationMin,
			PriceCents:  o.PriceCents,
			Description: o.Description,
		}
		if err := s.Offers.Offer(offer); err != nil && s.Log != nil {
			s.Log.Warn("sweep offer push failed", "order_id", o.ID, "rider_id", m.Rider.ID, "error", err)
		}
	}
}
