package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Kinglowther/boda-dispatch/internal/models"
	"github.com/Kinglowther/boda-dispatch/internal/observability"
	"github.com/Kinglowther/boda-dispatch/internal/registry"
	"github.com/Kinglowther/boda-dispatch/internal/routing"
)

// Tracker receives live ETA refreshes for in-flight orders.
type Tracker interface {
	Push(models.TrackingUpdate)
}

// OrderSource is the read-only slice of the ledger the pipeline needs.
type OrderSource interface {
	Get(id string) (*models.Order, error)
}

// Producer publishes raw reports for downstream consumers.
type Producer interface {
	PublishReport(models.LocationReport) error
}

// Pipeline ingests rider position reports: writes them into the registry
// (arrival-ordered per rider, idempotent on duplicates) and refreshes the
// live ETA for riders holding an active order.
type Pipeline struct {
	Registry registry.Registry
	Orders   OrderSource
	Routes   routing.Provider
	Tracker  Tracker
	Producer Producer // optional
	Log      *slog.Logger
}

// Apply processes one report. Duplicate or out-of-order reports leave the
// registry untouched and are not an error: the rider app and the broker
// may both redeliver.
func (p *Pipeline) Apply(ctx context.Context, rep models.LocationReport) error {
	if rep.RiderID == "" {
		return registry.ErrNotFound
	}

	err := p.Registry.UpsertLocation(rep.RiderID, rep.Loc, rep.Seq)
	if errors.Is(err, registry.ErrStaleReport) {
		observability.LocationStaleTotal.Inc()
		return nil
	}
	if err != nil {
		return err
	}
	observability.LocationUpdatesTotal.Inc()

	if p.Producer != nil {
		if err := p.Producer.PublishReport(rep); err != nil && p.Log != nil {
			p.Log.Warn("location publish failed", "rider_id", rep.RiderID, "error", err)
		}
	}

	rider, err := p.Registry.Get(rep.RiderID)
	if err != nil || rider.ActiveOrderID == "" {
		return nil
	}
	p.refreshTracking(ctx, rider)
	return nil
}

// Revoke handles a rider losing location permission: no position means
// the rider cannot be matched, so they are forced offline.
func (p *Pipeline) Revoke(ctx context.Context, riderID string) error {
	if err := p.Registry.SetStatus(riderID, models.RiderOffline); err != nil {
		return err
	}
	if p.Log != nil {
		p.Log.Info("rider forced offline after location loss", "rider_id", riderID)
	}
	return nil
}

// refreshTracking recomputes the rider→pickup or rider→dropoff leg for
// display, depending on where the order currently stands.
func (p *Pipeline) refreshTracking(ctx context.Context, rider models.Rider) {
	if p.Tracker == nil || p.Orders == nil || rider.Loc == nil {
		return
	}
	o, err := p.Orders.Get(rider.ActiveOrderID)
	if err != nil {
		return
	}

	var (
		leg    string
		target *models.Coord
	)
	switch o.Status() {
	case models.OrderAccepted:
		leg, target = "pickup", o.Pickup.Coord
	case models.OrderInProgress:
		leg, target = "dropoff", o.Dropoff.Coord
	default:
		return
	}
	if target == nil {
		return
	}

	est, err := p.Routes.Route(ctx, rider.Vehicle.RoutingProfile(), []models.Coord{*rider.Loc, *target})
	if err != nil {
		if p.Log != nil {
			p.Log.Warn("tracking estimate failed", "order_id", o.ID, "error", err)
		}
		return
	}
	p.Tracker.Push(models.TrackingUpdate{
		OrderID:     o.ID,
		RiderID:     rider.ID,
		RiderLoc:    *rider.Loc,
		Leg:         leg,
		DistanceKm:  est.DistanceKm,
		DurationMin: est.DurationMin,
		At:          time.Now(),
	})
}
