package lifecycle

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"github.com/Kinglowther/boda-dispatch/internal/ledger"
	"github.com/Kinglowther/boda-dispatch/internal/models"
	"github.com/Kinglowther/boda-dispatch/internal/observability"
	"github.com/Kinglowther/boda-dispatch/internal/pricing"
	"github.com/Kinglowther/boda-dispatch/internal/registry"
	"github.com/Kinglowther/boda-dispatch/internal/routing"
)

var (
	ErrNotFound          = errors.New("order not found")
	ErrConflict          = errors.New("order was modified concurrently")
	ErrInvalidTransition = errors.New("illegal order status transition")
	ErrBadRequest        = errors.New("bad request")
)

// Event is emitted after every successful order transition. The external
// notification layer and the matching pool both consume these.
type Event struct {
	Type    string        `json:"type"`
	Order   *models.Order `json:"order"`
	RiderID string        `json:"rider_id,omitempty"`
	At      time.Time     `json:"at"`
}

const (
	EventPlaced     = "order.placed"
	EventAccepted   = "order.accepted"
	EventDeclined   = "order.declined"
	EventInProgress = "order.in-progress"
	EventCompleted  = "order.completed"
	EventCancelled  = "order.cancelled"
)

// Publisher delivers events to the notification layer. Publishing is
// best-effort: a broker outage must not fail the transition itself.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// RiderRegistry is the slice of the registry the coordinator needs.
type RiderRegistry interface {
	Get(id string) (models.Rider, error)
	Assign(id, orderID string) error
	Release(id string) error
}

// Coordinator enforces the order state machine and applies transitions
// atomically. It is the single commit point for assignment races: the
// matching search is lock-free and re-runnable, so two searches may pick
// the same rider, and whoever accepts first here wins.
type Coordinator struct {
	Ledger  ledger.Ledger
	Riders  RiderRegistry
	Pricing *pricing.Engine
	Routes  routing.Provider
	Events  Publisher
	Log     *slog.Logger
}

type PlaceCommand struct {
	CustomerID  string
	Pickup      models.Waypoint
	Dropoff     models.Waypoint
	Description string
	Recipient   models.Recipient
}

// Place creates an order in pending with a price computed from route cost.
func (c *Coordinator) Place(ctx context.Context, cmd PlaceCommand) (*models.Order, error) {
	if cmd.CustomerID == "" || cmd.Pickup.Address == "" || cmd.Dropoff.Address == "" {
		return nil, ErrBadRequest
	}

	now := time.Now()
	o := &models.Order{
		ID:          newID(),
		CustomerID:  cmd.CustomerID,
		Pickup:      cmd.Pickup,
		Dropoff:     cmd.Dropoff,
		Description: cmd.Description,
		Recipient:   cmd.Recipient,
		Currency:    c.Pricing.Currency,
		History:     []models.StatusChange{{Status: models.OrderPending, At: now}},
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	// Price from actual route cost. Without coordinates (not yet geocoded)
	// only the base fare can be quoted; the order may be re-priced before
	// confirmation once coordinates arrive.
	o.PriceCents = c.Pricing.BaseFareCents
	if cmd.Pickup.Coord != nil && cmd.Dropoff.Coord != nil {
		profile := models.VehicleMotorcycle.RoutingProfile()
		est, err := c.Routes.Route(ctx, profile, []models.Coord{*cmd.Pickup.Coord, *cmd.Dropoff.Coord})
		if err == nil {
			o.PriceCents = c.Pricing.Quote(est)
		} else if c.Log != nil {
			c.Log.Warn("price estimate failed, quoting base fare", "order_id", o.ID, "error", err)
		}
	}

	if err := c.Ledger.Create(o); err != nil {
		return nil, err
	}
	observability.OrderTransitionsTotal.WithLabelValues(string(models.OrderPending)).Inc()
	c.emit(ctx, Event{Type: EventPlaced, Order: o, At: now})
	return o, nil
}

// Accept assigns the order to the rider. Exactly one of any set of
// concurrent accepts succeeds; the rest observe the post-transition state
// and get ErrConflict.
func (c *Coordinator) Accept(ctx context.Context, orderID, riderID string) error {
	o, err := c.get(orderID)
	if err != nil {
		return err
	}
	if o.Status() != models.OrderPending || o.RiderID != "" {
		return ErrConflict
	}

	// Reserve the rider first; release again if the order append loses.
	if err := c.Riders.Assign(riderID, orderID); err != nil {
		switch {
		case errors.Is(err, registry.ErrNotFound):
			return ErrNotFound
		case errors.Is(err, registry.ErrNotAvailable):
			return ErrConflict
		default:
			return err
		}
	}

	ok, err := c.Ledger.AppendStatus(orderID, models.OrderAccepted, o.Version, riderID)
	if err != nil || !ok {
		if relErr := c.Riders.Release(riderID); relErr != nil && c.Log != nil {
			c.Log.Error("rider release after lost accept failed", "rider_id", riderID, "error", relErr)
		}
		if err != nil {
			return c.mapLedgerErr(err)
		}
		observability.TransitionConflictsTotal.Inc()
		return ErrConflict
	}

	observability.OrderTransitionsTotal.WithLabelValues(string(models.OrderAccepted)).Inc()
	if fresh, err := c.get(orderID); err == nil {
		o = fresh
	}
	c.emit(ctx, Event{Type: EventAccepted, Order: o, RiderID: riderID, At: time.Now()})
	return nil
}

// Decline records the rider in the order's declined set so matching does
// not re-offer the same order to them. The order stays pending and
// re-enters the pool; nothing else changes.
func (c *Coordinator) Decline(ctx context.Context, orderID, riderID string) error {
	if riderID == "" {
		return ErrBadRequest
	}
	o, err := c.get(orderID)
	if err != nil {
		return err
	}
	if o.Status() != models.OrderPending {
		return ErrInvalidTransition
	}
	ok, err := c.Ledger.AddDecline(orderID, riderID, o.Version)
	if err != nil {
		return c.mapLedgerErr(err)
	}
	if !ok {
		observability.TransitionConflictsTotal.Inc()
		return ErrConflict
	}
	if fresh, err := c.get(orderID); err == nil {
		o = fresh
	}
	c.emit(ctx, Event{Type: EventDeclined, Order: o, RiderID: riderID, At: time.Now()})
	return nil
}

// Advance moves the order forward along the happy path. Only the
// immediately following status is legal.
func (c *Coordinator) Advance(ctx context.Context, orderID string, next models.OrderStatus) error {
	if next != models.OrderInProgress && next != models.OrderCompleted {
		return ErrInvalidTransition
	}
	o, err := c.get(orderID)
	if err != nil {
		return err
	}
	if !models.CanTransition(o.Status(), next) {
		return ErrInvalidTransition
	}

	ok, err := c.Ledger.AppendStatus(orderID, next, o.Version, "")
	if err != nil {
		return c.mapLedgerErr(err)
	}
	if !ok {
		observability.TransitionConflictsTotal.Inc()
		return ErrConflict
	}

	if next == models.OrderCompleted && o.RiderID != "" {
		if err := c.Riders.Release(o.RiderID); err != nil && c.Log != nil {
			c.Log.Error("rider release on completion failed", "rider_id", o.RiderID, "error", err)
		}
	}

	observability.OrderTransitionsTotal.WithLabelValues(string(next)).Inc()
	eventType := EventInProgress
	if next == models.OrderCompleted {
		eventType = EventCompleted
	}
	if fresh, err := c.get(orderID); err == nil {
		o = fresh
	}
	c.emit(ctx, Event{Type: eventType, Order: o, RiderID: o.RiderID, At: time.Now()})
	return nil
}

// Cancel is legal from pending and accepted only; once the parcel is
// picked up the order must run to completion.
func (c *Coordinator) Cancel(ctx context.Context, orderID string) error {
	o, err := c.get(orderID)
	if err != nil {
		return err
	}
	if !models.CanTransition(o.Status(), models.OrderCancelled) {
		return ErrInvalidTransition
	}

	ok, err := c.Ledger.AppendStatus(orderID, models.OrderCancelled, o.Version, "")
	if err != nil {
		return c.mapLedgerErr(err)
	}
	if !ok {
		observability.TransitionConflictsTotal.Inc()
		return ErrConflict
	}

	if o.RiderID != "" {
		if err := c.Riders.Release(o.RiderID); err != nil && c.Log != nil {
			c.Log.Error("rider release on cancel failed", "rider_id", o.RiderID, "error", err)
		}
	}

	observability.OrderTransitionsTotal.WithLabelValues(string(models.OrderCancelled)).Inc()
	if fresh, err := c.get(orderID); err == nil {
		o = fresh
	}
	c.emit(ctx, Event{Type: EventCancelled, Order: o, RiderID: o.RiderID, At: time.Now()})
	return nil
}

func (c *Coordinator) Get(orderID string) (*models.Order, error) {
	return c.get(orderID)
}

func (c *Coordinator) get(orderID string) (*models.Order, error) {
	o, err := c.Ledger.Get(orderID)
	if err != nil {
		return nil, c.mapLedgerErr(err)
	}
	return o, nil
}

func (c *Coordinator) mapLedgerErr(err error) error {
	if errors.Is(err, ledger.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

func (c *Coordinator) emit(ctx context.Context, e Event) {
	if c.Events == nil {
		return
	}
	if err := c.Events.Publish(ctx, e); err != nil && c.Log != nil {
		c.Log.Warn("event publish failed", "type", e.Type, "error", err)
	}
}

func newID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
