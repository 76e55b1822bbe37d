package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/Kinglowther/boda-dispatch/internal/ledger"
	"github.com/Kinglowther/boda-dispatch/internal/matching"
	"github.com/Kinglowther/boda-dispatch/internal/models"
	"github.com/Kinglowther/boda-dispatch/internal/pricing"
	"github.com/Kinglowther/boda-dispatch/internal/registry"
	"github.com/Kinglowther/boda-dispatch/internal/routing"
)

var (
	pickupLoc  = models.Coord{Lat: -1.2864, Lon: 36.8172}
	dropoffLoc = models.Coord{Lat: -1.2964, Lon: 36.8272}
)

type capturePublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *capturePublisher) Publish(_ context.Context, e Event) error {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
	return nil
}

func (p *capturePublisher) seen() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	types := make([]string, len(p.events))
	for i, e := range p.events {
		types[i] = e.Type
	}
	return types
}

func (p *capturePublisher) last() Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.events) == 0 {
		return Event{}
	}
	return p.events[len(p.events)-1]
}

func newTestCoordinator() (*Coordinator, *registry.Index, *capturePublisher) {
	riders := registry.NewIndex()
	events := &capturePublisher{}
	c := &Coordinator{
		Ledger:  ledger.NewMemoryLedger(),
		Riders:  riders,
		Pricing: pricing.NewEngine(5000, 3000, "KES"),
		Routes:  &routing.GreatCircle{SpeedKmh: 24},
		Events:  events,
	}
	return c, riders, events
}

func addAvailableRider(t *testing.T, riders *registry.Index, id string, loc models.Coord) {
	t.Helper()
	if _, err := riders.Register(models.Rider{ID: id}); err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
	if err := riders.UpsertLocation(id, loc, 1); err != nil {
		t.Fatalf("locate %s: %v", id, err)
	}
	if err := riders.SetStatus(id, models.RiderAvailable); err != nil {
		t.Fatalf("status %s: %v", id, err)
	}
}

func placeCmd() PlaceCommand {
	return PlaceCommand{
		CustomerID: "c1",
		Pickup:     models.Waypoint{Address: "Kimathi St", Coord: &pickupLoc},
		Dropoff:    models.Waypoint{Address: "Argwings Kodhek Rd", Coord: &dropoffLoc},
		Recipient:  models.Recipient{Name: "Wanjiru", Phone: "+254700000001"},
	}
}

func TestPlaceValidation(t *testing.T) {
	c, _, _ := newTestCoordinator()
	cases := []PlaceCommand{
		{},
		{CustomerID: "c1", Pickup: models.Waypoint{Address: "A"}},
		{CustomerID: "c1", Dropoff: models.Waypoint{Address: "B"}},
		{Pickup: models.Waypoint{Address: "A"}, Dropoff: models.Waypoint{Address: "B"}},
	}
	for i, cmd := range cases {
		if _, err := c.Place(context.Background(), cmd); !errors.Is(err, ErrBadRequest) {
			t.Errorf("case %d: %v, want ErrBadRequest", i, err)
		}
	}
}

func TestPlacePricesFromRoute(t *testing.T) {
	c, _, events := newTestCoordinator()

	o, err := c.Place(context.Background(), placeCmd())
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if o.Status() != models.OrderPending {
		t.Fatalf("new order status = %s", o.Status())
	}
	// ~1.56 km crow-fly leg at 3000 cents/km on top of the 5000 base
	if o.PriceCents <= 5000 || o.PriceCents > 11000 {
		t.Fatalf("price = %d, want base plus distance", o.PriceCents)
	}
	if o.Currency != "KES" {
		t.Fatalf("currency = %s", o.Currency)
	}
	if got := events.seen(); len(got) != 1 || got[0] != EventPlaced {
		t.Fatalf("events = %v", got)
	}
}

func TestPlaceWithoutCoordsQuotesBaseFare(t *testing.T) {
	c, _, _ := newTestCoordinator()
	cmd := placeCmd()
	cmd.Pickup.Coord = nil

	o, err := c.Place(context.Background(), cmd)
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if o.PriceCents != 5000 {
		t.Fatalf("price = %d, want base fare 5000", o.PriceCents)
	}
}

func TestHappyPath(t *testing.T) {
	c, riders, events := newTestCoordinator()
	addAvailableRider(t, riders, "r1", models.Coord{Lat: -1.2774, Lon: 36.8172})

	o, err := c.Place(context.Background(), placeCmd())
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if err := c.Accept(context.Background(), o.ID, "r1"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	r, _ := riders.Get("r1")
	if r.Status != models.RiderBusy || r.ActiveOrderID != o.ID {
		t.Fatalf("rider after accept: %+v", r)
	}

	if err := c.Advance(context.Background(), o.ID, models.OrderInProgress); err != nil {
		t.Fatalf("advance to in-progress: %v", err)
	}
	if err := c.Advance(context.Background(), o.ID, models.OrderCompleted); err != nil {
		t.Fatalf("advance to completed: %v", err)
	}

	r, _ = riders.Get("r1")
	if r.Status != models.RiderAvailable || r.ActiveOrderID != "" {
		t.Fatalf("rider not released on completion: %+v", r)
	}

	got, _ := c.Get(o.ID)
	want := []models.OrderStatus{models.OrderPending, models.OrderAccepted, models.OrderInProgress, models.OrderCompleted}
	if len(got.History) != len(want) {
		t.Fatalf("history = %+v", got.History)
	}
	for i, s := range want {
		if got.History[i].Status != s {
			t.Fatalf("history[%d] = %s, want %s", i, got.History[i].Status, s)
		}
	}

	types := events.seen()
	if len(types) != 4 || types[3] != EventCompleted {
		t.Fatalf("events = %v", types)
	}
}

func TestConcurrentAcceptExactlyOneWins(t *testing.T) {
	c, riders, _ := newTestCoordinator()
	const n = 8
	ids := make([]string, n)
	for i := range ids {
		ids[i] = string(rune('a' + i))
		addAvailableRider(t, riders, ids[i], pickupLoc)
	}

	o, err := c.Place(context.Background(), placeCmd())
	if err != nil {
		t.Fatalf("place: %v", err)
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		winners   []string
		conflicts int
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			err := c.Accept(context.Background(), o.ID, id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, id)
			case errors.Is(err, ErrConflict):
				conflicts++
			default:
				t.Errorf("accept %s: unexpected %v", id, err)
			}
		}(id)
	}
	wg.Wait()

	if len(winners) != 1 {
		t.Fatalf("winners = %v, want exactly one", winners)
	}
	if conflicts != n-1 {
		t.Fatalf("conflicts = %d, want %d", conflicts, n-1)
	}

	got, _ := c.Get(o.ID)
	if got.Status() != models.OrderAccepted || got.RiderID != winners[0] {
		t.Fatalf("order after race: status=%s rider=%s", got.Status(), got.RiderID)
	}
	if len(got.History) != 2 {
		t.Fatalf("history grew beyond one accept: %+v", got.History)
	}

	// losers reserved and released, back to available
	for _, id := range ids {
		r, _ := riders.Get(id)
		if id == winners[0] {
			if r.Status != models.RiderBusy {
				t.Errorf("winner %s status = %s", id, r.Status)
			}
			continue
		}
		if r.Status != models.RiderAvailable || r.ActiveOrderID != "" {
			t.Errorf("loser %s not released: %+v", id, r)
		}
	}
}

func TestCancelGating(t *testing.T) {
	c, riders, _ := newTestCoordinator()
	addAvailableRider(t, riders, "r1", pickupLoc)

	// cancel from pending
	o, _ := c.Place(context.Background(), placeCmd())
	if err := c.Cancel(context.Background(), o.ID); err != nil {
		t.Fatalf("cancel pending: %v", err)
	}

	// cancel from accepted releases the rider
	o, _ = c.Place(context.Background(), placeCmd())
	c.Accept(context.Background(), o.ID, "r1")
	if err := c.Cancel(context.Background(), o.ID); err != nil {
		t.Fatalf("cancel accepted: %v", err)
	}
	r, _ := riders.Get("r1")
	if r.Status != models.RiderAvailable {
		t.Fatalf("rider not released on cancel: %+v", r)
	}

	// once picked up, no cancel
	o, _ = c.Place(context.Background(), placeCmd())
	c.Accept(context.Background(), o.ID, "r1")
	c.Advance(context.Background(), o.ID, models.OrderInProgress)
	if err := c.Cancel(context.Background(), o.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("cancel in-progress: %v, want ErrInvalidTransition", err)
	}
}

func TestTerminalOrdersAreImmutable(t *testing.T) {
	c, riders, _ := newTestCoordinator()
	addAvailableRider(t, riders, "r1", pickupLoc)

	o, _ := c.Place(context.Background(), placeCmd())
	c.Cancel(context.Background(), o.ID)

	if err := c.Accept(context.Background(), o.ID, "r1"); !errors.Is(err, ErrConflict) {
		t.Fatalf("accept cancelled: %v, want ErrConflict", err)
	}
	if err := c.Advance(context.Background(), o.ID, models.OrderInProgress); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("advance cancelled: %v, want ErrInvalidTransition", err)
	}
	if err := c.Cancel(context.Background(), o.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("double cancel: %v, want ErrInvalidTransition", err)
	}
}

func TestAdvanceSkipsAreRejected(t *testing.T) {
	c, riders, _ := newTestCoordinator()
	addAvailableRider(t, riders, "r1", pickupLoc)

	o, _ := c.Place(context.Background(), placeCmd())
	if err := c.Advance(context.Background(), o.ID, models.OrderCompleted); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("pending→completed: %v, want ErrInvalidTransition", err)
	}
	if err := c.Advance(context.Background(), o.ID, models.OrderAccepted); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("advance to accepted: %v, want ErrInvalidTransition", err)
	}
}

func TestDeclineRecordsExclusion(t *testing.T) {
	c, riders, events := newTestCoordinator()
	addAvailableRider(t, riders, "r1", pickupLoc)

	o, _ := c.Place(context.Background(), placeCmd())
	if err := c.Decline(context.Background(), o.ID, "r1"); err != nil {
		t.Fatalf("decline: %v", err)
	}

	got, _ := c.Get(o.ID)
	if got.Status() != models.OrderPending {
		t.Fatalf("decline changed status to %s", got.Status())
	}
	if !got.Declined("r1") {
		t.Fatalf("decline not recorded: %+v", got.DeclinedBy)
	}
	if types := events.seen(); types[len(types)-1] != EventDeclined {
		t.Fatalf("events = %v", types)
	}

	// rider stays free and the order can still be accepted by another
	addAvailableRider(t, riders, "r2", pickupLoc)
	if err := c.Accept(context.Background(), o.ID, "r2"); err != nil {
		t.Fatalf("accept after decline: %v", err)
	}

	if err := c.Decline(context.Background(), o.ID, "r1"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("decline accepted order: %v, want ErrInvalidTransition", err)
	}
}

// brittleGetLedger serves Get normally for a fixed number of calls and
// then fails, standing in for a store that drops out mid-operation.
type brittleGetLedger struct {
	ledger.Ledger
	okCalls int
	calls   int
}

func (l *brittleGetLedger) Get(id string) (*models.Order, error) {
	l.calls++
	if l.calls > l.okCalls {
		return nil, errors.New("connection reset")
	}
	return l.Ledger.Get(id)
}

func TestAcceptEventCarriesSnapshotWhenRefetchFails(t *testing.T) {
	c, riders, events := newTestCoordinator()
	addAvailableRider(t, riders, "r1", pickupLoc)

	o, err := c.Place(context.Background(), placeCmd())
	if err != nil {
		t.Fatalf("place: %v", err)
	}

	// first Get (the pre-transition read) succeeds, the post-transition
	// re-fetch fails
	c.Ledger = &brittleGetLedger{Ledger: c.Ledger, okCalls: 1}

	if err := c.Accept(context.Background(), o.ID, "r1"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	e := events.last()
	if e.Type != EventAccepted {
		t.Fatalf("last event = %s", e.Type)
	}
	if e.Order == nil || e.Order.ID != o.ID {
		t.Fatalf("event order must fall back to the snapshot, got %+v", e.Order)
	}
	if e.RiderID != "r1" {
		t.Fatalf("event rider = %q", e.RiderID)
	}
}

// Two riders in Nairobi, one ~1 km from the pickup and one ~3.2 km out.
// The close one gets matched, declines, and the far one takes the job.
func TestDispatchScenario(t *testing.T) {
	c, riders, _ := newTestCoordinator()
	addAvailableRider(t, riders, "amos", models.Coord{Lat: -1.2774, Lon: 36.8172})
	addAvailableRider(t, riders, "betty", models.Coord{Lat: -1.3152, Lon: 36.8172})

	matcher := &matching.Engine{Riders: riders, Routes: c.Routes}

	o, err := c.Place(context.Background(), placeCmd())
	if err != nil {
		t.Fatalf("place: %v", err)
	}

	m, err := matcher.FindBestRider(context.Background(), o)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if m.Rider.ID != "amos" {
		t.Fatalf("matched %s, want amos", m.Rider.ID)
	}

	if err := c.Decline(context.Background(), o.ID, "amos"); err != nil {
		t.Fatalf("decline: %v", err)
	}

	o, _ = c.Get(o.ID)
	m, err = matcher.FindBestRider(context.Background(), o)
	if err != nil {
		t.Fatalf("rematch: %v", err)
	}
	if m.Rider.ID != "betty" {
		t.Fatalf("rematched %s, want betty", m.Rider.ID)
	}

	if err := c.Accept(context.Background(), o.ID, "betty"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := c.Advance(context.Background(), o.ID, models.OrderInProgress); err != nil {
		t.Fatalf("pickup: %v", err)
	}
	if err := c.Advance(context.Background(), o.ID, models.OrderCompleted); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if err := c.Cancel(context.Background(), o.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("cancel delivered order: %v, want ErrInvalidTransition", err)
	}

	r, _ := riders.Get("betty")
	if r.Status != models.RiderAvailable {
		t.Fatalf("betty not released: %+v", r)
	}
}
