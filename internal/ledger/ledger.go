package ledger

import (
	"errors"
	"sync"
	"time"

	"github.com/Kinglowther/boda-dispatch/internal/models"
)

// Ledger persists orders: an append-only status history plus the mutable
// assignment fields. Status appends are guarded by a per-order version so
// concurrent transitions resolve to exactly one winner.
type Ledger interface {
	Create(o *models.Order) error
	Get(id string) (*models.Order, error)
	// AppendStatus appends a history entry if the stored version still
	// matches. riderID, when non-empty, is recorded as the assignee.
	// Returns false (and no error) when the version check loses the race.
	AppendStatus(id string, to models.OrderStatus, version int, riderID string) (bool, error)
	// AddDecline records a rider in the order's declined set, version-checked
	// like a status append but without a history entry.
	AddDecline(id, riderID string, version int) (bool, error)
	ListByStatus(status models.OrderStatus) ([]*models.Order, error)
}

var (
	ErrNotFound = errors.New("order not found")
	ErrExists   = errors.New("order already exists")
)

// MemoryLedger is the in-process Ledger used for local runs and tests.
type MemoryLedger struct {
	mu     sync.RWMutex
	orders map[string]*models.Order
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{orders: make(map[string]*models.Order)}
}

func (m *MemoryLedger) Create(o *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.ID]; ok {
		return ErrExists
	}
	m.orders[o.ID] = cloneOrder(o)
	return nil
}

func (m *MemoryLedger) Get(id string) (*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneOrder(o), nil
}

func (m *MemoryLedger) AppendStatus(id string, to models.OrderStatus, version int, riderID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return false, ErrNotFound
	}
	if o.Version != version {
		return false, nil
	}
	now := time.Now()
	o.History = append(o.History, models.StatusChange{Status: to, At: now})
	o.Version++
	if riderID != "" {
		o.RiderID = riderID
	}
	o.UpdatedAt = now
	return true, nil
}

func (m *MemoryLedger) AddDecline(id, riderID string, version int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return false, ErrNotFound
	}
	if o.Version != version {
		return false, nil
	}
	if !o.Declined(riderID) {
		o.DeclinedBy = append(o.DeclinedBy, riderID)
	}
	o.Version++
	o.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryLedger) ListByStatus(status models.OrderStatus) ([]*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Order
	for _, o := range m.orders {
		if o.Status() == status {
			out = append(out, cloneOrder(o))
		}
	}
	return out, nil
}

func cloneOrder(o *models.Order) *models.Order {
	cp := *o
	cp.History = append([]models.StatusChange(nil), o.History...)
	cp.DeclinedBy = append([]string(nil), o.DeclinedBy...)
	if o.Pickup.Coord != nil {
		c := *o.Pickup.Coord
		cp.Pickup.Coord = &c
	}
	if o.Dropoff.Coord != nil {
		c := *o.Dropoff.Coord
		cp.Dropoff.Coord = &c
	}
	return &cp
}
