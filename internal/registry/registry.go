package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/Kinglowther/boda-dispatch/internal/models"
	"github.com/Kinglowther/boda-dispatch/internal/observability"
)

// Registry holds the current state of every rider: identity, status,
// location. All mutation of rider state goes through this contract.
type Registry interface {
	Register(r models.Rider) (models.Rider, error)
	Get(id string) (models.Rider, error)
	// UpsertLocation overwrites the rider's position. Reports whose seq is
	// not greater than the last applied one are rejected with ErrStaleReport
	// so slow-network duplicates cannot clobber fresher positions.
	UpsertLocation(id string, loc models.Coord, seq int64) error
	// SetStatus toggles availability. Going available or busy requires a
	// known location: a rider cannot come online without a position.
	SetStatus(id string, status models.RiderStatus) error
	// Assign marks an available rider busy with the given order.
	Assign(id, orderID string) error
	// Release clears the active order and returns the rider to available,
	// unless they went offline in the meantime.
	Release(id string) error
	// Deactivate soft-deletes a rider; order history stays intact.
	Deactivate(id string) error
	// ListAvailable returns a point-in-time snapshot of matchable riders:
	// available, located, not deactivated.
	ListAvailable() []models.Rider
}

var (
	ErrNotFound     = errors.New("rider not found")
	ErrExists       = errors.New("rider already registered")
	ErrNoLocation   = errors.New("rider has no known location")
	ErrStaleReport  = errors.New("stale location report")
	ErrNotAvailable = errors.New("rider is not available")
	ErrBadStatus    = errors.New("unknown rider status")
	ErrDeactivated  = errors.New("rider is deactivated")
)

// Index is the in-memory Registry. A mutex-guarded map is plenty for a
// single-process deployment; the Redis variant covers multi-process.
type Index struct {
	mu       sync.RWMutex
	riders   map[string]*models.Rider
	onChange func(models.Rider)
}

func NewIndex() *Index {
	return &Index{riders: make(map[string]*models.Rider)}
}

// OnChange registers a hook invoked (outside the lock) after every rider
// mutation, so in-flight searches can observe status and location changes.
func (x *Index) OnChange(fn func(models.Rider)) {
	x.mu.Lock()
	x.onChange = fn
	x.mu.Unlock()
}

func (x *Index) Register(r models.Rider) (models.Rider, error) {
	if r.ID == "" {
		return models.Rider{}, ErrNotFound
	}
	if r.Status == "" {
		r.Status = models.RiderOffline
	}
	if !r.Status.Valid() {
		return models.Rider{}, ErrBadStatus
	}
	if r.Status != models.RiderOffline && r.Loc == nil {
		return models.Rider{}, ErrNoLocation
	}
	if r.Vehicle == "" {
		r.Vehicle = models.VehicleMotorcycle
	}
	r.Updated = time.Now()

	x.mu.Lock()
	if _, ok := x.riders[r.ID]; ok {
		x.mu.Unlock()
		return models.Rider{}, ErrExists
	}
	cp := r
	x.riders[r.ID] = &cp
	x.mu.Unlock()

	x.notify(r)
	return r, nil
}

func (x *Index) Get(id string) (models.Rider, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	r, ok := x.riders[id]
	if !ok {
		return models.Rider{}, ErrNotFound
	}
	return cloneRider(r), nil
}

func (x *Index) UpsertLocation(id string, loc models.Coord, seq int64) error {
	x.mu.Lock()
	r, ok := x.riders[id]
	if !ok {
		x.mu.Unlock()
		return ErrNotFound
	}
	if seq <= r.LocSeq {
		x.mu.Unlock()
		return ErrStaleReport
	}
	l := loc
	r.Loc = &l
	r.LocSeq = seq
	r.Updated = time.Now()
	snap := cloneRider(r)
	x.mu.Unlock()

	x.notify(snap)
	return nil
}

func (x *Index) SetStatus(id string, status models.RiderStatus) error {
	if !status.Valid() {
		return ErrBadStatus
	}
	x.mu.Lock()
	r, ok := x.riders[id]
	if !ok {
		x.mu.Unlock()
		return ErrNotFound
	}
	if r.Deactivated {
		x.mu.Unlock()
		return ErrDeactivated
	}
	if status != models.RiderOffline && r.Loc == nil {
		x.mu.Unlock()
		return ErrNoLocation
	}
	r.Status = status
	r.Updated = time.Now()
	snap := cloneRider(r)
	x.mu.Unlock()

	x.notify(snap)
	return nil
}

func (x *Index) Assign(id, orderID string) error {
	x.mu.Lock()
	r, ok := x.riders[id]
	if !ok {
		x.mu.Unlock()
		return ErrNotFound
	}
	if r.Status != models.RiderAvailable || r.Deactivated {
		x.mu.Unlock()
		return ErrNotAvailable
	}
	r.Status = models.RiderBusy
	r.ActiveOrderID = orderID
	r.Updated = time.Now()
	snap := cloneRider(r)
	x.mu.Unlock()

	x.notify(snap)
	return nil
}

func (x *Index) Release(id string) error {
	x.mu.Lock()
	r, ok := x.riders[id]
	if !ok {
		x.mu.Unlock()
		return ErrNotFound
	}
	r.ActiveOrderID = ""
	if r.Status == models.RiderBusy {
		r.Status = models.RiderAvailable
	}
	r.Updated = time.Now()
	snap := cloneRider(r)
	x.mu.Unlock()

	x.notify(snap)
	return nil
}

func (x *Index) Deactivate(id string) error {
	x.mu.Lock()
	r, ok := x.riders[id]
	if !ok {
		x.mu.Unlock()
		return ErrNotFound
	}
	r.Deactivated = true
	r.Status = models.RiderOffline
	r.Updated = time.Now()
	snap := cloneRider(r)
	x.mu.Unlock()

	x.notify(snap)
	return nil
}

func (x *Index) ListAvailable() []models.Rider {
	x.mu.RLock()
	out := make([]models.Rider, 0, len(x.riders))
	for _, r := range x.riders {
		if r.Status != models.RiderAvailable || r.Loc == nil || r.Deactivated {
			continue
		}
		out = append(out, cloneRider(r))
	}
	x.mu.RUnlock()

	// deterministic ordering for callers that tie-break by position
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	observability.RidersAvailable.Set(float64(len(out)))
	return out
}

func (x *Index) notify(r models.Rider) {
	x.mu.RLock()
	fn := x.onChange
	x.mu.RUnlock()
	if fn != nil {
		fn(r)
	}
}

func cloneRider(r *models.Rider) models.Rider {
	cp := *r
	if r.Loc != nil {
		l := *r.Loc
		cp.Loc = &l
	}
	return cp
}
