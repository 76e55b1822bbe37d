package pricing

import (
	"math"

	"github.com/Kinglowther/boda-dispatch/internal/models"
)

// Engine computes order prices from actual route cost: base fare plus a
// per-km rate. Prices are immutable once the order is placed.
type Engine struct {
	BaseFareCents int64
	PerKmCents    int64
	Currency      string
}

func NewEngine(baseFareCents, perKmCents int64, currency string) *Engine {
	return &Engine{BaseFareCents: baseFareCents, PerKmCents: perKmCents, Currency: currency}
}

// Quote returns the price in cents for a delivery with the given route cost.
func (e *Engine) Quote(est models.RouteEstimate) int64 {
	distance := int64(math.Round(est.DistanceKm * float64(e.PerKmCents)))
	return e.BaseFareCents + distance
}
