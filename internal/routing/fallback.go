package routing

import (
	"context"
	"log/slog"

	"github.com/Kinglowther/boda-dispatch/internal/models"
	"github.com/Kinglowther/boda-dispatch/internal/observability"
)

// FallbackProvider tries the primary provider and degrades to great-circle
// estimation when it fails or times out. Failure of the primary is part of
// the contract here, not an error the caller sees: matching must keep
// working through a provider outage.
type FallbackProvider struct {
	Primary  Provider
	Fallback *GreatCircle
	Log      *slog.Logger
}

func NewFallbackProvider(primary Provider, speedKmh float64, log *slog.Logger) *FallbackProvider {
	return &FallbackProvider{
		Primary:  primary,
		Fallback: &GreatCircle{SpeedKmh: speedKmh},
		Log:      log,
	}
}

func (f *FallbackProvider) Route(ctx context.Context, profile string, waypoints []models.Coord) (models.RouteEstimate, error) {
	if f.Primary != nil {
		est, err := f.Primary.Route(ctx, profile, waypoints)
		if err == nil {
			return est, nil
		}
		observability.ProviderFallbacksTotal.Inc()
		if f.Log != nil {
			f.Log.Warn("route provider failed, using great-circle fallback", "profile", profile, "error", err)
		}
	}
	return f.Fallback.Route(ctx, profile, waypoints)
}
