package routing

import (
	"context"
	"errors"
	"math"

	"github.com/Kinglowther/boda-dispatch/internal/models"
)

// Provider is the interface used by the matcher and the location pipeline
// to estimate route cost between ordered waypoints.
type Provider interface {
	Route(ctx context.Context, profile string, waypoints []models.Coord) (models.RouteEstimate, error)
}

var (
	// ErrProviderUnavailable means the routing backend failed or timed out.
	ErrProviderUnavailable = errors.New("route provider unavailable")
	// ErrBadWaypoints means fewer than two waypoints were supplied.
	ErrBadWaypoints = errors.New("at least two waypoints required")
)

// GreatCircle estimates routes with haversine distance and an assumed
// average speed. It is both the standalone estimator for deployments
// without a directions API and the fallback when the API is down.
type GreatCircle struct {
	// SpeedKmh is the assumed travel speed. Zero means a city default.
	SpeedKmh float64
}

const defaultSpeedKmh = 24.0

func (g *GreatCircle) Route(_ context.Context, _ string, waypoints []models.Coord) (models.RouteEstimate, error) {
	if len(waypoints) < 2 {
		return models.RouteEstimate{}, ErrBadWaypoints
	}
	speed := g.SpeedKmh
	if speed <= 0 {
		speed = defaultSpeedKmh
	}
	var km float64
	for i := 1; i < len(waypoints); i++ {
		km += HaversineKm(waypoints[i-1], waypoints[i])
	}
	return models.RouteEstimate{
		DistanceKm:  km,
		DurationMin: km / speed * 60,
		Path:        append([]models.Coord(nil), waypoints...),
		Fallback:    true,
	}, nil
}

// HaversineKm returns the great-circle distance between two points in km.
func HaversineKm(a, b models.Coord) float64 {
	const earthRadiusKm = 6371.0
	toRad := func(deg float64) float64 { return deg * math.Pi / 180.0 }
	dLat := toRad(b.Lat - a.Lat)
	dLon := toRad(b.Lon - a.Lon)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}
