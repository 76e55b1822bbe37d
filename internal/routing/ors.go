package routing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Kinglowther/boda-dispatch/internal/models"
)

// ORSClient performs directions lookups against an OpenRouteService-style
// HTTP API (POST /v2/directions/{profile}/geojson).
type ORSClient struct {
	Endpoint string
	APIKey   string
	Client   *http.Client
}

func NewORSClient(endpoint, apiKey string, timeout time.Duration) *ORSClient {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &ORSClient{Endpoint: endpoint, APIKey: apiKey, Client: &http.Client{Timeout: timeout}}
}

type orsRequest struct {
	Coordinates [][2]float64 `json:"coordinates"`
}

type orsResponse struct {
	Features []struct {
		Geometry struct {
			Coordinates [][]float64 `json:"coordinates"`
		} `json:"geometry"`
		Properties struct {
			Summary struct {
				Distance float64 `json:"distance"` // meters
				Duration float64 `json:"duration"` // seconds
			} `json:"summary"`
		} `json:"properties"`
	} `json:"features"`
}

// Route queries the directions API. Coordinates go over the wire as
// [lon, lat] pairs, which is the GeoJSON convention.
func (o *ORSClient) Route(ctx context.Context, profile string, waypoints []models.Coord) (models.RouteEstimate, error) {
	if len(waypoints) < 2 {
		return models.RouteEstimate{}, ErrBadWaypoints
	}
	body := orsRequest{Coordinates: make([][2]float64, len(waypoints))}
	for i, wp := range waypoints {
		body.Coordinates[i] = [2]float64{wp.Lon, wp.Lat}
	}
	b, err := json.Marshal(body)
	if err != nil {
		return models.RouteEstimate{}, err
	}

	url := fmt.Sprintf("%s/v2/directions/%s/geojson", o.Endpoint, profile)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return models.RouteEstimate{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if o.APIKey != "" {
		req.Header.Set("Authorization", o.APIKey)
	}

	resp, err := o.Client.Do(req)
	if err != nil {
		return models.RouteEstimate{}, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return models.RouteEstimate{}, fmt.Errorf("%w: status %d", ErrProviderUnavailable, resp.StatusCode)
	}

	var out orsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return models.RouteEstimate{}, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	if len(out.Features) == 0 {
		return models.RouteEstimate{}, fmt.Errorf("%w: no route", ErrProviderUnavailable)
	}

	feat := out.Features[0]
	est := models.RouteEstimate{
		DistanceKm:  feat.Properties.Summary.Distance / 1000.0,
		DurationMin: feat.Properties.Summary.Duration / 60.0,
	}
	for _, c := range feat.Geometry.Coordinates {
		if len(c) >= 2 {
			est.Path = append(est.Path, models.Coord{Lat: c[1], Lon: c[0]})
		}
	}
	return est, nil
}
