package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// VehicleProfile selects the routing profile used for cost estimates.
type VehicleProfile string

const (
	VehicleMotorcycle VehicleProfile = "motorcycle"
	VehicleBicycle    VehicleProfile = "bicycle"
	VehicleCar        VehicleProfile = "car"
)

// RoutingProfile maps a vehicle to the directions-API profile string.
func (v VehicleProfile) RoutingProfile() string {
	switch v {
	case VehicleBicycle:
		return "cycling-regular"
	case VehicleCar:
		return "driving-car"
	default:
		return "cycling-road"
	}
}

type RiderStatus string

const (
	RiderAvailable RiderStatus = "available"
	RiderBusy      RiderStatus = "busy"
	RiderOffline   RiderStatus = "offline"
)

func (s RiderStatus) Valid() bool {
	switch s {
	case RiderAvailable, RiderBusy, RiderOffline:
		return true
	}
	return false
}

type Rider struct {
	ID            string         `json:"id"`
	Name          string         `json:"name,omitempty"`
	Phone         string         `json:"phone,omitempty"`
	Status        RiderStatus    `json:"status"`
	Loc           *Coord         `json:"loc,omitempty"`
	Vehicle       VehicleProfile `json:"vehicle"`
	ActiveOrderID string         `json:"active_order_id,omitempty"`
	// LocSeq is the last applied location report sequence number.
	// Reports at or below it are stale and ignored.
	LocSeq      int64     `json:"loc_seq"`
	Deactivated bool      `json:"deactivated,omitempty"`
	Updated     time.Time `json:"updated"`
}

type OrderStatus string

const (
	OrderPending    OrderStatus = "pending"
	OrderAccepted   OrderStatus = "accepted"
	OrderInProgress OrderStatus = "in-progress"
	OrderCompleted  OrderStatus = "completed"
	OrderCancelled  OrderStatus = "cancelled"
)

func (s OrderStatus) Terminal() bool {
	return s == OrderCompleted || s == OrderCancelled
}

// StatusChange is one entry of an order's append-only history.
type StatusChange struct {
	Status OrderStatus `json:"status"`
	At     time.Time   `json:"at"`
}

// Waypoint is an address plus coordinates once geocoded.
type Waypoint struct {
	Address string `json:"address"`
	Coord   *Coord `json:"coord,omitempty"`
}

type Recipient struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

type Order struct {
	ID          string         `json:"id"`
	CustomerID  string         `json:"customer_id"`
	RiderID     string         `json:"rider_id,omitempty"`
	Pickup      Waypoint       `json:"pickup"`
	Dropoff     Waypoint       `json:"dropoff"`
	Description string         `json:"description,omitempty"`
	Recipient   Recipient      `json:"recipient"`
	PriceCents  int64          `json:"price_cents"`
	Currency    string         `json:"currency"`
	History     []StatusChange `json:"history"`
	// Version guards concurrent transitions: every successful append
	// increments it, and writers must present the version they read.
	Version    int       `json:"version"`
	DeclinedBy []string  `json:"declined_by,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Status returns the current status, i.e. the last history entry.
func (o *Order) Status() OrderStatus {
	if len(o.History) == 0 {
		return OrderPending
	}
	return o.History[len(o.History)-1].Status
}

func (o *Order) Declined(riderID string) bool {
	for _, id := range o.DeclinedBy {
		if id == riderID {
			return true
		}
	}
	return false
}

// CanTransition encodes the order state graph: the linear happy path plus
// cancellation before pickup only.
func CanTransition(from, to OrderStatus) bool {
	switch from {
	case OrderPending:
		return to == OrderAccepted || to == OrderCancelled
	case OrderAccepted:
		return to == OrderInProgress || to == OrderCancelled
	case OrderInProgress:
		return to == OrderCompleted
	}
	return false
}

// RouteEstimate is a derived route cost; never persisted.
type RouteEstimate struct {
	DistanceKm  float64 `json:"distance_km"`
	DurationMin float64 `json:"duration_min"`
	Path        []Coord `json:"path,omitempty"`
	// Fallback marks estimates produced by great-circle approximation
	// after a provider failure.
	Fallback bool `json:"fallback,omitempty"`
}

// LocationReport is a rider position sample from the rider app.
type LocationReport struct {
	RiderID    string    `json:"rider_id"`
	Loc        Coord     `json:"loc"`
	Seq        int64     `json:"seq"`
	AccuracyM  float64   `json:"accuracy_m,omitempty"`
	ReportedAt time.Time `json:"reported_at,omitempty"`
}

// MatchOffer is what gets pushed to a rider when an order is offered.
type MatchOffer struct {
	OrderID     string  `json:"order_id"`
	RiderID     string  `json:"rider_id"`
	PickupKm    float64 `json:"pickup_km"`
	PickupMin   float64 `json:"pickup_min"`
	PriceCents  int64   `json:"price_cents"`
	Description string  `json:"description,omitempty"`
}

// TrackingUpdate is a live ETA refresh for an in-flight order.
type TrackingUpdate struct {
	OrderID     string    `json:"order_id"`
	RiderID     string    `json:"rider_id"`
	RiderLoc    Coord     `json:"rider_loc"`
	Leg         string    `json:"leg"` // "pickup" or "dropoff"
	DistanceKm  float64   `json:"distance_km"`
	DurationMin float64   `json:"duration_min"`
	At          time.Time `json:"at"`
}
