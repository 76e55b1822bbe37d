package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Kinglowther/boda-dispatch/internal/dispatch"
	"github.com/Kinglowther/boda-dispatch/internal/ingest"
	"github.com/Kinglowther/boda-dispatch/internal/lifecycle"
	"github.com/Kinglowther/boda-dispatch/internal/matching"
	"github.com/Kinglowther/boda-dispatch/internal/models"
	"github.com/Kinglowther/boda-dispatch/internal/registry"
)

// Server is the dispatch HTTP API. All collaborators are injected; the
// server owns no global state.
type Server struct {
	Registry    registry.Registry
	Coordinator *lifecycle.Coordinator
	Matcher     *matching.Engine
	Pipeline    *ingest.Pipeline
	Offers      *dispatch.WSRegistry
	Tracking    *dispatch.TrackHub

	logger *slog.Logger
	mux    *mux.Router
}

type Deps struct {
	Registry    registry.Registry
	Coordinator *lifecycle.Coordinator
	Matcher     *matching.Engine
	Pipeline    *ingest.Pipeline
	Offers      *dispatch.WSRegistry
	Tracking    *dispatch.TrackHub
	Logger      *slog.Logger
}

func NewServer(d Deps) *Server {
	s := &Server{
		Registry:    d.Registry,
		Coordinator: d.Coordinator,
		Matcher:     d.Matcher,
		Pipeline:    d.Pipeline,
		Offers:      d.Offers,
		Tracking:    d.Tracking,
		logger:      d.Logger,
		mux:         mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/orders", s.handlePlaceOrder).Methods("POST")
	s.mux.HandleFunc("/api/v1/orders/{id}", s.handleGetOrder).Methods("GET")
	s.mux.HandleFunc("/api/v1/orders/{id}/dispatch", s.handleDispatchOrder).Methods("POST")
	s.mux.HandleFunc("/api/v1/orders/{id}/accept", s.handleAcceptOrder).Methods("POST")
	s.mux.HandleFunc("/api/v1/orders/{id}/decline", s.handleDeclineOrder).Methods("POST")
	s.mux.HandleFunc("/api/v1/orders/{id}/advance", s.handleAdvanceOrder).Methods("POST")
	s.mux.HandleFunc("/api/v1/orders/{id}/cancel", s.handleCancelOrder).Methods("POST")

	s.mux.HandleFunc("/api/v1/riders", s.handleRegisterRider).Methods("POST")
	s.mux.HandleFunc("/api/v1/riders/{id}", s.handleGetRider).Methods("GET")
	s.mux.HandleFunc("/api/v1/riders/{id}", s.handleDeactivateRider).Methods("DELETE")
	s.mux.HandleFunc("/api/v1/riders/{id}/status", s.handleRiderStatus).Methods("POST")

	s.mux.HandleFunc("/internal/rider/locations", s.handleLocationReport).Methods("POST")
	s.mux.HandleFunc("/internal/rider/{id}/location", s.handleLocationRevoked).Methods("DELETE")

	s.mux.HandleFunc("/ws/riders/{rider_id}", s.handleRiderWS)
	s.mux.HandleFunc("/ws/orders/{order_id}/track", s.handleTrackWS)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type placeOrderReq struct {
	CustomerID     string   `json:"customer_id"`
	PickupAddress  string   `json:"pickup_address"`
	PickupLat      *float64 `json:"pickup_lat,omitempty"`
	PickupLon      *float64 `json:"pickup_lon,omitempty"`
	DropoffAddress string   `json:"dropoff_address"`
	DropoffLat     *float64 `json:"dropoff_lat,omitempty"`
	DropoffLon     *float64 `json:"dropoff_lon,omitempty"`
	Description    string   `json:"description,omitempty"`
	RecipientName  string   `json:"recipient_name"`
	RecipientPhone string   `json:"recipient_phone"`
}

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req placeOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	cmd := lifecycle.PlaceCommand{
		CustomerID:  req.CustomerID,
		Pickup:      models.Waypoint{Address: req.PickupAddress, Coord: coordFrom(req.PickupLat, req.PickupLon)},
		Dropoff:     models.Waypoint{Address: req.DropoffAddress, Coord: coordFrom(req.DropoffLat, req.DropoffLon)},
		Description: req.Description,
		Recipient:   models.Recipient{Name: req.RecipientName, Phone: req.RecipientPhone},
	}
	o, err := s.Coordinator.Place(r.Context(), cmd)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.Coordinator.Get(mux.Vars(r)["id"])
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// handleDispatchOrder runs the rider search and offers the order to the
// best candidate. The offer is not a reservation: the order is assigned
// only when the rider accepts.
func (s *Server) handleDispatchOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	o, err := s.Coordinator.Get(id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if o.Status() != models.OrderPending {
		writeError(w, http.StatusConflict, "order is not pending")
		return
	}
	m, err := s.Matcher.FindBestRider(r.Context(), o)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	offer := models.MatchOffer{
		OrderID:     o.ID,
		RiderID:     m.Rider.ID,
		PickupKm:    m.ToPickup.DistanceKm,
		PickupMin:   m.ToPickup.DurationMin,
		PriceCents:  o.PriceCents,
		Description: o.Description,
	}
	if s.Offers != nil {
		if err := s.Offers.Offer(offer); err != nil && s.logger != nil {
			s.logger.Warn("offer delivery failed", "rider_id", m.Rider.ID, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, offer)
}

type riderActionReq struct {
	RiderID string `json:"rider_id"`
}

func (s *Server) handleAcceptOrder(w http.ResponseWriter, r *http.Request) {
	var req riderActionReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RiderID == "" {
		writeError(w, http.StatusBadRequest, "rider_id required")
		return
	}
	if err := s.Coordinator.Accept(r.Context(), mux.Vars(r)["id"], req.RiderID); err != nil {
		s.writeDomainError(w, err)
		return
	}
	o, err := s.Coordinator.Get(mux.Vars(r)["id"])
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleDeclineOrder(w http.ResponseWriter, r *http.Request) {
	var req riderActionReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RiderID == "" {
		writeError(w, http.StatusBadRequest, "rider_id required")
		return
	}
	if err := s.Coordinator.Decline(r.Context(), mux.Vars(r)["id"], req.RiderID); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "declined"})
}

type advanceReq struct {
	Status models.OrderStatus `json:"status"`
}

func (s *Server) handleAdvanceOrder(w http.ResponseWriter, r *http.Request) {
	var req advanceReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := s.Coordinator.Advance(r.Context(), mux.Vars(r)["id"], req.Status); err != nil {
		s.writeDomainError(w, err)
		return
	}
	o, err := s.Coordinator.Get(mux.Vars(r)["id"])
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	if err := s.Coordinator.Cancel(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeDomainError(w, err)
		return
	}
	o, err := s.Coordinator.Get(mux.Vars(r)["id"])
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

type registerRiderReq struct {
	ID      string                `json:"id"`
	Name    string                `json:"name,omitempty"`
	Phone   string                `json:"phone,omitempty"`
	Vehicle models.VehicleProfile `json:"vehicle,omitempty"`
}

func (s *Server) handleRegisterRider(w http.ResponseWriter, r *http.Request) {
	var req registerRiderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		writeError(w, http.StatusBadRequest, "rider id required")
		return
	}
	rd, err := s.Registry.Register(models.Rider{
		ID:      req.ID,
		Name:    req.Name,
		Phone:   req.Phone,
		Vehicle: req.Vehicle,
		Status:  models.RiderOffline,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rd)
}

func (s *Server) handleGetRider(w http.ResponseWriter, r *http.Request) {
	rd, err := s.Registry.Get(mux.Vars(r)["id"])
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rd)
}

func (s *Server) handleDeactivateRider(w http.ResponseWriter, r *http.Request) {
	if err := s.Registry.Deactivate(mux.Vars(r)["id"]); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type riderStatusReq struct {
	Status models.RiderStatus `json:"status"`
}

func (s *Server) handleRiderStatus(w http.ResponseWriter, r *http.Request) {
	var req riderStatusReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := s.Registry.SetStatus(mux.Vars(r)["id"], req.Status); err != nil {
		s.writeDomainError(w, err)
		return
	}
	rd, err := s.Registry.Get(mux.Vars(r)["id"])
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rd)
}

func (s *Server) handleLocationReport(w http.ResponseWriter, r *http.Request) {
	var rep models.LocationReport
	if err := json.NewDecoder(r.Body).Decode(&rep); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := s.Pipeline.Apply(r.Context(), rep); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLocationRevoked(w http.ResponseWriter, r *http.Request) {
	if err := s.Pipeline.Revoke(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleRiderWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["rider_id"]
	if _, err := s.Registry.Get(id); err != nil {
		s.writeDomainError(w, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sess := s.Offers.Add(id, conn)
	go func() {
		defer s.Offers.Remove(id, sess)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) handleTrackWS(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["order_id"]
	if _, err := s.Coordinator.Get(orderID); err != nil {
		s.writeDomainError(w, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sess := s.Tracking.Subscribe(orderID, conn)
	go func() {
		defer s.Tracking.Unsubscribe(orderID, sess)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

type errorResponse struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, lifecycle.ErrNotFound),
		errors.Is(err, registry.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, lifecycle.ErrBadRequest),
		errors.Is(err, registry.ErrNoLocation),
		errors.Is(err, registry.ErrBadStatus):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, lifecycle.ErrConflict),
		errors.Is(err, lifecycle.ErrInvalidTransition),
		errors.Is(err, registry.ErrExists),
		errors.Is(err, registry.ErrNotAvailable),
		errors.Is(err, registry.ErrDeactivated):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, matching.ErrNoCandidates):
		// retryable searching state, not a hard failure
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error(), Retryable: true})
	default:
		if s.logger != nil {
			s.logger.Error("internal error", "error", err)
		}
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func coordFrom(lat, lon *float64) *models.Coord {
	if lat == nil || lon == nil {
		return nil
	}
	return &models.Coord{Lat: *lat, Lon: *lon}
}
