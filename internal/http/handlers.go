package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/storage"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type LocationPublisher interface {
	PublishLocation(ctx context.Context, u models.LocationUpdate) error
}

// PaymentHolder reserves a card fare before the ride is stored and drops
// the reservation if the ride never makes it to the store.
type PaymentHolder interface {
	Hold(ctx context.Context, amountCents int64, currency, customerID string) (string, error)
	Cancel(ctx context.Context, intentID string) error
}

type Options struct {
	Store     storage.Store
	Engine    *dispatch.Engine
	Locations LocationPublisher // optional
	WS        *notify.WSRegistry
	Payments  PaymentHolder // optional
	Currency  string
	Redis     Pinger // optional, checked by /ready
	Logger    logrus.FieldLogger
}

type Server struct {
	store     storage.Store
	engine    *dispatch.Engine
	locations LocationPublisher
	ws        *notify.WSRegistry
	payments  PaymentHolder
	currency  string
	redis     Pinger
	logger    logrus.FieldLogger
	mux       *mux.Router
}

func NewServer(opts Options) *Server {
	s := &Server{
		store:     opts.Store,
		engine:    opts.Engine,
		locations: opts.Locations,
		ws:        opts.WS,
		payments:  opts.Payments,
		currency:  opts.Currency,
		redis:     opts.Redis,
		logger:    opts.Logger,
		mux:       mux.NewRouter(),
	}
	if s.logger == nil {
		s.logger = logrus.New()
	}
	if s.ws == nil {
		s.ws = notify.NewWSRegistry()
	}
	if s.currency == "" {
		s.currency = "usd"
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/rides", s.handleCreateRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}/accept", s.handleAccept).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/timeout", s.handleTimeout).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/arrive", s.handleAdvance(models.StatusArrived)).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/start", s.handleAdvance(models.StatusOngoing)).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/complete", s.handleAdvance(models.StatusCompleted)).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{id}", s.handlePutDriver).Methods(http.MethodPut)
	api.HandleFunc("/drivers/{id}/status", s.handleDriverStatus).Methods(http.MethodPatch)

	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods(http.MethodPost)
	s.mux.HandleFunc("/ws/{driver_id}", s.handleWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	var req models.RideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if msg := validateRideRequest(&req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	now := time.Now().UTC()
	ride := &models.Ride{
		ID:            uuid.NewString(),
		RiderID:       req.RiderID,
		Pickup:        req.Pickup,
		Drop:          req.Drop,
		PickupAddress: req.PickupAddress,
		DropAddress:   req.DropAddress,
		Fare:          req.Fare,
		DistanceKm:    req.DistanceKm,
		DurationMin:   req.DurationMin,
		RideType:      req.RideType,
		PaymentMode:   req.PaymentMode,
		Status:        models.StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	log := s.logger.WithFields(logrus.Fields{"ride_id": ride.ID, "rider_id": ride.RiderID})

	if ride.PaymentMode == models.PaymentCard && s.payments != nil {
		intent, err := s.payments.Hold(r.Context(), payments.AmountCents(req.Fare), s.currency, req.PaymentCustomerID)
		if err != nil {
			log.WithError(err).Warn("payment_hold_failed")
			writeError(w, http.StatusPaymentRequired, "could not hold payment")
			return
		}
		ride.PaymentIntentID = intent
	}

	if err := s.store.CreateRide(r.Context(), ride); err != nil {
		log.WithError(err).Error("create_ride_failed")
		if ride.PaymentIntentID != "" {
			if cerr := s.payments.Cancel(r.Context(), ride.PaymentIntentID); cerr != nil {
				log.WithError(cerr).WithField("payment_intent", ride.PaymentIntentID).Error("payment_release_failed")
			}
		}
		writeError(w, http.StatusInternalServerError, "could not create ride")
		return
	}
	log.Info("ride_requested")
	s.engine.Dispatch(ride.ID)
	writeJSON(w, http.StatusCreated, map[string]any{"ride_id": ride.ID, "status": ride.Status})
}

func validateRideRequest(req *models.RideRequest) string {
	if strings.TrimSpace(req.RiderID) == "" {
		return "rider_id is required"
	}
	if !req.Pickup.Valid() || !req.Drop.Valid() {
		return "pickup and drop must be valid coordinates"
	}
	if req.Fare < 0 {
		return "fare must not be negative"
	}
	switch req.PaymentMode {
	case "":
		req.PaymentMode = models.PaymentCash
	case models.PaymentCash, models.PaymentCard:
	default:
		return "payment_mode must be cash or card"
	}
	return ""
}

type rideView struct {
	*models.Ride
	OfferedDriverID string     `json:"offered_driver_id,omitempty"`
	OfferExpiresAt  *time.Time `json:"offer_expires_at,omitempty"`
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ride, err := s.store.GetRide(r.Context(), id)
	if err != nil {
		s.writeDispatchError(w, r, err)
		return
	}
	s.writeRide(w, r, http.StatusOK, ride)
}

func (s *Server) writeRide(w http.ResponseWriter, r *http.Request, status int, ride *models.Ride) {
	view := rideView{Ride: ride}
	if ride.Status == models.StatusPending {
		if a, err := s.store.CurrentAssignment(r.Context(), ride.ID); err == nil {
			view.OfferedDriverID = a.DriverID
		}
		if e, ok := s.engine.PendingOffer(ride.ID); ok && e.DriverID != "" {
			deadline := e.Deadline
			view.OfferExpiresAt = &deadline
		}
	}
	writeJSON(w, status, view)
}

type driverAction struct {
	DriverID string `json:"driver_id"`
}

func decodeDriverAction(w http.ResponseWriter, r *http.Request) (string, bool) {
	var body driverAction
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return "", false
	}
	if body.DriverID == "" {
		writeError(w, http.StatusBadRequest, "driver_id is required")
		return "", false
	}
	return body.DriverID, true
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	driverID, ok := decodeDriverAction(w, r)
	if !ok {
		return
	}
	ride, err := s.engine.Accept(r.Context(), mux.Vars(r)["id"], driverID)
	if err != nil {
		s.writeDispatchError(w, r, err)
		return
	}
	s.writeRide(w, r, http.StatusOK, ride)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CanceledBy string `json:"canceled_by"`
		Reason     string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
	}
	if body.CanceledBy == "" {
		body.CanceledBy = "user"
	}
	ride, err := s.engine.Cancel(r.Context(), mux.Vars(r)["id"], body.CanceledBy, body.Reason)
	if err != nil {
		s.writeDispatchError(w, r, err)
		return
	}
	s.writeRide(w, r, http.StatusOK, ride)
}

func (s *Server) handleTimeout(w http.ResponseWriter, r *http.Request) {
	ride, err := s.engine.Escalate(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeDispatchError(w, r, err)
		return
	}
	s.writeRide(w, r, http.StatusOK, ride)
}

func (s *Server) handleAdvance(to models.RideStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		driverID, ok := decodeDriverAction(w, r)
		if !ok {
			return
		}
		ride, err := s.engine.Advance(r.Context(), mux.Vars(r)["id"], driverID, to)
		if err != nil {
			s.writeDispatchError(w, r, err)
			return
		}
		s.writeRide(w, r, http.StatusOK, ride)
	}
}

func (s *Server) handlePutDriver(w http.ResponseWriter, r *http.Request) {
	var d models.Driver
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	d.ID = mux.Vars(r)["id"]
	if d.Status == "" {
		d.Status = models.DriverOffDuty
	}
	if !validDriverStatus(d.Status) {
		writeError(w, http.StatusBadRequest, "status must be on_duty or off_duty")
		return
	}
	if d.Location != nil && !d.Location.Valid() {
		writeError(w, http.StatusBadRequest, "location must be a valid coordinate")
		return
	}
	// a profile update must not wipe the last known position
	if d.Location == nil {
		if cur, err := s.store.GetDriver(r.Context(), d.ID); err == nil {
			d.Location = cur.Location
		}
	}
	d.UpdatedAt = time.Now().UTC()
	if err := s.store.UpsertDriver(r.Context(), &d); err != nil {
		s.logger.WithError(err).WithField("driver_id", d.ID).Error("upsert_driver_failed")
		writeError(w, http.StatusInternalServerError, "could not save driver")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func validDriverStatus(s models.DriverStatus) bool {
	return s == models.DriverOnDuty || s == models.DriverOffDuty
}

func (s *Server) handleDriverStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status models.DriverStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || !validDriverStatus(body.Status) {
		writeError(w, http.StatusBadRequest, "status must be on_duty or off_duty")
		return
	}
	if err := s.store.SetDriverStatus(r.Context(), mux.Vars(r)["id"], body.Status); err != nil {
		s.writeDispatchError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var u models.LocationUpdate
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	loc := models.Coord{Lat: u.Lat, Lng: u.Lng}
	if u.DriverID == "" || !loc.Valid() {
		writeError(w, http.StatusBadRequest, "driver_id and a valid lat/lng are required")
		return
	}
	if u.At.IsZero() {
		u.At = time.Now().UTC()
	}
	if err := s.store.UpdateDriverLocation(r.Context(), u.DriverID, loc); err != nil {
		s.writeDispatchError(w, r, err)
		return
	}
	observability.LocationUpdates.WithLabelValues("http").Inc()
	if s.locations != nil {
		if err := s.locations.PublishLocation(r.Context(), u); err != nil {
			s.logger.WithError(err).WithField("driver_id", u.DriverID).Warn("location_publish_failed")
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["driver_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response
		s.logger.WithError(err).WithField("driver_id", id).Warn("ws_upgrade_failed")
		return
	}
	sess := s.ws.Add(id, conn)
	s.logger.WithField("driver_id", id).Info("ws_connected")
	defer func() {
		s.ws.Remove(id, sess)
		_ = sess.Close()
		s.logger.WithField("driver_id", id).Info("ws_disconnected")
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	checks := map[string]string{"store": "ok"}
	status := http.StatusOK
	if err := s.store.Ping(ctx); err != nil {
		checks["store"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if s.redis != nil {
		checks["redis"] = "ok"
		if err := s.redis.Ping(ctx); err != nil {
			checks["redis"] = err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, checks)
}

func (s *Server) writeDispatchError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, dispatch.ErrNotOffered), errors.Is(err, dispatch.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, dispatch.ErrConflict), errors.Is(err, dispatch.ErrDriverBusy):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, dispatch.ErrInvalidState):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.logger.WithError(err).WithFields(logrus.Fields{
			"route":      routeTemplate(r),
			"request_id": requestIDFromContext(r.Context()),
		}).Error("request_failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
