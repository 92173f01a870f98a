package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/hub"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/rides"
	"github.com/example/ride-dispatch/internal/storage"
)

// RideService is the slice of the dispatch engine the REST surface needs.
type RideService interface {
	CreateRide(ctx context.Context, req dispatch.CreateRequest) (*models.Ride, error)
	Ride(ctx context.Context, rideID string) (*models.Ride, error)
	Rides(ctx context.Context, f storage.ListFilter) ([]*models.Ride, error)
}

type FareQuoter interface {
	QuoteAll(distanceKm float64) (map[models.VehicleClass]float64, error)
}

// Pinger is a dependency checked by /ready.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	rides  RideService
	fares  FareQuoter
	auth   hub.Authenticator
	ws     http.Handler
	checks map[string]Pinger
	logger *slog.Logger
	mux    *mux.Router
}

type Deps struct {
	Rides  RideService
	Fares  FareQuoter
	Auth   hub.Authenticator
	WS     http.Handler
	Checks map[string]Pinger
	Logger *slog.Logger
}

func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		rides:  d.Rides,
		fares:  d.Fares,
		auth:   d.Auth,
		ws:     d.WS,
		checks: d.Checks,
		logger: logger,
		mux:    mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/rides", s.handleCreateRide).Methods(http.MethodPost)
	api.HandleFunc("/rides", s.handleListRides).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods(http.MethodGet)
	api.HandleFunc("/fares", s.handleFares).Methods(http.MethodGet)

	if s.ws != nil {
		s.mux.Handle("/ws", s.ws).Methods(http.MethodGet)
	}
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	if !id.IsCustomer() {
		writeError(w, http.StatusForbidden, hub.ErrForbidden)
		return
	}
	var req dispatch.CreateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, hub.ErrBadRequest)
		return
	}
	req.CustomerID = id.UserID

	ride, err := s.rides.CreateRide(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ride.Redacted(id.UserID))
}

func (s *Server) handleListRides(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	f := storage.ListFilter{ParticipantID: id.UserID}
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st := models.RideStatus(strings.ToUpper(strings.TrimSpace(part)))
			if !st.Valid() {
				writeError(w, http.StatusBadRequest, errors.New("unknown status "+part))
				return
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		f.Limit = n
	}

	list, err := s.rides.Rides(r.Context(), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]models.Ride, 0, len(list))
	for _, ride := range list {
		out = append(out, ride.Redacted(id.UserID))
	}
	writeJSON(w, http.StatusOK, map[string]any{"rides": out})
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	ride, err := s.rides.Ride(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !ride.IsParticipant(id.UserID) {
		s.fail(w, r, rides.ErrNotParticipant)
		return
	}
	writeJSON(w, http.StatusOK, ride.Redacted(id.UserID))
}

type fareQuote struct {
	DistanceKm float64                         `json:"distanceKm"`
	Fares      map[models.VehicleClass]float64 `json:"fares"`
}

func (s *Server) handleFares(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var vals [4]float64
	for i, key := range []string{"pickupLat", "pickupLon", "dropLat", "dropLon"} {
		v, err := strconv.ParseFloat(q.Get(key), 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New(key+" must be a number"))
			return
		}
		vals[i] = v
	}
	pickup := models.Coord{Lat: vals[0], Lon: vals[1]}
	drop := models.Coord{Lat: vals[2], Lon: vals[3]}
	if !pickup.Valid() || !drop.Valid() {
		s.fail(w, r, dispatch.ErrInvalidLocation)
		return
	}

	km := geo.HaversineKm(pickup.Lat, pickup.Lon, drop.Lat, drop.Lon)
	quotes, err := s.fares.QuoteAll(km)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fareQuote{DistanceKm: km, Fares: quotes})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	failed := map[string]string{}
	for name, c := range s.checks {
		if err := c.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		s.logger.Warn("readiness check failed", "failed", failed)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// fail maps domain errors onto HTTP statuses. Unknown errors are logged and
// reported without detail.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError || status == http.StatusServiceUnavailable {
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "error", err)
	}
	writeError(w, status, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, dispatch.ErrActiveRide):
		return http.StatusConflict
	case errors.Is(err, dispatch.ErrInvalidLocation), errors.Is(err, fare.ErrInvalidVehicleClass):
		return http.StatusBadRequest
	case errors.Is(err, rides.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, rides.ErrNotParticipant):
		return http.StatusForbidden
	case errors.Is(err, rides.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func errorBodyFor(status int, err error) errorBody {
	switch {
	case errors.Is(err, dispatch.ErrActiveRide):
		return errorBody{Code: "ACTIVE_RIDE", Message: "You already have a ride in progress"}
	case errors.Is(err, dispatch.ErrInvalidLocation):
		return errorBody{Code: "INVALID_LOCATION", Message: "Pickup and drop must be valid coordinates"}
	}
	p := hub.ErrorPayloadFor(err)
	if p.Code == "INTERNAL" && status == http.StatusBadRequest {
		return errorBody{Code: "BAD_REQUEST", Message: err.Error()}
	}
	return errorBody{Code: p.Code, Message: p.Message}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBodyFor(status, err))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
