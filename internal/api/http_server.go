package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"slotbook/internal/config"
	"slotbook/internal/conflict"
	"slotbook/internal/database"
	"slotbook/internal/domain"
	"slotbook/internal/metrics"
	"slotbook/internal/models"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const requestIDHeader = "X-Request-ID"

// BookingAPI is the booking surface the HTTP handlers call.
type BookingAPI interface {
	Location() *time.Location
	GetAvailableSlots(ctx context.Context, resourceID, serviceID int64, from, to time.Time) ([]models.Slot, error)
	CheckSlot(ctx context.Context, resourceID, serviceID int64, start time.Time) (conflict.Result, error)
	CreateHold(ctx context.Context, resourceID, serviceID int64, slotStart time.Time) (*models.Hold, error)
	GetHold(ctx context.Context, token string) (*models.Hold, error)
	ConfirmHold(ctx context.Context, token, paymentReference string) (*models.Booking, error)
	CancelHold(ctx context.Context, token string) error
	HandlePaymentResult(ctx context.Context, token, paymentReference string, success bool) (*models.Booking, error)
	Book(ctx context.Context, resourceID, serviceID int64, slotStart time.Time) (*models.Booking, error)
	ListBookings(ctx context.Context, f database.BookingFilter) ([]*models.Booking, error)
	CancelBooking(ctx context.Context, bookingID int64) (*models.Booking, error)
}

type BookingExporter interface {
	Write(ctx context.Context, w io.Writer, bookings []*models.Booking, from, to time.Time) error
}

// HTTPServer exposes the booking API over HTTP.
type HTTPServer struct {
	cfg      config.APIConfig
	svc      BookingAPI
	exporter BookingExporter
	auth     *HTTPAuth
	holds    *holdLimiter
	validate *validator.Validate
	logger   *zerolog.Logger
	server   *http.Server
}

func NewHTTPServer(cfg config.APIConfig, svc BookingAPI, exporter BookingExporter, locker domain.SlotLocker, logger *zerolog.Logger) *HTTPServer {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "http").Logger()

	srv := &HTTPServer{
		cfg:      cfg,
		svc:      svc,
		exporter: exporter,
		auth:     NewHTTPAuth(cfg),
		holds:    &holdLimiter{locker: locker, cfg: cfg.HoldRateLimit, logger: &l},
		validate: validator.New(),
		logger:   &l,
	}

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	return srv
}

func (s *HTTPServer) routes() http.Handler {
	r := mux.NewRouter()
	r.Use(s.loggingMiddleware)

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(s.auth.Middleware)

	api.HandleFunc("/resources/{id:[0-9]+}/slots", s.auth.Require(permReadSlots, s.handleSlots)).Methods(http.MethodGet)
	api.HandleFunc("/resources/{id:[0-9]+}/slots/check", s.auth.Require(permReadSlots, s.handleCheckSlot)).Methods(http.MethodGet)

	api.HandleFunc("/holds", s.auth.Require(permWriteHolds, s.handleCreateHold)).Methods(http.MethodPost)
	api.HandleFunc("/holds/{token}", s.auth.Require(permReadSlots, s.handleGetHold)).Methods(http.MethodGet)
	api.HandleFunc("/holds/{token}", s.auth.Require(permWriteHolds, s.handleCancelHold)).Methods(http.MethodDelete)
	api.HandleFunc("/holds/{token}/confirm", s.auth.Require(permWriteHolds, s.handleConfirmHold)).Methods(http.MethodPost)

	api.HandleFunc("/payments/callback", s.auth.Require(permWritePayments, s.handlePaymentCallback)).Methods(http.MethodPost)

	api.HandleFunc("/bookings", s.auth.Require(permWriteHolds, s.handleBook)).Methods(http.MethodPost)
	api.HandleFunc("/bookings", s.auth.Require(permReadBookings, s.handleListBookings)).Methods(http.MethodGet)
	api.HandleFunc("/bookings/export", s.auth.Require(permReadBookings, s.handleExport)).Methods(http.MethodGet)
	api.HandleFunc("/bookings/{id:[0-9]+}/cancel", s.auth.Require(permWriteHolds, s.handleCancelBooking)).Methods(http.MethodPost)

	return r
}

func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)

		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}
		metrics.IncHTTP(endpoint, recorder.status)

		event := s.logger.Info()
		if recorder.status >= http.StatusInternalServerError {
			event = s.logger.Error()
		}
		event.
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
