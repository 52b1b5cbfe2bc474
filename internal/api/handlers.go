package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"slotbook/internal/database"
	"slotbook/internal/models"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

const (
	paymentStatusSuccess = "success"

	exportContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

type slotRequest struct {
	ResourceID int64     `json:"resource_id" validate:"required,gt=0"`
	ServiceID  int64     `json:"service_id" validate:"required,gt=0"`
	SlotStart  time.Time `json:"slot_start" validate:"required"`
}

type confirmRequest struct {
	PaymentReference string `json:"payment_reference" validate:"max=128"`
}

type paymentCallbackRequest struct {
	HoldToken        string `json:"hold_token" validate:"required"`
	PaymentReference string `json:"payment_reference" validate:"required,max=128"`
	Status           string `json:"status" validate:"required,oneof=success failed"`
}

type slotsResponse struct {
	ResourceID int64         `json:"resource_id"`
	ServiceID  int64         `json:"service_id"`
	Timezone   string        `json:"timezone"`
	Slots      []models.Slot `json:"slots"`
}

type blockerResponse struct {
	Kind       string    `json:"kind"`
	ResourceID int64     `json:"resource_id"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
}

type checkResponse struct {
	Free     bool             `json:"free"`
	Blocking *blockerResponse `json:"blocking,omitempty"`
}

type bookingsResponse struct {
	Bookings []*models.Booking `json:"bookings"`
}

func (s *HTTPServer) handleSlots(w http.ResponseWriter, r *http.Request) {
	resourceID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid resource id")
		return
	}

	q := r.URL.Query()
	serviceID, err := strconv.ParseInt(q.Get("service_id"), 10, 64)
	if err != nil || serviceID <= 0 {
		writeError(w, http.StatusBadRequest, "service_id is required")
		return
	}

	loc := s.svc.Location()
	from, err := parseDate(q.Get("from"), loc)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	to := from
	if raw := q.Get("to"); raw != "" {
		if to, err = parseDate(raw, loc); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	list, err := s.svc.GetAvailableSlots(r.Context(), resourceID, serviceID, from, to)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, slotsResponse{
		ResourceID: resourceID,
		ServiceID:  serviceID,
		Timezone:   loc.String(),
		Slots:      list,
	})
}

func (s *HTTPServer) handleCheckSlot(w http.ResponseWriter, r *http.Request) {
	resourceID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid resource id")
		return
	}

	q := r.URL.Query()
	serviceID, err := strconv.ParseInt(q.Get("service_id"), 10, 64)
	if err != nil || serviceID <= 0 {
		writeError(w, http.StatusBadRequest, "service_id is required")
		return
	}
	start, err := time.Parse(time.RFC3339, q.Get("start"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "start must be an RFC 3339 timestamp")
		return
	}

	res, err := s.svc.CheckSlot(r.Context(), resourceID, serviceID, start)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	resp := checkResponse{Free: res.Free}
	if b := res.Blocking; b != nil {
		// токен холда клиенту не отдаем
		resp.Blocking = &blockerResponse{Kind: b.Kind, ResourceID: b.ResourceID, Start: b.Interval.Start, End: b.Interval.End}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleCreateHold(w http.ResponseWriter, r *http.Request) {
	var req slotRequest
	if !s.decode(w, r, &req) {
		return
	}

	if !s.holds.allow(r.Context(), s.auth.clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, "hold rate limit exceeded")
		return
	}

	hold, err := s.svc.CreateHold(r.Context(), req.ResourceID, req.ServiceID, req.SlotStart)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, hold)
}

func (s *HTTPServer) handleGetHold(w http.ResponseWriter, r *http.Request) {
	hold, err := s.svc.GetHold(r.Context(), mux.Vars(r)["token"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, hold)
}

func (s *HTTPServer) handleConfirmHold(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}

	booking, err := s.svc.ConfirmHold(r.Context(), mux.Vars(r)["token"], req.PaymentReference)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

func (s *HTTPServer) handleCancelHold(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.CancelHold(r.Context(), mux.Vars(r)["token"]); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handlePaymentCallback(w http.ResponseWriter, r *http.Request) {
	var req paymentCallbackRequest
	if !s.decode(w, r, &req) {
		return
	}

	success := req.Status == paymentStatusSuccess
	booking, err := s.svc.HandlePaymentResult(r.Context(), req.HoldToken, req.PaymentReference, success)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if booking == nil {
		writeJSON(w, http.StatusOK, map[string]string{"hold_token": req.HoldToken, "status": models.HoldStatusReleased})
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

func (s *HTTPServer) handleBook(w http.ResponseWriter, r *http.Request) {
	var req slotRequest
	if !s.decode(w, r, &req) {
		return
	}

	if !s.holds.allow(r.Context(), s.auth.clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, "hold rate limit exceeded")
		return
	}

	booking, err := s.svc.Book(r.Context(), req.ResourceID, req.ServiceID, req.SlotStart)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, booking)
}

func (s *HTTPServer) handleListBookings(w http.ResponseWriter, r *http.Request) {
	f, err := s.bookingFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	list, err := s.svc.ListBookings(r.Context(), f)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if list == nil {
		list = []*models.Booking{}
	}
	writeJSON(w, http.StatusOK, bookingsResponse{Bookings: list})
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request) {
	if s.exporter == nil {
		writeError(w, http.StatusNotImplemented, "export is not configured")
		return
	}

	f, err := s.bookingFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if f.From.IsZero() || f.To.IsZero() {
		writeError(w, http.StatusBadRequest, "from and to are required")
		return
	}

	list, err := s.svc.ListBookings(r.Context(), f)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	filename := fmt.Sprintf("bookings_%s_%s.xlsx",
		f.From.In(s.svc.Location()).Format("20060102"),
		f.To.Add(-time.Nanosecond).In(s.svc.Location()).Format("20060102"))
	w.Header().Set("Content-Type", exportContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	if err := s.exporter.Write(r.Context(), w, list, f.From, f.To.Add(-time.Nanosecond)); err != nil {
		// заголовки уже ушли клиенту
		s.logger.Error().Err(err).Msg("failed to write bookings export")
	}
}

func (s *HTTPServer) handleCancelBooking(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid booking id")
		return
	}

	booking, err := s.svc.CancelBooking(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

// bookingFilter reads resource_id and the inclusive from/to dates. to is
// turned into the start of the following day.
func (s *HTTPServer) bookingFilter(r *http.Request) (database.BookingFilter, error) {
	q := r.URL.Query()
	loc := s.svc.Location()

	var f database.BookingFilter
	if raw := q.Get("resource_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			return f, errors.New("invalid resource_id")
		}
		f.ResourceID = id
	}
	if raw := q.Get("from"); raw != "" {
		from, err := parseDate(raw, loc)
		if err != nil {
			return f, err
		}
		f.From = from
	}
	if raw := q.Get("to"); raw != "" {
		to, err := parseDate(raw, loc)
		if err != nil {
			return f, err
		}
		f.To = to.AddDate(0, 0, 1)
	}
	if raw := q.Get("status"); raw != "" {
		f.Statuses = strings.Split(raw, ",")
	}
	return f, nil
}

func parseDate(raw string, loc *time.Location) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, errors.New("date is required")
	}
	d, err := time.ParseInLocation(models.DateLayout, raw, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q; expected YYYY-MM-DD", raw)
	}
	return d, nil
}

// decode reads a JSON body into dst and validates it. On failure the error
// response is already written.
func (s *HTTPServer) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}

	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":  "validation failed",
				"code":   "VALIDATION_FAILED",
				"fields": translateValidationErrors(verrs),
			})
			return false
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func translateValidationErrors(errs validator.ValidationErrors) map[string]string {
	out := make(map[string]string, len(errs))
	for _, err := range errs {
		message := err.Error()
		switch err.Tag() {
		case "required":
			message = "is required"
		case "gt":
			message = fmt.Sprintf("must be greater than %s", err.Param())
		case "max":
			message = fmt.Sprintf("must be at most %s characters", err.Param())
		case "oneof":
			message = fmt.Sprintf("must be one of: %s", err.Param())
		}
		out[err.Field()] = message
	}
	return out
}

// writeServiceError maps booking errors onto HTTP status codes.
func (s *HTTPServer) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeJSON(w, status, map[string]any{"error": "internal error", "code": code})
		return
	}

	body := map[string]any{"error": err.Error(), "code": code}
	var cerr *models.ConflictError
	if errors.As(err, &cerr) {
		body["resource_id"] = cerr.ResourceID
	}
	writeJSON(w, status, body)
}

var errorCodes = []struct {
	err    error
	status int
	code   string
}{
	{models.ErrResourceConflict, http.StatusConflict, "RESOURCE_CONFLICT"},
	{models.ErrSlotUnavailable, http.StatusConflict, "SLOT_UNAVAILABLE"},
	{models.ErrHoldAlreadyConfirmed, http.StatusConflict, "HOLD_ALREADY_CONFIRMED"},
	{models.ErrBookingNotCancellable, http.StatusConflict, "BOOKING_NOT_CANCELLABLE"},
	{models.ErrHoldExpired, http.StatusGone, "HOLD_EXPIRED"},
	{models.ErrInvalidTimeRange, http.StatusBadRequest, "INVALID_TIME_RANGE"},
	{models.ErrNoAvailabilityConfigured, http.StatusUnprocessableEntity, "NO_AVAILABILITY_CONFIGURED"},
	{models.ErrPaymentRequired, http.StatusUnprocessableEntity, "PAYMENT_REQUIRED"},
	{models.ErrHoldNotFound, http.StatusNotFound, "HOLD_NOT_FOUND"},
	{models.ErrBookingNotFound, http.StatusNotFound, "BOOKING_NOT_FOUND"},
	{models.ErrServiceNotFound, http.StatusNotFound, "SERVICE_NOT_FOUND"},
	{models.ErrResourceNotFound, http.StatusNotFound, "RESOURCE_NOT_FOUND"},
}

func statusFor(err error) (int, string) {
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.status, c.code
		}
	}
	return http.StatusInternalServerError, "INTERNAL"
}
