package vehicle

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-parking-go/internal/device"
)

// Handler exposes the calling device owner's vehicles. Mount behind
// device.Authenticator.
type Handler struct {
	svc    *Service
	logger *zap.SugaredLogger
}

func NewHandler(svc *Service, logger *zap.SugaredLogger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

type AddVehicleRequest struct {
	RegistrationNumber string `json:"registration_number"`
}

type AddTicketRequest struct {
	PCNNumber string `json:"pcn_number"`
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	b, _ := device.BindingFromContext(r.Context())
	vs, err := h.svc.List(r.Context(), b.UserID)
	if err != nil {
		h.logger.Warnw("list vehicles failed", "user_id", b.UserID, "err", err)
		h.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "list failed"})
		return
	}
	h.writeJSON(w, http.StatusOK, vs)
}

func (h *Handler) Add(w http.ResponseWriter, r *http.Request) {
	b, _ := device.BindingFromContext(r.Context())
	var req AddVehicleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}
	v, created, err := h.svc.AddVehicle(r.Context(), b.UserID, req.RegistrationNumber)
	if err != nil {
		if errors.Is(err, ErrInvalidRegistration) {
			h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		h.logger.Warnw("add vehicle failed", "user_id", b.UserID, "err", err)
		h.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "add vehicle failed"})
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	h.writeJSON(w, status, v)
}

// AddTicket handles POST /vehicles/{registration}/tickets.
func (h *Handler) AddTicket(w http.ResponseWriter, r *http.Request) {
	b, _ := device.BindingFromContext(r.Context())
	var req AddTicketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}
	t, err := h.svc.AddTicket(r.Context(), b.UserID, r.PathValue("registration"), req.PCNNumber)
	switch {
	case err == nil:
		h.writeJSON(w, http.StatusCreated, t)
	case errors.Is(err, ErrInvalidPCN):
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, ErrVehicleNotFound):
		h.writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, ErrDuplicateTicket):
		h.writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		h.logger.Warnw("add ticket failed", "user_id", b.UserID, "err", err)
		h.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "add ticket failed"})
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
