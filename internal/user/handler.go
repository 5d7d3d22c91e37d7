package user

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-parking-go/internal/device"
)

// Handler exposes HTTP endpoints for the signed-in device's account.
type Handler struct {
	svc    *UserService
	logger *zap.SugaredLogger
}

func NewHandler(svc *UserService, logger *zap.SugaredLogger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// MeResponse describes the account the calling device is bound to.
type MeResponse struct {
	ID        string  `json:"id"`
	Email     *string `json:"email,omitempty"`
	Name      string  `json:"name"`
	Anonymous bool    `json:"anonymous"`
	DeviceID  string  `json:"device_id"`
}

// Me must be mounted behind device.Authenticator.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	b, ok := device.BindingFromContext(r.Context())
	if !ok {
		h.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthenticated"})
		return
	}
	u, err := h.svc.GetProfile(r.Context(), b.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			h.writeJSON(w, http.StatusNotFound, map[string]string{"error": "user not found"})
			return
		}
		h.logger.Warnw("load profile failed", "user_id", b.UserID, "err", err)
		h.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "load profile failed"})
		return
	}
	h.writeJSON(w, http.StatusOK, MeResponse{
		ID:        u.ID,
		Email:     u.Email,
		Name:      u.Name,
		Anonymous: u.IsAnonymous(),
		DeviceID:  b.DeviceID,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
