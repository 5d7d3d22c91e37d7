package notification

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-parking-go/internal/device"
)

// Handler contains dependencies for handling push token endpoints.
type Handler struct {
	svc    *Service
	logger *zap.SugaredLogger
}

func NewHandler(svc *Service, logger *zap.SugaredLogger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

type RegisterPushTokenRequest struct {
	Token    string `json:"token"`
	Platform string `json:"platform"`
}

func (h *Handler) RegisterPushToken(w http.ResponseWriter, r *http.Request) {
	b, _ := device.BindingFromContext(r.Context())
	var req RegisterPushTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Debugw("invalid push token payload", "err", err)
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}
	t, err := h.svc.RegisterPushToken(r.Context(), b.UserID, req.Token, req.Platform)
	if err != nil {
		if errors.Is(err, ErrInvalidToken) {
			h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		h.logger.Warnw("register push token failed", "user_id", b.UserID, "err", err)
		h.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "register failed"})
		return
	}
	h.writeJSON(w, http.StatusOK, t)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
