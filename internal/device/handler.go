package device

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"
)

type Handler struct {
	svc    *Service
	tokens *TokenIssuer
	logger *zap.SugaredLogger
}

func NewHandler(svc *Service, tokens *TokenIssuer, logger *zap.SugaredLogger) *Handler {
	return &Handler{svc: svc, tokens: tokens, logger: logger}
}

// BootstrapResponse is returned on first launch and on every foreground.
type BootstrapResponse struct {
	UserID string `json:"user_id"`
	IsNew  bool   `json:"is_new"`
	Token  string `json:"token"`
}

// Bootstrap expects `Authorization: Device <deviceId>`. A device bound to a
// signed-in user gets 401 and must sign in again.
func (h *Handler) Bootstrap(w http.ResponseWriter, r *http.Request) {
	cred, ok := ParseCredential(r.Header.Get("Authorization"))
	if !ok || cred.Scheme != "device" {
		h.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "device credential required"})
		return
	}
	res, err := h.svc.AuthenticateDevice(r.Context(), cred.Value)
	if err != nil {
		if errors.Is(err, ErrDeviceIdentified) {
			h.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "device token required"})
			return
		}
		if errors.Is(err, ErrInvalidDeviceID) {
			h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid device id"})
			return
		}
		h.logger.Errorw("device bootstrap failed", "err", err)
		h.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "bootstrap failed"})
		return
	}
	deviceID, _ := NormalizeDeviceID(cred.Value)
	tok, err := h.tokens.Issue(deviceID, res.UserID)
	if err != nil {
		h.logger.Errorw("issue device token failed", "device_id", deviceID, "err", err)
		h.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "bootstrap failed"})
		return
	}
	status := http.StatusOK
	if res.IsNew {
		status = http.StatusCreated
	}
	h.writeJSON(w, status, BootstrapResponse{UserID: res.UserID, IsNew: res.IsNew, Token: tok})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
