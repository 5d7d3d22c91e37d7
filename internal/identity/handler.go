package identity

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"os"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-parking-go/internal/device"
	"github.com/ovaphlow/pitchfork/service-parking-go/internal/merge"
)

const callbackSecretHeader = "X-Callback-Secret"

// CallbackSecretFromEnv reads OAUTH_CALLBACK_SECRET; empty disables the check.
func CallbackSecretFromEnv() string {
	return os.Getenv("OAUTH_CALLBACK_SECRET")
}

// Handler serves the OAuth callback posted by the sign-in front end once the
// identity provider has vouched for the email.
type Handler struct {
	resolver *Resolver
	tokens   *device.TokenIssuer
	secret   string
	logger   *zap.SugaredLogger
}

func NewHandler(resolver *Resolver, tokens *device.TokenIssuer, secret string, logger *zap.SugaredLogger) *Handler {
	return &Handler{resolver: resolver, tokens: tokens, secret: secret, logger: logger}
}

type CallbackResponse struct {
	UserID    string `json:"user_id"`
	IsNewUser bool   `json:"is_new_user"`
	WasMerged bool   `json:"was_merged"`
	// Token is a fresh device token bound to UserID when a device id was sent.
	Token string `json:"token,omitempty"`
}

func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	if h.secret != "" && !ConstantTimeCompare(r.Header.Get(callbackSecretHeader), h.secret) {
		h.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Debugw("invalid oauth callback payload", "err", err)
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}
	if req.DeviceID != "" {
		id, err := device.NormalizeDeviceID(req.DeviceID)
		if err != nil {
			h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid device id"})
			return
		}
		req.DeviceID = id
	}

	res, err := h.resolver.Resolve(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidEmail):
			h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid email"})
		case errors.Is(err, merge.ErrMergeAborted):
			h.logger.Errorw("sign-in merge aborted", "device_id", req.DeviceID, "err", err)
			w.Header().Set("Retry-After", "5")
			h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "merge aborted, retry"})
		default:
			h.logger.Errorw("sign-in resolution failed", "device_id", req.DeviceID, "err", err)
			h.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "sign-in failed"})
		}
		return
	}

	out := CallbackResponse{UserID: res.UserID, IsNewUser: res.IsNewUser, WasMerged: res.WasMerged}
	if req.DeviceID != "" {
		tok, err := h.tokens.Issue(req.DeviceID, res.UserID)
		if err != nil {
			h.logger.Errorw("issue device token failed", "device_id", req.DeviceID, "err", err)
			h.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "sign-in failed"})
			return
		}
		out.Token = tok
	}
	h.writeJSON(w, http.StatusOK, out)
}

// ConstantTimeCompare compares secrets in constant time.
func ConstantTimeCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
