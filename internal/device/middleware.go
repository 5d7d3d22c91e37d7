package device

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-parking-go/pkg/database"
)

type bindingContextKey struct{}

// BindingFromContext extracts the authenticated device binding.
func BindingFromContext(ctx context.Context) (*Binding, bool) {
	b, ok := ctx.Value(bindingContextKey{}).(*Binding)
	return b, ok
}

func WithBinding(ctx context.Context, b *Binding) context.Context {
	return context.WithValue(ctx, bindingContextKey{}, b)
}

// Credential is a parsed Authorization header.
type Credential struct {
	Scheme string // "bearer" or "device"
	Value  string
}

// ParseCredential accepts `Bearer <token>` and `Device <deviceId>`.
func ParseCredential(header string) (Credential, bool) {
	scheme, value, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok {
		return Credential{}, false
	}
	scheme = strings.ToLower(scheme)
	value = strings.TrimSpace(value)
	if value == "" || (scheme != "bearer" && scheme != "device") {
		return Credential{}, false
	}
	return Credential{Scheme: scheme, Value: value}, true
}

// Authenticator resolves the Authorization header to a device binding.
type Authenticator struct {
	tokens *TokenIssuer
	svc    *Service
	logger *zap.SugaredLogger
}

func NewAuthenticator(tokens *TokenIssuer, svc *Service, logger *zap.SugaredLogger) *Authenticator {
	return &Authenticator{tokens: tokens, svc: svc, logger: logger}
}

// Authenticate verifies a bearer token against the device's current owner,
// or bootstraps a bare device identifier that is not yet bound to a signed-in
// user.
func (a *Authenticator) Authenticate(ctx context.Context, header string) (*Binding, error) {
	cred, ok := ParseCredential(header)
	if !ok {
		return nil, ErrInvalidCredential
	}
	if cred.Scheme == "device" {
		res, err := a.svc.AuthenticateDevice(ctx, cred.Value)
		if errors.Is(err, ErrDeviceIdentified) {
			return nil, ErrInvalidCredential
		}
		if err != nil {
			return nil, err
		}
		return &Binding{DeviceID: cred.Value, UserID: res.UserID}, nil
	}
	b, err := a.tokens.Verify(cred.Value)
	if err != nil {
		return nil, err
	}
	// A token outlives hand-offs and merges; the session is authoritative.
	owner, err := a.svc.CurrentOwner(ctx, b.DeviceID)
	if errors.Is(err, database.ErrNotFound) || (err == nil && owner != b.UserID) {
		return nil, ErrInvalidCredential
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Middleware rejects requests without a valid device credential.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, err := a.Authenticate(r.Context(), r.Header.Get("Authorization"))
		if err != nil {
			status, code := http.StatusUnauthorized, "invalid_credential"
			switch {
			case errors.Is(err, ErrInvalidCredential):
			case errors.Is(err, ErrInvalidDeviceID):
				status, code = http.StatusBadRequest, "invalid_device_id"
			default:
				a.logger.Errorw("device authentication failed", "err", err)
				status, code = http.StatusInternalServerError, "server_error"
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":"` + code + `"}`))
			return
		}
		next.ServeHTTP(w, r.WithContext(WithBinding(r.Context(), b)))
	})
}
