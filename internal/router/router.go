package router

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-parking-go/internal/device"
	"github.com/ovaphlow/pitchfork/service-parking-go/internal/identity"
	"github.com/ovaphlow/pitchfork/service-parking-go/internal/notification"
	"github.com/ovaphlow/pitchfork/service-parking-go/internal/user"
	"github.com/ovaphlow/pitchfork/service-parking-go/internal/vehicle"
)

// loggingResponseWriter wraps http.ResponseWriter to capture status and size.
type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	size   int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.status = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Write(b []byte) (int, error) {
	if lrw.status == 0 {
		lrw.status = http.StatusOK
	}
	n, err := lrw.ResponseWriter.Write(b)
	lrw.size += n
	return n, err
}

// LoggingMiddleware logs one line per request. Server errors are logged at
// warn level, everything else at debug.
func LoggingMiddleware(logger *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			lrw := &loggingResponseWriter{ResponseWriter: w}
			next.ServeHTTP(lrw, r)
			status := lrw.status
			if status == 0 {
				status = http.StatusOK
			}
			log := logger.Debugw
			if status >= http.StatusInternalServerError {
				log = logger.Warnw
			}
			log("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"remote", r.RemoteAddr,
				"status", status,
				"duration_ms", float64(time.Since(start).Microseconds())/1000.0,
				"size", lrw.size,
			)
		})
	}
}

// SecurityHeadersMiddleware sets headers suited to a JSON API whose responses
// may carry device tokens.
func SecurityHeadersMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "no-referrer")
			w.Header().Set("Cache-Control", "no-store")
			w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			if r.TLS != nil {
				w.Header().Set("Strict-Transport-Security", "max-age=2592000; includeSubDomains")
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Handlers groups the HTTP handlers mounted by RegisterRoutes.
type Handlers struct {
	Auth         *device.Authenticator
	Device       *device.Handler
	Identity     *identity.Handler
	User         *user.Handler
	Vehicle      *vehicle.Handler
	Notification *notification.Handler
}

// RegisterRoutes mounts HTTP handlers using the standard library's http.ServeMux.
func RegisterRoutes(logger *zap.SugaredLogger, h Handlers) http.Handler {
	mux := http.NewServeMux()

	// health
	mux.HandleFunc("GET /parking-api/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// first contact and sign-in
	mux.HandleFunc("POST /parking-api/device/bootstrap", h.Device.Bootstrap)
	mux.HandleFunc("POST /parking-api/auth/oauth/callback", h.Identity.Callback)

	// device-authenticated routes
	authed := func(fn http.HandlerFunc) http.Handler { return h.Auth.Middleware(fn) }
	mux.Handle("GET /parking-api/me", authed(h.User.Me))
	mux.Handle("GET /parking-api/vehicles", authed(h.Vehicle.List))
	mux.Handle("POST /parking-api/vehicles", authed(h.Vehicle.Add))
	mux.Handle("POST /parking-api/vehicles/{registration}/tickets", authed(h.Vehicle.AddTicket))
	mux.Handle("POST /parking-api/push-tokens", authed(h.Notification.RegisterPushToken))

	// wrap with security headers middleware then logging middleware
	handler := LoggingMiddleware(logger)(SecurityHeadersMiddleware()(mux))
	return handler
}
