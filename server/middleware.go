package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"datahub/roles"
	"datahub/session"
)

type requestIDKey struct{}
type sessionKey struct{}

// RequestIDMiddleware attaches a request ID for traceability.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" || len(reqID) > 64 {
			reqID = randomID()
		}
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, reqID))
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r)
	})
}

// LoggingMiddleware emits structured request logs using slog.
func LoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			// handlers further down publish the session here
			holder := &sessionHolder{}
			r = r.WithContext(context.WithValue(r.Context(), sessionKey{}, holder))
			next.ServeHTTP(rec, r)

			attrs := []any{
				"request_id", RequestIDFromContext(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_addr", r.RemoteAddr,
			}
			if sess := holder.sess; sess != nil {
				attrs = append(attrs, "user", sess.Claims.Username, "provider", sess.Provider)
			}
			logger.Info("http_request", attrs...)
		})
	}
}

// RecoveryMiddleware guards against panics.
func RecoveryMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic", "error", err, "path", r.URL.Path,
						"request_id", RequestIDFromContext(r.Context()))
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// SecurityHeadersMiddleware sets browser hardening headers and HSTS on TLS.
func SecurityHeadersMiddleware(hstsMaxAge int) func(http.Handler) http.Handler {
	hsts := "max-age=" + strconv.Itoa(hstsMaxAge) + "; includeSubDomains"
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Referrer-Policy", "same-origin")
			if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
				h.Set("Strict-Transport-Security", hsts)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireSession rejects requests without a live session. Sessions that
// carry a provider access token must still hold a usable one; otherwise the
// session is destroyed and the browser is sent back to the login page.
func (a *App) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		sess, err := a.Sessions.Load(ctx, r)
		if err != nil {
			a.Logger.Error("load session failed", "error", err)
			writeError(w, http.StatusInternalServerError, "session unavailable")
			return
		}
		if sess == nil {
			a.unauthenticated(w, r, "")
			return
		}
		if sess.Tokens.AccessToken != "" {
			if _, ok := a.Sessions.ValidAccessToken(ctx, sess); !ok {
				a.Logger.Info("session token no longer valid", "provider", sess.Provider, "user", sess.Claims.Username)
				if err := a.Sessions.Destroy(ctx, w, r); err != nil {
					a.Logger.Error("destroy session failed", "error", err)
				}
				a.unauthenticated(w, r, "Your session has expired. Please log in again.")
				return
			}
		}
		next.ServeHTTP(w, r.WithContext(withSession(ctx, sess)))
	})
}

// RequireRole allows the request when the session holds any of want.
// It must run after RequireSession.
func RequireRole(want ...roles.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess := SessionFromContext(r.Context())
			if sess == nil {
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}
			if !sess.Roles.HasAny(want...) {
				writeError(w, http.StatusForbidden, "insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// unauthenticated answers API callers with 401 and sends browsers to the
// login page, remembering where they were going.
func (a *App) unauthenticated(w http.ResponseWriter, r *http.Request, flash string) {
	if wantsJSON(r) {
		msg := flash
		if msg == "" {
			msg = "authentication required"
		}
		writeError(w, http.StatusUnauthorized, msg)
		return
	}
	if flash == "" {
		flash = "Please log in to access this page."
	}
	a.flash(w, r, session.FlashWarning, flash)

	target := loginPath
	if r.Method == http.MethodGet {
		if next := safeNext(r.URL.RequestURI()); next != "" {
			target += "?" + url.Values{"next": {next}}.Encode()
		}
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// RequestIDFromContext extracts the request ID.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}

// SessionFromContext returns the session stored by RequireSession.
func SessionFromContext(ctx context.Context) *session.Session {
	if h, ok := ctx.Value(sessionKey{}).(*sessionHolder); ok {
		return h.sess
	}
	return nil
}

type sessionHolder struct {
	sess *session.Session
}

func withSession(ctx context.Context, sess *session.Session) context.Context {
	if h, ok := ctx.Value(sessionKey{}).(*sessionHolder); ok {
		h.sess = sess
		return ctx
	}
	return context.WithValue(ctx, sessionKey{}, &sessionHolder{sess: sess})
}

func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json") ||
		strings.HasPrefix(r.Header.Get("Content-Type"), "application/json")
}

type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "00000000"
	}
	return hex.EncodeToString(buf)
}
