package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"datahub/roles"
)

// Routes constructs the HTTP router with all authentication endpoints.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	if a.Config.Server.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	if len(a.Config.Server.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   a.Config.Server.CORSOrigins,
			AllowedMethods:   DefaultCORSAllowedMethods,
			AllowedHeaders:   DefaultCORSAllowedHeaders,
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))
	}

	r.Get("/healthz", a.handleHealth)

	r.Route("/auth", func(r chi.Router) {
		r.Get("/login", a.handleLoginPage)
		r.Get("/login/{provider}", a.handleLogin)
		r.Get("/callback/{provider}", a.handleCallback)

		r.Get("/logout", a.handleLogout)
		r.Post("/logout", a.handleLogout)

		r.Get("/user-info", a.handleUserInfo)
		r.Get("/status", a.handleStatus)
		r.Get("/debug/session", a.handleDebugSession)

		r.With(a.RequireSession).Get("/profile", a.handleProfile)

		if a.Config.Auth.Basic.Enabled {
			r.Route("/basic", func(r chi.Router) {
				r.Get("/login", a.handleBasicLoginPage)
				r.Post("/login", a.handleBasicLogin)
				r.Get("/api-login", a.handleBasicAPILogin)

				r.Group(func(r chi.Router) {
					r.Use(a.RequireSession)
					r.Post("/change-password", a.handleChangePassword)
					r.With(RequireRole(roles.Admin)).Post("/admin/users", a.handleCreateUser)
				})
			})
		}
	})

	return r
}
