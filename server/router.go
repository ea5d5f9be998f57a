package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router with the forward-auth surface mounted
// under the path component of the public URL.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	r.Use(CacheControlMiddleware)
	r.Use(CORSMiddleware)

	r.Route(a.Config.BasePath(), func(r chi.Router) {
		r.Get("/validate", a.handleValidate)
		r.Get("/login", a.handleLogin)
		r.Get("/auth", a.handleAuth)
		r.Get("/health", a.handleHealth)
	})

	return r
}
