package httpapi

import (
	"net/http"

	"github.com/dmitrijs2005/roomies/internal/logging"
	"github.com/dmitrijs2005/roomies/internal/metrics"
	"github.com/gorilla/mux"
)

const collections = "{collection:users|households|tasks}"

// NewRouter wires the routes and middleware. Auth endpoints are rate limited
// by client address, the rest by user.
func NewRouter(h *Handlers, users TokenVerifier, limiter *RateLimiter, m *metrics.HTTP, log logging.Logger) http.Handler {
	r := mux.NewRouter()
	r.Use(RequestID, AccessLog(log, m), Recovery(log))

	r.HandleFunc("/healthz", Health).Methods(http.MethodGet)
	r.Handle("/metrics", m.Handler()).Methods(http.MethodGet)

	public := r.PathPrefix("/v1/auth").Subrouter()
	public.Use(limiter.Limit)
	public.HandleFunc("/signup", h.SignUp).Methods(http.MethodPost)
	public.HandleFunc("/signin", h.SignIn).Methods(http.MethodPost)
	public.HandleFunc("/refresh", h.Refresh).Methods(http.MethodPost)
	public.HandleFunc("/signout", h.SignOut).Methods(http.MethodPost)

	api := r.PathPrefix("/v1").Subrouter()
	api.Use(Auth(users, log), limiter.Limit)
	api.HandleFunc("/changes", h.Changes).Methods(http.MethodGet)
	api.HandleFunc("/realtime", h.Realtime).Methods(http.MethodGet)
	api.HandleFunc("/households/join", h.JoinHousehold).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}/attachments", h.CreateAttachment).Methods(http.MethodPost)
	api.HandleFunc("/"+collections, h.CreateEntity).Methods(http.MethodPost)
	api.HandleFunc("/"+collections+"/{id}", h.GetEntity).Methods(http.MethodGet)
	api.HandleFunc("/"+collections+"/{id}", h.UpdateEntity).Methods(http.MethodPut)
	api.HandleFunc("/"+collections+"/{id}", h.DeleteEntity).Methods(http.MethodDelete)

	return r
}
