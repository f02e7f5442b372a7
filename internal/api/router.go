package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/kalendae/internal/calendar"
)

// NewRouter creates a chi router with all API routes mounted.
// streamHandler, if non-nil, is mounted at GET /stream inside the auth
// group.
func NewRouter(svc *calendar.Service, auth Auth, streamHandler http.Handler) chi.Router {
	h := NewHandler(svc)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(auth))

	// Events.
	r.Get("/events", h.GetByKey)
	r.Post("/events", h.AddEvent)
	r.Get("/events/{id}", h.GetEvent)
	r.Put("/events/{id}", h.UpdateEvent)
	r.Delete("/events/{id}", h.DeleteEvent)
	r.Post("/events/{id}/move", h.MoveEvent)
	r.Delete("/events/{id}/occurrences/{rid}", h.DeleteOccurrence)

	// Queries.
	r.Get("/range", h.GetByRange)
	r.Get("/sync", h.GetSince)
	r.Get("/freebusy", h.FreeBusy)

	// iCalendar interchange.
	r.Post("/import", h.Import)

	// Maintenance.
	r.Post("/tombstones/purge", h.PurgeTombstones)

	if streamHandler != nil {
		r.Get("/stream", streamHandler.ServeHTTP)
	}

	return r
}
