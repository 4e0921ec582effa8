// Package www serves the management HTTP API: gateway status, the node
// table, firmware update control, flash read-back, and a server-sent event
// stream of gateway activity.
package www

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"meshgate/config"
	"meshgate/events"
	"meshgate/flash"
	"meshgate/registry"
	"meshgate/update"
)

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	cfg      *config.Config
	reg      *registry.Registry
	orch     *update.Orchestrator
	flash    *flash.Manager
	eventHub *EventHub
	started  time.Time
	bootNote string
}

// NewRouter creates the chi router and returns it along with a stop
// function. bootNote is the bootloader's startup report, surfaced in the
// status payload.
func NewRouter(cfg *config.Config, reg *registry.Registry, orch *update.Orchestrator, fm *flash.Manager, bus *events.Bus, bootNote string) (http.Handler, func()) {
	h := &Handlers{
		cfg:      cfg,
		reg:      reg,
		orch:     orch,
		flash:    fm,
		eventHub: NewEventHub(),
		started:  time.Now(),
		bootNote: bootNote,
	}

	h.eventHub.Start()
	h.eventHub.SetupBusListeners(bus)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	r.Group(func(r chi.Router) {
		r.Use(h.requireToken)

		r.Get("/api/status", h.handleStatus)
		r.Get("/api/nodes", h.handleNodes)

		r.Get("/api/update", h.handleUpdateStatus)
		r.Post("/api/update/begin", h.handleUpdateBegin)
		r.Post("/api/update/chunk", h.handleUpdateChunk)
		r.Post("/api/update/finalize", h.handleUpdateFinalize)
		r.Post("/api/update/cancel", h.handleUpdateCancel)

		r.Get("/api/flash/read", h.handleFlashRead)

		r.Get("/events", h.eventHub.HandleSSE)
	})

	stop := func() {
		h.eventHub.Stop()
	}
	return r, stop
}

// requireToken enforces bearer-token auth when a token is configured.
func (h *Handlers) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := h.cfg.Web.AuthToken
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if got == "" {
			// SSE clients can't set headers from EventSource.
			got = r.URL.Query().Get("token")
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid or missing token")
			return
		}
		next.ServeHTTP(w, r)
	})
}
