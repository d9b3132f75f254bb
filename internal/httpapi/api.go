// Package httpapi exposes the command ingress and the dashboard status
// endpoint. Commands follow the envelope contract: one JSON body in, one
// {status,msg} reply out, always.
package httpapi

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/agrinet/greenhouse-core/internal/domain"
	"github.com/agrinet/greenhouse-core/internal/fleet"
	"github.com/agrinet/greenhouse-core/internal/nursery"
	"github.com/agrinet/greenhouse-core/internal/router"
)

// StatusSnapshot is the dashboard view of the whole site.
type StatusSnapshot struct {
	Devices     []domain.DeviceSnapshot             `json:"devices"`
	Controllers map[string]nursery.ControllerStatus `json:"controllers"`
	QueueSize   int                                 `json:"queue_size"`
}

// BuildSnapshot assembles the current status from the live managers.
func BuildSnapshot(f *fleet.Dispatcher, n *nursery.Manager) StatusSnapshot {
	devices, queueSize := f.Snapshot()
	return StatusSnapshot{
		Devices:     devices,
		Controllers: n.Snapshot(),
		QueueSize:   queueSize,
	}
}

// API serves the HTTP surface of the control server.
type API struct {
	router  *router.Router
	fleet   *fleet.Dispatcher
	nursery *nursery.Manager
	logger  *slog.Logger
}

// New constructs the API handler set.
func New(r *router.Router, f *fleet.Dispatcher, n *nursery.Manager, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{router: r, fleet: f, nursery: n, logger: logger}
}

// Routes builds the chi router for the API.
func (a *API) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(RequestLogger(a.logger))
	r.Use(MaxBodySize(1 << 20)) // 1MB limit

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/command", a.handleCommand)
		r.Get("/status", a.handleStatus)
	})
	return r
}

// handleCommand feeds the body to the message router and writes the single
// structured reply. The HTTP status is always 200: the contract lives in
// the reply body, and the router never lets a fault escape.
func (a *API) handleCommand(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusOK, router.Reply{Status: router.StatusFail, Msg: "failed to read request body"})
		return
	}
	reply := a.router.RouteCommand(r.Context(), body)
	writeJSON(w, http.StatusOK, reply)
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, BuildSnapshot(a.fleet, a.nursery))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
