package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"call_dashboard/internal/calls"
	"call_dashboard/internal/events"
	"call_dashboard/internal/hub"
	"call_dashboard/internal/leads"
	"call_dashboard/internal/metrics"
	"call_dashboard/internal/provider"
	"call_dashboard/internal/store"
	"call_dashboard/queue"
)

const (
	maxEventBody        = 1 << 20
	defaultCallsLimit   = 25
	maxCallsLimit       = 100
	defaultHistoryLimit = 50
)

// CallData is the historical call-data provider.
type CallData interface {
	Configured() bool
	ListCalls(ctx context.Context, opts provider.ListOptions) (json.RawMessage, error)
	GetCall(ctx context.Context, callID string) (json.RawMessage, error)
	StreamAudio(ctx context.Context, callID string) (io.ReadCloser, string, error)
}

// Archive is the durable store of completed calls.
type Archive interface {
	RecentCalls(ctx context.Context, limit int) ([]store.ArchivedCall, error)
	Count(ctx context.Context) (int, error)
	Health(ctx context.Context) error
}

// Dispositions is the operator accept/decline ledger.
type Dispositions interface {
	GetAll() (leads.Ledger, error)
	Accept(callID string) error
	Decline(callID string) error
	Health() error
}

// Deps are the components the transport layer fronts. Archive, Provider,
// Queue and Metrics may be nil.
type Deps struct {
	Registry     *calls.Registry
	Hub          *hub.Hub
	Bus          *events.Bus
	Leads        Dispositions
	Archive      Archive
	Provider     CallData
	Queue        *queue.Queue
	Metrics      *metrics.Metrics
	PingInterval time.Duration
}

// Router serves the dashboard API, the viewer websocket and ops endpoints.
type Router struct {
	d   Deps
	mux *chi.Mux
}

func NewRouter(d Deps) *Router {
	if d.PingInterval <= 0 {
		d.PingInterval = 20 * time.Second
	}
	r := &Router{d: d, mux: chi.NewRouter()}
	r.routes()
	return r
}

func (r *Router) routes() {
	r.mux.Use(middleware.Recoverer)

	r.mux.Get("/ws", r.viewer)

	r.mux.Group(func(api chi.Router) {
		api.Use(middleware.Logger)

		api.Post("/api/events", r.ingest)

		api.Get("/api/leads", r.leadsAll)
		api.Post("/api/calls/{id}/accept", r.dispose(leads.Accepted))
		api.Post("/api/calls/{id}/decline", r.dispose(leads.Declined))

		api.Get("/api/calls", r.providerCalls)
		api.Get("/api/calls/{id}", r.providerCall)
		api.Get("/api/calls/{id}/audio", r.providerAudio)

		api.Get("/api/active", r.active)
		api.Get("/api/active/{id}", r.activeCall)
		api.Get("/api/history", r.history)

		api.Get("/ops/health", r.health)
		api.Get("/ops/status", r.status)
	})
	r.mux.Handle("/metrics", r.d.Metrics.Handler())
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) ingest(w http.ResponseWriter, req *http.Request) {
	ev, err := events.Decode(io.LimitReader(req.Body, maxEventBody), time.Now())
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := ev.Validate(); err != nil && !errors.Is(err, events.ErrUnknownKind) {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := r.d.Bus.Publish(req.Context(), ev); err != nil {
		log.Warn().Err(err).Str("call_id", ev.CallID).Msg("event not queued")
		respondError(w, http.StatusServiceUnavailable, "event bus unavailable")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (r *Router) leadsAll(w http.ResponseWriter, req *http.Request) {
	l, err := r.d.Leads.GetAll()
	if err != nil {
		log.Error().Err(err).Msg("read dispositions")
		respondError(w, http.StatusServiceUnavailable, "disposition storage unavailable")
		return
	}
	respondJSON(w, l)
}

func (r *Router) dispose(d leads.Disposition) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		callID := chi.URLParam(req, "id")
		var err error
		if d == leads.Accepted {
			err = r.d.Leads.Accept(callID)
		} else {
			err = r.d.Leads.Decline(callID)
		}
		r.d.Metrics.RecordDisposition(string(d), err)
		switch {
		case errors.Is(err, leads.ErrEmptyCallID):
			respondError(w, http.StatusBadRequest, err.Error())
			return
		case err != nil:
			log.Error().Err(err).Str("call_id", callID).Str("disposition", string(d)).Msg("record disposition")
			respondError(w, http.StatusServiceUnavailable, "disposition storage unavailable")
			return
		}
		r.d.Hub.Publish(hub.DispositionUpdate(callID, d))
		w.WriteHeader(http.StatusNoContent)
	}
}

func (r *Router) active(w http.ResponseWriter, req *http.Request) {
	respondJSON(w, r.d.Registry.ListActive())
}

func (r *Router) activeCall(w http.ResponseWriter, req *http.Request) {
	c, ok := r.d.Registry.Get(chi.URLParam(req, "id"))
	if !ok {
		respondError(w, http.StatusNotFound, calls.ErrUnknownCall.Error())
		return
	}
	respondJSON(w, c)
}

// history serves the in-memory buffer first and tops it up from the archive.
func (r *Router) history(w http.ResponseWriter, req *http.Request) {
	limit, ok := parseLimit(w, req, defaultHistoryLimit, 1000)
	if !ok {
		return
	}
	out := r.d.Registry.History(limit)
	if len(out) < limit && r.d.Archive != nil {
		seen := make(map[string]bool, len(out))
		for _, c := range out {
			seen[historyKey(c)] = true
		}
		archived, err := r.d.Archive.RecentCalls(req.Context(), limit)
		if err != nil {
			log.Warn().Err(err).Msg("archive read failed, serving in-memory history only")
		}
		for _, a := range archived {
			if len(out) >= limit {
				break
			}
			if !seen[historyKey(a.CallState)] {
				out = append(out, a.CallState)
			}
		}
	}
	respondJSON(w, out)
}

func historyKey(c calls.CallState) string {
	return c.CallID + "|" + c.StartTime.UTC().Format(time.RFC3339Nano)
}

func (r *Router) health(w http.ResponseWriter, req *http.Request) {
	if r.d.Archive != nil {
		if err := r.d.Archive.Health(req.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	if err := r.d.Leads.Health(); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) status(w http.ResponseWriter, req *http.Request) {
	active, completed := r.d.Registry.Counts()
	body := map[string]any{
		"active_calls":   active,
		"history":        completed,
		"viewers":        r.d.Hub.Count(),
		"events_pending": r.d.Bus.Len(),
	}
	if r.d.Queue != nil {
		body["archive_queue"] = r.d.Queue.Stats()
	}
	if r.d.Archive != nil {
		if n, err := r.d.Archive.Count(req.Context()); err == nil {
			body["archived_calls"] = n
		} else {
			log.Warn().Err(err).Msg("count archived calls")
		}
	}
	respondJSON(w, body)
}

func parseLimit(w http.ResponseWriter, req *http.Request, def, max int) (int, bool) {
	raw := req.URL.Query().Get("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > max {
		respondError(w, http.StatusBadRequest, "limit must be between 1 and "+strconv.Itoa(max))
		return 0, false
	}
	return n, true
}

func respondJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Warn().Err(err).Msg("write json")
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
