package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"call_dashboard/internal/bridge"
	"call_dashboard/internal/calls"
	"call_dashboard/internal/config"
	"call_dashboard/internal/events"
	"call_dashboard/internal/httpapi"
	"call_dashboard/internal/hub"
	"call_dashboard/internal/leads"
	"call_dashboard/internal/metrics"
	"call_dashboard/internal/provider"
	"call_dashboard/internal/store"
	"call_dashboard/internal/watch"
	"call_dashboard/queue"
)

const shutdownTimeout = 10 * time.Second

// App wires the dashboard components together.
type App struct {
	cfg      config.Config
	leads    *leads.Store
	archive  *store.Store
	metrics  *metrics.Metrics
	registry *calls.Registry
	hub      *hub.Hub
	bus      *events.Bus
	queue    *queue.Queue
	bridge   *bridge.Bridge
	router   *httpapi.Router
}

func New(cfg config.Config) (*App, error) {
	ls, err := leads.Open(cfg.LeadsPath)
	if err != nil {
		return nil, err
	}
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	m := metrics.New("")
	reg := calls.NewRegistry(cfg.HistorySize)
	h := hub.New(hub.Config{SendBuffer: cfg.SendBuffer, SendTimeout: cfg.SendTimeout}, m)
	bus := events.NewBus(cfg.EventBuffer)
	q := queue.New(cfg.Archive.QueueSize, cfg.Archive.Workers, cfg.Archive.Timeout)
	archiver := &bridge.QueueArchiver{Queue: q, Saver: db, Metrics: m}
	pc := provider.New(provider.Config{
		BaseURL: cfg.Provider.BaseURL,
		APIKey:  cfg.Provider.APIKey,
		Version: cfg.Provider.Version,
		AgentID: cfg.Provider.AgentID,
	})
	if !pc.Configured() {
		log.Warn().Msg("CARTESIA_API_KEY not set, call-data endpoints will answer 503")
	}

	a := &App{
		cfg:      cfg,
		leads:    ls,
		archive:  db,
		metrics:  m,
		registry: reg,
		hub:      h,
		bus:      bus,
		queue:    q,
		bridge:   bridge.New(reg, h, archiver, m),
	}
	a.router = httpapi.NewRouter(httpapi.Deps{
		Registry:     reg,
		Hub:          h,
		Bus:          bus,
		Leads:        ls,
		Archive:      db,
		Provider:     pc,
		Queue:        q,
		Metrics:      m,
		PingInterval: cfg.WSPingInterval,
	})
	return a, nil
}

func (a *App) Handler() http.Handler { return a.router }

// Run serves until ctx ends and then shuts down in dependency order: no new
// requests, drain events, drop viewers, finish archive writes, close storage.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.HTTPPort)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.HTTPPort, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	// archive writes must outlive ctx so that Stop can drain them
	a.queue.Start(context.WithoutCancel(ctx))

	bridgeDone := make(chan struct{})
	go func() {
		defer close(bridgeDone)
		// the bridge exits once the bus is closed and drained
		_ = a.bridge.Run(context.WithoutCancel(ctx), a.bus.Events())
	}()

	if a.cfg.WatchLeads {
		w := watch.New(a.leads.Path(), 0, a.publishDispositions)
		if err := w.Start(ctx); err != nil {
			log.Warn().Err(err).Str("path", a.leads.Path()).Msg("leads watcher disabled")
		}
	}

	srv := &http.Server{Handler: a.router, ReadHeaderTimeout: 10 * time.Second}
	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", ln.Addr().String()).Msg("http listening")
		serveErr <- srv.Serve(ln)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = err
		}
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	log.Info().Msg("shutting down")
	// viewer sockets are hijacked and not tracked by Shutdown; hub.Close ends them
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	a.bus.Close()
	select {
	case <-bridgeDone:
	case <-sctx.Done():
		log.Warn().Msg("bridge did not drain before shutdown deadline")
	}
	if err := a.hub.Close(sctx); err != nil {
		log.Warn().Err(err).Msg("hub close")
	}
	if err := a.queue.Stop(sctx); err != nil {
		log.Warn().Err(err).Msg("archive queue")
	}
	if err := a.archive.Close(); err != nil {
		log.Warn().Err(err).Msg("archive close")
	}
	return runErr
}

func (a *App) publishDispositions() {
	l, err := a.leads.GetAll()
	if err != nil {
		log.Warn().Err(err).Msg("leads file changed but could not be read")
		return
	}
	n := a.hub.Publish(hub.DispositionSnapshot(l))
	log.Debug().Int("viewers", n).Msg("disposition snapshot published")
}
