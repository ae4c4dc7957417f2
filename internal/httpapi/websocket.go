package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"call_dashboard/internal/hub"
)

const (
	pingWriteWait = 5 * time.Second
	maxViewerMsg  = 4 << 10
)

// Viewers carry no credentials; any origin may connect.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// viewer upgrades the request, subscribes the connection with a snapshot of
// the current calls and then only reads, so that a closed peer is noticed
// promptly and unsubscribed.
func (r *Router) viewer(w http.ResponseWriter, req *http.Request) {
	ws, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	conn := hub.NewWebsocketConn(ws)
	// the ledger is read before subscribing so a slow disk never holds up publishes
	dispositions := r.dispositionSnapshot()
	snapshot := func() []hub.Message {
		return append(r.activeSnapshot(), dispositions...)
	}
	if err := r.d.Hub.Subscribe(conn, snapshot); err != nil {
		log.Warn().Err(err).Msg("viewer rejected")
		_ = conn.Close()
		return
	}
	defer r.d.Hub.Unsubscribe(conn.ID())

	pongWait := 2 * r.d.PingInterval
	ws.SetReadLimit(maxViewerMsg)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go r.keepalive(conn, done)

	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Str("conn_id", conn.ID()).Msg("viewer read ended")
			}
			return
		}
	}
}

func (r *Router) keepalive(conn *hub.WebsocketConn, done <-chan struct{}) {
	ticker := time.NewTicker(r.d.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.Ping(pingWriteWait); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

// activeSnapshot is what a new viewer sees first: one update per active call.
func (r *Router) activeSnapshot() []hub.Message {
	active := r.d.Registry.ListActive()
	out := make([]hub.Message, 0, len(active)+1)
	for _, c := range active {
		out = append(out, hub.CallUpdate(c))
	}
	return out
}

func (r *Router) dispositionSnapshot() []hub.Message {
	l, err := r.d.Leads.GetAll()
	if err != nil {
		log.Warn().Err(err).Msg("dispositions left out of viewer snapshot")
		return nil
	}
	return []hub.Message{hub.DispositionSnapshot(l)}
}
