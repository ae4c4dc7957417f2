package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"call_dashboard/internal/metrics"
)

var (
	ErrClosed        = errors.New("hub closed")
	ErrDuplicateConn = errors.New("connection already subscribed")
)

// Conn is one live viewer. Send must honour the context deadline. Close may
// be called more than once.
type Conn interface {
	ID() string
	Send(ctx context.Context, data []byte) error
	Close() error
}

const (
	defaultSendBuffer  = 64
	defaultSendTimeout = 5 * time.Second

	reasonUnsubscribed = "unsubscribed"
	reasonSendFailed   = "send_failed"
	reasonSlow         = "slow"
	reasonShutdown     = "shutdown"
)

type Config struct {
	// SendBuffer is the per-viewer mailbox size. A viewer whose mailbox is
	// full when a message is published is treated as dead.
	SendBuffer int
	// SendTimeout bounds one write to one viewer.
	SendTimeout time.Duration
}

// Hub fans published messages out to every subscribed viewer. Each viewer
// has its own mailbox and writer goroutine, so a slow viewer never holds up
// Publish or the other viewers.
type Hub struct {
	cfg     Config
	metrics *metrics.Metrics

	// pubMu orders publishes against each other and against the initial
	// snapshot taken in Subscribe.
	pubMu sync.Mutex

	mu     sync.RWMutex
	subs   map[string]*subscriber
	closed bool

	wg sync.WaitGroup
}

type subscriber struct {
	conn    Conn
	mailbox chan []byte
	done    chan struct{}
	once    sync.Once
}

func (s *subscriber) stop() bool {
	stopped := false
	s.once.Do(func() {
		close(s.done)
		stopped = true
	})
	return stopped
}

func New(cfg Config, m *metrics.Metrics) *Hub {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	return &Hub{cfg: cfg, metrics: m, subs: make(map[string]*subscriber)}
}

// Subscribe registers conn. Messages returned by snapshot are queued ahead of
// anything published after registration; snapshot runs while publishes are
// held off, so nothing falls between the two. snapshot may be nil.
func (h *Hub) Subscribe(conn Conn, snapshot func() []Message) error {
	h.pubMu.Lock()
	defer h.pubMu.Unlock()

	var initial []Message
	if snapshot != nil {
		initial = snapshot()
	}
	s := &subscriber{
		conn:    conn,
		mailbox: make(chan []byte, h.cfg.SendBuffer+len(initial)),
		done:    make(chan struct{}),
	}
	for _, msg := range initial {
		data, err := msg.Encode()
		if err != nil {
			return fmt.Errorf("encode snapshot: %w", err)
		}
		s.mailbox <- data
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	if _, ok := h.subs[conn.ID()]; ok {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateConn, conn.ID())
	}
	h.subs[conn.ID()] = s
	h.wg.Add(1)
	h.mu.Unlock()

	h.metrics.ViewerAdded()
	log.Debug().Str("conn_id", conn.ID()).Int("snapshot", len(initial)).Msg("viewer subscribed")
	go h.pump(s)
	return nil
}

// Unsubscribe removes the viewer with id and closes its connection. It is
// idempotent and safe to call while a publish is in flight.
func (h *Hub) Unsubscribe(id string) bool {
	h.mu.RLock()
	s := h.subs[id]
	h.mu.RUnlock()
	if s == nil {
		return false
	}
	return h.remove(s, reasonUnsubscribed)
}

func (h *Hub) remove(s *subscriber, reason string) bool {
	h.mu.Lock()
	if cur, ok := h.subs[s.conn.ID()]; ok && cur == s {
		delete(h.subs, s.conn.ID())
	}
	h.mu.Unlock()
	if !s.stop() {
		return false
	}
	h.metrics.ViewerRemoved(reason)
	log.Debug().Str("conn_id", s.conn.ID()).Str("reason", reason).Msg("viewer removed")
	return true
}

// Publish queues msg for every viewer subscribed at the time of the call and
// returns how many accepted it. It never blocks on a viewer.
func (h *Hub) Publish(msg Message) int {
	data, err := msg.Encode()
	if err != nil {
		log.Error().Err(err).Str("type", string(msg.Type)).Msg("encode broadcast")
		return 0
	}

	h.pubMu.Lock()
	defer h.pubMu.Unlock()

	h.mu.RLock()
	targets := make([]*subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, s := range targets {
		select {
		case <-s.done:
			continue
		default:
		}
		select {
		case s.mailbox <- data:
			delivered++
		default:
			h.remove(s, reasonSlow)
		}
	}
	h.metrics.RecordPublish(string(msg.Type))
	return delivered
}

func (h *Hub) pump(s *subscriber) {
	defer h.wg.Done()
	defer s.conn.Close()
	for {
		select {
		case <-s.done:
			return
		case data := <-s.mailbox:
			select {
			case <-s.done:
				return
			default:
			}
			ctx, cancel := context.WithTimeout(context.Background(), h.cfg.SendTimeout)
			err := s.conn.Send(ctx, data)
			cancel()
			if err != nil {
				log.Debug().Err(err).Str("conn_id", s.conn.ID()).Msg("viewer send failed")
				h.remove(s, reasonSendFailed)
				return
			}
		}
	}
}

// Count reports subscribed viewers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close removes every viewer and waits for their writers to exit or ctx to end.
// Subscribe fails after Close.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	all := make([]*subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		all = append(all, s)
	}
	h.mu.Unlock()

	for _, s := range all {
		h.remove(s, reasonShutdown)
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
