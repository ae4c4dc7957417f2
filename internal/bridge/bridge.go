package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"call_dashboard/internal/calls"
	"call_dashboard/internal/events"
	"call_dashboard/internal/hub"
	"call_dashboard/internal/metrics"
)

// Publisher receives every state change produced by the bridge.
type Publisher interface {
	Publish(msg hub.Message) int
}

// Archiver takes final call snapshots. It must not block.
type Archiver interface {
	Archive(c calls.CallState)
}

// Bridge applies inbound voice-agent events to the registry and publishes the
// resulting call snapshot. Events are applied strictly in arrival order.
type Bridge struct {
	reg      *calls.Registry
	pub      Publisher
	archiver Archiver
	metrics  *metrics.Metrics
}

// New builds a bridge. archiver and m may be nil.
func New(reg *calls.Registry, pub Publisher, archiver Archiver, m *metrics.Metrics) *Bridge {
	return &Bridge{reg: reg, pub: pub, archiver: archiver, metrics: m}
}

// Run consumes in until it is closed or ctx ends. A bad event is logged and
// skipped; it never stops the loop.
func (b *Bridge) Run(ctx context.Context, in <-chan events.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-in:
			if !ok {
				log.Info().Msg("event stream closed, bridge stopping")
				return nil
			}
			b.apply(ev)
		}
	}
}

func (b *Bridge) apply(ev events.Event) {
	err := b.Handle(ev)
	switch {
	case err == nil:
		b.metrics.RecordEvent(string(ev.Kind), "applied")
	case errors.Is(err, events.ErrUnknownKind):
		b.metrics.RecordEvent("unknown", "ignored")
		log.Warn().Str("kind", string(ev.Kind)).Str("call_id", ev.CallID).Msg("ignoring unrecognized event kind")
	default:
		b.metrics.RecordEvent(string(ev.Kind), "dropped")
		log.Warn().Err(err).Str("kind", string(ev.Kind)).Str("call_id", ev.CallID).Msg("dropping event")
	}
}

// Handle applies a single event. Nothing is published when it returns an error.
func (b *Bridge) Handle(ev events.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	switch ev.Kind {
	case events.KindCallStarted:
		return b.callStarted(ev)
	case events.KindTranscription:
		return b.appendLine(ev, calls.RoleUser)
	case events.KindAgentResponse:
		return b.appendLine(ev, calls.RoleAgent)
	case events.KindCallEnded:
		return b.callEnded(ev)
	}
	return fmt.Errorf("%w %q", events.ErrUnknownKind, ev.Kind)
}

func (b *Bridge) callStarted(ev events.Event) error {
	if _, err := b.reg.Start(ev.CallID, ev.FromNumber, ev.ToNumber, ev.Timestamp); err != nil {
		return err
	}
	// the runtime only reports a start once the agent has picked up
	c, err := b.reg.SetStatus(ev.CallID, calls.StatusInProgress)
	if err != nil {
		return err
	}
	b.publish(hub.CallUpdate(c))
	return nil
}

func (b *Bridge) appendLine(ev events.Event, role calls.Role) error {
	c, err := b.reg.AppendTranscript(ev.CallID, role, ev.Content, ev.Timestamp)
	if err != nil {
		return err
	}
	b.publish(hub.CallUpdate(c))
	return nil
}

func (b *Bridge) callEnded(ev events.Event) error {
	c, err := b.reg.Complete(ev.CallID)
	if err != nil {
		return err
	}
	b.publish(hub.CallEnded(c))
	if b.archiver != nil {
		b.archiver.Archive(c)
	}
	log.Info().Str("call_id", c.CallID).Int("lines", len(c.Transcript)).
		Dur("duration", ev.Timestamp.Sub(c.StartTime).Round(time.Second)).Msg("call ended")
	return nil
}

func (b *Bridge) publish(msg hub.Message) {
	b.pub.Publish(msg)
	active, _ := b.reg.Counts()
	b.metrics.SetActiveCalls(active)
}
