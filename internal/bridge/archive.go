package bridge

import (
	"context"
	"errors"
	"time"

	"call_dashboard/internal/calls"
	"call_dashboard/internal/metrics"
	"call_dashboard/queue"
)

// CallSaver persists a completed call.
type CallSaver interface {
	SaveCall(ctx context.Context, c calls.CallState, completedAt time.Time) error
}

// QueueArchiver hands completed calls to the worker pool so archive writes
// never run on the event path. A full queue drops the write.
type QueueArchiver struct {
	Queue   *queue.Queue
	Saver   CallSaver
	Metrics *metrics.Metrics
	Now     func() time.Time
}

func (a *QueueArchiver) Archive(c calls.CallState) {
	now := time.Now
	if a.Now != nil {
		now = a.Now
	}
	completedAt := now().UTC()
	ok := a.Queue.Enqueue(queue.Job{
		ID:     "archive-" + c.CallID,
		Source: "bridge",
		Work: func(ctx context.Context) error {
			return a.Saver.SaveCall(ctx, c, completedAt)
		},
		OnFinish: a.Metrics.RecordArchive,
	})
	if !ok {
		a.Metrics.RecordArchive(errDropped)
	}
	a.Metrics.SetQueueLength(a.Queue.Stats().Length)
}

var errDropped = errors.New("archive queue full")
