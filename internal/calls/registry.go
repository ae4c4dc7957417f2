package calls

import (
	"fmt"
	"sync"
	"time"
)

const defaultHistorySize = 50

// Registry owns every in-flight call and a bounded buffer of completed ones.
// All access goes through its methods; a single lock guards the whole set.
type Registry struct {
	mu          sync.RWMutex
	active      map[string]*CallState
	order       []string
	history     []CallState
	historySize int
}

// NewRegistry builds an empty registry keeping at most historySize completed calls.
func NewRegistry(historySize int) *Registry {
	if historySize <= 0 {
		historySize = defaultHistorySize
	}
	return &Registry{
		active:      make(map[string]*CallState),
		historySize: historySize,
	}
}

// Start registers a new active call in the incoming state.
func (r *Registry) Start(callID, fromNumber, toNumber string, startTime time.Time) (CallState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[callID]; ok {
		return CallState{}, fmt.Errorf("start %s: %w", callID, ErrDuplicateCall)
	}
	c := &CallState{
		CallID:     callID,
		FromNumber: fromNumber,
		ToNumber:   toNumber,
		StartTime:  startTime,
		Status:     StatusIncoming,
		Transcript: []TranscriptEntry{},
	}
	r.active[callID] = c
	r.order = append(r.order, callID)
	return c.clone(), nil
}

// AppendTranscript adds a line to an active call. Entries keep arrival order;
// out-of-order timestamps are not re-sorted.
func (r *Registry) AppendTranscript(callID string, role Role, text string, ts time.Time) (CallState, error) {
	if !role.Valid() {
		return CallState{}, fmt.Errorf("append %s: %w %q", callID, ErrInvalidRole, role)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.active[callID]
	if !ok {
		return CallState{}, fmt.Errorf("append %s: %w", callID, ErrUnknownCall)
	}
	c.Transcript = append(c.Transcript, TranscriptEntry{Role: role, Text: text, Timestamp: ts})
	return c.clone(), nil
}

// SetStatus moves an active call forward. Requesting an earlier status fails
// and leaves the call untouched; repeating the current status is allowed.
func (r *Registry) SetStatus(callID string, status Status) (CallState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, err := r.transitionLocked(callID, status)
	if err != nil {
		return CallState{}, err
	}
	return c.clone(), nil
}

// Complete marks the call completed, moves it out of the active set into
// history and returns the final snapshot.
func (r *Registry) Complete(callID string) (CallState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, err := r.transitionLocked(callID, StatusCompleted)
	if err != nil {
		return CallState{}, err
	}
	delete(r.active, callID)
	for i, id := range r.order {
		if id == callID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	final := c.clone()
	r.history = append(r.history, final)
	if over := len(r.history) - r.historySize; over > 0 {
		r.history = append([]CallState(nil), r.history[over:]...)
	}
	return final.clone(), nil
}

func (r *Registry) transitionLocked(callID string, status Status) (*CallState, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("set status %s: %w: unknown status %q", callID, ErrInvalidTransition, status)
	}
	c, ok := r.active[callID]
	if !ok {
		return nil, fmt.Errorf("set status %s: %w", callID, ErrUnknownCall)
	}
	if status.rank() < c.Status.rank() {
		return nil, fmt.Errorf("set status %s: %w: %s -> %s", callID, ErrInvalidTransition, c.Status, status)
	}
	c.Status = status
	return c, nil
}

// Get returns the active call with callID, falling back to the most recent
// completed call with that id.
func (r *Registry) Get(callID string) (CallState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.active[callID]; ok {
		return c.clone(), true
	}
	for i := len(r.history) - 1; i >= 0; i-- {
		if r.history[i].CallID == callID {
			return r.history[i].clone(), true
		}
	}
	return CallState{}, false
}

// ListActive returns snapshots of active calls in start order.
func (r *Registry) ListActive() []CallState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]CallState, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.active[id].clone())
	}
	return out
}

// History returns up to limit completed calls, newest first. limit <= 0 returns all.
func (r *Registry) History(limit int) []CallState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := len(r.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]CallState, 0, n)
	for i := len(r.history) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, r.history[i].clone())
	}
	return out
}

// Counts reports the number of active and buffered completed calls.
func (r *Registry) Counts() (active, completed int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active), len(r.history)
}
