package leads

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/renameio/v2"
)

var (
	// ErrStorage marks a retryable failure reading or writing the ledger file.
	ErrStorage     = errors.New("disposition storage unavailable")
	ErrEmptyCallID = errors.New("call id is required")
)

// Disposition is an operator's decision on one call.
type Disposition string

const (
	Accepted  Disposition = "accepted"
	Declined  Disposition = "declined"
	Undecided Disposition = "undecided"
)

// Ledger is the persisted layout: two maps from call_id to true. A call_id
// never appears in both.
type Ledger struct {
	Accepted map[string]bool `json:"accepted"`
	Declined map[string]bool `json:"declined"`
}

func newLedger() Ledger {
	return Ledger{Accepted: map[string]bool{}, Declined: map[string]bool{}}
}

// Of reports the disposition recorded for callID.
func (l Ledger) Of(callID string) Disposition {
	switch {
	case l.Accepted[callID]:
		return Accepted
	case l.Declined[callID]:
		return Declined
	default:
		return Undecided
	}
}

// IDs returns the sorted call ids for one disposition.
func (l Ledger) IDs(d Disposition) []string {
	var src map[string]bool
	switch d {
	case Accepted:
		src = l.Accepted
	case Declined:
		src = l.Declined
	}
	out := make([]string, 0, len(src))
	for id := range src {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// normalize drops false entries and resolves ids present in both maps in
// favour of accepted.
func (l *Ledger) normalize() {
	clean := newLedger()
	for id, ok := range l.Accepted {
		if ok {
			clean.Accepted[id] = true
		}
	}
	for id, ok := range l.Declined {
		if ok && !clean.Accepted[id] {
			clean.Declined[id] = true
		}
	}
	*l = clean
}

// Store persists dispositions to a JSON file. Writes are serialized and each
// one atomically replaces the file, so concurrent readers only ever see a
// fully committed ledger.
type Store struct {
	mu   sync.RWMutex
	path string
}

// Open prepares a store at path, creating the parent directory. A missing
// file is an empty ledger.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("%w: empty path", ErrStorage)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return &Store{path: path}, nil
}

func (s *Store) Path() string { return s.path }

// GetAll returns the last committed ledger.
func (s *Store) GetAll() (Ledger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readLocked()
}

// Get returns the disposition for one call.
func (s *Store) Get(callID string) (Disposition, error) {
	l, err := s.GetAll()
	if err != nil {
		return Undecided, err
	}
	return l.Of(callID), nil
}

// Accept marks callID accepted and clears any decline.
func (s *Store) Accept(callID string) error { return s.set(callID, Accepted) }

// Decline marks callID declined and clears any accept.
func (s *Store) Decline(callID string) error { return s.set(callID, Declined) }

func (s *Store) set(callID string, d Disposition) error {
	if strings.TrimSpace(callID) == "" {
		return ErrEmptyCallID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l, err := s.readLocked()
	if err != nil {
		return err
	}
	switch d {
	case Accepted:
		l.Accepted[callID] = true
		delete(l.Declined, callID)
	case Declined:
		l.Declined[callID] = true
		delete(l.Accepted, callID)
	default:
		return fmt.Errorf("unsupported disposition %q", d)
	}
	return s.writeLocked(l)
}

// Health reports whether the ledger can currently be read.
func (s *Store) Health() error {
	_, err := s.GetAll()
	return err
}

func (s *Store) readLocked() (Ledger, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return newLedger(), nil
	}
	if err != nil {
		return Ledger{}, fmt.Errorf("%w: read %s: %v", ErrStorage, s.path, err)
	}
	l := newLedger()
	if len(bytes.TrimSpace(data)) == 0 {
		return l, nil
	}
	if err := json.Unmarshal(data, &l); err != nil {
		return Ledger{}, fmt.Errorf("%w: parse %s: %v", ErrStorage, s.path, err)
	}
	l.normalize()
	return l, nil
}

func (s *Store) writeLocked(l Ledger) error {
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrStorage, err)
	}
	data = append(data, '\n')
	if err := renameio.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrStorage, s.path, err)
	}
	return nil
}
