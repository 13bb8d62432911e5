package training

import (
	"sync"
	"time"

	"github.com/tphakala/faceid/internal/artifacts"
)

// State is a training orchestrator state.
type State string

const (
	StateIdle      State = "idle"
	StatePreparing State = "preparing"
	StateTraining  State = "training"
	StateSaving    State = "saving"
	StateFailed    State = "failed"
)

// Status is a point-in-time view of training progress.
type Status struct {
	State           State     `json:"state"`
	IsTraining      bool      `json:"is_training"`
	Progress        int       `json:"progress"`
	CurrentEpoch    int       `json:"current_epoch"`
	TotalEpochs     int       `json:"total_epochs"`
	CurrentAccuracy float64   `json:"current_accuracy"`
	BestAccuracy    float64   `json:"best_accuracy"`
	ValAccuracy     float64   `json:"val_accuracy"`
	Loss            float64   `json:"loss"`
	Message         string    `json:"message,omitempty"`
	Error           string    `json:"error,omitempty"`
	RunID           string    `json:"run_id,omitempty"`
	StartedAt       time.Time `json:"started_at,omitzero"`
	UpdatedAt       time.Time `json:"updated_at,omitzero"`
}

// Terminal reports whether the status ends a run.
func (s *Status) Terminal() bool {
	return !s.IsTraining && (s.State == StateIdle || s.State == StateFailed)
}

// listenerBuffer is the number of snapshots a listener may lag behind.
const listenerBuffer = 16

// Store holds the training status of one service and the history of the
// last completed run. Reads never wait on training beyond a short critical
// section. Only this package mutates it.
type Store struct {
	mu        sync.RWMutex
	status    Status
	history   *artifacts.History
	listeners map[int]chan Status
	nextID    int
}

// NewStore returns an idle store.
func NewStore() *Store {
	return &Store{
		status:    Status{State: StateIdle, UpdatedAt: time.Now()},
		listeners: make(map[int]chan Status),
	}
}

// Snapshot returns a copy of the current status.
func (s *Store) Snapshot() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// History returns the last completed run held in memory.
func (s *Store) History() (artifacts.History, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.history == nil {
		return artifacts.History{}, false
	}
	h := *s.history
	return h, true
}

// update applies fn atomically and broadcasts the result.
func (s *Store) update(fn func(*Status)) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.status)
	s.status.UpdatedAt = time.Now()
	snap := s.status
	for _, ch := range s.listeners {
		offer(ch, snap)
	}
	return snap
}

func (s *Store) setHistory(h artifacts.History) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = &h
}

// Subscribe returns a channel that receives every status update and a
// function that cancels the subscription. A listener that falls behind
// loses its oldest pending snapshots, never the newest.
func (s *Store) Subscribe() (updates <-chan Status, cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan Status, listenerBuffer)
	id := s.nextID
	s.nextID++
	s.listeners[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.listeners, id)
			close(ch)
		})
	}
}

// offer sends snap without blocking, evicting the oldest queued snapshot
// when the buffer is full.
func offer(ch chan Status, snap Status) {
	select {
	case ch <- snap:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- snap:
	default:
	}
}
