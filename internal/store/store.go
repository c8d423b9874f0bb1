// Package store holds the reception desk's single live counter snapshot.
//
// Writers present the selection token they were issued by Select; a write
// carrying an older token is discarded, which is how results of fetches that
// were started before a counter switch are kept out of the view.
package store

import (
	"sync"
	"time"

	"qms/reception-service/internal/models"
	"qms/reception-service/internal/queue"
)

type View struct {
	CounterID string                  `json:"counter_id"`
	Snapshot  *models.CounterSnapshot `json:"-"`
	Current   *models.Ticket          `json:"current"`
	Next      *models.Ticket          `json:"next"`
	Waiting   []models.Ticket         `json:"waiting"`
	UpdatedAt time.Time               `json:"updated_at"`
}

type Listener func(View)

type Store struct {
	mu        sync.RWMutex
	token     uint64
	counterID string
	snapshot  *models.CounterSnapshot
	updatedAt time.Time

	listenerMu sync.Mutex
	nextID     int
	listeners  map[int]Listener
}

func New() *Store {
	return &Store{listeners: make(map[int]Listener)}
}

// Select starts a new selection and returns its token. The previous snapshot
// is dropped; an empty counterID means nothing is selected.
func (s *Store) Select(counterID string) uint64 {
	s.mu.Lock()
	s.token++
	s.counterID = counterID
	s.snapshot = nil
	s.updatedAt = time.Now().UTC()
	token := s.token
	view := s.viewLocked()
	s.mu.Unlock()

	s.notify(view)
	return token
}

// Replace publishes snapshot as the whole state of the selected counter. It
// returns false when token is stale, the snapshot is for another counter, or
// snapshot is nil.
func (s *Store) Replace(token uint64, snapshot *models.CounterSnapshot) bool {
	if snapshot == nil {
		return false
	}
	s.mu.Lock()
	if token != s.token || s.counterID == "" || snapshot.CounterID != s.counterID {
		s.mu.Unlock()
		return false
	}
	queue.Finalize(snapshot)
	s.snapshot = snapshot
	s.updatedAt = time.Now().UTC()
	view := s.viewLocked()
	s.mu.Unlock()

	s.notify(view)
	return true
}

func (s *Store) CounterID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counterID
}

func (s *Store) View() View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.viewLocked()
}

func (s *Store) viewLocked() View {
	view := View{
		CounterID: s.counterID,
		Snapshot:  s.snapshot,
		Waiting:   queue.Waiting(s.snapshot),
		UpdatedAt: s.updatedAt,
	}
	if s.snapshot != nil {
		view.Current = s.snapshot.Current
		view.Next = s.snapshot.Next
	}
	return view
}

// Subscribe registers fn to receive every published view. The returned func
// removes it.
func (s *Store) Subscribe(fn Listener) func() {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	return func() {
		s.listenerMu.Lock()
		defer s.listenerMu.Unlock()
		delete(s.listeners, id)
	}
}

func (s *Store) notify(view View) {
	s.listenerMu.Lock()
	listeners := make([]Listener, 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.listenerMu.Unlock()
	for _, fn := range listeners {
		fn(view)
	}
}
