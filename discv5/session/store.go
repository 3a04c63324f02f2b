package session

import (
	"container/list"
	"sync"

	"github.com/sirupsen/logrus"
)

// DefaultCapacity is the default maximum number of cached sessions.
//
// The store must be bounded: every inbound handshake allocates an entry, so
// an unbounded map is a trivial memory DoS vector.
const DefaultCapacity = 256

// Store is a bounded LRU cache of sessions keyed by (peer ID, address).
//
// There is no TTL; entries are evicted only under capacity pressure, and a
// completed handshake always overwrites any existing session for its key.
type Store struct {
	// capacity is the maximum number of sessions
	capacity int

	// entries maps session keys to their LRU list element
	entries map[Key]*list.Element

	// order is the LRU list, front = most recently used
	order *list.List

	mu sync.Mutex

	logger logrus.FieldLogger
}

type storeEntry struct {
	key     Key
	session *Session
}

// NewStore creates a session store with the given capacity
// (0 = DefaultCapacity).
func NewStore(capacity int, logger logrus.FieldLogger) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &Store{
		capacity: capacity,
		entries:  make(map[Key]*list.Element),
		order:    list.New(),
		logger:   logger,
	}
}

// Put stores a session, overwriting any existing session for the same key.
// The least recently used session is evicted when the store is full.
func (s *Store) Put(key Key, sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, exists := s.entries[key]; exists {
		elem.Value.(*storeEntry).session = sess
		s.order.MoveToFront(elem)
		return
	}

	if s.order.Len() >= s.capacity {
		oldest := s.order.Back()
		if oldest != nil {
			entry := oldest.Value.(*storeEntry)
			delete(s.entries, entry.key)
			s.order.Remove(oldest)

			s.logger.WithField("nodeID", entry.key.ID.String()[:16]).Trace("evicted LRU session")
		}
	}

	s.entries[key] = s.order.PushFront(&storeEntry{key: key, session: sess})
}

// Get retrieves a session and marks it recently used.
// Returns nil if no session exists for the key.
func (s *Store) Get(key Key) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, exists := s.entries[key]
	if !exists {
		return nil
	}

	s.order.MoveToFront(elem)
	return elem.Value.(*storeEntry).session
}

// Has reports whether a session exists for the key without touching LRU
// order.
func (s *Store) Has(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, exists := s.entries[key]
	return exists
}

// Remove deletes the session for the key, if any.
func (s *Store) Remove(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, exists := s.entries[key]; exists {
		delete(s.entries, key)
		s.order.Remove(elem)
	}
}

// Count returns the number of cached sessions.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}
