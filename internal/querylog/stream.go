package querylog

import (
	"sync"
)

// Stream fans written entries out to live subscribers.  Every subscriber
// owns a bounded buffer; when a slow subscriber falls behind, its oldest
// entries are dropped first.
type Stream struct {
	// mu protects subs and nextID.
	mu     *sync.Mutex
	subs   map[uint64]chan *Entry
	nextID uint64

	bufLen int
}

// NewStream returns a new stream with per-subscriber buffers of bufLen
// entries.  bufLen must be positive.
func NewStream(bufLen int) (s *Stream) {
	return &Stream{
		mu:     &sync.Mutex{},
		subs:   map[uint64]chan *Entry{},
		bufLen: bufLen,
	}
}

// Subscribe registers a subscriber.  The returned channel is closed by
// cancel, which must be called exactly once.
func (s *Stream) Subscribe() (ch <-chan *Entry, cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++

	c := make(chan *Entry, s.bufLen)
	s.subs[id] = c

	return c, func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
}

// publish delivers e to every subscriber, dropping the oldest buffered entry
// of a subscriber that cannot keep up.
func (s *Stream) publish(e *Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.subs {
		for {
			select {
			case c <- e:
			default:
				// Full buffer, drop oldest and retry.
				select {
				case <-c:
				default:
				}

				continue
			}

			break
		}
	}
}

// SubscriberCount returns the number of live subscribers.
func (s *Stream) SubscriberCount() (n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.subs)
}
