package querylog

import (
	"maps"
	"sync"

	"github.com/WardenTeam/WardenDNS/internal/dnsmsg"
	"github.com/axiomhq/hyperloglog"
)

// Stats accumulates the running query counters and the unique-client
// estimate.  The client cardinality is estimated with a HyperLogLog sketch,
// so it stays cheap regardless of the client population.
type Stats struct {
	// mu protects all fields below.
	mu *sync.Mutex

	clients *hyperloglog.Sketch
	rcodes  map[dnsmsg.RCode]uint64

	total   uint64
	blocked uint64
	cached  uint64
}

// NewStats returns new running statistics.
func NewStats() (s *Stats) {
	return &Stats{
		mu:      &sync.Mutex{},
		clients: hyperloglog.New14(),
		rcodes:  map[dnsmsg.RCode]uint64{},
	}
}

// record folds e into the counters.
func (s *Stats) record(e *Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.total++
	if e.Blocked {
		s.blocked++
	}

	if e.Cached {
		s.cached++
	}

	s.rcodes[e.ResponseCode]++
	s.clients.Insert([]byte(e.Client))
}

// StatsSnapshot is a point-in-time copy of the counters.
type StatsSnapshot struct {
	// RcodeCounts maps response codes to the number of queries answered
	// with them.
	RcodeCounts map[dnsmsg.RCode]uint64

	// Total, Blocked, and Cached are the query counters since start.
	Total   uint64
	Blocked uint64
	Cached  uint64

	// UniqueClients is the estimated number of distinct clients.
	UniqueClients uint64
}

// Snapshot returns a copy of the current counters.
func (s *Stats) Snapshot() (snap *StatsSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return &StatsSnapshot{
		RcodeCounts:   maps.Clone(s.rcodes),
		Total:         s.total,
		Blocked:       s.blocked,
		Cached:        s.cached,
		UniqueClients: s.clients.Estimate(),
	}
}
