package stats

import (
	"sync"
	"time"

	"github.com/rastry/obsrelay/internal/hooks"
)

// RequestEntry is a single forwarded request held in memory.
type RequestEntry struct {
	ID          int       `json:"id"`
	RequestType string    `json:"request_type"`
	LatencyMs   float64   `json:"latency_ms"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Summary holds aggregate counters since the store was created.
type Summary struct {
	ActivePairs        int     `json:"active_pairs"`
	TotalPairs         int     `json:"total_pairs"`
	ActiveRelayClients int     `json:"active_relay_clients"`
	TotalRelayClients  int     `json:"total_relay_clients"`
	TotalRequests      int     `json:"total_requests"`
	FailedRequests     int     `json:"failed_requests"`
	AvgLatencyMs       float64 `json:"avg_latency_ms"`
	MaxLatencyMs       float64 `json:"max_latency_ms"`
	TotalBytesIn       int64   `json:"total_bytes_in"`
	TotalBytesOut      int64   `json:"total_bytes_out"`
}

// Store is the in-memory stats store. Safe for concurrent use.
// It implements hooks.ConnectionHook, hooks.RequestHook and hooks.TrafficHook.
type Store struct {
	mu           sync.RWMutex
	active       map[hooks.Kind]int
	total        map[hooks.Kind]int
	requests     int
	failed       int
	totalLatency time.Duration
	maxLatency   time.Duration
	bytesIn      int64
	bytesOut     int64
	logs         []RequestEntry // ring buffer
	maxLogs      int
	nextID       int
}

func NewStore(maxLogs int) *Store {
	return &Store{
		active:  make(map[hooks.Kind]int),
		total:   make(map[hooks.Kind]int),
		maxLogs: maxLogs,
	}
}

func (s *Store) OnConnect(kind hooks.Kind, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[kind]++
	s.total[kind]++
}

func (s *Store) OnDisconnect(kind hooks.Kind, _ string, _ error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active[kind] > 0 {
		s.active[kind]--
	}
}

func (s *Store) OnRequest(requestType string, latency time.Duration, err error) {
	entry := RequestEntry{
		RequestType: requestType,
		LatencyMs:   float64(latency.Microseconds()) / 1000,
		Timestamp:   time.Now(),
	}
	if err != nil {
		entry.Error = err.Error()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	entry.ID = s.nextID

	// Ring buffer: keep last maxLogs entries
	if s.maxLogs > 0 {
		if len(s.logs) >= s.maxLogs {
			s.logs = append(s.logs[1:], entry)
		} else {
			s.logs = append(s.logs, entry)
		}
	}

	s.requests++
	if err != nil {
		s.failed++
	}
	s.totalLatency += latency
	if latency > s.maxLatency {
		s.maxLatency = latency
	}
}

func (s *Store) OnTraffic(_ string, inbound, outbound int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bytesIn += inbound
	s.bytesOut += outbound
}

func (s *Store) Summary() Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum := Summary{
		ActivePairs:        s.active[hooks.KindPair],
		TotalPairs:         s.total[hooks.KindPair],
		ActiveRelayClients: s.active[hooks.KindRelayClient],
		TotalRelayClients:  s.total[hooks.KindRelayClient],
		TotalRequests:      s.requests,
		FailedRequests:     s.failed,
		MaxLatencyMs:       float64(s.maxLatency.Microseconds()) / 1000,
		TotalBytesIn:       s.bytesIn,
		TotalBytesOut:      s.bytesOut,
	}
	if s.requests > 0 {
		sum.AvgLatencyMs = float64(s.totalLatency.Microseconds()) / 1000 / float64(s.requests)
	}
	return sum
}

// RecentRequests returns the last n request entries, newest first.
func (s *Store) RecentRequests(n int) []RequestEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n > len(s.logs) {
		n = len(s.logs)
	}
	out := make([]RequestEntry, 0, n)
	for i := len(s.logs) - 1; i >= len(s.logs)-n; i-- {
		out = append(out, s.logs[i])
	}
	return out
}
