package tunnel

import (
	"sync"
	"time"
)

// Stats is the tunnel client's Tunnel Stats data model: lifecycle and
// backpressure counters, read through Snapshot.
type Stats struct {
	mu              sync.Mutex
	lifecycle       []string
	droppedOutbound uint64
	reconnects      uint64
	upSince         time.Time
	uptimeMs        int64
}

func (s *Stats) recordLifecycle(event string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lifecycle = append(s.lifecycle, event)
	if len(s.lifecycle) > 50 {
		s.lifecycle = s.lifecycle[len(s.lifecycle)-50:]
	}
	if event == "disconnected" {
		s.reconnects++
	}
}

func (s *Stats) incDropped() {
	s.mu.Lock()
	s.droppedOutbound++
	s.mu.Unlock()
}

// startUptime resets the uptime clock to now, called each time the
// connection reaches the Live state.
func (s *Stats) startUptime(now time.Time) {
	s.mu.Lock()
	s.upSince = now
	s.uptimeMs = 0
	s.mu.Unlock()
}

// touchUptime refreshes the uptime-ms counter from the current
// connection's start time; called on every heartbeat tick.
func (s *Stats) touchUptime(now time.Time) {
	s.mu.Lock()
	if !s.upSince.IsZero() {
		s.uptimeMs = now.Sub(s.upSince).Milliseconds()
	}
	s.mu.Unlock()
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	DroppedOutbound uint64
	Reconnects      uint64
	UptimeMs        int64
}

func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{DroppedOutbound: s.droppedOutbound, Reconnects: s.reconnects, UptimeMs: s.uptimeMs}
}
