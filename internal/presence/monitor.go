package presence

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"meshbridge/internal/metrics"
)

// Monitor is the heartbeat watchdog for the mobile client
// ARCHITECTURAL DISCOVERY: Presence is a two-state machine. The zero pairedAt is the
// Unpaired sentinel and only the expiry sweep may reset it, so each Paired -> Unpaired
// transition is observed exactly once no matter how many readers poll IsPaired
type Monitor struct {
	mu           sync.Mutex
	clock        clockwork.Clock
	pollInterval time.Duration
	timeout      time.Duration
	pairedAt     time.Time
}

func NewMonitor(clock clockwork.Clock, pollInterval, timeout time.Duration) *Monitor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Monitor{
		clock:        clock,
		pollInterval: pollInterval,
		timeout:      timeout,
	}
}

// Touch records a heartbeat and reports whether it moved the client from
// Unpaired to Paired.
func (m *Monitor) Touch() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	becamePaired := m.pairedAt.IsZero()
	m.pairedAt = m.clock.Now()

	if becamePaired {
		metrics.SetPaired(true)
	}
	return becamePaired
}

// IsPaired reports whether the last heartbeat is within the timeout.
func (m *Monitor) IsPaired() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pairedAt.IsZero() {
		return false
	}
	return m.clock.Since(m.pairedAt) <= m.timeout
}

// LastHeartbeat returns the time of the last heartbeat while paired.
func (m *Monitor) LastHeartbeat() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pairedAt, !m.pairedAt.IsZero()
}

// Run calls sweep every poll interval until ctx is cancelled
// FUNCTIONAL DISCOVERY: The monitor only keeps time. The sweep belongs to the owner of
// the presence broadcasts, which runs Expire and announces the result under its own lock,
// so a heartbeat can never land between clearing the timestamp and telling dashboards
func (m *Monitor) Run(ctx context.Context, sweep func()) error {
	ticker := m.clock.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			if sweep != nil {
				sweep()
			}
		}
	}
}

// Expire moves a silent client to Unpaired and reports whether this call made the
// transition. It returns true at most once per Paired period.
func (m *Monitor) Expire() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pairedAt.IsZero() || m.clock.Since(m.pairedAt) <= m.timeout {
		return false
	}

	m.pairedAt = time.Time{}
	metrics.SetPaired(false)
	metrics.PresenceExpirations.Inc()
	return true
}
