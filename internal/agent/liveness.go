// ABOUTME: Per-session heartbeat probe using transport pings and a pong deadline
// ABOUTME: Declares the agent dead at most once; nothing fires after Stop

package agent

import (
	"sync"
	"sync/atomic"
	"time"
)

// Reasons passed to a Monitor's onDead callback.
const (
	DeadMissedProbe = "missed heartbeat"
	DeadPongTimeout = "pong timeout"
	DeadPingFailed  = "ping failed"
)

// Monitor probes one session on a fixed interval. The alive flag starts set;
// each tick clears it and sends a ping, and only a pong sets it again.
type Monitor struct {
	interval time.Duration
	timeout  time.Duration
	ping     func() error
	onDead   func(reason string)

	alive atomic.Bool

	mu       sync.Mutex
	deadline *Timer
	stopped  bool
	stop     chan struct{}
	deadOnce sync.Once
}

// NewMonitor creates a Monitor. Call Start to begin probing.
func NewMonitor(interval, timeout time.Duration, ping func() error, onDead func(reason string)) *Monitor {
	m := &Monitor{
		interval: interval,
		timeout:  timeout,
		ping:     ping,
		onDead:   onDead,
		stop:     make(chan struct{}),
	}
	m.alive.Store(true)
	return m
}

// Start launches the probe loop.
func (m *Monitor) Start() {
	go m.run()
}

func (m *Monitor) run() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			if !m.probe() {
				return
			}
		}
	}
}

// probe runs one tick. Returns false once the agent has been declared dead.
func (m *Monitor) probe() bool {
	if !m.alive.Load() {
		m.die(DeadMissedProbe)
		return false
	}

	m.alive.Store(false)
	if err := m.ping(); err != nil {
		m.die(DeadPingFailed)
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return false
	}
	m.deadline.Cancel()
	m.deadline = AfterFunc(m.timeout, func() {
		if !m.alive.Load() {
			m.die(DeadPongTimeout)
		}
	})
	return true
}

// Pong records a heartbeat response and cancels the pending deadline.
func (m *Monitor) Pong() {
	m.alive.Store(true)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadline.Cancel()
	m.deadline = nil
}

// Alive reports the current liveness flag.
func (m *Monitor) Alive() bool {
	return m.alive.Load()
}

// Stop cancels the ticker and any pending deadline. Idempotent and nil-safe.
func (m *Monitor) Stop() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return
	}
	m.stopped = true
	m.deadline.Cancel()
	m.deadline = nil
	close(m.stop)
}

func (m *Monitor) die(reason string) {
	m.mu.Lock()
	stopped := m.stopped
	m.mu.Unlock()
	if stopped {
		return
	}
	m.deadOnce.Do(func() { m.onDead(reason) })
}
