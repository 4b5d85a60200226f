package chat

import (
	"sync"
	"time"
)

// Default heartbeat timings.
const (
	DefaultProbeInterval = 5 * time.Second
	DefaultProbeTimeout  = 1 * time.Second
)

// LivenessState is the heartbeat state of one connection.
type LivenessState int

const (
	StateAlive LivenessState = iota
	StateAwaitingPong
	StateDead
)

// String returns the string representation of LivenessState
func (s LivenessState) String() string {
	switch s {
	case StateAlive:
		return "alive"
	case StateAwaitingPong:
		return "awaiting-pong"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Heartbeat runs the probe cycle of a single connection.
//
// Every interval it calls probe and moves to StateAwaitingPong, arming a
// timeout. Pong before the timeout returns it to StateAlive and restarts
// the interval. A timeout or a failed probe moves it to StateDead and
// calls onDead exactly once. Stop cancels both timers without calling
// onDead.
type Heartbeat struct {
	interval time.Duration
	timeout  time.Duration
	probe    func() error
	onDead   func()

	mu         sync.Mutex
	state      LivenessState
	started    bool
	generation uint64
	probeTimer *time.Timer
	deathTimer *time.Timer
}

// NewHeartbeat creates a stopped heartbeat. Zero durations fall back to
// the defaults.
func NewHeartbeat(interval, timeout time.Duration, probe func() error, onDead func()) *Heartbeat {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &Heartbeat{
		interval: interval,
		timeout:  timeout,
		probe:    probe,
		onDead:   onDead,
		state:    StateAlive,
	}
}

// Start arms the first probe. Calling Start again, or after Stop, does
// nothing.
func (h *Heartbeat) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.started || h.state == StateDead {
		return
	}
	h.started = true
	h.probeTimer = time.AfterFunc(h.interval, h.sendProbe)
}

// Pong records a probe answer. Pongs outside StateAwaitingPong are ignored.
func (h *Heartbeat) Pong() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != StateAwaitingPong {
		return
	}
	if h.deathTimer != nil {
		h.deathTimer.Stop()
		h.deathTimer = nil
	}
	h.state = StateAlive
	h.probeTimer = time.AfterFunc(h.interval, h.sendProbe)
}

// Stop cancels all timers. The heartbeat ends in StateDead without
// calling onDead.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.state = StateDead
	h.stopTimersLocked()
}

// State returns the current liveness state.
func (h *Heartbeat) State() LivenessState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Heartbeat) sendProbe() {
	h.mu.Lock()
	if h.state != StateAlive {
		h.mu.Unlock()
		return
	}
	h.state = StateAwaitingPong
	h.generation++
	gen := h.generation
	h.deathTimer = time.AfterFunc(h.timeout, func() { h.expire(gen) })
	h.mu.Unlock()

	// The timeout is armed before the probe goes out so an early pong
	// always finds StateAwaitingPong.
	if err := h.probe(); err != nil {
		h.die()
	}
}

func (h *Heartbeat) expire(gen uint64) {
	h.mu.Lock()
	if h.state != StateAwaitingPong || h.generation != gen {
		h.mu.Unlock()
		return
	}
	h.markDeadLocked()
}

func (h *Heartbeat) die() {
	h.mu.Lock()
	if h.state == StateDead {
		h.mu.Unlock()
		return
	}
	h.markDeadLocked()
}

// markDeadLocked must be called with h.mu held; it releases the lock
// before running onDead.
func (h *Heartbeat) markDeadLocked() {
	h.state = StateDead
	h.stopTimersLocked()
	h.mu.Unlock()

	if h.onDead != nil {
		h.onDead()
	}
}

func (h *Heartbeat) stopTimersLocked() {
	if h.probeTimer != nil {
		h.probeTimer.Stop()
		h.probeTimer = nil
	}
	if h.deathTimer != nil {
		h.deathTimer.Stop()
		h.deathTimer = nil
	}
}
