package boot

import (
	"sync/atomic"
	"time"
)

// ServiceState is the process lifecycle state.
type ServiceState int32

// Lifecycle states, in transition order.
const (
	StateStarting ServiceState = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s ServiceState) String() string {
	switch s {
	case StateStarting:
		return "Starting"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	case StateStopped:
		return "Stopped"
	}
	return "Unknown"
}

// StateManager tracks the lifecycle state. Transitions only move forward;
// an out-of-order Set is ignored so concurrent shutdown paths cannot
// resurrect a stopping process.
type StateManager struct {
	state   atomic.Int32
	started atomic.Int64 // unix nano of the transition to Running
}

// NewStateManager starts in Starting.
func NewStateManager() *StateManager {
	return &StateManager{}
}

// State returns the current state.
func (m *StateManager) State() ServiceState {
	return ServiceState(m.state.Load())
}

// Set advances to next. Returns false when next is not a forward transition.
func (m *StateManager) Set(next ServiceState) bool {
	for {
		cur := m.state.Load()
		if int32(next) <= cur {
			return false
		}
		if m.state.CompareAndSwap(cur, int32(next)) {
			if next == StateRunning {
				m.started.Store(time.Now().UnixNano())
			}
			return true
		}
	}
}

// Ready reports whether the process is serving traffic.
func (m *StateManager) Ready() bool {
	return m.State() == StateRunning
}

// Uptime is the time since the transition to Running, zero before that.
func (m *StateManager) Uptime() time.Duration {
	ns := m.started.Load()
	if ns == 0 {
		return 0
	}
	return time.Since(time.Unix(0, ns))
}
