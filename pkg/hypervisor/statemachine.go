// Package hypervisor implements the Hypervisor Manager (SPEC_FULL.md
// §4.9): a consistent control plane over multiple microVM backends that
// provisions isolated VMs for untrusted agent workloads, brokers
// host<->guest task execution, enforces policy/supply-chain verification,
// and surfaces typed lifecycle events.
package hypervisor

import "time"

// State is a VM Instance lifecycle state (§3 "VM Instance").
type State string

const (
	StateProvisioning State = "provisioning"
	StateRunning       State = "running"
	StateStopping      State = "stopping"
	StateTerminated    State = "terminated"
	StateError         State = "error"
)

// transitions enumerates the states directly reachable from each state.
// provisioning -> running -> stopping -> terminated, with error reachable
// from any non-terminal state (§4.9).
var transitions = map[State][]State{
	StateProvisioning: {StateRunning, StateError},
	StateRunning:       {StateStopping, StateError},
	StateStopping:      {StateTerminated, StateError},
	StateTerminated:    {},
	StateError:         {},
}

// CanTransition reports whether the state machine permits moving from to.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s has no further outgoing transitions.
func IsTerminal(s State) bool {
	return s == StateTerminated || s == StateError
}

// StateChange is the payload of a state-change event: previous state, next
// state, and a non-empty reason (§4.9).
type StateChange struct {
	VMID     string
	Previous State
	Next     State
	Reason   string
	At       time.Time
}
