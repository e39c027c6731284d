// Package rustbridge implements the Cross-Runtime Bridge (SPEC_FULL.md
// §4.13): a parity interface over spawn/terminate/status/list so a
// separate native runtime observes the identical VM state a managed
// Go-side caller does, scoped to a caller-declared subset of providers,
// VM ids, and a max-VM ceiling.
package rustbridge

import (
	"context"

	"github.com/ionvm/substrate/codes"
	"github.com/ionvm/substrate/pkg/hacconfig"
	"github.com/ionvm/substrate/pkg/hypervisor"
)

// ScopeGuard bounds what a Bridge caller may touch (§4.13 "enforces a
// scope"), shared by both Bridge implementations.
type ScopeGuard struct {
	AllowedProviders []hacconfig.Provider
	AllowedVMIDs     map[string]bool // nil means any vm id, including ones not spawned through this bridge
	MaxVMs           int
}

func (s ScopeGuard) providerAllowed(p hacconfig.Provider) bool {
	if len(s.AllowedProviders) == 0 {
		return true
	}
	for _, allowed := range s.AllowedProviders {
		if allowed == p {
			return true
		}
	}
	return false
}

func (s ScopeGuard) vmIDAllowed(id string) bool {
	if s.AllowedVMIDs == nil {
		return true
	}
	return s.AllowedVMIDs[id]
}

// Bridge is the parity interface exposed to the native runtime. Any VM
// spawned via either entry point is observable via the other with
// identical id, state, and spec (§4.13).
type Bridge interface {
	Spawn(ctx context.Context, spec hacconfig.Spec) (string, error)
	Terminate(ctx context.Context, vmID string) error
	Status(vmID string) (hypervisor.Instance, error)
	List() []hypervisor.Instance
}

// ManagedBridge is the Go-side Bridge implementation, backed directly by
// a hypervisor.Manager so the two parity entry points (managed, native)
// share exactly one source of truth for VM state.
type ManagedBridge struct {
	manager *hypervisor.Manager
	scope   ScopeGuard

	spawned map[string]bool
}

// NewManagedBridge creates a scoped Bridge over manager.
func NewManagedBridge(manager *hypervisor.Manager, scope ScopeGuard) *ManagedBridge {
	return &ManagedBridge{manager: manager, scope: scope, spawned: make(map[string]bool)}
}

// Spawn validates spec.Provider and the MaxVMs ceiling against scope, then
// delegates to the manager.
func (b *ManagedBridge) Spawn(ctx context.Context, spec hacconfig.Spec) (string, error) {
	if !b.scope.providerAllowed(spec.Provider) {
		return "", codes.Field(codes.PolicyDenied, "provider", "provider "+string(spec.Provider)+" is outside bridge scope")
	}
	if b.scope.MaxVMs > 0 && len(b.spawned) >= b.scope.MaxVMs {
		return "", codes.New(codes.MaxVMsExceeded, "bridge scope max_vms exceeded")
	}

	vmID, err := b.manager.Spawn(ctx, spec)
	if err != nil {
		return "", err
	}
	b.spawned[vmID] = true
	if b.scope.AllowedVMIDs != nil {
		b.scope.AllowedVMIDs[vmID] = true
	}
	return vmID, nil
}

// Terminate checks vmID is in-scope before delegating to the manager.
func (b *ManagedBridge) Terminate(ctx context.Context, vmID string) error {
	if !b.scope.vmIDAllowed(vmID) {
		return codes.Field(codes.PolicyDenied, "vm_id", "vm "+vmID+" is outside bridge scope")
	}
	return b.manager.Terminate(ctx, vmID, "cross-runtime bridge terminate")
}

// Status checks vmID is in-scope before returning the manager's view.
func (b *ManagedBridge) Status(vmID string) (hypervisor.Instance, error) {
	if !b.scope.vmIDAllowed(vmID) {
		return hypervisor.Instance{}, codes.Field(codes.PolicyDenied, "vm_id", "vm "+vmID+" is outside bridge scope")
	}
	return b.manager.GetStatus(vmID)
}

// List returns every Instance the manager knows about that is also
// in-scope for this bridge.
func (b *ManagedBridge) List() []hypervisor.Instance {
	all := b.manager.ListVMs()
	if b.scope.AllowedVMIDs == nil && len(b.scope.AllowedProviders) == 0 {
		return all
	}
	out := make([]hypervisor.Instance, 0, len(all))
	for _, inst := range all {
		if b.scope.vmIDAllowed(inst.ID) && b.scope.providerAllowed(inst.Provider) {
			out = append(out, inst)
		}
	}
	return out
}

// NativeBridge is a stand-in for the native-runtime side of the parity
// interface: it forwards every call across an injected RPC func,
// exercised in tests with an in-process fake standing in for the real
// cross-language transport (not specified by this core).
type NativeBridge struct {
	call func(method string, args any) (any, error)
}

// NewNativeBridge creates a NativeBridge that dispatches through call.
func NewNativeBridge(call func(method string, args any) (any, error)) *NativeBridge {
	return &NativeBridge{call: call}
}

func (n *NativeBridge) Spawn(_ context.Context, spec hacconfig.Spec) (string, error) {
	res, err := n.call("spawn", spec)
	if err != nil {
		return "", err
	}
	id, _ := res.(string)
	return id, nil
}

func (n *NativeBridge) Terminate(_ context.Context, vmID string) error {
	_, err := n.call("terminate", vmID)
	return err
}

func (n *NativeBridge) Status(vmID string) (hypervisor.Instance, error) {
	res, err := n.call("status", vmID)
	if err != nil {
		return hypervisor.Instance{}, err
	}
	inst, ok := res.(hypervisor.Instance)
	if !ok {
		return hypervisor.Instance{}, codes.New(codes.DeserializationFailed, "native bridge returned unexpected status type")
	}
	return inst, nil
}

func (n *NativeBridge) List() []hypervisor.Instance {
	res, err := n.call("list", nil)
	if err != nil {
		return nil
	}
	list, _ := res.([]hypervisor.Instance)
	return list
}
