package rustbridge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ionvm/substrate/pkg/audit"
	"github.com/ionvm/substrate/pkg/hacconfig"
	"github.com/ionvm/substrate/pkg/hypervisor"
)

type stubProbe struct{}

func (stubProbe) Probe(context.Context) hypervisor.ProbeResult {
	return hypervisor.ProbeResult{Available: true, Version: "stub-1.0"}
}
func (stubProbe) Materialize(context.Context, hacconfig.Spec, uint32) (int, hypervisor.Channel, error) {
	return 1, stubChannel{}, nil
}
func (stubProbe) AwaitRunning(context.Context, int) error    { return nil }
func (stubProbe) Sample(int) (hypervisor.Metrics, error)     { return hypervisor.Metrics{}, nil }
func (stubProbe) Terminate(context.Context, int, bool) error { return nil }

type stubChannel struct{}

func (stubChannel) Send(hypervisor.Task) (string, error) { return "t1", nil }
func (stubChannel) Receive(string, time.Duration) (hypervisor.TaskResult, error) {
	return hypervisor.TaskResult{}, nil
}
func (stubChannel) IsConnected() bool { return true }
func (stubChannel) Close() error      { return nil }

func newTestManager(t *testing.T) *hypervisor.Manager {
	t.Helper()
	probes := map[hacconfig.Provider]hypervisor.ProviderProbe{
		hacconfig.ProviderFirecracker:     stubProbe{},
		hacconfig.ProviderCloudHypervisor: stubProbe{},
	}
	cfg := hypervisor.DefaultConfig()
	cfg.HostCapacity = hacconfig.HostCapacity{VCPUs: 64, MemoryMB: 65536}
	m := hypervisor.New(cfg, probes, nil, audit.NewMemorySink(), nil)
	require.NoError(t, m.Initialize(context.Background()))
	return m
}

func testSpec(provider hacconfig.Provider) hacconfig.Spec {
	return hacconfig.Spec{Name: "agent-1", Provider: provider, VCPUs: 1, MemoryMB: 128,
		KernelPath: "/kernels/vmlinux", RootfsPath: "/images/rootfs.ext4"}
}

func TestManagedBridgeSpawnObservableViaStatusAndList(t *testing.T) {
	m := newTestManager(t)
	b := NewManagedBridge(m, ScopeGuard{})

	vmID, err := b.Spawn(context.Background(), testSpec(hacconfig.ProviderFirecracker))
	require.NoError(t, err)

	status, err := b.Status(vmID)
	require.NoError(t, err)
	assert.Equal(t, vmID, status.ID)
	assert.Equal(t, hypervisor.StateRunning, status.State)

	list := b.List()
	require.Len(t, list, 1)
	assert.Equal(t, vmID, list[0].ID)
}

func TestManagedBridgeRejectsOutOfScopeProvider(t *testing.T) {
	m := newTestManager(t)
	b := NewManagedBridge(m, ScopeGuard{AllowedProviders: []hacconfig.Provider{hacconfig.ProviderUnikernel}})

	_, err := b.Spawn(context.Background(), testSpec(hacconfig.ProviderFirecracker))
	require.Error(t, err)
}

func TestManagedBridgeRejectsMaxVMsExceeded(t *testing.T) {
	m := newTestManager(t)
	b := NewManagedBridge(m, ScopeGuard{MaxVMs: 1})

	_, err := b.Spawn(context.Background(), testSpec(hacconfig.ProviderFirecracker))
	require.NoError(t, err)

	_, err = b.Spawn(context.Background(), testSpec(hacconfig.ProviderCloudHypervisor))
	require.Error(t, err)
}

func TestManagedBridgeRejectsStatusOutsideAllowedVMIDs(t *testing.T) {
	m := newTestManager(t)
	b := NewManagedBridge(m, ScopeGuard{AllowedVMIDs: map[string]bool{"other-vm": true}})

	vmID, err := b.Spawn(context.Background(), testSpec(hacconfig.ProviderFirecracker))
	require.NoError(t, err)
	// Spawn adds vmID to AllowedVMIDs itself, so it is now in-scope.
	_, err = b.Status(vmID)
	require.NoError(t, err)

	_, err = b.Status("never-spawned")
	require.Error(t, err)
}

func TestNativeBridgeForwardsCallsAndDecodesResults(t *testing.T) {
	inst := hypervisor.Instance{ID: "vm-native", State: hypervisor.StateRunning}
	n := NewNativeBridge(func(method string, args any) (any, error) {
		switch method {
		case "spawn":
			return "vm-native", nil
		case "status":
			return inst, nil
		case "list":
			return []hypervisor.Instance{inst}, nil
		case "terminate":
			return nil, nil
		}
		return nil, nil
	})

	vmID, err := n.Spawn(context.Background(), testSpec(hacconfig.ProviderFirecracker))
	require.NoError(t, err)
	assert.Equal(t, "vm-native", vmID)

	status, err := n.Status(vmID)
	require.NoError(t, err)
	assert.Equal(t, inst, status)

	list := n.List()
	require.Len(t, list, 1)

	require.NoError(t, n.Terminate(context.Background(), vmID))
}
