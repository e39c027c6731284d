package moltbot

import (
	"context"
	"os"
	"path/filepath"
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
	probes := map[hacconfig.Provider]hypervisor.ProviderProbe{hacconfig.ProviderFirecracker: stubProbe{}}
	cfg := hypervisor.DefaultConfig()
	cfg.HostCapacity = hacconfig.HostCapacity{VCPUs: 64, MemoryMB: 65536}
	m := hypervisor.New(cfg, probes, nil, audit.NewMemorySink(), nil)
	require.NoError(t, m.Initialize(context.Background()))
	return m
}

func writeAgentConfig(t *testing.T, dir, name string) {
	t.Helper()
	content := `[vm]
name = "` + name + `"
provider = "firecracker"

[resources]
vcpus = 2
memory_mb = 256

[boot]
kernel_path = "/kernels/vmlinux"
rootfs_path = "/images/rootfs.ext4"

[network]
enabled = false
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".toml"), []byte(content), 0o600))
}

func TestDeployerDeployRecordsRegistryEntry(t *testing.T) {
	configsDir := t.TempDir()
	writeAgentConfig(t, configsDir, "planner")

	reg, err := NewJSONRegistry(filepath.Join(t.TempDir(), "registry.json"))
	require.NoError(t, err)

	m := newTestManager(t)
	d := New(m, configsDir, reg)

	deployment, err := d.Deploy(context.Background(), "planner", Override{})
	require.NoError(t, err)
	assert.NotEmpty(t, deployment.VMID)
	assert.Equal(t, hypervisor.StateRunning, deployment.State)

	got, ok := reg.Get("planner")
	require.True(t, ok)
	assert.Equal(t, deployment.VMID, got.VMID)
}

func TestDeployerDeployAppliesOverrides(t *testing.T) {
	configsDir := t.TempDir()
	writeAgentConfig(t, configsDir, "planner")

	reg, err := NewJSONRegistry(filepath.Join(t.TempDir(), "registry.json"))
	require.NoError(t, err)

	m := newTestManager(t)
	d := New(m, configsDir, reg)

	vcpus := 3
	deployment, err := d.Deploy(context.Background(), "planner", Override{VCPUs: &vcpus})
	require.NoError(t, err)
	assert.Equal(t, 3, deployment.Spec.VCPUs)
}

func TestDeployerUndeployRemovesRegistryEntryAndTerminatesVM(t *testing.T) {
	configsDir := t.TempDir()
	writeAgentConfig(t, configsDir, "planner")

	reg, err := NewJSONRegistry(filepath.Join(t.TempDir(), "registry.json"))
	require.NoError(t, err)

	m := newTestManager(t)
	d := New(m, configsDir, reg)

	deployment, err := d.Deploy(context.Background(), "planner", Override{})
	require.NoError(t, err)

	require.NoError(t, d.Undeploy(context.Background(), "planner"))
	_, ok := reg.Get("planner")
	assert.False(t, ok)

	status, err := m.GetStatus(deployment.VMID)
	require.NoError(t, err)
	assert.Equal(t, hypervisor.StateTerminated, status.State)
}

func TestDeployerUndeployUnknownAgentFails(t *testing.T) {
	configsDir := t.TempDir()
	reg, err := NewJSONRegistry(filepath.Join(t.TempDir(), "registry.json"))
	require.NoError(t, err)
	m := newTestManager(t)
	d := New(m, configsDir, reg)

	err = d.Undeploy(context.Background(), "ghost")
	require.Error(t, err)
}
