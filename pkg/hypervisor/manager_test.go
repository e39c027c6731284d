package hypervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ionvm/substrate/codes"
	"github.com/ionvm/substrate/pkg/audit"
	"github.com/ionvm/substrate/pkg/hacconfig"
)

// fakeHAL is the ProviderProbe test double the state machine is exercised
// against instead of a real Firecracker/Cloud Hypervisor binary (§4.9).
type fakeHAL struct {
	mu             sync.Mutex
	available      bool
	version        string
	failMaterialize bool
	failAwait      bool
	nextPID        int
	channels       map[int]*fakeChannel
	terminated     map[int]bool
}

func newFakeHAL(available bool) *fakeHAL {
	return &fakeHAL{available: available, version: "fake-1.0", nextPID: 100,
		channels: make(map[int]*fakeChannel), terminated: make(map[int]bool)}
}

func (f *fakeHAL) Probe(context.Context) ProbeResult {
	return ProbeResult{Available: f.available, Version: f.version, Reason: reasonFor(f.available)}
}

func reasonFor(available bool) string {
	if available {
		return ""
	}
	return "fake HAL unavailable"
}

func (f *fakeHAL) Materialize(ctx context.Context, spec hacconfig.Spec, vsockCID uint32) (int, Channel, error) {
	if f.failMaterialize {
		return 0, nil, codes.New(codes.HALNotFound, "fake materialize failure")
	}
	f.mu.Lock()
	pid := f.nextPID
	f.nextPID++
	ch := &fakeChannel{connected: true}
	f.channels[pid] = ch
	f.mu.Unlock()
	return pid, ch, nil
}

func (f *fakeHAL) AwaitRunning(ctx context.Context, pid int) error {
	if f.failAwait {
		return codes.New(codes.BootTimeout, "fake boot timeout")
	}
	return nil
}

func (f *fakeHAL) Sample(pid int) (Metrics, error) {
	return Metrics{PID: int32(pid), CPUPercent: 1.5, MemoryRSS: 1024, SampledAt: time.Now()}, nil
}

func (f *fakeHAL) Terminate(ctx context.Context, pid int, graceful bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated[pid] = true
	if ch, ok := f.channels[pid]; ok {
		ch.connected = false
	}
	return nil
}

type fakeChannel struct {
	mu        sync.Mutex
	connected bool
	sendErr   error
	result    TaskResult
	recvErr   error
}

func (c *fakeChannel) Send(task Task) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return "", c.sendErr
	}
	return "task-1", nil
}

func (c *fakeChannel) Receive(taskID string, timeout time.Duration) (TaskResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.recvErr != nil {
		return TaskResult{}, c.recvErr
	}
	return c.result, nil
}

func (c *fakeChannel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	return nil
}

func testSpec() hacconfig.Spec {
	return hacconfig.Spec{
		Name: "agent-vm-1", Provider: hacconfig.ProviderFirecracker,
		VCPUs: 2, MemoryMB: 512,
		KernelPath: "/boot/vmlinux", RootfsPath: "/images/rootfs.ext4",
		Metadata: map[string]string{},
	}
}

func newTestManager(t *testing.T, hal *fakeHAL) *Manager {
	t.Helper()
	cfg := DefaultConfig()
	cfg.HostCapacity = hacconfig.HostCapacity{VCPUs: 8, MemoryMB: 4096}
	cfg.MaxConcurrentVMs = 2
	cfg.BootTimeout = time.Second
	probes := map[hacconfig.Provider]ProviderProbe{hacconfig.ProviderFirecracker: hal}
	sink := audit.NewMemorySink()
	m := New(cfg, probes, nil, sink, nil)
	return m
}

func TestInitializeEmitsReadyAndFailsWithoutAvailableProvider(t *testing.T) {
	m := newTestManager(t, newFakeHAL(false))
	var readyEvents []Event
	m.On(func(e Event) {
		if e.Type == EventReady {
			readyEvents = append(readyEvents, e)
		}
	})

	err := m.Initialize(context.Background())
	require.Error(t, err)
	assert.True(t, codes.Is(err, codes.ProviderUnavailable))
	assert.Len(t, readyEvents, 1)
}

func TestInitializeSucceedsWithAvailableProvider(t *testing.T) {
	m := newTestManager(t, newFakeHAL(true))
	require.NoError(t, m.Initialize(context.Background()))
}

func TestSpawnFollowsFullContractAndEmitsEvents(t *testing.T) {
	hal := newFakeHAL(true)
	m := newTestManager(t, hal)
	require.NoError(t, m.Initialize(context.Background()))

	var events []Event
	m.On(func(e Event) { events = append(events, e) })

	id, err := m.Spawn(context.Background(), testSpec())
	require.NoError(t, err)
	require.NotEmpty(t, id)

	inst, err := m.GetStatus(id)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, inst.State)
	assert.NotZero(t, inst.PID)

	var sawSpawned bool
	for _, e := range events {
		if e.Type == EventVMSpawned {
			sawSpawned = true
		}
	}
	assert.True(t, sawSpawned, "expected vm-spawned event")
}

func TestSpawnRejectsInvalidSpec(t *testing.T) {
	m := newTestManager(t, newFakeHAL(true))
	spec := testSpec()
	spec.VCPUs = 0
	_, err := m.Spawn(context.Background(), spec)
	require.Error(t, err)
	assert.True(t, codes.Is(err, codes.InvalidConfig))
}

func TestSpawnRejectsOverMaxConcurrentVMs(t *testing.T) {
	hal := newFakeHAL(true)
	m := newTestManager(t, hal)
	require.NoError(t, m.Initialize(context.Background()))

	_, err := m.Spawn(context.Background(), testSpec())
	require.NoError(t, err)
	spec2 := testSpec()
	spec2.Name = "agent-vm-2"
	_, err = m.Spawn(context.Background(), spec2)
	require.NoError(t, err)

	spec3 := testSpec()
	spec3.Name = "agent-vm-3"
	_, err = m.Spawn(context.Background(), spec3)
	require.Error(t, err)
	assert.True(t, codes.Is(err, codes.MaxVMsExceeded))
}

func TestSpawnRejectsOverHostCapacityWithoutConsumingResources(t *testing.T) {
	hal := newFakeHAL(true)
	m := newTestManager(t, hal)
	m.cfg.HostCapacity = hacconfig.HostCapacity{VCPUs: 1, MemoryMB: 4096}
	require.NoError(t, m.Initialize(context.Background()))

	_, err := m.Spawn(context.Background(), testSpec())
	require.Error(t, err)
	assert.True(t, codes.Is(err, codes.ResourceExceeded))
	assert.Equal(t, 0, m.runningVCPUs, "rejected spawn must not consume resources")
}

func TestSpawnReleasesResourcesOnBootTimeout(t *testing.T) {
	hal := newFakeHAL(true)
	hal.failAwait = true
	m := newTestManager(t, hal)
	require.NoError(t, m.Initialize(context.Background()))

	_, err := m.Spawn(context.Background(), testSpec())
	require.Error(t, err)
	assert.True(t, codes.Is(err, codes.BootTimeout))
	assert.Equal(t, 0, m.runningVCPUs)
	assert.Equal(t, 0, m.runningMemoryMB)
}

func TestTerminateIsIdempotent(t *testing.T) {
	hal := newFakeHAL(true)
	m := newTestManager(t, hal)
	require.NoError(t, m.Initialize(context.Background()))
	id, err := m.Spawn(context.Background(), testSpec())
	require.NoError(t, err)

	require.NoError(t, m.Terminate(context.Background(), id, "test teardown"))
	require.NoError(t, m.Terminate(context.Background(), id, "test teardown again"))

	inst, err := m.GetStatus(id)
	require.NoError(t, err)
	assert.Equal(t, StateTerminated, inst.State)

	require.NoError(t, m.Terminate(context.Background(), "no-such-vm", "noop"))
}

func TestExecuteTaskRoutesThroughChannel(t *testing.T) {
	hal := newFakeHAL(true)
	m := newTestManager(t, hal)
	require.NoError(t, m.Initialize(context.Background()))
	id, err := m.Spawn(context.Background(), testSpec())
	require.NoError(t, err)

	hal.mu.Lock()
	for _, ch := range hal.channels {
		ch.result = TaskResult{ExitCode: 0, Stdout: []byte("ok")}
	}
	hal.mu.Unlock()

	result, err := m.ExecuteTask(context.Background(), id, Task{Command: "echo", Args: []string{"hi"}})
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
}

func TestExecuteTaskTerminatesOnDisconnection(t *testing.T) {
	hal := newFakeHAL(true)
	m := newTestManager(t, hal)
	require.NoError(t, m.Initialize(context.Background()))
	id, err := m.Spawn(context.Background(), testSpec())
	require.NoError(t, err)

	m.mu.Lock()
	ch := m.channels[id].(*fakeChannel)
	m.mu.Unlock()
	ch.mu.Lock()
	ch.connected = false
	ch.mu.Unlock()

	_, err = m.ExecuteTask(context.Background(), id, Task{Command: "echo"})
	require.Error(t, err)
	assert.True(t, codes.Is(err, codes.VsockDisconnected))

	inst, err := m.GetStatus(id)
	require.NoError(t, err)
	assert.Equal(t, StateTerminated, inst.State)
}

func TestReportSecurityViolationTerminatesVM(t *testing.T) {
	hal := newFakeHAL(true)
	m := newTestManager(t, hal)
	require.NoError(t, m.Initialize(context.Background()))
	id, err := m.Spawn(context.Background(), testSpec())
	require.NoError(t, err)

	var sawViolation bool
	m.On(func(e Event) {
		if e.Type == EventSecurityViolation {
			sawViolation = true
		}
	})

	require.NoError(t, m.ReportSecurityViolation(context.Background(), id, "out-of-scope filesystem access"))
	assert.True(t, sawViolation)

	inst, err := m.GetStatus(id)
	require.NoError(t, err)
	assert.Equal(t, StateTerminated, inst.State)
}

func TestGetMetricsSamplesProcess(t *testing.T) {
	hal := newFakeHAL(true)
	m := newTestManager(t, hal)
	require.NoError(t, m.Initialize(context.Background()))
	id, err := m.Spawn(context.Background(), testSpec())
	require.NoError(t, err)

	metrics, err := m.GetMetrics(id)
	require.NoError(t, err)
	assert.NotZero(t, metrics.PID)
}
