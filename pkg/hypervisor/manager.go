package hypervisor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/ionvm/substrate/codes"
	"github.com/ionvm/substrate/pkg/audit"
	"github.com/ionvm/substrate/pkg/eventbus"
	"github.com/ionvm/substrate/pkg/hacconfig"
	"github.com/ionvm/substrate/pkg/imageverify"
)

// EventType discriminates the payloads emitted on Manager's event bus
// (§4.9, §6 event schema).
type EventType string

const (
	EventReady              EventType = "ready"
	EventVMSpawned          EventType = "vm-spawned"
	EventVMTerminated       EventType = "vm-terminated"
	EventStateChange        EventType = "state-change"
	EventSecurityViolation  EventType = "security-violation"
	EventHealthWarning      EventType = "health-warning"
)

// Event is one notification emitted by Manager.
type Event struct {
	Type    EventType
	VMID    string
	Details map[string]any
	At      time.Time
}

// Metrics is a point-in-time liveness/resource snapshot for a VM process
// (§4.9 get_metrics).
type Metrics struct {
	PID         int32
	CPUPercent  float64
	MemoryRSS   uint64
	SampledAt   time.Time
}

// Instance is a running or terminated VM (§3 "VM Instance").
type Instance struct {
	ID        string
	Provider  hacconfig.Provider
	Spec      hacconfig.Spec
	State     State
	PID       int
	VSockCID  uint32
	CreatedAt time.Time
	UpdatedAt time.Time
	Metrics   Metrics
}

// Config bounds Manager's resource and timing behavior (§3 "Resource
// conservation", §4.9 operation contracts).
type Config struct {
	MaxConcurrentVMs       int
	HostCapacity           hacconfig.HostCapacity
	BootTimeout            time.Duration
	GracePeriod            time.Duration
	HealthWarningWindow    time.Duration
	HealthWarningThreshold int
}

// DefaultConfig returns conservative defaults matching spec.md's stated
// defaults for analogous windows/thresholds elsewhere (§4.8).
func DefaultConfig() Config {
	return Config{
		MaxConcurrentVMs:       16,
		BootTimeout:            10 * time.Second,
		GracePeriod:            5 * time.Second,
		HealthWarningWindow:    60 * time.Second,
		HealthWarningThreshold: 10,
	}
}

// idGen generates a VM id; overridable in tests for determinism.
type idGen func() string

// Manager is the Hypervisor Manager (§4.9): it exclusively owns its
// running VM set and resource counters under a single-writer discipline
// (§5 concurrency model).
type Manager struct {
	cfg      Config
	probes   map[hacconfig.Provider]ProviderProbe
	verifier *imageverify.Verifier
	sink     audit.Sink
	bus      *eventbus.Bus[Event]
	genID    idGen
	log      *log.Entry

	mu              sync.Mutex
	initialized     bool
	instances       map[string]*Instance
	channels        map[string]Channel
	runningVCPUs    int
	runningMemoryMB int
	errorTimestamps []time.Time
}

// New creates a Manager over probes (one per supported provider),
// verifying boot-gating digests against verifier and recording lifecycle
// events to sink.
func New(cfg Config, probes map[hacconfig.Provider]ProviderProbe, verifier *imageverify.Verifier, sink audit.Sink, genID idGen) *Manager {
	if genID == nil {
		genID = uuid.NewString
	}
	return &Manager{
		cfg:       cfg,
		probes:    probes,
		verifier:  verifier,
		sink:      sink,
		bus:       eventbus.New[Event](),
		genID:     genID,
		log:       log.WithField("component", "hypervisor"),
		instances: make(map[string]*Instance),
		channels:  make(map[string]Channel),
	}
}

// On registers a listener for Manager events and returns an unsubscribe
// func (§4.9 events).
func (m *Manager) On(fn func(Event)) (unsubscribe func()) {
	return m.bus.On(fn)
}

func (m *Manager) emit(evt Event) {
	evt.At = time.Now()
	m.bus.Emit(evt)
}

func (m *Manager) record(e audit.Event) {
	if m.sink == nil {
		return
	}
	if err := m.sink.Record(e); err != nil {
		m.log.WithError(err).Warn("failed to record audit event")
	}
}

// Initialize probes every configured provider's HAL binary and emits a
// `ready` event listing {provider, version, available, reason?}. Fails
// with PROVIDER_UNAVAILABLE if no provider is available (§4.9).
func (m *Manager) Initialize(ctx context.Context) error {
	results := make([]ProbeResult, 0, len(m.probes))
	anyAvailable := false
	for provider, probe := range m.probes {
		r := probe.Probe(ctx)
		r.Provider = provider
		results = append(results, r)
		if r.Available {
			anyAvailable = true
		}
	}

	details := map[string]any{"providers": results}
	m.record(audit.Event{Timestamp: time.Now().UnixMilli(), Actor: "hypervisor", EventType: audit.EventReady, Details: details})
	m.emit(Event{Type: EventReady, Details: details})

	if !anyAvailable {
		return codes.New(codes.ProviderUnavailable, "no configured provider's HAL binary is available")
	}

	m.mu.Lock()
	m.initialized = true
	m.mu.Unlock()
	return nil
}

// runningCount returns the number of instances not in a terminal state.
// Caller must hold m.mu.
func (m *Manager) runningCount() int {
	n := 0
	for _, inst := range m.instances {
		if !IsTerminal(inst.State) {
			n++
		}
	}
	return n
}

// Spawn provisions a VM from spec, following the contract of §4.9
// "spawn(spec) -> vm_id" steps (a)-(g).
func (m *Manager) Spawn(ctx context.Context, spec hacconfig.Spec) (string, error) {
	// (a) validate spec against schema; host capacity is checked in (c).
	result := hacconfig.Validate(spec, hacconfig.HostCapacity{})
	if !result.OK {
		return "", codes.Field(codes.InvalidConfig, "spec", joinReasons(result.Reasons))
	}

	m.mu.Lock()
	// (b) concurrency limit.
	if m.cfg.MaxConcurrentVMs > 0 && m.runningCount() >= m.cfg.MaxConcurrentVMs {
		m.mu.Unlock()
		return "", codes.New(codes.MaxVMsExceeded, "running_count >= max_concurrent_vms")
	}
	// (c) remaining host capacity.
	if m.cfg.HostCapacity.VCPUs > 0 && m.runningVCPUs+spec.VCPUs > m.cfg.HostCapacity.VCPUs {
		m.mu.Unlock()
		return "", codes.New(codes.ResourceExceeded, "insufficient remaining vcpu capacity")
	}
	if m.cfg.HostCapacity.MemoryMB > 0 && m.runningMemoryMB+spec.MemoryMB > m.cfg.HostCapacity.MemoryMB {
		m.mu.Unlock()
		return "", codes.New(codes.ResourceExceeded, "insufficient remaining memory capacity")
	}
	// Reserve resources now so a rejected spawn never consumes them but a
	// concurrent spawn cannot oversubscribe while this one is in flight.
	m.runningVCPUs += spec.VCPUs
	m.runningMemoryMB += spec.MemoryMB
	probe, ok := m.probes[spec.Provider]
	m.mu.Unlock()

	release := func() {
		m.mu.Lock()
		m.runningVCPUs -= spec.VCPUs
		m.runningMemoryMB -= spec.MemoryMB
		m.mu.Unlock()
	}

	if !ok {
		release()
		return "", codes.Field(codes.ProviderUnavailable, "provider", "no probe configured for "+string(spec.Provider))
	}

	// (d) manifest gating.
	if m.verifier != nil {
		if err := m.verifier.VerifyImage(spec.RootfsPath); err != nil {
			release()
			m.recordError()
			return "", err
		}
		if err := m.verifier.VerifyKernel(spec.KernelPath); err != nil {
			release()
			m.recordError()
			return "", err
		}
	}

	id := m.genID()
	now := time.Now()
	inst := &Instance{ID: id, Provider: spec.Provider, Spec: spec, State: StateProvisioning, CreatedAt: now, UpdatedAt: now}

	m.mu.Lock()
	m.instances[id] = inst
	m.mu.Unlock()

	fail := func(err error) (string, error) {
		release()
		m.recordError()
		m.transition(inst, StateError, err.Error())
		return "", err
	}

	bootCtx, cancel := context.WithTimeout(ctx, m.cfg.BootTimeout)
	defer cancel()

	// (e) materialize to the HAL, await running within boot_timeout_ms.
	vsockCID := uint32(len(m.instances)) + 1000
	pid, ch, err := probe.Materialize(bootCtx, spec, vsockCID)
	if err != nil {
		return fail(codes.Wrap(codes.HALNotFound, err, "materialize vm"))
	}
	if err := probe.AwaitRunning(bootCtx, pid); err != nil {
		_ = probe.Terminate(ctx, pid, false)
		return fail(codes.Wrap(codes.BootTimeout, err, "vm did not reach running state"))
	}

	// (f) open VSOCK channel and confirm liveness.
	if !ch.IsConnected() {
		_ = probe.Terminate(ctx, pid, false)
		return fail(codes.New(codes.VsockDisconnected, "vsock channel did not come up"))
	}

	m.mu.Lock()
	inst.PID = pid
	inst.VSockCID = vsockCID
	m.channels[id] = ch
	m.mu.Unlock()

	m.transition(inst, StateRunning, "boot sequence complete")

	// (g) register and emit vm-spawned.
	m.record(audit.Event{Timestamp: time.Now().UnixMilli(), Actor: "hypervisor", Subject: id, EventType: audit.EventSpawn,
		Details: map[string]any{"provider": spec.Provider, "name": spec.Name}})
	m.emit(Event{Type: EventVMSpawned, VMID: id, Details: map[string]any{"provider": spec.Provider}})

	return id, nil
}

// transition moves inst to next, recording the state-change event. It is
// a no-op (but still logs) if the transition is not permitted, which
// callers use only for the already-validated paths above.
func (m *Manager) transition(inst *Instance, next State, reason string) {
	m.mu.Lock()
	prev := inst.State
	if !CanTransition(prev, next) && prev != next {
		m.mu.Unlock()
		m.log.WithFields(log.Fields{"vm_id": inst.ID, "from": prev, "to": next}).
			Warn("rejected illegal state transition")
		return
	}
	inst.State = next
	inst.UpdatedAt = time.Now()
	m.mu.Unlock()

	m.record(audit.Event{Timestamp: time.Now().UnixMilli(), Actor: "hypervisor", Subject: inst.ID, EventType: audit.EventStateChange,
		Details: map[string]any{"previous": prev, "next": next, "reason": reason}})
	m.emit(Event{Type: EventStateChange, VMID: inst.ID, Details: map[string]any{"previous": prev, "next": next, "reason": reason}})
}

// Terminate gracefully shuts down vmID, force-killing on grace period
// expiry, releasing allocations and running cleanup. Idempotent (§4.9).
func (m *Manager) Terminate(ctx context.Context, vmID, reason string) error {
	m.mu.Lock()
	inst, ok := m.instances[vmID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	if IsTerminal(inst.State) {
		m.mu.Unlock()
		return nil
	}
	probe := m.probes[inst.Provider]
	pid := inst.PID
	m.mu.Unlock()

	m.transition(inst, StateStopping, reason)

	graceCtx, cancel := context.WithTimeout(ctx, m.cfg.GracePeriod)
	defer cancel()
	if err := probe.Terminate(graceCtx, pid, true); err != nil {
		m.log.WithError(err).WithField("vm_id", vmID).Warn("graceful terminate failed, forcing")
		if err := probe.Terminate(ctx, pid, false); err != nil {
			return codes.Wrap(codes.CleanupFailed, err, "force-kill vm")
		}
	}

	m.mu.Lock()
	if ch, ok := m.channels[vmID]; ok {
		_ = ch.Close()
		delete(m.channels, vmID)
	}
	m.runningVCPUs -= inst.Spec.VCPUs
	m.runningMemoryMB -= inst.Spec.MemoryMB
	m.mu.Unlock()

	m.transition(inst, StateTerminated, reason)

	m.record(audit.Event{Timestamp: time.Now().UnixMilli(), Actor: "hypervisor", Subject: vmID, EventType: audit.EventTerminate,
		Details: map[string]any{"reason": reason}})
	m.emit(Event{Type: EventVMTerminated, VMID: vmID, Details: map[string]any{"reason": reason}})
	return nil
}

// GetStatus returns a copy of vmID's current Instance.
func (m *Manager) GetStatus(vmID string) (Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[vmID]
	if !ok {
		return Instance{}, codes.Field(codes.VMNotFound, "vm_id", "no such vm "+vmID)
	}
	return *inst, nil
}

// ListVMs returns a snapshot of every known Instance.
func (m *Manager) ListVMs() []Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		out = append(out, *inst)
	}
	return out
}

// GetMetrics samples vmID's supervisor process and updates its stored
// Metrics.
func (m *Manager) GetMetrics(vmID string) (Metrics, error) {
	m.mu.Lock()
	inst, ok := m.instances[vmID]
	if !ok {
		m.mu.Unlock()
		return Metrics{}, codes.Field(codes.VMNotFound, "vm_id", "no such vm "+vmID)
	}
	probe := m.probes[inst.Provider]
	pid := inst.PID
	m.mu.Unlock()

	metrics, err := probe.Sample(pid)
	if err != nil {
		return Metrics{}, codes.Wrap(codes.IOError, err, "sample vm metrics")
	}

	m.mu.Lock()
	inst.Metrics = metrics
	m.mu.Unlock()
	return metrics, nil
}

// ExecuteTask routes task through vmID's VSOCK channel (§4.12). When the
// channel is missing or disconnected it terminates the VM and returns
// VSOCK_DISCONNECTED; no reconnect is attempted.
func (m *Manager) ExecuteTask(ctx context.Context, vmID string, task Task) (TaskResult, error) {
	m.mu.Lock()
	inst, ok := m.instances[vmID]
	ch, chOK := m.channels[vmID]
	m.mu.Unlock()
	if !ok {
		return TaskResult{}, codes.Field(codes.VMNotFound, "vm_id", "no such vm "+vmID)
	}
	if !chOK || !ch.IsConnected() {
		m.recordError()
		if err := m.Terminate(ctx, vmID, "vsock disconnected"); err != nil {
			m.log.WithError(err).WithField("vm_id", vmID).Warn("cleanup after vsock disconnection failed")
		}
		return TaskResult{}, codes.New(codes.VsockDisconnected, "vsock channel unavailable")
	}

	taskID, err := ch.Send(task)
	if err != nil {
		m.recordError()
		return TaskResult{}, codes.Wrap(codes.VsockDisconnected, err, "send task")
	}
	result, err := ch.Receive(taskID, task.Timeout)
	if err != nil {
		m.recordError()
		return TaskResult{}, codes.Wrap(codes.VsockDisconnected, err, "receive task result")
	}
	_ = inst
	return result, nil
}

// ReportSecurityViolation terminates vmID and emits security-violation,
// for agents observed attempting out-of-scope access (§4.9).
func (m *Manager) ReportSecurityViolation(ctx context.Context, vmID, description string) error {
	m.record(audit.Event{Timestamp: time.Now().UnixMilli(), Actor: "hypervisor", Subject: vmID, EventType: audit.EventPolicyViolation,
		Details: map[string]any{"description": description}})
	m.emit(Event{Type: EventSecurityViolation, VMID: vmID, Details: map[string]any{"description": description}})
	return m.Terminate(ctx, vmID, "security violation: "+description)
}

// recordError appends to the sliding error window and emits
// health-warning once the threshold is exceeded (§4.9 failure handling).
func (m *Manager) recordError() {
	m.mu.Lock()
	now := time.Now()
	window := m.cfg.HealthWarningWindow
	if window <= 0 {
		window = 60 * time.Second
	}
	cutoff := now.Add(-window)
	kept := m.errorTimestamps[:0]
	for _, t := range m.errorTimestamps {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	m.errorTimestamps = kept
	count := len(kept)
	threshold := m.cfg.HealthWarningThreshold
	if threshold <= 0 {
		threshold = 10
	}
	m.mu.Unlock()

	if count > threshold {
		m.emit(Event{Type: EventHealthWarning, Details: map[string]any{"error_count": count, "threshold": threshold}})
	}
}

func joinReasons(reasons []string) string {
	if len(reasons) == 0 {
		return "validation failed"
	}
	out := reasons[0]
	for _, r := range reasons[1:] {
		out += "; " + r
	}
	return out
}
