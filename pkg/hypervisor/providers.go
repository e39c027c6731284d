package hypervisor

import (
	"context"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v4/process"
	log "github.com/sirupsen/logrus"

	"github.com/ionvm/substrate/codes"
	"github.com/ionvm/substrate/pkg/hacconfig"
)

// interruptSignal is the signal used for graceful shutdown, the way
// c6ai-hlf-easy/node/peer.go's PeerNode.Stop signals os.Interrupt.
var interruptSignal = os.Interrupt

// ProbeResult reports whether a provider's HAL binary is reachable, for
// the `ready` event initialize() emits (§4.9).
type ProbeResult struct {
	Provider  hacconfig.Provider
	Version   string
	Available bool
	Reason    string
}

// Task is the payload routed to a spawned VM over VSOCK (§4.12 task
// envelope); pkg/vsock.Channel is the concrete transport.
type Task struct {
	Command string
	Args    []string
	Env     map[string]string
	Timeout time.Duration
}

// TaskResult is a completed Task's outcome (§4.12 result envelope).
type TaskResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Duration time.Duration
}

// Channel is the VSOCK transport a spawned VM communicates over. Defined
// here (consumer side) and satisfied by pkg/vsock.Channel, so hypervisor
// has no import dependency on the concrete transport package.
type Channel interface {
	Send(task Task) (taskID string, err error)
	Receive(taskID string, timeout time.Duration) (TaskResult, error)
	IsConnected() bool
	Close() error
}

// ProviderProbe abstracts one concrete microVM backend (firecracker,
// cloud-hypervisor, unikernel). A fakeHAL test double lets the state
// machine be exercised without a real Firecracker binary; execHAL is the
// os/exec-backed production implementation (§4.9).
type ProviderProbe interface {
	// Probe checks the HAL binary is reachable and reports its version.
	Probe(ctx context.Context) ProbeResult
	// Materialize starts the VM process for spec and opens its VSOCK
	// channel, returning the supervisor PID and channel.
	Materialize(ctx context.Context, spec hacconfig.Spec, vsockCID uint32) (pid int, ch Channel, err error)
	// AwaitRunning blocks until the VM at pid reports the running state
	// or ctx is done.
	AwaitRunning(ctx context.Context, pid int) error
	// Sample returns a liveness/resource snapshot for pid.
	Sample(pid int) (Metrics, error)
	// Terminate stops pid, gracefully if graceful is true, otherwise by
	// force.
	Terminate(ctx context.Context, pid int, graceful bool) error
}

// VsockDialer opens a connected Channel to the guest agent listening at
// vsockCID, once the HAL process backing that VM has started. The
// composition root supplies pkg/vsock.DialGuest wrapped through
// pkg/vsock.Wrap here; this package only ever sees the Channel interface,
// never the concrete transport (see Channel's doc comment for why).
type VsockDialer func(vsockCID uint32) (Channel, error)

// execHAL drives a real HAL binary via os/exec, the way
// c6ai-hlf-easy/node/peer.go's PeerNode.Start launches and supervises an
// external binary via exec.Cmd, sampling it with gopsutil/v4/process.
type execHAL struct {
	provider hacconfig.Provider
	binary   string
	dial     VsockDialer

	mu   sync.Mutex
	cmds map[int]*exec.Cmd
}

// NewExecHAL creates a HAL driver for provider, invoking binary to
// materialize and probe VMs. dial opens the real VSOCK channel to each
// materialized VM; a nil dial makes Materialize fail fast with
// VSOCK_DISCONNECTED instead of silently handing back a channel that can
// never come up.
func NewExecHAL(provider hacconfig.Provider, binary string, dial VsockDialer) ProviderProbe {
	return &execHAL{provider: provider, binary: binary, dial: dial, cmds: make(map[int]*exec.Cmd)}
}

func (h *execHAL) Probe(ctx context.Context) ProbeResult {
	path, err := exec.LookPath(h.binary)
	if err != nil {
		return ProbeResult{Provider: h.provider, Available: false, Reason: err.Error()}
	}
	out, err := exec.CommandContext(ctx, path, "--version").Output()
	if err != nil {
		return ProbeResult{Provider: h.provider, Available: false,
			Reason: errors.Wrapf(err, "probe %s version", h.binary).Error()}
	}
	return ProbeResult{Provider: h.provider, Available: true, Version: strings.TrimSpace(string(out))}
}

func (h *execHAL) Materialize(ctx context.Context, spec hacconfig.Spec, vsockCID uint32) (int, Channel, error) {
	path, err := exec.LookPath(h.binary)
	if err != nil {
		return 0, nil, codes.Wrap(codes.HALNotFound, err, "locate HAL binary for "+string(spec.Provider))
	}

	args := []string{"--name", spec.Name, "--vcpus", strconv.Itoa(spec.VCPUs), "--memory-mb", strconv.Itoa(spec.MemoryMB),
		"--kernel", spec.KernelPath, "--rootfs", spec.RootfsPath}
	cmd := exec.CommandContext(ctx, path, args...)
	if err := cmd.Start(); err != nil {
		return 0, nil, errors.Wrapf(err, "start HAL process for vm %s", spec.Name)
	}

	h.mu.Lock()
	h.cmds[cmd.Process.Pid] = cmd
	h.mu.Unlock()

	log.WithFields(log.Fields{"component": "hypervisor", "provider": h.provider, "pid": cmd.Process.Pid}).
		Info("materialized HAL process")

	if h.dial == nil {
		_ = h.Terminate(ctx, cmd.Process.Pid, false)
		return 0, nil, codes.New(codes.VsockDisconnected, "execHAL has no vsock dialer configured")
	}
	ch, err := h.dial(vsockCID)
	if err != nil {
		_ = h.Terminate(ctx, cmd.Process.Pid, false)
		return 0, nil, codes.Wrap(codes.VsockDisconnected, err, "dial vsock channel for materialized vm")
	}

	return cmd.Process.Pid, ch, nil
}

func (h *execHAL) AwaitRunning(ctx context.Context, pid int) error {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return errors.Wrapf(err, "locate process %d", pid)
	}
	for {
		running, err := p.IsRunningWithContext(ctx)
		if err == nil && running {
			return nil
		}
		select {
		case <-ctx.Done():
			return codes.Wrap(codes.BootTimeout, ctx.Err(), "vm did not reach running state in time")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (h *execHAL) Sample(pid int) (Metrics, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return Metrics{}, errors.Wrapf(err, "locate process %d for sampling", pid)
	}
	cpuPct, err := p.CPUPercent()
	if err != nil {
		return Metrics{}, errors.Wrap(err, "sample cpu percent")
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		return Metrics{}, errors.Wrap(err, "sample memory info")
	}
	var rss uint64
	if mem != nil {
		rss = mem.RSS
	}
	return Metrics{PID: int32(pid), CPUPercent: cpuPct, MemoryRSS: rss, SampledAt: time.Now()}, nil
}

func (h *execHAL) Terminate(ctx context.Context, pid int, graceful bool) error {
	h.mu.Lock()
	cmd, ok := h.cmds[pid]
	h.mu.Unlock()
	if !ok {
		return nil
	}

	if graceful {
		if err := cmd.Process.Signal(interruptSignal); err == nil {
			done := make(chan error, 1)
			go func() { _, err := cmd.Process.Wait(); done <- err }()
			select {
			case <-done:
				h.forget(pid)
				return nil
			case <-ctx.Done():
			}
		}
	}

	if err := cmd.Process.Kill(); err != nil {
		return errors.Wrapf(err, "force-kill pid %d", pid)
	}
	_, _ = cmd.Process.Wait()
	h.forget(pid)
	return nil
}

func (h *execHAL) forget(pid int) {
	h.mu.Lock()
	delete(h.cmds, pid)
	h.mu.Unlock()
}

