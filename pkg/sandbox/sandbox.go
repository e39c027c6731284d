// Package sandbox implements the Ultra-Sandbox Adapter (SPEC_FULL.md
// §4.11): per-agent policy gating over the Hypervisor Manager, cleanup
// verification on teardown, and a runtime guard-rail hook consulted for
// every task an agent's VM attempts. Policy documents are loaded as YAML
// (gopkg.in/yaml.v3); this package is the module's only YAML consumer.
package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/ionvm/substrate/codes"
	"github.com/ionvm/substrate/pkg/audit"
	"github.com/ionvm/substrate/pkg/hacconfig"
	"github.com/ionvm/substrate/pkg/hypervisor"
)

// Policy is the Sandbox Policy (§3): declarative allow-list, resource
// caps, and network/filesystem access for one agent.
type Policy struct {
	AgentID           string   `yaml:"agent_id"`
	AllowedOperations []string `yaml:"allowed_operations"`
	MaxMemoryMB       int      `yaml:"max_memory_mb"`
	MaxCPUPercent     float64  `yaml:"max_cpu_percent"`
	NetworkAccess     bool     `yaml:"network_access"`
	FilesystemAccess  []string `yaml:"filesystem_access"`
}

// LoadPolicy reads a Policy from a `.policy` YAML file (§6 persistent
// state layout: hypervisor/policies/<name>.policy).
func LoadPolicy(path string) (Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, codes.Wrap(codes.IOError, err, "read policy file")
	}
	var p Policy
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return Policy{}, codes.Wrap(codes.InvalidConfig, err, "parse policy yaml")
	}
	return p, nil
}

// Decision is evaluate_policy's result (§4.11): deterministic, with a
// non-empty reason on denial.
type Decision struct {
	Allowed      bool
	DeniedReason string
	PolicyID     string
}

// DestroyResult reports destroy_sandbox's outcome (§4.11).
type DestroyResult struct {
	VMTerminated   bool
	HostStateClean bool
	ResidualPaths  []string
}

// PolicyStore looks up a loaded Policy by agent id.
type PolicyStore interface {
	Policy(agentID string) (Policy, bool)
}

// fileStore is a PolicyStore backed by a directory of <agent>.policy
// files, lazily loaded and cached.
type fileStore struct {
	dir string

	mu    sync.Mutex
	cache map[string]Policy
}

// NewFilePolicyStore creates a PolicyStore rooted at dir (typically
// hypervisor/policies).
func NewFilePolicyStore(dir string) PolicyStore {
	return &fileStore{dir: dir, cache: make(map[string]Policy)}
}

func (s *fileStore) Policy(agentID string) (Policy, bool) {
	s.mu.Lock()
	if p, ok := s.cache[agentID]; ok {
		s.mu.Unlock()
		return p, true
	}
	s.mu.Unlock()

	p, err := LoadPolicy(filepath.Join(s.dir, agentID+".policy"))
	if err != nil {
		return Policy{}, false
	}
	s.mu.Lock()
	s.cache[agentID] = p
	s.mu.Unlock()
	return p, true
}

// residualTracker holds, per VM id, the paths a caller-supplied residual
// check reported as not cleaned up after termination.
// In this in-process adapter, cleanup is the HVM's own responsibility;
// residual paths surface only if an earlier destroy left entries behind.
type residualTracker struct {
	mu      sync.Mutex
	pending map[string][]string // vm_id -> leftover paths
}

// Adapter is the Ultra-Sandbox Adapter: policy-gated spawn/destroy atop a
// hypervisor.Manager (§4.11).
type Adapter struct {
	manager  *hypervisor.Manager
	policies PolicyStore
	sink     audit.Sink
	log      *log.Entry

	residual residualTracker
}

// New creates an Adapter over manager, reading policies from policies.
func New(manager *hypervisor.Manager, policies PolicyStore, sink audit.Sink) *Adapter {
	return &Adapter{
		manager:  manager,
		policies: policies,
		sink:     sink,
		log:      log.WithField("component", "sandbox"),
		residual: residualTracker{pending: make(map[string][]string)},
	}
}

func (a *Adapter) record(e audit.Event) {
	if a.sink == nil {
		return
	}
	if err := a.sink.Record(e); err != nil {
		a.log.WithError(err).Warn("failed to record audit event")
	}
}

// EvaluatePolicy is a deterministic pre-spawn / per-task gate: `operation`
// must appear in the agent's allowed_operations or the call is denied
// with a non-empty reason (§4.11 "evaluate_policy").
func (a *Adapter) EvaluatePolicy(agentID, operation string) Decision {
	policy, ok := a.policies.Policy(agentID)
	if !ok {
		return Decision{Allowed: false, DeniedReason: "no policy registered for agent " + agentID}
	}
	for _, allowed := range policy.AllowedOperations {
		if allowed == operation || allowed == "*" {
			return Decision{Allowed: true, PolicyID: agentID}
		}
	}
	return Decision{Allowed: false, DeniedReason: "operation " + operation + " not in agent's allowed_operations", PolicyID: agentID}
}

// SandboxedSpawnRequest describes one spawn_sandboxed call: the task the
// agent wants to run (gated against its policy) and the base spec
// template (kernel/rootfs/provider) to constrain under that policy.
type SandboxedSpawnRequest struct {
	AgentID string
	Task    hypervisor.Task
	Base    hacconfig.Spec
}

// SpawnSandboxed loads the agent's policy, evaluates it for pre-spawn
// against the requested task's command, constructs a spec with network
// disabled and no shared filesystem mounts, then spawns via the manager
// (§4.11).
func (a *Adapter) SpawnSandboxed(ctx context.Context, req SandboxedSpawnRequest) (string, error) {
	operation := req.Task.Command
	if operation == "" {
		operation = "spawn"
	}
	decision := a.EvaluatePolicy(req.AgentID, operation)
	if !decision.Allowed {
		a.record(audit.Event{Timestamp: time.Now().UnixMilli(), Actor: req.AgentID, EventType: audit.EventPolicyViolation,
			Details: map[string]any{"reason": decision.DeniedReason}})
		return "", codes.Field(codes.PolicyDenied, "agent_id", decision.DeniedReason)
	}

	policy, _ := a.policies.Policy(req.AgentID)
	spec := req.Base
	spec.NetworkEnabled = false
	if policy.MaxMemoryMB > 0 && spec.MemoryMB > policy.MaxMemoryMB {
		spec.MemoryMB = policy.MaxMemoryMB
	}
	if spec.Metadata == nil {
		spec.Metadata = make(map[string]string)
	}
	spec.Metadata["sandboxed_agent"] = req.AgentID
	spec.Drives = exclusiveDrives(spec.Drives)

	if conflicts := a.collidingDrivePaths(spec.Drives); len(conflicts) > 0 {
		reason := "drive path(s) already mounted by another running vm: " + strings.Join(conflicts, ", ")
		a.record(audit.Event{Timestamp: time.Now().UnixMilli(), Actor: req.AgentID, EventType: audit.EventPolicyViolation,
			Details: map[string]any{"reason": reason, "paths": conflicts}})
		return "", codes.Field(codes.PolicyDenied, "drives", reason)
	}

	vmID, err := a.manager.Spawn(ctx, spec)
	if err != nil {
		return "", err
	}
	return vmID, nil
}

// exclusiveDrives returns drives as a defensive copy so mutating spec.Drives
// afterward (e.g. read-only enforcement elsewhere) never touches the
// caller's slice.
func exclusiveDrives(in []hacconfig.Drive) []hacconfig.Drive {
	out := make([]hacconfig.Drive, len(in))
	copy(out, in)
	return out
}

// collidingDrivePaths reports every path in candidate that is also
// attached to a currently non-terminal VM the manager tracks, enforcing
// spec.md's "no filesystem mounts shared with any other running VM" half
// of the spawn_sandboxed contract (§4.11). Checked against the manager's
// live instance set rather than a separately maintained path registry so
// it can never drift from what is actually running.
func (a *Adapter) collidingDrivePaths(candidate []hacconfig.Drive) []string {
	mounted := make(map[string]bool)
	for _, inst := range a.manager.ListVMs() {
		if hypervisor.IsTerminal(inst.State) {
			continue
		}
		for _, d := range inst.Spec.Drives {
			mounted[d.Path] = true
		}
	}

	var conflicts []string
	for _, d := range candidate {
		if mounted[d.Path] {
			conflicts = append(conflicts, d.Path)
		}
	}
	return conflicts
}

// EvaluateTaskOperation is the runtime policy hook attached to every task
// operation a sandboxed VM attempts (§4.11 "guard-rails each task
// operation"). On denial the caller is expected to treat this as a
// SECURITY_VIOLATION and terminate the VM via the manager.
func (a *Adapter) EvaluateTaskOperation(agentID, command string) Decision {
	return a.EvaluatePolicy(agentID, command)
}

// DestroySandbox terminates vmID and verifies host-state cleanup. If
// cleanup fails, residual paths are recorded and a warning emitted; they
// are re-checked only when a caller invokes ReconcileResiduals.
func (a *Adapter) DestroySandbox(ctx context.Context, vmID string, residualCheck func(vmID string) []string) (DestroyResult, error) {
	if err := a.manager.Terminate(ctx, vmID, "sandbox teardown"); err != nil {
		return DestroyResult{}, err
	}

	var leftover []string
	if residualCheck != nil {
		leftover = residualCheck(vmID)
	}

	a.residual.mu.Lock()
	if len(leftover) > 0 {
		a.residual.pending[vmID] = leftover
	} else {
		delete(a.residual.pending, vmID)
	}
	a.residual.mu.Unlock()

	if len(leftover) > 0 {
		a.log.WithField("vm_id", vmID).WithField("residual_paths", leftover).Warn("sandbox cleanup left residual paths")
		return DestroyResult{VMTerminated: true, HostStateClean: false, ResidualPaths: leftover}, nil
	}
	return DestroyResult{VMTerminated: true, HostStateClean: true}, nil
}

// ReconcileResiduals retries cleanup verification for every VM whose
// last DestroySandbox left residual paths. Nothing in this module calls it
// on initialization or otherwise; the caller decides when to run it.
func (a *Adapter) ReconcileResiduals(residualCheck func(vmID string) []string) map[string][]string {
	a.residual.mu.Lock()
	vmIDs := make([]string, 0, len(a.residual.pending))
	for id := range a.residual.pending {
		vmIDs = append(vmIDs, id)
	}
	a.residual.mu.Unlock()

	still := make(map[string][]string)
	for _, id := range vmIDs {
		leftover := residualCheck(id)
		a.residual.mu.Lock()
		if len(leftover) > 0 {
			a.residual.pending[id] = leftover
			still[id] = leftover
		} else {
			delete(a.residual.pending, id)
		}
		a.residual.mu.Unlock()
	}
	return still
}
