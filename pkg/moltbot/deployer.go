package moltbot

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/ionvm/substrate/codes"
	"github.com/ionvm/substrate/pkg/hacconfig"
	"github.com/ionvm/substrate/pkg/hypervisor"
)

// Override lets a caller tweak fields of a loaded named-agent spec
// without hand-editing the on-disk HAC file (§4.11 "applies caller
// overrides").
type Override struct {
	VCPUs          *int
	MemoryMB       *int
	NetworkEnabled *bool
	Metadata       map[string]string
}

func applyOverride(s hacconfig.Spec, o Override) hacconfig.Spec {
	if o.VCPUs != nil {
		s.VCPUs = *o.VCPUs
	}
	if o.MemoryMB != nil {
		s.MemoryMB = *o.MemoryMB
	}
	if o.NetworkEnabled != nil {
		s.NetworkEnabled = *o.NetworkEnabled
	}
	if len(o.Metadata) > 0 {
		merged := make(map[string]string, len(s.Metadata)+len(o.Metadata))
		for k, v := range s.Metadata {
			merged[k] = v
		}
		for k, v := range o.Metadata {
			merged[k] = v
		}
		s.Metadata = merged
	}
	return s
}

// Deployer loads named-agent HAC configs, spawns them via a
// hypervisor.Manager, and keeps Registry in sync with every deploy and
// undeploy (§4.11).
type Deployer struct {
	manager    *hypervisor.Manager
	configsDir string
	registry   Registry
}

// New creates a Deployer reading agent configs from configsDir
// (hypervisor/configs/agents) and recording deployments in registry.
func New(manager *hypervisor.Manager, configsDir string, registry Registry) *Deployer {
	return &Deployer{manager: manager, configsDir: configsDir, registry: registry}
}

// Deploy loads <agentName>.toml under configsDir, applies override,
// spawns the resulting spec, and records the deployment (§4.11).
func (d *Deployer) Deploy(ctx context.Context, agentName string, override Override) (Deployment, error) {
	path := filepath.Join(d.configsDir, agentName+".toml")
	raw, err := os.ReadFile(path)
	if err != nil {
		return Deployment{}, codes.Wrap(codes.IOError, err, "read agent config "+path)
	}
	spec, err := hacconfig.Parse(string(raw))
	if err != nil {
		return Deployment{}, err
	}
	spec = applyOverride(spec, override)

	vmID, err := d.manager.Spawn(ctx, spec)
	if err != nil {
		return Deployment{}, err
	}
	status, err := d.manager.GetStatus(vmID)
	if err != nil {
		return Deployment{}, err
	}

	deployment := Deployment{
		AgentName:  agentName,
		VMID:       vmID,
		State:      status.State,
		Spec:       spec,
		DeployedAt: time.Now(),
	}
	if err := d.registry.Put(deployment); err != nil {
		return Deployment{}, err
	}
	return deployment, nil
}

// Undeploy terminates agentName's VM and removes it from the registry,
// keeping persisted and in-memory registry state equal (L10, §3
// "Registry fidelity").
func (d *Deployer) Undeploy(ctx context.Context, agentName string) error {
	deployment, ok := d.registry.Get(agentName)
	if !ok {
		return codes.Field(codes.VMNotFound, "agent_name", "no deployment recorded for "+agentName)
	}
	if err := d.manager.Terminate(ctx, deployment.VMID, "undeploy"); err != nil {
		return err
	}
	return d.registry.Delete(agentName)
}

// Redeploy undeploys agentName if currently deployed, then deploys it
// again with override, useful for picking up a config change.
func (d *Deployer) Redeploy(ctx context.Context, agentName string, override Override) (Deployment, error) {
	if _, ok := d.registry.Get(agentName); ok {
		if err := d.Undeploy(ctx, agentName); err != nil {
			return Deployment{}, err
		}
	}
	return d.Deploy(ctx, agentName, override)
}

// Status returns the registry's last-known deployment for agentName,
// refreshed with the manager's live view of the VM's current state.
func (d *Deployer) Status(agentName string) (Deployment, error) {
	deployment, ok := d.registry.Get(agentName)
	if !ok {
		return Deployment{}, codes.Field(codes.VMNotFound, "agent_name", "no deployment recorded for "+agentName)
	}
	inst, err := d.manager.GetStatus(deployment.VMID)
	if err == nil {
		deployment.State = inst.State
	}
	return deployment, nil
}

// List returns every deployment currently recorded in the registry.
func (d *Deployer) List() []Deployment {
	return d.registry.List()
}
