package moltbot

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ionvm/substrate/pkg/hacconfig"
)

func TestJSONRegistryPutGetDelete(t *testing.T) {
	dir := t.TempDir()
	reg, err := NewJSONRegistry(filepath.Join(dir, "registry.json"))
	require.NoError(t, err)

	d := Deployment{AgentName: "planner", VMID: "vm-1", State: "running",
		Spec: hacconfig.Spec{Name: "planner", Provider: hacconfig.ProviderFirecracker}, DeployedAt: time.Now()}
	require.NoError(t, reg.Put(d))

	got, ok := reg.Get("planner")
	require.True(t, ok)
	assert.Equal(t, d.VMID, got.VMID)

	require.NoError(t, reg.Delete("planner"))
	_, ok = reg.Get("planner")
	assert.False(t, ok)
}

func TestJSONRegistryReloadsFromDisk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.json")

	reg, err := NewJSONRegistry(path)
	require.NoError(t, err)
	require.NoError(t, reg.Put(Deployment{AgentName: "a1", VMID: "vm-1", State: "running", DeployedAt: time.Now()}))

	reloaded, err := NewJSONRegistry(path)
	require.NoError(t, err)
	got, ok := reloaded.Get("a1")
	require.True(t, ok)
	assert.Equal(t, "vm-1", got.VMID)
}

func TestJSONRegistryFidelityAfterDeploysAndUndeploys(t *testing.T) {
	dir := t.TempDir()
	reg, err := NewJSONRegistry(filepath.Join(dir, "registry.json"))
	require.NoError(t, err)

	require.NoError(t, reg.Put(Deployment{AgentName: "a1", VMID: "vm-1", DeployedAt: time.Now()}))
	require.NoError(t, reg.Put(Deployment{AgentName: "a2", VMID: "vm-2", DeployedAt: time.Now()}))
	require.NoError(t, reg.Delete("a1"))

	list := reg.List()
	require.Len(t, list, 1)
	assert.Equal(t, "a2", list[0].AgentName)
}

func TestSQLiteRegistryPutGetDelete(t *testing.T) {
	dir := t.TempDir()
	reg, err := NewSQLiteRegistry(filepath.Join(dir, "registry.db"))
	require.NoError(t, err)

	d := Deployment{AgentName: "planner", VMID: "vm-1", State: "running",
		Spec: hacconfig.Spec{Name: "planner", Provider: hacconfig.ProviderFirecracker}, DeployedAt: time.Now()}
	require.NoError(t, reg.Put(d))

	got, ok := reg.Get("planner")
	require.True(t, ok)
	assert.Equal(t, d.VMID, got.VMID)
	assert.Equal(t, d.Spec.Name, got.Spec.Name)

	require.NoError(t, reg.Delete("planner"))
	_, ok = reg.Get("planner")
	assert.False(t, ok)
}
