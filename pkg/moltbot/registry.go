// Package moltbot implements the Moltbot Deployer + Registry
// (SPEC_FULL.md §4.11): loads a named-agent spec file, applies caller
// overrides, spawns via the Hypervisor Manager, and records the
// deployment in a registry persisted to disk so it can be rebuilt on
// startup (§3 "Registry fidelity").
package moltbot

import (
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver, as hypercore's sqliteStore uses

	"github.com/ionvm/substrate/codes"
	"github.com/ionvm/substrate/pkg/hacconfig"
	"github.com/ionvm/substrate/pkg/hypervisor"
)

// Deployment is one entry in the agent registry (§4.11, §3).
type Deployment struct {
	AgentName  string          `json:"agent_name"`
	VMID       string          `json:"vm_id"`
	State      hypervisor.State `json:"state"`
	Spec       hacconfig.Spec  `json:"spec"`
	DeployedAt time.Time       `json:"deployed_at"`
}

// Registry persists Deployment entries; the in-memory map must equal
// the persisted form after every successful deploy/undeploy (L10).
type Registry interface {
	Put(d Deployment) error
	Delete(agentName string) error
	Get(agentName string) (Deployment, bool)
	List() []Deployment
}

// jsonRegistry is a Registry backed by a single registry.json file
// (§6 persistent state layout), matching the one-file-per-concern
// layout the rest of the external-interfaces section uses.
type jsonRegistry struct {
	path string

	mu      sync.Mutex
	entries map[string]Deployment
}

// NewJSONRegistry opens (or creates) the registry.json at path, loading
// any existing entries so the in-memory map starts equal to disk (§4.11
// "load on startup rebuilds the map from disk").
func NewJSONRegistry(path string) (Registry, error) {
	r := &jsonRegistry{path: path, entries: make(map[string]Deployment)}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *jsonRegistry) load() error {
	raw, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return codes.Wrap(codes.IOError, err, "read registry.json")
	}
	if len(raw) == 0 {
		return nil
	}
	var entries map[string]Deployment
	if err := json.Unmarshal(raw, &entries); err != nil {
		return codes.Wrap(codes.DeserializationFailed, err, "parse registry.json")
	}
	r.entries = entries
	return nil
}

// persist overwrites registry.json with the current in-memory map.
// Caller must hold r.mu.
func (r *jsonRegistry) persist() error {
	if dir := filepath.Dir(r.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return codes.Wrap(codes.IOError, err, "create registry directory")
		}
	}
	raw, err := json.MarshalIndent(r.entries, "", "  ")
	if err != nil {
		return codes.Wrap(codes.IOError, err, "marshal registry")
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return codes.Wrap(codes.IOError, err, "write registry temp file")
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return codes.Wrap(codes.IOError, err, "rename registry temp file")
	}
	return nil
}

func (r *jsonRegistry) Put(d Deployment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[d.AgentName] = d
	return r.persist()
}

func (r *jsonRegistry) Delete(agentName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, agentName)
	return r.persist()
}

func (r *jsonRegistry) Get(agentName string) (Deployment, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.entries[agentName]
	return d, ok
}

func (r *jsonRegistry) List() []Deployment {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Deployment, 0, len(r.entries))
	for _, d := range r.entries {
		out = append(out, d)
	}
	return out
}

// sqliteRegistry is the alternate modernc.org/sqlite-backed Registry,
// mirroring hypercore's file/sqlite two-backend pattern for installations
// that prefer a transactional store over a flat JSON file.
type sqliteRegistry struct {
	db *sql.DB
}

// NewSQLiteRegistry opens/creates a sqlite-backed registry at dsn.
func NewSQLiteRegistry(dsn string) (Registry, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, codes.Wrap(codes.IOError, err, "open sqlite registry")
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS deployments (
  agent_name  TEXT PRIMARY KEY,
  vm_id       TEXT NOT NULL,
  state       TEXT NOT NULL,
  spec_json   TEXT NOT NULL,
  deployed_at INTEGER NOT NULL
);`); err != nil {
		_ = db.Close()
		return nil, codes.Wrap(codes.IOError, err, "create registry schema")
	}
	return &sqliteRegistry{db: db}, nil
}

func (r *sqliteRegistry) Put(d Deployment) error {
	specJSON, err := json.Marshal(d.Spec)
	if err != nil {
		return codes.Wrap(codes.IOError, err, "marshal spec")
	}
	_, err = r.db.Exec(
		`INSERT INTO deployments(agent_name, vm_id, state, spec_json, deployed_at)
		 VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(agent_name) DO UPDATE SET vm_id=excluded.vm_id, state=excluded.state,
		   spec_json=excluded.spec_json, deployed_at=excluded.deployed_at`,
		d.AgentName, d.VMID, string(d.State), string(specJSON), d.DeployedAt.UnixMilli())
	if err != nil {
		return codes.Wrap(codes.IOError, err, "upsert deployment")
	}
	return nil
}

func (r *sqliteRegistry) Delete(agentName string) error {
	if _, err := r.db.Exec(`DELETE FROM deployments WHERE agent_name = ?`, agentName); err != nil {
		return codes.Wrap(codes.IOError, err, "delete deployment")
	}
	return nil
}

func (r *sqliteRegistry) Get(agentName string) (Deployment, bool) {
	row := r.db.QueryRow(`SELECT agent_name, vm_id, state, spec_json, deployed_at FROM deployments WHERE agent_name = ?`, agentName)
	d, err := scanDeployment(row)
	if err != nil {
		return Deployment{}, false
	}
	return d, true
}

func (r *sqliteRegistry) List() []Deployment {
	rows, err := r.db.Query(`SELECT agent_name, vm_id, state, spec_json, deployed_at FROM deployments`)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var out []Deployment
	for rows.Next() {
		var (
			agentName, vmID, state, specJSON string
			deployedAtMS                     int64
		)
		if err := rows.Scan(&agentName, &vmID, &state, &specJSON, &deployedAtMS); err != nil {
			continue
		}
		var spec hacconfig.Spec
		_ = json.Unmarshal([]byte(specJSON), &spec)
		out = append(out, Deployment{
			AgentName: agentName, VMID: vmID, State: hypervisor.State(state),
			Spec: spec, DeployedAt: time.UnixMilli(deployedAtMS),
		})
	}
	return out
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeployment(row rowScanner) (Deployment, error) {
	var (
		agentName, vmID, state, specJSON string
		deployedAtMS                     int64
	)
	if err := row.Scan(&agentName, &vmID, &state, &specJSON, &deployedAtMS); err != nil {
		return Deployment{}, err
	}
	var spec hacconfig.Spec
	_ = json.Unmarshal([]byte(specJSON), &spec)
	return Deployment{
		AgentName: agentName, VMID: vmID, State: hypervisor.State(state),
		Spec: spec, DeployedAt: time.UnixMilli(deployedAtMS),
	}, nil
}
