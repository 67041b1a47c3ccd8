package hub

import (
	"errors"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/PaTiToMaSteR/gassless-swap-demo-sub000/bundler"
)

// InstanceStatus is the registry's view of a bundler's liveness.
type InstanceStatus string

const (
	StatusUp      InstanceStatus = "UP"
	StatusDown    InstanceStatus = "DOWN"
	StatusStopped InstanceStatus = "STOPPED"
)

// Registry errors.
var (
	ErrInstanceNotFound = errors.New("registry: bundler instance not found")
	ErrInstanceExists   = errors.New("registry: bundler id already registered")
)

// Instance is one registered bundler, spawned or external. The process
// handle and config path are supervisor-internal and stripped from the
// public view.
type Instance struct {
	ID         string               `json:"id"`
	Label      string               `json:"label"`
	URL        string               `json:"url"`
	Status     InstanceStatus       `json:"status"`
	Policy     bundler.PolicyConfig `json:"policy"`
	Spawned    bool                 `json:"spawned"`
	SpawnedAt  time.Time            `json:"spawnedAt,omitempty"`
	LastSeen   time.Time            `json:"lastSeen,omitempty"`
	Port       int                  `json:"port,omitempty"`
	Process    *exec.Cmd            `json:"-"`
	ConfigPath string               `json:"-"`
}

// PublicView is the instance record with process internals stripped, as
// served on GET /bundlers.
type PublicView struct {
	ID        string               `json:"id"`
	Label     string               `json:"label"`
	URL       string               `json:"url"`
	Status    InstanceStatus       `json:"status"`
	Policy    bundler.PolicyConfig `json:"policy"`
	Spawned   bool                 `json:"spawned"`
	SpawnedAt *time.Time           `json:"spawnedAt,omitempty"`
	LastSeen  *time.Time           `json:"lastSeen,omitempty"`
}

// Registry is the keyed map of bundler instances. Safe for concurrent
// use.
type Registry struct {
	mu        sync.Mutex
	instances map[string]*Instance
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{instances: make(map[string]*Instance)}
}

// Upsert inserts or replaces an instance record.
func (r *Registry) Upsert(inst *Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instances[inst.ID] = inst
}

// Get returns the instance for id.
func (r *Registry) Get(id string) (*Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	return inst, ok
}

// Remove deletes the instance for id.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.instances[id]; !ok {
		return false
	}
	delete(r.instances, id)
	return true
}

// UpdateStatus transitions the instance's status and stamps lastSeen when
// the probe succeeded.
func (r *Registry) UpdateStatus(id string, status InstanceStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return ErrInstanceNotFound
	}
	inst.Status = status
	if status == StatusUp {
		inst.LastSeen = time.Now()
	}
	return nil
}

// UpdatePolicy replaces the instance's policy record.
func (r *Registry) UpdatePolicy(id string, policy bundler.PolicyConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return ErrInstanceNotFound
	}
	inst.Policy = policy
	return nil
}

// ListPublic returns the process-stripped instance list, sorted by id.
func (r *Registry) ListPublic() []PublicView {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]PublicView, 0, len(r.instances))
	for _, inst := range r.instances {
		v := PublicView{
			ID:      inst.ID,
			Label:   inst.Label,
			URL:     inst.URL,
			Status:  inst.Status,
			Policy:  inst.Policy,
			Spawned: inst.Spawned,
		}
		if !inst.SpawnedAt.IsZero() {
			t := inst.SpawnedAt
			v.SpawnedAt = &t
		}
		if !inst.LastSeen.IsZero() {
			t := inst.LastSeen
			v.LastSeen = &t
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Counts returns how many instances are UP and how many exist in total.
func (r *Registry) Counts() (up, total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, inst := range r.instances {
		if inst.Status == StatusUp {
			up++
		}
	}
	return up, len(r.instances)
}

// All returns every instance record, sorted by id. Supervisor-internal.
func (r *Registry) All() []*Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
