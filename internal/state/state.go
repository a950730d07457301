package state

import (
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"
)

// MachineRecord is one machine that reached the ready state
type MachineRecord struct {
	ID        string `json:"id"`
	AgentName string `json:"agent_name"`
	Region    string `json:"region"`
}

// VolumeRecord is one volume created during provisioning, used or not
type VolumeRecord struct {
	ID     string `json:"id"`
	Region string `json:"region"`
}

// Manifest tracks every resource created during one run.
// It is safe for concurrent use and only ever grows; it is the source of
// truth for teardown.
type Manifest struct {
	mu sync.RWMutex

	Application string          `json:"application"`
	CreatedAt   time.Time       `json:"created_at"`
	Machines    []MachineRecord `json:"machines"`
	Volumes     []VolumeRecord  `json:"volumes"`
}

// New creates an empty manifest for an application
func New(application string) *Manifest {
	return &Manifest{
		Application: application,
		CreatedAt:   time.Now(),
	}
}

// AddMachine records a ready machine
func (m *Manifest) AddMachine(rec MachineRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Machines = append(m.Machines, rec)
}

// AddVolume records a created volume. Adding the same id twice is a no-op.
func (m *Manifest) AddVolume(rec VolumeRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, v := range m.Volumes {
		if v.ID == rec.ID {
			return
		}
	}
	m.Volumes = append(m.Volumes, rec)
}

// MachineIDs returns a copy of the recorded machine ids in insertion order
func (m *Manifest) MachineIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.Machines))
	for _, r := range m.Machines {
		ids = append(ids, r.ID)
	}
	return ids
}

// VolumeIDs returns a copy of the recorded volume ids in insertion order
func (m *Manifest) VolumeIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.Volumes))
	for _, r := range m.Volumes {
		ids = append(ids, r.ID)
	}
	return ids
}

// Empty reports whether nothing was created
func (m *Manifest) Empty() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.Machines) == 0 && len(m.Volumes) == 0
}

// Snapshot returns an independent copy that is safe to read without locking
func (m *Manifest) Snapshot() *Manifest {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return &Manifest{
		Application: m.Application,
		CreatedAt:   m.CreatedAt,
		Machines:    slices.Clone(m.Machines),
		Volumes:     slices.Clone(m.Volumes),
	}
}

// MarshalJSON renders the manifest for diagnostics
func (m *Manifest) MarshalJSON() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	type plain struct {
		Application string          `json:"application"`
		CreatedAt   time.Time       `json:"created_at"`
		Machines    []MachineRecord `json:"machines"`
		Volumes     []VolumeRecord  `json:"volumes"`
	}
	data, err := json.Marshal(plain{
		Application: m.Application,
		CreatedAt:   m.CreatedAt,
		Machines:    m.Machines,
		Volumes:     m.Volumes,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal manifest: %w", err)
	}
	return data, nil
}
