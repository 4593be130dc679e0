// Package device holds the identity records for known peers and the
// registry of paired devices. Records are never deleted, only flagged
// untrusted, so history stays auditable.
package device

import (
	"sort"
	"sync"
	"time"

	"github.com/syncweave/securecore/internal/common"
)

// Device is the identity record for a peer in the continuity mesh.
type Device struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	IP        string    `json:"ip,omitempty"`
	Port      int       `json:"port,omitempty"`
	PublicKey []byte    `json:"publicKey,omitempty"`
	Trusted   bool      `json:"trusted"`
	Paired    bool      `json:"paired"`
	PairedAt  time.Time `json:"pairedAt,omitempty"`
}

// Registry is the in-memory table of known devices.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*Device
}

func NewRegistry() *Registry {
	return &Registry{devices: make(map[string]*Device)}
}

// Upsert stores or updates a device record and returns the stored copy.
func (r *Registry) Upsert(d Device) *Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.devices[d.ID]
	if !ok {
		stored := d
		r.devices[d.ID] = &stored
		return &stored
	}
	existing.Name = d.Name
	if d.IP != "" {
		existing.IP = d.IP
	}
	if d.Port != 0 {
		existing.Port = d.Port
	}
	if d.PublicKey != nil {
		existing.PublicKey = d.PublicKey
	}
	return existing
}

func (r *Registry) Get(id string) (Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	if !ok {
		return Device{}, common.ErrNotFound
	}
	return *d, nil
}

// MarkPaired flags a device as paired and trusted.
func (r *Registry) MarkPaired(id string) (Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return Device{}, common.ErrNotFound
	}
	d.Paired = true
	d.Trusted = true
	d.PairedAt = time.Now().UTC()
	return *d, nil
}

// Unpair clears the paired and trusted flags. The record itself stays.
func (r *Registry) Unpair(id string) (Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return Device{}, common.ErrNotFound
	}
	d.Paired = false
	d.Trusted = false
	return *d, nil
}

// MarkUntrusted revokes trust without touching the paired flag, used when a
// device's certificate is revoked.
func (r *Registry) MarkUntrusted(id string) (Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return Device{}, common.ErrNotFound
	}
	d.Trusted = false
	return *d, nil
}

// List returns every known device sorted by id.
func (r *Registry) List() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Paired returns the devices currently flagged paired.
func (r *Registry) Paired() []Device {
	var out []Device
	for _, d := range r.List() {
		if d.Paired {
			out = append(out, d)
		}
	}
	return out
}
