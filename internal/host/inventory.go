package host

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Inventory is the set of hosts that currently exist. A host removed from the
// inventory is considered deleted; connects against it fail.
type Inventory struct {
	mu    sync.RWMutex
	hosts map[string]*Host // lower-cased name -> host
}

// NewInventory creates an empty inventory.
func NewInventory() *Inventory {
	return &Inventory{hosts: make(map[string]*Host)}
}

// Add stores h, replacing any host with the same name. The replaced host is
// returned so callers can migrate state bound to it.
func (inv *Inventory) Add(h *Host) (replaced *Host) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	key := strings.ToLower(h.Name)
	replaced = inv.hosts[key]
	inv.hosts[key] = h
	return replaced
}

// Remove deletes the host with the given name. Removing an unknown host is a no-op.
func (inv *Inventory) Remove(name string) (*Host, bool) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	key := strings.ToLower(name)
	h, ok := inv.hosts[key]
	if ok {
		delete(inv.hosts, key)
	}
	return h, ok
}

// Get looks a host up by name.
func (inv *Inventory) Get(name string) (*Host, bool) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	h, ok := inv.hosts[strings.ToLower(name)]
	return h, ok
}

// Exists reports whether h (by identity) is still part of the inventory.
func (inv *Inventory) Exists(h *Host) bool {
	if h == nil {
		return false
	}
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	cur, ok := inv.hosts[strings.ToLower(h.Name)]
	return ok && cur == h
}

// All returns the hosts sorted by name.
func (inv *Inventory) All() []*Host {
	inv.mu.RLock()
	out := make([]*Host, 0, len(inv.hosts))
	for _, h := range inv.hosts {
		out = append(out, h)
	}
	inv.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
	})
	return out
}

type hostsFile struct {
	Hosts []*Host `yaml:"hosts"`
}

// LoadFile parses a YAML hosts file:
//
//	hosts:
//	  - name: web1
//	    system_type: SSH
//	    address: 10.0.0.5
//	    user: deploy
func LoadFile(path string) ([]*Host, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("hosts: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes the YAML hosts document and validates every entry.
func Parse(data []byte) ([]*Host, error) {
	var f hostsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("hosts: parse: %w", err)
	}
	seen := make(map[string]bool, len(f.Hosts))
	for _, h := range f.Hosts {
		if h == nil {
			return nil, fmt.Errorf("hosts: empty entry")
		}
		if err := h.Validate(); err != nil {
			return nil, err
		}
		key := strings.ToLower(h.Name)
		if seen[key] {
			return nil, fmt.Errorf("hosts: duplicate host %q", h.Name)
		}
		seen[key] = true
	}
	return f.Hosts, nil
}

// SaveFile writes hosts to path in the LoadFile format. The file is replaced
// atomically.
func SaveFile(path string, hosts []*Host) error {
	data, err := yaml.Marshal(hostsFile{Hosts: hosts})
	if err != nil {
		return fmt.Errorf("hosts: encode: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".hosts-*.yaml")
	if err != nil {
		return fmt.Errorf("hosts: write %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("hosts: write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("hosts: write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("hosts: write %s: %w", path, err)
	}
	return nil
}
