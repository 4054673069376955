package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Host describes one managed machine in the fleet inventory.
type Host struct {
	Name string `yaml:"name"`
	Addr string `yaml:"addr"` // host:port, port defaults to 22
	User string `yaml:"user"`
	Key  string `yaml:"key"` // path to a private key file

	// Local marks a host that is driven through the local shell instead
	// of SSH. Used for the machine fleetjobs-server itself runs on.
	Local bool `yaml:"local,omitempty"`

	Labels []string `yaml:"labels,omitempty"`
}

// Inventory is the set of hosts fleetjobs may operate on.
type Inventory struct {
	Hosts []Host `yaml:"hosts"`

	byName map[string]Host
}

// LoadInventory reads and validates a yaml host inventory file.
func LoadInventory(path string) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read inventory: %w", err)
	}
	return ParseInventory(data)
}

// ParseInventory parses inventory yaml (exported for tests).
func ParseInventory(data []byte) (*Inventory, error) {
	var inv Inventory
	if err := yaml.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("parse inventory: %w", err)
	}

	inv.byName = make(map[string]Host, len(inv.Hosts))
	for i, h := range inv.Hosts {
		if h.Name == "" {
			return nil, fmt.Errorf("inventory host %d: missing name", i)
		}
		if !h.Local && h.Addr == "" {
			return nil, fmt.Errorf("inventory host %q: missing addr", h.Name)
		}
		if _, dup := inv.byName[h.Name]; dup {
			return nil, fmt.Errorf("inventory host %q: duplicate name", h.Name)
		}
		inv.byName[h.Name] = h
	}
	return &inv, nil
}

// Lookup returns the host entry for name.
func (inv *Inventory) Lookup(name string) (Host, bool) {
	h, ok := inv.byName[name]
	return h, ok
}
