package subsystem

import (
	"errors"
	"fmt"
	"strings"
)

// Configuration describes a kind of subsystem. Several subsystem kinds share
// one connector service when they declare the same CapabilityKey.
type Configuration struct {
	ID            string `yaml:"id" json:"id"`
	Description   string `yaml:"description" json:"description"`
	CapabilityKey string `yaml:"capability" json:"capability"`
	// Stateless kinds do not model connections and always report connected.
	Stateless bool `yaml:"stateless" json:"stateless"`
	// SortResults sorts resolved objects with the resolver's Sorter, or by name.
	SortResults           bool `yaml:"sortResults" json:"sortResults"`
	ForceUserIDUpperCase  bool `yaml:"forceUserIdUpperCase" json:"forceUserIdUpperCase"`
	ShareCredentials      bool `yaml:"shareCredentials" json:"shareCredentials"`
	SupportsFilterCaching bool `yaml:"supportsFilterCaching" json:"supportsFilterCaching"`
}

func (c Configuration) Validate() error {
	var errs []error
	if strings.TrimSpace(c.ID) == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if strings.TrimSpace(c.CapabilityKey) == "" {
		errs = append(errs, fmt.Errorf("configuration %q: capability is required", c.ID))
	}
	return errors.Join(errs...)
}

// FilterPoolReference names a group of filter strings attached to a subsystem.
type FilterPoolReference struct {
	Name    string   `yaml:"name" json:"name"`
	Filters []string `yaml:"filters" json:"filters"`
}
