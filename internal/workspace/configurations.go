package workspace

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/websoft9/connhub/internal/subsystem"
	"github.com/websoft9/connhub/internal/terminal"
)

// Built-in subsystem configuration ids.
const (
	SubSystemFiles      = "files"
	SubSystemProcesses  = "processes"
	SubSystemContainers = "containers"
	SubSystemImages     = "images"
)

// Kind is a subsystem configuration plus the filter pools each of its
// subsystems starts with.
type Kind struct {
	subsystem.Configuration `yaml:",inline"`
	// Primary marks the kind whose subsystem is its service's primary.
	Primary     bool                            `yaml:"primary"`
	FilterPools []subsystem.FilterPoolReference `yaml:"filterPools"`
}

// DefaultKinds returns the built-in subsystem kinds. All of them share the
// host's SSH (or local) connection.
func DefaultKinds() []Kind {
	return []Kind{
		{
			Configuration: subsystem.Configuration{
				ID:                    SubSystemFiles,
				Description:           "Remote files",
				CapabilityKey:         terminal.CapabilityKey,
				SortResults:           true,
				SupportsFilterCaching: true,
			},
			Primary: true,
			FilterPools: []subsystem.FilterPoolReference{
				{Name: "root", Filters: []string{"/*"}},
				{Name: "logs", Filters: []string{"/var/log/*.log"}},
			},
		},
		{Configuration: subsystem.Configuration{
			ID:            SubSystemProcesses,
			Description:   "Remote processes",
			CapabilityKey: terminal.CapabilityKey,
			SortResults:   true,
		}},
		{Configuration: subsystem.Configuration{
			ID:            SubSystemContainers,
			Description:   "Docker containers",
			CapabilityKey: terminal.CapabilityKey,
			SortResults:   true,
		}},
		{Configuration: subsystem.Configuration{
			ID:            SubSystemImages,
			Description:   "Docker images",
			CapabilityKey: terminal.CapabilityKey,
			SortResults:   true,
		}},
	}
}

type kindsFile struct {
	SubSystems []Kind `yaml:"subsystems"`
}

// LoadKinds reads subsystem kinds from a YAML file. Every entry must name
// one of the built-in kinds.
func LoadKinds(path string) ([]Kind, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("workspace: read %s: %w", path, err)
	}
	return ParseKinds(data)
}

func ParseKinds(data []byte) ([]Kind, error) {
	var f kindsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("workspace: parse kinds: %w", err)
	}
	for _, k := range f.SubSystems {
		if err := k.Validate(); err != nil {
			return nil, err
		}
		if !builtin(k.ID) {
			return nil, fmt.Errorf("workspace: unknown subsystem kind %q", k.ID)
		}
	}
	return f.SubSystems, nil
}

func builtin(id string) bool {
	switch id {
	case SubSystemFiles, SubSystemProcesses, SubSystemContainers, SubSystemImages:
		return true
	}
	return false
}
