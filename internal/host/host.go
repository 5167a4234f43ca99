// Package host models the remote endpoints that connector services and
// subsystems attach to. Hosts are owned by the Inventory; everything else
// holds a reference.
package host

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// System types understood by the bundled protocols.
const (
	SystemTypeSSH   = "SSH"
	SystemTypeLocal = "Local"
)

// Host identifies a remote endpoint.
type Host struct {
	// Name is the alias the host is known by. It is the identity used when a
	// placeholder is replaced by a resolved host.
	Name string `yaml:"name"`
	// Address is the network address; defaults to Name.
	Address       string `yaml:"address,omitempty"`
	SystemType    string `yaml:"system_type"`
	DefaultUserID string `yaml:"user,omitempty"`
	Port          int    `yaml:"port,omitempty"`
	UseSSL        bool   `yaml:"ssl,omitempty"`
	Offline       bool   `yaml:"offline,omitempty"`
	// Placeholder marks a host created before its definition was loaded.
	Placeholder bool `yaml:"-"`
	// Description is free text shown by the CLI.
	Description string `yaml:"description,omitempty"`
}

// NewPlaceholder returns a dummy host carrying only a name. It is replaced by
// the resolved host once the definition is known.
func NewPlaceholder(name string) *Host {
	return &Host{Name: name, Placeholder: true}
}

// HostName returns the address used to reach the host.
func (h *Host) HostName() string {
	if h.Address != "" {
		return h.Address
	}
	return h.Name
}

// Addr returns host:port, falling back to defaultPort when Port is unset.
func (h *Host) Addr(defaultPort int) string {
	port := h.Port
	if port == 0 {
		port = defaultPort
	}
	return net.JoinHostPort(h.HostName(), strconv.Itoa(port))
}

// SameName reports whether two hosts carry the same alias (case-insensitive).
func SameName(a, b *Host) bool {
	if a == nil || b == nil {
		return false
	}
	return strings.EqualFold(a.Name, b.Name)
}

func (h *Host) String() string {
	if h.Placeholder {
		return fmt.Sprintf("%s (placeholder)", h.Name)
	}
	return h.Name
}

// Validate checks the fields required for a resolved host.
func (h *Host) Validate() error {
	if strings.TrimSpace(h.Name) == "" {
		return fmt.Errorf("host: name is required")
	}
	switch h.SystemType {
	case SystemTypeSSH, SystemTypeLocal:
	case "":
		return fmt.Errorf("host %s: system_type is required", h.Name)
	default:
		return fmt.Errorf("host %s: unsupported system_type %q", h.Name, h.SystemType)
	}
	if h.Port < 0 || h.Port > 65535 {
		return fmt.Errorf("host %s: port %d out of range", h.Name, h.Port)
	}
	return nil
}
