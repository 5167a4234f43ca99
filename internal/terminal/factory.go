// Package terminal provides the protocols and resolvers for shell-reachable
// hosts: one SSH (or local) connection per host, shared by the files,
// processes and docker subsystems.
package terminal

import (
	"context"
	"fmt"

	"github.com/websoft9/connhub/internal/connector"
	"github.com/websoft9/connhub/internal/credentials"
	"github.com/websoft9/connhub/internal/docker"
	"github.com/websoft9/connhub/internal/host"
	"github.com/websoft9/connhub/internal/registry"
	"github.com/websoft9/connhub/internal/subsystem"
)

// CapabilityKey is the registry key every shell-reachable subsystem shares.
const CapabilityKey = "ssh"

// FactoryOptions configures the services built by NewFactory.
type FactoryOptions struct {
	KnownHostsFile   string
	ShareCredentials bool
	Store            *credentials.Store
	Prompter         connector.Prompter
	Peers            connector.Peers
	Persister        connector.Persister
}

// NewFactory returns the registry factory for CapabilityKey. Every service
// gets a ShellProtocol, which decides between SSH and the local machine at
// connect time from the service's current host.
func NewFactory(opts FactoryOptions) registry.Factory {
	return func(h *host.Host) (connector.Service, error) {
		if h == nil {
			return nil, fmt.Errorf("terminal: nil host")
		}
		return connector.NewBase(h, NewShellProtocol(opts.KnownHostsFile), connector.Options{
			CapabilityKey:    CapabilityKey,
			Description:      "Shell connection to " + h.Name,
			Port:             h.Port,
			UseSSL:           h.UseSSL,
			ShareCredentials: opts.ShareCredentials,
			Store:            opts.Store,
			Prompter:         opts.Prompter,
			Peers:            opts.Peers,
			Persister:        opts.Persister,
		}), nil
	}
}

// ExecutorFor returns a command executor over svc's connection.
func ExecutorFor(svc connector.Service) docker.Executor {
	if p, ok := svc.Protocol().(*ShellProtocol); ok {
		return &shellExecutor{
			proto:  p,
			local:  docker.NewLocalExecutor(""),
			remote: docker.NewSSHExecutor(svc.Host().Name, p.Client),
		}
	}
	return docker.NewLocalExecutor("")
}

// FilesResolverFor returns the files resolver for svc's connection.
func FilesResolverFor(svc connector.Service) subsystem.Resolver {
	if p, ok := svc.Protocol().(*ShellProtocol); ok {
		return NewFilesResolver(p)
	}
	return NewLocalFilesResolver("/")
}

// shellExecutor runs commands locally or over SSH, following the protocol's
// active connection.
type shellExecutor struct {
	proto  *ShellProtocol
	local  docker.Executor
	remote docker.Executor
}

func (e *shellExecutor) target() docker.Executor {
	if e.proto.IsLocal() {
		return e.local
	}
	return e.remote
}

func (e *shellExecutor) Run(ctx context.Context, command string, args ...string) (string, error) {
	return e.target().Run(ctx, command, args...)
}

func (e *shellExecutor) Ping(ctx context.Context) error { return e.target().Ping(ctx) }
func (e *shellExecutor) Host() string                   { return e.target().Host() }
