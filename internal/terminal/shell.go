package terminal

import (
	"context"
	"sync"

	cryptossh "golang.org/x/crypto/ssh"

	"github.com/websoft9/connhub/internal/connector"
	"github.com/websoft9/connhub/internal/host"
	"github.com/websoft9/connhub/internal/progress"
)

// ShellProtocol is the protocol of every shell-reachable service. Each
// Connect picks SSH or the local machine from the request's host, so a
// service created for a placeholder follows whatever host it resolves to.
type ShellProtocol struct {
	local *LocalProtocol
	ssh   *SSHProtocol

	mu     sync.Mutex
	active connector.Protocol
}

var (
	_ connector.Protocol       = (*ShellProtocol)(nil)
	_ connector.Resetter       = (*ShellProtocol)(nil)
	_ connector.PasswordPolicy = (*ShellProtocol)(nil)
)

func NewShellProtocol(knownHostsFile string) *ShellProtocol {
	return &ShellProtocol{local: &LocalProtocol{}, ssh: NewSSHProtocol(knownHostsFile)}
}

func (p *ShellProtocol) pick(h *host.Host) connector.Protocol {
	if h != nil && h.SystemType == host.SystemTypeLocal {
		return p.local
	}
	return p.ssh
}

func (p *ShellProtocol) current() connector.Protocol {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

func (p *ShellProtocol) Connect(ctx context.Context, req connector.ConnectRequest, mon progress.Monitor) error {
	next := p.pick(req.Host)
	p.mu.Lock()
	prev := p.active
	p.active = next
	p.mu.Unlock()
	if prev != nil && prev != next {
		_ = prev.Disconnect(ctx, nil)
	}
	return next.Connect(ctx, req, mon)
}

func (p *ShellProtocol) Disconnect(ctx context.Context, mon progress.Monitor) error {
	if cur := p.current(); cur != nil {
		return cur.Disconnect(ctx, mon)
	}
	return nil
}

func (p *ShellProtocol) IsConnected() bool {
	cur := p.current()
	return cur != nil && cur.IsConnected()
}

func (p *ShellProtocol) Reset() {
	if r, ok := p.current().(connector.Resetter); ok {
		r.Reset()
	}
}

// RequiresPassword reports whether connecting to h goes over SSH.
func (p *ShellProtocol) RequiresPassword(h *host.Host) bool {
	return p.pick(h) == p.ssh
}

// IsLocal reports whether the last Connect chose the local machine.
func (p *ShellProtocol) IsLocal() bool { return p.current() == p.local }

// Client returns the SSH client, or ErrNotConnected when the active
// connection is not SSH.
func (p *ShellProtocol) Client() (*cryptossh.Client, error) {
	if p.current() != p.ssh {
		return nil, ErrNotConnected
	}
	return p.ssh.Client()
}
