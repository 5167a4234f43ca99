package workspace

import (
	"context"
	"fmt"
	"sync"

	"github.com/websoft9/connhub/internal/connector"
	"github.com/websoft9/connhub/internal/host"
)

// HostsFilePersister writes a service's editable attributes (user id, port,
// SSL) back to its entry in a hosts file.
type HostsFilePersister struct {
	Path string

	mu sync.Mutex
}

var _ connector.Persister = (*HostsFilePersister)(nil)

func NewHostsFilePersister(path string) *HostsFilePersister {
	return &HostsFilePersister{Path: path}
}

func (p *HostsFilePersister) SaveService(_ context.Context, svc connector.Service) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	hosts, err := host.LoadFile(p.Path)
	if err != nil {
		return err
	}
	target := svc.Host()
	for _, h := range hosts {
		if !host.SameName(h, target) {
			continue
		}
		if uid := svc.UserID(); uid != "" {
			h.DefaultUserID = uid
		}
		h.Port = svc.Port()
		h.UseSSL = svc.UseSSL()
		return host.SaveFile(p.Path, hosts)
	}
	return fmt.Errorf("%w: %s not in %s", ErrNoHost, target.Name, p.Path)
}
