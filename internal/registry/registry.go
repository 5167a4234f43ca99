// Package registry owns connector services: at most one instance per
// (host, capability key), created lazily by the protocol factory registered
// for the key.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/websoft9/connhub/internal/connector"
	"github.com/websoft9/connhub/internal/host"
)

// Factory builds the connector service for h.
type Factory func(h *host.Host) (connector.Service, error)

// StatusChange reports that a subsystem's connection state changed.
type StatusChange struct {
	Host      *host.Host
	SubSystem string
	Service   connector.Service
	Connected bool
	// Collapse asks views to collapse the subsystem's expanded children.
	Collapse bool
}

// StatusListener observes connected-status changes across all services.
type StatusListener interface {
	ConnectedStatusChanged(StatusChange)
}

// StatusListenerFunc adapts a function to StatusListener.
type StatusListenerFunc func(StatusChange)

func (f StatusListenerFunc) ConnectedStatusChanged(c StatusChange) { f(c) }

var ErrNoFactory = errors.New("registry: no factory for capability key")

type entryKey struct {
	host *host.Host
	key  string
}

// Registry maps (host, capability key) to the connector service serving it.
// Safe for concurrent use.
type Registry struct {
	mu        sync.Mutex
	services  map[entryKey]connector.Service
	order     []entryKey
	factories map[string]Factory

	lmu       sync.RWMutex
	listeners []StatusListener
}

var _ connector.Peers = (*Registry)(nil)

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		services:  make(map[entryKey]connector.Service),
		factories: make(map[string]Factory),
	}
}

// RegisterFactory sets the factory for a capability key, replacing any previous one.
func (r *Registry) RegisterFactory(capabilityKey string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[capabilityKey] = f
}

// GetOrCreate returns the service for (h, capabilityKey):
//  1. an existing entry for h;
//  2. for a resolved h, an entry under a placeholder host with the same name,
//     re-keyed to h and rebound;
//  3. a new service built by the key's factory.
//
// An existing entry still bound to a placeholder is rebound to h.
func (r *Registry) GetOrCreate(h *host.Host, capabilityKey string) (connector.Service, error) {
	if h == nil {
		return nil, errors.New("registry: host is nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	k := entryKey{host: h, key: capabilityKey}
	if svc, ok := r.services[k]; ok {
		if cur := svc.Host(); cur != h && cur.Placeholder && !h.Placeholder {
			svc.SetHost(h)
		}
		return svc, nil
	}

	if !h.Placeholder {
		if svc, ok := r.migratePlaceholderLocked(h, capabilityKey); ok {
			return svc, nil
		}
	}

	f, ok := r.factories[capabilityKey]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrNoFactory, capabilityKey)
	}
	svc, err := f(h)
	if err != nil {
		return nil, fmt.Errorf("registry: create %s service for %s: %w", capabilityKey, h.Name, err)
	}
	r.services[k] = svc
	r.order = append(r.order, k)
	log.Debug().Str("host", h.Name).Str("capability", capabilityKey).Str("service_id", svc.ID()).
		Msg("registry: connector service created")
	return svc, nil
}

func (r *Registry) migratePlaceholderLocked(h *host.Host, capabilityKey string) (connector.Service, bool) {
	for i, old := range r.order {
		if old.key != capabilityKey || !old.host.Placeholder || !host.SameName(old.host, h) {
			continue
		}
		svc := r.services[old]
		delete(r.services, old)
		nk := entryKey{host: h, key: capabilityKey}
		r.services[nk] = svc
		r.order[i] = nk
		svc.SetHost(h)
		log.Debug().Str("host", h.Name).Str("capability", capabilityKey).
			Msg("registry: placeholder host resolved")
		return svc, true
	}
	return nil, false
}

// Lookup returns the service for (h, capabilityKey) without creating one.
func (r *Registry) Lookup(h *host.Host, capabilityKey string) (connector.Service, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	svc, ok := r.services[entryKey{host: h, key: capabilityKey}]
	return svc, ok
}

// ServicesForHost returns the services bound to h, in creation order.
func (r *Registry) ServicesForHost(h *host.Host) []connector.Service {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []connector.Service
	for _, k := range r.order {
		if k.host == h {
			out = append(out, r.services[k])
		}
	}
	return out
}

// All returns every service in creation order.
func (r *Registry) All() []connector.Service {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]connector.Service, 0, len(r.order))
	for _, k := range r.order {
		out = append(out, r.services[k])
	}
	return out
}

// RemoveHost drops every service bound to h, returning them so the caller
// can disconnect them.
func (r *Registry) RemoveHost(h *host.Host) []connector.Service {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []connector.Service
	kept := r.order[:0]
	for _, k := range r.order {
		if k.host == h {
			removed = append(removed, r.services[k])
			delete(r.services, k)
			continue
		}
		kept = append(kept, k)
	}
	r.order = kept
	return removed
}

// Reset forgets every service. Factories and listeners are kept.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services = make(map[entryKey]connector.Service)
	r.order = nil
}

// DisconnectAll disconnects every connected service in parallel. Each one is
// then reset and reported to status listeners as disconnected, the same way
// a single subsystem disconnect is.
func (r *Registry) DisconnectAll(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, svc := range r.All() {
		if !svc.IsConnected() {
			continue
		}
		g.Go(func() error {
			err := svc.Disconnect(gctx, nil, false)
			svc.Reset()
			svc.SetConnectionError(false)
			change := StatusChange{Host: svc.Host(), Service: svc, Collapse: true}
			if ss := svc.PrimarySubSystem(); ss != nil {
				change.SubSystem = ss.Name()
			}
			r.ConnectedStatusChange(change)
			return err
		})
	}
	return g.Wait()
}

// ---- Status listeners ----

func (r *Registry) AddStatusListener(l StatusListener) {
	r.lmu.Lock()
	defer r.lmu.Unlock()
	r.listeners = append(r.listeners, l)
}

// ConnectedStatusChange notifies status listeners.
func (r *Registry) ConnectedStatusChange(c StatusChange) {
	r.lmu.RLock()
	ls := append([]StatusListener(nil), r.listeners...)
	r.lmu.RUnlock()
	for _, l := range ls {
		l.ConnectedStatusChanged(c)
	}
}
