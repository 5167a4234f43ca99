// Package workspace wires hosts, the connector registry, credentials,
// subsystem kinds and the connection coordinator into one object the
// server, worker and CLI share.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/websoft9/connhub/internal/audit"
	"github.com/websoft9/connhub/internal/connector"
	"github.com/websoft9/connhub/internal/coordinator"
	"github.com/websoft9/connhub/internal/credentials"
	"github.com/websoft9/connhub/internal/docker"
	"github.com/websoft9/connhub/internal/host"
	"github.com/websoft9/connhub/internal/progress"
	"github.com/websoft9/connhub/internal/registry"
	"github.com/websoft9/connhub/internal/subsystem"
	"github.com/websoft9/connhub/internal/terminal"
)

var (
	ErrNoHost      = errors.New("workspace: no such host")
	ErrNoSubSystem = errors.New("workspace: no such subsystem kind")
)

// Options configures a Workspace.
type Options struct {
	// Kinds are the subsystem kinds offered on every host. Nil means DefaultKinds.
	Kinds []Kind
	// Backend is the durable password store. Nil keeps passwords in memory only.
	Backend   credentials.Backend
	Prompter  connector.Prompter
	Persister connector.Persister

	KnownHostsFile   string
	ShareCredentials bool

	// InFlight is shared with other coordinators of the process. Nil creates one.
	InFlight *coordinator.InFlight
	Limiter  *rate.Limiter
	Audit    *zerolog.Logger
	Actor    string
}

type subKey struct {
	host string
	kind string
}

// Workspace is safe for concurrent use.
type Workspace struct {
	hosts *host.Inventory
	reg   *registry.Registry
	store *credentials.Store
	coord *coordinator.Coordinator
	kinds []Kind
	audit zerolog.Logger
	actor string

	mu           sync.Mutex
	subs         map[subKey]*subsystem.SubSystem
	placeholders map[string]*host.Host
	listeners    []connector.Listener
}

func New(opts Options) (*Workspace, error) {
	kinds := opts.Kinds
	if kinds == nil {
		kinds = DefaultKinds()
	}
	for _, k := range kinds {
		if err := k.Validate(); err != nil {
			return nil, fmt.Errorf("workspace: %w", err)
		}
	}
	inflight := opts.InFlight
	if inflight == nil {
		inflight = coordinator.NewInFlight()
	}

	ws := &Workspace{
		hosts:        host.NewInventory(),
		reg:          registry.New(),
		store:        credentials.NewStore(opts.Backend),
		kinds:        kinds,
		audit:        log.Logger,
		actor:        opts.Actor,
		subs:         make(map[subKey]*subsystem.SubSystem),
		placeholders: make(map[string]*host.Host),
	}
	if opts.Audit != nil {
		ws.audit = *opts.Audit
	}

	ws.reg.RegisterFactory(terminal.CapabilityKey, terminal.NewFactory(terminal.FactoryOptions{
		KnownHostsFile:   opts.KnownHostsFile,
		ShareCredentials: opts.ShareCredentials,
		Store:            ws.store,
		Prompter:         inflight.SerializePrompts(opts.Prompter),
		Peers:            ws.reg,
		Persister:        opts.Persister,
	}))

	coord, err := coordinator.New(coordinator.Options{
		InFlight: inflight,
		Notifier: ws.reg,
		Hosts:    ws.hosts,
		Limiter:  opts.Limiter,
		Monitor:  logMonitor,
		Audit:    opts.Audit,
		Actor:    opts.Actor,
	})
	if err != nil {
		return nil, err
	}
	ws.coord = coord
	return ws, nil
}

func logMonitor(op string, ss *subsystem.SubSystem) progress.Monitor {
	return progress.NewLog(log.With().Str("op", op).Str("subsystem", ss.String()).Logger())
}

func (ws *Workspace) Hosts() *host.Inventory                { return ws.hosts }
func (ws *Workspace) Registry() *registry.Registry          { return ws.reg }
func (ws *Workspace) Store() *credentials.Store             { return ws.store }
func (ws *Workspace) Coordinator() *coordinator.Coordinator { return ws.coord }

// Kinds returns the configured subsystem kinds.
func (ws *Workspace) Kinds() []Kind {
	return append([]Kind(nil), ws.kinds...)
}

func (ws *Workspace) kind(id string) (Kind, bool) {
	for _, k := range ws.kinds {
		if k.ID == id {
			return k, true
		}
	}
	return Kind{}, false
}

// ---- Hosts ----

// AddHost defines h. A placeholder with the same name is resolved to h; a
// previously defined host with the same name is dropped first.
func (ws *Workspace) AddHost(ctx context.Context, h *host.Host) error {
	if err := h.Validate(); err != nil {
		return err
	}
	if replaced := ws.hosts.Add(h); replaced != nil && replaced != h {
		if err := ws.dropHost(ctx, replaced); err != nil {
			log.Warn().Err(err).Str("host", h.Name).Msg("workspace: disconnect replaced host")
		}
	}

	ws.mu.Lock()
	defer ws.mu.Unlock()
	name := strings.ToLower(h.Name)
	ph, ok := ws.placeholders[name]
	if !ok {
		return nil
	}
	delete(ws.placeholders, name)
	for _, svc := range ws.reg.ServicesForHost(ph) {
		if _, err := ws.reg.GetOrCreate(h, svc.CapabilityKey()); err != nil {
			return err
		}
	}
	log.Info().Str("host", h.Name).Msg("workspace: placeholder host resolved")
	return nil
}

// LoadHosts defines every host of a YAML hosts file.
func (ws *Workspace) LoadHosts(ctx context.Context, path string) error {
	hosts, err := host.LoadFile(path)
	if err != nil {
		return err
	}
	for _, h := range hosts {
		if err := ws.AddHost(ctx, h); err != nil {
			return err
		}
	}
	return nil
}

// RemoveHost deletes the named host, disconnecting and dropping its
// subsystems. Pending connects against it fail as already deleted.
func (ws *Workspace) RemoveHost(ctx context.Context, name string) error {
	h, ok := ws.hosts.Remove(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoHost, name)
	}
	return ws.dropHost(ctx, h)
}

func (ws *Workspace) dropHost(ctx context.Context, h *host.Host) error {
	ws.mu.Lock()
	var dropped []*subsystem.SubSystem
	for k, ss := range ws.subs {
		if ss.Host() == h {
			dropped = append(dropped, ss)
			delete(ws.subs, k)
		}
	}
	ws.mu.Unlock()

	var errs []error
	done := make(map[connector.Service]bool)
	for _, ss := range dropped {
		inner := connector.Unwrap(ss.ConnectorService())
		if ss.IsConnected() && !done[inner] {
			done[inner] = true
			if err := ws.coord.Disconnect(ctx, ss, true); err != nil {
				errs = append(errs, err)
			}
		}
		ss.Detach()
	}
	ws.reg.RemoveHost(h)
	return errors.Join(errs...)
}

// Placeholder returns the placeholder for a host whose definition has not
// been loaded yet. Subsystems created on it follow the host once AddHost
// resolves it.
func (ws *Workspace) Placeholder(name string) *host.Host {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	key := strings.ToLower(name)
	if ph, ok := ws.placeholders[key]; ok {
		return ph
	}
	ph := host.NewPlaceholder(name)
	ws.placeholders[key] = ph
	return ph
}

func (ws *Workspace) lookupHost(name string) (*host.Host, bool) {
	if h, ok := ws.hosts.Get(name); ok {
		return h, true
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ph, ok := ws.placeholders[strings.ToLower(name)]
	return ph, ok
}

// ---- Subsystems ----

// SubSystem returns the subsystem of kind on the named host, creating it on
// first use.
func (ws *Workspace) SubSystem(hostName, kind string) (*subsystem.SubSystem, error) {
	k, ok := ws.kind(kind)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSubSystem, kind)
	}
	h, ok := ws.lookupHost(hostName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoHost, hostName)
	}

	ws.mu.Lock()
	defer ws.mu.Unlock()
	key := subKey{host: strings.ToLower(h.Name), kind: kind}
	if ss, ok := ws.subs[key]; ok {
		return ss, nil
	}

	svc, err := ws.reg.GetOrCreate(h, k.CapabilityKey)
	if err != nil {
		return nil, err
	}
	ws.attachLocked(svc)

	resolver, svc := buildResolver(k.ID, svc)
	opts := []subsystem.Option{
		subsystem.WithCoordinator(ws.coord),
		subsystem.WithFilterPools(k.FilterPools...),
	}
	if k.Primary {
		opts = append(opts, subsystem.AsPrimary())
	}
	ss := subsystem.New(k.ID, k.Configuration, svc, resolver, opts...)
	ws.subs[key] = ss
	log.Debug().Str("subsystem", ss.String()).Msg("workspace: subsystem created")
	return ss, nil
}

// SubSystems returns every kind's subsystem on the named host, in kind order.
func (ws *Workspace) SubSystems(hostName string) ([]*subsystem.SubSystem, error) {
	out := make([]*subsystem.SubSystem, 0, len(ws.kinds))
	for _, k := range ws.kinds {
		ss, err := ws.SubSystem(hostName, k.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, ss)
	}
	return out, nil
}

// buildResolver returns the resolver for a kind and the service view its
// subsystem registers with. Docker kinds decorate the shared service.
func buildResolver(kind string, svc connector.Service) (subsystem.Resolver, connector.Service) {
	switch kind {
	case SubSystemFiles:
		return terminal.FilesResolverFor(svc), svc
	case SubSystemProcesses:
		return terminal.NewProcessesResolver(terminal.ExecutorFor(svc)), svc
	case SubSystemContainers:
		client := docker.New(terminal.ExecutorFor(svc))
		return docker.NewContainersResolver(client), docker.NewService(svc, client)
	default:
		client := docker.New(terminal.ExecutorFor(svc))
		return docker.NewImagesResolver(client), docker.NewService(svc, client)
	}
}

// ---- Listeners ----

// AddServiceListener attaches l to every current and future connector service.
func (ws *Workspace) AddServiceListener(l connector.Listener) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.listeners = append(ws.listeners, l)
	for _, svc := range ws.reg.All() {
		svc.AddListener(l)
	}
}

func (ws *Workspace) attachLocked(svc connector.Service) {
	for _, l := range ws.listeners {
		svc.AddListener(l)
	}
}

// ---- Credentials ----

// Forget clears the host's cached passwords and removes the durable entry
// for userID. An empty userID clears each service's current user entry.
func (ws *Workspace) Forget(ctx context.Context, hostName, userID string) error {
	h, ok := ws.lookupHost(hostName)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoHost, hostName)
	}
	for _, svc := range ws.reg.ServicesForHost(h) {
		svc.ClearPassword(ctx, true, false)
	}
	if userID != "" {
		ws.store.Forget(ctx, credentials.Key{SystemType: h.SystemType, Host: h.Name, UserID: userID})
	}
	audit.Write(ws.audit, audit.Entry{
		Actor:        ws.actor,
		Action:       audit.ActionForget,
		ResourceType: "host",
		ResourceID:   h.Name,
		ResourceName: h.Name,
		Status:       audit.StatusSuccess,
		Detail:       map[string]any{"user": userID},
	})
	return nil
}

// Close disconnects every connected service.
func (ws *Workspace) Close(ctx context.Context) error {
	return ws.reg.DisconnectAll(ctx)
}
