// Package subsystem implements the per-host, per-kind view on a remote
// system: connection state delegated to a shared connector service, and
// filter resolution delegated to a protocol Resolver.
package subsystem

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/websoft9/connhub/internal/connector"
	"github.com/websoft9/connhub/internal/host"
	"github.com/websoft9/connhub/internal/metrics"
	"github.com/websoft9/connhub/internal/progress"
)

// Coordinator runs connect and disconnect attempts for subsystems,
// deduplicating concurrent attempts on the same connector service.
type Coordinator interface {
	Connect(ctx context.Context, ss *SubSystem, forcePrompt bool) error
	Disconnect(ctx context.Context, ss *SubSystem, collapse bool) error
}

var ErrNoFilterPool = errors.New("subsystem: no such filter pool reference")

// SubSystem is one kind of view on a host. It does not own its connector
// service; every subsystem sharing the capability key registers with it.
type SubSystem struct {
	name     string
	cfg      Configuration
	svc      connector.Service
	resolver Resolver
	coord    Coordinator
	primary  bool

	mu     sync.RWMutex
	hidden bool
	pools  []FilterPoolReference
	cache  map[string][]RemoteObject
}

var _ connector.Subscriber = (*SubSystem)(nil)

// Option configures a SubSystem.
type Option func(*SubSystem)

// WithCoordinator routes implicit and asynchronous connects through c.
func WithCoordinator(c Coordinator) Option {
	return func(s *SubSystem) { s.coord = c }
}

// AsPrimary marks the subsystem as the primary one of its connector service.
func AsPrimary() Option {
	return func(s *SubSystem) { s.primary = true }
}

// WithFilterPools attaches filter pool references.
func WithFilterPools(refs ...FilterPoolReference) Option {
	return func(s *SubSystem) { s.pools = append(s.pools, refs...) }
}

// New creates a subsystem and registers it with svc.
func New(name string, cfg Configuration, svc connector.Service, r Resolver, opts ...Option) *SubSystem {
	s := &SubSystem{
		name:     name,
		cfg:      cfg,
		svc:      svc,
		resolver: r,
		cache:    make(map[string][]RemoteObject),
	}
	for _, opt := range opts {
		opt(s)
	}
	svc.RegisterSubSystem(s)
	return s
}

// Detach deregisters the subsystem from its connector service.
func (s *SubSystem) Detach() {
	s.svc.DeregisterSubSystem(s)
}

func (s *SubSystem) Name() string                        { return s.name }
func (s *SubSystem) Configuration() Configuration        { return s.cfg }
func (s *SubSystem) ConnectorService() connector.Service { return s.svc }
func (s *SubSystem) Resolver() Resolver                  { return s.resolver }
func (s *SubSystem) IsPrimary() bool                     { return s.primary }
func (s *SubSystem) ForceUserIDToUpperCase() bool        { return s.cfg.ForceUserIDUpperCase }

// Host follows the connector service, so placeholder rebinding is visible here.
func (s *SubSystem) Host() *host.Host { return s.svc.Host() }

func (s *SubSystem) String() string {
	return fmt.Sprintf("%s/%s", s.Host().Name, s.name)
}

func (s *SubSystem) IsHidden() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hidden
}

func (s *SubSystem) SetHidden(hidden bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hidden = hidden
}

// IsConnected reports the connector service state, or true for kinds that
// do not model connections.
func (s *SubSystem) IsConnected() bool {
	if s.cfg.Stateless {
		return true
	}
	return s.svc.IsConnected()
}

// IsPrimaryOfService reports whether s is its connector service's primary subsystem.
func (s *SubSystem) IsPrimaryOfService() bool {
	p := s.svc.PrimarySubSystem()
	return p != nil && p == connector.Subscriber(s)
}

// ---- Connector hooks ----

func (s *SubSystem) InitializeSubSystem(ctx context.Context, mon progress.Monitor) error {
	if in, ok := s.resolver.(Initializer); ok {
		return in.InitializeSubSystem(ctx, mon)
	}
	return nil
}

func (s *SubSystem) UninitializeSubSystem(ctx context.Context, mon progress.Monitor) error {
	if in, ok := s.resolver.(Initializer); ok {
		return in.UninitializeSubSystem(ctx, mon)
	}
	return nil
}

// ---- Connect / disconnect ----

// Connect starts a connect in the background. The returned channel receives
// the outcome once and is then closed.
func (s *SubSystem) Connect(ctx context.Context, forcePrompt bool) <-chan error {
	return s.async(func() error { return s.ConnectAndWait(ctx, forcePrompt) })
}

// Disconnect starts a disconnect in the background. collapse asks views to
// collapse the subsystem's expanded children.
func (s *SubSystem) Disconnect(ctx context.Context, collapse bool) <-chan error {
	return s.async(func() error {
		if s.coord != nil {
			return s.coord.Disconnect(ctx, s, collapse)
		}
		return s.svc.Disconnect(ctx, nil, false)
	})
}

// ConnectAndWait connects synchronously, for callers with no event loop to
// keep responsive.
func (s *SubSystem) ConnectAndWait(ctx context.Context, forcePrompt bool) error {
	if s.IsConnected() {
		return nil
	}
	if s.coord != nil {
		return s.coord.Connect(ctx, s, forcePrompt)
	}
	if err := s.svc.AcquireCredentials(ctx, forcePrompt); err != nil {
		return err
	}
	return s.svc.Connect(ctx, nil)
}

func (s *SubSystem) async(fn func() error) <-chan error {
	ch := make(chan error, 1)
	go func() {
		defer close(ch)
		ch <- fn()
	}()
	return ch
}

// ensureConnected connects implicitly before a resolve. Offline hosts are
// never connected; with filter caching the caller falls back to the cache.
func (s *SubSystem) ensureConnected(ctx context.Context, op string) (offline bool, err error) {
	if s.IsConnected() {
		return false, nil
	}
	h := s.Host()
	if h.Offline {
		if s.cfg.SupportsFilterCaching {
			return true, nil
		}
		return true, connector.NewError(connector.KindConnectFailed, op, h.Name, connector.ErrOffline)
	}
	return false, s.ConnectAndWait(ctx, false)
}

// ---- Filter resolution ----

// ResolveFilterString lists the objects matching pattern from the connection root.
func (s *SubSystem) ResolveFilterString(ctx context.Context, pattern string, mon progress.Monitor) ([]RemoteObject, error) {
	return s.ResolveFilterStrings(ctx, []string{pattern}, mon)
}

// ResolveFilterStrings resolves each pattern in order and concatenates the
// results. Sorting, when configured, is applied once to the concatenation.
func (s *SubSystem) ResolveFilterStrings(ctx context.Context, patterns []string, mon progress.Monitor) ([]RemoteObject, error) {
	const op = "resolve"
	mon = progress.OrNop(mon)

	offline, err := s.ensureConnected(ctx, op)
	if err != nil {
		return nil, s.failed(op, err)
	}
	if offline {
		return s.cached(patterns), nil
	}

	mon.Begin(fmt.Sprintf("Resolving %s", strings.Join(patterns, ", ")), len(patterns))
	defer mon.Done()

	var out []RemoteObject
	for _, p := range patterns {
		objs, err := s.resolver.ResolveAbsolute(ctx, p, mon)
		if err != nil {
			return nil, s.failed(op, s.hookError(ctx, op, err))
		}
		s.remember(p, objs)
		out = append(out, objs...)
		mon.Worked(1)
	}
	if s.cfg.SortResults {
		sortObjects(out, s.less())
	}
	metrics.ObserveResolve(s.name, metrics.OutcomeSuccess, len(out))
	return out, nil
}

// ResolveRelativeFilterString lists the objects matching pattern under parent.
func (s *SubSystem) ResolveRelativeFilterString(ctx context.Context, parent RemoteObject, pattern string, mon progress.Monitor) ([]RemoteObject, error) {
	const op = "resolve relative"
	mon = progress.OrNop(mon)

	offline, err := s.ensureConnected(ctx, op)
	if err != nil {
		return nil, s.failed(op, err)
	}
	if offline {
		return nil, nil
	}

	mon.Begin(fmt.Sprintf("Resolving %s under %s", pattern, parent.Name), progress.Unknown)
	defer mon.Done()

	out, err := s.resolver.ResolveRelative(ctx, parent, pattern, mon)
	if err != nil {
		return nil, s.failed(op, s.hookError(ctx, op, err))
	}
	if s.cfg.SortResults && len(out) > 1 {
		sortObjects(out, s.less())
	}
	metrics.ObserveResolve(s.name, metrics.OutcomeSuccess, len(out))
	return out, nil
}

// hookError classifies a resolver failure: cancellation stays Cancelled,
// anything else becomes OperationFailed carrying the cause.
func (s *SubSystem) hookError(ctx context.Context, op string, err error) error {
	h := s.Host().Name
	if ctx.Err() != nil || connector.IsCancelled(err) {
		return connector.NewError(connector.KindCancelled, op, h, err)
	}
	return connector.NewError(connector.KindOperationFailed, op, h, err)
}

func (s *SubSystem) failed(op string, err error) error {
	if connector.IsCancelled(err) {
		metrics.ObserveResolve(s.name, metrics.OutcomeCancelled, 0)
		log.Info().Str("host", s.Host().Name).Str("subsystem", s.name).Msg("subsystem: " + op + " cancelled")
		return err
	}
	metrics.ObserveResolve(s.name, metrics.OutcomeFailure, 0)
	log.Error().Err(err).Str("host", s.Host().Name).Str("subsystem", s.name).Msg("subsystem: " + op + " failed")
	return err
}

func (s *SubSystem) less() func(a, b RemoteObject) bool {
	if so, ok := s.resolver.(Sorter); ok {
		return so.Less
	}
	return ByName
}

func (s *SubSystem) remember(pattern string, objs []RemoteObject) {
	if !s.cfg.SupportsFilterCaching {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[pattern] = append([]RemoteObject(nil), objs...)
}

func (s *SubSystem) cached(patterns []string) []RemoteObject {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []RemoteObject
	for _, p := range patterns {
		out = append(out, s.cache[p]...)
	}
	if s.cfg.SortResults {
		sortObjects(out, s.less())
	}
	return out
}

// ---- Filter pools ----

func (s *SubSystem) FilterPoolReferences() []FilterPoolReference {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]FilterPoolReference(nil), s.pools...)
}

// AddFilterPoolReference adds ref, replacing a reference with the same name.
func (s *SubSystem) AddFilterPoolReference(ref FilterPoolReference) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cur := range s.pools {
		if cur.Name == ref.Name {
			s.pools[i] = ref
			return
		}
	}
	s.pools = append(s.pools, ref)
}

func (s *SubSystem) RemoveFilterPoolReference(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cur := range s.pools {
		if cur.Name == name {
			s.pools = append(s.pools[:i:i], s.pools[i+1:]...)
			return true
		}
	}
	return false
}

// ResolveFilterPool resolves every filter string of the named pool.
func (s *SubSystem) ResolveFilterPool(ctx context.Context, name string, mon progress.Monitor) ([]RemoteObject, error) {
	s.mu.RLock()
	var filters []string
	found := false
	for _, ref := range s.pools {
		if ref.Name == name {
			filters, found = ref.Filters, true
			break
		}
	}
	s.mu.RUnlock()
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrNoFilterPool, name)
	}
	return s.ResolveFilterStrings(ctx, filters, mon)
}
