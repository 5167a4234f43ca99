package connector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/websoft9/connhub/internal/credentials"
	"github.com/websoft9/connhub/internal/host"
	"github.com/websoft9/connhub/internal/progress"
)

// Options configures a Base service.
type Options struct {
	CapabilityKey string
	Description   string
	Port          int
	UseSSL        bool
	// ShareCredentials opts the service into password propagation with the
	// other services of its host, in both directions.
	ShareCredentials bool
	// NoPassword marks protocols that never need a password (e.g. local).
	NoPassword bool

	Store     *credentials.Store
	Prompter  Prompter
	Peers     Peers
	Persister Persister
}

// Base is the protocol-independent connector service.
type Base struct {
	id       string
	protocol Protocol
	capKey   string
	desc     string
	shares   bool
	noPass   bool

	store     *credentials.Store
	prompter  Prompter
	peers     Peers
	persister Persister

	// connMu serializes Connect and Disconnect on this service.
	connMu sync.Mutex

	mu          sync.Mutex
	host        *host.Host
	port        int
	useSSL      bool
	userID      string
	state       State
	connErr     bool
	dirty       bool
	subsystems  []Subscriber
	explicitPri Subscriber

	suppressed atomic.Bool
	listeners  listenerSet
}

var _ Service = (*Base)(nil)

// NewBase creates a disconnected service for h driven by p.
func NewBase(h *host.Host, p Protocol, opts Options) *Base {
	store := opts.Store
	if store == nil {
		store = credentials.NewStore(nil)
	}
	return &Base{
		id:        uuid.NewString(),
		protocol:  p,
		capKey:    opts.CapabilityKey,
		desc:      opts.Description,
		shares:    opts.ShareCredentials,
		noPass:    opts.NoPassword,
		store:     store,
		prompter:  opts.Prompter,
		peers:     opts.Peers,
		persister: opts.Persister,
		host:      h,
		port:      opts.Port,
		useSSL:    opts.UseSSL,
	}
}

func (b *Base) ID() string            { return b.id }
func (b *Base) CapabilityKey() string { return b.capKey }
func (b *Base) Protocol() Protocol    { return b.protocol }
func (b *Base) SharesCredentials() bool {
	return b.shares
}

func (b *Base) Description() string {
	if b.desc != "" {
		return b.desc
	}
	return b.capKey
}

func (b *Base) Host() *host.Host {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.host
}

func (b *Base) SetHost(h *host.Host) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.host = h
}

func (b *Base) hostName() string {
	if h := b.Host(); h != nil {
		return h.Name
	}
	return ""
}

// ---- Editable attributes ----

func (b *Base) Port() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.port == 0 && b.host != nil {
		return b.host.Port
	}
	return b.port
}

func (b *Base) SetPort(port int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.port != port {
		b.port = port
		b.dirty = true
	}
}

func (b *Base) UseSSL() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.useSSL || (b.host != nil && b.host.UseSSL)
}

func (b *Base) SetUseSSL(useSSL bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.useSSL != useSSL {
		b.useSSL = useSSL
		b.dirty = true
	}
}

func (b *Base) IsDirty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dirty
}

// Commit saves the service through the Persister when it is dirty.
func (b *Base) Commit(ctx context.Context) error {
	if !b.IsDirty() {
		return nil
	}
	if b.persister != nil {
		if err := b.persister.SaveService(ctx, b); err != nil {
			return fmt.Errorf("connector: commit %s: %w", b.id, err)
		}
	}
	b.mu.Lock()
	b.dirty = false
	b.mu.Unlock()
	return nil
}

// ---- State ----

func (b *Base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Base) setState(s State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

// IsConnected reports whether the service is connected and the protocol
// still holds its connection.
func (b *Base) IsConnected() bool {
	return b.State() == Connected && b.protocol.IsConnected()
}

func (b *Base) IsSuppressed() bool              { return b.suppressed.Load() }
func (b *Base) SetSuppressed(suppressed bool)   { b.suppressed.Store(suppressed) }
func (b *Base) IsConnectionError() bool         { b.mu.Lock(); defer b.mu.Unlock(); return b.connErr }
func (b *Base) SetConnectionError(connErr bool) { b.mu.Lock(); b.connErr = connErr; b.mu.Unlock() }

// Connect opens the protocol connection and initializes every registered
// subsystem in registration order. It is a no-op when already connected.
func (b *Base) Connect(ctx context.Context, mon progress.Monitor) error {
	mon = progress.OrNop(mon)
	b.connMu.Lock()
	defer b.connMu.Unlock()

	if b.IsConnected() {
		return nil
	}
	h := b.Host()
	if err := ctx.Err(); err != nil {
		return NewError(KindCancelled, "connect", h.Name, err)
	}

	subs := b.SubSystems()
	b.setState(Connecting)
	b.fire(BeforeConnect, "")
	mon.Begin(fmt.Sprintf("Connecting to %s", h.Name), len(subs)+1)
	defer mon.Done()

	creds, _ := b.store.Cached(b.id)
	err := b.protocol.Connect(ctx, ConnectRequest{
		Host:        h,
		Port:        b.Port(),
		UseSSL:      b.UseSSL(),
		Credentials: creds,
	}, mon)
	if err != nil {
		err = Wrap(KindConnectFailed, "connect", h.Name, err)
		b.setState(Disconnected)
		if KindOf(err) == KindAuthenticationFailed {
			b.store.Remove(ctx, b.id, b.key(creds.UserID), false)
		}
		if !IsCancelled(err) {
			b.SetConnectionError(true)
			b.fire(ConnectionError, err.Error())
		}
		return err
	}
	mon.Worked(1)

	b.mu.Lock()
	b.state = Connected
	b.connErr = false
	b.mu.Unlock()

	for i, ss := range subs {
		if ctx.Err() != nil {
			b.abortConnect(ctx, subs[:i])
			return NewError(KindCancelled, "connect", h.Name, ctx.Err())
		}
		mon.SubTask(ss.Name())
		if err := runHook(func() error { return ss.InitializeSubSystem(ctx, mon) }); err != nil {
			log.Error().Err(err).
				Str("host", h.Name).
				Str("subsystem", ss.Name()).
				Msg("connector: initialize subsystem failed")
		}
		mon.Worked(1)
	}

	b.fire(AfterConnect, "")
	return nil
}

// abortConnect drops a connection whose subsystem initialization was
// cancelled. The subsystems in initialized are uninitialized first.
func (b *Base) abortConnect(ctx context.Context, initialized []Subscriber) {
	ctx = context.WithoutCancel(ctx)
	for _, ss := range initialized {
		if err := runHook(func() error { return ss.UninitializeSubSystem(ctx, progress.Nop) }); err != nil {
			log.Warn().Err(err).
				Str("host", b.hostName()).
				Str("subsystem", ss.Name()).
				Msg("connector: uninitialize after cancelled connect")
		}
	}
	if err := b.protocol.Disconnect(ctx, progress.Nop); err != nil {
		log.Warn().Err(err).Str("host", b.hostName()).Msg("connector: disconnect after cancelled connect")
	}
	b.setState(Disconnected)
}

// Disconnect uninitializes every registered subsystem in registration order,
// then closes the protocol connection.
func (b *Base) Disconnect(ctx context.Context, mon progress.Monitor, keepCredentials bool) error {
	mon = progress.OrNop(mon)
	b.connMu.Lock()
	defer b.connMu.Unlock()

	h := b.Host()
	if b.State() == Disconnected && !b.protocol.IsConnected() {
		if !keepCredentials {
			b.forgetMemoryPassword(ctx)
		}
		return nil
	}

	subs := b.SubSystems()
	b.fire(BeforeDisconnect, "")
	mon.Begin(fmt.Sprintf("Disconnecting from %s", h.Name), len(subs)+1)
	defer mon.Done()

	for _, ss := range subs {
		mon.SubTask(ss.Name())
		if err := runHook(func() error { return ss.UninitializeSubSystem(ctx, mon) }); err != nil {
			log.Error().Err(err).
				Str("host", h.Name).
				Str("subsystem", ss.Name()).
				Msg("connector: uninitialize subsystem failed")
		}
		mon.Worked(1)
	}

	err := b.protocol.Disconnect(ctx, mon)
	b.setState(Disconnected)
	if !keepCredentials {
		b.forgetMemoryPassword(ctx)
	}
	mon.Worked(1)
	b.fire(AfterDisconnect, "")

	return Wrap(KindOperationFailed, "disconnect", h.Name, err)
}

// runHook calls a subsystem hook, turning a panic into an error.
func runHook(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hook panicked: %v", r)
		}
	}()
	return fn()
}

// Reset returns the service to Disconnected and drops session-only state.
func (b *Base) Reset() {
	b.mu.Lock()
	b.state = Disconnected
	b.connErr = false
	b.mu.Unlock()
	if r, ok := b.protocol.(Resetter); ok {
		r.Reset()
	}
}

// ---- Subsystems ----

// RegisterSubSystem adds ss in registration order. Re-registering is a no-op.
func (b *Base) RegisterSubSystem(ss Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, cur := range b.subsystems {
		if cur == ss {
			return
		}
	}
	b.subsystems = append(b.subsystems, ss)
	if ss.IsPrimary() && b.explicitPri == nil {
		b.explicitPri = ss
	}
}

func (b *Base) DeregisterSubSystem(ss Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, cur := range b.subsystems {
		if cur == ss {
			b.subsystems = append(b.subsystems[:i:i], b.subsystems[i+1:]...)
			break
		}
	}
	if b.explicitPri == ss {
		b.explicitPri = nil
	}
}

func (b *Base) SubSystems() []Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Subscriber(nil), b.subsystems...)
}

// PrimarySubSystem is the subsystem explicitly marked primary, otherwise the
// first registered one.
func (b *Base) PrimarySubSystem() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.explicitPri != nil {
		return b.explicitPri
	}
	if len(b.subsystems) > 0 {
		return b.subsystems[0]
	}
	return nil
}

// normalizeUserID applies the primary subsystem's uppercase policy.
func (b *Base) normalizeUserID(userID string) string {
	if p := b.PrimarySubSystem(); p != nil && p.ForceUserIDToUpperCase() {
		return strings.ToUpper(userID)
	}
	return userID
}

// ---- Credentials ----

func (b *Base) key(userID string) credentials.Key {
	h := b.Host()
	return credentials.Key{SystemType: h.SystemType, Host: h.Name, UserID: userID}
}

// UserID returns the explicit user id, else the host's default user.
func (b *Base) UserID() string {
	b.mu.Lock()
	uid := b.userID
	h := b.host
	b.mu.Unlock()
	if uid == "" && h != nil {
		uid = h.DefaultUserID
	}
	return b.normalizeUserID(uid)
}

// SetUserID changes the user id. A memory password cached for another user
// is dropped.
func (b *Base) SetUserID(userID string) {
	userID = b.normalizeUserID(userID)
	b.mu.Lock()
	if b.userID != userID {
		b.userID = userID
		b.dirty = true
	}
	b.mu.Unlock()

	if c, ok := b.store.Cached(b.id); ok && c.UserID != userID {
		b.store.Remove(context.Background(), b.id, c.Key(), false)
	}
}

// ClearUserID forgets the explicit user id and the memory password.
func (b *Base) ClearUserID() {
	b.mu.Lock()
	b.userID = ""
	b.mu.Unlock()
	b.ClearPassword(context.Background(), false, false)
}

func (b *Base) Credentials() (credentials.Credentials, bool) {
	return b.store.Cached(b.id)
}

func (b *Base) requiresPassword(h *host.Host) bool {
	if b.noPass {
		return false
	}
	if p, ok := b.protocol.(PasswordPolicy); ok {
		return p.RequiresPassword(h)
	}
	return true
}

// HasPassword checks the memory cache, or the durable store when onDisk is set.
func (b *Base) HasPassword(ctx context.Context, onDisk bool) bool {
	if onDisk {
		h := b.Host()
		return b.store.Exists(ctx, h.SystemType, h.Name, b.UserID())
	}
	_, ok := b.store.Cached(b.id)
	return ok
}

// AcquireCredentials ensures a password is available for connecting:
//  1. suppressed services fail with KindCancelled;
//  2. a memory password for the current user and host is reused;
//  3. then the durable store;
//  4. otherwise the prompter is asked.
//
// forcePrompt skips steps 2 and 3.
func (b *Base) AcquireCredentials(ctx context.Context, forcePrompt bool) error {
	h := b.Host()
	if !b.requiresPassword(h) {
		return nil
	}
	if b.IsSuppressed() {
		return NewError(KindCancelled, "sign on", h.Name, ErrSuppressed)
	}

	userID := b.UserID()
	if !forcePrompt && userID != "" {
		if _, ok := b.store.Get(ctx, b.id, b.key(userID)); ok {
			return nil
		}
	}

	if b.prompter == nil {
		return NewError(KindAuthenticationFailed, "sign on", h.Name, ErrNoCredentials)
	}
	res, err := b.prompter.PromptForPassword(ctx, PromptRequest{
		ServiceID: b.id,
		Host:      h,
		UserID:    userID,
	})
	if err != nil {
		return Wrap(KindAuthenticationFailed, "sign on", h.Name, err)
	}
	if res.UserID != "" {
		userID = res.UserID
	}
	if userID == "" {
		return NewError(KindAuthenticationFailed, "sign on", h.Name, errors.New("user id is required"))
	}
	b.SetUserID(userID)
	b.SetPassword(ctx, userID, res.Password, res.Save, true)
	return nil
}

// SetPassword caches the password, writes it through (or removes the durable
// entry when persist is false) and, with propagate, offers it to sibling
// services of the same host.
func (b *Base) SetPassword(ctx context.Context, userID, password string, persist, propagate bool) {
	userID = b.normalizeUserID(userID)
	h := b.Host()
	c := credentials.Credentials{
		UserID:     userID,
		Password:   password,
		SystemType: h.SystemType,
		Host:       h.Name,
	}

	b.mu.Lock()
	if b.userID == "" {
		b.userID = userID
	}
	b.store.Cache(b.id, c)
	b.mu.Unlock()
	b.store.Put(ctx, b.id, c, persist)

	if propagate && b.shares {
		b.propagatePassword(ctx, userID, password)
	}
}

// ClearPassword drops the memory password and, with onDisk, the durable one.
func (b *Base) ClearPassword(ctx context.Context, onDisk, propagate bool) {
	b.store.Remove(ctx, b.id, b.key(b.UserID()), onDisk)
	if propagate && b.shares {
		for _, cand := range b.siblings() {
			cand.InheritClear(ctx, onDisk)
		}
	}
}

// InheritPassword adopts a sibling's credentials. The check and the write
// happen under the service lock, so a concurrent SetPassword on this service
// and an inherited password race as last write wins.
func (b *Base) InheritPassword(_ context.Context, userID, password string) bool {
	if !b.shares {
		return false
	}
	userID = b.normalizeUserID(userID)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Connected {
		return false
	}
	if _, ok := b.store.Cached(b.id); ok {
		return false
	}
	if b.userID == "" {
		b.userID = userID
	}
	h := b.host
	b.store.Cache(b.id, credentials.Credentials{
		UserID:     userID,
		Password:   password,
		SystemType: h.SystemType,
		Host:       h.Name,
	})
	return true
}

// InheritClear drops the memory password of a disconnected sibling.
func (b *Base) InheritClear(ctx context.Context, onDisk bool) bool {
	if !b.shares {
		return false
	}
	b.mu.Lock()
	connected := b.state == Connected
	b.mu.Unlock()
	if connected {
		return false
	}
	if _, ok := b.store.Cached(b.id); !ok {
		return false
	}
	b.store.Remove(ctx, b.id, b.key(b.UserID()), onDisk)
	return true
}

func (b *Base) forgetMemoryPassword(ctx context.Context) {
	b.store.Remove(ctx, b.id, b.key(b.UserID()), false)
}

// siblings returns the other services of this host, deduplicated by identity.
func (b *Base) siblings() []Service {
	if b.peers == nil {
		return nil
	}
	seen := map[Service]bool{b: true}
	var out []Service
	for _, s := range b.peers.ServicesForHost(b.Host()) {
		inner := Unwrap(s)
		if seen[inner] {
			continue
		}
		seen[inner] = true
		out = append(out, inner)
	}
	return out
}

func (b *Base) propagatePassword(ctx context.Context, userID, password string) {
	for _, cand := range b.siblings() {
		if cand.InheritPassword(ctx, userID, password) {
			log.Debug().Str("host", b.hostName()).Str("from", b.capKey).
				Str("to", cand.CapabilityKey()).Msg("connector: password propagated")
		}
	}
}

// ---- Listeners ----

func (b *Base) AddListener(l Listener)    { b.listeners.add(l) }
func (b *Base) RemoveListener(l Listener) { b.listeners.remove(l) }
func (b *Base) ListenerCount() int        { return b.listeners.activeCount() }

func (b *Base) fire(t EventType, msg string) {
	b.listeners.fire(Event{
		Type:          t,
		ServiceID:     b.id,
		Host:          b.hostName(),
		CapabilityKey: b.capKey,
		Message:       msg,
		Time:          time.Now().UTC(),
	})
}
