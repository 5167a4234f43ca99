package connector

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/websoft9/connhub/internal/credentials"
	"github.com/websoft9/connhub/internal/host"
	"github.com/websoft9/connhub/internal/progress"
)

// ---- Fakes ----

type fakeProtocol struct {
	mu          sync.Mutex
	connected   bool
	connects    int
	disconnects int
	resets      int
	connectErr  error
	delay       time.Duration
	lastReq     ConnectRequest
}

func (p *fakeProtocol) Connect(ctx context.Context, req ConnectRequest, _ progress.Monitor) error {
	p.mu.Lock()
	p.connects++
	p.lastReq = req
	delay, err := p.delay, p.connectErr
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.connected = true
	p.mu.Unlock()
	return nil
}

func (p *fakeProtocol) Disconnect(context.Context, progress.Monitor) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnects++
	p.connected = false
	return nil
}

func (p *fakeProtocol) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *fakeProtocol) Reset() {
	p.mu.Lock()
	p.resets++
	p.mu.Unlock()
}

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	r.calls = append(r.calls, s)
	r.mu.Unlock()
}

func (r *recorder) joined() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.calls, ",")
}

type fakeSub struct {
	name      string
	primary   bool
	upper     bool
	initErr   error
	initPanic bool
	onInit    func()
	rec       *recorder
}

func (s *fakeSub) Name() string                 { return s.name }
func (s *fakeSub) IsPrimary() bool              { return s.primary }
func (s *fakeSub) ForceUserIDToUpperCase() bool { return s.upper }

func (s *fakeSub) InitializeSubSystem(context.Context, progress.Monitor) error {
	if s.rec != nil {
		s.rec.add("init:" + s.name)
	}
	if s.onInit != nil {
		s.onInit()
	}
	if s.initPanic {
		panic("init " + s.name)
	}
	return s.initErr
}

func (s *fakeSub) UninitializeSubSystem(context.Context, progress.Monitor) error {
	if s.rec != nil {
		s.rec.add("uninit:" + s.name)
	}
	return nil
}

type staticPeers struct{ services []Service }

func (p *staticPeers) ServicesForHost(*host.Host) []Service { return p.services }

func testHost() *host.Host {
	return &host.Host{Name: "web1", SystemType: host.SystemTypeSSH, DefaultUserID: "deploy"}
}

func newTestBase(h *host.Host, p Protocol, store *credentials.Store, peers Peers) *Base {
	return NewBase(h, p, Options{
		CapabilityKey:    "ssh",
		ShareCredentials: true,
		Store:            store,
		Peers:            peers,
	})
}

// ---- Connect / Disconnect ----

func TestBase_Connect_Idempotent(t *testing.T) {
	p := &fakeProtocol{}
	b := newTestBase(testHost(), p, nil, nil)

	for i := 0; i < 3; i++ {
		if err := b.Connect(context.Background(), nil); err != nil {
			t.Fatalf("Connect #%d: %v", i, err)
		}
	}
	if p.connects != 1 {
		t.Errorf("protocol connects = %d, want 1", p.connects)
	}
	if !b.IsConnected() || b.State() != Connected {
		t.Errorf("state = %v, want connected", b.State())
	}
}

func TestBase_Connect_InitializesInRegistrationOrder(t *testing.T) {
	rec := &recorder{}
	b := newTestBase(testHost(), &fakeProtocol{}, nil, nil)
	b.RegisterSubSystem(&fakeSub{name: "files", rec: rec})
	b.RegisterSubSystem(&fakeSub{name: "shells", rec: rec, initErr: errors.New("boom")})
	b.RegisterSubSystem(&fakeSub{name: "containers", rec: rec})

	if err := b.Connect(context.Background(), nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := rec.joined(); got != "init:files,init:shells,init:containers" {
		t.Errorf("hooks = %s", got)
	}
	if !b.IsConnected() {
		t.Error("a failing hook must not fail the connect")
	}
}

func TestBase_Connect_PanickingHookIsContained(t *testing.T) {
	rec := &recorder{}
	b := newTestBase(testHost(), &fakeProtocol{}, nil, nil)
	b.RegisterSubSystem(&fakeSub{name: "files", rec: rec, initPanic: true})
	b.RegisterSubSystem(&fakeSub{name: "containers", rec: rec})

	if err := b.Connect(context.Background(), nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := rec.joined(); got != "init:files,init:containers" {
		t.Errorf("hooks = %s", got)
	}
	if !b.IsConnected() {
		t.Error("a panicking hook must not fail the connect")
	}
}

func TestBase_Connect_CancelledDuringInitUninitializesStarted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := &recorder{}
	p := &fakeProtocol{}
	b := newTestBase(testHost(), p, nil, nil)
	b.RegisterSubSystem(&fakeSub{name: "files", rec: rec, onInit: cancel})
	b.RegisterSubSystem(&fakeSub{name: "containers", rec: rec})

	err := b.Connect(ctx, nil)
	if !IsCancelled(err) {
		t.Fatalf("Connect = %v, want cancelled", err)
	}
	if got := rec.joined(); got != "init:files,uninit:files" {
		t.Errorf("hooks = %s", got)
	}
	if p.disconnects != 1 || b.State() != Disconnected {
		t.Errorf("disconnects = %d state = %v", p.disconnects, b.State())
	}
}

func TestBase_Disconnect_UninitializesThenClearsPassword(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	p := &fakeProtocol{}
	b := newTestBase(testHost(), p, credentials.NewStore(nil), nil)
	b.RegisterSubSystem(&fakeSub{name: "files", rec: rec})
	b.RegisterSubSystem(&fakeSub{name: "shells", rec: rec})
	b.SetPassword(ctx, "deploy", "pw", false, false)

	if err := b.Connect(ctx, nil); err != nil {
		t.Fatal(err)
	}
	if err := b.Disconnect(ctx, nil, false); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if got := rec.joined(); got != "init:files,init:shells,uninit:files,uninit:shells" {
		t.Errorf("hooks = %s", got)
	}
	if p.disconnects != 1 || b.IsConnected() {
		t.Errorf("disconnects = %d, connected = %v", p.disconnects, b.IsConnected())
	}
	if b.HasPassword(ctx, false) {
		t.Error("memory password should be cleared")
	}
}

func TestBase_Disconnect_KeepCredentials(t *testing.T) {
	ctx := context.Background()
	b := newTestBase(testHost(), &fakeProtocol{}, credentials.NewStore(nil), nil)
	b.SetPassword(ctx, "deploy", "pw", false, false)
	_ = b.Connect(ctx, nil)

	if err := b.Disconnect(ctx, nil, true); err != nil {
		t.Fatal(err)
	}
	if !b.HasPassword(ctx, false) {
		t.Error("password should be kept")
	}
}

func TestBase_Connect_FailureSetsConnectionError(t *testing.T) {
	var events []EventType
	p := &fakeProtocol{connectErr: errors.New("connection refused")}
	b := newTestBase(testHost(), p, nil, nil)
	b.AddListener(NewListener(func(e Event) { events = append(events, e.Type) }, true))

	err := b.Connect(context.Background(), nil)
	if KindOf(err) != KindConnectFailed {
		t.Fatalf("kind = %v, want connect failed (err %v)", KindOf(err), err)
	}
	if b.State() != Disconnected || !b.IsConnectionError() {
		t.Errorf("state = %v, connErr = %v", b.State(), b.IsConnectionError())
	}
	if len(events) != 2 || events[0] != BeforeConnect || events[1] != ConnectionError {
		t.Errorf("events = %v", events)
	}
}

func TestBase_Connect_AuthFailureForgetsMemoryPassword(t *testing.T) {
	ctx := context.Background()
	p := &fakeProtocol{connectErr: NewError(KindAuthenticationFailed, "ssh", "web1", errors.New("denied"))}
	b := newTestBase(testHost(), p, credentials.NewStore(nil), nil)
	b.SetPassword(ctx, "deploy", "wrong", false, false)

	err := b.Connect(ctx, nil)
	if KindOf(err) != KindAuthenticationFailed {
		t.Fatalf("kind = %v, want authentication failed", KindOf(err))
	}
	if b.HasPassword(ctx, false) {
		t.Error("a rejected password should not stay cached")
	}
}

func TestBase_Connect_CancelledIsNotConnectionError(t *testing.T) {
	p := &fakeProtocol{delay: time.Second}
	b := newTestBase(testHost(), p, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := b.Connect(ctx, nil)
	if !IsCancelled(err) {
		t.Fatalf("err = %v, want cancelled", err)
	}
	if b.IsConnectionError() || b.State() != Disconnected {
		t.Errorf("state = %v, connErr = %v", b.State(), b.IsConnectionError())
	}

	p.mu.Lock()
	p.delay = 0
	p.mu.Unlock()
	if err := b.Connect(context.Background(), nil); err != nil {
		t.Fatalf("reconnect after cancel: %v", err)
	}
}

func TestBase_Connect_PassesCredentials(t *testing.T) {
	ctx := context.Background()
	p := &fakeProtocol{}
	h := testHost()
	h.Port = 2222
	b := newTestBase(h, p, credentials.NewStore(nil), nil)
	b.SetPassword(ctx, "deploy", "pw", false, false)

	if err := b.Connect(ctx, nil); err != nil {
		t.Fatal(err)
	}
	if p.lastReq.Credentials.Password != "pw" || p.lastReq.Port != 2222 {
		t.Errorf("request = %+v", p.lastReq)
	}
}

func TestBase_Reset(t *testing.T) {
	p := &fakeProtocol{}
	b := newTestBase(testHost(), p, nil, nil)
	_ = b.Connect(context.Background(), nil)
	b.SetConnectionError(true)

	b.Reset()
	if b.State() != Disconnected || b.IsConnectionError() || p.resets != 1 {
		t.Errorf("after Reset: state=%v connErr=%v resets=%d", b.State(), b.IsConnectionError(), p.resets)
	}
}

// ---- Subsystems ----

func TestBase_RegisterSubSystem_Idempotent(t *testing.T) {
	b := newTestBase(testHost(), &fakeProtocol{}, nil, nil)
	ss := &fakeSub{name: "files"}
	b.RegisterSubSystem(ss)
	b.RegisterSubSystem(ss)
	if n := len(b.SubSystems()); n != 1 {
		t.Errorf("len(SubSystems) = %d, want 1", n)
	}
	b.DeregisterSubSystem(ss)
	b.DeregisterSubSystem(ss)
	if n := len(b.SubSystems()); n != 0 {
		t.Errorf("len(SubSystems) = %d, want 0", n)
	}
}

func TestBase_PrimarySubSystem(t *testing.T) {
	b := newTestBase(testHost(), &fakeProtocol{}, nil, nil)
	if b.PrimarySubSystem() != nil {
		t.Fatal("no subsystems: primary should be nil")
	}
	first := &fakeSub{name: "files"}
	explicit := &fakeSub{name: "shells", primary: true}
	b.RegisterSubSystem(first)
	if b.PrimarySubSystem() != first {
		t.Error("first registered should be primary")
	}
	b.RegisterSubSystem(explicit)
	if b.PrimarySubSystem() != explicit {
		t.Error("explicit primary should win")
	}
}

// ---- Credentials ----

func TestBase_AcquireCredentials_Suppressed(t *testing.T) {
	b := newTestBase(testHost(), &fakeProtocol{}, nil, nil)
	b.SetSuppressed(true)
	if err := b.AcquireCredentials(context.Background(), false); !IsCancelled(err) {
		t.Errorf("err = %v, want cancelled", err)
	}
}

func TestBase_AcquireCredentials_UsesDurableStore(t *testing.T) {
	ctx := context.Background()
	backend := credentials.NewMemoryBackend()
	_ = backend.Save(ctx, credentials.Key{SystemType: "SSH", Host: "web1", UserID: "deploy"}, "stored")
	b := newTestBase(testHost(), &fakeProtocol{}, credentials.NewStore(backend), nil)

	if err := b.AcquireCredentials(ctx, false); err != nil {
		t.Fatalf("AcquireCredentials: %v", err)
	}
	if c, _ := b.Credentials(); c.Password != "stored" {
		t.Errorf("password = %q, want stored", c.Password)
	}
}

func TestBase_AcquireCredentials_Prompts(t *testing.T) {
	ctx := context.Background()
	backend := credentials.NewMemoryBackend()
	prompts := 0
	b := NewBase(testHost(), &fakeProtocol{}, Options{
		CapabilityKey: "ssh",
		Store:         credentials.NewStore(backend),
		Prompter: PrompterFunc(func(_ context.Context, req PromptRequest) (PromptResult, error) {
			prompts++
			if req.UserID != "deploy" {
				t.Errorf("prompt user = %q", req.UserID)
			}
			return PromptResult{UserID: "deploy", Password: "typed", Save: true}, nil
		}),
	})

	if err := b.AcquireCredentials(ctx, false); err != nil {
		t.Fatal(err)
	}
	if err := b.AcquireCredentials(ctx, false); err != nil {
		t.Fatal(err)
	}
	if prompts != 1 {
		t.Errorf("prompts = %d, want 1", prompts)
	}
	if !b.HasPassword(ctx, true) {
		t.Error("saved password should be in the durable store")
	}

	if err := b.AcquireCredentials(ctx, true); err != nil {
		t.Fatal(err)
	}
	if prompts != 2 {
		t.Errorf("forcePrompt: prompts = %d, want 2", prompts)
	}
}

func TestBase_AcquireCredentials_PromptCancelled(t *testing.T) {
	b := NewBase(testHost(), &fakeProtocol{}, Options{
		Prompter: PrompterFunc(func(context.Context, PromptRequest) (PromptResult, error) {
			return PromptResult{}, ErrPromptCancelled
		}),
	})
	if err := b.AcquireCredentials(context.Background(), false); !IsCancelled(err) {
		t.Errorf("err = %v, want cancelled", err)
	}
}

func TestBase_AcquireCredentials_NoPrompter(t *testing.T) {
	b := newTestBase(testHost(), &fakeProtocol{}, nil, nil)
	err := b.AcquireCredentials(context.Background(), false)
	if KindOf(err) != KindAuthenticationFailed {
		t.Errorf("kind = %v, want authentication failed", KindOf(err))
	}
}

func TestBase_AcquireCredentials_NoPassword(t *testing.T) {
	b := NewBase(testHost(), &fakeProtocol{}, Options{NoPassword: true})
	if err := b.AcquireCredentials(context.Background(), false); err != nil {
		t.Errorf("NoPassword service should not need credentials: %v", err)
	}
}

type policyProtocol struct{ fakeProtocol }

func (*policyProtocol) RequiresPassword(h *host.Host) bool {
	return h.SystemType != host.SystemTypeLocal
}

func TestBase_AcquireCredentials_PasswordPolicy(t *testing.T) {
	ctx := context.Background()
	h := testHost()
	b := newTestBase(h, &policyProtocol{}, nil, nil)

	err := b.AcquireCredentials(ctx, false)
	if KindOf(err) != KindAuthenticationFailed {
		t.Fatalf("ssh host without prompter = %v, want auth failed", err)
	}

	b.SetHost(&host.Host{Name: h.Name, SystemType: host.SystemTypeLocal})
	if err := b.AcquireCredentials(ctx, false); err != nil {
		t.Errorf("local host should not need credentials: %v", err)
	}
}

func TestBase_UserID_ForcedUpperCaseByPrimary(t *testing.T) {
	ctx := context.Background()
	b := newTestBase(testHost(), &fakeProtocol{}, credentials.NewStore(nil), nil)
	b.RegisterSubSystem(&fakeSub{name: "files", upper: true})

	if got := b.UserID(); got != "DEPLOY" {
		t.Errorf("UserID = %q, want DEPLOY", got)
	}
	b.SetPassword(ctx, "admin", "pw", false, false)
	if c, _ := b.Credentials(); c.UserID != "ADMIN" {
		t.Errorf("credential user = %q, want ADMIN", c.UserID)
	}
}

func TestBase_SetUserID_DropsPasswordForOtherUser(t *testing.T) {
	ctx := context.Background()
	b := newTestBase(testHost(), &fakeProtocol{}, credentials.NewStore(nil), nil)
	b.SetPassword(ctx, "deploy", "pw", false, false)

	b.SetUserID("root")
	if b.HasPassword(ctx, false) {
		t.Error("password for deploy should be dropped after switching to root")
	}
	if !b.IsDirty() {
		t.Error("user id change should mark the service dirty")
	}
}

// ---- Propagation ----

func TestBase_SetPassword_PropagatesToSiblingWithout(t *testing.T) {
	ctx := context.Background()
	store := credentials.NewStore(nil)
	peers := &staticPeers{}
	h := testHost()
	a := newTestBase(h, &fakeProtocol{}, store, peers)
	b := newTestBase(h, &fakeProtocol{}, store, peers)
	peers.services = []Service{a, b}

	a.SetPassword(ctx, "deploy", "shared", false, true)

	c, ok := b.Credentials()
	if !ok || c.Password != "shared" {
		t.Fatalf("sibling credentials = %+v, %v", c, ok)
	}
}

func TestBase_SetPassword_DoesNotOverwriteSibling(t *testing.T) {
	ctx := context.Background()
	store := credentials.NewStore(nil)
	peers := &staticPeers{}
	h := testHost()
	a := newTestBase(h, &fakeProtocol{}, store, peers)
	b := newTestBase(h, &fakeProtocol{}, store, peers)
	peers.services = []Service{a, b}

	b.SetPassword(ctx, "deploy", "own", false, false)
	a.SetPassword(ctx, "deploy", "shared", false, true)
	a.SetPassword(ctx, "deploy", "shared-again", false, true)

	if c, _ := b.Credentials(); c.Password != "own" {
		t.Errorf("sibling password = %q, want own", c.Password)
	}
}

func TestBase_SetPassword_SkipsConnectedAndIsolatedSiblings(t *testing.T) {
	ctx := context.Background()
	store := credentials.NewStore(nil)
	peers := &staticPeers{}
	h := testHost()
	a := newTestBase(h, &fakeProtocol{}, store, peers)
	connected := newTestBase(h, &fakeProtocol{}, store, peers)
	isolated := NewBase(h, &fakeProtocol{}, Options{Store: store, Peers: peers})
	peers.services = []Service{a, connected, isolated}

	if err := connected.Connect(ctx, nil); err != nil {
		t.Fatal(err)
	}
	a.SetPassword(ctx, "deploy", "shared", false, true)

	if connected.HasPassword(ctx, false) {
		t.Error("connected sibling must not receive the password")
	}
	if isolated.HasPassword(ctx, false) {
		t.Error("sibling that does not share credentials must not receive the password")
	}
}

func TestBase_ClearPassword_Propagates(t *testing.T) {
	ctx := context.Background()
	store := credentials.NewStore(nil)
	peers := &staticPeers{}
	h := testHost()
	a := newTestBase(h, &fakeProtocol{}, store, peers)
	b := newTestBase(h, &fakeProtocol{}, store, peers)
	peers.services = []Service{a, Forward(b), b}

	a.SetPassword(ctx, "deploy", "shared", false, true)
	a.ClearPassword(ctx, false, true)

	if a.HasPassword(ctx, false) || b.HasPassword(ctx, false) {
		t.Error("passwords should be cleared on both services")
	}
}

// ---- Listeners ----

func TestBase_ListenerCount_CountsActiveOnly(t *testing.T) {
	b := newTestBase(testHost(), &fakeProtocol{}, nil, nil)
	passive := NewListener(func(Event) {}, true)
	active := NewListener(func(Event) {}, false)

	b.AddListener(passive)
	b.AddListener(active)
	b.AddListener(active)
	if n := b.ListenerCount(); n != 1 {
		t.Errorf("ListenerCount = %d, want 1", n)
	}
	b.RemoveListener(active)
	if n := b.ListenerCount(); n != 0 {
		t.Errorf("ListenerCount after remove = %d, want 0", n)
	}
}

func TestBase_EventsOrder(t *testing.T) {
	var got []string
	b := newTestBase(testHost(), &fakeProtocol{}, nil, nil)
	b.AddListener(NewListener(func(e Event) { got = append(got, e.Type.String()) }, true))

	ctx := context.Background()
	_ = b.Connect(ctx, nil)
	_ = b.Disconnect(ctx, nil, false)

	want := "before_connect,after_connect,before_disconnect,after_disconnect"
	if strings.Join(got, ",") != want {
		t.Errorf("events = %v, want %s", got, want)
	}
}

// ---- Commit ----

type recordingPersister struct{ saved int }

func (p *recordingPersister) SaveService(context.Context, Service) error {
	p.saved++
	return nil
}

func TestBase_Commit(t *testing.T) {
	pers := &recordingPersister{}
	b := NewBase(testHost(), &fakeProtocol{}, Options{Persister: pers})

	_ = b.Commit(context.Background())
	if pers.saved != 0 {
		t.Error("clean service should not be saved")
	}
	b.SetPort(2222)
	if err := b.Commit(context.Background()); err != nil {
		t.Fatal(err)
	}
	if pers.saved != 1 || b.IsDirty() {
		t.Errorf("saved = %d, dirty = %v", pers.saved, b.IsDirty())
	}
}
