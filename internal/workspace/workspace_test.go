package workspace

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/websoft9/connhub/internal/connector"
	"github.com/websoft9/connhub/internal/credentials"
	"github.com/websoft9/connhub/internal/host"
	"github.com/websoft9/connhub/internal/terminal"
)

func newTestWorkspace(t *testing.T, backend credentials.Backend) *Workspace {
	t.Helper()
	nop := zerolog.Nop()
	ws, err := New(Options{Backend: backend, Audit: &nop, Actor: "test"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return ws
}

func localHost(name string) *host.Host {
	return &host.Host{Name: name, SystemType: host.SystemTypeLocal}
}

func sshHost(name string) *host.Host {
	return &host.Host{Name: name, SystemType: host.SystemTypeSSH, DefaultUserID: "root"}
}

// ---- Subsystems ----

func TestWorkspace_SubSystem_Errors(t *testing.T) {
	ws := newTestWorkspace(t, nil)
	if _, err := ws.SubSystem("nowhere", SubSystemFiles); !errors.Is(err, ErrNoHost) {
		t.Errorf("unknown host: got %v", err)
	}
	if err := ws.AddHost(context.Background(), sshHost("web1")); err != nil {
		t.Fatal(err)
	}
	if _, err := ws.SubSystem("web1", "printers"); !errors.Is(err, ErrNoSubSystem) {
		t.Errorf("unknown kind: got %v", err)
	}
}

func TestWorkspace_SubSystems_ShareOneService(t *testing.T) {
	ws := newTestWorkspace(t, nil)
	if err := ws.AddHost(context.Background(), sshHost("web1")); err != nil {
		t.Fatal(err)
	}
	subs, err := ws.SubSystems("WEB1")
	if err != nil {
		t.Fatal(err)
	}
	if len(subs) != 4 {
		t.Fatalf("got %d subsystems, want 4", len(subs))
	}
	inner := connector.Unwrap(subs[0].ConnectorService())
	for _, ss := range subs[1:] {
		if !connector.Same(ss.ConnectorService(), inner) {
			t.Errorf("%s has its own service", ss)
		}
	}
	if got := len(ws.Registry().All()); got != 1 {
		t.Errorf("registry holds %d services, want 1", got)
	}
	if !subs[0].IsPrimaryOfService() {
		t.Error("files should be the primary subsystem")
	}
	if _, ok := inner.Protocol().(*terminal.ShellProtocol); !ok {
		t.Errorf("protocol = %T", inner.Protocol())
	}

	again, _ := ws.SubSystem("web1", SubSystemFiles)
	if again != subs[0] {
		t.Error("SubSystem must return the cached instance")
	}
	if len(again.FilterPoolReferences()) == 0 {
		t.Error("default filter pools not attached")
	}
}

func TestWorkspace_ConcurrentSubSystem(t *testing.T) {
	ws := newTestWorkspace(t, nil)
	if err := ws.AddHost(context.Background(), sshHost("web1")); err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	got := make(chan any, 16)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ss, err := ws.SubSystem("web1", SubSystemProcesses)
			if err != nil {
				t.Error(err)
				return
			}
			got <- ss
		}()
	}
	wg.Wait()
	close(got)
	var first any
	for ss := range got {
		if first == nil {
			first = ss
		} else if ss != first {
			t.Fatal("concurrent callers got different subsystems")
		}
	}
}

// ---- Local host end to end ----

func TestWorkspace_LocalConnectAndResolve(t *testing.T) {
	ctx := context.Background()
	ws := newTestWorkspace(t, nil)
	if err := ws.AddHost(ctx, localHost("localhost")); err != nil {
		t.Fatal(err)
	}

	events := make(chan connector.Event, 16)
	ws.AddServiceListener(connector.NewListener(func(e connector.Event) { events <- e }, true))

	files, err := ws.SubSystem("localhost", SubSystemFiles)
	if err != nil {
		t.Fatal(err)
	}
	procs, _ := ws.SubSystem("localhost", SubSystemProcesses)

	dir := t.TempDir()
	for _, name := range []string{"b.txt", "A.txt", "c.log"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	objs, err := files.ResolveFilterString(ctx, filepath.ToSlash(dir)+"/*.txt", nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(objs) != 2 || objs[0].Name != "A.txt" || objs[1].Name != "b.txt" {
		t.Errorf("got %+v", objs)
	}
	if !procs.IsConnected() {
		t.Error("implicit connect through files must connect the shared service")
	}

	var types []connector.EventType
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	if len(types) < 2 || types[0] != connector.BeforeConnect || types[1] != connector.AfterConnect {
		t.Errorf("events = %v", types)
	}

	if err := <-files.Disconnect(ctx, false); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if procs.IsConnected() {
		t.Error("disconnect must drop the shared service")
	}
}

func TestWorkspace_RemoveHost(t *testing.T) {
	ctx := context.Background()
	ws := newTestWorkspace(t, nil)
	if err := ws.AddHost(ctx, localHost("localhost")); err != nil {
		t.Fatal(err)
	}
	ss, _ := ws.SubSystem("localhost", SubSystemFiles)
	if err := ss.ConnectAndWait(ctx, false); err != nil {
		t.Fatal(err)
	}

	if err := ws.RemoveHost(ctx, "localhost"); err != nil {
		t.Fatalf("RemoveHost: %v", err)
	}
	if ss.IsConnected() {
		t.Error("removed host must be disconnected")
	}
	if len(ws.Registry().All()) != 0 {
		t.Error("registry still holds the host's service")
	}
	if _, err := ws.SubSystem("localhost", SubSystemFiles); !errors.Is(err, ErrNoHost) {
		t.Errorf("got %v, want ErrNoHost", err)
	}
	if err := ss.ConnectAndWait(ctx, false); connector.KindOf(err) != connector.KindAlreadyDeleted {
		t.Errorf("connect on removed host: got %v", err)
	}
	if err := ws.RemoveHost(ctx, "localhost"); !errors.Is(err, ErrNoHost) {
		t.Errorf("second remove: got %v", err)
	}
}

func TestWorkspace_AddHost_ReplacesDefinition(t *testing.T) {
	ctx := context.Background()
	ws := newTestWorkspace(t, nil)
	old := localHost("box")
	_ = ws.AddHost(ctx, old)
	oldSS, _ := ws.SubSystem("box", SubSystemFiles)
	_ = oldSS.ConnectAndWait(ctx, false)

	if err := ws.AddHost(ctx, localHost("box")); err != nil {
		t.Fatal(err)
	}
	if oldSS.IsConnected() {
		t.Error("replaced host must be disconnected")
	}
	newSS, _ := ws.SubSystem("box", SubSystemFiles)
	if newSS == oldSS {
		t.Error("replaced host must get a fresh subsystem")
	}
}

// ---- Placeholders ----

func TestWorkspace_PlaceholderResolved(t *testing.T) {
	ctx := context.Background()
	ws := newTestWorkspace(t, nil)
	ph := ws.Placeholder("web1")
	if ws.Placeholder("WEB1") != ph {
		t.Fatal("placeholder must be reused")
	}
	ss, err := ws.SubSystem("web1", SubSystemFiles)
	if err != nil {
		t.Fatal(err)
	}
	if !ss.Host().Placeholder {
		t.Fatal("expected placeholder host")
	}
	svc := ss.ConnectorService()

	resolved := sshHost("web1")
	if err := ws.AddHost(ctx, resolved); err != nil {
		t.Fatal(err)
	}
	if ss.Host() != resolved {
		t.Errorf("subsystem host = %v, want resolved host", ss.Host())
	}
	again, _ := ws.SubSystem("web1", SubSystemFiles)
	if again != ss || again.ConnectorService() != svc {
		t.Error("resolution must keep the subsystem and its service")
	}
}

func TestWorkspace_PlaceholderResolvedToLocal(t *testing.T) {
	ctx := context.Background()
	ws := newTestWorkspace(t, nil)
	ws.Placeholder("box")
	files, err := ws.SubSystem("box", SubSystemFiles)
	if err != nil {
		t.Fatal(err)
	}
	procs, _ := ws.SubSystem("box", SubSystemProcesses)

	if err := ws.AddHost(ctx, localHost("box")); err != nil {
		t.Fatal(err)
	}
	if err := files.ConnectAndWait(ctx, false); err != nil {
		t.Fatalf("connect resolved local host: %v", err)
	}
	if !procs.IsConnected() {
		t.Error("the shared service must be connected")
	}

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "x.conf"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	objs, err := files.ResolveFilterString(ctx, filepath.ToSlash(dir)+"/*.conf", nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(objs) != 1 || objs[0].Name != "x.conf" {
		t.Errorf("got %+v", objs)
	}
}

// ---- Credentials ----

func TestWorkspace_Forget(t *testing.T) {
	ctx := context.Background()
	backend := credentials.NewMemoryBackend()
	ws := newTestWorkspace(t, backend)
	if err := ws.AddHost(ctx, sshHost("web1")); err != nil {
		t.Fatal(err)
	}
	key := credentials.Key{SystemType: host.SystemTypeSSH, Host: "web1", UserID: "root"}
	_ = backend.Save(ctx, key, "pw")

	if err := ws.Forget(ctx, "web1", "root"); err != nil {
		t.Fatal(err)
	}
	if backend.Len() != 0 {
		t.Errorf("durable entry not removed")
	}
	if err := ws.Forget(ctx, "nowhere", "root"); !errors.Is(err, ErrNoHost) {
		t.Errorf("got %v, want ErrNoHost", err)
	}
}

// ---- Kinds ----

func TestParseKinds(t *testing.T) {
	kinds, err := ParseKinds([]byte(`
subsystems:
  - id: files
    capability: ssh
    sortResults: true
    primary: true
    filterPools:
      - name: etc
        filters: ["/etc/*.conf"]
  - id: processes
    capability: ssh
`))
	if err != nil {
		t.Fatal(err)
	}
	if len(kinds) != 2 || !kinds[0].Primary || !kinds[0].SortResults || kinds[0].FilterPools[0].Name != "etc" {
		t.Errorf("got %+v", kinds)
	}

	if _, err := ParseKinds([]byte("subsystems:\n  - id: printers\n    capability: ssh\n")); err == nil {
		t.Error("unknown kind accepted")
	}
	if _, err := ParseKinds([]byte("subsystems:\n  - id: files\n")); err == nil {
		t.Error("missing capability accepted")
	}
}

func TestNew_RejectsInvalidKind(t *testing.T) {
	if _, err := New(Options{Kinds: []Kind{{}}}); err == nil {
		t.Fatal("expected error")
	}
}
