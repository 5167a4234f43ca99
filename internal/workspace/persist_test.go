package workspace

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/websoft9/connhub/internal/connector"
	"github.com/websoft9/connhub/internal/host"
	"github.com/websoft9/connhub/internal/terminal"
)

func writeHosts(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hosts.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestHostsFilePersister_SaveService(t *testing.T) {
	path := writeHosts(t, `
hosts:
  - name: web1
    system_type: SSH
    address: 10.0.0.5
  - name: db1
    system_type: SSH
`)
	p := NewHostsFilePersister(path)
	h := &host.Host{Name: "WEB1", SystemType: host.SystemTypeSSH}
	svc := connector.NewBase(h, &terminal.LocalProtocol{}, connector.Options{CapabilityKey: terminal.CapabilityKey, Persister: p})
	svc.SetUserID("deploy")
	svc.SetPort(2222)

	if err := svc.Commit(context.Background()); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if svc.IsDirty() {
		t.Error("still dirty after commit")
	}

	hosts, err := host.LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if hosts[0].DefaultUserID != "deploy" || hosts[0].Port != 2222 || hosts[0].Address != "10.0.0.5" {
		t.Errorf("web1 = %+v", hosts[0])
	}
	if hosts[1].DefaultUserID != "" || hosts[1].Port != 0 {
		t.Errorf("db1 changed: %+v", hosts[1])
	}
}

func TestHostsFilePersister_UnknownHost(t *testing.T) {
	path := writeHosts(t, "hosts: []\n")
	svc := connector.NewBase(&host.Host{Name: "ghost", SystemType: host.SystemTypeSSH}, &terminal.LocalProtocol{},
		connector.Options{CapabilityKey: terminal.CapabilityKey})
	if err := NewHostsFilePersister(path).SaveService(context.Background(), svc); !errors.Is(err, ErrNoHost) {
		t.Errorf("err = %v, want ErrNoHost", err)
	}
}
