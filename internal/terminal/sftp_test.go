package terminal

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/pkg/sftp"
	cryptossh "golang.org/x/crypto/ssh"

	"github.com/websoft9/connhub/internal/connector"
	"github.com/websoft9/connhub/internal/credentials"
	"github.com/websoft9/connhub/internal/host"
	"github.com/websoft9/connhub/internal/subsystem"
)

// sftpServer is an in-process SSH server offering only the sftp subsystem,
// backed by the local filesystem.
type sftpServer struct {
	host *host.Host

	mu    sync.Mutex
	conns []net.Conn
}

func startSFTPServer(t *testing.T) *sftpServer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := cryptossh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	cfg := &cryptossh.ServerConfig{
		PasswordCallback: func(c cryptossh.ConnMetadata, pw []byte) (*cryptossh.Permissions, error) {
			if c.User() == "tester" && string(pw) == "secret" {
				return nil, nil
			}
			return nil, errors.New("denied")
		},
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	s := &sftpServer{host: &host.Host{
		Name:       "sftp-" + strconv.Itoa(port),
		Address:    "127.0.0.1",
		Port:       port,
		SystemType: host.SystemTypeSSH,
	}}
	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.conns = append(s.conns, nc)
			s.mu.Unlock()
			go serveSSH(nc, cfg)
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		s.drop()
	})
	return s
}

// drop closes every accepted connection from the server side.
func (s *sftpServer) drop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, nc := range s.conns {
		_ = nc.Close()
	}
	s.conns = nil
}

func serveSSH(nc net.Conn, cfg *cryptossh.ServerConfig) {
	_, chans, reqs, err := cryptossh.NewServerConn(nc, cfg)
	if err != nil {
		return
	}
	go cryptossh.DiscardRequests(reqs)
	for nch := range chans {
		if nch.ChannelType() != "session" {
			_ = nch.Reject(cryptossh.UnknownChannelType, "session only")
			continue
		}
		ch, creqs, err := nch.Accept()
		if err != nil {
			continue
		}
		go func() {
			for req := range creqs {
				ok := req.Type == "subsystem" && len(req.Payload) > 4 && string(req.Payload[4:]) == "sftp"
				if req.WantReply {
					_ = req.Reply(ok, nil)
				}
				if !ok {
					continue
				}
				go func() {
					defer ch.Close()
					srv, err := sftp.NewServer(ch)
					if err != nil {
						return
					}
					_ = srv.Serve()
				}()
			}
		}()
	}
}

func newSFTPService(t *testing.T, s *sftpServer) (connector.Service, *subsystem.SubSystem) {
	t.Helper()
	svc, err := NewFactory(FactoryOptions{Store: credentials.NewStore(nil)})(s.host)
	if err != nil {
		t.Fatal(err)
	}
	svc.SetPassword(context.Background(), "tester", "secret", false, false)
	ss := subsystem.New("files", subsystem.Configuration{ID: "files", CapabilityKey: CapabilityKey, SortResults: true}, svc, FilesResolverFor(svc))
	return svc, ss
}

func objectNames(objs []subsystem.RemoteObject) []string {
	out := make([]string, len(objs))
	for i, o := range objs {
		out[i] = o.Name
	}
	return out
}

func waitDisconnected(t *testing.T, svc connector.Service) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for svc.IsConnected() {
		if time.Now().After(deadline) {
			t.Fatal("service still connected after the server dropped it")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func sftpFixtureDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "logs"), 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"a.txt", "b.txt", "logs/app.log"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return filepath.ToSlash(dir)
}

// ---- SFTP ----

func TestFilesResolver_SFTP_ResolveAbsoluteAndRelative(t *testing.T) {
	ctx := context.Background()
	srv := startSFTPServer(t)
	dir := sftpFixtureDir(t)
	svc, ss := newSFTPService(t, srv)
	defer func() { _ = svc.Disconnect(ctx, nil, false) }()

	objs, err := ss.ResolveFilterString(ctx, dir+"/*", nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got := objectNames(objs); len(got) != 3 || got[0] != "a.txt" || got[1] != "b.txt" || got[2] != "logs" {
		t.Fatalf("names = %v", got)
	}
	if objs[2].Type != TypeDir || objs[0].Type != TypeFile {
		t.Errorf("types = %s %s", objs[0].Type, objs[2].Type)
	}

	children, err := ss.ResolveRelativeFilterString(ctx, objs[2], "*.log", nil)
	if err != nil {
		t.Fatalf("relative: %v", err)
	}
	if got := objectNames(children); len(got) != 1 || got[0] != "app.log" {
		t.Errorf("children = %v", got)
	}

	deep, err := ss.ResolveFilterString(ctx, dir+"/**/*.log", nil)
	if err != nil {
		t.Fatalf("recursive: %v", err)
	}
	if got := objectNames(deep); len(got) != 1 || got[0] != "app.log" {
		t.Errorf("recursive = %v", got)
	}
}

func TestFilesResolver_SFTP_ReopensAfterRemoteDrop(t *testing.T) {
	ctx := context.Background()
	srv := startSFTPServer(t)
	dir := sftpFixtureDir(t)
	svc, ss := newSFTPService(t, srv)
	defer func() { _ = svc.Disconnect(ctx, nil, false) }()

	if _, err := ss.ResolveFilterString(ctx, dir+"/*.txt", nil); err != nil {
		t.Fatalf("first resolve: %v", err)
	}

	srv.drop()
	waitDisconnected(t, svc)

	objs, err := ss.ResolveFilterString(ctx, dir+"/*.txt", nil)
	if err != nil {
		t.Fatalf("resolve after reconnect: %v", err)
	}
	if len(objs) != 2 {
		t.Errorf("got %d objects, want 2", len(objs))
	}
}

func TestFilesResolver_SFTP_UninitializeThenLazyReopen(t *testing.T) {
	ctx := context.Background()
	srv := startSFTPServer(t)
	dir := sftpFixtureDir(t)
	svc, _ := newSFTPService(t, srv)
	defer func() { _ = svc.Disconnect(ctx, nil, false) }()
	if err := svc.Connect(ctx, nil); err != nil {
		t.Fatalf("connect: %v", err)
	}

	r := FilesResolverFor(svc).(*FilesResolver)
	if err := r.InitializeSubSystem(ctx, nil); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := r.UninitializeSubSystem(ctx, nil); err != nil {
		t.Fatalf("uninitialize: %v", err)
	}
	if err := r.UninitializeSubSystem(ctx, nil); err != nil {
		t.Errorf("second uninitialize: %v", err)
	}
	objs, err := r.ResolveAbsolute(ctx, dir+"/b.*", nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(objs) != 1 || objs[0].Name != "b.txt" {
		t.Errorf("got %+v", objs)
	}
}

func TestFilesResolver_SFTP_WrongPassword(t *testing.T) {
	ctx := context.Background()
	srv := startSFTPServer(t)
	svc, ss := newSFTPService(t, srv)
	svc.SetPassword(ctx, "tester", "wrong", false, false)

	_, err := ss.ResolveFilterString(ctx, "/*", nil)
	if connector.KindOf(err) != connector.KindAuthenticationFailed {
		t.Errorf("got %v, want auth failed", err)
	}
}
