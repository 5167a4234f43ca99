package credentials

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zalando/go-keyring"
)

type fakeKeyring struct {
	mu    sync.Mutex
	items map[string]string
	block chan struct{}
}

func newFakeKeyring() *fakeKeyring {
	return &fakeKeyring{items: make(map[string]string)}
}

func (f *fakeKeyring) wait() {
	if f.block != nil {
		<-f.block
	}
}

func (f *fakeKeyring) Set(service, user, password string) error {
	f.wait()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[service+"/"+user] = password
	return nil
}

func (f *fakeKeyring) Get(service, user string) (string, error) {
	f.wait()
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.items[service+"/"+user]
	if !ok {
		return "", keyring.ErrNotFound
	}
	return v, nil
}

func (f *fakeKeyring) Delete(service, user string) error {
	f.wait()
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.items[service+"/"+user]; !ok {
		return keyring.ErrNotFound
	}
	delete(f.items, service+"/"+user)
	return nil
}

func TestKeyringBackend_RoundTrip(t *testing.T) {
	ctx := context.Background()
	b := newKeyringBackendWithProvider(newFakeKeyring())

	if _, err := b.Load(ctx, webKey); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Load missing err = %v, want ErrNotFound", err)
	}
	if err := b.Save(ctx, webKey, "pw"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if pw, err := b.Load(ctx, webKey); err != nil || pw != "pw" {
		t.Fatalf("Load = %q, %v", pw, err)
	}
	if err := b.Delete(ctx, webKey); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := b.Delete(ctx, webKey); err != nil {
		t.Errorf("Delete missing should not fail: %v", err)
	}
}

func TestKeyringBackend_RejectsEmptyComponent(t *testing.T) {
	b := newKeyringBackendWithProvider(newFakeKeyring())
	if err := b.Save(context.Background(), Key{SystemType: "SSH", Host: "web1"}, "pw"); err == nil {
		t.Error("expected error for empty user id")
	}
}

func TestKeyringBackend_TimeoutDisables(t *testing.T) {
	fk := newFakeKeyring()
	fk.block = make(chan struct{})
	defer close(fk.block)

	b := newKeyringBackendWithProvider(fk)
	b.opTimeout = 20 * time.Millisecond

	if err := b.Save(context.Background(), webKey, "pw"); err == nil {
		t.Fatal("expected timeout error")
	}
	if !b.disabled.Load() {
		t.Fatal("backend should be disabled after a timeout")
	}
	if _, err := b.Load(context.Background(), webKey); err == nil {
		t.Error("disabled backend should fail fast")
	}
}
