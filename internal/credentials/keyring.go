package credentials

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/zalando/go-keyring"
)

const (
	keyringService = "connhub"
	// keySep joins the key parts into one keyring user string. A control
	// character cannot appear in a host name or user id.
	keySep           = "\x1f"
	keyringOpTimeout = 5 * time.Second
)

// keyringProvider abstracts go-keyring calls for testing.
type keyringProvider interface {
	Set(service, user, password string) error
	Get(service, user string) (string, error)
	Delete(service, user string) error
}

type osKeyring struct{}

func (osKeyring) Set(service, user, password string) error {
	return keyring.Set(service, user, password)
}
func (osKeyring) Get(service, user string) (string, error) { return keyring.Get(service, user) }
func (osKeyring) Delete(service, user string) error        { return keyring.Delete(service, user) }

// KeyringBackend stores passwords in the OS keychain.
//
// go-keyring calls cannot be cancelled, so every call runs under a timeout.
// The first timeout disables the backend for the rest of the process.
type KeyringBackend struct {
	provider  keyringProvider
	disabled  atomic.Bool
	opTimeout time.Duration
}

// NewKeyringBackend returns a backend using the OS keychain.
func NewKeyringBackend() *KeyringBackend {
	return &KeyringBackend{provider: osKeyring{}}
}

func newKeyringBackendWithProvider(p keyringProvider) *KeyringBackend {
	return &KeyringBackend{provider: p}
}

func keyringUser(k Key) (string, error) {
	for _, part := range []string{k.SystemType, k.Host, k.UserID} {
		if part == "" {
			return "", fmt.Errorf("credentials: keyring key component is empty: %+v", k)
		}
		if strings.Contains(part, keySep) {
			return "", fmt.Errorf("credentials: keyring key component contains separator: %+v", k)
		}
	}
	return k.SystemType + keySep + k.Host + keySep + k.UserID, nil
}

func (b *KeyringBackend) withTimeout(op string, fn func() error) error {
	if b.disabled.Load() {
		return fmt.Errorf("keyring %s: disabled after earlier timeout", op)
	}
	timeout := b.opTimeout
	if timeout == 0 {
		timeout = keyringOpTimeout
	}
	ch := make(chan error, 1)
	go func() { ch <- fn() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-ch:
		return err
	case <-timer.C:
		b.disabled.Store(true)
		log.Warn().Str("op", op).Dur("timeout", timeout).Msg("credentials: keyring timed out, disabling for this session")
		return fmt.Errorf("keyring %s timed out after %v", op, timeout)
	}
}

func (b *KeyringBackend) Load(_ context.Context, k Key) (string, error) {
	user, err := keyringUser(k)
	if err != nil {
		return "", err
	}
	var pw string
	err = b.withTimeout("get", func() error {
		v, err := b.provider.Get(keyringService, user)
		pw = v
		return err
	})
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("credentials: keyring get %s@%s: %w", k.UserID, k.Host, err)
	}
	return pw, nil
}

func (b *KeyringBackend) Save(_ context.Context, k Key, password string) error {
	user, err := keyringUser(k)
	if err != nil {
		return err
	}
	if err := b.withTimeout("set", func() error {
		return b.provider.Set(keyringService, user, password)
	}); err != nil {
		return fmt.Errorf("credentials: keyring set %s@%s: %w", k.UserID, k.Host, err)
	}
	return nil
}

func (b *KeyringBackend) Delete(_ context.Context, k Key) error {
	user, err := keyringUser(k)
	if err != nil {
		return err
	}
	err = b.withTimeout("delete", func() error {
		return b.provider.Delete(keyringService, user)
	})
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("credentials: keyring delete %s@%s: %w", k.UserID, k.Host, err)
	}
	return nil
}
