package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/websoft9/connhub/internal/config"
	"github.com/websoft9/connhub/internal/connector"
	"github.com/websoft9/connhub/internal/credentials"
	"github.com/websoft9/connhub/internal/crypto"
)

// CloseFunc disconnects every service and releases the credential backend.
type CloseFunc func(ctx context.Context) error

// Open builds a workspace from cfg and loads its hosts file. A missing hosts
// file leaves the inventory empty.
func Open(ctx context.Context, cfg *config.Config, prompter connector.Prompter, actor string) (*Workspace, CloseFunc, error) {
	backend, closeBackend, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	var kinds []Kind
	if cfg.SubsystemsFile != "" {
		if kinds, err = LoadKinds(cfg.SubsystemsFile); err != nil {
			closeBackend()
			return nil, nil, err
		}
	}

	var limiter *rate.Limiter
	if cfg.ConnectRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.ConnectRate), cfg.ConnectBurst)
	}

	hostsFound := true
	if _, err := os.Stat(cfg.HostsFile); errors.Is(err, fs.ErrNotExist) {
		hostsFound = false
	}
	var persister connector.Persister
	if hostsFound {
		persister = NewHostsFilePersister(cfg.HostsFile)
	}

	ws, err := New(Options{
		Kinds:            kinds,
		Backend:          backend,
		Prompter:         prompter,
		Persister:        persister,
		KnownHostsFile:   cfg.KnownHostsFile,
		ShareCredentials: cfg.ShareCredentials,
		Limiter:          limiter,
		Actor:            actor,
	})
	if err != nil {
		closeBackend()
		return nil, nil, err
	}

	if hostsFound {
		if err := ws.LoadHosts(ctx, cfg.HostsFile); err != nil {
			closeBackend()
			return nil, nil, err
		}
	} else {
		log.Warn().Str("path", cfg.HostsFile).Msg("workspace: hosts file not found, starting empty")
	}
	log.Info().Int("hosts", len(ws.Hosts().All())).Str("credentials", cfg.CredentialBackend).Msg("workspace: opened")

	closeFn := func(ctx context.Context) error {
		err := ws.Close(ctx)
		closeBackend()
		return err
	}
	return ws, closeFn, nil
}

func openBackend(ctx context.Context, cfg *config.Config) (credentials.Backend, func(), error) {
	switch cfg.CredentialBackend {
	case config.CredentialBackendMemory:
		return credentials.NewMemoryBackend(), func() {}, nil
	case config.CredentialBackendKeyring:
		return credentials.NewKeyringBackend(), func() {}, nil
	case config.CredentialBackendSQLite:
		sealer, err := crypto.SealerFromEnv()
		if err != nil {
			return nil, nil, err
		}
		db, err := credentials.OpenSQLite(ctx, cfg.CredentialDB, sealer)
		if err != nil {
			return nil, nil, err
		}
		return db, func() {
			if err := db.Close(); err != nil {
				log.Warn().Err(err).Str("path", db.Path()).Msg("workspace: close credential store")
			}
		}, nil
	default:
		return nil, nil, fmt.Errorf("workspace: unknown credential backend %q", cfg.CredentialBackend)
	}
}
