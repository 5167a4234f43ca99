package terminal

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	cryptossh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/websoft9/connhub/internal/connector"
	"github.com/websoft9/connhub/internal/credentials"
	"github.com/websoft9/connhub/internal/progress"
)

const (
	sshDialTimeout = 10 * time.Second
	DefaultSSHPort = 22
)

// ErrNotConnected is returned by Client when no connection is open.
var ErrNotConnected = errors.New("ssh: not connected")

type dialFunc func(network, addr string, cfg *cryptossh.ClientConfig) (*cryptossh.Client, error)

// SSHProtocol holds the one SSH connection a host's subsystems share.
// Credentials are consumed during Connect and never stored here.
type SSHProtocol struct {
	// KnownHostsFile enables host key verification. Empty accepts any key.
	KnownHostsFile string

	dial dialFunc

	mu     sync.Mutex
	client *cryptossh.Client
}

var (
	_ connector.Protocol = (*SSHProtocol)(nil)
	_ connector.Resetter = (*SSHProtocol)(nil)
)

func NewSSHProtocol(knownHostsFile string) *SSHProtocol {
	return &SSHProtocol{KnownHostsFile: knownHostsFile, dial: cryptossh.Dial}
}

// Connect dials the host and authenticates with the request's credentials.
func (p *SSHProtocol) Connect(ctx context.Context, req connector.ConnectRequest, mon progress.Monitor) error {
	mon = progress.OrNop(mon)
	authMethods, err := authMethodsFromCredentials(req.Credentials)
	if err != nil {
		return fmt.Errorf("ssh: auth config: %w", err)
	}
	hostKeyCallback, err := p.hostKeyCallback()
	if err != nil {
		return fmt.Errorf("ssh: known hosts: %w", err)
	}

	clientCfg := &cryptossh.ClientConfig{
		User:            req.Credentials.UserID,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         sshDialTimeout,
	}

	addr := req.Host.Addr(DefaultSSHPort)
	if req.Port != 0 {
		addr = net.JoinHostPort(req.Host.HostName(), strconv.Itoa(req.Port))
	}
	mon.SubTask("dial " + addr)

	// Respect context cancellation during dial
	type dialResult struct {
		client *cryptossh.Client
		err    error
	}
	ch := make(chan dialResult, 1)
	go func() {
		cl, err := p.dial("tcp", addr, clientCfg)
		ch <- dialResult{cl, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.client != nil {
				_ = r.client.Close()
			}
		}()
		return ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return classifyDialError(req.Host.Name, addr, r.err)
		}
		p.mu.Lock()
		old := p.client
		p.client = r.client
		p.mu.Unlock()
		if old != nil {
			_ = old.Close()
		}
		go p.watch(req.Host.Name, r.client)
		return nil
	}
}

// watch forgets the client once the server side closes it.
func (p *SSHProtocol) watch(hostName string, cl *cryptossh.Client) {
	err := cl.Wait()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == cl {
		p.client = nil
		log.Info().Err(err).Str("host", hostName).Msg("ssh: connection closed by remote")
	}
}

func (p *SSHProtocol) Disconnect(_ context.Context, _ progress.Monitor) error {
	p.mu.Lock()
	cl := p.client
	p.client = nil
	p.mu.Unlock()
	if cl == nil {
		return nil
	}
	if err := cl.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("ssh: close: %w", err)
	}
	return nil
}

func (p *SSHProtocol) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.client != nil
}

// Reset drops the connection without a graceful close.
func (p *SSHProtocol) Reset() {
	_ = p.Disconnect(context.Background(), nil)
}

// Client returns the shared client for subsystems that open their own
// channels (sftp, exec sessions).
func (p *SSHProtocol) Client() (*cryptossh.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		return nil, ErrNotConnected
	}
	return p.client, nil
}

func (p *SSHProtocol) hostKeyCallback() (cryptossh.HostKeyCallback, error) {
	if p.KnownHostsFile == "" {
		return cryptossh.InsecureIgnoreHostKey(), nil //nolint:gosec // opt-in verification via KnownHostsFile
	}
	return knownhosts.New(p.KnownHostsFile)
}

// classifyDialError maps dial failures to connector error kinds.
func classifyDialError(hostName, addr string, err error) error {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return connector.NewError(connector.KindConnectFailed, "connect", hostName,
			fmt.Errorf("%w: %s", connector.ErrUnknownHost, dnsErr.Name))
	}
	if strings.Contains(err.Error(), "unable to authenticate") {
		return connector.NewError(connector.KindAuthenticationFailed, "connect", hostName,
			fmt.Errorf("ssh: dial %s: %w", addr, err))
	}
	return fmt.Errorf("ssh: dial %s: %w", addr, err)
}

// authMethodsFromCredentials builds the SSH auth methods. A password holding
// a PEM private key authenticates by public key.
func authMethodsFromCredentials(c credentials.Credentials) ([]cryptossh.AuthMethod, error) {
	if c.UserID == "" {
		return nil, errors.New("user id is required")
	}
	if strings.HasPrefix(strings.TrimSpace(c.Password), "-----BEGIN") {
		signer, err := cryptossh.ParsePrivateKey([]byte(c.Password))
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		return []cryptossh.AuthMethod{cryptossh.PublicKeys(signer)}, nil
	}
	password := c.Password
	return []cryptossh.AuthMethod{
		cryptossh.Password(password),
		cryptossh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range answers {
				answers[i] = password
			}
			return answers, nil
		}),
	}, nil
}
