package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"al.essio.dev/pkg/shellescape"
	"golang.org/x/crypto/ssh"
)

// ErrNoClient is returned when the shared SSH connection is not open.
var ErrNoClient = errors.New("docker: ssh connection not open")

// ClientFunc returns the shared SSH client of a connected host.
type ClientFunc func() (*ssh.Client, error)

// SSHExecutor runs commands on a remote host over an SSH connection it does
// not own. Each command gets its own session; the connection stays open.
type SSHExecutor struct {
	label  string
	client ClientFunc
}

// NewSSHExecutor creates an executor labelled label that runs over client.
func NewSSHExecutor(label string, client ClientFunc) *SSHExecutor {
	return &SSHExecutor{label: label, client: client}
}

// Run executes a command on the remote host and returns buffered stdout.
// Arguments are shell-quoted.
func (e *SSHExecutor) Run(ctx context.Context, command string, args ...string) (string, error) {
	client, err := e.client()
	if err != nil {
		return "", err
	}
	if client == nil {
		return "", ErrNoClient
	}

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("ssh session: %w", err)
	}
	defer session.Close()

	cmd := shellescape.QuoteCommand(append([]string{command}, args...))
	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		return "", ctx.Err()
	case err = <-done:
		if err != nil {
			return "", fmt.Errorf("%s: %w", strings.TrimSpace(stderr.String()), err)
		}
	}

	return strings.TrimSpace(stdout.String()), nil
}

// Ping tests the session channel by running a simple echo command.
func (e *SSHExecutor) Ping(ctx context.Context) error {
	_, err := e.Run(ctx, "echo", "ok")
	return err
}

// Host returns the SSH host label.
func (e *SSHExecutor) Host() string {
	return e.label
}
