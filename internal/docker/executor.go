package docker

import "context"

// Executor abstracts command execution for local (os/exec) or remote (SSH) targets.
// Not Docker-specific: the processes subsystem runs ps through it too.
type Executor interface {
	// Run executes a command and returns buffered stdout.
	Run(ctx context.Context, command string, args ...string) (string, error)

	// Ping checks if the execution target is reachable.
	Ping(ctx context.Context) error

	// Host returns a label identifying the execution target (e.g. "local", "web1").
	Host() string
}
