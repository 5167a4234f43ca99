// Package docker lists Docker objects on a host for the containers and
// images subsystems.
//
// Uses the Executor interface for command execution (local os/exec or remote SSH).
// Client wraps Docker CLI semantics; Executor handles how commands run.
package docker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Client wraps Docker CLI operations using an Executor.
type Client struct {
	exec Executor
}

// New creates a new Docker client with the given Executor.
func New(exec Executor) *Client {
	return &Client{exec: exec}
}

// Host returns the executor's host label.
func (c *Client) Host() string {
	return c.exec.Host()
}

// Exec runs an arbitrary docker command. The args are passed directly to "docker <args...>".
func (c *Client) Exec(ctx context.Context, args ...string) (string, error) {
	return c.exec.Run(ctx, "docker", args...)
}

// Ping checks connectivity to the Docker daemon.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.exec.Run(ctx, "docker", "info", "--format", "{{.ID}}")
	return err
}

// Container is one line of `docker ps --format json`.
type Container struct {
	ID      string `json:"ID"`
	Names   string `json:"Names"`
	Image   string `json:"Image"`
	State   string `json:"State"`
	Status  string `json:"Status"`
	Ports   string `json:"Ports"`
	Created string `json:"CreatedAt"`
}

// Image is one line of `docker image ls --format json`.
type Image struct {
	ID         string `json:"ID"`
	Repository string `json:"Repository"`
	Tag        string `json:"Tag"`
	Size       string `json:"Size"`
	Created    string `json:"CreatedAt"`
}

// Reference is repository:tag.
func (i Image) Reference() string {
	return i.Repository + ":" + i.Tag
}

// Process is one row of `docker top`.
type Process struct {
	UID     string
	PID     string
	PPID    string
	Command string
}

// ContainerList returns all containers.
func (c *Client) ContainerList(ctx context.Context) ([]Container, error) {
	out, err := c.exec.Run(ctx, "docker", "ps", "-a", "--format", "json")
	if err != nil {
		return nil, fmt.Errorf("docker ps: %w", err)
	}
	return decodeLines[Container](out)
}

// ImageList returns all images.
func (c *Client) ImageList(ctx context.Context) ([]Image, error) {
	out, err := c.exec.Run(ctx, "docker", "image", "ls", "--format", "json")
	if err != nil {
		return nil, fmt.Errorf("docker image ls: %w", err)
	}
	return decodeLines[Image](out)
}

// ContainerTop returns the processes running in a container.
func (c *Client) ContainerTop(ctx context.Context, id string) ([]Process, error) {
	out, err := c.exec.Run(ctx, "docker", "top", id, "-o", "uid,pid,ppid,args")
	if err != nil {
		return nil, fmt.Errorf("docker top %s: %w", id, err)
	}
	return ParsePS(out), nil
}

// decodeLines decodes one JSON object per non-empty line.
func decodeLines[T any](out string) ([]T, error) {
	var items []T
	sc := bufio.NewScanner(strings.NewReader(out))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var item T
		if err := json.Unmarshal([]byte(line), &item); err != nil {
			return nil, fmt.Errorf("docker: decode %q: %w", line, err)
		}
		items = append(items, item)
	}
	return items, sc.Err()
}

// ParsePS parses `ps`-style output with uid, pid, ppid and args columns.
// The header line is skipped; args keeps its spaces.
func ParsePS(out string) []Process {
	var procs []Process
	for i, line := range strings.Split(out, "\n") {
		if i == 0 || strings.TrimSpace(line) == "" {
			continue
		}
		f := strings.Fields(line)
		if len(f) < 4 {
			continue
		}
		procs = append(procs, Process{UID: f[0], PID: f[1], PPID: f[2], Command: strings.Join(f[3:], " ")})
	}
	return procs
}
