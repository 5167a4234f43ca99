package docker

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/websoft9/connhub/internal/progress"
	"github.com/websoft9/connhub/internal/subsystem"
)

// Object types.
const (
	TypeContainer = "container"
	TypeImage     = "image"
	TypeProcess   = "process"
)

// ContainersResolver lists containers whose name matches a pattern, and the
// processes of a resolved container.
type ContainersResolver struct {
	client *Client
}

var (
	_ subsystem.Initializer = (*ContainersResolver)(nil)
	_ subsystem.Initializer = (*ImagesResolver)(nil)
)

func NewContainersResolver(c *Client) *ContainersResolver {
	return &ContainersResolver{client: c}
}

// pingDaemon checks that the Docker daemon answers. An unreachable daemon is
// logged, not returned: the host connection still serves other subsystems.
func pingDaemon(ctx context.Context, c *Client, mon progress.Monitor) {
	progress.OrNop(mon).SubTask("docker info")
	if err := c.Ping(ctx); err != nil {
		log.Warn().Err(err).Str("host", c.exec.Host()).Msg("docker: daemon not reachable")
	}
}

// InitializeSubSystem pings the daemon on every connect of the host.
func (r *ContainersResolver) InitializeSubSystem(ctx context.Context, mon progress.Monitor) error {
	pingDaemon(ctx, r.client, mon)
	return nil
}

func (r *ContainersResolver) UninitializeSubSystem(context.Context, progress.Monitor) error {
	return nil
}

func (r *ContainersResolver) ResolveAbsolute(ctx context.Context, pattern string, mon progress.Monitor) ([]subsystem.RemoteObject, error) {
	mon = progress.OrNop(mon)
	mon.SubTask("docker ps")
	containers, err := r.client.ContainerList(ctx)
	if err != nil {
		return nil, err
	}
	var out []subsystem.RemoteObject
	for _, c := range containers {
		ok, err := matchAny(pattern, strings.Split(c.Names, ","))
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out = append(out, subsystem.RemoteObject{
			Name: firstName(c.Names),
			Type: TypeContainer,
			Path: c.ID,
			Attrs: map[string]string{
				"image":  c.Image,
				"state":  c.State,
				"status": c.Status,
				"ports":  c.Ports,
			},
		})
	}
	return out, nil
}

// ResolveRelative lists the processes of parent whose command matches pattern.
func (r *ContainersResolver) ResolveRelative(ctx context.Context, parent subsystem.RemoteObject, pattern string, mon progress.Monitor) ([]subsystem.RemoteObject, error) {
	if parent.Type != TypeContainer {
		return nil, fmt.Errorf("docker: %s is not a container", parent.Name)
	}
	mon = progress.OrNop(mon)
	mon.SubTask("docker top " + parent.Name)
	procs, err := r.client.ContainerTop(ctx, parent.Path)
	if err != nil {
		return nil, err
	}
	return ProcessObjects(procs, pattern)
}

// ImagesResolver lists images whose repository:tag matches a pattern.
type ImagesResolver struct {
	client *Client
}

func NewImagesResolver(c *Client) *ImagesResolver {
	return &ImagesResolver{client: c}
}

// InitializeSubSystem pings the daemon on every connect of the host.
func (r *ImagesResolver) InitializeSubSystem(ctx context.Context, mon progress.Monitor) error {
	pingDaemon(ctx, r.client, mon)
	return nil
}

func (r *ImagesResolver) UninitializeSubSystem(context.Context, progress.Monitor) error {
	return nil
}

func (r *ImagesResolver) ResolveAbsolute(ctx context.Context, pattern string, mon progress.Monitor) ([]subsystem.RemoteObject, error) {
	mon = progress.OrNop(mon)
	mon.SubTask("docker image ls")
	images, err := r.client.ImageList(ctx)
	if err != nil {
		return nil, err
	}
	var out []subsystem.RemoteObject
	for _, img := range images {
		ok, err := matchAny(pattern, []string{img.Reference(), img.Repository})
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out = append(out, subsystem.RemoteObject{
			Name:  img.Reference(),
			Type:  TypeImage,
			Path:  img.ID,
			Attrs: map[string]string{"size": img.Size, "created": img.Created},
		})
	}
	return out, nil
}

// ResolveRelative is empty: images have no children.
func (r *ImagesResolver) ResolveRelative(context.Context, subsystem.RemoteObject, string, progress.Monitor) ([]subsystem.RemoteObject, error) {
	return nil, nil
}

// ProcessObjects converts processes whose command matches pattern. The
// pattern is matched against the executable's base name and the full command.
func ProcessObjects(procs []Process, pattern string) ([]subsystem.RemoteObject, error) {
	var out []subsystem.RemoteObject
	for _, p := range procs {
		exe := p.Command
		if i := strings.IndexByte(exe, ' '); i >= 0 {
			exe = exe[:i]
		}
		ok, err := matchAny(pattern, []string{path.Base(exe), p.Command})
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out = append(out, subsystem.RemoteObject{
			Name: path.Base(exe),
			Type: TypeProcess,
			Path: p.PID,
			Attrs: map[string]string{
				"pid":     p.PID,
				"ppid":    p.PPID,
				"uid":     p.UID,
				"command": p.Command,
			},
		})
	}
	return out, nil
}

func matchAny(pattern string, names []string) (bool, error) {
	if pattern == "" || pattern == "*" {
		return true, nil
	}
	for _, n := range names {
		ok, err := path.Match(pattern, strings.TrimSpace(n))
		if err != nil {
			return false, fmt.Errorf("docker: pattern %q: %w", pattern, err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func firstName(names string) string {
	if i := strings.IndexByte(names, ','); i >= 0 {
		return names[:i]
	}
	return names
}
