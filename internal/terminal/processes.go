package terminal

import (
	"context"
	"fmt"
	"strconv"

	"github.com/websoft9/connhub/internal/docker"
	"github.com/websoft9/connhub/internal/progress"
	"github.com/websoft9/connhub/internal/subsystem"
)

// ProcessesResolver lists the processes of a host by running ps through an
// executor. Relative resolution lists a process's children.
type ProcessesResolver struct {
	exec docker.Executor
}

var (
	_ subsystem.Resolver = (*ProcessesResolver)(nil)
	_ subsystem.Sorter   = (*ProcessesResolver)(nil)
)

func NewProcessesResolver(exec docker.Executor) *ProcessesResolver {
	return &ProcessesResolver{exec: exec}
}

func (r *ProcessesResolver) ResolveAbsolute(ctx context.Context, pattern string, mon progress.Monitor) ([]subsystem.RemoteObject, error) {
	procs, err := r.list(ctx, mon)
	if err != nil {
		return nil, err
	}
	return docker.ProcessObjects(procs, pattern)
}

func (r *ProcessesResolver) ResolveRelative(ctx context.Context, parent subsystem.RemoteObject, pattern string, mon progress.Monitor) ([]subsystem.RemoteObject, error) {
	if parent.Type != docker.TypeProcess {
		return nil, fmt.Errorf("processes: %s is not a process", parent.Name)
	}
	procs, err := r.list(ctx, mon)
	if err != nil {
		return nil, err
	}
	var children []docker.Process
	for _, p := range procs {
		if p.PPID == parent.Path {
			children = append(children, p)
		}
	}
	return docker.ProcessObjects(children, pattern)
}

// Less orders processes by numeric pid.
func (r *ProcessesResolver) Less(a, b subsystem.RemoteObject) bool {
	pa, errA := strconv.Atoi(a.Path)
	pb, errB := strconv.Atoi(b.Path)
	if errA != nil || errB != nil {
		return subsystem.ByName(a, b)
	}
	return pa < pb
}

func (r *ProcessesResolver) list(ctx context.Context, mon progress.Monitor) ([]docker.Process, error) {
	progress.OrNop(mon).SubTask("ps on " + r.exec.Host())
	out, err := r.exec.Run(ctx, "ps", "-eo", "uid,pid,ppid,args")
	if err != nil {
		return nil, fmt.Errorf("processes: ps: %w", err)
	}
	return docker.ParsePS(out), nil
}
