package coordinator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/websoft9/connhub/internal/connector"
	"github.com/websoft9/connhub/internal/subsystem"
)

// Job kinds.
const (
	KindConnect    = "connect"
	KindDisconnect = "disconnect"
)

// Job statuses.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

const defaultJobRetention = 256

// Job is one asynchronous connect or disconnect.
type Job struct {
	id        string
	kind      string
	host      string
	subsystem string
	started   time.Time
	cancel    context.CancelFunc
	done      chan struct{}

	mu       sync.Mutex
	status   string
	err      error
	finished time.Time
}

// JobInfo is a point-in-time view of a Job.
type JobInfo struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Host       string    `json:"host"`
	SubSystem  string    `json:"subsystem"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	Message    string    `json:"message,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt,omitzero"`
}

func (j *Job) ID() string { return j.id }

// Done is closed when the job finishes.
func (j *Job) Done() <-chan struct{} { return j.done }

// Err is the job's outcome. Valid once Done is closed.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Wait blocks until the job finishes or ctx is done.
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return j.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel asks the job to stop. The job finishes with KindCancelled unless it
// already completed.
func (j *Job) Cancel() { j.cancel() }

func (j *Job) Info() JobInfo {
	j.mu.Lock()
	defer j.mu.Unlock()
	info := JobInfo{
		ID:         j.id,
		Kind:       j.kind,
		Host:       j.host,
		SubSystem:  j.subsystem,
		Status:     j.status,
		StartedAt:  j.started,
		FinishedAt: j.finished,
	}
	if j.err != nil {
		info.Error = j.err.Error()
		info.Message = connector.Summary(j.err)
	}
	return info
}

func (j *Job) finish(err error) {
	j.mu.Lock()
	j.err = err
	j.finished = time.Now()
	switch {
	case err == nil:
		j.status = StatusSucceeded
	case connector.IsCancelled(err):
		j.status = StatusCancelled
	default:
		j.status = StatusFailed
	}
	j.mu.Unlock()
	close(j.done)
}

// Jobs tracks recent jobs by id. Finished jobs beyond the retention limit
// are dropped oldest first.
type Jobs struct {
	mu        sync.RWMutex
	jobs      map[string]*Job
	retention int
}

func NewJobs(retention int) *Jobs {
	return &Jobs{jobs: make(map[string]*Job), retention: retention}
}

func (js *Jobs) Get(id string) (*Job, bool) {
	js.mu.RLock()
	defer js.mu.RUnlock()
	j, ok := js.jobs[id]
	return j, ok
}

// List returns every tracked job, newest first.
func (js *Jobs) List() []*Job {
	js.mu.RLock()
	out := make([]*Job, 0, len(js.jobs))
	for _, j := range js.jobs {
		out = append(out, j)
	}
	js.mu.RUnlock()
	sort.Slice(out, func(a, b int) bool { return out[a].started.After(out[b].started) })
	return out
}

func (js *Jobs) add(j *Job) {
	js.mu.Lock()
	defer js.mu.Unlock()
	js.jobs[j.id] = j
	js.pruneLocked()
}

func (js *Jobs) pruneLocked() {
	if js.retention <= 0 || len(js.jobs) <= js.retention {
		return
	}
	var finished []*Job
	for _, j := range js.jobs {
		select {
		case <-j.done:
			finished = append(finished, j)
		default:
		}
	}
	sort.Slice(finished, func(a, b int) bool { return finished[a].started.Before(finished[b].started) })
	for _, j := range finished {
		if len(js.jobs) <= js.retention {
			return
		}
		delete(js.jobs, j.id)
	}
}

// ---- Asynchronous operations ----

// StartConnect connects ss in the background. The job outlives ctx's
// cancellation but keeps its values; use Job.Cancel to stop it. onDone, when
// set, is called once with the finished job.
func (c *Coordinator) StartConnect(ctx context.Context, ss *subsystem.SubSystem, opts ConnectOptions, onDone func(*Job)) *Job {
	return c.start(ctx, KindConnect, ss, onDone, func(ctx context.Context) error {
		return c.ConnectWithOptions(ctx, ss, opts)
	})
}

// StartDisconnect disconnects ss in the background.
func (c *Coordinator) StartDisconnect(ctx context.Context, ss *subsystem.SubSystem, collapse bool, onDone func(*Job)) *Job {
	return c.start(ctx, KindDisconnect, ss, onDone, func(ctx context.Context) error {
		return c.Disconnect(ctx, ss, collapse)
	})
}

func (c *Coordinator) start(ctx context.Context, kind string, ss *subsystem.SubSystem, onDone func(*Job), run func(context.Context) error) *Job {
	jctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	j := &Job{
		id:        uuid.NewString(),
		kind:      kind,
		host:      ss.Host().Name,
		subsystem: ss.Name(),
		started:   time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
		status:    StatusRunning,
	}
	c.jobs.add(j)
	log.Debug().Str("job_id", j.id).Str("kind", kind).Str("host", j.host).Str("subsystem", j.subsystem).
		Msg("coordinator: job started")

	go func() {
		defer cancel()
		err := run(jctx)
		j.finish(err)
		if onDone != nil {
			onDone(j)
		}
	}()
	return j
}
