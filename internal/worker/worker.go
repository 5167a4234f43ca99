// Package worker runs connect and disconnect requests as Asynq tasks, so
// they survive the request that queued them and retry on transient failures.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"

	"github.com/websoft9/connhub/internal/connector"
	"github.com/websoft9/connhub/internal/coordinator"
	"github.com/websoft9/connhub/internal/subsystem"
	"github.com/websoft9/connhub/internal/workspace"
)

const (
	// Task type constants
	TaskConnect    = "connection:connect"
	TaskDisconnect = "connection:disconnect"
)

const (
	taskMaxRetry = 3
	taskTimeout  = 2 * time.Minute
)

// Payload addresses one subsystem.
type Payload struct {
	Host        string `json:"host"`
	SubSystem   string `json:"subsystem"`
	ForcePrompt bool   `json:"force_prompt,omitempty"`
	Collapse    bool   `json:"collapse,omitempty"`
}

func NewConnectTask(host, subsystem string, forcePrompt bool) (*asynq.Task, error) {
	return newTask(TaskConnect, Payload{Host: host, SubSystem: subsystem, ForcePrompt: forcePrompt})
}

func NewDisconnectTask(host, subsystem string, collapse bool) (*asynq.Task, error) {
	return newTask(TaskDisconnect, Payload{Host: host, SubSystem: subsystem, Collapse: collapse})
}

func newTask(typ string, p Payload) (*asynq.Task, error) {
	if p.Host == "" || p.SubSystem == "" {
		return nil, errors.New("worker: host and subsystem are required")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(typ, data, asynq.MaxRetry(taskMaxRetry), asynq.Timeout(taskTimeout)), nil
}

// SubSystems looks subsystems up by host and kind. *workspace.Workspace
// satisfies it.
type SubSystems interface {
	SubSystem(host, kind string) (*subsystem.SubSystem, error)
}

// Coordinator is the part of *coordinator.Coordinator the handlers use.
type Coordinator interface {
	ConnectWithOptions(ctx context.Context, ss *subsystem.SubSystem, opts coordinator.ConnectOptions) error
	Disconnect(ctx context.Context, ss *subsystem.SubSystem, collapse bool) error
}

// Handlers processes connection tasks.
type Handlers struct {
	subs  SubSystems
	coord Coordinator
}

func NewHandlers(subs SubSystems, coord Coordinator) *Handlers {
	return &Handlers{subs: subs, coord: coord}
}

// Register adds the task handlers to mux.
func (h *Handlers) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TaskConnect, h.HandleConnect)
	mux.HandleFunc(TaskDisconnect, h.HandleDisconnect)
}

func (h *Handlers) HandleConnect(ctx context.Context, t *asynq.Task) error {
	p, ss, err := h.resolve(t)
	if err != nil {
		return err
	}
	err = h.coord.ConnectWithOptions(ctx, ss, coordinator.ConnectOptions{ForcePrompt: p.ForcePrompt})
	return classify(t, p, err)
}

func (h *Handlers) HandleDisconnect(ctx context.Context, t *asynq.Task) error {
	p, ss, err := h.resolve(t)
	if err != nil {
		return err
	}
	return classify(t, p, h.coord.Disconnect(ctx, ss, p.Collapse))
}

func (h *Handlers) resolve(t *asynq.Task) (Payload, *subsystem.SubSystem, error) {
	var p Payload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return p, nil, fmt.Errorf("worker: decode %s payload: %v: %w", t.Type(), err, asynq.SkipRetry)
	}
	ss, err := h.subs.SubSystem(p.Host, p.SubSystem)
	if err != nil {
		return p, nil, fmt.Errorf("worker: %s: %v: %w", t.Type(), err, asynq.SkipRetry)
	}
	return p, ss, nil
}

// classify marks failures that a retry cannot fix.
func classify(t *asynq.Task, p Payload, err error) error {
	if err == nil {
		log.Info().Str("task", t.Type()).Str("host", p.Host).Str("subsystem", p.SubSystem).Msg("worker: task done")
		return nil
	}
	if retryable(err) {
		return err
	}
	log.Warn().Err(err).Str("task", t.Type()).Str("host", p.Host).Str("subsystem", p.SubSystem).
		Msg("worker: task failed permanently")
	return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
}

func retryable(err error) bool {
	switch connector.KindOf(err) {
	case connector.KindCancelled, connector.KindAuthenticationFailed, connector.KindAlreadyDeleted:
		return false
	case connector.KindConnectFailed:
		return !errors.Is(err, connector.ErrOffline) && !errors.Is(err, connector.ErrUnknownHost)
	}
	return !errors.Is(err, workspace.ErrNoHost) && !errors.Is(err, workspace.ErrNoSubSystem)
}

// Worker manages the Asynq server and a shared client for enqueuing tasks.
type Worker struct {
	server   *asynq.Server
	client   *asynq.Client
	handlers *Handlers
}

// New creates a Worker with Asynq server and shared client.
// Call Start() to begin processing and Shutdown() to stop.
func New(redisAddr string, h *Handlers) *Worker {
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	opt := asynq.RedisClientOpt{Addr: redisAddr}

	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: 10,
		Queues: map[string]int{
			"critical": 6,
			"default":  3,
			"low":      1,
		},
	})

	return &Worker{
		server:   srv,
		client:   asynq.NewClient(opt),
		handlers: h,
	}
}

// Start begins processing tasks in a background goroutine.
// This should be called only once during the application lifecycle.
func (w *Worker) Start() {
	mux := asynq.NewServeMux()
	w.handlers.Register(mux)

	go func() {
		if err := w.server.Run(mux); err != nil {
			log.Error().Err(err).Msg("worker: asynq server error")
		}
	}()
}

// Client returns the shared Asynq client for enqueuing tasks.
func (w *Worker) Client() *asynq.Client {
	return w.client
}

// EnqueueConnect queues a connect of host's subsystem.
func (w *Worker) EnqueueConnect(ctx context.Context, host, subsystem string, forcePrompt bool) (*asynq.TaskInfo, error) {
	t, err := NewConnectTask(host, subsystem, forcePrompt)
	if err != nil {
		return nil, err
	}
	return w.client.EnqueueContext(ctx, t)
}

// EnqueueDisconnect queues a disconnect of host's subsystem.
func (w *Worker) EnqueueDisconnect(ctx context.Context, host, subsystem string, collapse bool) (*asynq.TaskInfo, error) {
	t, err := NewDisconnectTask(host, subsystem, collapse)
	if err != nil {
		return nil, err
	}
	return w.client.EnqueueContext(ctx, t)
}

// Shutdown gracefully stops the worker and closes the client connection.
func (w *Worker) Shutdown() {
	w.server.Shutdown()
	_ = w.client.Close()
}
