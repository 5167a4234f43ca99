// Package handlers implements the HTTP API over a workspace.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"

	"github.com/websoft9/connhub/internal/connector"
	"github.com/websoft9/connhub/internal/coordinator"
	"github.com/websoft9/connhub/internal/subsystem"
	"github.com/websoft9/connhub/internal/workspace"
)

// Enqueuer hands connects and disconnects to the task queue.
// *worker.Worker satisfies it.
type Enqueuer interface {
	EnqueueConnect(ctx context.Context, host, subsystem string, forcePrompt bool) (*asynq.TaskInfo, error)
	EnqueueDisconnect(ctx context.Context, host, subsystem string, collapse bool) (*asynq.TaskInfo, error)
}

// API serves the /v1 routes. With a nil queue, connects and disconnects run
// as in-process coordinator jobs.
type API struct {
	ws    *workspace.Workspace
	queue Enqueuer
}

func New(ws *workspace.Workspace, queue Enqueuer) *API {
	return &API{ws: ws, queue: queue}
}

type errorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message,omitempty"`
}

// writeError maps domain errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	resp := errorResponse{Error: err.Error()}
	switch {
	case errors.Is(err, workspace.ErrNoHost), errors.Is(err, workspace.ErrNoSubSystem),
		errors.Is(err, subsystem.ErrNoFilterPool):
		status = http.StatusNotFound
	default:
		kind := connector.KindOf(err)
		switch kind {
		case connector.KindCancelled:
			status = http.StatusConflict
		case connector.KindAuthenticationFailed:
			status = http.StatusUnauthorized
		case connector.KindAlreadyDeleted:
			status = http.StatusGone
		case connector.KindConnectFailed, connector.KindOperationFailed:
			status = http.StatusBadGateway
		}
		if kind != connector.KindUnknown {
			resp.Kind = kind.String()
			resp.Message = connector.Summary(err)
		}
	}
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Msg("handlers: request failed")
	}
	writeJSON(w, status, resp)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg})
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (a *API) subsystemParam(r *http.Request) (*subsystem.SubSystem, error) {
	return a.ws.SubSystem(chi.URLParam(r, "host"), chi.URLParam(r, "name"))
}

// ---- Hosts ----

type subsystemView struct {
	Name        string                          `json:"name"`
	Description string                          `json:"description"`
	Connected   bool                            `json:"connected"`
	Primary     bool                            `json:"primary"`
	FilterPools []subsystem.FilterPoolReference `json:"filterPools,omitempty"`
}

type hostView struct {
	Name        string          `json:"name"`
	Address     string          `json:"address"`
	SystemType  string          `json:"systemType"`
	Offline     bool            `json:"offline"`
	Description string          `json:"description,omitempty"`
	State       string          `json:"state"`
	UserID      string          `json:"userId,omitempty"`
	SubSystems  []subsystemView `json:"subsystems"`
}

func (a *API) hostView(name string) (hostView, error) {
	h, ok := a.ws.Hosts().Get(name)
	if !ok {
		return hostView{}, workspace.ErrNoHost
	}
	subs, err := a.ws.SubSystems(h.Name)
	if err != nil {
		return hostView{}, err
	}
	v := hostView{
		Name:        h.Name,
		Address:     h.HostName(),
		SystemType:  h.SystemType,
		Offline:     h.Offline,
		Description: h.Description,
		State:       connector.Disconnected.String(),
	}
	for _, ss := range subs {
		svc := ss.ConnectorService()
		v.State = svc.State().String()
		v.UserID = svc.UserID()
		v.SubSystems = append(v.SubSystems, subsystemView{
			Name:        ss.Name(),
			Description: ss.Configuration().Description,
			Connected:   ss.IsConnected(),
			Primary:     ss.IsPrimaryOfService(),
			FilterPools: ss.FilterPoolReferences(),
		})
	}
	return v, nil
}

// ListHosts returns every host with its subsystems' state.
func (a *API) ListHosts(w http.ResponseWriter, r *http.Request) {
	out := []hostView{}
	for _, h := range a.ws.Hosts().All() {
		v, err := a.hostView(h.Name)
		if err != nil {
			writeError(w, err)
			return
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) GetHost(w http.ResponseWriter, r *http.Request) {
	v, err := a.hostView(chi.URLParam(r, "host"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// ForgetCredentials clears the host's passwords; ?user= also removes the
// durable entry for that user.
func (a *API) ForgetCredentials(w http.ResponseWriter, r *http.Request) {
	if err := a.ws.Forget(r.Context(), chi.URLParam(r, "host"), r.URL.Query().Get("user")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- Connect / disconnect ----

type connectRequest struct {
	ForcePrompt bool `json:"forcePrompt"`
	// Wait runs the connect within the request.
	Wait bool `json:"wait"`
}

type disconnectRequest struct {
	Collapse bool `json:"collapse"`
	Wait     bool `json:"wait"`
}

type acceptedResponse struct {
	JobID  string `json:"jobId,omitempty"`
	TaskID string `json:"taskId,omitempty"`
	Queue  string `json:"queue,omitempty"`
}

type statusResponse struct {
	Host      string `json:"host"`
	SubSystem string `json:"subsystem"`
	Connected bool   `json:"connected"`
}

func (a *API) Connect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "invalid body: "+err.Error())
		return
	}
	ss, err := a.subsystemParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	coord := a.ws.Coordinator()

	switch {
	case req.Wait:
		if err := coord.ConnectWithOptions(r.Context(), ss, coordinator.ConnectOptions{ForcePrompt: req.ForcePrompt}); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, statusResponse{Host: ss.Host().Name, SubSystem: ss.Name(), Connected: ss.IsConnected()})
	case a.queue != nil:
		info, err := a.queue.EnqueueConnect(r.Context(), ss.Host().Name, ss.Name(), req.ForcePrompt)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, acceptedResponse{TaskID: info.ID, Queue: info.Queue})
	default:
		job := coord.StartConnect(r.Context(), ss, coordinator.ConnectOptions{ForcePrompt: req.ForcePrompt}, nil)
		writeJSON(w, http.StatusAccepted, acceptedResponse{JobID: job.ID()})
	}
}

func (a *API) Disconnect(w http.ResponseWriter, r *http.Request) {
	var req disconnectRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "invalid body: "+err.Error())
		return
	}
	ss, err := a.subsystemParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	coord := a.ws.Coordinator()

	switch {
	case req.Wait:
		if err := coord.Disconnect(r.Context(), ss, req.Collapse); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, statusResponse{Host: ss.Host().Name, SubSystem: ss.Name(), Connected: ss.IsConnected()})
	case a.queue != nil:
		info, err := a.queue.EnqueueDisconnect(r.Context(), ss.Host().Name, ss.Name(), req.Collapse)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, acceptedResponse{TaskID: info.ID, Queue: info.Queue})
	default:
		job := coord.StartDisconnect(r.Context(), ss, req.Collapse, nil)
		writeJSON(w, http.StatusAccepted, acceptedResponse{JobID: job.ID()})
	}
}

// ---- Resolve ----

type resolveRequest struct {
	// Filters are resolved from the connection root and concatenated.
	Filters []string `json:"filters"`
	// Pool resolves a named filter pool instead.
	Pool string `json:"pool"`
	// Parent with Pattern resolves relative to an already-resolved object.
	Parent  *subsystem.RemoteObject `json:"parent"`
	Pattern string                  `json:"pattern"`
}

type resolveResponse struct {
	Objects []subsystem.RemoteObject `json:"objects"`
}

func (a *API) Resolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "invalid body: "+err.Error())
		return
	}
	set := 0
	for _, b := range []bool{len(req.Filters) > 0, req.Pool != "", req.Parent != nil} {
		if b {
			set++
		}
	}
	if set != 1 {
		badRequest(w, "exactly one of filters, pool or parent is required")
		return
	}
	ss, err := a.subsystemParam(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var objs []subsystem.RemoteObject
	switch {
	case req.Parent != nil:
		objs, err = ss.ResolveRelativeFilterString(r.Context(), *req.Parent, req.Pattern, nil)
	case req.Pool != "":
		objs, err = ss.ResolveFilterPool(r.Context(), req.Pool, nil)
	default:
		objs, err = ss.ResolveFilterStrings(r.Context(), req.Filters, nil)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	if objs == nil {
		objs = []subsystem.RemoteObject{}
	}
	writeJSON(w, http.StatusOK, resolveResponse{Objects: objs})
}

// ---- Jobs ----

func (a *API) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := a.ws.Coordinator().Jobs().List()
	out := make([]coordinator.JobInfo, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Info())
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) GetJob(w http.ResponseWriter, r *http.Request) {
	j, ok := a.ws.Coordinator().Jobs().Get(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "job not found"})
		return
	}
	writeJSON(w, http.StatusOK, j.Info())
}

// CancelJob asks a running job to stop.
func (a *API) CancelJob(w http.ResponseWriter, r *http.Request) {
	j, ok := a.ws.Coordinator().Jobs().Get(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "job not found"})
		return
	}
	j.Cancel()
	writeJSON(w, http.StatusAccepted, j.Info())
}
