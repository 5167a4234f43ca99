package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/websoft9/connhub/internal/connector"
	"github.com/websoft9/connhub/internal/host"
	"github.com/websoft9/connhub/internal/workspace"
)

func newTestHandlers(t *testing.T) (*Handlers, *workspace.Workspace) {
	t.Helper()
	nop := zerolog.Nop()
	ws, err := workspace.New(workspace.Options{Audit: &nop, Actor: "worker"})
	if err != nil {
		t.Fatal(err)
	}
	if err := ws.AddHost(context.Background(), &host.Host{Name: "localhost", SystemType: host.SystemTypeLocal}); err != nil {
		t.Fatal(err)
	}
	if err := ws.AddHost(context.Background(), &host.Host{Name: "web1", SystemType: host.SystemTypeSSH}); err != nil {
		t.Fatal(err)
	}
	return NewHandlers(ws, ws.Coordinator()), ws
}

// ---- Tasks ----

func TestNewConnectTask_Payload(t *testing.T) {
	task, err := NewConnectTask("web1", "files", true)
	if err != nil {
		t.Fatal(err)
	}
	if task.Type() != TaskConnect {
		t.Errorf("type = %q", task.Type())
	}
	var p Payload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		t.Fatal(err)
	}
	if p.Host != "web1" || p.SubSystem != "files" || !p.ForcePrompt {
		t.Errorf("payload = %+v", p)
	}
}

func TestNewTask_RequiresAddress(t *testing.T) {
	if _, err := NewDisconnectTask("", "files", false); err == nil {
		t.Error("missing host accepted")
	}
	if _, err := NewConnectTask("web1", "", false); err == nil {
		t.Error("missing subsystem accepted")
	}
}

// ---- Handlers ----

func TestHandlers_ConnectAndDisconnect(t *testing.T) {
	h, ws := newTestHandlers(t)
	ctx := context.Background()

	connect, _ := NewConnectTask("localhost", workspace.SubSystemFiles, false)
	if err := h.HandleConnect(ctx, connect); err != nil {
		t.Fatalf("connect: %v", err)
	}
	ss, _ := ws.SubSystem("localhost", workspace.SubSystemFiles)
	if !ss.IsConnected() {
		t.Fatal("expected connected")
	}

	disconnect, _ := NewDisconnectTask("localhost", workspace.SubSystemFiles, true)
	if err := h.HandleDisconnect(ctx, disconnect); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if ss.IsConnected() {
		t.Fatal("expected disconnected")
	}
}

func TestHandlers_SkipRetry(t *testing.T) {
	h, _ := newTestHandlers(t)
	ctx := context.Background()

	badPayload := asynq.NewTask(TaskConnect, []byte("{"))
	unknownHost, _ := NewConnectTask("nowhere", workspace.SubSystemFiles, false)
	unknownKind, _ := NewConnectTask("localhost", "printers", false)
	// web1 has no prompter and no stored password.
	noCredentials, _ := NewConnectTask("web1", workspace.SubSystemFiles, false)

	for name, task := range map[string]*asynq.Task{
		"bad payload":    badPayload,
		"unknown host":   unknownHost,
		"unknown kind":   unknownKind,
		"no credentials": noCredentials,
	} {
		t.Run(name, func(t *testing.T) {
			err := h.HandleConnect(ctx, task)
			if !errors.Is(err, asynq.SkipRetry) {
				t.Errorf("got %v, want SkipRetry", err)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"network", connector.NewError(connector.KindConnectFailed, "connect", "web1", errors.New("refused")), true},
		{"offline", connector.NewError(connector.KindConnectFailed, "connect", "web1", connector.ErrOffline), false},
		{"unknown host", connector.NewError(connector.KindConnectFailed, "connect", "web1", connector.ErrUnknownHost), false},
		{"auth", connector.NewError(connector.KindAuthenticationFailed, "sign on", "web1", connector.ErrNoCredentials), false},
		{"cancelled", context.Canceled, false},
		{"deleted", connector.NewError(connector.KindAlreadyDeleted, "connect", "web1", connector.ErrHostDeleted), false},
		{"hook", connector.NewError(connector.KindOperationFailed, "disconnect", "web1", errors.New("eof")), true},
		{"unclassified", errors.New("boom"), true},
	}
	for _, tt := range tests {
		if got := retryable(tt.err); got != tt.want {
			t.Errorf("%s: retryable = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestHandlers_Register(t *testing.T) {
	h, _ := newTestHandlers(t)
	mux := asynq.NewServeMux()
	h.Register(mux)

	task, _ := NewConnectTask("localhost", workspace.SubSystemProcesses, false)
	if err := mux.ProcessTask(context.Background(), task); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}
}
