// Package connector implements connector services: the per-host objects that
// own a live connection shared by several subsystems, together with its
// credentials, listeners and lifecycle.
//
// Remote protocols plug in behind the Protocol interface. Base carries every
// protocol-independent behaviour; Forwarder decorates an existing Service.
package connector

import (
	"context"

	"github.com/websoft9/connhub/internal/credentials"
	"github.com/websoft9/connhub/internal/host"
	"github.com/websoft9/connhub/internal/progress"
)

// ConnectRequest carries what a Protocol needs to open a connection.
type ConnectRequest struct {
	Host        *host.Host
	Port        int
	UseSSL      bool
	Credentials credentials.Credentials
}

// Protocol is a remote-system kind's connect/disconnect implementation.
// Implementations must honour ctx cancellation and be safe for concurrent use.
type Protocol interface {
	Connect(ctx context.Context, req ConnectRequest, mon progress.Monitor) error
	Disconnect(ctx context.Context, mon progress.Monitor) error
	IsConnected() bool
}

// Resetter is implemented by protocols holding session-only state that must
// be dropped on Service.Reset.
type Resetter interface {
	Reset()
}

// PasswordPolicy is implemented by protocols whose need for a password
// depends on the host being connected.
type PasswordPolicy interface {
	RequiresPassword(h *host.Host) bool
}

// Subscriber is the view a Service has of a subsystem registered with it.
type Subscriber interface {
	Name() string
	InitializeSubSystem(ctx context.Context, mon progress.Monitor) error
	UninitializeSubSystem(ctx context.Context, mon progress.Monitor) error
	IsPrimary() bool
	ForceUserIDToUpperCase() bool
}

// PromptRequest describes a credential prompt.
type PromptRequest struct {
	ServiceID string
	Host      *host.Host
	UserID    string
	// Reason is shown to the user, e.g. after a failed authentication.
	Reason string
}

// PromptResult is what the user entered.
type PromptResult struct {
	UserID   string
	Password string
	// Save asks for the password to be written to the durable store.
	Save bool
}

// Prompter asks the user for credentials. A user cancel is reported as
// ErrPromptCancelled.
type Prompter interface {
	PromptForPassword(ctx context.Context, req PromptRequest) (PromptResult, error)
}

// PrompterFunc adapts a function to Prompter.
type PrompterFunc func(ctx context.Context, req PromptRequest) (PromptResult, error)

func (f PrompterFunc) PromptForPassword(ctx context.Context, req PromptRequest) (PromptResult, error) {
	return f(ctx, req)
}

// Peers enumerates the services bound to a host. The registry implements it.
type Peers interface {
	ServicesForHost(h *host.Host) []Service
}

// Persister saves a dirty service's editable attributes.
type Persister interface {
	SaveService(ctx context.Context, s Service) error
}

// Service is a connector service.
type Service interface {
	ID() string
	Host() *host.Host
	// SetHost rebinds the service to a resolved host. Used by the registry only.
	SetHost(h *host.Host)
	CapabilityKey() string
	Description() string
	Protocol() Protocol

	Port() int
	SetPort(port int)
	UseSSL() bool
	SetUseSSL(useSSL bool)
	IsDirty() bool
	Commit(ctx context.Context) error

	State() State
	IsConnected() bool
	Connect(ctx context.Context, mon progress.Monitor) error
	// Disconnect tears the connection down. Memory credentials are cleared
	// unless keepCredentials is set.
	Disconnect(ctx context.Context, mon progress.Monitor, keepCredentials bool) error
	Reset()

	RegisterSubSystem(ss Subscriber)
	DeregisterSubSystem(ss Subscriber)
	SubSystems() []Subscriber
	PrimarySubSystem() Subscriber

	UserID() string
	SetUserID(userID string)
	ClearUserID()
	// AcquireCredentials makes sure a password is cached, prompting if needed.
	AcquireCredentials(ctx context.Context, forcePrompt bool) error
	SetPassword(ctx context.Context, userID, password string, persist, propagate bool)
	ClearPassword(ctx context.Context, onDisk, propagate bool)
	HasPassword(ctx context.Context, onDisk bool) bool
	Credentials() (credentials.Credentials, bool)
	SharesCredentials() bool
	// InheritPassword offers credentials acquired by a sibling. It is
	// accepted only when this service is disconnected and has no password.
	InheritPassword(ctx context.Context, userID, password string) bool
	// InheritClear drops a password cached from a sibling's credentials.
	InheritClear(ctx context.Context, onDisk bool) bool

	IsSuppressed() bool
	SetSuppressed(suppressed bool)
	IsConnectionError() bool
	SetConnectionError(connectionError bool)

	AddListener(l Listener)
	RemoveListener(l Listener)
	// ListenerCount counts non-passive listeners.
	ListenerCount() int
}
