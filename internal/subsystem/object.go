package subsystem

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/websoft9/connhub/internal/progress"
)

// RemoteObject is one entry returned by filter resolution.
type RemoteObject struct {
	Name    string            `json:"name"`
	Type    string            `json:"type"`
	Path    string            `json:"path,omitempty"`
	Size    int64             `json:"size,omitempty"`
	ModTime time.Time         `json:"modTime,omitzero"`
	Attrs   map[string]string `json:"attrs,omitempty"`
}

// Resolver is the protocol side of a subsystem: it lists remote objects
// matching a filter string, either from the connection root or under an
// already-resolved parent.
type Resolver interface {
	ResolveAbsolute(ctx context.Context, pattern string, mon progress.Monitor) ([]RemoteObject, error)
	ResolveRelative(ctx context.Context, parent RemoteObject, pattern string, mon progress.Monitor) ([]RemoteObject, error)
}

// Initializer is implemented by resolvers that keep per-connection state.
// The hooks run when the connector service connects and disconnects.
type Initializer interface {
	InitializeSubSystem(ctx context.Context, mon progress.Monitor) error
	UninitializeSubSystem(ctx context.Context, mon progress.Monitor) error
}

// Sorter overrides the default case-insensitive name order.
type Sorter interface {
	Less(a, b RemoteObject) bool
}

// ByName orders objects by name, ignoring case.
func ByName(a, b RemoteObject) bool {
	return strings.ToLower(a.Name) < strings.ToLower(b.Name)
}

func sortObjects(objs []RemoteObject, less func(a, b RemoteObject) bool) {
	slices.SortStableFunc(objs, func(a, b RemoteObject) int {
		switch {
		case less(a, b):
			return -1
		case less(b, a):
			return 1
		}
		return 0
	})
}
