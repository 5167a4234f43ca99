package terminal

import (
	"context"
	"sync/atomic"

	"github.com/websoft9/connhub/internal/connector"
	"github.com/websoft9/connhub/internal/progress"
)

// LocalProtocol is the connection to this machine. Connecting only flips
// state; it never needs credentials.
type LocalProtocol struct {
	connected atomic.Bool
}

var _ connector.Protocol = (*LocalProtocol)(nil)

func (p *LocalProtocol) Connect(ctx context.Context, _ connector.ConnectRequest, mon progress.Monitor) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	progress.OrNop(mon).SubTask("local")
	p.connected.Store(true)
	return nil
}

func (p *LocalProtocol) Disconnect(context.Context, progress.Monitor) error {
	p.connected.Store(false)
	return nil
}

func (p *LocalProtocol) IsConnected() bool { return p.connected.Load() }
