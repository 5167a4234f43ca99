package coordinator

import (
	"context"
	"sync"

	"github.com/websoft9/connhub/internal/connector"
	"github.com/websoft9/connhub/internal/metrics"
)

// Claim is one connect attempt on a connector service. Done is closed when
// the attempt's leader releases it.
type Claim struct {
	done chan struct{}
	err  error
}

func (c *Claim) Done() <-chan struct{} { return c.done }

// Err is the leader's outcome. Valid once Done is closed.
func (c *Claim) Err() error {
	<-c.done
	return c.err
}

// InFlight is the set of connector services undergoing a connect attempt.
// A service is a member for exactly one attempt: the caller that claims it
// must release it on every path. One InFlight is shared by every
// Coordinator of a process.
type InFlight struct {
	mu      sync.Mutex
	entries map[connector.Service]*Claim

	// prompt holds a token while a password prompt is open.
	prompt chan struct{}
}

func NewInFlight() *InFlight {
	return &InFlight{
		entries: make(map[connector.Service]*Claim),
		prompt:  make(chan struct{}, 1),
	}
}

// SerializePrompts wraps p so that at most one password prompt is open at a
// time across the connect attempts sharing f. Waiting for the open prompt
// ends with ctx. A nil p stays nil.
func (f *InFlight) SerializePrompts(p connector.Prompter) connector.Prompter {
	if p == nil {
		return nil
	}
	return connector.PrompterFunc(func(ctx context.Context, req connector.PromptRequest) (connector.PromptResult, error) {
		select {
		case f.prompt <- struct{}{}:
		case <-ctx.Done():
			return connector.PromptResult{}, ctx.Err()
		}
		defer func() { <-f.prompt }()
		return p.PromptForPassword(ctx, req)
	})
}

// TryClaim adds svc to the set. When svc is already a member it returns the
// existing claim and leader=false; the caller waits on it instead of
// starting a second attempt. Forwarding decorators claim their inner service.
func (f *InFlight) TryClaim(svc connector.Service) (c *Claim, leader bool) {
	svc = connector.Unwrap(svc)
	f.mu.Lock()
	defer f.mu.Unlock()
	if cur, ok := f.entries[svc]; ok {
		return cur, false
	}
	c = &Claim{done: make(chan struct{})}
	f.entries[svc] = c
	metrics.ConnectsInFlight.Inc()
	return c, true
}

// Release removes svc, records err as the attempt's outcome and wakes every
// waiter. Releasing a claim that is no longer current is a no-op.
func (f *InFlight) Release(svc connector.Service, c *Claim, err error) {
	svc = connector.Unwrap(svc)
	f.mu.Lock()
	defer f.mu.Unlock()
	if cur, ok := f.entries[svc]; !ok || cur != c {
		return
	}
	delete(f.entries, svc)
	c.err = err
	close(c.done)
	metrics.ConnectsInFlight.Dec()
}

func (f *InFlight) Contains(svc connector.Service) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.entries[connector.Unwrap(svc)]
	return ok
}

func (f *InFlight) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}
