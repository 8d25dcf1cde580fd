package handle

import (
	"context"
	"sync"
	"time"

	"github.com/proxystore/academy/pkg/concurrency"
	"github.com/proxystore/academy/pkg/identifier"
)

// Invoker dispatches an action by name. Behavior registries implement it,
// letting a proxy handle call into a behavior without any transport.
type Invoker interface {
	Invoke(ctx context.Context, action string, args []interface{}, kwargs map[string]interface{}) (interface{}, error)
}

// Proxy is an in-process handle used by tests and single-process wiring. It
// invokes the target behavior directly and settles futures synchronously.
// Agents leave proxy handles alone when rebinding.
type Proxy struct {
	agentID identifier.AgentID
	invoker Invoker

	mu       sync.Mutex
	closed   bool
	shutdown *concurrency.Event
}

// NewProxy creates a proxy handle over an action invoker. The shutdown event
// may be nil when the caller does not care about shutdown signals.
func NewProxy(aid identifier.AgentID, invoker Invoker, shutdown *concurrency.Event) *Proxy {
	return &Proxy{agentID: aid, invoker: invoker, shutdown: shutdown}
}

func (p *Proxy) AgentID() identifier.AgentID { return p.agentID }

func (p *Proxy) Action(ctx context.Context, name string, args []interface{}, kwargs map[string]interface{}) (*concurrency.Future[interface{}], error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrHandleClosed
	}
	fut := concurrency.NewFuture[interface{}]()
	result, err := p.invoker.Invoke(ctx, name, args, kwargs)
	if err != nil {
		fut.Reject(err)
	} else {
		fut.Resolve(result)
	}
	return fut, nil
}

func (p *Proxy) Ping(context.Context) (*concurrency.Future[time.Duration], error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrHandleClosed
	}
	fut := concurrency.NewFuture[time.Duration]()
	fut.Resolve(0)
	return fut, nil
}

func (p *Proxy) Shutdown(context.Context) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrHandleClosed
	}
	if p.shutdown != nil {
		p.shutdown.Set()
	}
	return nil
}

func (p *Proxy) Close(context.Context, bool) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}
