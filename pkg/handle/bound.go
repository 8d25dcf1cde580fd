package handle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/proxystore/academy/pkg/concurrency"
	"github.com/proxystore/academy/pkg/identifier"
	"github.com/proxystore/academy/pkg/message"
)

// waiter tracks one outstanding request. Exactly one of the futures is set,
// matching the request kind.
type waiter struct {
	action *concurrency.Future[interface{}]
	ping   *concurrency.Future[time.Duration]
	sent   time.Time
}

func (w *waiter) cancel(err error) {
	if w.action != nil {
		w.action.Reject(err)
	}
	if w.ping != nil {
		w.ping.Reject(err)
	}
}

func (w *waiter) done() <-chan struct{} {
	if w.action != nil {
		return w.action.Done()
	}
	return w.ping.Done()
}

// Bound is a handle attached to a live exchange client. Requests it sends
// originate from the client's mailbox; responses are routed back by the
// client via ProcessResponse.
type Bound struct {
	handleID uuid.UUID
	agentID  identifier.AgentID
	client   Sender

	mu      sync.Mutex
	seq     uint64
	waiters map[string]*waiter
	closed  bool
}

// NewBound mints a bound handle. Exchange clients call this from GetHandle
// and retain the handle in their dispatch table keyed by HandleID.
func NewBound(client Sender, aid identifier.AgentID) *Bound {
	return &Bound{
		handleID: uuid.New(),
		agentID:  aid,
		client:   client,
		waiters:  make(map[string]*waiter),
	}
}

// HandleID returns the UUID embedded in every label this handle issues.
func (h *Bound) HandleID() uuid.UUID { return h.handleID }

func (h *Bound) AgentID() identifier.AgentID { return h.agentID }

// ClientID returns the mailbox identity requests originate from.
func (h *Bound) ClientID() identifier.EntityID { return h.client.MailboxID() }

func (h *Bound) String() string {
	return fmt.Sprintf("BoundHandle<%s; %s>", h.agentID, h.client.MailboxID())
}

// register reserves a fresh label for a request, failing once closed.
func (h *Bound) register(w *waiter) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return "", ErrHandleClosed
	}
	h.seq++
	label := makeLabel(h.handleID, h.seq)
	h.waiters[label] = w
	return label, nil
}

func (h *Bound) unregister(label string) {
	h.mu.Lock()
	delete(h.waiters, label)
	h.mu.Unlock()
}

// Action sends an ActionRequest and returns a future settled by the
// correlated response.
func (h *Bound) Action(ctx context.Context, name string, args []interface{}, kwargs map[string]interface{}) (*concurrency.Future[interface{}], error) {
	w := &waiter{action: concurrency.NewFuture[interface{}](), sent: time.Now()}
	label, err := h.register(w)
	if err != nil {
		return nil, err
	}
	req := message.New(h.client.MailboxID(), h.agentID, label, message.ActionRequest{
		Action: name,
		Args:   args,
		Kwargs: kwargs,
	})
	if err := h.client.Send(ctx, req); err != nil {
		h.unregister(label)
		return nil, fmt.Errorf("send action request to %s: %w", h.agentID, err)
	}
	return w.action, nil
}

// Ping sends a PingRequest; the future resolves with the round-trip time.
func (h *Bound) Ping(ctx context.Context) (*concurrency.Future[time.Duration], error) {
	w := &waiter{ping: concurrency.NewFuture[time.Duration](), sent: time.Now()}
	label, err := h.register(w)
	if err != nil {
		return nil, err
	}
	req := message.New(h.client.MailboxID(), h.agentID, label, message.PingRequest{})
	if err := h.client.Send(ctx, req); err != nil {
		h.unregister(label)
		return nil, fmt.Errorf("send ping request to %s: %w", h.agentID, err)
	}
	return w.ping, nil
}

// Shutdown sends a ShutdownRequest. No response is awaited; the agent
// signals its own shutdown without sending an acknowledgement.
func (h *Bound) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHandleClosed
	}
	h.seq++
	label := makeLabel(h.handleID, h.seq)
	h.mu.Unlock()

	req := message.New(h.client.MailboxID(), h.agentID, label, message.ShutdownRequest{})
	if err := h.client.Send(ctx, req); err != nil {
		return fmt.Errorf("send shutdown request to %s: %w", h.agentID, err)
	}
	return nil
}

// ProcessResponse settles the waiter registered under the response's label.
// Responses with no matching waiter are dropped; the caller logs them.
func (h *Bound) ProcessResponse(msg *message.Message) bool {
	h.mu.Lock()
	w, ok := h.waiters[msg.Label]
	if ok {
		delete(h.waiters, msg.Label)
	}
	h.mu.Unlock()
	if !ok {
		return false
	}

	switch body := msg.Body.(type) {
	case message.ActionResponse:
		if w.action != nil {
			w.action.Resolve(body.Result)
		}
	case message.ActionError:
		w.cancel(&message.RemoteError{Message: body.Error})
	case message.PingResponse:
		if w.ping != nil {
			w.ping.Resolve(time.Since(w.sent))
		}
	case message.ShutdownResponse:
		// Shutdown requests register no waiter; nothing to settle.
	}
	return true
}

// Close releases the handle. With waitFutures, Close blocks until every
// outstanding future settles (or ctx expires); otherwise pending futures are
// cancelled with ErrHandleClosed.
func (h *Bound) Close(ctx context.Context, waitFutures bool) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	pending := make([]*waiter, 0, len(h.waiters))
	for _, w := range h.waiters {
		pending = append(pending, w)
	}
	if !waitFutures {
		h.waiters = make(map[string]*waiter)
	}
	h.mu.Unlock()

	if waitFutures {
		for _, w := range pending {
			select {
			case <-w.done():
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}
	for _, w := range pending {
		w.cancel(ErrHandleClosed)
	}
	return nil
}
