// Package local implements a shared-memory exchange for single-process
// deployments. All mailboxes live in one table guarded by a mutex; no owner
// identities are recorded, so any client may operate on any mailbox.
package local

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/proxystore/academy/pkg/exchange"
	"github.com/proxystore/academy/pkg/identifier"
	"github.com/proxystore/academy/pkg/message"
	"github.com/proxystore/academy/pkg/queue"
)

// mailbox pairs an entity with its queue. mro is non-nil only for agents.
type mailbox struct {
	owner identifier.EntityID
	queue *queue.Queue[*message.Message]
	mro   []string
}

// Exchange is the in-process mailbox table shared by every transport minted
// from it.
type Exchange struct {
	mu        sync.Mutex
	mailboxes map[uuid.UUID]*mailbox
}

// NewExchange creates an empty in-process exchange.
func NewExchange() *Exchange {
	return &Exchange{mailboxes: make(map[uuid.UUID]*mailbox)}
}

// Factory returns the serializable-within-process constructor for transports
// to this exchange. It cannot cross process boundaries; multi-process
// deployments use the cloud exchange.
func (x *Exchange) Factory() *Factory { return &Factory{exchange: x} }

func (x *Exchange) registerAgent(mro []string, name string, preset *identifier.AgentID) *exchange.AgentRegistration {
	aid := identifier.NewAgentID(name)
	if preset != nil {
		aid = *preset
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	mb, ok := x.mailboxes[aid.UID]
	if !ok || mb.queue.Closed() {
		// Create, or revive a terminated mailbox with a fresh queue.
		x.mailboxes[aid.UID] = &mailbox{
			owner: aid,
			queue: queue.New[*message.Message](),
			mro:   mro,
		}
	}
	return &exchange.AgentRegistration{AgentID: aid, BehaviorMRO: mro, CreatedAt: time.Now()}
}

func (x *Exchange) registerUser(name string) identifier.UserID {
	uid := identifier.NewUserID(name)
	x.mu.Lock()
	defer x.mu.Unlock()
	x.mailboxes[uid.UID] = &mailbox{
		owner: uid,
		queue: queue.New[*message.Message](),
	}
	return uid
}

func (x *Exchange) lookup(uid identifier.EntityID) (*mailbox, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	mb, ok := x.mailboxes[uid.UUID()]
	return mb, ok
}

func (x *Exchange) send(msg *message.Message) error {
	mb, ok := x.lookup(msg.Dest)
	if !ok {
		return fmt.Errorf("%w: %s", exchange.ErrBadEntityID, msg.Dest)
	}
	if err := mb.queue.Put(msg); err != nil {
		return fmt.Errorf("%w: %s", exchange.ErrMailboxClosed, msg.Dest)
	}
	return nil
}

func (x *Exchange) recv(uid identifier.EntityID) (*message.Message, error) {
	mb, ok := x.lookup(uid)
	if !ok {
		return nil, fmt.Errorf("%w: %s", exchange.ErrBadEntityID, uid)
	}
	msg, err := mb.queue.Get(queue.NoTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", exchange.ErrMailboxClosed, uid)
	}
	return msg, nil
}

func (x *Exchange) status(uid identifier.EntityID) exchange.MailboxStatus {
	mb, ok := x.lookup(uid)
	switch {
	case !ok:
		return exchange.MailboxMissing
	case mb.queue.Closed():
		return exchange.MailboxTerminated
	default:
		return exchange.MailboxActive
	}
}

func (x *Exchange) terminate(uid identifier.EntityID) {
	if mb, ok := x.lookup(uid); ok {
		mb.queue.Close()
	}
}

func (x *Exchange) discover(behavior string, allowSubclasses bool) []identifier.AgentID {
	x.mu.Lock()
	defer x.mu.Unlock()
	var found []identifier.AgentID
	for _, mb := range x.mailboxes {
		aid, ok := mb.owner.(identifier.AgentID)
		if !ok || mb.queue.Closed() || len(mb.mro) == 0 {
			continue
		}
		if mb.mro[0] == behavior {
			found = append(found, aid)
			continue
		}
		if allowSubclasses {
			for _, name := range mb.mro[1:] {
				if name == behavior {
					found = append(found, aid)
					break
				}
			}
		}
	}
	return found
}

// Transport is a view of the exchange bound to one mailbox.
type Transport struct {
	exchange  *Exchange
	mailboxID identifier.EntityID
}

var _ exchange.Transport = (*Transport)(nil)

func (t *Transport) MailboxID() identifier.EntityID { return t.mailboxID }

func (t *Transport) RegisterAgent(_ context.Context, mro []string, name string, agentID *identifier.AgentID) (*exchange.AgentRegistration, error) {
	return t.exchange.registerAgent(mro, name, agentID), nil
}

func (t *Transport) Discover(_ context.Context, behavior string, allowSubclasses bool) ([]identifier.AgentID, error) {
	return t.exchange.discover(behavior, allowSubclasses), nil
}

func (t *Transport) Send(_ context.Context, msg *message.Message) error {
	return t.exchange.send(msg)
}

func (t *Transport) Recv(_ context.Context) (*message.Message, error) {
	return t.exchange.recv(t.mailboxID)
}

func (t *Transport) Status(_ context.Context, uid identifier.EntityID) (exchange.MailboxStatus, error) {
	return t.exchange.status(uid), nil
}

func (t *Transport) Terminate(_ context.Context, uid identifier.EntityID) error {
	t.exchange.terminate(uid)
	return nil
}

func (t *Transport) Factory() exchange.Factory { return t.exchange.Factory() }

func (t *Transport) Close() error { return nil }

// Factory mints transports to a shared in-process exchange.
type Factory struct {
	exchange *Exchange
}

var _ exchange.Factory = (*Factory)(nil)

func (f *Factory) NewUserTransport(_ context.Context, name string) (exchange.Transport, error) {
	uid := f.exchange.registerUser(name)
	return &Transport{exchange: f.exchange, mailboxID: uid}, nil
}

func (f *Factory) NewAgentTransport(_ context.Context, registration *exchange.AgentRegistration) (exchange.Transport, error) {
	return &Transport{exchange: f.exchange, mailboxID: registration.AgentID}, nil
}
