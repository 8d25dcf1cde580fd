// Package handle implements client-side references to remote agents. A
// handle issues request messages through the exchange client that minted it
// and correlates responses back to per-request futures.
package handle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/proxystore/academy/pkg/concurrency"
	"github.com/proxystore/academy/pkg/identifier"
	"github.com/proxystore/academy/pkg/message"
)

var (
	// ErrHandleClosed settles outstanding futures when a handle (or its
	// client) shuts down before a response arrives.
	ErrHandleClosed = errors.New("handle is closed")

	// ErrHandleNotBound is returned by operations on an unbound handle.
	ErrHandleNotBound = errors.New("handle is not bound to an exchange client")
)

// Sender is the slice of an exchange client a bound handle needs: the
// identity requests originate from and a way to put messages on the wire.
// Keeping this narrow avoids a reference cycle between handles and clients.
type Sender interface {
	MailboxID() identifier.EntityID
	Send(ctx context.Context, msg *message.Message) error
}

// Binder mints bound handles. Exchange clients implement it.
type Binder interface {
	GetHandle(aid identifier.AgentID) *Bound
}

// Handle is a reference to an agent that can invoke its actions and manage
// its lifecycle.
type Handle interface {
	AgentID() identifier.AgentID

	// Action invokes a named action and returns a future settled with the
	// action result or error.
	Action(ctx context.Context, name string, args []interface{}, kwargs map[string]interface{}) (*concurrency.Future[interface{}], error)

	// Ping checks agent liveness; the future resolves with the measured
	// round-trip time.
	Ping(ctx context.Context) (*concurrency.Future[time.Duration], error)

	// Shutdown asks the agent to begin an orderly shutdown.
	Shutdown(ctx context.Context) error

	// Close releases the handle. With waitFutures, outstanding futures are
	// awaited; otherwise they are cancelled with ErrHandleClosed.
	Close(ctx context.Context, waitFutures bool) error
}

// makeLabel builds the correlation ID for one request: the minting handle's
// UUID plus a per-handle sequence number, so the exchange client can route a
// response to its handle while every label stays unique for the handle's
// lifetime.
func makeLabel(handleID uuid.UUID, seq uint64) string {
	return fmt.Sprintf("%s:%d", handleID, seq)
}

// HandleIDFromLabel recovers the minting handle's UUID from a label.
func HandleIDFromLabel(label string) (uuid.UUID, bool) {
	idx := strings.IndexByte(label, ':')
	if idx < 0 {
		return uuid.UUID{}, false
	}
	id, err := uuid.Parse(label[:idx])
	if err != nil {
		return uuid.UUID{}, false
	}
	return id, true
}

// Unbound is a serializable reference to an agent with no live transport
// attached. Binding it to an exchange client yields a Bound handle.
type Unbound struct {
	Agent identifier.AgentID `json:"agent"`
}

// NewUnbound creates an unbound reference to the given agent.
func NewUnbound(aid identifier.AgentID) *Unbound {
	return &Unbound{Agent: aid}
}

func (u *Unbound) AgentID() identifier.AgentID { return u.Agent }

// Bind attaches the reference to an exchange client.
func (u *Unbound) Bind(b Binder) *Bound {
	return b.GetHandle(u.Agent)
}

func (u *Unbound) Action(context.Context, string, []interface{}, map[string]interface{}) (*concurrency.Future[interface{}], error) {
	return nil, ErrHandleNotBound
}

func (u *Unbound) Ping(context.Context) (*concurrency.Future[time.Duration], error) {
	return nil, ErrHandleNotBound
}

func (u *Unbound) Shutdown(context.Context) error { return ErrHandleNotBound }

func (u *Unbound) Close(context.Context, bool) error { return nil }

func (u *Unbound) String() string {
	return fmt.Sprintf("UnboundHandle<%s>", u.Agent)
}
