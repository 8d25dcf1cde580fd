// Package exchange defines the routing fabric contracts: the low-level
// transport bound to one mailbox, the serializable factory that mints
// transports, and the high-level user and agent clients layered on top.
package exchange

import (
	"context"
	"errors"
	"time"

	"github.com/proxystore/academy/pkg/identifier"
	"github.com/proxystore/academy/pkg/message"
)

var (
	// ErrBadEntityID signals a reference to a mailbox that does not exist.
	ErrBadEntityID = errors.New("no mailbox exists for entity")

	// ErrMailboxClosed signals an operation on a terminated mailbox.
	ErrMailboxClosed = errors.New("mailbox is terminated")

	// ErrForbidden signals an access-control violation at the exchange
	// boundary.
	ErrForbidden = errors.New("client does not have permission for this mailbox")

	// ErrUnauthorized signals missing or invalid credentials.
	ErrUnauthorized = errors.New("missing or invalid credentials")

	// ErrRecvTimeout signals that a bounded receive produced no message.
	ErrRecvTimeout = errors.New("receive timed out")
)

// MailboxStatus describes the lifecycle position of a mailbox. The ordering
// matters: a mailbox moves monotonically from active to terminated, and
// missing is never observed after active.
type MailboxStatus int

const (
	MailboxMissing MailboxStatus = iota
	MailboxActive
	MailboxTerminated
)

func (s MailboxStatus) String() string {
	switch s {
	case MailboxActive:
		return "ACTIVE"
	case MailboxTerminated:
		return "TERMINATED"
	default:
		return "MISSING"
	}
}

// ParseMailboxStatus round-trips the String form.
func ParseMailboxStatus(s string) MailboxStatus {
	switch s {
	case "ACTIVE":
		return MailboxActive
	case "TERMINATED":
		return MailboxTerminated
	default:
		return MailboxMissing
	}
}

// AgentRegistration is the record produced when an agent is created on an
// exchange. BehaviorMRO lists the agent's behavior type names most-derived
// first; discovery matches against it.
type AgentRegistration struct {
	AgentID     identifier.AgentID `json:"agent_id"`
	BehaviorMRO []string           `json:"behavior_mro"`
	CreatedAt   time.Time          `json:"created_at"`
}

// Transport is the low-level exchange contract. A transport is bound to one
// mailbox whose identity acts as the principal for every operation.
type Transport interface {
	// MailboxID returns the identity of the mailbox this transport owns.
	MailboxID() identifier.EntityID

	// RegisterAgent creates (or revives) an agent mailbox. A nil agentID
	// mints a fresh identity; a preset one re-registers an existing agent.
	RegisterAgent(ctx context.Context, mro []string, name string, agentID *identifier.AgentID) (*AgentRegistration, error)

	// Discover lists active agents whose behavior MRO includes the named
	// behavior: at index 0 only unless allowSubclasses.
	Discover(ctx context.Context, behavior string, allowSubclasses bool) ([]identifier.AgentID, error)

	// Send enqueues a message to its destination mailbox.
	Send(ctx context.Context, msg *message.Message) error

	// Recv blocks for the next message to this transport's mailbox,
	// failing with ErrMailboxClosed once the mailbox terminates.
	Recv(ctx context.Context) (*message.Message, error)

	// Status reports the lifecycle position of a mailbox.
	Status(ctx context.Context, uid identifier.EntityID) (MailboxStatus, error)

	// Terminate closes a mailbox permanently. Missing mailboxes are a
	// no-op; repeated calls are idempotent.
	Terminate(ctx context.Context, uid identifier.EntityID) error

	// Factory returns a serializable constructor for transports to the
	// same exchange, suitable for crossing process boundaries.
	Factory() Factory

	// Close releases transport resources without touching mailbox state.
	Close() error
}

// Factory mints transports to one exchange. Implementations must be cheaply
// serializable so launchers can ship them to worker processes.
type Factory interface {
	// NewUserTransport registers a fresh user mailbox and binds a
	// transport to it.
	NewUserTransport(ctx context.Context, name string) (Transport, error)

	// NewAgentTransport binds a transport to a previously registered
	// agent mailbox.
	NewAgentTransport(ctx context.Context, registration *AgentRegistration) (Transport, error)
}
