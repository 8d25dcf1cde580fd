package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/proxystore/academy/pkg/handle"
	"github.com/proxystore/academy/pkg/identifier"
	"github.com/proxystore/academy/pkg/logging"
	"github.com/proxystore/academy/pkg/message"
)

// RequestHandler is called by an agent client's receive loop for every
// request message delivered to the agent's mailbox.
type RequestHandler func(msg *message.Message)

// Client is the state shared by user and agent exchange clients: the bound
// transport and the table of handles the client has minted, keyed by handle
// UUID so responses can be routed by their label prefix.
type Client struct {
	transport Transport
	logger    logging.Logger

	mu      sync.Mutex
	handles map[uuid.UUID]*handle.Bound
}

func newClient(transport Transport, logger logging.Logger) Client {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return Client{
		transport: transport,
		logger:    logger.WithFields(map[string]interface{}{"mailbox": transport.MailboxID().String()}),
		handles:   make(map[uuid.UUID]*handle.Bound),
	}
}

// MailboxID returns the identity this client's requests originate from.
func (c *Client) MailboxID() identifier.EntityID { return c.transport.MailboxID() }

// Send puts a message on the wire.
func (c *Client) Send(ctx context.Context, msg *message.Message) error {
	if err := c.transport.Send(ctx, msg); err != nil {
		return err
	}
	c.logger.Debugf("sent %s to %s", msg.Body.Kind(), msg.Dest)
	return nil
}

// RegisterAgent creates a new agent mailbox on the exchange.
func (c *Client) RegisterAgent(ctx context.Context, mro []string, name string) (*AgentRegistration, error) {
	registration, err := c.transport.RegisterAgent(ctx, mro, name, nil)
	if err != nil {
		return nil, err
	}
	c.logger.Infof("registered %s in exchange", registration.AgentID)
	return registration, nil
}

// ReviveAgent re-registers an agent under its existing ID, recreating the
// mailbox if it was terminated. Agents use it to undo their own mailbox
// termination when configured to survive a run.
func (c *Client) ReviveAgent(ctx context.Context, registration *AgentRegistration) error {
	aid := registration.AgentID
	_, err := c.transport.RegisterAgent(ctx, registration.BehaviorMRO, aid.Name, &aid)
	return err
}

// Discover lists active agents exhibiting the named behavior.
func (c *Client) Discover(ctx context.Context, behavior string, allowSubclasses bool) ([]identifier.AgentID, error) {
	return c.transport.Discover(ctx, behavior, allowSubclasses)
}

// Status reports the lifecycle position of a mailbox.
func (c *Client) Status(ctx context.Context, uid identifier.EntityID) (MailboxStatus, error) {
	return c.transport.Status(ctx, uid)
}

// Terminate permanently closes a mailbox. A missing mailbox is a no-op.
func (c *Client) Terminate(ctx context.Context, uid identifier.EntityID) error {
	if err := c.transport.Terminate(ctx, uid); err != nil {
		return err
	}
	c.logger.Debugf("terminated mailbox for %s", uid)
	return nil
}

// Factory returns a serializable factory for transports to the same
// exchange.
func (c *Client) Factory() Factory { return c.transport.Factory() }

// GetHandle mints a bound handle to an agent registered with the same
// exchange. The client retains the handle for response dispatch and closes
// it with the client.
func (c *Client) GetHandle(aid identifier.AgentID) *handle.Bound {
	h := handle.NewBound(c, aid)
	c.mu.Lock()
	c.handles[h.HandleID()] = h
	c.mu.Unlock()
	c.logger.Debugf("created handle to %s", aid)
	return h
}

// closeHandles closes every handle minted by this client, cancelling their
// outstanding futures.
func (c *Client) closeHandles(ctx context.Context) {
	c.mu.Lock()
	handles := make([]*handle.Bound, 0, len(c.handles))
	for _, h := range c.handles {
		handles = append(handles, h)
	}
	c.handles = make(map[uuid.UUID]*handle.Bound)
	c.mu.Unlock()
	for _, h := range handles {
		_ = h.Close(ctx, false)
	}
}

// dispatchResponse routes a response message to the handle that issued its
// label. Responses with no live handle are logged and dropped.
func (c *Client) dispatchResponse(msg *message.Message) {
	hid, ok := handle.HandleIDFromLabel(msg.Label)
	if ok {
		c.mu.Lock()
		h := c.handles[hid]
		c.mu.Unlock()
		if h != nil && h.ProcessResponse(msg) {
			return
		}
	}
	c.logger.Warnf("dropping %s from %s: no handle awaits label %q", msg.Body.Kind(), msg.Src, msg.Label)
}

// listen pulls messages until the mailbox terminates, dispatching each
// through handleMessage. Exiting via ErrMailboxClosed is the normal path.
func (c *Client) listen(handleMessage func(*message.Message)) {
	for {
		msg, err := c.transport.Recv(context.Background())
		if err != nil {
			if !errors.Is(err, ErrMailboxClosed) {
				c.logger.Errorf("receive loop failed: %v", err)
			}
			return
		}
		c.logger.Debugf("received %s from %s", msg.Body.Kind(), msg.Src)
		handleMessage(msg)
	}
}

// UserClient is the exchange client for a user entity. It owns its mailbox:
// closing the client terminates the mailbox and joins the receive loop.
type UserClient struct {
	Client
	userID   identifier.UserID
	listened chan struct{}
}

// NewUserClient registers a new user with the exchange and starts the
// client's receive loop. A nil logger falls back to the default.
func NewUserClient(ctx context.Context, factory Factory, name string, logger logging.Logger) (*UserClient, error) {
	transport, err := factory.NewUserTransport(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("create user transport: %w", err)
	}
	userID, ok := transport.MailboxID().(identifier.UserID)
	if !ok {
		_ = transport.Close()
		return nil, fmt.Errorf("factory bound a user transport to %s", transport.MailboxID())
	}
	c := &UserClient{
		Client:   newClient(transport, logger),
		userID:   userID,
		listened: make(chan struct{}),
	}
	go func() {
		defer close(c.listened)
		c.listen(c.handleMessage)
	}()
	return c, nil
}

// UserID returns this client's identity.
func (c *UserClient) UserID() identifier.UserID { return c.userID }

func (c *UserClient) handleMessage(msg *message.Message) {
	if msg.IsRequest() {
		// Users cannot fulfill requests; reply with an error so the
		// caller's future settles instead of hanging.
		response, err := msg.ErrorResponse(fmt.Errorf("%s cannot fulfill requests", c.userID))
		if err == nil {
			err = c.transport.Send(context.Background(), response)
		}
		if err != nil && !errors.Is(err, ErrBadEntityID) && !errors.Is(err, ErrMailboxClosed) {
			c.logger.Errorf("failed to reject request from %s: %v", msg.Src, err)
		}
		c.logger.Warnf("received unexpected %s from %s", msg.Body.Kind(), msg.Src)
		return
	}
	c.dispatchResponse(msg)
}

// Close terminates the user's mailbox, joins the receive loop, closes all
// minted handles, and closes the transport.
func (c *UserClient) Close(ctx context.Context) error {
	if err := c.transport.Terminate(ctx, c.userID); err != nil && !errors.Is(err, ErrMailboxClosed) {
		return fmt.Errorf("terminate own mailbox: %w", err)
	}
	select {
	case <-c.listened:
	case <-ctx.Done():
		return ctx.Err()
	}
	c.closeHandles(ctx)
	if err := c.transport.Close(); err != nil {
		return err
	}
	c.logger.Infof("closed exchange client for %s", c.userID)
	return nil
}

// AgentClient is the exchange client owned by a running agent. Its receive
// loop is driven by the agent (via Listen) so the agent can sequence it with
// the rest of its shutdown.
type AgentClient struct {
	Client
	agentID identifier.AgentID
	handler RequestHandler
}

// NewAgentClient binds a transport to a previously registered agent mailbox.
// The registration must name an active mailbox.
func NewAgentClient(ctx context.Context, factory Factory, registration *AgentRegistration, handler RequestHandler, logger logging.Logger) (*AgentClient, error) {
	transport, err := factory.NewAgentTransport(ctx, registration)
	if err != nil {
		return nil, fmt.Errorf("create agent transport: %w", err)
	}
	status, err := transport.Status(ctx, registration.AgentID)
	if err != nil {
		_ = transport.Close()
		return nil, err
	}
	if status != MailboxActive {
		_ = transport.Close()
		return nil, fmt.Errorf("%w: %s", ErrBadEntityID, registration.AgentID)
	}
	return &AgentClient{
		Client:  newClient(transport, logger),
		agentID: registration.AgentID,
		handler: handler,
	}, nil
}

// AgentID returns this client's identity.
func (c *AgentClient) AgentID() identifier.AgentID { return c.agentID }

// Listen runs the receive loop until the agent's mailbox terminates. The
// agent runs this on its loop pool.
func (c *AgentClient) Listen() error {
	c.listen(c.handleMessage)
	return nil
}

func (c *AgentClient) handleMessage(msg *message.Message) {
	if msg.IsRequest() {
		c.handler(msg)
		return
	}
	c.dispatchResponse(msg)
}

// Close closes minted handles and the transport. The agent's mailbox is left
// alone: the agent decides whether it terminates.
func (c *AgentClient) Close(ctx context.Context) error {
	c.closeHandles(ctx)
	if err := c.transport.Close(); err != nil {
		return err
	}
	c.logger.Infof("closed exchange client for %s", c.agentID)
	return nil
}
