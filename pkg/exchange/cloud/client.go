package cloud

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/proxystore/academy/pkg/exchange"
	"github.com/proxystore/academy/pkg/identifier"
	"github.com/proxystore/academy/pkg/message"
)

// recvPoll is the long-poll window a transport asks the server for. The
// receive loop re-polls until a message arrives or the mailbox closes.
const recvPoll = 25 * time.Second

// Factory mints transports to one HTTP exchange. It is a plain JSON-able
// record so launchers can ship it to worker processes.
type Factory struct {
	// BaseURL is the exchange root, e.g. "http://127.0.0.1:5346".
	BaseURL string `json:"base_url"`

	// AuthToken, when set, is sent as a bearer credential. All transports
	// minted from one factory present the same principal.
	AuthToken string `json:"auth_token,omitempty"`
}

var _ exchange.Factory = (*Factory)(nil)

// NewFactory creates a factory for the exchange at baseURL.
func NewFactory(baseURL string) *Factory {
	return &Factory{BaseURL: baseURL}
}

func (f *Factory) newTransport(mailboxID identifier.EntityID) *Transport {
	return &Transport{
		factory:   *f,
		mailboxID: mailboxID,
		client:    &fasthttp.Client{},
	}
}

// NewUserTransport mints a fresh user identity and creates its mailbox on
// the server.
func (f *Factory) NewUserTransport(ctx context.Context, name string) (exchange.Transport, error) {
	uid := identifier.NewUserID(name)
	t := f.newTransport(uid)
	if err := t.createMailbox(ctx, uid, nil); err != nil {
		return nil, fmt.Errorf("create user mailbox: %w", err)
	}
	return t, nil
}

// NewAgentTransport binds a transport to an agent mailbox that was
// registered earlier. It performs no server call; the caller verifies the
// mailbox is active.
func (f *Factory) NewAgentTransport(_ context.Context, registration *exchange.AgentRegistration) (exchange.Transport, error) {
	return f.newTransport(registration.AgentID), nil
}

// Transport talks to the HTTP exchange on behalf of one mailbox.
type Transport struct {
	factory   Factory
	mailboxID identifier.EntityID
	client    *fasthttp.Client
}

var _ exchange.Transport = (*Transport)(nil)

func (t *Transport) MailboxID() identifier.EntityID { return t.mailboxID }

func (t *Transport) Factory() exchange.Factory {
	f := t.factory
	return &f
}

func (t *Transport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}

// do performs one request with a bounded wall-clock budget and decodes the
// error body on non-200 responses.
func (t *Transport) do(ctx context.Context, method, path string, body interface{}, out interface{}, budget time.Duration) (int, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.Header.SetMethod(method)
	req.SetRequestURI(t.factory.BaseURL + path)
	req.Header.SetContentType("application/json")
	if t.factory.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+t.factory.AuthToken)
	}
	if body != nil {
		data, err := jsonEncode(body)
		if err != nil {
			return 0, err
		}
		req.SetBody(data)
	}

	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < budget {
			budget = remaining
		}
	}
	if err := t.client.DoTimeout(req, resp, budget); err != nil {
		return 0, fmt.Errorf("exchange request %s %s: %w", method, path, err)
	}

	status := resp.StatusCode()
	if status == fasthttp.StatusOK {
		if out != nil {
			if err := jsonDecode(resp.Body(), out); err != nil {
				return status, fmt.Errorf("decode exchange response: %w", err)
			}
		}
		return status, nil
	}
	var failure errorBody
	if err := jsonDecode(resp.Body(), &failure); err != nil {
		return status, fmt.Errorf("exchange returned status %d", status)
	}
	return status, mapWireError(status, failure)
}

// mapWireError converts an error body back into the typed sentinel it was
// produced from.
func mapWireError(status int, failure errorBody) error {
	switch failure.Code {
	case codeBadEntityID:
		return exchange.ErrBadEntityID
	case codeMailboxClosed:
		return exchange.ErrMailboxClosed
	case codeForbidden:
		return exchange.ErrForbidden
	case codeUnauthorized:
		return exchange.ErrUnauthorized
	case codeTimeout:
		return exchange.ErrRecvTimeout
	default:
		return fmt.Errorf("exchange returned status %d: %s", status, failure.Error)
	}
}

func (t *Transport) createMailbox(ctx context.Context, eid identifier.EntityID, mro []string) error {
	req := mailboxRequest{Mailbox: eid.String(), Behavior: joinMRO(mro)}
	_, err := t.do(ctx, fasthttp.MethodPost, "/mailbox", req, nil, 10*time.Second)
	return err
}

func (t *Transport) RegisterAgent(ctx context.Context, mro []string, name string, agentID *identifier.AgentID) (*exchange.AgentRegistration, error) {
	aid := identifier.NewAgentID(name)
	if agentID != nil {
		aid = *agentID
	}
	if err := t.createMailbox(ctx, aid, mro); err != nil {
		return nil, fmt.Errorf("register agent: %w", err)
	}
	return &exchange.AgentRegistration{AgentID: aid, BehaviorMRO: mro, CreatedAt: time.Now()}, nil
}

func (t *Transport) Discover(ctx context.Context, behavior string, allowSubclasses bool) ([]identifier.AgentID, error) {
	req := discoverRequest{Behavior: behavior, AllowSubclasses: allowSubclasses}
	var resp struct {
		AgentIDs []string `json:"agent_ids"`
	}
	if _, err := t.do(ctx, fasthttp.MethodGet, "/discover", req, &resp, 10*time.Second); err != nil {
		return nil, err
	}
	found := make([]identifier.AgentID, 0, len(resp.AgentIDs))
	for _, raw := range resp.AgentIDs {
		eid, err := identifier.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("decode discovered agent ID: %w", err)
		}
		aid, ok := eid.(identifier.AgentID)
		if !ok {
			return nil, fmt.Errorf("discovered entity %s is not an agent", eid)
		}
		found = append(found, aid)
	}
	return found, nil
}

func (t *Transport) Send(ctx context.Context, msg *message.Message) error {
	_, err := t.do(ctx, fasthttp.MethodPut, "/message", messageEnvelope{Message: msg}, nil, 10*time.Second)
	return err
}

// Recv long-polls the server until a message arrives or the mailbox closes.
// Empty polls (HTTP 408) are retried.
func (t *Transport) Recv(ctx context.Context) (*message.Message, error) {
	seconds := recvPoll.Seconds()
	req := recvRequest{Mailbox: t.mailboxID.String(), Timeout: &seconds}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var resp messageEnvelope
		_, err := t.do(ctx, fasthttp.MethodGet, "/message", req, &resp, recvPoll+10*time.Second)
		switch {
		case err == nil:
			if resp.Message == nil {
				return nil, fmt.Errorf("exchange returned an empty message envelope")
			}
			return resp.Message, nil
		case errors.Is(err, exchange.ErrRecvTimeout):
			continue
		default:
			return nil, err
		}
	}
}

func (t *Transport) Status(ctx context.Context, uid identifier.EntityID) (exchange.MailboxStatus, error) {
	req := mailboxRequest{Mailbox: uid.String()}
	var resp struct {
		Status string `json:"status"`
	}
	if _, err := t.do(ctx, fasthttp.MethodGet, "/mailbox", req, &resp, 10*time.Second); err != nil {
		return 0, err
	}
	return exchange.ParseMailboxStatus(resp.Status), nil
}

func (t *Transport) Terminate(ctx context.Context, uid identifier.EntityID) error {
	req := mailboxRequest{Mailbox: uid.String()}
	_, err := t.do(ctx, fasthttp.MethodDelete, "/mailbox", req, nil, 10*time.Second)
	return err
}
