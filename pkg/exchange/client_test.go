package exchange_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/proxystore/academy/pkg/exchange"
	"github.com/proxystore/academy/pkg/exchange/local"
	"github.com/proxystore/academy/pkg/identifier"
	"github.com/proxystore/academy/pkg/message"
)

// startResponder registers an agent and runs an agent client whose request
// handler echoes the first positional argument of every action request.
func startResponder(t *testing.T, factory exchange.Factory, user *exchange.UserClient) (*exchange.AgentClient, *exchange.AgentRegistration) {
	t.Helper()
	ctx := context.Background()

	registration, err := user.RegisterAgent(ctx, []string{"Echo"}, "echo")
	if err != nil {
		t.Fatalf("RegisterAgent() error = %v", err)
	}

	var client *exchange.AgentClient
	client, err = exchange.NewAgentClient(ctx, factory, registration, func(msg *message.Message) {
		req, ok := msg.Body.(message.ActionRequest)
		if !ok {
			return
		}
		response, err := msg.Response(req.Args[0])
		if err != nil {
			t.Errorf("Response() error = %v", err)
			return
		}
		if err := client.Send(ctx, response); err != nil {
			t.Errorf("Send() error = %v", err)
		}
	}, nil)
	if err != nil {
		t.Fatalf("NewAgentClient() error = %v", err)
	}

	listenDone := make(chan struct{})
	go func() {
		defer close(listenDone)
		_ = client.Listen()
	}()
	t.Cleanup(func() {
		_ = client.Terminate(ctx, registration.AgentID)
		select {
		case <-listenDone:
		case <-time.After(time.Second):
			t.Error("agent listen loop never exited")
		}
		_ = client.Close(ctx)
	})
	return client, registration
}

func TestHandleActionRoundTrip(t *testing.T) {
	ctx := context.Background()
	factory := local.NewExchange().Factory()

	user, err := exchange.NewUserClient(ctx, factory, "tester", nil)
	if err != nil {
		t.Fatalf("NewUserClient() error = %v", err)
	}
	_, registration := startResponder(t, factory, user)

	h := user.GetHandle(registration.AgentID)
	fut, err := h.Action(ctx, "echo", []interface{}{"hello"}, nil)
	if err != nil {
		t.Fatalf("Action() error = %v", err)
	}
	result, err := fut.WaitTimeout(2 * time.Second)
	if err != nil {
		t.Fatalf("action future error = %v", err)
	}
	if result != "hello" {
		t.Fatalf("result = %v, want \"hello\"", result)
	}

	if err := user.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestUserClientRejectsRequests(t *testing.T) {
	ctx := context.Background()
	factory := local.NewExchange().Factory()

	target, err := exchange.NewUserClient(ctx, factory, "target", nil)
	if err != nil {
		t.Fatalf("NewUserClient() error = %v", err)
	}
	defer func() { _ = target.Close(ctx) }()

	caller, err := exchange.NewUserClient(ctx, factory, "caller", nil)
	if err != nil {
		t.Fatalf("NewUserClient() error = %v", err)
	}
	defer func() { _ = caller.Close(ctx) }()

	// Address the target user's mailbox as if it were an agent; the user
	// client must reply with an ActionError so the future settles.
	fake := caller.GetHandle(agentIDFromUser(t, target))
	fut, err := fake.Action(ctx, "nope", nil, nil)
	if err != nil {
		t.Fatalf("Action() error = %v", err)
	}
	_, err = fut.WaitTimeout(2 * time.Second)
	var remote *message.RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("future error = %v, want RemoteError", err)
	}
}

// agentIDFromUser forges an AgentID sharing a user's UUID so a request can
// be routed at a user mailbox.
func agentIDFromUser(t *testing.T, user *exchange.UserClient) identifier.AgentID {
	t.Helper()
	return identifier.AgentID{UID: user.UserID().UID}
}

func TestUserClientCloseTerminatesMailbox(t *testing.T) {
	ctx := context.Background()
	factory := local.NewExchange().Factory()

	observer, err := exchange.NewUserClient(ctx, factory, "observer", nil)
	if err != nil {
		t.Fatalf("NewUserClient() error = %v", err)
	}
	defer func() { _ = observer.Close(ctx) }()

	user, err := exchange.NewUserClient(ctx, factory, "closing", nil)
	if err != nil {
		t.Fatalf("NewUserClient() error = %v", err)
	}
	uid := user.UserID()
	if err := user.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	status, err := observer.Status(ctx, uid)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if status != exchange.MailboxTerminated {
		t.Fatalf("Status() after close = %v, want TERMINATED", status)
	}
}
