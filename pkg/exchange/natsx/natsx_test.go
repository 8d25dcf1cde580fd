package natsx

import (
	"context"
	"errors"
	"testing"
	"time"

	natssrv "github.com/nats-io/nats-server/v2/server"

	"github.com/proxystore/academy/pkg/exchange"
	"github.com/proxystore/academy/pkg/identifier"
	"github.com/proxystore/academy/pkg/message"
)

func runTestNATSServer(t *testing.T) *natssrv.Server {
	t.Helper()
	opts := &natssrv.Options{
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
	}
	s, err := natssrv.NewServer(opts)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	go s.Start()
	if !s.ReadyForConnections(5 * time.Second) {
		s.Shutdown()
		t.Fatalf("nats server not ready")
	}
	t.Cleanup(s.Shutdown)
	return s
}

func testFactory(t *testing.T) *Factory {
	s := runTestNATSServer(t)
	f := NewFactory(s.ClientURL())
	f.Prefix = "academy.test"
	return f
}

func mustAgentID() identifier.AgentID {
	return identifier.NewAgentID("ghost")
}

func TestRegisterSendRecv(t *testing.T) {
	ctx := context.Background()
	factory := testFactory(t)

	user, err := factory.NewUserTransport(ctx, "alice")
	if err != nil {
		t.Fatalf("NewUserTransport() error = %v", err)
	}
	defer func() { _ = user.Close() }()

	registration, err := user.RegisterAgent(ctx, []string{"Echo"}, "echo", nil)
	if err != nil {
		t.Fatalf("RegisterAgent() error = %v", err)
	}
	agent, err := factory.NewAgentTransport(ctx, registration)
	if err != nil {
		t.Fatalf("NewAgentTransport() error = %v", err)
	}
	defer func() { _ = agent.Close() }()

	status, err := agent.Status(ctx, registration.AgentID)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if status != exchange.MailboxActive {
		t.Fatalf("Status() = %v, want ACTIVE", status)
	}

	sent := message.New(user.MailboxID(), registration.AgentID, "h:1", message.PingRequest{})
	if err := user.Send(ctx, sent); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	received := make(chan *message.Message, 1)
	go func() {
		if msg, err := agent.Recv(ctx); err == nil {
			received <- msg
		}
	}()
	select {
	case got := <-received:
		if !got.Equal(sent) {
			t.Fatal("received the wrong message")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("message never delivered over NATS")
	}
}

func TestDiscoverAcrossTransports(t *testing.T) {
	ctx := context.Background()
	factory := testFactory(t)

	first, err := factory.NewUserTransport(ctx, "first")
	if err != nil {
		t.Fatalf("NewUserTransport() error = %v", err)
	}
	defer func() { _ = first.Close() }()

	x, _ := first.RegisterAgent(ctx, []string{"B", "A"}, "x", nil)
	y, _ := first.RegisterAgent(ctx, []string{"A"}, "y", nil)

	// A transport connecting later replays the registry and sees both.
	second, err := factory.NewUserTransport(ctx, "second")
	if err != nil {
		t.Fatalf("NewUserTransport() error = %v", err)
	}
	defer func() { _ = second.Close() }()

	subs, err := second.Discover(ctx, "A", true)
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if len(subs) != 2 {
		t.Fatalf("Discover(A, subclasses) = %v, want two agents", subs)
	}
	exact, err := second.Discover(ctx, "A", false)
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if len(exact) != 1 || !exact[0].Equal(y.AgentID) {
		t.Fatalf("Discover(A, exact) = %v, want {y}", exact)
	}
	bs, _ := second.Discover(ctx, "B", true)
	if len(bs) != 1 || !bs[0].Equal(x.AgentID) {
		t.Fatalf("Discover(B) = %v, want {x}", bs)
	}
}

func TestTerminateClosesReceiver(t *testing.T) {
	ctx := context.Background()
	factory := testFactory(t)

	user, err := factory.NewUserTransport(ctx, "user")
	if err != nil {
		t.Fatalf("NewUserTransport() error = %v", err)
	}
	defer func() { _ = user.Close() }()

	registration, err := user.RegisterAgent(ctx, []string{"A"}, "", nil)
	if err != nil {
		t.Fatalf("RegisterAgent() error = %v", err)
	}
	agent, err := factory.NewAgentTransport(ctx, registration)
	if err != nil {
		t.Fatalf("NewAgentTransport() error = %v", err)
	}
	defer func() { _ = agent.Close() }()

	recvErr := make(chan error, 1)
	go func() {
		_, err := agent.Recv(ctx)
		recvErr <- err
	}()

	if err := user.Terminate(ctx, registration.AgentID); err != nil {
		t.Fatalf("Terminate() error = %v", err)
	}

	select {
	case err := <-recvErr:
		if !errors.Is(err, exchange.ErrMailboxClosed) {
			t.Fatalf("Recv() error = %v, want ErrMailboxClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Recv() never observed the termination")
	}

	// The terminated status converges on the sender side too.
	deadline := time.Now().Add(5 * time.Second)
	for {
		status, err := user.Status(ctx, registration.AgentID)
		if err != nil {
			t.Fatalf("Status() error = %v", err)
		}
		if status == exchange.MailboxTerminated {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Status() = %v, want TERMINATED", status)
		}
		time.Sleep(20 * time.Millisecond)
	}

	if err := user.Send(ctx, message.New(user.MailboxID(), registration.AgentID, "h:9", message.PingRequest{})); !errors.Is(err, exchange.ErrMailboxClosed) {
		t.Fatalf("Send() to terminated mailbox error = %v, want ErrMailboxClosed", err)
	}
}

func TestSendToUnknownMailbox(t *testing.T) {
	ctx := context.Background()
	factory := testFactory(t)

	user, err := factory.NewUserTransport(ctx, "user")
	if err != nil {
		t.Fatalf("NewUserTransport() error = %v", err)
	}
	defer func() { _ = user.Close() }()

	ghost := message.New(user.MailboxID(), mustAgentID(), "h:1", message.PingRequest{})
	if err := user.Send(ctx, ghost); !errors.Is(err, exchange.ErrBadEntityID) {
		t.Fatalf("Send() error = %v, want ErrBadEntityID", err)
	}
}
