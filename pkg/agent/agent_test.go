package agent_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/proxystore/academy/pkg/agent"
	"github.com/proxystore/academy/pkg/concurrency"
	"github.com/proxystore/academy/pkg/exchange"
	"github.com/proxystore/academy/pkg/exchange/local"
	"github.com/proxystore/academy/pkg/message"
)

// echoBehavior exposes a single echo action and no loops.
type echoBehavior struct {
	*agent.Base
}

func newEchoBehavior() *echoBehavior {
	b := &echoBehavior{Base: agent.NewBase("Echo")}
	b.RegisterAction("echo", func(_ context.Context, args []interface{}, _ map[string]interface{}) (interface{}, error) {
		return args[0], nil
	})
	b.RegisterAction("fail", func(context.Context, []interface{}, map[string]interface{}) (interface{}, error) {
		return nil, errors.New("action exploded")
	})
	return b
}

// waitBehavior runs one cooperative loop and records its hooks.
type waitBehavior struct {
	*agent.Base
	setup    atomic.Bool
	shutdown atomic.Bool
	looped   atomic.Bool
}

func newWaitBehavior() *waitBehavior {
	b := &waitBehavior{Base: agent.NewBase("Wait")}
	b.RegisterLoop("wait", func(shutdown *concurrency.Event) error {
		b.looped.Store(true)
		<-shutdown.Done()
		return nil
	})
	return b
}

func (b *waitBehavior) OnSetup(context.Context) error {
	b.setup.Store(true)
	return nil
}

func (b *waitBehavior) OnShutdown(context.Context) error {
	b.shutdown.Store(true)
	return nil
}

func setupAgent(t *testing.T, behavior agent.Behavior, config agent.RunConfig) (*agent.Agent, *exchange.UserClient, *exchange.AgentRegistration) {
	t.Helper()
	ctx := context.Background()
	factory := local.NewExchange().Factory()

	user, err := exchange.NewUserClient(ctx, factory, "tester", nil)
	if err != nil {
		t.Fatalf("NewUserClient() error = %v", err)
	}
	t.Cleanup(func() { _ = user.Close(context.Background()) })

	registration, err := user.RegisterAgent(ctx, behavior.BehaviorMRO(), "")
	if err != nil {
		t.Fatalf("RegisterAgent() error = %v", err)
	}
	worker, err := agent.New(ctx, behavior, factory, registration, config, nil)
	if err != nil {
		t.Fatalf("agent.New() error = %v", err)
	}
	return worker, user, registration
}

// runAgent starts Run on a goroutine and returns the result channel.
func runAgent(worker *agent.Agent) <-chan error {
	done := make(chan error, 1)
	go func() { done <- worker.Run(context.Background()) }()
	return done
}

func waitState(t *testing.T, worker *agent.Agent, want agent.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for worker.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("state = %v, want %v", worker.State(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAgentEchoRoundTrip(t *testing.T) {
	ctx := context.Background()
	worker, user, registration := setupAgent(t, newEchoBehavior(), agent.DefaultRunConfig())
	done := runAgent(worker)
	waitState(t, worker, agent.StateRunning)

	h := user.GetHandle(registration.AgentID)
	fut, err := h.Action(ctx, "echo", []interface{}{"hi"}, nil)
	if err != nil {
		t.Fatalf("Action() error = %v", err)
	}
	result, err := fut.WaitTimeout(2 * time.Second)
	if err != nil || result != "hi" {
		t.Fatalf("echo = %v, %v; want \"hi\", nil", result, err)
	}

	// Unknown actions surface as errors on the caller's future.
	fut, err = h.Action(ctx, "missing", nil, nil)
	if err != nil {
		t.Fatalf("Action() error = %v", err)
	}
	if _, err := fut.WaitTimeout(2 * time.Second); err == nil ||
		!strings.Contains(err.Error(), "does not have an action") {
		t.Fatalf("unknown action error = %v", err)
	}

	// Action errors become RemoteErrors, not agent failures.
	fut, err = h.Action(ctx, "fail", nil, nil)
	if err != nil {
		t.Fatalf("Action() error = %v", err)
	}
	if _, err := fut.WaitTimeout(2 * time.Second); err == nil {
		t.Fatal("failing action should reject the future")
	}

	if err := h.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() never returned after shutdown request")
	}
	if worker.State() != agent.StateShutdown {
		t.Fatalf("state = %v, want SHUTDOWN", worker.State())
	}
}

func TestAgentPing(t *testing.T) {
	ctx := context.Background()
	worker, user, registration := setupAgent(t, newEchoBehavior(), agent.DefaultRunConfig())
	done := runAgent(worker)
	waitState(t, worker, agent.StateRunning)

	h := user.GetHandle(registration.AgentID)
	fut, err := h.Ping(ctx)
	if err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
	if _, err := fut.WaitTimeout(2 * time.Second); err != nil {
		t.Fatalf("ping future error = %v", err)
	}

	worker.SignalShutdown(true)
	<-done
}

func TestAgentLifecycleHooksAndIdempotence(t *testing.T) {
	ctx := context.Background()
	behavior := newWaitBehavior()
	worker, _, _ := setupAgent(t, behavior, agent.DefaultRunConfig())

	if err := worker.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := worker.Start(ctx); err != nil {
		t.Fatalf("repeated Start() error = %v", err)
	}
	if !behavior.setup.Load() {
		t.Error("OnSetup was not invoked")
	}

	worker.SignalShutdown(true)
	if err := worker.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if err := worker.Shutdown(ctx); err != nil {
		t.Fatalf("repeated Shutdown() error = %v", err)
	}
	if !behavior.shutdown.Load() {
		t.Error("OnShutdown was not invoked")
	}
	if !behavior.looped.Load() {
		t.Error("loop never ran")
	}

	if err := worker.Start(ctx); !errors.Is(err, agent.ErrAgentShutdown) {
		t.Fatalf("Start() after shutdown error = %v, want ErrAgentShutdown", err)
	}
}

func TestAgentLoopFailureAggregation(t *testing.T) {
	behavior := newWaitBehavior()
	behavior.RegisterLoop("doomed", func(shutdown *concurrency.Event) error {
		time.Sleep(10 * time.Millisecond)
		return fmt.Errorf("value out of range")
	})

	worker, user, registration := setupAgent(t, behavior, agent.DefaultRunConfig())
	done := runAgent(worker)

	select {
	case err := <-done:
		if err == nil || !strings.Contains(err.Error(), "doomed") {
			t.Fatalf("Run() error = %v, want aggregated doomed-loop failure", err)
		}
		if !strings.Contains(err.Error(), "value out of range") {
			t.Fatalf("Run() error = %v, want the root cause preserved", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() never returned after loop failure")
	}

	if worker.State() != agent.StateShutdown {
		t.Fatalf("state = %v, want SHUTDOWN", worker.State())
	}
	// Default terminate_on_error leaves the mailbox permanently closed.
	status, err := user.Status(context.Background(), registration.AgentID)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if status != exchange.MailboxTerminated {
		t.Fatalf("Status() = %v, want TERMINATED", status)
	}
}

func TestAgentMailboxRevivalAcrossRuns(t *testing.T) {
	ctx := context.Background()
	config := agent.DefaultRunConfig()
	config.TerminateOnExit = false

	worker, user, registration := setupAgent(t, newWaitBehavior(), config)
	done := runAgent(worker)
	waitState(t, worker, agent.StateRunning)

	worker.SignalShutdown(true)
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	status, err := user.Status(ctx, registration.AgentID)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if status != exchange.MailboxActive {
		t.Fatalf("Status() after revival = %v, want ACTIVE", status)
	}

	// A second agent built from the same registration runs again.
	second, err := agent.New(ctx, newEchoBehavior(), user.Factory(), registration, agent.DefaultRunConfig(), nil)
	if err != nil {
		t.Fatalf("agent.New() for second run error = %v", err)
	}
	secondDone := runAgent(second)
	waitState(t, second, agent.StateRunning)

	h := user.GetHandle(registration.AgentID)
	fut, err := h.Action(ctx, "echo", []interface{}{"again"}, nil)
	if err != nil {
		t.Fatalf("Action() error = %v", err)
	}
	if result, err := fut.WaitTimeout(2 * time.Second); err != nil || result != "again" {
		t.Fatalf("echo after revival = %v, %v", result, err)
	}

	second.SignalShutdown(true)
	<-secondDone
}

func TestSignalShutdownBeforeRun(t *testing.T) {
	worker, _, _ := setupAgent(t, newWaitBehavior(), agent.DefaultRunConfig())
	worker.SignalShutdown(true)

	done := runAgent(worker)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() should return promptly when pre-signalled")
	}
}

func TestRequestToUserMailboxIsRejected(t *testing.T) {
	// The RemoteError a caller's handle receives is covered in the exchange
	// client tests; here a request is routed to a user mailbox while an
	// agent runs, and the agent must still shut down afterwards.
	ctx := context.Background()
	factory := local.NewExchange().Factory()
	user, err := exchange.NewUserClient(ctx, factory, "only-user", nil)
	if err != nil {
		t.Fatalf("NewUserClient() error = %v", err)
	}
	defer func() { _ = user.Close(ctx) }()

	registration, err := user.RegisterAgent(ctx, []string{"Echo"}, "")
	if err != nil {
		t.Fatalf("RegisterAgent() error = %v", err)
	}
	worker, err := agent.New(ctx, newEchoBehavior(), factory, registration, agent.DefaultRunConfig(), nil)
	if err != nil {
		t.Fatalf("agent.New() error = %v", err)
	}
	done := runAgent(worker)
	waitState(t, worker, agent.StateRunning)

	// Send a raw request from the agent's own mailbox to the user; the
	// user client replies with an error response.
	req := message.New(registration.AgentID, user.UserID(), "bogus:1", message.PingRequest{})
	if err := user.Send(ctx, req); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	worker.SignalShutdown(true)
	<-done
}
