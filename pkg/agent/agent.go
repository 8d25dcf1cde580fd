package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/proxystore/academy/pkg/concurrency"
	"github.com/proxystore/academy/pkg/exchange"
	"github.com/proxystore/academy/pkg/handle"
	"github.com/proxystore/academy/pkg/identifier"
	"github.com/proxystore/academy/pkg/logging"
	"github.com/proxystore/academy/pkg/message"
	"github.com/proxystore/academy/pkg/metrics"
)

// ErrAgentShutdown is returned by Start on an agent that already shut down.
// An agent instance runs at most once.
var ErrAgentShutdown = errors.New("agent has already been shutdown")

// listenerLoop names the exchange receive loop in the loop future table.
const listenerLoop = "_exchange.listen"

// State is the agent lifecycle position. Transitions are monotonic:
// INITIALIZED -> STARTING -> RUNNING -> TERMINATING -> SHUTDOWN.
type State int

const (
	StateInitialized State = iota
	StateStarting
	StateRunning
	StateTerminating
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateTerminating:
		return "TERMINATING"
	case StateShutdown:
		return "SHUTDOWN"
	default:
		return "INITIALIZED"
	}
}

// RunConfig tunes one agent run.
type RunConfig struct {
	// CloseExchangeOnExit closes the agent's transport at the end of
	// shutdown. Disable it when several agents in one process share an
	// exchange.
	CloseExchangeOnExit bool

	// MaxActionConcurrency bounds the action dispatch pool. Zero or
	// negative means unbounded.
	MaxActionConcurrency int

	// TerminateOnError permanently terminates the agent's mailbox when
	// shutdown was triggered by a loop failure.
	TerminateOnError bool

	// TerminateOnExit permanently terminates the agent's mailbox after an
	// externally signalled shutdown.
	TerminateOnExit bool
}

// DefaultRunConfig returns the defaults: terminate on both exit paths and
// close the transport.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		CloseExchangeOnExit: true,
		TerminateOnError:    true,
		TerminateOnExit:     true,
	}
}

// Spec is the serializable-enough record a launcher ships to a worker so the
// worker can construct the agent with a plain constructor. Only the factory
// must cross process boundaries in serialized form.
type Spec struct {
	Behavior     Behavior
	Factory      exchange.Factory
	Registration *exchange.AgentRegistration
	Config       RunConfig
}

// Agent executes a behavior: it binds remote handles, runs control loops and
// the exchange receive loop, dispatches action requests with bounded
// concurrency, and sequences a clean shutdown.
type Agent struct {
	agentID      identifier.AgentID
	behavior     Behavior
	client       *exchange.AgentClient
	registration *exchange.AgentRegistration
	config       RunConfig
	logger       logging.Logger
	metrics      *metrics.Metrics

	actions map[string]ActionFunc
	loops   map[string]LoopFunc

	shutdown   *concurrency.Event
	signalOnce sync.Once
	expected   bool

	// mu guards the state and the one-shot pool/future fields.
	mu          sync.Mutex
	state       State
	actionPool  *concurrency.Pool
	loopPool    *concurrency.Pool
	loopFutures map[string]*concurrency.Future[struct{}]

	actionMu      sync.Mutex
	actionFutures map[string]*concurrency.Future[struct{}]
}

// New constructs an agent bound to a registration. The agent opens its own
// transport from the factory; construction fails if the registered mailbox
// is not active.
func New(ctx context.Context, behavior Behavior, factory exchange.Factory, registration *exchange.AgentRegistration, config RunConfig, logger logging.Logger) (*Agent, error) {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	a := &Agent{
		agentID:       registration.AgentID,
		behavior:      behavior,
		registration:  registration,
		config:        config,
		logger:        logger.WithFields(map[string]interface{}{"agent": registration.AgentID.String()}),
		metrics:       metrics.Get(),
		actions:       behavior.Actions(),
		loops:         behavior.Loops(),
		shutdown:      concurrency.NewEvent(),
		loopFutures:   make(map[string]*concurrency.Future[struct{}]),
		actionFutures: make(map[string]*concurrency.Future[struct{}]),
	}
	client, err := exchange.NewAgentClient(ctx, factory, registration, a.handleRequest, logger)
	if err != nil {
		return nil, fmt.Errorf("open agent exchange client: %w", err)
	}
	a.client = client
	return a, nil
}

// FromSpec constructs an agent from a launcher-shipped spec.
func FromSpec(ctx context.Context, spec Spec, logger logging.Logger) (*Agent, error) {
	return New(ctx, spec.Behavior, spec.Factory, spec.Registration, spec.Config, logger)
}

// AgentID returns the agent's identity.
func (a *Agent) AgentID() identifier.AgentID { return a.agentID }

// State returns the lifecycle position.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Agent) String() string {
	return fmt.Sprintf("Agent<%s; %s>", a.behavior.BehaviorMRO()[0], a.agentID)
}

// SignalShutdown asks the agent to exit. The expectedness of the first
// signal wins; later signals are collapsed. Signalling before Start makes
// the next Run return immediately after starting.
func (a *Agent) SignalShutdown(expected bool) {
	a.signalOnce.Do(func() { a.expected = expected })
	a.shutdown.Set()
}

// Run starts the agent, blocks until the shutdown signal is set, then
// performs the shutdown sequence. Loop failures surface in the returned
// error.
func (a *Agent) Run(ctx context.Context) error {
	startErr := a.Start(ctx)
	if startErr == nil {
		if err := a.shutdown.Wait(ctx); err != nil {
			// Context cancellation counts as an external stop request.
			a.SignalShutdown(true)
		}
	}
	shutdownErr := a.Shutdown(ctx)
	return errors.Join(startErr, shutdownErr)
}

// Start brings the agent to RUNNING. It is idempotent while the agent is
// starting or running and fails with ErrAgentShutdown afterwards.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch a.state {
	case StateShutdown:
		return ErrAgentShutdown
	case StateRunning, StateStarting:
		return nil
	}
	a.logger.Debugf("starting agent (%s)", a)
	a.state = StateStarting

	a.bindHandles()
	if err := a.behavior.OnSetup(ctx); err != nil {
		return fmt.Errorf("behavior setup: %w", err)
	}

	a.actionPool = concurrency.NewPool(a.config.MaxActionConcurrency)
	a.loopPool = concurrency.NewPool(len(a.loops) + 1)

	for name, loop := range a.loops {
		loop := loop
		fut, err := a.loopPool.Submit(name, func() error { return loop(a.shutdown) })
		if err != nil {
			return fmt.Errorf("submit loop %q: %w", name, err)
		}
		a.loopFutures[name] = fut
		go a.watchLoop(name, fut)
	}

	fut, err := a.loopPool.Submit(listenerLoop, a.client.Listen)
	if err != nil {
		return fmt.Errorf("submit exchange listener: %w", err)
	}
	a.loopFutures[listenerLoop] = fut

	a.state = StateRunning
	a.logger.Infof("running agent (%s)", a)
	return nil
}

// watchLoop signals an unexpected shutdown when a control loop fails.
func (a *Agent) watchLoop(name string, fut *concurrency.Future[struct{}]) {
	<-fut.Done()
	if _, err := fut.Result(); err != nil {
		a.logger.Warnf("error in loop %q (signaling shutdown): %v", name, err)
		a.SignalShutdown(false)
	}
}

// bindHandles visits the behavior's handles and rebinds each to this
// agent's exchange client. Proxy handles and handles already bound to this
// agent are left alone.
func (a *Agent) bindHandles() {
	binder, ok := a.behavior.(HandleBinder)
	if !ok {
		return
	}
	binder.RebindHandles(func(h handle.Handle) handle.Handle {
		switch bound := h.(type) {
		case *handle.Proxy:
			return h
		case *handle.Bound:
			if identifier.Equal(bound.ClientID(), a.agentID) {
				return h
			}
			rebound := a.client.GetHandle(bound.AgentID())
			a.logger.Debugf("bound handle to %s to running agent", bound.AgentID())
			return rebound
		case *handle.Unbound:
			rebound := bound.Bind(&a.client.Client)
			a.logger.Debugf("bound handle to %s to running agent", bound.AgentID())
			return rebound
		default:
			return h
		}
	})
}

// handleRequest dispatches one request message from the receive loop.
func (a *Agent) handleRequest(msg *message.Message) {
	switch msg.Body.(type) {
	case message.ActionRequest:
		a.dispatchAction(msg)
	case message.PingRequest:
		a.logger.Infof("ping request received from %s", msg.Src)
		response, err := msg.Response(nil)
		if err == nil {
			a.sendResponse(response)
		}
	case message.ShutdownRequest:
		a.SignalShutdown(true)
	}
}

// dispatchAction submits an action to the pool and tracks its future until
// completion.
func (a *Agent) dispatchAction(msg *message.Message) {
	key := msg.ID.String()
	fut, err := a.actionPool.Submit("action:"+key, func() error {
		defer func() {
			a.actionMu.Lock()
			delete(a.actionFutures, key)
			a.actionMu.Unlock()
		}()
		a.executeAction(msg)
		return nil
	})
	if err != nil {
		// Pool already draining; the request raced shutdown.
		a.logger.Warnf("dropping action request from %s: %v", msg.Src, err)
		return
	}
	a.actionMu.Lock()
	a.actionFutures[key] = fut
	a.actionMu.Unlock()
}

// executeAction runs an action and sends the matching response or error.
func (a *Agent) executeAction(msg *message.Message) {
	req := msg.Body.(message.ActionRequest)
	started := time.Now()
	result, err := a.invokeAction(req)

	var response *message.Message
	var buildErr error
	if err != nil {
		a.metrics.RecordAction("error", time.Since(started))
		response, buildErr = msg.ErrorResponse(err)
	} else {
		a.metrics.RecordAction("ok", time.Since(started))
		response, buildErr = msg.Response(result)
	}
	if buildErr != nil {
		a.logger.Errorf("failed to build action response: %v", buildErr)
		return
	}
	a.sendResponse(response)
}

func (a *Agent) invokeAction(req message.ActionRequest) (interface{}, error) {
	a.logger.Debugf("invoking %q action", req.Action)
	fn, ok := a.actions[req.Action]
	if !ok {
		return nil, fmt.Errorf("agent[%s] does not have an action named %q",
			a.behavior.BehaviorMRO()[0], req.Action)
	}
	return fn(context.Background(), req.Args, req.Kwargs)
}

// sendResponse swallows delivery failures caused by the destination mailbox
// vanishing; the other party going away mid-conversation is a normal
// concurrent event.
func (a *Agent) sendResponse(response *message.Message) {
	err := a.client.Send(context.Background(), response)
	if err == nil {
		return
	}
	if errors.Is(err, exchange.ErrBadEntityID) || errors.Is(err, exchange.ErrMailboxClosed) {
		a.logger.Warnf("failed to send response to %s: destination mailbox is gone", response.Dest)
		return
	}
	a.logger.Errorf("failed to send response to %s: %v", response.Dest, err)
}

// Shutdown drives the agent from any live state to SHUTDOWN. It is
// idempotent. Loop failures captured during the run are aggregated into the
// returned error.
func (a *Agent) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == StateShutdown {
		return nil
	}
	a.logger.Debugf("shutting down agent (expected: %v; %s)", a.expected, a)
	a.state = StateTerminating
	a.shutdown.Set()

	// Terminate the mailbox first so the receive loop exits and no new
	// requests arrive, then join the listener.
	if err := a.client.Terminate(ctx, a.agentID); err != nil {
		a.logger.Errorf("failed to terminate own mailbox: %v", err)
	}
	if fut, ok := a.loopFutures[listenerLoop]; ok {
		<-fut.Done()
	}

	// Queued actions are discarded; in-flight ones run to completion and
	// may still send responses while the transport is alive.
	if a.actionPool != nil {
		a.actionPool.Shutdown(true)
	}
	// Loops observe the shutdown event and return on their own.
	if a.loopPool != nil {
		a.loopPool.Shutdown(false)
	}

	if (a.expected && !a.config.TerminateOnExit) || (!a.expected && !a.config.TerminateOnError) {
		// Revive the mailbox under the existing ID so a later run can
		// reuse it. The mailbox is transiently TERMINATED until this
		// completes; see Status callers.
		if err := a.client.ReviveAgent(ctx, a.registration); err != nil {
			a.logger.Errorf("failed to re-register agent: %v", err)
		}
	}

	var hookErr error
	if err := a.behavior.OnShutdown(ctx); err != nil {
		hookErr = fmt.Errorf("behavior shutdown: %w", err)
	}

	// Close the exchange last: finishing actions may still have needed it
	// to send replies.
	if a.config.CloseExchangeOnExit {
		if err := a.client.Close(ctx); err != nil {
			a.logger.Errorf("failed to close exchange client: %v", err)
		}
	}

	a.state = StateShutdown
	a.logger.Infof("shutdown agent (%s)", a)
	return errors.Join(hookErr, a.collectLoopFailures())
}

// collectLoopFailures aggregates errors captured from loop futures. A single
// failure is wrapped with its loop name; several are joined.
func (a *Agent) collectLoopFailures() error {
	var failures []error
	for name, fut := range a.loopFutures {
		if !fut.Settled() {
			continue
		}
		if _, err := fut.Result(); err != nil {
			failures = append(failures, fmt.Errorf("loop %q failed: %w", name, err))
		}
	}
	if len(failures) == 0 {
		return nil
	}
	return fmt.Errorf("caught failures in agent loops while shutting down: %w", errors.Join(failures...))
}
