// Package launcher supervises agents: it schedules them onto a worker pool,
// restarts them on failure up to a bound, and collects terminal results.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/proxystore/academy/pkg/agent"
	"github.com/proxystore/academy/pkg/concurrency"
	"github.com/proxystore/academy/pkg/exchange"
	"github.com/proxystore/academy/pkg/handle"
	"github.com/proxystore/academy/pkg/identifier"
	"github.com/proxystore/academy/pkg/logging"
	"github.com/proxystore/academy/pkg/metrics"
)

// Registrar is the slice of an exchange client the launcher needs to create
// agents and hand back handles.
type Registrar interface {
	RegisterAgent(ctx context.Context, mro []string, name string) (*exchange.AgentRegistration, error)
	Factory() exchange.Factory
	GetHandle(aid identifier.AgentID) *handle.Bound
}

// acb is an agent control block: everything needed to (re)launch one agent
// and observe its completion.
type acb struct {
	agentID      identifier.AgentID
	behavior     agent.Behavior
	factory      exchange.Factory
	registration *exchange.AgentRegistration
	done         *concurrency.Event

	mu          sync.Mutex
	future      *concurrency.Future[struct{}]
	launchCount int
}

func (b *acb) lastFuture() *concurrency.Future[struct{}] {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.future
}

// Launcher owns a worker pool and a table of agent control blocks.
type Launcher struct {
	pool          *concurrency.Pool
	closeExchange bool
	maxRestarts   int
	logger        logging.Logger
	metrics       *metrics.Metrics

	mu   sync.Mutex
	acbs map[uuid.UUID]*acb
}

// New creates a launcher over a worker pool it takes ownership of.
// closeExchange is passed to each agent's run config: keep it false when
// workers share in-process exchange state.
func New(pool *concurrency.Pool, closeExchange bool, maxRestarts int, logger logging.Logger) *Launcher {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &Launcher{
		pool:          pool,
		closeExchange: closeExchange,
		maxRestarts:   maxRestarts,
		logger:        logger,
		metrics:       metrics.Get(),
		acbs:          make(map[uuid.UUID]*acb),
	}
}

// NewThreadLauncher creates a launcher over an in-process pool. maxWorkers
// of zero means one goroutine per agent.
func NewThreadLauncher(maxWorkers int, maxRestarts int, logger logging.Logger) *Launcher {
	return New(concurrency.NewPool(maxWorkers), false, maxRestarts, logger)
}

// Launch registers a new agent on the client's exchange, schedules it onto
// the pool, and returns a handle to it.
func (l *Launcher) Launch(ctx context.Context, behavior agent.Behavior, client Registrar, name string) (*handle.Bound, error) {
	registration, err := client.RegisterAgent(ctx, behavior.BehaviorMRO(), name)
	if err != nil {
		return nil, fmt.Errorf("register agent: %w", err)
	}

	block := &acb{
		agentID:      registration.AgentID,
		behavior:     behavior,
		factory:      client.Factory(),
		registration: registration,
		done:         concurrency.NewEvent(),
	}
	l.mu.Lock()
	l.acbs[registration.AgentID.UID] = block
	l.mu.Unlock()

	if err := l.launchOne(ctx, block); err != nil {
		block.done.Set()
		return nil, err
	}
	return client.GetHandle(registration.AgentID), nil
}

// launchOne constructs a fresh Agent for the control block and submits its
// run to the pool. Only the final attempt is allowed to tear the mailbox
// down on error, so earlier attempts leave it revivable.
func (l *Launcher) launchOne(ctx context.Context, block *acb) error {
	block.mu.Lock()
	config := agent.DefaultRunConfig()
	config.CloseExchangeOnExit = l.closeExchange
	config.TerminateOnError = block.launchCount+1 >= l.maxRestarts
	spec := agent.Spec{
		Behavior:     block.behavior,
		Factory:      block.factory,
		Registration: block.registration,
		Config:       config,
	}
	block.mu.Unlock()

	worker, err := agent.FromSpec(ctx, spec, l.logger)
	if err != nil {
		return fmt.Errorf("construct agent %s: %w", block.agentID, err)
	}

	future, err := l.pool.Submit("agent:"+block.agentID.UID.String(), func() error {
		return worker.Run(context.Background())
	})
	if err != nil {
		return fmt.Errorf("submit agent %s: %w", block.agentID, err)
	}

	block.mu.Lock()
	block.launchCount++
	block.future = future
	count := block.launchCount
	block.mu.Unlock()

	if count == 1 {
		l.logger.Debugf("launched agent (%s)", block.agentID)
	} else {
		l.logger.Debugf("restarted agent (%d/%d retries; %s)", count-1, l.maxRestarts, block.agentID)
	}

	go l.watch(block, future)
	return nil
}

// watch observes one run attempt and either restarts the agent or marks the
// control block done.
func (l *Launcher) watch(block *acb, future *concurrency.Future[struct{}]) {
	<-future.Done()
	_, err := future.Result()
	if err == nil {
		l.logger.Debugf("completed agent future (%s)", block.agentID)
		block.done.Set()
		return
	}

	l.logger.Errorf("received agent exception (%s): %v", block.agentID, err)
	block.mu.Lock()
	count := block.launchCount
	block.mu.Unlock()
	if count <= l.maxRestarts {
		l.metrics.AgentRestarts.Inc()
		if relaunchErr := l.launchOne(context.Background(), block); relaunchErr == nil {
			return
		}
		l.logger.Errorf("failed to restart agent (%s)", block.agentID)
	}
	block.done.Set()
}

// Running returns the IDs of launched agents that have not completed.
func (l *Launcher) Running() []identifier.AgentID {
	l.mu.Lock()
	defer l.mu.Unlock()
	var running []identifier.AgentID
	for _, block := range l.acbs {
		if !block.done.IsSet() {
			running = append(running, block.agentID)
		}
	}
	return running
}

// Wait blocks until the agent's control block is done. Unknown IDs fail
// with exchange.ErrBadEntityID; a ctx deadline surfaces as its error. Unless
// ignoreError, the final attempt's error is propagated.
func (l *Launcher) Wait(ctx context.Context, aid identifier.AgentID, ignoreError bool) error {
	l.mu.Lock()
	block, ok := l.acbs[aid.UID]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s was not launched by this launcher", exchange.ErrBadEntityID, aid)
	}

	if err := block.done.Wait(ctx); err != nil {
		return fmt.Errorf("agent did not complete before deadline (%s): %w", aid, err)
	}
	if ignoreError {
		return nil
	}
	if future := block.lastFuture(); future != nil {
		if _, err := future.Result(); err != nil {
			return err
		}
	}
	return nil
}

// Close surfaces errors from completed agents and shuts the pool down,
// waiting for workers. Signalling agents to stop beforehand is the caller's
// responsibility; the launcher does not reach into agent internals.
func (l *Launcher) Close() error {
	l.logger.Debugf("waiting for agents to shutdown...")
	var failures []error
	l.mu.Lock()
	for _, block := range l.acbs {
		if !block.done.IsSet() {
			continue
		}
		if future := block.lastFuture(); future != nil && future.Settled() {
			if _, err := future.Result(); err != nil {
				failures = append(failures, fmt.Errorf("agent %s: %w", block.agentID, err))
			}
		}
	}
	l.mu.Unlock()

	l.pool.Shutdown(true)
	l.logger.Debugf("closed launcher")
	return errors.Join(failures...)
}
