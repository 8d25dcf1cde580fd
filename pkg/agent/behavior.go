// Package agent implements the agent runtime: the behavior contract, the
// lifecycle state machine, and the run configuration.
package agent

import (
	"context"
	"fmt"

	"github.com/proxystore/academy/pkg/concurrency"
	"github.com/proxystore/academy/pkg/failfast"
	"github.com/proxystore/academy/pkg/handle"
)

// ActionFunc is an externally invocable method of a behavior. Arguments
// arrive as decoded JSON values; the result is serialized back into the
// action response.
type ActionFunc func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (interface{}, error)

// LoopFunc is a long-running control loop. Loops must observe the shutdown
// event within bounded latency and return once it is set; a non-nil error
// signals an unexpected shutdown.
type LoopFunc func(shutdown *concurrency.Event) error

// Behavior is the user-supplied definition an agent exhibits: a name
// lineage for discovery, action and loop tables, and lifecycle hooks.
//
// Actions and loops are registered explicitly at construction (typically
// through Base); the runtime never discovers them by reflection.
type Behavior interface {
	// BehaviorMRO lists the behavior's type names most-derived first.
	// Discovery matches queries against it.
	BehaviorMRO() []string

	// Actions returns the action dispatch table.
	Actions() map[string]ActionFunc

	// Loops returns the control loop table.
	Loops() map[string]LoopFunc

	// OnSetup runs during agent start, before loops launch.
	OnSetup(ctx context.Context) error

	// OnShutdown runs during agent shutdown, after loops exit.
	OnShutdown(ctx context.Context) error
}

// HandleBinder is implemented by behaviors that hold handles to other
// agents. On startup the agent visits each handle and rebinds it to the
// agent's own exchange client so outgoing requests originate from the agent.
type HandleBinder interface {
	RebindHandles(bind func(h handle.Handle) handle.Handle)
}

// Base is an embeddable behavior core: it carries the MRO and the explicit
// action/loop registries. Concrete behaviors embed *Base, register their
// methods in a constructor, and override the hooks they need.
type Base struct {
	mro     []string
	actions map[string]ActionFunc
	loops   map[string]LoopFunc
}

// NewBase creates a behavior core named name, with parent behavior names
// ordered most-derived first.
func NewBase(name string, parents ...string) *Base {
	failfast.If(name != "", "behavior name must not be empty")
	return &Base{
		mro:     append([]string{name}, parents...),
		actions: make(map[string]ActionFunc),
		loops:   make(map[string]LoopFunc),
	}
}

// RegisterAction adds a named action to the dispatch table.
func (b *Base) RegisterAction(name string, fn ActionFunc) {
	failfast.NotNil(fn, "action "+name)
	b.actions[name] = fn
}

// RegisterLoop adds a named control loop.
func (b *Base) RegisterLoop(name string, fn LoopFunc) {
	failfast.NotNil(fn, "loop "+name)
	b.loops[name] = fn
}

func (b *Base) BehaviorMRO() []string          { return b.mro }
func (b *Base) Actions() map[string]ActionFunc { return b.actions }
func (b *Base) Loops() map[string]LoopFunc     { return b.loops }

func (b *Base) OnSetup(context.Context) error    { return nil }
func (b *Base) OnShutdown(context.Context) error { return nil }

// Invoke dispatches an action by name, satisfying handle.Invoker so proxy
// handles can call a behavior directly.
func (b *Base) Invoke(ctx context.Context, action string, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
	fn, ok := b.actions[action]
	if !ok {
		return nil, fmt.Errorf("behavior %q does not have an action named %q", b.mro[0], action)
	}
	return fn(ctx, args, kwargs)
}

var _ handle.Invoker = (*Base)(nil)
