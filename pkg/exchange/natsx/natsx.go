// Package natsx implements a broker-backed exchange transport over NATS.
// Mailboxes map to subjects; mailbox lifecycle and the behavior index are
// events on a JetStream-retained registry subject that every transport
// replays into a local replica, so peers agree on status and discovery
// without a central server process.
//
// The replica is eventually consistent: a send may race a concurrent
// terminate and still be published. Receivers observe their own termination
// through the registry and close their queue, so the message is dropped
// rather than delivered, matching the at-most-once contract.
package natsx

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/proxystore/academy/pkg/exchange"
	"github.com/proxystore/academy/pkg/identifier"
	"github.com/proxystore/academy/pkg/message"
	"github.com/proxystore/academy/pkg/queue"
)

// catchUpTimeout bounds how long a transport waits to replay the registry
// stream before its first operation.
const catchUpTimeout = 10 * time.Second

// Factory mints transports to one NATS-backed exchange. Plain JSON record
// so it can cross process boundaries.
type Factory struct {
	// URL is the NATS server URL, e.g. "nats://127.0.0.1:4222".
	URL string `json:"url"`

	// Prefix namespaces all subjects. Default: "academy".
	Prefix string `json:"prefix,omitempty"`
}

var _ exchange.Factory = (*Factory)(nil)

// NewFactory creates a factory for the NATS exchange at url.
func NewFactory(url string) *Factory {
	return &Factory{URL: url}
}

func (f *Factory) prefix() string {
	if f.Prefix == "" {
		return "academy"
	}
	return f.Prefix
}

func (f *Factory) registrySubject() string { return f.prefix() + ".registry" }

func (f *Factory) mailboxSubject(uid identifier.EntityID) string {
	return f.prefix() + ".mbx." + uid.UUID().String()
}

func (f *Factory) streamName() string {
	name := strings.ToUpper(strings.ReplaceAll(f.prefix(), ".", "-"))
	return name + "-REGISTRY"
}

// NewUserTransport mints a fresh user identity, announces its mailbox on
// the registry, and subscribes to it.
func (f *Factory) NewUserTransport(ctx context.Context, name string) (exchange.Transport, error) {
	uid := identifier.NewUserID(name)
	t, err := f.connect(uid)
	if err != nil {
		return nil, err
	}
	if err := t.announce(uid, nil); err != nil {
		t.close()
		return nil, err
	}
	return t, nil
}

// NewAgentTransport binds a transport to a previously registered agent
// mailbox. The caller verifies the mailbox is active.
func (f *Factory) NewAgentTransport(ctx context.Context, registration *exchange.AgentRegistration) (exchange.Transport, error) {
	return f.connect(registration.AgentID)
}

// registryEvent is one lifecycle announcement on the registry subject.
type registryEvent struct {
	Entity string   `json:"entity"`
	Status string   `json:"status"`
	MRO    []string `json:"mro,omitempty"`
}

// entry is the replica's view of one mailbox.
type entry struct {
	id         identifier.EntityID
	mro        []string
	terminated bool
}

// Transport is a NATS view of the exchange bound to one mailbox.
type Transport struct {
	factory Factory

	mailboxID identifier.EntityID
	nc        *nats.Conn
	js        nats.JetStreamContext
	inbox     *queue.Queue[*message.Message]

	registrySub *nats.Subscription
	mailboxSub  *nats.Subscription

	mu         sync.Mutex
	replica    map[string]*entry // keyed by entity UUID string
	replicaSeq uint64
}

var _ exchange.Transport = (*Transport)(nil)

// connect dials NATS, ensures the registry stream exists, replays it into a
// local replica, and subscribes to the transport's mailbox subject.
func (f *Factory) connect(mailboxID identifier.EntityID) (*Transport, error) {
	nc, err := nats.Connect(f.URL, nats.Name("academy-"+mailboxID.UUID().String()))
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("open JetStream context: %w", err)
	}

	t := &Transport{
		factory:   *f,
		mailboxID: mailboxID,
		nc:        nc,
		js:        js,
		inbox:     queue.New[*message.Message](),
		replica:   make(map[string]*entry),
	}

	if _, err := js.AddStream(&nats.StreamConfig{
		Name:      f.streamName(),
		Subjects:  []string{f.registrySubject()},
		Retention: nats.LimitsPolicy,
	}); err != nil {
		// Another transport may have created it first.
		if _, infoErr := js.StreamInfo(f.streamName()); infoErr != nil {
			nc.Close()
			return nil, fmt.Errorf("ensure registry stream: %w", err)
		}
	}

	t.registrySub, err = js.Subscribe(f.registrySubject(), t.applyRegistryEvent,
		nats.OrderedConsumer(), nats.DeliverAll())
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("subscribe to registry: %w", err)
	}

	t.mailboxSub, err = nc.Subscribe(f.mailboxSubject(mailboxID), t.deliver)
	if err != nil {
		t.close()
		return nil, fmt.Errorf("subscribe to mailbox: %w", err)
	}

	if err := t.catchUp(); err != nil {
		t.close()
		return nil, err
	}
	return t, nil
}

// applyRegistryEvent folds one registry announcement into the replica. A
// TERMINATED event for this transport's own mailbox also closes the inbox so
// Recv observes the closure.
func (t *Transport) applyRegistryEvent(m *nats.Msg) {
	var event registryEvent
	if err := json.Unmarshal(m.Data, &event); err != nil {
		return
	}
	eid, err := identifier.Parse(event.Entity)
	if err != nil {
		return
	}

	terminated := event.Status == exchange.MailboxTerminated.String()
	t.mu.Lock()
	key := eid.UUID().String()
	e, ok := t.replica[key]
	if !ok {
		e = &entry{id: eid}
		t.replica[key] = e
	}
	if len(event.MRO) > 0 {
		e.mro = event.MRO
	}
	e.terminated = terminated
	if meta, err := m.Metadata(); err == nil {
		t.replicaSeq = meta.Sequence.Stream
	}
	t.mu.Unlock()

	if terminated && eid.UUID() == t.mailboxID.UUID() {
		t.inbox.Close()
	}
}

// catchUp waits until the replica has replayed the registry stream up to the
// last sequence present at connect time.
func (t *Transport) catchUp() error {
	info, err := t.js.StreamInfo(t.factory.streamName())
	if err != nil {
		return fmt.Errorf("read registry stream info: %w", err)
	}
	target := info.State.LastSeq
	deadline := time.Now().Add(catchUpTimeout)
	for {
		t.mu.Lock()
		caught := t.replicaSeq >= target
		t.mu.Unlock()
		if caught {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("registry replay did not catch up within %s", catchUpTimeout)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// deliver enqueues one mailbox message. Messages arriving after termination
// are dropped by the closed queue.
func (t *Transport) deliver(m *nats.Msg) {
	var msg message.Message
	if err := json.Unmarshal(m.Data, &msg); err != nil {
		return
	}
	_ = t.inbox.Put(&msg)
}

// announce publishes a lifecycle event through JetStream so it is retained
// for replay, and applies it to the local replica immediately so the
// transport's own operations observe it without waiting for the replay.
func (t *Transport) announce(eid identifier.EntityID, mro []string) error {
	event := registryEvent{
		Entity: eid.String(),
		Status: exchange.MailboxActive.String(),
		MRO:    mro,
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := t.js.Publish(t.factory.registrySubject(), data); err != nil {
		return fmt.Errorf("announce mailbox: %w", err)
	}
	t.applyLocal(eid, mro, false)
	return nil
}

// applyLocal folds a self-issued event into the replica. The replayed copy
// arriving later is idempotent.
func (t *Transport) applyLocal(eid identifier.EntityID, mro []string, terminated bool) {
	t.mu.Lock()
	key := eid.UUID().String()
	e, ok := t.replica[key]
	if !ok {
		e = &entry{id: eid}
		t.replica[key] = e
	}
	if len(mro) > 0 {
		e.mro = mro
	}
	e.terminated = terminated
	t.mu.Unlock()

	if terminated && eid.UUID() == t.mailboxID.UUID() {
		t.inbox.Close()
	}
}

func (t *Transport) MailboxID() identifier.EntityID { return t.mailboxID }

func (t *Transport) Factory() exchange.Factory {
	f := t.factory
	return &f
}

func (t *Transport) lookup(uid identifier.EntityID) (*entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.replica[uid.UUID().String()]
	return e, ok
}

func (t *Transport) RegisterAgent(_ context.Context, mro []string, name string, agentID *identifier.AgentID) (*exchange.AgentRegistration, error) {
	aid := identifier.NewAgentID(name)
	if agentID != nil {
		aid = *agentID
	}
	if err := t.announce(aid, mro); err != nil {
		return nil, err
	}
	return &exchange.AgentRegistration{AgentID: aid, BehaviorMRO: mro, CreatedAt: time.Now()}, nil
}

func (t *Transport) Discover(_ context.Context, behavior string, allowSubclasses bool) ([]identifier.AgentID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var found []identifier.AgentID
	for _, e := range t.replica {
		aid, ok := e.id.(identifier.AgentID)
		if !ok || e.terminated || len(e.mro) == 0 {
			continue
		}
		match := e.mro[0] == behavior
		if !match && allowSubclasses {
			for _, name := range e.mro[1:] {
				if name == behavior {
					match = true
					break
				}
			}
		}
		if match {
			found = append(found, aid)
		}
	}
	return found, nil
}

func (t *Transport) Send(_ context.Context, msg *message.Message) error {
	e, ok := t.lookup(msg.Dest)
	if !ok {
		return fmt.Errorf("%w: %s", exchange.ErrBadEntityID, msg.Dest)
	}
	if e.terminated {
		return fmt.Errorf("%w: %s", exchange.ErrMailboxClosed, msg.Dest)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if err := t.nc.Publish(t.factory.mailboxSubject(msg.Dest), data); err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	return nil
}

func (t *Transport) Recv(_ context.Context) (*message.Message, error) {
	msg, err := t.inbox.Get(queue.NoTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", exchange.ErrMailboxClosed, t.mailboxID)
	}
	return msg, nil
}

func (t *Transport) Status(_ context.Context, uid identifier.EntityID) (exchange.MailboxStatus, error) {
	e, ok := t.lookup(uid)
	switch {
	case !ok:
		return exchange.MailboxMissing, nil
	case e.terminated:
		return exchange.MailboxTerminated, nil
	default:
		return exchange.MailboxActive, nil
	}
}

// Terminate announces a mailbox's termination. Unknown mailboxes are a
// no-op so repeated terminates stay idempotent.
func (t *Transport) Terminate(_ context.Context, uid identifier.EntityID) error {
	if _, ok := t.lookup(uid); !ok {
		return nil
	}
	event := registryEvent{Entity: uid.String(), Status: exchange.MailboxTerminated.String()}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := t.js.Publish(t.factory.registrySubject(), data); err != nil {
		return fmt.Errorf("announce termination: %w", err)
	}
	t.applyLocal(uid, nil, true)
	return nil
}

func (t *Transport) Close() error {
	t.close()
	return nil
}

func (t *Transport) close() {
	if t.mailboxSub != nil {
		_ = t.mailboxSub.Unsubscribe()
	}
	if t.registrySub != nil {
		_ = t.registrySub.Unsubscribe()
	}
	t.inbox.Close()
	t.nc.Close()
}
