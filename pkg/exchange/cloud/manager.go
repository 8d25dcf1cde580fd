package cloud

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/proxystore/academy/pkg/exchange"
	"github.com/proxystore/academy/pkg/identifier"
	"github.com/proxystore/academy/pkg/logging"
	"github.com/proxystore/academy/pkg/message"
	"github.com/proxystore/academy/pkg/metrics"
	"github.com/proxystore/academy/pkg/queue"
)

// mailboxManager owns the server-side mailbox table: queues, owner
// principals, and the behavior index used by discovery.
//
// A mailbox has at most one owner principal, recorded at creation. Any
// operation on that mailbox by a different principal fails with
// exchange.ErrForbidden. When no auth middleware is installed every caller
// presents the same implicit principal, so the checks degrade to allow-all.
type mailboxManager struct {
	mu        sync.Mutex
	owners    map[uuid.UUID]string
	mailboxes map[uuid.UUID]*queue.Queue[*message.Message]
	agents    map[uuid.UUID]identifier.AgentID
	behaviors map[uuid.UUID][]string

	logger  logging.Logger
	metrics *metrics.Metrics
}

func newMailboxManager(logger logging.Logger) *mailboxManager {
	return &mailboxManager{
		owners:    make(map[uuid.UUID]string),
		mailboxes: make(map[uuid.UUID]*queue.Queue[*message.Message]),
		agents:    make(map[uuid.UUID]identifier.AgentID),
		behaviors: make(map[uuid.UUID][]string),
		logger:    logger,
		metrics:   metrics.Get(),
	}
}

// hasPermission is called with the manager lock held.
func (m *mailboxManager) hasPermission(client string, uid uuid.UUID) bool {
	owner, recorded := m.owners[uid]
	return !recorded || owner == client
}

// createMailbox creates a mailbox, or revives a terminated one with a fresh
// queue. Creating an existing active mailbox is a no-op.
func (m *mailboxManager) createMailbox(client string, eid identifier.EntityID, mro []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	uid := eid.UUID()
	if !m.hasPermission(client, uid) {
		return exchange.ErrForbidden
	}
	if q, ok := m.mailboxes[uid]; ok && !q.Closed() {
		return nil
	}
	m.mailboxes[uid] = queue.New[*message.Message]()
	m.owners[uid] = client
	if aid, ok := eid.(identifier.AgentID); ok {
		m.agents[uid] = aid
		if mro != nil {
			m.behaviors[uid] = mro
		}
	}
	m.metrics.MailboxCount.Set(float64(len(m.mailboxes)))
	m.logger.Infof("created mailbox for %s", eid)
	return nil
}

// checkMailbox reports a mailbox's lifecycle position.
func (m *mailboxManager) checkMailbox(client string, uid uuid.UUID) (exchange.MailboxStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.mailboxes[uid]
	if !ok {
		return exchange.MailboxMissing, nil
	}
	if !m.hasPermission(client, uid) {
		return 0, exchange.ErrForbidden
	}
	if q.Closed() {
		return exchange.MailboxTerminated, nil
	}
	return exchange.MailboxActive, nil
}

// terminate closes a mailbox. Missing mailboxes are a no-op so terminate is
// idempotent from the caller's point of view.
func (m *mailboxManager) terminate(client string, uid uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasPermission(client, uid) {
		return exchange.ErrForbidden
	}
	if q, ok := m.mailboxes[uid]; ok {
		q.Close()
		m.logger.Infof("closed mailbox for %s", uid)
	}
	return nil
}

// discover lists active agents whose MRO includes behavior, filtered by the
// caller's permissions. allowSubclasses widens the match beyond index 0.
func (m *mailboxManager) discover(client string, behavior string, allowSubclasses bool) []identifier.AgentID {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found []identifier.AgentID
	for uid, mro := range m.behaviors {
		if !m.hasPermission(client, uid) {
			continue
		}
		q, ok := m.mailboxes[uid]
		if !ok || q.Closed() || len(mro) == 0 {
			continue
		}
		match := mro[0] == behavior
		if !match && allowSubclasses {
			for _, name := range mro[1:] {
				if name == behavior {
					match = true
					break
				}
			}
		}
		if match {
			found = append(found, m.agents[uid])
		}
	}
	return found
}

// get dequeues the next message for a mailbox, waiting up to timeout.
func (m *mailboxManager) get(client string, uid uuid.UUID, timeout time.Duration) (*message.Message, error) {
	m.mu.Lock()
	if !m.hasPermission(client, uid) {
		m.mu.Unlock()
		return nil, exchange.ErrForbidden
	}
	q, ok := m.mailboxes[uid]
	m.mu.Unlock()
	if !ok {
		return nil, exchange.ErrBadEntityID
	}

	msg, err := q.Get(timeout)
	switch {
	case err == nil:
		return msg, nil
	case err == queue.ErrClosed:
		return nil, exchange.ErrMailboxClosed
	default:
		m.metrics.RecvTimeouts.Inc()
		return nil, exchange.ErrRecvTimeout
	}
}

// put enqueues a message to its destination mailbox.
func (m *mailboxManager) put(client string, msg *message.Message) error {
	uid := msg.Dest.UUID()
	m.mu.Lock()
	if !m.hasPermission(client, uid) {
		m.mu.Unlock()
		return exchange.ErrForbidden
	}
	q, ok := m.mailboxes[uid]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", exchange.ErrBadEntityID, msg.Dest)
	}
	if err := q.Put(msg); err != nil {
		return fmt.Errorf("%w: %s", exchange.ErrMailboxClosed, msg.Dest)
	}
	m.metrics.MessagesEnqueued.WithLabelValues(msg.Body.Kind()).Inc()
	return nil
}
