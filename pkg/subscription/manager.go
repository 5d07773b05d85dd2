// Package subscription tracks each connection's active subscriptions and
// fans newly stored events out to matching connections. The connection→filter
// table is the one piece of shared mutable state in the relay: structural
// mutations (subscribe, unsubscribe, disconnect) take the write lock while
// broadcast fan-out reads under the read lock.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/starcom-labs/relaynode/pkg/event"
)

// ErrFilterTooBroad rejects a subscribe request whose filter set would force
// an unbounded historical scan.
var ErrFilterTooBroad = errors.New("filter too broad")

// ErrUnknownConnection is returned for operations on unregistered connections.
var ErrUnknownConnection = errors.New("unknown connection")

// Sender is the outbound half of a connection session. Implementations must
// not block indefinitely; a slow consumer is the session's problem, not the
// broadcast path's.
type Sender interface {
	SendEvent(subscriptionID string, ev *event.Event) error
	SendEndOfBacklog(subscriptionID string) error
}

// Querier answers bounded historical queries (the event store).
type Querier interface {
	Query(ctx context.Context, filters []event.Filter, limit int) ([]*event.Event, error)
}

// Authorizer gates read visibility per connection identity.
type Authorizer interface {
	AuthorizeRead(ctx context.Context, ev *event.Event, identity string) bool
}

// Options tunes backlog delivery.
type Options struct {
	BacklogLimit int  // hard cap on historical events per subscribe
	OldestFirst  bool // backlog order; default is newest-first
}

type connection struct {
	identity      string
	sender        Sender
	subscriptions map[string][]event.Filter
}

// Manager owns the connection→subscription table.
type Manager struct {
	store  Querier
	access Authorizer
	opts   Options
	log    *slog.Logger

	mu    sync.RWMutex
	conns map[string]*connection

	deliveryAttempts atomic.Int64
}

// NewManager wires the manager to its store and access layer.
func NewManager(store Querier, access Authorizer, opts Options) *Manager {
	if opts.BacklogLimit <= 0 {
		opts.BacklogLimit = 500
	}
	return &Manager{
		store:  store,
		access: access,
		opts:   opts,
		log:    slog.Default().With("component", "subscriptions"),
		conns:  make(map[string]*connection),
	}
}

// Register adds a connection before any subscribe can reference it.
func (m *Manager) Register(connectionID, identity string, sender Sender) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[connectionID] = &connection{
		identity:      identity,
		sender:        sender,
		subscriptions: make(map[string][]event.Filter),
	}
}

// Subscribe registers the filter set (replacing any subscription with the
// same id), streams the matching backlog, and finishes with the
// end-of-backlog marker. The backlog is bounded; truncation still ends with
// the marker so the client can tell live mode has begun.
func (m *Manager) Subscribe(ctx context.Context, connectionID, subscriptionID string, filters []event.Filter) error {
	if len(filters) == 0 {
		return ErrFilterTooBroad
	}

	m.mu.Lock()
	conn, ok := m.conns[connectionID]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownConnection
	}
	conn.subscriptions[subscriptionID] = filters
	identity, sender := conn.identity, conn.sender
	m.mu.Unlock()

	backlog, err := m.store.Query(ctx, filters, m.opts.BacklogLimit)
	if err != nil {
		// The subscription stays live; the client just gets no backlog.
		m.log.Warn("backlog query failed", "subscription", subscriptionID, "error", err)
		backlog = nil
	}
	if m.opts.OldestFirst {
		reverse(backlog)
	}

	for _, ev := range backlog {
		if !m.access.AuthorizeRead(ctx, ev, identity) {
			continue
		}
		m.deliveryAttempts.Add(1)
		if err := sender.SendEvent(subscriptionID, ev); err != nil {
			return fmt.Errorf("backlog push: %w", err)
		}
	}
	return sender.SendEndOfBacklog(subscriptionID)
}

// Unsubscribe removes one subscription. Returns false if it did not exist.
func (m *Manager) Unsubscribe(connectionID, subscriptionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.conns[connectionID]
	if !ok {
		return false
	}
	if _, ok := conn.subscriptions[subscriptionID]; !ok {
		return false
	}
	delete(conn.subscriptions, subscriptionID)
	return true
}

// DropConnection removes the connection and every subscription it owns. It
// runs synchronously during teardown: once it returns, no fan-out can target
// the connection.
func (m *Manager) DropConnection(connectionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conns, connectionID)
}

type target struct {
	identity       string
	sender         Sender
	subscriptionID string
}

// OnNewEvent pushes a freshly stored event to every connection with a
// matching subscription, at most once per connection even when several of
// its filters match. Access control runs before the push; a denied
// connection receives nothing and no error.
func (m *Manager) OnNewEvent(ctx context.Context, ev *event.Event) {
	m.mu.RLock()
	var targets []target
	for _, conn := range m.conns {
		subIDs := make([]string, 0, len(conn.subscriptions))
		for subID := range conn.subscriptions {
			subIDs = append(subIDs, subID)
		}
		sort.Strings(subIDs)
		for _, subID := range subIDs {
			if event.MatchesAny(ev, conn.subscriptions[subID]) {
				targets = append(targets, target{conn.identity, conn.sender, subID})
				break
			}
		}
	}
	m.mu.RUnlock()

	// Sends happen outside the lock so a slow socket cannot stall
	// subscribe/unsubscribe on other connections.
	for _, t := range targets {
		if !m.access.AuthorizeRead(ctx, ev, t.identity) {
			continue
		}
		m.deliveryAttempts.Add(1)
		if err := t.sender.SendEvent(t.subscriptionID, ev); err != nil {
			m.log.Debug("live push failed", "subscription", t.subscriptionID, "error", err)
		}
	}
}

// ConnectionCount returns the number of registered connections.
func (m *Manager) ConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// SubscriptionCount returns the number of live subscriptions.
func (m *Manager) SubscriptionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, conn := range m.conns {
		n += len(conn.subscriptions)
	}
	return n
}

// DeliveryAttempts returns the cumulative number of push attempts.
func (m *Manager) DeliveryAttempts() int64 {
	return m.deliveryAttempts.Load()
}

func reverse(events []*event.Event) {
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
}
