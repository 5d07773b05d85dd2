package subscription

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starcom-labs/relaynode/pkg/event"
)

type recordedPush struct {
	subscriptionID string
	eventID        string
}

// fakeSender records pushes and end-of-backlog markers in order.
type fakeSender struct {
	mu      sync.Mutex
	pushes  []recordedPush
	eob     []string
	sendErr error
}

func (s *fakeSender) SendEvent(subID string, ev *event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.pushes = append(s.pushes, recordedPush{subID, ev.ID})
	return nil
}

func (s *fakeSender) SendEndOfBacklog(subID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eob = append(s.eob, subID)
	return nil
}

func (s *fakeSender) pushed() []recordedPush {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]recordedPush(nil), s.pushes...)
}

// fakeQuerier serves a canned backlog, newest-first like the store.
type fakeQuerier struct {
	backlog []*event.Event
	err     error
	lastLim int
}

func (q *fakeQuerier) Query(_ context.Context, _ []event.Filter, limit int) ([]*event.Event, error) {
	q.lastLim = limit
	if q.err != nil {
		return nil, q.err
	}
	if len(q.backlog) > limit {
		return q.backlog[:limit], nil
	}
	return q.backlog, nil
}

// openAccess permits everything except identities listed in denied.
type openAccess struct {
	denied map[string]bool
}

func (a *openAccess) AuthorizeRead(_ context.Context, _ *event.Event, identity string) bool {
	return !a.denied[identity]
}

func note(id string, createdAt int64) *event.Event {
	return &event.Event{ID: id, Kind: event.KindTextNote, CreatedAt: createdAt, ReceivedAt: createdAt}
}

func newTestManager(q Querier, opts Options) *Manager {
	return NewManager(q, &openAccess{}, opts)
}

func TestSubscribeStreamsBacklogThenMarker(t *testing.T) {
	q := &fakeQuerier{backlog: []*event.Event{note("c", 3), note("b", 2), note("a", 1)}}
	m := newTestManager(q, Options{})
	sender := &fakeSender{}
	m.Register("conn-1", "alice", sender)

	err := m.Subscribe(context.Background(), "conn-1", "sub-1", []event.Filter{{Kinds: []int{event.KindTextNote}}})
	require.NoError(t, err)

	assert.Equal(t, []recordedPush{
		{"sub-1", "c"},
		{"sub-1", "b"},
		{"sub-1", "a"},
	}, sender.pushed(), "backlog arrives newest-first by default")
	assert.Equal(t, []string{"sub-1"}, sender.eob)
	assert.Equal(t, 1, m.SubscriptionCount())
}

func TestSubscribeOldestFirstOption(t *testing.T) {
	q := &fakeQuerier{backlog: []*event.Event{note("c", 3), note("b", 2), note("a", 1)}}
	m := newTestManager(q, Options{OldestFirst: true})
	sender := &fakeSender{}
	m.Register("conn-1", "alice", sender)

	require.NoError(t, m.Subscribe(context.Background(), "conn-1", "sub-1", []event.Filter{{}}))
	assert.Equal(t, []recordedPush{
		{"sub-1", "a"},
		{"sub-1", "b"},
		{"sub-1", "c"},
	}, sender.pushed())
}

func TestSubscribeRejectsEmptyFilterSet(t *testing.T) {
	m := newTestManager(&fakeQuerier{}, Options{})
	sender := &fakeSender{}
	m.Register("conn-1", "alice", sender)

	err := m.Subscribe(context.Background(), "conn-1", "sub-1", nil)
	assert.ErrorIs(t, err, ErrFilterTooBroad)
	assert.Zero(t, m.SubscriptionCount())
}

func TestSubscribeUnknownConnection(t *testing.T) {
	m := newTestManager(&fakeQuerier{}, Options{})
	err := m.Subscribe(context.Background(), "ghost", "sub-1", []event.Filter{{}})
	assert.ErrorIs(t, err, ErrUnknownConnection)
}

func TestSubscribeSurvivesBacklogFailure(t *testing.T) {
	q := &fakeQuerier{err: errors.New("store down")}
	m := newTestManager(q, Options{})
	sender := &fakeSender{}
	m.Register("conn-1", "alice", sender)

	// The subscription goes live with no backlog, and the marker still fires.
	require.NoError(t, m.Subscribe(context.Background(), "conn-1", "sub-1", []event.Filter{{}}))
	assert.Empty(t, sender.pushed())
	assert.Equal(t, []string{"sub-1"}, sender.eob)

	m.OnNewEvent(context.Background(), note("live", 10))
	assert.Equal(t, []recordedPush{{"sub-1", "live"}}, sender.pushed())
}

func TestSubscribeReplacesSameID(t *testing.T) {
	m := newTestManager(&fakeQuerier{}, Options{})
	sender := &fakeSender{}
	m.Register("conn-1", "alice", sender)
	ctx := context.Background()

	require.NoError(t, m.Subscribe(ctx, "conn-1", "sub-1", []event.Filter{{Kinds: []int{event.KindTextNote}}}))
	require.NoError(t, m.Subscribe(ctx, "conn-1", "sub-1", []event.Filter{{Kinds: []int{event.KindEvidence}}}))
	assert.Equal(t, 1, m.SubscriptionCount())

	// Only the replacement filter is live.
	m.OnNewEvent(ctx, note("n", 10))
	m.OnNewEvent(ctx, &event.Event{ID: "ev", Kind: event.KindEvidence})
	assert.Equal(t, []recordedPush{{"sub-1", "ev"}}, sender.pushed())
}

func TestBacklogRespectsLimit(t *testing.T) {
	q := &fakeQuerier{backlog: []*event.Event{note("c", 3), note("b", 2), note("a", 1)}}
	m := newTestManager(q, Options{BacklogLimit: 2})
	sender := &fakeSender{}
	m.Register("conn-1", "alice", sender)

	require.NoError(t, m.Subscribe(context.Background(), "conn-1", "sub-1", []event.Filter{{}}))
	assert.Equal(t, 2, q.lastLim)
	assert.Len(t, sender.pushed(), 2)
	assert.Equal(t, []string{"sub-1"}, sender.eob, "truncated backlog still ends with the marker")
}

func TestOnNewEventAtMostOncePerConnection(t *testing.T) {
	m := newTestManager(&fakeQuerier{}, Options{})
	sender := &fakeSender{}
	m.Register("conn-1", "alice", sender)
	ctx := context.Background()

	// Two overlapping subscriptions on the same connection.
	require.NoError(t, m.Subscribe(ctx, "conn-1", "sub-a", []event.Filter{{Kinds: []int{event.KindTextNote}}}))
	require.NoError(t, m.Subscribe(ctx, "conn-1", "sub-b", []event.Filter{{Authors: []string{"alice"}}}))

	ev := note("x", 10)
	ev.Author = "alice"
	m.OnNewEvent(ctx, ev)

	pushes := sender.pushed()
	require.Len(t, pushes, 1, "overlapping filters deliver once")
	assert.Equal(t, "sub-a", pushes[0].subscriptionID, "lowest subscription id wins")
}

func TestOnNewEventFansOutToAllConnections(t *testing.T) {
	m := newTestManager(&fakeQuerier{}, Options{})
	ctx := context.Background()

	senders := map[string]*fakeSender{}
	for _, id := range []string{"conn-1", "conn-2", "conn-3"} {
		s := &fakeSender{}
		senders[id] = s
		m.Register(id, "user-"+id, s)
		require.NoError(t, m.Subscribe(ctx, id, "sub", []event.Filter{{Kinds: []int{event.KindTextNote}}}))
	}
	// conn-3 watches a different kind.
	require.NoError(t, m.Subscribe(ctx, "conn-3", "sub", []event.Filter{{Kinds: []int{event.KindEvidence}}}))

	m.OnNewEvent(ctx, note("n", 10))
	assert.Len(t, senders["conn-1"].pushed(), 1)
	assert.Len(t, senders["conn-2"].pushed(), 1)
	assert.Empty(t, senders["conn-3"].pushed())
}

func TestOnNewEventSkipsUnauthorizedReader(t *testing.T) {
	access := &openAccess{denied: map[string]bool{"bob": true}}
	m := NewManager(&fakeQuerier{}, access, Options{})
	ctx := context.Background()

	alice, bob := &fakeSender{}, &fakeSender{}
	m.Register("conn-a", "alice", alice)
	m.Register("conn-b", "bob", bob)
	require.NoError(t, m.Subscribe(ctx, "conn-a", "sub", []event.Filter{{}}))
	require.NoError(t, m.Subscribe(ctx, "conn-b", "sub", []event.Filter{{}}))

	m.OnNewEvent(ctx, note("n", 10))
	assert.Len(t, alice.pushed(), 1)
	assert.Empty(t, bob.pushed(), "denied silently, no error frame")
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	m := newTestManager(&fakeQuerier{}, Options{})
	sender := &fakeSender{}
	m.Register("conn-1", "alice", sender)
	ctx := context.Background()

	require.NoError(t, m.Subscribe(ctx, "conn-1", "sub-1", []event.Filter{{}}))
	assert.True(t, m.Unsubscribe("conn-1", "sub-1"))
	assert.False(t, m.Unsubscribe("conn-1", "sub-1"), "second unsubscribe is a no-op")
	assert.False(t, m.Unsubscribe("ghost", "sub-1"))

	m.OnNewEvent(ctx, note("n", 10))
	assert.Empty(t, sender.pushed())
}

func TestDropConnectionCleansEverything(t *testing.T) {
	m := newTestManager(&fakeQuerier{}, Options{})
	sender := &fakeSender{}
	m.Register("conn-1", "alice", sender)
	ctx := context.Background()

	require.NoError(t, m.Subscribe(ctx, "conn-1", "sub-1", []event.Filter{{}}))
	require.NoError(t, m.Subscribe(ctx, "conn-1", "sub-2", []event.Filter{{}}))
	require.Equal(t, 1, m.ConnectionCount())

	m.DropConnection("conn-1")
	assert.Zero(t, m.ConnectionCount())
	assert.Zero(t, m.SubscriptionCount())

	before := m.DeliveryAttempts()
	m.OnNewEvent(ctx, note("n", 10))
	assert.Equal(t, before, m.DeliveryAttempts(), "no delivery attempts after disconnect")
	assert.Empty(t, sender.pushed())
}
