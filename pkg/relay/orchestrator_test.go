package relay

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starcom-labs/relaynode/pkg/access"
	"github.com/starcom-labs/relaynode/pkg/event"
	"github.com/starcom-labs/relaynode/pkg/store"
)

// fakeStore scripts Store outcomes per call and records the pipeline's
// interaction order alongside the other fakes.
type fakeStore struct {
	trace    *[]string
	script   []error // error per Store call; nil means success
	outcome  store.Outcome
	attempts int
	deleted  [][3]string
}

func (f *fakeStore) Store(_ context.Context, ev *event.Event) (store.Outcome, error) {
	*f.trace = append(*f.trace, "store")
	idx := f.attempts
	f.attempts++
	if idx < len(f.script) && f.script[idx] != nil {
		return 0, f.script[idx]
	}
	return f.outcome, nil
}

func (f *fakeStore) DeleteEffective(_ context.Context, targetID, author, reasonEvent string) (bool, error) {
	f.deleted = append(f.deleted, [3]string{targetID, author, reasonEvent})
	return true, nil
}

type fakeBroadcaster struct {
	trace  *[]string
	events []*event.Event
}

func (f *fakeBroadcaster) OnNewEvent(_ context.Context, ev *event.Event) {
	*f.trace = append(*f.trace, "broadcast")
	f.events = append(f.events, ev)
}

type fakeAuthorizer struct {
	trace *[]string
	deny  bool
}

func (f *fakeAuthorizer) AuthorizePublish(_ context.Context, _ *event.Event, _ string) error {
	*f.trace = append(*f.trace, "authorize")
	if f.deny {
		return access.ErrAccessDenied
	}
	return nil
}

type pipelineFixture struct {
	orch  *Orchestrator
	store *fakeStore
	subs  *fakeBroadcaster
	auth  *fakeAuthorizer
	trace []string
}

func newPipeline(t *testing.T) *pipelineFixture {
	t.Helper()
	f := &pipelineFixture{}
	f.store = &fakeStore{trace: &f.trace, outcome: store.Inserted}
	f.subs = &fakeBroadcaster{trace: &f.trace}
	f.auth = &fakeAuthorizer{trace: &f.trace}

	validator := event.NewValidator(event.DefaultLimits()).WithClock(func() time.Time {
		return time.Unix(1700000000, 0)
	})
	f.orch = NewOrchestrator(validator, f.auth, f.store, f.subs, nil)
	f.orch.sleep = func(time.Duration) {}
	return f
}

func signedRaw(t *testing.T, priv *btcec.PrivateKey, kind int, tags [][]string, content string) []byte {
	t.Helper()
	ev := &event.Event{
		CreatedAt: 1700000000,
		Kind:      kind,
		Tags:      tags,
		Content:   content,
	}
	require.NoError(t, ev.Sign(priv))
	raw, err := json.Marshal(ev)
	require.NoError(t, err)
	return raw
}

func TestPublishRunsStagesInOrder(t *testing.T) {
	f := newPipeline(t)
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	ack := f.orch.Publish(context.Background(), signedRaw(t, priv, event.KindTextNote, nil, "hello"), "alice")
	assert.True(t, ack.Accepted)
	assert.Empty(t, ack.Message)
	assert.NotEmpty(t, ack.EventID)
	assert.Equal(t, []string{"authorize", "store", "broadcast"}, f.trace)
	require.Len(t, f.subs.events, 1)
	assert.Equal(t, ack.EventID, f.subs.events[0].ID)
}

func TestPublishRejectsInvalidBeforeAnySideEffect(t *testing.T) {
	f := newPipeline(t)
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	raw := signedRaw(t, priv, event.KindTextNote, nil, "hello")
	var ev event.Event
	require.NoError(t, json.Unmarshal(raw, &ev))
	ev.Content = "tampered"
	tampered, err := json.Marshal(&ev)
	require.NoError(t, err)

	ack := f.orch.Publish(context.Background(), tampered, "alice")
	assert.False(t, ack.Accepted)
	assert.Equal(t, "invalid: id mismatch", ack.Message)
	assert.Empty(t, f.trace, "rejection happens before authorize and store")
}

func TestPublishDeniedByAccessControl(t *testing.T) {
	f := newPipeline(t)
	f.auth.deny = true
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	ack := f.orch.Publish(context.Background(), signedRaw(t, priv, event.KindTextNote, [][]string{{"clearance", "secret"}}, "x"), "bob")
	assert.False(t, ack.Accepted)
	assert.Equal(t, "restricted: access denied", ack.Message)
	assert.Equal(t, []string{"authorize"}, f.trace, "denied events never reach the store")
}

func TestPublishRetriesTransientStoreFault(t *testing.T) {
	f := newPipeline(t)
	f.store.script = []error{store.ErrUnavailable, store.ErrUnavailable, nil}
	var delays []time.Duration
	f.orch.sleep = func(d time.Duration) { delays = append(delays, d) }
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	ack := f.orch.Publish(context.Background(), signedRaw(t, priv, event.KindTextNote, nil, "x"), "alice")
	assert.True(t, ack.Accepted)
	assert.Equal(t, 3, f.store.attempts)
	require.Len(t, delays, 2)
	assert.GreaterOrEqual(t, delays[1], delays[0], "backoff grows between attempts")
	assert.Equal(t, "broadcast", f.trace[len(f.trace)-1])
}

func TestPublishGivesUpAfterRetryBudget(t *testing.T) {
	f := newPipeline(t)
	f.orch.WithRetryPolicy(2, time.Millisecond)
	f.store.script = []error{store.ErrUnavailable, store.ErrUnavailable, store.ErrUnavailable}
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	ack := f.orch.Publish(context.Background(), signedRaw(t, priv, event.KindTextNote, nil, "x"), "alice")
	assert.False(t, ack.Accepted)
	assert.Equal(t, "error: store unavailable", ack.Message)
	assert.Equal(t, 3, f.store.attempts)
	assert.Empty(t, f.subs.events, "nothing is broadcast without a durable write")
}

func TestPublishDoesNotRetryPermanentStoreError(t *testing.T) {
	f := newPipeline(t)
	f.store.script = []error{errors.New("constraint violation")}
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	ack := f.orch.Publish(context.Background(), signedRaw(t, priv, event.KindTextNote, nil, "x"), "alice")
	assert.False(t, ack.Accepted)
	assert.Equal(t, 1, f.store.attempts)
}

func TestPublishDuplicateAcceptedWithoutBroadcast(t *testing.T) {
	f := newPipeline(t)
	f.store.outcome = store.DuplicateIgnored
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	ack := f.orch.Publish(context.Background(), signedRaw(t, priv, event.KindTextNote, nil, "x"), "alice")
	assert.True(t, ack.Accepted)
	assert.Equal(t, "duplicate: already have this event", ack.Message)
	assert.Empty(t, f.subs.events, "duplicates are acknowledged but not re-broadcast")
}

func TestPublishDeletionTombstonesTargets(t *testing.T) {
	f := newPipeline(t)
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	raw := signedRaw(t, priv, event.KindDeletion, [][]string{{"e", "target-1"}, {"e", "target-2"}}, "")
	ack := f.orch.Publish(context.Background(), raw, "alice")
	require.True(t, ack.Accepted)

	require.Len(t, f.store.deleted, 2)
	assert.Equal(t, "target-1", f.store.deleted[0][0])
	assert.Equal(t, "target-2", f.store.deleted[1][0])
	assert.Equal(t, ack.EventID, f.store.deleted[0][2], "tombstone records the deletion event")

	// The deletion event itself is stored and broadcast like any other.
	assert.Equal(t, []string{"authorize", "store", "broadcast"}, f.trace)
}
