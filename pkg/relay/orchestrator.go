// Package relay wires the validator, access control, event store and
// subscription manager into the publish pipeline and runs the per-connection
// websocket sessions.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/starcom-labs/relaynode/pkg/access"
	"github.com/starcom-labs/relaynode/pkg/event"
	"github.com/starcom-labs/relaynode/pkg/observability"
	"github.com/starcom-labs/relaynode/pkg/store"
)

// EventStore is the durable half of the pipeline.
type EventStore interface {
	Store(ctx context.Context, ev *event.Event) (store.Outcome, error)
	DeleteEffective(ctx context.Context, targetID, author, reasonEvent string) (bool, error)
}

// Broadcaster fans a stored event out to live subscribers.
type Broadcaster interface {
	OnNewEvent(ctx context.Context, ev *event.Event)
}

// PublishAuthorizer gates the store step.
type PublishAuthorizer interface {
	AuthorizePublish(ctx context.Context, ev *event.Event, identity string) error
}

// Ack is the outcome of one publish attempt, reported to the originating
// connection as an OK frame.
type Ack struct {
	EventID  string
	Accepted bool
	Message  string
}

// Orchestrator drives each publish through
// Validate → Authorize → Store → Broadcast, in that order. An event is never
// broadcast before it is durably stored, and never stored before it is both
// structurally valid and authorized.
type Orchestrator struct {
	validator  *event.Validator
	access     PublishAuthorizer
	store      EventStore
	subs       Broadcaster
	metrics    *observability.Pipeline
	log        *slog.Logger
	maxRetries int
	backoff    time.Duration
	sleep      func(time.Duration)
}

// NewOrchestrator wires the pipeline. metrics may be nil.
func NewOrchestrator(v *event.Validator, ac PublishAuthorizer, st EventStore, subs Broadcaster, metrics *observability.Pipeline) *Orchestrator {
	return &Orchestrator{
		validator:  v,
		access:     ac,
		store:      st,
		subs:       subs,
		metrics:    metrics,
		log:        slog.Default().With("component", "orchestrator"),
		maxRetries: 3,
		backoff:    50 * time.Millisecond,
		sleep:      time.Sleep,
	}
}

// WithRetryPolicy overrides the transient-fault retry policy.
func (o *Orchestrator) WithRetryPolicy(maxRetries int, backoff time.Duration) *Orchestrator {
	o.maxRetries = maxRetries
	o.backoff = backoff
	return o
}

// Publish runs the pipeline for one raw wire-format event. A rejection at
// any gate terminates the attempt with no partial effects.
func (o *Orchestrator) Publish(ctx context.Context, rawEvent []byte, identity string) Ack {
	ev, err := o.validator.Validate(rawEvent)
	if err != nil {
		o.metrics.RecordRejected(ctx, "validate")
		return rejectedAck(ev, err)
	}

	if err := o.access.AuthorizePublish(ctx, ev, identity); err != nil {
		o.metrics.RecordRejected(ctx, "authorize")
		o.log.Info("publish denied", "event", ev.ID, "identity", identity)
		return Ack{EventID: ev.ID, Accepted: false, Message: "restricted: " + reason(err)}
	}

	started := time.Now()
	outcome, err := o.storeWithRetry(ctx, ev)
	if err != nil {
		o.metrics.RecordRejected(ctx, "store")
		o.log.Error("durable write failed", "event", ev.ID, "error", err)
		return Ack{EventID: ev.ID, Accepted: false, Message: "error: store unavailable"}
	}
	o.metrics.RecordStored(ctx, time.Since(started))

	if outcome == store.DuplicateIgnored {
		return Ack{EventID: ev.ID, Accepted: true, Message: "duplicate: already have this event"}
	}

	if ev.Kind == event.KindDeletion {
		o.applyDeletion(ctx, ev)
	}

	o.subs.OnNewEvent(ctx, ev)
	o.metrics.RecordBroadcast(ctx)
	return Ack{EventID: ev.ID, Accepted: true, Message: ""}
}

// storeWithRetry retries transient store faults a bounded number of times
// with exponential backoff and jitter before giving up.
func (o *Orchestrator) storeWithRetry(ctx context.Context, ev *event.Event) (store.Outcome, error) {
	var lastErr error
	for attempt := 0; attempt <= o.maxRetries; attempt++ {
		outcome, err := o.store.Store(ctx, ev)
		if err == nil {
			return outcome, nil
		}
		lastErr = err
		if !errors.Is(err, store.ErrUnavailable) {
			return 0, err
		}
		if attempt == o.maxRetries {
			break
		}
		delay := o.backoff * (1 << attempt)
		delay += time.Duration(rand.Int63n(int64(o.backoff)))
		o.log.Warn("store unavailable, retrying", "event", ev.ID, "attempt", attempt+1, "delay", delay)
		o.sleep(delay)
	}
	return 0, fmt.Errorf("store failed after %d attempts: %w", o.maxRetries+1, lastErr)
}

// applyDeletion tombstones every target the deletion event references and is
// authored by. Targets by other authors are ignored, not errors.
func (o *Orchestrator) applyDeletion(ctx context.Context, ev *event.Event) {
	for _, targetID := range ev.DeletionTargets() {
		applied, err := o.store.DeleteEffective(ctx, targetID, ev.Author, ev.ID)
		if err != nil {
			o.log.Error("tombstone failed", "target", targetID, "error", err)
			continue
		}
		if applied {
			o.log.Info("event tombstoned", "target", targetID, "by", ev.ID)
		}
	}
}

func rejectedAck(ev *event.Event, err error) Ack {
	id := ""
	if ev != nil {
		id = ev.ID
	}
	return Ack{EventID: id, Accepted: false, Message: "invalid: " + reason(err)}
}

func reason(err error) string {
	switch {
	case errors.Is(err, event.ErrMalformedEvent):
		return "malformed event"
	case errors.Is(err, event.ErrIDMismatch):
		return "id mismatch"
	case errors.Is(err, event.ErrInvalidSignature):
		return "bad signature"
	case errors.Is(err, event.ErrTimestampOutOfRange):
		return "timestamp out of range"
	case errors.Is(err, access.ErrAccessDenied):
		return "access denied"
	default:
		return err.Error()
	}
}
