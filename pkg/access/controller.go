package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/starcom-labs/relaynode/pkg/event"
)

// ErrAccessDenied is returned when a publish fails the clearance or team
// checks. Read-path denials are silent: the caller simply skips the event so
// no signal about its existence reaches the subscriber.
var ErrAccessDenied = errors.New("access denied")

const (
	defaultCacheSize = 4096
	defaultCacheTTL  = 30 * time.Second
)

// Controller enforces the clearance/team model. Directory lookups are
// absorbed by a bounded in-process TTL cache; a freshly revoked identity may
// therefore retain its previous access for up to the TTL.
type Controller struct {
	dir   Directory
	cache *expirable.LRU[string, Profile]
	log   *slog.Logger
}

// NewController wraps the directory with a TTL cache. A zero ttl or size
// selects the defaults.
func NewController(dir Directory, size int, ttl time.Duration) *Controller {
	if size <= 0 {
		size = defaultCacheSize
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &Controller{
		dir:   dir,
		cache: expirable.NewLRU[string, Profile](size, nil, ttl),
		log:   slog.Default().With("component", "access"),
	}
}

func (c *Controller) profile(ctx context.Context, identity string) (Profile, error) {
	if p, ok := c.cache.Get(identity); ok {
		return p, nil
	}
	p, err := c.dir.Lookup(ctx, identity)
	if err != nil {
		return Profile{}, err
	}
	c.cache.Add(identity, p)
	return p, nil
}

// EventClearance extracts the classification the event carries in its tags.
// The highest marker wins when several are present; untagged events default
// to the lowest level.
func EventClearance(ev *event.Event) Clearance {
	level := Unclassified
	for _, marker := range ev.TagValues(event.TagClearance) {
		if parsed := ParseClearance(marker); parsed > level {
			level = parsed
		}
	}
	return level
}

// AuthorizePublish decides whether the publishing identity may store the
// event: its clearance must dominate the event's clearance marker, and when
// the event is tagged with a team the identity must be a member. A directory
// outage fails closed.
func (c *Controller) AuthorizePublish(ctx context.Context, ev *event.Event, identity string) error {
	required := EventClearance(ev)
	team := ev.FirstTagValue(event.TagTeam)
	if required == Unclassified && team == "" {
		return nil
	}

	profile, err := c.profile(ctx, identity)
	if err != nil {
		c.log.Warn("directory lookup failed, denying publish", "identity", identity, "error", err)
		return fmt.Errorf("%w: %v", ErrAccessDenied, err)
	}
	if profile.Clearance < required {
		return fmt.Errorf("%w: insufficient clearance", ErrAccessDenied)
	}
	if team != "" && !profile.Member(team) {
		return fmt.Errorf("%w: not a member of team %s", ErrAccessDenied, team)
	}
	return nil
}

// AuthorizeRead decides whether a connection identity may see the event. It
// is the symmetric counterpart of AuthorizePublish and is applied at both
// historical-query time and live-broadcast time. Any failure, including a
// directory outage, denies.
func (c *Controller) AuthorizeRead(ctx context.Context, ev *event.Event, identity string) bool {
	required := EventClearance(ev)
	team := ev.FirstTagValue(event.TagTeam)
	if required == Unclassified && team == "" {
		return true
	}

	profile, err := c.profile(ctx, identity)
	if err != nil {
		c.log.Warn("directory lookup failed, denying read", "identity", identity, "error", err)
		return false
	}
	if profile.Clearance < required {
		return false
	}
	if team != "" && !profile.Member(team) {
		return false
	}
	return true
}
