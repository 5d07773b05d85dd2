package access

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Profile is the identity/authorization service's answer for one identity.
type Profile struct {
	Identity  string
	Clearance Clearance
	Teams     []string
}

// Member reports whether the profile carries the given team membership.
func (p Profile) Member(team string) bool {
	for _, t := range p.Teams {
		if t == team {
			return true
		}
	}
	return false
}

// ErrDirectoryUnavailable signals that the identity service could not be
// reached. Callers must fail closed (deny) on this error.
var ErrDirectoryUnavailable = errors.New("identity directory unavailable")

// Directory resolves an identity to its clearance and team memberships.
// A lookup for an unknown identity returns the anonymous profile, not an
// error; errors are reserved for the directory itself being unreachable.
type Directory interface {
	Lookup(ctx context.Context, identity string) (Profile, error)
}

// RedisDirectory reads profiles from a Redis hash per identity:
//
//	HGETALL identity:<pubkey>  ->  {clearance: "secret", teams: "alpha,bravo"}
//
// A missing hash resolves to the anonymous profile.
type RedisDirectory struct {
	client *redis.Client
}

// NewRedisDirectory connects a directory backed by the given Redis instance.
func NewRedisDirectory(addr, password string, db int) *RedisDirectory {
	return &RedisDirectory{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

// Lookup implements Directory.
func (d *RedisDirectory) Lookup(ctx context.Context, identity string) (Profile, error) {
	fields, err := d.client.HGetAll(ctx, "identity:"+identity).Result()
	if err != nil {
		return Profile{}, fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
	}
	profile := Profile{Identity: identity, Clearance: Unclassified}
	if len(fields) == 0 {
		return profile, nil
	}
	profile.Clearance = ParseClearance(fields["clearance"])
	if teams := strings.TrimSpace(fields["teams"]); teams != "" {
		profile.Teams = strings.Split(teams, ",")
	}
	return profile, nil
}

// Close releases the underlying Redis connection.
func (d *RedisDirectory) Close() error {
	return d.client.Close()
}

// StaticDirectory serves profiles from an in-memory table. Used for
// development deployments and tests.
type StaticDirectory struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

// NewStaticDirectory builds a directory from the given profiles.
func NewStaticDirectory(profiles ...Profile) *StaticDirectory {
	d := &StaticDirectory{profiles: make(map[string]Profile, len(profiles))}
	for _, p := range profiles {
		d.profiles[p.Identity] = p
	}
	return d
}

// Put inserts or replaces a profile.
func (d *StaticDirectory) Put(p Profile) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.profiles[p.Identity] = p
}

// Lookup implements Directory.
func (d *StaticDirectory) Lookup(_ context.Context, identity string) (Profile, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if p, ok := d.profiles[identity]; ok {
		return p, nil
	}
	return Profile{Identity: identity, Clearance: Unclassified}, nil
}
