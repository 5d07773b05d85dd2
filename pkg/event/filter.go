package event

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Filter is a query predicate. A filter matches an event iff every non-empty
// field constrains to a value present on the event; empty fields impose no
// constraint. Time bounds are inclusive on Since, exclusive on Until.
//
// On the wire, per-tag constraints are encoded as "#<key>" properties, e.g.
// {"kinds":[1],"#team":["alpha"]}.
type Filter struct {
	IDs     []string
	Authors []string
	Kinds   []int
	Tags    map[string][]string
	Since   *int64
	Until   *int64
	Limit   int
}

// Matches reports whether e satisfies every non-empty field of f.
func (f *Filter) Matches(e *Event) bool {
	if len(f.IDs) > 0 && !containsString(f.IDs, e.ID) {
		return false
	}
	if len(f.Authors) > 0 && !containsString(f.Authors, e.Author) {
		return false
	}
	if len(f.Kinds) > 0 && !containsInt(f.Kinds, e.Kind) {
		return false
	}
	if f.Since != nil && e.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && e.CreatedAt >= *f.Until {
		return false
	}
	for key, values := range f.Tags {
		if len(values) == 0 {
			continue
		}
		if !hasTagValue(e, key, values) {
			return false
		}
	}
	return true
}

// MatchesAny reports whether e satisfies at least one filter in the set,
// short-circuiting on the first match.
func MatchesAny(e *Event, filters []Filter) bool {
	for i := range filters {
		if filters[i].Matches(e) {
			return true
		}
	}
	return false
}

// Constrained reports whether the filter carries at least one predicate.
func (f *Filter) Constrained() bool {
	return len(f.IDs) > 0 || len(f.Authors) > 0 || len(f.Kinds) > 0 ||
		len(f.Tags) > 0 || f.Since != nil || f.Until != nil
}

func hasTagValue(e *Event, key string, values []string) bool {
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == key && containsString(values, tag[1]) {
			return true
		}
	}
	return false
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func containsInt(haystack []int, needle int) bool {
	for _, n := range haystack {
		if n == needle {
			return true
		}
	}
	return false
}

type filterWire struct {
	IDs     []string `json:"ids,omitempty"`
	Authors []string `json:"authors,omitempty"`
	Kinds   []int    `json:"kinds,omitempty"`
	Since   *int64   `json:"since,omitempty"`
	Until   *int64   `json:"until,omitempty"`
	Limit   int      `json:"limit,omitempty"`
}

// MarshalJSON encodes the filter with "#key" tag properties.
func (f Filter) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage)
	base, err := json.Marshal(filterWire{
		IDs: f.IDs, Authors: f.Authors, Kinds: f.Kinds,
		Since: f.Since, Until: f.Until, Limit: f.Limit,
	})
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(base, &out); err != nil {
		return nil, err
	}
	for key, values := range f.Tags {
		raw, err := json.Marshal(values)
		if err != nil {
			return nil, err
		}
		out["#"+key] = raw
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the wire form, splitting "#key" properties into Tags.
func (f *Filter) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	var wire filterWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	f.IDs, f.Authors, f.Kinds = wire.IDs, wire.Authors, wire.Kinds
	f.Since, f.Until, f.Limit = wire.Since, wire.Until, wire.Limit
	f.Tags = nil

	for key, raw := range fields {
		if !strings.HasPrefix(key, "#") || len(key) < 2 {
			continue
		}
		var values []string
		if err := json.Unmarshal(raw, &values); err != nil {
			return fmt.Errorf("tag constraint %q: %w", key, err)
		}
		if f.Tags == nil {
			f.Tags = make(map[string][]string)
		}
		f.Tags[key[1:]] = values
	}
	return nil
}
