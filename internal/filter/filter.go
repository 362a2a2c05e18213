// Package filter implements the conjunctive query predicate of the relay
// protocol, including the dynamic `#<tag>` JSON members.
package filter

import (
	"encoding/json"
	"fmt"

	"github.com/klingon-exchange/burrow/internal/event"
)

// Filter is a conjunction of optional predicates. An event matches iff every
// specified predicate holds.
type Filter struct {
	IDs     []string
	Authors []string
	Kinds   []uint16
	// Tags maps a single-character tag name (without the '#' prefix) to the
	// set of accepted values.
	Tags  map[string][]string
	Since *int64
	Until *int64
	Limit *int
}

type filterJSON struct {
	IDs     []string `json:"ids,omitempty"`
	Authors []string `json:"authors,omitempty"`
	Kinds   []uint16 `json:"kinds,omitempty"`
	Since   *int64   `json:"since,omitempty"`
	Until   *int64   `json:"until,omitempty"`
	Limit   *int     `json:"limit,omitempty"`
}

// UnmarshalJSON decodes the fixed members and collects `#x` members into Tags.
func (f *Filter) UnmarshalJSON(data []byte) error {
	var fixed filterJSON
	if err := json.Unmarshal(data, &fixed); err != nil {
		return fmt.Errorf("failed to decode filter: %w", err)
	}
	f.IDs = fixed.IDs
	f.Authors = fixed.Authors
	f.Kinds = fixed.Kinds
	f.Since = fixed.Since
	f.Until = fixed.Until
	f.Limit = fixed.Limit
	f.Tags = nil

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to decode filter: %w", err)
	}
	for key, value := range raw {
		if len(key) < 2 || key[0] != '#' {
			continue
		}
		var values []string
		if err := json.Unmarshal(value, &values); err != nil {
			return fmt.Errorf("failed to decode filter tag %q: %w", key, err)
		}
		if f.Tags == nil {
			f.Tags = make(map[string][]string)
		}
		f.Tags[key[1:]] = values
	}
	return nil
}

// MarshalJSON encodes the fixed members plus one `#x` member per tag entry.
func (f Filter) MarshalJSON() ([]byte, error) {
	fixed, err := json.Marshal(filterJSON{
		IDs:     f.IDs,
		Authors: f.Authors,
		Kinds:   f.Kinds,
		Since:   f.Since,
		Until:   f.Until,
		Limit:   f.Limit,
	})
	if err != nil {
		return nil, err
	}
	if len(f.Tags) == 0 {
		return fixed, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(fixed, &obj); err != nil {
		return nil, err
	}
	for name, values := range f.Tags {
		encoded, err := json.Marshal(values)
		if err != nil {
			return nil, err
		}
		obj["#"+name] = encoded
	}
	return json.Marshal(obj)
}

// LimitOr returns the filter limit, or def when unset.
func (f *Filter) LimitOr(def int) int {
	if f.Limit == nil {
		return def
	}
	return *f.Limit
}

// SinceOr returns the since bound, or def when unset.
func (f *Filter) SinceOr(def int64) int64 {
	if f.Since == nil {
		return def
	}
	return *f.Since
}

// UntilOr returns the until bound, or def when unset.
func (f *Filter) UntilOr(def int64) int64 {
	if f.Until == nil {
		return def
	}
	return *f.Until
}

// Match reports whether every specified predicate holds for ev. Both time
// bounds are inclusive.
func (f *Filter) Match(ev *event.Event) bool {
	if f.IDs != nil && !containsString(f.IDs, ev.ID) {
		return false
	}
	return f.MatchExceptIDs(ev)
}

// MatchExceptIDs skips the id predicate; used after a point-lookup by id.
func (f *Filter) MatchExceptIDs(ev *event.Event) bool {
	if f.Authors != nil && !containsString(f.Authors, ev.PubKey) {
		return false
	}
	if f.Kinds != nil && !containsKind(f.Kinds, ev.Kind) {
		return false
	}
	return f.matchTimeAndTags(ev)
}

// MatchExceptAuthors skips the author predicate and the since/until bounds;
// used on author-index scans, whose key range already bounds created_at.
func (f *Filter) MatchExceptAuthors(ev *event.Event) bool {
	if f.Kinds != nil && !containsKind(f.Kinds, ev.Kind) {
		return false
	}
	return f.MatchTags(ev)
}

// MatchExceptKinds skips the kind predicate and the since/until bounds;
// used on kind-index scans, whose key range already bounds created_at.
func (f *Filter) MatchExceptKinds(ev *event.Event) bool {
	if f.Authors != nil && !containsString(f.Authors, ev.PubKey) {
		return false
	}
	return f.MatchTags(ev)
}

// MatchTags checks only the tag predicates.
func (f *Filter) MatchTags(ev *event.Event) bool {
	for name, allowed := range f.Tags {
		found := false
		for _, tag := range ev.Tags {
			if len(tag) >= 2 && tag[0] == name && containsString(allowed, tag[1]) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (f *Filter) matchTimeAndTags(ev *event.Event) bool {
	if f.Since != nil && ev.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && ev.CreatedAt > *f.Until {
		return false
	}
	return f.MatchTags(ev)
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func containsKind(list []uint16, k uint16) bool {
	for _, item := range list {
		if item == k {
			return true
		}
	}
	return false
}
