package store

import (
	"encoding/hex"
	"math"
	"sort"

	"github.com/erigontech/mdbx-go/mdbx"

	"github.com/klingon-exchange/burrow/internal/event"
	"github.com/klingon-exchange/burrow/internal/filter"
)

// defaultQueryLimit applies when the filter specifies no limit.
const defaultQueryLimit = 100

// Query returns up to limit events matching the filter, ordered by
// created_at descending with ties broken by id ascending. Exactly one index
// is scanned, chosen by selectivity; predicates not covered by the chosen
// index are applied in memory against the primary record.
func (s *Store) Query(f *filter.Filter) ([]*event.Event, error) {
	limit := f.LimitOr(defaultQueryLimit)
	if limit <= 0 {
		return nil, nil
	}
	since := f.SinceOr(0)
	until := f.UntilOr(math.MaxInt64)

	var results []*event.Event
	err := s.env.View(func(txn *mdbx.Txn) error {
		c := &collector{s: s, txn: txn, limit: limit, seen: make(map[[32]byte]struct{})}

		switch {
		case f.IDs != nil:
			for _, idHex := range f.IDs {
				raw, err := hex.DecodeString(idHex)
				if err != nil || len(raw) != 32 {
					continue
				}
				data, err := txn.Get(s.events, raw)
				if err != nil {
					if mdbx.IsNotFound(err) {
						continue
					}
					return err
				}
				ev, err := decodeEvent(data)
				if err != nil {
					return err
				}
				if f.MatchExceptIDs(ev) {
					var id [32]byte
					copy(id[:], raw)
					c.add(id, ev)
				}
			}

		case f.Authors != nil && f.Kinds != nil:
			for _, author := range f.Authors {
				pk, ok := decodePubkey(author)
				if !ok {
					continue
				}
				for _, kind := range f.Kinds {
					start := authorKindKey(pk, kind, since, [32]byte{})
					end := authorKindKey(pk, kind, until, maxID())
					err := c.scan(s.authorKind, start, end, authorKindKeyLen, func(key []byte) [32]byte {
						var id [32]byte
						copy(id[:], key[42:74])
						return id
					}, f.MatchTags)
					if err != nil {
						return err
					}
				}
			}

		case f.Authors != nil:
			for _, author := range f.Authors {
				pk, ok := decodePubkey(author)
				if !ok {
					continue
				}
				start := authorKey(pk, since, [32]byte{})
				end := authorKey(pk, until, maxID())
				err := c.scan(s.author, start, end, authorKeyLen, func(key []byte) [32]byte {
					var id [32]byte
					copy(id[:], key[40:72])
					return id
				}, f.MatchExceptAuthors)
				if err != nil {
					return err
				}
			}

		case f.Kinds != nil:
			for _, kind := range f.Kinds {
				start := kindKey(kind, since, [32]byte{})
				end := kindKey(kind, until, maxID())
				err := c.scan(s.kind, start, end, kindKeyLen, func(key []byte) [32]byte {
					var id [32]byte
					copy(id[:], key[10:42])
					return id
				}, f.MatchExceptKinds)
				if err != nil {
					return err
				}
			}

		case len(f.Tags) > 0:
			name, values := pickTag(f.Tags)
			for _, value := range values {
				start := tagKey(name, value, since, [32]byte{})
				end := tagKey(name, value, until, maxID())
				err := c.scan(s.tag, start, end, len(name)+len(value)+42, func(key []byte) [32]byte {
					var id [32]byte
					copy(id[:], key[len(key)-32:])
					return id
				}, f.Match)
				if err != nil {
					return err
				}
			}

		default:
			start := createdKey(since, [32]byte{})
			end := createdKey(until, maxID())
			err := c.scan(s.created, start, end, createdKeyLen, func(key []byte) [32]byte {
				var id [32]byte
				copy(id[:], key[8:40])
				return id
			}, f.Match)
			if err != nil {
				return err
			}
		}

		results = c.events
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].CreatedAt != results[j].CreatedAt {
			return results[i].CreatedAt > results[j].CreatedAt
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// collector gathers candidates across sub-scans, deduplicating by id. Each
// sub-scan stops once limit candidates were taken from it.
type collector struct {
	s      *Store
	txn    *mdbx.Txn
	limit  int
	seen   map[[32]byte]struct{}
	events []*event.Event
}

func (c *collector) add(id [32]byte, ev *event.Event) {
	if _, dup := c.seen[id]; dup {
		return
	}
	c.seen[id] = struct{}{}
	c.events = append(c.events, ev)
}

// scan walks one index range newest-first, fetching the primary record for
// each hit and applying the residual predicate.
func (c *collector) scan(dbi mdbx.DBI, start, end []byte, minKeyLen int, idOf func(key []byte) [32]byte, match func(*event.Event) bool) error {
	count := 0
	return scanReverse(c.txn, dbi, start, end, func(key []byte) (bool, error) {
		if len(key) < minKeyLen {
			return true, nil
		}
		id := idOf(key)
		raw, err := c.txn.Get(c.s.events, id[:])
		if err != nil {
			if mdbx.IsNotFound(err) {
				return true, nil
			}
			return false, err
		}
		ev, err := decodeEvent(raw)
		if err != nil {
			return false, err
		}
		if match(ev) {
			c.add(id, ev)
			count++
		}
		return count < c.limit, nil
	})
}

func decodePubkey(s string) ([32]byte, bool) {
	var pk [32]byte
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 32 {
		return pk, false
	}
	copy(pk[:], raw)
	return pk, true
}

func maxID() [32]byte {
	var id [32]byte
	for i := range id {
		id[i] = 0xff
	}
	return id
}

// pickTag chooses one tag predicate to drive the index scan; the rest are
// checked in memory. The lexicographically smallest name keeps the choice
// deterministic.
func pickTag(tags map[string][]string) (string, []string) {
	var name string
	for candidate := range tags {
		if name == "" || candidate < name {
			name = candidate
		}
	}
	return name, tags[name]
}
