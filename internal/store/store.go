// Package store provides durable, indexed event persistence on top of a
// memory-mapped MDBX environment. One primary table holds the canonical JSON
// of each event keyed by id; five key-only secondary indices support the
// filter query language. All multi-record mutations happen inside a single
// write transaction, so the indices never diverge from the primary table.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/erigontech/mdbx-go/mdbx"

	"github.com/klingon-exchange/burrow/internal/event"
)

// Table names inside the environment.
const (
	tableEvents     = "events"
	tableCreated    = "idx_created"
	tableAuthor     = "idx_author"
	tableKind       = "idx_kind"
	tableAuthorKind = "idx_author_kind"
	tableTag        = "idx_tag"
)

// mapSizeUpper bounds the memory-mapped file growth.
const mapSizeUpper = 1 << 35 // 32 GiB

// ErrCorruptRecord indicates a primary record that no longer parses. This is
// not recoverable at runtime.
var ErrCorruptRecord = errors.New("corrupt primary event record")

// Store is the per-relay event store. Safe for concurrent use: readers run
// in their own read transactions and never block each other; writers are
// serialized by the environment.
type Store struct {
	env *mdbx.Env

	events     mdbx.DBI
	created    mdbx.DBI
	author     mdbx.DBI
	kind       mdbx.DBI
	authorKind mdbx.DBI
	tag        mdbx.DBI
}

// Open creates or opens the event store under dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	env, err := mdbx.NewEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create mdbx env: %w", err)
	}
	if err := env.SetOption(mdbx.OptMaxDB, 12); err != nil {
		env.Close()
		return nil, fmt.Errorf("failed to set max dbs: %w", err)
	}
	if err := env.SetGeometry(-1, -1, mapSizeUpper, 1<<24, -1, 1<<14); err != nil {
		env.Close()
		return nil, fmt.Errorf("failed to set geometry: %w", err)
	}
	if err := env.Open(dir, 0, 0o644); err != nil {
		env.Close()
		return nil, fmt.Errorf("failed to open mdbx env at %s: %w", dir, err)
	}

	s := &Store{env: env}
	err = env.Update(func(txn *mdbx.Txn) error {
		var err error
		if s.events, err = txn.OpenDBISimple(tableEvents, mdbx.Create); err != nil {
			return err
		}
		if s.created, err = txn.OpenDBISimple(tableCreated, mdbx.Create); err != nil {
			return err
		}
		if s.author, err = txn.OpenDBISimple(tableAuthor, mdbx.Create); err != nil {
			return err
		}
		if s.kind, err = txn.OpenDBISimple(tableKind, mdbx.Create); err != nil {
			return err
		}
		if s.authorKind, err = txn.OpenDBISimple(tableAuthorKind, mdbx.Create); err != nil {
			return err
		}
		s.tag, err = txn.OpenDBISimple(tableTag, mdbx.Create)
		return err
	})
	if err != nil {
		env.Close()
		return nil, fmt.Errorf("failed to open tables: %w", err)
	}
	return s, nil
}

// Close closes the environment. No store method may be called afterwards.
func (s *Store) Close() error {
	s.env.Close()
	return nil
}

// Save persists the event and every applicable index entry, applying the
// replacement rules for replaceable and addressable kinds. Saving an event
// that already exists, or one dominated by a newer record in its replacement
// class, succeeds without changing the store.
func (s *Store) Save(ev *event.Event) error {
	id, err := ev.IDBytes()
	if err != nil {
		return err
	}
	pk, err := ev.PubKeyBytes()
	if err != nil {
		return err
	}

	return s.env.Update(func(txn *mdbx.Txn) error {
		if _, err := txn.Get(s.events, id[:]); err == nil {
			return nil // already stored
		} else if !mdbx.IsNotFound(err) {
			return err
		}

		dominated, err := s.replacePredecessors(txn, ev, pk, id)
		if err != nil {
			return err
		}
		if dominated {
			return nil
		}

		raw, err := ev.Marshal()
		if err != nil {
			return fmt.Errorf("failed to serialize event: %w", err)
		}
		if err := txn.Put(s.events, id[:], raw, 0); err != nil {
			return err
		}
		return s.insertIndices(txn, ev, pk, id)
	})
}

// Get returns the event with the given id, or nil if absent.
func (s *Store) Get(id [32]byte) (*event.Event, error) {
	var ev *event.Event
	err := s.env.View(func(txn *mdbx.Txn) error {
		raw, err := txn.Get(s.events, id[:])
		if err != nil {
			if mdbx.IsNotFound(err) {
				return nil
			}
			return err
		}
		ev, err = decodeEvent(raw)
		return err
	})
	return ev, err
}

// Delete removes the event and all its index entries. Reports whether
// anything was removed.
func (s *Store) Delete(id [32]byte) (bool, error) {
	var deleted bool
	err := s.env.Update(func(txn *mdbx.Txn) error {
		var err error
		deleted, err = s.deleteInTxn(txn, id)
		return err
	})
	return deleted, err
}

// Count returns the number of stored events.
func (s *Store) Count() (uint64, error) {
	var count uint64
	err := s.env.View(func(txn *mdbx.Txn) error {
		stat, err := txn.StatDBI(s.events)
		if err != nil {
			return err
		}
		count = stat.Entries
		return nil
	})
	return count, err
}

// replacePredecessors applies the replacement rules. It scans the
// (author, kind) range of idx_author_kind; for addressable kinds each
// candidate's primary record is fetched to compare d-tags. Returns true when
// the incoming event is dominated and must be dropped; otherwise every
// dominated predecessor has been deleted.
func (s *Store) replacePredecessors(txn *mdbx.Txn, ev *event.Event, pk, id [32]byte) (bool, error) {
	replaceable := event.IsReplaceable(ev.Kind)
	addressable := event.IsAddressable(ev.Kind)
	if !replaceable && !addressable {
		return false, nil
	}
	dTag := ev.DTag()

	start, end := authorKindRange(pk, ev.Kind)
	var toDelete [][32]byte
	dominated := false

	err := scanReverse(txn, s.authorKind, start, end, func(key []byte) (bool, error) {
		if len(key) < authorKindKeyLen {
			return true, nil
		}
		ts, existingID := splitAuthorKindKey(key)
		if existingID == id {
			return true, nil
		}

		if addressable {
			raw, err := txn.Get(s.events, existingID[:])
			if err != nil {
				if mdbx.IsNotFound(err) {
					return true, nil
				}
				return false, err
			}
			existing, err := decodeEvent(raw)
			if err != nil {
				return false, err
			}
			if existing.DTag() != dTag {
				return true, nil
			}
		}

		if int64(ts) > ev.CreatedAt || (int64(ts) == ev.CreatedAt && greaterID(existingID, id)) {
			dominated = true
			return false, nil
		}
		toDelete = append(toDelete, existingID)
		return true, nil
	})
	if err != nil {
		return false, err
	}
	if dominated {
		return true, nil
	}
	for _, victim := range toDelete {
		if _, err := s.deleteInTxn(txn, victim); err != nil {
			return false, err
		}
	}
	return false, nil
}

func (s *Store) deleteInTxn(txn *mdbx.Txn, id [32]byte) (bool, error) {
	raw, err := txn.Get(s.events, id[:])
	if err != nil {
		if mdbx.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	ev, err := decodeEvent(raw)
	if err != nil {
		return false, err
	}
	pk, err := ev.PubKeyBytes()
	if err != nil {
		return false, err
	}
	if err := s.removeIndices(txn, ev, pk, id); err != nil {
		return false, err
	}
	if err := txn.Del(s.events, id[:], nil); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) insertIndices(txn *mdbx.Txn, ev *event.Event, pk, id [32]byte) error {
	if err := txn.Put(s.created, createdKey(ev.CreatedAt, id), nil, 0); err != nil {
		return err
	}
	if err := txn.Put(s.author, authorKey(pk, ev.CreatedAt, id), nil, 0); err != nil {
		return err
	}
	if err := txn.Put(s.kind, kindKey(ev.Kind, ev.CreatedAt, id), nil, 0); err != nil {
		return err
	}
	if err := txn.Put(s.authorKind, authorKindKey(pk, ev.Kind, ev.CreatedAt, id), nil, 0); err != nil {
		return err
	}
	for _, t := range ev.Tags {
		if len(t) >= 2 && len(t[0]) == 1 {
			if err := txn.Put(s.tag, tagKey(t[0], t[1], ev.CreatedAt, id), nil, 0); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Store) removeIndices(txn *mdbx.Txn, ev *event.Event, pk, id [32]byte) error {
	if err := delIgnoreMissing(txn, s.created, createdKey(ev.CreatedAt, id)); err != nil {
		return err
	}
	if err := delIgnoreMissing(txn, s.author, authorKey(pk, ev.CreatedAt, id)); err != nil {
		return err
	}
	if err := delIgnoreMissing(txn, s.kind, kindKey(ev.Kind, ev.CreatedAt, id)); err != nil {
		return err
	}
	if err := delIgnoreMissing(txn, s.authorKind, authorKindKey(pk, ev.Kind, ev.CreatedAt, id)); err != nil {
		return err
	}
	for _, t := range ev.Tags {
		if len(t) >= 2 && len(t[0]) == 1 {
			if err := delIgnoreMissing(txn, s.tag, tagKey(t[0], t[1], ev.CreatedAt, id)); err != nil {
				return err
			}
		}
	}
	return nil
}

func delIgnoreMissing(txn *mdbx.Txn, dbi mdbx.DBI, key []byte) error {
	if err := txn.Del(dbi, key, nil); err != nil && !mdbx.IsNotFound(err) {
		return err
	}
	return nil
}

func decodeEvent(raw []byte) (*event.Event, error) {
	var ev event.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	return &ev, nil
}

func greaterID(a, b [32]byte) bool {
	for i := 0; i < 32; i++ {
		if a[i] != b[i] {
			return a[i] > b[i]
		}
	}
	return false
}
