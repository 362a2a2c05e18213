package store

import (
	"bytes"
	"encoding/binary"

	"github.com/erigontech/mdbx-go/mdbx"
)

// Fixed index key widths. Timestamps are big-endian and placed after the
// discriminating columns so lexicographic order equals time order within any
// fixed prefix.
const (
	createdKeyLen    = 8 + 32
	authorKeyLen     = 32 + 8 + 32
	kindKeyLen       = 2 + 8 + 32
	authorKindKeyLen = 32 + 2 + 8 + 32
)

func createdKey(ts int64, id [32]byte) []byte {
	key := make([]byte, createdKeyLen)
	binary.BigEndian.PutUint64(key[:8], uint64(ts))
	copy(key[8:], id[:])
	return key
}

func authorKey(pk [32]byte, ts int64, id [32]byte) []byte {
	key := make([]byte, authorKeyLen)
	copy(key[:32], pk[:])
	binary.BigEndian.PutUint64(key[32:40], uint64(ts))
	copy(key[40:], id[:])
	return key
}

func kindKey(kind uint16, ts int64, id [32]byte) []byte {
	key := make([]byte, kindKeyLen)
	binary.BigEndian.PutUint16(key[:2], kind)
	binary.BigEndian.PutUint64(key[2:10], uint64(ts))
	copy(key[10:], id[:])
	return key
}

func authorKindKey(pk [32]byte, kind uint16, ts int64, id [32]byte) []byte {
	key := make([]byte, authorKindKeyLen)
	copy(key[:32], pk[:])
	binary.BigEndian.PutUint16(key[32:34], kind)
	binary.BigEndian.PutUint64(key[34:42], uint64(ts))
	copy(key[42:], id[:])
	return key
}

// tagKey is name ‖ 0x00 ‖ value ‖ 0x00 ‖ ts(8) ‖ id(32). The terminator
// bytes keep value "ab" from colliding with the prefix of "ab\x00...".
func tagKey(name, value string, ts int64, id [32]byte) []byte {
	key := make([]byte, 0, len(name)+1+len(value)+1+40)
	key = append(key, name...)
	key = append(key, 0)
	key = append(key, value...)
	key = append(key, 0)
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(ts))
	key = append(key, tsBuf[:]...)
	key = append(key, id[:]...)
	return key
}

// splitAuthorKindKey extracts (ts, id) from an idx_author_kind key.
func splitAuthorKindKey(key []byte) (uint64, [32]byte) {
	ts := binary.BigEndian.Uint64(key[34:42])
	var id [32]byte
	copy(id[:], key[42:74])
	return ts, id
}

// authorKindRange returns the inclusive [start, end] key range covering
// every entry for (author, kind).
func authorKindRange(pk [32]byte, kind uint16) ([]byte, []byte) {
	start := make([]byte, authorKindKeyLen)
	copy(start[:32], pk[:])
	binary.BigEndian.PutUint16(start[32:34], kind)

	end := make([]byte, authorKindKeyLen)
	for i := range end {
		end[i] = 0xff
	}
	copy(end[:32], pk[:])
	binary.BigEndian.PutUint16(end[32:34], kind)
	return start, end
}

// scanReverse walks keys in [start, end] from greatest to least, calling fn
// for each. fn returns false to stop early.
func scanReverse(txn *mdbx.Txn, dbi mdbx.DBI, start, end []byte, fn func(key []byte) (bool, error)) error {
	cur, err := txn.OpenCursor(dbi)
	if err != nil {
		return err
	}
	defer cur.Close()

	key, _, err := cur.Get(end, nil, mdbx.SetRange)
	switch {
	case err == nil && bytes.Compare(key, end) > 0:
		key, _, err = cur.Get(nil, nil, mdbx.Prev)
	case err != nil && mdbx.IsNotFound(err):
		key, _, err = cur.Get(nil, nil, mdbx.Last)
	}
	for {
		if err != nil {
			if mdbx.IsNotFound(err) {
				return nil
			}
			return err
		}
		if bytes.Compare(key, start) < 0 {
			return nil
		}
		cont, err2 := fn(key)
		if err2 != nil {
			return err2
		}
		if !cont {
			return nil
		}
		key, _, err = cur.Get(nil, nil, mdbx.Prev)
	}
}
