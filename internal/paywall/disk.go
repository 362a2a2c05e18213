package paywall

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// recordSize is 32-byte pubkey followed by 8-byte little-endian expiry.
const recordSize = 40

// SaveSnapshot writes the whitelist to path, creating parent directories.
func SaveSnapshot(path string, entries map[[32]byte]int64) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	buf := make([]byte, 0, len(entries)*recordSize)
	var exp [8]byte
	for pk, expiresAt := range entries {
		binary.LittleEndian.PutUint64(exp[:], uint64(expiresAt))
		buf = append(buf, pk[:]...)
		buf = append(buf, exp[:]...)
	}
	if err := os.WriteFile(path, buf, 0o600); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot reads a whitelist snapshot, discarding records whose expiry
// has already passed. The file size must be a multiple of the record size.
func LoadSnapshot(path string) (map[[32]byte]int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data)%recordSize != 0 {
		return nil, fmt.Errorf("invalid snapshot size %d", len(data))
	}
	now := time.Now().Unix()
	entries := make(map[[32]byte]int64, len(data)/recordSize)
	for off := 0; off < len(data); off += recordSize {
		var pk [32]byte
		copy(pk[:], data[off:off+32])
		expiresAt := int64(binary.LittleEndian.Uint64(data[off+32 : off+40]))
		if expiresAt > now {
			entries[pk] = expiresAt
		}
	}
	return entries, nil
}
