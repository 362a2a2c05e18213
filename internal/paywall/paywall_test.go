package paywall

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func pk(b byte) [32]byte {
	var out [32]byte
	out[0] = b
	return out
}

func TestContainsRespectsExpiry(t *testing.T) {
	s := NewSet()
	now := time.Now().Unix()

	s.Add(pk(1), now+3600)
	if !s.Contains(pk(1)) {
		t.Error("unexpired grant not visible")
	}

	s.Add(pk(2), now-1)
	if s.Contains(pk(2)) {
		t.Error("expired grant treated as member")
	}

	if s.Contains(pk(3)) {
		t.Error("unknown pubkey treated as member")
	}
}

func TestAddKeepsGreaterExpiry(t *testing.T) {
	s := NewSet()
	s.Add(pk(1), 2000)
	s.Add(pk(1), 1000) // renewal must never shorten
	if got := s.Entries()[pk(1)]; got != 2000 {
		t.Errorf("expiry = %d, want 2000", got)
	}

	s.Add(pk(1), 3000)
	if got := s.Entries()[pk(1)]; got != 3000 {
		t.Errorf("expiry = %d, want 3000", got)
	}
}

func TestRemoveExpired(t *testing.T) {
	s := NewSet()
	now := time.Now().Unix()
	s.Add(pk(1), now+3600)
	s.Add(pk(2), now-10)
	s.Add(pk(3), now-20)

	if removed := s.RemoveExpired(); removed != 2 {
		t.Errorf("RemoveExpired() = %d, want 2", removed)
	}
	if s.Len() != 1 || !s.Contains(pk(1)) {
		t.Error("live grant lost during pruning")
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wall.bin")
	now := time.Now().Unix()
	want := map[[32]byte]int64{
		pk(1): now + 3600,
		pk(2): now + 7200,
	}

	if err := SaveSnapshot(path, want); err != nil {
		t.Fatalf("SaveSnapshot() error = %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("snapshot missing: %v", err)
	}
	if info.Size() != int64(len(want)*recordSize) {
		t.Errorf("snapshot size = %d, want %d", info.Size(), len(want)*recordSize)
	}

	got, err := LoadSnapshot(path)
	if err != nil {
		t.Fatalf("LoadSnapshot() error = %v", err)
	}
	for member, exp := range want {
		if got[member] != exp {
			t.Errorf("entry %x = %d, want %d", member[:4], got[member], exp)
		}
	}
}

func TestLoadSnapshotDropsExpiredRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wall.bin")
	now := time.Now().Unix()
	if err := SaveSnapshot(path, map[[32]byte]int64{
		pk(1): now + 3600,
		pk(2): now - 3600,
	}); err != nil {
		t.Fatalf("SaveSnapshot() error = %v", err)
	}

	got, err := LoadSnapshot(path)
	if err != nil {
		t.Fatalf("LoadSnapshot() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("loaded %d entries, want 1", len(got))
	}
	if _, ok := got[pk(2)]; ok {
		t.Error("expired record survived the load")
	}
}

func TestLoadSnapshotRejectsBadSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.bin")
	if err := os.WriteFile(path, make([]byte, recordSize+1), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadSnapshot(path); err == nil {
		t.Error("LoadSnapshot() accepted a size not divisible by the record size")
	}
}

func TestSetReplace(t *testing.T) {
	s := NewSet()
	now := time.Now().Unix()
	s.Add(pk(1), now+100)
	s.Replace(map[[32]byte]int64{pk(2): now + 100})

	if s.Contains(pk(1)) {
		t.Error("old entry survived replacement")
	}
	if !s.Contains(pk(2)) {
		t.Error("new entry not visible")
	}
}
