package ratelimit

import (
	"net"
	"testing"
	"time"
)

func localhost() net.IP { return net.IPv4(127, 0, 0, 1) }
func otherIP() net.IP   { return net.IPv4(192, 168, 1, 1) }

func TestConnectionLimitAllowsUnderMax(t *testing.T) {
	tr := New()
	if !tr.TryConnect(localhost(), 2) || !tr.TryConnect(localhost(), 2) {
		t.Error("connections under the cap were rejected")
	}
}

func TestConnectionLimitRejectsAtMax(t *testing.T) {
	tr := New()
	tr.TryConnect(localhost(), 2)
	tr.TryConnect(localhost(), 2)
	if tr.TryConnect(localhost(), 2) {
		t.Error("connection over the cap was accepted")
	}
}

func TestDisconnectFreesSlot(t *testing.T) {
	tr := New()
	if !tr.TryConnect(localhost(), 1) {
		t.Fatal("first connection rejected")
	}
	if tr.TryConnect(localhost(), 1) {
		t.Fatal("second connection accepted at cap")
	}
	tr.Disconnect(localhost())
	if !tr.TryConnect(localhost(), 1) {
		t.Error("slot not freed after disconnect")
	}
}

func TestNoLimitAlwaysAllows(t *testing.T) {
	tr := New()
	for i := 0; i < 100; i++ {
		if !tr.TryConnect(localhost(), 0) {
			t.Fatal("unlimited connection rejected")
		}
	}
}

func TestDifferentIPsIndependent(t *testing.T) {
	tr := New()
	if !tr.TryConnect(localhost(), 1) || !tr.TryConnect(otherIP(), 1) {
		t.Fatal("first connection per IP rejected")
	}
	if tr.TryConnect(localhost(), 1) || tr.TryConnect(otherIP(), 1) {
		t.Error("cap not applied per IP")
	}
}

func TestWriteRateBlocksAtLimit(t *testing.T) {
	tr := New()
	tr.TryConnect(localhost(), 0)
	for i := 0; i < 3; i++ {
		if !tr.CheckWriteRate(localhost(), 3) {
			t.Fatalf("write %d rejected under limit", i)
		}
	}
	if tr.CheckWriteRate(localhost(), 3) {
		t.Error("write over the limit was accepted")
	}
}

func TestReadRateBlocksAtLimit(t *testing.T) {
	tr := New()
	tr.TryConnect(localhost(), 0)
	for i := 0; i < 3; i++ {
		if !tr.CheckReadRate(localhost(), 3) {
			t.Fatalf("read %d rejected under limit", i)
		}
	}
	if tr.CheckReadRate(localhost(), 3) {
		t.Error("read over the limit was accepted")
	}
}

func TestReadAndWriteWindowsIndependent(t *testing.T) {
	tr := New()
	for i := 0; i < 3; i++ {
		tr.CheckWriteRate(localhost(), 3)
	}
	if !tr.CheckReadRate(localhost(), 3) {
		t.Error("writes consumed the read window")
	}
}

func TestNoRateLimitAlwaysAllows(t *testing.T) {
	tr := New()
	for i := 0; i < 100; i++ {
		if !tr.CheckWriteRate(localhost(), 0) || !tr.CheckReadRate(localhost(), 0) {
			t.Fatal("unlimited request rejected")
		}
	}
}

func TestCleanupRemovesInactive(t *testing.T) {
	tr := New()
	state := tr.get(localhost(), true)
	state.lastActive.Store(time.Now().Add(-11 * time.Minute).UnixNano())

	tr.Cleanup()
	if got := tr.get(localhost(), false); got != nil {
		t.Error("idle entry survived cleanup")
	}
}

func TestCleanupKeepsActiveConnections(t *testing.T) {
	tr := New()
	tr.TryConnect(localhost(), 0)
	state := tr.get(localhost(), false)
	state.lastActive.Store(time.Now().Add(-11 * time.Minute).UnixNano())

	tr.Cleanup()
	if got := tr.get(localhost(), false); got == nil {
		t.Error("entry with live connection was evicted")
	}
}
