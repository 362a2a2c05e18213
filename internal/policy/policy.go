// Package policy implements the per-relay access-control pipeline. Every
// write and read decision flows through one Engine; there are no hard-coded
// relay "types". An Engine is a pure function of its inputs and the current
// trust/paywall snapshots, so two identical calls always agree.
package policy

import (
	"encoding/hex"
	"fmt"
	"math/bits"
	"time"

	"github.com/klingon-exchange/burrow/internal/config"
	"github.com/klingon-exchange/burrow/internal/event"
)

// IdentitySet is the read-side view of a shared pubkey set (trust graph or
// paywall whitelist). Implementations must be safe for concurrent use.
type IdentitySet interface {
	Contains(pk [32]byte) bool
}

// Decision is the outcome of a policy check.
type Decision struct {
	verdict verdict
	reason  string
}

type verdict uint8

const (
	verdictAllow verdict = iota
	verdictDeny
	verdictAuthRequired
)

// Allow permits the action.
func Allow() Decision { return Decision{verdict: verdictAllow} }

// Deny rejects the action with a wire-visible reason.
func Deny(format string, args ...interface{}) Decision {
	return Decision{verdict: verdictDeny, reason: fmt.Sprintf(format, args...)}
}

// NeedAuth asks the client to authenticate and retry.
func NeedAuth() Decision { return Decision{verdict: verdictAuthRequired} }

// Allowed reports whether the action may proceed.
func (d Decision) Allowed() bool { return d.verdict == verdictAllow }

// AuthRequired reports whether authenticating could change the outcome.
func (d Decision) AuthRequired() bool { return d.verdict == verdictAuthRequired }

// Reason returns the denial reason, or "".
func (d Decision) Reason() string { return d.reason }

// Engine evaluates the rules of one relay. Pubkey lists are parsed once at
// construction; unparsable entries are skipped.
type Engine struct {
	writeRequireAuth bool
	readRequireAuth  bool

	writeAllowed map[[32]byte]struct{}
	writeBlocked map[[32]byte]struct{}
	writeTagged  map[[32]byte]struct{}
	readAllowed  map[[32]byte]struct{}

	allowedKinds map[uint16]struct{}
	blockedKinds map[uint16]struct{}

	minPow           int
	maxContentLength int
	maxEventTags     int
	createdAtLower   int64
	createdAtUpper   int64

	writeTrust   IdentitySet
	readTrust    IdentitySet
	writePaywall IdentitySet
	readPaywall  IdentitySet

	now func() int64
}

// New builds an Engine from a relay's policy and limit sections. The trust
// and paywall handles may be nil when the relay does not reference one.
func New(cfg config.PolicyConfig, limits config.LimitsConfig, writeTrust, readTrust, writePaywall, readPaywall IdentitySet) *Engine {
	return &Engine{
		writeRequireAuth: cfg.Write.RequireAuth,
		readRequireAuth:  cfg.Read.RequireAuth,
		writeAllowed:     parsePubkeys(cfg.Write.AllowedPubkeys),
		writeBlocked:     parsePubkeys(cfg.Write.BlockedPubkeys),
		writeTagged:      parsePubkeys(cfg.Write.TaggedPubkeys),
		readAllowed:      parsePubkeys(cfg.Read.AllowedPubkeys),
		allowedKinds:     kindSet(cfg.Events.AllowedKinds),
		blockedKinds:     kindSet(cfg.Events.BlockedKinds),
		minPow:           cfg.Events.MinPow,
		maxContentLength: cfg.Events.MaxContentLength,
		maxEventTags:     limits.MaxEventTags,
		createdAtLower:   limits.CreatedAtLowerLimit,
		createdAtUpper:   limits.CreatedAtUpperLimit,
		writeTrust:       writeTrust,
		readTrust:        readTrust,
		writePaywall:     writePaywall,
		readPaywall:      readPaywall,
		now:              func() int64 { return time.Now().Unix() },
	}
}

// CanWrite decides whether the event may be persisted. authed is the pubkey
// that completed AUTH on this connection, or nil. Identity-set checks apply
// to the event author; authentication is not required for them.
func (e *Engine) CanWrite(ev *event.Event, authed *[32]byte) Decision {
	if e.writeRequireAuth && authed == nil {
		return NeedAuth()
	}

	author, err := ev.PubKeyBytes()
	if err != nil {
		return Deny("malformed pubkey")
	}

	if e.writeAllowed != nil {
		if _, ok := e.writeAllowed[author]; !ok {
			return Deny("pubkey not on write allow-list")
		}
	}
	if e.writeTrust != nil && !e.writeTrust.Contains(author) {
		return Deny("pubkey not in web of trust")
	}
	if e.writePaywall != nil && !e.writePaywall.Contains(author) {
		return Deny("payment required for write access")
	}
	if e.writeBlocked != nil {
		if _, ok := e.writeBlocked[author]; ok {
			return Deny("pubkey is blocked")
		}
	}

	if e.writeTagged != nil {
		tagged := false
		for _, value := range ev.TagValues("p") {
			raw, err := hex.DecodeString(value)
			if err != nil || len(raw) != 32 {
				continue
			}
			var pk [32]byte
			copy(pk[:], raw)
			if _, ok := e.writeTagged[pk]; ok {
				tagged = true
				break
			}
		}
		if !tagged {
			return Deny("event must tag an approved pubkey")
		}
	}

	if e.allowedKinds != nil {
		if _, ok := e.allowedKinds[ev.Kind]; !ok {
			return Deny("kind %d not allowed", ev.Kind)
		}
	}
	if e.blockedKinds != nil {
		if _, ok := e.blockedKinds[ev.Kind]; ok {
			return Deny("kind %d is blocked", ev.Kind)
		}
	}

	if e.maxContentLength > 0 && len(ev.Content) > e.maxContentLength {
		return Deny("content too long (%d > %d)", len(ev.Content), e.maxContentLength)
	}

	if e.minPow > 0 {
		id, err := ev.IDBytes()
		if err != nil {
			return Deny("malformed event id")
		}
		if pow := LeadingZeroBits(id[:]); pow < e.minPow {
			return Deny("insufficient PoW (%d < %d)", pow, e.minPow)
		}
	}

	if e.maxEventTags > 0 && len(ev.Tags) > e.maxEventTags {
		return Deny("too many tags (%d > %d)", len(ev.Tags), e.maxEventTags)
	}

	if e.createdAtLower > 0 {
		if lower := e.now() - e.createdAtLower; ev.CreatedAt < lower {
			return Deny("event created_at too far in the past")
		}
	}
	if e.createdAtUpper > 0 {
		if upper := e.now() + e.createdAtUpper; ev.CreatedAt > upper {
			return Deny("event created_at too far in the future")
		}
	}

	return Allow()
}

// CanRead decides whether a query is allowed. Unlike writes, every identity
// check here applies to the authenticated identity: a reader proves who they
// are, an event proves who wrote it.
func (e *Engine) CanRead(authed *[32]byte) Decision {
	if e.readRequireAuth && authed == nil {
		return NeedAuth()
	}

	if e.readAllowed != nil {
		if authed == nil {
			return Deny("pubkey not on read allow-list")
		}
		if _, ok := e.readAllowed[*authed]; !ok {
			return Deny("pubkey not on read allow-list")
		}
	}

	if e.readTrust != nil {
		if authed == nil {
			return NeedAuth()
		}
		if !e.readTrust.Contains(*authed) {
			return Deny("pubkey not in web of trust")
		}
	}

	if e.readPaywall != nil {
		if authed == nil {
			return NeedAuth()
		}
		if !e.readPaywall.Contains(*authed) {
			return Deny("payment required for read access")
		}
	}

	return Allow()
}

// RestrictedWrites reports whether any write restriction is configured; the
// relay information document derives its advertisement from this.
func (e *Engine) RestrictedWrites() bool {
	return e.writeAllowed != nil || e.writeTagged != nil || e.writeTrust != nil || e.writePaywall != nil
}

// PaymentRequired reports whether a paywall gates writes or reads.
func (e *Engine) PaymentRequired() bool {
	return e.writePaywall != nil || e.readPaywall != nil
}

// AuthRequired reports whether authentication is mandatory up front.
func (e *Engine) AuthRequired() bool {
	return e.writeRequireAuth || e.readRequireAuth
}

// WantsAuth reports whether any configured rule can make use of an
// authenticated identity; the session sends its challenge eagerly when true.
func (e *Engine) WantsAuth() bool {
	return e.AuthRequired() || e.readAllowed != nil || e.readTrust != nil || e.readPaywall != nil
}

// MinPow returns the configured proof-of-work floor.
func (e *Engine) MinPow() int { return e.minPow }

// LeadingZeroBits counts leading zero bits byte-wise: full zero bytes add 8,
// the first non-zero byte adds its leading-zero count and stops.
func LeadingZeroBits(b []byte) int {
	count := 0
	for _, c := range b {
		if c == 0 {
			count += 8
			continue
		}
		count += bits.LeadingZeros8(c)
		break
	}
	return count
}

func parsePubkeys(keys []string) map[[32]byte]struct{} {
	if keys == nil {
		return nil
	}
	set := make(map[[32]byte]struct{}, len(keys))
	for _, key := range keys {
		raw, err := hex.DecodeString(key)
		if err != nil || len(raw) != 32 {
			continue
		}
		var pk [32]byte
		copy(pk[:], raw)
		set[pk] = struct{}{}
	}
	return set
}

func kindSet(kinds []uint16) map[uint16]struct{} {
	if kinds == nil {
		return nil
	}
	set := make(map[uint16]struct{}, len(kinds))
	for _, k := range kinds {
		set[k] = struct{}{}
	}
	return set
}
