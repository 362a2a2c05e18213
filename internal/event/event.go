// Package event implements the signed event model: canonical hashing,
// Schnorr signature handling, and the kind classification rules that drive
// replacement semantics.
package event

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// Event kinds used directly by the relay host.
const (
	KindProfileMetadata    uint16 = 0
	KindTextNote           uint16 = 1
	KindContactList        uint16 = 3
	KindClientAuth         uint16 = 22242
	KindWalletRequest      uint16 = 23194
	KindWalletResponse     uint16 = 23195
	KindWalletNotification uint16 = 23197
)

// Event errors.
var (
	ErrInvalidID        = errors.New("event id does not match canonical hash")
	ErrInvalidSignature = errors.New("invalid event signature")
	ErrBadHex           = errors.New("malformed hex field")
)

// Tag is an ordered sequence of strings; the first element is the tag name.
type Tag []string

// Event is a signed, immutable protocol record.
type Event struct {
	ID        string `json:"id"`
	PubKey    string `json:"pubkey"`
	CreatedAt int64  `json:"created_at"`
	Kind      uint16 `json:"kind"`
	Tags      []Tag  `json:"tags"`
	Content   string `json:"content"`
	Sig       string `json:"sig"`
}

// IsReplaceable reports whether at most one event per (author, kind) is kept.
func IsReplaceable(kind uint16) bool {
	return kind == KindProfileMetadata || kind == KindContactList ||
		(kind >= 10_000 && kind < 20_000)
}

// IsAddressable reports whether replacement is keyed by (author, kind, d-tag).
func IsAddressable(kind uint16) bool {
	return kind >= 30_000 && kind < 40_000
}

// IsEphemeral reports whether events of this kind are never persisted.
func IsEphemeral(kind uint16) bool {
	return kind >= 20_000 && kind < 30_000
}

// DTag returns the value of the first `d` tag, or "" if absent. An absent
// `d` tag and an empty one address the same record.
func (e *Event) DTag() string {
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == "d" {
			return tag[1]
		}
	}
	return ""
}

// TagValues returns the second element of every tag with the given name.
func (e *Event) TagValues(name string) []string {
	var values []string
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name {
			values = append(values, tag[1])
		}
	}
	return values
}

// IDBytes decodes the event id into a 32-byte array.
func (e *Event) IDBytes() ([32]byte, error) {
	return decode32(e.ID)
}

// PubKeyBytes decodes the author pubkey into a 32-byte array.
func (e *Event) PubKeyBytes() ([32]byte, error) {
	return decode32(e.PubKey)
}

func decode32(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 32 {
		return out, fmt.Errorf("%w: %q", ErrBadHex, s)
	}
	copy(out[:], raw)
	return out, nil
}

// ComputeID returns the canonical sha256 over
// [0, pubkey, created_at, kind, tags, content].
func (e *Event) ComputeID() [32]byte {
	return sha256.Sum256([]byte(e.canonical()))
}

// canonical serializes the signed fields in the protocol's canonical form.
func (e *Event) canonical() string {
	var b strings.Builder
	b.WriteString(`[0,"`)
	b.WriteString(e.PubKey)
	b.WriteString(`",`)
	b.WriteString(strconv.FormatInt(e.CreatedAt, 10))
	b.WriteByte(',')
	b.WriteString(strconv.FormatUint(uint64(e.Kind), 10))
	b.WriteByte(',')
	b.WriteByte('[')
	for i, tag := range e.Tags {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('[')
		for j, item := range tag {
			if j > 0 {
				b.WriteByte(',')
			}
			escapeString(&b, item)
		}
		b.WriteByte(']')
	}
	b.WriteString("],")
	escapeString(&b, e.Content)
	b.WriteByte(']')
	return b.String()
}

// escapeString writes s as a JSON string using the canonical escape set:
// the two-character forms for the common control characters, \uXXXX for the
// rest below 0x20, everything else verbatim.
func escapeString(b *strings.Builder, s string) {
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"':
			b.WriteString(`\"`)
		case c == '\\':
			b.WriteString(`\\`)
		case c == '\n':
			b.WriteString(`\n`)
		case c == '\r':
			b.WriteString(`\r`)
		case c == '\t':
			b.WriteString(`\t`)
		case c == '\b':
			b.WriteString(`\b`)
		case c == '\f':
			b.WriteString(`\f`)
		case c < 0x20:
			fmt.Fprintf(b, `\u%04x`, c)
		default:
			b.WriteByte(c)
		}
	}
	b.WriteByte('"')
}

// Verify checks that the id equals the canonical hash and that the Schnorr
// signature over the id verifies against the author pubkey.
func (e *Event) Verify() error {
	id, err := e.IDBytes()
	if err != nil {
		return err
	}
	if e.ComputeID() != id {
		return ErrInvalidID
	}

	pkRaw, err := e.PubKeyBytes()
	if err != nil {
		return err
	}
	pk, err := schnorr.ParsePubKey(pkRaw[:])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	sigRaw, err := hex.DecodeString(e.Sig)
	if err != nil || len(sigRaw) != 64 {
		return fmt.Errorf("%w: bad signature encoding", ErrInvalidSignature)
	}
	sig, err := schnorr.ParseSignature(sigRaw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !sig.Verify(id[:], pk) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign fills in PubKey, ID and Sig from the private key. CreatedAt, Kind,
// Tags and Content must already be set.
func (e *Event) Sign(priv *btcec.PrivateKey) error {
	e.PubKey = hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey()))
	id := e.ComputeID()
	e.ID = hex.EncodeToString(id[:])

	sig, err := schnorr.Sign(priv, id[:])
	if err != nil {
		return fmt.Errorf("failed to sign event: %w", err)
	}
	e.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

// Marshal returns the event as wire JSON.
func (e *Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal parses wire JSON into an event.
func Unmarshal(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to decode event: %w", err)
	}
	if e.Tags == nil {
		e.Tags = []Tag{}
	}
	return &e, nil
}
