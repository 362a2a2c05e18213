package relay

import (
	"errors"
	"time"

	"github.com/klingon-exchange/burrow/internal/event"
)

// authClockSkew bounds how far an auth event's timestamp may drift.
const authClockSkew = 60 * time.Second

// verifyAuthEvent checks a client auth event against the session challenge
// and returns the proven identity. The event must be of the auth kind,
// carry the session's challenge tag, be signed correctly, and be fresh.
func verifyAuthEvent(ev *event.Event, challenge string) ([32]byte, error) {
	var pk [32]byte

	if ev.Kind != event.KindClientAuth {
		return pk, errors.New("wrong kind")
	}
	if err := ev.Verify(); err != nil {
		return pk, err
	}

	now := time.Now().Unix()
	diff := now - ev.CreatedAt
	if diff < 0 {
		diff = -diff
	}
	if diff > int64(authClockSkew/time.Second) {
		return pk, errors.New("stale auth event")
	}

	matched := false
	for _, value := range ev.TagValues("challenge") {
		if value == challenge {
			matched = true
			break
		}
	}
	if !matched {
		return pk, errors.New("challenge mismatch")
	}

	return ev.PubKeyBytes()
}
