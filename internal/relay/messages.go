// Package relay implements the per-connection protocol driver and the HTTP
// host surface: websocket sessions speaking EVENT/REQ/CLOSE/AUTH, the relay
// information document, and the live broadcast of freshly saved events.
package relay

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/klingon-exchange/burrow/internal/event"
	"github.com/klingon-exchange/burrow/internal/filter"
)

// Client frame types.
const (
	FrameEvent = "EVENT"
	FrameReq   = "REQ"
	FrameClose = "CLOSE"
	FrameAuth  = "AUTH"
)

// ErrBadFrame reports an unparsable client frame.
var ErrBadFrame = errors.New("malformed frame")

// ClientFrame is one decoded inbound frame.
type ClientFrame struct {
	Type    string
	Event   *event.Event // EVENT and AUTH
	SubID   string       // REQ and CLOSE
	Filters []*filter.Filter
}

// ParseClientFrame decodes a JSON array frame from a client.
func ParseClientFrame(raw []byte) (*ClientFrame, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil || len(parts) == 0 {
		return nil, ErrBadFrame
	}
	var kind string
	if err := json.Unmarshal(parts[0], &kind); err != nil {
		return nil, ErrBadFrame
	}

	switch kind {
	case FrameEvent, FrameAuth:
		if len(parts) < 2 {
			return nil, ErrBadFrame
		}
		ev, err := event.Unmarshal(parts[1])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
		}
		return &ClientFrame{Type: kind, Event: ev}, nil

	case FrameReq:
		if len(parts) < 3 {
			return nil, ErrBadFrame
		}
		var subID string
		if err := json.Unmarshal(parts[1], &subID); err != nil {
			return nil, ErrBadFrame
		}
		filters := make([]*filter.Filter, 0, len(parts)-2)
		for _, rawFilter := range parts[2:] {
			var f filter.Filter
			if err := json.Unmarshal(rawFilter, &f); err != nil {
				return nil, fmt.Errorf("%w: bad filter: %v", ErrBadFrame, err)
			}
			filters = append(filters, &f)
		}
		return &ClientFrame{Type: kind, SubID: subID, Filters: filters}, nil

	case FrameClose:
		if len(parts) < 2 {
			return nil, ErrBadFrame
		}
		var subID string
		if err := json.Unmarshal(parts[1], &subID); err != nil {
			return nil, ErrBadFrame
		}
		return &ClientFrame{Type: kind, SubID: subID}, nil
	}

	return nil, fmt.Errorf("%w: unknown type %q", ErrBadFrame, kind)
}

// Server frame builders. Marshal errors cannot occur for these shapes.

func okFrame(id string, accepted bool, message string) []byte {
	raw, _ := json.Marshal([]interface{}{"OK", id, accepted, message})
	return raw
}

func noticeFrame(message string) []byte {
	raw, _ := json.Marshal([]interface{}{"NOTICE", message})
	return raw
}

func eoseFrame(subID string) []byte {
	raw, _ := json.Marshal([]interface{}{"EOSE", subID})
	return raw
}

func eventFrame(subID string, ev *event.Event) []byte {
	raw, _ := json.Marshal([]interface{}{"EVENT", subID, ev})
	return raw
}

func authChallengeFrame(challenge string) []byte {
	raw, _ := json.Marshal([]interface{}{"AUTH", challenge})
	return raw
}
