package relay

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/klingon-exchange/burrow/internal/event"
	"github.com/klingon-exchange/burrow/internal/filter"
	"github.com/klingon-exchange/burrow/internal/store"
)

// writeTimeout bounds one outbound frame write.
const writeTimeout = 10 * time.Second

// session drives one client connection: frames are processed in arrival
// order, and every response for a frame is written before the next frame is
// handled. Live-tail delivery runs on its own goroutine and interleaves
// between frame responses.
type session struct {
	relay *Relay
	conn  *websocket.Conn
	ip    net.IP

	authed    *[32]byte
	challenge string

	subMu sync.Mutex
	subs  map[string][]*filter.Filter

	writeMu sync.Mutex

	bytesRx uint64
	bytesTx uint64
}

func newSession(r *Relay, conn *websocket.Conn, ip net.IP) *session {
	return &session{
		relay: r,
		conn:  conn,
		ip:    ip,
		subs:  make(map[string][]*filter.Filter),
	}
}

// clientIP takes the forwarding header when present, falling back to the
// socket peer and finally loopback.
func clientIP(req *http.Request) net.IP {
	if fwd := req.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip
		}
	}
	if real := req.Header.Get("X-Real-IP"); real != "" {
		if ip := net.ParseIP(strings.TrimSpace(real)); ip != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err == nil {
		if ip := net.ParseIP(host); ip != nil {
			return ip
		}
	}
	return net.IPv4(127, 0, 0, 1)
}

func (s *session) run() {
	r := s.relay
	defer s.conn.Close()

	if !r.tracker.TryConnect(s.ip, r.cfg.RateLimit.MaxConnectionsPerIP) {
		s.write(noticeFrame("rate-limited: too many connections from this IP"))
		return
	}
	defer r.tracker.Disconnect(s.ip)

	maxMessage := int(r.cfg.Limits.MaxMessageLength)
	// Hard stop slightly above the advertised cap; the polite rejection
	// below fires first for anything between the two.
	s.conn.SetReadLimit(int64(maxMessage) + 1024)

	if r.policy.WantsAuth() {
		s.challenge = uuid.NewString()
		s.write(authChallengeFrame(s.challenge))
	}

	live := r.broadcaster.Subscribe()
	liveDone := make(chan struct{})
	go s.liveLoop(live, liveDone)
	defer func() {
		r.broadcaster.Unsubscribe(live)
		close(live)
		<-liveDone
	}()

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		s.bytesRx += uint64(len(raw))

		if len(raw) > maxMessage {
			s.write(noticeFrame("invalid: message too large"))
			continue
		}

		frame, err := ParseClientFrame(raw)
		if err != nil {
			s.write(noticeFrame("invalid: " + err.Error()))
			continue
		}

		switch frame.Type {
		case FrameEvent:
			s.handleEvent(frame.Event)
		case FrameReq:
			s.handleReq(frame.SubID, frame.Filters)
		case FrameClose:
			s.handleClose(frame.SubID)
		case FrameAuth:
			s.handleAuth(frame.Event)
		}
	}
}

func (s *session) handleEvent(ev *event.Event) {
	r := s.relay

	if !r.tracker.CheckWriteRate(s.ip, r.cfg.RateLimit.WritesPerMinute) {
		s.write(okFrame(ev.ID, false, "rate-limited: too many events"))
		return
	}

	if err := ev.Verify(); err != nil {
		s.write(okFrame(ev.ID, false, "invalid: "+err.Error()))
		return
	}

	decision := r.policy.CanWrite(ev, s.authed)
	switch {
	case decision.AuthRequired():
		s.write(okFrame(ev.ID, false, "auth-required: authentication required"))
		return
	case !decision.Allowed():
		s.write(okFrame(ev.ID, false, "blocked: "+decision.Reason()))
		return
	}

	if event.IsEphemeral(ev.Kind) {
		s.write(okFrame(ev.ID, true, ""))
		r.broadcaster.Publish(ev)
		return
	}

	if err := r.store.Save(ev); err != nil {
		if errors.Is(err, store.ErrCorruptRecord) {
			r.log.Fatal("corrupt store record", "error", err)
		}
		r.log.Error("failed to save event", "id", ev.ID, "error", err)
		s.write(okFrame(ev.ID, false, "error saving"))
		return
	}
	s.write(okFrame(ev.ID, true, ""))
	r.broadcaster.Publish(ev)
}

func (s *session) handleReq(subID string, filters []*filter.Filter) {
	r := s.relay

	if len(subID) > r.cfg.Limits.MaxSubIDLength {
		s.write(noticeFrame("invalid: subscription id too long"))
		return
	}

	s.subMu.Lock()
	_, replacing := s.subs[subID]
	atCap := !replacing && len(s.subs) >= r.cfg.Limits.MaxSubscriptions
	s.subMu.Unlock()
	if atCap {
		s.write(noticeFrame("too many subscriptions"))
		return
	}

	if !r.tracker.CheckReadRate(s.ip, r.cfg.RateLimit.ReadsPerMinute) {
		s.write(noticeFrame("rate-limited: too many queries"))
		return
	}

	for range filters {
		decision := r.policy.CanRead(s.authed)
		switch {
		case decision.AuthRequired():
			s.write(noticeFrame("auth-required: authentication required"))
			return
		case !decision.Allowed():
			s.write(noticeFrame("blocked: " + decision.Reason()))
			return
		}
	}

	// Register before replaying history so the live tail is active by the
	// time the client sees EOSE.
	s.subMu.Lock()
	s.subs[subID] = filters
	s.subMu.Unlock()

	for _, f := range filters {
		s.clampLimit(f)
		events, err := r.store.Query(f)
		if err != nil {
			if errors.Is(err, store.ErrCorruptRecord) {
				r.log.Fatal("corrupt store record", "error", err)
			}
			r.log.Error("query failed", "sub", subID, "error", err)
			s.write(noticeFrame("error: query failed"))
			return
		}
		for _, ev := range events {
			s.write(eventFrame(subID, ev))
		}
	}
	s.write(eoseFrame(subID))
}

// clampLimit forces one filter's limit into [1, max_limit]; an absent limit
// becomes the relay's default, itself capped at max_limit.
func (s *session) clampLimit(f *filter.Filter) {
	limits := s.relay.cfg.Limits
	if f.Limit == nil {
		def := limits.DefaultLimit
		f.Limit = &def
	} else if *f.Limit < 1 {
		floor := 1
		f.Limit = &floor
		return
	}
	if limits.MaxLimit > 0 && *f.Limit > limits.MaxLimit {
		capped := limits.MaxLimit
		f.Limit = &capped
	}
}

func (s *session) handleClose(subID string) {
	s.subMu.Lock()
	delete(s.subs, subID)
	s.subMu.Unlock()
}

func (s *session) handleAuth(ev *event.Event) {
	if s.challenge == "" {
		s.challenge = uuid.NewString()
		s.write(authChallengeFrame(s.challenge))
		return
	}
	pk, err := verifyAuthEvent(ev, s.challenge)
	if err != nil {
		s.write(okFrame(ev.ID, false, "invalid: "+err.Error()))
		return
	}
	s.authed = &pk
	s.write(okFrame(ev.ID, true, ""))
}

// liveLoop delivers freshly saved events to the session's matching
// subscriptions, using the same predicate logic as stored-event queries.
func (s *session) liveLoop(live chan *event.Event, done chan struct{}) {
	defer close(done)
	for ev := range live {
		s.subMu.Lock()
		var frames [][]byte
		for subID, filters := range s.subs {
			for _, f := range filters {
				if f.Match(ev) {
					frames = append(frames, eventFrame(subID, ev))
					break
				}
			}
		}
		s.subMu.Unlock()
		for _, frame := range frames {
			s.write(frame)
		}
	}
}

func (s *session) write(frame []byte) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, frame); err == nil {
		s.bytesTx += uint64(len(frame))
	}
}
