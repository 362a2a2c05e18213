package relay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/gorilla/websocket"

	"github.com/klingon-exchange/burrow/internal/config"
	"github.com/klingon-exchange/burrow/internal/event"
	"github.com/klingon-exchange/burrow/internal/paywall"
	"github.com/klingon-exchange/burrow/internal/policy"
	"github.com/klingon-exchange/burrow/internal/store"
)

// --- harness ---

func defaultRelayConfig() config.RelayConfig {
	return config.RelayConfig{
		Name:        "test relay",
		Description: "integration test relay",
		Subdomain:   "test",
		Limits: config.LimitsConfig{
			MaxMessageLength: config.DefaultMaxMessageLength,
			MaxSubscriptions: config.DefaultMaxSubscriptions,
			MaxSubIDLength:   config.DefaultMaxSubIDLength,
			MaxLimit:         config.DefaultMaxLimit,
			DefaultLimit:     config.DefaultQueryLimit,
		},
	}
}

// spawnRelay starts one relay on an httptest server and returns its base URL.
func spawnRelay(t *testing.T, cfg config.RelayConfig, sets ...policy.IdentitySet) (*Relay, string) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	var writeTrust, readTrust, writePaywall, readPaywall policy.IdentitySet
	if len(sets) > 0 {
		writeTrust = sets[0]
	}
	if len(sets) > 1 {
		readTrust = sets[1]
	}
	if len(sets) > 2 {
		writePaywall = sets[2]
	}
	if len(sets) > 3 {
		readPaywall = sets[3]
	}
	engine := policy.New(cfg.Policy, cfg.Limits, writeTrust, readTrust, writePaywall, readPaywall)

	r := New("test", cfg, st, engine, nil)
	server := httptest.NewServer(r)
	t.Cleanup(server.Close)
	return r, server.URL
}

// wsClient is a minimal test client over one websocket connection.
type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialRelay(t *testing.T, baseURL string) *wsClient {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(baseURL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial relay: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) send(frame ...interface{}) {
	c.t.Helper()
	raw, err := json.Marshal(frame)
	if err != nil {
		c.t.Fatalf("failed to marshal frame: %v", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		c.t.Fatalf("failed to send frame: %v", err)
	}
}

func (c *wsClient) sendRaw(raw string) {
	c.t.Helper()
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		c.t.Fatalf("failed to send frame: %v", err)
	}
}

func (c *wsClient) recv() []json.RawMessage {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := c.conn.ReadMessage()
	if err != nil {
		c.t.Fatalf("failed to read frame: %v", err)
	}
	var frame []json.RawMessage
	if err := json.Unmarshal(raw, &frame); err != nil || len(frame) == 0 {
		c.t.Fatalf("unparsable frame %q: %v", raw, err)
	}
	return frame
}

func (c *wsClient) frameType(frame []json.RawMessage) string {
	c.t.Helper()
	var kind string
	if err := json.Unmarshal(frame[0], &kind); err != nil {
		c.t.Fatalf("bad frame type: %v", err)
	}
	return kind
}

func (c *wsClient) expectOK(wantAccepted bool) (string, string) {
	c.t.Helper()
	frame := c.recv()
	if kind := c.frameType(frame); kind != "OK" {
		c.t.Fatalf("expected OK, got %s", kind)
	}
	var id, message string
	var accepted bool
	_ = json.Unmarshal(frame[1], &id)
	_ = json.Unmarshal(frame[2], &accepted)
	_ = json.Unmarshal(frame[3], &message)
	if accepted != wantAccepted {
		c.t.Fatalf("OK accepted = %v (%s), want %v", accepted, message, wantAccepted)
	}
	return id, message
}

func (c *wsClient) expectNotice() string {
	c.t.Helper()
	frame := c.recv()
	if kind := c.frameType(frame); kind != "NOTICE" {
		c.t.Fatalf("expected NOTICE, got %s", kind)
	}
	var message string
	_ = json.Unmarshal(frame[1], &message)
	return message
}

func (c *wsClient) expectEvent(wantSub string) *event.Event {
	c.t.Helper()
	frame := c.recv()
	if kind := c.frameType(frame); kind != "EVENT" {
		c.t.Fatalf("expected EVENT, got %s", kind)
	}
	var sub string
	_ = json.Unmarshal(frame[1], &sub)
	if sub != wantSub {
		c.t.Fatalf("EVENT for sub %q, want %q", sub, wantSub)
	}
	ev, err := event.Unmarshal(frame[2])
	if err != nil {
		c.t.Fatalf("bad event payload: %v", err)
	}
	return ev
}

func (c *wsClient) expectEOSE(wantSub string) {
	c.t.Helper()
	frame := c.recv()
	if kind := c.frameType(frame); kind != "EOSE" {
		c.t.Fatalf("expected EOSE, got %s", kind)
	}
	var sub string
	_ = json.Unmarshal(frame[1], &sub)
	if sub != wantSub {
		c.t.Fatalf("EOSE for sub %q, want %q", sub, wantSub)
	}
}

func (c *wsClient) expectAuthChallenge() string {
	c.t.Helper()
	frame := c.recv()
	if kind := c.frameType(frame); kind != "AUTH" {
		c.t.Fatalf("expected AUTH, got %s", kind)
	}
	var challenge string
	_ = json.Unmarshal(frame[1], &challenge)
	return challenge
}

func newKey(t *testing.T) *btcec.PrivateKey {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	return priv
}

func signedNote(t *testing.T, priv *btcec.PrivateKey, content string) *event.Event {
	t.Helper()
	ev := &event.Event{
		CreatedAt: time.Now().Unix(),
		Kind:      event.KindTextNote,
		Tags:      []event.Tag{},
		Content:   content,
	}
	if err := ev.Sign(priv); err != nil {
		t.Fatalf("failed to sign: %v", err)
	}
	return ev
}

func pkOf(t *testing.T, ev *event.Event) [32]byte {
	t.Helper()
	pk, err := ev.PubKeyBytes()
	if err != nil {
		t.Fatal(err)
	}
	return pk
}

// --- scenarios ---

func TestOpenRelayRoundTrip(t *testing.T) {
	_, url := spawnRelay(t, defaultRelayConfig())
	client := dialRelay(t, url)

	priv := newKey(t)
	ev := signedNote(t, priv, "hello")
	client.send("EVENT", ev)
	id, message := client.expectOK(true)
	if id != ev.ID || message != "" {
		t.Errorf("OK = (%s, %q), want (%s, \"\")", id, message, ev.ID)
	}

	client.send("REQ", "s", map[string]interface{}{"ids": []string{ev.ID}})
	got := client.expectEvent("s")
	if got.ID != ev.ID || got.Content != "hello" {
		t.Errorf("streamed event = %+v", got)
	}
	client.expectEOSE("s")
}

func TestInvalidSignatureRejected(t *testing.T) {
	_, url := spawnRelay(t, defaultRelayConfig())
	client := dialRelay(t, url)

	priv := newKey(t)
	ev := signedNote(t, priv, "hello")
	ev.Content = "tampered"
	client.send("EVENT", ev)
	_, message := client.expectOK(false)
	if !strings.HasPrefix(message, "invalid:") {
		t.Errorf("message = %q, want invalid: prefix", message)
	}
}

func TestBlockListWinsOverAllowList(t *testing.T) {
	priv := newKey(t)
	probe := signedNote(t, priv, "probe")

	cfg := defaultRelayConfig()
	cfg.Policy.Write.AllowedPubkeys = []string{probe.PubKey}
	cfg.Policy.Write.BlockedPubkeys = []string{probe.PubKey}
	_, url := spawnRelay(t, cfg)
	client := dialRelay(t, url)

	client.send("EVENT", probe)
	_, message := client.expectOK(false)
	if message != "blocked: pubkey is blocked" {
		t.Errorf("message = %q", message)
	}
}

// mineNote grinds a nonce tag until the note id clears the difficulty.
func mineNote(t *testing.T, priv *btcec.PrivateKey, difficulty int) *event.Event {
	t.Helper()
	pub := signedNote(t, priv, "pow").PubKey
	for nonce := 0; ; nonce++ {
		ev := &event.Event{
			PubKey:    pub,
			CreatedAt: time.Now().Unix(),
			Kind:      event.KindTextNote,
			Tags:      []event.Tag{{"nonce", itoa(nonce)}},
			Content:   "pow",
		}
		id := ev.ComputeID()
		if policy.LeadingZeroBits(id[:]) >= difficulty {
			if err := ev.Sign(priv); err != nil {
				t.Fatalf("failed to sign mined note: %v", err)
			}
			return ev
		}
	}
}

func itoa(n int) string {
	raw, _ := json.Marshal(n)
	return string(raw)
}

func TestProofOfWorkBitBoundary(t *testing.T) {
	cfg := defaultRelayConfig()
	cfg.Policy.Events.MinPow = 8
	_, url := spawnRelay(t, cfg)
	client := dialRelay(t, url)

	priv := newKey(t)

	mined := mineNote(t, priv, 8)
	client.send("EVENT", mined)
	if _, message := client.expectOK(true); message != "" {
		t.Errorf("mined note rejected: %q", message)
	}

	// An unmined note will essentially never carry 8 leading zero bits; if
	// it accidentally does, grind one that does not.
	var weak *event.Event
	for {
		weak = signedNote(t, priv, "no pow")
		id, _ := weak.IDBytes()
		if policy.LeadingZeroBits(id[:]) < 8 {
			break
		}
	}
	client.send("EVENT", weak)
	_, message := client.expectOK(false)
	if !strings.Contains(message, "insufficient PoW") {
		t.Errorf("message = %q", message)
	}
}

func TestAuthRequiredReadWithPaywall(t *testing.T) {
	payer := newKey(t)
	payerNote := signedNote(t, payer, "who am i")
	paid := paywall.NewSet()
	paid.Add(pkOf(t, payerNote), time.Now().Unix()+3600)

	cfg := defaultRelayConfig()
	cfg.Policy.Read.Paywall = "wall"
	_, url := spawnRelay(t, cfg, nil, nil, nil, paid)

	// Without AUTH the read is refused pending authentication.
	client := dialRelay(t, url)
	challenge := client.expectAuthChallenge()
	client.send("REQ", "s", map[string]interface{}{})
	if message := client.expectNotice(); !strings.HasPrefix(message, "auth-required:") {
		t.Fatalf("notice = %q", message)
	}

	// Authenticated as a non-payer: terminal denial.
	outsider := newKey(t)
	authEv := authEvent(t, outsider, challenge, time.Now().Unix())
	client.send("AUTH", authEv)
	client.expectOK(true)
	client.send("REQ", "s", map[string]interface{}{})
	if message := client.expectNotice(); message != "blocked: payment required for read access" {
		t.Fatalf("notice = %q", message)
	}

	// Authenticated as the payer: the query runs.
	client2 := dialRelay(t, url)
	challenge2 := client2.expectAuthChallenge()
	authEv2 := authEvent(t, payer, challenge2, time.Now().Unix())
	client2.send("AUTH", authEv2)
	client2.expectOK(true)
	client2.send("REQ", "s", map[string]interface{}{})
	client2.expectEOSE("s")
}

func TestLiveBroadcastMatchesFilters(t *testing.T) {
	_, url := spawnRelay(t, defaultRelayConfig())

	listener := dialRelay(t, url)
	listener.send("REQ", "live", map[string]interface{}{"kinds": []int{1}})
	listener.expectEOSE("live")

	publisher := dialRelay(t, url)
	priv := newKey(t)
	ev := signedNote(t, priv, "breaking")
	publisher.send("EVENT", ev)
	publisher.expectOK(true)

	got := listener.expectEvent("live")
	if got.ID != ev.ID {
		t.Errorf("live event = %s, want %s", got.ID, ev.ID)
	}
}

func TestLiveBroadcastSkipsNonMatching(t *testing.T) {
	_, url := spawnRelay(t, defaultRelayConfig())

	listener := dialRelay(t, url)
	listener.send("REQ", "live", map[string]interface{}{"kinds": []int{7}})
	listener.expectEOSE("live")

	publisher := dialRelay(t, url)
	priv := newKey(t)
	ev := signedNote(t, priv, "kind 1, not 7")
	publisher.send("EVENT", ev)
	publisher.expectOK(true)

	// The non-matching event must not arrive; a subsequent probe event on a
	// matching subscription flushes the ordering question.
	listener.send("CLOSE", "live")
	listener.send("REQ", "all", map[string]interface{}{})
	got := listener.expectEvent("all")
	if got.ID != ev.ID {
		t.Errorf("stored event = %s, want %s", got.ID, ev.ID)
	}
	listener.expectEOSE("all")
}

func TestSubIDLengthCap(t *testing.T) {
	cfg := defaultRelayConfig()
	cfg.Limits.MaxSubIDLength = 8
	_, url := spawnRelay(t, cfg)
	client := dialRelay(t, url)

	client.send("REQ", strings.Repeat("x", 9), map[string]interface{}{})
	if message := client.expectNotice(); !strings.Contains(message, "subscription id too long") {
		t.Errorf("notice = %q", message)
	}
}

func TestMaxSubscriptionsCap(t *testing.T) {
	cfg := defaultRelayConfig()
	cfg.Limits.MaxSubscriptions = 2
	_, url := spawnRelay(t, cfg)
	client := dialRelay(t, url)

	client.send("REQ", "a", map[string]interface{}{})
	client.expectEOSE("a")
	client.send("REQ", "b", map[string]interface{}{})
	client.expectEOSE("b")

	client.send("REQ", "c", map[string]interface{}{})
	if message := client.expectNotice(); !strings.Contains(message, "too many subscriptions") {
		t.Errorf("notice = %q", message)
	}

	// Replacing an active subscription stays allowed at the cap.
	client.send("REQ", "a", map[string]interface{}{})
	client.expectEOSE("a")
}

func TestMessageSizeCap(t *testing.T) {
	cfg := defaultRelayConfig()
	cfg.Limits.MaxMessageLength = 256
	_, url := spawnRelay(t, cfg)
	client := dialRelay(t, url)

	oversized := `["EVENT",{"content":"` + strings.Repeat("x", 300) + `"}]`
	client.sendRaw(oversized)
	if message := client.expectNotice(); !strings.Contains(message, "message too large") {
		t.Errorf("notice = %q", message)
	}
}

func TestWriteRateLimit(t *testing.T) {
	cfg := defaultRelayConfig()
	cfg.RateLimit.WritesPerMinute = 1
	_, url := spawnRelay(t, cfg)
	client := dialRelay(t, url)

	priv := newKey(t)
	client.send("EVENT", signedNote(t, priv, "first"))
	client.expectOK(true)

	client.send("EVENT", signedNote(t, priv, "second"))
	_, message := client.expectOK(false)
	if !strings.HasPrefix(message, "rate-limited:") {
		t.Errorf("message = %q", message)
	}
}

func TestLimitClamping(t *testing.T) {
	cfg := defaultRelayConfig()
	cfg.Limits.MaxLimit = 2
	r, url := spawnRelay(t, cfg)

	priv := newKey(t)
	for i := 0; i < 4; i++ {
		ev := &event.Event{
			CreatedAt: time.Now().Unix() + int64(i),
			Kind:      event.KindTextNote,
			Tags:      []event.Tag{},
			Content:   itoa(i),
		}
		if err := ev.Sign(priv); err != nil {
			t.Fatal(err)
		}
		if err := r.Store().Save(ev); err != nil {
			t.Fatal(err)
		}
	}

	client := dialRelay(t, url)
	client.send("REQ", "s", map[string]interface{}{"limit": 100})
	count := 0
	for {
		frame := client.recv()
		if client.frameType(frame) == "EOSE" {
			break
		}
		count++
	}
	if count != 2 {
		t.Errorf("received %d events, want 2 (clamped)", count)
	}
}

func TestLimitClampedToFloorOfOne(t *testing.T) {
	r, url := spawnRelay(t, defaultRelayConfig())

	priv := newKey(t)
	for i := 0; i < 3; i++ {
		ev := &event.Event{
			CreatedAt: time.Now().Unix() + int64(i),
			Kind:      event.KindTextNote,
			Tags:      []event.Tag{},
			Content:   itoa(i),
		}
		if err := ev.Sign(priv); err != nil {
			t.Fatal(err)
		}
		if err := r.Store().Save(ev); err != nil {
			t.Fatal(err)
		}
	}

	client := dialRelay(t, url)
	for _, limit := range []int{0, -5} {
		client.send("REQ", "s", map[string]interface{}{"limit": limit})
		count := 0
		for {
			frame := client.recv()
			if client.frameType(frame) == "EOSE" {
				break
			}
			count++
		}
		if count != 1 {
			t.Errorf("limit %d: received %d events, want 1 (floor)", limit, count)
		}
	}
}

func TestInfoDocument(t *testing.T) {
	cfg := defaultRelayConfig()
	cfg.AdminPubkey = strings.Repeat("ab", 32)
	cfg.Policy.Write.AllowedPubkeys = []string{strings.Repeat("cd", 32)}
	cfg.Policy.Events.MinPow = 16
	_, url := spawnRelay(t, cfg)

	req, _ := http.NewRequest(http.MethodGet, url, nil)
	req.Header.Set("Accept", "application/nostr+json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()

	if got := resp.Header.Get("Content-Type"); got != "application/nostr+json" {
		t.Errorf("Content-Type = %q", got)
	}

	var doc struct {
		Name          string `json:"name"`
		Pubkey        string `json:"pubkey"`
		SupportedNIPs []int  `json:"supported_nips"`
		Limitation    struct {
			MaxMessageLength int  `json:"max_message_length"`
			MaxSubscriptions int  `json:"max_subscriptions"`
			MinPowDifficulty int  `json:"min_pow_difficulty"`
			RestrictedWrites bool `json:"restricted_writes"`
			AuthRequired     bool `json:"auth_required"`
			PaymentRequired  bool `json:"payment_required"`
		} `json:"limitation"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatalf("failed to decode info document: %v", err)
	}

	if doc.Name != cfg.Name || doc.Pubkey != cfg.AdminPubkey {
		t.Errorf("doc identity = %q/%q", doc.Name, doc.Pubkey)
	}
	if doc.Limitation.MaxMessageLength != int(cfg.Limits.MaxMessageLength) ||
		doc.Limitation.MaxSubscriptions != cfg.Limits.MaxSubscriptions {
		t.Error("advertised caps do not equal enforced caps")
	}
	if doc.Limitation.MinPowDifficulty != 16 {
		t.Errorf("min_pow_difficulty = %d", doc.Limitation.MinPowDifficulty)
	}
	if !doc.Limitation.RestrictedWrites {
		t.Error("restricted_writes not derived from the allow-list")
	}
	if doc.Limitation.AuthRequired || doc.Limitation.PaymentRequired {
		t.Error("auth/payment advertised without configuration")
	}
	hasNIP := func(n int) bool {
		for _, got := range doc.SupportedNIPs {
			if got == n {
				return true
			}
		}
		return false
	}
	for _, n := range []int{1, 11, 13} {
		if !hasNIP(n) {
			t.Errorf("supported_nips missing %d", n)
		}
	}
}

func TestCloseStopsLiveDelivery(t *testing.T) {
	_, url := spawnRelay(t, defaultRelayConfig())

	listener := dialRelay(t, url)
	listener.send("REQ", "live", map[string]interface{}{})
	listener.expectEOSE("live")
	listener.send("CLOSE", "live")

	publisher := dialRelay(t, url)
	priv := newKey(t)
	ev := signedNote(t, priv, "after close")
	publisher.send("EVENT", ev)
	publisher.expectOK(true)

	// A fresh subscription works and is the only thing that delivers.
	listener.send("REQ", "again", map[string]interface{}{})
	got := listener.expectEvent("again")
	if got.ID != ev.ID {
		t.Errorf("event = %s, want %s", got.ID, ev.ID)
	}
	listener.expectEOSE("again")
}
