package nwc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/klingon-exchange/burrow/internal/event"
	"github.com/klingon-exchange/burrow/pkg/logging"
)

// Timeouts for the request/response cycle.
const (
	connectTimeout  = 10 * time.Second
	defaultTimeout  = 30 * time.Second
	lookupTimeout   = 8 * time.Second
	watchPollPeriod = 15 * time.Second
	watchLifetime   = time.Hour
)

// Client talks to one wallet over its relay.
type Client struct {
	uri  *URI
	priv *btcec.PrivateKey
	log  *logging.Logger
}

// NewClient parses the connection string and derives our signing key.
func NewClient(connectionString string) (*Client, error) {
	uri, err := ParseURI(connectionString)
	if err != nil {
		return nil, err
	}
	secretRaw, err := hex.DecodeString(uri.Secret)
	if err != nil {
		return nil, fmt.Errorf("%w: bad secret", ErrBadURI)
	}
	priv, _ := btcec.PrivKeyFromBytes(secretRaw)
	return &Client{
		uri:  uri,
		priv: priv,
		log:  logging.GetDefault().Component("nwc"),
	}, nil
}

// RelayURL returns the wallet's relay.
func (c *Client) RelayURL() string { return c.uri.RelayURL }

// buildRequestEvent encrypts and signs a wallet request event.
func (c *Client) buildRequestEvent(req Request) (*event.Event, error) {
	plaintext, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	content, err := c.uri.encrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt request: %w", err)
	}
	ev := &event.Event{
		CreatedAt: time.Now().Unix(),
		Kind:      event.KindWalletRequest,
		Tags:      []event.Tag{{"p", c.uri.WalletPubkey}},
		Content:   content,
	}
	if err := ev.Sign(c.priv); err != nil {
		return nil, err
	}
	return ev, nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: connectTimeout}
	conn, _, err := dialer.DialContext(ctx, c.uri.RelayURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to wallet relay %s: %w", c.uri.RelayURL, err)
	}
	return conn, nil
}

func writeFrame(conn *websocket.Conn, frame []interface{}) error {
	raw, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, raw)
}

// sendAndWait performs one request/response cycle. The response subscription
// is installed BEFORE the request event is sent: a wallet answering a cheap
// lookup can publish its reply faster than a second round-trip, and a relay
// treating wallet events as ephemeral would drop the un-subscribed reply.
func (c *Client) sendAndWait(ctx context.Context, req Request, timeout time.Duration) (*Response, error) {
	reqEvent, err := c.buildRequestEvent(req)
	if err != nil {
		return nil, err
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	ourPubkey := hex.EncodeToString(c.priv.PubKey().SerializeCompressed()[1:])
	subID := "nwc-" + uuid.NewString()[:8]
	sub := []interface{}{"REQ", subID, map[string]interface{}{
		"kinds": []int{int(event.KindWalletResponse)},
		"#p":    []string{ourPubkey},
		"#e":    []string{reqEvent.ID},
		"limit": 1,
	}}
	if err := writeFrame(conn, sub); err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	reqJSON, err := reqEvent.Marshal()
	if err != nil {
		return nil, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`["EVENT",`+string(reqJSON)+`]`)); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	deadline := time.Now().Add(timeout)
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("timeout waiting for wallet %s response: %w", req.Method, err)
		}
		var frame []json.RawMessage
		if err := json.Unmarshal(raw, &frame); err != nil || len(frame) == 0 {
			continue
		}
		var kind string
		if json.Unmarshal(frame[0], &kind) != nil {
			continue
		}

		switch kind {
		case "OK":
			var accepted bool
			var reason string
			if len(frame) >= 3 {
				_ = json.Unmarshal(frame[2], &accepted)
			}
			if len(frame) >= 4 {
				_ = json.Unmarshal(frame[3], &reason)
			}
			if !accepted {
				return nil, fmt.Errorf("wallet relay rejected request: %s", reason)
			}
		case "EVENT":
			if len(frame) < 3 {
				continue
			}
			resp, err := c.decodeResponse(frame[2])
			if err != nil {
				c.log.Warn("undecodable wallet response", "error", err)
				continue
			}
			return resp, nil
		case "NOTICE":
			var notice string
			if len(frame) >= 2 {
				_ = json.Unmarshal(frame[1], &notice)
			}
			c.log.Warn("wallet relay notice", "notice", notice)
		}
	}
}

func (c *Client) decodeResponse(raw json.RawMessage) (*Response, error) {
	ev, err := event.Unmarshal(raw)
	if err != nil {
		return nil, err
	}
	plaintext, err := c.uri.decrypt(ev.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt response: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(plaintext, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &resp, nil
}

// MakeInvoice asks the wallet to mint an invoice.
func (c *Client) MakeInvoice(ctx context.Context, amountMsats uint64, memo string) (*Invoice, error) {
	params, err := json.Marshal(MakeInvoiceParams{AmountMsats: amountMsats, Description: memo})
	if err != nil {
		return nil, err
	}
	resp, err := c.sendAndWait(ctx, Request{Method: "make_invoice", Params: params}, defaultTimeout)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("wallet error %s: %s", resp.Error.Code, resp.Error.Message)
	}
	var inv Invoice
	if err := json.Unmarshal(resp.Result, &inv); err != nil {
		return nil, fmt.Errorf("bad make_invoice result: %w", err)
	}
	if inv.PaymentHash == "" {
		return nil, fmt.Errorf("wallet returned no payment hash")
	}
	c.log.Info("invoice created", "payment_hash", inv.PaymentHash, "amount_msats", amountMsats)
	return &inv, nil
}

// LookupInvoice resolves the current settlement state of an invoice.
func (c *Client) LookupInvoice(ctx context.Context, paymentHash string) (InvoiceStatus, error) {
	params, err := json.Marshal(LookupInvoiceParams{PaymentHash: paymentHash})
	if err != nil {
		return StatusPending, err
	}
	resp, err := c.sendAndWait(ctx, Request{Method: "lookup_invoice", Params: params}, lookupTimeout)
	if err != nil {
		return StatusPending, err
	}
	if resp.Error != nil {
		return StatusPending, fmt.Errorf("wallet error %s: %s", resp.Error.Code, resp.Error.Message)
	}
	var rec InvoiceRecord
	if err := json.Unmarshal(resp.Result, &rec); err != nil {
		return StatusPending, fmt.Errorf("bad lookup_invoice result: %w", err)
	}
	return recordStatus(&rec), nil
}

// GetInfo performs a get_info round-trip, validating the connection.
func (c *Client) GetInfo(ctx context.Context) error {
	resp, err := c.sendAndWait(ctx, Request{Method: "get_info", Params: json.RawMessage(`{}`)}, defaultTimeout)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return fmt.Errorf("wallet error %s: %s", resp.Error.Code, resp.Error.Message)
	}
	return nil
}

// recordStatus maps an invoice record to a settlement state: a settle
// timestamp or a non-empty preimage means paid, a past expiry means expired.
func recordStatus(rec *InvoiceRecord) InvoiceStatus {
	if rec.SettledAt != 0 || rec.Preimage != "" {
		return StatusPaid
	}
	if rec.ExpiresAt != 0 && time.Now().Unix() > rec.ExpiresAt {
		return StatusExpired
	}
	return StatusPending
}
