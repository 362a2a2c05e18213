package nwc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/klingon-exchange/burrow/internal/event"
)

const (
	watchReconnectBase = 2 * time.Second
	watchMaxRetries    = 3
)

// WatchInvoice runs the settlement watch for one invoice: a persistent
// subscription for wallet responses and notifications, an initial lookup to
// catch already-paid invoices, and a poll fallback. The terminal status is
// published on the watch; connection failures reconnect with capped
// exponential backoff until a terminal status was published or the retries
// are exhausted. The whole watch lives at most one hour.
func (c *Client) WatchInvoice(ctx context.Context, paymentHash string, watch *StatusWatch) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = watchReconnectBase
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = watchReconnectBase << watchMaxRetries
	bo.MaxElapsedTime = 0

	deadline := time.Now().Add(watchLifetime)

	operation := func() error {
		if watch.Latest().Terminal() {
			return nil
		}
		err := c.watchConnection(ctx, paymentHash, watch, deadline)
		if err != nil && watch.Latest().Terminal() {
			// The terminal transition already happened; the connection
			// error is uninteresting.
			return nil
		}
		if err != nil {
			c.log.Warn("settlement watch connection failed, retrying",
				"payment_hash", paymentHash, "error", err)
		}
		return err
	}

	err := backoff.Retry(operation,
		backoff.WithContext(backoff.WithMaxRetries(bo, watchMaxRetries), ctx))
	if err != nil {
		c.log.Error("settlement watch giving up", "payment_hash", paymentHash, "error", err)
	}
	return err
}

// watchConnection runs one connection's worth of the watch loop.
func (c *Client) watchConnection(ctx context.Context, paymentHash string, watch *StatusWatch, deadline time.Time) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	ourPubkey := hex.EncodeToString(c.priv.PubKey().SerializeCompressed()[1:])
	sub := []interface{}{"REQ", "nwc-watch", map[string]interface{}{
		"kinds": []int{int(event.KindWalletResponse), int(event.KindWalletNotification)},
		"#p":    []string{ourPubkey},
	}}
	if err := writeFrame(conn, sub); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	// Initial lookup on the same channel catches already-paid invoices.
	if err := c.sendLookup(conn, paymentHash); err != nil {
		return err
	}

	type readResult struct {
		raw []byte
		err error
	}
	reads := make(chan readResult)
	go func() {
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				reads <- readResult{err: err}
				return
			}
			reads <- readResult{raw: raw}
		}
	}()

	poll := time.NewTicker(watchPollPeriod)
	defer poll.Stop()
	lifetime := time.NewTimer(time.Until(deadline))
	defer lifetime.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-lifetime.C:
			c.log.Info("settlement watch lifetime reached", "payment_hash", paymentHash)
			return nil

		case <-poll.C:
			if err := c.sendLookup(conn, paymentHash); err != nil {
				return err
			}

		case res := <-reads:
			if res.err != nil {
				return fmt.Errorf("read failed: %w", res.err)
			}
			status, ok := c.matchSettlement(res.raw, paymentHash)
			if !ok {
				continue
			}
			if status.Terminal() {
				c.log.Info("settlement watch finished",
					"payment_hash", paymentHash, "status", status)
				watch.publish(status)
				return nil
			}
		}
	}
}

func (c *Client) sendLookup(conn *websocket.Conn, paymentHash string) error {
	params, err := json.Marshal(LookupInvoiceParams{PaymentHash: paymentHash})
	if err != nil {
		return err
	}
	reqEvent, err := c.buildRequestEvent(Request{Method: "lookup_invoice", Params: params})
	if err != nil {
		return err
	}
	raw, err := reqEvent.Marshal()
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`["EVENT",`+string(raw)+`]`)); err != nil {
		return fmt.Errorf("failed to send lookup: %w", err)
	}
	return nil
}

// matchSettlement decrypts an incoming frame and, if it concerns our
// payment hash, derives the settlement state from it.
func (c *Client) matchSettlement(raw []byte, paymentHash string) (InvoiceStatus, bool) {
	var frame []json.RawMessage
	if err := json.Unmarshal(raw, &frame); err != nil || len(frame) < 3 {
		return StatusPending, false
	}
	var kind string
	if json.Unmarshal(frame[0], &kind) != nil || kind != "EVENT" {
		return StatusPending, false
	}
	resp, err := c.decodeResponse(frame[2])
	if err != nil {
		return StatusPending, false
	}

	var rec InvoiceRecord
	switch {
	case resp.Result != nil:
		if json.Unmarshal(resp.Result, &rec) != nil {
			return StatusPending, false
		}
	case resp.Notification != nil:
		if json.Unmarshal(resp.Notification, &rec) != nil {
			return StatusPending, false
		}
	default:
		return StatusPending, false
	}

	if rec.PaymentHash != paymentHash {
		return StatusPending, false
	}
	return recordStatus(&rec), true
}
