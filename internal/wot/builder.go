package wot

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/klingon-exchange/burrow/internal/config"
	"github.com/klingon-exchange/burrow/pkg/logging"
)

const (
	// batchSize bounds the authors list of one subscription.
	batchSize = 300
	// connectTimeout bounds the websocket dial to a discovery relay.
	connectTimeout = 10 * time.Second
	// batchReadTimeout bounds waiting for one batch's end-of-stored-events.
	batchReadTimeout = 30 * time.Second
	// interBatchDelay spaces consecutive subscriptions on one connection.
	interBatchDelay = 200 * time.Millisecond
)

// build crawls the follow graph breadth-first from the seed, querying each
// frontier layer's contact lists (kind 3) across the discovery relays. It
// returns the full reachable set. A depth where every relay task fails
// fails the whole build.
func build(ctx context.Context, cfg config.WotConfig, relays []string, progress func(depth, total int), log *logging.Logger) (map[[32]byte]struct{}, error) {
	if len(relays) == 0 {
		return nil, errors.New("no discovery relays configured")
	}
	seedRaw, err := hex.DecodeString(cfg.Seed)
	if err != nil || len(seedRaw) != 32 {
		return nil, fmt.Errorf("invalid seed pubkey %q", cfg.Seed)
	}
	var seed [32]byte
	copy(seed[:], seedRaw)

	maxDepth := cfg.Depth
	if maxDepth < 1 {
		maxDepth = 1
	}
	if maxDepth > 4 {
		maxDepth = 4
	}
	progress(0, maxDepth)

	all := mapset.NewThreadUnsafeSet[[32]byte](seed)
	current := mapset.NewThreadUnsafeSet[[32]byte](seed)
	queried := mapset.NewThreadUnsafeSet[[32]byte]()

	for depth := 1; depth <= maxDepth; depth++ {
		frontier := current.Difference(queried)
		if frontier.Cardinality() == 0 {
			break
		}

		batches := chunkHex(frontier.ToSlice())
		log.Info("crawling follow graph layer",
			"depth", depth, "total_depth", maxDepth,
			"pubkeys", frontier.Cardinality(), "relays", len(relays))

		// Distribute batches round-robin across relays, one task per relay.
		perRelay := make(map[int][][]string)
		for i, batch := range batches {
			idx := i % len(relays)
			perRelay[idx] = append(perRelay[idx], batch)
		}

		type fetchResult struct {
			follows mapset.Set[[32]byte]
			err     error
		}
		results := make(chan fetchResult, len(perRelay))
		for idx, relayBatches := range perRelay {
			go func(url string, batches [][]string) {
				follows, err := fetchFollows(ctx, url, batches, log)
				results <- fetchResult{follows: follows, err: err}
			}(relays[idx], relayBatches)
		}

		next := mapset.NewThreadUnsafeSet[[32]byte]()
		anySuccess := false
		for range perRelay {
			res := <-results
			if res.err != nil {
				log.Warn("discovery relay query failed", "error", res.err)
				continue
			}
			anySuccess = true
			for _, pk := range res.follows.ToSlice() {
				if all.Add(pk) {
					next.Add(pk)
				}
			}
		}
		if !anySuccess {
			return nil, fmt.Errorf("all discovery relays failed at depth %d", depth)
		}

		queried = queried.Union(frontier)
		log.Info("follow graph layer complete",
			"depth", depth, "new", next.Cardinality(), "total", all.Cardinality())
		current = next
		progress(depth, maxDepth)
	}

	out := make(map[[32]byte]struct{}, all.Cardinality())
	for _, pk := range all.ToSlice() {
		out[pk] = struct{}{}
	}
	return out, nil
}

// chunkHex splits pubkeys into hex-encoded author batches.
func chunkHex(pks [][32]byte) [][]string {
	var batches [][]string
	for start := 0; start < len(pks); start += batchSize {
		end := start + batchSize
		if end > len(pks) {
			end = len(pks)
		}
		batch := make([]string, 0, end-start)
		for _, pk := range pks[start:end] {
			batch = append(batch, hex.EncodeToString(pk[:]))
		}
		batches = append(batches, batch)
	}
	return batches
}

// fetchFollows opens one connection to a discovery relay and issues one
// contact-list subscription per batch, collecting every followed pubkey
// until the relay signals end-of-stored-events for that subscription.
func fetchFollows(ctx context.Context, relayURL string, batches [][]string, log *logging.Logger) (mapset.Set[[32]byte], error) {
	dialer := websocket.Dialer{HandshakeTimeout: connectTimeout}
	conn, _, err := dialer.DialContext(ctx, relayURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", relayURL, err)
	}
	defer conn.Close()

	follows := mapset.NewThreadUnsafeSet[[32]byte]()
	for i, batch := range batches {
		subID := "wot-" + uuid.NewString()[:8]
		req, err := json.Marshal([]interface{}{"REQ", subID, map[string]interface{}{
			"authors": batch,
			"kinds":   []int{3},
		}})
		if err != nil {
			return nil, err
		}
		if err := conn.WriteMessage(websocket.TextMessage, req); err != nil {
			return nil, fmt.Errorf("failed to send subscription to %s: %w", relayURL, err)
		}

		timedOut, err := readUntilEOSE(conn, subID, follows)
		if err != nil {
			return nil, err
		}
		if timedOut {
			// The deadline poisons the connection for further reads; keep
			// what this relay produced so far.
			log.Warn("timeout waiting for end of stored events", "relay", relayURL, "sub", subID)
			return follows, nil
		}

		closeMsg, _ := json.Marshal([]interface{}{"CLOSE", subID})
		if err := conn.WriteMessage(websocket.TextMessage, closeMsg); err != nil {
			return nil, fmt.Errorf("failed to close subscription on %s: %w", relayURL, err)
		}

		if i < len(batches)-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(interBatchDelay):
			}
		}
	}
	return follows, nil
}

// readUntilEOSE consumes frames for one subscription, harvesting `p` tags
// from contact-list events, until the matching EOSE or the read deadline.
func readUntilEOSE(conn *websocket.Conn, subID string, follows mapset.Set[[32]byte]) (timedOut bool, err error) {
	if err := conn.SetReadDeadline(time.Now().Add(batchReadTimeout)); err != nil {
		return false, err
	}
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				return true, nil
			}
			return false, fmt.Errorf("read failed: %w", err)
		}

		var frame []json.RawMessage
		if err := json.Unmarshal(raw, &frame); err != nil || len(frame) == 0 {
			continue
		}
		var kind string
		if err := json.Unmarshal(frame[0], &kind); err != nil {
			continue
		}

		switch kind {
		case "EOSE":
			if len(frame) >= 2 {
				var sid string
				if json.Unmarshal(frame[1], &sid) == nil && sid == subID {
					return false, nil
				}
			}
		case "EVENT":
			if len(frame) < 3 {
				continue
			}
			var sid string
			if json.Unmarshal(frame[1], &sid) != nil || sid != subID {
				continue
			}
			var ev struct {
				Tags [][]string `json:"tags"`
			}
			if json.Unmarshal(frame[2], &ev) != nil {
				continue
			}
			for _, tag := range ev.Tags {
				if len(tag) >= 2 && tag[0] == "p" {
					raw, err := hex.DecodeString(tag[1])
					if err != nil || len(raw) != 32 {
						continue
					}
					var pk [32]byte
					copy(pk[:], raw)
					follows.Add(pk)
				}
			}
		}
	}
}
