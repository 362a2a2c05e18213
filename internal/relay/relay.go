package relay

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/klingon-exchange/burrow/internal/config"
	"github.com/klingon-exchange/burrow/internal/paywall"
	"github.com/klingon-exchange/burrow/internal/policy"
	"github.com/klingon-exchange/burrow/internal/ratelimit"
	"github.com/klingon-exchange/burrow/internal/store"
	"github.com/klingon-exchange/burrow/pkg/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // relays are public endpoints
	},
}

// Relay is one logical relay: its store, policy engine, rate tracker, and
// live broadcast, exposed through a single HTTP handler.
type Relay struct {
	ID  string
	cfg config.RelayConfig

	store       *store.Store
	policy      *policy.Engine
	tracker     *ratelimit.Tracker
	broadcaster *Broadcaster
	paywalls    *paywall.Manager
	log         *logging.Logger
}

// New assembles a relay. paywalls may be nil when none are configured.
func New(id string, cfg config.RelayConfig, st *store.Store, engine *policy.Engine, paywalls *paywall.Manager) *Relay {
	return &Relay{
		ID:          id,
		cfg:         cfg,
		store:       st,
		policy:      engine,
		tracker:     ratelimit.New(),
		broadcaster: NewBroadcaster(),
		paywalls:    paywalls,
		log:         logging.GetDefault().Component("relay").With("relay", id),
	}
}

// Store exposes the relay's event store.
func (r *Relay) Store() *store.Store { return r.store }

// Tracker exposes the relay's per-IP tracker for periodic cleanup.
func (r *Relay) Tracker() *ratelimit.Tracker { return r.tracker }

// ServeHTTP serves the relay root: websocket upgrades become sessions, the
// information document is served on its media type, and the paywall surface
// hangs off /invoice.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	switch req.URL.Path {
	case "/", "":
		if websocket.IsWebSocketUpgrade(req) {
			r.upgrade(w, req)
			return
		}
		if acceptsNostrJSON(req) {
			r.serveInfoDocument(w)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "%s\n%s\n", r.cfg.Name, r.cfg.Description)

	case "/invoice":
		r.serveCreateInvoice(w, req)

	case "/invoice/status":
		r.serveInvoiceStatus(w, req)

	default:
		http.NotFound(w, req)
	}
}

func acceptsNostrJSON(req *http.Request) bool {
	for _, accept := range req.Header.Values("Accept") {
		if accept == "application/nostr+json" {
			return true
		}
	}
	return false
}

func (r *Relay) upgrade(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	go newSession(r, conn, clientIP(req)).run()
}

// paywallID returns the paywall this relay charges against, writes first.
func (r *Relay) paywallID() string {
	if r.cfg.Policy.Write.Paywall != "" {
		return r.cfg.Policy.Write.Paywall
	}
	return r.cfg.Policy.Read.Paywall
}

func (r *Relay) serveCreateInvoice(w http.ResponseWriter, req *http.Request) {
	id := r.paywallID()
	if r.paywalls == nil || id == "" {
		http.Error(w, "no paywall configured", http.StatusNotFound)
		return
	}
	pubkey := req.URL.Query().Get("pubkey")
	if pubkey == "" {
		http.Error(w, "missing pubkey", http.StatusBadRequest)
		return
	}
	invoice, err := r.paywalls.CreateInvoice(req.Context(), id, pubkey)
	if err != nil {
		r.log.Error("invoice creation failed", "error", err)
		http.Error(w, "invoice creation failed", http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(invoice)
}

func (r *Relay) serveInvoiceStatus(w http.ResponseWriter, req *http.Request) {
	id := r.paywallID()
	if r.paywalls == nil || id == "" {
		http.Error(w, "no paywall configured", http.StatusNotFound)
		return
	}
	hash := req.URL.Query().Get("payment_hash")
	if hash == "" {
		http.Error(w, "missing payment_hash", http.StatusBadRequest)
		return
	}
	status, err := r.paywalls.CheckPayment(id, hash)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": string(status)})
}
