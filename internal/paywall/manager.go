package paywall

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klingon-exchange/burrow/internal/config"
	"github.com/klingon-exchange/burrow/internal/nwc"
	"github.com/klingon-exchange/burrow/pkg/logging"
)

const (
	// maintenanceInterval drives expiry pruning and snapshot writes.
	maintenanceInterval = time.Hour
	// pendingMaxAge is how long an unsettled invoice stays tracked.
	pendingMaxAge = time.Hour
)

// pendingPayment tracks one minted invoice until settlement or staleness.
type pendingPayment struct {
	pubkey     [32]byte
	periodDays int
	createdAt  int64
	watch      *nwc.StatusWatch
	cancel     context.CancelFunc
}

type entry struct {
	cfg    config.PaywallConfig
	set    *Set
	client *nwc.Client

	mu      sync.Mutex
	pending map[string]*pendingPayment // keyed by payment hash
}

// Info summarizes one paywall for the host surface.
type Info struct {
	ID             string `json:"id"`
	PriceSats      uint64 `json:"price_sats"`
	PeriodDays     int    `json:"period_days"`
	WhitelistCount int    `json:"whitelist_count"`
}

// Manager owns every configured paywall: it mints invoices, runs settlement
// watchers, applies grants to the shared sets, and persists them.
type Manager struct {
	dataDir string
	entries map[string]*entry
	log     *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager builds a manager from the configured paywalls. A connection
// string that does not parse is a startup error.
func NewManager(dataDir string, paywalls map[string]config.PaywallConfig) (*Manager, error) {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		dataDir: filepath.Join(dataDir, "paywall"),
		entries: make(map[string]*entry, len(paywalls)),
		log:     logging.GetDefault().Component("paywall"),
		ctx:     ctx,
		cancel:  cancel,
	}
	for id, cfg := range paywalls {
		client, err := nwc.NewClient(cfg.NWC)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("paywall %q: %w", id, err)
		}
		m.entries[id] = &entry{
			cfg:     cfg,
			set:     NewSet(),
			client:  client,
			pending: make(map[string]*pendingPayment),
		}
	}
	return m, nil
}

// Start loads snapshots and launches the maintenance loop per paywall.
func (m *Manager) Start() error {
	if len(m.entries) == 0 {
		return nil
	}
	if err := os.MkdirAll(m.dataDir, 0o700); err != nil {
		return fmt.Errorf("failed to create paywall directory: %w", err)
	}

	for id, e := range m.entries {
		if entries, err := LoadSnapshot(m.snapshotPath(id)); err == nil {
			e.set.Replace(entries)
			m.log.Info("paywall whitelist loaded from disk", "id", id, "entries", len(entries))
		}
		m.wg.Add(1)
		go m.runMaintenance(id, e)
	}
	return nil
}

// Stop cancels every watcher and maintenance loop and waits for them.
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
}

// GetSet returns the shared whitelist for a paywall id, or nil.
func (m *Manager) GetSet(id string) *Set {
	if e, ok := m.entries[id]; ok {
		return e.set
	}
	return nil
}

// List summarizes every configured paywall.
func (m *Manager) List() []Info {
	infos := make([]Info, 0, len(m.entries))
	for id, e := range m.entries {
		infos = append(infos, Info{
			ID:             id,
			PriceSats:      e.cfg.PriceSats,
			PeriodDays:     e.cfg.PeriodDays,
			WhitelistCount: e.set.Len(),
		})
	}
	return infos
}

// VerifyConnection performs a get_info round-trip against the paywall's
// wallet, reporting whether its connection string reaches a working wallet.
// burrowd does not call it at startup.
func (m *Manager) VerifyConnection(ctx context.Context, id string) error {
	e, ok := m.entries[id]
	if !ok {
		return fmt.Errorf("paywall %q not found", id)
	}
	return e.client.GetInfo(ctx)
}

// CreateInvoice mints an invoice for the pubkey and spawns its settlement
// watcher. The returned invoice is handed to the paying client.
func (m *Manager) CreateInvoice(ctx context.Context, id string, pubkeyHex string) (*nwc.Invoice, error) {
	e, ok := m.entries[id]
	if !ok {
		return nil, fmt.Errorf("paywall %q not found", id)
	}
	raw, err := hex.DecodeString(pubkeyHex)
	if err != nil || len(raw) != 32 {
		return nil, fmt.Errorf("invalid pubkey %q", pubkeyHex)
	}
	var pubkey [32]byte
	copy(pubkey[:], raw)

	memo := fmt.Sprintf("Relay access - %d sats for %d days", e.cfg.PriceSats, e.cfg.PeriodDays)
	invoice, err := e.client.MakeInvoice(ctx, e.cfg.PriceSats*1000, memo)
	if err != nil {
		return nil, err
	}

	watch := nwc.NewStatusWatch()
	watchCtx, cancel := context.WithCancel(m.ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		_ = e.client.WatchInvoice(watchCtx, invoice.PaymentHash, watch)
	}()

	e.mu.Lock()
	e.pending[invoice.PaymentHash] = &pendingPayment{
		pubkey:     pubkey,
		periodDays: e.cfg.PeriodDays,
		createdAt:  time.Now().Unix(),
		watch:      watch,
		cancel:     cancel,
	}
	e.mu.Unlock()

	return invoice, nil
}

// CheckPayment reports the settlement state of a pending invoice, granting
// access on the first observation of a paid status. An unknown payment hash
// reports expired.
func (m *Manager) CheckPayment(id, paymentHash string) (nwc.InvoiceStatus, error) {
	e, ok := m.entries[id]
	if !ok {
		return nwc.StatusExpired, fmt.Errorf("paywall %q not found", id)
	}

	e.mu.Lock()
	pending, ok := e.pending[paymentHash]
	if !ok {
		e.mu.Unlock()
		return nwc.StatusExpired, nil
	}
	status := pending.watch.Latest()
	if status != nwc.StatusPaid {
		e.mu.Unlock()
		return status, nil
	}
	delete(e.pending, paymentHash)
	e.mu.Unlock()

	pending.cancel()
	expiresAt := time.Now().Unix() + int64(pending.periodDays)*24*3600
	e.set.Add(pending.pubkey, expiresAt)
	m.log.Info("payment settled, access granted",
		"paywall", id,
		"pubkey", hex.EncodeToString(pending.pubkey[:]),
		"expires_at", expiresAt)

	if err := SaveSnapshot(m.snapshotPath(id), e.set.Entries()); err != nil {
		m.log.Warn("failed to persist whitelist", "id", id, "error", err)
	}
	return nwc.StatusPaid, nil
}

func (m *Manager) snapshotPath(id string) string {
	return filepath.Join(m.dataDir, id+".bin")
}

// runMaintenance prunes expired grants and stale pending invoices hourly,
// then persists the whitelist.
func (m *Manager) runMaintenance(id string, e *entry) {
	defer m.wg.Done()
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
		}

		if removed := e.set.RemoveExpired(); removed > 0 {
			m.log.Info("pruned expired whitelist entries", "id", id, "removed", removed)
		}

		cutoff := time.Now().Add(-pendingMaxAge).Unix()
		e.mu.Lock()
		for hash, pending := range e.pending {
			if pending.createdAt <= cutoff {
				pending.cancel()
				delete(e.pending, hash)
				m.log.Debug("dropped stale pending payment", "id", id, "payment_hash", hash)
			}
		}
		e.mu.Unlock()

		if err := SaveSnapshot(m.snapshotPath(id), e.set.Entries()); err != nil {
			m.log.Warn("failed to persist whitelist", "id", id, "error", err)
		}
	}
}
