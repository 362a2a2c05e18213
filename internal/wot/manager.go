package wot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klingon-exchange/burrow/internal/config"
	"github.com/klingon-exchange/burrow/pkg/logging"
)

// errorRetryDelay is how long a failed build waits before retrying.
const errorRetryDelay = 5 * time.Minute

// State of one trust graph's builder.
type State string

// Builder states.
const (
	StatePending  State = "pending"
	StateBuilding State = "building"
	StateReady    State = "ready"
	StateError    State = "error"
)

// Status describes a builder's current state.
type Status struct {
	State         State  `json:"state"`
	DepthProgress int    `json:"depth_progress,omitempty"`
	TotalDepth    int    `json:"total_depth,omitempty"`
	Message       string `json:"message,omitempty"`
}

// Info summarizes one trust graph for the host surface.
type Info struct {
	ID          string `json:"id"`
	Status      Status `json:"status"`
	PubkeyCount int    `json:"pubkey_count"`
	LastUpdated int64  `json:"last_updated,omitempty"`
}

type entry struct {
	cfg config.WotConfig
	set *Set

	mu          sync.RWMutex
	status      Status
	lastUpdated int64
}

func (e *entry) setStatus(st Status) {
	e.mu.Lock()
	e.status = st
	e.mu.Unlock()
}

func (e *entry) getStatus() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// Manager owns one builder goroutine per configured trust graph. Policy
// engines hold the Set handles; the manager's goroutines are the only
// writers.
type Manager struct {
	dataDir   string
	discovery []string
	entries   map[string]*entry
	log       *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a manager for the configured trust graphs. Snapshots
// live under <dataDir>/wot/<id>.bin.
func NewManager(dataDir string, discovery []string, wots map[string]config.WotConfig) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		dataDir:   filepath.Join(dataDir, "wot"),
		discovery: discovery,
		entries:   make(map[string]*entry, len(wots)),
		log:       logging.GetDefault().Component("wot"),
		ctx:       ctx,
		cancel:    cancel,
	}
	for id, cfg := range wots {
		m.entries[id] = &entry{
			cfg:    cfg,
			set:    NewSet(),
			status: Status{State: StatePending},
		}
	}
	return m
}

// Start loads fresh snapshots and launches one builder per graph.
func (m *Manager) Start() error {
	if len(m.entries) == 0 {
		return nil
	}
	if err := os.MkdirAll(m.dataDir, 0o700); err != nil {
		return fmt.Errorf("failed to create wot directory: %w", err)
	}

	for id, e := range m.entries {
		fresh := m.loadFromDisk(id, e)
		m.wg.Add(1)
		go m.runBuilder(id, e, fresh)
	}
	return nil
}

// Stop cancels every builder and waits for them to exit.
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
}

// GetSet returns the shared set for a graph id, or nil.
func (m *Manager) GetSet(id string) *Set {
	if e, ok := m.entries[id]; ok {
		return e.set
	}
	return nil
}

// Status returns the builder status for a graph id.
func (m *Manager) Status(id string) (Status, bool) {
	e, ok := m.entries[id]
	if !ok {
		return Status{}, false
	}
	return e.getStatus(), true
}

// List summarizes every configured graph.
func (m *Manager) List() []Info {
	infos := make([]Info, 0, len(m.entries))
	for id, e := range m.entries {
		e.mu.RLock()
		infos = append(infos, Info{
			ID:          id,
			Status:      e.status,
			PubkeyCount: e.set.Len(),
			LastUpdated: e.lastUpdated,
		})
		e.mu.RUnlock()
	}
	return infos
}

func (m *Manager) snapshotPath(id string) string {
	return filepath.Join(m.dataDir, id+".bin")
}

// loadFromDisk publishes a disk snapshot younger than the refresh interval
// and returns its remaining freshness; zero means a build is due now.
func (m *Manager) loadFromDisk(id string, e *entry) time.Duration {
	path := m.snapshotPath(id)
	stat, err := os.Stat(path)
	if err != nil {
		return 0
	}
	age := time.Since(stat.ModTime())
	refresh := time.Duration(e.cfg.UpdateIntervalHours) * time.Hour
	if age >= refresh {
		return 0
	}
	pks, err := LoadSnapshot(path)
	if err != nil {
		m.log.Warn("failed to load snapshot", "id", id, "error", err)
		return 0
	}
	e.set.Replace(pks)
	e.mu.Lock()
	e.status = Status{State: StateReady}
	e.lastUpdated = stat.ModTime().Unix()
	e.mu.Unlock()
	m.log.Info("trust graph loaded from disk", "id", id, "pubkeys", len(pks))
	return refresh - age
}

// runBuilder drives one graph through pending → building → ready, retrying
// failed builds after a fixed delay and rebuilding on the refresh schedule.
func (m *Manager) runBuilder(id string, e *entry, initialDelay time.Duration) {
	defer m.wg.Done()

	refresh := time.Duration(e.cfg.UpdateIntervalHours) * time.Hour
	if refresh < time.Hour {
		refresh = time.Hour
	}

	if initialDelay > 0 {
		if !m.sleep(initialDelay) {
			return
		}
		e.setStatus(Status{State: StatePending})
	}

	for {
		if e.getStatus().State != StateReady {
			pks, err := build(m.ctx, e.cfg, m.discovery, func(depth, total int) {
				e.setStatus(Status{State: StateBuilding, DepthProgress: depth, TotalDepth: total})
			}, m.log.With("id", id))
			if err != nil {
				if m.ctx.Err() != nil {
					return
				}
				m.log.Error("trust graph build failed", "id", id, "error", err)
				e.setStatus(Status{State: StateError, Message: err.Error()})
				if !m.sleep(errorRetryDelay) {
					return
				}
				e.setStatus(Status{State: StatePending})
				continue
			}

			e.set.Replace(pks)
			e.mu.Lock()
			e.status = Status{State: StateReady}
			e.lastUpdated = time.Now().Unix()
			e.mu.Unlock()
			m.log.Info("trust graph build complete", "id", id, "pubkeys", len(pks))

			if err := SaveSnapshot(m.snapshotPath(id), pks); err != nil {
				m.log.Warn("failed to save snapshot", "id", id, "error", err)
			}
		}

		m.log.Info("trust graph sleeping until next refresh", "id", id, "refresh", refresh)
		if !m.sleep(refresh) {
			return
		}
		e.setStatus(Status{State: StatePending})
	}
}

// sleep waits d or until the manager stops; reports whether to keep running.
func (m *Manager) sleep(d time.Duration) bool {
	select {
	case <-m.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
