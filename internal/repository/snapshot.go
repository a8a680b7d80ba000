package repository

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"entitlements-api/internal/model"
)

// snapshotTxn is the persisted form of a transaction-ownership entry.
type snapshotTxn struct {
	Identity  string    `json:"identity"`
	SeenAt    time.Time `json:"seen_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// snapshotFile is the consolidated on-disk state of a MemoryStore.
// Idempotency entries are deliberately not persisted: their TTL is shorter
// than any realistic restart window.
type snapshotFile struct {
	SavedAt      time.Time                           `json:"saved_at"`
	Records      map[string]*model.EntitlementRecord `json:"records"`
	Transactions map[string]snapshotTxn              `json:"transactions"`
}

// SnapshotPersister writes a MemoryStore to disk. Mutations schedule a
// coalesced, debounced write-back; shutdown flushes synchronously. Writes go
// to a temp file first and are renamed into place, so a crash mid-write never
// leaves a partial snapshot.
type SnapshotPersister struct {
	store    *MemoryStore
	path     string
	debounce time.Duration

	mu     sync.Mutex
	timer  *time.Timer
	closed bool

	// flushMu guarantees a single in-flight flush; triggers arriving during
	// a flush coalesce into the next timer.
	flushMu sync.Mutex
}

// NewSnapshotPersister loads the snapshot at path into the store (if one
// exists) and arranges debounced write-back on every mutation.
func NewSnapshotPersister(store *MemoryStore, path string, debounce time.Duration) (*SnapshotPersister, error) {
	if debounce <= 0 {
		debounce = 2 * time.Second
	}

	p := &SnapshotPersister{
		store:    store,
		path:     path,
		debounce: debounce,
	}

	if err := p.load(); err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	store.onChange = p.trigger

	log.Printf("[SnapshotPersister] Initialized with path: %s (debounce %v)", path, debounce)
	return p, nil
}

// load restores store state from disk, dropping entries whose TTL has passed.
func (p *SnapshotPersister) load() error {
	data, err := os.ReadFile(p.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("corrupt snapshot %s: %w", p.path, err)
	}

	now := time.Now()
	p.store.mu.Lock()
	defer p.store.mu.Unlock()

	for identity, rec := range snap.Records {
		rec.Identity = identity
		p.store.records[identity] = rec
	}
	restored := 0
	for ref, t := range snap.Transactions {
		if now.After(t.ExpiresAt) {
			continue
		}
		p.store.txns[ref] = &txnEntry{
			seen:      model.TransactionSeen{Identity: t.Identity, SeenAt: t.SeenAt},
			expiresAt: t.ExpiresAt,
		}
		restored++
	}

	log.Printf("[SnapshotPersister] Restored %d records, %d transaction entries", len(snap.Records), restored)
	return nil
}

// trigger schedules a flush. Mutations within the debounce window share one
// disk write; a mutation during a flush schedules the next one.
func (p *SnapshotPersister) trigger() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || p.timer != nil {
		return
	}
	p.timer = time.AfterFunc(p.debounce, func() {
		p.mu.Lock()
		p.timer = nil
		p.mu.Unlock()

		if err := p.Flush(); err != nil {
			log.Printf("[SnapshotPersister] Flush failed: %v", err)
		}
	})
}

// Flush writes the current state to disk synchronously.
func (p *SnapshotPersister) Flush() error {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	data, err := p.export()
	if err != nil {
		return err
	}

	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create snapshot dir: %w", err)
	}

	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}

	return nil
}

// Close stops further scheduling and flushes pending state before returning.
func (p *SnapshotPersister) Close() error {
	p.mu.Lock()
	p.closed = true
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.mu.Unlock()

	return p.Flush()
}

// export serializes the store under its lock.
func (p *SnapshotPersister) export() ([]byte, error) {
	p.store.mu.RLock()

	snap := snapshotFile{
		SavedAt:      time.Now().UTC(),
		Records:      make(map[string]*model.EntitlementRecord, len(p.store.records)),
		Transactions: make(map[string]snapshotTxn, len(p.store.txns)),
	}
	for identity, rec := range p.store.records {
		copied := *rec
		snap.Records[identity] = &copied
	}
	for ref, entry := range p.store.txns {
		if entry.isExpired() {
			continue
		}
		snap.Transactions[ref] = snapshotTxn{
			Identity:  entry.seen.Identity,
			SeenAt:    entry.seen.SeenAt,
			ExpiresAt: entry.expiresAt,
		}
	}

	p.store.mu.RUnlock()

	return json.MarshalIndent(snap, "", "  ")
}
