// In-memory Store implementation.
// Used when no database is configured (local dev, tests).
// Supports file-based snapshot persistence so data survives restarts.

package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentserver/agentserver/pkg/models"
	"github.com/rs/zerolog/log"
)

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Definitions  map[string]*models.AgentDefinition `json:"definitions"`   // key: user:name
	Instances    map[string]*models.InstanceRecord  `json:"instances"`     // key: user:name
	AccessTables map[string]*models.AccessTable     `json:"access_tables"` // key: user:kind
}

// MemoryStore implements Store with in-memory maps.
type MemoryStore struct {
	mu           sync.RWMutex
	definitions  map[string]*models.AgentDefinition // key: user:name
	instances    map[string]*models.InstanceRecord  // key: user:name
	accessTables map[string]*models.AccessTable     // key: user:kind

	// Persistence
	snapshotPath string        // empty = no persistence
	debounce     time.Duration // delay between a write and the flush it triggers
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{} // signals background goroutines to stop
	loopDone     chan struct{}
}

// NewMemoryStore creates a new in-memory store.
// If dataDir is set, data is persisted to data.json in that directory and
// loaded back on the next start.
func NewMemoryStore(dataDir string) *MemoryStore {
	m := &MemoryStore{
		definitions:  make(map[string]*models.AgentDefinition),
		instances:    make(map[string]*models.InstanceRecord),
		accessTables: make(map[string]*models.AccessTable),
		debounce:     500 * time.Millisecond,
		saveCh:       make(chan struct{}, 1),
		doneCh:       make(chan struct{}),
		loopDone:     make(chan struct{}),
	}

	if dataDir != "" {
		m.snapshotPath = filepath.Join(dataDir, "data.json")
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("Cannot create data dir, persistence disabled")
			m.snapshotPath = ""
		}
	}

	if m.snapshotPath != "" {
		m.loadSnapshot()
		go m.saveLoop()
	} else {
		close(m.loopDone)
	}

	log.Info().Str("snapshot", m.snapshotPath).Msg("Memory store configured")
	return m
}

// requestSave signals the background goroutine to persist data.
// Non-blocking: coalesces multiple rapid writes into one disk flush.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
		// Already pending
	}
}

// saveLoop runs in a goroutine, debouncing save requests.
func (m *MemoryStore) saveLoop() {
	defer close(m.loopDone)
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			select {
			case <-time.After(m.debounce):
			case <-m.doneCh:
				return
			}
			m.saveSnapshot()
		}
	}
}

// saveSnapshot persists all data to disk as JSON.
func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	snap := snapshot{
		Definitions:  m.definitions,
		Instances:    m.instances,
		AccessTables: m.accessTables,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	m.mu.RUnlock()

	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	// Write to temp file then rename for atomicity
	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Failed to write snapshot tmp")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to rename snapshot")
		return
	}

	log.Debug().Str("path", m.snapshotPath).Msg("Snapshot saved")
}

// loadSnapshot reads data from disk on startup.
func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", m.snapshotPath).Msg("No snapshot file found, starting fresh")
			return
		}
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Failed to read snapshot")
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to parse snapshot, starting fresh")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if snap.Definitions != nil {
		m.definitions = snap.Definitions
	}
	if snap.Instances != nil {
		m.instances = snap.Instances
	}
	if snap.AccessTables != nil {
		m.accessTables = snap.AccessTables
	}

	log.Info().
		Int("definitions", len(m.definitions)).
		Int("instances", len(m.instances)).
		Int("access_tables", len(m.accessTables)).
		Str("path", m.snapshotPath).
		Msg("Snapshot loaded")
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Close stops background goroutines and forces a final snapshot write.
// Safe to call multiple times (second call is a no-op).
func (m *MemoryStore) Close() error {
	select {
	case <-m.doneCh:
		return nil
	default:
		close(m.doneCh)
	}
	<-m.loopDone

	// Force a final snapshot write so no in-flight data is lost
	if m.snapshotPath != "" {
		log.Info().Msg("Flushing final snapshot before shutdown...")
		m.saveSnapshot()
	}

	log.Info().Msg("Memory store closed")
	return nil
}

func key(parts ...string) string {
	return strings.Join(parts, ":")
}

// ── Definition Store ────────────────────────────────────────

func (m *MemoryStore) ListDefinitions(_ context.Context) ([]models.AgentDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.AgentDefinition, 0, len(m.definitions))
	for _, d := range m.definitions {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool {
		return key(out[i].User, out[i].Name) < key(out[j].User, out[j].Name)
	})
	return out, nil
}

func (m *MemoryStore) PutDefinition(_ context.Context, def *models.AgentDefinition) error {
	m.mu.Lock()
	copy := *def
	m.definitions[key(def.User, def.Name)] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteDefinition(_ context.Context, user, name string) error {
	m.mu.Lock()
	delete(m.definitions, key(user, name))
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── Instance Store ──────────────────────────────────────────

func (m *MemoryStore) ListInstances(_ context.Context) ([]models.InstanceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.InstanceRecord, 0, len(m.instances))
	for _, r := range m.instances {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		return key(out[i].User, out[i].Name) < key(out[j].User, out[j].Name)
	})
	return out, nil
}

// PutInstance keeps the record as given; callers hand over a record they
// no longer mutate.
func (m *MemoryStore) PutInstance(_ context.Context, rec *models.InstanceRecord) error {
	m.mu.Lock()
	copy := *rec
	m.instances[key(rec.User, rec.Name)] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteInstance(_ context.Context, user, name string) error {
	m.mu.Lock()
	delete(m.instances, key(user, name))
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── Access Store ────────────────────────────────────────────

func (m *MemoryStore) ListAccessTables(_ context.Context) ([]models.AccessTable, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.AccessTable, 0, len(m.accessTables))
	for _, t := range m.accessTables {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		return key(out[i].User, string(out[i].Kind)) < key(out[j].User, string(out[j].Kind))
	})
	return out, nil
}

func (m *MemoryStore) PutAccessTable(_ context.Context, t *models.AccessTable) error {
	m.mu.Lock()
	copy := *t
	copy.Rules = append([]models.AccessRule(nil), t.Rules...)
	m.accessTables[key(t.User, string(t.Kind))] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteAccessTable(_ context.Context, user string, kind models.AccessKind) error {
	m.mu.Lock()
	delete(m.accessTables, key(user, string(kind)))
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
