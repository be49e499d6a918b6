// In-memory Store implementation.
// Results live in a bounded ring; when a snapshot path is configured the
// ring is persisted to disk so diagnostics survive restarts.
package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/halbridge/halbridge/pkg/models"
	"github.com/rs/zerolog/log"
)

// DefaultCapacity bounds the ring when no capacity is given.
const DefaultCapacity = 200

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Results []*models.Response `json:"results"` // oldest first
}

// MemoryStore implements Store with a bounded ring of results.
type MemoryStore struct {
	mu       sync.RWMutex
	capacity int
	results  []*models.Response          // oldest first
	byID     map[string]*models.Response // key: response ID

	// Persistence
	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{} // signals background goroutines to stop
	closeOnce    sync.Once
}

// NewMemoryStore creates a store keeping at most capacity results. If
// dataDir is set, results are persisted to results.json in that directory.
func NewMemoryStore(capacity int, dataDir string) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	m := &MemoryStore{
		capacity: capacity,
		byID:     make(map[string]*models.Response),
		saveCh:   make(chan struct{}, 1),
		doneCh:   make(chan struct{}),
	}

	if dataDir != "" {
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("Cannot create data dir, persistence disabled")
		} else {
			m.snapshotPath = filepath.Join(dataDir, "results.json")
			m.loadSnapshot()
			go m.saveLoop()
		}
	}

	log.Info().
		Int("capacity", capacity).
		Str("snapshot", m.snapshotPath).
		Msg("Memory store configured")

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

// saveLoop runs in a goroutine, debouncing save requests (max 1 write per 500ms).
func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			select {
			case <-m.doneCh:
				m.saveSnapshot()
				return
			case <-time.After(500 * time.Millisecond):
			}
			m.saveSnapshot()
		}
	}
}

// saveSnapshot persists the ring to disk as JSON.
func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	data, err := json.MarshalIndent(snapshot{Results: m.results}, "", "  ")
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

// loadSnapshot reads results from disk on startup.
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
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Corrupt snapshot, starting fresh")
		return
	}
	for _, r := range snap.Results {
		m.push(r)
	}
	log.Info().Int("results", len(m.results)).Str("path", m.snapshotPath).Msg("📂 Snapshot loaded")
}

// Ping implements Store.
func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Close stops the save loop and flushes a pending snapshot.
func (m *MemoryStore) Close() error {
	m.closeOnce.Do(func() {
		close(m.doneCh)
		if m.snapshotPath != "" {
			m.saveSnapshot()
		}
	})
	return nil
}

// ── Result Store ────────────────────────────────────────────

// push appends r, evicting the oldest result when full. Caller holds mu or
// owns m exclusively.
func (m *MemoryStore) push(r *models.Response) {
	if old, ok := m.byID[r.ID]; ok {
		*old = *r
		return
	}
	if len(m.results) >= m.capacity {
		evicted := m.results[0]
		delete(m.byID, evicted.ID)
		m.results = m.results[1:]
	}
	m.results = append(m.results, r)
	m.byID[r.ID] = r
}

func (m *MemoryStore) SaveResult(_ context.Context, resp *models.Response) error {
	copy := *resp
	m.mu.Lock()
	m.push(&copy)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetResult(_ context.Context, id string) (*models.Response, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.byID[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "result", Key: id}
	}
	copy := *r
	return &copy, nil
}

func (m *MemoryStore) ListResults(_ context.Context, filter ListFilter) ([]models.Response, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []models.Response
	skipped := 0
	for i := len(m.results) - 1; i >= 0; i-- {
		r := m.results[i]
		if filter.Kind != "" && r.Kind != filter.Kind {
			continue
		}
		if filter.SessionID != "" && r.SessionID != filter.SessionID {
			continue
		}
		if !filter.Before.IsZero() && !r.CompletedAt.Before(filter.Before) {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		result = append(result, *r)
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) DeleteResults(_ context.Context, ids ...string) (int, error) {
	m.mu.Lock()
	removed := 0
	for _, id := range ids {
		if _, ok := m.byID[id]; ok {
			delete(m.byID, id)
			removed++
		}
	}
	if removed > 0 {
		kept := m.results[:0]
		for _, r := range m.results {
			if _, ok := m.byID[r.ID]; ok {
				kept = append(kept, r)
			}
		}
		clear(m.results[len(kept):])
		m.results = kept
	}
	m.mu.Unlock()

	if removed > 0 {
		m.requestSave()
	}
	return removed, nil
}
