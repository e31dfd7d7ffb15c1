package quota

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Store persists limiter snapshots across restarts.
type Store interface {
	Load() (map[Scope]map[string]Counter, error)
	Save(map[Scope]map[string]Counter) error
}

// persistedCounter is the on-disk counter shape: resetAt as unix seconds.
type persistedCounter struct {
	Count   int   `json:"count"`
	ResetAt int64 `json:"resetAt"`
}

// FileStore writes the counters to a single JSON file, 0600. A corrupt or
// missing file degrades to an empty store.
type FileStore struct {
	path string
}

// NewFileStore creates a file-backed store at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the snapshot, discarding entries whose reset boundary passed.
func (s *FileStore) Load() (map[Scope]map[string]Counter, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[Scope]map[string]Counter{}, nil
		}
		return nil, err
	}

	var raw map[Scope]map[string]persistedCounter
	if err := json.Unmarshal(data, &raw); err != nil {
		slog.Warn("rate-limit store corrupt, starting empty", "path", s.path, "error", err)
		return map[Scope]map[string]Counter{}, nil
	}

	now := time.Now()
	out := make(map[Scope]map[string]Counter, len(raw))
	for scope, byKey := range raw {
		out[scope] = make(map[string]Counter, len(byKey))
		for key, pc := range byKey {
			resetAt := time.Unix(pc.ResetAt, 0)
			if now.Before(resetAt) {
				out[scope][key] = Counter{Count: pc.Count, ResetAt: resetAt}
			}
		}
	}
	return out, nil
}

// Save writes the snapshot, creating the directory on demand.
func (s *FileStore) Save(snapshot map[Scope]map[string]Counter) error {
	raw := make(map[Scope]map[string]persistedCounter, len(snapshot))
	for scope, byKey := range snapshot {
		raw[scope] = make(map[string]persistedCounter, len(byKey))
		for key, c := range byKey {
			raw[scope][key] = persistedCounter{Count: c.Count, ResetAt: c.ResetAt.Unix()}
		}
	}
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o600)
}

// StartPersistence snapshots the limiter to the store on a coalesced
// interval rather than on every increment, dropping expired counters on each
// tick. The returned stop function flushes one final snapshot.
func StartPersistence(l *Limiter, store Store, interval time.Duration) (stop func()) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.Cleanup()
				flush(l, store)
			case <-done:
				flush(l, store)
				return
			}
		}
	}()
	return func() { close(done) }
}

func flush(l *Limiter, store Store) {
	snapshot := l.Snapshot()
	if snapshot == nil {
		return
	}
	if err := store.Save(snapshot); err != nil {
		slog.Warn("rate-limit snapshot failed", "error", err)
	}
}
