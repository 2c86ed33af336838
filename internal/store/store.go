// Package store provides crash-safe instance persistence using JSON files.
//
// Each strategy instance is stored as a separate file: inst_<id>.json,
// holding the full record (config, status, position, histories). Writes use
// atomic file replacement (write to .tmp, then rename) to prevent corruption
// from partial writes or crashes mid-save. A sidecar index.json lists the
// known instance ids; it is a convenience only and is reconstructable from
// the directory listing. Closed-position P&L ledgers append to
// lifecycles.json so lifecycle reports survive instance deletion.
package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Nazkun-hub/pancake-sub000/pkg/types"
)

const (
	instPrefix    = "inst_"
	instSuffix    = ".json"
	indexFile     = "index.json"
	lifecycleFile = "lifecycles.json"
)

// Store persists instance records to JSON files in a designated directory.
// All operations are mutex-protected to prevent concurrent file corruption.
type Store struct {
	dir    string
	logger *slog.Logger
	mu     sync.Mutex // serializes all file operations
}

// Open creates a store backed by the given directory.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{dir: dir, logger: logger.With("component", "store")}, nil
}

// Close is a no-op for file-based storage.
func (s *Store) Close() error {
	return nil
}

// SaveInstance atomically persists the full record and refreshes the index.
// UpdatedAt is stamped here so the recovery recency gate always reflects the
// last durable write.
func (s *Store) SaveInstance(rec *types.InstanceRecord) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("save instance: empty record or id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec.UpdatedAt = time.Now()
	if err := s.writeJSONLocked(s.instPath(rec.ID), rec); err != nil {
		return fmt.Errorf("write instance %s: %w", rec.ID, err)
	}
	return s.writeIndexLocked()
}

// LoadInstance restores a record from disk. Returns nil, nil if no record
// exists. A file that no longer parses is quarantined (renamed aside) and
// reported as an error so the caller never sees a half-state.
func (s *Store) LoadInstance(id string) (*types.InstanceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadInstanceLocked(id)
}

func (s *Store) loadInstanceLocked(id string) (*types.InstanceRecord, error) {
	path := s.instPath(id)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read instance %s: %w", id, err)
	}

	var rec types.InstanceRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		s.quarantineLocked(path)
		return nil, fmt.Errorf("unmarshal instance %s: %w", id, err)
	}
	return &rec, nil
}

// DeleteInstance removes a record and refreshes the index. Deleting a
// missing record is a no-op.
func (s *Store) DeleteInstance(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.instPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete instance %s: %w", id, err)
	}
	return s.writeIndexLocked()
}

// ListInstances loads every parseable record, sorted by creation time. The
// directory listing is authoritative; corrupt files are quarantined and
// skipped with a warning so one bad record cannot block startup.
func (s *Store) ListInstances() ([]*types.InstanceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.idsLocked()
	if err != nil {
		return nil, err
	}

	out := make([]*types.InstanceRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.loadInstanceLocked(id)
		if err != nil {
			s.logger.Warn("skipping unreadable instance record", "id", id, "error", err)
			continue
		}
		if rec != nil {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Recoverable returns instances whose last persisted status was live and
// whose last write falls inside the window, oldest first. Stale snapshots
// from abandoned runs are excluded by the window.
func (s *Store) Recoverable(window time.Duration) ([]*types.InstanceRecord, error) {
	all, err := s.ListInstances()
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(-window)
	out := make([]*types.InstanceRecord, 0, len(all))
	for _, rec := range all {
		if rec.Status.Live() && rec.UpdatedAt.After(cutoff) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// AppendLifecycle appends a closed-position ledger entry.
func (s *Store) AppendLifecycle(rec types.LifecycleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.loadLifecyclesLocked()
	if err != nil {
		return err
	}
	existing = append(existing, rec)
	if err := s.writeJSONLocked(filepath.Join(s.dir, lifecycleFile), existing); err != nil {
		return fmt.Errorf("write lifecycles: %w", err)
	}
	return nil
}

// ListLifecycles returns all recorded lifecycle ledgers, oldest first.
func (s *Store) ListLifecycles() ([]types.LifecycleRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLifecyclesLocked()
}

func (s *Store) loadLifecyclesLocked() ([]types.LifecycleRecord, error) {
	path := filepath.Join(s.dir, lifecycleFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read lifecycles: %w", err)
	}
	var out []types.LifecycleRecord
	if err := json.Unmarshal(data, &out); err != nil {
		s.quarantineLocked(path)
		return nil, fmt.Errorf("unmarshal lifecycles: %w", err)
	}
	return out, nil
}

func (s *Store) instPath(id string) string {
	return filepath.Join(s.dir, instPrefix+id+instSuffix)
}

func (s *Store) idsLocked() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list store dir: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, instPrefix) || !strings.HasSuffix(name, instSuffix) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(strings.TrimPrefix(name, instPrefix), instSuffix))
	}
	sort.Strings(ids)
	return ids, nil
}

// writeJSONLocked writes to a .tmp file first, then renames over the target
// so the file is never left in a partial state (crash-safe).
func (s *Store) writeJSONLocked(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return os.Rename(tmp, path)
}

func (s *Store) writeIndexLocked() error {
	ids, err := s.idsLocked()
	if err != nil {
		return err
	}
	if err := s.writeJSONLocked(filepath.Join(s.dir, indexFile), ids); err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	return nil
}

func (s *Store) quarantineLocked(path string) {
	dst := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
	if err := os.Rename(path, dst); err != nil {
		s.logger.Error("failed to quarantine corrupt file", "path", path, "error", err)
		return
	}
	s.logger.Warn("quarantined corrupt file", "path", path, "moved_to", dst)
}
