package state

import (
	"time"

	"github.com/google/uuid"
)

// Snapshot is an immutable copy of every live entry at creation time.
type Snapshot struct {
	ID          string
	Description string
	CreatedAt   time.Time
	entries     map[string]Entry
}

// Entries returns a copy of the snapshot's entries, keyed by key.
func (s Snapshot) Entries() map[string]Entry {
	out := make(map[string]Entry, len(s.entries))
	for k, e := range s.entries {
		out[k] = e
	}
	return out
}

// Snapshot makes an immutable copy of every live (non-expired) entry and
// returns its id.
func (s *Store) Snapshot(description string) string {
	now := time.Now()
	s.mu.RLock()
	entries := make(map[string]Entry, len(s.entries))
	for k, e := range s.entries {
		if !e.expired(now) {
			entries[k] = e
		}
	}
	s.mu.RUnlock()

	snap := Snapshot{ID: uuid.NewString(), Description: description, CreatedAt: now, entries: entries}

	s.snapMu.Lock()
	s.snapshots[snap.ID] = snap
	s.snapMu.Unlock()

	return snap.ID
}

// GetSnapshot returns the snapshot by id.
func (s *Store) GetSnapshot(id string) (Snapshot, bool) {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	snap, ok := s.snapshots[id]
	return snap, ok
}

// Restore replaces the store's current contents with the snapshot's,
// preserving the snapshot's versions.
func (s *Store) Restore(id string) error {
	snap, ok := s.GetSnapshot(id)
	if !ok {
		return NotFound(id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]Entry, len(snap.entries))
	for k, e := range snap.entries {
		s.entries[k] = e
	}
	return nil
}

// DiffResult is the output of comparing two snapshots.
type DiffResult struct {
	Added    []string
	Removed  []string
	Modified []ModifiedKey
}

type ModifiedKey struct {
	Key       string
	BeforeVer int64
	AfterVer  int64
}

// Diff compares two snapshots of the same store by id.
func (s *Store) Diff(idA, idB string) (DiffResult, error) {
	a, ok := s.GetSnapshot(idA)
	if !ok {
		return DiffResult{}, NotFound(idA)
	}
	b, ok := s.GetSnapshot(idB)
	if !ok {
		return DiffResult{}, NotFound(idB)
	}

	var result DiffResult
	for k, be := range b.entries {
		ae, existed := a.entries[k]
		if !existed {
			result.Added = append(result.Added, k)
			continue
		}
		if ae.Version != be.Version {
			result.Modified = append(result.Modified, ModifiedKey{Key: k, BeforeVer: ae.Version, AfterVer: be.Version})
		}
	}
	for k := range a.entries {
		if _, existsInB := b.entries[k]; !existsInB {
			result.Removed = append(result.Removed, k)
		}
	}
	return result, nil
}
