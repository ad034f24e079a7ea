package store

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"ccbcounter/api/internal/ata"
)

// MemoryStore keeps snapshots in process. It backs tests and the memory
// driver.
type MemoryStore struct {
	mu      sync.RWMutex
	nextID  int64
	records []ata.Record
	changes []ata.ChangeLogEntry
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nextID: 1, now: time.Now}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
func (s *MemoryStore) Close() error               { return nil }

func (s *MemoryStore) index(id int64) int {
	for i := range s.records {
		if s.records[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *MemoryStore) SelectLatest(context.Context) (ata.RawRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.records) == 0 {
		return ata.RawRecord{}, ErrNotFound
	}
	return s.records[len(s.records)-1].Raw(), nil
}

func (s *MemoryStore) SelectAll(_ context.Context, limit int) ([]ata.RawRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	limit = listLimit(limit)
	out := make([]ata.RawRecord, 0, min(limit, len(s.records)))
	for i := len(s.records) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.records[i].Raw())
	}
	return out, nil
}

func (s *MemoryStore) Get(_ context.Context, id int64) (ata.RawRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := s.index(id)
	if i < 0 {
		return ata.RawRecord{}, ErrNotFound
	}
	return s.records[i].Raw(), nil
}

// GetByRehearsalDate returns the newest snapshot for date.
func (s *MemoryStore) GetByRehearsalDate(_ context.Context, date string) (ata.RawRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.records) - 1; i >= 0; i-- {
		if s.records[i].RehearsalDate == date {
			return s.records[i].Raw(), nil
		}
	}
	return ata.RawRecord{}, ErrNotFound
}

func (s *MemoryStore) stamp(r ata.Record) ata.Record {
	r = r.Clone()
	if r.Timestamp.IsZero() {
		r.Timestamp = s.now().UTC()
	}
	return r
}

func (s *MemoryStore) Insert(_ context.Context, r ata.Record) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(r), nil
}

func (s *MemoryStore) insertLocked(r ata.Record) int64 {
	r = s.stamp(r)
	r.ID = s.nextID
	s.nextID++
	s.records = append(s.records, r)
	return r.ID
}

func (s *MemoryStore) Update(_ context.Context, id int64, r ata.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.index(id)
	if i < 0 {
		return ErrNotFound
	}
	r = s.stamp(r)
	r.ID = id
	s.records[i] = r
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.index(id)
	if i < 0 {
		return ErrNotFound
	}
	s.records = append(s.records[:i], s.records[i+1:]...)
	return nil
}

func (s *MemoryStore) Upsert(_ context.Context, r ata.Record, conflictKey string) (int64, error) {
	if conflictKey != ConflictRehearsalDate {
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedConflictKey, conflictKey)
	}
	if r.RehearsalDate == "" {
		return 0, ErrMissingConflictValue
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.records) - 1; i >= 0; i-- {
		if s.records[i].RehearsalDate == r.RehearsalDate {
			id := s.records[i].ID
			r = s.stamp(r)
			r.ID = id
			s.records[i] = r
			return id, nil
		}
	}
	return s.insertLocked(r), nil
}

func (s *MemoryStore) MarkPrinted(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.index(id)
	if i < 0 {
		return ErrNotFound
	}
	s.records[i].Printed = true
	return nil
}

func (s *MemoryStore) InsertChangeLog(_ context.Context, entries []ata.ChangeLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	for _, e := range entries {
		if e.Timestamp.IsZero() {
			e.Timestamp = now
		}
		s.changes = append(s.changes, e)
	}
	return nil
}

func (s *MemoryStore) ListChangeLog(_ context.Context, snapshotID int64, limit int) ([]ata.ChangeLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	limit = listLimit(limit)
	var out []ata.ChangeLogEntry
	for i := len(s.changes) - 1; i >= 0 && len(out) < limit; i-- {
		if snapshotID > 0 && s.changes[i].SnapshotID != snapshotID {
			continue
		}
		out = append(out, s.changes[i])
	}
	slices.Reverse(out)
	return out, nil
}
