// Package session holds the working tally of one rehearsal and commits it
// to the store on a debounce, with a heartbeat re-broadcast.
package session

import (
	"context"
	"sync"
)

// StateStore keeps what a session last sent and the row it works on, so
// that several API instances agree on both.
type StateStore interface {
	LastSent(ctx context.Context) ([]byte, bool, error)
	SetLastSent(ctx context.Context, payload []byte) error
	WorkingID(ctx context.Context) (int64, bool, error)
	SetWorkingID(ctx context.Context, id int64) error
	Clear(ctx context.Context) error
}

// MemoryState is a process-local StateStore.
type MemoryState struct {
	mu        sync.Mutex
	lastSent  []byte
	workingID int64
}

func NewMemoryState() *MemoryState {
	return &MemoryState{}
}

func (s *MemoryState) LastSent(context.Context) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastSent == nil {
		return nil, false, nil
	}
	return append([]byte(nil), s.lastSent...), true, nil
}

func (s *MemoryState) SetLastSent(_ context.Context, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSent = append([]byte(nil), payload...)
	return nil
}

func (s *MemoryState) WorkingID(context.Context) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workingID, s.workingID > 0, nil
}

func (s *MemoryState) SetWorkingID(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workingID = id
	return nil
}

func (s *MemoryState) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSent = nil
	s.workingID = 0
	return nil
}
