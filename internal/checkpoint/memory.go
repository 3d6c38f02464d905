package checkpoint

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/flowd/internal/task"
)

// MemoryStore keeps checkpoints in process memory. Snapshots are deep
// copies, so later state mutation never leaks into a saved checkpoint.
type MemoryStore struct {
	retention time.Duration

	mu    sync.RWMutex
	tasks map[string][]*Checkpoint
}

// NewMemoryStore creates a memory store. retention <= 0 uses
// DefaultRetention.
func NewMemoryStore(retention time.Duration) *MemoryStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &MemoryStore{
		retention: retention,
		tasks:     make(map[string][]*Checkpoint),
	}
}

// Save snapshots state after stage completed.
func (s *MemoryStore) Save(_ context.Context, taskID, stage string, state *task.State) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := &Checkpoint{
		ID:        uuid.New().String(),
		TaskID:    taskID,
		Stage:     stage,
		Seq:       len(s.tasks[taskID]) + 1,
		State:     state.Clone(),
		CreatedAt: time.Now().UTC(),
	}
	s.tasks[taskID] = append(s.tasks[taskID], cp)
	return cp.ID, nil
}

// LoadLatest returns the newest checkpoint for a task.
func (s *MemoryStore) LoadLatest(_ context.Context, taskID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cps := s.tasks[taskID]
	if len(cps) == 0 {
		return nil, ErrNotFound
	}
	latest := cps[len(cps)-1]
	// Hand out a copy so callers can mutate the state freely.
	cp := *latest
	cp.State = latest.State.Clone()
	return &cp, nil
}

// ListResumable returns non-terminal tasks checkpointed within retention.
func (s *MemoryStore) ListResumable(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := time.Now().Add(-s.retention)
	var ids []string
	for id, cps := range s.tasks {
		latest := cps[len(cps)-1]
		if latest.State.Terminal || latest.CreatedAt.Before(cutoff) {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Delete removes all checkpoints for a task.
func (s *MemoryStore) Delete(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, taskID)
	return nil
}

// Sweep drops tasks whose newest checkpoint is outside retention.
func (s *MemoryStore) Sweep(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-s.retention)
	removed := 0
	for id, cps := range s.tasks {
		if cps[len(cps)-1].CreatedAt.Before(cutoff) {
			delete(s.tasks, id)
			removed++
		}
	}
	return removed, nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error { return nil }
