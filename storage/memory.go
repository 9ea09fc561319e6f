package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/wcygan/content-approval/types"
)

// MemoryStorage is an in-memory Storage, suitable for tests and
// single-process deployments that accept losing instances on restart.
type MemoryStorage struct {
	mu        sync.RWMutex
	instances map[string]types.InstanceSnapshot
	events    map[string]map[int64]types.TransitionEvent
}

// NewMemoryStorage creates an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		instances: make(map[string]types.InstanceSnapshot),
		events:    make(map[string]map[int64]types.TransitionEvent),
	}
}

// SaveInstance upserts a snapshot.
func (s *MemoryStorage) SaveInstance(ctx context.Context, inst types.InstanceSnapshot) error {
	_, err := withContext(ctx, func() (struct{}, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.instances[inst.WorkflowID] = inst
		return struct{}{}, nil
	})
	return err
}

// GetInstance retrieves a snapshot by workflow ID.
func (s *MemoryStorage) GetInstance(ctx context.Context, workflowID string) (types.InstanceSnapshot, error) {
	return withContext(ctx, func() (types.InstanceSnapshot, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		inst, ok := s.instances[workflowID]
		if !ok {
			return types.InstanceSnapshot{}, fmt.Errorf("%w: %s", ErrInstanceNotFound, workflowID)
		}
		return inst, nil
	})
}

// AppendEvent records a transition, skipping duplicates by (workflow, seq).
func (s *MemoryStorage) AppendEvent(ctx context.Context, ev types.TransitionEvent) (bool, error) {
	return withContext(ctx, func() (bool, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		log, ok := s.events[ev.WorkflowID]
		if !ok {
			log = make(map[int64]types.TransitionEvent)
			s.events[ev.WorkflowID] = log
		}
		if _, exists := log[ev.Seq]; exists {
			return false, nil
		}
		log[ev.Seq] = ev
		return true, nil
	})
}

// ListEvents returns the transition log ordered by Seq.
func (s *MemoryStorage) ListEvents(ctx context.Context, workflowID string) ([]types.TransitionEvent, error) {
	return withContext(ctx, func() ([]types.TransitionEvent, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		log := s.events[workflowID]
		out := make([]types.TransitionEvent, 0, len(log))
		for _, ev := range log {
			out = append(out, ev)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
		return out, nil
	})
}

// ListActive returns all non-completed snapshots.
func (s *MemoryStorage) ListActive(ctx context.Context) ([]types.InstanceSnapshot, error) {
	return withContext(ctx, func() ([]types.InstanceSnapshot, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []types.InstanceSnapshot
		for _, inst := range s.instances {
			if !inst.Completed {
				out = append(out, inst)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].WorkflowID < out[j].WorkflowID })
		return out, nil
	})
}
