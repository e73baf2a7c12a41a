package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/dennisdiepolder/monti/comms/internal/types"
)

// MemoryStore keeps everything in process memory. Values are copied on the
// way in and out so callers never share state with the store.
type MemoryStore struct {
	mu           sync.RWMutex
	interactions map[string]*types.Interaction
	tasks        map[string]types.Task
	workers      map[string]types.Worker
	contacts     map[string]types.Contact
	activities   map[string]types.ActivityLogEntry
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		interactions: make(map[string]*types.Interaction),
		tasks:        make(map[string]types.Task),
		workers:      make(map[string]types.Worker),
		contacts:     make(map[string]types.Contact),
		activities:   make(map[string]types.ActivityLogEntry),
	}
}

func (s *MemoryStore) CreateInteraction(_ context.Context, in *types.Interaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.interactions[in.ID]; ok {
		return ErrAlreadyExists
	}
	s.interactions[in.ID] = in.Clone()
	return nil
}

func (s *MemoryStore) GetInteraction(_ context.Context, id string) (*types.Interaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	in, ok := s.interactions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return in.Clone(), nil
}

func (s *MemoryStore) SaveInteraction(_ context.Context, in *types.Interaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.interactions[in.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != in.Version {
		return ErrVersionConflict
	}
	in.Version++
	s.interactions[in.ID] = in.Clone()
	return nil
}

func (s *MemoryStore) ListInteractions(_ context.Context, filter InteractionFilter) ([]types.Interaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.Interaction, 0)
	for _, in := range s.interactions {
		if filter.match(in) {
			out = append(out, *in.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) SaveTask(_ context.Context, task *types.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = *task
	return nil
}

func (s *MemoryStore) ListTasks(_ context.Context, filter TaskFilter) ([]types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.Task, 0)
	for _, t := range s.tasks {
		t := t
		if filter.match(&t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) SaveWorker(_ context.Context, worker *types.Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers[worker.ID] = *worker
	return nil
}

func (s *MemoryStore) ListWorkers(_ context.Context) ([]types.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.Worker, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) GetContact(_ context.Context, address string) (*types.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contacts[address]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (s *MemoryStore) SaveContact(_ context.Context, contact *types.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts[contact.Address] = *contact
	return nil
}

func (s *MemoryStore) CreateActivity(_ context.Context, entry *types.ActivityLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.activities[entry.Key]; ok {
		return ErrAlreadyExists
	}
	s.activities[entry.Key] = *entry
	return nil
}

func (s *MemoryStore) GetActivity(_ context.Context, key string) (*types.ActivityLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.activities[key]
	if !ok {
		return nil, ErrNotFound
	}
	return &e, nil
}

func (s *MemoryStore) SaveActivity(_ context.Context, entry *types.ActivityLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activities[entry.Key] = *entry
	return nil
}

func (s *MemoryStore) ListActivities(_ context.Context, state types.DeliveryState) ([]types.ActivityLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.ActivityLogEntry, 0)
	for _, e := range s.activities {
		if state == "" || e.DeliveryState == state {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) Ping(_ context.Context) error { return nil }

func (s *MemoryStore) Close() {}
