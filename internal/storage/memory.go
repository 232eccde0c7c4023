package storage

import (
	"context"
	"errors"
	"sync"

	"ventsim/internal/model"
)

type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	runs        map[string]model.RunRecord
	runOrder    []string
	models      map[string]model.ModelSnapshot
	modelOrder  []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return nil
	}
	s.initialized = true
	s.runs = make(map[string]model.RunRecord)
	s.models = make(map[string]model.ModelSnapshot)
	return nil
}

func (s *MemoryStore) SaveRun(_ context.Context, run model.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errors.New("store is not initialized")
	}
	if err := checkVersion(run.VersionedRecord); err != nil {
		return err
	}
	if _, exists := s.runs[run.ID]; !exists {
		s.runOrder = append(s.runOrder, run.ID)
	}
	s.runs[run.ID] = run
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (model.RunRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	return run, ok, nil
}

func (s *MemoryStore) ListRuns(_ context.Context, limit int) ([]model.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.RunRecord, 0, len(s.runOrder))
	for i := len(s.runOrder) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, s.runs[s.runOrder[i]])
	}
	return out, nil
}

func (s *MemoryStore) SaveModel(_ context.Context, snapshot model.ModelSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errors.New("store is not initialized")
	}
	if err := checkVersion(snapshot.VersionedRecord); err != nil {
		return err
	}
	if _, exists := s.models[snapshot.ID]; !exists {
		s.modelOrder = append(s.modelOrder, snapshot.ID)
	}
	s.models[snapshot.ID] = snapshot
	return nil
}

func (s *MemoryStore) GetModel(_ context.Context, id string) (model.ModelSnapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot, ok := s.models[id]
	return snapshot, ok, nil
}

func (s *MemoryStore) LatestModel(_ context.Context) (model.ModelSnapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.modelOrder) == 0 {
		return model.ModelSnapshot{}, false, nil
	}
	return s.models[s.modelOrder[len(s.modelOrder)-1]], true, nil
}

func (s *MemoryStore) Reset(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = true
	s.runs = make(map[string]model.RunRecord)
	s.runOrder = nil
	s.models = make(map[string]model.ModelSnapshot)
	s.modelOrder = nil
	return nil
}
