package workitem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/priorauth/gateway/lib/deep"
)

var _ Store = &InMemoryStore{}

type InMemoryStore struct {
	mux   sync.RWMutex
	items map[string]WorkItem
	// now is replaceable in tests.
	now func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		items: make(map[string]WorkItem),
		now:   time.Now,
	}
}

func (s *InMemoryStore) Create(_ context.Context, encounterID, patientID string) (string, error) {
	s.mux.Lock()
	defer s.mux.Unlock()
	item := WorkItem{
		ID:          uuid.NewString(),
		EncounterID: encounterID,
		PatientID:   patientID,
		Status:      StatusPending,
		CreatedAt:   s.now(),
	}
	s.items[item.ID] = item
	return item.ID, nil
}

func (s *InMemoryStore) UpdateStatus(_ context.Context, id string, status Status) (bool, error) {
	s.mux.Lock()
	defer s.mux.Unlock()
	item, ok := s.items[id]
	if !ok {
		return false, nil
	}
	item.Status = status
	now := s.now()
	item.UpdatedAt = &now
	s.items[id] = item
	return true, nil
}

func (s *InMemoryStore) Update(_ context.Context, id string, update WorkItem) (bool, error) {
	s.mux.Lock()
	defer s.mux.Unlock()
	item, ok := s.items[id]
	if !ok {
		return false, nil
	}
	now := s.now()
	// AlterCopy detaches the caller's pointer fields from the stored record.
	s.items[id] = deep.AlterCopy(item, func(stored *WorkItem) {
		stored.Status = update.Status
		stored.ServiceRequestID = deep.Copy(update.ServiceRequestID)
		stored.ProcedureCode = deep.Copy(update.ProcedureCode)
		stored.UpdatedAt = &now
	})
	return true, nil
}

func (s *InMemoryStore) GetByID(_ context.Context, id string) (*WorkItem, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()
	item, ok := s.items[id]
	if !ok {
		return nil, nil
	}
	// Deep copy: pointer fields must not alias store state.
	item = deep.Copy(item)
	return &item, nil
}

func (s *InMemoryStore) GetByEncounter(_ context.Context, encounterID string) (*WorkItem, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()
	for _, item := range s.items {
		if item.EncounterID == encounterID {
			item = deep.Copy(item)
			return &item, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) All(_ context.Context, filters Filters) ([]WorkItem, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()
	result := make([]WorkItem, 0, len(s.items))
	for _, item := range s.items {
		if filters.EncounterID != "" && item.EncounterID != filters.EncounterID {
			continue
		}
		if filters.Status != "" && item.Status != filters.Status {
			continue
		}
		result = append(result, deep.Copy(item))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}
