package subscriptions

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore keeps subscription states in process. It backs tests and
// single-process deployments without a database.
type MemoryStore struct {
	mu       sync.Mutex
	records  map[string]Record
	history  map[string][]Transition
	saveHook func(Record) error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: map[string]Record{},
		history: map[string][]Transition{},
	}
}

func (s *MemoryStore) Get(_ context.Context, id string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[strings.TrimSpace(id)]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return record, nil
}

func (s *MemoryStore) Save(_ context.Context, record Record, expectedVersion int, transition Transition) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveHook != nil {
		if err := s.saveHook(record); err != nil {
			return Record{}, err
		}
	}
	current, exists := s.records[record.ID]
	switch {
	case expectedVersion == 0 && exists:
		return Record{}, ErrVersionConflict
	case expectedVersion > 0 && (!exists || current.Version != expectedVersion):
		return Record{}, ErrVersionConflict
	}
	record.Version = expectedVersion + 1
	s.records[record.ID] = record
	transition.ID = uuid.NewString()
	transition.SubscriptionID = record.ID
	s.history[record.ID] = append(s.history[record.ID], transition)
	return record, nil
}

func (s *MemoryStore) History(_ context.Context, id string) ([]Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Transition(nil), s.history[strings.TrimSpace(id)]...), nil
}

var _ Store = (*MemoryStore)(nil)
