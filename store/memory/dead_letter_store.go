package memorystore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-webhook-ledger/core"
	"github.com/google/uuid"
)

// DeadLetterStore keeps one entry per webhook event in memory. When events is
// set, purges drop the matching event rows and missing-entry lookups scan it.
type DeadLetterStore struct {
	mu      sync.RWMutex
	entries map[string]core.DeadLetterEntry
	byEvent map[string]string
	events  *EventStore

	Now func() time.Time
}

func NewDeadLetterStore(events *EventStore) *DeadLetterStore {
	return &DeadLetterStore{
		entries: map[string]core.DeadLetterEntry{},
		byEvent: map[string]string{},
		events:  events,
		Now:     time.Now,
	}
}

func (s *DeadLetterStore) AddEntry(_ context.Context, in core.AddDeadLetterInput) (core.DeadLetterEntry, error) {
	eventID := strings.TrimSpace(in.Event.ID)
	if eventID == "" {
		return core.DeadLetterEntry{}, fmt.Errorf("memorystore: webhook event id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if id, ok := s.byEvent[eventID]; ok {
		entry := s.entries[id]
		entry.ErrorCategory = strings.TrimSpace(in.ErrorCategory)
		entry.ErrorMessage = strings.TrimSpace(in.ErrorMessage)
		entry.FinalAttempt = in.FinalAttempt
		entry.RawPayload = append([]byte(nil), in.Event.RawPayload...)
		entry.Resolved = false
		entry.ResolvedAt = nil
		entry.ResolvedBy = ""
		entry.ResolutionNotes = ""
		entry.UpdatedAt = now
		s.entries[id] = entry
		return cloneEntry(entry), nil
	}
	entry := core.DeadLetterEntry{
		ID:              uuid.NewString(),
		WebhookEventID:  eventID,
		IdempotencyKey:  strings.TrimSpace(in.Event.IdempotencyKey),
		ProviderEventID: strings.TrimSpace(in.Event.ProviderEventID),
		EventType:       strings.TrimSpace(in.Event.EventType),
		ErrorCategory:   strings.TrimSpace(in.ErrorCategory),
		ErrorMessage:    strings.TrimSpace(in.ErrorMessage),
		FinalAttempt:    in.FinalAttempt,
		RawPayload:      append([]byte(nil), in.Event.RawPayload...),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	s.entries[entry.ID] = entry
	s.byEvent[eventID] = entry.ID
	return cloneEntry(entry), nil
}

func (s *DeadLetterStore) Get(_ context.Context, id string) (core.DeadLetterEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[strings.TrimSpace(id)]
	if !ok {
		return core.DeadLetterEntry{}, fmt.Errorf("memorystore: dead letter %q: %w", id, core.ErrDeadLetterNotFound)
	}
	return cloneEntry(entry), nil
}

func (s *DeadLetterStore) GetByEventID(_ context.Context, webhookEventID string) (core.DeadLetterEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byEvent[strings.TrimSpace(webhookEventID)]
	if !ok {
		return core.DeadLetterEntry{}, fmt.Errorf("memorystore: dead letter for event %q: %w", webhookEventID, core.ErrDeadLetterNotFound)
	}
	return cloneEntry(s.entries[id]), nil
}

func (s *DeadLetterStore) GetUnresolved(_ context.Context, limit int) ([]core.DeadLetterEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	out := make([]core.DeadLetterEntry, 0)
	for _, entry := range s.entries {
		if !entry.Resolved {
			out = append(out, cloneEntry(entry))
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *DeadLetterStore) Resolve(_ context.Context, id string, resolvedBy string, notes string) (core.DeadLetterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[strings.TrimSpace(id)]
	if !ok {
		return core.DeadLetterEntry{}, fmt.Errorf("memorystore: dead letter %q: %w", id, core.ErrDeadLetterNotFound)
	}
	if entry.Resolved {
		return cloneEntry(entry), nil
	}
	now := s.now()
	entry.Resolved = true
	entry.ResolvedAt = &now
	entry.ResolvedBy = strings.TrimSpace(resolvedBy)
	entry.ResolutionNotes = strings.TrimSpace(notes)
	entry.UpdatedAt = now
	s.entries[entry.ID] = entry
	return cloneEntry(entry), nil
}

func (s *DeadLetterStore) RecordRedrive(_ context.Context, id string, redriveErr string) (core.DeadLetterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[strings.TrimSpace(id)]
	if !ok {
		return core.DeadLetterEntry{}, fmt.Errorf("memorystore: dead letter %q: %w", id, core.ErrDeadLetterNotFound)
	}
	now := s.now()
	entry.RedriveCount++
	entry.LastRedriveAt = &now
	entry.LastRedriveError = strings.TrimSpace(redriveErr)
	entry.UpdatedAt = now
	s.entries[entry.ID] = entry
	return cloneEntry(entry), nil
}

func (s *DeadLetterStore) PurgeResolved(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	var eventIDs []string
	for id, entry := range s.entries {
		if !entry.Resolved || entry.ResolvedAt == nil || !entry.ResolvedAt.Before(olderThan) {
			continue
		}
		eventIDs = append(eventIDs, entry.WebhookEventID)
		delete(s.byEvent, entry.WebhookEventID)
		delete(s.entries, id)
	}
	s.mu.Unlock()
	if s.events != nil {
		s.events.Delete(eventIDs...)
	}
	return len(eventIDs), nil
}

func (s *DeadLetterStore) FindMissingEntries(_ context.Context, limit int) ([]core.WebhookEvent, error) {
	if s.events == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = core.DefaultReconcileLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.WebhookEvent, 0)
	for _, event := range s.events.List() {
		if event.Status != core.EventStatusDeadLetter {
			continue
		}
		if _, ok := s.byEvent[event.ID]; ok {
			continue
		}
		out = append(out, event)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *DeadLetterStore) IsResolved(ctx context.Context, webhookEventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byEvent[strings.TrimSpace(webhookEventID)]
	if !ok {
		return false, nil
	}
	return s.entries[id].Resolved, nil
}

func (s *DeadLetterStore) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func cloneEntry(entry core.DeadLetterEntry) core.DeadLetterEntry {
	entry.RawPayload = append([]byte(nil), entry.RawPayload...)
	if entry.ResolvedAt != nil {
		resolvedAt := *entry.ResolvedAt
		entry.ResolvedAt = &resolvedAt
	}
	if entry.LastRedriveAt != nil {
		lastRedriveAt := *entry.LastRedriveAt
		entry.LastRedriveAt = &lastRedriveAt
	}
	return entry
}

var (
	_ core.DeadLetterStore   = (*DeadLetterStore)(nil)
	_ core.ResolutionChecker = (*DeadLetterStore)(nil)
)
