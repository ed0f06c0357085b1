package core

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type EventStatus string

const (
	EventStatusPending    EventStatus = "pending"
	EventStatusProcessing EventStatus = "processing"
	EventStatusCompleted  EventStatus = "completed"
	EventStatusFailed     EventStatus = "failed"
	EventStatusRetrying   EventStatus = "retrying"
	EventStatusDeadLetter EventStatus = "dead_letter"
)

var eventTransitions = map[EventStatus][]EventStatus{
	EventStatusPending:    {EventStatusProcessing},
	EventStatusProcessing: {EventStatusCompleted, EventStatusFailed},
	EventStatusFailed:     {EventStatusRetrying, EventStatusDeadLetter, EventStatusProcessing},
	EventStatusRetrying:   {EventStatusProcessing, EventStatusDeadLetter},
	EventStatusDeadLetter: {EventStatusPending},
}

// CanTransition reports whether an event row may move from one status to another.
// Self transitions are rejected; callers short-circuit those before writing.
func CanTransition(from EventStatus, to EventStatus) bool {
	for _, candidate := range eventTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

func (s EventStatus) Terminal() bool {
	return s == EventStatusCompleted || s == EventStatusDeadLetter
}

func (s EventStatus) Valid() bool {
	_, ok := eventTransitions[s]
	return ok || s == EventStatusCompleted
}

// IdempotencyKey collapses every redelivery of a provider event into one key.
func IdempotencyKey(providerEventID string, eventType string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(eventType) + ":" + strings.TrimSpace(providerEventID)))
	return hex.EncodeToString(sum[:])
}

type EventMetadata struct {
	CustomerID     string `json:"customer_id,omitempty"`
	SubscriptionID string `json:"subscription_id,omitempty"`
	InvoiceID      string `json:"invoice_id,omitempty"`
	UserID         string `json:"user_id,omitempty"`
}

func (m EventMetadata) Fields() map[string]any {
	fields := map[string]any{}
	if m.CustomerID != "" {
		fields["customer_id"] = m.CustomerID
	}
	if m.SubscriptionID != "" {
		fields["subscription_id"] = m.SubscriptionID
	}
	if m.InvoiceID != "" {
		fields["invoice_id"] = m.InvoiceID
	}
	if m.UserID != "" {
		fields["user_id"] = m.UserID
	}
	return fields
}

type WebhookEvent struct {
	ID               string
	IdempotencyKey   string
	ProviderEventID  string
	EventType        string
	Status           EventStatus
	Processed        bool
	ProcessedAt      *time.Time
	ProcessingTimeMs int64
	ErrorMessage     string
	RetryCount       int
	MaxRetries       int
	LastAttempt      int
	RawPayload       []byte
	Metadata         EventMetadata
	IPAddress        string
	UserAgent        string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (e WebhookEvent) RetriesExhausted() bool {
	return e.MaxRetries > 0 && e.RetryCount >= e.MaxRetries
}

type DeadLetterEntry struct {
	ID               string
	WebhookEventID   string
	IdempotencyKey   string
	ProviderEventID  string
	EventType        string
	ErrorCategory    string
	ErrorMessage     string
	FinalAttempt     int
	RawPayload       []byte
	Resolved         bool
	ResolvedAt       *time.Time
	ResolvedBy       string
	ResolutionNotes  string
	RedriveCount     int
	LastRedriveAt    *time.Time
	LastRedriveError string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type AddDeadLetterInput struct {
	Event         WebhookEvent
	ErrorCategory string
	ErrorMessage  string
	FinalAttempt  int
}

// Event is a verified provider envelope: {id, type, created, data:{object:{...}}}.
type Event struct {
	ID         string
	Type       string
	Created    time.Time
	APIVersion string
	Livemode   bool
	Object     map[string]any
	Raw        []byte
}

func (e Event) IdempotencyKey() string {
	return IdempotencyKey(e.ID, e.Type)
}

// ObjectString reads a top level string attribute from data.object. Expanded
// references ({"id": "..."}) resolve to their id.
func (e Event) ObjectString(key string) string {
	if len(e.Object) == 0 {
		return ""
	}
	switch typed := e.Object[key].(type) {
	case string:
		return strings.TrimSpace(typed)
	case map[string]any:
		if id, ok := typed["id"].(string); ok {
			return strings.TrimSpace(id)
		}
	}
	return ""
}

func (e Event) ObjectType() string {
	return e.ObjectString("object")
}

// ExtractMetadata pulls correlation ids out of data.object.
func (e Event) ExtractMetadata() EventMetadata {
	meta := EventMetadata{
		CustomerID:     e.ObjectString("customer"),
		SubscriptionID: e.ObjectString("subscription"),
	}
	switch e.ObjectType() {
	case "subscription":
		meta.SubscriptionID = e.ObjectString("id")
	case "invoice":
		meta.InvoiceID = e.ObjectString("id")
	case "customer":
		meta.CustomerID = e.ObjectString("id")
	}
	if nested, ok := e.Object["metadata"].(map[string]any); ok {
		for _, key := range []string{"user_id", "userId"} {
			if value, ok := nested[key].(string); ok && strings.TrimSpace(value) != "" {
				meta.UserID = strings.TrimSpace(value)
				break
			}
		}
	}
	return meta
}

type envelope struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Created    int64  `json:"created"`
	APIVersion string `json:"api_version"`
	Livemode   bool   `json:"livemode"`
	Data       struct {
		Object map[string]any `json:"object"`
	} `json:"data"`
}

// DecodeEvent rebuilds an Event from a stored raw payload. It performs no
// signature or freshness checks; those belong to the inbound path.
func DecodeEvent(raw []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if strings.TrimSpace(env.ID) == "" || strings.TrimSpace(env.Type) == "" {
		return Event{}, fmt.Errorf("%w: id and type are required", ErrMalformedEvent)
	}
	return Event{
		ID:         strings.TrimSpace(env.ID),
		Type:       strings.TrimSpace(env.Type),
		Created:    time.Unix(env.Created, 0).UTC(),
		APIVersion: env.APIVersion,
		Livemode:   env.Livemode,
		Object:     env.Data.Object,
		Raw:        append([]byte(nil), raw...),
	}, nil
}

type ProcessResult struct {
	Success          bool
	Duplicate        bool
	InFlight         bool
	EventID          string
	Status           EventStatus
	ProcessingTimeMs int64
}

type AuditOutcome string

const (
	AuditOutcomeSuccess   AuditOutcome = "success"
	AuditOutcomeDuplicate AuditOutcome = "duplicate"
	AuditOutcomeFailure   AuditOutcome = "failure"
	AuditOutcomeRejected  AuditOutcome = "rejected"
)

type AuditRecord struct {
	WebhookEventID   string
	ProviderEventID  string
	EventType        string
	Outcome          AuditOutcome
	Error            string
	IPAddress        string
	UserAgent        string
	ProcessingTimeMs int64
	Metadata         map[string]any
	CreatedAt        time.Time
}

type SubscriptionState string

type TransitionContext struct {
	Trigger   string
	TriggerID string
	Reason    string
	Metadata  map[string]any
}

type TransitionResult struct {
	Success bool
	From    SubscriptionState
	To      SubscriptionState
	Error   error
}
