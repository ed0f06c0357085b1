package sqlstore

import (
	"time"

	"github.com/uptrace/bun"
)

type webhookEventRecord struct {
	bun.BaseModel `bun:"table:webhook_events,alias:we"`

	ID               string         `bun:"id,pk"`
	IdempotencyKey   string         `bun:"idempotency_key,notnull"`
	ProviderEventID  string         `bun:"provider_event_id,notnull"`
	EventType        string         `bun:"event_type,notnull"`
	Status           string         `bun:"status,notnull"`
	Processed        bool           `bun:"processed,notnull"`
	ProcessedAt      *time.Time     `bun:"processed_at,nullzero"`
	ProcessingTimeMs int64          `bun:"processing_time_ms,notnull"`
	ErrorMessage     string         `bun:"error_message,notnull"`
	RetryCount       int            `bun:"retry_count,notnull"`
	MaxRetries       int            `bun:"max_retries,notnull"`
	LastAttempt      int            `bun:"last_attempt,notnull"`
	RawPayload       []byte         `bun:"raw_payload"`
	Metadata         map[string]any `bun:"metadata,type:jsonb,notnull"`
	IPAddress        string         `bun:"ip_address,notnull"`
	UserAgent        string         `bun:"user_agent,notnull"`
	CreatedAt        time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt        time.Time      `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type deadLetterRecord struct {
	bun.BaseModel `bun:"table:webhook_dead_letters,alias:wdl"`

	ID               string     `bun:"id,pk"`
	WebhookEventID   string     `bun:"webhook_event_id,notnull"`
	IdempotencyKey   string     `bun:"idempotency_key,notnull"`
	ProviderEventID  string     `bun:"provider_event_id,notnull"`
	EventType        string     `bun:"event_type,notnull"`
	ErrorCategory    string     `bun:"error_category,notnull"`
	ErrorMessage     string     `bun:"error_message,notnull"`
	FinalAttempt     int        `bun:"final_attempt,notnull"`
	RawPayload       []byte     `bun:"raw_payload"`
	Resolved         bool       `bun:"resolved,notnull"`
	ResolvedAt       *time.Time `bun:"resolved_at,nullzero"`
	ResolvedBy       string     `bun:"resolved_by,notnull"`
	ResolutionNotes  string     `bun:"resolution_notes,notnull"`
	RedriveCount     int        `bun:"redrive_count,notnull"`
	LastRedriveAt    *time.Time `bun:"last_redrive_at,nullzero"`
	LastRedriveError string     `bun:"last_redrive_error,notnull"`
	CreatedAt        time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt        time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type retryTaskRecord struct {
	bun.BaseModel `bun:"table:webhook_retry_tasks,alias:wrt"`

	ID              string     `bun:"id,pk"`
	IdempotencyKey  string     `bun:"idempotency_key,notnull"`
	WebhookEventID  string     `bun:"webhook_event_id,notnull"`
	ProviderEventID string     `bun:"provider_event_id,notnull"`
	EventType       string     `bun:"event_type,notnull"`
	RawPayload      []byte     `bun:"raw_payload"`
	AttemptNumber   int        `bun:"attempt_number,notnull"`
	LastError       string     `bun:"last_error,notnull"`
	IPAddress       string     `bun:"ip_address,notnull"`
	UserAgent       string     `bun:"user_agent,notnull"`
	Status          string     `bun:"status,notnull"`
	RunAt           time.Time  `bun:"run_at,notnull"`
	ClaimedAt       *time.Time `bun:"claimed_at,nullzero"`
	Deliveries      int        `bun:"deliveries,notnull"`
	LastWorkerError string     `bun:"last_worker_error,notnull"`
	CreatedAt       time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt       time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type subscriptionStateRecord struct {
	bun.BaseModel `bun:"table:subscription_states,alias:ss"`

	ID        string    `bun:"id,pk"`
	State     string    `bun:"state,notnull"`
	Version   int       `bun:"version,notnull"`
	CreatedAt time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type subscriptionTransitionRecord struct {
	bun.BaseModel `bun:"table:subscription_state_transitions,alias:sst"`

	ID             string         `bun:"id,pk"`
	SubscriptionID string         `bun:"subscription_id,notnull"`
	FromState      string         `bun:"from_state,notnull"`
	ToState        string         `bun:"to_state,notnull"`
	TriggerType    string         `bun:"trigger_type,notnull"`
	TriggerID      string         `bun:"trigger_id,notnull"`
	Reason         string         `bun:"reason,notnull"`
	Metadata       map[string]any `bun:"metadata,type:jsonb,notnull"`
	CreatedAt      time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

type auditLogRecord struct {
	bun.BaseModel `bun:"table:webhook_audit_log,alias:wal"`

	ID               string         `bun:"id,pk"`
	WebhookEventID   string         `bun:"webhook_event_id,notnull"`
	ProviderEventID  string         `bun:"provider_event_id,notnull"`
	EventType        string         `bun:"event_type,notnull"`
	Outcome          string         `bun:"outcome,notnull"`
	Error            string         `bun:"error,notnull"`
	IPAddress        string         `bun:"ip_address,notnull"`
	UserAgent        string         `bun:"user_agent,notnull"`
	ProcessingTimeMs int64          `bun:"processing_time_ms,notnull"`
	Metadata         map[string]any `bun:"metadata,type:jsonb,notnull"`
	CreatedAt        time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}
