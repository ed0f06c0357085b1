package redisqueue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/goliatone/go-webhook-ledger/retry"
)

type taskRecord struct {
	ID              string     `json:"id"`
	IdempotencyKey  string     `json:"idempotency_key"`
	WebhookEventID  string     `json:"webhook_event_id"`
	EventID         string     `json:"event_id"`
	EventType       string     `json:"event_type"`
	RawPayload      string     `json:"raw_payload"`
	AttemptNumber   int        `json:"attempt_number"`
	LastError       string     `json:"last_error,omitempty"`
	IPAddress       string     `json:"ip_address,omitempty"`
	UserAgent       string     `json:"user_agent,omitempty"`
	RunAt           time.Time  `json:"run_at"`
	Status          string     `json:"status"`
	ClaimedAt       *time.Time `json:"claimed_at,omitempty"`
	Deliveries      int        `json:"deliveries"`
	LastWorkerError string     `json:"last_worker_error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func encodeTask(task retry.Task) ([]byte, error) {
	raw, err := json.Marshal(taskRecord{
		ID:              task.ID,
		IdempotencyKey:  task.IdempotencyKey,
		WebhookEventID:  task.WebhookEventID,
		EventID:         task.EventID,
		EventType:       task.EventType,
		RawPayload:      string(task.RawPayload),
		AttemptNumber:   task.AttemptNumber,
		LastError:       task.LastError,
		IPAddress:       task.IPAddress,
		UserAgent:       task.UserAgent,
		RunAt:           task.RunAt,
		Status:          string(task.Status),
		ClaimedAt:       task.ClaimedAt,
		Deliveries:      task.Deliveries,
		LastWorkerError: task.LastWorkerError,
		CreatedAt:       task.CreatedAt,
		UpdatedAt:       task.UpdatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("redisqueue: encode task: %w", err)
	}
	return raw, nil
}

func decodeTask(raw []byte) (retry.Task, error) {
	var record taskRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return retry.Task{}, fmt.Errorf("redisqueue: decode task: %w", err)
	}
	return retry.Task{
		ID:              record.ID,
		IdempotencyKey:  record.IdempotencyKey,
		WebhookEventID:  record.WebhookEventID,
		EventID:         record.EventID,
		EventType:       record.EventType,
		RawPayload:      []byte(record.RawPayload),
		AttemptNumber:   record.AttemptNumber,
		LastError:       record.LastError,
		IPAddress:       record.IPAddress,
		UserAgent:       record.UserAgent,
		RunAt:           record.RunAt.UTC(),
		Status:          retry.TaskStatus(record.Status),
		ClaimedAt:       record.ClaimedAt,
		Deliveries:      record.Deliveries,
		LastWorkerError: record.LastWorkerError,
		CreatedAt:       record.CreatedAt,
		UpdatedAt:       record.UpdatedAt,
	}, nil
}
