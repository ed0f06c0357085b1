package sqlstore

import (
	"fmt"
	"strings"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// uuidHandlers wires a record keyed by a uuid string id column.
func uuidHandlers[T any](
	newRecord func() T,
	getID func(T) string,
	setID func(T, string),
) repository.ModelHandlers[T] {
	return repository.ModelHandlers[T]{
		NewRecord: newRecord,
		GetID: func(record T) uuid.UUID {
			return parseUUID(getID(record))
		},
		SetID: func(record T, id uuid.UUID) {
			setID(record, id.String())
		},
		GetIdentifier: func() string {
			return "id"
		},
		GetIdentifierValue: func(record T) string {
			return strings.TrimSpace(getID(record))
		},
	}
}

func webhookEventHandlers() repository.ModelHandlers[*webhookEventRecord] {
	return uuidHandlers(
		func() *webhookEventRecord { return &webhookEventRecord{} },
		func(record *webhookEventRecord) string {
			if record == nil {
				return ""
			}
			return record.ID
		},
		func(record *webhookEventRecord, id string) {
			if record != nil {
				record.ID = id
			}
		},
	)
}

func deadLetterHandlers() repository.ModelHandlers[*deadLetterRecord] {
	return uuidHandlers(
		func() *deadLetterRecord { return &deadLetterRecord{} },
		func(record *deadLetterRecord) string {
			if record == nil {
				return ""
			}
			return record.ID
		},
		func(record *deadLetterRecord, id string) {
			if record != nil {
				record.ID = id
			}
		},
	)
}

func retryTaskHandlers() repository.ModelHandlers[*retryTaskRecord] {
	return uuidHandlers(
		func() *retryTaskRecord { return &retryTaskRecord{} },
		func(record *retryTaskRecord) string {
			if record == nil {
				return ""
			}
			return record.ID
		},
		func(record *retryTaskRecord, id string) {
			if record != nil {
				record.ID = id
			}
		},
	)
}

func subscriptionTransitionHandlers() repository.ModelHandlers[*subscriptionTransitionRecord] {
	return uuidHandlers(
		func() *subscriptionTransitionRecord { return &subscriptionTransitionRecord{} },
		func(record *subscriptionTransitionRecord) string {
			if record == nil {
				return ""
			}
			return record.ID
		},
		func(record *subscriptionTransitionRecord, id string) {
			if record != nil {
				record.ID = id
			}
		},
	)
}

func auditLogHandlers() repository.ModelHandlers[*auditLogRecord] {
	return uuidHandlers(
		func() *auditLogRecord { return &auditLogRecord{} },
		func(record *auditLogRecord) string {
			if record == nil {
				return ""
			}
			return record.ID
		},
		func(record *auditLogRecord, id string) {
			if record != nil {
				record.ID = id
			}
		},
	)
}

func parseUUID(value string) uuid.UUID {
	parsed, err := uuid.Parse(strings.TrimSpace(value))
	if err != nil {
		return uuid.Nil
	}
	return parsed
}

func newRepository[T any](db *bun.DB, handlers repository.ModelHandlers[T], label string) (repository.Repository[T], error) {
	repo := repository.NewRepository[T](db, handlers)
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid %s repository wiring: %w", label, err)
		}
	}
	return repo, nil
}
