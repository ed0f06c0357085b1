package command

import (
	"strings"
	"time"
)

const (
	TypeResolveDeadLetter = "webhooks.command.dead_letter.resolve"
	TypeRedriveDeadLetter = "webhooks.command.dead_letter.redrive"
	TypePurgeDeadLetters  = "webhooks.command.dead_letter.purge"
	TypeReconcile         = "webhooks.command.reconcile"
)

type ResolveDeadLetterMessage struct {
	EntryID    string
	ResolvedBy string
	Notes      string
}

func (ResolveDeadLetterMessage) Type() string { return TypeResolveDeadLetter }

func (m ResolveDeadLetterMessage) Validate() error {
	if strings.TrimSpace(m.EntryID) == "" {
		return commandValidationError("entry_id", "dead letter entry id is required")
	}
	if strings.TrimSpace(m.ResolvedBy) == "" {
		return commandValidationError("resolved_by", "resolved_by is required")
	}
	return nil
}

// RedriveDeadLetterMessage asks for one manual re-run of a dead-lettered
// event. ResolvedBy defaults to "redrive" when empty.
type RedriveDeadLetterMessage struct {
	EntryID    string
	ResolvedBy string
	Notes      string
}

func (RedriveDeadLetterMessage) Type() string { return TypeRedriveDeadLetter }

func (m RedriveDeadLetterMessage) Validate() error {
	if strings.TrimSpace(m.EntryID) == "" {
		return commandValidationError("entry_id", "dead letter entry id is required")
	}
	return nil
}

// PurgeDeadLettersMessage removes resolved entries. A zero OlderThan uses the
// configured retention.
type PurgeDeadLettersMessage struct {
	OlderThan time.Time
}

func (PurgeDeadLettersMessage) Type() string { return TypePurgeDeadLetters }

func (m PurgeDeadLettersMessage) Validate() error {
	if !m.OlderThan.IsZero() && m.OlderThan.After(time.Now().Add(time.Minute)) {
		return commandInvalidInputError("command: purge cutoff cannot be in the future")
	}
	return nil
}

type ReconcileMessage struct{}

func (ReconcileMessage) Type() string { return TypeReconcile }

func (ReconcileMessage) Validate() error { return nil }
