package core

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	goerrors "github.com/goliatone/go-errors"
)

func TestSentinels_CarryStableCodes(t *testing.T) {
	if ErrStaleEvent.TextCode != ErrorCodeStaleEvent || ErrStaleEvent.Code != http.StatusBadRequest {
		t.Fatalf("unexpected stale event envelope: %+v", ErrStaleEvent)
	}
	if ErrInvalidSignature.Code != http.StatusForbidden {
		t.Fatalf("expected forbidden status for invalid signature, got %d", ErrInvalidSignature.Code)
	}
	if ErrEventNotFound.Category != goerrors.CategoryNotFound {
		t.Fatalf("expected not found category, got %q", ErrEventNotFound.Category)
	}
}

func TestMapError_AssignsEnvelopes(t *testing.T) {
	mapped := MapError(fmt.Errorf("sqlstore: load: %w", ErrDeadLetterNotFound))
	if mapped.TextCode != ErrorCodeDeadLetterNotFound {
		t.Fatalf("expected wrapped sentinel code, got %q", mapped.TextCode)
	}

	mapped = MapError(stderrors.New("dead letter id is required"))
	if mapped.TextCode != ErrorCodeBadInput || mapped.Code != http.StatusBadRequest {
		t.Fatalf("expected bad input envelope, got %+v", mapped)
	}

	mapped = MapError(fmt.Errorf("tx: %w", context.DeadlineExceeded))
	if mapped.TextCode != ErrorCodeTransactionTimeout {
		t.Fatalf("expected timeout code, got %q", mapped.TextCode)
	}

	if MapError(nil) != nil {
		t.Fatalf("expected nil mapping for nil error")
	}
}

func TestHasTextCode_MatchesWrappedEnvelopes(t *testing.T) {
	err := fmt.Errorf("webhooks: %w", ErrEventDeadLettered)
	if !HasTextCode(err, ErrorCodeEventDeadLettered) {
		t.Fatalf("expected text code match through wrapping")
	}
	if HasTextCode(stderrors.New("plain"), ErrorCodeEventDeadLettered) {
		t.Fatalf("expected plain errors not to match")
	}
}
