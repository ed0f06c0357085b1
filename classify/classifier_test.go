package classify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-webhook-ledger/core"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
)

func TestClassify_TimeoutTextIsRetryableRegardlessOfCase(t *testing.T) {
	for _, msg := range []string{"connect ETIMEDOUT 10.0.0.1:443", "connect etimedout", "Connect EtimedOut"} {
		got := Classify(errors.New(msg))
		if got.Category != CategoryRetryable || !got.Retryable {
			t.Fatalf("expected retryable for %q, got %+v", msg, got)
		}
		if got.MaxRetries != 5 || got.BaseDelay != 2*time.Second {
			t.Fatalf("expected 5 retries with 2s base for %q, got %+v", msg, got)
		}
	}
}

func TestClassify_InvalidSignatureIsValidationRegardlessOfCase(t *testing.T) {
	for _, msg := range []string{"invalid signature", "INVALID SIGNATURE", "Webhook Invalid Signature header"} {
		got := Classify(errors.New(msg))
		if got.Category != CategoryValidation || got.Retryable {
			t.Fatalf("expected non-retryable validation for %q, got %+v", msg, got)
		}
	}
}

func TestClassify_IsDeterministic(t *testing.T) {
	err := errors.New("upstream said 503 service unavailable")
	first := Classify(err)
	for i := 0; i < 10; i++ {
		if got := Classify(err); got != first {
			t.Fatalf("expected identical classification, got %+v then %+v", first, got)
		}
	}
	if first.Rule != RuleUpstream || first.BaseDelay != 5*time.Second {
		t.Fatalf("expected upstream rule, got %+v", first)
	}
}

func TestClassify_TypedSignals(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		category Category
		rule     string
	}{
		{name: "deadline", err: fmt.Errorf("tx: %w", context.DeadlineExceeded), category: CategoryRetryable, rule: RuleNetwork},
		{name: "errno", err: &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}, category: CategoryRetryable, rule: RuleNetwork},
		{name: "stripe rate limit", err: &stripe.Error{HTTPStatusCode: 429, Msg: "slow down"}, category: CategoryRateLimit, rule: RuleRateLimit},
		{name: "stripe upstream", err: &stripe.Error{HTTPStatusCode: 502, Msg: "upstream"}, category: CategoryRetryable, rule: RuleUpstream},
		{name: "stripe client", err: &stripe.Error{HTTPStatusCode: 404, Msg: "no such customer"}, category: CategoryValidation, rule: RuleClient},
		{name: "go-errors rate limit", err: goerrors.New("busy", goerrors.CategoryRateLimit), category: CategoryRateLimit, rule: RuleRateLimit},
		{name: "stripe webhook signature", err: fmt.Errorf("verify: %w", webhook.ErrNoValidSignature), category: CategoryValidation, rule: RuleSignature},
		{name: "ledger signature sentinel", err: core.ErrInvalidSignature, category: CategoryValidation},
		{name: "postgres deadlock", err: &pq.Error{Code: "40P01", Message: "deadlock detected"}, category: CategoryRetryable, rule: RuleStorage},
		{name: "postgres connection", err: &pq.Error{Code: "08006", Message: "connection failure"}, category: CategoryRetryable, rule: RuleStorage},
		{name: "sqlite busy", err: sqlite3.Error{Code: sqlite3.ErrBusy}, category: CategoryRetryable, rule: RuleStorage},
		{name: "go-errors validation", err: goerrors.New("amount must be positive", goerrors.CategoryValidation), category: CategoryValidation, rule: RuleValidation},
		{name: "malformed text", err: errors.New("malformed payload"), category: CategoryValidation, rule: RuleValidation},
		{name: "default", err: errors.New("nil pointer in handler"), category: CategoryNonRetryable, rule: RuleDefault},
	}
	for _, tc := range cases {
		got := Classify(tc.err)
		if got.Category != tc.category {
			t.Fatalf("%s: expected category %s, got %+v", tc.name, tc.category, got)
		}
		if tc.rule != "" && got.Rule != tc.rule {
			t.Fatalf("%s: expected rule %s, got %+v", tc.name, tc.rule, got)
		}
	}
}

func TestClassify_OverlappingTextResolvesByRuleOrder(t *testing.T) {
	got := Classify(errors.New("request timeout after 401 from upstream"))
	if got.Rule != RuleNetwork {
		t.Fatalf("expected network rule to win by order, got %+v", got)
	}
}

func TestNew_CustomRules(t *testing.T) {
	classifier := New(Rule{
		Name:       "custom",
		Category:   CategoryRetryable,
		Retryable:  true,
		MaxRetries: 1,
		BaseDelay:  time.Millisecond,
		Match: func(s Signal) bool {
			return s.contains("flaky")
		},
	})
	if got := classifier.Classify(errors.New("flaky dependency")); got.Rule != "custom" {
		t.Fatalf("expected custom rule, got %+v", got)
	}
	if got := classifier.Classify(errors.New("ETIMEDOUT")); got.Rule != RuleDefault {
		t.Fatalf("expected custom list to replace defaults, got %+v", got)
	}
}

func TestDefaultRules_ReturnsFreshCopy(t *testing.T) {
	rules := DefaultRules()
	rules[0].MaxRetries = 99
	if DefaultRules()[0].MaxRetries != 5 {
		t.Fatalf("expected default rules to be unaffected by caller mutation")
	}
}
