package webhooks

import (
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-webhook-ledger/core"
	"github.com/stripe/stripe-go/v79/webhook"
)

const SignatureHeader = "Stripe-Signature"

// StripeVerifier checks the Stripe-Signature header against the raw payload
// with the signing secret, then rebuilds the verified event.
type StripeVerifier struct {
	Secret    string
	Tolerance time.Duration
}

func NewStripeVerifier(secret string, tolerance time.Duration) StripeVerifier {
	if tolerance <= 0 {
		tolerance = core.DefaultSignatureTolerance
	}
	return StripeVerifier{Secret: strings.TrimSpace(secret), Tolerance: tolerance}
}

func (v StripeVerifier) Verify(payload []byte, signature string) (core.Event, error) {
	if v.Secret == "" {
		return core.Event{}, fmt.Errorf("webhooks: signing secret is not configured")
	}
	if strings.TrimSpace(signature) == "" {
		return core.Event{}, fmt.Errorf("webhooks: %s header is required: %w", SignatureHeader, core.ErrInvalidSignature)
	}
	tolerance := v.Tolerance
	if tolerance <= 0 {
		tolerance = core.DefaultSignatureTolerance
	}

	verified, err := webhook.ConstructEventWithOptions(payload, signature, v.Secret, webhook.ConstructEventOptions{
		Tolerance:                tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return core.Event{}, fmt.Errorf("webhooks: %w: %w", core.ErrInvalidSignature, err)
	}

	event := core.Event{
		ID:         strings.TrimSpace(verified.ID),
		Type:       strings.TrimSpace(string(verified.Type)),
		Created:    time.Unix(verified.Created, 0).UTC(),
		APIVersion: verified.APIVersion,
		Livemode:   verified.Livemode,
		Raw:        append([]byte(nil), payload...),
	}
	if verified.Data != nil {
		event.Object = verified.Data.Object
	}
	return event, nil
}

// VerifierFunc adapts a function to core.SignatureVerifier.
type VerifierFunc func(payload []byte, signature string) (core.Event, error)

func (f VerifierFunc) Verify(payload []byte, signature string) (core.Event, error) {
	return f(payload, signature)
}

var (
	_ core.SignatureVerifier = StripeVerifier{}
	_ core.SignatureVerifier = VerifierFunc(nil)
)
