package retry

import (
	"math"
	"time"

	"github.com/goliatone/go-webhook-ledger/core"
)

// BackoffPolicy grows the classification base delay geometrically per
// attempt and caps it at MaxDelay.
type BackoffPolicy struct {
	Multiplier float64
	MaxDelay   time.Duration
}

func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		Multiplier: core.DefaultRetryMultiplier,
		MaxDelay:   core.DefaultRetryMaxDelay,
	}
}

// Delay returns min(base * multiplier^(attempt-1), MaxDelay).
func (p BackoffPolicy) Delay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		base = time.Second
	}
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = core.DefaultRetryMultiplier
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = core.DefaultRetryMaxDelay
	}

	scaled := float64(base) * math.Pow(multiplier, float64(attempt-1))
	if scaled >= float64(maxDelay) || math.IsInf(scaled, 0) || math.IsNaN(scaled) {
		return maxDelay
	}
	return time.Duration(scaled)
}
