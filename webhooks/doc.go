// Package webhooks turns signed billing provider deliveries into exactly-once
// subscription side effects.
//
// A delivery moves through: envelope validation -> freshness check ->
// signature verification -> idempotent attempt -> classify-then-route on
// failure (retry task or dead letter). Retry tasks re-enter the same path
// through HandleRetryTask.
package webhooks
