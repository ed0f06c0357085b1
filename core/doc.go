// Package core contains the canonical webhook ledger domain contracts and
// entities. Stores, queues and transports depend on this package; core must not
// depend on any of them.
//
// Event rows follow a monotonic status lifecycle:
// pending -> processing -> completed|failed, failed -> retrying -> processing,
// failed|retrying -> dead_letter, and dead_letter -> pending only through a
// manual re-drive.
package core
