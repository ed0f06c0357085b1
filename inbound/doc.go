// Package inbound exposes the webhook processor over HTTP.
//
// The handler only translates between echo and the processor: it reads the
// raw body for signature verification and answers with the status the
// processor decided. Non-2xx answers make the provider redeliver.
package inbound
