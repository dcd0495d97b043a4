// Package webhooks implements the push half of the synchronization engine:
// signature verification primitives, per-app rate limiting, and the
// ingestion pipeline that turns a verified provider event into entity
// store writes.
package webhooks
