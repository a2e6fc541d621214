// Package bus implements the message fabric between agents: channels,
// topic subscriptions, queues, routing rules, delivery retries with
// dead-lettering, and acknowledgment tracking.
//
// A send walks the resolution ladder until one rung yields targets:
//
//	rules > topic subscriptions > preferred channel > direct receivers
//	      > type-derived queue (reliable messages only)
//
// Each resolved target is then delivered under the message's
// reliability mode:
//
//	best-effort    one attempt, failures logged and dropped
//	at-least-once  failures and missed acks retried with backoff,
//	               exhausted deliveries dead-lettered
//	exactly-once   per-receiver dedupe on the send side, failures
//	               surfaced to the caller
//
//	Send ──> resolveRoute ──> Dispatcher ──> transport.Registry
//	             │                 │
//	             v                 v (failure)
//	          Queue          retryScheduler ──> deadLetterBox
//
// Queued and retry-pending messages are periodically snapshotted to
// disk, optionally gzip-compressed and AES-GCM encrypted.
package bus
