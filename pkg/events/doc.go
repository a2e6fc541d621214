// Package events distributes orchestrator events to subscribers over
// buffered channels. Delivery is best-effort: a subscriber that falls
// behind drops events instead of blocking the distribution loop.
package events
