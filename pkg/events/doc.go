// Package events provides the in-process pub/sub broker the orchestration
// workflows publish lifecycle, transfer, backup, and schedule events to.
// Delivery is best-effort: a subscriber with a full buffer misses the event
// rather than blocking the publisher.
package events
