// Package dedupe filters replayed agent events. Agents resend unacknowledged
// server events after a reconnect; the cache keeps each (agent token,
// event id) pair for a window so notifications fire once.
package dedupe
