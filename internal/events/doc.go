// Package events provides the per-task progress event channel: a bounded
// buffer with monotonically increasing sequence numbers, replayable
// subscriptions, and non-blocking publish.
//
// Each task owns an isolated Channel managed by a Bus. The buffer bound is
// enforced by evicting the oldest high-frequency events (progress and
// content chunks) first; stage lifecycle events (start, end, error) are
// never evicted, so a late subscriber can always reconstruct how far the
// pipeline got.
package events
