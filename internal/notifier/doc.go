// Package notifier delivers MatchCompletedEvents to chat destinations.
//
// Emit only enqueues; a small worker pool formats each event, paces sends
// with a token bucket and retries per sender. Events are deduplicated on
// (providerId, matchId) for a window. With PersistDedup the window survives
// restarts through the store, so re-emits after a crash stay quiet downstream.
//
// # History
//
// The service keeps a short in-memory history of delivered messages for the
// status endpoint.
package notifier
