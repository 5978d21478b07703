// Package poller detects newly completed matches of tracked accounts.
//
// Each cycle lists recent match ids per account, diffs them against the
// persisted last-seen id and emits one event per new match, oldest first.
// The last-seen id only advances after every event of the account was
// emitted, so a crash re-emits rather than loses matches.
package poller
