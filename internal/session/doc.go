// Package session owns the pairwise and group session state machines.
//
// Sessions live in an arena keyed by session id, each entry carrying its
// own lock: exactly one ratchet mutation is in flight per session while
// distinct sessions progress concurrently. Every accepted establishment or
// ratchet step is persisted through the encrypted store before the result
// is surfaced, and a ratchet step is attempted on a copy of the state so a
// failed attempt never leaves a half-advanced ratchet behind.
package session
