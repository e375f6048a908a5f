// Package account owns the local device's long-term identity keys, the
// one-time/fallback key pool and, once bootstrapped, the private half of
// the user's cross-signing hierarchy. Every mutation persists through the
// encrypted store before it is surfaced to the caller.
package account
