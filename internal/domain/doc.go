// Package domain defines the core data models and contracts shared across
// the engine. It contains plain types (keys, sessions, events) and the
// persistence backend contract only; no cryptographic operations live here.
package domain
