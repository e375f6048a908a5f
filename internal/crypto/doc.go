// Package crypto provides key generation, Diffie-Hellman, fingerprints and
// the canonical signed encoding used by cross-signing.
package crypto
