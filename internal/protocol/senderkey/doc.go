// Package senderkey implements the group ratchet: a single forward-only
// HMAC chain bound to a message index, with per-message keys derived by
// HKDF, ChaCha20-Poly1305 sealing and Ed25519 sender signatures.
//
// The sender holds the chain at its current index and advances it once per
// message. A receiver holds the chain pinned at the earliest index it was
// given and derives keys for any later index on demand; indices before the
// pin are unreachable, which is what gives the scheme forward secrecy at
// the sharing boundary.
package senderkey
