// Package ratchet implements the double ratchet for pairwise sessions:
// a DH ratchet over Curve25519 layered on HKDF chain key ratchets, with
// ChaCha20-Poly1305 sealing and a bounded skipped-message-key cache.
package ratchet
