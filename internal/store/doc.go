// Package store provides the encrypted persistence layer. A random data
// key seals every record; the data key itself is wrapped by a key derived
// from the caller's passphrase with scrypt, so rotating the passphrase
// re-wraps one record instead of re-encrypting the store. Backends supply
// physical storage behind the domain.Backend contract (bbolt on disk, an
// in-memory map for tests).
package store
