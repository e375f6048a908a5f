// Package devices keeps the registry of remote devices and cross-signing
// identities, and derives device trust from the signature graph. Derived
// verification is always recomputed from the stored key records; only the
// explicit local trust decision is persisted on the device itself.
package devices
