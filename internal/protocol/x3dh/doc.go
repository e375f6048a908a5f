// Package x3dh derives the shared root key for a new pairwise session from
// a triple Diffie-Hellman over identity, ephemeral and one-time keys.
package x3dh
